// Package mailer delivers verification and password-reset links. Delivery
// is fire-and-forget from the auth flows: a failed send is logged but never
// fails the caller-visible request.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"

	"github.com/luminachat/lumina/internal/config"
)

// Notifier is the outbound notification contract consumed by the auth
// service. Implementations must be safe for concurrent use.
type Notifier interface {
	SendVerification(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

// New selects an implementation from config: SMTP when a host is
// configured, otherwise the console notifier for development.
func New(cfg config.MailConfig, baseURL string) Notifier {
	if cfg.Host != "" {
		return &smtpNotifier{cfg: cfg, baseURL: baseURL}
	}
	return &consoleNotifier{baseURL: baseURL}
}

// --- Console notifier (development) ---

// consoleNotifier prints the links instead of sending mail. Lets local
// development complete signup/reset flows without an SMTP server.
type consoleNotifier struct {
	baseURL string
}

func (n *consoleNotifier) SendVerification(ctx context.Context, email, token string) error {
	slog.Info("verification email (console delivery)",
		slog.String("to", email),
		slog.String("link", fmt.Sprintf("%s/auth/verify?token=%s", n.baseURL, token)),
	)
	return nil
}

func (n *consoleNotifier) SendPasswordReset(ctx context.Context, email, token string) error {
	slog.Info("password reset email (console delivery)",
		slog.String("to", email),
		slog.String("link", fmt.Sprintf("%s/auth/reset?token=%s", n.baseURL, token)),
	)
	return nil
}

// --- SMTP notifier (production) ---

type smtpNotifier struct {
	cfg     config.MailConfig
	baseURL string
}

func (n *smtpNotifier) SendVerification(ctx context.Context, email, token string) error {
	link := fmt.Sprintf("%s/auth/verify?token=%s", n.baseURL, token)
	body := fmt.Sprintf(
		"Welcome to Lumina!\r\n\r\nPlease verify your email address by visiting:\r\n%s\r\n\r\nThis link expires in one hour.\r\n",
		link,
	)
	return n.send(email, "Verify your Lumina account", body)
}

func (n *smtpNotifier) SendPasswordReset(ctx context.Context, email, token string) error {
	link := fmt.Sprintf("%s/auth/reset?token=%s", n.baseURL, token)
	body := fmt.Sprintf(
		"A password reset was requested for your Lumina account.\r\n\r\nReset your password by visiting:\r\n%s\r\n\r\nThis link expires in one hour. If you did not request this, you can ignore this email.\r\n",
		link,
	)
	return n.send(email, "Reset your Lumina password", body)
}

// send delivers one plain-text message over SMTP with AUTH PLAIN.
func (n *smtpNotifier) send(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		n.cfg.From, to, subject, body)

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, n.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	return nil
}
