package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/luminachat/lumina/internal/apperror"
	"github.com/luminachat/lumina/internal/audit"
	"github.com/luminachat/lumina/internal/kvstore"
	"github.com/luminachat/lumina/internal/mailer"
	"github.com/luminachat/lumina/internal/ratelimit"
	"github.com/luminachat/lumina/internal/token"
)

// Key prefixes in the key/value store. The mirror keys are derived from the
// raw token string, not its claims, so a structurally valid token whose
// mirror was consumed or evicted is rejected.
const (
	sessionKeyPrefix      = "session:"
	verificationKeyPrefix = "verification:"
	resetKeyPrefix        = "reset:"
)

// Caller-facing messages. The generic ones are byte-identical across the
// "account exists" and "account does not exist" paths on purpose; the
// specific ones (duplicate signup field, deactivated account, unverified
// account) are documented exceptions where UX wins over secrecy.
const (
	msgSignupSuccess      = "Account created successfully! Please check your email to verify your account."
	msgEmailTaken         = "An account with this email already exists"
	msgUsernameTaken      = "This username is already taken"
	msgDeactivated        = "Your account has been deactivated. Please contact support."
	msgUnverified         = "Please verify your email address before logging in"
	msgLogoutSuccess      = "Logged out successfully"
	msgForgotGeneric      = "If an account with this email exists, you will receive a password reset link."
	msgResendGeneric      = "If an unverified account with this email exists, a new verification email has been sent."
	msgAlreadyVerified    = "This email address is already verified. You can log in now."
	msgVerifySuccess      = "Email verified successfully! You can now log in."
	msgVerifyInvalid      = "Invalid or expired verification token"
	msgVerifyConsumed     = "Verification token has expired or does not exist"
	msgResetInvalid       = "Invalid or expired reset token"
	msgResetSuccess       = "Your password has been reset. You can now log in."
)

// Service is the authentication state machine. Every method is one
// complete flow: rate-limit gate, input validation, store reads/writes,
// and exactly one audit entry per terminal outcome that reached storage.
type Service interface {
	Signup(ctx context.Context, req SignupRequest, meta RequestMeta) (*PublicUser, string, error)
	Login(ctx context.Context, req LoginRequest, meta RequestMeta) (*LoginResult, error)
	Logout(ctx context.Context, rawToken string, meta RequestMeta) string
	VerifyEmail(ctx context.Context, rawToken string, meta RequestMeta) (email, message string, err error)
	ResendVerification(ctx context.Context, email string, meta RequestMeta) (string, error)
	ForgotPassword(ctx context.Context, email string, meta RequestMeta) (string, error)
	ResetPassword(ctx context.Context, req ResetRequest, meta RequestMeta) (string, error)

	// ValidateSession checks a raw session token against the signature,
	// the session blob, and a fresh user row. Used by RequireAuth on
	// every authenticated request.
	ValidateSession(ctx context.Context, rawToken string) (*User, *Session, error)
}

// LoginResult carries everything the handler needs to finish a login.
type LoginResult struct {
	User       PublicUser
	Token      string
	TTL        time.Duration
	RememberMe bool
}

// service implements Service.
type service struct {
	repo     UserRepository
	kv       kvstore.Store
	codec    *token.Codec
	limiter  *ratelimit.Limiter
	recorder audit.Recorder
	notifier mailer.Notifier

	bcryptCost      int
	sessionTTL      time.Duration
	rememberTTL     time.Duration
	verificationTTL time.Duration
	resetTTL        time.Duration
}

// Options configures a Service.
type Options struct {
	BcryptCost      int
	SessionTTL      time.Duration
	RememberTTL     time.Duration
	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

// NewService wires the auth state machine with its collaborators.
func NewService(
	repo UserRepository,
	kv kvstore.Store,
	codec *token.Codec,
	limiter *ratelimit.Limiter,
	recorder audit.Recorder,
	notifier mailer.Notifier,
	opts Options,
) Service {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = 12
	}
	if opts.SessionTTL == 0 {
		opts.SessionTTL = 7 * 24 * time.Hour
	}
	if opts.RememberTTL == 0 {
		opts.RememberTTL = 30 * 24 * time.Hour
	}
	if opts.VerificationTTL == 0 {
		opts.VerificationTTL = time.Hour
	}
	if opts.ResetTTL == 0 {
		opts.ResetTTL = time.Hour
	}
	return &service{
		repo:            repo,
		kv:              kv,
		codec:           codec,
		limiter:         limiter,
		recorder:        recorder,
		notifier:        notifier,
		bcryptCost:      opts.BcryptCost,
		sessionTTL:      opts.SessionTTL,
		rememberTTL:     opts.RememberTTL,
		verificationTTL: opts.VerificationTTL,
		resetTTL:        opts.ResetTTL,
	}
}

// --- Signup ---

// Signup creates a new unverified account and sends a verification link.
func (s *service) Signup(ctx context.Context, req SignupRequest, meta RequestMeta) (*PublicUser, string, error) {
	// Rate limit gate before any validation or storage work. A malformed
	// request still costs a counter hit so flooding with garbage is
	// bounded too.
	if err := s.gateAndHit(ctx, ratelimit.ActionSignup, meta.IP, "signup"); err != nil {
		return nil, "", err
	}

	if msg := validateSignup(&req); msg != "" {
		return nil, "", apperror.NewValidation(msg)
	}

	// Duplicate checks disclose which field collided. A documented
	// exception to enumeration resistance in favor of usable signup.
	emailTaken, err := s.repo.EmailExists(ctx, req.Email)
	if err != nil {
		return nil, "", s.failSignup(ctx, meta, req.Email, apperror.NewInternal(fmt.Errorf("checking email: %w", err)))
	}
	if emailTaken {
		return nil, "", s.failSignup(ctx, meta, req.Email, apperror.NewConflict(msgEmailTaken))
	}
	usernameTaken, err := s.repo.UsernameExists(ctx, req.Username)
	if err != nil {
		return nil, "", s.failSignup(ctx, meta, req.Email, apperror.NewInternal(fmt.Errorf("checking username: %w", err)))
	}
	if usernameTaken {
		return nil, "", s.failSignup(ctx, meta, req.Email, apperror.NewConflict(msgUsernameTaken))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, "", s.failSignup(ctx, meta, req.Email, apperror.NewInternal(fmt.Errorf("hashing password: %w", err)))
	}

	now := time.Now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		IsActive:     true,
		IsVerified:   false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	verificationToken, err := s.codec.Issue(token.Claims{
		UserID:   user.ID,
		Email:    user.Email,
		Username: user.Username,
		Purpose:  token.PurposeVerification,
	}, s.verificationTTL)
	if err != nil {
		return nil, "", s.failSignup(ctx, meta, req.Email, apperror.NewInternal(fmt.Errorf("issuing verification token: %w", err)))
	}

	expires := now.Add(s.verificationTTL)
	user.VerificationToken = &verificationToken
	user.VerificationExpires = &expires

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, "", s.failSignup(ctx, meta, req.Email, apperror.NewInternal(fmt.Errorf("creating user: %w", err)))
	}

	// Mirror the token so it is single-use and revocable. Row insert and
	// mirror write are not transactional; a crash between them leaves a
	// resendable unverified account, which is the accepted gap.
	if err := s.writeMirror(ctx, verificationKeyPrefix+verificationToken, user, s.verificationTTL); err != nil {
		return nil, "", s.failSignup(ctx, meta, req.Email, apperror.NewInternal(err))
	}

	s.sendAsync(ctx, "verification", user.Email, verificationToken, s.notifier.SendVerification)

	s.recorder.Record(ctx, &audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionUserCreated,
		EntityType: "user",
		EntityID:   &user.ID,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		NewValues:  map[string]any{"username": user.Username, "email": user.Email},
		Success:    true,
	})

	pub := user.Public()
	return &pub, msgSignupSuccess, nil
}

// failSignup audits a storage-reaching signup failure and passes the error through.
func (s *service) failSignup(ctx context.Context, meta RequestMeta, email string, appErr *apperror.AppError) error {
	msg := appErr.Error()
	s.recorder.Record(ctx, &audit.Entry{
		Action:       audit.ActionSignupAttempt,
		EntityType:   "user",
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		NewValues:    map[string]any{"email": email},
		Success:      false,
		ErrorMessage: &msg,
	})
	return appErr
}

// --- Login ---

// Login authenticates a user and creates a session. The failed-attempt
// counter only counts genuine attack signals: a correct password against
// an unverified account is not one.
func (s *service) Login(ctx context.Context, req LoginRequest, meta RequestMeta) (*LoginResult, error) {
	// Deny fast, before validation and before any bcrypt work.
	status, err := s.limiter.Status(ctx, ratelimit.ActionLogin, meta.IP)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("checking login rate limit: %w", err))
	}
	if status.Blocked {
		return nil, rateLimited("login", status)
	}

	if msg := validateLogin(&req); msg != "" {
		return nil, apperror.NewValidation(msg)
	}

	user, err := s.repo.FindByEmail(ctx, req.Email)
	if err != nil {
		if isNotFound(err) {
			// Same message as a wrong password: the response must not
			// confirm the account exists.
			return nil, s.failLogin(ctx, meta, req.Email, true, apperror.NewInvalidCredentials())
		}
		return nil, s.failLogin(ctx, meta, req.Email, false, apperror.NewInternal(fmt.Errorf("finding user: %w", err)))
	}

	if !user.IsActive {
		// Deliberately specific: existence is already implied once the
		// credentials would otherwise be checked.
		return nil, s.failLogin(ctx, meta, req.Email, true, apperror.NewForbidden(msgDeactivated))
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, s.failLogin(ctx, meta, req.Email, true, apperror.NewInvalidCredentials())
	}

	if !user.IsVerified {
		// Correct credentials -- not an attack signal, so no counter hit.
		return nil, s.failLogin(ctx, meta, req.Email, false, apperror.NewBadRequest(msgUnverified))
	}

	// Success. Forgive this IP's earlier failed attempts.
	if err := s.limiter.Reset(ctx, ratelimit.ActionLogin, meta.IP); err != nil {
		slog.Warn("failed to reset login counter", slog.String("ip", meta.IP), slog.Any("error", err))
	}

	if err := s.repo.UpdateLastLogin(ctx, user.ID); err != nil {
		slog.Warn("failed to update last login", slog.String("user_id", user.ID), slog.Any("error", err))
	}

	ttl := s.sessionTTL
	if req.RememberMe {
		ttl = s.rememberTTL
	}

	sessionToken, err := s.codec.Issue(token.Claims{
		UserID:   user.ID,
		Email:    user.Email,
		Username: user.Username,
		Purpose:  token.PurposeSession,
	}, ttl)
	if err != nil {
		return nil, s.failLogin(ctx, meta, req.Email, false, apperror.NewInternal(fmt.Errorf("issuing session token: %w", err)))
	}

	session := Session{
		UserID:    user.ID,
		Email:     user.Email,
		Username:  user.Username,
		LoginTime: time.Now().UTC(),
	}
	blob, err := json.Marshal(session)
	if err != nil {
		return nil, s.failLogin(ctx, meta, req.Email, false, apperror.NewInternal(fmt.Errorf("marshaling session: %w", err)))
	}
	if err := s.kv.SetWithExpiry(ctx, sessionKeyPrefix+user.ID, blob, ttl); err != nil {
		return nil, s.failLogin(ctx, meta, req.Email, false, apperror.NewInternal(fmt.Errorf("storing session: %w", err)))
	}

	s.recorder.Record(ctx, &audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionLoginSuccess,
		EntityType: "user",
		EntityID:   &user.ID,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		Success:    true,
	})

	return &LoginResult{
		User:       user.Public(),
		Token:      sessionToken,
		TTL:        ttl,
		RememberMe: req.RememberMe,
	}, nil
}

// failLogin audits a failed login and, when the failure is an attack
// signal, charges the IP's failed-attempt counter.
func (s *service) failLogin(ctx context.Context, meta RequestMeta, email string, countIt bool, appErr *apperror.AppError) error {
	if countIt {
		if _, err := s.limiter.Hit(ctx, ratelimit.ActionLogin, meta.IP); err != nil {
			slog.Warn("failed to increment login counter", slog.String("ip", meta.IP), slog.Any("error", err))
		}
	}

	msg := appErr.Error()
	s.recorder.Record(ctx, &audit.Entry{
		Action:       audit.ActionLoginFailed,
		EntityType:   "user",
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		NewValues:    map[string]any{"email": email},
		Success:      false,
		ErrorMessage: &msg,
	})
	return appErr
}

// --- Logout ---

// Logout destroys the caller's session. It never fails the caller: a
// malformed token still results in a cleared cookie and a success message.
func (s *service) Logout(ctx context.Context, rawToken string, meta RequestMeta) string {
	entry := &audit.Entry{
		Action:     audit.ActionLogout,
		EntityType: "session",
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		Success:    true,
	}

	if rawToken != "" {
		claims, err := s.codec.Verify(rawToken)
		if err == nil && claims.Purpose == token.PurposeSession {
			if delErr := s.kv.Delete(ctx, sessionKeyPrefix+claims.UserID); delErr != nil {
				slog.Warn("failed to delete session", slog.String("user_id", claims.UserID), slog.Any("error", delErr))
			}
			entry.UserID = &claims.UserID
		} else {
			// Tolerate a bad token; the cookie gets cleared regardless.
			msg := "session token invalid at logout"
			entry.Success = false
			entry.ErrorMessage = &msg
		}
	}

	s.recorder.Record(ctx, entry)
	return msgLogoutSuccess
}

// --- Email verification ---

// VerifyEmail consumes a verification token: signature, mirror presence,
// and user row must all agree. Verifying an already-verified account
// succeeds idempotently without a second mutation.
func (s *service) VerifyEmail(ctx context.Context, rawToken string, meta RequestMeta) (string, string, error) {
	if err := s.gateAndHit(ctx, ratelimit.ActionVerify, meta.IP, "verification"); err != nil {
		return "", "", err
	}

	if rawToken == "" {
		return "", "", apperror.NewValidation("Verification token is required")
	}

	claims, err := s.codec.Verify(rawToken)
	if err != nil || claims.Purpose != token.PurposeVerification {
		return "", "", s.failVerify(ctx, meta, "", apperror.NewBadRequest(msgVerifyInvalid))
	}

	// The mirror is looked up by the raw token string, not the decoded
	// claims. Absence means expired or already consumed.
	mirror, err := s.readMirror(ctx, verificationKeyPrefix+rawToken)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return "", "", s.failVerify(ctx, meta, claims.Email, apperror.NewBadRequest(msgVerifyConsumed))
		}
		return "", "", s.failVerify(ctx, meta, claims.Email, apperror.NewInternal(err))
	}

	user, err := s.repo.FindByID(ctx, mirror.UserID)
	if err != nil {
		if isNotFound(err) {
			return "", "", s.failVerify(ctx, meta, claims.Email, apperror.NewBadRequest(msgVerifyInvalid))
		}
		return "", "", s.failVerify(ctx, meta, claims.Email, apperror.NewInternal(fmt.Errorf("loading user: %w", err)))
	}

	if user.Email != claims.Email {
		return "", "", s.failVerify(ctx, meta, claims.Email, apperror.NewBadRequest(msgVerifyInvalid))
	}

	if user.IsVerified {
		// Idempotent path: no row mutation, token mirror still consumed.
		s.deleteMirror(ctx, verificationKeyPrefix+rawToken)
		s.recorder.Record(ctx, &audit.Entry{
			UserID:     &user.ID,
			Action:     audit.ActionEmailVerified,
			EntityType: "user",
			EntityID:   &user.ID,
			IPAddress:  meta.IP,
			UserAgent:  meta.UserAgent,
			NewValues:  map[string]any{"email": user.Email, "alreadyVerified": true},
			Success:    true,
		})
		return user.Email, msgAlreadyVerified, nil
	}

	rows, err := s.repo.MarkVerified(ctx, user.ID, claims.Email)
	if err != nil {
		return "", "", s.failVerify(ctx, meta, claims.Email, apperror.NewInternal(fmt.Errorf("marking verified: %w", err)))
	}
	if rows == 0 {
		// Lost a race with a concurrent verify of the same token. The
		// idempotent guard makes this safe: report already-verified.
		s.deleteMirror(ctx, verificationKeyPrefix+rawToken)
		s.recorder.Record(ctx, &audit.Entry{
			UserID:     &user.ID,
			Action:     audit.ActionEmailVerified,
			EntityType: "user",
			EntityID:   &user.ID,
			IPAddress:  meta.IP,
			UserAgent:  meta.UserAgent,
			NewValues:  map[string]any{"email": user.Email, "alreadyVerified": true},
			Success:    true,
		})
		return user.Email, msgAlreadyVerified, nil
	}

	// Single-use enforcement: the mirror dies with the first success.
	s.deleteMirror(ctx, verificationKeyPrefix+rawToken)

	s.recorder.Record(ctx, &audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionEmailVerified,
		EntityType: "user",
		EntityID:   &user.ID,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		OldValues:  map[string]any{"is_verified": false},
		NewValues:  map[string]any{"is_verified": true, "email": user.Email},
		Success:    true,
	})

	return user.Email, msgVerifySuccess, nil
}

// failVerify audits a failed verification attempt.
func (s *service) failVerify(ctx context.Context, meta RequestMeta, email string, appErr *apperror.AppError) error {
	msg := appErr.Error()
	entry := &audit.Entry{
		Action:       audit.ActionVerificationAttempt,
		EntityType:   "user",
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		Success:      false,
		ErrorMessage: &msg,
	}
	if email != "" {
		entry.NewValues = map[string]any{"email": email}
	}
	s.recorder.Record(ctx, entry)
	return appErr
}

// --- Resend verification ---

// ResendVerification issues a fresh verification token. The response
// converges to one generic message whether or not the account exists.
func (s *service) ResendVerification(ctx context.Context, email string, meta RequestMeta) (string, error) {
	if err := s.gateAndHit(ctx, ratelimit.ActionResend, meta.IP, "resend"); err != nil {
		return "", err
	}

	if !validEmail(email) {
		return "", apperror.NewValidation("Invalid email address")
	}

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			// Audited as a failure internally; the caller still sees the
			// generic success message.
			msg := "no account for resend request"
			s.recorder.Record(ctx, &audit.Entry{
				Action:       audit.ActionResendAttempt,
				EntityType:   "user",
				IPAddress:    meta.IP,
				UserAgent:    meta.UserAgent,
				NewValues:    map[string]any{"email": email},
				Success:      false,
				ErrorMessage: &msg,
			})
			return msgResendGeneric, nil
		}
		return "", apperror.NewInternal(fmt.Errorf("finding user: %w", err))
	}

	if user.IsVerified {
		// Slightly more specific than pure enumeration resistance; an
		// accepted trade-off so verified users are not re-sent mail.
		s.recorder.Record(ctx, &audit.Entry{
			UserID:     &user.ID,
			Action:     audit.ActionResendAttempt,
			EntityType: "user",
			EntityID:   &user.ID,
			IPAddress:  meta.IP,
			UserAgent:  meta.UserAgent,
			NewValues:  map[string]any{"email": email, "alreadyVerified": true},
			Success:    true,
		})
		return msgAlreadyVerified, nil
	}

	verificationToken, err := s.codec.Issue(token.Claims{
		UserID:   user.ID,
		Email:    user.Email,
		Username: user.Username,
		Purpose:  token.PurposeVerification,
	}, s.verificationTTL)
	if err != nil {
		return "", apperror.NewInternal(fmt.Errorf("issuing verification token: %w", err))
	}

	expires := time.Now().UTC().Add(s.verificationTTL)
	if err := s.repo.SetVerificationToken(ctx, user.ID, verificationToken, expires); err != nil {
		return "", apperror.NewInternal(err)
	}
	if err := s.writeMirror(ctx, verificationKeyPrefix+verificationToken, user, s.verificationTTL); err != nil {
		return "", apperror.NewInternal(err)
	}

	s.sendAsync(ctx, "verification", user.Email, verificationToken, s.notifier.SendVerification)

	s.recorder.Record(ctx, &audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionVerificationResent,
		EntityType: "user",
		EntityID:   &user.ID,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		NewValues:  map[string]any{"email": user.Email},
		Success:    true,
	})

	return msgResendGeneric, nil
}

// --- Password reset ---

// ForgotPassword starts a reset. The caller always gets the same generic
// acceptance message so the response cannot be used to probe for accounts.
func (s *service) ForgotPassword(ctx context.Context, email string, meta RequestMeta) (string, error) {
	if err := s.gateAndHit(ctx, ratelimit.ActionForgot, meta.IP, "password reset"); err != nil {
		return "", err
	}

	if !validEmail(email) {
		return "", apperror.NewValidation("Invalid email address")
	}

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			msg := "no account for reset request"
			s.recorder.Record(ctx, &audit.Entry{
				Action:       audit.ActionPasswordResetAttempt,
				EntityType:   "user",
				IPAddress:    meta.IP,
				UserAgent:    meta.UserAgent,
				NewValues:    map[string]any{"email": email},
				Success:      false,
				ErrorMessage: &msg,
			})
			return msgForgotGeneric, nil
		}
		return "", apperror.NewInternal(fmt.Errorf("finding user: %w", err))
	}

	resetToken, err := s.codec.Issue(token.Claims{
		UserID:   user.ID,
		Email:    user.Email,
		Username: user.Username,
		Purpose:  token.PurposeReset,
	}, s.resetTTL)
	if err != nil {
		return "", apperror.NewInternal(fmt.Errorf("issuing reset token: %w", err))
	}

	expires := time.Now().UTC().Add(s.resetTTL)
	if err := s.repo.SetResetToken(ctx, user.ID, resetToken, expires); err != nil {
		return "", apperror.NewInternal(err)
	}
	if err := s.writeMirror(ctx, resetKeyPrefix+resetToken, user, s.resetTTL); err != nil {
		return "", apperror.NewInternal(err)
	}

	s.sendAsync(ctx, "password reset", user.Email, resetToken, s.notifier.SendPasswordReset)

	s.recorder.Record(ctx, &audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionPasswordResetAttempt,
		EntityType: "user",
		EntityID:   &user.ID,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		NewValues:  map[string]any{"email": user.Email},
		Success:    true,
	})

	return msgForgotGeneric, nil
}

// ResetPassword consumes a reset token and sets the new password. The
// user's live session, if any, is destroyed so a hijacked session does not
// survive a password change.
func (s *service) ResetPassword(ctx context.Context, req ResetRequest, meta RequestMeta) (string, error) {
	if msg := validateReset(&req); msg != "" {
		return "", apperror.NewValidation(msg)
	}

	claims, err := s.codec.Verify(req.Token)
	if err != nil || claims.Purpose != token.PurposeReset {
		return "", s.failReset(ctx, meta, "", apperror.NewBadRequest(msgResetInvalid))
	}

	mirror, err := s.readMirror(ctx, resetKeyPrefix+req.Token)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return "", s.failReset(ctx, meta, claims.Email, apperror.NewBadRequest(msgResetInvalid))
		}
		return "", s.failReset(ctx, meta, claims.Email, apperror.NewInternal(err))
	}

	user, err := s.repo.FindByID(ctx, mirror.UserID)
	if err != nil {
		if isNotFound(err) {
			return "", s.failReset(ctx, meta, claims.Email, apperror.NewBadRequest(msgResetInvalid))
		}
		return "", s.failReset(ctx, meta, claims.Email, apperror.NewInternal(fmt.Errorf("loading user: %w", err)))
	}
	if user.Email != claims.Email {
		return "", s.failReset(ctx, meta, claims.Email, apperror.NewBadRequest(msgResetInvalid))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return "", s.failReset(ctx, meta, claims.Email, apperror.NewInternal(fmt.Errorf("hashing password: %w", err)))
	}

	if err := s.repo.UpdatePassword(ctx, user.ID, string(hash)); err != nil {
		return "", s.failReset(ctx, meta, claims.Email, apperror.NewInternal(err))
	}

	// Single use, and no surviving sessions under the old password.
	s.deleteMirror(ctx, resetKeyPrefix+req.Token)
	s.deleteMirror(ctx, sessionKeyPrefix+user.ID)

	s.recorder.Record(ctx, &audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionPasswordResetSuccess,
		EntityType: "user",
		EntityID:   &user.ID,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		NewValues:  map[string]any{"email": user.Email},
		Success:    true,
	})

	return msgResetSuccess, nil
}

// failReset audits a failed reset completion.
func (s *service) failReset(ctx context.Context, meta RequestMeta, email string, appErr *apperror.AppError) error {
	msg := appErr.Error()
	entry := &audit.Entry{
		Action:       audit.ActionPasswordResetAttempt,
		EntityType:   "user",
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		Success:      false,
		ErrorMessage: &msg,
	}
	if email != "" {
		entry.NewValues = map[string]any{"email": email}
	}
	s.recorder.Record(ctx, entry)
	return appErr
}

// --- Session validation ---

// ValidateSession checks signature, session blob, and a fresh user row.
// The session TTL is refreshed on every successful validation so active
// users are not logged out mid-use.
func (s *service) ValidateSession(ctx context.Context, rawToken string) (*User, *Session, error) {
	claims, err := s.codec.Verify(rawToken)
	if err != nil || claims.Purpose != token.PurposeSession {
		return nil, nil, apperror.NewUnauthorized("session expired or invalid")
	}

	data, err := s.kv.Get(ctx, sessionKeyPrefix+claims.UserID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil, apperror.NewUnauthorized("session expired or invalid")
		}
		return nil, nil, apperror.NewInternal(fmt.Errorf("reading session: %w", err))
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, nil, apperror.NewInternal(fmt.Errorf("unmarshaling session: %w", err))
	}

	user, err := s.repo.FindByID(ctx, claims.UserID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, apperror.NewUnauthorized("session expired or invalid")
		}
		return nil, nil, apperror.NewInternal(fmt.Errorf("loading user: %w", err))
	}

	if !user.IsActive || !user.IsVerified {
		return nil, nil, apperror.NewUnauthorized("session expired or invalid")
	}

	if err := s.kv.Expire(ctx, sessionKeyPrefix+claims.UserID, s.sessionTTL); err != nil {
		slog.Warn("failed to extend session", slog.String("user_id", claims.UserID), slog.Any("error", err))
	}

	return user, &session, nil
}

// --- Helpers ---

// gateAndHit denies when the (action, IP) counter is already at its limit,
// then charges one hit for this attempt. Every attempt counts, valid or
// not, so malformed-input flooding is bounded too.
func (s *service) gateAndHit(ctx context.Context, action, ip, label string) error {
	status, err := s.limiter.Status(ctx, action, ip)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("checking %s rate limit: %w", label, err))
	}
	if status.Blocked {
		return rateLimited(label, status)
	}
	if _, err := s.limiter.Hit(ctx, action, ip); err != nil {
		return apperror.NewInternal(fmt.Errorf("counting %s attempt: %w", label, err))
	}
	return nil
}

// rateLimited builds the caller-facing 429 with a count-based message and
// retry guidance.
func rateLimited(label string, status ratelimit.Status) *apperror.AppError {
	retryAfter := int(status.RetryAfter.Seconds())
	minutes := (retryAfter + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	return apperror.NewRateLimited(
		fmt.Sprintf("Too many %s attempts (%d/%d). Please try again in %d minutes.",
			label, status.Count, status.Limit, minutes),
		retryAfter,
	)
}

// writeMirror stores a token mirror blob with the token's TTL.
func (s *service) writeMirror(ctx context.Context, key string, user *User, ttl time.Duration) error {
	blob, err := json.Marshal(tokenMirror{
		UserID:   user.ID,
		Email:    user.Email,
		Username: user.Username,
	})
	if err != nil {
		return fmt.Errorf("marshaling token mirror: %w", err)
	}
	if err := s.kv.SetWithExpiry(ctx, key, blob, ttl); err != nil {
		return fmt.Errorf("storing token mirror: %w", err)
	}
	return nil
}

// readMirror loads and decodes a token mirror blob.
func (s *service) readMirror(ctx context.Context, key string) (*tokenMirror, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, kvstore.ErrNotFound
		}
		return nil, fmt.Errorf("reading token mirror: %w", err)
	}
	var mirror tokenMirror
	if err := json.Unmarshal(data, &mirror); err != nil {
		return nil, fmt.Errorf("unmarshaling token mirror: %w", err)
	}
	return &mirror, nil
}

// deleteMirror removes a mirror, logging rather than failing on error: the
// worst case is a token that stays usable until its TTL.
func (s *service) deleteMirror(ctx context.Context, key string) {
	if err := s.kv.Delete(ctx, key); err != nil {
		slog.Warn("failed to delete token mirror", slog.String("key", key), slog.Any("error", err))
	}
}

// sendAsync fires a notification without gating the flow on its outcome.
func (s *service) sendAsync(ctx context.Context, kind, email, tok string, send func(context.Context, string, string) error) {
	if err := send(ctx, email, tok); err != nil {
		slog.Warn("failed to send notification",
			slog.String("kind", kind),
			slog.String("to", email),
			slog.Any("error", err),
		)
	}
}

// isNotFound reports whether err is an apperror with a 404 code.
func isNotFound(err error) bool {
	var appErr *apperror.AppError
	return errors.As(err, &appErr) && appErr.Code == 404
}
