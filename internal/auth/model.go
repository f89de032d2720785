// Package auth implements the authentication state machine for Lumina:
// signup, login, logout, email verification, resend-verification, and
// password reset. Each request is stateless -- all state lives in the
// users table (authoritative) and the key/value store (availability of
// sessions and tokens).
package auth

import (
	"net/mail"
	"time"
)

// User is a row of the users table. PasswordHash and token columns are
// never serialized. A user with DeletedAt set is invisible to every lookup
// and is never physically deleted by this service.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`

	IsActive   bool `json:"is_active"`
	IsVerified bool `json:"is_verified"`
	IsAdmin    bool `json:"is_admin"`

	VerificationToken    *string    `json:"-"`
	VerificationExpires  *time.Time `json:"-"`
	PasswordResetToken   *string    `json:"-"`
	PasswordResetExpires *time.Time `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	DeletedAt   *time.Time `json:"-"`
}

// PublicUser is the caller-facing summary returned by auth responses.
// Never carries credential or verification state.
type PublicUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Public returns the caller-facing view of a user.
func (u *User) Public() PublicUser {
	return PublicUser{ID: u.ID, Username: u.Username, Email: u.Email}
}

// Session is the blob stored in the key/value store under session:<userID>.
// At most one live session per user under this key scheme -- a new login
// overwrites the prior one.
type Session struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	LoginTime time.Time `json:"loginTime"`
}

// tokenMirror is the blob stored under verification:<token> and
// reset:<token>. Its presence is what makes a token usable; consuming the
// token deletes it.
type tokenMirror struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// RequestMeta carries the per-request attribution recorded in every audit
// entry and used as the rate-limit key.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// --- Request DTOs (bound from HTTP requests) ---

// SignupRequest holds the data submitted by the signup form.
type SignupRequest struct {
	Username        string `json:"username" form:"username"`
	Email           string `json:"email" form:"email"`
	Password        string `json:"password" form:"password"`
	ConfirmPassword string `json:"confirmPassword" form:"confirmPassword"`
	AgreeTerms      bool   `json:"agreeTerms" form:"agreeTerms"`
}

// LoginRequest holds the data submitted by the login form.
type LoginRequest struct {
	Email      string `json:"email" form:"email"`
	Password   string `json:"password" form:"password"`
	RememberMe bool   `json:"rememberMe" form:"rememberMe"`
}

// VerifyRequest holds an email verification token.
type VerifyRequest struct {
	Token string `json:"token" form:"token"`
}

// EmailRequest holds a bare email address (forgot, resend-verification).
type EmailRequest struct {
	Email string `json:"email" form:"email"`
}

// ResetRequest holds the password reset completion form.
type ResetRequest struct {
	Token           string `json:"token" form:"token"`
	Password        string `json:"password" form:"password"`
	ConfirmPassword string `json:"confirmPassword" form:"confirmPassword"`
}

// --- Validation ---
// Validation returns the first failing rule's message, or empty string.
// The messages are part of the API contract; clients display them as-is.

// validateSignup checks the signup form rules.
func validateSignup(req *SignupRequest) string {
	if len(req.Username) < 3 {
		return "Username must be at least 3 characters"
	}
	if len(req.Username) > 30 {
		return "Username must be less than 30 characters"
	}
	if !validEmail(req.Email) {
		return "Invalid email address"
	}
	if len(req.Password) < 8 {
		return "Password must be at least 8 characters"
	}
	if req.Password != req.ConfirmPassword {
		return "Passwords don't match"
	}
	if !req.AgreeTerms {
		return "You must agree to the terms"
	}
	return ""
}

// validateLogin checks the login form rules.
func validateLogin(req *LoginRequest) string {
	if !validEmail(req.Email) {
		return "Invalid email address"
	}
	if req.Password == "" {
		return "Password is required"
	}
	return ""
}

// validateReset checks the password reset completion rules.
func validateReset(req *ResetRequest) string {
	if req.Token == "" {
		return "Reset token is required"
	}
	if len(req.Password) < 8 {
		return "Password must be at least 8 characters"
	}
	if req.Password != req.ConfirmPassword {
		return "Passwords don't match"
	}
	return ""
}

// validEmail reports whether s parses as a bare RFC 5322 address.
func validEmail(s string) bool {
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}
