// Package audit provides the append-only security audit log. Every terminal
// outcome of every auth flow -- success or failure -- produces exactly one
// entry. Entries are never updated; the only delete path is the retention
// sweep. The anomaly detector is a read-only consumer of this log.
package audit

import "time"

// --- Action Constants ---
// Action strings are stable identifiers written to the database; renaming
// one breaks historical queries.

const (
	// Authentication.
	ActionLoginSuccess = "login_success"
	ActionLoginFailed  = "login_failed"
	ActionLogout       = "logout_success"

	// Account lifecycle.
	ActionSignupAttempt = "signup_attempt"
	ActionUserCreated   = "user_created"

	// Email verification.
	ActionVerificationAttempt = "email_verification_attempt"
	ActionEmailVerified       = "email_verified"
	ActionResendAttempt       = "resend_verification_attempt"
	ActionVerificationResent  = "verification_email_resent"

	// Password management.
	ActionPasswordResetAttempt = "password_reset_attempt"
	ActionPasswordResetSuccess = "password_reset_success"
)

// successActionAllowlist names the success actions included in the recent
// security events feed alongside all failures.
var successActionAllowlist = []string{
	ActionEmailVerified,
	ActionUserCreated,
	ActionLoginSuccess,
}

// authActions are the actions counted as authentication attempts when
// grouping failed attempts by IP. This set must cover every action the
// flows record with success = FALSE, or the report under-counts.
var authActions = []string{
	ActionLoginFailed,
	ActionSignupAttempt,
	ActionVerificationAttempt,
	ActionResendAttempt,
	ActionPasswordResetAttempt,
}

// Entry is a single audit log row. OldValues/NewValues hold small redacted
// before/after snapshots (never password hashes or raw tokens); they are
// serialized to JSON columns.
type Entry struct {
	ID           int64          `json:"id"`
	UserID       *string        `json:"userId,omitempty"`
	Action       string         `json:"action"`
	EntityType   string         `json:"entityType"`
	EntityID     *string        `json:"entityId,omitempty"`
	IPAddress    string         `json:"ipAddress"`
	UserAgent    string         `json:"userAgent,omitempty"`
	OldValues    map[string]any `json:"oldValues,omitempty"`
	NewValues    map[string]any `json:"newValues,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// SecurityEvent is an audit entry joined with user identity for the admin
// security feed. Username/Email are empty for anonymous entries.
type SecurityEvent struct {
	Entry
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// FailedAttemptGroup summarizes failed attempts from one IP for one action.
type FailedAttemptGroup struct {
	Action        string    `json:"action"`
	AttemptCount  int       `json:"attemptCount"`
	LatestAttempt time.Time `json:"latestAttempt"`
}

// SummaryBucket is one (day, action) cell of the audit summary.
type SummaryBucket struct {
	Date               time.Time `json:"date"`
	Action             string    `json:"action"`
	TotalAttempts      int       `json:"totalAttempts"`
	SuccessfulAttempts int       `json:"successfulAttempts"`
	FailedAttempts     int       `json:"failedAttempts"`
	UniqueIPs          int       `json:"uniqueIps"`
}

// --- Anomaly report types ---

// SuspiciousVerification flags a target email attacked from many IPs.
type SuspiciousVerification struct {
	Email        string   `json:"email"`
	IPCount      int      `json:"ipCount"`
	AttemptCount int      `json:"attemptCount"`
	IPAddresses  []string `json:"ipAddresses"`
}

// SuspiciousIP flags an IP with a high failure volume.
type SuspiciousIP struct {
	IPAddress        string   `json:"ipAddress"`
	FailedAttempts   int      `json:"failedAttempts"`
	AffectedUsers    int      `json:"affectedUsers"`
	AttemptedActions []string `json:"attemptedActions"`
}

// RapidSignup flags an IP creating accounts faster than any human would.
type RapidSignup struct {
	IPAddress       string    `json:"ipAddress"`
	SignupAttempts  int       `json:"signupAttempts"`
	FirstAttempt    time.Time `json:"firstAttempt"`
	LastAttempt     time.Time `json:"lastAttempt"`
	AttemptedEmails []string  `json:"attemptedEmails"`
}

// Report aggregates the three anomaly pattern queries.
type Report struct {
	SuspiciousVerifications []SuspiciousVerification `json:"suspiciousVerifications"`
	SuspiciousIPs           []SuspiciousIP           `json:"suspiciousIps"`
	RapidSignups            []RapidSignup            `json:"rapidSignups"`
}
