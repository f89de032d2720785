package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/luminachat/lumina/internal/apperror"
)

// Anomaly thresholds. These are threshold heuristics, not statistical
// models; each is a fixed configuration constant paired with its lookback
// window.
const (
	// A target email verified/resent from more than this many distinct
	// IPs within 24h is suspicious.
	verificationIPThreshold = 3
	verificationWindowHours = 24

	// An IP with more than this many failed attempts within 24h is
	// suspicious.
	failedAttemptThreshold   = 10
	failedAttemptWindowHours = 24

	// An IP with more than this many signup attempts within 1h is
	// suspicious.
	rapidSignupThreshold   = 5
	rapidSignupWindowHours = 1
)

// Detector runs the three anomaly pattern queries over the audit log. It
// is a read-only consumer, run on demand from the admin surface or
// periodically from the background loop -- never in the request hot path.
type Detector struct {
	repo Repository
}

// NewDetector creates a detector over the given audit repository.
func NewDetector(repo Repository) *Detector {
	return &Detector{repo: repo}
}

// Detect runs all three pattern queries and aggregates the results. The
// queries are independent; a failure in any one fails the report, since a
// partial report would silently hide whichever pattern errored.
func (d *Detector) Detect(ctx context.Context) (*Report, error) {
	verifications, err := d.repo.SuspiciousVerifications(ctx, verificationWindowHours, verificationIPThreshold)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("detecting suspicious verifications: %w", err))
	}

	ips, err := d.repo.SuspiciousIPs(ctx, failedAttemptWindowHours, failedAttemptThreshold)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("detecting suspicious ips: %w", err))
	}

	signups, err := d.repo.RapidSignups(ctx, rapidSignupWindowHours, rapidSignupThreshold)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("detecting rapid signups: %w", err))
	}

	return &Report{
		SuspiciousVerifications: verifications,
		SuspiciousIPs:           ips,
		RapidSignups:            signups,
	}, nil
}

// LogReport runs Detect and logs any findings. Used by the periodic
// background run where there is no caller to return the report to.
func (d *Detector) LogReport(ctx context.Context) {
	report, err := d.Detect(ctx)
	if err != nil {
		slog.Error("anomaly detection failed", slog.Any("error", err))
		return
	}

	for _, v := range report.SuspiciousVerifications {
		slog.Warn("suspicious verification activity",
			slog.String("email", v.Email),
			slog.Int("ip_count", v.IPCount),
			slog.Int("attempts", v.AttemptCount),
		)
	}
	for _, ip := range report.SuspiciousIPs {
		slog.Warn("suspicious ip activity",
			slog.String("ip", ip.IPAddress),
			slog.Int("failed_attempts", ip.FailedAttempts),
			slog.Int("affected_users", ip.AffectedUsers),
		)
	}
	for _, s := range report.RapidSignups {
		slog.Warn("rapid signup activity",
			slog.String("ip", s.IPAddress),
			slog.Int("attempts", s.SignupAttempts),
		)
	}
}
