package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/luminachat/lumina/internal/apperror"
)

// perPage is the number of audit entries returned per history page.
const perPage = 50

// Default query windows. Callers can override the summary window per
// request; the security feed and anomaly windows are fixed.
const (
	securityEventWindowHours = 24
	securityEventLimit       = 100
	defaultSummaryDays       = 7
	maxSummaryDays           = 90
)

// Recorder is the write-side contract used by the auth service. Split from
// the query side so the auth package depends on the narrowest interface.
type Recorder interface {
	// Record persists an audit entry. It NEVER returns an error: a broken
	// audit pipe must not take down authentication. Failures are logged.
	Record(ctx context.Context, entry *Entry)
}

// Service handles audit log business logic: recording, admin queries, and
// the retention sweep.
type Service interface {
	Recorder

	// GetUserHistory returns one page of a user's audit history plus the
	// total count. Pages are 1-indexed.
	GetUserHistory(ctx context.Context, userID string, page int) ([]Entry, int, error)

	// GetFailedAttemptsByIP groups an IP's recent failed auth attempts.
	GetFailedAttemptsByIP(ctx context.Context, ip string, windowHours int) ([]FailedAttemptGroup, error)

	// GetSummary returns the per-day per-action summary for the window.
	GetSummary(ctx context.Context, days int) ([]SummaryBucket, error)

	// GetRecentSecurityEvents returns the security feed for the last 24h.
	GetRecentSecurityEvents(ctx context.Context) ([]SecurityEvent, error)

	// Sweep deletes entries older than the retention horizon and returns
	// the number of rows removed.
	Sweep(ctx context.Context) (int64, error)
}

// service implements Service.
type service struct {
	repo          Repository
	retentionDays int
}

// NewService creates an audit service with the given repository and
// retention horizon in days.
func NewService(repo Repository, retentionDays int) Service {
	if retentionDays <= 0 {
		retentionDays = 365
	}
	return &service{repo: repo, retentionDays: retentionDays}
}

// Record persists an entry, swallowing any failure. This is a deliberate
// availability-over-completeness trade-off: auth flows call Record as their
// final step and must not be aborted by a logging problem.
func (s *service) Record(ctx context.Context, entry *Entry) {
	if entry.Action == "" {
		slog.Error("audit entry dropped: missing action")
		return
	}
	if entry.EntityType == "" {
		entry.EntityType = "user"
	}

	if err := s.repo.Insert(ctx, entry); err != nil {
		slog.Error("failed to write audit entry",
			slog.String("action", entry.Action),
			slog.String("ip", entry.IPAddress),
			slog.Bool("success", entry.Success),
			slog.Any("error", err),
		)
		return
	}

	slog.Debug("audit",
		slog.String("action", entry.Action),
		slog.String("ip", entry.IPAddress),
		slog.Bool("success", entry.Success),
	)
}

// GetUserHistory returns one page of a user's history. Invalid page numbers
// are clamped to 1.
func (s *service) GetUserHistory(ctx context.Context, userID string, page int) ([]Entry, int, error) {
	if userID == "" {
		return nil, 0, apperror.NewBadRequest("user ID is required")
	}
	if page < 1 {
		page = 1
	}

	offset := (page - 1) * perPage
	entries, total, err := s.repo.ListByUser(ctx, userID, perPage, offset)
	if err != nil {
		return nil, 0, apperror.NewInternal(fmt.Errorf("listing user history: %w", err))
	}

	return entries, total, nil
}

// GetFailedAttemptsByIP groups failed attempts for one IP.
func (s *service) GetFailedAttemptsByIP(ctx context.Context, ip string, windowHours int) ([]FailedAttemptGroup, error) {
	if ip == "" {
		return nil, apperror.NewBadRequest("IP address is required")
	}
	if windowHours <= 0 {
		windowHours = securityEventWindowHours
	}

	groups, err := s.repo.FailedAttemptsByIP(ctx, ip, windowHours)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("grouping failed attempts: %w", err))
	}

	return groups, nil
}

// GetSummary returns the time-bucketed summary, clamping the window to a
// sane range.
func (s *service) GetSummary(ctx context.Context, days int) ([]SummaryBucket, error) {
	if days <= 0 {
		days = defaultSummaryDays
	}
	if days > maxSummaryDays {
		days = maxSummaryDays
	}

	buckets, err := s.repo.Summary(ctx, days)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("building audit summary: %w", err))
	}

	return buckets, nil
}

// GetRecentSecurityEvents returns the last 24 hours of the security feed.
func (s *service) GetRecentSecurityEvents(ctx context.Context) ([]SecurityEvent, error) {
	events, err := s.repo.RecentSecurityEvents(ctx, securityEventWindowHours, securityEventLimit)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("listing security events: %w", err))
	}

	return events, nil
}

// Sweep removes entries past the retention horizon.
func (s *service) Sweep(ctx context.Context) (int64, error) {
	deleted, err := s.repo.DeleteOlderThan(ctx, s.retentionDays)
	if err != nil {
		return 0, apperror.NewInternal(fmt.Errorf("sweeping audit log: %w", err))
	}

	if deleted > 0 {
		slog.Info("audit retention sweep",
			slog.Int64("deleted", deleted),
			slog.Int("retention_days", s.retentionDays),
		)
	}

	return deleted, nil
}
