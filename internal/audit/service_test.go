package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// --- Mock Repository ---

// mockRepo implements Repository for testing.
type mockRepo struct {
	insertFn                  func(ctx context.Context, entry *Entry) error
	listByUserFn              func(ctx context.Context, userID string, limit, offset int) ([]Entry, int, error)
	failedAttemptsByIPFn      func(ctx context.Context, ip string, windowHours int) ([]FailedAttemptGroup, error)
	summaryFn                 func(ctx context.Context, days int) ([]SummaryBucket, error)
	recentSecurityEventsFn    func(ctx context.Context, windowHours, limit int) ([]SecurityEvent, error)
	deleteOlderThanFn         func(ctx context.Context, retentionDays int) (int64, error)
	suspiciousVerificationsFn func(ctx context.Context, windowHours, minIPs int) ([]SuspiciousVerification, error)
	suspiciousIPsFn           func(ctx context.Context, windowHours, minFailures int) ([]SuspiciousIP, error)
	rapidSignupsFn            func(ctx context.Context, windowHours, minAttempts int) ([]RapidSignup, error)
}

func (m *mockRepo) Insert(ctx context.Context, entry *Entry) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, entry)
	}
	return nil
}

func (m *mockRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Entry, int, error) {
	if m.listByUserFn != nil {
		return m.listByUserFn(ctx, userID, limit, offset)
	}
	return nil, 0, nil
}

func (m *mockRepo) FailedAttemptsByIP(ctx context.Context, ip string, windowHours int) ([]FailedAttemptGroup, error) {
	if m.failedAttemptsByIPFn != nil {
		return m.failedAttemptsByIPFn(ctx, ip, windowHours)
	}
	return nil, nil
}

func (m *mockRepo) Summary(ctx context.Context, days int) ([]SummaryBucket, error) {
	if m.summaryFn != nil {
		return m.summaryFn(ctx, days)
	}
	return nil, nil
}

func (m *mockRepo) RecentSecurityEvents(ctx context.Context, windowHours, limit int) ([]SecurityEvent, error) {
	if m.recentSecurityEventsFn != nil {
		return m.recentSecurityEventsFn(ctx, windowHours, limit)
	}
	return nil, nil
}

func (m *mockRepo) DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if m.deleteOlderThanFn != nil {
		return m.deleteOlderThanFn(ctx, retentionDays)
	}
	return 0, nil
}

func (m *mockRepo) SuspiciousVerifications(ctx context.Context, windowHours, minIPs int) ([]SuspiciousVerification, error) {
	if m.suspiciousVerificationsFn != nil {
		return m.suspiciousVerificationsFn(ctx, windowHours, minIPs)
	}
	return nil, nil
}

func (m *mockRepo) SuspiciousIPs(ctx context.Context, windowHours, minFailures int) ([]SuspiciousIP, error) {
	if m.suspiciousIPsFn != nil {
		return m.suspiciousIPsFn(ctx, windowHours, minFailures)
	}
	return nil, nil
}

func (m *mockRepo) RapidSignups(ctx context.Context, windowHours, minAttempts int) ([]RapidSignup, error) {
	if m.rapidSignupsFn != nil {
		return m.rapidSignupsFn(ctx, windowHours, minAttempts)
	}
	return nil, nil
}

// TestAuthActions_CoverRecordedFailures pins the failed-attempts-by-IP
// action set to the actions the flows actually write on failure. A flow
// action missing here makes the admin report blind to that flow.
func TestAuthActions_CoverRecordedFailures(t *testing.T) {
	recordedFailures := []string{
		ActionLoginFailed,
		ActionSignupAttempt,
		ActionVerificationAttempt,
		ActionResendAttempt,
		ActionPasswordResetAttempt,
	}

	got := make(map[string]bool, len(authActions))
	for _, a := range authActions {
		got[a] = true
	}

	for _, a := range recordedFailures {
		if !got[a] {
			t.Errorf("authActions missing recorded failure action %q", a)
		}
	}
	if len(authActions) != len(recordedFailures) {
		t.Errorf("authActions has %d entries, expected %d", len(authActions), len(recordedFailures))
	}

	// Success-only actions must never be counted as failed attempts.
	for _, a := range successActionAllowlist {
		if got[a] {
			t.Errorf("authActions must not contain success action %q", a)
		}
	}
}

// --- Record Tests ---

func TestRecord_NeverPropagatesFailure(t *testing.T) {
	repo := &mockRepo{
		insertFn: func(ctx context.Context, entry *Entry) error {
			return errors.New("db down")
		},
	}
	svc := NewService(repo, 365)

	// Record has no error return; this must simply not panic.
	svc.Record(context.Background(), &Entry{
		Action:    ActionLoginFailed,
		IPAddress: "203.0.113.7",
		Success:   false,
	})
}

func TestRecord_DefaultsEntityType(t *testing.T) {
	var inserted *Entry
	repo := &mockRepo{
		insertFn: func(ctx context.Context, entry *Entry) error {
			inserted = entry
			return nil
		},
	}
	svc := NewService(repo, 365)

	svc.Record(context.Background(), &Entry{
		Action:    ActionLoginSuccess,
		IPAddress: "203.0.113.7",
		Success:   true,
	})

	if inserted == nil {
		t.Fatal("expected entry to be inserted")
	}
	if inserted.EntityType != "user" {
		t.Errorf("expected default entity type user, got %s", inserted.EntityType)
	}
}

func TestRecord_DropsEntryWithoutAction(t *testing.T) {
	inserted := false
	repo := &mockRepo{
		insertFn: func(ctx context.Context, entry *Entry) error {
			inserted = true
			return nil
		},
	}
	svc := NewService(repo, 365)

	svc.Record(context.Background(), &Entry{IPAddress: "203.0.113.7"})

	if inserted {
		t.Error("entries without an action must be dropped")
	}
}

// --- Query Tests ---

func TestGetUserHistory_Pagination(t *testing.T) {
	var gotLimit, gotOffset int
	repo := &mockRepo{
		listByUserFn: func(ctx context.Context, userID string, limit, offset int) ([]Entry, int, error) {
			gotLimit, gotOffset = limit, offset
			return []Entry{{Action: ActionLoginSuccess}}, 120, nil
		},
	}
	svc := NewService(repo, 365)

	entries, total, err := svc.GetUserHistory(context.Background(), "user-123", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 120 || len(entries) != 1 {
		t.Errorf("unexpected result: total=%d entries=%d", total, len(entries))
	}
	if gotLimit != perPage || gotOffset != 2*perPage {
		t.Errorf("expected limit=%d offset=%d, got limit=%d offset=%d", perPage, 2*perPage, gotLimit, gotOffset)
	}
}

func TestGetUserHistory_RequiresUserID(t *testing.T) {
	svc := NewService(&mockRepo{}, 365)

	_, _, err := svc.GetUserHistory(context.Background(), "", 1)
	if err == nil {
		t.Fatal("expected error for empty user ID")
	}
}

func TestGetSummary_ClampsWindow(t *testing.T) {
	var gotDays int
	repo := &mockRepo{
		summaryFn: func(ctx context.Context, days int) ([]SummaryBucket, error) {
			gotDays = days
			return nil, nil
		},
	}
	svc := NewService(repo, 365)

	if _, err := svc.GetSummary(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotDays != defaultSummaryDays {
		t.Errorf("expected default %d days, got %d", defaultSummaryDays, gotDays)
	}

	if _, err := svc.GetSummary(context.Background(), 5000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotDays != maxSummaryDays {
		t.Errorf("expected clamp to %d days, got %d", maxSummaryDays, gotDays)
	}
}

func TestSweep_PassesRetention(t *testing.T) {
	var gotDays int
	repo := &mockRepo{
		deleteOlderThanFn: func(ctx context.Context, retentionDays int) (int64, error) {
			gotDays = retentionDays
			return 42, nil
		},
	}
	svc := NewService(repo, 180)

	deleted, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 42 {
		t.Errorf("expected 42 deleted, got %d", deleted)
	}
	if gotDays != 180 {
		t.Errorf("expected retention 180, got %d", gotDays)
	}
}

func TestNewService_DefaultRetention(t *testing.T) {
	var gotDays int
	repo := &mockRepo{
		deleteOlderThanFn: func(ctx context.Context, retentionDays int) (int64, error) {
			gotDays = retentionDays
			return 0, nil
		},
	}
	svc := NewService(repo, 0)

	if _, err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotDays != 365 {
		t.Errorf("expected default retention 365, got %d", gotDays)
	}
}

// --- Detector Tests ---

func TestDetect_AggregatesAllPatterns(t *testing.T) {
	now := time.Now()
	repo := &mockRepo{
		suspiciousVerificationsFn: func(ctx context.Context, windowHours, minIPs int) ([]SuspiciousVerification, error) {
			if windowHours != verificationWindowHours || minIPs != verificationIPThreshold {
				t.Errorf("unexpected verification params: %d/%d", windowHours, minIPs)
			}
			return []SuspiciousVerification{{Email: "target@example.com", IPCount: 4}}, nil
		},
		suspiciousIPsFn: func(ctx context.Context, windowHours, minFailures int) ([]SuspiciousIP, error) {
			if windowHours != failedAttemptWindowHours || minFailures != failedAttemptThreshold {
				t.Errorf("unexpected IP params: %d/%d", windowHours, minFailures)
			}
			return []SuspiciousIP{{IPAddress: "203.0.113.7", FailedAttempts: 15}}, nil
		},
		rapidSignupsFn: func(ctx context.Context, windowHours, minAttempts int) ([]RapidSignup, error) {
			if windowHours != rapidSignupWindowHours || minAttempts != rapidSignupThreshold {
				t.Errorf("unexpected signup params: %d/%d", windowHours, minAttempts)
			}
			return []RapidSignup{{IPAddress: "203.0.113.7", SignupAttempts: 8, FirstAttempt: now}}, nil
		},
	}
	detector := NewDetector(repo)

	report, err := detector.Detect(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.SuspiciousVerifications) != 1 || len(report.SuspiciousIPs) != 1 || len(report.RapidSignups) != 1 {
		t.Errorf("expected one finding per pattern, got %+v", report)
	}
}

func TestDetect_FailsWholeReportOnQueryError(t *testing.T) {
	repo := &mockRepo{
		suspiciousIPsFn: func(ctx context.Context, windowHours, minFailures int) ([]SuspiciousIP, error) {
			return nil, errors.New("query timeout")
		},
	}
	detector := NewDetector(repo)

	if _, err := detector.Detect(context.Background()); err == nil {
		t.Fatal("a failed pattern query must fail the report")
	}
}
