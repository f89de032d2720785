package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Repository defines the data access contract for the audit log.
// All SQL lives in the concrete implementation -- no SQL leaks out.
// Time windows are always bound parameters, never concatenated into query
// text.
type Repository interface {
	// Insert appends a new entry. Entries are immutable once written.
	Insert(ctx context.Context, entry *Entry) error

	// ListByUser returns paginated entries for one user, most recent
	// first, plus the total count for pagination.
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Entry, int, error)

	// FailedAttemptsByIP groups failed auth attempts from one IP by
	// action within the lookback window.
	FailedAttemptsByIP(ctx context.Context, ip string, windowHours int) ([]FailedAttemptGroup, error)

	// Summary returns per-day, per-action attempt counts for the window.
	Summary(ctx context.Context, days int) ([]SummaryBucket, error)

	// RecentSecurityEvents returns failures plus allow-listed successes
	// within the window, joined with user identity.
	RecentSecurityEvents(ctx context.Context, windowHours, limit int) ([]SecurityEvent, error)

	// DeleteOlderThan removes entries older than the retention horizon
	// and reports how many rows were deleted.
	DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error)

	// Anomaly pattern queries. Thresholds and windows are bound parameters.
	SuspiciousVerifications(ctx context.Context, windowHours, minIPs int) ([]SuspiciousVerification, error)
	SuspiciousIPs(ctx context.Context, windowHours, minFailures int) ([]SuspiciousIP, error)
	RapidSignups(ctx context.Context, windowHours, minAttempts int) ([]RapidSignup, error)
}

// repository implements Repository with hand-written MariaDB queries.
type repository struct {
	db *sql.DB
}

// NewRepository creates an audit repository backed by the given DB pool.
func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

// Insert appends one audit entry. Snapshot maps are serialized to JSON;
// nil maps are stored as SQL NULL.
func (r *repository) Insert(ctx context.Context, entry *Entry) error {
	query := `INSERT INTO audit_logs (user_id, action, entity_type, entity_id,
	                                  ip_address, user_agent, old_values, new_values,
	                                  success, error_message, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	oldJSON, err := marshalSnapshot(entry.OldValues)
	if err != nil {
		return fmt.Errorf("marshaling old values: %w", err)
	}
	newJSON, err := marshalSnapshot(entry.NewValues)
	if err != nil {
		return fmt.Errorf("marshaling new values: %w", err)
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, query,
		entry.UserID, entry.Action, entry.EntityType, entry.EntityID,
		entry.IPAddress, entry.UserAgent, oldJSON, newJSON,
		entry.Success, entry.ErrorMessage, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting audit entry id: %w", err)
	}
	entry.ID = id

	return nil
}

// ListByUser returns entries for one user ordered by most recent first.
func (r *repository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Entry, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM audit_logs WHERE user_id = ?`
	if err := r.db.QueryRowContext(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting user audit entries: %w", err)
	}

	query := `SELECT id, user_id, action, entity_type, entity_id,
	                 ip_address, user_agent, old_values, new_values,
	                 success, error_message, created_at
	          FROM audit_logs
	          WHERE user_id = ?
	          ORDER BY created_at DESC
	          LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing user audit entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

// FailedAttemptsByIP groups recent failed auth attempts from one IP by action.
func (r *repository) FailedAttemptsByIP(ctx context.Context, ip string, windowHours int) ([]FailedAttemptGroup, error) {
	query := fmt.Sprintf(`SELECT action, COUNT(*), MAX(created_at)
	          FROM audit_logs
	          WHERE ip_address = ?
	            AND success = FALSE
	            AND created_at > NOW() - INTERVAL ? HOUR
	            AND action IN (%s)
	          GROUP BY action
	          ORDER BY MAX(created_at) DESC`, placeholders(len(authActions)))

	args := []any{ip, windowHours}
	for _, a := range authActions {
		args = append(args, a)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying failed attempts by ip: %w", err)
	}
	defer rows.Close()

	var groups []FailedAttemptGroup
	for rows.Next() {
		var g FailedAttemptGroup
		if err := rows.Scan(&g.Action, &g.AttemptCount, &g.LatestAttempt); err != nil {
			return nil, fmt.Errorf("scanning failed attempt group: %w", err)
		}
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

// Summary returns per-day per-action attempt counts within the window.
func (r *repository) Summary(ctx context.Context, days int) ([]SummaryBucket, error) {
	query := `SELECT DATE(created_at) AS audit_date,
	                 action,
	                 COUNT(*),
	                 SUM(success = TRUE),
	                 SUM(success = FALSE),
	                 COUNT(DISTINCT ip_address)
	          FROM audit_logs
	          WHERE created_at > NOW() - INTERVAL ? DAY
	          GROUP BY DATE(created_at), action
	          ORDER BY audit_date DESC, action`

	rows, err := r.db.QueryContext(ctx, query, days)
	if err != nil {
		return nil, fmt.Errorf("querying audit summary: %w", err)
	}
	defer rows.Close()

	var buckets []SummaryBucket
	for rows.Next() {
		var b SummaryBucket
		if err := rows.Scan(&b.Date, &b.Action, &b.TotalAttempts,
			&b.SuccessfulAttempts, &b.FailedAttempts, &b.UniqueIPs); err != nil {
			return nil, fmt.Errorf("scanning summary bucket: %w", err)
		}
		buckets = append(buckets, b)
	}

	return buckets, rows.Err()
}

// RecentSecurityEvents returns failures plus allow-listed success actions,
// joined with the users table for display identity.
func (r *repository) RecentSecurityEvents(ctx context.Context, windowHours, limit int) ([]SecurityEvent, error) {
	query := fmt.Sprintf(`SELECT a.id, a.user_id, a.action, a.entity_type, a.entity_id,
	                 a.ip_address, a.user_agent, a.old_values, a.new_values,
	                 a.success, a.error_message, a.created_at,
	                 COALESCE(u.username, ''), COALESCE(u.email, '')
	          FROM audit_logs a
	          LEFT JOIN users u ON u.id = a.user_id
	          WHERE a.created_at > NOW() - INTERVAL ? HOUR
	            AND (a.success = FALSE OR a.action IN (%s))
	          ORDER BY a.created_at DESC
	          LIMIT ?`, placeholders(len(successActionAllowlist)))

	args := []any{windowHours}
	for _, a := range successActionAllowlist {
		args = append(args, a)
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var e SecurityEvent
		var oldJSON, newJSON sql.NullString
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Action, &e.EntityType, &e.EntityID,
			&e.IPAddress, &e.UserAgent, &oldJSON, &newJSON,
			&e.Success, &e.ErrorMessage, &e.CreatedAt,
			&e.Username, &e.Email,
		); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		e.OldValues = unmarshalSnapshot(oldJSON)
		e.NewValues = unmarshalSnapshot(newJSON)
		events = append(events, e)
	}

	return events, rows.Err()
}

// DeleteOlderThan removes entries past the retention horizon.
func (r *repository) DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE created_at < NOW() - INTERVAL ? DAY`,
		retentionDays,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired audit entries: %w", err)
	}
	return result.RowsAffected()
}

// --- Anomaly pattern queries ---

// SuspiciousVerifications finds target emails whose verification or resend
// attempts came from more than minIPs distinct addresses in the window. The
// target email lives in the new_values JSON snapshot.
func (r *repository) SuspiciousVerifications(ctx context.Context, windowHours, minIPs int) ([]SuspiciousVerification, error) {
	query := `SELECT JSON_UNQUOTE(JSON_EXTRACT(new_values, '$.email')) AS target_email,
	                 COUNT(DISTINCT ip_address),
	                 COUNT(*),
	                 GROUP_CONCAT(DISTINCT ip_address)
	          FROM audit_logs
	          WHERE action IN (?, ?)
	            AND created_at > NOW() - INTERVAL ? HOUR
	            AND JSON_EXTRACT(new_values, '$.email') IS NOT NULL
	          GROUP BY target_email
	          HAVING COUNT(DISTINCT ip_address) > ?
	          ORDER BY COUNT(DISTINCT ip_address) DESC`

	rows, err := r.db.QueryContext(ctx, query,
		ActionVerificationAttempt, ActionResendAttempt, windowHours, minIPs)
	if err != nil {
		return nil, fmt.Errorf("querying suspicious verifications: %w", err)
	}
	defer rows.Close()

	var results []SuspiciousVerification
	for rows.Next() {
		var v SuspiciousVerification
		var ips string
		if err := rows.Scan(&v.Email, &v.IPCount, &v.AttemptCount, &ips); err != nil {
			return nil, fmt.Errorf("scanning suspicious verification: %w", err)
		}
		v.IPAddresses = splitConcat(ips)
		results = append(results, v)
	}

	return results, rows.Err()
}

// SuspiciousIPs finds addresses with more than minFailures failed attempts
// in the window, with the spread of affected users and action variety.
func (r *repository) SuspiciousIPs(ctx context.Context, windowHours, minFailures int) ([]SuspiciousIP, error) {
	query := `SELECT ip_address,
	                 COUNT(*),
	                 COUNT(DISTINCT user_id),
	                 GROUP_CONCAT(DISTINCT action)
	          FROM audit_logs
	          WHERE success = FALSE
	            AND created_at > NOW() - INTERVAL ? HOUR
	            AND ip_address != 'unknown'
	          GROUP BY ip_address
	          HAVING COUNT(*) > ?
	          ORDER BY COUNT(*) DESC`

	rows, err := r.db.QueryContext(ctx, query, windowHours, minFailures)
	if err != nil {
		return nil, fmt.Errorf("querying suspicious ips: %w", err)
	}
	defer rows.Close()

	var results []SuspiciousIP
	for rows.Next() {
		var s SuspiciousIP
		var actions string
		if err := rows.Scan(&s.IPAddress, &s.FailedAttempts, &s.AffectedUsers, &actions); err != nil {
			return nil, fmt.Errorf("scanning suspicious ip: %w", err)
		}
		s.AttemptedActions = splitConcat(actions)
		results = append(results, s)
	}

	return results, rows.Err()
}

// RapidSignups finds addresses with more than minAttempts signup attempts
// in the window, listing the emails they tried.
func (r *repository) RapidSignups(ctx context.Context, windowHours, minAttempts int) ([]RapidSignup, error) {
	query := `SELECT ip_address,
	                 COUNT(*),
	                 MIN(created_at),
	                 MAX(created_at),
	                 GROUP_CONCAT(DISTINCT JSON_UNQUOTE(JSON_EXTRACT(new_values, '$.email')))
	          FROM audit_logs
	          WHERE action = ?
	            AND created_at > NOW() - INTERVAL ? HOUR
	          GROUP BY ip_address
	          HAVING COUNT(*) > ?
	          ORDER BY COUNT(*) DESC`

	rows, err := r.db.QueryContext(ctx, query, ActionSignupAttempt, windowHours, minAttempts)
	if err != nil {
		return nil, fmt.Errorf("querying rapid signups: %w", err)
	}
	defer rows.Close()

	var results []RapidSignup
	for rows.Next() {
		var s RapidSignup
		var emails sql.NullString
		if err := rows.Scan(&s.IPAddress, &s.SignupAttempts, &s.FirstAttempt, &s.LastAttempt, &emails); err != nil {
			return nil, fmt.Errorf("scanning rapid signup: %w", err)
		}
		if emails.Valid {
			s.AttemptedEmails = splitConcat(emails.String)
		}
		results = append(results, s)
	}

	return results, rows.Err()
}

// --- Helpers ---

// scanEntries scans rows holding the full audit_logs column set.
func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var oldJSON, newJSON sql.NullString
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Action, &e.EntityType, &e.EntityID,
			&e.IPAddress, &e.UserAgent, &oldJSON, &newJSON,
			&e.Success, &e.ErrorMessage, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.OldValues = unmarshalSnapshot(oldJSON)
		e.NewValues = unmarshalSnapshot(newJSON)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}

	return entries, nil
}

// marshalSnapshot serializes a snapshot map to JSON, or nil for SQL NULL.
func marshalSnapshot(values map[string]any) ([]byte, error) {
	if values == nil {
		return nil, nil
	}
	return json.Marshal(values)
}

// unmarshalSnapshot parses a JSON snapshot column. Parse failures are
// non-fatal; a marker entry is returned so the feed still renders.
func unmarshalSnapshot(col sql.NullString) map[string]any {
	if !col.Valid || col.String == "" {
		return nil
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(col.String), &values); err != nil {
		return map[string]any{"_parse_error": "invalid JSON"}
	}
	return values
}

// placeholders returns "?, ?, ..." for IN clauses with n bound values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// splitConcat splits a GROUP_CONCAT result into its elements.
func splitConcat(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
