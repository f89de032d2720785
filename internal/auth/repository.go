package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/luminachat/lumina/internal/apperror"
)

// UserRepository defines the data access contract for user rows.
// All SQL lives in the concrete implementation -- no SQL leaks out.
// Every lookup filters deleted_at IS NULL; existence checks do not, so a
// soft-deleted account still reserves its email and username.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	UpdateLastLogin(ctx context.Context, id string) error

	// SetVerificationToken overwrites the verification token columns.
	SetVerificationToken(ctx context.Context, id, token string, expires time.Time) error

	// MarkVerified flips is_verified and clears the verification columns
	// in one statement guarded by id AND email AND is_verified = FALSE.
	// Returns the number of rows changed: 0 means the user was already
	// verified or the token/user pair did not match.
	MarkVerified(ctx context.Context, id, email string) (int64, error)

	// SetResetToken overwrites the password reset token columns.
	SetResetToken(ctx context.Context, id, token string, expires time.Time) error

	// UpdatePassword sets a new hash and clears the reset columns.
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// userRepository implements UserRepository with hand-written MariaDB queries.
type userRepository struct {
	db *sql.DB
}

// NewUserRepository creates a user repository backed by the given DB pool.
func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

// userColumns is the full column set scanned into a User.
const userColumns = `id, username, email, password_hash,
	       is_active, is_verified, is_admin,
	       verification_token, verification_expires,
	       password_reset_token, password_reset_expires,
	       created_at, updated_at, last_login_at, deleted_at`

// Create inserts a new user row.
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `INSERT INTO users (id, username, email, password_hash,
	                             is_active, is_verified, is_admin,
	                             verification_token, verification_expires,
	                             created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.Username, user.Email, user.PasswordHash,
		user.IsActive, user.IsVerified, user.IsAdmin,
		user.VerificationToken, user.VerificationExpires,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	return nil
}

// FindByID retrieves a non-deleted user by ID.
// Returns apperror.NotFound if no visible user exists.
func (r *userRepository) FindByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ? AND deleted_at IS NULL`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// FindByEmail retrieves a non-deleted user by email.
// Returns apperror.NotFound if no visible user exists.
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = ? AND deleted_at IS NULL`
	return r.scanOne(r.db.QueryRowContext(ctx, query, email))
}

// EmailExists reports whether any row (soft-deleted included) holds the email.
func (r *userRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking email existence: %w", err)
	}
	return exists, nil
}

// UsernameExists reports whether any row (soft-deleted included) holds the username.
func (r *userRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking username existence: %w", err)
	}
	return exists, nil
}

// UpdateLastLogin sets last_login_at to now for the given user.
func (r *userRepository) UpdateLastLogin(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = NOW() WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

// SetVerificationToken overwrites the verification token columns.
func (r *userRepository) SetVerificationToken(ctx context.Context, id, token string, expires time.Time) error {
	query := `UPDATE users
	          SET verification_token = ?, verification_expires = ?, updated_at = NOW()
	          WHERE id = ? AND deleted_at IS NULL`

	_, err := r.db.ExecContext(ctx, query, token, expires, id)
	if err != nil {
		return fmt.Errorf("setting verification token: %w", err)
	}
	return nil
}

// MarkVerified flips is_verified exactly once. The id AND email guard
// rejects a token whose claims do not match the mirrored user; the
// is_verified guard makes the flip idempotent under concurrent verifies.
func (r *userRepository) MarkVerified(ctx context.Context, id, email string) (int64, error) {
	query := `UPDATE users
	          SET is_verified = TRUE,
	              verification_token = NULL,
	              verification_expires = NULL,
	              updated_at = NOW()
	          WHERE id = ? AND email = ? AND is_verified = FALSE AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id, email)
	if err != nil {
		return 0, fmt.Errorf("marking user verified: %w", err)
	}
	return result.RowsAffected()
}

// SetResetToken overwrites the password reset token columns.
func (r *userRepository) SetResetToken(ctx context.Context, id, token string, expires time.Time) error {
	query := `UPDATE users
	          SET password_reset_token = ?, password_reset_expires = ?, updated_at = NOW()
	          WHERE id = ? AND deleted_at IS NULL`

	_, err := r.db.ExecContext(ctx, query, token, expires, id)
	if err != nil {
		return fmt.Errorf("setting reset token: %w", err)
	}
	return nil
}

// UpdatePassword sets a new hash and clears the reset token columns.
func (r *userRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	query := `UPDATE users
	          SET password_hash = ?,
	              password_reset_token = NULL,
	              password_reset_expires = NULL,
	              updated_at = NOW()
	          WHERE id = ? AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, passwordHash, id)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperror.NewNotFound("user not found")
	}
	return nil
}

// scanOne scans a single user row, mapping sql.ErrNoRows to NotFound.
func (r *userRepository) scanOne(row *sql.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.IsActive, &user.IsVerified, &user.IsAdmin,
		&user.VerificationToken, &user.VerificationExpires,
		&user.PasswordResetToken, &user.PasswordResetExpires,
		&user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt, &user.DeletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return user, nil
}
