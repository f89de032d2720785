// Package database provides connection setup for MariaDB and Redis.
// Both connections are created once at startup and shared across the
// application via dependency injection. This package owns the connection
// lifecycle (open, configure pool, ping, close).
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// Registers the mysql driver with database/sql.
	_ "github.com/go-sql-driver/mysql"

	"github.com/luminachat/lumina/internal/config"
)

// pingTimeout bounds each individual connectivity probe at startup.
const pingTimeout = 5 * time.Second

// NewMariaDB opens a MariaDB pool and waits for the server to accept
// connections before returning. The pool is sized for short point queries;
// bcrypt work dominates request latency, so a small pool with warm idle
// connections beats a large one.
func NewMariaDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening mariadb connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := waitForMariaDB(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// waitForMariaDB pings with exponential backoff until the server answers.
// Under Docker Compose the database container often comes up after the app,
// so a failed first ping is expected, not fatal.
func waitForMariaDB(db *sql.DB) error {
	const maxAttempts = 10

	var lastErr error
	backoff := time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		lastErr = db.PingContext(ctx)
		cancel()

		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}

		slog.Warn("waiting for mariadb",
			slog.Int("attempt", attempt),
			slog.Duration("next_retry_in", backoff),
			slog.Any("error", lastErr),
		)
		time.Sleep(backoff)
		backoff = min(backoff*2, 30*time.Second)
	}

	return fmt.Errorf("mariadb unreachable after %d attempts: %w", maxAttempts, lastErr)
}
