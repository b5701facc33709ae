// Package testutil holds shared helpers for integration and unit tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shortlinker/shortlinker/internal/model"
)

// RequireEnv returns an environment variable or skips the test if missing.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

const advisoryLockID int64 = 420421

// AcquireDBLock grabs a global advisory lock to serialize DB tests.
func AcquireDBLock(ctx context.Context, pool *pgxpool.Pool) (func() error, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	unlock := func() error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}

	return unlock, nil
}

// TruncateStorage empties the link and runtime config tables between tests.
func TruncateStorage(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, "TRUNCATE links"); err != nil {
		return fmt.Errorf("truncate links: %w", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE runtime_config"); err != nil {
		return fmt.Errorf("truncate runtime_config: %w", err)
	}
	return nil
}

// ============================================================================
// Test Data Factories
// ============================================================================

// NewTestLink creates a test link with sensible defaults.
func NewTestLink(t testing.TB, code string) *model.Link {
	t.Helper()
	return &model.Link{
		Code:      code,
		Target:    "https://example.com/" + code,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

// NewTestLinkWithExpiry creates a test link with an expiry time.
func NewTestLinkWithExpiry(t testing.TB, code string, expiresAt time.Time) *model.Link {
	t.Helper()
	link := NewTestLink(t, code)
	link.ExpiresAt = &expiresAt
	return link
}

// UniqueCode generates a unique short code for tests.
func UniqueCode(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
