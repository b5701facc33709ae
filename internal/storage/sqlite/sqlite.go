// Package sqlite implements the storage facade on a local SQLite database
// using the CGo-free modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS links (
	code        TEXT PRIMARY KEY,
	target      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER,
	password    TEXT,
	click_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS runtime_config (
	key              TEXT PRIMARY KEY,
	value            TEXT NOT NULL,
	value_type       TEXT NOT NULL,
	is_sensitive     INTEGER NOT NULL DEFAULT 0,
	requires_restart INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL
);
`

// Store implements storage.Store over a single SQLite database file.
// Timestamps are persisted as Unix nanoseconds.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if needed) the database file and ensures the schema.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY churn under concurrent component writes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "sqlite"),
	}, nil
}

const linkColumns = "code, target, created_at, expires_at, password, click_count"

// Get retrieves a link by code.
func (s *Store) Get(ctx context.Context, code string) (*model.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE code = ?`

	link, err := scanLink(s.db.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, classify(err, "failed to get link")
	}
	return link, nil
}

// LoadAll returns the entire catalog keyed by code.
func (s *Store) LoadAll(ctx context.Context) (map[string]*model.Link, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+linkColumns+` FROM links`)
	if err != nil {
		return nil, classify(err, "failed to load links")
	}
	defer rows.Close()

	links := make(map[string]*model.Link)
	for rows.Next() {
		link, err := scanLinkFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links[link.Code] = link
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "error iterating links")
	}
	return links, nil
}

// Insert stores a new link, failing when the code is taken.
func (s *Store) Insert(ctx context.Context, link *model.Link) error {
	query := `
		INSERT INTO links (code, target, created_at, expires_at, password, click_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, insertArgs(link)...)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return classify(err, "failed to insert link")
	}
	return nil
}

// Upsert creates or replaces the link atomically by code.
func (s *Store) Upsert(ctx context.Context, link *model.Link) error {
	_, err := s.db.ExecContext(ctx, upsertQuery, insertArgs(link)...)
	if err != nil {
		return classify(err, "failed to upsert link")
	}
	return nil
}

const upsertQuery = `
	INSERT INTO links (code, target, created_at, expires_at, password, click_count)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (code) DO UPDATE SET
		target      = excluded.target,
		created_at  = excluded.created_at,
		expires_at  = excluded.expires_at,
		password    = excluded.password,
		click_count = excluded.click_count
`

// Remove deletes a link by code.
func (s *Store) Remove(ctx context.Context, code string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM links WHERE code = ?`, code)
	if err != nil {
		return classify(err, "failed to delete link")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Count returns the number of stored links.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM links`).Scan(&n); err != nil {
		return 0, classify(err, "failed to count links")
	}
	return n, nil
}

// TotalClicks returns the sum of click_count over all links.
func (s *Store) TotalClicks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(click_count), 0) FROM links`).Scan(&n); err != nil {
		return 0, classify(err, "failed to sum clicks")
	}
	return n, nil
}

// BatchGet returns the links found for the given codes, keyed by code.
func (s *Store) BatchGet(ctx context.Context, codes []string) (map[string]*model.Link, error) {
	links := make(map[string]*model.Link, len(codes))
	if len(codes) == 0 {
		return links, nil
	}

	query := `SELECT ` + linkColumns + ` FROM links WHERE code IN (` + placeholders(len(codes)) + `)`
	args := make([]any, len(codes))
	for i, code := range codes {
		args[i] = code
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "failed to batch get links")
	}
	defer rows.Close()

	for rows.Next() {
		link, err := scanLinkFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links[link.Code] = link
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "error iterating links")
	}
	return links, nil
}

// BatchSet upserts every link inside one transaction.
func (s *Store) BatchSet(ctx context.Context, links []*model.Link) error {
	if len(links) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "failed to begin batch set")
	}
	defer tx.Rollback()

	for _, link := range links {
		if _, err := tx.ExecContext(ctx, upsertQuery, insertArgs(link)...); err != nil {
			return classify(err, "failed to batch set link "+link.Code)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "failed to commit batch set")
	}
	return nil
}

// BatchRemove deletes the given codes, reporting which were present.
func (s *Store) BatchRemove(ctx context.Context, codes []string) (*storage.BatchRemoveResult, error) {
	res := &storage.BatchRemoveResult{}
	if len(codes) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "failed to begin batch remove")
	}
	defer tx.Rollback()

	for _, code := range codes {
		result, err := tx.ExecContext(ctx, `DELETE FROM links WHERE code = ?`, code)
		if err != nil {
			return nil, classify(err, "failed to batch remove link "+code)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n > 0 {
			res.Found = append(res.Found, code)
		} else {
			res.NotFound = append(res.NotFound, code)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err, "failed to commit batch remove")
	}
	return res, nil
}

// FlushClicks applies per-code click deltas in one transaction. Codes that
// were deleted since the clicks were buffered are skipped with a log line.
func (s *Store) FlushClicks(ctx context.Context, updates []storage.ClickUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "failed to begin click flush")
	}
	defer tx.Rollback()

	for _, u := range updates {
		result, err := tx.ExecContext(ctx, `UPDATE links SET click_count = click_count + ? WHERE code = ?`, u.Delta, u.Code)
		if err != nil {
			return classify(err, "failed to flush clicks for "+u.Code)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			s.logger.Warn("dropping clicks for deleted link", "code", u.Code, "delta", u.Delta)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "failed to commit click flush")
	}
	return nil
}

// LoadConfig returns all runtime config entries.
func (s *Store) LoadConfig(ctx context.Context) ([]model.RuntimeConfigEntry, error) {
	query := `SELECT key, value, value_type, is_sensitive, requires_restart, updated_at FROM runtime_config`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err, "failed to load runtime config")
	}
	defer rows.Close()

	var entries []model.RuntimeConfigEntry
	for rows.Next() {
		entry, err := scanConfigEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "error iterating config entries")
	}
	return entries, nil
}

// GetConfig returns one runtime config entry by key.
func (s *Store) GetConfig(ctx context.Context, key string) (*model.RuntimeConfigEntry, error) {
	query := `SELECT key, value, value_type, is_sensitive, requires_restart, updated_at FROM runtime_config WHERE key = ?`

	var (
		e              model.RuntimeConfigEntry
		sensitiveInt   int64
		restartInt     int64
		updatedAtNanos int64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&e.Key, &e.Value, &e.ValueType, &sensitiveInt, &restartInt, &updatedAtNanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrConfigNotFound
		}
		return nil, classify(err, "failed to get config entry")
	}
	e.IsSensitive = sensitiveInt != 0
	e.RequiresRestart = restartInt != 0
	e.UpdatedAt = fromNanos(updatedAtNanos)
	return &e, nil
}

// SetConfig creates or replaces a runtime config entry.
func (s *Store) SetConfig(ctx context.Context, entry model.RuntimeConfigEntry) error {
	query := `
		INSERT INTO runtime_config (key, value, value_type, is_sensitive, requires_restart, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value            = excluded.value,
			value_type       = excluded.value_type,
			is_sensitive     = excluded.is_sensitive,
			requires_restart = excluded.requires_restart,
			updated_at       = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.Key,
		entry.Value,
		string(entry.ValueType),
		boolToInt(entry.IsSensitive),
		boolToInt(entry.RequiresRestart),
		entry.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return classify(err, "failed to set config entry")
	}
	return nil
}

// Reload is a no-op: reads always hit the database file.
func (s *Store) Reload(ctx context.Context) error {
	return nil
}

// Ping checks the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for the link scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanLink(row scanner) (*model.Link, error) {
	var (
		link         model.Link
		createdNanos int64
		expiresNanos sql.NullInt64
		password     sql.NullString
	)
	err := row.Scan(
		&link.Code,
		&link.Target,
		&createdNanos,
		&expiresNanos,
		&password,
		&link.ClickCount,
	)
	if err != nil {
		return nil, err
	}
	link.CreatedAt = fromNanos(createdNanos)
	if expiresNanos.Valid {
		t := fromNanos(expiresNanos.Int64)
		link.ExpiresAt = &t
	}
	if password.Valid {
		link.PasswordHash = password.String
	}
	return &link, nil
}

func scanLinkFromRows(rows *sql.Rows) (*model.Link, error) {
	return scanLink(rows)
}

func scanConfigEntry(rows *sql.Rows) (model.RuntimeConfigEntry, error) {
	var (
		e              model.RuntimeConfigEntry
		sensitiveInt   int64
		restartInt     int64
		updatedAtNanos int64
	)
	err := rows.Scan(&e.Key, &e.Value, &e.ValueType, &sensitiveInt, &restartInt, &updatedAtNanos)
	if err != nil {
		return e, err
	}
	e.IsSensitive = sensitiveInt != 0
	e.RequiresRestart = restartInt != 0
	e.UpdatedAt = fromNanos(updatedAtNanos)
	return e, nil
}

func insertArgs(link *model.Link) []any {
	var expires any
	if link.ExpiresAt != nil {
		expires = link.ExpiresAt.UnixNano()
	}
	var password any
	if link.PasswordHash != "" {
		password = link.PasswordHash
	}
	return []any{
		link.Code,
		link.Target,
		link.CreatedAt.UnixNano(),
		expires,
		password,
		link.ClickCount,
	}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// isUniqueViolation checks for a SQLite unique constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// classify wraps err with context and marks lock contention as transient so
// the retry decorator can act on it.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}

	text := err.Error()
	if strings.Contains(text, "database is locked") || strings.Contains(text, "SQLITE_BUSY") {
		return storage.Transient(fmt.Errorf("%s: %w", msg, err))
	}
	return fmt.Errorf("%s: %w", msg, err)
}
