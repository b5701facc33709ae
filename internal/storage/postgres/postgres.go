// Package postgres implements the storage facade on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS links (
	code        TEXT PRIMARY KEY,
	target      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ,
	password    TEXT,
	click_count BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS runtime_config (
	key              TEXT PRIMARY KEY,
	value            TEXT NOT NULL,
	value_type       TEXT NOT NULL,
	is_sensitive     BOOLEAN NOT NULL DEFAULT FALSE,
	requires_restart BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at       TIMESTAMPTZ NOT NULL
);
`

// Store implements storage.Store over a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store with a connection pool and ensures the schema exists.
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: logger.With("component", "postgres"),
	}, nil
}

const linkColumns = "code, target, created_at, expires_at, password, click_count"

// Get retrieves a link by code. get-miss maps to storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, code string) (*model.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE code = $1`

	link, err := scanLink(s.pool.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, classify(err, "failed to get link")
	}
	return link, nil
}

// LoadAll returns the entire catalog keyed by code.
func (s *Store) LoadAll(ctx context.Context) (map[string]*model.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links`

	rows, err := s.pool.Query(ctx, query)
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
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		link.Code,
		link.Target,
		link.CreatedAt,
		link.ExpiresAt,
		nullable(link.PasswordHash),
		link.ClickCount,
	)
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
	query := `
		INSERT INTO links (code, target, created_at, expires_at, password, click_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			target      = EXCLUDED.target,
			created_at  = EXCLUDED.created_at,
			expires_at  = EXCLUDED.expires_at,
			password    = EXCLUDED.password,
			click_count = EXCLUDED.click_count
	`

	_, err := s.pool.Exec(ctx, query,
		link.Code,
		link.Target,
		link.CreatedAt,
		link.ExpiresAt,
		nullable(link.PasswordHash),
		link.ClickCount,
	)
	if err != nil {
		return classify(err, "failed to upsert link")
	}
	return nil
}

// Remove deletes a link by code.
func (s *Store) Remove(ctx context.Context, code string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM links WHERE code = $1`, code)
	if err != nil {
		return classify(err, "failed to delete link")
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Count returns the number of stored links.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM links`).Scan(&n); err != nil {
		return 0, classify(err, "failed to count links")
	}
	return n, nil
}

// TotalClicks returns the sum of click_count over all links.
func (s *Store) TotalClicks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(click_count), 0) FROM links`).Scan(&n); err != nil {
		return 0, classify(err, "failed to sum clicks")
	}
	return n, nil
}

// BatchGet returns the links found for the given codes, keyed by code.
func (s *Store) BatchGet(ctx context.Context, codes []string) (map[string]*model.Link, error) {
	if len(codes) == 0 {
		return map[string]*model.Link{}, nil
	}

	query := `SELECT ` + linkColumns + ` FROM links WHERE code = ANY($1)`

	rows, err := s.pool.Query(ctx, query, codes)
	if err != nil {
		return nil, classify(err, "failed to batch get links")
	}
	defer rows.Close()

	links := make(map[string]*model.Link, len(codes))
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err, "failed to begin batch set")
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO links (code, target, created_at, expires_at, password, click_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			target      = EXCLUDED.target,
			created_at  = EXCLUDED.created_at,
			expires_at  = EXCLUDED.expires_at,
			password    = EXCLUDED.password,
			click_count = EXCLUDED.click_count
	`
	for _, link := range links {
		if _, err := tx.Exec(ctx, query,
			link.Code,
			link.Target,
			link.CreatedAt,
			link.ExpiresAt,
			nullable(link.PasswordHash),
			link.ClickCount,
		); err != nil {
			return classify(err, "failed to batch set link "+link.Code)
		}
	}

	if err := tx.Commit(ctx); err != nil {
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

	rows, err := s.pool.Query(ctx, `DELETE FROM links WHERE code = ANY($1) RETURNING code`, codes)
	if err != nil {
		return nil, classify(err, "failed to batch remove links")
	}
	defer rows.Close()

	found := make(map[string]bool, len(codes))
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan removed code: %w", err)
		}
		found[code] = true
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "error iterating removed codes")
	}

	for _, code := range codes {
		if found[code] {
			res.Found = append(res.Found, code)
		} else {
			res.NotFound = append(res.NotFound, code)
		}
	}
	return res, nil
}

// FlushClicks applies per-code click deltas in one transaction. Codes that
// were deleted since the clicks were buffered are skipped with a log line,
// not an error.
func (s *Store) FlushClicks(ctx context.Context, updates []storage.ClickUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err, "failed to begin click flush")
	}
	defer tx.Rollback(ctx)

	query := `UPDATE links SET click_count = click_count + $2 WHERE code = $1`
	for _, u := range updates {
		result, err := tx.Exec(ctx, query, u.Code, u.Delta)
		if err != nil {
			return classify(err, "failed to flush clicks for "+u.Code)
		}
		if result.RowsAffected() == 0 {
			s.logger.Warn("dropping clicks for deleted link", "code", u.Code, "delta", u.Delta)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(err, "failed to commit click flush")
	}
	return nil
}

// LoadConfig returns all runtime config entries.
func (s *Store) LoadConfig(ctx context.Context) ([]model.RuntimeConfigEntry, error) {
	query := `SELECT key, value, value_type, is_sensitive, requires_restart, updated_at FROM runtime_config`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, classify(err, "failed to load runtime config")
	}
	defer rows.Close()

	var entries []model.RuntimeConfigEntry
	for rows.Next() {
		var e model.RuntimeConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.ValueType, &e.IsSensitive, &e.RequiresRestart, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "error iterating config entries")
	}
	return entries, nil
}

// GetConfig returns one runtime config entry by key.
func (s *Store) GetConfig(ctx context.Context, key string) (*model.RuntimeConfigEntry, error) {
	query := `SELECT key, value, value_type, is_sensitive, requires_restart, updated_at FROM runtime_config WHERE key = $1`

	var e model.RuntimeConfigEntry
	err := s.pool.QueryRow(ctx, query, key).Scan(&e.Key, &e.Value, &e.ValueType, &e.IsSensitive, &e.RequiresRestart, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrConfigNotFound
		}
		return nil, classify(err, "failed to get config entry")
	}
	return &e, nil
}

// SetConfig creates or replaces a runtime config entry.
func (s *Store) SetConfig(ctx context.Context, entry model.RuntimeConfigEntry) error {
	query := `
		INSERT INTO runtime_config (key, value, value_type, is_sensitive, requires_restart, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			value            = EXCLUDED.value,
			value_type       = EXCLUDED.value_type,
			is_sensitive     = EXCLUDED.is_sensitive,
			requires_restart = EXCLUDED.requires_restart,
			updated_at       = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		entry.Key,
		entry.Value,
		entry.ValueType,
		entry.IsSensitive,
		entry.RequiresRestart,
		entry.UpdatedAt,
	)
	if err != nil {
		return classify(err, "failed to set config entry")
	}
	return nil
}

// Reload is a no-op: SQL backends always read live data.
func (s *Store) Reload(ctx context.Context) error {
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool.
// Use sparingly - prefer adding methods to Store.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// scanLink scans a single row into a Link model.
func scanLink(row pgx.Row) (*model.Link, error) {
	var link model.Link
	var password *string
	err := row.Scan(
		&link.Code,
		&link.Target,
		&link.CreatedAt,
		&link.ExpiresAt,
		&password,
		&link.ClickCount,
	)
	if password != nil {
		link.PasswordHash = *password
	}
	return &link, err
}

// scanLinkFromRows scans a row from pgx.Rows into a Link model.
func scanLinkFromRows(rows pgx.Rows) (*model.Link, error) {
	var link model.Link
	var password *string
	err := rows.Scan(
		&link.Code,
		&link.Target,
		&link.CreatedAt,
		&link.ExpiresAt,
		&password,
		&link.ClickCount,
	)
	if password != nil {
		link.PasswordHash = *password
	}
	return &link, err
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation checks for a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	// PostgreSQL error code 23505 is unique_violation
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// classify wraps err with context and marks connection-level failures as
// transient so the retry decorator can act on them. Context cancellation is
// never transient.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}

	var netErr net.Error
	if pgconn.SafeToRetry(err) || errors.As(err, &netErr) {
		return storage.Transient(fmt.Errorf("%s: %w", msg, err))
	}
	return fmt.Errorf("%s: %w", msg, err)
}
