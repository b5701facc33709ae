// Package storage defines the persistence surface consumed by the rest of
// the application and the error taxonomy every backend maps into.
package storage

import (
	"context"
	"errors"

	"github.com/shortlinker/shortlinker/internal/model"
)

// Sentinel errors shared by all backends. Backends translate their native
// failures into these before returning; engine-specific error types never
// cross the facade.
var (
	// ErrNotFound indicates no row exists for the requested code.
	ErrNotFound = errors.New("storage: link not found")

	// ErrAlreadyExists indicates an insert collided with an existing code.
	ErrAlreadyExists = errors.New("storage: code already exists")

	// ErrConfigNotFound indicates the runtime config key has no row.
	ErrConfigNotFound = errors.New("storage: config key not found")
)

// TransientError marks failures worth retrying: pool acquisition timeouts,
// dropped connections, a busy database file. Everything else is logical and
// must not be retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "storage: transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil when err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ClickUpdate is one additive click delta for a code.
type ClickUpdate struct {
	Code  string
	Delta int64
}

// ClickSink consumes batched click updates. The click manager only depends
// on this capability, not on the full store.
type ClickSink interface {
	// FlushClicks applies every update in a single transaction:
	// click_count <- click_count + delta per row. Updates whose code no
	// longer exists are skipped without failing the batch.
	FlushClicks(ctx context.Context, updates []ClickUpdate) error
}

// BatchRemoveResult splits a batch delete into the codes that existed and
// the codes that did not.
type BatchRemoveResult struct {
	Found    []string
	NotFound []string
}

// LinkStore is the persistence surface for the link catalog.
type LinkStore interface {
	// Get returns the link stored under code. Expiry is not checked here;
	// an expired link is still a stored link.
	Get(ctx context.Context, code string) (*model.Link, error)

	// LoadAll returns the entire catalog keyed by code.
	LoadAll(ctx context.Context) (map[string]*model.Link, error)

	// Insert stores a new link, failing with ErrAlreadyExists when the
	// code is taken.
	Insert(ctx context.Context, link *model.Link) error

	// Upsert creates or replaces the link atomically by code.
	Upsert(ctx context.Context, link *model.Link) error

	// Remove deletes by code. ErrNotFound when no row matched.
	Remove(ctx context.Context, code string) error

	// Count returns the number of stored links.
	Count(ctx context.Context) (int64, error)

	// TotalClicks returns the sum of click_count over all links.
	TotalClicks(ctx context.Context) (int64, error)

	BatchGet(ctx context.Context, codes []string) (map[string]*model.Link, error)

	// BatchSet stores every link in one transaction, replacing existing
	// rows by code.
	BatchSet(ctx context.Context, links []*model.Link) error

	BatchRemove(ctx context.Context, codes []string) (*BatchRemoveResult, error)
}

// ConfigStore persists runtime configuration entries.
type ConfigStore interface {
	LoadConfig(ctx context.Context) ([]model.RuntimeConfigEntry, error)
	GetConfig(ctx context.Context, key string) (*model.RuntimeConfigEntry, error)
	SetConfig(ctx context.Context, entry model.RuntimeConfigEntry) error
}

// Store is the full backend contract.
type Store interface {
	LinkStore
	ClickSink
	ConfigStore

	// Reload is an extensibility hook invoked at the start of a data
	// reload. Backends that serve from a snapshot (the file store) re-read
	// their source here; SQL backends have nothing to do.
	Reload(ctx context.Context) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
