package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/shortlinker/shortlinker/internal/model"
)

// RetryConfig bounds the retry decorator.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries uint64
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// Jitter is the maximum random adjustment applied to each delay.
	Jitter time.Duration
}

// DefaultRetryConfig keeps a failed primary from being hammered while still
// resolving short connection blips within a second or two.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
		Jitter:     20 * time.Millisecond,
	}
}

// retrying decorates a Store so transient failures are retried with
// exponential backoff. Logical errors (not found, unique violation) pass
// through on the first attempt.
type retrying struct {
	inner  Store
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetrying wraps inner with the retry policy. The decorator satisfies
// Store so callers cannot tell it apart from a bare backend.
func NewRetrying(inner Store, cfg RetryConfig, logger *slog.Logger) Store {
	if cfg.MaxRetries == 0 {
		cfg = DefaultRetryConfig()
	}
	return &retrying{
		inner:  inner,
		cfg:    cfg,
		logger: logger.With("component", "storage_retry"),
	}
}

func (s *retrying) do(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(s.cfg.MaxRetries, retry.WithJitter(s.cfg.Jitter, retry.NewExponential(s.cfg.BaseDelay)))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			s.logger.Warn("transient storage error, will retry",
				"op", op,
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *retrying) Get(ctx context.Context, code string) (*model.Link, error) {
	var link *model.Link
	err := s.do(ctx, "get", func(ctx context.Context) error {
		var err error
		link, err = s.inner.Get(ctx, code)
		return err
	})
	return link, err
}

func (s *retrying) LoadAll(ctx context.Context) (map[string]*model.Link, error) {
	var links map[string]*model.Link
	err := s.do(ctx, "load_all", func(ctx context.Context) error {
		var err error
		links, err = s.inner.LoadAll(ctx)
		return err
	})
	return links, err
}

func (s *retrying) Insert(ctx context.Context, link *model.Link) error {
	return s.do(ctx, "insert", func(ctx context.Context) error {
		return s.inner.Insert(ctx, link)
	})
}

func (s *retrying) Upsert(ctx context.Context, link *model.Link) error {
	return s.do(ctx, "upsert", func(ctx context.Context) error {
		return s.inner.Upsert(ctx, link)
	})
}

func (s *retrying) Remove(ctx context.Context, code string) error {
	return s.do(ctx, "remove", func(ctx context.Context) error {
		return s.inner.Remove(ctx, code)
	})
}

func (s *retrying) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.do(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = s.inner.Count(ctx)
		return err
	})
	return n, err
}

func (s *retrying) TotalClicks(ctx context.Context) (int64, error) {
	var n int64
	err := s.do(ctx, "total_clicks", func(ctx context.Context) error {
		var err error
		n, err = s.inner.TotalClicks(ctx)
		return err
	})
	return n, err
}

func (s *retrying) BatchGet(ctx context.Context, codes []string) (map[string]*model.Link, error) {
	var links map[string]*model.Link
	err := s.do(ctx, "batch_get", func(ctx context.Context) error {
		var err error
		links, err = s.inner.BatchGet(ctx, codes)
		return err
	})
	return links, err
}

func (s *retrying) BatchSet(ctx context.Context, links []*model.Link) error {
	return s.do(ctx, "batch_set", func(ctx context.Context) error {
		return s.inner.BatchSet(ctx, links)
	})
}

func (s *retrying) BatchRemove(ctx context.Context, codes []string) (*BatchRemoveResult, error) {
	var res *BatchRemoveResult
	err := s.do(ctx, "batch_remove", func(ctx context.Context) error {
		var err error
		res, err = s.inner.BatchRemove(ctx, codes)
		return err
	})
	return res, err
}

func (s *retrying) FlushClicks(ctx context.Context, updates []ClickUpdate) error {
	return s.do(ctx, "flush_clicks", func(ctx context.Context) error {
		return s.inner.FlushClicks(ctx, updates)
	})
}

func (s *retrying) LoadConfig(ctx context.Context) ([]model.RuntimeConfigEntry, error) {
	var entries []model.RuntimeConfigEntry
	err := s.do(ctx, "load_config", func(ctx context.Context) error {
		var err error
		entries, err = s.inner.LoadConfig(ctx)
		return err
	})
	return entries, err
}

func (s *retrying) GetConfig(ctx context.Context, key string) (*model.RuntimeConfigEntry, error) {
	var entry *model.RuntimeConfigEntry
	err := s.do(ctx, "get_config", func(ctx context.Context) error {
		var err error
		entry, err = s.inner.GetConfig(ctx, key)
		return err
	})
	return entry, err
}

func (s *retrying) SetConfig(ctx context.Context, entry model.RuntimeConfigEntry) error {
	return s.do(ctx, "set_config", func(ctx context.Context) error {
		return s.inner.SetConfig(ctx, entry)
	})
}

func (s *retrying) Reload(ctx context.Context) error {
	return s.do(ctx, "reload", func(ctx context.Context) error {
		return s.inner.Reload(ctx)
	})
}

func (s *retrying) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(ctx context.Context) error {
		return s.inner.Ping(ctx)
	})
}

func (s *retrying) Close() error {
	return s.inner.Close()
}
