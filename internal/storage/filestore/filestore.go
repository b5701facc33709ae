// Package filestore implements the storage facade on a single JSON catalog
// file written atomically via rename. It suits development setups and small
// catalogs; every mutation rewrites the file.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/storage"
)

// catalog is the on-disk document. Links and config entries are kept in one
// file so a catalog is always self-contained.
type catalog struct {
	Links  map[string]*model.Link              `json:"links"`
	Config map[string]model.RuntimeConfigEntry `json:"config"`
}

// Store implements storage.Store over an in-memory map mirrored to a JSON
// file. Reload re-reads the file, so out-of-band edits become visible after
// a data reload.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	links  map[string]*model.Link
	config map[string]model.RuntimeConfigEntry
}

// New loads the catalog at path, creating an empty one if the file does not
// exist yet.
func New(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger.With("component", "filestore"),
		links:  make(map[string]*model.Link),
		config: make(map[string]model.RuntimeConfigEntry),
	}

	loaded, err := s.readCatalog()
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// First run: persist the empty catalog so permission problems
		// surface now rather than on the first mutation.
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}

	s.links = loaded.Links
	s.config = loaded.Config
	return s, nil
}

// Get retrieves a link by code.
func (s *Store) Get(ctx context.Context, code string) (*model.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneLink(link), nil
}

// LoadAll returns a copy of the entire catalog keyed by code.
func (s *Store) LoadAll(ctx context.Context) (map[string]*model.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	links := make(map[string]*model.Link, len(s.links))
	for code, link := range s.links {
		links[code] = cloneLink(link)
	}
	return links, nil
}

// Insert stores a new link, failing when the code is taken.
func (s *Store) Insert(ctx context.Context, link *model.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.links[link.Code]; exists {
		return storage.ErrAlreadyExists
	}
	s.links[link.Code] = cloneLink(link)
	if err := s.persistLocked(); err != nil {
		delete(s.links, link.Code)
		return err
	}
	return nil
}

// Upsert creates or replaces the link by code.
func (s *Store) Upsert(ctx context.Context, link *model.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.links[link.Code]
	s.links[link.Code] = cloneLink(link)
	if err := s.persistLocked(); err != nil {
		if existed {
			s.links[link.Code] = prev
		} else {
			delete(s.links, link.Code)
		}
		return err
	}
	return nil
}

// Remove deletes a link by code.
func (s *Store) Remove(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.links[code]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.links, code)
	if err := s.persistLocked(); err != nil {
		s.links[code] = prev
		return err
	}
	return nil
}

// Count returns the number of stored links.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.links)), nil
}

// TotalClicks returns the sum of click_count over all links.
func (s *Store) TotalClicks(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, link := range s.links {
		total += link.ClickCount
	}
	return total, nil
}

// BatchGet returns the links found for the given codes, keyed by code.
func (s *Store) BatchGet(ctx context.Context, codes []string) (map[string]*model.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	links := make(map[string]*model.Link, len(codes))
	for _, code := range codes {
		if link, ok := s.links[code]; ok {
			links[code] = cloneLink(link)
		}
	}
	return links, nil
}

// BatchSet stores every link, replacing existing rows by code. The catalog
// file is written once for the whole batch.
func (s *Store) BatchSet(ctx context.Context, links []*model.Link) error {
	if len(links) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.snapshotLinksLocked()
	for _, link := range links {
		s.links[link.Code] = cloneLink(link)
	}
	if err := s.persistLocked(); err != nil {
		s.links = backup
		return err
	}
	return nil
}

// BatchRemove deletes the given codes, reporting which were present.
func (s *Store) BatchRemove(ctx context.Context, codes []string) (*storage.BatchRemoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.snapshotLinksLocked()
	res := &storage.BatchRemoveResult{}
	for _, code := range codes {
		if _, ok := s.links[code]; ok {
			delete(s.links, code)
			res.Found = append(res.Found, code)
		} else {
			res.NotFound = append(res.NotFound, code)
		}
	}
	if len(res.Found) == 0 {
		return res, nil
	}
	if err := s.persistLocked(); err != nil {
		s.links = backup
		return nil, err
	}
	return res, nil
}

// FlushClicks applies per-code click deltas. Codes that were deleted since
// the clicks were buffered are skipped with a log line.
func (s *Store) FlushClicks(ctx context.Context, updates []storage.ClickUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.snapshotLinksLocked()
	for _, u := range updates {
		link, ok := s.links[u.Code]
		if !ok {
			s.logger.Warn("dropping clicks for deleted link", "code", u.Code, "delta", u.Delta)
			continue
		}
		link.ClickCount += u.Delta
	}
	if err := s.persistLocked(); err != nil {
		s.links = backup
		return err
	}
	return nil
}

// LoadConfig returns all runtime config entries.
func (s *Store) LoadConfig(ctx context.Context) ([]model.RuntimeConfigEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]model.RuntimeConfigEntry, 0, len(s.config))
	for _, e := range s.config {
		entries = append(entries, e)
	}
	return entries, nil
}

// GetConfig returns one runtime config entry by key.
func (s *Store) GetConfig(ctx context.Context, key string) (*model.RuntimeConfigEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.config[key]
	if !ok {
		return nil, storage.ErrConfigNotFound
	}
	return &e, nil
}

// SetConfig creates or replaces a runtime config entry.
func (s *Store) SetConfig(ctx context.Context, entry model.RuntimeConfigEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.config[entry.Key]
	s.config[entry.Key] = entry
	if err := s.persistLocked(); err != nil {
		if existed {
			s.config[entry.Key] = prev
		} else {
			delete(s.config, entry.Key)
		}
		return err
	}
	return nil
}

// Reload re-reads the catalog file, making out-of-band edits visible.
func (s *Store) Reload(ctx context.Context) error {
	loaded, err := s.readCatalog()
	if err != nil {
		return fmt.Errorf("failed to reload catalog: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = loaded.Links
	s.config = loaded.Config
	return nil
}

// Ping verifies the catalog's directory is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("catalog directory unavailable: %w", err)
	}
	return nil
}

// Close is a no-op; every mutation already persisted the catalog.
func (s *Store) Close() error {
	return nil
}

// Path returns the catalog file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) readCatalog() (*catalog, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var doc catalog
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", s.path, err)
	}
	if doc.Links == nil {
		doc.Links = make(map[string]*model.Link)
	}
	if doc.Config == nil {
		doc.Config = make(map[string]model.RuntimeConfigEntry)
	}
	return &doc, nil
}

// persistLocked writes the catalog atomically. Callers hold the write lock.
func (s *Store) persistLocked() error {
	doc := catalog{Links: s.links, Config: s.config}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}

func (s *Store) snapshotLinksLocked() map[string]*model.Link {
	snapshot := make(map[string]*model.Link, len(s.links))
	for code, link := range s.links {
		snapshot[code] = cloneLink(link)
	}
	return snapshot
}

func cloneLink(link *model.Link) *model.Link {
	clone := *link
	if link.ExpiresAt != nil {
		t := *link.ExpiresAt
		clone.ExpiresAt = &t
	}
	return &clone
}
