// Package service contains the business logic for link management,
// shared by the HTTP redirect surface and the IPC control channel.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shortlinker/shortlinker/internal/auth"
	"github.com/shortlinker/shortlinker/internal/cache"
	"github.com/shortlinker/shortlinker/internal/metrics"
	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/storage"
)

// Service errors.
var (
	ErrInvalidTarget = errors.New("invalid target URL")
	ErrTargetTooLong = errors.New("target URL too long")
	ErrInvalidCode   = errors.New("invalid code format")
	ErrCodeExists    = errors.New("code already exists")
	ErrLinkNotFound  = errors.New("link not found")
	ErrExpiresInPast = errors.New("expires_at must be in the future")
)

// Code validation regex: 1-64 chars, alphanumeric plus hyphen and
// underscore. Generated codes use a subset of this alphabet.
var codeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

const (
	maxTargetLength = 2048
	codeLength      = 7
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	maxCodeRetries  = 3
)

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

// LinkService handles link business logic. Every mutation keeps the
// lookup cache coherent with storage.
type LinkService struct {
	store   storage.LinkStore
	cache   *cache.Cache
	logger  *slog.Logger
	metrics metrics.Recorder
	clock   clockwork.Clock
}

// NewLinkService creates a new LinkService. A nil recorder disables
// metrics.
func NewLinkService(store storage.LinkStore, linkCache *cache.Cache, logger *slog.Logger, recorder metrics.Recorder) *LinkService {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &LinkService{
		store:   store,
		cache:   linkCache,
		logger:  logger.With("component", "service"),
		metrics: recorder,
		clock:   clockwork.NewRealClock(),
	}
}

// SetClock replaces the wall clock, for tests.
func (s *LinkService) SetClock(clk clockwork.Clock) {
	s.clock = clk
}

// ResolveRedirect resolves a code on the redirect hot path. The cache
// tiers answer first; storage is consulted only when the cache cannot
// decide. Unknown codes and expired links return ErrLinkNotFound.
func (s *LinkService) ResolveRedirect(ctx context.Context, code string) (*model.Link, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveRedirectDuration(time.Since(start))
	}()

	if code == "" {
		return nil, ErrLinkNotFound
	}

	link, verdict := s.cache.Get(code)
	switch verdict {
	case cache.Found:
		return link, nil
	case cache.KnownAbsent:
		return nil, ErrLinkNotFound
	}

	stored, err := s.store.Get(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.cache.MarkAbsent(code)
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("lookup %q: %w", code, err)
	}

	if stored.ExpiredAt(s.clock.Now()) {
		s.cache.MarkAbsent(code)
		return nil, ErrLinkNotFound
	}

	s.cache.Insert(stored)
	return stored, nil
}

// AddLinkInput carries the parameters for AddLink. An empty Code asks
// the service to generate one.
type AddLinkInput struct {
	Code      string
	Target    string
	Force     bool
	ExpiresAt *time.Time
	Password  string
}

// AddLinkOutput reports the stored link and whether its code was
// generated.
type AddLinkOutput struct {
	Link          *model.Link
	GeneratedCode bool
}

// AddLink validates and stores a new link. With Force set it replaces
// any existing record under the same code; otherwise a collision
// returns ErrCodeExists.
func (s *LinkService) AddLink(ctx context.Context, in AddLinkInput) (*AddLinkOutput, error) {
	if err := validateTarget(in.Target); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, ErrExpiresInPast
	}

	code := in.Code
	generated := false
	switch {
	case code == "":
		var err error
		code, err = s.generateUniqueCode(ctx)
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		generated = true
	case !codeRegex.MatchString(code):
		return nil, ErrInvalidCode
	}

	link := &model.Link{
		Code:      code,
		Target:    in.Target,
		CreatedAt: now,
	}
	if in.ExpiresAt != nil {
		expiry := in.ExpiresAt.UTC()
		link.ExpiresAt = &expiry
	}
	if in.Password != "" {
		hash, err := auth.HashPassword(in.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		link.PasswordHash = hash
	}

	if in.Force {
		if err := s.store.Upsert(ctx, link); err != nil {
			return nil, fmt.Errorf("store link %q: %w", code, err)
		}
	} else if err := s.store.Insert(ctx, link); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrCodeExists
		}
		return nil, fmt.Errorf("store link %q: %w", code, err)
	}

	s.cache.Insert(link)
	s.metrics.IncLinkCreated()
	s.logger.Info("link created",
		"code", code,
		"generated_code", generated,
		"has_expiry", link.ExpiresAt != nil)

	return &AddLinkOutput{Link: link, GeneratedCode: generated}, nil
}

// UpdateLinkInput carries the parameters for UpdateLink. A nil
// ExpiresAt clears any existing expiry; an empty Password keeps the
// stored credential.
type UpdateLinkInput struct {
	Code      string
	Target    string
	ExpiresAt *time.Time
	Password  string
}

// UpdateLink rewrites the target, expiry, and optionally the password
// of an existing link. Creation time and click count carry over.
func (s *LinkService) UpdateLink(ctx context.Context, in UpdateLinkInput) (*model.Link, error) {
	if err := validateTarget(in.Target); err != nil {
		return nil, err
	}

	existing, err := s.store.Get(ctx, in.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("lookup %q: %w", in.Code, err)
	}

	now := s.clock.Now().UTC()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, ErrExpiresInPast
	}

	updated := *existing
	updated.Target = in.Target
	updated.ExpiresAt = nil
	if in.ExpiresAt != nil {
		expiry := in.ExpiresAt.UTC()
		updated.ExpiresAt = &expiry
	}
	if in.Password != "" {
		hash, err := auth.HashPassword(in.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		updated.PasswordHash = hash
	}

	if err := s.store.Upsert(ctx, &updated); err != nil {
		return nil, fmt.Errorf("store link %q: %w", in.Code, err)
	}

	s.cache.Insert(&updated)
	s.metrics.IncLinkUpdated()
	s.logger.Info("link updated", "code", in.Code)

	return &updated, nil
}

// RemoveLink deletes a link and records its absence in the cache so
// subsequent redirects miss without touching storage.
func (s *LinkService) RemoveLink(ctx context.Context, code string) error {
	if err := s.store.Remove(ctx, code); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrLinkNotFound
		}
		return fmt.Errorf("remove link %q: %w", code, err)
	}

	s.cache.MarkAbsent(code)
	s.metrics.IncLinkDeleted()
	s.logger.Info("link removed", "code", code)
	return nil
}

// GetLink returns the stored record for a code. Expired links are
// still returned; expiry only matters on the redirect path.
func (s *LinkService) GetLink(ctx context.Context, code string) (*model.Link, error) {
	link, err := s.store.Get(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("lookup %q: %w", code, err)
	}
	return link, nil
}

// ListLinksInput carries pagination and filter parameters for
// ListLinks. Zero values fall back to the first page and the default
// page size.
type ListLinksInput struct {
	Page     int
	PageSize int
	Search   string
}

// ListLinksOutput holds one page of links plus the total match count.
type ListLinksOutput struct {
	Links    []*model.Link
	Total    int
	Page     int
	PageSize int
}

// ListLinks returns links sorted newest first, optionally filtered by
// a case-insensitive substring match against code and target.
func (s *LinkService) ListLinks(ctx context.Context, in ListLinksInput) (*ListLinksOutput, error) {
	if in.Page <= 0 {
		in.Page = 1
	}
	if in.PageSize <= 0 || in.PageSize > maxPageSize {
		in.PageSize = defaultPageSize
	}

	all, err := s.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	needle := strings.ToLower(in.Search)
	links := make([]*model.Link, 0, len(all))
	for _, link := range all {
		if needle != "" &&
			!strings.Contains(strings.ToLower(link.Code), needle) &&
			!strings.Contains(strings.ToLower(link.Target), needle) {
			continue
		}
		links = append(links, link)
	}

	sort.Slice(links, func(i, j int) bool {
		if links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].Code < links[j].Code
		}
		return links[i].CreatedAt.After(links[j].CreatedAt)
	})

	total := len(links)
	startIdx := (in.Page - 1) * in.PageSize
	switch {
	case startIdx >= total:
		links = nil
	default:
		end := startIdx + in.PageSize
		if end > total {
			end = total
		}
		links = links[startIdx:end]
	}

	return &ListLinksOutput{
		Links:    links,
		Total:    total,
		Page:     in.Page,
		PageSize: in.PageSize,
	}, nil
}

// Stats summarizes the catalog.
type Stats struct {
	TotalLinks  int64
	TotalClicks int64
	ActiveLinks int64
}

// Stats reports link and click totals. Click counts reflect flushed
// state only; buffered clicks are not included.
func (s *LinkService) Stats(ctx context.Context) (*Stats, error) {
	total, err := s.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count links: %w", err)
	}
	clicks, err := s.store.TotalClicks(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum clicks: %w", err)
	}

	all, err := s.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	now := s.clock.Now()
	var active int64
	for _, link := range all {
		if link.ActiveAt(now) {
			active++
		}
	}

	return &Stats{TotalLinks: total, TotalClicks: clicks, ActiveLinks: active}, nil
}

// ImportIssue describes one rejected record from a bulk import.
type ImportIssue struct {
	Code   string
	Reason string
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Success int
	Failed  int
	Issues  []ImportIssue
}

// ImportLinks stores a batch of records. With overwrite set the valid
// records replace existing ones in a single batch write; without it
// each record is inserted individually and collisions are reported as
// issues. Expired records are accepted so backups restore losslessly.
func (s *LinkService) ImportLinks(ctx context.Context, links []*model.Link, overwrite bool) (*ImportResult, error) {
	res := &ImportResult{}
	now := s.clock.Now().UTC()

	valid := make([]*model.Link, 0, len(links))
	for _, link := range links {
		if link == nil || link.Code == "" {
			res.Failed++
			res.Issues = append(res.Issues, ImportIssue{Reason: "missing code"})
			continue
		}
		if !codeRegex.MatchString(link.Code) {
			res.Failed++
			res.Issues = append(res.Issues, ImportIssue{Code: link.Code, Reason: ErrInvalidCode.Error()})
			continue
		}
		if err := validateTarget(link.Target); err != nil {
			res.Failed++
			res.Issues = append(res.Issues, ImportIssue{Code: link.Code, Reason: err.Error()})
			continue
		}
		record := *link
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		valid = append(valid, &record)
	}

	if overwrite {
		if err := s.store.BatchSet(ctx, valid); err != nil {
			return nil, fmt.Errorf("import links: %w", err)
		}
		for _, link := range valid {
			s.cache.Insert(link)
		}
		res.Success = len(valid)
	} else {
		for _, link := range valid {
			if err := s.store.Insert(ctx, link); err != nil {
				res.Failed++
				reason := err.Error()
				if errors.Is(err, storage.ErrAlreadyExists) {
					reason = ErrCodeExists.Error()
				}
				res.Issues = append(res.Issues, ImportIssue{Code: link.Code, Reason: reason})
				continue
			}
			s.cache.Insert(link)
			res.Success++
		}
	}

	s.logger.Info("links imported",
		"success", res.Success,
		"failed", res.Failed,
		"overwrite", overwrite)
	return res, nil
}

// ExportLinks returns every stored record sorted by code.
func (s *LinkService) ExportLinks(ctx context.Context) ([]*model.Link, error) {
	all, err := s.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("export links: %w", err)
	}
	links := make([]*model.Link, 0, len(all))
	for _, link := range all {
		links = append(links, link)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Code < links[j].Code })
	return links, nil
}

// generateUniqueCode draws random codes until one is free in storage
// or the retry budget runs out.
func (s *LinkService) generateUniqueCode(ctx context.Context) (string, error) {
	for i0 := 0; i0 < maxCodeRetries; i0++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		_, err = s.store.Get(ctx, code)
		if errors.Is(err, storage.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("check code %q: %w", code, err)
		}
	}
	return "", fmt.Errorf("no free code after %d attempts", maxCodeRetries)
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("random index: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

func validateTarget(target string) error {
	if target == "" {
		return ErrInvalidTarget
	}
	if len(target) > maxTargetLength {
		return ErrTargetTooLong
	}
	u, err := url.Parse(target)
	if err != nil {
		return ErrInvalidTarget
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidTarget
	}
	if u.Host == "" {
		return ErrInvalidTarget
	}
	return nil
}
