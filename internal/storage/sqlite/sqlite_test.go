package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/storage"
	"github.com/shortlinker/shortlinker/internal/testutil"
)

func newTestStore(t *testing.T) (context.Context, *Store) {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := New(ctx, filepath.Join(t.TempDir(), "links.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return ctx, store
}

func TestSQLite_InsertAndGet(t *testing.T) {
	t.Parallel()
	ctx, store := newTestStore(t)

	expiresAt := time.Unix(1900000000, 0).UTC()
	link := &model.Link{
		Code:         "abc123",
		Target:       "https://example.com/x",
		CreatedAt:    time.Unix(1700000000, 123456789).UTC(),
		ExpiresAt:    &expiresAt,
		PasswordHash: "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		ClickCount:   7,
	}
	if err := store.Insert(ctx, link); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Target != link.Target {
		t.Errorf("Target = %q, want %q", got.Target, link.Target)
	}
	if !got.CreatedAt.Equal(link.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, link.CreatedAt)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expiresAt)
	}
	if got.PasswordHash != link.PasswordHash {
		t.Errorf("PasswordHash = %q, want %q", got.PasswordHash, link.PasswordHash)
	}
	if got.ClickCount != 7 {
		t.Errorf("ClickCount = %d, want 7", got.ClickCount)
	}
}

func TestSQLite_Get_NotFound(t *testing.T) {
	t.Parallel()
	ctx, store := newTestStore(t)

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestSQLite_NullFieldsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, store := newTestStore(t)

	link := testutil.NewTestLink(t, "plain")
	if err := store.Insert(ctx, link); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.Get(ctx, "plain")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", got.ExpiresAt)
	}
	if got.PasswordHash != "" {
		t.Errorf("PasswordHash = %q, want empty", got.PasswordHash)
	}
}

func TestSQLite_Insert_Duplicate(t *testing.T) {
	t.Parallel()
	ctx, store := newTestStore(t)

	if err := store.Insert(ctx, testutil.NewTestLink(t, "dup")); err != nil {
		t.Fatalf("Insert (first) failed: %v", err)
	}
	if err := store.Insert(ctx, testutil.NewTestLink(t, "dup")); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("Insert (second) error = %v, want ErrAlreadyExists", err)
	}
}

func TestSQLite_Upsert_Replaces(t *testing.T) {
	t.Parallel()
	ctx, store := newTestStore(t)

	link := testutil.NewTestLink(t, "up")
	if err := store.Upsert(ctx, link); err != nil {
		t.Fatalf("Upsert (create) failed: %v", err)
	}

	link.Target = "https://example.com/replaced"
	if err := store.Upsert(ctx, link); err != nil {
		t.Fatalf("Upsert (replace) failed: %v", err)
	}

	got, err := store.Get(ctx, "up")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Target != "https://example.com/replaced" {
		t.Errorf("Target = %q, want replaced value", got.Target)
	}
}

func TestSQLite_Remove(t *testing.T) {
	t.Parallel()
	ctx, store := newTestStore(t)

	if err := store.Insert(ctx, testutil.NewTestLink(t, "rm")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Remove(ctx, "rm"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.Get(ctx, "rm"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Remove: error = %v, want ErrNotFound", err)
	}
	if err := store.Remove(ctx, "rm"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Remove: error = %v, want ErrNotFound", err)
	}
}

func TestSQLite_LoadAllCountTotalClicks(t *testing.T) {
	t.Parallel()
	ctx, store := newTestStore(t)

	links := []*model.Link{
		{Code: "a", Target: "https://example.com/a", CreatedAt: time.Now().UTC(), ClickCount: 2},
		{Code: "b", Target: "https://example.com/b", CreatedAt: time.Now().UTC(), ClickCount: 3},
	}
	if err := store.BatchSet(ctx, links); err != nil {
		t.Fatalf("BatchSet failed: %v", err)
	}

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("LoadAll returned %d links, want 2", len(all))
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}

	total, err := store.TotalClicks(ctx)
	if err != nil {
		t.Fatalf("TotalClicks failed: %v", err)
	}
	if total != 5 {
		t.Errorf("TotalClicks = %d, want 5", total)
	}
}

func TestSQLite_BatchGetAndRemove(t *testing.T) {
	t.Parallel()
	ctx, store := newTestStore(t)

	if err := store.BatchSet(ctx, []*model.Link{
		testutil.NewTestLink(t, "b1"),
		testutil.NewTestLink(t, "b2"),
	}); err != nil {
		t.Fatalf("BatchSet failed: %v", err)
	}

	got, err := store.BatchGet(ctx, []string{"b1", "b2", "missing"})
	if err != nil {
		t.Fatalf("BatchGet failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("BatchGet returned %d links, want 2", len(got))
	}

	res, err := store.BatchRemove(ctx, []string{"b1", "missing"})
	if err != nil {
		t.Fatalf("BatchRemove failed: %v", err)
	}
	if len(res.Found) != 1 || res.Found[0] != "b1" {
		t.Errorf("Found = %v, want [b1]", res.Found)
	}
	if len(res.NotFound) != 1 || res.NotFound[0] != "missing" {
		t.Errorf("NotFound = %v, want [missing]", res.NotFound)
	}
}

func TestSQLite_FlushClicks(t *testing.T) {
	t.Parallel()
	ctx, store := newTestStore(t)

	if err := store.Insert(ctx, testutil.NewTestLink(t, "clicks")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	updates := []storage.ClickUpdate{
		{Code: "clicks", Delta: 3},
		{Code: "ghost", Delta: 9}, // skipped, not fatal
	}
	if err := store.FlushClicks(ctx, updates); err != nil {
		t.Fatalf("FlushClicks failed: %v", err)
	}
	if err := store.FlushClicks(ctx, []storage.ClickUpdate{{Code: "clicks", Delta: 2}}); err != nil {
		t.Fatalf("FlushClicks (second) failed: %v", err)
	}

	got, err := store.Get(ctx, "clicks")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ClickCount != 5 {
		t.Errorf("ClickCount = %d, want 5", got.ClickCount)
	}
}

func TestSQLite_RuntimeConfig(t *testing.T) {
	t.Parallel()
	ctx, store := newTestStore(t)

	entry := model.RuntimeConfigEntry{
		Key:             "click_flush_interval",
		Value:           "10s",
		ValueType:       model.ConfigTypeString,
		RequiresRestart: false,
		UpdatedAt:       time.Unix(1700000000, 0).UTC(),
	}
	if err := store.SetConfig(ctx, entry); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}

	got, err := store.GetConfig(ctx, entry.Key)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if got.Value != "10s" || got.ValueType != model.ConfigTypeString {
		t.Errorf("GetConfig = %+v, want %+v", got, entry)
	}
	if !got.UpdatedAt.Equal(entry.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, entry.UpdatedAt)
	}

	entry.Value = "30s"
	entry.IsSensitive = true
	if err := store.SetConfig(ctx, entry); err != nil {
		t.Fatalf("SetConfig (replace) failed: %v", err)
	}

	entries, err := store.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("LoadConfig returned %d entries, want 1", len(entries))
	}
	if entries[0].Value != "30s" || !entries[0].IsSensitive {
		t.Errorf("LoadConfig entry = %+v, want replaced sensitive entry", entries[0])
	}

	if _, err := store.GetConfig(ctx, "absent"); !errors.Is(err, storage.ErrConfigNotFound) {
		t.Errorf("GetConfig(absent) error = %v, want ErrConfigNotFound", err)
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "links.db")

	store, err := New(ctx, path, logger)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	if err := store.Insert(ctx, testutil.NewTestLink(t, "keep")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := New(ctx, path, logger)
	if err != nil {
		t.Fatalf("reopen sqlite store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Get(ctx, "keep"); err != nil {
		t.Errorf("Get after reopen failed: %v", err)
	}
}
