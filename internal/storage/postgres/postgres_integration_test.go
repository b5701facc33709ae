//go:build integration

package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/storage"
	"github.com/shortlinker/shortlinker/internal/testutil"
)

// ============================================================================
// Postgres Store Integration Tests
// ============================================================================

func TestIntegrationPostgres_InsertAndGet(t *testing.T) {
	ctx, store := newStoreTestEnv(t)

	code := testutil.UniqueCode("get")
	expiresAt := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	link := testutil.NewTestLinkWithExpiry(t, code, expiresAt)
	link.PasswordHash = "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"

	if err := store.Insert(ctx, link); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	retrieved, err := store.Get(ctx, code)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved.Target != link.Target {
		t.Errorf("Target mismatch: got %q, want %q", retrieved.Target, link.Target)
	}
	if retrieved.PasswordHash != link.PasswordHash {
		t.Errorf("PasswordHash mismatch: got %q, want %q", retrieved.PasswordHash, link.PasswordHash)
	}
	if retrieved.ExpiresAt == nil || !retrieved.ExpiresAt.Equal(expiresAt) {
		t.Errorf("ExpiresAt mismatch: got %v, want %v", retrieved.ExpiresAt, expiresAt)
	}
	if retrieved.ClickCount != 0 {
		t.Errorf("ClickCount = %d, want 0", retrieved.ClickCount)
	}
}

func TestIntegrationPostgres_Get_NotFound(t *testing.T) {
	ctx, store := newStoreTestEnv(t)

	_, err := store.Get(ctx, "nonexistent-code")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got: %v", err)
	}
}

func TestIntegrationPostgres_Insert_Duplicate(t *testing.T) {
	ctx, store := newStoreTestEnv(t)

	code := testutil.UniqueCode("dup")
	if err := store.Insert(ctx, testutil.NewTestLink(t, code)); err != nil {
		t.Fatalf("Insert (first) failed: %v", err)
	}

	err := store.Insert(ctx, testutil.NewTestLink(t, code))
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got: %v", err)
	}
}

func TestIntegrationPostgres_Upsert_Replaces(t *testing.T) {
	ctx, store := newStoreTestEnv(t)

	code := testutil.UniqueCode("upsert")
	link := testutil.NewTestLink(t, code)
	if err := store.Upsert(ctx, link); err != nil {
		t.Fatalf("Upsert (create) failed: %v", err)
	}

	link.Target = "https://example.com/replaced"
	if err := store.Upsert(ctx, link); err != nil {
		t.Fatalf("Upsert (replace) failed: %v", err)
	}

	retrieved, err := store.Get(ctx, code)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved.Target != "https://example.com/replaced" {
		t.Errorf("Target = %q, want replaced value", retrieved.Target)
	}
}

func TestIntegrationPostgres_Remove(t *testing.T) {
	ctx, store := newStoreTestEnv(t)

	code := testutil.UniqueCode("rm")
	if err := store.Insert(ctx, testutil.NewTestLink(t, code)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := store.Remove(ctx, code); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.Get(ctx, code); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Remove: expected ErrNotFound, got %v", err)
	}
	if err := store.Remove(ctx, code); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Remove: expected ErrNotFound, got %v", err)
	}
}

func TestIntegrationPostgres_LoadAllAndCount(t *testing.T) {
	ctx, store := newStoreTestEnv(t)

	codes := []string{testutil.UniqueCode("a"), testutil.UniqueCode("b"), testutil.UniqueCode("c")}
	for _, code := range codes {
		if err := store.Insert(ctx, testutil.NewTestLink(t, code)); err != nil {
			t.Fatalf("Insert %s failed: %v", code, err)
		}
	}

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(all) != len(codes) {
		t.Errorf("LoadAll returned %d links, want %d", len(all), len(codes))
	}
	for _, code := range codes {
		if _, ok := all[code]; !ok {
			t.Errorf("LoadAll missing code %q", code)
		}
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != int64(len(codes)) {
		t.Errorf("Count = %d, want %d", n, len(codes))
	}
}

func TestIntegrationPostgres_BatchOperations(t *testing.T) {
	ctx, store := newStoreTestEnv(t)

	links := []*model.Link{
		testutil.NewTestLink(t, testutil.UniqueCode("b1")),
		testutil.NewTestLink(t, testutil.UniqueCode("b2")),
		testutil.NewTestLink(t, testutil.UniqueCode("b3")),
	}
	if err := store.BatchSet(ctx, links); err != nil {
		t.Fatalf("BatchSet failed: %v", err)
	}

	codes := []string{links[0].Code, links[1].Code, "missing-code"}
	got, err := store.BatchGet(ctx, codes)
	if err != nil {
		t.Fatalf("BatchGet failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("BatchGet returned %d links, want 2", len(got))
	}
	if _, ok := got["missing-code"]; ok {
		t.Error("BatchGet should not include missing codes")
	}

	res, err := store.BatchRemove(ctx, codes)
	if err != nil {
		t.Fatalf("BatchRemove failed: %v", err)
	}
	if len(res.Found) != 2 {
		t.Errorf("BatchRemove Found = %v, want 2 entries", res.Found)
	}
	if len(res.NotFound) != 1 || res.NotFound[0] != "missing-code" {
		t.Errorf("BatchRemove NotFound = %v, want [missing-code]", res.NotFound)
	}
}

func TestIntegrationPostgres_FlushClicks(t *testing.T) {
	ctx, store := newStoreTestEnv(t)

	code := testutil.UniqueCode("clicks")
	if err := store.Insert(ctx, testutil.NewTestLink(t, code)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	updates := []storage.ClickUpdate{
		{Code: code, Delta: 3},
		{Code: "deleted-code", Delta: 7}, // must be skipped, not fatal
	}
	if err := store.FlushClicks(ctx, updates); err != nil {
		t.Fatalf("FlushClicks failed: %v", err)
	}
	if err := store.FlushClicks(ctx, []storage.ClickUpdate{{Code: code, Delta: 2}}); err != nil {
		t.Fatalf("FlushClicks (second) failed: %v", err)
	}

	retrieved, err := store.Get(ctx, code)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved.ClickCount != 5 {
		t.Errorf("ClickCount = %d, want 5", retrieved.ClickCount)
	}

	total, err := store.TotalClicks(ctx)
	if err != nil {
		t.Fatalf("TotalClicks failed: %v", err)
	}
	if total != 5 {
		t.Errorf("TotalClicks = %d, want 5", total)
	}
}

func TestIntegrationPostgres_RuntimeConfig(t *testing.T) {
	ctx, store := newStoreTestEnv(t)

	entry := model.RuntimeConfigEntry{
		Key:       "default_redirect_url",
		Value:     "https://example.com/404",
		ValueType: model.ConfigTypeString,
		UpdatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.SetConfig(ctx, entry); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}

	got, err := store.GetConfig(ctx, entry.Key)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if got.Value != entry.Value || got.ValueType != entry.ValueType {
		t.Errorf("GetConfig = %+v, want %+v", got, entry)
	}

	entry.Value = "https://example.com/new"
	if err := store.SetConfig(ctx, entry); err != nil {
		t.Fatalf("SetConfig (replace) failed: %v", err)
	}

	entries, err := store.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Value != "https://example.com/new" {
		t.Errorf("LoadConfig = %+v, want single replaced entry", entries)
	}

	if _, err := store.GetConfig(ctx, "absent_key"); !errors.Is(err, storage.ErrConfigNotFound) {
		t.Errorf("Expected ErrConfigNotFound, got: %v", err)
	}
}

// ============================================================================
// Test Environment Setup
// ============================================================================

func newStoreTestEnv(t *testing.T) (context.Context, *Store) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}

	ctx := context.Background()
	dbURL := testutil.RequireEnv(t, "DATABASE_URL")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := New(ctx, dbURL, logger)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	unlock, err := testutil.AcquireDBLock(ctx, store.Pool())
	if err != nil {
		t.Fatalf("acquire db lock: %v", err)
	}
	t.Cleanup(func() {
		_ = unlock()
	})

	if err := testutil.TruncateStorage(ctx, store.Pool()); err != nil {
		t.Fatalf("truncate storage: %v", err)
	}

	return ctx, store
}
