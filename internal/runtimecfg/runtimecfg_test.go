package runtimecfg

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubConfigStore is an in-memory ConfigStore for projection tests.
type stubConfigStore struct {
	entries map[string]model.RuntimeConfigEntry
	loadErr error
	setErr  error
}

func newStubConfigStore() *stubConfigStore {
	return &stubConfigStore{entries: make(map[string]model.RuntimeConfigEntry)}
}

func (s *stubConfigStore) LoadConfig(ctx context.Context) ([]model.RuntimeConfigEntry, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]model.RuntimeConfigEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *stubConfigStore) GetConfig(ctx context.Context, key string) (*model.RuntimeConfigEntry, error) {
	e, ok := s.entries[key]
	if !ok {
		return nil, storage.ErrConfigNotFound
	}
	return &e, nil
}

func (s *stubConfigStore) SetConfig(ctx context.Context, entry model.RuntimeConfigEntry) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.entries[entry.Key] = entry
	return nil
}

func TestConfig_Load_ProjectsStoreEntries(t *testing.T) {
	t.Parallel()

	store := newStubConfigStore()
	store.entries[KeyDefaultRedirectURL] = model.RuntimeConfigEntry{
		Key:       KeyDefaultRedirectURL,
		Value:     "https://fallback.example",
		ValueType: model.ConfigTypeString,
	}
	store.entries["bogus"] = model.RuntimeConfigEntry{
		Key:       "bogus",
		Value:     "x",
		ValueType: model.ConfigValueType("complex128"),
	}

	cfg := New(store, discardLogger())
	if err := cfg.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := cfg.GetString(KeyDefaultRedirectURL, ""); got != "https://fallback.example" {
		t.Errorf("GetString = %q, want the loaded value", got)
	}
	if _, ok := cfg.Get("bogus"); ok {
		t.Error("entry with unknown value type should be skipped")
	}
}

func TestConfig_Load_NilStoreSucceeds(t *testing.T) {
	t.Parallel()

	cfg := New(nil, discardLogger())
	if err := cfg.Load(context.Background()); err != nil {
		t.Fatalf("Load with nil store should succeed, got %v", err)
	}
	if got := cfg.GetInt(KeyClickFlushThreshold, 500); got != 500 {
		t.Errorf("GetInt = %d, want caller default 500", got)
	}
}

func TestConfig_Load_StoreError(t *testing.T) {
	t.Parallel()

	store := newStubConfigStore()
	store.loadErr = errors.New("disk gone")

	cfg := New(store, discardLogger())
	if err := cfg.Load(context.Background()); err == nil {
		t.Fatal("Load should propagate store errors")
	}
}

func TestConfig_TypedAccessors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := New(nil, discardLogger())

	seed := []model.RuntimeConfigEntry{
		{Key: "s", Value: "hello", ValueType: model.ConfigTypeString},
		{Key: "i", Value: "42", ValueType: model.ConfigTypeInt},
		{Key: "u", Value: "18446744073709551615", ValueType: model.ConfigTypeUint64},
		{Key: "b", Value: "true", ValueType: model.ConfigTypeBool},
		{Key: "f", Value: "0.001", ValueType: model.ConfigTypeString},
		{Key: "broken", Value: "not-a-number", ValueType: model.ConfigTypeInt},
	}
	for _, e := range seed {
		if err := cfg.Set(ctx, e); err != nil {
			t.Fatalf("Set(%q) failed: %v", e.Key, err)
		}
	}

	if got := cfg.GetString("s", "x"); got != "hello" {
		t.Errorf("GetString = %q, want hello", got)
	}
	if got := cfg.GetInt("i", 0); got != 42 {
		t.Errorf("GetInt = %d, want 42", got)
	}
	if got := cfg.GetUint64("u", 0); got != 18446744073709551615 {
		t.Errorf("GetUint64 = %d, want max uint64", got)
	}
	if got := cfg.GetBool("b", false); !got {
		t.Error("GetBool = false, want true")
	}
	if got := cfg.GetFloat64("f", 1); got != 0.001 {
		t.Errorf("GetFloat64 = %v, want 0.001", got)
	}
	if got := cfg.GetInt("broken", 7); got != 7 {
		t.Errorf("GetInt on malformed value = %d, want default 7", got)
	}
	if got := cfg.GetInt("missing", 9); got != 9 {
		t.Errorf("GetInt on missing key = %d, want default 9", got)
	}
}

func TestConfig_GetDuration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := New(nil, discardLogger())

	tests := []struct {
		name  string
		key   string
		value string
		want  time.Duration
	}{
		{name: "duration syntax", key: "d1", value: "45s", want: 45 * time.Second},
		{name: "compound duration", key: "d2", value: "1m30s", want: 90 * time.Second},
		{name: "plain integer seconds", key: "d3", value: "30", want: 30 * time.Second},
		{name: "garbage falls back", key: "d4", value: "soon", want: 5 * time.Minute},
	}

	for _, tt := range tests {
		if err := cfg.Set(ctx, model.RuntimeConfigEntry{
			Key: tt.key, Value: tt.value, ValueType: model.ConfigTypeString,
		}); err != nil {
			t.Fatalf("Set(%q) failed: %v", tt.key, err)
		}
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := cfg.GetDuration(tt.key, 5*time.Minute); got != tt.want {
				t.Errorf("GetDuration(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestConfig_Set_WritesThrough(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStubConfigStore()
	cfg := New(store, discardLogger())

	entry := model.RuntimeConfigEntry{
		Key:       KeyNegativeCacheTTL,
		Value:     "60s",
		ValueType: model.ConfigTypeString,
	}
	if err := cfg.Set(ctx, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	persisted, ok := store.entries[KeyNegativeCacheTTL]
	if !ok {
		t.Fatal("Set did not persist to the backing store")
	}
	if persisted.UpdatedAt.IsZero() {
		t.Error("Set should stamp UpdatedAt")
	}
	if got := cfg.GetDuration(KeyNegativeCacheTTL, 0); got != 60*time.Second {
		t.Errorf("snapshot not updated, GetDuration = %v", got)
	}
}

func TestConfig_Set_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := New(nil, discardLogger())

	if err := cfg.Set(ctx, model.RuntimeConfigEntry{Value: "x", ValueType: model.ConfigTypeString}); err == nil {
		t.Error("Set with empty key should fail")
	}
	if err := cfg.Set(ctx, model.RuntimeConfigEntry{Key: "k", Value: "x", ValueType: "blob"}); err == nil {
		t.Error("Set with unknown value type should fail")
	}
}

func TestConfig_Set_StoreFailureDoesNotUpdateSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStubConfigStore()
	store.setErr = errors.New("read-only filesystem")
	cfg := New(store, discardLogger())

	err := cfg.Set(ctx, model.RuntimeConfigEntry{
		Key: "k", Value: "v", ValueType: model.ConfigTypeString,
	})
	if err == nil {
		t.Fatal("Set should fail when the store write fails")
	}
	if _, ok := cfg.Get("k"); ok {
		t.Error("snapshot must not change when persistence failed")
	}
}

func TestConfig_Entries_SortedAndCopied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := New(nil, discardLogger())
	for _, k := range []string{"zeta", "alpha", "mid"} {
		if err := cfg.Set(ctx, model.RuntimeConfigEntry{
			Key: k, Value: "v", ValueType: model.ConfigTypeString,
		}); err != nil {
			t.Fatalf("Set(%q) failed: %v", k, err)
		}
	}

	entries := cfg.Entries()
	if len(entries) != 3 {
		t.Fatalf("Entries returned %d items, want 3", len(entries))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, e := range entries {
		if e.Key != want[i] {
			t.Errorf("Entries[%d].Key = %q, want %q", i, e.Key, want[i])
		}
	}

	entries[0].Value = "mutated"
	if got := cfg.GetString("alpha", ""); got == "mutated" {
		t.Error("mutating the returned slice must not affect the snapshot")
	}
}
