package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/forma/internal/errors"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func adapters(t *testing.T) map[string]Adapter {
	t.Helper()
	cached, err := NewCached(NewMemory(), 4)
	if err != nil {
		t.Fatalf("NewCached() error = %v", err)
	}
	cachedSQLite, err := NewCached(openTestSQLite(t), 0)
	if err != nil {
		t.Fatalf("NewCached() error = %v", err)
	}
	return map[string]Adapter{
		"memory":        NewMemory(),
		"sqlite":        openTestSQLite(t),
		"cached-memory": cached,
		"cached-sqlite": cachedSQLite,
	}
}

func TestOpenSQLite(t *testing.T) {
	tmpDir := t.TempDir()

	s, err := OpenSQLite(tmpDir)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, DBFileName)); os.IsNotExist(err) {
		t.Errorf("database file not created")
	}
	info, err := os.Stat(filepath.Join(tmpDir, "exports"))
	if err != nil || !info.IsDir() {
		t.Errorf("exports directory not created: %v", err)
	}

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %s, want wal", journalMode)
	}

	version, err := GetUserVersion(s.db)
	if err != nil {
		t.Fatalf("GetUserVersion() error = %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, CurrentSchemaVersion)
	}
}

func TestOpenSQLite_Reopen(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	s, err := OpenSQLite(tmpDir)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(tmpDir)
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(got))
}

func TestAdapter_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := a.Get(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, a.Set(ctx, "k", []byte("one")))
			require.NoError(t, a.Set(ctx, "k", []byte("two")))

			got, ok, err := a.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "two", string(got))

			require.NoError(t, a.Delete(ctx, "k"))
			require.NoError(t, a.Delete(ctx, "k"))

			_, ok, err = a.Get(ctx, "k")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestAdapter_Apply(t *testing.T) {
	ctx := context.Background()
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.Set(ctx, "gone", []byte("x")))

			require.NoError(t, a.Apply(ctx,
				Op{Key: "a", Value: []byte("1")},
				Op{Key: "b", Value: []byte("2")},
				Remove("gone"),
			))

			for key, want := range map[string]string{"a": "1", "b": "2"} {
				got, ok, err := a.Get(ctx, key)
				require.NoError(t, err)
				require.True(t, ok, key)
				require.Equal(t, want, string(got))
			}
			_, ok, err := a.Get(ctx, "gone")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, a.Apply(ctx))
		})
	}
}

type payload struct {
	Name  string    `json:"name"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

func TestLoadSave_RoundTrip(t *testing.T) {
	ctx := context.Background()
	want := []payload{
		{Name: "a", Count: 1, At: time.Date(2026, 3, 10, 9, 30, 0, 123, time.UTC)},
		{Name: "b", Count: 2, At: time.Date(2026, 3, 11, 9, 30, 0, 0, time.UTC)},
	}

	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, Save(ctx, a, "list", want))

			got, ok, err := Load[[]payload](ctx, a, "list")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, want, got)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	got, ok, err := Load[[]payload](context.Background(), NewMemory(), "none")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestLoad_CorruptValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "bad", []byte("{not json")))

	_, _, err := Load[[]payload](ctx, m, "bad")
	if !errors.Is(err, errors.ErrStorageFailure) {
		t.Fatalf("Load() error = %v, want STORAGE_FAILURE", err)
	}
}

func TestSQLite_ClosedReturnsStorageFailure(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v")); !errors.Is(err, errors.ErrStorageFailure) {
		t.Errorf("Set() error = %v, want STORAGE_FAILURE", err)
	}
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, errors.ErrStorageFailure) {
		t.Errorf("Get() error = %v, want STORAGE_FAILURE", err)
	}
	if err := s.Apply(ctx, Op{Key: "k", Value: []byte("v")}); !errors.Is(err, errors.ErrStorageFailure) {
		t.Errorf("Apply() error = %v, want STORAGE_FAILURE", err)
	}
}

func TestMemory_CopiesValues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	buf := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", buf))
	buf[0] = 'z'

	got, _, _ := m.Get(ctx, "k")
	require.Equal(t, "abc", string(got))
	got[0] = 'y'

	again, _, _ := m.Get(ctx, "k")
	require.Equal(t, "abc", string(again))
	require.Equal(t, []string{"k"}, m.Keys())
}
