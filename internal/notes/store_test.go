package notes

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/forma/internal/errors"
	"github.com/hpungsan/forma/internal/form"
	"github.com/hpungsan/forma/internal/forms"
	"github.com/hpungsan/forma/internal/kv"
	"github.com/hpungsan/forma/internal/sequence"
)

type flakyStore struct {
	*kv.Memory
	fail bool
}

func (f *flakyStore) Apply(ctx context.Context, ops ...kv.Op) error {
	if f.fail {
		return errors.NewStorageFailure("apply", ops[0].Key, fmt.Errorf("quota exceeded"))
	}
	return f.Memory.Apply(ctx, ops...)
}

type fixture struct {
	store kv.Adapter
	index *forms.Index
	notes *Store
}

func newFixture(t *testing.T, store kv.Adapter) fixture {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	index, err := forms.Open(ctx, store, sequence.New(store, nil), forms.WithClock(clock))
	if err != nil {
		t.Fatalf("forms.Open() error = %v", err)
	}
	return fixture{
		store: store,
		index: index,
		notes: NewStore(store, index, WithClock(clock)),
	}
}

func (f fixture) newForm(t *testing.T) form.Record {
	t.Helper()
	rec, err := f.index.Create(context.Background(), form.Fields{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return rec
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	rec := f.newForm(t)

	seg, err := f.notes.Append(ctx, rec.ID, "  hello world \n", form.SourceDictation)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if seg.Text != "hello world" {
		t.Errorf("Text = %q, want %q", seg.Text, "hello world")
	}
	if seg.Number != 1 {
		t.Errorf("Number = %d, want 1", seg.Number)
	}
	if seg.FormID != rec.ID {
		t.Errorf("FormID = %q, want %q", seg.FormID, rec.ID)
	}
	if seg.IsImportant {
		t.Error("new segment should not be important")
	}

	got, _ := f.index.Get(rec.ID)
	if got.NoteCount != 1 {
		t.Errorf("NoteCount = %d, want 1", got.NoteCount)
	}
	if !got.LastModified.After(rec.LastModified) {
		t.Error("Append should bump lastModified")
	}
}

func TestAppend_HeadInsertionAndNumbers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	rec := f.newForm(t)

	first, err := f.notes.Append(ctx, rec.ID, "hello world", form.SourceDictation)
	require.NoError(t, err)
	second, err := f.notes.Append(ctx, rec.ID, "again", form.SourceDictation)
	require.NoError(t, err)

	require.Equal(t, 1, first.Number)
	require.Equal(t, 2, second.Number)
	require.NotEqual(t, first.ID, second.ID)

	list, err := f.notes.List(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, []string{second.ID, first.ID}, []string{list[0].ID, list[1].ID})

	got, _ := f.index.Get(rec.ID)
	require.Equal(t, 2, got.NoteCount)
}

func TestAppend_WhitespaceOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	rec := f.newForm(t)

	_, err := f.notes.Append(ctx, rec.ID, "  ", form.SourceTyped)
	if !errors.Is(err, errors.ErrEmptyText) {
		t.Fatalf("Append() error = %v, want EMPTY_TEXT", err)
	}

	list, _ := f.notes.List(ctx, rec.ID)
	if len(list) != 0 {
		t.Errorf("stored segments = %d, want 0", len(list))
	}
	got, _ := f.index.Get(rec.ID)
	if got.NoteCount != 0 || !got.LastModified.Equal(rec.LastModified) {
		t.Errorf("record changed: %+v", got)
	}
}

func TestAppend_UnknownForm(t *testing.T) {
	f := newFixture(t, kv.NewMemory())

	_, err := f.notes.Append(context.Background(), "missing", "text", form.SourceTyped)
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("Append() error = %v, want NOT_FOUND", err)
	}
}

func TestAppend_NumberSkipsRemovedMax(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	rec := f.newForm(t)

	a, _ := f.notes.Append(ctx, rec.ID, "a", form.SourceTyped)
	b, _ := f.notes.Append(ctx, rec.ID, "b", form.SourceTyped)
	require.NoError(t, f.notes.Remove(ctx, rec.ID, a.ID))

	c, err := f.notes.Append(ctx, rec.ID, "c", form.SourceTyped)
	require.NoError(t, err)
	require.Equal(t, b.Number+1, c.Number)
}

func TestAppend_StorageFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: kv.NewMemory()}
	f := newFixture(t, store)
	rec := f.newForm(t)

	store.fail = true
	_, err := f.notes.Append(ctx, rec.ID, "lost", form.SourceDictation)
	if !errors.Is(err, errors.ErrStorageFailure) {
		t.Fatalf("Append() error = %v, want STORAGE_FAILURE", err)
	}
	store.fail = false

	list, err := f.notes.List(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, list)
	got, _ := f.index.Get(rec.ID)
	require.Equal(t, 0, got.NoteCount)
}

func TestToggleImportant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	rec := f.newForm(t)
	seg, _ := f.notes.Append(ctx, rec.ID, "flag me", form.SourceTyped)

	toggled, ok, err := f.notes.ToggleImportant(ctx, rec.ID, seg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, toggled.IsImportant)

	got, err := f.notes.Get(ctx, rec.ID, seg.ID)
	require.NoError(t, err)
	require.True(t, got.IsImportant)

	toggled, _, _ = f.notes.ToggleImportant(ctx, rec.ID, seg.ID)
	require.False(t, toggled.IsImportant)
}

func TestToggleImportant_MissingSegmentIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	rec := f.newForm(t)

	_, ok, err := f.notes.ToggleImportant(ctx, rec.ID, "gone")
	require.NoError(t, err)
	require.False(t, ok)

	_, exists, _ := f.store.Get(ctx, form.SegmentsKey(rec.ID))
	require.False(t, exists, "no-op toggle must not write")
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	rec := f.newForm(t)
	a, _ := f.notes.Append(ctx, rec.ID, "a", form.SourceTyped)
	b, _ := f.notes.Append(ctx, rec.ID, "b", form.SourceTyped)

	require.NoError(t, f.notes.Remove(ctx, rec.ID, a.ID))

	list, _ := f.notes.List(ctx, rec.ID)
	require.Len(t, list, 1)
	require.Equal(t, b.ID, list[0].ID)
	got, _ := f.index.Get(rec.ID)
	require.Equal(t, 1, got.NoteCount)

	err := f.notes.Remove(ctx, rec.ID, a.ID)
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestListForDisplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	rec := f.newForm(t)

	var ids []string
	for _, text := range []string{"one", "two", "three", "four"} {
		seg, err := f.notes.Append(ctx, rec.ID, text, form.SourceTyped)
		require.NoError(t, err)
		ids = append(ids, seg.ID)
	}
	// stored: four, three, two, one
	_, _, err := f.notes.ToggleImportant(ctx, rec.ID, ids[0])
	require.NoError(t, err)
	_, _, err = f.notes.ToggleImportant(ctx, rec.ID, ids[2])
	require.NoError(t, err)

	texts := func(seq func(func(form.Segment) bool)) []string {
		var out []string
		for s := range seq {
			out = append(out, s.Text)
		}
		return out
	}

	byInsertion, err := f.notes.ListForDisplay(ctx, rec.ID, form.OrderInsertion)
	require.NoError(t, err)
	require.Equal(t, []string{"four", "three", "two", "one"}, texts(byInsertion))

	byImportance, err := f.notes.ListForDisplay(ctx, rec.ID, form.OrderImportance)
	require.NoError(t, err)
	want := []string{"three", "one", "four", "two"}
	require.Equal(t, want, texts(byImportance))
	// Restartable
	require.Equal(t, want, texts(byImportance))

	// Storage order is untouched by the display order
	stored, _ := f.notes.List(ctx, rec.ID)
	got := make([]string, 0, len(stored))
	for _, s := range stored {
		got = append(got, s.Text)
	}
	require.Equal(t, []string{"four", "three", "two", "one"}, got)
}

func TestLegacyKeyFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	rec := f.newForm(t)

	legacy := []form.Segment{
		{ID: "b", Text: "newer", CreatedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		{ID: "a", Text: "older", CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, kv.Save(ctx, f.store, form.LegacySegmentsKey(rec.ID), legacy))

	list, err := f.notes.List(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, 2, list[0].Number)
	require.Equal(t, 1, list[1].Number)
	require.Equal(t, rec.ID, list[0].FormID)

	seg, err := f.notes.Append(ctx, rec.ID, "fresh", form.SourceTyped)
	require.NoError(t, err)
	require.Equal(t, 3, seg.Number)

	// The first write moves the collection to the canonical key
	_, ok, _ := f.store.Get(ctx, form.LegacySegmentsKey(rec.ID))
	require.False(t, ok)
	moved, ok, err := kv.Load[[]form.Segment](ctx, f.store, form.SegmentsKey(rec.ID))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, moved, 3)
}

func TestDeleteAllForForm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	rec := f.newForm(t)
	_, _ = f.notes.Append(ctx, rec.ID, "a", form.SourceTyped)
	require.NoError(t, kv.Save(ctx, f.store, form.LegacySegmentsKey(rec.ID), []form.Segment{{ID: "x", Text: "old"}}))

	require.NoError(t, f.notes.DeleteAllForForm(ctx, rec.ID))

	for _, key := range form.SegmentKeys(rec.ID) {
		_, ok, _ := f.store.Get(ctx, key)
		require.False(t, ok, key)
	}
	got, _ := f.index.Get(rec.ID)
	require.Equal(t, 0, got.NoteCount)

	// Orphaned collections can be removed too
	require.NoError(t, kv.Save(ctx, f.store, form.SegmentsKey("orphan"), []form.Segment{{ID: "y", Text: "z"}}))
	require.NoError(t, f.notes.DeleteAllForForm(ctx, "orphan"))
	_, ok, _ := f.store.Get(ctx, form.SegmentsKey("orphan"))
	require.False(t, ok)
}

func TestDeleteForm_LeavesNoResidualSegments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	rec := f.newForm(t)
	_, _ = f.notes.Append(ctx, rec.ID, "a", form.SourceTyped)
	_, _ = f.notes.Append(ctx, rec.ID, "b", form.SourceTyped)

	require.NoError(t, f.index.Delete(ctx, rec.ID))

	list, err := f.notes.List(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, list)
	require.False(t, slices.ContainsFunc(f.index.List(), func(r form.Record) bool { return r.ID == rec.ID }))
}

func TestSegmentRoundTrip_SQLite(t *testing.T) {
	ctx := context.Background()
	s, err := kv.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	f := newFixture(t, s)
	rec := f.newForm(t)
	seg, err := f.notes.Append(ctx, rec.ID, "round trip", form.SourceDictation)
	require.NoError(t, err)

	got, err := f.notes.Get(ctx, rec.ID, seg.ID)
	require.NoError(t, err)
	require.Equal(t, seg, got)
}
