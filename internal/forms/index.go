// Package forms is the form metadata index: the in-memory collection of form
// records, persisted as one value under form.MetadataKey.
package forms

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/forma/internal/errors"
	"github.com/hpungsan/forma/internal/form"
	"github.com/hpungsan/forma/internal/kv"
	"github.com/hpungsan/forma/internal/sequence"
)

// Index owns the canonical collection of form records, most recent first.
// Mutations persist the whole collection; the in-memory copy is replaced only
// after the write succeeds.
type Index struct {
	mu      sync.RWMutex
	store   kv.Adapter
	seq     *sequence.Allocator
	records []form.Record
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithClock overrides the time source used for createdAt and lastModified.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) { ix.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		if logger != nil {
			ix.logger = logger
		}
	}
}

// Open loads the index from store.
func Open(ctx context.Context, store kv.Adapter, seq *sequence.Allocator, opts ...Option) (*Index, error) {
	ix := &Index{
		store:  store,
		seq:    seq,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	if err := ix.Reload(ctx); err != nil {
		return nil, err
	}
	return ix, nil
}

// Reload replaces the in-memory collection with the persisted one.
// Callers use it to recover authoritative state after a STORAGE_FAILURE.
func (ix *Index) Reload(ctx context.Context) error {
	records, _, err := kv.Load[[]form.Record](ctx, ix.store, form.MetadataKey)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	ix.records = records
	ix.mu.Unlock()
	return nil
}

// Create allocates a form number and id, stamps the record, and inserts it at
// the head of the collection.
func (ix *Index) Create(ctx context.Context, fields form.Fields) (form.Record, error) {
	if err := fields.Validate(); err != nil {
		return form.Record{}, err
	}
	status, _ := form.ParseStatus(string(fields.Status))

	ix.mu.Lock()
	defer ix.mu.Unlock()

	n, err := ix.seq.Next(ctx)
	if err != nil {
		return form.Record{}, err
	}
	id, err := form.NewID()
	if err != nil {
		return form.Record{}, err
	}

	now := ix.stamp()
	title := strings.TrimSpace(fields.Title)
	if title == "" {
		title = form.DefaultTitle(n)
	}
	rec := form.Record{
		ID:           id,
		FormNumber:   n,
		Title:        title,
		Client:       strings.TrimSpace(fields.Client),
		Category:     strings.TrimSpace(fields.Category),
		Status:       status,
		PlannedDate:  strings.TrimSpace(fields.PlannedDate),
		Notes:        fields.Notes,
		CreatedAt:    now,
		LastModified: now,
	}

	next := make([]form.Record, 0, len(ix.records)+1)
	next = append(next, rec)
	next = append(next, ix.records...)
	if err := ix.commit(ctx, next); err != nil {
		return form.Record{}, err
	}

	ix.logger.Info("form created", "id", rec.ID, "number", rec.FormNumber)
	return rec, nil
}

// Update merges patch into the record and bumps lastModified.
func (ix *Index) Update(ctx context.Context, id string, patch form.Patch) (form.Record, error) {
	if err := patch.Validate(); err != nil {
		return form.Record{}, err
	}
	return ix.mutate(ctx, id, func(r *form.Record) {
		patch.Apply(r)
	})
}

// ToggleFavorite flips the favorite flag.
func (ix *Index) ToggleFavorite(ctx context.Context, id string) (form.Record, error) {
	return ix.mutate(ctx, id, func(r *form.Record) {
		r.IsFavorite = !r.IsFavorite
	})
}

// CommitNoteCount sets noteCount for formID and persists the collection in the
// same atomic batch as ops. The note store uses it so a segment write and the
// count it implies are never observed apart.
func (ix *Index) CommitNoteCount(ctx context.Context, formID string, count int, ops ...kv.Op) (form.Record, error) {
	return ix.mutate(ctx, formID, func(r *form.Record) {
		r.NoteCount = count
	}, ops...)
}

// Delete removes the record and its segment collection in one batch.
// It performs no confirmation; callers confirm before calling.
func (ix *Index) Delete(ctx context.Context, id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	i := ix.find(id)
	if i < 0 {
		return errors.NewNotFound("form", id)
	}

	next := slices.Delete(slices.Clone(ix.records), i, i+1)
	if err := ix.commit(ctx, next, form.SegmentRemoveOps(id)...); err != nil {
		return err
	}

	ix.logger.Info("form deleted", "id", id)
	return nil
}

// Import inserts records as-is, replacing any record with the same id, and
// persists them with ops in one batch. The sequence counter is raised past
// every imported form number. New records go to the head in the given order.
func (ix *Index) Import(ctx context.Context, records []form.Record, ops ...kv.Op) error {
	if len(records) == 0 && len(ops) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	var highest int64
	for _, rec := range records {
		highest = max(highest, rec.FormNumber)
	}
	if err := ix.seq.Observe(ctx, highest); err != nil {
		return err
	}

	next := slices.Clone(ix.records)
	var added []form.Record
	for _, rec := range records {
		if i := slices.IndexFunc(next, func(r form.Record) bool { return r.ID == rec.ID }); i >= 0 {
			next[i] = rec
			continue
		}
		added = append(added, rec)
	}
	next = append(added, next...)

	if err := ix.commit(ctx, next, ops...); err != nil {
		return err
	}
	ix.logger.Info("forms imported", "count", len(records))
	return nil
}

// Get returns the record with the given id.
func (ix *Index) Get(id string) (form.Record, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	i := ix.find(id)
	if i < 0 {
		return form.Record{}, errors.NewNotFound("form", id)
	}
	return ix.records[i], nil
}

// Exists reports whether a record with the given id is in the index.
func (ix *Index) Exists(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.find(id) >= 0
}

// FindByNumber returns the record with the given form number.
func (ix *Index) FindByNumber(n int64) (form.Record, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for _, r := range ix.records {
		if r.FormNumber == n {
			return r, nil
		}
	}
	return form.Record{}, errors.NewNotFound("form", form.DefaultTitle(n))
}

// List returns a copy of the collection in stored order.
func (ix *Index) List() []form.Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.records)
}

// Filter applies q to the collection. See form.Filter.
func (ix *Index) Filter(q form.Query) []form.Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return form.Filter(ix.records, q)
}

// TodayTasks returns records planned for now's calendar day that are not completed.
func (ix *Index) TodayTasks(now time.Time) []form.Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return form.DueToday(ix.records, now)
}

// Categories returns the distinct non-empty categories, sorted.
func (ix *Index) Categories() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []string
	for _, r := range ix.records {
		if r.Category != "" {
			out = append(out, r.Category)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (ix *Index) mutate(ctx context.Context, id string, fn func(*form.Record), ops ...kv.Op) (form.Record, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	i := ix.find(id)
	if i < 0 {
		return form.Record{}, errors.NewNotFound("form", id)
	}

	next := slices.Clone(ix.records)
	fn(&next[i])
	next[i].LastModified = ix.stamp()

	if err := ix.commit(ctx, next, ops...); err != nil {
		return form.Record{}, err
	}
	return next[i], nil
}

// commit persists records together with ops and swaps them in on success.
// Caller must hold ix.mu.
func (ix *Index) commit(ctx context.Context, records []form.Record, ops ...kv.Op) error {
	meta, err := kv.Put(form.MetadataKey, records)
	if err != nil {
		return err
	}
	if err := ix.store.Apply(ctx, append([]kv.Op{meta}, ops...)...); err != nil {
		ix.logger.Error("persist forms failed", "error", err)
		return err
	}
	ix.records = records
	return nil
}

func (ix *Index) find(id string) int {
	return slices.IndexFunc(ix.records, func(r form.Record) bool { return r.ID == id })
}

// stamp returns the current time in UTC so persisted values round-trip exactly.
func (ix *Index) stamp() time.Time {
	return ix.now().UTC()
}
