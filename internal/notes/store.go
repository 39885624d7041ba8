// Package notes stores the per-form collections of note segments.
package notes

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/forma/internal/errors"
	"github.com/hpungsan/forma/internal/form"
	"github.com/hpungsan/forma/internal/forms"
	"github.com/hpungsan/forma/internal/kv"
)

// Store appends, flags and removes segments. Each form's collection is one
// JSON array, newest first, under form.SegmentsKey. Writes that change the
// segment count go through forms.Index.CommitNoteCount so the owning record's
// noteCount is updated in the same batch.
type Store struct {
	mu     sync.Mutex
	store  kv.Adapter
	index  *forms.Index
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for segment timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a Store over store, keeping counts in index.
func NewStore(store kv.Adapter, index *forms.Index, opts ...Option) *Store {
	s := &Store{
		store:  store,
		index:  index,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append saves text as a new segment at the head of formID's collection.
func (s *Store) Append(ctx context.Context, formID, text string, source form.Source) (form.Segment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return form.Segment{}, errors.NewEmptyText()
	}
	if !s.index.Exists(formID) {
		return form.Segment{}, errors.NewNotFound("form", formID)
	}

	id, err := form.NewID()
	if err != nil {
		return form.Segment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, legacy, err := s.load(ctx, formID)
	if err != nil {
		return form.Segment{}, err
	}

	seg := form.Segment{
		ID:        id,
		FormID:    formID,
		Number:    form.NextNumber(stored),
		Text:      text,
		CreatedAt: s.now().UTC(),
		Source:    source,
	}
	next := make([]form.Segment, 0, len(stored)+1)
	next = append(next, seg)
	next = append(next, stored...)

	if err := s.commitCount(ctx, formID, next, legacy); err != nil {
		return form.Segment{}, err
	}

	s.logger.Info("segment appended", "form", formID, "segment", seg.ID, "number", seg.Number, "source", seg.Source)
	return seg, nil
}

// ToggleImportant flips the importance flag of one segment.
// A missing segment is not an error: ok is false and nothing is written.
func (s *Store) ToggleImportant(ctx context.Context, formID, segmentID string) (seg form.Segment, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, legacy, err := s.load(ctx, formID)
	if err != nil {
		return form.Segment{}, false, err
	}
	i := indexOf(stored, segmentID)
	if i < 0 {
		return form.Segment{}, false, nil
	}

	next := slices.Clone(stored)
	next[i].IsImportant = !next[i].IsImportant

	ops, err := writeOps(formID, next, legacy)
	if err != nil {
		return form.Segment{}, false, err
	}
	if err := s.store.Apply(ctx, ops...); err != nil {
		return form.Segment{}, false, err
	}
	return next[i], true, nil
}

// Remove deletes one segment and recomputes the owning record's noteCount.
func (s *Store) Remove(ctx context.Context, formID, segmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, legacy, err := s.load(ctx, formID)
	if err != nil {
		return err
	}
	i := indexOf(stored, segmentID)
	if i < 0 {
		return errors.NewNotFound("segment", segmentID)
	}

	next := slices.Delete(slices.Clone(stored), i, i+1)
	if err := s.commitCount(ctx, formID, next, legacy); err != nil {
		return err
	}

	s.logger.Info("segment removed", "form", formID, "segment", segmentID)
	return nil
}

// Get returns one segment.
func (s *Store) Get(ctx context.Context, formID, segmentID string) (form.Segment, error) {
	stored, err := s.List(ctx, formID)
	if err != nil {
		return form.Segment{}, err
	}
	i := indexOf(stored, segmentID)
	if i < 0 {
		return form.Segment{}, errors.NewNotFound("segment", segmentID)
	}
	return stored[i], nil
}

// List returns formID's segments in stored order (newest first).
func (s *Store) List(ctx context.Context, formID string) ([]form.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, _, err := s.load(ctx, formID)
	return stored, err
}

// ListForDisplay reads the collection once and returns a restartable sequence
// in the requested order. Storage is never modified.
func (s *Store) ListForDisplay(ctx context.Context, formID string, order form.Order) (iter.Seq[form.Segment], error) {
	stored, err := s.List(ctx, formID)
	if err != nil {
		return nil, err
	}
	return form.Ordered(stored, order), nil
}

// DeleteAllForForm removes formID's whole collection, including the legacy key.
// If the form still exists its noteCount is reset in the same batch.
func (s *Store) DeleteAllForForm(ctx context.Context, formID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := form.SegmentRemoveOps(formID)
	if s.index.Exists(formID) {
		if _, err := s.index.CommitNoteCount(ctx, formID, 0, ops...); err != nil {
			return err
		}
	} else if err := s.store.Apply(ctx, ops...); err != nil {
		return err
	}

	s.logger.Info("segments deleted", "form", formID)
	return nil
}

// commitCount writes next and the matching noteCount in one batch.
func (s *Store) commitCount(ctx context.Context, formID string, next []form.Segment, legacy bool) error {
	ops, err := writeOps(formID, next, legacy)
	if err != nil {
		return err
	}
	_, err = s.index.CommitNoteCount(ctx, formID, len(next), ops...)
	return err
}

// load reads the canonical key, falling back to the legacy key.
// legacy reports whether the data came from the legacy key.
func (s *Store) load(ctx context.Context, formID string) (stored []form.Segment, legacy bool, err error) {
	stored, ok, err := kv.Load[[]form.Segment](ctx, s.store, form.SegmentsKey(formID))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		stored, legacy, err = kv.Load[[]form.Segment](ctx, s.store, form.LegacySegmentsKey(formID))
		if err != nil {
			return nil, false, err
		}
	}

	// Older collections carry no numbers; they are newest first, so the
	// position from the tail is the number.
	for i := range stored {
		if stored[i].Number == 0 {
			stored[i].Number = len(stored) - i
		}
		if stored[i].FormID == "" {
			stored[i].FormID = formID
		}
	}
	return stored, legacy, nil
}

// writeOps stores next under the canonical key and retires the legacy key.
func writeOps(formID string, next []form.Segment, legacy bool) ([]kv.Op, error) {
	put, err := kv.Put(form.SegmentsKey(formID), next)
	if err != nil {
		return nil, err
	}
	ops := []kv.Op{put}
	if legacy {
		ops = append(ops, kv.Remove(form.LegacySegmentsKey(formID)))
	}
	return ops, nil
}

func indexOf(stored []form.Segment, segmentID string) int {
	return slices.IndexFunc(stored, func(s form.Segment) bool { return s.ID == segmentID })
}
