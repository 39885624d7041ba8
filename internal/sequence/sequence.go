// Package sequence allocates form numbers.
package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hpungsan/forma/internal/errors"
	"github.com/hpungsan/forma/internal/form"
	"github.com/hpungsan/forma/internal/kv"
)

// Allocator hands out strictly increasing form numbers persisted under
// form.SequenceKey. Calls are serialized; a value is never issued twice by
// the same Allocator even if the stored counter is rolled back externally.
type Allocator struct {
	mu         sync.Mutex
	store      kv.Adapter
	lastIssued int64
	logger     *slog.Logger
}

// New creates an Allocator over store. A nil logger uses slog.Default().
func New(store kv.Adapter, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{store: store, logger: logger}
}

// Next reserves and returns the next form number.
// The new value is read back and verified before it is returned.
func (a *Allocator) Next(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, err := a.current(ctx)
	if err != nil {
		return 0, err
	}

	n := max(stored, a.lastIssued) + 1
	if err := kv.Save(ctx, a.store, form.SequenceKey, n); err != nil {
		return 0, err
	}

	check, err := a.current(ctx)
	if err != nil {
		return 0, err
	}
	if check != n {
		return 0, errors.NewStorageFailure("verify", form.SequenceKey,
			fmt.Errorf("persisted %d, read back %d", n, check))
	}

	a.lastIssued = n
	return n, nil
}

// Observe raises the counter to at least n so n is never issued again.
func (a *Allocator) Observe(ctx context.Context, n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, err := a.current(ctx)
	if err != nil {
		return err
	}
	if n <= stored {
		return nil
	}
	if err := kv.Save(ctx, a.store, form.SequenceKey, n); err != nil {
		return err
	}
	a.logger.Debug("sequence raised", "from", stored, "to", n)
	return nil
}

func (a *Allocator) current(ctx context.Context) (int64, error) {
	n, _, err := kv.Load[int64](ctx, a.store, form.SequenceKey)
	return n, err
}
