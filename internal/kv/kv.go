// Package kv is the persistence adapter: an async-safe key→value store with
// atomic multi-key batches. It holds no business logic.
package kv

import (
	"context"
	"encoding/json"

	"github.com/hpungsan/forma/internal/errors"
)

// Adapter is a key-value store. Implementations return *errors.FormaError
// with code STORAGE_FAILURE when the underlying store rejects a call.
type Adapter interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Apply executes all ops atomically: either every op is durable or none is.
	Apply(ctx context.Context, ops ...Op) error
}

// Op is one write in an atomic batch.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// Put builds a set op with v encoded as JSON.
func Put(key string, v any) (Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Op{}, errors.NewInternal(err)
	}
	return Op{Key: key, Value: data}, nil
}

// Remove builds a delete op.
func Remove(key string) Op {
	return Op{Key: key, Delete: true}
}

// Load reads key and decodes its JSON value into a T.
// A missing key yields the zero T and false.
func Load[T any](ctx context.Context, a Adapter, key string) (T, bool, error) {
	var out T
	data, ok, err := a.Get(ctx, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false, errors.NewStorageFailure("decode", key, err)
	}
	return out, true, nil
}

// Save encodes v as JSON and stores it under key.
func Save(ctx context.Context, a Adapter, key string, v any) error {
	op, err := Put(key, v)
	if err != nil {
		return err
	}
	return a.Set(ctx, key, op.Value)
}
