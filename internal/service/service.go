// Package service contains the sync engine: pull, deletion cascade, push,
// the sync coordinator, conflict resolution and local edits.
package service

import (
	"context"
	"errors"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/remote"
)

// Remote is the subset of the remote API client used by the engine.
type Remote interface {
	// Versions returns key->version changed after since and the current library version.
	Versions(ctx context.Context, lib model.Library, kind model.Kind, since int64) (map[string]int64, int64, error)
	// Fetch returns full objects for a bounded key list.
	Fetch(ctx context.Context, lib model.Library, kind model.Kind, keys []string) ([]model.Payload, error)
	// Deleted returns keys deleted after since.
	Deleted(ctx context.Context, lib model.Library, since int64) (remote.Deleted, error)
	// Delete removes one object if it is unmodified since version.
	Delete(ctx context.Context, lib model.Library, kind model.Kind, key string, version int64) error
	// Write creates or updates a bounded array of objects.
	Write(ctx context.Context, lib model.Library, kind model.Kind, objects []map[string]any) (*remote.WriteResult, error)
}

var _ Remote = (*remote.Client)(nil)

// Options bounds remote batch sizes and delete fan-out.
type Options struct {
	FetchBatch        int
	PushBatch         int
	DeleteConcurrency int
}

func (o Options) withDefaults() Options {
	if o.FetchBatch <= 0 || o.FetchBatch > remote.MaxBatch {
		o.FetchBatch = remote.MaxBatch
	}
	if o.PushBatch <= 0 || o.PushBatch > remote.MaxBatch {
		o.PushBatch = remote.MaxBatch
	}
	if o.DeleteConcurrency <= 0 {
		o.DeleteConcurrency = 5
	}
	return o
}

// fatal reports errors that end the whole cycle rather than one library.
func fatal(err error) bool {
	return errors.Is(err, errs.ErrAuthInvalid) || errors.Is(err, errs.ErrRateLimited)
}

// staleRetries bounds how often a read-merge-write is redone after a
// concurrent local write.
const staleRetries = 5

// retryStale reruns fn while the store rejects its batch as stale. fn must
// re-read everything it guards.
func retryStale(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < staleRetries; i++ {
		if err = fn(); !errors.Is(err, errs.ErrStale) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func chunk[T any](s []T, n int) [][]T {
	var out [][]T
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}
