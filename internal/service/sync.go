package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/repository"
)

// SyncHandle owns the single active cycle.
type SyncHandle struct {
	mu      sync.Mutex
	running bool
	started time.Time
}

func (h *SyncHandle) acquire(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return false
	}
	h.running, h.started = true, now
	return true
}

func (h *SyncHandle) release() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
}

// Running reports whether a cycle is active and when it started.
func (h *SyncHandle) Running() (bool, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running, h.started
}

// LibraryResult is one library's share of a cycle.
type LibraryResult struct {
	LibraryID int64
	Pulled    []PullOutcome
	Pushed    PushOutcome
	Err       error
}

// Result is the outcome of one cycle. Canceled cycles return a nil error.
type Result struct {
	Success   int
	Fail      int
	Canceled  bool
	Libraries []LibraryResult
}

// Syncer coordinates pull and push across libraries, one library at a time.
type Syncer struct {
	store     repository.Store
	puller    *Puller
	pusher    *Pusher
	libraries []int64
	handle    *SyncHandle
	log       *zap.Logger
}

// NewSyncer constructs a Syncer over the given library ids, in order.
// With no ids every registered library is synced.
func NewSyncer(store repository.Store, puller *Puller, pusher *Pusher, libraries []int64, log *zap.Logger) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{
		store:     store,
		puller:    puller,
		pusher:    pusher,
		libraries: append([]int64(nil), libraries...),
		handle:    &SyncHandle{},
		log:       log,
	}
}

// Handle exposes the reentrancy guard.
func (s *Syncer) Handle() *SyncHandle { return s.handle }

// StartSync runs one cycle. A failing library is recorded and the cycle moves
// on; auth and rate-limit failures end the cycle. ctx cancellation stops the
// cycle between steps and leaves committed batches in place.
func (s *Syncer) StartSync(ctx context.Context, progress Progress) (Result, error) {
	if progress == nil {
		progress = noProgress{}
	}
	if !s.handle.acquire(time.Now()) {
		return Result{}, errs.ErrSyncInProgress
	}
	defer s.handle.release()

	var res Result
	ids, err := s.libraryIDs(ctx)
	if err != nil {
		return res, err
	}

	for i, id := range ids {
		if ctx.Err() != nil {
			res.Canceled = true
			s.log.Info("sync canceled", zap.Int("completed", i), zap.Int("total", len(ids)))
			return res, nil
		}
		lr := s.syncLibrary(ctx, id)
		res.Libraries = append(res.Libraries, lr)
		res.Success += lr.Pushed.Success
		res.Fail += lr.Pushed.Fail
		for _, po := range lr.Pulled {
			res.Success += po.Written
		}

		switch {
		case lr.Err == nil:
			progress.Report(i+1, len(ids), fmt.Sprintf("library %d synced", id))
		case ctx.Err() != nil:
			res.Canceled = true
			s.log.Info("sync canceled", zap.Int64("library", id))
			return res, nil
		case fatal(lr.Err):
			res.Fail++
			s.log.Error("sync aborted", zap.Int64("library", id), zap.Error(lr.Err))
			return res, lr.Err
		default:
			res.Fail++
			s.log.Error("library sync failed", zap.Int64("library", id), zap.Error(lr.Err))
			progress.Report(i+1, len(ids), fmt.Sprintf("library %d failed: %v", id, lr.Err))
		}
	}
	s.log.Info("sync finished", zap.Int("success", res.Success), zap.Int("fail", res.Fail))
	return res, nil
}

func (s *Syncer) libraryIDs(ctx context.Context) ([]int64, error) {
	if len(s.libraries) > 0 {
		return s.libraries, nil
	}
	libs, err := s.store.ListLibraries(ctx)
	if err != nil {
		return nil, err
	}
	if len(libs) == 0 {
		return nil, fmt.Errorf("no libraries registered: %w", errs.ErrConfigMissing)
	}
	ids := make([]int64, len(libs))
	for i, l := range libs {
		ids[i] = l.ID
	}
	return ids, nil
}

// syncLibrary pulls collections then items, then pushes when bidirectional.
func (s *Syncer) syncLibrary(ctx context.Context, id int64) LibraryResult {
	lr := LibraryResult{LibraryID: id}
	lib, err := s.store.GetLibrary(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			err = fmt.Errorf("library %d not registered: %w", id, errs.ErrConfigMissing)
		}
		lr.Err = err
		return lr
	}

	for _, kind := range model.Kinds {
		out, err := s.puller.Pull(ctx, lib, kind)
		lr.Pulled = append(lr.Pulled, out)
		if err != nil {
			lr.Err = err
			return lr
		}
		lib.SetWatermark(kind, out.To)
	}

	if !lib.Bidirectional() {
		return lr
	}
	if err := ctx.Err(); err != nil {
		lr.Err = err
		return lr
	}
	lr.Pushed, lr.Err = s.pusher.Push(ctx, lib)
	return lr
}
