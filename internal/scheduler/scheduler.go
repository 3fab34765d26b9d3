// Package scheduler triggers sync cycles on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/service"
)

// Runner starts one cycle.
type Runner interface {
	StartSync(ctx context.Context, progress service.Progress) (service.Result, error)
}

var _ Runner = (*service.Syncer)(nil)

// Scheduler runs Runner on a cron spec. Overlapping triggers are skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	log    *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New parses spec ("@every 15m", "*/5 * * * *") and registers the job.
func New(spec string, runner Runner, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{runner: runner, log: log}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithLogger(cronLogger{log}), cron.WithChain(cron.Recover(cronLogger{log})))
	if _, err := s.cron.AddFunc(spec, s.Trigger); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.log.Info("scheduler started", zap.Int("entries", len(s.cron.Entries())))
	s.cron.Start()
}

// Stop cancels a running cycle and waits for it to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
	s.log.Info("scheduler stopped")
}

// Trigger runs one cycle now on the caller's goroutine.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	res, err := s.runner.StartSync(ctx, nil)
	switch {
	case errors.Is(err, errs.ErrSyncInProgress):
		s.log.Info("sync already running, skipping scheduled run")
	case err != nil:
		s.log.Error("scheduled sync failed", zap.Error(err))
	case res.Canceled:
		s.log.Info("scheduled sync canceled")
	default:
		s.log.Info("scheduled sync done", zap.Int("success", res.Success), zap.Int("fail", res.Fail))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, zap.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, zap.Error(err), zap.Any("kv", kv))
}
