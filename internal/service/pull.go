package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/bibsync/internal/crypto"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/normalize"
	"github.com/and161185/bibsync/internal/repository"
)

// PullOutcome summarizes one kind's pull.
type PullOutcome struct {
	Kind      model.Kind
	From      int64 // watermark before the pull
	To        int64 // watermark after the pull
	NoOp      bool
	Fetched   int
	Written   int
	Conflicts int
	Cascade   CascadeOutcome
}

// Puller is the incremental pull engine.
type Puller struct {
	store   repository.Store
	remote  Remote
	cascade *Cascade
	batch   int
	log     *zap.Logger
	now     func() time.Time
}

// NewPuller constructs a Puller.
func NewPuller(store repository.Store, rem Remote, cascade *Cascade, opts Options, log *zap.Logger) *Puller {
	if log == nil {
		log = zap.NewNop()
	}
	if cascade == nil {
		cascade = NewCascade(store, log)
	}
	return &Puller{
		store:   store,
		remote:  rem,
		cascade: cascade,
		batch:   opts.withDefaults().FetchBatch,
		log:     log,
		now:     time.Now,
	}
}

// Pull brings one kind of the library up to the remote version. Batches already
// applied stay committed when a later batch fails or ctx is canceled.
func (p *Puller) Pull(ctx context.Context, lib model.Library, kind model.Kind) (PullOutcome, error) {
	local := lib.Watermark(kind)
	out := PullOutcome{Kind: kind, From: local, To: local}

	versions, server, err := p.remote.Versions(ctx, lib, kind, local)
	if err != nil {
		return out, fmt.Errorf("pull %s: %w", kind, err)
	}
	if server <= local {
		out.NoOp = true
		return out, nil
	}

	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, batch := range chunk(keys, p.batch) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		payloads, err := p.remote.Fetch(ctx, lib, kind, batch)
		if err != nil {
			return out, fmt.Errorf("pull %s: %w", kind, err)
		}
		out.Fetched += len(payloads)
		written, conflicts, err := p.applyBatch(ctx, lib.ID, kind, batch, payloads)
		if err != nil {
			return out, fmt.Errorf("pull %s: %w", kind, err)
		}
		out.Written += written
		out.Conflicts += conflicts
	}

	if local > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		deleted, err := p.remote.Deleted(ctx, lib, local)
		if err != nil {
			return out, fmt.Errorf("pull %s deletions: %w", kind, err)
		}
		out.Cascade, err = p.cascade.Resolve(ctx, lib.ID, kind, deleted.Keys(kind))
		if err != nil {
			return out, fmt.Errorf("pull %s deletions: %w", kind, err)
		}
	}

	if err := p.store.SetWatermark(ctx, lib.ID, kind, server, p.now().UTC()); err != nil {
		return out, fmt.Errorf("pull %s watermark: %w", kind, err)
	}
	out.To = server
	p.log.Info("pulled",
		zap.Int64("library", lib.ID),
		zap.String("kind", string(kind)),
		zap.Int64("from", local),
		zap.Int64("to", server),
		zap.Int("count", out.Written),
		zap.Int("conflicts", out.Conflicts))
	return out, nil
}

// applyBatch merges fetched payloads into the store in one transaction.
// Dirty records keep their raw copy and become conflicts when the remote moved
// past the version they were edited from.
func (p *Puller) applyBatch(ctx context.Context, libraryID int64, kind model.Kind, keys []string, payloads []model.Payload) (written, conflicts int, err error) {
	fresh := make([]*model.Entity, 0, len(payloads))
	for _, pl := range payloads {
		e, err := normalize.Entity(kind, libraryID, pl)
		if err != nil {
			return 0, 0, err
		}
		fresh = append(fresh, e)
	}

	err = retryStale(ctx, func() error {
		written, conflicts = 0, 0
		existing, err := p.store.GetMany(ctx, kind, libraryID, keys)
		if err != nil {
			return err
		}
		b := repository.Batch{LibraryID: libraryID}
		for _, f := range fresh {
			cur := existing[f.Key]
			up, conflict := p.merge(cur, f)
			if up == nil {
				continue
			}
			if cur != nil {
				b.Guard(cur)
			} else {
				b.Guards = append(b.Guards, repository.Guard{Ref: f.Ref()})
			}
			b.Upserts = append(b.Upserts, up)
			if conflict {
				conflicts++
				p.log.Warn("pull conflict",
					zap.Int64("library", libraryID),
					zap.String("kind", string(kind)),
					zap.String("key", up.Key),
					zap.String("status", string(cur.SyncStatus)))
			}
		}
		if err := p.store.Apply(ctx, b); err != nil {
			return err
		}
		written = len(b.Upserts)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return written, conflicts, nil
}

// merge decides what to store for one fetched record; nil leaves the local copy.
func (p *Puller) merge(cur, fresh *model.Entity) (*model.Entity, bool) {
	if cur == nil || !cur.SyncStatus.Dirty() {
		if cur != nil && cur.SyncStatus == model.StatusSynced &&
			cur.Version == fresh.Version && crypto.Equal(cur.Digest, fresh.Digest) {
			return nil, false
		}
		return fresh, false
	}
	// The remote echoes our own pushed writes until the watermark passes them.
	if fresh.Version <= cur.Version {
		return nil, false
	}
	if cur.SyncStatus == model.StatusConflict && cur.ServerCopy != nil &&
		cur.ServerCopy.Version == fresh.Version {
		return nil, false
	}
	c := cur.Clone()
	sc := fresh.Raw
	c.SyncError = model.ErrTextRemoteChanged
	if cur.SyncStatus == model.StatusDeleted || cur.DeleteIntent() {
		c.SyncError = model.ErrTextDeletePending
	}
	c.SyncStatus = model.StatusConflict
	c.ServerCopy = &sc
	c.Version = fresh.Version
	c.UpdatedAt = fresh.UpdatedAt
	return c, true
}
