package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/normalize"
	"github.com/and161185/bibsync/internal/repository"
)

// CascadeOutcome reports what the deletion resolver did.
type CascadeOutcome struct {
	Removed int      // records physically deleted, descendants included
	Blocked []string // targets kept and marked as delete conflicts
}

// Cascade decides, per remotely deleted record, whether its whole family can go.
type Cascade struct {
	store repository.Store
	log   *zap.Logger
}

// NewCascade constructs a Cascade.
func NewCascade(store repository.Store, log *zap.Logger) *Cascade {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cascade{store: store, log: log}
}

// Resolve handles remote deletions of kind in one library. A family is the target
// plus its transitive children; for collections the member items count too.
// One dirty member keeps the entire family and marks the target as a conflict.
func (c *Cascade) Resolve(ctx context.Context, libraryID int64, kind model.Kind, keys []string) (CascadeOutcome, error) {
	var out CascadeOutcome
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var (
			removed int
			blocked bool
		)
		err := retryStale(ctx, func() (err error) {
			removed, blocked, err = c.resolveOne(ctx, libraryID, kind, key)
			return err
		})
		if err != nil {
			return out, fmt.Errorf("cascade %s %s: %w", kind, key, err)
		}
		out.Removed += removed
		if blocked {
			out.Blocked = append(out.Blocked, key)
		}
	}
	return out, nil
}

func (c *Cascade) resolveOne(ctx context.Context, libraryID int64, kind model.Kind, key string) (int, bool, error) {
	target, err := c.store.Get(ctx, kind, libraryID, key)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	desc, err := c.store.Descendants(ctx, kind, libraryID, key)
	if err != nil {
		return 0, false, err
	}
	family := append([]*model.Entity{target}, desc...)

	var members []*model.Entity
	if kind == model.KindCollection {
		if members, err = c.store.Members(ctx, libraryID, refKeys(family)); err != nil {
			return 0, false, err
		}
	}

	if blocker := firstDirty(family, members); blocker != nil {
		return 0, true, c.block(ctx, target, blocker)
	}

	b := repository.Batch{LibraryID: libraryID}
	b.Guard(family...)
	b.Guard(members...)
	for _, e := range family {
		b.Deletes = append(b.Deletes, e.Ref())
	}
	gone := toSet(refKeys(family))
	for _, m := range members {
		stripped, err := withoutCollections(m, gone)
		if err != nil {
			return 0, false, err
		}
		b.Upserts = append(b.Upserts, stripped)
	}
	if err := c.store.Apply(ctx, b); err != nil {
		return 0, false, err
	}
	c.log.Info("remote deletion applied",
		zap.Int64("library", libraryID),
		zap.String("kind", string(kind)),
		zap.String("key", key),
		zap.Int("count", len(family)))
	return len(family), false, nil
}

func (c *Cascade) block(ctx context.Context, target, blocker *model.Entity) error {
	t := target.Clone()
	t.SyncStatus = model.StatusConflict
	t.ServerCopy = nil
	t.SyncError = model.ErrTextDeleteBlocked
	b := repository.Batch{LibraryID: t.LibraryID, Upserts: []*model.Entity{t}}
	b.Guard(target)
	if err := c.store.Apply(ctx, b); err != nil {
		return err
	}
	c.log.Warn("remote deletion blocked",
		zap.Int64("library", t.LibraryID),
		zap.String("kind", string(t.Kind)),
		zap.String("key", t.Key),
		zap.String("dirty_kind", string(blocker.Kind)),
		zap.String("dirty_key", blocker.Key))
	return nil
}

func firstDirty(groups ...[]*model.Entity) *model.Entity {
	for _, g := range groups {
		for _, e := range g {
			if e.SyncStatus.Dirty() {
				return e
			}
		}
	}
	return nil
}

// withoutCollections drops the removed collections from an item's membership.
func withoutCollections(item *model.Entity, gone map[string]bool) (*model.Entity, error) {
	m := item.Clone()
	keep := make([]string, 0, len(m.Collections))
	for _, k := range m.Collections {
		if !gone[k] {
			keep = append(keep, k)
		}
	}
	if m.Raw.Data == nil {
		m.Raw.Data = map[string]any{}
	}
	m.Raw.Data["collections"] = keep
	if err := normalize.Derive(m); err != nil {
		return nil, err
	}
	return m, nil
}

func refKeys(es []*model.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Key
	}
	return out
}

func toSet(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}
