package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/normalize"
	"github.com/and161185/bibsync/internal/repository"
)

// PushOutcome counts records the remote accepted and records left dirty or in conflict.
type PushOutcome struct {
	Success int
	Fail    int
}

func (o *PushOutcome) add(x PushOutcome) {
	o.Success += x.Success
	o.Fail += x.Fail
}

// Pusher uploads local edits of a bidirectional library.
type Pusher struct {
	store  repository.Store
	remote Remote
	batch  int
	fanout int
	log    *zap.Logger
}

// NewPusher constructs a Pusher.
func NewPusher(store repository.Store, rem Remote, opts Options, log *zap.Logger) *Pusher {
	if log == nil {
		log = zap.NewNop()
	}
	o := opts.withDefaults()
	return &Pusher{store: store, remote: rem, batch: o.PushBatch, fanout: o.DeleteConcurrency, log: log}
}

// Push uploads collections, then items, so items can reference new collection keys.
// Per-record rejections become conflicts; only auth and rate-limit errors abort.
func (p *Pusher) Push(ctx context.Context, lib model.Library) (PushOutcome, error) {
	var total PushOutcome
	for _, kind := range model.Kinds {
		out, err := p.pushKind(ctx, lib, kind)
		total.add(out)
		if err != nil {
			return total, fmt.Errorf("push %s: %w", kind, err)
		}
	}
	return total, nil
}

func (p *Pusher) pushKind(ctx context.Context, lib model.Library, kind model.Kind) (PushOutcome, error) {
	var out PushOutcome
	deletions, err := p.store.ListByStatus(ctx, kind, lib.ID, model.StatusDeleted)
	if err != nil {
		return out, err
	}
	o, err := p.pushDeletions(ctx, lib, deletions)
	out.add(o)
	if err != nil {
		return out, err
	}

	// Creates and updates go out in rounds. A record that references a
	// temporary key waits for a later round, after the referenced record got
	// its server key and the reference was rewritten locally.
	tried := map[string]bool{}
	for {
		pending, err := p.store.ListByStatus(ctx, kind, lib.ID, model.StatusCreated, model.StatusUpdated)
		if err != nil {
			return out, err
		}
		var ready []string
		for _, e := range pending {
			if !tried[e.Key] && blockedBy(e) == "" {
				ready = append(ready, e.Key)
			}
		}
		if len(ready) == 0 {
			out.Fail += p.countWaiting(lib.ID, kind, pending, tried)
			break
		}

		for _, keys := range chunk(ready, p.batch) {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			for _, k := range keys {
				tried[k] = true
			}
			o, remap, err := p.pushChunk(ctx, lib, kind, keys)
			out.add(o)
			for _, nk := range remap {
				tried[nk] = true
			}
			if err != nil {
				if fatal(err) || ctx.Err() != nil {
					return out, err
				}
				p.log.Warn("push chunk failed",
					zap.Int64("library", lib.ID),
					zap.String("kind", string(kind)),
					zap.Int("count", len(keys)),
					zap.Error(err))
			}
		}
	}
	p.log.Info("pushed",
		zap.Int64("library", lib.ID),
		zap.String("kind", string(kind)),
		zap.Int("success", out.Success),
		zap.Int("fail", out.Fail))
	return out, nil
}

// countWaiting counts records still pointing at a temporary key nobody pushed.
func (p *Pusher) countWaiting(libraryID int64, kind model.Kind, pending []*model.Entity, tried map[string]bool) int {
	n := 0
	for _, e := range pending {
		if tried[e.Key] {
			continue
		}
		n++
		p.log.Warn("push waiting for reference",
			zap.Int64("library", libraryID),
			zap.String("kind", string(kind)),
			zap.String("key", e.Key),
			zap.String("ref", blockedBy(e)))
	}
	return n
}

// blockedBy returns the first temporary key e references, or "".
func blockedBy(e *model.Entity) string {
	if IsTempKey(e.Parent) {
		return e.Parent
	}
	for _, c := range e.Collections {
		if IsTempKey(c) {
			return c
		}
	}
	return ""
}

func (p *Pusher) pushDeletions(ctx context.Context, lib model.Library, recs []*model.Entity) (PushOutcome, error) {
	var (
		mu  sync.Mutex
		out PushOutcome
	)
	if len(recs) == 0 {
		return out, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanout)
	for _, e := range recs {
		g.Go(func() error {
			ok, err := p.deleteOne(gctx, lib, e)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case ok:
				out.Success++
			case err != nil && (fatal(err) || gctx.Err() != nil):
				out.Fail++
				return err
			default:
				out.Fail++
				if err != nil {
					p.log.Warn("remote delete left pending",
						zap.Int64("library", lib.ID),
						zap.String("kind", string(e.Kind)),
						zap.String("key", e.Key),
						zap.Error(err))
				}
			}
			return nil
		})
	}
	return out, g.Wait()
}

// deleteOne reports true when the record is gone on both sides.
func (p *Pusher) deleteOne(ctx context.Context, lib model.Library, e *model.Entity) (bool, error) {
	var err error
	if e.Version > 0 && !IsTempKey(e.Key) {
		err = p.remote.Delete(ctx, lib, e.Kind, e.Key, e.Version)
	}
	switch {
	case err == nil || errors.Is(err, errs.ErrResourceMissing):
		b := repository.Batch{LibraryID: lib.ID, Deletes: []model.Ref{e.Ref()}}
		b.Guard(e)
		if err := p.store.Apply(ctx, b); err != nil {
			return false, err
		}
		return true, nil
	case errors.Is(err, errs.ErrPreconditionFailed):
		c := e.Clone()
		c.SyncStatus = model.StatusConflict
		c.ServerCopy = nil
		c.SyncError = model.PushError(http.StatusPreconditionFailed,
			fmt.Sprintf("%s: remote changed after version %d", model.ErrTextDeleteRejected, e.Version))
		b := repository.Batch{LibraryID: lib.ID, Upserts: []*model.Entity{c}}
		b.Guard(e)
		if err := p.store.Apply(ctx, b); err != nil {
			return false, err
		}
		return false, nil
	default:
		return false, err
	}
}

// writeObject builds the request body entry. Creates omit key and version so
// the remote assigns them; updates carry both as the concurrency token.
func writeObject(e *model.Entity) map[string]any {
	obj := make(map[string]any, len(e.Raw.Data)+2)
	for k, v := range e.Raw.Data {
		obj[k] = v
	}
	delete(obj, "key")
	delete(obj, "version")
	if e.SyncStatus != model.StatusCreated {
		obj["key"] = e.Key
		obj["version"] = e.Version
	}
	return obj
}

// pushChunk re-reads keys, writes the ones still pending, and merges the
// outcome with whatever the store holds after the write. It returns the
// temporary keys replaced by server keys.
func (p *Pusher) pushChunk(ctx context.Context, lib model.Library, kind model.Kind, keys []string) (PushOutcome, map[string]string, error) {
	stored, err := p.store.GetMany(ctx, kind, lib.ID, keys)
	if err != nil {
		return PushOutcome{}, nil, err
	}
	var sent []*model.Entity
	for _, k := range keys {
		e := stored[k]
		if e == nil || (e.SyncStatus != model.StatusCreated && e.SyncStatus != model.StatusUpdated) || blockedBy(e) != "" {
			continue
		}
		sent = append(sent, e)
	}
	if len(sent) == 0 {
		return PushOutcome{}, nil, nil
	}

	objects := make([]map[string]any, len(sent))
	for i, e := range sent {
		objects[i] = writeObject(e)
	}
	res, err := p.remote.Write(ctx, lib, kind, objects)
	if err != nil {
		return PushOutcome{Fail: len(sent)}, nil, err
	}

	var (
		out   PushOutcome
		remap map[string]string
	)
	err = retryStale(ctx, func() error {
		out, remap = PushOutcome{}, map[string]string{}
		current, err := p.store.GetMany(ctx, kind, lib.ID, refKeys(sent))
		if err != nil {
			return err
		}
		st := newStaged(lib.ID)
		for i, e := range sent {
			cur := current[e.Key]
			st.guard(cur, e.Ref())
			if p.mergeOutcome(lib.ID, kind, e, cur, lookupFor(e, i).resolve(res), res.Version, st, remap) {
				out.Success++
			} else {
				out.Fail++
			}
		}
		if err := p.remapKeys(ctx, lib.ID, kind, remap, st); err != nil {
			return err
		}
		return p.store.Apply(ctx, st.batch())
	})
	if err != nil {
		return PushOutcome{Fail: len(sent)}, nil, err
	}
	return out, remap, nil
}

// mergeOutcome stages the result for one written record. cur is the record as
// stored now; it differs from sent when a local edit landed during the write,
// and that edit stays pending on top of whatever the remote assigned.
func (p *Pusher) mergeOutcome(libraryID int64, kind model.Kind, sent, cur *model.Entity, o entryOutcome, version int64, st *staged, remap map[string]string) bool {
	changed := !repository.GuardOf(sent).Matches(cur)
	switch o.kind {
	case outcomeSuccessful:
		fresh, err := acceptedEntity(kind, libraryID, sent, o, version)
		if err != nil {
			p.log.Warn("push response unusable", zap.String("key", sent.Key), zap.Error(err))
			return false
		}
		if fresh.Key != sent.Key {
			if cur != nil {
				st.remove(sent.Ref())
			}
			remap[sent.Key] = fresh.Key
		}
		if changed {
			if fresh, err = editedDuringWrite(cur, fresh); err != nil {
				p.log.Warn("push merge failed", zap.String("key", sent.Key), zap.Error(err))
				return false
			}
			p.log.Info("local edit kept over pushed copy",
				zap.Int64("library", libraryID),
				zap.String("kind", string(kind)),
				zap.String("key", fresh.Key),
				zap.String("status", string(fresh.SyncStatus)))
		}
		st.put(fresh)
		return true

	case outcomeUnchanged:
		if !changed {
			c := sent.Clone()
			c.SyncStatus = model.StatusSynced
			c.ServerCopy = nil
			c.SyncError = ""
			st.put(c)
		}
		return true

	case outcomeFailed:
		p.log.Warn("push rejected",
			zap.Int64("library", libraryID),
			zap.String("kind", string(kind)),
			zap.String("key", sent.Key),
			zap.Int("code", o.failure.Code),
			zap.String("message", o.failure.Message),
			zap.Bool("edited_since", changed))
		if !changed {
			c := sent.Clone()
			c.SyncStatus = model.StatusConflict
			c.ServerCopy = nil
			c.SyncError = model.PushError(o.failure.Code, o.failure.Message)
			st.put(c)
		}
		return false

	default:
		p.log.Warn("push outcome missing",
			zap.Int64("library", libraryID),
			zap.String("kind", string(kind)),
			zap.String("key", sent.Key))
		return false
	}
}

// editedDuringWrite keeps the newer local state of a record the remote just
// accepted, under the server key and version. A create deleted locally in the
// meantime comes back as a pending deletion of the new remote record.
func editedDuringWrite(cur, fresh *model.Entity) (*model.Entity, error) {
	if cur == nil {
		d := fresh.Clone()
		d.SyncStatus = model.StatusDeleted
		return d, nil
	}
	c := cur.Clone()
	c.Key = fresh.Key
	c.Version = fresh.Version
	c.Raw.Key = fresh.Key
	c.Raw.Version = fresh.Version
	if c.Raw.Data == nil {
		c.Raw.Data = map[string]any{}
	}
	c.Raw.Data["key"] = fresh.Key
	c.Raw.Data["version"] = fresh.Version
	if c.SyncStatus == model.StatusCreated {
		c.SyncStatus = model.StatusUpdated
	}
	if err := normalize.Derive(c); err != nil {
		return nil, err
	}
	return c, nil
}

// acceptedEntity turns a successful write into the Synced record to store.
// Without a returned payload the local copy is adopted under the assigned key
// and the library version the write produced.
func acceptedEntity(kind model.Kind, libraryID int64, e *model.Entity, o entryOutcome, version int64) (*model.Entity, error) {
	if o.payload != nil {
		return normalize.Entity(kind, libraryID, *o.payload)
	}
	pl := e.Raw.Clone()
	pl.Key = o.key
	if version > 0 {
		pl.Version = version
	}
	if pl.Data == nil {
		pl.Data = map[string]any{}
	}
	pl.Data["key"] = o.key
	pl.Data["version"] = pl.Version
	return normalize.Entity(kind, libraryID, pl)
}

// remapKeys rewrites references to temporary keys that were replaced by
// server-assigned ones: child parent links and, for collections, item membership.
func (p *Pusher) remapKeys(ctx context.Context, libraryID int64, kind model.Kind, remap map[string]string, st *staged) error {
	if len(remap) == 0 {
		return nil
	}
	olds := make([]string, 0, len(remap))
	for k := range remap {
		olds = append(olds, k)
	}
	sort.Strings(olds)

	children, err := p.store.Children(ctx, kind, libraryID, olds)
	if err != nil {
		return err
	}
	for _, ch := range children {
		st.guard(ch, ch.Ref())
		c := st.current(ch, remap)
		if c.Raw.Data == nil {
			c.Raw.Data = map[string]any{}
		}
		c.Raw.Data[kind.ParentField()] = remap[ch.Parent]
		if err := normalize.Derive(c); err != nil {
			return err
		}
		st.put(c)
	}

	if kind != model.KindCollection {
		return nil
	}
	members, err := p.store.Members(ctx, libraryID, olds)
	if err != nil {
		return err
	}
	for _, m := range members {
		st.guard(m, m.Ref())
		cols := make([]string, len(m.Collections))
		for i, k := range m.Collections {
			if nk, ok := remap[k]; ok {
				k = nk
			}
			cols[i] = k
		}
		if m.Raw.Data == nil {
			m.Raw.Data = map[string]any{}
		}
		m.Raw.Data["collections"] = cols
		if err := normalize.Derive(m); err != nil {
			return err
		}
		st.put(m)
	}
	return nil
}

// staged accumulates one chunk's writes so later rewrites see earlier ones.
type staged struct {
	libraryID int64
	order     []model.Ref
	upserts   map[model.Ref]*model.Entity
	deletes   []model.Ref
	removed   map[model.Ref]bool
	guards    map[model.Ref]repository.Guard
}

func newStaged(libraryID int64) *staged {
	return &staged{
		libraryID: libraryID,
		upserts:   map[model.Ref]*model.Entity{},
		removed:   map[model.Ref]bool{},
		guards:    map[model.Ref]repository.Guard{},
	}
}

// guard records the stored state of r as first read; nil means absent.
func (s *staged) guard(stored *model.Entity, r model.Ref) {
	if _, ok := s.guards[r]; ok {
		return
	}
	if stored == nil {
		s.guards[r] = repository.Guard{Ref: r}
		return
	}
	s.guards[r] = repository.GuardOf(stored)
}

func (s *staged) put(e *model.Entity) {
	r := e.Ref()
	if _, ok := s.upserts[r]; !ok {
		s.order = append(s.order, r)
	}
	s.upserts[r] = e
}

func (s *staged) remove(r model.Ref) {
	s.deletes = append(s.deletes, r)
	s.removed[r] = true
}

// current returns the staged version of a stored record, following its own
// remap when it was itself replaced in this chunk.
func (s *staged) current(stored *model.Entity, remap map[string]string) *model.Entity {
	r := stored.Ref()
	if s.removed[r] {
		r = model.Ref{Kind: r.Kind, Key: remap[r.Key]}
	}
	if e, ok := s.upserts[r]; ok {
		return e
	}
	return stored
}

func (s *staged) batch() repository.Batch {
	b := repository.Batch{LibraryID: s.libraryID, Deletes: s.deletes}
	for _, g := range s.guards {
		b.Guards = append(b.Guards, g)
	}
	for _, r := range s.order {
		b.Upserts = append(b.Upserts, s.upserts[r])
	}
	return b
}
