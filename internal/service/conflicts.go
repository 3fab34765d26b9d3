package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/normalize"
	"github.com/and161185/bibsync/internal/repository"
)

// ConflictService lists conflict records and applies user resolutions.
type ConflictService struct {
	store  repository.Store
	remote Remote
	log    *zap.Logger
}

// NewConflictService constructs a ConflictService. rem may be nil; it is only
// used to refetch the remote copy of a record whose push was rejected.
func NewConflictService(store repository.Store, rem Remote, log *zap.Logger) *ConflictService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConflictService{store: store, remote: rem, log: log}
}

// ListConflicts returns every conflict of kind across libraries.
func (s *ConflictService) ListConflicts(ctx context.Context, kind model.Kind) ([]model.ConflictInfo, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("kind %q: %w", kind, errs.ErrValidation)
	}
	recs, err := s.store.ListAllByStatus(ctx, kind, model.StatusConflict)
	if err != nil {
		return nil, err
	}
	out := make([]model.ConflictInfo, 0, len(recs))
	for _, e := range recs {
		out = append(out, conflictInfo(e))
	}
	return out, nil
}

func conflictInfo(e *model.Entity) model.ConflictInfo {
	ci := model.ConflictInfo{
		Kind:          e.Kind,
		LibraryID:     e.LibraryID,
		Key:           e.Key,
		Title:         e.Title(),
		Type:          e.ConflictType(),
		Version:       e.Version,
		RemoteVersion: e.Version,
		SyncError:     e.SyncError,
	}
	if e.ServerCopy != nil {
		ci.RemoteVersion = e.ServerCopy.Version
		ci.Fields = Diff(e.Raw.Data, e.ServerCopy.Data)
	}
	return ci
}

// Diff compares top-level fields, ignoring key and version.
func Diff(local, remote map[string]any) []model.FieldDiff {
	names := map[string]struct{}{}
	for k := range local {
		names[k] = struct{}{}
	}
	for k := range remote {
		names[k] = struct{}{}
	}
	delete(names, "key")
	delete(names, "version")

	sorted := make([]string, 0, len(names))
	for k := range names {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var out []model.FieldDiff
	for _, k := range sorted {
		l, r := display(local[k]), display(remote[k])
		if l != r {
			out = append(out, model.FieldDiff{Field: k, Local: l, Remote: r})
		}
	}
	return out
}

// display renders a decoded JSON value; nested values are JSON encoded.
func display(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case json.Number:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Resolve applies action to the conflict keyed by key, looking in items first.
func (s *ConflictService) Resolve(ctx context.Context, libraryID int64, key string, action model.Resolution) error {
	for _, kind := range []model.Kind{model.KindItem, model.KindCollection} {
		err := s.ResolveKind(ctx, kind, libraryID, key, action)
		if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
	}
	return fmt.Errorf("conflict %d/%s: %w", libraryID, key, errs.ErrNotFound)
}

// ResolveKind applies action to one conflict record.
func (s *ConflictService) ResolveKind(ctx context.Context, kind model.Kind, libraryID int64, key string, action model.Resolution) error {
	var e *model.Entity
	err := retryStale(ctx, func() error {
		var err error
		e, err = s.store.Get(ctx, kind, libraryID, key)
		if err != nil {
			return err
		}
		if e.SyncStatus != model.StatusConflict {
			return fmt.Errorf("%s %s is %s: %w", kind, key, e.SyncStatus, errs.ErrInvalidState)
		}

		var b repository.Batch
		switch action {
		case model.KeepLocal:
			b, err = s.keepLocal(ctx, e)
		case model.AcceptRemote:
			b, err = s.acceptRemote(ctx, e)
		default:
			err = fmt.Errorf("resolution %q: %w", action, errs.ErrValidation)
		}
		if err != nil {
			return err
		}
		b.Guard(e)
		return s.store.Apply(ctx, b)
	})
	if err != nil {
		return err
	}
	s.log.Info("conflict resolved",
		zap.Int64("library", libraryID),
		zap.String("kind", string(kind)),
		zap.String("key", key),
		zap.String("type", string(e.ConflictType())),
		zap.String("action", string(action)))
	return nil
}

// keepLocal requeues the local copy for push. The stored version is already the
// remote one, so it becomes the next concurrency token. A record the remote no
// longer has, or never had, is pushed again as a create. An interrupted local
// deletion is requeued as a deletion.
func (s *ConflictService) keepLocal(ctx context.Context, e *model.Entity) (repository.Batch, error) {
	c := e.Clone()
	switch {
	case e.DeleteIntent():
		c.SyncStatus = model.StatusDeleted
		if e.ServerCopy == nil && e.ConflictType() == model.ConflictPush && s.remote != nil {
			sc, err := s.refetch(ctx, e)
			if err != nil {
				return repository.Batch{}, err
			}
			if sc == nil {
				return repository.Batch{LibraryID: e.LibraryID, Deletes: []model.Ref{e.Ref()}}, nil
			}
			c.Version = sc.Version
		}
	case e.ConflictType() == model.ConflictDelete || c.Version == 0:
		c.SyncStatus = model.StatusCreated
		c.Version = 0
	default:
		c.SyncStatus = model.StatusUpdated
	}
	c.ServerCopy = nil
	c.SyncError = ""
	c.Raw.Version = c.Version
	if c.Raw.Data != nil {
		c.Raw.Data["version"] = c.Version
	}
	if err := normalize.Derive(c); err != nil {
		return repository.Batch{}, err
	}
	return repository.Batch{LibraryID: e.LibraryID, Upserts: []*model.Entity{c}}, nil
}

// acceptRemote replaces the local copy with the remote one, or drops the record
// when there is no remote copy.
func (s *ConflictService) acceptRemote(ctx context.Context, e *model.Entity) (repository.Batch, error) {
	b := repository.Batch{LibraryID: e.LibraryID}
	sc := e.ServerCopy
	if sc == nil && e.ConflictType() == model.ConflictPush && e.Version > 0 {
		fetched, err := s.refetch(ctx, e)
		if err != nil {
			return b, err
		}
		sc = fetched
	}
	if sc == nil {
		b.Deletes = []model.Ref{e.Ref()}
		return b, nil
	}
	fresh, err := normalize.Entity(e.Kind, e.LibraryID, *sc)
	if err != nil {
		return b, err
	}
	b.Upserts = []*model.Entity{fresh}
	return b, nil
}

// refetch loads the current remote copy of a record whose push was rejected.
// A nil payload means the remote no longer has it.
func (s *ConflictService) refetch(ctx context.Context, e *model.Entity) (*model.Payload, error) {
	if s.remote == nil {
		return nil, nil
	}
	lib, err := s.store.GetLibrary(ctx, e.LibraryID)
	if err != nil {
		return nil, err
	}
	got, err := s.remote.Fetch(ctx, lib, e.Kind, []string{e.Key})
	if err != nil {
		return nil, fmt.Errorf("refetch %s %s: %w", e.Kind, e.Key, err)
	}
	for _, p := range got {
		if payloadKey(p) == e.Key {
			return &p, nil
		}
	}
	return nil, nil
}

// ResolveAll applies action to every conflict, collections first. Failures do
// not stop the sweep; they are joined into the returned error.
func (s *ConflictService) ResolveAll(ctx context.Context, action model.Resolution) (int, error) {
	var (
		n    int
		fail []error
	)
	for _, kind := range model.Kinds {
		recs, err := s.store.ListAllByStatus(ctx, kind, model.StatusConflict)
		if err != nil {
			return n, err
		}
		for _, e := range recs {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			if err := s.ResolveKind(ctx, kind, e.LibraryID, e.Key, action); err != nil {
				fail = append(fail, fmt.Errorf("%s %d/%s: %w", kind, e.LibraryID, e.Key, err))
				continue
			}
			n++
		}
	}
	return n, errors.Join(fail...)
}
