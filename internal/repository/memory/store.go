// Package memory is an in-process implementation of the local store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/repository"
)

var _ repository.Store = (*Store)(nil)

type entityKey struct {
	kind model.Kind
	lib  int64
	key  string
}

// Store keeps libraries and records in maps guarded by one lock.
// Records are cloned on the way in and out.
type Store struct {
	mu       sync.RWMutex
	libs     map[int64]model.Library
	entities map[entityKey]*model.Entity
	writes   int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		libs:     map[int64]model.Library{},
		entities: map[entityKey]*model.Entity{},
	}
}

// Writes returns the number of records written or deleted so far.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// ListLibraries returns all libraries ordered by id.
func (s *Store) ListLibraries(_ context.Context) ([]model.Library, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Library, 0, len(s.libs))
	for _, l := range s.libs {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetLibrary loads a library by id.
func (s *Store) GetLibrary(_ context.Context, id int64) (model.Library, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.libs[id]
	if !ok {
		return model.Library{}, errs.ErrNotFound
	}
	return l, nil
}

// UpsertLibrary registers or updates a library, keeping its watermarks.
func (s *Store) UpsertLibrary(_ context.Context, lib model.Library) (model.Library, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.libs[lib.ID]; ok {
		lib.CollectionVersion = cur.CollectionVersion
		lib.ItemVersion = cur.ItemVersion
		lib.LastSyncedAt = cur.LastSyncedAt
	}
	s.libs[lib.ID] = lib
	return lib, nil
}

// SetWatermark stores a kind watermark and the sync time.
func (s *Store) SetWatermark(_ context.Context, id int64, kind model.Kind, version int64, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.libs[id]
	if !ok {
		return errs.ErrNotFound
	}
	if version > l.Watermark(kind) {
		l.SetWatermark(kind, version)
	}
	l.LastSyncedAt = syncedAt
	s.libs[id] = l
	return nil
}

// Get returns one record.
func (s *Store) Get(_ context.Context, kind model.Kind, libraryID int64, key string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityKey{kind, libraryID, key}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return e.Clone(), nil
}

// GetMany returns the existing records among keys.
func (s *Store) GetMany(_ context.Context, kind model.Kind, libraryID int64, keys []string) (map[string]*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*model.Entity, len(keys))
	for _, k := range keys {
		if e, ok := s.entities[entityKey{kind, libraryID, k}]; ok {
			out[k] = e.Clone()
		}
	}
	return out, nil
}

// ListByStatus returns the library's records in any of the statuses.
func (s *Store) ListByStatus(_ context.Context, kind model.Kind, libraryID int64, statuses ...model.SyncStatus) ([]*model.Entity, error) {
	return s.filter(func(e *model.Entity) bool {
		return e.Kind == kind && e.LibraryID == libraryID && hasStatus(e.SyncStatus, statuses)
	}), nil
}

// ListAllByStatus returns records in status across libraries.
func (s *Store) ListAllByStatus(_ context.Context, kind model.Kind, status model.SyncStatus) ([]*model.Entity, error) {
	return s.filter(func(e *model.Entity) bool {
		return e.Kind == kind && e.SyncStatus == status
	}), nil
}

// Children returns direct children of any of parentKeys.
func (s *Store) Children(_ context.Context, kind model.Kind, libraryID int64, parentKeys []string) ([]*model.Entity, error) {
	set := toSet(parentKeys)
	return s.filter(func(e *model.Entity) bool {
		return e.Kind == kind && e.LibraryID == libraryID && e.Parent != "" && set[e.Parent]
	}), nil
}

// Descendants walks parent links breadth first.
func (s *Store) Descendants(_ context.Context, kind model.Kind, libraryID int64, key string) ([]*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byParent := map[string][]*model.Entity{}
	for _, e := range s.entities {
		if e.Kind == kind && e.LibraryID == libraryID && e.Parent != "" {
			byParent[e.Parent] = append(byParent[e.Parent], e)
		}
	}
	seen := map[string]bool{key: true}
	var out []*model.Entity
	queue := []string{key}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, c := range byParent[p] {
			if seen[c.Key] {
				continue
			}
			seen[c.Key] = true
			out = append(out, c.Clone())
			queue = append(queue, c.Key)
		}
	}
	sortEntities(out)
	return out, nil
}

// Members returns items in any of the collections.
func (s *Store) Members(_ context.Context, libraryID int64, collectionKeys []string) ([]*model.Entity, error) {
	set := toSet(collectionKeys)
	return s.filter(func(e *model.Entity) bool {
		if e.Kind != model.KindItem || e.LibraryID != libraryID {
			return false
		}
		for _, c := range e.Collections {
			if set[c] {
				return true
			}
		}
		return false
	}), nil
}

// Apply checks guards, then commits deletes and upserts under the write lock.
func (s *Store) Apply(ctx context.Context, b repository.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range b.Guards {
		if !g.Matches(s.entities[entityKey{g.Ref.Kind, b.LibraryID, g.Ref.Key}]) {
			return fmt.Errorf("%s %s: %w", g.Ref.Kind, g.Ref.Key, errs.ErrStale)
		}
	}
	for _, r := range b.Deletes {
		k := entityKey{r.Kind, b.LibraryID, r.Key}
		if _, ok := s.entities[k]; ok {
			delete(s.entities, k)
			s.writes++
		}
	}
	now := time.Now().UTC()
	for _, e := range b.Upserts {
		c := e.Clone()
		c.LibraryID = b.LibraryID
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = now
		}
		s.entities[entityKey{c.Kind, b.LibraryID, c.Key}] = c
		s.writes++
	}
	return nil
}

func (s *Store) filter(keep func(*model.Entity) bool) []*model.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Entity
	for _, e := range s.entities {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	sortEntities(out)
	return out
}

func sortEntities(es []*model.Entity) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].LibraryID != es[j].LibraryID {
			return es[i].LibraryID < es[j].LibraryID
		}
		return es[i].Key < es[j].Key
	})
}

func hasStatus(s model.SyncStatus, statuses []model.SyncStatus) bool {
	for _, x := range statuses {
		if s == x {
			return true
		}
	}
	return false
}

func toSet(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}
