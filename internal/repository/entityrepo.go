package repository

import (
	"bytes"
	"context"

	"github.com/and161185/bibsync/internal/model"
)

// Batch is a set of writes committed atomically for one library.
// Deletes are applied before upserts so a record may be replaced under a new key.
// Guards are checked first; one mismatch rejects the batch with errs.ErrStale.
type Batch struct {
	LibraryID int64
	Upserts   []*model.Entity
	Deletes   []model.Ref
	Guards    []Guard
}

// Guard is the stored state a batch was computed from. An empty Status expects
// the record to be absent.
type Guard struct {
	Ref     model.Ref
	Status  model.SyncStatus
	Version int64
	Digest  []byte
}

// GuardOf captures the state of a record as read.
func GuardOf(e *model.Entity) Guard {
	return Guard{
		Ref:     e.Ref(),
		Status:  e.SyncStatus,
		Version: e.Version,
		Digest:  append([]byte(nil), e.Digest...),
	}
}

// Matches reports whether stored, nil when absent, is still what g expects.
func (g Guard) Matches(stored *model.Entity) bool {
	if stored == nil {
		return g.Status == ""
	}
	return stored.SyncStatus == g.Status && stored.Version == g.Version && bytes.Equal(stored.Digest, g.Digest)
}

// Guard adds the read state of each record to the batch.
func (b *Batch) Guard(es ...*model.Entity) {
	for _, e := range es {
		b.Guards = append(b.Guards, GuardOf(e))
	}
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool { return len(b.Upserts) == 0 && len(b.Deletes) == 0 }

// EntityRepository provides access to collections and items keyed by (library, key).
type EntityRepository interface {
	// Get returns one record or errs.ErrNotFound.
	Get(ctx context.Context, kind model.Kind, libraryID int64, key string) (*model.Entity, error)

	// GetMany returns the existing records among keys, indexed by key.
	GetMany(ctx context.Context, kind model.Kind, libraryID int64, keys []string) (map[string]*model.Entity, error)

	// ListByStatus returns the library's records in any of the statuses.
	ListByStatus(ctx context.Context, kind model.Kind, libraryID int64, statuses ...model.SyncStatus) ([]*model.Entity, error)

	// ListAllByStatus returns records in status across all libraries.
	ListAllByStatus(ctx context.Context, kind model.Kind, status model.SyncStatus) ([]*model.Entity, error)

	// Children returns records whose parent link is one of parentKeys (one level).
	Children(ctx context.Context, kind model.Kind, libraryID int64, parentKeys []string) ([]*model.Entity, error)

	// Descendants returns the transitive closure of children under key, excluding key itself.
	Descendants(ctx context.Context, kind model.Kind, libraryID int64, key string) ([]*model.Entity, error)

	// Members returns items that belong to any of the collections.
	Members(ctx context.Context, libraryID int64, collectionKeys []string) ([]*model.Entity, error)

	// Apply commits the batch in one transaction.
	Apply(ctx context.Context, b Batch) error
}
