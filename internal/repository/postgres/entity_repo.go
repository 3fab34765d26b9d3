package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Store combines the library and entity repositories over one pool.
type Store struct {
	*LibraryRepo
	*EntityRepo
}

// NewStore constructs the full local store.
func NewStore(db *DB) *Store {
	return &Store{LibraryRepo: NewLibraryRepo(db), EntityRepo: NewEntityRepo(db)}
}

// EntityRepo implements EntityRepository using PostgreSQL.
type EntityRepo struct{ db *DB }

// NewEntityRepo constructs an entity repository.
func NewEntityRepo(db *DB) *EntityRepo { return &EntityRepo{db: db} }

type table struct {
	name   string
	parent string
	cols   string
}

var (
	collectionsTable = table{
		name:   "collections",
		parent: "parent_collection",
		cols:   `library_id, key, version, sync_status, raw, server_copy, sync_error, parent_collection, '{}'::text[], '', digest, updated_at`,
	}
	itemsTable = table{
		name:   "items",
		parent: "parent_item",
		cols:   `library_id, key, version, sync_status, raw, server_copy, sync_error, parent_item, collections, item_type, digest, updated_at`,
	}
)

func tableFor(kind model.Kind) (table, error) {
	switch kind {
	case model.KindCollection:
		return collectionsTable, nil
	case model.KindItem:
		return itemsTable, nil
	}
	return table{}, fmt.Errorf("unknown kind %q: %w", kind, errs.ErrValidation)
}

func scanEntity(kind model.Kind, row pgx.Row) (*model.Entity, error) {
	var (
		e      = &model.Entity{Kind: kind}
		status string
		raw    []byte
		sc     []byte
	)
	if err := row.Scan(&e.LibraryID, &e.Key, &e.Version, &status, &raw, &sc, &e.SyncError,
		&e.Parent, &e.Collections, &e.ItemType, &e.Digest, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.SyncStatus = model.SyncStatus(status)
	if err := json.Unmarshal(raw, &e.Raw); err != nil {
		return nil, fmt.Errorf("%s %s raw: %w", kind, e.Key, err)
	}
	if len(sc) > 0 {
		var p model.Payload
		if err := json.Unmarshal(sc, &p); err != nil {
			return nil, fmt.Errorf("%s %s server copy: %w", kind, e.Key, err)
		}
		e.ServerCopy = &p
	}
	if len(e.Collections) == 0 {
		e.Collections = nil
	}
	return e, nil
}

func (r *EntityRepo) list(ctx context.Context, kind model.Kind, q string, args ...any) ([]*model.Entity, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Entity
	for rows.Next() {
		e, err := scanEntity(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one record.
func (r *EntityRepo) Get(ctx context.Context, kind model.Kind, libraryID int64, key string) (*model.Entity, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + t.cols + ` FROM ` + t.name + ` WHERE library_id=$1 AND key=$2`
	e, err := scanEntity(kind, r.db.Pool.QueryRow(ctx, q, libraryID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// GetMany returns the existing records among keys.
func (r *EntityRepo) GetMany(ctx context.Context, kind model.Kind, libraryID int64, keys []string) (map[string]*model.Entity, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.Entity, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	q := `SELECT ` + t.cols + ` FROM ` + t.name + ` WHERE library_id=$1 AND key = ANY($2)`
	es, err := r.list(ctx, kind, q, libraryID, keys)
	if err != nil {
		return nil, err
	}
	for _, e := range es {
		out[e.Key] = e
	}
	return out, nil
}

// ListByStatus returns the library's records in any of the statuses.
func (r *EntityRepo) ListByStatus(ctx context.Context, kind model.Kind, libraryID int64, statuses ...model.SyncStatus) ([]*model.Entity, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	st := make([]string, len(statuses))
	for i, s := range statuses {
		st[i] = string(s)
	}
	q := `SELECT ` + t.cols + ` FROM ` + t.name + ` WHERE library_id=$1 AND sync_status = ANY($2) ORDER BY key`
	return r.list(ctx, kind, q, libraryID, st)
}

// ListAllByStatus returns records in status across libraries.
func (r *EntityRepo) ListAllByStatus(ctx context.Context, kind model.Kind, status model.SyncStatus) ([]*model.Entity, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + t.cols + ` FROM ` + t.name + ` WHERE sync_status=$1 ORDER BY library_id, key`
	return r.list(ctx, kind, q, string(status))
}

// Children returns direct children of parentKeys.
func (r *EntityRepo) Children(ctx context.Context, kind model.Kind, libraryID int64, parentKeys []string) ([]*model.Entity, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	if len(parentKeys) == 0 {
		return nil, nil
	}
	q := `SELECT ` + t.cols + ` FROM ` + t.name + ` WHERE library_id=$1 AND ` + t.parent + ` = ANY($2) ORDER BY key`
	return r.list(ctx, kind, q, libraryID, parentKeys)
}

// Descendants follows the parent index transitively. UNION drops repeats, so a
// cyclic parent chain terminates.
func (r *EntityRepo) Descendants(ctx context.Context, kind model.Kind, libraryID int64, key string) ([]*model.Entity, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q := `
WITH RECURSIVE tree(key) AS (
    SELECT key FROM ` + t.name + ` WHERE library_id=$1 AND ` + t.parent + `=$2
    UNION
    SELECT c.key FROM ` + t.name + ` c JOIN tree ON c.` + t.parent + ` = tree.key WHERE c.library_id=$1
)
SELECT ` + t.cols + ` FROM ` + t.name + `
WHERE library_id=$1 AND key IN (SELECT key FROM tree) AND key <> $2
ORDER BY key`
	return r.list(ctx, kind, q, libraryID, key)
}

// Members returns items in any of the collections.
func (r *EntityRepo) Members(ctx context.Context, libraryID int64, collectionKeys []string) ([]*model.Entity, error) {
	if len(collectionKeys) == 0 {
		return nil, nil
	}
	q := `SELECT ` + itemsTable.cols + ` FROM items WHERE library_id=$1 AND collections && $2 ORDER BY key`
	return r.list(ctx, model.KindItem, q, libraryID, collectionKeys)
}

const (
	upsertCollection = `
INSERT INTO collections (library_id, key, version, sync_status, raw, server_copy, sync_error, parent_collection, digest, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (library_id, key) DO UPDATE SET
    version=EXCLUDED.version, sync_status=EXCLUDED.sync_status, raw=EXCLUDED.raw,
    server_copy=EXCLUDED.server_copy, sync_error=EXCLUDED.sync_error,
    parent_collection=EXCLUDED.parent_collection, digest=EXCLUDED.digest, updated_at=EXCLUDED.updated_at`

	upsertItem = `
INSERT INTO items (library_id, key, version, sync_status, raw, server_copy, sync_error, parent_item, collections, item_type, digest, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (library_id, key) DO UPDATE SET
    version=EXCLUDED.version, sync_status=EXCLUDED.sync_status, raw=EXCLUDED.raw,
    server_copy=EXCLUDED.server_copy, sync_error=EXCLUDED.sync_error, parent_item=EXCLUDED.parent_item,
    collections=EXCLUDED.collections, item_type=EXCLUDED.item_type, digest=EXCLUDED.digest, updated_at=EXCLUDED.updated_at`
)

// Apply commits the batch in one transaction: guarded rows are locked and
// compared first, then deletes per kind, then upserts.
func (r *EntityRepo) Apply(ctx context.Context, b repository.Batch) error {
	if b.Empty() {
		return nil
	}
	dels := map[model.Kind][]string{}
	for _, ref := range b.Deletes {
		dels[ref.Kind] = append(dels[ref.Kind], ref.Key)
	}
	now := time.Now().UTC()

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := checkGuards(ctx, tx, b.LibraryID, b.Guards); err != nil {
			return err
		}
		for _, kind := range model.Kinds {
			keys := dels[kind]
			if len(keys) == 0 {
				continue
			}
			t, _ := tableFor(kind)
			if _, err := tx.Exec(ctx, `DELETE FROM `+t.name+` WHERE library_id=$1 AND key = ANY($2)`, b.LibraryID, keys); err != nil {
				return fmt.Errorf("delete %s: %w", t.name, err)
			}
		}
		for _, e := range b.Upserts {
			if err := upsert(ctx, tx, b.LibraryID, e, now); err != nil {
				return fmt.Errorf("upsert %s %s: %w", e.Kind, e.Key, err)
			}
		}
		return nil
	})
}

func checkGuards(ctx context.Context, tx pgx.Tx, libraryID int64, guards []repository.Guard) error {
	byKind := map[model.Kind][]repository.Guard{}
	for _, g := range guards {
		byKind[g.Ref.Kind] = append(byKind[g.Ref.Kind], g)
	}
	for _, kind := range model.Kinds {
		gs := byKind[kind]
		if len(gs) == 0 {
			continue
		}
		stored, err := lockRows(ctx, tx, kind, libraryID, gs)
		if err != nil {
			return err
		}
		for _, g := range gs {
			if !g.Matches(stored[g.Ref.Key]) {
				return fmt.Errorf("%s %s: %w", kind, g.Ref.Key, errs.ErrStale)
			}
		}
	}
	return nil
}

func lockRows(ctx context.Context, tx pgx.Tx, kind model.Kind, libraryID int64, gs []repository.Guard) (map[string]*model.Entity, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(gs))
	for i, g := range gs {
		keys[i] = g.Ref.Key
	}
	rows, err := tx.Query(ctx, `SELECT key, sync_status, version, digest FROM `+t.name+
		` WHERE library_id=$1 AND key = ANY($2) FOR UPDATE`, libraryID, keys)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", t.name, err)
	}
	defer rows.Close()

	out := make(map[string]*model.Entity, len(keys))
	for rows.Next() {
		var (
			e      = &model.Entity{Kind: kind}
			status string
		)
		if err := rows.Scan(&e.Key, &status, &e.Version, &e.Digest); err != nil {
			return nil, err
		}
		e.SyncStatus = model.SyncStatus(status)
		out[e.Key] = e
	}
	return out, rows.Err()
}

func upsert(ctx context.Context, tx pgx.Tx, libraryID int64, e *model.Entity, now time.Time) error {
	raw, err := json.Marshal(e.Raw)
	if err != nil {
		return err
	}
	var sc []byte
	if e.ServerCopy != nil {
		if sc, err = json.Marshal(e.ServerCopy); err != nil {
			return err
		}
	}
	at := e.UpdatedAt
	if at.IsZero() {
		at = now
	}
	switch e.Kind {
	case model.KindCollection:
		_, err = tx.Exec(ctx, upsertCollection, libraryID, e.Key, e.Version, string(e.SyncStatus), raw, sc,
			e.SyncError, e.Parent, e.Digest, at)
	case model.KindItem:
		cols := e.Collections
		if cols == nil {
			cols = []string{}
		}
		_, err = tx.Exec(ctx, upsertItem, libraryID, e.Key, e.Version, string(e.SyncStatus), raw, sc,
			e.SyncError, e.Parent, cols, e.ItemType, e.Digest, at)
	default:
		err = fmt.Errorf("unknown kind %q: %w", e.Kind, errs.ErrValidation)
	}
	return err
}
