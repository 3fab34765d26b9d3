package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
)

// LibraryRepo implements LibraryRepository using PostgreSQL.
type LibraryRepo struct{ db *DB }

// NewLibraryRepo constructs a library repository.
func NewLibraryRepo(db *DB) *LibraryRepo { return &LibraryRepo{db: db} }

const libraryCols = `id, kind, name, mode, collection_version, item_version, last_synced_at`

func scanLibrary(row pgx.Row) (model.Library, error) {
	var (
		l      model.Library
		kind   string
		mode   string
		synced *time.Time
	)
	if err := row.Scan(&l.ID, &kind, &l.Name, &mode, &l.CollectionVersion, &l.ItemVersion, &synced); err != nil {
		return model.Library{}, err
	}
	l.Kind = model.LibraryKind(kind)
	l.Mode = model.SyncMode(mode)
	if synced != nil {
		l.LastSyncedAt = synced.UTC()
	}
	return l, nil
}

// ListLibraries returns all libraries ordered by id.
func (r *LibraryRepo) ListLibraries(ctx context.Context) ([]model.Library, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+libraryCols+` FROM libraries ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Library
	for rows.Next() {
		l, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetLibrary loads a library by id.
func (r *LibraryRepo) GetLibrary(ctx context.Context, id int64) (model.Library, error) {
	l, err := scanLibrary(r.db.Pool.QueryRow(ctx, `SELECT `+libraryCols+` FROM libraries WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Library{}, errs.ErrNotFound
		}
		return model.Library{}, err
	}
	return l, nil
}

// UpsertLibrary registers a library, leaving existing watermarks intact.
func (r *LibraryRepo) UpsertLibrary(ctx context.Context, lib model.Library) (model.Library, error) {
	const q = `
INSERT INTO libraries (id, kind, name, mode) VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET kind=EXCLUDED.kind, name=EXCLUDED.name, mode=EXCLUDED.mode
RETURNING ` + libraryCols
	return scanLibrary(r.db.Pool.QueryRow(ctx, q, lib.ID, string(lib.Kind), lib.Name, string(lib.Mode)))
}

// SetWatermark raises the kind watermark to version; it never moves backwards.
func (r *LibraryRepo) SetWatermark(ctx context.Context, id int64, kind model.Kind, version int64, syncedAt time.Time) error {
	col, err := watermarkColumn(kind)
	if err != nil {
		return err
	}
	q := `UPDATE libraries SET ` + col + `=GREATEST(` + col + `,$2), last_synced_at=$3 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, version, syncedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func watermarkColumn(kind model.Kind) (string, error) {
	switch kind {
	case model.KindCollection:
		return "collection_version", nil
	case model.KindItem:
		return "item_version", nil
	}
	return "", fmt.Errorf("watermark for %q: %w", kind, errs.ErrValidation)
}
