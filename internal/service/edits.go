package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/normalize"
	"github.com/and161185/bibsync/internal/repository"
)

// TempKeyPrefix marks keys of records the remote has not assigned yet.
const TempKeyPrefix = "tmp-"

// LocalEditor records offline edits for the next push.
type LocalEditor struct {
	store repository.Store
	log   *zap.Logger
}

// NewLocalEditor constructs a LocalEditor.
func NewLocalEditor(store repository.Store, log *zap.Logger) *LocalEditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalEditor{store: store, log: log}
}

func (ed *LocalEditor) writableLibrary(ctx context.Context, libraryID int64) error {
	lib, err := ed.store.GetLibrary(ctx, libraryID)
	if err != nil {
		return err
	}
	if !lib.Bidirectional() {
		return fmt.Errorf("library %d is pull-only: %w", libraryID, errs.ErrInvalidState)
	}
	return nil
}

func validateData(kind model.Kind, data map[string]any) error {
	switch kind {
	case model.KindItem:
		if normalize.String(data["itemType"]) == "" {
			return fmt.Errorf("item without itemType: %w", errs.ErrValidation)
		}
	case model.KindCollection:
		if normalize.String(data["name"]) == "" {
			return fmt.Errorf("collection without name: %w", errs.ErrValidation)
		}
	default:
		return fmt.Errorf("kind %q: %w", kind, errs.ErrValidation)
	}
	return nil
}

// Create stores a new Created record under a temporary key.
func (ed *LocalEditor) Create(ctx context.Context, kind model.Kind, libraryID int64, data map[string]any) (*model.Entity, error) {
	if err := validateData(kind, data); err != nil {
		return nil, err
	}
	if err := ed.writableLibrary(ctx, libraryID); err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	key := TempKeyPrefix + id.String()

	raw := model.Payload{Key: key, Data: make(map[string]any, len(data)+2)}
	for k, v := range data {
		raw.Data[k] = v
	}
	e, err := normalize.Entity(kind, libraryID, raw)
	if err != nil {
		return nil, err
	}
	e.SyncStatus = model.StatusCreated
	if err := ed.store.Apply(ctx, repository.Batch{LibraryID: libraryID, Upserts: []*model.Entity{e}}); err != nil {
		return nil, err
	}
	ed.log.Info("local create", zap.Int64("library", libraryID), zap.String("kind", string(kind)), zap.String("key", key))
	return e, nil
}

// Update merges patch into the record's data; a nil value removes the field.
// Synced and Ignored records become Updated; Created and Updated keep their status.
func (ed *LocalEditor) Update(ctx context.Context, kind model.Kind, libraryID int64, key string, patch map[string]any) (*model.Entity, error) {
	if err := ed.writableLibrary(ctx, libraryID); err != nil {
		return nil, err
	}
	var out *model.Entity
	err := retryStale(ctx, func() error {
		e, err := ed.store.Get(ctx, kind, libraryID, key)
		if err != nil {
			return err
		}
		b := repository.Batch{LibraryID: libraryID}
		b.Guard(e)
		e = e.Clone()

		switch e.SyncStatus {
		case model.StatusSynced, model.StatusIgnored:
			e.SyncStatus = model.StatusUpdated
		case model.StatusCreated, model.StatusUpdated:
		default:
			return fmt.Errorf("%s %s is %s: %w", kind, key, e.SyncStatus, errs.ErrInvalidState)
		}

		if e.Raw.Data == nil {
			e.Raw.Data = map[string]any{}
		}
		for k, v := range patch {
			if k == "key" || k == "version" {
				continue
			}
			if v == nil {
				delete(e.Raw.Data, k)
				continue
			}
			e.Raw.Data[k] = v
		}
		if err := validateData(kind, e.Raw.Data); err != nil {
			return err
		}
		if err := normalize.Derive(e); err != nil {
			return err
		}
		e.UpdatedAt = time.Now().UTC()
		b.Upserts = []*model.Entity{e}
		if err := ed.store.Apply(ctx, b); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete drops a never-pushed record outright and marks anything else Deleted.
func (ed *LocalEditor) Delete(ctx context.Context, kind model.Kind, libraryID int64, key string) error {
	if err := ed.writableLibrary(ctx, libraryID); err != nil {
		return err
	}
	return retryStale(ctx, func() error {
		e, err := ed.store.Get(ctx, kind, libraryID, key)
		if err != nil {
			return err
		}
		b := repository.Batch{LibraryID: libraryID}
		b.Guard(e)
		switch e.SyncStatus {
		case model.StatusCreated:
			b.Deletes = []model.Ref{e.Ref()}
		case model.StatusSynced, model.StatusUpdated, model.StatusIgnored:
			d := e.Clone()
			d.SyncStatus = model.StatusDeleted
			d.UpdatedAt = time.Now().UTC()
			b.Upserts = []*model.Entity{d}
		default:
			return fmt.Errorf("%s %s is %s: %w", kind, key, e.SyncStatus, errs.ErrInvalidState)
		}
		return ed.store.Apply(ctx, b)
	})
}

// IsTempKey reports whether key was assigned locally.
func IsTempKey(key string) bool { return strings.HasPrefix(key, TempKeyPrefix) }
