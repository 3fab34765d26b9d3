// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/bibsync/internal/model"
)

// LibraryRepository stores libraries and their per-kind watermarks.
type LibraryRepository interface {
	// ListLibraries returns all registered libraries ordered by id.
	ListLibraries(ctx context.Context) ([]model.Library, error)
	// GetLibrary loads a library by id.
	GetLibrary(ctx context.Context, id int64) (model.Library, error)
	// UpsertLibrary registers a library or updates its kind, name and mode.
	// Stored watermarks and last sync time are preserved.
	UpsertLibrary(ctx context.Context, lib model.Library) (model.Library, error)
	// SetWatermark stores the watermark for one kind and stamps the sync time.
	SetWatermark(ctx context.Context, id int64, kind model.Kind, version int64, syncedAt time.Time) error
}

// Store is the full local store used by the sync engine.
type Store interface {
	LibraryRepository
	EntityRepository
}
