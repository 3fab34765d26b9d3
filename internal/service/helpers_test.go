package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/normalize"
	"github.com/and161185/bibsync/internal/repository"
	"github.com/and161185/bibsync/internal/repository/memory"
)

const libID = int64(1)

type env struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	remote *fakeRemote
	puller *Puller
	pusher *Pusher
	syncer *Syncer
	confl  *ConflictService
	editor *LocalEditor
}

func newEnv(t *testing.T, mode model.SyncMode) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	st := memory.New()
	rem := newFakeRemote()
	_, err := st.UpsertLibrary(context.Background(), model.Library{ID: libID, Kind: model.LibraryPersonal, Name: "Mine", Mode: mode})
	require.NoError(t, err)

	puller := NewPuller(st, rem, nil, Options{}, log)
	pusher := NewPusher(st, rem, Options{}, log)
	return &env{
		t:      t,
		ctx:    context.Background(),
		store:  st,
		remote: rem,
		puller: puller,
		pusher: pusher,
		syncer: NewSyncer(st, puller, pusher, []int64{libID}, log),
		confl:  NewConflictService(st, rem, log),
		editor: NewLocalEditor(st, log),
	}
}

func (e *env) library() model.Library {
	e.t.Helper()
	l, err := e.store.GetLibrary(e.ctx, libID)
	require.NoError(e.t, err)
	return l
}

func (e *env) pull(kind model.Kind) PullOutcome {
	e.t.Helper()
	out, err := e.puller.Pull(e.ctx, e.library(), kind)
	require.NoError(e.t, err)
	return out
}

func (e *env) pullAll() {
	e.t.Helper()
	for _, k := range model.Kinds {
		e.pull(k)
	}
}

func (e *env) get(kind model.Kind, key string) *model.Entity {
	e.t.Helper()
	got, err := e.store.Get(e.ctx, kind, libID, key)
	require.NoError(e.t, err)
	return got
}

// seed stores a record directly, bypassing the remote.
func (e *env) seed(kind model.Kind, key string, version int64, status model.SyncStatus, data map[string]any) *model.Entity {
	e.t.Helper()
	d := map[string]any{}
	for k, v := range data {
		d[k] = v
	}
	rec, err := normalize.Entity(kind, libID, model.Payload{Key: key, Version: version, Data: d})
	require.NoError(e.t, err)
	rec.SyncStatus = status
	require.NoError(e.t, e.store.Apply(e.ctx, repository.Batch{LibraryID: libID, Upserts: []*model.Entity{rec}}))
	return rec
}

func (e *env) setWatermark(kind model.Kind, v int64) {
	e.t.Helper()
	lib := e.library()
	require.NoError(e.t, e.store.SetWatermark(e.ctx, libID, kind, v, lib.LastSyncedAt))
}

func emptyStore() *memory.Store { return memory.New() }
