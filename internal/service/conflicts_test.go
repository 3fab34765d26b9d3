package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
)

// conflicted produces an update conflict on item A: local title "Mine", remote "Remote".
func conflicted(t *testing.T) *env {
	t.Helper()
	e := newEnv(t, model.ModeBidirectional)
	e.remote.put(model.KindItem, "A", map[string]any{"itemType": "book", "title": "Base"})
	e.pullAll()
	_, err := e.editor.Update(e.ctx, model.KindItem, libID, "A", map[string]any{"title": "Mine"})
	require.NoError(t, err)
	e.remote.put(model.KindItem, "A", map[string]any{"itemType": "book", "title": "Remote", "date": "2001"})
	e.pullAll()
	require.Equal(t, model.StatusConflict, e.get(model.KindItem, "A").SyncStatus)
	return e
}

func TestListConflicts_ReportsShallowDiff(t *testing.T) {
	e := conflicted(t)

	got, err := e.confl.ListConflicts(e.ctx, model.KindItem)
	require.NoError(t, err)
	require.Len(t, got, 1)
	ci := got[0]
	require.Equal(t, "A", ci.Key)
	require.Equal(t, "Mine", ci.Title)
	require.Equal(t, model.ConflictUpdate, ci.Type)
	require.Equal(t, []model.FieldDiff{
		{Field: "date", Local: "", Remote: "2001"},
		{Field: "title", Local: "Mine", Remote: "Remote"},
	}, ci.Fields)

	none, err := e.confl.ListConflicts(e.ctx, model.KindCollection)
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = e.confl.ListConflicts(e.ctx, model.Kind("tag"))
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestConflictRoundTrip_KeepLocalThenPush(t *testing.T) {
	e := conflicted(t)
	require.NoError(t, e.confl.Resolve(e.ctx, libID, "A", model.KeepLocal))

	a := e.get(model.KindItem, "A")
	require.Equal(t, model.StatusUpdated, a.SyncStatus)
	require.Nil(t, a.ServerCopy)
	require.Empty(t, a.SyncError)
	require.Equal(t, "Mine", a.Raw.Data["title"])

	out, err := e.pusher.Push(e.ctx, e.library())
	require.NoError(t, err)
	require.Equal(t, PushOutcome{Success: 1}, out)

	a = e.get(model.KindItem, "A")
	require.Equal(t, model.StatusSynced, a.SyncStatus)
	p, _ := e.remote.get(model.KindItem, "A")
	require.Equal(t, p.Version, a.Version)
	require.Equal(t, "Mine", p.Data["title"])
}

func TestResolve_AcceptRemoteAdoptsServerCopy(t *testing.T) {
	e := conflicted(t)
	require.NoError(t, e.confl.Resolve(e.ctx, libID, "A", model.AcceptRemote))

	a := e.get(model.KindItem, "A")
	require.Equal(t, model.StatusSynced, a.SyncStatus)
	require.Equal(t, "Remote", a.Raw.Data["title"])
	require.Nil(t, a.ServerCopy)
	require.Empty(t, a.SyncError)
}

func TestResolve_AcceptRemoteDeletionRemovesRecord(t *testing.T) {
	e := newEnv(t, model.ModeBidirectional)
	e.seed(model.KindCollection, "C", 4, model.StatusUpdated, map[string]any{"name": "c"})
	_, err := NewCascade(e.store, nil).Resolve(e.ctx, libID, model.KindCollection, []string{"C"})
	require.NoError(t, err)

	require.NoError(t, e.confl.Resolve(e.ctx, libID, "C", model.AcceptRemote))
	_, err = e.store.Get(e.ctx, model.KindCollection, libID, "C")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResolve_KeepLocalOnDeleteConflictRecreates(t *testing.T) {
	e := newEnv(t, model.ModeBidirectional)
	e.seed(model.KindItem, "A", 4, model.StatusUpdated, map[string]any{"itemType": "book"})
	_, err := NewCascade(e.store, nil).Resolve(e.ctx, libID, model.KindItem, []string{"A"})
	require.NoError(t, err)

	require.NoError(t, e.confl.Resolve(e.ctx, libID, "A", model.KeepLocal))
	a := e.get(model.KindItem, "A")
	require.Equal(t, model.StatusCreated, a.SyncStatus)
	require.Equal(t, int64(0), a.Version)
}

func TestResolve_AcceptRemoteOnRejectedUpdateRefetches(t *testing.T) {
	e := newEnv(t, model.ModeBidirectional)
	e.remote.put(model.KindItem, "A", map[string]any{"itemType": "book", "title": "Base"})
	e.pullAll()
	_, err := e.editor.Update(e.ctx, model.KindItem, libID, "A", map[string]any{"title": "Mine"})
	require.NoError(t, err)
	e.remote.put(model.KindItem, "A", map[string]any{"itemType": "book", "title": "Theirs"})
	_, err = e.pusher.Push(e.ctx, e.library())
	require.NoError(t, err)
	require.Equal(t, model.ConflictPush, e.get(model.KindItem, "A").ConflictType())

	require.NoError(t, e.confl.Resolve(e.ctx, libID, "A", model.AcceptRemote))
	a := e.get(model.KindItem, "A")
	require.Equal(t, model.StatusSynced, a.SyncStatus)
	require.Equal(t, "Theirs", a.Raw.Data["title"])
}

func TestResolve_Errors(t *testing.T) {
	e := newEnv(t, model.ModeBidirectional)
	e.seed(model.KindItem, "S", 1, model.StatusSynced, map[string]any{"itemType": "book"})

	require.ErrorIs(t, e.confl.Resolve(e.ctx, libID, "S", model.KeepLocal), errs.ErrInvalidState)
	require.ErrorIs(t, e.confl.Resolve(e.ctx, libID, "NOPE", model.KeepLocal), errs.ErrNotFound)
}

func TestResolveAll_CountsResolved(t *testing.T) {
	e := conflicted(t)
	e.seed(model.KindCollection, "C", 4, model.StatusUpdated, map[string]any{"name": "c"})
	_, err := NewCascade(e.store, nil).Resolve(e.ctx, libID, model.KindCollection, []string{"C"})
	require.NoError(t, err)

	n, err := e.confl.ResolveAll(e.ctx, model.AcceptRemote)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	left, err := e.confl.ListConflicts(e.ctx, model.KindItem)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestDiff_IgnoresIdentityAndRendersNested(t *testing.T) {
	d := Diff(
		map[string]any{"key": "A", "version": int64(1), "tags": []any{map[string]any{"tag": "x"}}, "n": float64(3)},
		map[string]any{"key": "A", "version": float64(2), "tags": []any{}, "n": int64(3)},
	)
	require.Equal(t, []model.FieldDiff{{Field: "tags", Local: `[{"tag":"x"}]`, Remote: `[]`}}, d)
}

func TestResolve_KeepLocalOnRejectedDeleteRequeuesDeletion(t *testing.T) {
	e := newEnv(t, model.ModeBidirectional)
	e.remote.put(model.KindItem, "A", map[string]any{"itemType": "book"})
	e.pullAll()
	require.NoError(t, e.editor.Delete(e.ctx, model.KindItem, libID, "A"))
	e.remote.put(model.KindItem, "A", map[string]any{"itemType": "book", "title": "theirs"})
	_, err := e.pusher.Push(e.ctx, e.library())
	require.NoError(t, err)
	require.True(t, e.get(model.KindItem, "A").DeleteIntent())

	require.NoError(t, e.confl.Resolve(e.ctx, libID, "A", model.KeepLocal))
	a := e.get(model.KindItem, "A")
	require.Equal(t, model.StatusDeleted, a.SyncStatus)
	p, _ := e.remote.get(model.KindItem, "A")
	require.Equal(t, p.Version, a.Version)

	out, err := e.pusher.Push(e.ctx, e.library())
	require.NoError(t, err)
	require.Equal(t, PushOutcome{Success: 1}, out)
	_, onRemote := e.remote.get(model.KindItem, "A")
	require.False(t, onRemote)
	_, err = e.store.Get(e.ctx, model.KindItem, libID, "A")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResolve_KeepLocalOnPulledDeleteConflictRequeuesDeletion(t *testing.T) {
	e := newEnv(t, model.ModeBidirectional)
	e.remote.put(model.KindItem, "A", map[string]any{"itemType": "book"})
	e.pullAll()
	require.NoError(t, e.editor.Delete(e.ctx, model.KindItem, libID, "A"))
	e.remote.put(model.KindItem, "A", map[string]any{"itemType": "book", "title": "theirs"})
	e.pullAll()

	require.NoError(t, e.confl.Resolve(e.ctx, libID, "A", model.KeepLocal))
	a := e.get(model.KindItem, "A")
	require.Equal(t, model.StatusDeleted, a.SyncStatus)
	require.Equal(t, int64(2), a.Version)

	_, err := e.pusher.Push(e.ctx, e.library())
	require.NoError(t, err)
	_, onRemote := e.remote.get(model.KindItem, "A")
	require.False(t, onRemote)
}
