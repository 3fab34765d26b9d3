package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/service"
)

var verifier = fakeVerifier{tokens: map[string]string{"good": "ops"}}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok, "not a status error: %v", err)
	require.Equal(t, want, st.Code(), st.Message())
}

func TestAuth_RejectsMissingAndBadTokens(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, verifier)

	_, err := h.client.ListLibraries(context.Background())
	requireCode(t, err, codes.Unauthenticated)

	_, err = h.client.ListLibraries(ctxAuth(t, "forged"))
	requireCode(t, err, codes.Unauthenticated)
	require.Zero(t, h.syncer.calls)
}

func TestAuth_WithTokenService(t *testing.T) {
	t.Parallel()
	ts := service.NewTokenService([]byte("secret"), time.Minute)
	h := startBufGRPC(t, ts)

	tok, _, err := ts.Issue("ops")
	require.NoError(t, err)
	_, err = h.client.Status(ctxAuth(t, tok))
	require.NoError(t, err)

	other, _, err := service.NewTokenService([]byte("other"), time.Minute).Issue("ops")
	require.NoError(t, err)
	_, err = h.client.Status(ctxAuth(t, other))
	requireCode(t, err, codes.Unauthenticated)
}

func TestSync_ReturnsResult(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, verifier)
	h.syncer.res = service.Result{Success: 4, Fail: 1, Libraries: []service.LibraryResult{
		{LibraryID: 1, Err: errors.New("library 1 failed")},
	}}

	out, err := h.client.Sync(ctxAuth(t, "good"))
	require.NoError(t, err)
	m := out.AsMap()
	require.Equal(t, float64(4), m["success"])
	require.Equal(t, float64(1), m["fail"])
	require.Equal(t, false, m["canceled"])
	require.Equal(t, 1, h.syncer.calls)
}

func TestSync_ErrorCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want codes.Code
	}{
		{errs.ErrSyncInProgress, codes.Aborted},
		{fmt.Errorf("items A: %w", errs.ErrStale), codes.Aborted},
		{fmt.Errorf("no key: %w", errs.ErrConfigMissing), codes.FailedPrecondition},
		{fmt.Errorf("remote: %w", errs.ErrAuthInvalid), codes.FailedPrecondition},
		{fmt.Errorf("remote: %w", errs.ErrRateLimited), codes.ResourceExhausted},
		{fmt.Errorf("remote: %w", errs.ErrNetwork), codes.Unavailable},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tc := range cases {
		h := startBufGRPC(t, verifier)
		h.syncer.err = tc.err
		_, err := h.client.Sync(ctxAuth(t, "good"))
		requireCode(t, err, tc.want)
	}
}

func TestStatus_Idle(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, verifier)

	out, err := h.client.Status(ctxAuth(t, "good"))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"running": false}, out.AsMap())
}

func TestListLibraries(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, verifier)
	h.libraries.libs = []model.Library{{ID: 7, Kind: model.LibraryGroup, Name: "lab", Mode: model.ModePull, ItemVersion: 40}}

	out, err := h.client.ListLibraries(ctxAuth(t, "good"))
	require.NoError(t, err)
	libs := out.AsMap()["libraries"].([]any)
	require.Len(t, libs, 1)
	require.Equal(t, "lab", libs[0].(map[string]any)["name"])
	require.Equal(t, float64(40), libs[0].(map[string]any)["itemVersion"])
}

func TestListConflicts_KindDefaultAndValidation(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, verifier)
	h.conflicts.list = []model.ConflictInfo{{Kind: model.KindCollection, LibraryID: 1, Key: "C1", Type: model.ConflictDelete}}

	out, err := h.client.ListConflicts(ctxAuth(t, "good"), mustStruct(t, map[string]any{"kind": "collection"}))
	require.NoError(t, err)
	require.Equal(t, model.KindCollection, h.conflicts.lastKind)
	require.Len(t, out.AsMap()["conflicts"].([]any), 1)

	_, err = h.client.ListConflicts(ctxAuth(t, "good"), &structpb.Struct{})
	require.NoError(t, err)
	require.Equal(t, model.KindItem, h.conflicts.lastKind)

	_, err = h.client.ListConflicts(ctxAuth(t, "good"), mustStruct(t, map[string]any{"kind": "tag"}))
	requireCode(t, err, codes.InvalidArgument)
}

func TestResolveConflict(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, verifier)
	ctx := ctxAuth(t, "good")

	_, err := h.client.ResolveConflict(ctx, mustStruct(t, map[string]any{
		"libraryId": 1, "key": "K1", "action": "keep-local",
	}))
	require.NoError(t, err)
	_, err = h.client.ResolveConflict(ctx, mustStruct(t, map[string]any{
		"libraryId": 1, "key": "C1", "action": "accept-remote", "kind": "collection",
	}))
	require.NoError(t, err)
	require.Equal(t, []resolveCall{
		{lib: 1, key: "K1", action: model.KeepLocal},
		{kind: model.KindCollection, lib: 1, key: "C1", action: model.AcceptRemote},
	}, h.conflicts.calls)

	_, err = h.client.ResolveConflict(ctx, mustStruct(t, map[string]any{"libraryId": 1, "key": "K1", "action": "merge"}))
	requireCode(t, err, codes.InvalidArgument)
	_, err = h.client.ResolveConflict(ctx, mustStruct(t, map[string]any{"key": "K1", "action": "keep-local"}))
	requireCode(t, err, codes.InvalidArgument)
	_, err = h.client.ResolveConflict(ctx, mustStruct(t, map[string]any{"libraryId": 1, "action": "keep-local"}))
	requireCode(t, err, codes.InvalidArgument)

	h.conflicts.err = fmt.Errorf("K9: %w", errs.ErrNotFound)
	_, err = h.client.ResolveConflict(ctx, mustStruct(t, map[string]any{"libraryId": 1, "key": "K9", "action": "keep-local"}))
	requireCode(t, err, codes.NotFound)

	h.conflicts.err = fmt.Errorf("not in conflict: %w", errs.ErrInvalidState)
	_, err = h.client.ResolveConflict(ctx, mustStruct(t, map[string]any{"libraryId": 1, "key": "K1", "action": "keep-local"}))
	requireCode(t, err, codes.FailedPrecondition)
}

func TestResolveAllConflicts(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, verifier)
	h.conflicts.all = 3

	out, err := h.client.ResolveAllConflicts(ctxAuth(t, "good"), mustStruct(t, map[string]any{"action": "accept-remote"}))
	require.NoError(t, err)
	require.Equal(t, float64(3), out.AsMap()["resolved"])
}

func TestRecordEdits(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, verifier)
	ctx := ctxAuth(t, "good")

	out, err := h.client.CreateRecord(ctx, mustStruct(t, map[string]any{
		"libraryId": 1, "data": map[string]any{"itemType": "book", "title": "Dune"},
	}))
	require.NoError(t, err)
	require.Equal(t, "tmp-1", out.AsMap()["key"])
	require.Equal(t, "created", out.AsMap()["syncStatus"])
	require.Equal(t, map[string]any{"itemType": "book", "title": "Dune"}, h.editor.created)

	out, err = h.client.EditRecord(ctx, mustStruct(t, map[string]any{
		"libraryId": 1, "key": "K1", "data": map[string]any{"title": nil},
	}))
	require.NoError(t, err)
	require.Equal(t, "updated", out.AsMap()["syncStatus"])
	require.Contains(t, h.editor.patched, "title")
	require.Nil(t, h.editor.patched["title"])

	_, err = h.client.DeleteRecord(ctx, mustStruct(t, map[string]any{"libraryId": 1, "key": "K2"}))
	require.NoError(t, err)
	require.Equal(t, "K2", h.editor.deleted)

	_, err = h.client.EditRecord(ctx, mustStruct(t, map[string]any{"libraryId": 1}))
	requireCode(t, err, codes.InvalidArgument)

	h.editor.err = fmt.Errorf("pull-only: %w", errs.ErrInvalidState)
	_, err = h.client.CreateRecord(ctx, mustStruct(t, map[string]any{"libraryId": 2, "data": map[string]any{"itemType": "book"}}))
	requireCode(t, err, codes.FailedPrecondition)

	h.editor.err = fmt.Errorf("no itemType: %w", errs.ErrValidation)
	_, err = h.client.CreateRecord(ctx, mustStruct(t, map[string]any{"libraryId": 1}))
	requireCode(t, err, codes.InvalidArgument)
}
