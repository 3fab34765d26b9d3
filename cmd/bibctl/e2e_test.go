package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"

	"github.com/and161185/bibsync/internal/controlpb"
	"github.com/and161185/bibsync/internal/limiter"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/remote"
	"github.com/and161185/bibsync/internal/repository/memory"
	grpcserver "github.com/and161185/bibsync/internal/server/grpc"
	"github.com/and161185/bibsync/internal/service"
)

// remoteStub serves one item in group library 2.
func remoteStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case strings.HasSuffix(r.URL.Path, "/collections"):
			w.Header().Set("Last-Modified-Version", "0")
			_, _ = w.Write([]byte(`{}`))
		case strings.HasSuffix(r.URL.Path, "/items") && q.Get("format") == "versions":
			w.Header().Set("Last-Modified-Version", "3")
			_, _ = w.Write([]byte(`{"ABCD1234":3}`))
		case strings.HasSuffix(r.URL.Path, "/items"):
			w.Header().Set("Last-Modified-Version", "3")
			_ = json.NewEncoder(w).Encode([]model.Payload{{
				Key: "ABCD1234", Version: 3,
				Data: map[string]any{"itemType": "book", "title": "Dune"},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startDaemon wires the real engine over a memory store behind a loopback
// control server and returns a config file pointing at it.
func startDaemon(t *testing.T) (string, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	store := memory.New()
	for _, lib := range []model.Library{
		{ID: 1, Kind: model.LibraryPersonal, Name: "mine", Mode: model.ModeBidirectional},
		{ID: 2, Kind: model.LibraryGroup, Name: "lab", Mode: model.ModePull},
	} {
		_, err := store.UpsertLibrary(ctx, lib)
		require.NoError(t, err)
	}

	client := remote.NewClient(http.DefaultClient, remoteStub(t).URL, "key", limiter.NewBackoff(time.Second, time.Minute), log)
	puller := service.NewPuller(store, client, service.NewCascade(store, log), service.Options{}, log)
	pusher := service.NewPusher(store, client, service.Options{}, log)
	syncer := service.NewSyncer(store, puller, pusher, []int64{2}, log)

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcserver.RecoverUnary(log),
		grpcserver.AuthUnary(service.NewTokenService([]byte("shared"), time.Minute)),
	))
	controlpb.RegisterControlServer(gs, grpcserver.New(
		syncer, store,
		service.NewConflictService(store, client, log),
		service.NewLocalEditor(store, log),
		log,
	))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cfgPath := filepath.Join(t.TempDir(), "bibctl.yaml")
	body := "control:\n  addr: " + lis.Addr().String() + "\n  jwt_key: shared\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath, store
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath, "--plaintext", "--timeout", "10s"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestE2E_SyncAndLibraries(t *testing.T) {
	cfgPath, store := startDaemon(t)

	out, err := run(t, cfgPath, "sync")
	require.NoError(t, err, out)
	require.Contains(t, out, "success=1 fail=0")

	e, err := store.Get(context.Background(), model.KindItem, 2, "ABCD1234")
	require.NoError(t, err)
	require.Equal(t, model.StatusSynced, e.SyncStatus)

	out, err = run(t, cfgPath, "libraries")
	require.NoError(t, err, out)
	require.Contains(t, out, "lab")

	out, err = run(t, cfgPath, "--json", "libraries")
	require.NoError(t, err, out)
	var libs struct {
		Libraries []struct {
			ID          float64 `json:"id"`
			ItemVersion float64 `json:"itemVersion"`
		} `json:"libraries"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &libs))
	require.Len(t, libs.Libraries, 2)
	require.Equal(t, float64(3), libs.Libraries[1].ItemVersion)
}

func TestE2E_LocalEditsAndConflicts(t *testing.T) {
	cfgPath, store := startDaemon(t)
	ctx := context.Background()

	out, err := run(t, cfgPath, "item", "create", "--library", "1", "--set", "itemType=book", "--set", "title=Notes")
	require.NoError(t, err, out)
	var created map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	key := created["key"].(string)
	require.True(t, service.IsTempKey(key))

	out, err = run(t, cfgPath, "item", "edit", key, "--library", "1", "--set", "title=Better notes")
	require.NoError(t, err, out)
	e, err := store.Get(ctx, model.KindItem, 1, key)
	require.NoError(t, err)
	require.Equal(t, "Better notes", e.Raw.Data["title"])
	require.Equal(t, model.StatusCreated, e.SyncStatus)

	out, err = run(t, cfgPath, "item", "rm", key, "--library", "1")
	require.NoError(t, err, out)
	_, err = store.Get(ctx, model.KindItem, 1, key)
	require.Error(t, err, "never-pushed record is removed")

	_, err = run(t, cfgPath, "item", "create", "--library", "2", "--set", "itemType=book")
	require.Error(t, err, "pull-only library rejects edits")

	out, err = run(t, cfgPath, "conflicts", "list")
	require.NoError(t, err, out)
	require.Equal(t, "no conflicts\n", out)

	_, err = run(t, cfgPath, "conflicts", "resolve", "NOPE", "--library", "1", "--action", "keep-local")
	require.Error(t, err)
}

func TestE2E_RejectsWrongKey(t *testing.T) {
	cfgPath, _ := startDaemon(t)
	raw, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfgPath, bytes.Replace(raw, []byte("shared"), []byte("forged"), 1), 0o600))

	_, err = run(t, cfgPath, "status")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Unauthenticated")
}
