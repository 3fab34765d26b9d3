package grpcserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/bibsync/internal/controlpb"
	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/service"
)

type fakeSyncer struct {
	handle service.SyncHandle
	res    service.Result
	err    error
	calls  int
}

func (f *fakeSyncer) StartSync(context.Context, service.Progress) (service.Result, error) {
	f.calls++
	return f.res, f.err
}
func (f *fakeSyncer) Handle() *service.SyncHandle { return &f.handle }

type fakeLibraries struct {
	libs []model.Library
	err  error
}

func (f *fakeLibraries) ListLibraries(context.Context) ([]model.Library, error) { return f.libs, f.err }

type resolveCall struct {
	kind   model.Kind
	lib    int64
	key    string
	action model.Resolution
}

type fakeConflicts struct {
	mu       sync.Mutex
	list     []model.ConflictInfo
	lastKind model.Kind
	calls    []resolveCall
	err      error
	all      int
}

func (f *fakeConflicts) ListConflicts(_ context.Context, kind model.Kind) ([]model.ConflictInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKind = kind
	return f.list, f.err
}
func (f *fakeConflicts) Resolve(_ context.Context, lib int64, key string, action model.Resolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resolveCall{lib: lib, key: key, action: action})
	return f.err
}
func (f *fakeConflicts) ResolveKind(_ context.Context, kind model.Kind, lib int64, key string, action model.Resolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resolveCall{kind: kind, lib: lib, key: key, action: action})
	return f.err
}
func (f *fakeConflicts) ResolveAll(context.Context, model.Resolution) (int, error) { return f.all, f.err }

type fakeEditor struct {
	mu      sync.Mutex
	created map[string]any
	patched map[string]any
	deleted string
	err     error
}

func (f *fakeEditor) Create(_ context.Context, kind model.Kind, lib int64, data map[string]any) (*model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = data
	return &model.Entity{Kind: kind, LibraryID: lib, Key: "tmp-1", SyncStatus: model.StatusCreated,
		Raw: model.Payload{Key: "tmp-1", Data: data}}, nil
}
func (f *fakeEditor) Update(_ context.Context, kind model.Kind, lib int64, key string, patch map[string]any) (*model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.patched = patch
	return &model.Entity{Kind: kind, LibraryID: lib, Key: key, Version: 3, SyncStatus: model.StatusUpdated,
		Raw: model.Payload{Key: key, Version: 3, Data: patch}}, nil
}
func (f *fakeEditor) Delete(_ context.Context, _ model.Kind, _ int64, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = key
	return f.err
}

var (
	_ SyncRunner       = (*fakeSyncer)(nil)
	_ LibraryLister    = (*fakeLibraries)(nil)
	_ ConflictResolver = (*fakeConflicts)(nil)
	_ Editor           = (*fakeEditor)(nil)
)

type fakeVerifier struct{ tokens map[string]string }

func (f fakeVerifier) Verify(tok string) (string, error) {
	if sub, ok := f.tokens[tok]; ok {
		return sub, nil
	}
	return "", errs.ErrAuthInvalid
}

const bufSize = 1 << 20

type harness struct {
	syncer    *fakeSyncer
	libraries *fakeLibraries
	conflicts *fakeConflicts
	editor    *fakeEditor
	client    *controlpb.ControlClient
}

func startBufGRPC(t *testing.T, v TokenVerifier) *harness {
	t.Helper()
	h := &harness{
		syncer:    &fakeSyncer{},
		libraries: &fakeLibraries{},
		conflicts: &fakeConflicts{},
		editor:    &fakeEditor{},
	}
	log := zaptest.NewLogger(t)
	srv := New(h.syncer, h.libraries, h.conflicts, h.editor, log)

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log), AuthUnary(v)))
	controlpb.RegisterControlServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	h.client = controlpb.NewControlClient(cc)
	return h
}

func ctxAuth(t *testing.T, token string) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}
