// Package grpcserver exposes the bibsync control API over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/bibsync/internal/controlpb"
	"github.com/and161185/bibsync/internal/convert"
	"github.com/and161185/bibsync/internal/errs"
	"github.com/and161185/bibsync/internal/model"
	"github.com/and161185/bibsync/internal/service"
)

// SyncRunner runs cycles and exposes the reentrancy guard.
type SyncRunner interface {
	StartSync(ctx context.Context, progress service.Progress) (service.Result, error)
	Handle() *service.SyncHandle
}

// LibraryLister lists registered libraries.
type LibraryLister interface {
	ListLibraries(ctx context.Context) ([]model.Library, error)
}

// ConflictResolver lists and resolves conflicts.
type ConflictResolver interface {
	ListConflicts(ctx context.Context, kind model.Kind) ([]model.ConflictInfo, error)
	Resolve(ctx context.Context, libraryID int64, key string, action model.Resolution) error
	ResolveKind(ctx context.Context, kind model.Kind, libraryID int64, key string, action model.Resolution) error
	ResolveAll(ctx context.Context, action model.Resolution) (int, error)
}

// Editor records local edits.
type Editor interface {
	Create(ctx context.Context, kind model.Kind, libraryID int64, data map[string]any) (*model.Entity, error)
	Update(ctx context.Context, kind model.Kind, libraryID int64, key string, patch map[string]any) (*model.Entity, error)
	Delete(ctx context.Context, kind model.Kind, libraryID int64, key string) error
}

var (
	_ SyncRunner       = (*service.Syncer)(nil)
	_ ConflictResolver = (*service.ConflictService)(nil)
	_ Editor           = (*service.LocalEditor)(nil)
)

// Server wires services into gRPC handlers.
type Server struct {
	syncer    SyncRunner
	libraries LibraryLister
	conflicts ConflictResolver
	editor    Editor
	log       *zap.Logger
}

var _ controlpb.ControlServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(syncer SyncRunner, libraries LibraryLister, conflicts ConflictResolver, editor Editor, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{syncer: syncer, libraries: libraries, conflicts: conflicts, editor: editor, log: log}
}

// toStatus maps domain sentinels to gRPC codes.
func toStatus(op string, err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, errs.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, errs.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, errs.ErrSyncInProgress), errors.Is(err, errs.ErrStale):
		code = codes.Aborted
	case errors.Is(err, errs.ErrInvalidState),
		errors.Is(err, errs.ErrConfigMissing),
		errors.Is(err, errs.ErrAuthInvalid):
		code = codes.FailedPrecondition
	case errors.Is(err, errs.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, errs.ErrNetwork):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Errorf(code, "%s: %v", op, err)
}

func (s *Server) operator(ctx context.Context) zap.Field {
	op, _ := OperatorFromCtx(ctx)
	return zap.String("operator", op)
}

func encoded(out *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

func resolution(in *structpb.Struct) (model.Resolution, error) {
	r, err := model.ParseResolution(convert.String(in, "action"))
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	return r, nil
}

// --- Sync ---

// Sync runs one cycle bound to the call context.
func (s *Server) Sync(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.log.Info("sync requested", s.operator(ctx))
	res, err := s.syncer.StartSync(ctx, nil)
	if err != nil {
		return nil, toStatus("sync", err)
	}
	return encoded(convert.ToProtoResult(res))
}

// Status reports whether a cycle is running and since when.
func (s *Server) Status(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	running, started := s.syncer.Handle().Running()
	m := map[string]any{"running": running}
	if running {
		m["startedAt"] = started.UTC().Format(time.RFC3339)
	}
	return encoded(convert.ToStruct(m))
}

// ListLibraries returns registered libraries with watermarks.
func (s *Server) ListLibraries(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	libs, err := s.libraries.ListLibraries(ctx)
	if err != nil {
		return nil, toStatus("list libraries", err)
	}
	return encoded(convert.ToProtoLibraries(libs))
}

// --- Conflicts ---

// ListConflicts returns conflicts of {"kind"}; items by default.
func (s *Server) ListConflicts(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	kind, err := convert.Kind(in)
	if err != nil {
		return nil, toStatus("list conflicts", err)
	}
	cs, err := s.conflicts.ListConflicts(ctx, kind)
	if err != nil {
		return nil, toStatus("list conflicts", err)
	}
	return encoded(convert.ToProtoConflicts(cs))
}

// ResolveConflict applies {"action"} to {"libraryId","key"}. Without "kind"
// the key is looked up among items first, then collections.
func (s *Server) ResolveConflict(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	action, err := resolution(in)
	if err != nil {
		return nil, err
	}
	lib, err := convert.Int64(in, "libraryId")
	if err != nil {
		return nil, toStatus("resolve", err)
	}
	key := convert.String(in, "key")
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "empty key")
	}

	if k := convert.String(in, "kind"); k != "" {
		kind, kerr := convert.Kind(in)
		if kerr != nil {
			return nil, toStatus("resolve", kerr)
		}
		err = s.conflicts.ResolveKind(ctx, kind, lib, key, action)
	} else {
		err = s.conflicts.Resolve(ctx, lib, key, action)
	}
	if err != nil {
		return nil, toStatus("resolve", err)
	}
	s.log.Info("conflict resolved", s.operator(ctx), zap.Int64("library", lib), zap.String("key", key), zap.String("action", string(action)))
	return &emptypb.Empty{}, nil
}

// ResolveAllConflicts applies {"action"} to every conflict.
func (s *Server) ResolveAllConflicts(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	action, err := resolution(in)
	if err != nil {
		return nil, err
	}
	n, err := s.conflicts.ResolveAll(ctx, action)
	if err != nil {
		return nil, toStatus("resolve all", err)
	}
	s.log.Info("conflicts resolved", s.operator(ctx), zap.Int("count", n), zap.String("action", string(action)))
	return encoded(convert.ToStruct(map[string]any{"resolved": n}))
}

// --- Local edits ---

// CreateRecord stores {"data"} as a new record of {"kind"} in {"libraryId"}.
func (s *Server) CreateRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	kind, lib, err := target(in)
	if err != nil {
		return nil, toStatus("create", err)
	}
	e, err := s.editor.Create(ctx, kind, lib, convert.Map(in, "data"))
	if err != nil {
		return nil, toStatus("create", err)
	}
	s.log.Info("record created", s.operator(ctx), zap.Int64("library", lib), zap.String("key", e.Key))
	return encoded(convert.ToProtoEntity(e))
}

// EditRecord merges {"data"} into {"key"}; null values remove fields.
func (s *Server) EditRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	kind, lib, err := target(in)
	if err != nil {
		return nil, toStatus("edit", err)
	}
	key := convert.String(in, "key")
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "empty key")
	}
	e, err := s.editor.Update(ctx, kind, lib, key, convert.Map(in, "data"))
	if err != nil {
		return nil, toStatus("edit", err)
	}
	s.log.Info("record edited", s.operator(ctx), zap.Int64("library", lib), zap.String("key", key))
	return encoded(convert.ToProtoEntity(e))
}

// DeleteRecord marks {"key"} for remote deletion.
func (s *Server) DeleteRecord(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	kind, lib, err := target(in)
	if err != nil {
		return nil, toStatus("delete", err)
	}
	key := convert.String(in, "key")
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "empty key")
	}
	if err := s.editor.Delete(ctx, kind, lib, key); err != nil {
		return nil, toStatus("delete", err)
	}
	s.log.Info("record deleted", s.operator(ctx), zap.Int64("library", lib), zap.String("key", key))
	return &emptypb.Empty{}, nil
}

func target(in *structpb.Struct) (model.Kind, int64, error) {
	kind, err := convert.Kind(in)
	if err != nil {
		return "", 0, err
	}
	lib, err := convert.Int64(in, "libraryId")
	if err != nil {
		return "", 0, err
	}
	return kind, lib, nil
}
