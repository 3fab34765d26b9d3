// Command syncd runs the bibsync daemon: scheduled two-way sync plus the gRPC
// control server used by bibctl.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/bibsync/internal/config"
	"github.com/and161185/bibsync/internal/controlpb"
	"github.com/and161185/bibsync/internal/limiter"
	"github.com/and161185/bibsync/internal/logging"
	"github.com/and161185/bibsync/internal/migrate"
	"github.com/and161185/bibsync/internal/remote"
	"github.com/and161185/bibsync/internal/repository"
	"github.com/and161185/bibsync/internal/repository/memory"
	"github.com/and161185/bibsync/internal/repository/postgres"
	"github.com/and161185/bibsync/internal/scheduler"
	grpcserver "github.com/and161185/bibsync/internal/server/grpc"
	"github.com/and161185/bibsync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	dev := flag.Bool("dev", false, "enable server reflection (dev only)")
	flag.Parse()

	if err := run(*cfgPath, *once, *dev); err != nil {
		fmt.Fprintln(os.Stderr, "syncd:", err)
		os.Exit(1)
	}
}

func run(cfgPath string, once, dev bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("store", cfg.Store.Driver),
		zap.Int("libraries", len(cfg.Libraries)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, lib := range cfg.LibraryModels() {
		if _, err := store.UpsertLibrary(ctx, lib); err != nil {
			return fmt.Errorf("register library %d: %w", lib.ID, err)
		}
	}

	// Engine
	gate := limiter.NewBackoff(time.Second, 10*time.Minute)
	client := remote.NewClient(&http.Client{Timeout: cfg.Remote.Timeout}, cfg.Remote.BaseURL, cfg.Remote.APIKey, gate, logger.Named("remote"))
	opts := cfg.ServiceOptions()
	cascade := service.NewCascade(store, logger.Named("cascade"))
	puller := service.NewPuller(store, client, cascade, opts, logger.Named("pull"))
	pusher := service.NewPusher(store, client, opts, logger.Named("push"))
	syncer := service.NewSyncer(store, puller, pusher, cfg.LibraryIDs(), logger.Named("sync"))

	if once {
		res, err := syncer.StartSync(ctx, service.ProgressFunc(func(done, total int, msg string) {
			logger.Info("progress", zap.Int("done", done), zap.Int("total", total), zap.String("msg", msg))
		}))
		if err != nil {
			return err
		}
		logger.Info("sync done", zap.Int("success", res.Success), zap.Int("fail", res.Fail), zap.Bool("canceled", res.Canceled))
		return nil
	}

	sched, err := scheduler.New(cfg.Sync.Schedule, syncer, logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("sync.schedule %q: %w", cfg.Sync.Schedule, err)
	}

	// gRPC server with interceptors
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary(service.NewTokenService([]byte(cfg.Control.JWTKey), cfg.Control.TokenTTL)),
		),
	}
	if cfg.Control.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.Control.TLSCert, cfg.Control.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}
	s := grpc.NewServer(serverOpts...)

	app := grpcserver.New(
		syncer,
		store,
		service.NewConflictService(store, client, logger.Named("conflicts")),
		service.NewLocalEditor(store, logger.Named("edits")),
		logger,
	)
	controlpb.RegisterControlServer(s, app)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Control.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control listening", zap.String("addr", cfg.Control.Addr), zap.Bool("tls", cfg.Control.TLSCert != ""))
		errCh <- s.Serve(lis)
	}()
	sched.Start()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	// graceful shutdown: stop triggering, cancel the active cycle, drain RPCs
	hs.Shutdown()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sched.Stop(stopCtx)

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Stop()
	}

	logger.Info("shutdown complete")
	if serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
		return serveErr
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Store, func(), error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using in-memory store; state is lost on exit")
		return memory.New(), func() {}, nil
	}

	if _, err := migrate.Up(ctx, cfg.Store.DSN, log.Named("migrate")); err != nil {
		return nil, nil, fmt.Errorf("migrate up: %w", err)
	}
	db, err := postgres.New(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return postgres.NewStore(db), db.Pool.Close, nil
}
