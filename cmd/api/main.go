package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/config"
	"warden.dev/internal/grpcapi"
	"warden.dev/internal/httpapi"
	"warden.dev/internal/logpipe"
	"warden.dev/internal/migrate"
	"warden.dev/internal/obs"
	"warden.dev/internal/store/pg"
	"warden.dev/internal/store/redisdeny"
	"warden.dev/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("WARDEN_CONFIG"), "Path to a YAML config file")
	showVersion := pflag.Bool("version", false, "Print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("warden %s (%s)\n", version, commit)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Logging: console plus the persistent pipeline. The consumer reports its
	// own failures on the console logger only.
	policy, err := logpipe.ParseOverflowPolicy(cfg.Log.Overflow)
	if err != nil {
		return err
	}
	level, err := obs.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	queue := logpipe.NewQueue(cfg.Log.QueueSize, policy)
	logger, console, err := obs.NewLogger(obs.LogOptions{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "warden",
		Version: version,
	}, logpipe.NewEmitter(queue, level))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	obs.Init(logpipe.Collectors()...)
	obs.InitBuildInfo(version, commit)

	store, err := pg.Open(cfg.Database.DSN, pg.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	if cfg.Database.AutoMigrate {
		mgr := migrate.NewManager(store.DB(), migrate.WithLogger(console))
		if _, err := mgr.Up(startCtx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if _, err := mgr.Seed(startCtx); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	tail := stream.New()
	consumer := logpipe.NewConsumer(queue, tail.Sink(store), console)
	consumer.Start(context.Background())
	// Runs before store.Close on every return path. Shutdown is idempotent.
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = consumer.Shutdown(ctx)
	}()

	rbac, err := auth.NewRBACService(store)
	if err != nil {
		return err
	}
	if created, err := rbac.EnsureSuperuser(startCtx, cfg.Auth.Superuser.Username, cfg.Auth.Superuser.Password); err != nil {
		return fmt.Errorf("bootstrap superuser: %w", err)
	} else if created {
		logger.Info("superuser created", zap.String("username", cfg.Auth.Superuser.Username))
	}

	codec, err := auth.NewCodec([]byte(cfg.Auth.Secret))
	if err != nil {
		return err
	}
	svcOpts := []auth.ServiceOption{
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithRefreshRotation(cfg.Auth.RotateRefresh),
		auth.WithLogger(logger),
	}
	ready := httpapi.ReadyProbe{"postgres": store}
	grpcDeps := map[string]grpcapi.Pinger{"postgres": store}

	var denylist *redisdeny.Denylist
	if cfg.Redis.Addr != "" {
		denylist, err = redisdeny.Dial(startCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redisdeny.WithPrefix(cfg.Redis.Prefix))
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer denylist.Close()
		svcOpts = append(svcOpts, auth.WithDenylist(denylist))
		ready["redis"] = denylist
		grpcDeps["redis"] = denylist
	} else {
		logger.Warn("redis not configured; logout cannot revoke tokens")
	}

	authSvc, err := auth.NewService(codec, store, svcOpts...)
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Deps{
		Auth:   authSvc,
		RBAC:   rbac,
		Logs:   store,
		Tail:   tail,
		Ready:  ready,
		Logger: logger,
		Audit:  audit.New(logger),
	}, httpapi.Options{
		Version:        version,
		Whitelist:      cfg.Auth.Whitelist,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		LoginPerSecond: cfg.RateLimit.LoginPerSecond,
		LoginBurst:     cfg.RateLimit.LoginBurst,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ErrorLog:          zap.NewStdLog(console),
	}

	errCh := make(chan error, 2)
	logger.Info("starting warden",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
		zap.Bool("revocation", authSvc.SupportsRevocation()))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	var grpcSrv *grpcapi.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpcapi.New(authSvc, grpcapi.HealthRules(), grpcDeps, logger)
		go grpcSrv.Watch(watchCtx, 10*time.Second)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
		logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		console.Warn("http shutdown", zap.Error(err))
	}
	stopWatch()
	if grpcSrv != nil {
		grpcSrv.Shutdown(ctx)
	}
	// Drain the pipeline before the database goes away.
	if err := consumer.Shutdown(ctx); err != nil {
		console.Warn("log drain", zap.Error(err))
	}
	console.Info("stopped",
		zap.Uint64("logs_persisted", consumer.Persisted()),
		zap.Uint64("logs_dropped", queue.Dropped()))
	return runErr
}
