package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"warden.dev/internal/migrate"
	"warden.dev/internal/obs"
	"warden.dev/internal/store/pg"
)

func main() {
	var (
		dsn            = pflag.String("dsn", os.Getenv("WARDEN_DATABASE_DSN"), "PostgreSQL DSN")
		migrationsPath = pflag.String("migrations", "", "Directory with *.up.sql/*.down.sql files (default: embedded)")
		seedsPath      = pflag.String("seeds", "", "Directory with seed *.sql files (default: embedded)")
		timeout        = pflag.Duration("timeout", 30*time.Second, "Overall deadline")
		logFormat      = pflag.String("log-format", "console", "Log format: console or json")
	)
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|seed|status")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	logger, _, err := obs.NewLogger(obs.LogOptions{Level: "info", Format: *logFormat, Service: "warden-migrate"}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via --dsn or WARDEN_DATABASE_DSN")
	}
	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn, pg.PoolOptions{MaxOpenConns: 1})
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer store.Close()

	migrations, seeds := migrate.Migrations(), migrate.Seeds()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(store.DB(), migrate.WithSources(migrations, seeds), migrate.WithLogger(logger))

	cmd := pflag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil {
			logger.Info("migrations applied", zap.Strings("files", applied))
		}
	case "down":
		var reverted string
		reverted, err = mgr.Down(ctx)
		if err == nil {
			logger.Info("migration reverted", zap.String("file", reverted))
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		if err == nil {
			logger.Info("seeds applied", zap.Strings("files", applied))
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}
