package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/ingest-client/internal/channel"
	"github.com/alexjbarnes/ingest-client/internal/config"
	"github.com/alexjbarnes/ingest-client/internal/logging"
	"github.com/alexjbarnes/ingest-client/internal/state"
	"github.com/alexjbarnes/ingest-client/internal/supervisor"
	"github.com/alexjbarnes/ingest-client/internal/upload"
	"github.com/alexjbarnes/ingest-client/internal/webserver"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	uploads  []string
	watchDir string
	version  bool
}

func parseFlags(args []string) (flags, error) {
	var f flags

	flagSet := pflag.NewFlagSet("ingest-client", pflag.ContinueOnError)
	flagSet.StringArrayVar(&f.uploads, "upload", nil, "file to upload (repeatable)")
	flagSet.StringVar(&f.watchDir, "watch-dir", "", "upload new files that appear in this directory")
	flagSet.BoolVar(&f.version, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		return f, err
	}

	if rest := flagSet.Args(); len(rest) > 0 {
		return f, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	return f, nil
}

func run(args []string) error {
	f, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}

	if err != nil {
		return err
	}

	if f.version {
		fmt.Println("ingest-client", Version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if f.watchDir != "" {
		cfg.WatchDir = f.watchDir
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("ingest-client starting",
		slog.String("version", Version),
		slog.String("hardware_id", cfg.HardwareID),
		slog.String("ingest_server", cfg.IngestServer),
		slog.String("state_dir", cfg.StateDir),
	)

	appState, err := state.Load(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	store := config.NewStore(cfg)
	router := channel.NewRouter()

	manager := upload.NewManager(appState, router, upload.ManagerOptions{
		HardwareID: cfg.HardwareID,
		Logger:     logger,
	})

	resumed, err := manager.Resume()
	if err != nil {
		return err
	}

	if resumed > 0 {
		logger.Info("resumed uploads", slog.Int("count", resumed))
	}

	for _, path := range f.uploads {
		if _, err := manager.Upload(path); err != nil {
			return fmt.Errorf("starting upload of %s: %w", path, err)
		}
	}

	sup := supervisor.New(supervisor.Options{
		Config:   store,
		Router:   router,
		Backoff:  supervisor.BackoffFromConfig(cfg),
		Logger:   logger,
		OnJoined: manager.OnSessionJoined,
	})

	web := webserver.New(webserver.Options{
		Config:     store,
		Connection: sup,
		Uploads:    manager,
		Logger:     logger,
	})

	if !cfg.HasToken(time.Now()) {
		logger.Warn("no access token, register this client",
			slog.String("url", webserver.RegisterURL(cfg.IngestServer, cfg.HardwareID)),
			slog.String("local", "http://"+cfg.WebAddr+"/"),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gctx)
	})

	g.Go(func() error {
		return manager.Run(gctx)
	})

	g.Go(func() error {
		return web.ListenAndServe(gctx, cfg.WebAddr)
	})

	if cfg.WatchDir != "" {
		watcher := upload.NewWatcher(cfg.WatchDir, cfg.WatchSettle, manager, logger)

		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	err = g.Wait()

	logger.Info("ingest-client stopped")

	return err
}
