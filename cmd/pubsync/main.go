package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/pubsync/internal/config"
	"github.com/alexjbarnes/pubsync/internal/content"
	"github.com/alexjbarnes/pubsync/internal/logging"
	"github.com/alexjbarnes/pubsync/internal/publish"
	"github.com/alexjbarnes/pubsync/internal/reconcile"
	"github.com/alexjbarnes/pubsync/internal/server"
	"github.com/alexjbarnes/pubsync/internal/state"
	"github.com/alexjbarnes/pubsync/internal/workspace"
	"github.com/alexjbarnes/pubsync/micropub"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired collaborators every subcommand needs.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *state.State
	ws         *workspace.Workspace
	client     *micropub.Client
	reconciler *reconcile.Reconciler
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("pubsync starting",
		slog.String("version", Version),
		slog.String("endpoint", cfg.Endpoint),
		slog.String("workspace", cfg.WorkspaceDir),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath, err := cfg.StateDBPath()
	if err != nil {
		return err
	}
	store, err := state.LoadAt(dbPath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer store.Close()

	// A token change invalidates the cached media endpoint.
	if err := store.CheckToken(cfg.Token); err != nil {
		logger.Warn("checking stored token digest", slog.String("error", err.Error()))
	}

	ws := workspace.New(cfg.WorkspaceDir)
	client := micropub.NewClient(nil, cfg.Endpoint, cfg.Token)
	reconciler := reconcile.New(
		reconcile.NewLocalScanner(ws, logger),
		reconcile.NewRemoteSource(client, logger),
		store,
		reconcile.Policy(cfg.ConflictPolicy),
		logger,
	)

	a := &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		ws:         ws,
		client:     client,
		reconciler: reconciler,
	}

	switch {
	case len(os.Args) > 1 && os.Args[1] == "publish":
		return a.runPublish(ctx, os.Args[2:])
	case len(os.Args) > 1 && os.Args[1] == "upload":
		return a.runUpload(ctx, os.Args[2:])
	case len(os.Args) > 1 && os.Args[1] == "watch", cfg.Watch:
		return a.runWatch(ctx)
	case len(os.Args) > 1:
		return fmt.Errorf("unknown command %q (expected publish, upload, or watch)", os.Args[1])
	default:
		return a.runOnce(ctx)
	}
}

// runOnce performs a single reconciliation pass and prints the view as
// JSON on stdout.
func (a *app) runOnce(ctx context.Context) error {
	view, err := a.reconciler.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("reconciling: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

// runWatch keeps reconciling on file changes and serves the view over
// HTTP until interrupted.
func (a *app) runWatch(ctx context.Context) error {
	if _, err := a.reconciler.Refresh(ctx); err != nil {
		a.logger.Warn("initial reconciliation failed", slog.String("error", err.Error()))
	}

	uploader := publish.NewUploader(a.client, a.store, a.ws, a.cfg.MediaEndpoint, a.logger)
	if a.cfg.MediaEndpoint == "" && a.store.MediaEndpoint() == "" {
		if _, err := uploader.DiscoverEndpoint(ctx); err != nil {
			a.logger.Warn("media endpoint discovery failed", slog.String("error", err.Error()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	refresh := make(chan struct{}, 1)
	watcher := workspace.NewWatcher(a.ws, a.logger)
	g.Go(func() error {
		return watcher.Watch(gctx, refresh)
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-refresh:
				if _, err := a.reconciler.Refresh(gctx); err != nil {
					a.logger.Warn("reconciliation failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	g.Go(func() error {
		mux := server.NewMux(a.reconciler, a.logger)
		return server.Run(gctx, a.cfg.ListenAddr, mux, a.logger)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil // clean shutdown on signal
	}
	return err
}

// runPublish publishes one workspace Markdown file.
func (a *app) runPublish(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pubsync publish <file>")
	}
	relPath := args[0]

	raw, err := a.ws.Read(relPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", relPath, err)
	}
	entity, err := content.Decode(raw, relPath)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", relPath, err)
	}

	publisher := publish.NewPublisher(a.client, a.store, a.ws, a.reconciler, a.cfg.PublishHTML, a.logger)
	return printResult(publisher.Publish(ctx, entity))
}

// runUpload uploads one workspace asset, with optional alt text.
func (a *app) runUpload(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pubsync upload <file> [alt text]")
	}
	relPath := args[0]
	alt := ""
	if len(args) > 1 {
		alt = args[1]
	}

	uploader := publish.NewUploader(a.client, a.store, a.ws, a.cfg.MediaEndpoint, a.logger)
	if a.cfg.MediaEndpoint == "" && a.store.MediaEndpoint() == "" {
		if _, err := uploader.DiscoverEndpoint(ctx); err != nil {
			a.logger.Warn("media endpoint discovery failed", slog.String("error", err.Error()))
		}
	}

	entity := &content.Entity{
		ID:        content.SlugFromPath(relPath),
		Kind:      content.KindUpload,
		Status:    content.StatusLocalDraft,
		LocalPath: relPath,
		Media:     &content.Media{Path: relPath, Alt: alt},
	}
	return printResult(uploader.Upload(ctx, entity))
}

func printResult(res publish.Result) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("%s: %s", res.Kind, res.Message)
	}
	return nil
}
