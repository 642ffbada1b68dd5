package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/storysync/internal/channel"
	"github.com/agentworkforce/storysync/internal/config"
	"github.com/agentworkforce/storysync/internal/httpapi"
	"github.com/agentworkforce/storysync/internal/snapshot"
	"github.com/agentworkforce/storysync/internal/stories"
	"github.com/agentworkforce/storysync/internal/storysync"
	"github.com/agentworkforce/storysync/internal/watch"
)

type serveOptions struct {
	listen      string
	snapshotDSN string
	token       string
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	serveOpts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service until interrupted",
		Long: `Run the index manager, the HTTP and websocket API, the file watcher
and one dialer per configured ref until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr())
			cfg, err := opts.loadConfig(cmd, logger)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = serveOpts.listen
			}
			if cmd.Flags().Changed("snapshot") {
				cfg.SnapshotDSN = serveOpts.snapshotDSN
			}
			ctx, stop := signal.NotifyContext(contextOrBackground(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, serveOpts.token, logger)
		},
	}
	cmd.Flags().StringVar(&serveOpts.listen, "listen", config.DefaultListen, "HTTP listen address")
	cmd.Flags().StringVar(&serveOpts.snapshotDSN, "snapshot", "", "snapshot backend DSN (file path, memory://, postgres://, redis://)")
	cmd.Flags().StringVar(&serveOpts.token, "token", strings.TrimSpace(os.Getenv("STORYSYNC_TOKEN")), "bearer token for mutating API routes")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, token string, logger *log.Logger) error {
	fetcher, err := buildFetcher(cfg)
	if err != nil {
		return err
	}
	backend, err := snapshot.BuildBackendFromDSN(cfg.SnapshotDSN)
	if err != nil {
		return err
	}
	defer snapshot.Close(backend)
	var snapshots storysync.SnapshotStore
	if backend != nil {
		snapshots = backend
	}

	mux := channel.NewMux(channel.MuxOptions{Logger: logger})
	router := &router{logger: logger}
	manager, err := storysync.NewManager(storysync.ManagerOptions{
		Fetcher:       fetcher,
		Sender:        mux,
		Collaborators: router,
		Snapshots:     snapshots,
		ShowRoots:     cfg.ShowRoots(),
		FetchTimeout:  cfg.FetchTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	router.manager = manager
	for _, ref := range cfg.Refs {
		manager.DeclareRef(ref.ID, ref.URL)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = mux.Close()
		wg.Wait()
	}()

	if err := manager.Start(ctx); err != nil {
		logger.Printf("initial fetch failed: %v", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx, mux); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("event loop stopped: %v", err)
		}
	}()

	if len(cfg.WatchPaths) > 0 {
		watcher, err := watch.New(watch.Options{Paths: cfg.WatchPaths, Debounce: cfg.WatchDebounce, Logger: logger})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = watcher.Run(ctx, func() {
				logger.Printf("change detected, invalidating index")
				if err := manager.Invalidate(ctx); err != nil {
					logger.Printf("invalidate failed: %v", err)
				}
			})
		}()
	}

	for _, ref := range cfg.Refs {
		wg.Add(1)
		go func(ref config.RefConfig) {
			defer wg.Done()
			dialRef(ctx, mux, ref, cfg.ReconnectInterval, cfg.ReconnectJitter, logger)
		}(ref)
	}

	server := &http.Server{
		Addr: cfg.Listen,
		Handler: httpapi.NewServerWithConfig(manager, mux, httpapi.ServerConfig{
			Token:          token,
			AllowedOrigins: cfg.AllowedOrigins,
			WebhookSecret:  strings.TrimSpace(os.Getenv("STORYSYNC_WEBHOOK_SECRET")),
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.Listen)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Printf("shutting down: %v", ctx.Err())
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown failed: %v", err)
	}
	manager.Wait()
	return nil
}

// router is the Collaborators implementation for a headless service: it
// records navigation as the current selection and logs everything else.
type router struct {
	manager *storysync.Manager
	logger  *log.Logger
}

func (r *router) Navigate(path string) {
	selection, ok := stories.ParsePath(path)
	if !ok {
		r.logger.Printf("ignoring navigation to %q", path)
		return
	}
	selection = selection.SplitRef(r.manager.HasRef)
	r.manager.SetSelection(selection.ID, selection.ViewMode, selection.RefID)
	r.logger.Printf("navigate %s", path)
}

func (r *router) SetOptions(options any) {
	r.logger.Printf("set options %v", options)
}

func (r *router) SetRef(refID string, payload storysync.RefSetStories, ready bool) {
	count := 0
	if payload.Stories != nil {
		count = payload.Stories.Len()
	}
	r.logger.Printf("ref %s announced %d stories (ready=%t)", refID, count, ready)
}

func (r *router) UpdateRef(refID string, patch storysync.RefPatch) {
	if patch.Ready != nil {
		r.logger.Printf("ref %s ready=%t", refID, *patch.Ready)
		return
	}
	if patch.Stories != nil {
		r.logger.Printf("ref %s now has %d nodes", refID, patch.Stories.Len())
	}
}

// dialRef keeps a websocket to the ref attached to mux, reconnecting after a
// jittered delay whenever it drops.
func dialRef(ctx context.Context, mux *channel.Mux, ref config.RefConfig, interval time.Duration, jitter float64, logger *log.Logger) {
	if interval <= 0 {
		interval = config.DefaultReconnectInterval
	}
	jitter = clampJitterRatio(jitter)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	url := websocketURL(ref.URL)
	opts := channel.WebSocketOptions{Logger: logger}
	if ref.Token != "" {
		opts.Header = http.Header{"Authorization": []string{"Bearer " + ref.Token}}
	}
	for {
		conn, err := channel.Dial(ctx, url, opts)
		if err != nil {
			logger.Printf("dial ref %s failed: %v", ref.ID, err)
		} else {
			logger.Printf("ref %s connected", ref.ID)
			if err := mux.Serve(channel.RefSource(ref.ID), conn); err != nil {
				_ = conn.Close()
				if errors.Is(err, channel.ErrClosed) {
					return
				}
				logger.Printf("attach ref %s failed: %v", ref.ID, err)
			} else {
				logger.Printf("ref %s disconnected", ref.ID)
			}
		}
		timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func websocketURL(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
