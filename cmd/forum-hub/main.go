package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/forum-sync/internal/auth"
	"github.com/alexjbarnes/forum-sync/internal/config"
	"github.com/alexjbarnes/forum-sync/internal/hub"
	"github.com/alexjbarnes/forum-sync/internal/logging"
	"github.com/alexjbarnes/forum-sync/internal/server"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadHub()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	keys, err := cfg.ParseHubAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing hub API keys: %w", err)
	}

	if len(keys) == 0 {
		logger.Warn("HUB_API_KEYS not set, broadcast endpoints are open")
	}

	var notifier hub.QuestionNotifier
	if cfg.SlackWebhook != "" {
		notifier = hub.NewSlackNotifier(cfg.SlackWebhook, cfg.APIURL, nil, logger)
	}

	h := hub.New(hub.Config{
		IsModerator:    cfg.IsModerator,
		BroadcastRate:  cfg.HubBroadcastRate,
		BroadcastBurst: cfg.HubBroadcastBurst,
		Notifier:       notifier,
	}, logger)

	mux := server.NewHubMux(server.HubMuxConfig{
		Hub:    h,
		Keys:   auth.NewKeyring(keys),
		Logger: logger,
	})

	// No WriteTimeout: WebSocket connections are long-lived.
	srv := &http.Server{
		Addr:              cfg.HubListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("forum-hub starting",
		slog.String("version", Version),
		slog.String("listen", cfg.HubListenAddr),
		slog.Int("moderators", len(cfg.HubModerators)),
		slog.Int("api_keys", len(keys)),
		slog.Bool("slack", notifier != nil),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("hub server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down hub")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)

		// Shutdown does not wait for hijacked WebSocket connections.
		h.CloseAll()

		return err
	})

	return g.Wait()
}
