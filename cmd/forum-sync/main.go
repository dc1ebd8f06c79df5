package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/forum-sync/forum"
	"github.com/alexjbarnes/forum-sync/internal/auth"
	"github.com/alexjbarnes/forum-sync/internal/config"
	"github.com/alexjbarnes/forum-sync/internal/logging"
	"github.com/alexjbarnes/forum-sync/internal/mcpserver"
	"github.com/alexjbarnes/forum-sync/internal/mirror"
	"github.com/alexjbarnes/forum-sync/internal/server"
	"github.com/alexjbarnes/forum-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const (
	// persistInterval is how often a dirty store is written to the
	// snapshot database and the mirror.
	persistInterval = 5 * time.Second

	refreshTimeout = 30 * time.Second
)

func main() {
	// Handle hash-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		hashKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey prints the bcrypt hash of a key read from stdin. An empty
// line generates a new key, printed to stderr.
func hashKey() {
	fmt.Fprint(os.Stderr, "Enter API key (empty to generate): ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	key := strings.TrimSpace(scanner.Text())
	if key == "" {
		key = auth.GenerateKey()
		fmt.Fprintf(os.Stderr, "generated key: %s\n", key)
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("forum-sync starting",
		slog.String("version", Version),
		slog.String("ws_url", cfg.WSURL),
		slog.String("api_url", cfg.APIURL),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("mirror", cfg.MirrorDir != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	var md *mirror.Mirror
	if cfg.MirrorDir != "" {
		md, err = mirror.New(cfg.MirrorDir, logger)
		if err != nil {
			return err
		}
	}

	notify := logNotices(logger)
	store := forum.NewStore(logger, notify)

	cached, err := appState.LoadPosts()
	if err != nil {
		logger.Warn("snapshot unreadable, starting empty", slog.String("error", err.Error()))
	} else if len(cached) > 0 {
		// Left dirty so the mirror catches up on the first tick.
		store.Replace(cached)
		logger.Info("restored snapshot",
			slog.Int("posts", len(cached)),
			slog.Time("saved_at", appState.SavedAt()),
		)
	}

	client := forum.NewClient(cfg.APIURL, nil)

	var syncClient *forum.SyncClient

	syncClient = forum.NewSyncClient(forum.SyncConfig{
		URL:               cfg.WSURL,
		Identity:          cfg.Identity,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		ReconnectMin:      cfg.ReconnectMin,
		ReconnectMax:      cfg.ReconnectMax,
		ReconnectAttempts: cfg.ReconnectAttempts,
		Store:             store,
		OnConnected: func(bool) {
			go refresh(ctx, client, syncClient, logger)
		},
	}, logger)
	defer syncClient.Close()

	coord := forum.NewCoordinator(store, client, syncClient, notify, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return syncClient.Listen(gctx)
	})

	g.Go(func() error {
		return persist(gctx, store, appState, md, logger)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, mcpserver.Deps{
				Store:   store,
				Status:  syncClient,
				Actions: coord,
				Remote:  client,
			}, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	return err
}

// refresh merges the full post list into the store. Changes the store
// receives while the request is in flight are kept over the listing.
func refresh(ctx context.Context, client *forum.Client, sc *forum.SyncClient, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	store := sc.Store()
	since := store.Generation()

	posts, err := client.ListPosts(ctx)
	if err != nil {
		logger.Warn("refresh failed",
			slog.String("error", err.Error()),
			slog.Bool("transient", forum.IsTransient(err)),
		)

		return
	}

	applied := false
	if err := sc.Do(ctx, func() { applied = store.Refresh(posts, since) }); err != nil {
		logger.Debug("refresh discarded", slog.String("error", err.Error()))
		return
	}

	if !applied {
		logger.Debug("refresh superseded by a newer listing")
		return
	}

	logger.Info("refreshed", slog.Int("posts", len(posts)))
}

// persist saves the store to the snapshot database and the mirror
// whenever it has changed, and once more on shutdown.
func persist(ctx context.Context, store *forum.Store, appState *state.State, md *mirror.Mirror, logger *slog.Logger) error {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	save := func() {
		if !store.TakeDirty() {
			return
		}

		posts := store.Snapshot()

		if err := appState.SavePosts(posts, time.Now()); err != nil {
			logger.Warn("failed to save snapshot", slog.String("error", err.Error()))
		}

		if md == nil {
			return
		}

		if _, err := md.Sync(forum.Prioritize(posts)); err != nil {
			logger.Warn("mirror sync incomplete", slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			save()
			return nil
		case <-ticker.C:
			save()
		}
	}
}

// logNotices returns a notice sink that writes each notice to the log.
func logNotices(logger *slog.Logger) forum.NoticeFunc {
	l := logger.With(slog.String("component", "notice"))

	return func(n forum.Notice) {
		attrs := []any{
			slog.String("kind", string(n.Kind)),
			slog.String("post_id", n.PostID),
		}

		if n.Detail != "" {
			attrs = append(attrs, slog.String("detail", n.Detail))
		}

		if n.Kind == forum.NoticeError {
			attrs = append(attrs, slog.Bool("retryable", n.Retryable))
			l.Warn(n.Message, attrs...)

			return
		}

		l.Info(n.Message, attrs...)
	}
}

// runMCP serves the MCP tools over streamable HTTP.
func runMCP(ctx context.Context, cfg *config.Config, deps mcpserver.Deps, logger *slog.Logger) error {
	keys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "forum-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, deps)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMCPMux(server.MCPMuxConfig{
		MCPHandler: mcpHandler,
		Keys:       auth.NewKeyring(keys),
		Logger:     mcpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("api_keys", len(keys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
