// Package server provides HTTP mux construction for forum-hub and the
// forum-sync MCP endpoint.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/forum-sync/forum"
	"github.com/alexjbarnes/forum-sync/internal/auth"
	"github.com/alexjbarnes/forum-sync/internal/hub"
)

// HubMuxConfig holds dependencies for the hub mux.
type HubMuxConfig struct {
	Hub    *hub.Hub
	Keys   *auth.Keyring
	Logger *slog.Logger
}

// broadcastRoutes maps broadcast paths to push types and the message
// returned on success.
var broadcastRoutes = []struct {
	path    string
	typ     string
	success string
}{
	{"/broadcast/new-question", forum.TypeNewQuestion, "Question broadcasted successfully"},
	{"/broadcast/new-response", forum.TypeNewResponse, "Response broadcasted successfully"},
	{"/broadcast/question-update", forum.TypeQuestionUpdate, "Question update broadcasted successfully"},
	{"/broadcast/delete-question", forum.TypeDeleteQuestion, "Question deletion broadcasted successfully"},
}

// NewHubMux builds the hub mux: the client WebSocket, the broadcast
// endpoints used by the forum API, and the health check. Broadcast
// endpoints are protected by API key middleware.
func NewHubMux(cfg HubMuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", cfg.Hub.ServeWS)
	mux.HandleFunc("GET /health", cfg.Hub.HandleHealth)

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	for _, r := range broadcastRoutes {
		mux.Handle("POST "+r.path, authMiddleware(cfg.Hub.HandleBroadcast(r.typ, r.success)))
	}

	return mux
}

// MCPMuxConfig holds dependencies for the MCP mux.
type MCPMuxConfig struct {
	MCPHandler http.Handler
	Keys       *auth.Keyring
	Logger     *slog.Logger
}

// NewMCPMux builds the mux serving the MCP endpoint behind Bearer API
// key middleware.
func NewMCPMux(cfg MCPMuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}
