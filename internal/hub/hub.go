// Package hub is the notification server: it keeps a WebSocket per
// connected forum client and fans out broadcast pushes to all of them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/forum-sync/forum"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	// sendQueueSize is the per-client buffer. A client whose buffer is
	// full is dropped rather than slowing the broadcast.
	sendQueueSize = 64

	writeTimeout = 10 * time.Second

	// clientReadLimit bounds inbound frames. Clients only ever send the
	// handshake.
	clientReadLimit = 64 * 1024

	maxBroadcastBody = 1024 * 1024

	defaultTokenTimeout = 10 * time.Second
)

// Config holds the hub settings.
type Config struct {
	// IsModerator decides the is_moderator flag from the handshake
	// token. Nil means nobody is a moderator.
	IsModerator func(identity string) bool

	// TokenTimeout bounds the wait for the handshake frame.
	TokenTimeout time.Duration

	BroadcastRate  float64
	BroadcastBurst int

	// Notifier is told about every new question after it has been
	// broadcast. Nil disables notifications.
	Notifier QuestionNotifier
}

// QuestionNotifier announces new questions outside the forum.
// *SlackNotifier satisfies it.
type QuestionNotifier interface {
	NotifyNewQuestion(ctx context.Context, payload []byte) error
}

// client is one accepted WebSocket.
type client struct {
	id       string
	identity string
	send     chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

// trySend queues data without blocking. Returns false if the client is
// closed or its buffer is full.
func (c *client) trySend(data []byte) bool {
	if c.closed.Load() {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// Hub tracks registered clients and broadcasts to them.
type Hub struct {
	logger       *slog.Logger
	isModerator  func(string) bool
	tokenTimeout time.Duration
	limiter      *rate.Limiter
	notifier     QuestionNotifier
	notifying    sync.WaitGroup

	mu      sync.RWMutex
	conns   map[string]*client // every accepted socket
	clients map[string]*client // handshake completed, receives broadcasts
	wg      sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) *Hub {
	isMod := cfg.IsModerator
	if isMod == nil {
		isMod = func(string) bool { return false }
	}

	timeout := cfg.TokenTimeout
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}

	limit := rate.Inf
	if cfg.BroadcastRate > 0 {
		limit = rate.Limit(cfg.BroadcastRate)
	}

	burst := max(cfg.BroadcastBurst, 1)

	return &Hub{
		logger:       logger.With(slog.String("component", "hub")),
		isModerator:  isMod,
		tokenTimeout: timeout,
		limiter:      rate.NewLimiter(limit, burst),
		notifier:     cfg.Notifier,
		conns:        make(map[string]*client),
		clients:      make(map[string]*client),
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// register queues the established frame and adds c to the broadcast
// set under one lock, so every broadcast c sees follows the handshake.
func (h *Hub) register(c *client, established []byte) {
	h.mu.Lock()
	c.trySend(established)
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client registered",
		slog.String("client_id", c.id),
		slog.String("identity", c.identity),
		slog.Int("active", n),
	)
}

func (h *Hub) accept(c *client) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	delete(h.conns, c.id)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()

	if ok {
		h.logger.Info("client unregistered",
			slog.String("client_id", c.id),
			slog.Int("active", n),
		)
	}
}

// Broadcast queues frame for every registered client and returns how
// many received it. Clients that cannot keep up are dropped.
func (h *Hub) Broadcast(frame []byte) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0

	for _, c := range targets {
		if c.trySend(frame) {
			sent++
			continue
		}

		h.logger.Warn("dropping slow client", slog.String("client_id", c.id))
		h.unregister(c)
	}

	return sent
}

// CloseAll disconnects every client and waits for their goroutines and
// for notifications still in flight.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.conns = make(map[string]*client)
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}

	h.wg.Wait()
	h.notifying.Wait()
}

// ServeWS accepts a client connection. The client must send
// {"token": ...} first; the hub then registers it and replies with
// connection_established. Later frames that are not JSON get an error
// frame back.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	conn.SetReadLimit(clientReadLimit)

	h.wg.Add(1)
	defer h.wg.Done()

	c := &client{
		id:   uuid.NewString(),
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	h.accept(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, c)
	}()

	defer func() {
		h.unregister(c)
		cancel()
		<-writerDone
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Close the read side when the hub drops the client.
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	identity, err := h.awaitToken(ctx, conn, c)
	if err != nil {
		h.logger.Debug("handshake failed",
			slog.String("client_id", c.id),
			slog.String("error", err.Error()),
		)

		return
	}

	c.identity = identity

	established, err := forum.EncodeMessage(forum.TypeConnectionEstablished, forum.ConnectionEstablishedData{
		Status:      "connected",
		IsModerator: h.isModerator(identity),
	})
	if err != nil {
		h.logger.Error("encoding connection_established", slog.String("error", err.Error()))
		return
	}

	h.register(c, established)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		h.handleClientFrame(c, data)
	}
}

// awaitToken reads frames until one carries a token.
func (h *Hub) awaitToken(ctx context.Context, conn *websocket.Conn, c *client) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.tokenTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("waiting for token: %w", err)
		}

		if !gjson.ValidBytes(data) {
			h.sendError(c, "Invalid JSON format")
			continue
		}

		if tok := gjson.GetBytes(data, "token"); tok.Type == gjson.String && tok.Str != "" {
			return tok.Str, nil
		}
	}
}

func (h *Hub) handleClientFrame(c *client, data []byte) {
	if !gjson.ValidBytes(data) {
		h.sendError(c, "Invalid JSON format")
		return
	}

	if tok := gjson.GetBytes(data, "token"); tok.Type == gjson.String && tok.Str != "" {
		c.identity = tok.Str
	}
}

func (h *Hub) sendError(c *client, msg string) {
	frame, err := forum.EncodeMessage(forum.TypeError, forum.ErrorData{Message: msg})
	if err != nil {
		return
	}

	c.trySend(frame)
}

// writeLoop is the only writer on conn.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)

			cancel()

			if err != nil {
				h.logger.Debug("write failed",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
				c.close()

				return
			}
		}
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Clients int    `json:"clients,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleBroadcast returns a handler that validates the request body as
// the payload of a typ push and broadcasts it. successMsg is returned
// to the caller on success.
func (h *Hub) HandleBroadcast(typ, successMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Detail: "broadcast rate exceeded"})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBroadcastBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Detail: "body too large"})
				return
			}

			writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "reading body failed"})

			return
		}

		if !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "invalid JSON"})
			return
		}

		frame, err := forum.EncodeMessage(typ, json.RawMessage(body))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
			return
		}

		// Reject what a client would discard anyway.
		if _, err := forum.DecodeMessage(frame); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()})
			return
		}

		n := h.Broadcast(frame)

		h.logger.Debug("broadcast",
			slog.String("type", typ),
			slog.Int("clients", n),
		)

		if typ == forum.TypeNewQuestion {
			h.notifyNewQuestion(body)
		}

		writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: successMsg, Clients: n})
	}
}

// notifyNewQuestion runs the notifier in the background. Failures are
// logged and never affect the broadcast.
func (h *Hub) notifyNewQuestion(payload []byte) {
	if h.notifier == nil {
		return
	}

	h.notifying.Add(1)

	go func() {
		defer h.notifying.Done()

		ctx, cancel := context.WithTimeout(context.Background(), slackTimeout)
		defer cancel()

		if err := h.notifier.NotifyNewQuestion(ctx, payload); err != nil {
			h.logger.Warn("new question notification failed", slog.String("error", err.Error()))
			return
		}

		h.logger.Debug("new question notification sent")
	}()
}

type healthServices struct {
	SlackWebhook bool `json:"slack_webhook"`
}

type healthResponse struct {
	Status            string         `json:"status"`
	ActiveConnections int            `json:"active_connections"`
	Services          healthServices `json:"services"`
}

// HandleHealth reports liveness, the number of registered clients and
// which optional services are configured.
func (h *Hub) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "healthy",
		ActiveConnections: h.Len(),
		Services:          healthServices{SlackWebhook: h.notifier != nil},
	})
}
