package forum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/forum-sync/internal/errors"
	"github.com/coder/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectMin     = 5 * time.Second
	defaultReconnectMax     = 5 * time.Minute

	// pingAfter is how long the connection may be idle before a
	// WebSocket ping is sent. The hub never sends application-level
	// heartbeats.
	pingAfter   = 30 * time.Second
	pingTimeout = 10 * time.Second

	// wsReadLimit bounds a single push. A post with many responses is
	// the largest frame the hub sends.
	wsReadLimit = 4 * 1024 * 1024

	backoffMultiplier = 2
	jitterDivisor     = 2
)

// ErrClosed is returned by Do and Send after the client has been torn
// down.
var ErrClosed = errors.New("sync client closed")

// Phase is the lifecycle phase of the push connection.
type Phase string

const (
	PhaseDisconnected Phase = "DISCONNECTED"
	PhaseConnecting   Phase = "CONNECTING"
	PhaseConnected    Phase = "CONNECTED"
)

// ConnectionState is a point-in-time view of the connection.
type ConnectionState struct {
	Phase           Phase     `json:"phase"`
	IsModerator     bool      `json:"is_moderator"`
	LastMessageType string    `json:"last_message_type,omitempty"`
	LastMessageAt   time.Time `json:"last_message_at,omitzero"`
	ConnectedAt     time.Time `json:"connected_at,omitzero"`
}

// wsConn abstracts the WebSocket connection so SyncClient can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
	Ping(ctx context.Context) error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebSocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// inboundMsg wraps a message read from the WebSocket by the reader
// goroutine, or a transport error from the reader or keepalive.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type dialResult struct {
	conn wsConn
	err  error
}

// SyncConfig holds the parameters of a SyncClient.
type SyncConfig struct {
	URL      string
	Identity string

	HandshakeTimeout  time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	// ReconnectAttempts is the number of consecutive failed connection
	// attempts before giving up, 0 = never. Losing an established
	// connection is not itself a failed attempt.
	ReconnectAttempts int

	Store *Store

	// OnConnected runs on the event loop each time the handshake
	// completes. It must not block; start a goroutine for slow work.
	OnConnected func(isModerator bool)
}

// SyncClient keeps a push connection to the notification hub and merges
// every push into the Store.
//
// Architecture: a dial goroutine opens the connection and writes the
// handshake frame. A reader goroutine feeds inboundCh with raw frames
// and a keepalive goroutine pings an idle connection. A single event
// loop goroutine (Listen) processes inbound frames, submitted actions,
// handshake and retry timers. All store mutations and all connection
// writes happen on the loop, so reconciliation steps never interleave.
type SyncClient struct {
	logger *slog.Logger

	url               string
	identity          string
	handshakeTimeout  time.Duration
	reconnectMin      time.Duration
	reconnectMax      time.Duration
	reconnectAttempts int
	pingAfter         time.Duration

	store       *Store
	router      *Router
	onConnected func(isModerator bool)
	dial        dialFunc

	// actionCh is unbuffered: once a send succeeds the loop is running
	// the action.
	actionCh  chan func()
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	running   atomic.Bool

	// Owned by the event loop.
	conn       wsConn
	connCancel context.CancelFunc
	inboundCh  chan inboundMsg
	dialCh     chan dialResult
	dialing    bool
	handshakeT *time.Timer
	handshakeC <-chan time.Time
	retryT     *time.Timer
	retryC     <-chan time.Time
	backoff    time.Duration
	failures   int

	// established is set between connection_established and the loss
	// of that connection.
	established bool

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState
}

func NewSyncClient(cfg SyncConfig, logger *slog.Logger) *SyncClient {
	s := &SyncClient{
		logger:            logger,
		url:               cfg.URL,
		identity:          cfg.Identity,
		handshakeTimeout:  cfg.HandshakeTimeout,
		reconnectMin:      cfg.ReconnectMin,
		reconnectMax:      cfg.ReconnectMax,
		reconnectAttempts: cfg.ReconnectAttempts,
		pingAfter:         pingAfter,
		store:             cfg.Store,
		onConnected:       cfg.OnConnected,
		dial:              dialWebSocket,
		actionCh:          make(chan func()),
		closing:           make(chan struct{}),
		done:              make(chan struct{}),
		dialCh:            make(chan dialResult, 1),
		state:             ConnectionState{Phase: PhaseDisconnected},
	}

	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = defaultHandshakeTimeout
	}

	if s.reconnectMin <= 0 {
		s.reconnectMin = defaultReconnectMin
	}

	if s.reconnectMax < s.reconnectMin {
		s.reconnectMax = max(defaultReconnectMax, s.reconnectMin)
	}

	if s.store == nil {
		s.store = NewStore(logger, nil)
	}

	s.backoff = s.reconnectMin
	s.router = NewRouter(s, s.store, logger)

	return s
}

// Store returns the store this client reconciles into.
func (s *SyncClient) Store() *Store {
	return s.store
}

// State returns the current connection state.
func (s *SyncClient) State() ConnectionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.state
}

func (s *SyncClient) setPhase(p Phase, moderator bool) {
	s.stateMu.Lock()
	s.state.Phase = p
	s.state.IsModerator = moderator

	switch p {
	case PhaseConnected:
		s.state.ConnectedAt = time.Now()
	case PhaseDisconnected:
		s.state.ConnectedAt = time.Time{}
	}
	s.stateMu.Unlock()
}

func (s *SyncClient) recordMessage(typ string, at time.Time) {
	s.stateMu.Lock()
	s.state.LastMessageType = typ
	s.state.LastMessageAt = at
	s.stateMu.Unlock()
}

func (s *SyncClient) touchLastMessage() time.Time {
	now := time.Now()

	s.lastMsgMu.Lock()
	s.lastMessage = now
	s.lastMsgMu.Unlock()

	return now
}

func (s *SyncClient) idleFor() time.Duration {
	s.lastMsgMu.Lock()
	defer s.lastMsgMu.Unlock()

	return time.Since(s.lastMessage)
}

// Listen runs the event loop with automatic reconnection until ctx is
// cancelled, Close is called, or ReconnectAttempts consecutive
// connection attempts fail. A client without an identity never
// connects, and Do returns ErrClosed afterwards.
func (s *SyncClient) Listen(ctx context.Context) error {
	if strings.TrimSpace(s.identity) == "" {
		s.finish()
		return apperrors.ErrNoIdentity
	}

	if !s.running.CompareAndSwap(false, true) {
		return errors.New("sync client already listening")
	}

	defer s.finish()
	defer s.teardown()

	// Cancelled before teardown runs, so an in-flight dial returns
	// promptly.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startDial(ctx)

	for {
		select {
		case r := <-s.dialCh:
			s.dialing = false

			if r.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				if err := s.connectionFailed(ctx, r.err); err != nil {
					return err
				}

				continue
			}

			s.attach(ctx, r.conn)

		case msg := <-s.inboundCh:
			if msg.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				s.dropConnection(websocket.StatusInternalError, "read failed")

				if err := s.connectionFailed(ctx, msg.err); err != nil {
					return err
				}

				continue
			}

			s.handleInbound(msg)

		case fn := <-s.actionCh:
			fn()

		case <-s.handshakeC:
			s.handshakeC = nil
			s.logger.Warn("handshake timed out", slog.Duration("timeout", s.handshakeTimeout))
			s.dropConnection(websocket.StatusPolicyViolation, "handshake timeout")

			if err := s.connectionFailed(ctx, apperrors.ErrHandshakeTimeout); err != nil {
				return err
			}

		case <-s.retryC:
			s.retryC = nil
			s.startDial(ctx)

		case <-s.closing:
			s.logger.Info("sync client closing")
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// startDial opens a connection in the background and writes the
// handshake frame. The result arrives on dialCh.
func (s *SyncClient) startDial(ctx context.Context) {
	s.setPhase(PhaseConnecting, false)
	s.dialing = true

	s.logger.Debug("connecting", slog.String("url", s.url))

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
		defer cancel()

		conn, err := s.dial(dialCtx, s.url)
		if err != nil {
			s.dialCh <- dialResult{err: fmt.Errorf("dialing websocket: %w", err)}
			return
		}

		conn.SetReadLimit(wsReadLimit)

		if err := writeJSON(dialCtx, conn, HandshakeMessage{Token: s.identity}); err != nil {
			conn.Close(websocket.StatusInternalError, "handshake failed")
			s.dialCh <- dialResult{err: fmt.Errorf("sending handshake: %w", err)}

			return
		}

		s.dialCh <- dialResult{conn: conn}
	}()
}

// attach adopts a freshly opened connection and waits for
// connection_established. Phase stays CONNECTING until it arrives.
func (s *SyncClient) attach(ctx context.Context, conn wsConn) {
	connCtx, connCancel := context.WithCancel(ctx)
	s.conn = conn
	s.connCancel = connCancel
	s.touchLastMessage()
	s.startReader(connCtx)
	s.startKeepalive(connCtx)

	s.handshakeT = time.NewTimer(s.handshakeTimeout)
	s.handshakeC = s.handshakeT.C

	s.logger.Debug("connection open, handshake sent")
}

// startReader launches a goroutine that reads frames until an error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures conn and ch by value so a goroutine from an
// older connection cannot send into a newer connection's channel.
func (s *SyncClient) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	s.inboundCh = ch
	conn := s.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// startKeepalive pings the connection once it has been idle for
// pingAfter. A failed ping is reported on the connection's inbound
// channel like a read error.
func (s *SyncClient) startKeepalive(connCtx context.Context) {
	ch := s.inboundCh
	conn := s.conn
	interval := s.pingAfter

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
			}

			if s.idleFor() < interval {
				continue
			}

			pingCtx, cancel := context.WithTimeout(connCtx, pingTimeout)
			err := conn.Ping(pingCtx)

			cancel()

			if err == nil {
				s.touchLastMessage()
				continue
			}

			select {
			case ch <- inboundMsg{err: fmt.Errorf("keepalive ping: %w", err)}:
			case <-connCtx.Done():
			}

			return
		}
	}()
}

func (s *SyncClient) handleInbound(msg inboundMsg) {
	at := s.touchLastMessage()

	if msg.typ == websocket.MessageBinary {
		s.logger.Debug("ignoring binary frame", slog.Int("bytes", len(msg.data)))
		return
	}

	if typ := s.router.RouteFrame(msg.data); typ != "" {
		s.recordMessage(typ, at)
	}
}

// HandleConnectionEstablished completes the handshake. Called by the
// router on the event loop.
func (s *SyncClient) HandleConnectionEstablished(msg ConnectionEstablished) {
	s.stopHandshakeTimer()

	wasConnected := s.State().Phase == PhaseConnected
	s.setPhase(PhaseConnected, msg.IsModerator)

	s.failures = 0
	s.established = true
	s.backoff = s.reconnectMin

	if wasConnected {
		return
	}

	s.logger.Info("connected", slog.Bool("is_moderator", msg.IsModerator))

	if s.onConnected != nil {
		s.onConnected(msg.IsModerator)
	}
}

func (s *SyncClient) stopHandshakeTimer() {
	if s.handshakeT != nil {
		s.handshakeT.Stop()
		s.handshakeT = nil
	}

	s.handshakeC = nil
}

// dropConnection closes the current connection and stops its
// goroutines.
func (s *SyncClient) dropConnection(code websocket.StatusCode, reason string) {
	s.stopHandshakeTimer()

	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}

	if s.conn != nil {
		s.conn.Close(code, reason)
		s.conn = nil
	}

	s.inboundCh = nil
	s.setPhase(PhaseDisconnected, false)
}

// connectionFailed records a failed or lost connection and schedules
// the next attempt. It returns an error when the client should give up.
func (s *SyncClient) connectionFailed(ctx context.Context, cause error) error {
	s.setPhase(PhaseDisconnected, false)

	if s.established {
		s.established = false
	} else {
		s.failures++
	}

	if s.reconnectAttempts > 0 && s.failures >= s.reconnectAttempts {
		s.logger.Error("giving up on connection",
			slog.Int("attempts", s.failures),
			slog.String("error", cause.Error()),
		)

		return fmt.Errorf("giving up after %d attempts: %w", s.failures, cause)
	}

	delay := s.backoff
	if n := int64(s.backoff) / jitterDivisor; n > 0 {
		delay += time.Duration(rand.Int64N(n))
	}

	s.logger.Warn("connection lost, reconnecting",
		slog.String("error", cause.Error()),
		slog.Duration("backoff", delay),
		slog.Int("failures", s.failures),
	)

	s.backoff = min(s.backoff*backoffMultiplier, s.reconnectMax)

	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.retryT = time.NewTimer(delay)
	s.retryC = s.retryT.C

	return nil
}

// teardown closes the connection deterministically. Runs on the loop
// goroutine as Listen returns, so nothing is reconciled afterwards.
func (s *SyncClient) teardown() {
	if s.retryT != nil {
		s.retryT.Stop()
		s.retryT = nil
		s.retryC = nil
	}

	if s.dialing {
		if r := <-s.dialCh; r.conn != nil {
			r.conn.Close(websocket.StatusNormalClosure, "bye")
		}

		s.dialing = false
	}

	s.dropConnection(websocket.StatusNormalClosure, "bye")
}

// finish marks the loop as gone for Do.
func (s *SyncClient) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Do runs fn on the event loop and waits for it to finish. It returns
// ErrClosed once the client has shut down. Do must not be called from
// the event loop itself.
func (s *SyncClient) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	action := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.actionCh <- action:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished

	return nil
}

// Send writes payload as a JSON text frame. If the connection is not
// CONNECTED the payload is dropped and ErrNotConnected is returned;
// sends are never queued. A write failure closes the connection, which
// the event loop then handles like any other transport error.
func (s *SyncClient) Send(ctx context.Context, payload any) error {
	if s.State().Phase != PhaseConnected {
		return apperrors.ErrNotConnected
	}

	var sendErr error

	err := s.Do(ctx, func() {
		if s.conn == nil || s.State().Phase != PhaseConnected {
			sendErr = apperrors.ErrNotConnected
			return
		}

		if werr := writeJSON(ctx, s.conn, payload); werr != nil {
			s.logger.Warn("send failed", slog.String("error", werr.Error()))
			s.conn.Close(websocket.StatusInternalError, "write failed")
			sendErr = fmt.Errorf("%w: %w", apperrors.ErrNotConnected, werr)
		}
	})
	if errors.Is(err, ErrClosed) {
		return apperrors.ErrNotConnected
	}

	if err != nil {
		return err
	}

	return sendErr
}

// Close stops the event loop and closes the connection. It waits for
// Listen to return when Listen is running. Close must not be called
// from the event loop.
func (s *SyncClient) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })

	if s.running.Load() {
		<-s.done
	}

	return nil
}

// writeJSON marshals v to JSON and writes it as a text frame.
func writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
