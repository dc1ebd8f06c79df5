package forum

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	apperrors "github.com/alexjbarnes/forum-sync/internal/errors"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	testIdentity    = "ann@example.com"
	establishedMod  = `{"type":"connection_established","data":{"status":"connected","is_moderator":true}}`
	establishedUser = `{"type":"connection_established","data":{"status":"connected","is_moderator":false}}`
)

// fakeConn is a channel-backed wsConn. Frames pushed on frames are
// returned by Read; everything the client writes lands on writes.
type fakeConn struct {
	frames  chan []byte
	readErr chan error
	writes  chan []byte
	closed  chan struct{}
	once    sync.Once
	pingErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan []byte, 16),
		readErr: make(chan error, 1),
		writes:  make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f := <-c.frames:
		return websocket.MessageText, f, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}

	select {
	case c.writes <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// connQueue dials the queued conns in order. A nil entry fails the dial.
type connQueue struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls []time.Time
}

func (q *connQueue) dial(ctx context.Context, url string) (wsConn, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.calls = append(q.calls, time.Now())

	if len(q.conns) == 0 {
		return nil, errors.New("connection refused")
	}

	c := q.conns[0]
	q.conns = q.conns[1:]

	if c == nil {
		return nil, errors.New("connection refused")
	}

	return c, nil
}

func (q *connQueue) dialTimes() []time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]time.Time(nil), q.calls...)
}

func newTestSync(t *testing.T, cfg SyncConfig, dial dialFunc) *SyncClient {
	t.Helper()

	if cfg.URL == "" {
		cfg.URL = "ws://hub.test/ws"
	}

	if cfg.Identity == "" {
		cfg.Identity = testIdentity
	}

	if cfg.Store == nil {
		cfg.Store, _ = newTestStore(t)
	}

	s := NewSyncClient(cfg, slog.Default())
	s.dial = dial

	return s
}

// startListen runs Listen in the background and returns its result
// channel.
func startListen(ctx context.Context, s *SyncClient) <-chan error {
	errCh := make(chan error, 1)

	go func() { errCh <- s.Listen(ctx) }()

	return errCh
}

func TestListen_NoIdentity(t *testing.T) {
	s := NewSyncClient(SyncConfig{URL: "ws://hub.test/ws", Identity: "  "}, slog.Default())

	err := s.Listen(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNoIdentity)
	assert.Equal(t, PhaseDisconnected, s.State().Phase)

	// Rollbacks submit with a context that is never cancelled.
	assert.ErrorIs(t, s.Do(context.Background(), func() {}), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestListen_HandshakeWithMockConn(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockWSConn(ctrl)

		mock.EXPECT().SetReadLimit(int64(wsReadLimit))
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"token":"ann@example.com"}`)).Return(nil)
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(establishedMod), nil)
		mock.EXPECT().Read(gomock.Any()).DoAndReturn(func(ctx context.Context) (websocket.MessageType, []byte, error) {
			<-ctx.Done()
			return 0, nil, ctx.Err()
		}).AnyTimes()
		mock.EXPECT().Ping(gomock.Any()).Return(nil).AnyTimes()
		mock.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil)

		s := newTestSync(t, SyncConfig{}, func(ctx context.Context, url string) (wsConn, error) {
			assert.Equal(t, "ws://hub.test/ws", url)
			return mock, nil
		})

		ctx, cancel := context.WithCancel(t.Context())
		errCh := startListen(ctx, s)

		synctest.Wait()

		st := s.State()
		assert.Equal(t, PhaseConnected, st.Phase)
		assert.True(t, st.IsModerator)
		assert.Equal(t, TypeConnectionEstablished, st.LastMessageType)

		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
		assert.Equal(t, PhaseDisconnected, s.State().Phase)
		assert.False(t, s.State().IsModerator)
	})
}

func TestListen_PhaseStaysConnectingUntilEstablished(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := newFakeConn()
		q := &connQueue{conns: []*fakeConn{conn}}
		s := newTestSync(t, SyncConfig{}, q.dial)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := startListen(ctx, s)

		synctest.Wait()
		assert.Equal(t, PhaseConnecting, s.State().Phase)
		assert.JSONEq(t, `{"token":"ann@example.com"}`, string(<-conn.writes), "handshake is the first frame")

		conn.frames <- []byte(establishedUser)
		synctest.Wait()

		assert.Equal(t, PhaseConnected, s.State().Phase)
		assert.False(t, s.State().IsModerator)

		cancel()
		<-errCh
		assert.True(t, conn.isClosed(), "teardown closes the transport")
	})
}

func TestListen_ReconcilesPushes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := newFakeConn()
		q := &connQueue{conns: []*fakeConn{conn}}
		store, rec := newTestStore(t)
		s := newTestSync(t, SyncConfig{Store: store}, q.dial)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := startListen(ctx, s)

		conn.frames <- []byte(establishedUser)
		conn.frames <- []byte(`{"type":"new_question","data":{"id":"p1","title":"Help"}}`)
		conn.frames <- []byte(`garbage`)
		conn.frames <- []byte(`{"type":"new_response","data":{"id":"r1","postId":"p1","content":"Done"}}`)
		conn.frames <- []byte(`{"type":"new_response","data":{"id":"r1","postId":"p1","content":"Done"}}`)
		synctest.Wait()

		p, ok := store.Get("p1")
		require.True(t, ok)
		assert.Equal(t, StatusAnswered, p.Status)
		assert.Len(t, p.Responses, 1)
		assert.Equal(t, PhaseConnected, s.State().Phase, "a malformed frame does not break the connection")
		assert.Equal(t, TypeNewResponse, s.State().LastMessageType)
		assert.Equal(t, []string{"New response added"}, rec.messages())

		cancel()
		<-errCh

		// Nothing is reconciled after teardown.
		conn.frames <- []byte(`{"type":"delete_question","data":{"id":"p1"}}`)
		synctest.Wait()

		_, ok = store.Get("p1")
		assert.True(t, ok)
	})
}

func TestListen_HandshakeTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := newFakeConn()
		q := &connQueue{conns: []*fakeConn{conn}}
		s := newTestSync(t, SyncConfig{
			HandshakeTimeout:  10 * time.Second,
			ReconnectAttempts: 1,
		}, q.dial)

		start := time.Now()
		err := s.Listen(t.Context())

		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrHandshakeTimeout)
		assert.Equal(t, 10*time.Second, time.Since(start))
		assert.True(t, conn.isClosed())
	})
}

func TestListen_BackoffBetweenFailedDials(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := newFakeConn()
		conn.frames <- []byte(establishedUser)

		q := &connQueue{conns: []*fakeConn{nil, nil, conn}}
		var connected atomic.Int32
		s := newTestSync(t, SyncConfig{
			ReconnectMin: 5 * time.Second,
			ReconnectMax: time.Minute,
			OnConnected:  func(bool) { connected.Add(1) },
		}, q.dial)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := startListen(ctx, s)

		// Let both backoff timers fire.
		time.Sleep(time.Minute)
		synctest.Wait()

		calls := q.dialTimes()
		require.Len(t, calls, 3)

		first := calls[1].Sub(calls[0])
		second := calls[2].Sub(calls[1])
		assert.GreaterOrEqual(t, first, 5*time.Second)
		assert.Less(t, first, 5*time.Second+5*time.Second/jitterDivisor)
		assert.GreaterOrEqual(t, second, 10*time.Second, "backoff doubles")
		assert.Less(t, second, 10*time.Second+10*time.Second/jitterDivisor)

		assert.Equal(t, PhaseConnected, s.State().Phase)
		assert.Equal(t, int32(1), connected.Load())

		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
	})
}

func TestListen_GivesUpAfterAttempts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := &connQueue{}
		s := newTestSync(t, SyncConfig{ReconnectAttempts: 3}, q.dial)

		err := s.Listen(t.Context())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "giving up after 3 attempts")
		assert.Contains(t, err.Error(), "connection refused")
		assert.Len(t, q.dialTimes(), 3)
		assert.Equal(t, PhaseDisconnected, s.State().Phase)
	})
}

func TestListen_ReconnectsAfterDrop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		first := newFakeConn()
		second := newFakeConn()
		q := &connQueue{conns: []*fakeConn{first, second}}

		var moderatorSeen []bool
		var mu sync.Mutex
		s := newTestSync(t, SyncConfig{
			OnConnected: func(mod bool) {
				mu.Lock()
				moderatorSeen = append(moderatorSeen, mod)
				mu.Unlock()
			},
		}, q.dial)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := startListen(ctx, s)

		first.frames <- []byte(establishedMod)
		synctest.Wait()
		assert.True(t, s.State().IsModerator)

		first.readErr <- errors.New("connection reset")
		synctest.Wait()

		st := s.State()
		assert.Equal(t, PhaseDisconnected, st.Phase)
		assert.False(t, st.IsModerator, "moderator flag resets with the connection")
		assert.True(t, first.isClosed())

		second.frames <- []byte(establishedUser)
		time.Sleep(10 * time.Second)
		synctest.Wait()

		assert.Equal(t, PhaseConnected, s.State().Phase)
		assert.JSONEq(t, `{"token":"ann@example.com"}`, string(<-second.writes), "fresh handshake")

		mu.Lock()
		assert.Equal(t, []bool{true, false}, moderatorSeen)
		mu.Unlock()

		cancel()
		<-errCh
	})
}

func TestListen_KeepaliveFailureDropsConnection(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := newFakeConn()
		conn.pingErr = errors.New("pong timeout")
		conn.frames <- []byte(establishedUser)

		q := &connQueue{conns: []*fakeConn{conn}}
		s := newTestSync(t, SyncConfig{
			ReconnectMin:      5 * time.Second,
			ReconnectAttempts: 1,
		}, q.dial)

		start := time.Now()
		err := s.Listen(t.Context())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "giving up after 1 attempts")
		assert.True(t, conn.isClosed())

		// The failed ping drops the connection, then one redial fails.
		calls := q.dialTimes()
		require.Len(t, calls, 2)
		redial := calls[1].Sub(start)
		assert.GreaterOrEqual(t, redial, pingAfter+5*time.Second)
		assert.Less(t, redial, pingAfter+5*time.Second+5*time.Second/jitterDivisor)
	})
}

func TestListen_DropIsNotAFailedAttempt(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		first := newFakeConn()
		second := newFakeConn()
		first.frames <- []byte(establishedUser)
		second.frames <- []byte(establishedUser)

		q := &connQueue{conns: []*fakeConn{first, second}}
		s := newTestSync(t, SyncConfig{ReconnectAttempts: 1}, q.dial)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := startListen(ctx, s)
		synctest.Wait()

		first.readErr <- errors.New("connection reset")
		time.Sleep(time.Minute)
		synctest.Wait()

		assert.Equal(t, PhaseConnected, s.State().Phase, "reconnected instead of giving up")
		assert.Len(t, q.dialTimes(), 2)

		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
	})
}

func TestSend_NotConnected(t *testing.T) {
	s := newTestSync(t, SyncConfig{}, (&connQueue{}).dial)

	err := s.Send(context.Background(), map[string]string{"hello": "world"})
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

func TestSend_NotConnectedWhileHandshaking(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := newFakeConn()
		q := &connQueue{conns: []*fakeConn{conn}}
		s := newTestSync(t, SyncConfig{}, q.dial)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := startListen(ctx, s)
		synctest.Wait()

		<-conn.writes // handshake

		assert.ErrorIs(t, s.Send(ctx, map[string]int{"n": 1}), apperrors.ErrNotConnected)
		assert.Empty(t, conn.writes, "dropped, not queued")

		conn.frames <- []byte(establishedUser)
		synctest.Wait()
		assert.Empty(t, conn.writes, "nothing is flushed on connect")

		cancel()
		<-errCh
	})
}

func TestSend_Connected(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := newFakeConn()
		conn.frames <- []byte(establishedUser)

		q := &connQueue{conns: []*fakeConn{conn}}
		s := newTestSync(t, SyncConfig{}, q.dial)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := startListen(ctx, s)
		synctest.Wait()

		<-conn.writes // handshake

		require.NoError(t, s.Send(ctx, map[string]int{"n": 1}))
		assert.JSONEq(t, `{"n":1}`, string(<-conn.writes))

		cancel()
		<-errCh
	})
}

func TestClose_StopsListenAndDo(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := newFakeConn()
		conn.frames <- []byte(establishedUser)

		q := &connQueue{conns: []*fakeConn{conn}}
		s := newTestSync(t, SyncConfig{}, q.dial)

		errCh := startListen(t.Context(), s)
		synctest.Wait()

		ran := false
		require.NoError(t, s.Do(t.Context(), func() { ran = true }))
		assert.True(t, ran)

		require.NoError(t, s.Close())
		assert.NoError(t, <-errCh)
		assert.True(t, conn.isClosed())

		assert.ErrorIs(t, s.Do(t.Context(), func() {}), ErrClosed)
		assert.ErrorIs(t, s.Send(t.Context(), "x"), apperrors.ErrNotConnected)
		assert.NoError(t, s.Close(), "close is idempotent")
	})
}

func TestListen_CloseDuringDial(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := newFakeConn()
		released := make(chan struct{})

		s := newTestSync(t, SyncConfig{}, func(ctx context.Context, url string) (wsConn, error) {
			<-ctx.Done()
			close(released)

			return conn, nil
		})

		errCh := startListen(t.Context(), s)
		synctest.Wait()

		require.NoError(t, s.Close())
		assert.NoError(t, <-errCh)

		<-released
		assert.True(t, conn.isClosed(), "a connection that opens during teardown is closed")
	})
}

func TestListen_AlreadyListening(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := newFakeConn()
		q := &connQueue{conns: []*fakeConn{conn}}
		s := newTestSync(t, SyncConfig{}, q.dial)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := startListen(ctx, s)
		synctest.Wait()

		assert.ErrorContains(t, s.Listen(ctx), "already listening")

		cancel()
		<-errCh
	})
}
