package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// ErrNotConnected is returned by Send while the session has no live
// connection.
var ErrNotConnected = errors.New("transport: session not connected")

// Events receives lifecycle and wire callbacks from a session. All
// callbacks may run on the session's goroutines; the receiver is
// expected to republish them onto its own event loop.
type Events interface {
	OnSessionUp(session string)
	OnSessionDown(session, reason string)
	OnStreamReset(session string, corrID uint64, errorCode uint16)
	OnMessage(session string, payload []byte, corrID uint64, recvTs int64)
}

// Config describes one websocket session endpoint.
type Config struct {
	Name string
	URL  string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	Backoff      Backoff
}

func (c *Config) fill() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 30 * time.Second
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
}

// Session is one websocket connection to a venue endpoint with automatic
// reconnect. It implements the session pool's transport contract.
type Session struct {
	cfg    Config
	events Events

	active  atomic.Bool
	running atomic.Bool

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewSession builds a session. Start must be called before Send.
func NewSession(cfg Config, events Events) *Session {
	cfg.fill()
	return &Session{cfg: cfg, events: events}
}

// Name identifies the session within its pool.
func (s *Session) Name() string { return s.cfg.Name }

// IsActive reports whether a connection is currently established.
func (s *Session) IsActive() bool { return s.active.Load() }

// Start dials and serves the connection, reconnecting with backoff until
// the context is cancelled or Stop is called. It blocks; the pool runs it
// on its own goroutine.
func (s *Session) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	defer s.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	attempt := 0
	for {
		if runCtx.Err() != nil {
			return nil
		}
		conn, err := s.dial(runCtx)
		if err != nil {
			attempt++
			logs.Infof("session %s dial %s failed (attempt %d), err: %+v",
				s.cfg.Name, s.cfg.URL, attempt, err)
			s.sleepBackoff(runCtx, attempt)
			continue
		}
		attempt = 0

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.active.Store(true)
		s.events.OnSessionUp(s.cfg.Name)

		err = s.serve(runCtx, conn)

		s.active.Store(false)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		reason := "closed"
		if err != nil {
			reason = err.Error()
		}
		s.events.OnSessionDown(s.cfg.Name, reason)

		if runCtx.Err() != nil {
			return nil
		}
		attempt++
		s.sleepBackoff(runCtx, attempt)
	}
}

// Stop tears the session down. A graceful stop sends a close frame first
// so the venue can flush in-flight responses.
func (s *Session) Stop(graceful bool) error {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	if graceful && conn != nil {
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// Send writes one binary message. It is synchronous: the payload is on
// the wire, or buffered by the kernel, when it returns.
func (s *Session) Send(payload []byte, corrID uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || !s.active.Load() {
		return 0, ErrNotConnected
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return 0, errors.Wrapf(err, "session %s set write deadline", s.cfg.Name)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return 0, errors.Wrapf(err, "session %s write", s.cfg.Name)
	}
	return time.Now().UnixNano(), nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", s.cfg.URL)
	}
	return conn, nil
}

// serve pumps inbound messages until the connection breaks. Pings keep
// the connection alive and the pong deadline detects silent peers.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	if s.cfg.PingInterval > 0 {
		go s.pingLoop(conn, stopPing)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok &&
				closeErr.Code != websocket.CloseNormalClosure {
				s.events.OnStreamReset(s.cfg.Name, 0, uint16(closeErr.Code))
			}
			return err
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.events.OnMessage(s.cfg.Name, payload, 0, time.Now().UnixNano())
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Session) sleepBackoff(ctx context.Context, attempt int) {
	wait := s.cfg.Backoff.Next(attempt)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
