// Package transport wraps a gorilla websocket in the callback-style session
// the agent is written against: OnOpen, OnMessage, OnError, OnClose, a
// goroutine-safe Send, and ping/pong keep-alive with a pong deadline.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const defaultReadLimit = 1024 * 1024 // 1MB

type Options struct {
	PingInterval     time.Duration
	PongTimeout      time.Duration // must be shorter than PingInterval
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// Handler receives session events. Callbacks run on the session's read
// goroutine (OnOpen, OnMessage, OnClose) and must not block for long.
// Any callback may be nil.
type Handler struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

type Session struct {
	conn    *websocket.Conn
	opts    Options
	handler Handler

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	lastPong  atomic.Int64 // unix nanos

	failMu  sync.Mutex
	failure error

	done chan struct{}
}

// Dial opens the websocket. It returns once the handshake completes; call
// Run to start delivering events.
func Dial(ctx context.Context, endpoint string, opts Options, handler Handler) (*Session, error) {
	if opts.PingInterval > 0 && opts.PongTimeout >= opts.PingInterval {
		return nil, errors.Errorf("pong timeout %s must be shorter than ping interval %s", opts.PongTimeout, opts.PingInterval)
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, errors.Wrapf(err, "dial %s (status=%s, body=%q)", endpoint, resp.Status, body)
		}
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}

	s := &Session{
		conn:    conn,
		opts:    opts,
		handler: handler,
		done:    make(chan struct{}),
	}
	conn.SetReadLimit(opts.ReadLimit)
	conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	return s, nil
}

// Run fires OnOpen, then reads until the connection ends and fires OnClose
// (preceded by OnError for abnormal endings). It blocks until then.
func (s *Session) Run() {
	defer close(s.done)

	if s.closing.Load() {
		s.finish(ErrClosed)
		return
	}
	if s.handler.OnOpen != nil {
		s.handler.OnOpen()
	}

	stopPing := make(chan struct{})
	if s.opts.PingInterval > 0 {
		go s.pingLoop(stopPing)
	}

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			close(stopPing)
			s.finish(err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if s.handler.OnMessage != nil {
			s.handler.OnMessage(data)
		}
	}
}

func (s *Session) finish(readErr error) {
	_ = s.conn.Close()

	s.failMu.Lock()
	if s.failure != nil {
		readErr = s.failure
	}
	s.failMu.Unlock()

	var closeErr *websocket.CloseError
	switch {
	case errors.As(readErr, &closeErr):
		// gorilla reports an unexpected EOF as a 1006 close.
		if closeErr.Code == websocket.CloseAbnormalClosure && s.handler.OnError != nil {
			s.handler.OnError(readErr)
		}
		s.closed(closeErr.Code, closeErr.Text)
	case s.closing.Load() && errors.Cause(readErr) != ErrPongTimeout:
		s.closed(websocket.CloseNormalClosure, "")
	default:
		if s.handler.OnError != nil {
			s.handler.OnError(readErr)
		}
		s.closed(websocket.CloseAbnormalClosure, readErr.Error())
	}
}

func (s *Session) closed(code int, reason string) {
	if s.handler.OnClose != nil {
		s.handler.OnClose(code, reason)
	}
}

// pingLoop sends a ping every PingInterval and fails the session when no
// pong arrives within PongTimeout of it.
func (s *Session) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		sent := time.Now()
		if err := s.conn.WriteControl(websocket.PingMessage, nil, sent.Add(s.opts.WriteTimeout)); err != nil {
			s.fail(errors.Wrap(err, "write ping"))
			return
		}
		if s.opts.PongTimeout <= 0 {
			continue
		}

		timer := time.NewTimer(s.opts.PongTimeout)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		if s.lastPong.Load() < sent.UnixNano() {
			s.fail(ErrPongTimeout)
			return
		}
	}
}

// fail records the first transport-level failure and drops the connection,
// which ends the read loop.
func (s *Session) fail(err error) {
	s.failMu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.failMu.Unlock()
	_ = s.conn.Close()
}

// Send writes one text frame. Safe for concurrent use.
func (s *Session) Send(data []byte) error {
	if s.closing.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

// SendJSON marshals v and sends it as one text frame.
func (s *Session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	return s.Send(data)
}

// Close sends a normal close frame and drops the connection. Only the first
// call has any effect.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.opts.WriteTimeout),
		)
		err = s.conn.Close()
	})
	return err
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
