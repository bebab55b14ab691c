// Package wsconn runs the WebSocket session mechanics shared by the S2S
// backends: handshake, a single ordered writer, a single reader translating
// server messages into [s2s.Event] values, keepalive pings and teardown.
//
// A backend supplies a [Protocol] that knows its wire format; the returned
// [Session] implements [s2s.SessionHandle].
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

var _ s2s.SessionHandle = (*Session)(nil)

const (
	defaultQueueSize  = 256
	defaultEventSize  = 128
	defaultReadLimit  = 16 << 20
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// Protocol translates between the shared session model and one backend's
// wire format.
type Protocol interface {
	// Setup returns the messages sent right after the socket opens.
	Setup() ([][]byte, error)

	// Decode translates one server message. ready reports the handshake
	// completion signal. Server-reported failures are returned as
	// [s2s.EventError] events; err is reserved for undecodable messages,
	// which are skipped.
	Decode(data []byte) (events []s2s.Event, ready bool, err error)

	// EncodeAudio wraps one chunk of 16 kHz mono caller PCM.
	EncodeAudio(pcm []byte) ([]byte, error)

	// EncodeCommand wraps one supervisor directive.
	EncodeCommand(text string) ([][]byte, error)
}

// Option configures a dial.
type Option func(*Session)

// WithQueueSize sets the outbound queue depth. Default: 256 messages.
func WithQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.out = make(chan []byte, n)
		}
	}
}

// WithKeepalive sets the ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(s *Session) { s.keepalive = d }
}

// Session is an open WebSocket session.
type Session struct {
	name      string
	proto     Protocol
	conn      *websocket.Conn
	keepalive time.Duration

	state  atomic.Int32
	out    chan []byte
	events chan s2s.Event

	ctx    context.Context
	cancel context.CancelFunc

	failMu sync.Mutex
	fail   error

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// Dial opens url, sends the protocol's setup messages and blocks until the
// server signals readiness. name prefixes errors and logs. Every failure is
// an *[s2s.ConnectError].
func Dial(ctx context.Context, name, url string, header http.Header, proto Protocol, opts ...Option) (*Session, error) {
	s := &Session{
		name:      name,
		proto:     proto,
		keepalive: keepaliveInterval,
		out:       make(chan []byte, defaultQueueSize),
		events:    make(chan s2s.Event, defaultEventSize),
	}
	for _, o := range opts {
		o(s)
	}
	s.state.Store(int32(s2s.StateConnecting))

	fail := func(err error) (*Session, error) {
		s.state.Store(int32(s2s.StateClosed))
		return nil, &s2s.ConnectError{Provider: name, Err: err}
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode != 0 {
			err = fmt.Errorf("http %d: %w", resp.StatusCode, err)
		}
		return fail(err)
	}
	conn.SetReadLimit(defaultReadLimit)
	s.conn = conn

	setup, err := proto.Setup()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return fail(err)
	}
	for _, msg := range setup {
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			conn.Close(websocket.StatusInternalError, "setup failed")
			return fail(fmt.Errorf("send setup: %w", err))
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "handshake aborted")
			return fail(fmt.Errorf("await ready: %w", err))
		}
		events, ready, err := proto.Decode(data)
		if err != nil {
			slog.Debug(name+": skipping malformed handshake message", "err", err)
			continue
		}
		for _, ev := range events {
			if ev.Kind == s2s.EventError {
				conn.Close(websocket.StatusNormalClosure, "handshake rejected")
				return fail(ev.Err)
			}
		}
		if ready {
			break
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state.Store(int32(s2s.StateOpen))

	go s.writeLoop()
	go s.keepaliveLoop()
	go s.readLoop()
	return s, nil
}

// ── SessionHandle ──────────────────────────────────────────────────────────────

// SendAudio implements [s2s.SessionHandle].
func (s *Session) SendAudio(chunk []byte) {
	if s.State() != s2s.StateOpen || len(chunk) == 0 {
		return
	}
	msg, err := s.proto.EncodeAudio(chunk)
	if err != nil {
		slog.Debug(s.name+": encode audio", "err", err)
		return
	}
	select {
	case s.out <- msg:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn(s.name+": outbound queue full, dropping audio", "dropped", n)
		}
	}
}

// SendCommand implements [s2s.SessionHandle].
func (s *Session) SendCommand(text string) error {
	if s.State() != s2s.StateOpen {
		return ErrNotOpen(s.name)
	}
	msgs, err := s.proto.EncodeCommand(text)
	if err != nil {
		return fmt.Errorf("%s: encode command: %w", s.name, err)
	}
	for _, msg := range msgs {
		select {
		case s.out <- msg:
		default:
			return fmt.Errorf("%s: %w", s.name, s2s.ErrQueueFull)
		}
	}
	return nil
}

// Events implements [s2s.SessionHandle].
func (s *Session) Events() <-chan s2s.Event { return s.events }

// State implements [s2s.SessionHandle].
func (s *Session) State() s2s.State { return s2s.State(s.state.Load()) }

// Dropped returns how many audio chunks were dropped because the outbound
// queue was full.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Close implements [s2s.SessionHandle].
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

// ErrNotOpen wraps [s2s.ErrNotOpen] with the backend name.
func ErrNotOpen(name string) error {
	return fmt.Errorf("%s: %w", name, s2s.ErrNotOpen)
}

// ── loops ──────────────────────────────────────────────────────────────────────

// writeLoop is the only goroutine writing data frames, so messages reach the
// wire in queue order.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.out:
			if err := s.conn.Write(s.ctx, websocket.MessageText, msg); err != nil {
				if s.ctx.Err() == nil {
					s.shutdown(fmt.Errorf("%s: write: %w", s.name, err))
				}
				return
			}
		}
	}
}

// readLoop owns the events channel and closes it on exit, after emitting the
// final [s2s.EventClosed].
func (s *Session) readLoop() {
	defer close(s.events)

	var remoteErr error
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(s.readErr(err))
			return
		}
		events, _, derr := s.proto.Decode(data)
		if derr != nil {
			slog.Debug(s.name+": skipping malformed message", "err", derr)
			continue
		}
		for _, ev := range events {
			if !s.emit(ev) {
				s.finish(s.failure())
				return
			}
			if ev.Kind == s2s.EventError {
				remoteErr = ev.Err
			}
		}
		if remoteErr != nil {
			s.finish(remoteErr)
			return
		}
	}
}

func (s *Session) keepaliveLoop() {
	if s.keepalive <= 0 {
		return
	}
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Debug(s.name+": keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// emit delivers ev unless the session is shutting down.
func (s *Session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// finish marks the session closed and makes a best-effort attempt to deliver
// the final event without blocking on an abandoned consumer.
func (s *Session) finish(err error) {
	s.shutdown(err)
	select {
	case s.events <- s2s.Event{Kind: s2s.EventClosed, Err: err}:
	case <-time.After(time.Second):
		slog.Debug(s.name + ": final event not consumed")
	}
}

// readErr classifies a read failure. Local close and a normal remote close
// end the session cleanly.
func (s *Session) readErr(err error) error {
	if f := s.failure(); f != nil {
		return f
	}
	// Closed without a recorded failure: a local Close whose handshake is
	// still tearing the socket down under the reader.
	if s.ctx.Err() != nil || s.State() == s2s.StateClosed {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	case -1:
		return fmt.Errorf("%s: connection lost: %w", s.name, err)
	default:
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Reason != "" {
			return fmt.Errorf("%s: closed by server (%d): %s", s.name, ce.Code, ce.Reason)
		}
		return fmt.Errorf("%s: closed by server: %w", s.name, err)
	}
}

func (s *Session) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.fail
}

// shutdown transitions to Closed exactly once and records cause. The socket
// is released in the background so callers never wait on the close
// handshake.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.failMu.Lock()
		s.fail = cause
		s.failMu.Unlock()
		s.state.Store(int32(s2s.StateClosed))

		go func() {
			defer s.cancel()
			if cause != nil {
				s.conn.CloseNow()
				return
			}
			if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
				slog.Debug(s.name+": close", "err", err)
			}
		}()
	})
}
