// Package mock provides test doubles for the s2s.Provider and s2s.SessionHandle
// interfaces.
//
// Session records every outbound message in order and lets the test drive the
// inbound event stream. Provider returns a pre-built Session (or error) from
// Connect and can hold the handshake open until the test releases it.
//
// Example:
//
//	sess := mock.NewSession()
//	prov := &mock.Provider{Session: sess}
//	handle, _ := prov.Connect(ctx, s2s.SessionConfig{Voice: "Zephyr"})
//	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: pcm})
//	sent := sess.Outbound() // audio chunks and commands, in send order
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ─── Session ──────────────────────────────────────────────────────────────────

// Message is one recorded outbound item.
type Message struct {
	// Audio is set for SendAudio calls.
	Audio []byte

	// Command is set for SendCommand calls.
	Command string
}

// IsCommand reports whether the message came from SendCommand.
func (m Message) IsCommand() bool { return m.Audio == nil }

// Session is a mock implementation of [s2s.SessionHandle]. Create it with
// [NewSession]; the zero value is not usable.
type Session struct {
	mu       sync.Mutex
	state    s2s.State
	outbound []Message
	events   chan s2s.Event
	finished bool

	// SendCommandErr, if set, is returned by SendCommand instead of recording.
	SendCommandErr error

	// CloseCallCount records how many times Close was called.
	CloseCallCount int
}

// NewSession returns an open Session with a buffered event stream.
func NewSession() *Session {
	return &Session{
		state:  s2s.StateOpen,
		events: make(chan s2s.Event, 256),
	}
}

// SendAudio implements [s2s.SessionHandle]. Chunks are recorded only while
// the session is open.
func (s *Session) SendAudio(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != s2s.StateOpen {
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.outbound = append(s.outbound, Message{Audio: cp})
}

// SendCommand implements [s2s.SessionHandle].
func (s *Session) SendCommand(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != s2s.StateOpen {
		return s2s.ErrNotOpen
	}
	if s.SendCommandErr != nil {
		return s.SendCommandErr
	}
	s.outbound = append(s.outbound, Message{Command: text})
	return nil
}

// Events implements [s2s.SessionHandle].
func (s *Session) Events() <-chan s2s.Event { return s.events }

// State implements [s2s.SessionHandle].
func (s *Session) State() s2s.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close implements [s2s.SessionHandle]. The first call emits a clean
// [s2s.EventClosed] and closes the event stream.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.finishLocked(nil)
	return nil
}

// Emit delivers ev to the event stream. It is a no-op once the stream is
// finished.
func (s *Session) Emit(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.events <- ev
}

// CloseRemote simulates the remote side ending the session, with err as the
// cause (nil for a clean close).
func (s *Session) CloseRemote(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(err)
}

// Outbound returns a copy of every recorded outbound message in send order.
func (s *Session) Outbound() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.outbound))
	copy(out, s.outbound)
	return out
}

// Commands returns the recorded directives in send order.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.outbound {
		if m.IsCommand() {
			out = append(out, m.Command)
		}
	}
	return out
}

// Closed reports whether Close was called at least once.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

func (s *Session) finishLocked(err error) {
	s.state = s2s.StateClosed
	if s.finished {
		return
	}
	s.finished = true
	s.events <- s2s.Event{Kind: s2s.EventClosed, Err: err}
	close(s.events)
}

// ─── Provider ─────────────────────────────────────────────────────────────────

// Provider is a mock implementation of [s2s.Provider].
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect when ConnectErr is nil.
	Session *Session

	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until it is closed or ctx ends.
	// A cancelled ctx yields an *s2s.ConnectError wrapping ctx.Err().
	Gate chan struct{}

	// Started, if non-nil, receives one value when Connect begins waiting on
	// Gate.
	Started chan struct{}

	// CapabilitiesResult is returned by Capabilities.
	CapabilitiesResult s2s.Capabilities

	// ConnectCalls records the configuration of every Connect call.
	ConnectCalls []s2s.SessionConfig
}

// Connect implements [s2s.Provider].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, cfg)
	gate, started := p.Gate, p.Started
	sess, err := p.Session, p.ConnectErr
	p.mu.Unlock()

	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &s2s.ConnectError{Provider: "mock", Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = NewSession()
		p.mu.Lock()
		p.Session = sess
		p.mu.Unlock()
	}
	return sess, nil
}

// Capabilities implements [s2s.Provider].
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CapabilitiesResult
}

// Calls returns a copy of the recorded Connect configurations.
func (p *Provider) Calls() []s2s.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]s2s.SessionConfig, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}
