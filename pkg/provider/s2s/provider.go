// Package s2s defines the Provider interface for speech-to-speech (S2S) agents.
//
// An S2S provider wraps a real-time voice AI service that accepts raw caller
// audio and returns synthesized agent speech over one stateful, full-duplex
// session. Besides audio, the session carries silent supervisor directives:
// short text commands the agent treats as instructions for its next utterance
// and never reads aloud.
//
// The central abstraction is [SessionHandle]. Outbound audio and directives
// share one ordered queue; inbound traffic is surfaced as a typed [Event]
// stream delivered in arrival order.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CommandTag prefixes every supervisor directive so the agent can tell it
// apart from the caller.
const CommandTag = "[SYSTEM_COMMAND]: "

// ErrNotOpen is returned by [SessionHandle.SendCommand] when the session is
// not in the [StateOpen] state.
var ErrNotOpen = errors.New("s2s: session not open")

// ErrQueueFull is returned by [SessionHandle.SendCommand] when the outbound
// queue cannot accept more messages.
var ErrQueueFull = errors.New("s2s: outbound queue full")

// State is the lifecycle phase of a session.
//
//	Idle → Connecting → Open → Closed
//	Connecting → Closed (handshake failure)
//
// No transition leaves Closed.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind classifies an inbound [Event].
type EventKind int

const (
	// EventAudio carries one chunk of agent speech (24 kHz mono s16le PCM).
	EventAudio EventKind = iota

	// EventTurnComplete marks the end of the agent's current turn.
	EventTurnComplete

	// EventInterrupted reports that the remote side detected caller speech
	// over the agent (barge-in). Buffered agent audio must be discarded.
	EventInterrupted

	// EventError carries a remote-reported failure. The session closes after
	// it.
	EventError

	// EventClosed is the final event of every session. Err is set when the
	// session ended abnormally.
	EventClosed
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one inbound notification from the remote agent.
type Event struct {
	Kind EventKind

	// Audio holds PCM bytes for EventAudio.
	Audio []byte

	// Err is set for EventError, and for EventClosed after an abnormal end.
	Err error
}

// SessionConfig is the configuration sent when a session opens.
type SessionConfig struct {
	// Instructions is the system instruction defining the agent's role,
	// including any appended reference material.
	Instructions string

	// Voice is the provider voice name, e.g. "Zephyr".
	Voice string

	// Language is the language the agent is asked to speak. It is already
	// reflected in Instructions; providers may also pass it as a hint.
	Language string
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Voices lists the voice names the provider accepts.
	Voices []string

	// DefaultVoice is used when [SessionConfig.Voice] is empty.
	DefaultVoice string

	// InputSampleRate is the rate SendAudio expects (16000).
	InputSampleRate int

	// OutputSampleRate is the rate of EventAudio payloads (24000).
	OutputSampleRate int

	// MaxSessionDuration is the provider-imposed session limit; zero means
	// no documented limit.
	MaxSessionDuration time.Duration
}

// HasVoice reports whether name is one of the provider's voices.
func (c Capabilities) HasVoice(name string) bool {
	for _, v := range c.Voices {
		if v == name {
			return true
		}
	}
	return false
}

// ConnectError reports a failed session handshake: bad credentials, an
// unreachable endpoint, a rejected model or voice, or a cancelled context.
type ConnectError struct {
	Provider string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: connect: %v", e.Provider, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SessionHandle represents one session with the remote agent. It is an
// interface so that test code can supply mock implementations.
//
// All methods must be safe for concurrent use and return quickly.
type SessionHandle interface {
	// SendAudio queues one chunk of 16 kHz mono s16le caller audio. It never
	// blocks and is a silent no-op unless the session is open. Chunks may be
	// dropped under sustained backpressure.
	SendAudio(chunk []byte)

	// SendCommand queues a supervisor directive. It is transmitted after every
	// chunk queued before it. Returns [ErrNotOpen] unless the session is open.
	SendCommand(text string) error

	// Events returns the inbound event stream. Events arrive in the order the
	// remote side produced them; the last one is always [EventClosed], after
	// which the channel is closed. Consumers must drain it promptly.
	Events() <-chan Event

	// State returns the current lifecycle phase.
	State() State

	// Close ends the session. It is idempotent and swallows transport errors.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a session and returns once the remote side has signalled
	// that it is ready. Failures are reported as *[ConnectError]. The caller
	// owns the returned handle and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
