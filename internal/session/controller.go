// Package session owns the lifecycle of one bridged call.
//
// A [Controller] wires an [audio.Transport] to a speech-to-speech agent
// session: captured caller audio is forwarded to the agent, agent audio is
// decoded and handed to a gapless [playback.Scheduler] that renders it back
// through the same transport, and supervisor directives travel on the agent
// session as silent text.
//
// The controller runs a state machine:
//
//	Disconnected ──Connect──▶ Connecting ──ready──▶ Connected
//	     ▲                        │                     │
//	     │                        └──failure──▶ Error ◀─┘
//	     └──────────────Disconnect (from any state)─────┘
//
// Every path out of Connecting or Connected releases the device streams, the
// playback pump and the agent connection before the state changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/playback"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

const defaultDecodeQueue = 64

var (
	// ErrNotConnected is returned by SendCommand outside the Connected state.
	ErrNotConnected = errors.New("session: not connected")

	// ErrEmptyCommand is returned by SendCommand for blank directives.
	ErrEmptyCommand = errors.New("session: empty command")

	// ErrCancelled is returned by Connect when Disconnect interrupts the
	// handshake.
	ErrCancelled = errors.New("session: connect cancelled")
)

// StreamError reports a fault on an established call. Source is "capture",
// "render" or "remote".
type StreamError struct {
	Source string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("session: %s stream: %v", e.Source, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ── State ──────────────────────────────────────────────────────────────────────

// State is the controller's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CallConfig is the per-call agent configuration.
type CallConfig struct {
	// Instructions is the system instruction for the agent.
	Instructions string

	// Voice is the agent voice identifier.
	Voice string

	// Language is the conversation language. It is informational for the
	// transport; prompt assembly folds it into Instructions.
	Language string
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State         State
	AgentSpeaking bool
	InputLevel    float64
	Muted         bool
	LastError     error
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Controller].
type Option func(*Controller)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSchedulerOptions passes options to every call's playback scheduler.
func WithSchedulerOptions(opts ...playback.Option) Option {
	return func(c *Controller) { c.schedOpts = append(c.schedOpts, opts...) }
}

// WithDecodeQueue sets how many agent audio chunks may wait for decoding.
func WithDecodeQueue(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.decodeQueue = n
		}
	}
}

// WithProviderName sets the provider label used in logs and metrics.
func WithProviderName(name string) Option {
	return func(c *Controller) {
		if name != "" {
			c.providerName = name
		}
	}
}

// ── Controller ─────────────────────────────────────────────────────────────────

// Controller bridges one transport to one agent provider, one call at a time.
// All methods are safe for concurrent use.
type Controller struct {
	provider     s2s.Provider
	transport    audio.Transport
	metrics      *observe.Metrics
	schedOpts    []playback.Option
	decodeQueue  int
	providerName string

	// beforeDecode, if set, runs on the decode worker ahead of each job.
	beforeDecode func()

	// mu serialises lifecycle transitions and is held during teardown.
	mu   sync.Mutex
	call *call

	// stMu guards state and lastErr. Writers also hold mu; readers may hold
	// either, so status snapshots never wait on a teardown.
	stMu    sync.Mutex
	state   State
	lastErr error

	muted    atomic.Bool
	level    atomic.Uint64 // math.Float64bits
	speaking atomic.Bool

	listenersMu sync.Mutex
	listeners   []func(Status)
}

// New creates a Controller. The transport is owned by the controller for the
// duration of each call and stopped on every disconnect path.
func New(provider s2s.Provider, transport audio.Transport, opts ...Option) *Controller {
	c := &Controller{
		provider:     provider,
		transport:    transport,
		decodeQueue:  defaultDecodeQueue,
		providerName: "s2s",
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// call holds the resources of one connect attempt.
type call struct {
	ctx     context.Context // call span, cancelled on teardown
	cancel  context.CancelFunc
	span    trace.Span
	log     *slog.Logger
	sched   *playback.Scheduler
	jobs    chan decodeJob
	outRate int

	// active is cleared when the call is detached from the controller.
	active    atomic.Bool
	connected atomic.Bool
	since     time.Time

	// Guarded by Controller.mu.
	cancelled bool
	err       error

	handleMu sync.Mutex
	handle   s2s.SessionHandle
	closed   bool

	teardownOnce sync.Once
}

type decodeJob struct {
	epoch uint64
	pcm   []byte
}

// attach stores the agent session. It reports false, closing h, when the
// call was torn down during the handshake.
func (cl *call) attach(h s2s.SessionHandle) bool {
	cl.handleMu.Lock()
	defer cl.handleMu.Unlock()
	if cl.closed {
		_ = h.Close()
		return false
	}
	cl.handle = h
	return true
}

func (cl *call) detach() s2s.SessionHandle {
	cl.handleMu.Lock()
	defer cl.handleMu.Unlock()
	cl.closed = true
	h := cl.handle
	cl.handle = nil
	return h
}

// Connect starts a call. It returns nil immediately if a call is already
// connecting or connected. It blocks until the agent is ready, the handshake
// fails, ctx ends, or [Controller.Disconnect] cancels it.
//
// Failures leave the controller in [StateError] with every partially
// acquired resource released. The returned error wraps
// [audio.ErrDeviceUnavailable] or is an [*s2s.ConnectError] for the
// corresponding causes.
func (c *Controller) Connect(ctx context.Context, cfg CallConfig) error {
	start := time.Now()

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	cl := c.newCall(cfg)
	c.call = cl
	c.setState(StateConnecting, nil)

	// Both endpoints must exist before the agent is contacted.
	if err := c.transport.Resolve(); err != nil {
		c.failLocked(cl, err)
		c.mu.Unlock()
		c.finishConnect(cl, start, "error")
		return err
	}

	// Render first: the pump must have somewhere to write before agent audio
	// can arrive.
	if err := c.transport.StartRender(); err != nil {
		c.failLocked(cl, err)
		c.mu.Unlock()
		c.finishConnect(cl, start, "error")
		return err
	}
	go cl.sched.Run(cl.ctx)
	c.mu.Unlock()
	c.notify()

	connectCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cl.ctx.Done():
			stop()
		case <-connectCtx.Done():
		}
	}()

	handle, err := c.provider.Connect(connectCtx, s2s.SessionConfig{
		Instructions: cfg.Instructions,
		Voice:        cfg.Voice,
		Language:     cfg.Language,
	})
	if err == nil && !cl.attach(handle) {
		err = ErrCancelled
	}

	c.mu.Lock()
	switch {
	case cl.cancelled:
		c.mu.Unlock()
		c.finishConnect(cl, start, "cancelled")
		return ErrCancelled
	case cl.err != nil:
		err = cl.err
		c.mu.Unlock()
		c.finishConnect(cl, start, "error")
		return err
	case err != nil:
		c.failLocked(cl, err)
		c.mu.Unlock()
		c.finishConnect(cl, start, "error")
		return err
	}

	// A failover provider reports the capabilities of the backend it used.
	if r := c.provider.Capabilities().OutputSampleRate; r > 0 {
		cl.outRate = r
	}
	go c.decodeLoop(cl)
	go c.eventLoop(cl, handle)

	// Capture last: audio must not stream into a session that is not ready.
	if err := c.transport.StartCapture(c.captureFunc(cl, handle)); err != nil {
		c.failLocked(cl, err)
		c.mu.Unlock()
		c.finishConnect(cl, start, "error")
		return err
	}
	c.setState(StateConnected, nil)
	cl.since = time.Now()
	cl.connected.Store(true)
	c.mu.Unlock()

	c.metrics.ActiveCalls.Add(cl.ctx, 1)
	cl.log.Info("session: call connected", "voice", cfg.Voice, "language", cfg.Language, "elapsed", time.Since(start))
	c.finishConnect(cl, start, "ok")
	return nil
}

func (c *Controller) finishConnect(cl *call, start time.Time, status string) {
	c.metrics.RecordConnect(context.Background(), c.providerName, status, time.Since(start).Seconds())
	if status != "ok" {
		cl.log.Warn("session: connect did not complete", "status", status)
	}
	c.notify()
}

func (c *Controller) newCall(cfg CallConfig) *call {
	spanCtx, span := observe.StartCallSpan(context.Background(), c.providerName, cfg.Voice, cfg.Language)
	ctx, cancel := context.WithCancel(spanCtx)
	cl := &call{
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		log:     observe.Logger(spanCtx).With("provider", c.providerName),
		jobs:    make(chan decodeJob, c.decodeQueue),
		outRate: c.provider.Capabilities().OutputSampleRate,
	}
	if cl.outRate <= 0 {
		cl.outRate = audio.OutputSampleRate
	}
	cl.active.Store(true)

	opts := append([]playback.Option(nil), c.schedOpts...)
	opts = append(opts,
		playback.WithOnAudible(func(audible bool) { c.onAudible(cl, audible) }),
		playback.WithOnError(func(err error) { c.fail(cl, &StreamError{Source: "render", Err: err}) }),
	)
	cl.sched = playback.New(c.transport, opts...)
	return cl
}

// Disconnect ends the current call, if any, and returns the controller to
// [StateDisconnected]. It is safe to call from any state and more than once.
// A Connect blocked in the handshake returns [ErrCancelled].
func (c *Controller) Disconnect() {
	c.mu.Lock()
	cl := c.call
	prev := c.state
	c.call = nil
	c.setState(StateDisconnected, nil)
	if cl != nil {
		cl.cancelled = true
		c.teardownLocked(cl)
	}
	c.mu.Unlock()

	c.muted.Store(false)
	c.level.Store(0)
	if prev != StateDisconnected {
		slog.Info("session: disconnected", "from", prev.String())
		c.notify()
	}
}

// fail moves a still-current call to [StateError].
func (c *Controller) fail(cl *call, err error) {
	c.mu.Lock()
	if c.call != cl {
		c.mu.Unlock()
		return
	}
	c.failLocked(cl, err)
	c.mu.Unlock()

	var se *StreamError
	if errors.As(err, &se) {
		c.metrics.RecordProviderError(context.Background(), c.providerName, se.Source)
	}
	cl.log.Error("session: call failed", "err", err)
	c.notify()
}

func (c *Controller) failLocked(cl *call, err error) {
	cl.err = err
	observe.FailCall(cl.span, err)
	c.call = nil
	c.setState(StateError, err)
	c.teardownLocked(cl)
}

// remoteClosed handles a clean close initiated by the agent.
func (c *Controller) remoteClosed(cl *call) {
	c.mu.Lock()
	if c.call != cl {
		c.mu.Unlock()
		return
	}
	c.call = nil
	c.setState(StateDisconnected, nil)
	c.teardownLocked(cl)
	c.mu.Unlock()

	cl.log.Info("session: agent closed the call")
	c.notify()
}

// teardownLocked releases a call's resources in reverse acquisition order.
// Errors are swallowed. Callbacks reached from here must not take c.mu.
func (c *Controller) teardownLocked(cl *call) {
	cl.teardownOnce.Do(func() {
		cl.active.Store(false)
		cl.cancel()
		c.transport.Stop()
		if h := cl.detach(); h != nil {
			_ = h.Close()
		}
		cl.sched.Flush()
		cl.sched.Close()

		if c.speaking.Swap(false) {
			c.metrics.AgentSpeaking.Add(context.Background(), -1)
		}
		if cl.connected.Load() {
			c.metrics.ActiveCalls.Add(context.Background(), -1)
			c.metrics.CallDuration.Record(context.Background(), time.Since(cl.since).Seconds())
		}
		cl.span.End()
	})
}

// ── Wiring ─────────────────────────────────────────────────────────────────────

// captureFunc returns the capture callback. It never blocks: SendAudio is
// fire-and-forget.
func (c *Controller) captureFunc(cl *call, h s2s.SessionHandle) func([]byte) {
	return func(pcm []byte) {
		c.level.Store(math.Float64bits(audio.RMSPCM16(pcm)))
		if c.muted.Load() {
			c.metrics.AudioChunksMuted.Add(cl.ctx, 1)
			return
		}
		h.SendAudio(pcm)
		c.metrics.RecordAudioChunk(cl.ctx, "uplink")
	}
}

// eventLoop is the single consumer of the agent's event stream.
func (c *Controller) eventLoop(cl *call, h s2s.SessionHandle) {
	defer close(cl.jobs)
	events := h.Events()
	for {
		var (
			ev s2s.Event
			ok bool
		)
		select {
		case <-cl.ctx.Done():
			return
		case ev, ok = <-events:
		}
		if !ok {
			c.remoteClosed(cl)
			return
		}

		switch ev.Kind {
		case s2s.EventAudio:
			c.metrics.RecordAudioChunk(cl.ctx, "downlink")
			// Stamp at receipt so an interruption processed after this point
			// invalidates the chunk even if decoding is still pending.
			job := decodeJob{epoch: cl.sched.Epoch(), pcm: ev.Audio}
			select {
			case cl.jobs <- job:
			case <-cl.ctx.Done():
				return
			}

		case s2s.EventInterrupted:
			cl.sched.Flush()
			c.metrics.Interruptions.Add(cl.ctx, 1)
			observe.CallEvent(cl.ctx, "interrupted")
			cl.log.Debug("session: agent interrupted by caller")

		case s2s.EventTurnComplete:
			c.metrics.TurnsCompleted.Add(cl.ctx, 1)
			cl.log.Debug("session: agent turn complete")

		case s2s.EventError:
			c.fail(cl, &StreamError{Source: "remote", Err: ev.Err})
			return

		case s2s.EventClosed:
			if ev.Err != nil {
				c.fail(cl, &StreamError{Source: "remote", Err: ev.Err})
			} else {
				c.remoteClosed(cl)
			}
			return
		}
	}
}

// decodeLoop decodes agent audio in arrival order and schedules it under the
// epoch it was stamped with.
func (c *Controller) decodeLoop(cl *call) {
	for job := range cl.jobs {
		if c.beforeDecode != nil {
			c.beforeDecode()
		}
		buf := audio.Buffer{Samples: audio.DecodePCM16(job.pcm), SampleRate: cl.outRate}
		if len(buf.Samples) == 0 {
			continue
		}
		if _, ok := cl.sched.Enqueue(job.epoch, buf); !ok {
			c.metrics.StaleClipsDropped.Add(cl.ctx, 1)
		}
	}
}

func (c *Controller) onAudible(cl *call, audible bool) {
	if !cl.active.Load() {
		return
	}
	if c.speaking.Swap(audible) == audible {
		return
	}
	delta := int64(1)
	if !audible {
		delta = -1
	}
	c.metrics.AgentSpeaking.Add(context.Background(), delta)
	c.notify()
}

// ── Commands ───────────────────────────────────────────────────────────────────

// SendCommand forwards a supervisor directive to the agent. It returns
// [ErrEmptyCommand] for blank text and [ErrNotConnected] outside
// [StateConnected]. Delivery is best-effort; the agent acknowledges nothing.
func (c *Controller) SendCommand(text string) error {
	if strings.TrimSpace(text) == "" {
		c.metrics.RecordCommand(context.Background(), "empty")
		return ErrEmptyCommand
	}

	c.mu.Lock()
	cl := c.call
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || cl == nil {
		c.metrics.RecordCommand(context.Background(), "rejected")
		return ErrNotConnected
	}

	cl.handleMu.Lock()
	h := cl.handle
	cl.handleMu.Unlock()
	if h == nil {
		c.metrics.RecordCommand(context.Background(), "rejected")
		return ErrNotConnected
	}
	if err := h.SendCommand(text); err != nil {
		c.metrics.RecordCommand(cl.ctx, "error")
		return fmt.Errorf("session: send command: %w", err)
	}
	c.metrics.RecordCommand(cl.ctx, "ok")
	observe.CallEvent(cl.ctx, "directive", attribute.Int("chars", len(text)))
	cl.log.Info("session: directive sent", "chars", len(text))
	return nil
}

// ToggleMute flips the microphone mute and returns the new value. While
// muted, captured audio still updates the input level but is not sent.
func (c *Controller) ToggleMute() bool {
	for {
		old := c.muted.Load()
		if c.muted.CompareAndSwap(old, !old) {
			c.notify()
			return !old
		}
	}
}

// Muted reports whether the microphone is muted.
func (c *Controller) Muted() bool { return c.muted.Load() }

// InputLevel returns the RMS level of the most recent captured chunk in
// [0, 1].
func (c *Controller) InputLevel() float64 {
	return math.Float64frombits(c.level.Load())
}

// AgentSpeaking reports whether agent audio is currently audible.
func (c *Controller) AgentSpeaking() bool { return c.speaking.Load() }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.state
}

// setState must be called with mu held.
func (c *Controller) setState(s State, err error) {
	c.stMu.Lock()
	c.state = s
	c.lastErr = err
	c.stMu.Unlock()
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.stMu.Lock()
	st := Status{State: c.state, LastError: c.lastErr}
	c.stMu.Unlock()
	st.AgentSpeaking = c.speaking.Load()
	st.InputLevel = c.InputLevel()
	st.Muted = c.muted.Load()
	return st
}

// OnStatus registers fn to be called after every state, speaking or mute
// change. Input level changes are not reported; poll [Controller.InputLevel].
// fn runs on the goroutine that caused the change and must not block.
func (c *Controller) OnStatus(fn func(Status)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) notify() {
	c.listenersMu.Lock()
	fns := slices.Clone(c.listeners)
	c.listenersMu.Unlock()
	if len(fns) == 0 {
		return
	}
	st := c.Status()
	for _, fn := range fns {
		fn(st)
	}
}
