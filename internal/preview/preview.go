// Package preview plays a short greeting in a chosen agent voice so the
// operator can pick a voice before placing a call.
//
// Previews use the render side of the shared audio transport and are only
// allowed while no call is active.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/playback"
)

var (
	// ErrCallActive is returned by [Player.Play] while a call is connecting
	// or connected.
	ErrCallActive = errors.New("preview: a call is active")

	// ErrBusy is returned when a preview is already playing.
	ErrBusy = errors.New("preview: already playing")
)

// Synthesizer turns text into speech in a named voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (audio.Buffer, error)
}

// Greeting returns the default preview sentence for voice.
func Greeting(voice string) string {
	return fmt.Sprintf("Hello, this is the %s voice. I am ready for the call.", voice)
}

// Option configures a [Player].
type Option func(*Player)

// WithText replaces the default greeting. An empty text keeps the default.
func WithText(text string) Option {
	return func(p *Player) { p.text = text }
}

// WithCallActive registers a probe reporting whether a call is in progress.
func WithCallActive(fn func() bool) Option {
	return func(p *Player) { p.callActive = fn }
}

// WithSchedulerOptions passes options to the playback scheduler used for
// each preview.
func WithSchedulerOptions(opts ...playback.Option) Option {
	return func(p *Player) { p.schedOpts = append(p.schedOpts, opts...) }
}

// WithTail sets how long the render stream stays open after the last frame
// was handed to the device. Default: 200ms.
func WithTail(d time.Duration) Option {
	return func(p *Player) { p.tail = d }
}

// Player synthesises and plays voice previews.
type Player struct {
	synth      Synthesizer
	transport  audio.Transport
	text       string
	callActive func() bool
	schedOpts  []playback.Option
	tail       time.Duration

	mu sync.Mutex // held while a preview plays
}

// New creates a Player rendering through transport.
func New(synth Synthesizer, transport audio.Transport, opts ...Option) *Player {
	p := &Player{
		synth:     synth,
		transport: transport,
		tail:      200 * time.Millisecond,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play synthesises the greeting in voice and blocks until it has been
// rendered or ctx is cancelled.
func (p *Player) Play(ctx context.Context, voice string) error {
	if p.callActive != nil && p.callActive() {
		return ErrCallActive
	}
	if !p.mu.TryLock() {
		return ErrBusy
	}
	defer p.mu.Unlock()

	text := p.text
	if text == "" {
		text = Greeting(voice)
	}

	start := time.Now()
	buf, err := p.synth.Synthesize(ctx, text, voice)
	if err != nil {
		return err
	}
	if len(buf.Samples) == 0 {
		return ErrNoAudio
	}
	slog.Debug("preview synthesised", "voice", voice, "audio", buf.Duration(), "took", time.Since(start))

	if err := p.transport.StartRender(); err != nil {
		return fmt.Errorf("preview: %w", err)
	}
	defer p.transport.Stop()

	done := make(chan struct{})
	var (
		once      sync.Once
		errMu     sync.Mutex
		renderErr error
	)
	opts := append([]playback.Option{
		playback.WithOnAudible(func(audible bool) {
			if !audible {
				once.Do(func() { close(done) })
			}
		}),
		playback.WithOnError(func(err error) {
			errMu.Lock()
			renderErr = err
			errMu.Unlock()
			once.Do(func() { close(done) })
		}),
	}, p.schedOpts...)
	sched := playback.New(p.transport, opts...)
	defer sched.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)

	if _, ok := sched.Enqueue(sched.Epoch(), buf); !ok {
		return errors.New("preview: scheduler rejected clip")
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	errMu.Lock()
	err = renderErr
	errMu.Unlock()
	if err != nil {
		return fmt.Errorf("preview: render: %w", err)
	}

	select {
	case <-time.After(p.tail):
	case <-ctx.Done():
	}
	return nil
}
