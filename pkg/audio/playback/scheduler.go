// Package playback schedules decoded agent speech for gapless output.
//
// A [Scheduler] keeps a timeline indexed in samples of the render clock. Each
// clip starts at max(now, cursor), where now is the later of the render clock
// and the point up to which audio has already been committed to the sink, and
// cursor is the end of the previously scheduled clip. Consecutive clips
// therefore abut exactly and a clip that arrives after a gap starts
// immediately.
//
// [Scheduler.Flush] discards every scheduled clip, resets the cursor and
// advances the epoch. Producers stamp work with [Scheduler.Epoch] when it
// begins; [Scheduler.Enqueue] drops buffers carrying a stale epoch so audio
// decoded across a flush never plays.
//
// A background pump ([Scheduler.Run]) mixes the live clips into fixed-size
// frames, encodes them as 16-bit PCM and writes them to the [Sink] slightly
// ahead of the render clock.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
)

const (
	defaultPeriod = 20 * time.Millisecond
	defaultLead   = 2 // periods rendered ahead of the clock
)

// Sink receives encoded PCM frames. [audio.Transport] satisfies it.
type Sink interface {
	Render(frame []byte) error
}

// ScheduledClip describes one buffer's place on the render timeline.
type ScheduledClip struct {
	// ID is unique per scheduler, increasing in enqueue order.
	ID uint64

	// Start is the render-clock time at which the first sample plays.
	Start time.Duration

	// Duration is the clip length.
	Duration time.Duration

	// Epoch is the generation the clip was accepted under.
	Epoch uint64
}

// End returns the render-clock time just after the last sample.
func (c ScheduledClip) End() time.Duration { return c.Start + c.Duration }

type clip struct {
	info    ScheduledClip
	samples []float32
	start   int64 // in samples
}

func (c *clip) end() int64 { return c.start + int64(len(c.samples)) }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock sets the render clock. The function must be monotonic. Default:
// wall time elapsed since [New].
func WithClock(now func() time.Duration) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithSampleRate sets the output sample rate. Default: 24000.
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithPeriod sets the frame length written to the sink. Default: 20ms.
func WithPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.period = d
		}
	}
}

// WithLead sets how many periods the pump commits ahead of the render clock.
// A shorter lead lets [Scheduler.Flush] cut sooner at the cost of underruns
// on a busy host. Default: 2.
func WithLead(periods int) Option {
	return func(s *Scheduler) {
		if periods > 0 {
			s.lead = periods
		}
	}
}

// WithOnAudible registers a callback fired whenever the scheduler switches
// between audible and silent. It is never invoked with the same value twice in
// a row and must not call back into the scheduler's Flush or Enqueue.
func WithOnAudible(fn func(audible bool)) Option {
	return func(s *Scheduler) {
		s.onAudible = fn
	}
}

// WithOnError registers a callback for sink write failures.
func WithOnError(fn func(error)) Option {
	return func(s *Scheduler) {
		s.onError = fn
	}
}

// Scheduler is the gapless playback timeline. All exported methods are safe
// for concurrent use.
type Scheduler struct {
	sink      Sink
	clock     func() time.Duration
	rate      int
	period    time.Duration
	lead      int
	onAudible func(bool)
	onError   func(error)

	mu        sync.Mutex
	epoch     uint64
	cursor    int64
	hasCursor bool
	rendered  int64 // samples committed to the sink
	live      []*clip
	nextID    uint64
	closed    bool

	renderMu sync.Mutex // serialises frame production and sink writes

	notifyMu     sync.Mutex
	lastNotified bool

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Scheduler writing to sink. Call [Scheduler.Run] to start the
// pump and [Scheduler.Close] to stop it.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		rate:   audio.OutputSampleRate,
		period: defaultPeriod,
		lead:   defaultLead,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		origin := time.Now()
		s.clock = func() time.Duration { return time.Since(origin) }
	}
	return s
}

// Epoch returns the current generation. It increases by one on every
// [Scheduler.Flush].
func (s *Scheduler) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Enqueue places buf on the timeline. It returns false without scheduling
// anything when epoch is stale, buf is empty or the scheduler is closed.
// Buffers at a different sample rate are resampled.
func (s *Scheduler) Enqueue(epoch uint64, buf audio.Buffer) (ScheduledClip, bool) {
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != s.rate {
		samples = resample(samples, buf.SampleRate, s.rate)
	}
	if len(samples) == 0 {
		return ScheduledClip{}, false
	}

	s.mu.Lock()
	if s.closed || epoch != s.epoch {
		s.mu.Unlock()
		return ScheduledClip{}, false
	}
	start := max(s.nowLocked(), s.rendered)
	if s.hasCursor {
		start = max(start, s.cursor)
	}
	s.nextID++
	c := &clip{
		samples: samples,
		start:   start,
		info: ScheduledClip{
			ID:       s.nextID,
			Start:    s.toDuration(start),
			Duration: s.toDuration(int64(len(samples))),
			Epoch:    epoch,
		},
	}
	s.live = append(s.live, c)
	s.cursor = c.end()
	s.hasCursor = true
	s.mu.Unlock()

	s.notifyAudible()
	return c.info, true
}

// Flush stops every live clip, resets the cursor and advances the epoch.
// Frames already handed to the sink still play: up to the lead (see
// [WithLead]) plus whatever the device buffers.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.live = nil
	s.hasCursor = false
	s.cursor = 0
	s.epoch++
	s.mu.Unlock()

	s.notifyAudible()
}

// Audible reports whether any clip is scheduled or playing.
func (s *Scheduler) Audible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live) > 0
}

// Live returns the clips that are scheduled or playing, in start order.
func (s *Scheduler) Live() []ScheduledClip {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledClip, len(s.live))
	for i, c := range s.live {
		out[i] = c.info
	}
	return out
}

// Cursor returns the end of the last scheduled clip. ok is false when nothing
// has been scheduled since construction or the last flush.
func (s *Scheduler) Cursor() (at time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toDuration(s.cursor), s.hasCursor
}

// Run pumps frames to the sink until ctx is cancelled or the scheduler is
// closed.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	lead := s.period * time.Duration(s.lead)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.renderUpTo(s.clock() + lead)
		}
	}
}

// Close stops the pump and discards all clips. Later enqueues are dropped.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.live = nil
		s.hasCursor = false
		s.mu.Unlock()
		s.notifyAudible()
	})
}

// renderUpTo writes frames until audio up to target has been committed. While
// nothing is live no frames are written and the committed position follows
// the clock.
func (s *Scheduler) renderUpTo(target time.Duration) {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	frameLen := s.toSamples(s.period)
	if frameLen <= 0 {
		return
	}
	limit := s.toSamples(target)

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.live) == 0 {
			s.rendered = max(s.rendered, s.nowLocked())
			s.mu.Unlock()
			return
		}
		if s.rendered >= limit {
			s.mu.Unlock()
			return
		}
		// Live clips are in start order. A clip that landed while the timeline
		// was idle may start before the clock reading of this tick; mixing
		// from its start keeps its onset.
		from := max(s.rendered, s.live[0].start)
		if from >= limit {
			s.mu.Unlock()
			return
		}
		frame := s.mixLocked(from, int(frameLen))
		s.rendered = from + frameLen
		retired := s.retireLocked()
		s.mu.Unlock()

		if retired {
			s.notifyAudible()
		}
		if err := s.sink.Render(audio.EncodePCM16(frame)); err != nil && s.onError != nil {
			s.onError(err)
		}
	}
}

// mixLocked sums every live clip overlapping [from, from+n).
func (s *Scheduler) mixLocked(from int64, n int) []float32 {
	out := make([]float32, n)
	to := from + int64(n)
	for _, c := range s.live {
		lo := max(from, c.start)
		hi := min(to, c.end())
		for i := lo; i < hi; i++ {
			out[i-from] += c.samples[i-c.start]
		}
	}
	return out
}

// retireLocked removes clips whose last sample has been committed.
func (s *Scheduler) retireLocked() bool {
	kept := s.live[:0]
	for _, c := range s.live {
		if c.end() > s.rendered {
			kept = append(kept, c)
		}
	}
	retired := len(kept) != len(s.live)
	for i := len(kept); i < len(s.live); i++ {
		s.live[i] = nil
	}
	s.live = kept
	return retired
}

func (s *Scheduler) notifyAudible() {
	if s.onAudible == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	audible := s.Audible()
	if audible == s.lastNotified {
		return
	}
	s.lastNotified = audible
	s.onAudible(audible)
}

func (s *Scheduler) nowLocked() int64 { return s.toSamples(s.clock()) }

func (s *Scheduler) toSamples(d time.Duration) int64 {
	return int64(d) * int64(s.rate) / int64(time.Second)
}

func (s *Scheduler) toDuration(n int64) time.Duration {
	return time.Duration(n * int64(time.Second) / int64(s.rate))
}

// resample converts mono float samples between rates by linear
// interpolation.
func resample(in []float32, from, to int) []float32 {
	if len(in) == 0 || from <= 0 || to <= 0 || from == to {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := min(idx+1, len(in)-1)
		out[i] = in[idx] + (in[next]-in[idx])*frac
	}
	return out
}
