package preview_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/preview"
	"github.com/MrWong99/callbridge/pkg/audio"
	audiomock "github.com/MrWong99/callbridge/pkg/audio/mock"
)

type fakeSynth struct {
	mu     sync.Mutex
	buf    audio.Buffer
	err    error
	texts  []string
	voices []string
	gate   chan struct{}
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, voice string) (audio.Buffer, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.voices = append(f.voices, voice)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return audio.Buffer{}, ctx.Err()
		}
	}
	return f.buf, f.err
}

func tone(d time.Duration) audio.Buffer {
	n := int(d.Seconds() * audio.OutputSampleRate)
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.25
	}
	return audio.Buffer{Samples: s, SampleRate: audio.OutputSampleRate}
}

func TestGreeting(t *testing.T) {
	t.Parallel()
	want := "Hello, this is the Kore voice. I am ready for the call."
	if got := preview.Greeting("Kore"); got != want {
		t.Errorf("Greeting: got %q, want %q", got, want)
	}
}

func TestPlay_RendersAndStops(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{buf: tone(100 * time.Millisecond)}
	tr := &audiomock.Transport{}
	p := preview.New(synth, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Play(ctx, "Puck"); err != nil {
		t.Fatalf("Play: %v", err)
	}

	if len(synth.texts) != 1 || synth.texts[0] != preview.Greeting("Puck") {
		t.Errorf("synthesised texts: got %v", synth.texts)
	}
	if synth.voices[0] != "Puck" {
		t.Errorf("voice: got %q, want Puck", synth.voices[0])
	}

	var samples int
	for _, f := range tr.RenderedFrames() {
		samples += len(f) / audio.BytesPerSample
	}
	if samples < 2400 {
		t.Errorf("rendered %d samples, want at least 2400", samples)
	}
	startRender, startCapture, stop := tr.Counts()
	if startRender != 1 || startCapture != 0 || stop != 1 {
		t.Errorf("transport calls: render=%d capture=%d stop=%d, want 1/0/1", startRender, startCapture, stop)
	}
}

func TestPlay_CustomText(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{buf: tone(20 * time.Millisecond)}
	p := preview.New(synth, &audiomock.Transport{}, preview.WithText("Guten Tag."))

	if err := p.Play(context.Background(), "Kore"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if synth.texts[0] != "Guten Tag." {
		t.Errorf("text: got %q", synth.texts[0])
	}
}

func TestPlay_RefusedDuringCall(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{buf: tone(20 * time.Millisecond)}
	tr := &audiomock.Transport{}
	p := preview.New(synth, tr, preview.WithCallActive(func() bool { return true }))

	if err := p.Play(context.Background(), "Zephyr"); !errors.Is(err, preview.ErrCallActive) {
		t.Fatalf("expected ErrCallActive, got %v", err)
	}
	if len(synth.texts) != 0 {
		t.Error("nothing should be synthesised during a call")
	}
	if r, _, _ := tr.Counts(); r != 0 {
		t.Error("render stream should not be opened during a call")
	}
}

func TestPlay_Busy(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{buf: tone(20 * time.Millisecond), gate: make(chan struct{})}
	p := preview.New(synth, &audiomock.Transport{})

	first := make(chan error, 1)
	go func() { first <- p.Play(context.Background(), "Puck") }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		synth.mu.Lock()
		n := len(synth.texts)
		synth.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first preview never reached the synthesiser")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := p.Play(context.Background(), "Puck"); !errors.Is(err, preview.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	close(synth.gate)
	if err := <-first; err != nil {
		t.Errorf("first preview: %v", err)
	}
}

func TestPlay_Errors(t *testing.T) {
	t.Parallel()
	boom := errors.New("quota exceeded")
	tests := []struct {
		name  string
		synth *fakeSynth
		tr    *audiomock.Transport
		want  error
	}{
		{"synth error", &fakeSynth{err: boom}, &audiomock.Transport{}, boom},
		{"empty audio", &fakeSynth{}, &audiomock.Transport{}, preview.ErrNoAudio},
		{
			"device unavailable",
			&fakeSynth{buf: tone(20 * time.Millisecond)},
			&audiomock.Transport{StartRenderError: audio.ErrDeviceUnavailable},
			audio.ErrDeviceUnavailable,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := preview.New(tc.synth, tc.tr).Play(context.Background(), "Puck")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPlay_ContextCancelled(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{buf: tone(20 * time.Millisecond), gate: make(chan struct{})}
	p := preview.New(synth, &audiomock.Transport{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Play(ctx, "Puck"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
