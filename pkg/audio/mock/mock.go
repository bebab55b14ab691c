// Package mock provides an in-memory implementation of [audio.Transport] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts and arguments, and exposes exported fields
// the test can set to control return values.
//
// Typical usage:
//
//	tr := &mock.Transport{}
//	ctrl := session.New(provider, tr)
//	...
//	tr.Capture(pcm)              // simulate a captured chunk
//	frames := tr.RenderedFrames() // inspect what reached the speaker
package mock

import (
	"sync"

	"github.com/MrWong99/callbridge/pkg/audio"
)

var _ audio.Transport = (*Transport)(nil)

// Transport is a mock implementation of [audio.Transport].
// Set the exported error fields before use; inspect the counters after.
type Transport struct {
	mu sync.Mutex

	// ResolveError is returned by Resolve.
	ResolveError error

	// StartRenderError is returned by StartRender.
	StartRenderError error

	// StartCaptureError is returned by StartCapture.
	StartCaptureError error

	// RenderError is returned by Render.
	RenderError error

	// CallCountResolve records how many times Resolve was called.
	CallCountResolve int

	// CallCountStartRender records how many times StartRender was called.
	CallCountStartRender int

	// CallCountStartCapture records how many times StartCapture was called.
	CallCountStartCapture int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	rendering bool
	onFrame   func([]byte)
	rendered  [][]byte

	// OnRender, if set, is called with every frame passed to Render after it
	// has been recorded.
	OnRender func(frame []byte)
}

// Resolve implements [audio.Transport].
func (t *Transport) Resolve() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountResolve++
	return t.ResolveError
}

// StartRender implements [audio.Transport].
func (t *Transport) StartRender() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountStartRender++
	if t.StartRenderError != nil {
		return t.StartRenderError
	}
	t.rendering = true
	return nil
}

// StartCapture implements [audio.Transport]. The callback is kept until Stop
// so that [Transport.Capture] can drive it.
func (t *Transport) StartCapture(onFrame func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountStartCapture++
	if t.StartCaptureError != nil {
		return t.StartCaptureError
	}
	t.onFrame = onFrame
	return nil
}

// Render implements [audio.Transport]. Frames are recorded only while the
// render stream is open.
func (t *Transport) Render(frame []byte) error {
	t.mu.Lock()
	if t.RenderError != nil {
		err := t.RenderError
		t.mu.Unlock()
		return err
	}
	if !t.rendering {
		t.mu.Unlock()
		return audio.ErrDeviceUnavailable
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	t.rendered = append(t.rendered, cp)
	cb := t.OnRender
	t.mu.Unlock()
	if cb != nil {
		cb(cp)
	}
	return nil
}

// Stop implements [audio.Transport].
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountStop++
	t.rendering = false
	t.onFrame = nil
}

// Capture simulates the driver delivering one captured chunk. It reports
// whether a capture callback was registered.
func (t *Transport) Capture(pcm []byte) bool {
	t.mu.Lock()
	cb := t.onFrame
	t.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(pcm)
	return true
}

// Capturing reports whether a capture stream is open.
func (t *Transport) Capturing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onFrame != nil
}

// Rendering reports whether the render stream is open.
func (t *Transport) Rendering() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rendering
}

// RenderedFrames returns a copy of every frame written via Render.
func (t *Transport) RenderedFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.rendered))
	copy(out, t.rendered)
	return out
}

// Counts returns StartRender, StartCapture and Stop call counts under the
// lock.
func (t *Transport) Counts() (startRender, startCapture, stop int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountStartRender, t.CallCountStartCapture, t.CallCountStop
}
