// Package audio holds the PCM codec, frame types and the [Transport]
// abstraction that connects callbridge to a physical or virtual sound device.
//
// A [Transport] owns one capture stream (caller audio, 16 kHz mono) and one
// render stream (agent audio, 24 kHz mono). Implementations live in
// sub-packages: audio/device talks to PortAudio, audio/mock records calls for
// tests.
//
// This package lives under pkg/ because other front-ends are expected to
// implement [Transport] for their own audio routing.
package audio

import "errors"

// ErrDeviceUnavailable is returned when a configured endpoint cannot be
// resolved or opened. Callers match it with [errors.Is]; implementations wrap
// it with the endpoint name.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Endpoints names the two sound devices a [Transport] binds to. An empty
// name selects the host default device for that direction.
type Endpoints struct {
	// Capture is the device the caller's voice is read from, e.g. the
	// "CABLE Output" side of a virtual cable.
	Capture string

	// Render is the device the agent's voice is written to, e.g. the
	// "CABLE Input" side of a virtual cable.
	Render string
}

// Transport moves PCM between the host audio system and callbridge.
//
// The render and capture streams are opened independently so a controller can
// open the render side before the remote handshake and the capture side only
// once the agent is ready. Implementations must be safe for concurrent use.
type Transport interface {
	// Resolve looks up both endpoints without opening a stream. It lets a
	// caller fail fast, before contacting any remote service, when either
	// device is missing. Errors wrap [ErrDeviceUnavailable].
	Resolve() error

	// StartRender opens the render stream. Frames passed to Render after this
	// returns are played immediately.
	StartRender() error

	// StartCapture opens the capture stream. onFrame is invoked from the
	// driver's callback with one fixed-size chunk of 16 kHz mono PCM per
	// period and must not block.
	StartCapture(onFrame func(pcm []byte)) error

	// Render writes one frame of 24 kHz mono PCM to the render stream.
	// No sequencing is applied here.
	Render(frame []byte) error

	// Stop releases both streams. It is idempotent, safe to call before any
	// start and never panics.
	Stop()
}
