// Package device implements [audio.Transport] on top of PortAudio.
//
// Each [Transport] initialises PortAudio when its first stream opens and
// terminates it in [Transport.Stop]; PortAudio reference-counts these calls, so
// several transports can coexist without a process-wide audio singleton.
//
// Devices are opened at their native sample rate. Capture audio is converted
// to 16 kHz mono before it is handed to the capture callback, and rendered
// 24 kHz mono frames are converted to the render device's native format.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/devmatch"
)

var _ audio.Transport = (*Transport)(nil)

// defaultPeriod is the capture and render buffer length.
const defaultPeriod = 20 * time.Millisecond

// Option configures a [Transport].
type Option func(*Transport)

// WithCaptureFormat opens the capture device at the given native rate and
// channel count instead of the device default. Zero values keep the default.
func WithCaptureFormat(rate, channels int) Option {
	return func(t *Transport) {
		t.captureNative = audio.Format{SampleRate: rate, Channels: channels}
	}
}

// WithRenderFormat opens the render device at the given native rate and
// channel count instead of the device default. Zero values keep the default.
func WithRenderFormat(rate, channels int) Option {
	return func(t *Transport) {
		t.renderNative = audio.Format{SampleRate: rate, Channels: channels}
	}
}

// WithPeriod sets the buffer length of both streams. Default: 20ms.
func WithPeriod(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.period = d
		}
	}
}

// WithMatcher sets the matcher used to resolve endpoint names.
func WithMatcher(m *devmatch.Matcher) Option {
	return func(t *Transport) {
		if m != nil {
			t.matcher = m
		}
	}
}

// Transport is a PortAudio-backed [audio.Transport].
type Transport struct {
	endpoints     audio.Endpoints
	captureNative audio.Format
	renderNative  audio.Format
	period        time.Duration
	matcher       *devmatch.Matcher

	mu          sync.Mutex
	initialized bool

	capture *portaudio.Stream

	render     *portaudio.Stream
	renderBuf  []int16
	renderConv *audio.FormatConverter
	pending    []byte
}

// New returns a Transport bound to the given endpoints. No device is opened
// until [Transport.StartRender] or [Transport.StartCapture] is called.
func New(endpoints audio.Endpoints, opts ...Option) *Transport {
	t := &Transport{
		endpoints: endpoints,
		period:    defaultPeriod,
		matcher:   devmatch.New(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Resolve implements [audio.Transport]. It initializes PortAudio when needed
// and matches both endpoints against the current device list.
func (t *Transport) Resolve() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.initLocked(); err != nil {
		return err
	}
	if _, err := t.lookupLocked(t.endpoints.Render, devmatch.RoleRender); err != nil {
		return err
	}
	if _, err := t.lookupLocked(t.endpoints.Capture, devmatch.RoleCapture); err != nil {
		return err
	}
	return nil
}

// StartRender implements [audio.Transport].
func (t *Transport) StartRender() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.render != nil {
		return nil
	}
	if err := t.initLocked(); err != nil {
		return err
	}

	dev, err := t.lookupLocked(t.endpoints.Render, devmatch.RoleRender)
	if err != nil {
		return err
	}
	native := t.nativeFormat(t.renderNative, dev, dev.MaxOutputChannels)
	frames := framesPerPeriod(native.SampleRate, t.period)

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = native.Channels
	params.SampleRate = float64(native.SampleRate)
	params.FramesPerBuffer = frames

	buf := make([]int16, frames*native.Channels)
	stream, err := portaudio.OpenStream(params, &buf)
	if err != nil {
		return fmt.Errorf("device: open render %q: %w: %w", dev.Name, audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("device: start render %q: %w: %w", dev.Name, audio.ErrDeviceUnavailable, err)
	}

	t.render = stream
	t.renderBuf = buf
	t.renderConv = &audio.FormatConverter{Target: native}
	t.pending = t.pending[:0]
	slog.Info("device: render stream open", "device", dev.Name, "format", native.String())
	return nil
}

// StartCapture implements [audio.Transport].
func (t *Transport) StartCapture(onFrame func([]byte)) error {
	if onFrame == nil {
		return errors.New("device: nil capture callback")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.capture != nil {
		return nil
	}
	if err := t.initLocked(); err != nil {
		return err
	}

	dev, err := t.lookupLocked(t.endpoints.Capture, devmatch.RoleCapture)
	if err != nil {
		return err
	}
	native := t.nativeFormat(t.captureNative, dev, dev.MaxInputChannels)
	frames := framesPerPeriod(native.SampleRate, t.period)

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = native.Channels
	params.SampleRate = float64(native.SampleRate)
	params.FramesPerBuffer = frames

	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: audio.InputSampleRate, Channels: 1}}
	callback := func(in []int16) {
		frame := conv.Convert(audio.AudioFrame{
			Data:       int16ToBytes(in),
			SampleRate: native.SampleRate,
			Channels:   native.Channels,
		})
		if len(frame.Data) > 0 {
			onFrame(frame.Data)
		}
	}

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return fmt.Errorf("device: open capture %q: %w: %w", dev.Name, audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("device: start capture %q: %w: %w", dev.Name, audio.ErrDeviceUnavailable, err)
	}
	t.capture = stream
	slog.Info("device: capture stream open", "device", dev.Name, "format", native.String())
	return nil
}

// Render implements [audio.Transport]. It blocks while the device buffer is
// full, which paces the caller to the device clock.
func (t *Transport) Render(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.render == nil {
		return fmt.Errorf("device: render stream not open: %w", audio.ErrDeviceUnavailable)
	}

	native := t.renderConv.Convert(audio.AudioFrame{
		Data:       frame,
		SampleRate: audio.OutputSampleRate,
		Channels:   1,
	})
	t.pending = append(t.pending, native.Data...)

	need := len(t.renderBuf) * audio.BytesPerSample
	for len(t.pending) >= need {
		for i := range t.renderBuf {
			t.renderBuf[i] = int16(binary.LittleEndian.Uint16(t.pending[i*2:]))
		}
		t.pending = t.pending[need:]
		if err := t.render.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("device: render write: %w", err)
		}
	}
	return nil
}

// Stop implements [audio.Transport].
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.capture != nil {
		closeStream(t.capture, "capture")
		t.capture = nil
	}
	if t.render != nil {
		closeStream(t.render, "render")
		t.render = nil
		t.renderBuf = nil
		t.pending = nil
	}
	if t.initialized {
		if err := portaudio.Terminate(); err != nil {
			slog.Debug("device: terminate", "err", err)
		}
		t.initialized = false
	}
}

func (t *Transport) initLocked() error {
	if t.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("device: initialize portaudio: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	t.initialized = true
	return nil
}

// lookupLocked resolves name to a PortAudio device. An empty name selects the
// host default for role.
func (t *Transport) lookupLocked(name string, role devmatch.Role) (*portaudio.DeviceInfo, error) {
	if name == "" {
		var (
			dev *portaudio.DeviceInfo
			err error
		)
		if role == devmatch.RoleCapture {
			dev, err = portaudio.DefaultInputDevice()
		} else {
			dev, err = portaudio.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("device: default %s device: %w: %w", role, audio.ErrDeviceUnavailable, err)
		}
		return dev, nil
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("device: list devices: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	found, err := t.matcher.Find(toDevices(infos), name, role)
	if err != nil {
		return nil, fmt.Errorf("device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return infos[found.Index], nil
}

func (t *Transport) nativeFormat(opt audio.Format, dev *portaudio.DeviceInfo, maxChannels int) audio.Format {
	f := opt
	if f.SampleRate <= 0 {
		f.SampleRate = int(dev.DefaultSampleRate)
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	if maxChannels > 0 && f.Channels > maxChannels {
		f.Channels = maxChannels
	}
	return f
}

// List returns the devices currently known to PortAudio.
func List() ([]devmatch.Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("device: initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("device: list devices: %w", err)
	}
	return toDevices(infos), nil
}

// toDevices maps PortAudio devices to [devmatch.Device] values whose Index is
// the position in infos.
func toDevices(infos []*portaudio.DeviceInfo) []devmatch.Device {
	out := make([]devmatch.Device, 0, len(infos))
	for i, d := range infos {
		var host string
		if d.HostApi != nil {
			host = d.HostApi.Name
		}
		out = append(out, devmatch.Device{
			Index:             i,
			Name:              d.Name,
			HostAPI:           host,
			InputChannels:     d.MaxInputChannels,
			OutputChannels:    d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out
}

func closeStream(s *portaudio.Stream, kind string) {
	if err := s.Stop(); err != nil {
		slog.Debug("device: stop stream", "stream", kind, "err", err)
	}
	if err := s.Close(); err != nil {
		slog.Debug("device: close stream", "stream", kind, "err", err)
	}
}

func framesPerPeriod(rate int, period time.Duration) int {
	return int(int64(rate) * int64(period) / int64(time.Second))
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
