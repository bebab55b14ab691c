package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, -200, 300})))
	equalSamples(t, got, []int16{100, 100, -200, -200, 300, 300})
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	t.Parallel()
	stereo := audio.MonoToStereo([]byte{0x64, 0x00, 0xC8, 0x00, 0xFF})
	equalSamples(t, bytesToSamples(stereo), []int16{100, 100, 200, 200})
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{100, 200, -100, -200})))
	equalSamples(t, got, []int16{150, -150})
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{32767, 32767, -32768, -32768})))
	equalSamples(t, got, []int16{32767, -32768})
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []int16
		src, dst int
		wantLen  int
	}{
		{name: "same rate", in: []int16{1, 2, 3}, src: 16000, dst: 16000, wantLen: 3},
		{name: "16k to 24k", in: []int16{0, 300, 600, 900}, src: 16000, dst: 24000, wantLen: 6},
		{name: "24k to 16k", in: []int16{0, 1, 2, 3, 4, 5}, src: 24000, dst: 16000, wantLen: 4},
		{name: "zero src", in: []int16{1, 2}, src: 0, dst: 16000, wantLen: 2},
		{name: "negative dst", in: []int16{1, 2}, src: 16000, dst: -1, wantLen: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := bytesToSamples(audio.ResampleMono16(samplesToBytes(tc.in), tc.src, tc.dst))
			if len(out) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(out), tc.wantLen)
			}
			if out[0] != tc.in[0] {
				t.Errorf("first sample = %d, want %d", out[0], tc.in[0])
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	t.Parallel()
	// 16k -> 24k: output positions 0, 2/3, 4/3, 2, ...
	out := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{0, 300, 600, 900}), 16000, 24000))
	if out[1] != 200 {
		t.Errorf("out[1] = %d, want 200", out[1])
	}
	if out[3] != 600 {
		t.Errorf("out[3] = %d, want 600", out[3])
	}
}

func TestResample16_Stereo(t *testing.T) {
	t.Parallel()
	out := audio.Resample16(samplesToBytes([]int16{100, -100, 200, -200}), 2, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(got))
	}
	for i := 0; i < len(got); i += 2 {
		if got[i] != -got[i+1] {
			t.Errorf("frame %d: L=%d R=%d, channels mixed", i/2, got[i], got[i+1])
		}
	}
}

func TestFormatConverter_PassThrough(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.AudioFrame{Data: samplesToBytes([]int16{1, 2}), SampleRate: 16000, Channels: 1}
	got := conv.Convert(frame)
	if &got.Data[0] != &frame.Data[0] {
		t.Error("expected the same slice for a matching format")
	}
}

func TestFormatConverter_DeviceCaptureToWire(t *testing.T) {
	t.Parallel()
	// 48 kHz stereo device capture -> 16 kHz mono wire format.
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: audio.InputSampleRate, Channels: 1}}
	in := make([]int16, 48*2) // 1 ms stereo
	for i := range in {
		in[i] = 1000
	}
	got := conv.Convert(audio.AudioFrame{Data: samplesToBytes(in), SampleRate: 48000, Channels: 2})
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Fatalf("format = %dHz/%d, want 16000Hz/1", got.SampleRate, got.Channels)
	}
	samples := bytesToSamples(got.Data)
	if len(samples) != 16 {
		t.Fatalf("samples = %d, want 16", len(samples))
	}
	for i, s := range samples {
		if s != 1000 {
			t.Errorf("sample %d = %d, want 1000", i, s)
		}
	}
}

func TestFormatConverter_WireToDeviceRender(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	got := conv.Convert(audio.AudioFrame{Data: samplesToBytes([]int16{10, 20}), SampleRate: 24000, Channels: 1})
	if n := len(bytesToSamples(got.Data)); n != 8 {
		t.Fatalf("samples = %d, want 8", n)
	}
}

func TestFormatConverter_OddByteCount(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	got := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if len(got.Data) != 0 {
		t.Errorf("expected dropped frame, got %d bytes", len(got.Data))
	}
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("dropped frame should carry the target format, got %dHz/%d", got.SampleRate, got.Channels)
	}
}

func TestFormatString(t *testing.T) {
	t.Parallel()
	cases := map[audio.Format]string{
		{SampleRate: 16000, Channels: 1}: "16000Hz mono",
		{SampleRate: 48000, Channels: 2}: "48000Hz stereo",
		{SampleRate: 44100, Channels: 6}: "44100Hz 6ch",
	}
	for f, want := range cases {
		if got := f.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", f, got, want)
		}
	}
}
