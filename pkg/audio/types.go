package audio

import "time"

const (
	// InputSampleRate is the rate at which caller audio is captured and sent
	// to the remote agent.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of the agent's synthesized speech.
	OutputSampleRate = 24000

	// BytesPerSample is the width of one signed 16-bit PCM sample.
	BytesPerSample = 2
)

// AudioFrame is a chunk of interleaved signed 16-bit little-endian PCM as it
// travels between the sound device and the remote agent.
type AudioFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for agent speech).
	SampleRate int

	// Channels is 1 for every stream the bridge exchanges with the agent.
	// Device-native formats may use 2.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// SampleCount returns the number of samples per channel in the frame.
func (f AudioFrame) SampleCount() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (BytesPerSample * ch)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return samplesToDuration(f.SampleCount(), f.SampleRate)
}

// Buffer is decoded mono audio ready for scheduling.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	return samplesToDuration(len(b.Samples), b.SampleRate)
}

// DecodeFrame decodes a mono PCM frame into a [Buffer].
func DecodeFrame(f AudioFrame) Buffer {
	return Buffer{Samples: DecodePCM16(f.Data), SampleRate: f.SampleRate}
}

func samplesToDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
