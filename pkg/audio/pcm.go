package audio

import (
	"encoding/binary"
	"math"
)

// EncodePCM16 converts normalized float samples to signed 16-bit
// little-endian PCM. Samples are clamped to [-1, 1]; negative values scale by
// 32768 and non-negative values by 32767 so both ends of the int16 range are
// reachable.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM16 converts signed 16-bit little-endian PCM to normalized floats
// using the divisor matching each sample's sign. A trailing odd byte is
// ignored.
func DecodePCM16(data []byte) []float32 {
	out := make([]float32, len(data)/BytesPerSample)
	for i := range out {
		out[i] = int16ToFloat(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return out
}

// RMS returns the root mean square of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSPCM16 is [RMS] over raw signed 16-bit little-endian PCM.
func RMSPCM16(data []byte) float64 {
	n := len(data) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16ToFloat(int16(binary.LittleEndian.Uint16(data[i*2:]))))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

func floatToInt16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(math.Round(float64(s) * 32768))
	}
	return int16(math.Round(float64(s) * 32767))
}

func int16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}
