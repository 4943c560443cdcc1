package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrOddLength is returned when PCM16 data does not hold a whole number of samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// FloatToInt16 converts float samples in [-1, 1] to signed 16-bit PCM by
// multiplying by 32768.
//
// WARNING: there is no clamping. Values whose scaled magnitude leaves the
// int16 range wrap around modulo 2^16 instead of saturating, so 1.0 encodes
// to -32768 and 1.5 to -16384. The fractional part is truncated toward zero;
// NaN and ±Inf encode to 0. This matches what existing web clients of the
// agent send, and callers that need saturation must clamp before encoding.
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = wrapInt16(float64(s) * 32768)
	}
	return out
}

// wrapInt16 stores v the way a typed 16-bit integer array store does:
// truncate, then wrap modulo 2^16.
func wrapInt16(v float64) int16 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	m := math.Mod(math.Trunc(v), 65536)
	return int16(int32(m))
}

// Int16ToFloat converts signed 16-bit PCM to float samples by dividing by 32768.
func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// PCM16Bytes serialises samples as little-endian signed 16-bit PCM.
func PCM16Bytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// ParsePCM16 reads little-endian signed 16-bit PCM. It returns [ErrOddLength]
// when data ends in half a sample.
func ParsePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio: parse pcm16 (%d bytes): %w", len(data), ErrOddLength)
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// EncodeTransport encodes raw bytes into the channel's text-safe payload form
// (standard base64).
func EncodeTransport(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeTransport is the exact inverse of [EncodeTransport].
func DecodeTransport(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("audio: decode transport payload: %w", err)
	}
	return data, nil
}

// DecodeSegment converts PCM16 bytes received from the agent into a mono
// float buffer at sampleRate. The buffer holds len(data)/2 frames.
func DecodeSegment(data []byte, sampleRate int) (Buffer, error) {
	if sampleRate <= 0 {
		return Buffer{}, fmt.Errorf("audio: decode segment: invalid sample rate %d", sampleRate)
	}
	samples, err := ParsePCM16(data)
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: decode segment: %w", err)
	}
	return Buffer{
		Samples:    Int16ToFloat(samples),
		SampleRate: sampleRate,
		Channels:   1,
	}, nil
}
