package audio

import (
	"fmt"
	"math"
	"time"
)

const (
	// CaptureSampleRate is the rate of microphone audio sent to the agent.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of synthesised audio received from the agent.
	PlaybackSampleRate = 24000

	// DefaultFrameSize is the number of samples per captured frame.
	DefaultFrameSize = 4096

	// CaptureMIMEType labels outbound PCM frames on the session channel.
	CaptureMIMEType = "audio/pcm;rate=16000"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Valid reports whether both the sample rate and the channel count are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// CaptureFormat is the format of frames produced by the capture pipeline.
var CaptureFormat = Format{SampleRate: CaptureSampleRate, Channels: 1}

// PlaybackFormat is the format of segments scheduled for playback.
var PlaybackFormat = Format{SampleRate: PlaybackSampleRate, Channels: 1}

// Frame is one block of PCM16 audio flowing from the microphone to the agent.
// A Frame is immutable once emitted; the receiver owns it.
type Frame struct {
	// Samples holds interleaved signed 16-bit samples.
	Samples []int16

	// SampleRate in Hz (16000 for captured audio).
	SampleRate int

	// Channels: 1 for every stream in a live conversation.
	Channels int

	// Timestamp marks the position of the first sample relative to stream start.
	Timestamp time.Duration
}

// Bytes returns the samples as little-endian PCM16.
func (f Frame) Bytes() []byte {
	return PCM16Bytes(f.Samples)
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.Channels <= 0 {
		return 0
	}
	return DurationOf(len(f.Samples)/f.Channels, f.SampleRate)
}

// Buffer is device-native float audio in [-1, 1], ready for scheduling.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	return DurationOf(b.Frames(), b.SampleRate)
}

// DurationOf converts a frame count at rate into a duration, rounded to the
// nearest nanosecond.
func DurationOf(frames, rate int) time.Duration {
	if rate <= 0 || frames <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(frames) * float64(time.Second) / float64(rate)))
}

// FramesAt converts a position on a clock running at rate into a frame index,
// rounded to the nearest frame. Rounding keeps back-to-back segments whose
// durations were rounded from sharing a frame.
func FramesAt(d time.Duration, rate int) int64 {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return int64(math.Round(float64(d) * float64(rate) / float64(time.Second)))
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "16000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
