package audio

import (
	"log/slog"
	"sync"
)

// FormatConverter converts float sample blocks delivered by a device into a
// target format. It logs a warning on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedInvalid  sync.Once
}

// Convert converts interleaved samples in format src to the target format.
// If src already matches the target, samples are returned unchanged (zero
// allocation). Conversion order: downmix first, then resample, so that only a
// single channel is interpolated.
func (c *FormatConverter) Convert(samples []float32, src Format) []float32 {
	if !src.Valid() || !c.Target.Valid() {
		c.warnedInvalid.Do(func() {
			slog.Warn("audio format converter: invalid format, dropping samples",
				"from", src.String(),
				"to", c.Target.String(),
			)
		})
		return nil
	}

	// Fast path: source matches target.
	if src == c.Target {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", src.String(),
			"to", c.Target.String(),
		)
	})

	out := samples
	channels := src.Channels

	if channels != c.Target.Channels {
		switch {
		case c.Target.Channels == 1:
			out = Downmix(out, channels)
		case channels == 1:
			out = Upmix(out, c.Target.Channels)
		default:
			out = Upmix(Downmix(out, channels), c.Target.Channels)
		}
		channels = c.Target.Channels
	}

	if src.SampleRate != c.Target.SampleRate {
		if channels == 1 {
			out = ResampleMono(out, src.SampleRate, c.Target.SampleRate)
		} else {
			out = Upmix(ResampleMono(Downmix(out, channels), src.SampleRate, c.Target.SampleRate), channels)
		}
	}
	return out
}

// Downmix averages each interleaved frame of n channels into one mono sample.
func Downmix(samples []float32, n int) []float32 {
	if n <= 1 {
		return samples
	}
	frames := len(samples) / n
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range n {
			sum += samples[i*n+ch]
		}
		out[i] = sum / float32(n)
	}
	return out
}

// Upmix duplicates each mono sample into n interleaved channels.
func Upmix(samples []float32, n int) []float32 {
	if n <= 1 {
		return samples
	}
	out := make([]float32, len(samples)*n)
	for i, s := range samples {
		for ch := range n {
			out[i*n+ch] = s
		}
	}
	return out
}

// ResampleMono resamples mono float samples from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
