package audio

import (
	"log/slog"
	"math"
	"sync"
)

// Converter brings 16-bit PCM from a device's native format into the
// pipeline format. It logs once on the first mismatch and once on the first
// misaligned buffer. Create one per stream.
type Converter struct {
	Source Format
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns pcm converted from Source to Target. Downmixing happens
// before resampling so only one channel is interpolated. A buffer whose
// length is not a whole number of source frames is dropped (nil result).
func (c *Converter) Convert(pcm []byte) []byte {
	frame := c.Source.Channels * 2
	if frame <= 0 || len(pcm)%frame != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM buffer, dropping",
				"bytes", len(pcm),
				"source", c.Source.String(),
			)
		})
		return nil
	}
	if c.Source.SampleRate == c.Target.SampleRate && c.Source.Channels == c.Target.Channels {
		return pcm
	}

	c.warnedMismatch.Do(func() {
		slog.Info("audio converter: converting device audio",
			"from", c.Source.String(),
			"to", c.Target.String(),
		)
	})

	out := pcm
	if c.Source.Channels > 1 && c.Target.Channels == 1 {
		out = Downmix(out, c.Source.Channels)
	}
	return ResampleMono16(out, c.Source.SampleRate, c.Target.SampleRate)
}

// Downmix averages interleaved channels into mono. Uses int32 arithmetic and
// clamps to the int16 range.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frame := channels * 2
	frames := len(pcm) / frame
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*frame + ch*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := clamp16(sum / int32(channels))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. Equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(pcm, idx+1)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// RMS returns the root-mean-square amplitude of 16-bit mono PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Int16sToBytes converts samples to little-endian bytes.
func Int16sToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to samples. A trailing odd byte
// is ignored.
func BytesToInt16s(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = sampleAt(b, i)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func clamp16(v int32) int32 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return v
}
