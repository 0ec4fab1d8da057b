package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Format describes the sample rate and channel count of 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Discord is the format Opus frames are encoded from: 48 kHz stereo.
var Discord = Format{SampleRate: 48000, Channels: 2}

const (
	// FrameSamples is the number of samples per channel in one 20 ms frame
	// at 48 kHz.
	FrameSamples = 960

	// framesPerSecond is the number of 20 ms frames in a second.
	framesPerSecond = 50
)

// Validate reports whether f can be converted to [Discord].
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.SampleRate%framesPerSecond != 0 {
		return fmt.Errorf("audio: sample rate %d is not a multiple of %d Hz", f.SampleRate, framesPerSecond)
	}
	if f.Channels < 1 {
		return fmt.Errorf("audio: invalid channel count %d", f.Channels)
	}
	return nil
}

// FrameBytes is the size of one 20 ms frame of f in bytes.
func (f Format) FrameBytes() int {
	return f.SampleRate / framesPerSecond * f.Channels * 2
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Samples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// ToStereo returns interleaved stereo samples. Mono input is duplicated into
// both channels; input with more than two channels keeps the first two.
func ToStereo(samples []int16, channels int) []int16 {
	if channels == 2 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames*2)
	for i := range frames {
		l := samples[i*channels]
		r := l
		if channels > 2 {
			r = samples[i*channels+1]
		}
		out[i*2], out[i*2+1] = l, r
	}
	return out
}

// Resample converts interleaved samples from one rate to another with
// linear interpolation per channel.
func Resample(samples []int16, channels, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || channels < 1 {
		return samples
	}
	src := len(samples) / channels
	dst := int(int64(src) * int64(to) / int64(from))
	out := make([]int16, dst*channels)
	step := float64(from) / float64(to)
	for i := range dst {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		next := min(j+1, src-1)
		for ch := range channels {
			a := float64(samples[j*channels+ch])
			b := float64(samples[next*channels+ch])
			out[i*channels+ch] = int16(a + (b-a)*frac)
		}
	}
	return out
}

// Scale multiplies every sample by gain in place, clamping to the int16
// range.
func Scale(samples []int16, gain float64) {
	if gain == 1 {
		return
	}
	for i, s := range samples {
		v := math.Round(float64(s) * gain)
		samples[i] = int16(max(math.MinInt16, min(math.MaxInt16, v)))
	}
}
