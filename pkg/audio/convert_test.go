package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestSamples(t *testing.T) {
	t.Parallel()
	got := audio.Samples(append(samplesToBytes([]int16{1, -2, 32767}), 0xFF))
	if want := []int16{1, -2, 32767}; !slices.Equal(got, want) {
		t.Errorf("Samples = %v, want %v", got, want)
	}
}

func TestToStereo(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{"mono", []int16{100, 200}, 1, []int16{100, 100, 200, 200}},
		{"stereo unchanged", []int16{1, 2, 3, 4}, 2, []int16{1, 2, 3, 4}},
		{"surround keeps front pair", []int16{1, 2, 9, 3, 4, 9}, 3, []int16{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.ToStereo(tt.in, tt.channels); !slices.Equal(got, tt.want) {
				t.Errorf("ToStereo = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	t.Run("same rate", func(t *testing.T) {
		t.Parallel()
		in := []int16{1, 2, 3}
		if got := audio.Resample(in, 1, 48000, 48000); !slices.Equal(got, in) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("upsample doubles length and interpolates", func(t *testing.T) {
		t.Parallel()
		got := audio.Resample([]int16{0, 100, 200, 300}, 1, 24000, 48000)
		want := []int16{0, 50, 100, 150, 200, 250, 300, 300}
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("channels stay separate", func(t *testing.T) {
		t.Parallel()
		got := audio.Resample([]int16{0, 1000, 100, 1000}, 2, 24000, 48000)
		want := []int16{0, 1000, 50, 1000, 100, 1000, 100, 1000}
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("44.1kHz frame becomes 960 samples", func(t *testing.T) {
		t.Parallel()
		got := audio.Resample(make([]int16, 882*2), 2, 44100, 48000)
		if len(got) != audio.FrameSamples*2 {
			t.Errorf("len = %d, want %d", len(got), audio.FrameSamples*2)
		}
	})
}

func TestScale(t *testing.T) {
	t.Parallel()
	s := []int16{1000, -1000, 30000, -30000}
	audio.Scale(s, 2)
	if want := []int16{2000, -2000, 32767, -32768}; !slices.Equal(s, want) {
		t.Errorf("Scale = %v, want %v", s, want)
	}
	audio.Scale(s, 0)
	if want := []int16{0, 0, 0, 0}; !slices.Equal(s, want) {
		t.Errorf("Scale(0) = %v", s)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	if got := audio.Discord.FrameBytes(); got != 3840 {
		t.Errorf("FrameBytes = %d, want 3840", got)
	}
	if err := (audio.Format{SampleRate: 44100, Channels: 1}).Validate(); err != nil {
		t.Errorf("Validate(44100 mono) = %v", err)
	}
	if err := (audio.Format{SampleRate: 44101, Channels: 1}).Validate(); err == nil {
		t.Error("expected error for an odd sample rate")
	}
	if got := (audio.Format{SampleRate: 16000, Channels: 1}).String(); got != "16000Hz mono" {
		t.Errorf("String = %q", got)
	}
}
