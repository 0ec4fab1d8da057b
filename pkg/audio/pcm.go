package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"layeh.com/gopus"
)

// maxOpusPacket bounds the size of one encoded frame.
const maxOpusPacket = 4000

// PCMSource encodes signed 16-bit little-endian PCM into 20 ms Opus frames.
// Input in any [Format] that passes [Format.Validate] is converted to 48 kHz
// stereo first. It implements voice.FrameSource.
type PCMSource struct {
	r      io.Reader
	format Format
	enc    *gopus.Encoder
	buf    []byte
	volume atomic.Uint64
}

// NewPCMSource wraps r, which yields PCM in format f.
func NewPCMSource(r io.Reader, f Format) (*PCMSource, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(Discord.SampleRate, Discord.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	s := &PCMSource{r: r, format: f, enc: enc, buf: make([]byte, f.FrameBytes())}
	s.SetVolume(1)
	return s, nil
}

// Volume returns the current gain.
func (s *PCMSource) Volume() float64 {
	return math.Float64frombits(s.volume.Load())
}

// SetVolume sets the gain applied before encoding. 1 leaves samples
// unchanged. Negative values are treated as 0.
func (s *PCMSource) SetVolume(v float64) {
	s.volume.Store(math.Float64bits(max(v, 0)))
}

// ReadFrame encodes the next 20 ms of input. A short final chunk is padded
// with silence.
func (s *PCMSource) ReadFrame() ([]byte, error) {
	n, err := io.ReadFull(s.r, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		clear(s.buf[n:])
	case err != nil:
		return nil, fmt.Errorf("audio: read pcm: %w", err)
	}

	pcm := Samples(s.buf)
	pcm = Resample(pcm, s.format.Channels, s.format.SampleRate, Discord.SampleRate)
	pcm = ToStereo(pcm, s.format.Channels)
	Scale(pcm, s.Volume())

	opus, err := s.enc.Encode(pcm, FrameSamples, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return opus, nil
}

// Close closes the underlying reader when it is an io.Closer.
func (s *PCMSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
