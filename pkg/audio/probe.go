package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// StreamType classifies an input stream.
type StreamType int

const (
	// StreamArbitrary is anything that could not be identified.
	StreamArbitrary StreamType = iota
	// StreamRaw is signed 16-bit little-endian PCM.
	StreamRaw
	// StreamOggOpus is an Ogg container with 48 kHz stereo Opus.
	StreamOggOpus
)

func (t StreamType) String() string {
	switch t {
	case StreamArbitrary:
		return "arbitrary"
	case StreamRaw:
		return "raw"
	case StreamOggOpus:
		return "ogg/opus"
	default:
		return fmt.Sprintf("StreamType(%d)", int(t))
	}
}

// DefaultProbeSize is how many bytes [Probe] inspects by default.
const DefaultProbeSize = 1024

// Probe reads up to probeSize bytes from r (or [DefaultProbeSize] when
// probeSize is not positive) and reports whether they start an Ogg stream
// whose OpusHead passes [ValidOpusHead]. The returned reader replays the
// inspected bytes before the rest of r.
//
// Raw PCM cannot be recognised; Probe reports it as [StreamArbitrary].
func Probe(r io.Reader, probeSize int) (StreamType, io.Reader, error) {
	if probeSize <= 0 {
		probeSize = DefaultProbeSize
	}
	buf := make([]byte, probeSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return StreamArbitrary, nil, fmt.Errorf("audio: probe: %w", err)
	}
	buf = buf[:n]
	replay := io.MultiReader(bytes.NewReader(buf), r)

	ogg := newOggReader(bytes.NewReader(buf))
	for {
		p, err := ogg.next()
		if err != nil {
			return StreamArbitrary, replay, nil
		}
		if bytes.HasPrefix(p, opusHeadMagic) {
			if ValidOpusHead(p) {
				return StreamOggOpus, replay, nil
			}
			return StreamArbitrary, replay, nil
		}
	}
}
