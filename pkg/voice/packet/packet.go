// Package packet frames outbound voice datagrams and parses inbound ones.
//
// Every media datagram starts with a 12-byte RTP header (version 2, payload
// type 0x78) followed by an xsalsa20-poly1305 encrypted Opus frame. How the
// 24-byte nonce is derived depends on the negotiated [Mode]; see [Sealer] and
// [Open].
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// HeaderSize is the size of the RTP header preceding every payload.
	HeaderSize = 12

	// SampleRate is the Opus sample rate used on the media path.
	SampleRate = 48000

	// Channels is the number of audio channels in every frame.
	Channels = 2

	// FrameTimestampIncrement is how far the RTP timestamp advances per
	// 20ms frame: (48000 / 100) * 2.
	FrameTimestampIncrement = (SampleRate / 100) * Channels

	payloadType = 0x78
)

// ErrShortPacket is returned when a datagram is too small to contain the
// fields required by the operation.
var ErrShortPacket = errors.New("packet: datagram too short")

// Header holds the variable fields of the RTP header.
type Header struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
}

// Marshal encodes h as the 12-byte wire header:
// 0x80 0x78 | seq (BE16) | timestamp (BE32) | ssrc (BE32).
func (h Header) Marshal() ([]byte, error) {
	rh := rtp.Header{
		Version:        2,
		PayloadType:    payloadType,
		SequenceNumber: h.Sequence,
		Timestamp:      h.Timestamp,
		SSRC:           h.SSRC,
	}
	b, err := rh.Marshal()
	if err != nil {
		return nil, fmt.Errorf("packet: marshal header: %w", err)
	}
	return b, nil
}

// Next returns the header of the following frame. Sequence wraps at 2^16 and
// timestamp at 2^32.
func (h Header) Next() Header {
	h.Sequence++
	h.Timestamp += FrameTimestampIncrement
	return h
}

// ParseHeader reads the fixed header fields of an inbound datagram. Header
// extensions are left in place because they are part of the encrypted
// payload; [Open] strips them after decryption.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortPacket
	}
	return Header{
		Sequence:  binary.BigEndian.Uint16(b[2:4]),
		Timestamp: binary.BigEndian.Uint32(b[4:8]),
		SSRC:      binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// StripExtension removes a one-byte RTP header-extension block from a
// decrypted payload: a 0xBEDE marker, a 16-bit element count, the elements
// themselves (length carried in each element byte) and one trailing padding
// byte when it is 0x00 or 0x02. Payloads without the marker are returned
// unchanged.
func StripExtension(p []byte) []byte {
	if len(p) <= 4 || p[0] != 0xBE || p[1] != 0xDE {
		return p
	}
	count := int(binary.BigEndian.Uint16(p[2:4]))
	off := 4
	for i := 0; i < count && off < len(p); i++ {
		b := p[off]
		off++
		if b == 0 {
			continue
		}
		off += 1 + int(b>>4)
	}
	if off < len(p) && (p[off] == 0x00 || p[off] == 0x02) {
		off++
	}
	if off >= len(p) {
		return p[:0]
	}
	return p[off:]
}
