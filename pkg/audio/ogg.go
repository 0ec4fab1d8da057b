package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotOgg is returned when a stream does not start with an Ogg page.
	ErrNotOgg = errors.New("audio: not an ogg stream")

	// ErrInvalidOpusHead is returned for Opus streams that are not 48 kHz
	// stereo.
	ErrInvalidOpusHead = errors.New("audio: opus head is not 48kHz stereo")

	// ErrNoOpusHead is returned when an Ogg stream ends before an OpusHead
	// packet.
	ErrNoOpusHead = errors.New("audio: no opus head in ogg stream")
)

var (
	oggMagic      = []byte("OggS")
	opusHeadMagic = []byte("OpusHead")
	opusTagsMagic = []byte("OpusTags")
)

const oggHeaderSize = 27

// ValidOpusHead reports whether an OpusHead packet describes audio that can
// be sent unchanged: two channels at 48 kHz.
func ValidOpusHead(head []byte) bool {
	if len(head) < 16 || !bytes.HasPrefix(head, opusHeadMagic) {
		return false
	}
	return head[9] == 2 && binary.LittleEndian.Uint32(head[12:16]) == 48000
}

// oggReader splits an Ogg bitstream into packets of its first logical
// stream.
type oggReader struct {
	r       *bufio.Reader
	serial  uint32
	locked  bool
	pending []byte
	packets [][]byte
}

func newOggReader(r io.Reader) *oggReader {
	return &oggReader{r: bufio.NewReader(r)}
}

// next returns the next complete packet. It returns io.EOF at the end of the
// stream; a truncated final packet is discarded.
func (o *oggReader) next() ([]byte, error) {
	for len(o.packets) == 0 {
		if err := o.readPage(); err != nil {
			return nil, err
		}
	}
	p := o.packets[0]
	o.packets = o.packets[1:]
	return p, nil
}

func (o *oggReader) readPage() error {
	var hdr [oggHeaderSize]byte
	if _, err := io.ReadFull(o.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}
	if !bytes.Equal(hdr[:4], oggMagic) {
		return ErrNotOgg
	}
	serial := binary.LittleEndian.Uint32(hdr[14:18])
	segments := make([]byte, hdr[26])
	if _, err := io.ReadFull(o.r, segments); err != nil {
		return eof(err)
	}
	size := 0
	for _, s := range segments {
		size += int(s)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(o.r, body); err != nil {
		return eof(err)
	}

	if !o.locked {
		o.serial, o.locked = serial, true
	}
	if serial != o.serial {
		return nil
	}

	// A page that does not continue a packet drops any unfinished one.
	if hdr[5]&0x01 == 0 {
		o.pending = nil
	}
	off := 0
	for _, s := range segments {
		o.pending = append(o.pending, body[off:off+int(s)]...)
		off += int(s)
		if s < 255 {
			o.packets = append(o.packets, o.pending)
			o.pending = nil
		}
	}
	return nil
}

func eof(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// OggSource yields the Opus packets of an Ogg Opus stream. It implements
// voice.FrameSource.
type OggSource struct {
	rc   io.Reader
	ogg  *oggReader
	head []byte
}

// NewOggSource reads the stream headers from r and checks that the audio is
// 48 kHz stereo. If r is an io.Closer, [OggSource.Close] closes it.
func NewOggSource(r io.Reader) (*OggSource, error) {
	s := &OggSource{rc: r, ogg: newOggReader(r)}
	for {
		p, err := s.ogg.next()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoOpusHead
		}
		if err != nil {
			return nil, fmt.Errorf("audio: read ogg headers: %w", err)
		}
		if bytes.HasPrefix(p, opusHeadMagic) {
			if !ValidOpusHead(p) {
				return nil, ErrInvalidOpusHead
			}
			s.head = p
			return s, nil
		}
	}
}

// Head returns the stream's OpusHead packet.
func (s *OggSource) Head() []byte { return s.head }

// ReadFrame returns the next Opus packet, skipping the comment header.
func (s *OggSource) ReadFrame() ([]byte, error) {
	for {
		p, err := s.ogg.next()
		if err != nil {
			return nil, err
		}
		if len(p) == 0 || bytes.HasPrefix(p, opusTagsMagic) {
			continue
		}
		return p, nil
	}
}

// Close closes the underlying reader when it is an io.Closer.
func (s *OggSource) Close() error {
	if c, ok := s.rc.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
