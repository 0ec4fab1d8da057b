package packet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/nacl/secretbox"
)

// Mode names an encryption mode offered by the relay.
type Mode string

const (
	// ModeLite uses a 4-byte incrementing counter as the nonce, appended to
	// the ciphertext.
	ModeLite Mode = "xsalsa20_poly1305_lite"

	// ModeSuffix uses a random 24-byte nonce appended to the ciphertext.
	ModeSuffix Mode = "xsalsa20_poly1305_suffix"

	// ModeNormal uses the RTP header, zero-extended to 24 bytes, as the nonce.
	ModeNormal Mode = "xsalsa20_poly1305"
)

const (
	// KeySize is the size of the session secret key.
	KeySize = 32

	// NonceSize is the size of an xsalsa20 nonce.
	NonceSize = 24

	liteNonceSize = 4
)

// SupportedModes lists the modes this package implements, strongest first.
var SupportedModes = []Mode{ModeLite, ModeSuffix, ModeNormal}

var (
	// ErrNoSupportedMode is returned by [ChooseMode] when the relay offers no
	// mode from [SupportedModes].
	ErrNoSupportedMode = errors.New("packet: no supported encryption mode")

	// ErrUnknownMode is returned for a mode outside [SupportedModes].
	ErrUnknownMode = errors.New("packet: unknown encryption mode")

	// ErrDecrypt is returned when a payload fails authentication.
	ErrDecrypt = errors.New("packet: decryption failed")
)

// IsValid reports whether m is one of [SupportedModes].
func (m Mode) IsValid() bool {
	return slices.Contains(SupportedModes, m)
}

// ChooseMode picks the first of [SupportedModes] that appears in offered.
func ChooseMode(offered []string) (Mode, error) {
	for _, m := range SupportedModes {
		if slices.Contains(offered, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w (offered %v)", ErrNoSupportedMode, offered)
}

// Sealer encrypts outbound frames for one session. It owns the lite-mode
// nonce counter and is not safe for concurrent use.
type Sealer struct {
	mode  Mode
	key   [KeySize]byte
	nonce uint32
	rand  io.Reader
}

// NewSealer returns a Sealer for mode using key.
func NewSealer(mode Mode, key [KeySize]byte) (*Sealer, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return &Sealer{mode: mode, key: key, rand: rand.Reader}, nil
}

// Mode returns the sealer's encryption mode.
func (s *Sealer) Mode() Mode { return s.mode }

// Nonce returns the last lite-mode nonce used. It is 0 before the first
// sealed packet.
func (s *Sealer) Nonce() uint32 { return s.nonce }

// Seal returns header || ciphertext || nonce-suffix for one Opus frame.
func (s *Sealer) Seal(h Header, opus []byte) ([]byte, error) {
	header, err := h.Marshal()
	if err != nil {
		return nil, err
	}

	var nonce [NonceSize]byte
	switch s.mode {
	case ModeLite:
		s.nonce++
		binary.BigEndian.PutUint32(nonce[:liteNonceSize], s.nonce)
		out := secretbox.Seal(header, opus, &nonce, &s.key)
		return append(out, nonce[:liteNonceSize]...), nil
	case ModeSuffix:
		if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
			return nil, fmt.Errorf("packet: generate nonce: %w", err)
		}
		out := secretbox.Seal(header, opus, &nonce, &s.key)
		return append(out, nonce[:]...), nil
	default:
		copy(nonce[:], header)
		return secretbox.Seal(header, opus, &nonce, &s.key), nil
	}
}

// Open authenticates and decrypts an inbound datagram sealed with mode and
// key. It returns the parsed header and the Opus payload with any RTP header
// extension removed.
func Open(mode Mode, key [KeySize]byte, datagram []byte) (Header, []byte, error) {
	h, err := ParseHeader(datagram)
	if err != nil {
		return Header{}, nil, err
	}

	var nonce [NonceSize]byte
	end := len(datagram)
	switch mode {
	case ModeLite:
		if len(datagram) < HeaderSize+secretbox.Overhead+liteNonceSize {
			return Header{}, nil, ErrShortPacket
		}
		end -= liteNonceSize
		copy(nonce[:liteNonceSize], datagram[end:])
	case ModeSuffix:
		if len(datagram) < HeaderSize+secretbox.Overhead+NonceSize {
			return Header{}, nil, ErrShortPacket
		}
		end -= NonceSize
		copy(nonce[:], datagram[end:])
	case ModeNormal:
		if len(datagram) < HeaderSize+secretbox.Overhead {
			return Header{}, nil, ErrShortPacket
		}
		copy(nonce[:], datagram[:HeaderSize])
	default:
		return Header{}, nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	opus, ok := secretbox.Open(nil, datagram[HeaderSize:end], &nonce, &key)
	if !ok {
		return Header{}, nil, ErrDecrypt
	}
	return h, StripExtension(opus), nil
}
