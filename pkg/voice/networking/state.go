package networking

import (
	"fmt"

	"github.com/MrWong99/voicelink/pkg/voice/packet"
)

// Status is the tag of a [State]. The values between StatusOpeningSocket and
// StatusReady are in handshake order.
type Status int

const (
	StatusOpeningSocket Status = iota
	StatusIdentifying
	StatusUDPHandshaking
	StatusSelectingProtocol
	StatusReady
	StatusResuming
	StatusClosed
)

var statusNames = [...]string{
	StatusOpeningSocket:     "opening_socket",
	StatusIdentifying:       "identifying",
	StatusUDPHandshaking:    "udp_handshaking",
	StatusSelectingProtocol: "selecting_protocol",
	StatusReady:             "ready",
	StatusResuming:          "resuming",
	StatusClosed:            "closed",
}

// String returns the snake_case status name.
func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ConnectionOptions are the credentials required to open a voice session,
// taken from the host gateway's voice server and voice state updates.
type ConnectionOptions struct {
	Endpoint  string
	ServerID  string
	UserID    string
	SessionID string
	Token     string
}

// ConnectionData is the negotiated media session. It is shared between the
// Ready and Resuming states of one negotiator.
type ConnectionData struct {
	SSRC      uint32
	Mode      packet.Mode
	SecretKey [packet.KeySize]byte
	Sequence  uint16
	Timestamp uint32
	Speaking  bool

	sealer   *packet.Sealer
	prepared []byte
}

// Nonce returns the current lite-mode nonce counter.
func (d *ConnectionData) Nonce() uint32 {
	if d.sealer == nil {
		return 0
	}
	return d.sealer.Nonce()
}

// PreparedPacket returns the packet waiting to be dispatched, or nil.
func (d *ConnectionData) PreparedPacket() []byte { return d.prepared }

// State is the negotiator's handshake state. The concrete types are
// OpeningSocketState, IdentifyingState, UDPHandshakingState,
// SelectingProtocolState, ReadyState, ResumingState and ClosedState.
type State interface {
	Status() Status
	isState()
}

// OpeningSocketState waits for the signalling socket to open.
type OpeningSocketState struct {
	Options ConnectionOptions
	ws      Signaller
}

// IdentifyingState has sent Identify and waits for Ready.
type IdentifyingState struct {
	Options ConnectionOptions
	ws      Signaller
}

// UDPHandshakingState runs IP discovery on the media socket.
type UDPHandshakingState struct {
	Options ConnectionOptions
	SSRC    uint32
	ws      Signaller
	udp     Datagram
}

// SelectingProtocolState has sent SelectProtocol and waits for the session
// description.
type SelectingProtocolState struct {
	Options ConnectionOptions
	SSRC    uint32
	ws      Signaller
	udp     Datagram
}

// ReadyState can send media.
type ReadyState struct {
	Options ConnectionOptions
	Data    *ConnectionData
	ws      Signaller
	udp     Datagram
}

// ResumingState re-attaches a fresh signalling socket to the session.
type ResumingState struct {
	Options ConnectionOptions
	Data    *ConnectionData
	ws      Signaller
	udp     Datagram
}

// ClosedState is terminal. Code is the signalling close code when the socket
// closed the session and zero after Destroy. Err is set when negotiation
// failed.
type ClosedState struct {
	Code int
	Err  error
}

func (OpeningSocketState) Status() Status     { return StatusOpeningSocket }
func (IdentifyingState) Status() Status       { return StatusIdentifying }
func (UDPHandshakingState) Status() Status    { return StatusUDPHandshaking }
func (SelectingProtocolState) Status() Status { return StatusSelectingProtocol }
func (ReadyState) Status() Status             { return StatusReady }
func (ResumingState) Status() Status          { return StatusResuming }
func (ClosedState) Status() Status            { return StatusClosed }

func (OpeningSocketState) isState()     {}
func (IdentifyingState) isState()       {}
func (UDPHandshakingState) isState()    {}
func (SelectingProtocolState) isState() {}
func (ReadyState) isState()             {}
func (ResumingState) isState()          {}
func (ClosedState) isState()            {}

// sockets returns the sockets owned by s.
func sockets(s State) (Signaller, Datagram) {
	switch s := s.(type) {
	case OpeningSocketState:
		return s.ws, nil
	case IdentifyingState:
		return s.ws, nil
	case UDPHandshakingState:
		return s.ws, s.udp
	case SelectingProtocolState:
		return s.ws, s.udp
	case ReadyState:
		return s.ws, s.udp
	case ResumingState:
		return s.ws, s.udp
	case ClosedState:
		return nil, nil
	default:
		panic(fmt.Sprintf("networking: unknown state %T", s))
	}
}

// options returns the connection options of a non-closed state.
func options(s State) (ConnectionOptions, bool) {
	switch s := s.(type) {
	case OpeningSocketState:
		return s.Options, true
	case IdentifyingState:
		return s.Options, true
	case UDPHandshakingState:
		return s.Options, true
	case SelectingProtocolState:
		return s.Options, true
	case ReadyState:
		return s.Options, true
	case ResumingState:
		return s.Options, true
	default:
		return ConnectionOptions{}, false
	}
}
