package voice

import (
	"fmt"

	"github.com/MrWong99/voicelink/pkg/voice/networking"
)

// ConnectionStatus is the tag of a [ConnectionState].
type ConnectionStatus int

const (
	StatusSignalling ConnectionStatus = iota
	StatusConnecting
	StatusReady
	StatusDisconnected
	StatusDestroyed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusSignalling:
		return "signalling"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusDisconnected:
		return "disconnected"
	case StatusDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("ConnectionStatus(%d)", int(s))
	}
}

// DisconnectReason explains a [DisconnectedState].
type DisconnectReason int

const (
	// ReasonWebSocketClose means the relay closed the session with a code
	// that forbids reconnecting automatically.
	ReasonWebSocketClose DisconnectReason = iota
	// ReasonAdapterUnavailable means the adapter could not deliver a
	// signalling payload.
	ReasonAdapterUnavailable
	// ReasonEndpointRemoved means the host announced there is no voice
	// server for the guild.
	ReasonEndpointRemoved
	// ReasonManual means [Connection.Disconnect] was called.
	ReasonManual
	// ReasonNegotiationFailed means the relay and client share no
	// encryption mode.
	ReasonNegotiationFailed
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonWebSocketClose:
		return "websocket_close"
	case ReasonAdapterUnavailable:
		return "adapter_unavailable"
	case ReasonEndpointRemoved:
		return "endpoint_removed"
	case ReasonManual:
		return "manual"
	case ReasonNegotiationFailed:
		return "negotiation_failed"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", int(r))
	}
}

// ConnectionState is the state of a [Connection]. The concrete types are
// SignallingState, ConnectingState, ReadyState, DisconnectedState and
// DestroyedState.
type ConnectionState interface {
	Status() ConnectionStatus
	isConnectionState()
}

// SignallingState waits for the host to deliver voice server and voice
// state updates.
type SignallingState struct {
	Subscription *Subscription
}

// ConnectingState runs a handshake.
type ConnectingState struct {
	Networking   *networking.Networking
	Subscription *Subscription
}

// ReadyState can send audio.
type ReadyState struct {
	Networking   *networking.Networking
	Subscription *Subscription
}

// DisconnectedState needs [Connection.Reconnect] or [Connection.Rejoin].
// CloseCode is set for ReasonWebSocketClose.
type DisconnectedState struct {
	Reason       DisconnectReason
	CloseCode    int
	Subscription *Subscription
}

// DestroyedState is terminal.
type DestroyedState struct{}

func (SignallingState) Status() ConnectionStatus   { return StatusSignalling }
func (ConnectingState) Status() ConnectionStatus   { return StatusConnecting }
func (ReadyState) Status() ConnectionStatus        { return StatusReady }
func (DisconnectedState) Status() ConnectionStatus { return StatusDisconnected }
func (DestroyedState) Status() ConnectionStatus    { return StatusDestroyed }

func (SignallingState) isConnectionState()   {}
func (ConnectingState) isConnectionState()   {}
func (ReadyState) isConnectionState()        {}
func (DisconnectedState) isConnectionState() {}
func (DestroyedState) isConnectionState()    {}

func networkingOf(s ConnectionState) *networking.Networking {
	switch s := s.(type) {
	case ConnectingState:
		return s.Networking
	case ReadyState:
		return s.Networking
	case SignallingState, DisconnectedState, DestroyedState:
		return nil
	default:
		panic(fmt.Sprintf("voice: unknown connection state %T", s))
	}
}

func subscriptionOf(s ConnectionState) *Subscription {
	switch s := s.(type) {
	case SignallingState:
		return s.Subscription
	case ConnectingState:
		return s.Subscription
	case ReadyState:
		return s.Subscription
	case DisconnectedState:
		return s.Subscription
	case DestroyedState:
		return nil
	default:
		panic(fmt.Sprintf("voice: unknown connection state %T", s))
	}
}

// withSubscription returns s carrying sub. DestroyedState carries none.
func withSubscription(s ConnectionState, sub *Subscription) ConnectionState {
	switch s := s.(type) {
	case SignallingState:
		s.Subscription = sub
		return s
	case ConnectingState:
		s.Subscription = sub
		return s
	case ReadyState:
		s.Subscription = sub
		return s
	case DisconnectedState:
		s.Subscription = sub
		return s
	case DestroyedState:
		return s
	default:
		panic(fmt.Sprintf("voice: unknown connection state %T", s))
	}
}
