package gateway

import (
	"encoding/json"
	"fmt"
)

// Opcode identifies a voice gateway (v4) message.
type Opcode int

const (
	OpIdentify           Opcode = 0
	OpSelectProtocol     Opcode = 1
	OpReady              Opcode = 2
	OpHeartbeat          Opcode = 3
	OpSessionDescription Opcode = 4
	OpSpeaking           Opcode = 5
	OpHeartbeatAck       Opcode = 6
	OpResume             Opcode = 7
	OpHello              Opcode = 8
	OpResumed            Opcode = 9
	OpClientDisconnect   Opcode = 13
)

var opcodeNames = map[Opcode]string{
	OpIdentify:           "Identify",
	OpSelectProtocol:     "SelectProtocol",
	OpReady:              "Ready",
	OpHeartbeat:          "Heartbeat",
	OpSessionDescription: "SessionDescription",
	OpSpeaking:           "Speaking",
	OpHeartbeatAck:       "HeartbeatAck",
	OpResume:             "Resume",
	OpHello:              "Hello",
	OpResumed:            "Resumed",
	OpClientDisconnect:   "ClientDisconnect",
}

// String returns the opcode name.
func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

// Packet is the envelope of every gateway message.
type Packet struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

// Decode unmarshals the packet body into v.
func (p Packet) Decode(v any) error {
	if err := json.Unmarshal(p.D, v); err != nil {
		return fmt.Errorf("gateway: decode %s: %w", p.Op, err)
	}
	return nil
}

// Identify starts a new voice session.
type Identify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// Resume re-attaches a fresh socket to an existing session.
type Resume struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// Ready carries the media relay address, the stream SSRC and the encryption
// modes the relay offers.
type Ready struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// SelectProtocol tells the relay our public address and chosen mode.
type SelectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

// SelectProtocolData is the body of [SelectProtocol].
type SelectProtocolData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

// SessionDescription confirms the mode and delivers the secret key.
type SessionDescription struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// Speaking announces that a stream starts or stops sending audio. Inbound
// speaking packets also carry the user owning the SSRC.
type Speaking struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
	UserID   string `json:"user_id,omitempty"`
}

// Hello carries the heartbeat interval in milliseconds.
type Hello struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// ClientDisconnect reports that another user left the channel.
type ClientDisconnect struct {
	UserID string `json:"user_id"`
}
