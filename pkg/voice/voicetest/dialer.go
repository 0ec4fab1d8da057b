// Package voicetest provides in-memory sockets for exercising the voice
// handshake without a network.
package voicetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/voice/gateway"
	"github.com/MrWong99/voicelink/pkg/voice/networking"
	"github.com/MrWong99/voicelink/pkg/voice/packet"
	"github.com/MrWong99/voicelink/pkg/voice/udp"
)

// Dialer is a [networking.Dialer] that records every socket it opens.
type Dialer struct {
	// DialErr, when set, fails every datagram dial.
	DialErr error

	mu         sync.Mutex
	signallers []*Signaller
	datagrams  []*Datagram
}

var _ networking.Dialer = (*Dialer)(nil)

// DialSignalling records a new [Signaller].
func (d *Dialer) DialSignalling(url string, h gateway.Handler) networking.Signaller {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &Signaller{URL: url, h: h}
	d.signallers = append(d.signallers, s)
	return s
}

// DialDatagram records a new [Datagram].
func (d *Dialer) DialDatagram(_ context.Context, addr udp.SocketAddress, h udp.Handler) (networking.Datagram, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	dg := &Datagram{Addr: addr, h: h, discover: make(chan discovery, 1)}
	d.datagrams = append(d.datagrams, dg)
	return dg, nil
}

// Signallers returns every signaller dialed so far.
func (d *Dialer) Signallers() []*Signaller {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Signaller(nil), d.signallers...)
}

// Datagrams returns every datagram socket dialed so far.
func (d *Dialer) Datagrams() []*Datagram {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Datagram(nil), d.datagrams...)
}

// LastSignaller returns the newest signaller, or nil.
func (d *Dialer) LastSignaller() *Signaller {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.signallers) == 0 {
		return nil
	}
	return d.signallers[len(d.signallers)-1]
}

// LastDatagram returns the newest datagram socket, or nil.
func (d *Dialer) LastDatagram() *Datagram {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.datagrams) == 0 {
		return nil
	}
	return d.datagrams[len(d.datagrams)-1]
}

// Handshake drives the newest signaller through Identify, Ready, IP
// discovery and SessionDescription, offering and confirming mode. It returns
// once the session description has been delivered.
func (d *Dialer) Handshake(ssrc uint32, mode packet.Mode, key [packet.KeySize]byte) error {
	s := d.LastSignaller()
	if s == nil {
		return errors.New("voicetest: no signaller dialed")
	}
	s.Open()
	if err := s.Receive(gateway.OpHello, gateway.Hello{HeartbeatInterval: 41250}); err != nil {
		return err
	}
	if err := s.Receive(gateway.OpReady, gateway.Ready{SSRC: ssrc, IP: "127.0.0.1", Port: 50000, Modes: []string{string(mode)}}); err != nil {
		return err
	}
	dg := d.LastDatagram()
	if dg == nil {
		return errors.New("voicetest: no datagram dialed after Ready")
	}
	dg.Resolve(udp.SocketAddress{IP: "203.0.113.1", Port: 40000}, nil)
	if err := waitUntil(func() bool { return len(s.Sent(gateway.OpSelectProtocol)) > 0 }); err != nil {
		return fmt.Errorf("voicetest: select protocol never sent: %w", err)
	}
	return s.Receive(gateway.OpSessionDescription, gateway.SessionDescription{Mode: string(mode), SecretKey: key})
}

func waitUntil(cond func() bool) error {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// Sent is one outbound signalling packet.
type Sent struct {
	Op gateway.Opcode
	D  json.RawMessage
}

// Signaller is an in-memory [networking.Signaller].
type Signaller struct {
	URL string
	h   gateway.Handler

	mu       sync.Mutex
	sent     []Sent
	interval time.Duration
	closed   bool
}

// Send records the packet.
func (s *Signaller) Send(op gateway.Opcode, d any) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gateway.ErrClosed
	}
	s.sent = append(s.sent, Sent{Op: op, D: b})
	return nil
}

// SetHeartbeatInterval records d.
func (s *Signaller) SetHeartbeatInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
}

// HeartbeatInterval returns the last interval set.
func (s *Signaller) HeartbeatInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Ping reports a fixed 10ms round trip.
func (s *Signaller) Ping() (time.Duration, bool) { return 10 * time.Millisecond, true }

// Close marks the signaller closed.
func (s *Signaller) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether Close was called.
func (s *Signaller) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sent returns the bodies of every packet sent with op.
func (s *Signaller) Sent(op gateway.Opcode) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, p := range s.sent {
		if p.Op == op {
			out = append(out, p.D)
		}
	}
	return out
}

// Open simulates the socket opening.
func (s *Signaller) Open() {
	if s.h.OnOpen != nil {
		s.h.OnOpen()
	}
}

// Receive simulates an inbound packet.
func (s *Signaller) Receive(op gateway.Opcode, d any) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if s.h.OnPacket != nil {
		s.h.OnPacket(gateway.Packet{Op: op, D: b})
	}
	return nil
}

// CloseRemote simulates the relay closing the socket with code.
func (s *Signaller) CloseRemote(code int) {
	if s.h.OnClose != nil {
		s.h.OnClose(code)
	}
}

type discovery struct {
	addr udp.SocketAddress
	err  error
}

// Datagram is an in-memory [networking.Datagram].
type Datagram struct {
	Addr     udp.SocketAddress
	h        udp.Handler
	discover chan discovery

	mu     sync.Mutex
	sent   [][]byte
	ssrc   uint32
	closed bool
	onSend func([]byte)
}

// Send records b.
func (d *Datagram) Send(b []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return udp.ErrClosed
	}
	d.sent = append(d.sent, b)
	hook := d.onSend
	d.mu.Unlock()
	if hook != nil {
		hook(b)
	}
	return nil
}

// OnSend installs a hook called after every recorded Send.
func (d *Datagram) OnSend(fn func([]byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSend = fn
}

// DiscoverLocalAddress waits for [Datagram.Resolve] or ctx.
func (d *Datagram) DiscoverLocalAddress(ctx context.Context, ssrc uint32) (udp.SocketAddress, error) {
	d.mu.Lock()
	d.ssrc = ssrc
	d.mu.Unlock()
	select {
	case r := <-d.discover:
		return r.addr, r.err
	case <-ctx.Done():
		return udp.SocketAddress{}, ctx.Err()
	}
}

// Resolve completes a pending or future discovery.
func (d *Datagram) Resolve(addr udp.SocketAddress, err error) {
	d.discover <- discovery{addr: addr, err: err}
}

// Close marks the socket closed.
func (d *Datagram) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *Datagram) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Sent returns every datagram sent so far.
func (d *Datagram) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

// DiscoverySSRC returns the SSRC passed to discovery.
func (d *Datagram) DiscoverySSRC() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ssrc
}

// Deliver simulates an inbound media datagram.
func (d *Datagram) Deliver(b []byte) {
	if d.h.OnMessage != nil {
		d.h.OnMessage(b)
	}
}

// CloseRemote simulates the socket failing.
func (d *Datagram) CloseRemote() {
	if d.h.OnClose != nil {
		d.h.OnClose()
	}
}
