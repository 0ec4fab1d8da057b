// Package networking drives the voice session handshake: it opens the
// signalling socket, identifies, discovers the public media address,
// selects an encryption mode and then frames, seals and sends audio packets.
//
// A Networking value is not safe for concurrent use. Socket callbacks are
// funnelled through the [Executor] passed to [New]; every method must be
// called from inside that same executor.
package networking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicelink/pkg/voice/gateway"
	"github.com/MrWong99/voicelink/pkg/voice/packet"
	"github.com/MrWong99/voicelink/pkg/voice/udp"
)

// TracerName is the instrumentation scope of the handshake span.
const TracerName = "github.com/MrWong99/voicelink/pkg/voice/networking"

// DefaultDiscoveryTimeout bounds IP discovery when no timeout is configured.
const DefaultDiscoveryTimeout = 5 * time.Second

// ErrMediaSocketClosed is reported when the media socket closes while the
// session still needs it.
var ErrMediaSocketClosed = errors.New("networking: media socket closed")

// Executor runs fn with exclusive access to the negotiator and its owner.
type Executor func(fn func())

// Serial returns an Executor backed by a mutex.
func Serial() Executor {
	var mu sync.Mutex
	return func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}
}

// Signaller is the control socket used by the negotiator. *gateway.Conn
// satisfies it.
type Signaller interface {
	Send(op gateway.Opcode, d any) error
	SetHeartbeatInterval(d time.Duration)
	Ping() (time.Duration, bool)
	Close()
}

// Datagram is the media socket used by the negotiator. *udp.Socket satisfies
// it.
type Datagram interface {
	Send(b []byte) error
	DiscoverLocalAddress(ctx context.Context, ssrc uint32) (udp.SocketAddress, error)
	Close() error
}

// Dialer opens the negotiator's sockets.
type Dialer interface {
	DialSignalling(url string, h gateway.Handler) Signaller
	DialDatagram(ctx context.Context, addr udp.SocketAddress, h udp.Handler) (Datagram, error)
}

// NetDialer dials real websocket and UDP sockets.
type NetDialer struct {
	Logger *slog.Logger
}

// DialSignalling implements [Dialer].
func (d NetDialer) DialSignalling(url string, h gateway.Handler) Signaller {
	return gateway.Open(url, h, gateway.WithLogger(d.Logger))
}

// DialDatagram implements [Dialer].
func (d NetDialer) DialDatagram(ctx context.Context, addr udp.SocketAddress, h udp.Handler) (Datagram, error) {
	s, err := udp.Dial(ctx, addr, udp.WithHandler(h), udp.WithLogger(d.Logger))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Handler receives negotiator events. All callbacks run inside the executor.
type Handler struct {
	OnStateChange func(oldState, newState State)
	OnError       func(err error)
	// OnClose reports a session closed by the signalling socket. It follows
	// the transition to ClosedState.
	OnClose func(code int)
	// OnPacket sees every packet received on the current signalling socket
	// after the negotiator has handled it.
	OnPacket func(p gateway.Packet)
	// OnDatagram sees every inbound media datagram.
	OnDatagram func(b []byte)
}

// Networking is one voice session handshake and its media path.
type Networking struct {
	state  State
	h      Handler
	exec   Executor
	dialer Dialer
	log    *slog.Logger

	discoveryTimeout time.Duration
	tracer           trace.Tracer
	span             trace.Span
}

// Option configures a [Networking].
type Option func(*Networking)

// WithDialer replaces the socket dialer.
func WithDialer(d Dialer) Option {
	return func(n *Networking) { n.dialer = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(n *Networking) {
		if l != nil {
			n.log = l
		}
	}
}

// WithDiscoveryTimeout bounds IP discovery.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(n *Networking) {
		if d > 0 {
			n.discoveryTimeout = d
		}
	}
}

// WithTracer sets the tracer recording the handshake span. Defaults to the
// global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(n *Networking) { n.tracer = t }
}

// New starts a handshake towards opts.Endpoint. It must be called from inside
// exec.
func New(opts ConnectionOptions, h Handler, exec Executor, options ...Option) *Networking {
	n := &Networking{
		h:                h,
		exec:             exec,
		log:              slog.Default(),
		discoveryTimeout: DefaultDiscoveryTimeout,
	}
	for _, o := range options {
		o(n)
	}
	if n.tracer == nil {
		n.tracer = otel.Tracer(TracerName)
	}
	if n.dialer == nil {
		n.dialer = NetDialer{Logger: n.log}
	}

	attempt := uuid.NewString()
	n.log = n.log.With("attempt_id", attempt)
	_, n.span = n.tracer.Start(context.Background(), "voice.handshake", trace.WithAttributes(
		attribute.String("voice.attempt_id", attempt),
		attribute.String("voice.server_id", opts.ServerID),
		attribute.String("voice.endpoint", opts.Endpoint),
	))

	n.state = OpeningSocketState{Options: opts, ws: n.openSignaller(opts.Endpoint)}
	n.span.AddEvent(StatusOpeningSocket.String())
	n.log.Debug("networking: opening signalling socket", "endpoint", opts.Endpoint)
	return n
}

// State returns the current state.
func (n *Networking) State() State { return n.state }

// Destroy closes both sockets and moves to ClosedState. It is idempotent.
func (n *Networking) Destroy() {
	if _, ok := n.state.(ClosedState); ok {
		return
	}
	n.setState(ClosedState{})
}

// Detach drops all handlers. Nothing is reported afterwards, including the
// state change caused by a following Destroy.
func (n *Networking) Detach() { n.h = Handler{} }

// Ping returns the signalling round trip of the current socket.
func (n *Networking) Ping() (time.Duration, bool) {
	ws, _ := sockets(n.state)
	if ws == nil {
		return 0, false
	}
	return ws.Ping()
}

// PrepareAudioPacket seals opus at the current sequence and timestamp and
// stores it for [Networking.DispatchAudio], replacing any packet that was
// not dispatched. It returns the packet, or nil unless Ready.
func (n *Networking) PrepareAudioPacket(opus []byte) []byte {
	st, ok := n.state.(ReadyState)
	if !ok {
		return nil
	}
	d := st.Data
	pkt, err := d.sealer.Seal(packet.Header{Sequence: d.Sequence, Timestamp: d.Timestamp, SSRC: d.SSRC}, opus)
	if err != nil {
		n.emitError(fmt.Errorf("networking: prepare packet: %w", err))
		return nil
	}
	d.prepared = pkt
	return pkt
}

// DispatchAudio sends the prepared packet and advances sequence and
// timestamp. It returns false when nothing was prepared or the session is
// not Ready.
func (n *Networking) DispatchAudio() bool {
	st, ok := n.state.(ReadyState)
	if !ok || st.Data.prepared == nil {
		return false
	}
	pkt := st.Data.prepared
	st.Data.prepared = nil

	next := packet.Header{Sequence: st.Data.Sequence, Timestamp: st.Data.Timestamp}.Next()
	st.Data.Sequence, st.Data.Timestamp = next.Sequence, next.Timestamp
	n.SetSpeaking(true)
	if err := st.udp.Send(pkt); err != nil {
		n.emitError(fmt.Errorf("networking: send audio: %w", err))
	}
	return true
}

// SetSpeaking announces a speaking change. Repeating the current value sends
// nothing.
func (n *Networking) SetSpeaking(speaking bool) {
	st, ok := n.state.(ReadyState)
	if !ok || st.Data.Speaking == speaking {
		return
	}
	st.Data.Speaking = speaking
	flag := 0
	if speaking {
		flag = 1
	}
	if err := st.ws.Send(gateway.OpSpeaking, gateway.Speaking{Speaking: flag, Delay: 0, SSRC: st.Data.SSRC}); err != nil {
		n.emitError(fmt.Errorf("networking: speaking: %w", err))
	}
}

func (n *Networking) setState(s State) {
	old := n.state
	oldWS, oldUDP := sockets(old)
	newWS, newUDP := sockets(s)
	if oldWS != nil && oldWS != newWS {
		oldWS.Close()
	}
	if oldUDP != nil && oldUDP != newUDP {
		_ = oldUDP.Close()
	}
	n.state = s

	if old.Status() != s.Status() {
		n.traceTransition(s)
		n.log.Debug("networking: state change", "from", old.Status().String(), "to", s.Status().String())
	}
	if n.h.OnStateChange != nil {
		n.h.OnStateChange(old, s)
	}
}

func (n *Networking) traceTransition(s State) {
	if n.span == nil {
		return
	}
	n.span.AddEvent(s.Status().String())
	switch s := s.(type) {
	case ReadyState:
		n.span.SetAttributes(attribute.String("voice.mode", string(s.Data.Mode)))
		n.span.End()
		n.span = nil
	case ClosedState:
		if s.Err != nil {
			n.span.RecordError(s.Err)
			n.span.SetStatus(codes.Error, s.Err.Error())
		}
		n.span.SetAttributes(attribute.Int("voice.close_code", s.Code))
		n.span.End()
		n.span = nil
	}
}

func (n *Networking) openSignaller(endpoint string) Signaller {
	var ws Signaller
	owned := func() bool {
		cur, _ := sockets(n.state)
		return ws != nil && cur == ws
	}
	ws = n.dialer.DialSignalling("wss://"+endpoint+"?v=4", gateway.Handler{
		OnOpen: func() {
			n.exec(func() {
				if owned() {
					n.onSignallingOpen()
				}
			})
		},
		OnPacket: func(p gateway.Packet) {
			n.exec(func() {
				if owned() {
					n.onSignallingPacket(p)
				}
			})
		},
		OnError: func(err error) {
			n.exec(func() {
				if owned() {
					n.emitError(err)
				}
			})
		},
		OnClose: func(code int) {
			n.exec(func() {
				if owned() {
					n.onSignallingClose(code)
				}
			})
		},
	})
	return ws
}

func (n *Networking) onSignallingOpen() {
	switch st := n.state.(type) {
	case OpeningSocketState:
		o := st.Options
		n.send(st.ws, gateway.OpIdentify, gateway.Identify{
			ServerID:  o.ServerID,
			UserID:    o.UserID,
			SessionID: o.SessionID,
			Token:     o.Token,
		})
		n.setState(IdentifyingState{Options: o, ws: st.ws})
	case ResumingState:
		o := st.Options
		n.send(st.ws, gateway.OpResume, gateway.Resume{
			ServerID:  o.ServerID,
			SessionID: o.SessionID,
			Token:     o.Token,
		})
	}
}

func (n *Networking) onSignallingClose(code int) {
	canResume := code == gateway.CloseVoiceServerCrash || code < 4000
	if st, ok := n.state.(ReadyState); ok && canResume {
		n.log.Info("networking: signalling socket closed, resuming", "code", code)
		n.setState(ResumingState{
			Options: st.Options,
			Data:    st.Data,
			ws:      n.openSignaller(st.Options.Endpoint),
			udp:     st.udp,
		})
		return
	}
	n.close(code)
}

// close ends the session because a socket went away and reports code to the
// owner.
func (n *Networking) close(code int) {
	if _, ok := n.state.(ClosedState); ok {
		return
	}
	n.setState(ClosedState{Code: code})
	if n.h.OnClose != nil {
		n.h.OnClose(code)
	}
}

func (n *Networking) onSignallingPacket(p gateway.Packet) {
	switch p.Op {
	case gateway.OpHello:
		ws, _ := sockets(n.state)
		var hello gateway.Hello
		if ws != nil && n.decode(p, &hello) {
			ws.SetHeartbeatInterval(time.Duration(hello.HeartbeatInterval * float64(time.Millisecond)))
		}
	case gateway.OpReady:
		if st, ok := n.state.(IdentifyingState); ok {
			var ready gateway.Ready
			if n.decode(p, &ready) {
				n.onReady(st, ready)
			}
		}
	case gateway.OpSessionDescription:
		if st, ok := n.state.(SelectingProtocolState); ok {
			var sd gateway.SessionDescription
			if n.decode(p, &sd) {
				n.onSessionDescription(st, sd)
			}
		}
	case gateway.OpResumed:
		if st, ok := n.state.(ResumingState); ok {
			st.Data.Speaking = false
			n.setState(ReadyState{Options: st.Options, Data: st.Data, ws: st.ws, udp: st.udp})
		}
	}

	if _, closed := n.state.(ClosedState); !closed && n.h.OnPacket != nil {
		n.h.OnPacket(p)
	}
}

func (n *Networking) onReady(st IdentifyingState, ready gateway.Ready) {
	addr := udp.SocketAddress{IP: ready.IP, Port: ready.Port}

	var sock Datagram
	owned := func() bool {
		_, cur := sockets(n.state)
		return sock != nil && cur == sock
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.discoveryTimeout)
	sock, err := n.dialer.DialDatagram(ctx, addr, udp.Handler{
		OnMessage: func(b []byte) {
			n.exec(func() {
				if owned() && n.h.OnDatagram != nil {
					n.h.OnDatagram(b)
				}
			})
		},
		OnError: func(err error) {
			n.exec(func() {
				if owned() {
					n.emitError(err)
				}
			})
		},
		OnClose: func() {
			n.exec(func() {
				if owned() {
					n.emitError(ErrMediaSocketClosed)
					n.close(gateway.CloseAbnormal)
				}
			})
		},
	})
	if err != nil {
		cancel()
		n.emitError(fmt.Errorf("networking: open media socket: %w", err))
		n.close(gateway.CloseAbnormal)
		return
	}

	n.setState(UDPHandshakingState{Options: st.Options, SSRC: ready.SSRC, ws: st.ws, udp: sock})

	go func() {
		defer cancel()
		local, err := sock.DiscoverLocalAddress(ctx, ready.SSRC)
		n.exec(func() { n.onDiscovered(sock, ready.Modes, local, err) })
	}()
}

func (n *Networking) onDiscovered(sock Datagram, modes []string, local udp.SocketAddress, err error) {
	st, ok := n.state.(UDPHandshakingState)
	if !ok || st.udp != sock {
		return
	}
	if err != nil {
		n.emitError(fmt.Errorf("networking: ip discovery: %w", err))
		n.close(gateway.CloseAbnormal)
		return
	}

	mode, err := packet.ChooseMode(modes)
	if err != nil {
		err = fmt.Errorf("networking: select protocol: %w", err)
		n.emitError(err)
		n.setState(ClosedState{Err: err})
		return
	}

	n.send(st.ws, gateway.OpSelectProtocol, gateway.SelectProtocol{
		Protocol: "udp",
		Data:     gateway.SelectProtocolData{Address: local.IP, Port: local.Port, Mode: string(mode)},
	})
	n.setState(SelectingProtocolState{Options: st.Options, SSRC: st.SSRC, ws: st.ws, udp: st.udp})
}

func (n *Networking) onSessionDescription(st SelectingProtocolState, sd gateway.SessionDescription) {
	mode := packet.Mode(sd.Mode)
	sealer, err := packet.NewSealer(mode, sd.SecretKey)
	if err != nil {
		err = fmt.Errorf("networking: session description: %w", err)
		n.emitError(err)
		n.setState(ClosedState{Err: err})
		return
	}
	n.setState(ReadyState{
		Options: st.Options,
		Data: &ConnectionData{
			SSRC:      st.SSRC,
			Mode:      mode,
			SecretKey: sd.SecretKey,
			Sequence:  uint16(rand.Uint32()),
			Timestamp: rand.Uint32(),
			sealer:    sealer,
		},
		ws:  st.ws,
		udp: st.udp,
	})
}

func (n *Networking) send(ws Signaller, op gateway.Opcode, d any) {
	if err := ws.Send(op, d); err != nil {
		n.emitError(fmt.Errorf("networking: send %s: %w", op, err))
	}
}

func (n *Networking) decode(p gateway.Packet, v any) bool {
	if err := p.Decode(v); err != nil {
		n.emitError(err)
		return false
	}
	return true
}

func (n *Networking) emitError(err error) {
	n.log.Debug("networking: error", "err", err)
	if n.h.OnError != nil {
		n.h.OnError(err)
	}
}
