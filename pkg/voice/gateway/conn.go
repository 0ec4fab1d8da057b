// Package gateway is the signalling socket of a voice session: a websocket
// to the voice relay speaking JSON opcodes, with heartbeating and round-trip
// latency tracking.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Close codes with meaning to the voice session.
const (
	CloseNormal           = int(websocket.StatusNormalClosure)
	CloseGoingAway        = int(websocket.StatusGoingAway)
	CloseAbnormal         = int(websocket.StatusAbnormalClosure)
	CloseDisconnected     = 4014
	CloseVoiceServerCrash = 4015
)

const sendQueueSize = 64

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("gateway: connection closed")

	// ErrSendQueueFull is returned when the writer cannot keep up.
	ErrSendQueueFull = errors.New("gateway: send queue full")
)

// Handler receives connection events. Callbacks run on the connection's
// goroutines and never after Close has been called.
type Handler struct {
	OnOpen   func()
	OnPacket func(Packet)
	OnError  func(error)
	// OnClose is called once with the close code when the socket closes
	// for any reason other than Close.
	OnClose func(code int)
}

// Conn is one websocket to the voice relay.
type Conn struct {
	url      string
	h        Handler
	log      *slog.Logger
	dialOpts *websocket.DialOptions

	ctx    context.Context
	cancel context.CancelFunc
	sendq  chan []byte

	mu        sync.Mutex
	ws        *websocket.Conn
	detached  bool
	localCode int
	hbStop    chan struct{}
	lastSend  time.Time
	lastAck   time.Time
	ping      time.Duration
	hasPing   bool
}

// Option configures a [Conn].
type Option func(*Conn)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDialOptions passes options to the websocket dialer.
func WithDialOptions(o *websocket.DialOptions) Option {
	return func(c *Conn) { c.dialOpts = o }
}

// Open starts connecting to url in the background and returns immediately.
// OnOpen fires once the handshake completes; a failed dial reports an error
// followed by OnClose(CloseAbnormal).
func Open(url string, h Handler, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:    url,
		h:      h,
		log:    slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		sendq:  make(chan []byte, sendQueueSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

// Send marshals an {op, d} envelope and queues it for writing. Packets sent
// before the socket opens are written once it does.
func (c *Conn) Send(op Opcode, d any) error {
	body, err := json.Marshal(struct {
		Op Opcode `json:"op"`
		D  any    `json:"d"`
	}{op, d})
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", op, err)
	}
	if c.isDetached() {
		return ErrClosed
	}
	select {
	case c.sendq <- body:
		c.log.Debug("gateway: >>", "op", op.String(), "body", string(body))
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SetHeartbeatInterval (re)starts heartbeating every d. A non-positive d
// stops it. Three intervals without an acknowledgement close the socket with
// CloseGoingAway.
func (c *Conn) SetHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	if d > 0 && !c.detached {
		stop := make(chan struct{})
		c.hbStop = stop
		go c.heartbeatLoop(d, stop)
	}
}

// Ping returns the last measured heartbeat round trip.
func (c *Conn) Ping() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ping, c.hasPing
}

// Close stops heartbeating and closes the socket with CloseNormal. No
// callback fires after Close returns. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	c.detached = true
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	ws := c.ws
	c.mu.Unlock()

	c.log.Debug("gateway: closing")
	go func() {
		if ws != nil {
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}
		c.cancel()
	}()
}

func (c *Conn) run() {
	ws, _, err := websocket.Dial(c.ctx, c.url, c.dialOpts)
	if err != nil {
		c.emitError(fmt.Errorf("gateway: dial: %w", err))
		c.emitClose(CloseAbnormal)
		return
	}

	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return
	}
	c.ws = ws
	c.mu.Unlock()

	go c.writeLoop(ws)
	if !c.isDetached() && c.h.OnOpen != nil {
		c.h.OnOpen()
	}

	for {
		typ, data, err := ws.Read(c.ctx)
		if err != nil {
			c.SetHeartbeatInterval(0)
			c.emitClose(c.closeCode(err))
			c.cancel()
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.log.Debug("gateway: <<", "body", string(data))

		var p Packet
		if err := json.Unmarshal(data, &p); err != nil {
			c.emitError(fmt.Errorf("gateway: decode: %w", err))
			continue
		}
		if p.Op == OpHeartbeatAck {
			c.recordAck()
		}
		if !c.isDetached() && c.h.OnPacket != nil {
			c.h.OnPacket(p)
		}
	}
}

func (c *Conn) writeLoop(ws *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.sendq:
			if err := ws.Write(c.ctx, websocket.MessageText, b); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.emitError(fmt.Errorf("gateway: write: %w", err))
			}
		}
	}
}

func (c *Conn) heartbeatLoop(d time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		lastAck := c.lastAck
		c.mu.Unlock()
		if !lastAck.IsZero() && time.Since(lastAck) >= 3*d {
			c.log.Warn("gateway: missed heartbeat acknowledgements, closing", "interval", d)
			c.closeWith(CloseGoingAway, "heartbeat timeout")
			return
		}

		now := time.Now()
		c.mu.Lock()
		c.lastSend = now
		c.mu.Unlock()
		if err := c.Send(OpHeartbeat, now.UnixMilli()); err != nil && !errors.Is(err, ErrClosed) {
			c.emitError(err)
		}
	}
}

func (c *Conn) recordAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAck = time.Now()
	if !c.lastSend.IsZero() {
		c.ping = c.lastAck.Sub(c.lastSend)
		c.hasPing = true
	}
}

// closeWith closes the socket with code while keeping callbacks attached, so
// the owner sees OnClose(code).
func (c *Conn) closeWith(code int, reason string) {
	c.mu.Lock()
	c.localCode = code
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		go func() { _ = ws.Close(websocket.StatusCode(code), reason) }()
	}
}

func (c *Conn) closeCode(err error) int {
	c.mu.Lock()
	local := c.localCode
	c.mu.Unlock()
	if local != 0 {
		return local
	}
	if code := websocket.CloseStatus(err); code != -1 {
		return int(code)
	}
	return CloseAbnormal
}

func (c *Conn) isDetached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

func (c *Conn) emitError(err error) {
	if c.isDetached() || c.h.OnError == nil {
		return
	}
	c.h.OnError(err)
}

func (c *Conn) emitClose(code int) {
	if c.isDetached() || c.h.OnClose == nil {
		return
	}
	c.h.OnClose(code)
}
