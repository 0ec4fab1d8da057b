// Package udp implements the media-plane datagram socket of a voice session:
// IP discovery against the relay, fire-and-forget sends and a receive loop
// that hands inbound datagrams to a handler.
package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
)

const (
	// discoveryRequestSize is the size of the IP discovery request.
	discoveryRequestSize = 70

	// discoveryIPOffset is where the NUL-terminated address string starts in
	// a discovery response.
	discoveryIPOffset = 4

	maxDatagramSize = 2048
)

var (
	// ErrClosed is returned by operations on a closed socket and by a
	// pending discovery when the socket closes before a response arrives.
	ErrClosed = errors.New("udp: socket closed")

	// ErrMalformedDiscovery is returned by [ParseDiscoveryResponse] for a
	// datagram that does not have the discovery response layout.
	ErrMalformedDiscovery = errors.New("udp: malformed discovery response")
)

// SocketAddress is an IPv4 address and port pair.
type SocketAddress struct {
	IP   string
	Port int
}

// String returns the address in host:port form.
func (a SocketAddress) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// Handler receives socket events. Every field is optional. Callbacks run on
// the socket's read goroutine.
type Handler struct {
	// OnMessage receives every inbound datagram not consumed by discovery.
	OnMessage func(msg []byte)

	// OnError receives socket-level read failures.
	OnError func(err error)

	// OnClose is called once when the read loop exits.
	OnClose func()
}

// Socket is a connected UDP socket to one relay address.
type Socket struct {
	conn   net.Conn
	remote SocketAddress
	h      Handler
	log    *slog.Logger

	mu      sync.Mutex
	closed  bool
	waiters []chan SocketAddress

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a [Socket].
type Option func(*Socket)

// WithHandler installs the event callbacks.
func WithHandler(h Handler) Option {
	return func(s *Socket) { s.h = h }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Socket) {
		if l != nil {
			s.log = l
		}
	}
}

// Dial opens a UDP socket connected to remote and starts its read loop.
func Dial(ctx context.Context, remote SocketAddress, opts ...Option) (*Socket, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", remote.String())
	if err != nil {
		return nil, fmt.Errorf("udp: dial %s: %w", remote, err)
	}
	return New(conn, remote, opts...), nil
}

// New wraps an already connected conn and starts its read loop.
func New(conn net.Conn, remote SocketAddress, opts ...Option) *Socket {
	s := &Socket{
		conn:   conn,
		remote: remote,
		log:    slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.readLoop()
	return s
}

// Remote returns the relay address the socket sends to.
func (s *Socket) Remote() SocketAddress { return s.remote }

// LocalAddr returns the local network address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Done is closed once the read loop has exited.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Send writes one datagram. Delivery is not acknowledged and never retried.
func (s *Socket) Send(b []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("udp: send: %w", err)
	}
	return nil
}

// DiscoverLocalAddress sends an IP discovery request carrying ssrc and waits
// for the relay to echo back this socket's public address. Datagrams that do
// not parse as a discovery response are ignored while waiting. The request is
// sent once; ctx bounds the wait.
func (s *Socket) DiscoverLocalAddress(ctx context.Context, ssrc uint32) (SocketAddress, error) {
	ch := make(chan SocketAddress, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SocketAddress{}, ErrClosed
	}
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()
	defer s.removeWaiter(ch)

	req := make([]byte, discoveryRequestSize)
	binary.BigEndian.PutUint32(req, ssrc)
	if err := s.Send(req); err != nil {
		return SocketAddress{}, fmt.Errorf("udp: discovery: %w", err)
	}

	select {
	case addr, ok := <-ch:
		if !ok {
			return SocketAddress{}, fmt.Errorf("udp: discovery: %w", ErrClosed)
		}
		return addr, nil
	case <-ctx.Done():
		return SocketAddress{}, fmt.Errorf("udp: discovery: %w", ctx.Err())
	}
}

// Close releases the socket. It is safe to call more than once.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Socket) readLoop() {
	defer s.finish()

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.h.OnError != nil {
				s.h.OnError(fmt.Errorf("udp: read: %w", err))
			}
			// A connected socket reports ICMP port-unreachable as a refused
			// read; the relay may still answer later.
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			return
		}

		msg := bytes.Clone(buf[:n])
		if s.resolveDiscovery(msg) {
			continue
		}
		if s.h.OnMessage != nil {
			s.h.OnMessage(msg)
		}
	}
}

func (s *Socket) resolveDiscovery(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) == 0 {
		return false
	}
	addr, err := ParseDiscoveryResponse(msg)
	if err != nil {
		s.log.Debug("udp: ignoring datagram during discovery", "len", len(msg), "err", err)
		return false
	}
	for _, ch := range s.waiters {
		ch <- addr
	}
	s.waiters = nil
	return true
}

func (s *Socket) removeWaiter(ch chan SocketAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *Socket) finish() {
	s.mu.Lock()
	s.closed = true
	for _, ch := range s.waiters {
		close(ch)
	}
	s.waiters = nil
	s.mu.Unlock()

	_ = s.conn.Close()
	close(s.done)
	if s.h.OnClose != nil {
		s.h.OnClose()
	}
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ParseDiscoveryResponse extracts the public address from an IP discovery
// response (voice protocol v4 layout): a NUL-terminated IPv4 string starting
// at offset 4 and a little-endian port in the final two bytes.
func ParseDiscoveryResponse(b []byte) (SocketAddress, error) {
	if len(b) < discoveryIPOffset+3 {
		return SocketAddress{}, ErrMalformedDiscovery
	}
	end := bytes.IndexByte(b[discoveryIPOffset:], 0)
	if end <= 0 || discoveryIPOffset+end > len(b)-2 {
		return SocketAddress{}, ErrMalformedDiscovery
	}
	ip := string(b[discoveryIPOffset : discoveryIPOffset+end])
	if parsed := net.ParseIP(ip); parsed == nil || parsed.To4() == nil {
		return SocketAddress{}, fmt.Errorf("%w: bad address %q", ErrMalformedDiscovery, ip)
	}
	port := binary.LittleEndian.Uint16(b[len(b)-2:])
	return SocketAddress{IP: ip, Port: int(port)}, nil
}
