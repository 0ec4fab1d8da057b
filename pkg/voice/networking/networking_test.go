package networking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/pkg/voice/gateway"
	"github.com/MrWong99/voicelink/pkg/voice/packet"
	"github.com/MrWong99/voicelink/pkg/voice/udp"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type sent struct {
	op gateway.Opcode
	d  json.RawMessage
}

type fakeSignaller struct {
	url string
	h   gateway.Handler

	mu       sync.Mutex
	sent     []sent
	interval time.Duration
	closed   bool
}

func (s *fakeSignaller) Send(op gateway.Opcode, d any) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{op, b})
	return nil
}

func (s *fakeSignaller) SetHeartbeatInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
}

func (s *fakeSignaller) Ping() (time.Duration, bool) { return 42 * time.Millisecond, true }

func (s *fakeSignaller) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSignaller) packets(op gateway.Opcode) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, p := range s.sent {
		if p.op == op {
			out = append(out, p.d)
		}
	}
	return out
}

func (s *fakeSignaller) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// receive delivers an inbound packet as the websocket reader would.
func (s *fakeSignaller) receive(t *testing.T, op gateway.Opcode, d any) {
	t.Helper()
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal %s: %v", op, err)
	}
	s.h.OnPacket(gateway.Packet{Op: op, D: b})
}

type discovery struct {
	addr udp.SocketAddress
	err  error
}

type fakeDatagram struct {
	addr     udp.SocketAddress
	h        udp.Handler
	discover chan discovery

	mu     sync.Mutex
	sent   [][]byte
	ssrc   uint32
	closed bool
}

func (d *fakeDatagram) Send(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, b)
	return nil
}

func (d *fakeDatagram) DiscoverLocalAddress(ctx context.Context, ssrc uint32) (udp.SocketAddress, error) {
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

func (d *fakeDatagram) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDatagram) datagrams() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

func (d *fakeDatagram) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeDialer struct {
	mu         sync.Mutex
	signallers []*fakeSignaller
	datagrams  []*fakeDatagram
	dialErr    error
}

func (f *fakeDialer) DialSignalling(url string, h gateway.Handler) Signaller {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSignaller{url: url, h: h}
	f.signallers = append(f.signallers, s)
	return s
}

func (f *fakeDialer) DialDatagram(_ context.Context, addr udp.SocketAddress, h udp.Handler) (Datagram, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	d := &fakeDatagram{addr: addr, h: h, discover: make(chan discovery, 1)}
	f.datagrams = append(f.datagrams, d)
	return d, nil
}

func (f *fakeDialer) signaller(i int) *fakeSignaller {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signallers[i]
}

func (f *fakeDialer) datagram(i int) *fakeDatagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.datagrams[i]
}

func (f *fakeDialer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signallers), len(f.datagrams)
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	t      *testing.T
	exec   Executor
	dialer *fakeDialer
	n      *Networking

	mu       sync.Mutex
	statuses []Status
	errs     []error
	closes   []int
	packets  []gateway.Opcode
}

var testOptions = ConnectionOptions{
	Endpoint:  "voice.example.test",
	ServerID:  "guild-1",
	UserID:    "user-1",
	SessionID: "session-1",
	Token:     "token-1",
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, exec: Serial(), dialer: &fakeDialer{}}
	h.exec(func() {
		h.n = New(testOptions, Handler{
			OnStateChange: func(_, s State) {
				h.mu.Lock()
				h.statuses = append(h.statuses, s.Status())
				h.mu.Unlock()
			},
			OnError: func(err error) {
				h.mu.Lock()
				h.errs = append(h.errs, err)
				h.mu.Unlock()
			},
			OnClose: func(code int) {
				h.mu.Lock()
				h.closes = append(h.closes, code)
				h.mu.Unlock()
			},
			OnPacket: func(p gateway.Packet) {
				h.mu.Lock()
				h.packets = append(h.packets, p.Op)
				h.mu.Unlock()
			},
		}, h.exec, WithDialer(h.dialer), WithDiscoveryTimeout(time.Second))
	})
	return h
}

func (h *harness) state() State {
	var s State
	h.exec(func() { s = h.n.State() })
	return s
}

func (h *harness) waitStatus(want Status) State {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s := h.state()
		if s.Status() == want {
			return s
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("status = %v, want %v", s.Status(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

// handshake drives a fresh negotiator to Ready offering modes.
func (h *harness) handshake(modes ...string) ReadyState {
	h.t.Helper()
	ws := h.dialer.signaller(0)
	ws.h.OnOpen()
	ws.receive(h.t, gateway.OpHello, gateway.Hello{HeartbeatInterval: 41250.5})
	ws.receive(h.t, gateway.OpReady, gateway.Ready{SSRC: 1234, IP: "10.0.0.1", Port: 50000, Modes: modes})
	h.dialer.datagram(0).discover <- discovery{addr: udp.SocketAddress{IP: "203.0.113.7", Port: 6000}}
	h.waitStatus(StatusSelectingProtocol)

	var key [packet.KeySize]byte
	key[0] = 9
	ws.receive(h.t, gateway.OpSessionDescription, gateway.SessionDescription{Mode: modes[0], SecretKey: key})
	return h.waitStatus(StatusReady).(ReadyState)
}

func (h *harness) recorded() ([]Status, []error, []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Status(nil), h.statuses...), append([]error(nil), h.errs...), append([]int(nil), h.closes...)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNetworking_Handshake(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ws := h.dialer.signaller(0)
	if ws.url != "wss://voice.example.test?v=4" {
		t.Errorf("url = %q", ws.url)
	}
	if s := h.state(); s.Status() != StatusOpeningSocket {
		t.Fatalf("initial status = %v", s.Status())
	}

	ready := h.handshake("xsalsa20_poly1305", "xsalsa20_poly1305_lite")

	ids := ws.packets(gateway.OpIdentify)
	if len(ids) != 1 {
		t.Fatalf("identify sent %d times, want 1", len(ids))
	}
	var id gateway.Identify
	_ = json.Unmarshal(ids[0], &id)
	if id != (gateway.Identify{ServerID: "guild-1", UserID: "user-1", SessionID: "session-1", Token: "token-1"}) {
		t.Errorf("identify = %+v", id)
	}

	if ws.interval != 41250500*time.Microsecond {
		t.Errorf("heartbeat interval = %v", ws.interval)
	}

	d := h.dialer.datagram(0)
	if d.addr != (udp.SocketAddress{IP: "10.0.0.1", Port: 50000}) {
		t.Errorf("datagram dialed %+v", d.addr)
	}
	if d.ssrc != 1234 {
		t.Errorf("discovery ssrc = %d, want 1234", d.ssrc)
	}

	sel := ws.packets(gateway.OpSelectProtocol)
	if len(sel) != 1 {
		t.Fatalf("select protocol sent %d times, want 1", len(sel))
	}
	var sp gateway.SelectProtocol
	_ = json.Unmarshal(sel[0], &sp)
	want := gateway.SelectProtocol{Protocol: "udp", Data: gateway.SelectProtocolData{Address: "203.0.113.7", Port: 6000, Mode: "xsalsa20_poly1305_lite"}}
	if sp != want {
		t.Errorf("select protocol = %+v, want %+v", sp, want)
	}

	if ready.Data.SSRC != 1234 || ready.Data.Nonce() != 0 || ready.Data.Speaking {
		t.Errorf("connection data = %+v", ready.Data)
	}
	if ready.Data.Mode != packet.ModeNormal {
		t.Errorf("mode = %q, want the mode from the session description", ready.Data.Mode)
	}

	statuses, errs, closes := h.recorded()
	wantStatuses := []Status{StatusIdentifying, StatusUDPHandshaking, StatusSelectingProtocol, StatusReady}
	if len(statuses) != len(wantStatuses) {
		t.Fatalf("statuses = %v, want %v", statuses, wantStatuses)
	}
	for i := range wantStatuses {
		if statuses[i] != wantStatuses[i] {
			t.Errorf("statuses[%d] = %v, want %v", i, statuses[i], wantStatuses[i])
		}
	}
	if len(errs) != 0 || len(closes) != 0 {
		t.Errorf("errs = %v closes = %v", errs, closes)
	}
}

func TestNetworking_PrepareDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ready := h.handshake("xsalsa20_poly1305_lite")
	ws := h.dialer.signaller(0)
	d := h.dialer.datagram(0)

	h.exec(func() {
		ready.Data.Sequence = 65534
		ready.Data.Timestamp = 4294967295 - 959
	})

	var dispatched []bool
	h.exec(func() {
		if h.n.DispatchAudio() {
			t.Error("DispatchAudio before prepare = true")
		}
		for range 3 {
			if h.n.PrepareAudioPacket([]byte{1, 2, 3}) == nil {
				t.Fatal("PrepareAudioPacket returned nil while Ready")
			}
			dispatched = append(dispatched, h.n.DispatchAudio())
			dispatched = append(dispatched, h.n.DispatchAudio())
		}
	})
	for i, ok := range dispatched {
		if want := i%2 == 0; ok != want {
			t.Errorf("dispatch %d = %v, want %v", i, ok, want)
		}
	}

	pkts := d.datagrams()
	if len(pkts) != 3 {
		t.Fatalf("sent %d datagrams, want 3", len(pkts))
	}
	wantSeq := []uint16{65534, 65535, 0}
	wantTS := []uint32{4294967295 - 959, 0, 960}
	for i, pkt := range pkts {
		hdr, opus, err := packet.Open(packet.ModeLite, ready.Data.SecretKey, pkt)
		if err != nil {
			t.Fatalf("Open packet %d: %v", i, err)
		}
		if hdr.Sequence != wantSeq[i] || hdr.Timestamp != wantTS[i] || hdr.SSRC != 1234 {
			t.Errorf("packet %d header = %+v", i, hdr)
		}
		if len(opus) != 3 {
			t.Errorf("packet %d payload = % x", i, opus)
		}
	}

	speaking := ws.packets(gateway.OpSpeaking)
	if len(speaking) != 1 {
		t.Fatalf("speaking sent %d times, want 1", len(speaking))
	}
	var sp gateway.Speaking
	_ = json.Unmarshal(speaking[0], &sp)
	if sp != (gateway.Speaking{Speaking: 1, Delay: 0, SSRC: 1234}) {
		t.Errorf("speaking = %+v", sp)
	}

	h.exec(func() {
		h.n.SetSpeaking(false)
		h.n.SetSpeaking(false)
	})
	if got := len(ws.packets(gateway.OpSpeaking)); got != 2 {
		t.Errorf("speaking packets = %d, want 2", got)
	}
}

func TestNetworking_NotReadyIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.exec(func() {
		if h.n.PrepareAudioPacket([]byte{1}) != nil {
			t.Error("PrepareAudioPacket before Ready returned a packet")
		}
		if h.n.DispatchAudio() {
			t.Error("DispatchAudio before Ready = true")
		}
		h.n.SetSpeaking(true)
	})
	if got := len(h.dialer.signaller(0).packets(gateway.OpSpeaking)); got != 0 {
		t.Errorf("speaking sent before Ready: %d", got)
	}
}

func TestNetworking_Resume(t *testing.T) {
	t.Parallel()
	for _, code := range []int{gateway.CloseVoiceServerCrash, gateway.CloseGoingAway, gateway.CloseAbnormal} {
		h := newHarness(t)
		ready := h.handshake("xsalsa20_poly1305_suffix")
		old := h.dialer.signaller(0)
		h.exec(func() { h.n.SetSpeaking(true) })

		old.h.OnClose(code)
		st := h.waitStatus(StatusResuming).(ResumingState)
		if st.Data != ready.Data {
			t.Errorf("code %d: resuming state lost the connection data", code)
		}
		if !old.isClosed() {
			t.Errorf("code %d: old signaller not closed", code)
		}
		if h.dialer.datagram(0).isClosed() {
			t.Errorf("code %d: media socket closed during resume", code)
		}

		fresh := h.dialer.signaller(1)
		fresh.h.OnOpen()
		resumes := fresh.packets(gateway.OpResume)
		if len(resumes) != 1 {
			t.Fatalf("code %d: resume sent %d times", code, len(resumes))
		}
		var r gateway.Resume
		_ = json.Unmarshal(resumes[0], &r)
		if r != (gateway.Resume{ServerID: "guild-1", SessionID: "session-1", Token: "token-1"}) {
			t.Errorf("resume = %+v", r)
		}

		// Events from the replaced socket are dropped.
		old.receive(t, gateway.OpResumed, nil)
		if s := h.state(); s.Status() != StatusResuming {
			t.Errorf("code %d: stale socket moved state to %v", code, s.Status())
		}

		fresh.receive(t, gateway.OpResumed, nil)
		again := h.waitStatus(StatusReady).(ReadyState)
		if again.Data.Speaking {
			t.Errorf("code %d: speaking survived resume", code)
		}
		_, _, closes := h.recorded()
		if len(closes) != 0 {
			t.Errorf("code %d: close reported during resume: %v", code, closes)
		}
	}
}

func TestNetworking_CloseRouting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		toReady bool
		code    int
	}{
		{"non-resumable while ready", true, gateway.CloseDisconnected},
		{"session no longer valid while ready", true, 4006},
		{"resumable code before ready", false, gateway.CloseNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.toReady {
				h.handshake("xsalsa20_poly1305_lite")
			}
			ws := h.dialer.signaller(0)
			ws.h.OnClose(tt.code)

			st := h.waitStatus(StatusClosed).(ClosedState)
			if st.Code != tt.code {
				t.Errorf("closed code = %d, want %d", st.Code, tt.code)
			}
			_, _, closes := h.recorded()
			if len(closes) != 1 || closes[0] != tt.code {
				t.Errorf("closes = %v, want [%d]", closes, tt.code)
			}
			if !ws.isClosed() {
				t.Error("signaller not closed")
			}
			if tt.toReady && !h.dialer.datagram(0).isClosed() {
				t.Error("media socket not closed")
			}
			if n, _ := h.dialer.counts(); n != 1 {
				t.Errorf("dialed %d signallers, want 1", n)
			}
		})
	}
}

func TestNetworking_NoSupportedMode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dialer.signaller(0)
	ws.h.OnOpen()
	ws.receive(t, gateway.OpReady, gateway.Ready{SSRC: 1, IP: "10.0.0.1", Port: 1, Modes: []string{"aead_aes256_gcm_rtpsize"}})
	h.dialer.datagram(0).discover <- discovery{addr: udp.SocketAddress{IP: "1.1.1.1", Port: 1}}

	st := h.waitStatus(StatusClosed).(ClosedState)
	if !errors.Is(st.Err, packet.ErrNoSupportedMode) {
		t.Errorf("closed err = %v, want ErrNoSupportedMode", st.Err)
	}
	_, errs, closes := h.recorded()
	if len(errs) != 1 || !errors.Is(errs[0], packet.ErrNoSupportedMode) {
		t.Errorf("errs = %v", errs)
	}
	if len(closes) != 0 {
		t.Errorf("negotiation failure reported a close: %v", closes)
	}
	if len(ws.packets(gateway.OpSelectProtocol)) != 0 {
		t.Error("select protocol sent without a mode")
	}
}

func TestNetworking_DiscoveryFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dialer.signaller(0)
	ws.h.OnOpen()
	ws.receive(t, gateway.OpReady, gateway.Ready{SSRC: 1, IP: "10.0.0.1", Port: 1, Modes: []string{"xsalsa20_poly1305"}})
	h.dialer.datagram(0).discover <- discovery{err: udp.ErrClosed}

	st := h.waitStatus(StatusClosed).(ClosedState)
	if st.Code != gateway.CloseAbnormal {
		t.Errorf("closed code = %d, want %d", st.Code, gateway.CloseAbnormal)
	}
	_, errs, _ := h.recorded()
	if len(errs) == 0 || !errors.Is(errs[0], udp.ErrClosed) {
		t.Errorf("errs = %v", errs)
	}
}

func TestNetworking_MediaSocketClosed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.handshake("xsalsa20_poly1305_lite")
	h.dialer.datagram(0).h.OnClose()

	st := h.waitStatus(StatusClosed).(ClosedState)
	if st.Code != gateway.CloseAbnormal {
		t.Errorf("closed code = %d", st.Code)
	}
	_, errs, _ := h.recorded()
	if len(errs) != 1 || !errors.Is(errs[0], ErrMediaSocketClosed) {
		t.Errorf("errs = %v", errs)
	}
}

func TestNetworking_DestroyAndDetach(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.handshake("xsalsa20_poly1305_lite")

	h.exec(func() {
		h.n.Detach()
		h.n.Destroy()
		h.n.Destroy()
	})
	if s := h.state(); s != (ClosedState{}) {
		t.Errorf("state = %#v, want ClosedState{}", s)
	}
	statuses, _, closes := h.recorded()
	if statuses[len(statuses)-1] != StatusReady {
		t.Errorf("detached negotiator reported %v", statuses[len(statuses)-1])
	}
	if len(closes) != 0 {
		t.Errorf("Destroy reported a close: %v", closes)
	}
	if !h.dialer.signaller(0).isClosed() || !h.dialer.datagram(0).isClosed() {
		t.Error("sockets not closed by Destroy")
	}
}

func TestNetworking_ForwardsPacketsAndDatagrams(t *testing.T) {
	t.Parallel()
	var (
		mu        sync.Mutex
		datagrams int
	)
	h := newHarness(t)
	h.exec(func() {
		h.n.h.OnDatagram = func([]byte) {
			mu.Lock()
			datagrams++
			mu.Unlock()
		}
	})
	h.handshake("xsalsa20_poly1305_lite")

	ws := h.dialer.signaller(0)
	ws.receive(t, gateway.OpSpeaking, gateway.Speaking{Speaking: 1, SSRC: 77, UserID: "other"})
	h.dialer.datagram(0).h.OnMessage([]byte{0x80, 0x78})

	h.mu.Lock()
	last := h.packets[len(h.packets)-1]
	h.mu.Unlock()
	if last != gateway.OpSpeaking {
		t.Errorf("last forwarded packet = %v, want Speaking", last)
	}
	mu.Lock()
	defer mu.Unlock()
	if datagrams != 1 {
		t.Errorf("forwarded %d datagrams, want 1", datagrams)
	}
}

func TestStatus_String(t *testing.T) {
	t.Parallel()
	if StatusUDPHandshaking.String() != "udp_handshaking" {
		t.Errorf("String() = %q", StatusUDPHandshaking.String())
	}
	if Status(42).String() != "Status(42)" {
		t.Errorf("String() = %q", Status(42).String())
	}
}
