package voice

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/pkg/voice/clock"
	"github.com/MrWong99/voicelink/pkg/voice/gateway"
	"github.com/MrWong99/voicelink/pkg/voice/packet"
	"github.com/MrWong99/voicelink/pkg/voice/voicetest"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeAdapter struct {
	mu        sync.Mutex
	hooks     AdapterHooks
	payloads  []VoiceStateUpdate
	fail      bool
	destroyed int
}

func (a *fakeAdapter) SendPayload(p VoiceStateUpdate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, p)
	return !a.fail
}

func (a *fakeAdapter) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed++
}

func (a *fakeAdapter) setFail(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = v
}

func (a *fakeAdapter) Payloads() []VoiceStateUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]VoiceStateUpdate(nil), a.payloads...)
}

func (a *fakeAdapter) Destroyed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

// chanSource yields frames pushed with push. It blocks when empty and ends
// with io.EOF after end.
type chanSource struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan []byte, 64), done: make(chan struct{})}
}

func (s *chanSource) push(frames ...[]byte) {
	for _, f := range frames {
		s.ch <- f
	}
}

func (s *chanSource) end() { s.endOnce.Do(func() { close(s.ch) }) }

func (s *chanSource) ReadFrame() ([]byte, error) {
	select {
	case f, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-s.done:
		return nil, io.ErrClosedPipe
	}
}

func (s *chanSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *chanSource) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// endless never runs dry.
func endless(frame byte) FrameSource {
	return FrameSourceFunc(func() ([]byte, error) { return []byte{frame}, nil })
}

// recorder collects values delivered by listeners on any goroutine.
type recorder[T any] struct {
	mu   sync.Mutex
	list []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, v)
}

func (r *recorder[T]) get() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.list...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

// ── Harness ──────────────────────────────────────────────────────────────────

var testKey = func() (k [packet.KeySize]byte) {
	for i := range k {
		k[i] = byte(i + 1)
	}
	return k
}()

type harness struct {
	t      *testing.T
	rt     *Runtime
	clock  *clock.Fake
	dialer *voicetest.Dialer
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	d := &voicetest.Dialer{}
	opts = append([]Option{
		WithClock(clk),
		WithDialer(d),
		WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	rt, err := NewRuntime(opts...)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return &harness{t: t, rt: rt, clock: clk, dialer: d}
}

func (h *harness) join(guildID string) (*Connection, *fakeAdapter) {
	h.t.Helper()
	a := &fakeAdapter{}
	c := h.rt.Join(JoinConfig{GuildID: guildID, ChannelID: "chan-" + guildID}, func(hooks AdapterHooks) Adapter {
		a.hooks = hooks
		return a
	})
	return c, a
}

// signal delivers the voice state and voice server updates.
func (h *harness) signal(guildID string, a *fakeAdapter) {
	a.hooks.OnVoiceStateUpdate(VoiceState{GuildID: guildID, ChannelID: "chan-" + guildID, UserID: "bot", SessionID: "sess-" + guildID})
	a.hooks.OnVoiceServerUpdate(VoiceServerUpdate{GuildID: guildID, Token: "tok-" + guildID, Endpoint: "voice.example.test"})
}

// ready joins guildID and completes the handshake.
func (h *harness) ready(guildID string, ssrc uint32) (*Connection, *fakeAdapter) {
	h.t.Helper()
	c, a := h.join(guildID)
	h.signal(guildID, a)
	if err := h.dialer.Handshake(ssrc, packet.ModeLite, testKey); err != nil {
		h.t.Fatalf("Handshake: %v", err)
	}
	if got := c.Status(); got != StatusReady {
		h.t.Fatalf("status after handshake = %v, want ready", got)
	}
	return c, a
}

// await fails the test unless target reaches status within a second.
func await[S comparable](t *testing.T, target Waitable[S], status S) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := EntersState(ctx, target, status); err != nil {
		t.Fatalf("EntersState(%v): %v (now %v)", status, err, target.Status())
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// buffered reports how many frames res has read ahead.
func buffered(res *Resource) int { return len(res.frames) }

func sourceDone(res *Resource) bool {
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.srcDone
}

// opened decrypts every datagram sent on the newest media socket.
func opened(t *testing.T, d *voicetest.Datagram) [][]byte {
	t.Helper()
	var out [][]byte
	for _, pkt := range d.Sent() {
		_, opus, err := packet.Open(packet.ModeLite, testKey, pkt)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		out = append(out, opus)
	}
	return out
}

// speakingFlags returns the speaking values announced on s.
func speakingFlags(t *testing.T, s *voicetest.Signaller) []int {
	t.Helper()
	var out []int
	for _, raw := range s.Sent(gateway.OpSpeaking) {
		var sp gateway.Speaking
		if err := json.Unmarshal(raw, &sp); err != nil {
			t.Fatalf("unmarshal speaking: %v", err)
		}
		out = append(out, sp.Speaking)
	}
	return out
}

func isSilence(b []byte) bool {
	return len(b) == len(SilenceFrame) && b[0] == SilenceFrame[0] && b[1] == SilenceFrame[1] && b[2] == SilenceFrame[2]
}
