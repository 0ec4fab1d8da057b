package session

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/pkg/voice"
	"github.com/MrWong99/voicelink/pkg/voice/clock"
	"github.com/MrWong99/voicelink/pkg/voice/mock"
)

// ── Helpers ──────────────────────────────────────────────────────────────────

type results struct {
	mu   sync.Mutex
	list []string
}

func (r *results) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, s)
}

func (r *results) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.list)
}

type fixture struct {
	clock    *clock.Fake
	rt       *voice.Runtime
	adapter  *mock.Adapter
	rejoiner *Rejoiner
	results  *results
	gaveUp   chan *voice.Connection
}

func newFixture(t *testing.T, cfg RejoinerConfig) *fixture {
	t.Helper()
	rt, err := voice.NewRuntime()
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	f := &fixture{
		clock:   clock.NewFake(time.Unix(1_700_000_000, 0)),
		rt:      rt,
		adapter: &mock.Adapter{},
		results: &results{},
		gaveUp:  make(chan *voice.Connection, 1),
	}
	cfg.Clock = f.clock
	cfg.OnAttempt = f.results.add
	cfg.OnGiveUp = func(c *voice.Connection) { f.gaveUp <- c }
	f.rejoiner = NewRejoiner(cfg)
	t.Cleanup(f.rejoiner.Stop)
	return f
}

// disconnected joins a guild through an adapter that refuses to send, which
// leaves the connection Disconnected{AdapterUnavailable}.
func (f *fixture) disconnected(t *testing.T) *voice.Connection {
	t.Helper()
	f.adapter.SetFail(true)
	conn := f.rt.Join(voice.JoinConfig{GuildID: "g1", ChannelID: "c1"}, f.adapter.Creator())
	if conn.Status() != voice.StatusDisconnected {
		t.Fatalf("status = %v, want disconnected", conn.Status())
	}
	return conn
}

// ── Defaults ─────────────────────────────────────────────────────────────────

func TestNewRejoiner_Defaults(t *testing.T) {
	t.Parallel()
	r := NewRejoiner(RejoinerConfig{})
	if r.cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", r.cfg.MaxRetries)
	}
	if r.cfg.Backoff != time.Second {
		t.Errorf("Backoff = %v, want 1s", r.cfg.Backoff)
	}
	if r.cfg.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", r.cfg.MaxBackoff)
	}
	if r.cfg.SignalTimeout != 15*time.Second {
		t.Errorf("SignalTimeout = %v, want 15s", r.cfg.SignalTimeout)
	}
	if r.cfg.Clock == nil {
		t.Error("Clock not defaulted")
	}
}

func TestRejoiner_Delay(t *testing.T) {
	t.Parallel()
	r := NewRejoiner(RejoinerConfig{Backoff: time.Second, MaxBackoff: 10 * time.Second})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for attempt, w := range want {
		if got := r.delay(attempt); got != w {
			t.Errorf("delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

// ── Rejoining ────────────────────────────────────────────────────────────────

func TestRejoiner_RetriesWithBackoff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, RejoinerConfig{MaxRetries: 5, Backoff: time.Second, MaxBackoff: time.Minute})
	conn := f.disconnected(t)

	f.rejoiner.Watch(conn)
	if f.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", f.clock.Pending())
	}

	// Nothing happens before the first backoff elapses.
	f.clock.Advance(999 * time.Millisecond)
	if len(f.results.get()) != 0 {
		t.Fatalf("attempted early: %v", f.results.get())
	}

	// First attempt fails: the adapter still refuses.
	f.clock.Advance(time.Millisecond)
	if got := f.results.get(); !slices.Equal(got, []string{ResultFailed}) {
		t.Fatalf("results = %v", got)
	}
	if conn.ReconnectAttempts() != 1 {
		t.Errorf("attempts = %d, want 1", conn.ReconnectAttempts())
	}

	// Second attempt after a doubled backoff succeeds.
	f.adapter.SetFail(false)
	f.clock.Advance(1999 * time.Millisecond)
	if len(f.results.get()) != 1 {
		t.Fatal("second attempt before 2s")
	}
	f.clock.Advance(time.Millisecond)
	if got := f.results.get(); !slices.Equal(got, []string{ResultFailed, ResultOK}) {
		t.Fatalf("results = %v", got)
	}
	if conn.Status() != voice.StatusSignalling {
		t.Errorf("status = %v, want signalling", conn.Status())
	}
	if f.clock.Pending() != 0 {
		t.Errorf("pending timers = %d after success", f.clock.Pending())
	}
	if p, ok := f.adapter.LastPayload(); !ok || p.ChannelID != "c1" {
		t.Errorf("last payload = %+v, want a join of c1", p)
	}
}

func TestRejoiner_GivesUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, RejoinerConfig{MaxRetries: 2, Backoff: time.Second, MaxBackoff: time.Minute})
	conn := f.disconnected(t)

	f.rejoiner.Watch(conn)
	f.clock.Advance(time.Second)
	f.clock.Advance(2 * time.Second)

	want := []string{ResultFailed, ResultFailed, ResultExhausted}
	if got := f.results.get(); !slices.Equal(got, want) {
		t.Fatalf("results = %v, want %v", got, want)
	}
	select {
	case c := <-f.gaveUp:
		if c != conn {
			t.Error("OnGiveUp got another connection")
		}
	default:
		t.Fatal("OnGiveUp not called")
	}
	if f.rejoiner.Watching() != 0 {
		t.Errorf("still watching %d connections", f.rejoiner.Watching())
	}
	if f.clock.Pending() != 0 {
		t.Errorf("pending timers = %d", f.clock.Pending())
	}
}

func TestRejoiner_SignalTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, RejoinerConfig{MaxRetries: 2, Backoff: time.Second, MaxBackoff: time.Minute, SignalTimeout: 5 * time.Second})
	conn := f.disconnected(t)
	f.rejoiner.Watch(conn)

	// The join goes out but the gateway never answers.
	f.adapter.SetFail(false)
	f.clock.Advance(time.Second)
	if got := f.results.get(); !slices.Equal(got, []string{ResultOK}) {
		t.Fatalf("results = %v", got)
	}
	if conn.Status() != voice.StatusSignalling {
		t.Fatalf("status = %v, want signalling", conn.Status())
	}
	if f.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want the signal timeout", f.clock.Pending())
	}

	f.clock.Advance(4999 * time.Millisecond)
	if len(f.results.get()) != 1 {
		t.Fatal("timed out early")
	}
	f.clock.Advance(time.Millisecond)
	if got := f.results.get(); !slices.Equal(got, []string{ResultOK, ResultFailed}) {
		t.Fatalf("results after timeout = %v", got)
	}

	// The stalled connection is re-signalled after the doubled backoff.
	sent := len(f.adapter.Payloads())
	f.clock.Advance(2 * time.Second)
	if got := len(f.adapter.Payloads()); got != sent+1 {
		t.Fatalf("payloads = %d, want %d", got, sent+1)
	}
	if conn.ReconnectAttempts() != 2 {
		t.Errorf("attempts = %d, want 2", conn.ReconnectAttempts())
	}

	// A second timeout uses up the retries.
	f.clock.Advance(5 * time.Second)
	want := []string{ResultOK, ResultFailed, ResultOK, ResultFailed, ResultExhausted}
	if got := f.results.get(); !slices.Equal(got, want) {
		t.Fatalf("results = %v, want %v", got, want)
	}
	select {
	case c := <-f.gaveUp:
		if c != conn {
			t.Error("OnGiveUp got another connection")
		}
	default:
		t.Fatal("OnGiveUp not called")
	}
	if f.clock.Pending() != 0 {
		t.Errorf("pending timers = %d", f.clock.Pending())
	}
}

func TestRejoiner_SignalTimeoutClearedOnDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, RejoinerConfig{MaxRetries: 5, Backoff: time.Second, MaxBackoff: time.Minute, SignalTimeout: 5 * time.Second})
	conn := f.disconnected(t)
	f.rejoiner.Watch(conn)
	f.adapter.SetFail(false)
	f.clock.Advance(time.Second)

	// The relay goes away while signalling; the regular backoff takes over.
	f.adapter.Hooks().OnVoiceServerUpdate(voice.VoiceServerUpdate{GuildID: "g1", Token: "t"})
	if conn.Status() != voice.StatusDisconnected {
		t.Fatalf("status = %v, want disconnected", conn.Status())
	}
	if f.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want only the backoff", f.clock.Pending())
	}
	f.clock.Advance(2 * time.Second)
	if got := f.results.get(); !slices.Equal(got, []string{ResultOK, ResultOK}) {
		t.Errorf("results = %v", got)
	}
}

func TestRejoiner_IgnoredDisconnects(t *testing.T) {
	t.Parallel()

	t.Run("manual disconnect", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, RejoinerConfig{})
		conn := f.rt.Join(voice.JoinConfig{GuildID: "g1", ChannelID: "c1"}, f.adapter.Creator())
		f.rejoiner.Watch(conn)
		if !conn.Disconnect() {
			t.Fatal("Disconnect failed")
		}
		if f.clock.Pending() != 0 {
			t.Errorf("pending timers = %d, want 0", f.clock.Pending())
		}
		if f.rejoiner.Watching() != 1 {
			t.Errorf("watching = %d, want 1", f.rejoiner.Watching())
		}
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, RejoinerConfig{MaxRetries: -1})
		f.rejoiner.Watch(f.disconnected(t))
		if f.clock.Pending() != 0 {
			t.Errorf("pending timers = %d, want 0", f.clock.Pending())
		}
	})
}

func TestRejoiner_DestroyStopsWatching(t *testing.T) {
	t.Parallel()
	f := newFixture(t, RejoinerConfig{})
	conn := f.disconnected(t)
	f.rejoiner.Watch(conn)
	f.rejoiner.Watch(conn)
	if f.rejoiner.Watching() != 1 {
		t.Fatalf("watching = %d, want 1", f.rejoiner.Watching())
	}

	if err := conn.Destroy(); err != nil {
		t.Fatal(err)
	}
	if f.rejoiner.Watching() != 0 {
		t.Errorf("watching = %d after destroy", f.rejoiner.Watching())
	}
	if f.clock.Pending() != 0 {
		t.Errorf("pending timers = %d after destroy", f.clock.Pending())
	}
	f.clock.Advance(time.Minute)
	if got := f.results.get(); len(got) != 0 {
		t.Errorf("attempted after destroy: %v", got)
	}
}

func TestRejoiner_Stop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, RejoinerConfig{})
	conn := f.disconnected(t)
	f.rejoiner.Watch(conn)

	f.rejoiner.Stop()
	if f.clock.Pending() != 0 {
		t.Errorf("pending timers = %d after stop", f.clock.Pending())
	}

	// Watching after Stop is a no-op.
	f.rejoiner.Watch(conn)
	if f.rejoiner.Watching() != 0 {
		t.Errorf("watching = %d after stop", f.rejoiner.Watching())
	}
}
