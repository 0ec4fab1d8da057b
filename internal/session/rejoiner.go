// Package session keeps voice sessions alive: it watches connections and
// re-signals those that drop into Disconnected.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/voice"
	"github.com/MrWong99/voicelink/pkg/voice/clock"
)

// Default rejoin parameters.
const (
	defaultMaxRetries    = 5
	defaultBackoff       = 1 * time.Second
	defaultMaxBackoff    = 30 * time.Second
	defaultSignalTimeout = 15 * time.Second
)

// closeKicked is the relay close code sent when the bot was removed from the
// channel by someone else.
const closeKicked = 4014

// Rejoin attempt outcomes passed to [RejoinerConfig.OnAttempt].
const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultExhausted = "exhausted"
)

// RejoinerConfig configures a [Rejoiner].
type RejoinerConfig struct {
	// MaxRetries is the number of consecutive attempts before giving up.
	// Defaults to 5 if zero. A negative value disables rejoining.
	MaxRetries int

	// Backoff is the delay before the first attempt. It doubles with every
	// failed attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// SignalTimeout is how long a re-signalled connection may take to become
	// Ready. A connection still signalling or connecting after it counts as
	// a failed attempt and is re-signalled after the next backoff. Defaults
	// to 15s if zero.
	SignalTimeout time.Duration

	// Clock schedules attempts. Defaults to the real clock.
	Clock clock.Clock

	Logger *slog.Logger

	// OnAttempt is called with ResultOK or ResultFailed after every attempt
	// and with ResultExhausted when a connection is given up. May be nil.
	OnAttempt func(result string)

	// OnGiveUp is called once a connection used up its retries. May be nil.
	OnGiveUp func(*voice.Connection)
}

// Rejoiner re-signals watched connections that land in Disconnected, waiting
// an exponentially growing backoff before each try. The attempt count is the
// connection's own [voice.Connection.ReconnectAttempts], which resets once
// it becomes ready again.
//
// Manual disconnects and kicks (close code 4014) are left alone.
//
// All methods are safe for concurrent use.
type Rejoiner struct {
	cfg RejoinerConfig
	log *slog.Logger

	mu      sync.Mutex
	watches map[*voice.Connection]*watch
	stopped bool
}

type watch struct {
	unsubscribe func()
	timer       clock.Timer
	inflight    bool

	// deadline fires when a re-signalled connection is not Ready in time.
	deadline clock.Timer
	// stalled is set once deadline fired, until the connection is Ready.
	stalled bool
}

// NewRejoiner creates a [Rejoiner]. Connections are added with
// [Rejoiner.Watch].
func NewRejoiner(cfg RejoinerConfig) *Rejoiner {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = defaultSignalTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Rejoiner{
		cfg:     cfg,
		log:     log.With("component", "rejoiner"),
		watches: make(map[*voice.Connection]*watch),
	}
}

// Watch starts monitoring conn until it is destroyed or [Rejoiner.Stop] is
// called. Watching a connection twice has no effect. A connection that is
// already Disconnected is scheduled immediately.
func (r *Rejoiner) Watch(conn *voice.Connection) {
	r.mu.Lock()
	if r.stopped || r.watches[conn] != nil {
		r.mu.Unlock()
		return
	}
	w := &watch{}
	r.watches[conn] = w
	r.mu.Unlock()

	unsubscribe := conn.OnStateChange(func(_, newState voice.ConnectionState) {
		r.onState(conn, newState)
	})

	r.mu.Lock()
	if r.watches[conn] != w {
		// Destroyed or stopped while subscribing.
		r.mu.Unlock()
		unsubscribe()
		return
	}
	w.unsubscribe = unsubscribe
	r.mu.Unlock()

	r.onState(conn, conn.State())
}

// Watching reports how many connections are monitored.
func (r *Rejoiner) Watching() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

// Stop cancels pending attempts and stops watching every connection.
func (r *Rejoiner) Stop() {
	r.mu.Lock()
	r.stopped = true
	watches := r.watches
	r.watches = make(map[*voice.Connection]*watch)
	r.mu.Unlock()

	for _, w := range watches {
		w.cancel()
	}
}

func (w *watch) cancel() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.stopDeadline()
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
}

// stopDeadline must be called with r.mu held, or after the watch was removed.
func (w *watch) stopDeadline() {
	if w.deadline != nil {
		w.deadline.Stop()
		w.deadline = nil
	}
}

func (r *Rejoiner) onState(conn *voice.Connection, s voice.ConnectionState) {
	switch s.(type) {
	case voice.ReadyState, voice.DisconnectedState:
		r.mu.Lock()
		if w := r.watches[conn]; w != nil {
			w.stopDeadline()
			if _, ready := s.(voice.ReadyState); ready {
				w.stalled = false
			}
		}
		r.mu.Unlock()
	}

	switch s := s.(type) {
	case voice.DestroyedState:
		r.mu.Lock()
		w := r.watches[conn]
		delete(r.watches, conn)
		r.mu.Unlock()
		if w != nil {
			w.cancel()
		}
	case voice.DisconnectedState:
		if s.Reason == voice.ReasonManual {
			return
		}
		if s.Reason == voice.ReasonWebSocketClose && s.CloseCode == closeKicked {
			r.log.Info("voice: not rejoining after kick", "guild_id", conn.Config().GuildID)
			return
		}
		r.schedule(conn)
	}
}

// schedule arms the next attempt unless one is pending or running.
func (r *Rejoiner) schedule(conn *voice.Connection) {
	if r.cfg.MaxRetries < 0 || !r.idle(conn) {
		return
	}
	attempt := conn.ReconnectAttempts()
	guildID := conn.Config().GuildID
	if attempt >= r.cfg.MaxRetries {
		r.giveUp(conn, guildID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.watches[conn]
	if w == nil || w.timer != nil || w.inflight {
		return
	}
	delay := r.delay(attempt)
	r.log.Info("voice: scheduling rejoin",
		"guild_id", guildID,
		"attempt", attempt+1,
		"max_retries", r.cfg.MaxRetries,
		"backoff", delay,
	)
	w.timer = r.cfg.Clock.AfterFunc(delay, func() { r.attempt(conn, w) })
}

// idle reports whether conn is watched with no attempt pending or running.
func (r *Rejoiner) idle(conn *voice.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.watches[conn]
	return w != nil && w.timer == nil && !w.inflight
}

func (r *Rejoiner) attempt(conn *voice.Connection, w *watch) {
	r.mu.Lock()
	if r.watches[conn] != w {
		r.mu.Unlock()
		return
	}
	w.timer = nil
	w.inflight = true
	stalled := w.stalled
	r.mu.Unlock()

	tried, ok := false, false
	switch conn.State().(type) {
	case voice.DisconnectedState:
		tried, ok = true, conn.Reconnect()
	case voice.SignallingState, voice.ConnectingState:
		if stalled {
			tried, ok = true, conn.Rejoin(nil)
		}
	}
	if tried {
		if ok {
			r.report(ResultOK)
		} else {
			r.report(ResultFailed)
			r.log.Warn("voice: rejoin attempt failed",
				"guild_id", conn.Config().GuildID,
				"attempt", conn.ReconnectAttempts(),
			)
		}
	}

	r.mu.Lock()
	w.inflight = false
	if ok && r.watches[conn] == w {
		w.stopDeadline()
		w.deadline = r.cfg.Clock.AfterFunc(r.cfg.SignalTimeout, func() { r.expire(conn, w) })
	}
	r.mu.Unlock()

	if !ok {
		if _, disconnected := conn.State().(voice.DisconnectedState); disconnected {
			r.schedule(conn)
		}
	}
}

// expire runs when a re-signalled connection missed its signal timeout.
func (r *Rejoiner) expire(conn *voice.Connection, w *watch) {
	r.mu.Lock()
	if r.watches[conn] != w || w.deadline == nil {
		r.mu.Unlock()
		return
	}
	w.deadline = nil
	switch conn.State().(type) {
	case voice.SignallingState, voice.ConnectingState:
	default:
		r.mu.Unlock()
		return
	}
	w.stalled = true
	r.mu.Unlock()

	r.log.Warn("voice: rejoin timed out",
		"guild_id", conn.Config().GuildID,
		"attempt", conn.ReconnectAttempts(),
		"timeout", r.cfg.SignalTimeout,
	)
	r.report(ResultFailed)
	r.schedule(conn)
}

func (r *Rejoiner) giveUp(conn *voice.Connection, guildID string) {
	r.mu.Lock()
	w := r.watches[conn]
	delete(r.watches, conn)
	r.mu.Unlock()
	if w == nil {
		return
	}
	w.cancel()

	r.log.Error("voice: rejoin failed after max retries",
		"guild_id", guildID,
		"max_retries", r.cfg.MaxRetries,
	)
	r.report(ResultExhausted)
	if r.cfg.OnGiveUp != nil {
		r.cfg.OnGiveUp(conn)
	}
}

// delay returns Backoff doubled attempt times, capped at MaxBackoff.
func (r *Rejoiner) delay(attempt int) time.Duration {
	d := r.cfg.Backoff
	for range attempt {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return min(d, r.cfg.MaxBackoff)
}

func (r *Rejoiner) report(result string) {
	if r.cfg.OnAttempt != nil {
		r.cfg.OnAttempt(result)
	}
}
