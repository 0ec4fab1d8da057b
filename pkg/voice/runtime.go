// Package voice is the client side of a voice session: [Connection] tracks
// one guild's session through signalling, negotiation and reconnection, and
// [Player] schedules Opus frames from a [Resource] onto every connection
// subscribed to it.
//
// All connections and players created from one [Runtime] share a single
// logical thread. Socket and timer goroutines re-enter the runtime through a
// mutex, and listeners registered with OnStateChange or OnError run after
// that mutex is released, in the order their events happened, so they may
// call back into any exported method. Listeners must not block waiting for
// a later event.
//
// The runtime also owns the dispatch clock. Every 20ms it first asks each
// active player to dispatch the packet prepared during the previous cycle on
// all of its connections, then lets each player prepare its next packet.
// The clock is anchored to an absolute time that advances by exactly one
// frame per cycle, so processing jitter never accumulates into drift.
package voice

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicelink/pkg/voice/clock"
	"github.com/MrWong99/voicelink/pkg/voice/networking"
)

// FrameDuration is the length of audio carried by one Opus frame and the
// period of the dispatch clock.
const FrameDuration = 20 * time.Millisecond

// DefaultGroup is the connection group used when [JoinConfig.Group] is
// empty.
const DefaultGroup = "default"

// Runtime owns the connection registry, the set of active players and the
// dispatch clock.
type Runtime struct {
	mu       sync.Mutex
	pending  []func()
	draining bool

	clock            clock.Clock
	log              *slog.Logger
	meterProvider    metric.MeterProvider
	metrics          *metrics
	tracer           trace.Tracer
	dialer           networking.Dialer
	discoveryTimeout time.Duration

	groups  map[string]map[string]*Connection
	players []*Player

	nextTime time.Time
	cycleGen uint64
	timer    clock.Timer

	// onStep, when set, is called before every player step with "dispatch"
	// or "prepare".
	onStep func(phase string, p *Player)
}

// Option configures a [Runtime].
type Option func(*Runtime)

// WithClock replaces the time source. Defaults to [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMeterProvider sets the provider for the runtime's instruments.
// Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Runtime) { r.meterProvider = mp }
}

// WithTracerProvider sets the provider of the handshake spans. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runtime) {
		if tp != nil {
			r.tracer = tp.Tracer(networking.TracerName)
		}
	}
}

// WithDialer replaces the socket dialer used by every negotiator.
func WithDialer(d networking.Dialer) Option {
	return func(r *Runtime) { r.dialer = d }
}

// WithDiscoveryTimeout bounds IP discovery for every negotiator.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.discoveryTimeout = d }
}

// NewRuntime returns an empty runtime. The dispatch clock stays idle until a
// player starts playing.
func NewRuntime(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		clock:  clock.Real(),
		log:    slog.Default(),
		groups: make(map[string]map[string]*Connection),
	}
	for _, o := range opts {
		o(r)
	}
	if r.meterProvider == nil {
		r.meterProvider = otel.GetMeterProvider()
	}
	m, err := newMetrics(r.meterProvider)
	if err != nil {
		return nil, err
	}
	r.metrics = m
	return r, nil
}

// exec runs fn inside the runtime's critical section, then delivers the
// callbacks fn queued with emit outside of it. Deliveries from concurrent
// exec calls are serialized in queue order: whichever caller is already
// delivering also delivers what others queue in the meantime.
func (r *Runtime) exec(fn func()) {
	if r.run(fn) {
		r.drain()
	}
}

// run executes fn under the lock and reports whether the caller must drain
// the queue.
func (r *Runtime) run(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
	if r.draining || len(r.pending) == 0 {
		return false
	}
	r.draining = true
	return true
}

func (r *Runtime) drain() {
	defer func() {
		if p := recover(); p != nil {
			r.mu.Lock()
			r.draining = false
			r.mu.Unlock()
			panic(p)
		}
	}()
	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		if len(batch) == 0 {
			r.draining = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		for _, f := range batch {
			f()
		}
	}
}

// emit queues fn to run after the current critical section.
func (r *Runtime) emit(fn func()) {
	r.pending = append(r.pending, fn)
}

func (r *Runtime) networkingOptions(log *slog.Logger) []networking.Option {
	opts := []networking.Option{networking.WithLogger(log)}
	if r.dialer != nil {
		opts = append(opts, networking.WithDialer(r.dialer))
	}
	if r.discoveryTimeout > 0 {
		opts = append(opts, networking.WithDiscoveryTimeout(r.discoveryTimeout))
	}
	if r.tracer != nil {
		opts = append(opts, networking.WithTracer(r.tracer))
	}
	return opts
}

// --- Registry ---

// Connection returns the live connection for guildID in group. An empty
// group means [DefaultGroup].
func (r *Runtime) Connection(guildID, group string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(group, guildID)
	return c, c != nil
}

// Connections returns the live connections of group keyed by guild id.
func (r *Runtime) Connections(group string) map[string]*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if group == "" {
		group = DefaultGroup
	}
	return maps.Clone(r.groups[group])
}

// Groups returns the names of every group holding at least one connection.
func (r *Runtime) Groups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.groups))
}

func (r *Runtime) lookup(group, guildID string) *Connection {
	if group == "" {
		group = DefaultGroup
	}
	return r.groups[group][guildID]
}

func (r *Runtime) track(c *Connection) {
	g := r.groups[c.config.Group]
	if g == nil {
		g = make(map[string]*Connection)
		r.groups[c.config.Group] = g
	}
	g[c.config.GuildID] = c
}

func (r *Runtime) untrack(c *Connection) {
	g := r.groups[c.config.Group]
	if g[c.config.GuildID] != c {
		return
	}
	delete(g, c.config.GuildID)
	if len(g) == 0 {
		delete(r.groups, c.config.Group)
	}
}

// --- Dispatch clock ---

// Players returns the players currently registered with the dispatch clock.
func (r *Runtime) Players() []*Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.players)
}

// addPlayer registers p with the clock. The first player starts it.
func (r *Runtime) addPlayer(p *Player) {
	if slices.Contains(r.players, p) {
		return
	}
	r.players = append(r.players, p)
	r.metrics.activePlayers.Add(bg, 1)
	if len(r.players) > 1 {
		return
	}
	r.nextTime = r.clock.Now()
	r.cycleGen++
	gen := r.cycleGen
	r.timer = r.clock.AfterFunc(0, func() { r.cycle(gen) })
	r.log.Debug("voice: dispatch clock started")
}

// deletePlayer removes p from the clock. Removing the last player stops it.
func (r *Runtime) deletePlayer(p *Player) {
	i := slices.Index(r.players, p)
	if i < 0 {
		return
	}
	r.players = slices.Delete(r.players, i, i+1)
	r.metrics.activePlayers.Add(bg, -1)
	if len(r.players) > 0 {
		return
	}
	r.nextTime = time.Time{}
	r.cycleGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.log.Debug("voice: dispatch clock stopped")
}

// cycle runs one 20ms step: every playable player dispatches, then each
// player prepares in its own critical section, then the next cycle is
// scheduled at the advanced anchor.
func (r *Runtime) cycle(gen uint64) {
	var active []*Player
	stale := false
	r.exec(func() {
		if gen != r.cycleGen || r.nextTime.IsZero() {
			stale = true
			return
		}
		late := r.clock.Now().Sub(r.nextTime)
		r.metrics.cycleLateness.Record(bg, max(late, 0).Seconds())
		r.nextTime = r.nextTime.Add(FrameDuration)

		for _, p := range slices.Clone(r.players) {
			if p.checkPlayable() {
				active = append(active, p)
			}
		}
		for _, p := range active {
			r.step("dispatch", p)
			p.stepDispatch()
		}
	})
	if stale {
		return
	}

	for _, p := range active {
		r.exec(func() {
			if gen != r.cycleGen {
				return
			}
			r.step("prepare", p)
			p.stepPrepare()
		})
	}

	r.exec(func() {
		if gen != r.cycleGen {
			return
		}
		r.timer = r.clock.AfterFunc(r.nextTime.Sub(r.clock.Now()), func() { r.cycle(gen) })
	})
}

func (r *Runtime) step(phase string, p *Player) {
	if r.onStep != nil {
		r.onStep(phase, p)
	}
}
