// Package app wires the voicelink subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the ops endpoints and Discord interactions until
// the context ends, and Shutdown tears everything down in order.
//
// For testing, inject fakes via functional options (WithBot, WithRuntime,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/discord"
	"github.com/MrWong99/voicelink/internal/discord/commands"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/resilience"
	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/pkg/voice"
)

// Bot is the Discord side of the application. [discord.Bot] implements it.
type Bot interface {
	session.AdapterSource
	commands.VoiceLocator

	Router() *discord.CommandRouter
	Permissions() *discord.PermissionChecker
	Connected() bool
	Run(ctx context.Context) error
	Close() error
}

var _ Bot = (*discord.Bot)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg config.Config
	log *slog.Logger

	// level is adjusted on log level reloads. May be nil.
	level *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	runtime  *voice.Runtime
	bot      Bot
	rejoiner *session.Rejoiner
	sessions *session.Manager
	commands *commands.VoiceCommands
	health   *health.Handler
	metrics  *observe.Metrics
	watcher  *config.Watcher

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metricsHandler http.Handler
	server         *http.Server
	listener      net.Listener

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option is a functional option for New.
type Option func(*App)

// WithBot injects the Discord bot instead of connecting one from config.
func WithBot(b Bot) Option {
	return func(a *App) { a.bot = b }
}

// WithRuntime injects the voice runtime instead of creating one.
func WithRuntime(rt *voice.Runtime) Option {
	return func(a *App) { a.runtime = rt }
}

// WithLogger sets the application logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithLevelVar hands New the level variable behind the logger's handler so
// log level reloads take effect.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMeterProvider sets the provider for the app's and the voice runtime's
// instruments. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *App) { a.meterProvider = mp }
}

// WithTelemetry reports through t: its meter and tracer providers feed the
// app and the voice runtime, and /metrics serves its registry. Without it
// /metrics serves the default Prometheus registry.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.meterProvider = t.MeterProvider()
		a.tracerProvider = t.TracerProvider()
		a.metricsHandler = t.MetricsHandler()
	}
}

// WithWatcher makes Run poll w for config changes. Its onChange callback
// should call [App.Reload].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves the ops endpoints on ln instead of listening on the
// configured address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The Discord session
// is opened here; slash commands are registered once Run starts.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg.WithDefaults(),
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.meterProvider == nil {
		a.meterProvider = otel.GetMeterProvider()
	}
	if a.tracerProvider == nil {
		a.tracerProvider = otel.GetTracerProvider()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	var err error
	a.metrics, err = observe.NewMetrics(a.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}

	if a.runtime == nil {
		a.runtime, err = voice.NewRuntime(
			voice.WithLogger(a.log),
			voice.WithMeterProvider(a.meterProvider),
			voice.WithTracerProvider(a.tracerProvider),
			voice.WithDiscoveryTimeout(a.cfg.Voice.DiscoveryTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("app: create voice runtime: %w", err)
		}
	}

	if a.bot == nil {
		bot, err := discord.New(ctx, discord.Config{
			Token:    a.cfg.Discord.Token,
			GuildID:  a.cfg.Discord.GuildID,
			DJRoleID: a.cfg.Discord.DJRoleID,
			Logger:   a.log,
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.bot = bot
	}

	a.initSessions(ctx)
	a.initServer()

	// Sessions are destroyed before the gateway they signal through goes
	// away.
	a.closers = append(a.closers,
		a.sessions.Close,
		func() error { a.rejoiner.Stop(); return nil },
		a.bot.Close,
	)

	a.log.Info("voicelink initialised",
		"group", a.cfg.Voice.Group,
		"listen_addr", a.cfg.Server.ListenAddr,
		"media_dir", a.cfg.Voice.MediaDir,
	)
	return a, nil
}

// initSessions builds the rejoiner, the session manager and the slash
// commands on top of them.
func (a *App) initSessions(ctx context.Context) {
	rc := a.cfg.Voice.Reconnect
	a.rejoiner = session.NewRejoiner(session.RejoinerConfig{
		MaxRetries:    rc.MaxRetries,
		Backoff:       rc.Backoff,
		MaxBackoff:    rc.MaxBackoff,
		SignalTimeout: rc.SignalTimeout,
		Logger:        a.log,
		OnAttempt: func(result string) {
			a.metrics.RecordRejoin(context.Background(), result)
		},
		OnGiveUp: func(conn *voice.Connection) {
			if err := conn.Destroy(); err != nil && !errors.Is(err, voice.ErrConnectionDestroyed) {
				a.log.Warn("destroy abandoned connection", "guild_id", conn.Config().GuildID, "err", err)
			}
		},
	})

	a.sessions = session.NewManager(session.ManagerConfig{
		Runtime:  a.runtime,
		Adapters: a.bot,
		Settings: settingsFromConfig(a.cfg),
		Rejoiner: a.rejoiner,
		Metrics:  a.metrics,
		Logger:   a.log,
	})

	a.commands = commands.NewVoiceCommands(commands.VoiceCommandsConfig{
		Sessions: a.sessions,
		Perms:    a.bot.Permissions(),
		Locator:  a.bot,
		Metrics:  a.metrics,
		MediaDir: a.cfg.Voice.MediaDir,
		Context:  ctx,
		Breakers: resilience.NewHosts(resilience.Config{
			IsFailure: commands.FetchFailed,
			Logger:    a.log,
		}),
	})
	a.commands.Register(a.bot.Router())
}

// initServer builds the ops HTTP server.
func (a *App) initServer() {
	a.health = health.New(
		health.GatewayChecker(a.bot.Connected),
		health.VoiceChecker(a.runtime, a.cfg.Voice.Group),
	)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)

	ops := observe.Ops(observe.OpsConfig{
		Metrics: a.metrics,
		Tracer:  a.tracerProvider,
		Logger:  a.log,
	})
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           ops(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Sessions returns the voice session manager.
func (a *App) Sessions() *session.Manager {
	return a.sessions
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the ops endpoints, registers the slash commands and polls the
// config watcher until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	a.log.Info("ops server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.bot.Run(gctx)
	})
	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(gctx)
		})
	}

	return g.Wait()
}

// Reload applies a changed config. It is the config watcher's callback.
// Fields that are fixed at startup are only reported.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	next := new.WithDefaults()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(next.Server.LogLevel.Level())
		a.log.Info("log level changed", "level", next.Server.LogLevel)
	}
	a.sessions.Apply(settingsFromConfig(next))
	if d.MediaDirChanged {
		a.commands.SetMediaDir(next.Voice.MediaDir)
		a.log.Info("media directory changed", "media_dir", next.Voice.MediaDir)
	}
	for _, field := range d.RestartRequired {
		a.log.Warn("config change requires a restart", "field", field)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown leaves every voice channel, stops the rejoiner and closes the
// Discord session. It is safe to call more than once; only the first call
// does any work.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// settingsFromConfig converts the voice section of cfg to session settings.
// cfg must have its defaults applied.
func settingsFromConfig(cfg config.Config) session.Settings {
	return session.Settings{
		Group:        cfg.Voice.Group,
		SelfDeaf:     cfg.Voice.SelfDeaf,
		SelfMute:     cfg.Voice.SelfMute,
		ReadyTimeout: cfg.Voice.ReadyTimeout,
		Behaviours:   cfg.Voice.Behaviours(),
		Resource:     cfg.Voice.ResourceOptions(),
	}
}
