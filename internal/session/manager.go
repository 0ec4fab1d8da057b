package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/voice"
)

// ErrNotConnected is returned for guilds without a voice session.
var ErrNotConnected = errors.New("session: not connected in this guild")

// ErrNothingPlaying is returned by Pause, Resume and Stop when the guild's
// player has nothing to act on.
var ErrNothingPlaying = errors.New("session: nothing is playing")

// AdapterSource hands out adapter creators per guild. It is implemented by
// the discord gateway in pkg/voice/discord.
type AdapterSource interface {
	Creator(guildID string) voice.AdapterCreator
}

// Track is attached to every resource as metadata.
type Track struct {
	Title       string
	Source      string
	RequestedBy string
}

// Info describes one guild's voice session.
type Info struct {
	GuildID    string
	ChannelID  string
	StartedBy  string
	StartedAt  time.Time
	Connection voice.ConnectionStatus
	Player     voice.PlayerStatus

	// Track is set while a resource is attached to the player.
	Track    *Track
	Position time.Duration
}

// Settings are the voice options a [Manager] applies when joining and
// playing. They can be replaced at runtime with [Manager.Apply].
type Settings struct {
	Group        string
	SelfDeaf     bool
	SelfMute     bool
	ReadyTimeout time.Duration
	Behaviours   voice.Behaviours
	Resource     []voice.ResourceOption
}

// ManagerConfig holds the dependencies of a [Manager].
type ManagerConfig struct {
	Runtime  *voice.Runtime
	Adapters AdapterSource
	Settings Settings

	// Rejoiner watches every joined connection. May be nil.
	Rejoiner *Rejoiner

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

type guild struct {
	conn      *voice.Connection
	player    *voice.Player
	channelID string
	startedBy string
	startedAt time.Time
	removers  []func()
}

// Manager keeps one voice connection and one player per guild. The player
// survives channel moves and rejoins and is reused for every track.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	rt       *voice.Runtime
	adapters AdapterSource
	rejoiner *Rejoiner
	metrics  *observe.Metrics
	log      *slog.Logger

	mu       sync.Mutex
	settings Settings
	guilds   map[string]*guild
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	met := cfg.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}
	return &Manager{
		rt:       cfg.Runtime,
		adapters: cfg.Adapters,
		rejoiner: cfg.Rejoiner,
		metrics:  met,
		log:      log.With("component", "session_manager"),
		settings: cfg.Settings,
		guilds:   make(map[string]*guild),
	}
}

// Join connects to channelID in guildID, or moves an existing session there,
// and waits until the connection is ready or ReadyTimeout elapses. A
// connection that is not ready in time stays tracked; the rejoiner keeps
// working on it.
func (m *Manager) Join(ctx context.Context, guildID, channelID, userID string) (Info, error) {
	m.mu.Lock()
	settings := m.settings
	g, existed := m.guilds[guildID]
	if !existed {
		g = &guild{
			player:    m.rt.NewPlayer(settings.Behaviours),
			startedBy: userID,
			startedAt: time.Now().UTC(),
		}
		m.guilds[guildID] = g
	}
	g.channelID = channelID
	m.mu.Unlock()

	conn := m.rt.Join(voice.JoinConfig{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfDeaf:  settings.SelfDeaf,
		SelfMute:  settings.SelfMute,
		Group:     settings.Group,
	}, m.adapters.Creator(guildID))

	if !existed {
		m.metrics.GuildPlayers.Add(ctx, 1)
		m.log.Info("voice session started", "guild_id", guildID, "channel_id", channelID, "user_id", userID)
	}
	m.attach(guildID, g, conn)

	if settings.ReadyTimeout > 0 {
		readyCtx, cancel := context.WithTimeout(ctx, settings.ReadyTimeout)
		defer cancel()
		if err := voice.EntersState(readyCtx, conn, voice.StatusReady); err != nil {
			if st, ok := conn.State().(voice.DisconnectedState); ok {
				return m.info(guildID, g), fmt.Errorf("session: join %s: disconnected (%s): %w", guildID, st.Reason, err)
			}
			return m.info(guildID, g), fmt.Errorf("session: join %s: %w", guildID, err)
		}
	}
	return m.info(guildID, g), nil
}

// attach subscribes g's player to conn and registers cleanup for when conn
// gets destroyed. Joining the same guild again yields the same connection,
// in which case nothing changes.
func (m *Manager) attach(guildID string, g *guild, conn *voice.Connection) {
	m.mu.Lock()
	if g.conn == conn {
		m.mu.Unlock()
		return
	}
	g.conn = conn
	m.mu.Unlock()

	conn.Subscribe(g.player)
	if m.rejoiner != nil {
		m.rejoiner.Watch(conn)
	}

	var removers []func()
	removers = append(removers,
		conn.OnStateChange(func(_, newState voice.ConnectionState) {
			if _, destroyed := newState.(voice.DestroyedState); destroyed {
				m.forget(guildID, conn)
			}
		}),
		g.player.OnError(func(err error) {
			m.log.Warn("playback failed", "guild_id", guildID, "err", err)
		}),
	)
	m.mu.Lock()
	g.removers = append(g.removers, removers...)
	m.mu.Unlock()

	// Destroyed before the listener was registered.
	if conn.Status() == voice.StatusDestroyed {
		m.forget(guildID, conn)
	}
}

// forget drops the guild if conn is still its connection and stops its
// player.
func (m *Manager) forget(guildID string, conn *voice.Connection) {
	m.mu.Lock()
	g, ok := m.guilds[guildID]
	if !ok || g.conn != conn {
		m.mu.Unlock()
		return
	}
	delete(m.guilds, guildID)
	removers := g.removers
	g.removers = nil
	m.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	g.player.Stop()
	m.metrics.GuildPlayers.Add(context.Background(), -1)
	m.log.Info("voice session ended", "guild_id", guildID, "duration", time.Since(g.startedAt).Round(time.Second))
}

// Leave destroys the guild's connection and stops its player.
func (m *Manager) Leave(guildID string) error {
	g, err := m.lookup(guildID)
	if err != nil {
		return err
	}
	if err := g.conn.Destroy(); err != nil && !errors.Is(err, voice.ErrConnectionDestroyed) {
		return fmt.Errorf("session: leave %s: %w", guildID, err)
	}
	// The state listener normally does this already.
	m.forget(guildID, g.conn)
	return nil
}

// Play replaces whatever the guild's player is playing with src.
func (m *Manager) Play(ctx context.Context, guildID string, src voice.FrameSource, track Track) error {
	g, err := m.lookup(guildID)
	if err != nil {
		if c, ok := src.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return err
	}

	m.mu.Lock()
	opts := append([]voice.ResourceOption{voice.WithMetadata(track)}, m.settings.Resource...)
	m.mu.Unlock()

	res := voice.NewResource(src, opts...)
	if err := g.player.Play(res); err != nil {
		res.Destroy()
		return fmt.Errorf("session: play in %s: %w", guildID, err)
	}
	m.metrics.RecordPlayback(ctx, track.Source)
	m.log.Info("playback started", "guild_id", guildID, "title", track.Title, "source", track.Source, "user_id", track.RequestedBy)
	return nil
}

// Pause pauses the guild's player, interpolating silence.
func (m *Manager) Pause(guildID string) error {
	g, err := m.lookup(guildID)
	if err != nil {
		return err
	}
	if !g.player.Pause(true) {
		return ErrNothingPlaying
	}
	return nil
}

// Resume undoes [Manager.Pause].
func (m *Manager) Resume(guildID string) error {
	g, err := m.lookup(guildID)
	if err != nil {
		return err
	}
	if !g.player.Unpause() {
		return ErrNothingPlaying
	}
	return nil
}

// Stop ends the current track. The connection stays up.
func (m *Manager) Stop(guildID string) error {
	g, err := m.lookup(guildID)
	if err != nil {
		return err
	}
	if !g.player.Stop() {
		return ErrNothingPlaying
	}
	return nil
}

// Info returns the guild's session.
func (m *Manager) Info(guildID string) (Info, error) {
	g, err := m.lookup(guildID)
	if err != nil {
		return Info{}, err
	}
	return m.info(guildID, g), nil
}

// Guilds returns the number of guilds with a session.
func (m *Manager) Guilds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.guilds)
}

// Apply replaces the settings. New behaviours take effect on all running
// players; the other fields apply to later joins and tracks.
func (m *Manager) Apply(s Settings) {
	m.mu.Lock()
	m.settings = s
	players := make([]*voice.Player, 0, len(m.guilds))
	for _, g := range m.guilds {
		players = append(players, g.player)
	}
	m.mu.Unlock()

	for _, p := range players {
		p.SetBehaviours(s.Behaviours)
	}
	m.log.Info("voice settings applied", "players", len(players), "no_subscriber", s.Behaviours.NoSubscriber.String())
}

// Close destroys every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.guilds))
	for id := range m.guilds {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Leave(id); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) lookup(guildID string) (*guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guilds[guildID]
	if !ok || g.conn == nil {
		return nil, ErrNotConnected
	}
	return g, nil
}

func (m *Manager) info(guildID string, g *guild) Info {
	m.mu.Lock()
	info := Info{
		GuildID:   guildID,
		ChannelID: g.channelID,
		StartedBy: g.startedBy,
		StartedAt: g.startedAt,
	}
	conn, player := g.conn, g.player
	m.mu.Unlock()

	if conn != nil {
		info.Connection = conn.Status()
	}
	state := player.State()
	info.Player = state.Status()
	if res := resourceOf(state); res != nil {
		if t, ok := res.Metadata.(Track); ok {
			info.Track = &t
		}
		info.Position = res.PlaybackDuration()
	}
	return info
}

func resourceOf(s voice.PlayerState) *voice.Resource {
	switch s := s.(type) {
	case voice.BufferingState:
		return s.Resource
	case voice.PlayingState:
		return s.Resource
	case voice.PausedState:
		return s.Resource
	case voice.AutoPausedState:
		return s.Resource
	}
	return nil
}
