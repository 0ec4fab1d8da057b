// Package discord connects [voice.Connection] to a bwmarrin/discordgo
// session. The session stays responsible for the main gateway; this package
// only forwards the bot's voice state and voice server events to the
// connection of the matching guild and sends voice state updates on its
// behalf.
//
// discordgo's own voice client is not used. Joining goes through
// ChannelVoiceJoinManual so that the voice session is negotiated by
// [voice.Runtime].
package discord

import (
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicelink/pkg/voice"
)

// Session is the subset of *discordgo.Session the gateway needs.
type Session interface {
	AddHandler(handler any) func()
	ChannelVoiceJoinManual(gID, cID string, mute, deaf bool) error
}

// Compile-time interface assertion.
var _ Session = (*discordgo.Session)(nil)

// Gateway hands out [voice.AdapterCreator]s backed by one session.
//
// Gateway is safe for concurrent use.
type Gateway struct {
	session Session
	userID  string
	log     *slog.Logger

	mu       sync.Mutex
	adapters map[string]*adapter
	remove   []func()
	closed   bool
	// down is set between a gateway Disconnect and the next Ready or
	// Resumed. Voice state updates fail meanwhile.
	down bool
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// New registers event handlers on s. userID is the bot's own user id; voice
// state updates of other users are ignored.
func New(s Session, userID string, opts ...Option) *Gateway {
	g := &Gateway{
		session:  s,
		userID:   userID,
		log:      slog.Default(),
		adapters: make(map[string]*adapter),
	}
	for _, o := range opts {
		o(g)
	}
	g.remove = []func(){
		s.AddHandler(g.onVoiceServerUpdate),
		s.AddHandler(g.onVoiceStateUpdate),
		s.AddHandler(g.onDisconnect),
		s.AddHandler(g.onReady),
		s.AddHandler(g.onResumed),
	}
	return g
}

// Creator returns the adapter creator for guildID. Pass it to
// [voice.Runtime.Join].
func (g *Gateway) Creator(guildID string) voice.AdapterCreator {
	return func(hooks voice.AdapterHooks) voice.Adapter {
		a := &adapter{g: g, guildID: guildID, hooks: hooks}
		g.mu.Lock()
		defer g.mu.Unlock()
		g.adapters[guildID] = a
		return a
	}
}

// Guilds returns the number of guilds with a live adapter.
func (g *Gateway) Guilds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.adapters)
}

// Close removes the event handlers and destroys every connection that still
// has an adapter.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	remove := g.remove
	g.mu.Unlock()

	for _, r := range remove {
		r()
	}
	g.destroyAll()
}

func (g *Gateway) lookup(guildID string) *adapter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adapters[guildID]
}

func (g *Gateway) onVoiceServerUpdate(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
	a := g.lookup(e.GuildID)
	if a == nil {
		return
	}
	a.hooks.OnVoiceServerUpdate(voice.VoiceServerUpdate{
		GuildID:  e.GuildID,
		Token:    e.Token,
		Endpoint: e.Endpoint,
	})
}

func (g *Gateway) onVoiceStateUpdate(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if e.VoiceState == nil || e.UserID != g.userID {
		return
	}
	a := g.lookup(e.GuildID)
	if a == nil {
		return
	}
	a.hooks.OnVoiceStateUpdate(voice.VoiceState{
		GuildID:   e.GuildID,
		ChannelID: e.ChannelID,
		UserID:    e.UserID,
		SessionID: e.SessionID,
		SelfDeaf:  e.SelfDeaf,
		SelfMute:  e.SelfMute,
	})
}

// onDisconnect only marks the gateway as down. discordgo reconnects on its
// own; the voice connections stay and either keep their relay session or
// fail over to Disconnected{AdapterUnavailable} on their next voice state
// update.
func (g *Gateway) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	g.mu.Lock()
	g.down = true
	n := len(g.adapters)
	g.mu.Unlock()
	g.log.Warn("discord: gateway disconnected, holding voice connections", "guilds", n)
}

// onReady follows a fresh identify. The old gateway session id is void, so
// every guild that was in a channel asks to join it again; the state and
// server updates that follow renegotiate the relay session.
func (g *Gateway) onReady(_ *discordgo.Session, _ *discordgo.Ready) {
	for _, p := range g.up() {
		if err := g.session.ChannelVoiceJoinManual(p.GuildID, p.ChannelID, p.SelfMute, p.SelfDeaf); err != nil {
			g.log.Warn("discord: rejoin after reconnect failed", "guild_id", p.GuildID, "err", err)
			continue
		}
		g.log.Info("discord: rejoining after reconnect", "guild_id", p.GuildID, "channel_id", p.ChannelID)
	}
}

// onResumed keeps the gateway session, and with it every voice state.
func (g *Gateway) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	g.up()
	g.log.Info("discord: gateway resumed")
}

// up clears the down flag and returns the last join payload of every guild
// that is in a channel.
func (g *Gateway) up() []voice.VoiceStateUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down = false
	var joins []voice.VoiceStateUpdate
	for _, a := range g.adapters {
		if a.last.ChannelID != "" {
			joins = append(joins, a.last)
		}
	}
	return joins
}

func (g *Gateway) destroyAll() {
	g.mu.Lock()
	all := make([]*adapter, 0, len(g.adapters))
	for _, a := range g.adapters {
		all = append(all, a)
	}
	g.mu.Unlock()

	for _, a := range all {
		a.hooks.Destroy()
	}
}

// adapter is the per-guild [voice.Adapter].
type adapter struct {
	g       *Gateway
	guildID string
	hooks   voice.AdapterHooks

	// last is the most recent payload that reached the gateway. Guarded by
	// g.mu.
	last voice.VoiceStateUpdate
}

func (a *adapter) SendPayload(p voice.VoiceStateUpdate) bool {
	a.g.mu.Lock()
	down := a.g.down
	a.g.mu.Unlock()
	if down {
		a.g.log.Debug("discord: gateway down, voice state update dropped", "guild_id", p.GuildID)
		return false
	}
	if err := a.g.session.ChannelVoiceJoinManual(p.GuildID, p.ChannelID, p.SelfMute, p.SelfDeaf); err != nil {
		a.g.log.Warn("discord: voice state update failed", "guild_id", p.GuildID, "err", err)
		return false
	}
	a.g.mu.Lock()
	a.last = p
	a.g.mu.Unlock()
	return true
}

func (a *adapter) Destroy() {
	a.g.mu.Lock()
	defer a.g.mu.Unlock()
	if a.g.adapters[a.guildID] == a {
		delete(a.g.adapters, a.guildID)
	}
}
