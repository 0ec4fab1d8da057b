// Package discord provides the Discord bot layer for voicelink. It owns the
// discordgo.Session lifecycle, hands the session to the voice gateway
// adapter, routes slash command interactions to registered handlers, and
// checks DJ role permissions.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicelink/pkg/voice"
	voicediscord "github.com/MrWong99/voicelink/pkg/voice/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID restricts command registration to one guild. Empty registers
	// global commands.
	GuildID string

	// DJRoleID is the role allowed to control playback. Empty allows everyone.
	DJRoleID string

	Logger *slog.Logger
}

// Bot owns the Discord gateway connection and routes interactions
// to registered command handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	gateway   *voicediscord.Gateway
	router    *CommandRouter
	perms     *PermissionChecker
	guildID   string
	userID    string
	log       *slog.Logger
	commands  []*discordgo.ApplicationCommand
	connected atomic.Bool
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the interaction handler.
func New(_ context.Context, cfg Config) (*Bot, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuilds

	b := &Bot{
		session: session,
		router:  NewCommandRouter(),
		perms:   NewPermissionChecker(cfg.DJRoleID),
		guildID: cfg.GuildID,
		log:     log,
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) {
		b.connected.Store(true)
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.connected.Store(false)
		b.log.Warn("discord: gateway disconnected")
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	b.connected.Store(true)

	me, err := session.User("@me")
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("discord: fetch bot user: %w", err)
	}
	b.userID = me.ID
	b.gateway = voicediscord.New(session, me.ID, voicediscord.WithLogger(log))

	log.Info("discord bot connected", "user", me.Username, "user_id", me.ID)
	return b, nil
}

// Creator returns the voice adapter for guildID, backed by this bot's
// session.
func (b *Bot) Creator(guildID string) voice.AdapterCreator {
	return b.gateway.Creator(guildID)
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// Connected reports whether the main gateway connection is up.
func (b *Bot) Connected() bool {
	return b.connected.Load()
}

// VoiceChannel returns the voice channel userID is in, from the session's
// state cache.
func (b *Bot) VoiceChannel(guildID, userID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	vs, err := b.session.State.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(b.userID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		b.log.Info("discord commands registered", "count", len(registered), "guild_id", b.guildID)
	}

	<-ctx.Done()
	return nil
}

// Close unregisters commands, detaches the voice gateway and disconnects
// from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for _, cmd := range b.commands {
			if err := b.session.ApplicationCommandDelete(b.userID, b.guildID, cmd.ID); err != nil {
				b.log.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
			}
		}

		if b.gateway != nil {
			b.gateway.Close()
		}

		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		b.connected.Store(false)

		b.log.Info("discord bot closed")
	})
	return closeErr
}
