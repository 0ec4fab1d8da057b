// Package commands implements the voicelink slash commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicelink/internal/discord"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/resilience"
	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/pkg/audio"
)

// Button custom IDs of the player controls.
const (
	ButtonPause  = "player:pause"
	ButtonResume = "player:resume"
	ButtonStop   = "player:stop"
)

// Command outcomes recorded in the voicelink.commands metric.
const (
	statusOK      = "ok"
	statusDenied  = "denied"
	statusInvalid = "invalid"
	statusError   = "error"
)

// maxChoices is Discord's limit for autocomplete results.
const maxChoices = 25

// VoiceLocator finds the voice channel a user is connected to.
type VoiceLocator interface {
	VoiceChannel(guildID, userID string) (string, bool)
}

// Opener resolves a /play reference to a frame source. [audio.Open]
// satisfies it.
type Opener func(ctx context.Context, ref string, opts ...audio.OpenOption) (audio.Source, audio.StreamType, error)

// VoiceCommandsConfig holds the dependencies of [VoiceCommands].
type VoiceCommandsConfig struct {
	Sessions *session.Manager
	Perms    *discord.PermissionChecker
	Locator  VoiceLocator

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MediaDir is the directory local files are played from. Empty allows
	// URLs and attachments only.
	MediaDir string

	// Context bounds downloads started by /play, which run for as long as
	// the track plays. Defaults to context.Background.
	Context context.Context

	// Open defaults to [audio.Open].
	Open       Opener
	HTTPClient *http.Client

	// Breakers guards URL fetches per host. Nil fetches unguarded.
	Breakers *resilience.Hosts
}

// VoiceCommands holds the dependencies for the voice slash commands.
type VoiceCommands struct {
	sessions *session.Manager
	perms    *discord.PermissionChecker
	locator  VoiceLocator
	metrics  *observe.Metrics
	ctx      context.Context
	open     Opener
	client   *http.Client
	breakers *resilience.Hosts
	mediaDir atomic.Pointer[string]
}

// NewVoiceCommands creates a VoiceCommands. Call [VoiceCommands.Register]
// to route interactions to it.
func NewVoiceCommands(cfg VoiceCommandsConfig) *VoiceCommands {
	vc := &VoiceCommands{
		sessions: cfg.Sessions,
		perms:    cfg.Perms,
		locator:  cfg.Locator,
		metrics:  cfg.Metrics,
		ctx:      cfg.Context,
		open:     cfg.Open,
		client:   cfg.HTTPClient,
		breakers: cfg.Breakers,
	}
	if vc.metrics == nil {
		vc.metrics = observe.DefaultMetrics()
	}
	if vc.ctx == nil {
		vc.ctx = context.Background()
	}
	if vc.open == nil {
		vc.open = audio.Open
	}
	if vc.client == nil {
		vc.client = http.DefaultClient
	}
	vc.SetMediaDir(cfg.MediaDir)
	return vc
}

// SetMediaDir changes the directory local files are played from.
func (vc *VoiceCommands) SetMediaDir(dir string) {
	vc.mediaDir.Store(&dir)
}

// MediaDir returns the current media directory.
func (vc *VoiceCommands) MediaDir() string {
	return *vc.mediaDir.Load()
}

// Register registers the voice commands and player buttons with the router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	defs := vc.Definitions()
	handlers := map[string]discord.HandlerFunc{
		"join":       vc.instrument("join", vc.handleJoin),
		"leave":      vc.instrument("leave", vc.handleLeave),
		"play":       vc.instrument("play", vc.handlePlay),
		"pause":      vc.instrument("pause", vc.handlePause),
		"resume":     vc.instrument("resume", vc.handleResume),
		"stop":       vc.instrument("stop", vc.handleStop),
		"nowplaying": vc.instrument("nowplaying", vc.handleNowPlaying),
	}
	for _, def := range defs {
		router.RegisterCommand(def.Name, def, handlers[def.Name])
	}
	router.RegisterAutocomplete("play", vc.handlePlayAutocomplete)
	router.RegisterComponent(ButtonPause, handlers["pause"])
	router.RegisterComponent(ButtonResume, handlers["resume"])
	router.RegisterComponent(ButtonStop, handlers["stop"])
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (vc *VoiceCommands) Definitions() []*discordgo.ApplicationCommand {
	minVolume := 0.0
	return []*discordgo.ApplicationCommand{
		{Name: "join", Description: "Join your current voice channel"},
		{Name: "leave", Description: "Leave the voice channel"},
		{
			Name:        "play",
			Description: "Play an Ogg Opus or raw PCM track",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionString,
					Name:         "source",
					Description:  "http(s) URL or file from the media directory",
					Autocomplete: true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionAttachment,
					Name:        "file",
					Description: "Upload a track instead",
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "volume",
					Description: "Volume in percent for raw PCM (default 100)",
					MinValue:    &minVolume,
					MaxValue:    200,
				},
			},
		},
		{Name: "pause", Description: "Pause playback"},
		{Name: "resume", Description: "Resume paused playback"},
		{Name: "stop", Description: "Stop the current track"},
		{Name: "nowplaying", Description: "Show the current track"},
	}
}

type commandFunc func(ctx context.Context, r discord.Responder, i *discordgo.InteractionCreate) string

// instrument wraps h with a span and the command metrics.
func (vc *VoiceCommands) instrument(name string, h commandFunc) discord.HandlerFunc {
	return func(r discord.Responder, i *discordgo.InteractionCreate) {
		start := time.Now()
		ctx, span := observe.StartSpan(vc.ctx, "discord.command",
			trace.WithAttributes(
				attribute.String("command", name),
				attribute.String("guild_id", i.GuildID),
			),
		)
		defer span.End()

		if i.GuildID == "" {
			discord.RespondEphemeral(r, i, "Use this command in a server.")
			vc.metrics.RecordCommand(ctx, name, statusInvalid, time.Since(start).Seconds())
			return
		}

		status := h(ctx, r, i)
		if status == statusError {
			span.SetStatus(codes.Error, "command failed")
		}
		vc.metrics.RecordCommand(ctx, name, status, time.Since(start).Seconds())
		observe.Logger(ctx).Debug("discord command handled",
			"command", name,
			"guild_id", i.GuildID,
			"user_id", discord.UserID(i),
			"status", status,
		)
	}
}

// denied answers users without the DJ role. It reports whether it did.
func (vc *VoiceCommands) denied(r discord.Responder, i *discordgo.InteractionCreate) bool {
	if vc.perms.IsDJ(i) {
		return false
	}
	discord.RespondEphemeral(r, i, "You need the DJ role to control playback.")
	return true
}

// handleJoin handles /join.
func (vc *VoiceCommands) handleJoin(ctx context.Context, r discord.Responder, i *discordgo.InteractionCreate) string {
	if vc.denied(r, i) {
		return statusDenied
	}
	userID := discord.UserID(i)
	channelID, ok := vc.locator.VoiceChannel(i.GuildID, userID)
	if !ok {
		discord.RespondEphemeral(r, i, "You must be in a voice channel.")
		return statusInvalid
	}

	// Defer reply since connecting may take a moment.
	discord.DeferReply(r, i)

	info, err := vc.sessions.Join(ctx, i.GuildID, channelID, userID)
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Could not connect to <#%s>: %v", channelID, err))
		return statusError
	}
	discord.FollowUp(r, i, fmt.Sprintf("Joined <#%s>.", info.ChannelID))
	return statusOK
}

// handleLeave handles /leave.
func (vc *VoiceCommands) handleLeave(_ context.Context, r discord.Responder, i *discordgo.InteractionCreate) string {
	if vc.denied(r, i) {
		return statusDenied
	}
	info, err := vc.sessions.Info(i.GuildID)
	if err == nil {
		err = vc.sessions.Leave(i.GuildID)
	}
	switch {
	case errors.Is(err, session.ErrNotConnected):
		discord.RespondEphemeral(r, i, "I'm not in a voice channel.")
		return statusInvalid
	case err != nil:
		discord.RespondError(r, i, err)
		return statusError
	}
	discord.RespondEphemeral(r, i, fmt.Sprintf(
		"Left <#%s> after %s.",
		info.ChannelID,
		time.Since(info.StartedAt).Truncate(time.Second),
	))
	return statusOK
}

// handlePlay handles /play.
func (vc *VoiceCommands) handlePlay(ctx context.Context, r discord.Responder, i *discordgo.InteractionCreate) string {
	if vc.denied(r, i) {
		return statusDenied
	}
	data := i.ApplicationCommandData()
	ref, title := stringOption(data.Options, "source"), ""
	if att := firstAttachment(data); att != nil {
		ref, title = att.URL, att.Filename
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		discord.RespondEphemeral(r, i, "Provide a `source` or attach a `file`.")
		return statusInvalid
	}
	if title == "" {
		title = path.Base(ref)
	}

	userID := discord.UserID(i)
	if _, err := vc.sessions.Info(i.GuildID); errors.Is(err, session.ErrNotConnected) {
		channelID, ok := vc.locator.VoiceChannel(i.GuildID, userID)
		if !ok {
			discord.RespondEphemeral(r, i, "Join a voice channel first, or use /join.")
			return statusInvalid
		}
		discord.DeferReply(r, i)
		if _, err := vc.sessions.Join(ctx, i.GuildID, channelID, userID); err != nil {
			discord.FollowUp(r, i, fmt.Sprintf("Could not connect to <#%s>: %v", channelID, err))
			return statusError
		}
	} else {
		discord.DeferReply(r, i)
	}

	opts := []audio.OpenOption{
		audio.WithMediaDir(vc.MediaDir()),
		audio.WithHTTPClient(vc.client),
	}
	if v, ok := intOption(data.Options, "volume"); ok {
		opts = append(opts, audio.WithVolume(float64(v)/100))
	}
	src, kind, err := vc.openSource(ctx, ref, opts...)
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Cannot play `%s`: %v", title, err))
		return statusError
	}

	track := session.Track{Title: title, Source: kind.String(), RequestedBy: userID}
	if err := vc.sessions.Play(ctx, i.GuildID, src, track); err != nil {
		_ = src.Close()
		discord.FollowUp(r, i, fmt.Sprintf("Cannot play `%s`: %v", title, err))
		return statusError
	}

	info, err := vc.sessions.Info(i.GuildID)
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Playing `%s`.", title))
		return statusOK
	}
	discord.FollowUpEmbed(r, i, nowPlayingEmbed(info), controls())
	return statusOK
}

// openSource opens ref. URLs go through the breaker of their host.
func (vc *VoiceCommands) openSource(ctx context.Context, ref string, opts ...audio.OpenOption) (audio.Source, audio.StreamType, error) {
	if vc.breakers == nil || !audio.IsURL(ref) {
		return vc.open(ctx, ref, opts...)
	}
	var (
		src  audio.Source
		kind audio.StreamType
	)
	err := vc.breakers.Do(ref, func() error {
		var err error
		src, kind, err = vc.open(ctx, ref, opts...)
		return err
	})
	if errors.Is(err, resilience.ErrOpen) {
		return nil, kind, fmt.Errorf("%s keeps failing, try again later", resilience.HostOf(ref))
	}
	return src, kind, err
}

// FetchFailed reports whether err from [audio.Open] points at an unhealthy
// media host rather than a bad reference. It is meant as
// [resilience.Config.IsFailure].
func FetchFailed(err error) bool {
	var se *audio.StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError
	}
	return !errors.Is(err, audio.ErrUnsupported) && !errors.Is(err, context.Canceled)
}

// handlePlayAutocomplete suggests files from the media directory.
func (vc *VoiceCommands) handlePlayAutocomplete(r discord.Responder, i *discordgo.InteractionCreate) {
	var query string
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Focused && opt.Name == "source" {
			query = opt.StringValue()
		}
	}
	if audio.IsURL(query) {
		discord.RespondChoices(r, i, nil)
		return
	}
	names, err := audio.ListMedia(vc.MediaDir(), query, maxChoices)
	if err != nil && !errors.Is(err, audio.ErrLocalDisabled) {
		observe.Logger(vc.ctx).Warn("discord: list media failed", "err", err)
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, name := range names {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: name})
	}
	discord.RespondChoices(r, i, choices)
}

// handlePause handles /pause and the pause button.
func (vc *VoiceCommands) handlePause(_ context.Context, r discord.Responder, i *discordgo.InteractionCreate) string {
	return vc.control(r, i, vc.sessions.Pause, "Paused.", "Nothing is playing.")
}

// handleResume handles /resume and the resume button.
func (vc *VoiceCommands) handleResume(_ context.Context, r discord.Responder, i *discordgo.InteractionCreate) string {
	return vc.control(r, i, vc.sessions.Resume, "Resumed.", "Nothing is paused.")
}

// handleStop handles /stop and the stop button.
func (vc *VoiceCommands) handleStop(_ context.Context, r discord.Responder, i *discordgo.InteractionCreate) string {
	return vc.control(r, i, vc.sessions.Stop, "Stopped.", "Nothing is playing.")
}

func (vc *VoiceCommands) control(r discord.Responder, i *discordgo.InteractionCreate, op func(guildID string) error, done, idle string) string {
	if vc.denied(r, i) {
		return statusDenied
	}
	err := op(i.GuildID)
	switch {
	case errors.Is(err, session.ErrNotConnected):
		discord.RespondEphemeral(r, i, "I'm not in a voice channel.")
		return statusInvalid
	case errors.Is(err, session.ErrNothingPlaying):
		discord.RespondEphemeral(r, i, idle)
		return statusInvalid
	case err != nil:
		discord.RespondError(r, i, err)
		return statusError
	}
	discord.RespondEphemeral(r, i, done)
	return statusOK
}

// handleNowPlaying handles /nowplaying.
func (vc *VoiceCommands) handleNowPlaying(_ context.Context, r discord.Responder, i *discordgo.InteractionCreate) string {
	info, err := vc.sessions.Info(i.GuildID)
	if errors.Is(err, session.ErrNotConnected) {
		discord.RespondEphemeral(r, i, "I'm not in a voice channel.")
		return statusInvalid
	}
	if err != nil {
		discord.RespondError(r, i, err)
		return statusError
	}
	if info.Track == nil {
		discord.RespondEmbed(r, i, nowPlayingEmbed(info))
		return statusOK
	}
	discord.RespondEmbed(r, i, nowPlayingEmbed(info), controls())
	return statusOK
}

// nowPlayingEmbed renders a guild's session.
func nowPlayingEmbed(info session.Info) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title: "Now playing",
		Color: 0x5865F2,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Channel", Value: fmt.Sprintf("<#%s>", info.ChannelID), Inline: true},
			{Name: "Connection", Value: info.Connection.String(), Inline: true},
			{Name: "Player", Value: info.Player.String(), Inline: true},
		},
	}
	if info.Track == nil {
		e.Description = "Nothing is playing."
		return e
	}
	e.Description = fmt.Sprintf("**%s**", info.Track.Title)
	e.Fields = append(e.Fields,
		&discordgo.MessageEmbedField{Name: "Format", Value: info.Track.Source, Inline: true},
		&discordgo.MessageEmbedField{Name: "Position", Value: info.Position.Truncate(time.Second).String(), Inline: true},
		&discordgo.MessageEmbedField{Name: "Requested by", Value: fmt.Sprintf("<@%s>", info.Track.RequestedBy), Inline: true},
	)
	return e
}

// controls returns the pause/resume/stop buttons.
func controls() discordgo.MessageComponent {
	return discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.Button{Label: "Pause", Style: discordgo.SecondaryButton, CustomID: ButtonPause},
		discordgo.Button{Label: "Resume", Style: discordgo.PrimaryButton, CustomID: ButtonResume},
		discordgo.Button{Label: "Stop", Style: discordgo.DangerButton, CustomID: ButtonStop},
	}}
}

// firstAttachment returns the first attachment of a command interaction, or
// nil.
func firstAttachment(data discordgo.ApplicationCommandInteractionData) *discordgo.MessageAttachment {
	if data.Resolved == nil {
		return nil
	}
	for _, a := range data.Resolved.Attachments {
		return a
	}
	return nil
}

func stringOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, opt := range opts {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}

func intOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) (int64, bool) {
	for _, opt := range opts {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionInteger {
			return opt.IntValue(), true
		}
	}
	return 0, false
}
