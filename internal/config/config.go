// Package config provides the configuration schema, loader, and file watcher
// for the voicelink bot.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voicelink/pkg/voice"
)

// LogLevel controls log verbosity for the voicelink server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a [slog.Level]. Empty and unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [Config.WithDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultReadyTimeout     = 20 * time.Second
	DefaultDiscoveryTimeout = 5 * time.Second
	DefaultMaxRetries       = 5
	DefaultBackoff          = time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultSignalTimeout    = 15 * time.Second
	DefaultServiceName      = "voicelink"
)

// Config is the root configuration structure for voicelink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discord   DiscordConfig   `yaml:"discord"`
	Voice     VoiceConfig     `yaml:"voice"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the ops HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the ops server serving /healthz,
	// /readyz and /metrics (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is hot-reloaded.
	LogLevel LogLevel `yaml:"log_level"`
}

// DiscordConfig holds the bot credentials.
type DiscordConfig struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string `yaml:"token"`

	// GuildID restricts slash command registration to one guild. Empty
	// registers the commands globally.
	GuildID string `yaml:"guild_id"`

	// DJRoleID is the role allowed to control playback. Empty allows every
	// member.
	DJRoleID string `yaml:"dj_role_id"`
}

// VoiceConfig tunes voice connections and players.
type VoiceConfig struct {
	// Group namespaces this bot's connections in the shared runtime.
	Group string `yaml:"group"`

	SelfDeaf bool `yaml:"self_deaf"`
	SelfMute bool `yaml:"self_mute"`

	// MediaDir is the directory /play may read local files from. When empty
	// only http(s) URLs can be played. It is hot-reloaded.
	MediaDir string `yaml:"media_dir"`

	// ReadyTimeout bounds how long /join waits for a connection to become
	// ready.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// DiscoveryTimeout bounds the IP discovery exchange on the media socket.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	// NoSubscriber is "pause", "play" or "stop". It is hot-reloaded.
	NoSubscriber string `yaml:"no_subscriber"`

	// MaxMissedFrames is how many consecutive cycles a resource may yield
	// nothing before playback stops. It is hot-reloaded.
	MaxMissedFrames int `yaml:"max_missed_frames"`

	// SilencePaddingFrames is the number of silence frames appended when a
	// resource ends. Nil uses the library default.
	SilencePaddingFrames *int `yaml:"silence_padding_frames"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls automatic rejoining of disconnected connections.
type ReconnectConfig struct {
	// MaxRetries is the number of rejoin attempts before giving up.
	// Zero uses [DefaultMaxRetries]; negative disables rejoining.
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// SignalTimeout bounds how long a rejoined connection may wait for the
	// gateway's voice updates and the relay handshake before the attempt
	// counts as failed.
	SignalTimeout time.Duration `yaml:"signal_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// WithDefaults returns a copy of c with empty fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Voice.Group == "" {
		c.Voice.Group = voice.DefaultGroup
	}
	if c.Voice.ReadyTimeout <= 0 {
		c.Voice.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Voice.DiscoveryTimeout <= 0 {
		c.Voice.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.Voice.NoSubscriber == "" {
		c.Voice.NoSubscriber = voice.NoSubscriberPause.String()
	}
	if c.Voice.MaxMissedFrames <= 0 {
		c.Voice.MaxMissedFrames = voice.DefaultMaxMissedFrames
	}
	if c.Voice.Reconnect.MaxRetries == 0 {
		c.Voice.Reconnect.MaxRetries = DefaultMaxRetries
	}
	if c.Voice.Reconnect.Backoff <= 0 {
		c.Voice.Reconnect.Backoff = DefaultBackoff
	}
	if c.Voice.Reconnect.MaxBackoff <= 0 {
		c.Voice.Reconnect.MaxBackoff = DefaultMaxBackoff
	}
	if c.Voice.Reconnect.SignalTimeout <= 0 {
		c.Voice.Reconnect.SignalTimeout = DefaultSignalTimeout
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
	return c
}

// Behaviours builds the player behaviours described by v. An unparsable
// NoSubscriber value falls back to pausing; [Validate] rejects it earlier.
func (v VoiceConfig) Behaviours() voice.Behaviours {
	b, err := voice.ParseNoSubscriberBehaviour(v.NoSubscriber)
	if err != nil {
		b = voice.NoSubscriberPause
	}
	return voice.Behaviours{NoSubscriber: b, MaxMissedFrames: v.MaxMissedFrames}
}

// ResourceOptions returns the options every played resource is created with.
func (v VoiceConfig) ResourceOptions() []voice.ResourceOption {
	if v.SilencePaddingFrames == nil {
		return nil
	}
	return []voice.ResourceOption{voice.WithSilencePadding(*v.SilencePaddingFrames)}
}
