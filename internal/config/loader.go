package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MrWong99/voicelink/pkg/voice"
	"gopkg.in/yaml.v3"
)

// TokenEnv is consulted by [Load] when discord.token is empty, so the token
// can be kept out of the config file.
const TokenEnv = "VOICELINK_DISCORD_TOKEN"

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.Discord.Token == "" {
		cfg.Discord.Token = os.Getenv(TokenEnv)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord
	if cfg.Discord.Token == "" {
		slog.Warn("discord.token is empty; the bot will not be able to log in", "env", TokenEnv)
	}

	// Voice
	v := cfg.Voice
	if v.NoSubscriber != "" {
		if _, err := voice.ParseNoSubscriberBehaviour(v.NoSubscriber); err != nil {
			errs = append(errs, fmt.Errorf("voice.no_subscriber %q is invalid; valid values: pause, play, stop", v.NoSubscriber))
		}
	}
	if v.ReadyTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.ready_timeout %s must not be negative", v.ReadyTimeout))
	}
	if v.DiscoveryTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.discovery_timeout %s must not be negative", v.DiscoveryTimeout))
	}
	if v.MaxMissedFrames < 0 {
		errs = append(errs, fmt.Errorf("voice.max_missed_frames %d must not be negative", v.MaxMissedFrames))
	}
	if v.SilencePaddingFrames != nil && *v.SilencePaddingFrames < 0 {
		errs = append(errs, fmt.Errorf("voice.silence_padding_frames %d must not be negative", *v.SilencePaddingFrames))
	}

	// Reconnect
	rc := v.Reconnect
	if rc.Backoff < 0 {
		errs = append(errs, fmt.Errorf("voice.reconnect.backoff %s must not be negative", rc.Backoff))
	}
	if rc.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("voice.reconnect.max_backoff %s must not be negative", rc.MaxBackoff))
	}
	if rc.SignalTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.reconnect.signal_timeout %s must not be negative", rc.SignalTimeout))
	}
	if rc.Backoff > 0 && rc.MaxBackoff > 0 && rc.MaxBackoff < rc.Backoff {
		errs = append(errs, fmt.Errorf("voice.reconnect.max_backoff %s is shorter than backoff %s", rc.MaxBackoff, rc.Backoff))
	}
	if rc.MaxRetries < 0 {
		slog.Warn("voice.reconnect.max_retries is negative; disconnected connections will not be rejoined")
	}

	return errors.Join(errs...)
}
