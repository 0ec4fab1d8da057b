package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BehavioursChanged is true when no_subscriber or max_missed_frames
	// changed. Running players pick the new values up on the next cycle.
	BehavioursChanged bool

	// PaddingChanged applies to resources created after the reload.
	PaddingChanged bool

	MediaDirChanged bool

	// RestartRequired lists changed fields that only take effect after a
	// restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Player behaviours
	if old.Voice.NoSubscriber != new.Voice.NoSubscriber || old.Voice.MaxMissedFrames != new.Voice.MaxMissedFrames {
		d.BehavioursChanged = true
	}
	if !equalPtr(old.Voice.SilencePaddingFrames, new.Voice.SilencePaddingFrames) {
		d.PaddingChanged = true
	}
	if old.Voice.MediaDir != new.Voice.MediaDir {
		d.MediaDirChanged = true
	}

	// Fixed at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Voice.Group != new.Voice.Group {
		d.RestartRequired = append(d.RestartRequired, "voice.group")
	}
	if old.Voice.DiscoveryTimeout != new.Voice.DiscoveryTimeout {
		d.RestartRequired = append(d.RestartRequired, "voice.discovery_timeout")
	}
	if old.Voice.Reconnect != new.Voice.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "voice.reconnect")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.BehavioursChanged && !d.PaddingChanged && !d.MediaDirChanged &&
		len(d.RestartRequired) == 0
}

func equalPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
