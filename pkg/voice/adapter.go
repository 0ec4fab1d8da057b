package voice

// VoiceStateUpdate asks the host gateway to move the bot. An empty
// ChannelID leaves the guild's voice channel.
type VoiceStateUpdate struct {
	GuildID   string
	ChannelID string
	SelfMute  bool
	SelfDeaf  bool
}

// VoiceServerUpdate is the host gateway's announcement of the relay for a
// guild. An empty Endpoint means the relay is gone.
type VoiceServerUpdate struct {
	GuildID  string
	Token    string
	Endpoint string
}

// VoiceState is the host gateway's view of the bot's own voice state.
type VoiceState struct {
	GuildID   string
	ChannelID string
	UserID    string
	SessionID string
	SelfDeaf  bool
	SelfMute  bool
}

// Adapter connects a [Connection] to the host platform's gateway.
type Adapter interface {
	// SendPayload forwards p to the host gateway. It reports whether the
	// payload could be sent.
	SendPayload(p VoiceStateUpdate) bool
	// Destroy releases the adapter. It is called once, when the connection
	// is destroyed.
	Destroy()
}

// AdapterHooks are the connection's entry points for the adapter. They may
// be called from any goroutine, but not from inside SendPayload.
type AdapterHooks struct {
	OnVoiceServerUpdate func(VoiceServerUpdate)
	OnVoiceStateUpdate  func(VoiceState)
	// Destroy destroys the connection without asking the host to leave.
	Destroy func()
}

// AdapterCreator builds the adapter for a new connection.
type AdapterCreator func(AdapterHooks) Adapter
