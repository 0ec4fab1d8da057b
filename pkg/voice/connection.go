package voice

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voicelink/pkg/voice/gateway"
	"github.com/MrWong99/voicelink/pkg/voice/networking"
)

// JoinConfig selects the voice channel a connection joins.
type JoinConfig struct {
	GuildID   string
	ChannelID string
	SelfDeaf  bool
	SelfMute  bool
	// Group namespaces connections so that several bots can share a
	// runtime. Empty means [DefaultGroup].
	Group string
}

// ConnectionStateChange is one transition of a [Connection].
type ConnectionStateChange struct {
	Old, New ConnectionState
}

// Connection is the voice session of one guild. It starts in Signalling,
// negotiates once the host has delivered both the voice server and the
// voice state update, and re-signals automatically when the session drops
// with a recoverable close code. A destroyed connection cannot be reused.
type Connection struct {
	rt      *Runtime
	log     *slog.Logger
	adapter Adapter

	config     JoinConfig
	state      ConnectionState
	attempts   int
	server     *VoiceServerUpdate
	voiceState *VoiceState
	receiver   *Receiver

	stateListeners listeners[ConnectionStateChange]
	errorListeners listeners[error]
}

// Join returns the connection for cfg.GuildID in cfg.Group, creating it
// with an adapter from create when none is tracked. A tracked connection is
// moved to the requested channel instead, and create is not called.
func (r *Runtime) Join(cfg JoinConfig, create AdapterCreator) *Connection {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	var c *Connection
	r.exec(func() {
		if existing := r.lookup(cfg.Group, cfg.GuildID); existing != nil {
			c = existing
			if _, ok := c.state.(DisconnectedState); ok {
				c.rejoin(&cfg)
				return
			}
			c.applyConfig(&cfg)
			if !c.adapter.SendPayload(c.joinPayload()) {
				c.setState(DisconnectedState{Reason: ReasonAdapterUnavailable, Subscription: subscriptionOf(c.state)})
			}
			return
		}

		c = r.newConnection(cfg, create)
		r.track(c)
		if !c.adapter.SendPayload(c.joinPayload()) {
			c.setState(DisconnectedState{Reason: ReasonAdapterUnavailable})
		}
	})
	return c
}

func (r *Runtime) newConnection(cfg JoinConfig, create AdapterCreator) *Connection {
	c := &Connection{
		rt:     r,
		log:    r.log.With("guild_id", cfg.GuildID, "group", cfg.Group),
		config: cfg,
		state:  SignallingState{},
	}
	c.receiver = newReceiver(c)
	c.adapter = create(AdapterHooks{
		OnVoiceServerUpdate: func(u VoiceServerUpdate) {
			r.exec(func() { c.addServerPacket(u) })
		},
		OnVoiceStateUpdate: func(s VoiceState) {
			r.exec(func() { c.addStatePacket(s) })
		},
		Destroy: func() {
			r.exec(func() { _ = c.destroy(false) })
		},
	})
	r.metrics.connectionTransition(StatusSignalling)
	c.log.Debug("voice: connection created", "channel_id", cfg.ChannelID)
	return c
}

// --- Accessors ---

// State returns the current state.
func (c *Connection) State() ConnectionState {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	return c.state
}

// Status returns the tag of the current state.
func (c *Connection) Status() ConnectionStatus { return c.State().Status() }

// Config returns the current join configuration. Voice state updates from
// the host keep it in sync with the bot's actual channel and flags.
func (c *Connection) Config() JoinConfig {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	return c.config
}

// ReconnectAttempts counts re-signalling attempts since the connection was
// last Ready.
func (c *Connection) ReconnectAttempts() int {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	return c.attempts
}

// Ping returns the signalling round trip, if one has been measured.
func (c *Connection) Ping() (time.Duration, bool) {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	if n := networkingOf(c.state); n != nil {
		return n.Ping()
	}
	return 0, false
}

// Receiver returns the connection's receive path.
func (c *Connection) Receiver() *Receiver { return c.receiver }

// OnStateChange registers fn for every transition. The returned func
// unregisters it.
func (c *Connection) OnStateChange(fn func(oldState, newState ConnectionState)) func() {
	return listen(c.rt, &c.stateListeners, func(ch ConnectionStateChange) { fn(ch.Old, ch.New) })
}

// OnError registers fn for transport errors.
func (c *Connection) OnError(fn func(err error)) func() {
	return listen(c.rt, &c.errorListeners, fn)
}

func (c *Connection) watchStatus(fn func(ConnectionStatus)) func() {
	return listen(c.rt, &c.stateListeners, func(ch ConnectionStateChange) { fn(ch.New.Status()) })
}

// --- Lifecycle ---

// Destroy leaves the channel, tears down the session and removes the
// connection from the registry.
func (c *Connection) Destroy() error {
	var err error
	c.rt.exec(func() { err = c.destroy(true) })
	return err
}

func (c *Connection) destroy(leave bool) error {
	if _, ok := c.state.(DestroyedState); ok {
		return ErrConnectionDestroyed
	}
	c.rt.untrack(c)
	if leave {
		c.adapter.SendPayload(c.leavePayload())
	}
	c.setState(DestroyedState{})
	c.receiver.close()
	return nil
}

// Reconnect re-signals a Disconnected connection. It returns false in any
// other state, and when the adapter cannot send.
func (c *Connection) Reconnect() bool {
	var ok bool
	c.rt.exec(func() {
		st, disconnected := c.state.(DisconnectedState)
		if !disconnected {
			return
		}
		c.attempts++
		c.rt.metrics.reconnects.Add(bg, 1)
		if c.adapter.SendPayload(c.joinPayload()) {
			c.setState(SignallingState{Subscription: st.Subscription})
			ok = true
			return
		}
		c.setState(DisconnectedState{Reason: ReasonAdapterUnavailable, Subscription: st.Subscription})
	})
	return ok
}

// Rejoin asks the host to move the bot, optionally to a new channel or with
// new flags. A connection that is not Ready re-enters Signalling.
func (c *Connection) Rejoin(cfg *JoinConfig) bool {
	var ok bool
	c.rt.exec(func() { ok = c.rejoin(cfg) })
	return ok
}

func (c *Connection) rejoin(cfg *JoinConfig) bool {
	if _, ok := c.state.(DestroyedState); ok {
		return false
	}
	_, ready := c.state.(ReadyState)
	if !ready {
		c.attempts++
		c.rt.metrics.reconnects.Add(bg, 1)
	}
	c.applyConfig(cfg)

	sub := subscriptionOf(c.state)
	if c.adapter.SendPayload(c.joinPayload()) {
		if !ready {
			c.setState(SignallingState{Subscription: sub})
		}
		return true
	}
	c.setState(DisconnectedState{Reason: ReasonAdapterUnavailable, Subscription: sub})
	return false
}

// Disconnect leaves the channel but keeps the connection for a later
// [Connection.Rejoin]. The subscription is dropped.
func (c *Connection) Disconnect() bool {
	var ok bool
	c.rt.exec(func() {
		if _, destroyed := c.state.(DestroyedState); destroyed {
			return
		}
		if !c.adapter.SendPayload(c.leavePayload()) {
			c.setState(DisconnectedState{Reason: ReasonAdapterUnavailable, Subscription: subscriptionOf(c.state)})
			return
		}
		c.setState(DisconnectedState{Reason: ReasonManual})
		ok = true
	})
	return ok
}

// Subscribe plays p on this connection, replacing any previous player. It
// returns nil once the connection is destroyed.
func (c *Connection) Subscribe(p *Player) *Subscription {
	var sub *Subscription
	c.rt.exec(func() {
		if _, destroyed := c.state.(DestroyedState); destroyed {
			return
		}
		sub = p.subscribe(c)
		c.setState(withSubscription(c.state, sub))
	})
	return sub
}

func (c *Connection) applyConfig(cfg *JoinConfig) {
	if cfg == nil {
		return
	}
	if cfg.ChannelID != "" {
		c.config.ChannelID = cfg.ChannelID
	}
	c.config.SelfDeaf = cfg.SelfDeaf
	c.config.SelfMute = cfg.SelfMute
}

func (c *Connection) joinPayload() VoiceStateUpdate {
	return VoiceStateUpdate{
		GuildID:   c.config.GuildID,
		ChannelID: c.config.ChannelID,
		SelfDeaf:  c.config.SelfDeaf,
		SelfMute:  c.config.SelfMute,
	}
}

func (c *Connection) leavePayload() VoiceStateUpdate {
	p := c.joinPayload()
	p.ChannelID = ""
	return p
}

// --- Audio ---

// PrepareAudioPacket seals opus for the next dispatch. It returns the
// packet, or nil unless Ready.
func (c *Connection) PrepareAudioPacket(opus []byte) []byte {
	var pkt []byte
	c.rt.exec(func() { pkt = c.prepareAudioPacket(opus) })
	return pkt
}

// DispatchAudio sends the prepared packet. It returns false when nothing was
// sent.
func (c *Connection) DispatchAudio() bool {
	var ok bool
	c.rt.exec(func() { ok = c.dispatchAudio() })
	return ok
}

// PlayOpusPacket prepares and immediately dispatches opus.
func (c *Connection) PlayOpusPacket(opus []byte) bool {
	var ok bool
	c.rt.exec(func() {
		if c.prepareAudioPacket(opus) != nil {
			ok = c.dispatchAudio()
		}
	})
	return ok
}

// SetSpeaking announces a speaking change to the relay. It returns false
// unless Ready.
func (c *Connection) SetSpeaking(speaking bool) bool {
	var ok bool
	c.rt.exec(func() { ok = c.setSpeaking(speaking) })
	return ok
}

func (c *Connection) prepareAudioPacket(opus []byte) []byte {
	st, ok := c.state.(ReadyState)
	if !ok {
		return nil
	}
	return st.Networking.PrepareAudioPacket(opus)
}

func (c *Connection) dispatchAudio() bool {
	st, ok := c.state.(ReadyState)
	if !ok {
		return false
	}
	return st.Networking.DispatchAudio()
}

func (c *Connection) setSpeaking(speaking bool) bool {
	st, ok := c.state.(ReadyState)
	if !ok {
		return false
	}
	st.Networking.SetSpeaking(speaking)
	return true
}

// --- Signalling ---

func (c *Connection) addServerPacket(u VoiceServerUpdate) {
	if _, ok := c.state.(DestroyedState); ok {
		return
	}
	c.server = &u
	if u.Endpoint == "" {
		c.setState(DisconnectedState{Reason: ReasonEndpointRemoved, Subscription: subscriptionOf(c.state)})
		return
	}
	c.configureNetworking()
}

func (c *Connection) addStatePacket(s VoiceState) {
	if s.SessionID == "" {
		return
	}
	c.voiceState = &s
	c.config.SelfDeaf = s.SelfDeaf
	c.config.SelfMute = s.SelfMute
	// A missing channel may be a network failure rather than a leave; the
	// signalling close that follows decides.
	if s.ChannelID != "" {
		c.config.ChannelID = s.ChannelID
	}
}

func (c *Connection) configureNetworking() {
	if c.server == nil || c.voiceState == nil || c.server.Endpoint == "" {
		return
	}
	if _, ok := c.state.(DestroyedState); ok {
		return
	}
	n := networking.New(networking.ConnectionOptions{
		Endpoint:  c.server.Endpoint,
		ServerID:  c.server.GuildID,
		UserID:    c.voiceState.UserID,
		SessionID: c.voiceState.SessionID,
		Token:     c.server.Token,
	}, networking.Handler{
		OnStateChange: c.onNetworkingStateChange,
		OnError:       c.onNetworkingError,
		OnClose:       c.onNetworkingClose,
		OnPacket:      c.receiver.onPacket,
		OnDatagram:    c.receiver.onDatagram,
	}, c.rt.exec, c.rt.networkingOptions(c.log)...)
	c.setState(ConnectingState{Networking: n, Subscription: subscriptionOf(c.state)})
}

func (c *Connection) onNetworkingStateChange(oldState, newState networking.State) {
	if oldState.Status() == newState.Status() {
		return
	}
	var n *networking.Networking
	switch st := c.state.(type) {
	case ConnectingState:
		n = st.Networking
	case ReadyState:
		n = st.Networking
	default:
		return
	}
	sub := subscriptionOf(c.state)

	switch st := newState.(type) {
	case networking.ReadyState:
		c.setState(ReadyState{Networking: n, Subscription: sub})
	case networking.ClosedState:
		if st.Err != nil {
			c.setState(DisconnectedState{Reason: ReasonNegotiationFailed, Subscription: sub})
		}
	default:
		c.setState(ConnectingState{Networking: n, Subscription: sub})
	}
}

func (c *Connection) onNetworkingClose(code int) {
	if _, ok := c.state.(DestroyedState); ok {
		return
	}
	sub := subscriptionOf(c.state)
	if code == gateway.CloseDisconnected {
		c.setState(DisconnectedState{Reason: ReasonWebSocketClose, CloseCode: code, Subscription: sub})
		return
	}

	c.log.Info("voice: session closed, signalling again", "code", code)
	c.setState(SignallingState{Subscription: sub})
	c.attempts++
	c.rt.metrics.reconnects.Add(bg, 1)
	if !c.adapter.SendPayload(c.joinPayload()) {
		c.setState(DisconnectedState{Reason: ReasonAdapterUnavailable, Subscription: sub})
	}
}

func (c *Connection) onNetworkingError(err error) {
	if len(c.errorListeners.entries) == 0 {
		c.log.Debug("voice: transport error", "err", err)
		return
	}
	notify(c.rt, &c.errorListeners, err)
}

func (c *Connection) setState(s ConnectionState) {
	old := c.state

	oldSub, newSub := subscriptionOf(old), subscriptionOf(s)
	if oldSub != nil && oldSub != newSub {
		oldSub.Player.unsubscribe(oldSub)
	}
	oldN, newN := networkingOf(old), networkingOf(s)
	if oldN != nil && oldN != newN {
		oldN.Detach()
		oldN.Destroy()
	}
	if _, ready := s.(ReadyState); ready {
		c.attempts = 0
	}
	c.state = s

	if _, destroyed := s.(DestroyedState); destroyed && old.Status() != StatusDestroyed {
		c.adapter.Destroy()
	}
	if old.Status() != s.Status() {
		c.rt.metrics.connectionTransition(s.Status())
		c.log.Debug("voice: connection state change", "from", old.Status().String(), "to", s.Status().String())
	}
	notify(c.rt, &c.stateListeners, ConnectionStateChange{Old: old, New: s})
}
