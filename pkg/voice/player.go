package voice

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

const (
	// DefaultMaxMissedFrames is how many consecutive cycles without a frame
	// a player tolerates before it stops.
	DefaultMaxMissedFrames = 5

	// SilenceFrames is how many silence frames are sent when pausing with
	// interpolation and when auto-pausing.
	SilenceFrames = 5
)

// NoSubscriberBehaviour decides what a playing player does in a cycle where
// none of its connections can send.
type NoSubscriberBehaviour int

const (
	// NoSubscriberPause auto-pauses and resumes once a connection is ready.
	NoSubscriberPause NoSubscriberBehaviour = iota
	// NoSubscriberPlay keeps reading the resource; its frames are dropped.
	NoSubscriberPlay
	// NoSubscriberStop stops the player.
	NoSubscriberStop
)

func (b NoSubscriberBehaviour) String() string {
	switch b {
	case NoSubscriberPause:
		return "pause"
	case NoSubscriberPlay:
		return "play"
	case NoSubscriberStop:
		return "stop"
	default:
		return fmt.Sprintf("NoSubscriberBehaviour(%d)", int(b))
	}
}

// ParseNoSubscriberBehaviour parses "pause", "play" or "stop".
func ParseNoSubscriberBehaviour(s string) (NoSubscriberBehaviour, error) {
	switch strings.ToLower(s) {
	case "pause", "":
		return NoSubscriberPause, nil
	case "play":
		return NoSubscriberPlay, nil
	case "stop":
		return NoSubscriberStop, nil
	default:
		return 0, fmt.Errorf("voice: unknown no-subscriber behaviour %q", s)
	}
}

// Behaviours configures a [Player].
type Behaviours struct {
	NoSubscriber NoSubscriberBehaviour
	// MaxMissedFrames defaults to [DefaultMaxMissedFrames] when zero.
	MaxMissedFrames int
}

// PlayerStateChange is one transition of a [Player].
type PlayerStateChange struct {
	Old, New PlayerState
}

// Player plays one [Resource] at a time on every connection subscribed to
// it. Players are reusable: once a resource ends the player returns to
// Idle and can be given another.
type Player struct {
	rt         *Runtime
	log        *slog.Logger
	behaviours Behaviours

	state         PlayerState
	subscriptions []*Subscription

	stateListeners listeners[PlayerStateChange]
	errorListeners listeners[error]
}

// NewPlayer returns an idle player.
func (r *Runtime) NewPlayer(b Behaviours) *Player {
	if b.MaxMissedFrames <= 0 {
		b.MaxMissedFrames = DefaultMaxMissedFrames
	}
	return &Player{
		rt:         r,
		log:        r.log.With("component", "player"),
		behaviours: b,
		state:      IdleState{},
	}
}

// State returns the current state.
func (p *Player) State() PlayerState {
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	return p.state
}

// Status returns the tag of the current state.
func (p *Player) Status() PlayerStatus { return p.State().Status() }

// Behaviours returns the player's configuration.
func (p *Player) Behaviours() Behaviours {
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	return p.behaviours
}

// SetBehaviours replaces the player's configuration. It takes effect on the
// next cycle.
func (p *Player) SetBehaviours(b Behaviours) {
	if b.MaxMissedFrames <= 0 {
		b.MaxMissedFrames = DefaultMaxMissedFrames
	}
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	p.behaviours = b
}

// Subscribers returns the connections subscribed to the player.
func (p *Player) Subscribers() []*Connection {
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	out := make([]*Connection, len(p.subscriptions))
	for i, s := range p.subscriptions {
		out[i] = s.Connection
	}
	return out
}

// OnStateChange registers fn for every transition. The returned func
// unregisters it.
func (p *Player) OnStateChange(fn func(oldState, newState PlayerState)) func() {
	return listen(p.rt, &p.stateListeners, func(c PlayerStateChange) { fn(c.Old, c.New) })
}

// OnError registers fn for resource failures. Errors are *PlayerError.
func (p *Player) OnError(fn func(err error)) func() {
	return listen(p.rt, &p.errorListeners, fn)
}

func (p *Player) watchStatus(fn func(PlayerStatus)) func() {
	return listen(p.rt, &p.stateListeners, func(c PlayerStateChange) { fn(c.New.Status()) })
}

// Play starts res, replacing the current resource. If res has not produced
// a frame yet the player buffers until it does, and returns to Idle if the
// source ends first.
func (p *Player) Play(res *Resource) error {
	var err error
	p.rt.exec(func() { err = p.play(res) })
	return err
}

func (p *Player) play(res *Resource) error {
	if res.Ended() {
		return ErrResourceEnded
	}
	if owner := res.ownedBy(); owner != nil {
		if owner == p {
			return nil
		}
		return ErrResourceOwned
	}

	started, finished := res.attach(p, p.resourceEvents(res))
	if started {
		p.setState(PlayingState{Resource: res})
		return nil
	}
	p.setState(BufferingState{Resource: res})
	if finished {
		if err := res.Err(); err != nil {
			p.reportError(res, err)
		}
		p.setState(IdleState{})
	}
	return nil
}

func (p *Player) resourceEvents(res *Resource) resourceEvents {
	return resourceEvents{
		readable: func() {
			p.rt.exec(func() {
				if st, ok := p.state.(BufferingState); ok && st.Resource == res {
					p.setState(PlayingState{Resource: res})
				}
			})
		},
		end: func(err error) {
			p.rt.exec(func() {
				if err != nil {
					p.reportError(res, err)
					if resourceOf(p.state) == res {
						p.setState(IdleState{})
					}
					return
				}
				if st, ok := p.state.(BufferingState); ok && st.Resource == res {
					p.setState(IdleState{})
				}
			})
		},
	}
}

// Pause pauses a playing player. With interpolateSilence it sends
// [SilenceFrames] frames of silence first. It returns false unless the
// player was Playing.
func (p *Player) Pause(interpolateSilence bool) bool {
	var ok bool
	p.rt.exec(func() {
		st, playing := p.state.(PlayingState)
		if !playing {
			return
		}
		silence := 0
		if interpolateSilence {
			silence = SilenceFrames
		}
		p.setState(PausedState{Resource: st.Resource, SilencePacketsRemaining: silence})
		ok = true
	})
	return ok
}

// Unpause resumes a player paused with [Player.Pause]. It returns false
// unless the player was Paused.
func (p *Player) Unpause() bool {
	var ok bool
	p.rt.exec(func() {
		st, paused := p.state.(PausedState)
		if !paused {
			return
		}
		p.setState(PlayingState{Resource: st.Resource})
		ok = true
	})
	return ok
}

// Stop destroys the current resource and returns to Idle. It returns false
// if the player was already Idle.
func (p *Player) Stop() bool {
	var ok bool
	p.rt.exec(func() { ok = p.stop() })
	return ok
}

func (p *Player) stop() bool {
	if _, idle := p.state.(IdleState); idle {
		return false
	}
	p.setState(IdleState{})
	return true
}

func (p *Player) setState(s PlayerState) {
	old := p.state
	oldRes, newRes := resourceOf(old), resourceOf(s)
	if oldRes != nil && oldRes != newRes {
		oldRes.Destroy()
	}
	if _, idle := s.(IdleState); idle {
		p.signalStopSpeaking()
		p.rt.deletePlayer(p)
	}
	if newRes != nil {
		p.rt.addPlayer(p)
	}
	p.state = s

	if old.Status() != s.Status() || oldRes != newRes {
		p.rt.metrics.playerTransition(s.Status())
		p.log.Debug("voice: player state change", "from", old.Status().String(), "to", s.Status().String())
	}
	notify(p.rt, &p.stateListeners, PlayerStateChange{Old: old, New: s})
}

func (p *Player) reportError(res *Resource, err error) {
	perr := &PlayerError{Err: err, Resource: res}
	if len(p.errorListeners.entries) == 0 {
		p.log.Warn("voice: resource failed", "err", err)
		return
	}
	notify(p.rt, &p.errorListeners, error(perr))
}

// --- Subscriptions ---

func (p *Player) subscribe(c *Connection) *Subscription {
	for _, s := range p.subscriptions {
		if s.Connection == c {
			return s
		}
	}
	s := &Subscription{Connection: c, Player: p}
	p.subscriptions = append(p.subscriptions, s)
	return s
}

func (p *Player) unsubscribe(s *Subscription) {
	i := slices.Index(p.subscriptions, s)
	if i < 0 {
		return
	}
	p.subscriptions = slices.Delete(p.subscriptions, i, i+1)
	s.Connection.setSpeaking(false)
}

// --- Dispatch cycle ---

// playable returns the subscribed connections that can send now.
func (p *Player) playable() []*Connection {
	var out []*Connection
	for _, s := range p.subscriptions {
		if _, ready := s.Connection.state.(ReadyState); ready {
			out = append(out, s.Connection)
		}
	}
	return out
}

// checkPlayable reports whether p takes part in the current cycle. A player
// whose resource can no longer be read goes Idle.
func (p *Player) checkPlayable() bool {
	switch p.state.(type) {
	case IdleState, BufferingState:
		return false
	}
	if !resourceOf(p.state).readable() {
		p.setState(IdleState{})
		return false
	}
	return true
}

func (p *Player) stepDispatch() {
	switch p.state.(type) {
	case IdleState, BufferingState:
		return
	}
	for _, c := range p.playable() {
		if c.dispatchAudio() {
			p.rt.metrics.packetsDispatched.Add(bg, 1)
		}
	}
}

func (p *Player) stepPrepare() {
	playable := p.playable()

	if st, ok := p.state.(AutoPausedState); ok && len(playable) > 0 {
		p.setState(PlayingState{Resource: st.Resource})
	}

	switch st := p.state.(type) {
	case IdleState, BufferingState:
		return
	case PausedState:
		st.SilencePacketsRemaining = p.sendSilence(st.SilencePacketsRemaining, playable)
		p.state = st
		return
	case AutoPausedState:
		st.SilencePacketsRemaining = p.sendSilence(st.SilencePacketsRemaining, playable)
		p.state = st
		return
	}

	st := p.state.(PlayingState)
	if len(playable) == 0 {
		switch p.behaviours.NoSubscriber {
		case NoSubscriberPause:
			p.setState(AutoPausedState{Resource: st.Resource, SilencePacketsRemaining: SilenceFrames})
			return
		case NoSubscriberStop:
			p.stop()
			return
		}
	}

	if frame := st.Resource.read(); frame != nil {
		p.prepare(frame, playable)
		st.MissedFrames = 0
		p.state = st
		return
	}

	p.prepare(SilenceFrame, playable)
	st.MissedFrames++
	p.state = st
	p.rt.metrics.framesMissed.Add(bg, 1)
	if st.MissedFrames >= p.behaviours.MaxMissedFrames {
		p.log.Debug("voice: resource starved, stopping", "missed", st.MissedFrames)
		p.stop()
	}
}

// sendSilence prepares one silence frame while remaining is positive and
// returns the new count. Once the last one has been dispatched the speaking
// announcement ends.
func (p *Player) sendSilence(remaining int, playable []*Connection) int {
	if remaining <= 0 {
		p.signalStopSpeaking()
		return 0
	}
	p.prepare(SilenceFrame, playable)
	return remaining - 1
}

func (p *Player) prepare(frame []byte, to []*Connection) {
	for _, c := range to {
		c.prepareAudioPacket(frame)
	}
}

func (p *Player) signalStopSpeaking() {
	for _, s := range p.subscriptions {
		s.Connection.setSpeaking(false)
	}
}
