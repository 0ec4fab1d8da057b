// Package mock provides test doubles for code that drives voice connections:
// a recording [voice.Adapter] and a fake discordgo session for the
// discord package.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicelink/pkg/voice"
)

// Adapter records payloads and exposes the hooks of the connection it was
// created for.
//
// Adapter is safe for concurrent use.
type Adapter struct {
	mu        sync.Mutex
	hooks     voice.AdapterHooks
	payloads  []voice.VoiceStateUpdate
	destroyed int
	fail      bool
}

// Compile-time interface assertion.
var _ voice.Adapter = (*Adapter)(nil)

// Creator returns a [voice.AdapterCreator] that always yields a.
func (a *Adapter) Creator() voice.AdapterCreator {
	return func(h voice.AdapterHooks) voice.Adapter {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.hooks = h
		return a
	}
}

// SendPayload records p. It reports false after SetFail(true).
func (a *Adapter) SendPayload(p voice.VoiceStateUpdate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, p)
	return !a.fail
}

// Destroy counts the call.
func (a *Adapter) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed++
}

// SetFail controls the result of SendPayload.
func (a *Adapter) SetFail(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = fail
}

// Hooks returns the hooks passed to the creator.
func (a *Adapter) Hooks() voice.AdapterHooks {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hooks
}

// Payloads returns every recorded payload.
func (a *Adapter) Payloads() []voice.VoiceStateUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]voice.VoiceStateUpdate(nil), a.payloads...)
}

// LastPayload returns the most recent payload.
func (a *Adapter) LastPayload() (voice.VoiceStateUpdate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.payloads) == 0 {
		return voice.VoiceStateUpdate{}, false
	}
	return a.payloads[len(a.payloads)-1], true
}

// Destroyed returns how often Destroy was called.
func (a *Adapter) Destroyed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

// Reset clears recorded payloads and the failure flag.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = nil
	a.fail = false
}

// Join is one recorded ChannelVoiceJoinManual call.
type Join struct {
	GuildID, ChannelID string
	Mute, Deaf         bool
}

// Session is a fake discordgo session. It keeps registered handlers and
// invokes them synchronously from the Emit methods.
//
// Session is safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	next     int
	handlers map[int]any
	joins    []Join

	// Err is returned by ChannelVoiceJoinManual when non-nil.
	Err error
}

// AddHandler stores handler and returns its remover.
func (s *Session) AddHandler(handler any) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]any)
	}
	s.next++
	id := s.next
	s.handlers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// ChannelVoiceJoinManual records the call.
func (s *Session) ChannelVoiceJoinManual(gID, cID string, mute, deaf bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = append(s.joins, Join{GuildID: gID, ChannelID: cID, Mute: mute, Deaf: deaf})
	return s.Err
}

// Joins returns every recorded voice state update.
func (s *Session) Joins() []Join {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Join(nil), s.joins...)
}

// Handlers returns the number of registered handlers.
func (s *Session) Handlers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *Session) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, 0, len(s.handlers))
	for i := 1; i <= s.next; i++ {
		if h, ok := s.handlers[i]; ok {
			out = append(out, h)
		}
	}
	return out
}

// EmitVoiceServerUpdate delivers e to every matching handler.
func (s *Session) EmitVoiceServerUpdate(e *discordgo.VoiceServerUpdate) {
	for _, h := range s.snapshot() {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.VoiceServerUpdate)); ok {
			fn(nil, e)
		}
	}
}

// EmitVoiceStateUpdate delivers e to every matching handler.
func (s *Session) EmitVoiceStateUpdate(e *discordgo.VoiceStateUpdate) {
	for _, h := range s.snapshot() {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.VoiceStateUpdate)); ok {
			fn(nil, e)
		}
	}
}

// EmitDisconnect delivers a gateway disconnect to every matching handler.
func (s *Session) EmitDisconnect() {
	for _, h := range s.snapshot() {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.Disconnect)); ok {
			fn(nil, &discordgo.Disconnect{})
		}
	}
}

// EmitReady delivers a gateway Ready to every matching handler.
func (s *Session) EmitReady() {
	for _, h := range s.snapshot() {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
			fn(nil, &discordgo.Ready{})
		}
	}
}

// EmitResumed delivers a gateway Resumed to every matching handler.
func (s *Session) EmitResumed() {
	for _, h := range s.snapshot() {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.Resumed)); ok {
			fn(nil, &discordgo.Resumed{})
		}
	}
}
