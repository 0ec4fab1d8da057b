package voice

import (
	"maps"
	"time"

	"github.com/MrWong99/voicelink/pkg/voice/clock"
	"github.com/MrWong99/voicelink/pkg/voice/gateway"
	"github.com/MrWong99/voicelink/pkg/voice/networking"
	"github.com/MrWong99/voicelink/pkg/voice/packet"
)

const (
	// SpeakingEndDelay is how long after a user's last packet they are
	// considered to have stopped speaking.
	SpeakingEndDelay = 100 * time.Millisecond

	// DefaultReceiveBuffer is the frame capacity of a [ReceiveStream].
	DefaultReceiveBuffer = 100
)

// SpeakingEvent reports a user starting or stopping to send audio.
type SpeakingEvent struct {
	UserID   string
	Speaking bool
}

type speaker struct {
	since time.Time
	gen   uint64
	timer clock.Timer
}

// Receiver is the inbound half of a connection. It maps media SSRCs to
// users from the relay's speaking announcements, tracks who is currently
// sending and hands decrypted Opus frames to per-user streams.
type Receiver struct {
	c *Connection

	ssrcs    map[uint32]string
	speakers map[string]*speaker
	gen      uint64
	streams  map[string]*ReceiveStream

	speakingListeners listeners[SpeakingEvent]
}

func newReceiver(c *Connection) *Receiver {
	return &Receiver{
		c:        c,
		ssrcs:    make(map[uint32]string),
		speakers: make(map[string]*speaker),
		streams:  make(map[string]*ReceiveStream),
	}
}

// UserID returns the user sending on ssrc.
func (r *Receiver) UserID(ssrc uint32) (string, bool) {
	r.c.rt.mu.Lock()
	defer r.c.rt.mu.Unlock()
	id, ok := r.ssrcs[ssrc]
	return id, ok
}

// Speaking returns the users currently sending audio and when each started.
func (r *Receiver) Speaking() map[string]time.Time {
	r.c.rt.mu.Lock()
	defer r.c.rt.mu.Unlock()
	out := make(map[string]time.Time, len(r.speakers))
	for id, s := range r.speakers {
		out[id] = s.since
	}
	return out
}

// OnSpeaking registers fn for speaking starts and ends.
func (r *Receiver) OnSpeaking(fn func(SpeakingEvent)) func() {
	return listen(r.c.rt, &r.speakingListeners, fn)
}

// Subscribe returns the stream of userID's frames, creating it with room for
// buffer frames (or [DefaultReceiveBuffer]) when there is none.
func (r *Receiver) Subscribe(userID string, buffer int) *ReceiveStream {
	r.c.rt.mu.Lock()
	defer r.c.rt.mu.Unlock()
	if s, ok := r.streams[userID]; ok {
		return s
	}
	if buffer <= 0 {
		buffer = DefaultReceiveBuffer
	}
	s := &ReceiveStream{UserID: userID, r: r, frames: make(chan []byte, buffer)}
	r.streams[userID] = s
	return s
}

// Streams returns the open streams keyed by user id.
func (r *Receiver) Streams() map[string]*ReceiveStream {
	r.c.rt.mu.Lock()
	defer r.c.rt.mu.Unlock()
	return maps.Clone(r.streams)
}

func (r *Receiver) onPacket(p gateway.Packet) {
	switch p.Op {
	case gateway.OpSpeaking:
		var s gateway.Speaking
		if err := p.Decode(&s); err == nil && s.UserID != "" {
			r.ssrcs[s.SSRC] = s.UserID
		}
	case gateway.OpClientDisconnect:
		var d gateway.ClientDisconnect
		if err := p.Decode(&d); err != nil {
			return
		}
		for ssrc, id := range r.ssrcs {
			if id == d.UserID {
				delete(r.ssrcs, ssrc)
			}
		}
		r.stopSpeaking(d.UserID)
		if s, ok := r.streams[d.UserID]; ok {
			s.close()
		}
	}
}

func (r *Receiver) onDatagram(b []byte) {
	h, err := packet.ParseHeader(b)
	if err != nil {
		return
	}
	userID, ok := r.ssrcs[h.SSRC]
	if !ok {
		return
	}
	r.markSpeaking(userID)

	stream, ok := r.streams[userID]
	if !ok {
		return
	}
	mode, key, ok := r.sessionKey()
	if !ok {
		return
	}
	_, opus, err := packet.Open(mode, key, b)
	if err != nil {
		r.c.onNetworkingError(err)
		return
	}
	stream.push(opus)
}

func (r *Receiver) sessionKey() (packet.Mode, [packet.KeySize]byte, bool) {
	n := networkingOf(r.c.state)
	if n == nil {
		return "", [packet.KeySize]byte{}, false
	}
	switch st := n.State().(type) {
	case networking.ReadyState:
		return st.Data.Mode, st.Data.SecretKey, true
	case networking.ResumingState:
		return st.Data.Mode, st.Data.SecretKey, true
	default:
		return "", [packet.KeySize]byte{}, false
	}
}

func (r *Receiver) markSpeaking(userID string) {
	rt := r.c.rt
	s, ok := r.speakers[userID]
	if ok {
		s.timer.Stop()
	} else {
		s = &speaker{since: rt.clock.Now()}
		r.speakers[userID] = s
		notify(rt, &r.speakingListeners, SpeakingEvent{UserID: userID, Speaking: true})
	}
	r.gen++
	gen := r.gen
	s.gen = gen
	s.timer = rt.clock.AfterFunc(SpeakingEndDelay, func() {
		rt.exec(func() {
			if cur, ok := r.speakers[userID]; ok && cur.gen == gen {
				r.stopSpeaking(userID)
			}
		})
	})
}

func (r *Receiver) stopSpeaking(userID string) {
	s, ok := r.speakers[userID]
	if !ok {
		return
	}
	s.timer.Stop()
	delete(r.speakers, userID)
	notify(r.c.rt, &r.speakingListeners, SpeakingEvent{UserID: userID, Speaking: false})
}

func (r *Receiver) close() {
	for id := range r.speakers {
		r.stopSpeaking(id)
	}
	for _, s := range r.streams {
		s.close()
	}
}

// ReceiveStream carries one user's decrypted Opus frames. Frames arriving
// while the buffer is full are dropped.
type ReceiveStream struct {
	UserID string

	r      *Receiver
	frames chan []byte
	closed bool
}

// Frames returns the frame channel. It is closed by [ReceiveStream.Close],
// when the user disconnects and when the connection is destroyed.
func (s *ReceiveStream) Frames() <-chan []byte { return s.frames }

// Close ends the stream.
func (s *ReceiveStream) Close() {
	s.r.c.rt.mu.Lock()
	defer s.r.c.rt.mu.Unlock()
	s.close()
}

func (s *ReceiveStream) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
	if s.r.streams[s.UserID] == s {
		delete(s.r.streams, s.UserID)
	}
}

func (s *ReceiveStream) push(opus []byte) {
	if s.closed {
		return
	}
	select {
	case s.frames <- opus:
	default:
	}
}
