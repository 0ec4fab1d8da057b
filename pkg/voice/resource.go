package voice

import (
	"errors"
	"io"
	"sync"
	"time"
)

// SilenceFrame is an Opus frame of silence.
var SilenceFrame = []byte{0xF8, 0xFF, 0xFE}

const (
	// DefaultSilencePadding is how many silence frames a resource plays after
	// its source ends, to avoid interpolation artefacts on the listener side.
	DefaultSilencePadding = 5

	// DefaultBufferFrames bounds how many frames a resource reads ahead of
	// playback.
	DefaultBufferFrames = 50
)

// FrameSource yields one Opus frame per call. It returns io.EOF once there
// are no more frames. ReadFrame may block; if the source also implements
// io.Closer, Close must unblock it.
type FrameSource interface {
	ReadFrame() ([]byte, error)
}

// FrameSourceFunc adapts a function to [FrameSource].
type FrameSourceFunc func() ([]byte, error)

// ReadFrame calls f.
func (f FrameSourceFunc) ReadFrame() ([]byte, error) { return f() }

// resourceEvents are invoked by the read-ahead goroutine, outside of any
// lock.
type resourceEvents struct {
	readable func()
	end      func(err error)
}

// Resource is a playable stream of Opus frames. It reads ahead of playback
// from its [FrameSource] on a goroutine started by [NewResource]. A resource
// can be played by at most one [Player] and only once.
type Resource struct {
	// Metadata is carried along for the caller and never inspected.
	Metadata any

	src    FrameSource
	frames chan []byte
	done   chan struct{}

	mu               sync.Mutex
	started          bool
	srcDone          bool
	destroyed        bool
	err              error
	silencePadding   int
	silenceRemaining int
	playbackDuration time.Duration
	owner            *Player
	events           resourceEvents
}

// ResourceOption configures a [Resource].
type ResourceOption func(*Resource)

// WithMetadata sets [Resource.Metadata].
func WithMetadata(v any) ResourceOption {
	return func(r *Resource) { r.Metadata = v }
}

// WithSilencePadding sets how many silence frames follow the end of the
// source. Zero disables padding.
func WithSilencePadding(n int) ResourceOption {
	return func(r *Resource) {
		if n >= 0 {
			r.silencePadding = n
		}
	}
}

// WithBufferFrames sets the read-ahead buffer size.
func WithBufferFrames(n int) ResourceOption {
	return func(r *Resource) {
		if n > 0 {
			r.frames = make(chan []byte, n)
		}
	}
}

// NewResource wraps src and starts reading ahead.
func NewResource(src FrameSource, opts ...ResourceOption) *Resource {
	r := &Resource{
		src:              src,
		done:             make(chan struct{}),
		silencePadding:   DefaultSilencePadding,
		silenceRemaining: -1,
	}
	for _, o := range opts {
		o(r)
	}
	if r.frames == nil {
		r.frames = make(chan []byte, DefaultBufferFrames)
	}
	go r.pump()
	return r
}

// Started reports whether the source has produced at least one frame.
func (r *Resource) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Ended reports whether the resource has been destroyed or has played its
// last frame, padding included. An ended resource cannot be played.
func (r *Resource) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed || r.silenceRemaining == 0
}

// PlaybackDuration returns how much audio has been read from the source.
// Silence padding is not counted.
func (r *Resource) PlaybackDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playbackDuration
}

// Err returns the error that stopped the source, or nil.
func (r *Resource) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Destroy stops reading, closes the source if it is an io.Closer and
// discards buffered frames. It is idempotent.
func (r *Resource) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	r.events = resourceEvents{}
	close(r.done)
	r.mu.Unlock()

	if c, ok := r.src.(io.Closer); ok {
		_ = c.Close()
	}
	for {
		select {
		case _, ok := <-r.frames:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (r *Resource) pump() {
	for {
		f, err := r.src.ReadFrame()
		if err != nil {
			r.finish(err)
			return
		}
		select {
		case r.frames <- f:
		case <-r.done:
			return
		}

		r.mu.Lock()
		first := !r.started
		r.started = true
		ev := r.events
		r.mu.Unlock()
		if first && ev.readable != nil {
			ev.readable()
		}
	}
}

func (r *Resource) finish(err error) {
	r.mu.Lock()
	r.srcDone = true
	if errors.Is(err, io.EOF) || r.destroyed {
		err = nil
	}
	r.err = err
	close(r.frames)
	ev := r.events
	r.mu.Unlock()
	if ev.end != nil {
		ev.end(err)
	}
}

// attach installs the owner's event hooks and reports, atomically with the
// installation, whether the source has started and whether it has finished.
func (r *Resource) attach(owner *Player, ev resourceEvents) (started, finished bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = owner
	r.events = ev
	return r.started, r.srcDone
}

func (r *Resource) ownedBy() *Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// readable reports whether another frame, real or padding, can be read.
// When the source runs dry it switches the resource to padding.
func (r *Resource) readable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed || r.silenceRemaining == 0 {
		return false
	}
	if r.srcDone && len(r.frames) == 0 {
		if r.silenceRemaining == -1 {
			r.silenceRemaining = r.silencePadding
		}
		return r.silenceRemaining != 0
	}
	return true
}

// read returns the next frame without blocking, or nil when none is ready.
func (r *Resource) read() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.destroyed || r.silenceRemaining == 0:
		return nil
	case r.silenceRemaining > 0:
		r.silenceRemaining--
		return SilenceFrame
	}
	select {
	case f, ok := <-r.frames:
		if !ok {
			return nil
		}
		r.playbackDuration += FrameDuration
		return f
	default:
		return nil
	}
}
