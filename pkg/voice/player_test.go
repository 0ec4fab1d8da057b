package voice

import (
	"errors"
	"slices"
	"testing"
	"time"
)

// startedResource returns a resource over src that has buffered at least n
// frames.
func startedResource(t *testing.T, src FrameSource, n int, opts ...ResourceOption) *Resource {
	t.Helper()
	res := NewResource(src, opts...)
	waitUntil(t, "read-ahead", func() bool { return res.Started() && buffered(res) >= n })
	return res
}

// ── Play ─────────────────────────────────────────────────────────────────────

func TestPlayer_PlayRejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p1 := h.rt.NewPlayer(Behaviours{})
	p2 := h.rt.NewPlayer(Behaviours{})

	dead := NewResource(endless(1))
	dead.Destroy()
	if err := p1.Play(dead); !errors.Is(err, ErrResourceEnded) {
		t.Errorf("Play(destroyed) = %v, want ErrResourceEnded", err)
	}

	res := startedResource(t, endless(1), 1)
	if err := p1.Play(res); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := p2.Play(res); !errors.Is(err, ErrResourceOwned) {
		t.Errorf("Play(owned) = %v, want ErrResourceOwned", err)
	}
	if err := p1.Play(res); err != nil {
		t.Errorf("Play(own resource) = %v, want nil", err)
	}
	if got := p2.Status(); got != PlayerIdle {
		t.Errorf("rejected player status = %v, want idle", got)
	}
	p1.Stop()
}

func TestPlayer_WrongStateCalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.rt.NewPlayer(Behaviours{})

	if p.Pause(true) || p.Unpause() || p.Stop() {
		t.Error("idle player accepted Pause, Unpause or Stop")
	}

	if err := p.Play(startedResource(t, endless(1), 1)); err != nil {
		t.Fatal(err)
	}
	if p.Unpause() {
		t.Error("Unpause succeeded while playing")
	}
	if !p.Pause(false) {
		t.Fatal("Pause failed while playing")
	}
	if p.Pause(false) {
		t.Error("Pause succeeded while paused")
	}
	if !p.Unpause() {
		t.Error("Unpause failed while paused")
	}
	if got := p.Status(); got != PlayerPlaying {
		t.Errorf("status = %v, want playing", got)
	}
	if !p.Stop() {
		t.Error("Stop failed while playing")
	}
}

func TestPlayer_PlayAndStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.ready("g1", 1)
	p := h.rt.NewPlayer(Behaviours{})
	c.Subscribe(p)

	src := newChanSource()
	src.push([]byte{0xA1}, []byte{0xA2})
	res := startedResource(t, src, 2)

	var changes recorder[PlayerStatus]
	p.OnStateChange(func(_, s PlayerState) { changes.add(s.Status()) })

	if err := p.Play(res); err != nil {
		t.Fatal(err)
	}
	if got := p.Status(); got != PlayerPlaying {
		t.Fatalf("status = %v, want playing", got)
	}
	if st := p.State().(PlayingState); st.Resource != res {
		t.Error("playing state holds another resource")
	}

	h.clock.Advance(FrameDuration)
	frames := opened(t, h.dialer.LastDatagram())
	if len(frames) != 1 || frames[0][0] != 0xA1 {
		t.Fatalf("frames = %v, want [[a1]]", frames)
	}

	if !p.Stop() {
		t.Fatal("Stop failed")
	}
	if !res.Ended() || !src.closed() {
		t.Error("resource not destroyed on stop")
	}
	if got := speakingFlags(t, h.dialer.LastSignaller()); !slices.Equal(got, []int{1, 0}) {
		t.Errorf("speaking = %v, want [1 0]", got)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("%d timers pending after stop", n)
	}
	waitUntil(t, "transitions delivered", func() bool { return changes.len() == 2 })
	if got := changes.get(); !slices.Equal(got, []PlayerStatus{PlayerPlaying, PlayerIdle}) {
		t.Errorf("transitions = %v", got)
	}
}

// ── Pause ────────────────────────────────────────────────────────────────────

func TestPlayer_PauseSilence(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name        string
		interpolate bool
		silence     int
	}{
		{"interpolated", true, SilenceFrames},
		{"immediate", false, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			c, _ := h.ready("g1", 1)
			p := h.rt.NewPlayer(Behaviours{})
			c.Subscribe(p)
			if err := p.Play(startedResource(t, endless(0x01), 4)); err != nil {
				t.Fatal(err)
			}

			// Two cycles: the second sends the first frame and prepares another.
			h.clock.Advance(FrameDuration)
			if !p.Pause(tc.interpolate) {
				t.Fatal("Pause failed")
			}
			h.clock.Advance(10 * FrameDuration)

			frames := opened(t, h.dialer.LastDatagram())
			if want := 2 + tc.silence; len(frames) != want {
				t.Fatalf("sent %d frames, want %d", len(frames), want)
			}
			for i, f := range frames {
				if got := isSilence(f); got != (i >= 2) {
					t.Errorf("frame %d = %x", i, f)
				}
			}
			if got := speakingFlags(t, h.dialer.LastSignaller()); !slices.Equal(got, []int{1, 0}) {
				t.Errorf("speaking = %v, want [1 0]", got)
			}
			st := p.State().(PausedState)
			if st.SilencePacketsRemaining != 0 {
				t.Errorf("silence remaining = %d", st.SilencePacketsRemaining)
			}
			p.Stop()
		})
	}
}

// ── Buffering ────────────────────────────────────────────────────────────────

func TestPlayer_Buffering(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	t.Run("first frame starts playback", func(t *testing.T) {
		p := h.rt.NewPlayer(Behaviours{})
		src := newChanSource()
		res := NewResource(src)
		if err := p.Play(res); err != nil {
			t.Fatal(err)
		}
		if got := p.Status(); got != PlayerBuffering {
			t.Fatalf("status = %v, want buffering", got)
		}
		if !slices.Contains(h.rt.Players(), p) {
			t.Error("buffering player not registered with the clock")
		}
		src.push([]byte{1})
		await(t, p, PlayerPlaying)
		p.Stop()
	})

	t.Run("empty source returns to idle", func(t *testing.T) {
		p := h.rt.NewPlayer(Behaviours{})
		src := newChanSource()
		if err := p.Play(NewResource(src)); err != nil {
			t.Fatal(err)
		}
		src.end()
		await(t, p, PlayerIdle)
		if slices.Contains(h.rt.Players(), p) {
			t.Error("idle player still registered")
		}
	})
}

func TestPlayer_SourceError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.rt.NewPlayer(Behaviours{})

	boom := errors.New("boom")
	res := NewResource(FrameSourceFunc(func() ([]byte, error) { return nil, boom }))

	var errs recorder[error]
	p.OnError(errs.add)
	if err := p.Play(res); err != nil {
		t.Fatal(err)
	}
	await(t, p, PlayerIdle)
	waitUntil(t, "player error", func() bool { return errs.len() > 0 })

	var perr *PlayerError
	if !errors.As(errs.get()[0], &perr) {
		t.Fatalf("err = %T, want *PlayerError", errs.get()[0])
	}
	if perr.Resource != res || !errors.Is(perr, boom) {
		t.Errorf("err = %+v", perr)
	}
	if !errors.Is(res.Err(), boom) {
		t.Errorf("res.Err() = %v", res.Err())
	}
}

// ── No subscribers ───────────────────────────────────────────────────────────

func TestPlayer_NoSubscriber(t *testing.T) {
	t.Parallel()

	t.Run("pause then resume", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		c, _ := h.ready("g1", 1)
		p := h.rt.NewPlayer(Behaviours{NoSubscriber: NoSubscriberPause})
		if err := p.Play(startedResource(t, endless(1), 2)); err != nil {
			t.Fatal(err)
		}

		h.clock.Advance(0)
		st, ok := p.State().(AutoPausedState)
		if !ok {
			t.Fatalf("state = %#v, want AutoPaused", p.State())
		}
		if st.SilencePacketsRemaining != SilenceFrames {
			t.Errorf("silence remaining = %d", st.SilencePacketsRemaining)
		}

		c.Subscribe(p)
		h.clock.Advance(FrameDuration)
		if got := p.Status(); got != PlayerPlaying {
			t.Errorf("status = %v, want playing", got)
		}
		p.Stop()
	})

	t.Run("stop", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		p := h.rt.NewPlayer(Behaviours{NoSubscriber: NoSubscriberStop})
		res := startedResource(t, endless(1), 1)
		if err := p.Play(res); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(0)
		if got := p.Status(); got != PlayerIdle {
			t.Errorf("status = %v, want idle", got)
		}
		if !res.Ended() {
			t.Error("resource survived stop")
		}
	})

	t.Run("play keeps reading", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		p := h.rt.NewPlayer(Behaviours{NoSubscriber: NoSubscriberPlay})
		res := startedResource(t, endless(1), 10)
		if err := p.Play(res); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(5 * FrameDuration)
		st, ok := p.State().(PlayingState)
		if !ok || st.MissedFrames != 0 {
			t.Fatalf("state = %#v", p.State())
		}
		if got := res.PlaybackDuration(); got != 6*FrameDuration {
			t.Errorf("playback = %v, want %v", got, 6*FrameDuration)
		}
		p.Stop()
	})
}

// ── Ending ───────────────────────────────────────────────────────────────────

func TestPlayer_StarvedResourceStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.ready("g1", 1)
	p := h.rt.NewPlayer(Behaviours{})
	c.Subscribe(p)

	src := newChanSource()
	src.push([]byte{0xAA})
	res := startedResource(t, src, 1)
	if err := p.Play(res); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(time.Second)
	if got := p.Status(); got != PlayerIdle {
		t.Fatalf("status = %v, want idle", got)
	}
	frames := opened(t, h.dialer.LastDatagram())
	if len(frames) != DefaultMaxMissedFrames {
		t.Fatalf("sent %d frames, want %d", len(frames), DefaultMaxMissedFrames)
	}
	if frames[0][0] != 0xAA {
		t.Errorf("first frame = %x", frames[0])
	}
	for _, f := range frames[1:] {
		if !isSilence(f) {
			t.Errorf("filler frame = %x, want silence", f)
		}
	}
	if got := speakingFlags(t, h.dialer.LastSignaller()); !slices.Equal(got, []int{1, 0}) {
		t.Errorf("speaking = %v, want [1 0]", got)
	}
	if !src.closed() {
		t.Error("source not closed")
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("%d timers pending", n)
	}
}

func TestPlayer_NaturalEndPadsSilence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.ready("g1", 1)
	p := h.rt.NewPlayer(Behaviours{})
	c.Subscribe(p)

	src := newChanSource()
	src.push([]byte{0x01}, []byte{0x02})
	src.end()
	res := NewResource(src)
	waitUntil(t, "source drained", func() bool { return sourceDone(res) })
	if err := p.Play(res); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(time.Second)
	if got := p.Status(); got != PlayerIdle {
		t.Fatalf("status = %v, want idle", got)
	}
	// The last padding frame is prepared in the cycle before the resource
	// reports it is done and is never sent.
	frames := opened(t, h.dialer.LastDatagram())
	if want := 2 + DefaultSilencePadding - 1; len(frames) != want {
		t.Fatalf("sent %d frames, want %d", len(frames), want)
	}
	if frames[0][0] != 0x01 || frames[1][0] != 0x02 {
		t.Errorf("audio frames = %x %x", frames[0], frames[1])
	}
	for _, f := range frames[2:] {
		if !isSilence(f) {
			t.Errorf("padding frame = %x, want silence", f)
		}
	}
	if got := res.PlaybackDuration(); got != 2*FrameDuration {
		t.Errorf("playback = %v, want %v", got, 2*FrameDuration)
	}
	if !res.Ended() {
		t.Error("resource not ended")
	}
	if err := p.Play(res); !errors.Is(err, ErrResourceEnded) {
		t.Errorf("replay = %v, want ErrResourceEnded", err)
	}
}

func TestPlayer_ZeroPadding(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.ready("g1", 1)
	p := h.rt.NewPlayer(Behaviours{})
	c.Subscribe(p)

	src := newChanSource()
	src.push([]byte{0x01})
	src.end()
	res := NewResource(src, WithSilencePadding(0), WithMetadata("track"))
	waitUntil(t, "source drained", func() bool { return sourceDone(res) })
	if err := p.Play(res); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Second)

	if got := p.Status(); got != PlayerIdle {
		t.Errorf("status = %v, want idle", got)
	}
	for _, f := range opened(t, h.dialer.LastDatagram()) {
		if isSilence(f) {
			t.Error("padding sent with padding disabled")
		}
	}
	if res.Metadata != "track" {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

// ── Subscriptions ────────────────────────────────────────────────────────────

func TestPlayer_Subscriptions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.ready("g1", 1)
	p1 := h.rt.NewPlayer(Behaviours{})
	p2 := h.rt.NewPlayer(Behaviours{})

	s1 := c.Subscribe(p1)
	if again := c.Subscribe(p1); again != s1 {
		t.Error("Subscribe is not idempotent")
	}
	if got := p1.Subscribers(); len(got) != 1 || got[0] != c {
		t.Errorf("subscribers = %v", got)
	}

	s2 := c.Subscribe(p2)
	if len(p1.Subscribers()) != 0 {
		t.Error("replaced player kept its subscriber")
	}
	if st := c.State().(ReadyState); st.Subscription != s2 {
		t.Error("connection does not hold the new subscription")
	}

	s1.Unsubscribe()
	if st := c.State().(ReadyState); st.Subscription != s2 {
		t.Error("stale Unsubscribe removed the current subscription")
	}
	s2.Unsubscribe()
	if st := c.State().(ReadyState); st.Subscription != nil {
		t.Error("subscription survived Unsubscribe")
	}
	if len(p2.Subscribers()) != 0 {
		t.Error("player kept subscriber after Unsubscribe")
	}

	c.Subscribe(p1)
	if err := c.Destroy(); err != nil {
		t.Fatal(err)
	}
	if len(p1.Subscribers()) != 0 {
		t.Error("destroyed connection still subscribed")
	}
	if c.Subscribe(p1) != nil {
		t.Error("destroyed connection accepted a subscription")
	}
}

func TestParseNoSubscriberBehaviour(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]NoSubscriberBehaviour{
		"":      NoSubscriberPause,
		"pause": NoSubscriberPause,
		"PLAY":  NoSubscriberPlay,
		"stop":  NoSubscriberStop,
	} {
		got, err := ParseNoSubscriberBehaviour(in)
		if err != nil || got != want {
			t.Errorf("Parse(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseNoSubscriberBehaviour("loop"); err == nil {
		t.Error("expected error for unknown behaviour")
	}
}
