package voice

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/pkg/voice/gateway"
	"github.com/MrWong99/voicelink/pkg/voice/packet"
)

func sealFrom(t *testing.T, ssrc uint32, seq uint16, opus []byte) []byte {
	t.Helper()
	s, err := packet.NewSealer(packet.ModeLite, testKey)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Seal(packet.Header{Sequence: seq, Timestamp: uint32(seq) * 960, SSRC: ssrc}, opus)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func announce(t *testing.T, h *harness, userID string, ssrc uint32) {
	t.Helper()
	err := h.dialer.LastSignaller().Receive(gateway.OpSpeaking, gateway.Speaking{Speaking: 1, SSRC: ssrc, UserID: userID})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReceiver_StreamAndSpeaking(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.ready("g1", 1)
	r := c.Receiver()

	announce(t, h, "u1", 77)
	if id, ok := r.UserID(77); !ok || id != "u1" {
		t.Fatalf("UserID(77) = %q, %v", id, ok)
	}

	var events recorder[SpeakingEvent]
	r.OnSpeaking(events.add)
	stream := r.Subscribe("u1", 4)
	if again := r.Subscribe("u1", 0); again != stream {
		t.Error("Subscribe created a second stream for the same user")
	}

	h.dialer.LastDatagram().Deliver(sealFrom(t, 77, 1, []byte{0xC1}))
	h.dialer.LastDatagram().Deliver(sealFrom(t, 77, 2, []byte{0xC2}))
	// Unknown senders are ignored.
	h.dialer.LastDatagram().Deliver(sealFrom(t, 99, 1, []byte{0xFF}))

	for _, want := range []byte{0xC1, 0xC2} {
		select {
		case f := <-stream.Frames():
			if len(f) != 1 || f[0] != want {
				t.Errorf("frame = %x, want %x", f, want)
			}
		case <-time.After(time.Second):
			t.Fatal("no frame received")
		}
	}
	if _, ok := r.Speaking()["u1"]; !ok {
		t.Error("u1 not speaking")
	}

	h.clock.Advance(SpeakingEndDelay)
	if len(r.Speaking()) != 0 {
		t.Errorf("speaking = %v after silence", r.Speaking())
	}
	want := []SpeakingEvent{{UserID: "u1", Speaking: true}, {UserID: "u1", Speaking: false}}
	waitUntil(t, "speaking events", func() bool { return events.len() == len(want) })
	if got := events.get(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestReceiver_SpeakingExtendsWithTraffic(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.ready("g1", 1)
	r := c.Receiver()
	announce(t, h, "u1", 77)

	h.dialer.LastDatagram().Deliver(sealFrom(t, 77, 1, []byte{1}))
	h.clock.Advance(SpeakingEndDelay / 2)
	h.dialer.LastDatagram().Deliver(sealFrom(t, 77, 2, []byte{2}))
	h.clock.Advance(SpeakingEndDelay / 2)
	if _, ok := r.Speaking()["u1"]; !ok {
		t.Fatal("speaking ended while packets were still arriving")
	}
	h.clock.Advance(SpeakingEndDelay / 2)
	if len(r.Speaking()) != 0 {
		t.Error("speaking did not end")
	}
}

func TestReceiver_ClientDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.ready("g1", 1)
	r := c.Receiver()
	announce(t, h, "u1", 77)
	stream := r.Subscribe("u1", 0)

	if err := h.dialer.LastSignaller().Receive(gateway.OpClientDisconnect, gateway.ClientDisconnect{UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.UserID(77); ok {
		t.Error("ssrc still mapped after disconnect")
	}
	if _, open := <-stream.Frames(); open {
		t.Error("stream not closed")
	}
	if len(r.Streams()) != 0 {
		t.Errorf("streams = %v", r.Streams())
	}
}

func TestReceiver_DecryptFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.ready("g1", 1)
	announce(t, h, "u1", 77)
	stream := c.Receiver().Subscribe("u1", 0)

	var errs recorder[error]
	c.OnError(errs.add)
	bad := sealFrom(t, 77, 1, []byte{1})
	bad[len(bad)-5] ^= 0xFF
	h.dialer.LastDatagram().Deliver(bad)

	waitUntil(t, "decrypt error", func() bool { return errs.len() > 0 })
	select {
	case f := <-stream.Frames():
		t.Errorf("tampered frame delivered: %x", f)
	default:
	}
}

func TestReceiver_DestroyClosesStreams(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.ready("g1", 1)
	announce(t, h, "u1", 77)
	stream := c.Receiver().Subscribe("u1", 0)

	if err := c.Destroy(); err != nil {
		t.Fatal(err)
	}
	if _, open := <-stream.Frames(); open {
		t.Error("stream open after destroy")
	}
	stream.Close()
}
