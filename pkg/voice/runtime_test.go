package voice

import (
	"context"
	"fmt"
	"slices"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ── Dispatch clock ───────────────────────────────────────────────────────────

func TestRuntime_CycleOrdering(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p1 := h.rt.NewPlayer(Behaviours{NoSubscriber: NoSubscriberPlay})
	p2 := h.rt.NewPlayer(Behaviours{NoSubscriber: NoSubscriberPlay})
	names := map[*Player]string{p1: "p1", p2: "p2"}

	var steps []string
	h.rt.onStep = func(phase string, p *Player) {
		steps = append(steps, phase+" "+names[p])
	}

	for _, p := range []*Player{p1, p2} {
		if err := p.Play(startedResource(t, endless(1), 3)); err != nil {
			t.Fatal(err)
		}
	}
	if n := h.clock.Pending(); n != 1 {
		t.Fatalf("%d timers pending, want 1", n)
	}

	h.clock.Advance(2 * FrameDuration)

	var want []string
	for range 3 {
		want = append(want, "dispatch p1", "dispatch p2", "prepare p1", "prepare p2")
	}
	if !slices.Equal(steps, want) {
		t.Errorf("steps =\n%v\nwant\n%v", steps, want)
	}

	p1.Stop()
	if n := h.clock.Pending(); n != 1 {
		t.Errorf("clock stopped with a player left: %d pending", n)
	}
	p2.Stop()
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("%d timers pending after the last player stopped", n)
	}
	if len(h.rt.Players()) != 0 {
		t.Errorf("players = %v", h.rt.Players())
	}
}

func TestRuntime_ClockRestarts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.rt.NewPlayer(Behaviours{NoSubscriber: NoSubscriberPlay})

	var cycles int
	h.rt.onStep = func(phase string, _ *Player) {
		if phase == "dispatch" {
			cycles++
		}
	}

	res := startedResource(t, endless(1), 3)
	if err := p.Play(res); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(FrameDuration)
	p.Stop()

	// Time passing with no players runs nothing.
	h.clock.Advance(10 * FrameDuration)
	if cycles != 2 {
		t.Fatalf("cycles = %d, want 2", cycles)
	}

	if err := p.Play(startedResource(t, endless(1), 3)); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(0)
	if cycles != 3 {
		t.Errorf("cycles after restart = %d, want 3", cycles)
	}
	p.Stop()
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRuntime_Registry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.rt.Groups(); len(got) != 0 {
		t.Fatalf("Groups = %v, want none", got)
	}

	var conns []*Connection
	for i := range 3 {
		c, _ := h.join(fmt.Sprintf("g%d", i))
		conns = append(conns, c)
	}
	if got := h.rt.Connections(DefaultGroup); len(got) != 3 {
		t.Errorf("Connections = %d, want 3", len(got))
	}
	if c, ok := h.rt.Connection("g1", ""); !ok || c != conns[1] {
		t.Error("lookup by guild failed")
	}
	if _, ok := h.rt.Connection("g1", "other"); ok {
		t.Error("lookup crossed groups")
	}

	for _, c := range conns {
		if err := c.Destroy(); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.rt.Groups(); len(got) != 0 {
		t.Errorf("Groups after destroy = %v", got)
	}
}

// ── Metrics ──────────────────────────────────────────────────────────────────

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %q not recorded", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRuntime_Metrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	h := newHarness(t, WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	c, _ := h.ready("g1", 1)
	p := h.rt.NewPlayer(Behaviours{})
	c.Subscribe(p)

	if err := p.Play(startedResource(t, endless(1), 5)); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(3 * FrameDuration)

	rm := collect(t, reader)
	if got := sumInt(t, rm, "voice.player.active"); got != 1 {
		t.Errorf("active players = %d, want 1", got)
	}
	if got := sumInt(t, rm, "voice.packets.dispatched"); got != 3 {
		t.Errorf("packets dispatched = %d, want 3", got)
	}
	if got := sumInt(t, rm, "voice.connection.transitions"); got < 2 {
		t.Errorf("connection transitions = %d", got)
	}

	hist, ok := findMetric(rm, "voice.cycle.lateness").Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 4 {
		t.Errorf("lateness = %+v, want 4 observations", hist)
	}

	p.Stop()
	rm = collect(t, reader)
	if got := sumInt(t, rm, "voice.player.active"); got != 0 {
		t.Errorf("active players after stop = %d, want 0", got)
	}
}
