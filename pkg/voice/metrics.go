package voice

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voicelink/pkg/voice"

var bg = context.Background()

// lateBuckets are histogram boundaries (in seconds) for how late a dispatch
// cycle started relative to its anchor.
var lateBuckets = []float64{
	0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// metrics holds the runtime's OpenTelemetry instruments.
type metrics struct {
	// --- Connections ---

	connectionTransitions metric.Int64Counter
	reconnects            metric.Int64Counter

	// --- Players ---

	playerTransitions metric.Int64Counter
	framesMissed      metric.Int64Counter
	activePlayers     metric.Int64UpDownCounter

	// --- Dispatch clock ---

	packetsDispatched metric.Int64Counter
	cycleLateness     metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &metrics{}

	if met.connectionTransitions, err = m.Int64Counter("voice.connection.transitions",
		metric.WithDescription("Connection state transitions by target status."),
	); err != nil {
		return nil, err
	}
	if met.reconnects, err = m.Int64Counter("voice.connection.reconnects",
		metric.WithDescription("Reconnect attempts started by connections."),
	); err != nil {
		return nil, err
	}
	if met.playerTransitions, err = m.Int64Counter("voice.player.transitions",
		metric.WithDescription("Player state transitions by target status."),
	); err != nil {
		return nil, err
	}
	if met.framesMissed, err = m.Int64Counter("voice.player.frames_missed",
		metric.WithDescription("Cycles in which a playing resource had no frame ready."),
	); err != nil {
		return nil, err
	}
	if met.activePlayers, err = m.Int64UpDownCounter("voice.player.active",
		metric.WithDescription("Players registered with the dispatch clock."),
	); err != nil {
		return nil, err
	}
	if met.packetsDispatched, err = m.Int64Counter("voice.packets.dispatched",
		metric.WithDescription("Audio packets sent on the media socket."),
	); err != nil {
		return nil, err
	}
	if met.cycleLateness, err = m.Float64Histogram("voice.cycle.lateness",
		metric.WithDescription("Delay between a dispatch cycle's anchor and its start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lateBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *metrics) connectionTransition(s ConnectionStatus) {
	m.connectionTransitions.Add(bg, 1,
		metric.WithAttributes(attribute.String("status", s.String())))
}

func (m *metrics) playerTransition(s PlayerStatus) {
	m.playerTransitions.Add(bg, 1,
		metric.WithAttributes(attribute.String("status", s.String())))
}
