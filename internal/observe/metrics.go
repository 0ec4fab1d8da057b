// Package observe is voicelink's telemetry plumbing: the application
// metrics recorded by slash commands, the session manager and the rejoiner,
// the providers and Prometheus registry behind the ops /metrics endpoint
// ([Telemetry]), the ops server middleware ([Ops]) and trace-aware logging.
//
// The voice runtime keeps its own instruments (voice.*) and handshake spans
// in pkg/voice; hand it [Telemetry.MeterProvider] and
// [Telemetry.TracerProvider] so they land in the same registry and trace
// pipeline. Tests should use [NewMetrics] with their own provider instead of
// [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for application metrics.
const meterName = "github.com/MrWong99/voicelink"

// Metrics holds the application's metric instruments.
type Metrics struct {
	// Commands counts slash command invocations. Attributes: command, status.
	Commands metric.Int64Counter

	// CommandDuration tracks how long a slash command took to answer.
	// Attribute: command.
	CommandDuration metric.Float64Histogram

	// PlaybackStarts counts resources handed to a player. Attribute: source.
	PlaybackStarts metric.Int64Counter

	// Rejoins counts automatic rejoin attempts. Attribute: result.
	Rejoins metric.Int64Counter

	// GuildPlayers tracks the number of guilds with a player.
	GuildPlayers metric.Int64UpDownCounter

	// HTTPRequestDuration tracks ops server latency. Attributes: method,
	// route, code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Commands, err = m.Int64Counter("voicelink.commands",
		metric.WithDescription("Slash command invocations by command and status."),
	); err != nil {
		return nil, err
	}
	if met.CommandDuration, err = m.Float64Histogram("voicelink.command.duration",
		metric.WithDescription("Time to answer a slash command."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackStarts, err = m.Int64Counter("voicelink.playback.starts",
		metric.WithDescription("Resources started by source type."),
	); err != nil {
		return nil, err
	}
	if met.Rejoins, err = m.Int64Counter("voicelink.rejoins",
		metric.WithDescription("Automatic rejoin attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.GuildPlayers, err = m.Int64UpDownCounter("voicelink.guild_players",
		metric.WithDescription("Guilds that currently own a player."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicelink.http.request.duration",
		metric.WithDescription("Ops server request latency by method, route and status code."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. It panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCommand counts one slash command and records its duration.
func (m *Metrics) RecordCommand(ctx context.Context, command, status string, seconds float64) {
	m.Commands.Add(ctx, 1, metric.WithAttributes(Attr("command", command), Attr("status", status)))
	m.CommandDuration.Record(ctx, seconds, metric.WithAttributes(Attr("command", command)))
}

// RecordPlayback counts one started resource.
func (m *Metrics) RecordPlayback(ctx context.Context, source string) {
	m.PlaybackStarts.Add(ctx, 1, metric.WithAttributes(Attr("source", source)))
}

// RecordRejoin counts one rejoin attempt.
func (m *Metrics) RecordRejoin(ctx context.Context, result string) {
	m.Rejoins.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}
