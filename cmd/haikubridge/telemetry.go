package main

import (
	"time"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
)

// influxWriter is the subset of the InfluxDB client the telemetry adapter
// writes through.
type influxWriter interface {
	WriteCommandMetric(fan, field, origin, outcome string, attempts int, latency time.Duration)
	WritePollMetric(fan string, ok bool, changed int, duration time.Duration)
	WriteStateMetric(fan, field string, value int)
}

// influxTelemetry feeds command outcomes, poll cycles and confirmed state
// into InfluxDB. It is both a senseme.Observer and a senseme.NotificationSink.
type influxTelemetry struct {
	writer influxWriter
	fan    string
}

func newInfluxTelemetry(w influxWriter, fan string) *influxTelemetry {
	return &influxTelemetry{writer: w, fan: fan}
}

func (t *influxTelemetry) ObserveCommand(r senseme.CommandRecord) {
	t.writer.WriteCommandMetric(t.fan, string(r.Field), string(r.Origin), senseme.CommandOutcome(r.Err), r.Attempts, r.Latency)
}

func (t *influxTelemetry) ObservePoll(r senseme.PollRecord) {
	t.writer.WritePollMetric(t.fan, r.OK, r.Changed, r.Duration)
}

func (t *influxTelemetry) Publish(f senseme.Field, raw int) {
	t.writer.WriteStateMetric(t.fan, string(f), raw)
}
