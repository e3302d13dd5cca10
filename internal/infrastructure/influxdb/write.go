package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementCommand = "fan_command"
	measurementPoll    = "fan_poll"
	measurementState   = "fan_state"
)

// WriteCommandMetric records the outcome of one device command.
//
// Parameters:
//   - fan: Device name (may be empty before discovery)
//   - field: Target field (power, speed, ...)
//   - origin: REST, BUS or POLL
//   - outcome: succeeded or failed
//   - attempts: Number of send/await cycles used (1-3)
//   - latency: Wall time from first send to terminal state
func (c *Client) WriteCommandMetric(fan, field, origin, outcome string, attempts int, latency time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(fan, field, origin, outcome, attempts, latency, time.Now()))
}

// WritePollMetric records one poll cycle.
func (c *Client) WritePollMetric(fan string, ok bool, changed int, duration time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(pollPoint(fan, ok, changed, duration, time.Now()))
}

// WriteStateMetric records a field value after it changed.
// Values are the raw device values; ON/OFF fields arrive as 1/0.
func (c *Client) WriteStateMetric(fan, field string, value int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(statePoint(fan, field, value, time.Now()))
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func commandPoint(fan, field, origin, outcome string, attempts int, latency time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementCommand,
		map[string]string{
			"fan":     fan,
			"field":   field,
			"origin":  origin,
			"outcome": outcome,
		},
		map[string]interface{}{
			"attempts":   attempts,
			"latency_ms": float64(latency) / float64(time.Millisecond),
		},
		ts,
	)
}

func pollPoint(fan string, ok bool, changed int, duration time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementPoll,
		map[string]string{
			"fan": fan,
		},
		map[string]interface{}{
			"ok":          ok,
			"changed":     changed,
			"duration_ms": float64(duration) / float64(time.Millisecond),
		},
		ts,
	)
}

func statePoint(fan, field string, value int, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementState,
		map[string]string{
			"fan":   fan,
			"field": field,
		},
		map[string]interface{}{
			"value": value,
		},
		ts,
	)
}
