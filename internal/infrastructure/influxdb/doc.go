// Package influxdb records fan telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Three measurements
// are written:
//
//	fan_command  tags fan, field, origin, outcome; fields attempts, latency_ms
//	fan_poll     tags fan; fields ok, changed, duration_ms
//	fan_state    tags fan, field; field value
//
// Telemetry is optional. Connect returns ErrDisabled when influxdb.enabled is
// false and the bridge runs without it.
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval; async write errors are delivered to the SetOnError callback.
package influxdb
