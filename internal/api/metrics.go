package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics is a JSON view of the bridge for humans; Prometheus
// scrapes /metrics instead.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          MQTTMetrics      `json:"mqtt"`
	Link          *LinkMetrics     `json:"link,omitempty"`
	Poller        *PollerMetrics   `json:"poller,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// LinkMetrics contains device link counters.
type LinkMetrics struct {
	Reachable       bool       `json:"reachable"`
	Commands        uint64     `json:"commands"`
	Failures        uint64     `json:"failures"`
	Attempts        uint64     `json:"attempts"`
	Timeouts        uint64     `json:"timeouts"`
	TransportErrors uint64     `json:"transport_errors"`
	MalformedFrames uint64     `json:"malformed_frames"`
	StaleFrames     uint64     `json:"stale_frames"`
	Reconnects      uint64     `json:"reconnects"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
}

// PollerMetrics contains polling statistics.
type PollerMetrics struct {
	Healthy     bool       `json:"healthy"`
	Cycles      uint64     `json:"cycles"`
	Failures    uint64     `json:"failures"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleSystemMetrics returns runtime, link, poller and pool statistics.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}

	if s.hub != nil {
		metrics.WebSocket.ConnectedClients = s.hub.ClientCount()
	}
	if s.mqtt != nil {
		metrics.MQTT.Connected = s.mqtt.IsConnected()
	}

	if s.link != nil {
		st := s.link.Stats()
		metrics.Link = &LinkMetrics{
			Reachable:       st.Reachable,
			Commands:        st.Commands,
			Failures:        st.Failures,
			Attempts:        st.Attempts,
			Timeouts:        st.Timeouts,
			TransportErrors: st.TransportErrors,
			MalformedFrames: st.MalformedFrames,
			StaleFrames:     st.StaleFrames,
			Reconnects:      st.Reconnects,
			LastSuccess:     optionalTime(st.LastSuccess),
		}
	}

	if s.poller != nil {
		st := s.poller.Stats()
		metrics.Poller = &PollerMetrics{
			Healthy:     st.Healthy,
			Cycles:      st.Cycles,
			Failures:    st.Failures,
			LastSuccess: optionalTime(st.LastSuccess),
		}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
