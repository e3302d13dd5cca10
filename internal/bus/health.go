package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/mqtt"
)

// bridgeID identifies this bridge in health messages.
const bridgeID = "haiku"

// PollHealth reports the poller's view of the fan.
type PollHealth interface {
	Stats() senseme.PollerStats
}

// LinkHealth reports the link counters.
type LinkHealth interface {
	Stats() senseme.LinkStats
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Version is the bridge software version.
	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher MQTTPublisher

	Topics mqtt.Topics
	QoS    byte

	// Address is the fan address shown in reports.
	Address string

	Poller PollHealth
	Link   LinkHealth
	State  StateSource

	// Dropped reports bus commands rejected on a full queue. Optional.
	Dropped func() uint64
}

// HealthReporter manages periodic health status reporting.
// It publishes health messages to <base>/health at regular intervals.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a new health reporter.
//
// Parameters:
//   - cfg: Configuration for the health reporter
//
// Returns:
//   - *HealthReporter: Ready to start (call Start to begin reporting)
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start begins periodic health reporting.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop gracefully stops health reporting.
// Publishes a final "stopping" status before returning.
// Safe to call multiple times (uses sync.Once).
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown, nothing we can do if it fails
		h.publish(h.build(HealthStopping, "bridge stopping"))
	})
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publish(h.build(status, reason))
}

// Message builds the current health message without publishing it.
func (h *HealthReporter) Message() HealthMessage {
	status, reason := h.determineStatus()
	return h.build(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus maps poll and link state onto a HealthStatus.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Poller == nil {
		return HealthStarting, "poller not running"
	}
	poll := h.cfg.Poller.Stats()
	if poll.Cycles == 0 {
		return HealthStarting, "waiting for first poll"
	}
	if poll.Healthy {
		return HealthHealthy, ""
	}
	if h.cfg.Link != nil && h.cfg.Link.Stats().Reachable {
		return HealthDegraded, "last poll failed"
	}
	return HealthUnhealthy, "fan not responding"
}

func (h *HealthReporter) build(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Reason:        reason,
		Device:        &DeviceStatus{Address: h.cfg.Address},
		Statistics:    &Statistics{},
	}

	if h.cfg.State != nil {
		msg.Device.Name = h.cfg.State.State().Name
	}
	if h.cfg.Link != nil {
		ls := h.cfg.Link.Stats()
		msg.Device.Reachable = ls.Reachable
		if !ls.LastSuccess.IsZero() {
			t := ls.LastSuccess.UTC()
			msg.Device.LastSuccess = &t
		}
		msg.Statistics.Commands = ls.Commands
		msg.Statistics.CommandFailures = ls.Failures
		msg.Statistics.Attempts = ls.Attempts
		msg.Statistics.Timeouts = ls.Timeouts
		msg.Statistics.TransportErrors = ls.TransportErrors
		msg.Statistics.MalformedFrames = ls.MalformedFrames
	}
	if h.cfg.Poller != nil {
		ps := h.cfg.Poller.Stats()
		msg.Statistics.Polls = ps.Cycles
		msg.Statistics.PollFailures = ps.Failures
		if !ps.LastSuccess.IsZero() {
			t := ps.LastSuccess.UTC()
			msg.Device.LastPoll = &t
		}
	}
	if h.cfg.Dropped != nil {
		msg.Statistics.DroppedCommands = h.cfg.Dropped()
	}
	return msg
}

func (h *HealthReporter) publish(msg HealthMessage) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(h.cfg.Topics.Health(), payload, h.cfg.QoS, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
