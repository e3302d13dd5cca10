package senseme

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports command, poll and state metrics to Prometheus. It is
// both an Observer and a NotificationSink.
type Metrics struct {
	commands     *prometheus.CounterVec
	attempts     *prometheus.HistogramVec
	latency      *prometheus.HistogramVec
	polls        *prometheus.CounterVec
	pollDuration prometheus.Histogram
	state        *prometheus.GaugeVec
}

// Ensure Metrics implements Observer and NotificationSink.
var (
	_ Observer         = (*Metrics)(nil)
	_ NotificationSink = (*Metrics)(nil)
)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haiku",
			Name:      "commands_total",
			Help:      "Fan commands by field, origin and outcome.",
		}, []string{"field", "origin", "outcome"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "haiku",
			Name:      "command_attempts",
			Help:      "Attempts used per executed command.",
			Buckets:   []float64{1, 2, 3},
		}, []string{"field"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "haiku",
			Name:      "command_duration_seconds",
			Help:      "Time from first send to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"field"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haiku",
			Name:      "polls_total",
			Help:      "Poll cycles by outcome.",
		}, []string{"outcome"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "haiku",
			Name:      "poll_duration_seconds",
			Help:      "Duration of poll cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "haiku",
			Name:      "fan_state",
			Help:      "Last confirmed raw value per field.",
		}, []string{"field"}),
	}

	for _, c := range []prometheus.Collector{m.commands, m.attempts, m.latency, m.polls, m.pollDuration, m.state} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveCommand implements Observer.
func (m *Metrics) ObserveCommand(r CommandRecord) {
	m.commands.WithLabelValues(string(r.Field), string(r.Origin), CommandOutcome(r.Err)).Inc()

	if r.Attempts > 0 {
		m.attempts.WithLabelValues(string(r.Field)).Observe(float64(r.Attempts))
		m.latency.WithLabelValues(string(r.Field)).Observe(r.Latency.Seconds())
	}
}

// ObservePoll implements Observer.
func (m *Metrics) ObservePoll(r PollRecord) {
	outcome := OutcomeOK
	if !r.OK {
		outcome = OutcomeFailed
	}
	m.polls.WithLabelValues(outcome).Inc()
	m.pollDuration.Observe(r.Duration.Seconds())
}

// Publish implements NotificationSink.
func (m *Metrics) Publish(f Field, raw int) {
	m.state.WithLabelValues(string(f)).Set(float64(raw))
}
