package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/mqtt"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTPublisher is the publishing side of the MQTT client.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// StateSource provides the current cached state.
type StateSource interface {
	State() senseme.FanState
}

// PublisherConfig holds configuration for the state publisher.
type PublisherConfig struct {
	Client MQTTPublisher
	Topics mqtt.Topics
	QoS    byte

	// State renders the combined <base>/state snapshot.
	State StateSource

	// Fields lists the fields republished by PublishAll.
	Fields []senseme.Field
}

// Publisher announces confirmed state on the bus. Every field has a
// retained raw topic; speed and light_level also get a retained
// percentage mirror. Each change also refreshes the JSON snapshot.
//
// Publish only queues the change; a background worker started with Start
// performs the broker round trips, so a slow broker never holds up the fan
// context that called it. Queued changes coalesce per field.
type Publisher struct {
	client MQTTPublisher
	topics mqtt.Topics
	qos    byte
	state  StateSource
	fields []senseme.Field

	pendingMu sync.Mutex
	pending   map[senseme.Field]int
	order     []senseme.Field
	flushMu   sync.Mutex

	wake     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// Ensure Publisher implements senseme.NotificationSink.
var _ senseme.NotificationSink = (*Publisher)(nil)

// NewPublisher creates a state publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Client == nil {
		return nil, errors.New("mqtt client is required")
	}
	if cfg.State == nil {
		return nil, errors.New("state source is required")
	}
	if cfg.Topics.Base() == "" {
		return nil, errors.New("base topic is required")
	}
	fields := cfg.Fields
	if len(fields) == 0 {
		fields = senseme.AllFields
	}
	return &Publisher{
		client:  cfg.Client,
		topics:  cfg.Topics,
		qos:     cfg.QoS,
		state:   cfg.State,
		fields:  fields,
		pending: make(map[senseme.Field]int),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// SetLogger sets the logger for publish failures.
func (p *Publisher) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

// Start runs the worker that sends queued changes.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop ends the worker and sends whatever is still queued.
// Safe to call multiple times.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.Flush()
	})
}

// Publish implements senseme.NotificationSink. It never blocks on the
// broker: the value is queued, replacing any unsent value for the same
// field, and the worker is woken.
func (p *Publisher) Publish(f senseme.Field, raw int) {
	p.pendingMu.Lock()
	if _, ok := p.pending[f]; !ok {
		p.order = append(p.order, f)
	}
	p.pending[f] = raw
	p.pendingMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Flush sends every queued change followed by one snapshot. Failures are
// logged; the next change or reconnect republishes.
func (p *Publisher) Flush() {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.pendingMu.Lock()
	pending, order := p.pending, p.order
	p.pending = make(map[senseme.Field]int)
	p.order = nil
	p.pendingMu.Unlock()

	if len(order) == 0 {
		return
	}
	for _, f := range order {
		if err := p.publishField(f, pending[f]); err != nil {
			p.logWarn("failed to publish field", "field", f, "error", err)
		}
	}
	if err := p.PublishState(); err != nil {
		p.logWarn("failed to publish state", "error", err)
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-p.wake:
			p.Flush()
		}
	}
}

// PublishAll republishes every field and the snapshot. Called after a
// broker reconnect so retained values are never stale.
func (p *Publisher) PublishAll() error {
	s := p.state.State()
	if !s.Known() {
		return nil
	}
	var errs []error
	for _, f := range p.fields {
		if v, ok := s.Raw(f); ok {
			errs = append(errs, p.publishField(f, v))
		}
	}
	errs = append(errs, p.PublishState())
	return errors.Join(errs...)
}

// PublishState publishes the combined JSON snapshot.
func (p *Publisher) PublishState() error {
	payload, err := json.Marshal(NewStateMessage(p.state.State()))
	if err != nil {
		return err
	}
	return p.client.Publish(p.topics.State(), payload, p.qos, true)
}

func (p *Publisher) publishField(f senseme.Field, raw int) error {
	if err := p.client.Publish(p.topics.Field(string(f)), []byte(senseme.FormatRaw(f, raw)), p.qos, true); err != nil {
		return err
	}
	if f.MaxRaw() > 0 {
		pct := strconv.Itoa(senseme.ToPercent(f, raw))
		if err := p.client.Publish(p.topics.FieldPercent(string(f)), []byte(pct), p.qos, true); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) logWarn(msg string, kv ...any) {
	p.loggerMu.RLock()
	logger := p.logger
	p.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, kv...)
	}
}
