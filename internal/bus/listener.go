package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/mqtt"
)

// defaultQueueSize bounds commands waiting for the receive loop.
const defaultQueueSize = 32

// percentSuffix marks command topics whose payload is always a percentage.
const percentSuffix = "_percent"

// MQTTClient is the part of the MQTT client the listener needs.
type MQTTClient interface {
	MQTTPublisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Commander executes commands against the fan.
type Commander interface {
	Do(ctx context.Context, cmd senseme.Command) (senseme.FanState, error)
}

// ListenerConfig holds configuration for the command listener.
type ListenerConfig struct {
	Client    MQTTClient
	Topics    mqtt.Topics
	QoS       byte
	Commander Commander

	// QueueSize bounds received commands awaiting execution.
	// Default: 32. Commands arriving on a full queue are rejected.
	QueueSize int
}

type inbound struct {
	topic   string
	payload string
}

// Listener receives commands on <base>/<field>/set and runs them one at a
// time through the bridge. The MQTT callback only enqueues; a single
// receive loop executes and acknowledges each command.
type Listener struct {
	client    MQTTClient
	topics    mqtt.Topics
	qos       byte
	commander Commander
	queue     chan inbound

	received atomic.Uint64
	dropped  atomic.Uint64

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewListener creates a command listener. Call Start to subscribe.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Client == nil {
		return nil, errors.New("mqtt client is required")
	}
	if cfg.Commander == nil {
		return nil, errors.New("commander is required")
	}
	if cfg.Topics.Base() == "" {
		return nil, errors.New("base topic is required")
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Listener{
		client:    cfg.Client,
		topics:    cfg.Topics,
		qos:       cfg.QoS,
		commander: cfg.Commander,
		queue:     make(chan inbound, size),
		done:      make(chan struct{}),
	}, nil
}

// SetLogger sets the logger for this listener.
func (l *Listener) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

// Start subscribes to every command topic and starts the receive loop.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.client.Subscribe(l.topics.AllSets(), l.qos, l.enqueue); err != nil {
		return fmt.Errorf("subscribing to %s: %w", l.topics.AllSets(), err)
	}
	l.wg.Add(1)
	go l.receiveLoop(ctx)
	l.logInfo("listening for bus commands", "topic", l.topics.AllSets())
	return nil
}

// Stop unsubscribes and waits for the command in progress to finish.
// Safe to call multiple times.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		if err := l.client.Unsubscribe(l.topics.AllSets()); err != nil {
			l.logWarn("failed to unsubscribe", "error", err)
		}
		close(l.done)
		l.wg.Wait()
	})
}

// Dropped returns how many commands were rejected because the queue was full.
func (l *Listener) Dropped() uint64 {
	return l.dropped.Load()
}

// enqueue is the MQTT handler. It never blocks the paho goroutine.
func (l *Listener) enqueue(topic string, payload []byte) error {
	l.received.Add(1)
	msg := inbound{topic: topic, payload: string(payload)}
	select {
	case l.queue <- msg:
		return nil
	default:
		l.dropped.Add(1)
		l.ack(NewAckRejected(uuid.NewString(), topic, "", msg.payload, ErrCodeBusy, "command queue full"))
		return fmt.Errorf("command queue full, dropped %s", topic)
	}
}

func (l *Listener) receiveLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case msg := <-l.queue:
			l.handle(ctx, msg)
		}
	}
}

// handle parses, executes and acknowledges one command.
func (l *Listener) handle(ctx context.Context, msg inbound) {
	id := uuid.NewString()
	payload := strings.TrimSpace(msg.payload)

	name, ok := l.topics.ParseSet(msg.topic)
	if !ok {
		l.ack(NewAckRejected(id, msg.topic, "", payload, ErrCodeUnknownField, "not a command topic"))
		return
	}

	percent := strings.HasSuffix(name, percentSuffix)
	field, err := senseme.ParseField(strings.TrimSuffix(name, percentSuffix))
	if err != nil || (percent && field.MaxRaw() == 0) {
		l.ack(NewAckRejected(id, msg.topic, name, payload, ErrCodeUnknownField, fmt.Sprintf("unknown field %q", name)))
		return
	}

	input, err := senseme.ParseInput(field, payload)
	if err != nil {
		l.logWarn("rejected bus command", "topic", msg.topic, "payload", payload, "error", err)
		l.ack(NewAckRejected(id, msg.topic, string(field), payload, ErrCodeInvalidParameters, err.Error()))
		return
	}

	state, err := l.commander.Do(ctx, senseme.Command{
		ID:      id,
		Field:   field,
		Input:   input,
		Origin:  senseme.OriginBus,
		Percent: percent,
	})
	l.ack(l.result(id, msg.topic, field, payload, state, err))
}

func (l *Listener) result(id, topic string, field senseme.Field, payload string, state senseme.FanState, err error) AckMessage {
	if err == nil {
		v, _ := state.Raw(field)
		return NewAckAccepted(id, topic, field, payload, v)
	}

	var cmdErr *senseme.CommandError
	switch {
	case errors.As(err, &cmdErr):
		value := cmdErr.Value
		return NewAckFailed(id, topic, field, payload, &value, len(cmdErr.Attempts), err.Error())
	case errors.Is(err, senseme.ErrOutOfRange):
		return NewAckRejected(id, topic, string(field), payload, ErrCodeInvalidParameters, err.Error())
	case errors.Is(err, senseme.ErrUnknownField):
		return NewAckRejected(id, topic, string(field), payload, ErrCodeUnknownField, err.Error())
	default:
		ack := NewAckFailed(id, topic, field, payload, nil, 0, err.Error())
		ack.Error.Code = ErrCodeBridgeError
		return ack
	}
}

func (l *Listener) ack(msg AckMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		l.logWarn("failed to encode ack", "error", err)
		return
	}
	if err := l.client.Publish(l.topics.Ack(), payload, l.qos, false); err != nil {
		l.logWarn("failed to publish ack", "command_id", msg.CommandID, "error", err)
	}
}

func (l *Listener) getLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

func (l *Listener) logInfo(msg string, kv ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Info(msg, kv...)
	}
}

func (l *Listener) logWarn(msg string, kv ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Warn(msg, kv...)
	}
}
