package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/mqtt"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	connected bool
	handlers  map[string]mqtt.MessageHandler
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

// Last returns the most recent payload published to topic.
func (m *MockMQTTClient) Last(topic string) (mockPublish, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.published) - 1; i >= 0; i-- {
		if m.published[i].Topic == topic {
			return m.published[i], true
		}
	}
	return mockPublish{}, false
}

// SimulateMessage delivers a message to the handler subscribed on pattern.
func (m *MockMQTTClient) SimulateMessage(pattern, topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.handlers[pattern]
	m.mu.Unlock()
	if !ok {
		return errors.New("no subscription for " + pattern)
	}
	return handler(topic, payload)
}

type staticState struct{ s senseme.FanState }

func (s staticState) State() senseme.FanState { return s.s }

// fakeCommander records commands and returns a canned result.
type fakeCommander struct {
	mu       sync.Mutex
	commands []senseme.Command
	err      error
}

func (f *fakeCommander) Do(ctx context.Context, cmd senseme.Command) (senseme.FanState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if f.err != nil {
		return senseme.FanState{}, f.err
	}
	raw := cmd.Input
	if cmd.Percent {
		raw, _ = senseme.PercentToRaw(cmd.Field, cmd.Input)
	} else if r, err := senseme.ToRaw(cmd.Field, cmd.Input); err == nil {
		raw = r
	}
	s := senseme.FanState{UpdatedAt: time.Now(), Power: senseme.TokenOff, LightPower: senseme.TokenOff}
	switch cmd.Field {
	case senseme.FieldSpeed:
		s.Speed = raw
	case senseme.FieldLightLevel:
		s.LightLevel = raw
	case senseme.FieldPower:
		s.Power = senseme.FormatOnOff(raw)
	}
	return s, nil
}

func (f *fakeCommander) Commands() []senseme.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]senseme.Command(nil), f.commands...)
}

var testTopics = mqtt.NewTopics("haiku_fan")

// ===== Publisher =====

func TestNewPublisher_Validation(t *testing.T) {
	if _, err := NewPublisher(PublisherConfig{State: staticState{}, Topics: testTopics}); err == nil {
		t.Error("NewPublisher() without client expected error")
	}
	if _, err := NewPublisher(PublisherConfig{Client: NewMockMQTTClient(), Topics: testTopics}); err == nil {
		t.Error("NewPublisher() without state expected error")
	}
	if _, err := NewPublisher(PublisherConfig{Client: NewMockMQTTClient(), State: staticState{}}); err == nil {
		t.Error("NewPublisher() without base topic expected error")
	}
}

func TestPublisher_RangedField(t *testing.T) {
	client := NewMockMQTTClient()
	state := senseme.FanState{Speed: 4, Power: senseme.TokenOn, LightPower: senseme.TokenOff, UpdatedAt: time.Now()}
	p, err := NewPublisher(PublisherConfig{Client: client, Topics: testTopics, QoS: 1, State: staticState{state}})
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	p.Publish(senseme.FieldSpeed, 4)
	p.Flush()

	raw, ok := client.Last("haiku_fan/speed")
	if !ok || string(raw.Payload) != "4" || !raw.Retained || raw.QoS != 1 {
		t.Errorf("speed publish = %+v", raw)
	}
	pct, ok := client.Last("haiku_fan/speed_percent")
	if !ok || string(pct.Payload) != "57" {
		t.Errorf("speed_percent publish = %+v, want 57", pct)
	}

	snap, ok := client.Last("haiku_fan/state")
	if !ok {
		t.Fatal("state not published")
	}
	var msg map[string]any
	if err := json.Unmarshal(snap.Payload, &msg); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if msg["speed"] != float64(4) || msg["speed_percent"] != float64(57) || msg["power"] != "ON" {
		t.Errorf("state payload = %v", msg)
	}
}

func TestPublisher_SwitchFieldHasNoPercent(t *testing.T) {
	client := NewMockMQTTClient()
	p, _ := NewPublisher(PublisherConfig{Client: client, Topics: testTopics, State: staticState{}})

	p.Publish(senseme.FieldLightPower, senseme.On)
	p.Flush()

	if got, ok := client.Last("haiku_fan/light_power"); !ok || string(got.Payload) != "ON" {
		t.Errorf("light_power publish = %+v, want ON", got)
	}
	if _, ok := client.Last("haiku_fan/light_power_percent"); ok {
		t.Error("switch field published a percent mirror")
	}
}

func TestPublisher_PublishAll(t *testing.T) {
	client := NewMockMQTTClient()
	p, _ := NewPublisher(PublisherConfig{Client: client, Topics: testTopics, State: staticState{}})

	if err := p.PublishAll(); err != nil {
		t.Fatalf("PublishAll() error = %v", err)
	}
	if got := len(client.GetPublished()); got != 0 {
		t.Errorf("PublishAll() with unknown state published %d messages, want 0", got)
	}

	state := senseme.FanState{Power: senseme.TokenOn, Speed: 2, LightPower: senseme.TokenOn, LightLevel: 8, Whoosh: senseme.TokenOff, UpdatedAt: time.Now()}
	p, _ = NewPublisher(PublisherConfig{Client: client, Topics: testTopics, State: staticState{state}})
	if err := p.PublishAll(); err != nil {
		t.Fatalf("PublishAll() error = %v", err)
	}

	// 5 fields + 2 percent mirrors + state
	if got := len(client.GetPublished()); got != 8 {
		t.Errorf("PublishAll() published %d messages, want 8", got)
	}
	if got, _ := client.Last("haiku_fan/light_level_percent"); string(got.Payload) != "50" {
		t.Errorf("light_level_percent = %q, want 50", got.Payload)
	}
}

// blockingClient holds every publish until release is closed.
type blockingClient struct {
	*MockMQTTClient
	release chan struct{}
}

func (b *blockingClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	<-b.release
	return b.MockMQTTClient.Publish(topic, payload, qos, retained)
}

func TestPublisher_PublishDoesNotWaitForBroker(t *testing.T) {
	client := &blockingClient{MockMQTTClient: NewMockMQTTClient(), release: make(chan struct{})}
	state := senseme.FanState{Speed: 3, Power: senseme.TokenOn, UpdatedAt: time.Now()}
	p, _ := NewPublisher(PublisherConfig{Client: client, Topics: testTopics, State: staticState{state}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	returned := make(chan struct{})
	go func() {
		p.Publish(senseme.FieldSpeed, 2)
		p.Publish(senseme.FieldSpeed, 3)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Publish() blocked on a stalled broker")
	}

	close(client.release)
	p.Stop()

	got, ok := client.Last("haiku_fan/speed")
	if !ok || string(got.Payload) != "3" {
		t.Errorf("speed publish = %+v, want latest value 3", got)
	}
	if _, ok := client.Last("haiku_fan/state"); !ok {
		t.Error("state not published after the queued change")
	}
}

func TestPublisher_QueuedChangesCoalesce(t *testing.T) {
	client := NewMockMQTTClient()
	p, _ := NewPublisher(PublisherConfig{Client: client, Topics: testTopics, State: staticState{}})

	p.Publish(senseme.FieldLightPower, senseme.On)
	p.Publish(senseme.FieldLightPower, senseme.Off)
	p.Publish(senseme.FieldWhoosh, senseme.On)
	p.Flush()

	var lightPublishes int
	for _, pub := range client.GetPublished() {
		if pub.Topic == "haiku_fan/light_power" {
			lightPublishes++
		}
	}
	if lightPublishes != 1 {
		t.Errorf("light_power published %d times, want 1", lightPublishes)
	}
	if got, _ := client.Last("haiku_fan/light_power"); string(got.Payload) != "OFF" {
		t.Errorf("light_power = %q, want OFF", got.Payload)
	}
	if got, _ := client.Last("haiku_fan/whoosh"); string(got.Payload) != "ON" {
		t.Errorf("whoosh = %q, want ON", got.Payload)
	}

	p.Flush()
	if got := len(client.GetPublished()); got != 3 {
		t.Errorf("empty Flush() published again: %d messages, want 3", got)
	}
}

// ===== Listener =====

func newTestListener(t *testing.T, client *MockMQTTClient, cmd Commander) *Listener {
	t.Helper()
	l, err := NewListener(ListenerConfig{Client: client, Topics: testTopics, QoS: 1, Commander: cmd})
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}
	return l
}

func lastAck(t *testing.T, client *MockMQTTClient) AckMessage {
	t.Helper()
	pub, ok := client.Last("haiku_fan/ack")
	if !ok {
		t.Fatal("no ack published")
	}
	var ack AckMessage
	if err := json.Unmarshal(pub.Payload, &ack); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	return ack
}

func TestListener_Handle(t *testing.T) {
	tests := []struct {
		name        string
		topic       string
		payload     string
		wantStatus  AckStatus
		wantCode    string
		wantCommand *senseme.Command
		wantValue   int
	}{
		{
			name:        "speed percent by dual mode",
			topic:       "haiku_fan/speed/set",
			payload:     "50",
			wantStatus:  AckAccepted,
			wantCommand: &senseme.Command{Field: senseme.FieldSpeed, Input: 50, Origin: senseme.OriginBus},
			wantValue:   4,
		},
		{
			name:        "forced percent topic",
			topic:       "haiku_fan/speed_percent/set",
			payload:     "5",
			wantStatus:  AckAccepted,
			wantCommand: &senseme.Command{Field: senseme.FieldSpeed, Input: 5, Origin: senseme.OriginBus, Percent: true},
			wantValue:   0,
		},
		{
			name:        "power on with trailing newline",
			topic:       "haiku_fan/power/set",
			payload:     "ON\n",
			wantStatus:  AckAccepted,
			wantCommand: &senseme.Command{Field: senseme.FieldPower, Input: senseme.On, Origin: senseme.OriginBus},
			wantValue:   senseme.On,
		},
		{
			name:       "lowercase switch token",
			topic:      "haiku_fan/power/set",
			payload:    "on",
			wantStatus: AckRejected,
			wantCode:   ErrCodeInvalidParameters,
		},
		{
			name:       "non numeric speed",
			topic:      "haiku_fan/speed/set",
			payload:    "fast",
			wantStatus: AckRejected,
			wantCode:   ErrCodeInvalidParameters,
		},
		{
			name:       "unknown field",
			topic:      "haiku_fan/fan/set",
			payload:    "1",
			wantStatus: AckRejected,
			wantCode:   ErrCodeUnknownField,
		},
		{
			name:       "percent topic on switch",
			topic:      "haiku_fan/power_percent/set",
			payload:    "50",
			wantStatus: AckRejected,
			wantCode:   ErrCodeUnknownField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockMQTTClient()
			cmd := &fakeCommander{}
			l := newTestListener(t, client, cmd)

			l.handle(context.Background(), inbound{topic: tt.topic, payload: tt.payload})

			ack := lastAck(t, client)
			if ack.Status != tt.wantStatus {
				t.Errorf("ack status = %s, want %s", ack.Status, tt.wantStatus)
			}
			if ack.CommandID == "" {
				t.Error("ack has no command ID")
			}

			cmds := cmd.Commands()
			if tt.wantCommand == nil {
				if len(cmds) != 0 {
					t.Errorf("commander called with %+v, want no call", cmds)
				}
				if ack.Error == nil || ack.Error.Code != tt.wantCode {
					t.Errorf("ack error = %+v, want code %s", ack.Error, tt.wantCode)
				}
				return
			}

			if len(cmds) != 1 {
				t.Fatalf("commander calls = %d, want 1", len(cmds))
			}
			got := cmds[0]
			got.ID = ""
			if got != *tt.wantCommand {
				t.Errorf("command = %+v, want %+v", got, *tt.wantCommand)
			}
			if cmds[0].ID != ack.CommandID {
				t.Errorf("command ID %q differs from ack ID %q", cmds[0].ID, ack.CommandID)
			}
			if ack.Value == nil || *ack.Value != tt.wantValue {
				t.Errorf("ack value = %v, want %d", ack.Value, tt.wantValue)
			}
		})
	}
}

func TestListener_CommandFailureAck(t *testing.T) {
	client := NewMockMQTTClient()
	cmd := &fakeCommander{err: &senseme.CommandError{
		Field:    senseme.FieldSpeed,
		Verb:     senseme.VerbSet,
		Attempts: make([]senseme.Attempt, 3),
		Value:    3,
		Err:      senseme.ErrTimeout,
	}}
	l := newTestListener(t, client, cmd)

	l.handle(context.Background(), inbound{topic: "haiku_fan/speed/set", payload: "6"})

	ack := lastAck(t, client)
	if ack.Status != AckFailed {
		t.Errorf("ack status = %s, want failed", ack.Status)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeDeviceUnreachable || ack.Error.Attempts != 3 {
		t.Errorf("ack error = %+v", ack.Error)
	}
	if ack.Value == nil || *ack.Value != 3 {
		t.Errorf("ack value = %v, want last known 3", ack.Value)
	}
}

func TestListener_StartReceivesThroughQueue(t *testing.T) {
	client := NewMockMQTTClient()
	cmd := &fakeCommander{}
	l := newTestListener(t, client, cmd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	if err := client.SimulateMessage(testTopics.AllSets(), "haiku_fan/light_level/set", []byte("8")); err != nil {
		t.Fatalf("SimulateMessage() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(cmd.Commands()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("command never reached the commander")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := cmd.Commands()[0]; got.Field != senseme.FieldLightLevel || got.Input != 8 {
		t.Errorf("command = %+v", got)
	}
}

func TestListener_QueueFull(t *testing.T) {
	client := NewMockMQTTClient()
	l, err := NewListener(ListenerConfig{Client: client, Topics: testTopics, Commander: &fakeCommander{}, QueueSize: 1})
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}

	if err := l.enqueue("haiku_fan/speed/set", []byte("1")); err != nil {
		t.Fatalf("first enqueue error = %v", err)
	}
	if err := l.enqueue("haiku_fan/speed/set", []byte("2")); err == nil {
		t.Error("enqueue on full queue expected error, got nil")
	}
	if l.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", l.Dropped())
	}
	if ack := lastAck(t, client); ack.Error == nil || ack.Error.Code != ErrCodeBusy {
		t.Errorf("ack = %+v, want BUSY", ack)
	}
}

func TestListener_StopIsIdempotent(t *testing.T) {
	client := NewMockMQTTClient()
	l := newTestListener(t, client, &fakeCommander{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	l.Stop()
	l.Stop()
	if err := client.SimulateMessage(testTopics.AllSets(), "haiku_fan/speed/set", []byte("1")); err == nil {
		t.Error("handler still subscribed after Stop")
	}
}

// ===== Health =====

type fakePoll struct{ stats senseme.PollerStats }

func (f fakePoll) Stats() senseme.PollerStats { return f.stats }

type fakeLink struct{ stats senseme.LinkStats }

func (f fakeLink) Stats() senseme.LinkStats { return f.stats }

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name   string
		poll   senseme.PollerStats
		link   senseme.LinkStats
		status HealthStatus
	}{
		{"no poll yet", senseme.PollerStats{}, senseme.LinkStats{}, HealthStarting},
		{"healthy", senseme.PollerStats{Cycles: 1, Healthy: true}, senseme.LinkStats{Reachable: true}, HealthHealthy},
		{"degraded", senseme.PollerStats{Cycles: 2, Failures: 1}, senseme.LinkStats{Reachable: true}, HealthDegraded},
		{"unhealthy", senseme.PollerStats{Cycles: 2, Failures: 2}, senseme.LinkStats{}, HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthReporter(HealthReporterConfig{
				Poller: fakePoll{tt.poll},
				Link:   fakeLink{tt.link},
			})
			if got, _ := h.determineStatus(); got != tt.status {
				t.Errorf("determineStatus() = %s, want %s", got, tt.status)
			}
		})
	}
}

func TestHealthReporter_PublishNow(t *testing.T) {
	client := NewMockMQTTClient()
	last := time.Now()
	h := NewHealthReporter(HealthReporterConfig{
		Version:   "1.2.3",
		Publisher: client,
		Topics:    testTopics,
		Address:   "10.0.0.5",
		Poller:    fakePoll{senseme.PollerStats{Cycles: 4, Failures: 1, Healthy: true, LastSuccess: last}},
		Link:      fakeLink{senseme.LinkStats{Commands: 9, Reachable: true, LastSuccess: last}},
		State:     staticState{senseme.FanState{Name: "Den"}},
		Dropped:   func() uint64 { return 2 },
	})

	if err := h.PublishNow(); err != nil {
		t.Fatalf("PublishNow() error = %v", err)
	}

	pub, ok := client.Last("haiku_fan/health")
	if !ok || !pub.Retained {
		t.Fatalf("health publish = %+v", pub)
	}
	var msg HealthMessage
	if err := json.Unmarshal(pub.Payload, &msg); err != nil {
		t.Fatalf("health payload: %v", err)
	}
	if msg.Status != HealthHealthy || msg.Version != "1.2.3" || msg.Bridge != "haiku" {
		t.Errorf("health = %+v", msg)
	}
	if msg.Device == nil || msg.Device.Name != "Den" || msg.Device.Address != "10.0.0.5" || !msg.Device.Reachable {
		t.Errorf("device = %+v", msg.Device)
	}
	if msg.Statistics == nil || msg.Statistics.Commands != 9 || msg.Statistics.Polls != 4 || msg.Statistics.DroppedCommands != 2 {
		t.Errorf("statistics = %+v", msg.Statistics)
	}
}

func TestHealthReporter_StopPublishesStopping(t *testing.T) {
	client := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		Publisher: client,
		Topics:    testTopics,
		Interval:  time.Hour,
	})
	h.Start(context.Background())
	h.Stop()
	h.Stop()

	pub, ok := client.Last("haiku_fan/health")
	if !ok {
		t.Fatal("no health published")
	}
	var msg HealthMessage
	if err := json.Unmarshal(pub.Payload, &msg); err != nil {
		t.Fatalf("health payload: %v", err)
	}
	if msg.Status != HealthStopping {
		t.Errorf("final status = %s, want stopping", msg.Status)
	}
}
