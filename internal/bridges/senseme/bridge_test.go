package senseme

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockLink implements DeviceLink for testing. It behaves like a fan that
// stores whatever it is told unless override says otherwise.
type MockLink struct {
	mu       sync.Mutex
	values   map[Field]int
	override map[Field]int
	readErr  map[Field]error
	failing  bool
	executed []Change
	reads    []Field

	// onRead runs after the value is captured and before it is returned.
	onRead func(Field)
}

func NewMockLink() *MockLink {
	return &MockLink{
		values:   make(map[Field]int),
		override: make(map[Field]int),
		readErr:  make(map[Field]error),
	}
}

func (m *MockLink) Execute(ctx context.Context, f Field, raw int) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return Reply{}, &CommandError{
			Field:    f,
			Verb:     VerbSet,
			Attempts: make([]Attempt, 3),
			Value:    raw,
			Err:      ErrTimeout,
		}
	}
	m.executed = append(m.executed, Change{Field: f, Value: raw})
	v := raw
	if o, ok := m.override[f]; ok {
		v = o
	}
	m.values[f] = v
	return Reply{Field: f, Value: v, Attempts: make([]Attempt, 1)}, nil
}

func (m *MockLink) ReadField(ctx context.Context, f Field) (Reply, error) {
	m.mu.Lock()
	m.reads = append(m.reads, f)
	err := m.readErr[f]
	v := m.values[f]
	hook := m.onRead
	m.mu.Unlock()

	if err != nil {
		return Reply{}, err
	}
	if hook != nil {
		hook(f)
	}
	return Reply{Field: f, Value: v, Attempts: make([]Attempt, 1)}, nil
}

func (m *MockLink) Set(f Field, v int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[f] = v
}

func (m *MockLink) Value(f Field) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[f]
}

func (m *MockLink) Executed() []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Change(nil), m.executed...)
}

func (m *MockLink) ReadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reads)
}

// recordingSink records notifications.
type recordingSink struct {
	mu     sync.Mutex
	events []Change
}

func (s *recordingSink) Publish(f Field, raw int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Change{Field: f, Value: raw})
}

func (s *recordingSink) Events() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Change(nil), s.events...)
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// recordingObserver records command and poll outcomes.
type recordingObserver struct {
	mu       sync.Mutex
	commands []CommandRecord
	polls    []PollRecord
}

func (o *recordingObserver) ObserveCommand(r CommandRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands = append(o.commands, r)
}

func (o *recordingObserver) ObservePoll(r PollRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.polls = append(o.polls, r)
}

type testRig struct {
	link     *MockLink
	cache    *StateCache
	sink     *recordingSink
	observer *recordingObserver
	fan      *Fan
	bridge   *Bridge
}

func newTestRig(t *testing.T, whoosh bool) *testRig {
	t.Helper()
	r := &testRig{
		link:     NewMockLink(),
		cache:    NewStateCache(DefaultLightOnLevel, whoosh),
		sink:     &recordingSink{},
		observer: &recordingObserver{},
	}
	fan, err := NewFan(FanOptions{Link: r.link, Cache: r.cache, Sink: r.sink, Observer: r.observer})
	if err != nil {
		t.Fatalf("NewFan() error = %v", err)
	}
	r.fan = fan
	r.bridge, err = NewBridge(fan)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	return r
}

// ===== Constructors =====

func TestNewFan_Validation(t *testing.T) {
	if _, err := NewFan(FanOptions{Cache: NewStateCache(2, true)}); err == nil {
		t.Error("NewFan() without link expected error, got nil")
	}
	if _, err := NewFan(FanOptions{Link: NewMockLink()}); err == nil {
		t.Error("NewFan() without cache expected error, got nil")
	}
	if _, err := NewBridge(nil); err == nil {
		t.Error("NewBridge(nil) expected error, got nil")
	}
}

// ===== SetField =====

func TestBridge_SetSpeedPercent(t *testing.T) {
	r := newTestRig(t, true)

	state, err := r.bridge.SetField(context.Background(), FieldSpeed, 50, OriginREST)
	if err != nil {
		t.Fatalf("SetField() error = %v", err)
	}
	if state.Speed != 4 {
		t.Errorf("state.Speed = %d, want 4", state.Speed)
	}
	if got := r.link.Executed(); len(got) != 1 || got[0] != (Change{FieldSpeed, 4}) {
		t.Errorf("executed = %v, want speed=4", got)
	}
	if got := r.sink.Events(); len(got) != 1 || got[0] != (Change{FieldSpeed, 4}) {
		t.Errorf("notifications = %v, want exactly speed=4", got)
	}
}

func TestBridge_LightLevelZeroPublishesBothFields(t *testing.T) {
	r := newTestRig(t, true)
	r.cache.ApplyRaw(FieldLightLevel, 8)

	state, err := r.bridge.SetField(context.Background(), FieldLightLevel, 0, OriginBus)
	if err != nil {
		t.Fatalf("SetField() error = %v", err)
	}
	if state.LightLevel != 0 || state.LightPower != TokenOff {
		t.Errorf("state = %s/%d, want OFF/0", state.LightPower, state.LightLevel)
	}

	events := r.sink.Events()
	if len(events) != 2 {
		t.Fatalf("notifications = %v, want 2", events)
	}
	if events[0] != (Change{FieldLightLevel, 0}) || events[1] != (Change{FieldLightPower, Off}) {
		t.Errorf("notifications = %v, want light_level=0 then light_power=OFF", events)
	}
}

func TestBridge_LightPowerOnRestoresLevel(t *testing.T) {
	r := newTestRig(t, true)

	state, err := r.bridge.SetField(context.Background(), FieldLightPower, On, OriginREST)
	if err != nil {
		t.Fatalf("SetField() error = %v", err)
	}
	if state.LightLevel != DefaultLightOnLevel {
		t.Errorf("LightLevel = %d, want %d", state.LightLevel, DefaultLightOnLevel)
	}
}

func TestBridge_CachesReportedValue(t *testing.T) {
	r := newTestRig(t, true)
	r.link.override[FieldSpeed] = 3

	state, err := r.bridge.SetField(context.Background(), FieldSpeed, 5, OriginREST)
	if err != nil {
		t.Fatalf("SetField() error = %v", err)
	}
	if state.Speed != 3 {
		t.Errorf("state.Speed = %d, want the device's 3", state.Speed)
	}
	if got := r.sink.Events(); len(got) != 1 || got[0].Value != 3 {
		t.Errorf("notifications = %v, want speed=3", got)
	}
}

func TestBridge_OutOfRangeDoesNoIO(t *testing.T) {
	r := newTestRig(t, true)

	tests := []struct {
		field Field
		input int
	}{
		{FieldSpeed, 101},
		{FieldSpeed, -1},
		{FieldLightLevel, 150},
		{FieldPower, 2},
	}
	for _, tt := range tests {
		if _, err := r.bridge.SetField(context.Background(), tt.field, tt.input, OriginREST); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("SetField(%s, %d) error = %v, want ErrOutOfRange", tt.field, tt.input, err)
		}
	}

	if got := r.link.Executed(); len(got) != 0 {
		t.Errorf("executed = %v, want none", got)
	}
	if got := r.sink.Events(); len(got) != 0 {
		t.Errorf("notifications = %v, want none", got)
	}
	if got := len(r.observer.commands); got != len(tests) {
		t.Errorf("observed commands = %d, want %d", got, len(tests))
	}
}

func TestBridge_WhooshDisabled(t *testing.T) {
	r := newTestRig(t, false)

	if _, err := r.bridge.SetField(context.Background(), FieldWhoosh, On, OriginREST); !errors.Is(err, ErrUnknownField) {
		t.Errorf("SetField(whoosh) error = %v, want ErrUnknownField", err)
	}
}

func TestBridge_FailureLeavesCacheUnchanged(t *testing.T) {
	r := newTestRig(t, true)
	r.cache.ApplyRaw(FieldSpeed, 3)
	r.link.failing = true

	state, err := r.bridge.SetField(context.Background(), FieldSpeed, 6, OriginBus)
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("SetField() error = %v, want ErrCommandFailed", err)
	}
	if state.Speed != 3 || r.cache.Snapshot().Speed != 3 {
		t.Errorf("Speed = %d, want unchanged 3", r.cache.Snapshot().Speed)
	}
	if got := r.sink.Events(); len(got) != 0 {
		t.Errorf("notifications = %v, want none", got)
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type = %T, want *CommandError", err)
	}
	if cmdErr.Value != 3 {
		t.Errorf("CommandError.Value = %d, want last reported 3", cmdErr.Value)
	}
}

func TestBridge_FailureWithEmptyCacheReportsRequested(t *testing.T) {
	r := newTestRig(t, true)
	r.link.failing = true

	_, err := r.bridge.SetField(context.Background(), FieldSpeed, 50, OriginREST)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want *CommandError", err)
	}
	if cmdErr.Value != 4 {
		t.Errorf("CommandError.Value = %d, want requested 4", cmdErr.Value)
	}
}

func TestBridge_PercentCommand(t *testing.T) {
	r := newTestRig(t, true)

	state, err := r.bridge.Do(context.Background(), Command{Field: FieldSpeed, Input: 30, Percent: true, Origin: OriginBus})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if state.Speed != 2 {
		t.Errorf("Speed = %d, want 2", state.Speed)
	}

	state, err = r.bridge.Do(context.Background(), Command{Field: FieldSpeed, Input: 5, Origin: OriginBus})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if state.Speed != 5 {
		t.Errorf("Speed = %d, want raw 5", state.Speed)
	}
}

func TestBridge_AssignsCommandIDs(t *testing.T) {
	r := newTestRig(t, true)

	if _, err := r.bridge.Do(context.Background(), Command{ID: "abc", Field: FieldPower, Input: On, Origin: OriginBus}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if _, err := r.bridge.SetField(context.Background(), FieldPower, Off, OriginREST); err != nil {
		t.Fatalf("SetField() error = %v", err)
	}

	if len(r.observer.commands) != 2 {
		t.Fatalf("observed commands = %d, want 2", len(r.observer.commands))
	}
	if r.observer.commands[0].ID != "abc" {
		t.Errorf("ID = %q, want abc", r.observer.commands[0].ID)
	}
	if r.observer.commands[1].ID == "" {
		t.Error("generated ID is empty")
	}
	if r.observer.commands[1].Origin != OriginREST {
		t.Errorf("Origin = %s, want REST", r.observer.commands[1].Origin)
	}
}

func TestBridge_ConcurrentSetFieldIsAtomic(t *testing.T) {
	r := newTestRig(t, true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			level := 0
			if i%2 == 1 {
				level = 10
			}
			if _, err := r.bridge.SetField(context.Background(), FieldLightLevel, level, OriginREST); err != nil {
				t.Errorf("SetField() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	s := r.cache.Snapshot()
	switch {
	case s.LightLevel == 0 && s.LightPower == TokenOff:
	case s.LightLevel == 10 && s.LightPower == TokenOn:
	default:
		t.Errorf("state = %s/%d, want OFF/0 or ON/10", s.LightPower, s.LightLevel)
	}
	if got := r.link.Value(FieldLightLevel); got != s.LightLevel {
		t.Errorf("cache level %d differs from device level %d", s.LightLevel, got)
	}
}

func TestBridge_CancelledWhileWaiting(t *testing.T) {
	r := newTestRig(t, true)
	r.bridge.slot <- struct{}{}
	defer func() { <-r.bridge.slot }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := r.bridge.SetField(ctx, FieldSpeed, 1, OriginREST); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SetField() error = %v, want context.DeadlineExceeded", err)
	}
	if got := r.link.Executed(); len(got) != 0 {
		t.Errorf("executed = %v, want none", got)
	}
}

// ===== Live reads =====

func TestBridge_ReadUpdatesCache(t *testing.T) {
	r := newTestRig(t, true)
	r.cache.ApplyRaw(FieldSpeed, 3)
	r.link.Set(FieldSpeed, 5)
	r.sink.Reset()

	got, err := r.bridge.Read(context.Background(), FieldSpeed)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != 5 {
		t.Errorf("Read() = %d, want 5", got)
	}
	if s := r.cache.Snapshot().Speed; s != 5 {
		t.Errorf("cached Speed = %d, want 5", s)
	}
	events := r.sink.Events()
	if len(events) != 1 || events[0] != (Change{Field: FieldSpeed, Value: 5}) {
		t.Errorf("notifications = %v, want [{speed 5}]", events)
	}
}

func TestBridge_ReadUnchangedPublishesNothing(t *testing.T) {
	r := newTestRig(t, true)
	r.cache.ApplyRaw(FieldSpeed, 3)
	r.link.Set(FieldSpeed, 3)
	r.sink.Reset()

	if _, err := r.bridge.Read(context.Background(), FieldSpeed); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := r.sink.Events(); len(got) != 0 {
		t.Errorf("notifications = %v, want none", got)
	}
}

func TestBridge_ReadFailure(t *testing.T) {
	r := newTestRig(t, true)
	r.link.readErr[FieldPower] = &CommandError{Field: FieldPower, Verb: VerbGet, Err: ErrTimeout}

	if _, err := r.bridge.Read(context.Background(), FieldPower); !errors.Is(err, ErrCommandFailed) {
		t.Errorf("Read() error = %v, want ErrCommandFailed", err)
	}
	if r.cache.Snapshot().Known() {
		t.Error("cache Known() = true after failed read, want false")
	}
}

func TestBridge_ReadUntrackedField(t *testing.T) {
	r := newTestRig(t, false)

	if _, err := r.bridge.Read(context.Background(), FieldWhoosh); !errors.Is(err, ErrUnknownField) {
		t.Errorf("Read(whoosh) error = %v, want ErrUnknownField", err)
	}
	if n := r.link.ReadCount(); n != 0 {
		t.Errorf("ReadCount() = %d, want 0", n)
	}
}

// ===== Over the wire =====

// The device's answer on a retry is what gets cached, even when it differs
// from the request.
func TestBridge_RetryCommitsDeviceValue(t *testing.T) {
	fan := newFakeFan(t, func(n int, req string) []string {
		if n == 1 {
			return nil
		}
		return []string{"(Living Room Fan;LIGHT-LVL;6)"}
	})
	link := newTestLink(t, fan)
	cache := NewStateCache(DefaultLightOnLevel, false)
	sink := &recordingSink{}
	observer := &recordingObserver{}
	f, err := NewFan(FanOptions{Link: link, Cache: cache, Sink: sink, Observer: observer})
	if err != nil {
		t.Fatalf("NewFan() error = %v", err)
	}
	b, err := NewBridge(f)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}

	state, err := b.SetField(context.Background(), FieldLightLevel, 8, OriginREST)
	if err != nil {
		t.Fatalf("SetField() error = %v", err)
	}
	if state.LightLevel != 6 || state.LightPower != TokenOn {
		t.Errorf("returned state light = %s/%d, want ON/6", state.LightPower, state.LightLevel)
	}
	if got := cache.Snapshot().LightLevel; got != 6 {
		t.Errorf("cached LightLevel = %d, want device value 6", got)
	}
	for _, e := range sink.Events() {
		if e.Field == FieldLightLevel && e.Value != 6 {
			t.Errorf("published light_level = %d, want 6", e.Value)
		}
	}
	if len(observer.commands) != 1 || observer.commands[0].Attempts != 2 ||
		observer.commands[0].Requested != 8 || observer.commands[0].Reported != 6 {
		t.Errorf("observed commands = %+v, want requested 8 reported 6 after 2 attempts", observer.commands)
	}
}
