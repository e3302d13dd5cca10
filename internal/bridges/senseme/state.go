package senseme

import (
	"sync"
	"time"
)

// DefaultLightOnLevel is the level restored when the light is switched on
// from level 0.
const DefaultLightOnLevel = 2

// FanState is an immutable snapshot of the cached fan state.
type FanState struct {
	Name       string    `json:"name"`
	Power      string    `json:"power"`
	Speed      int       `json:"speed"`
	Whoosh     string    `json:"whoosh,omitempty"`
	LightPower string    `json:"light_power"`
	LightLevel int       `json:"light_level"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Known reports whether any device value has reached the cache yet.
func (s FanState) Known() bool {
	return !s.UpdatedAt.IsZero()
}

// Raw returns the raw value of a field.
func (s FanState) Raw(f Field) (int, bool) {
	switch f {
	case FieldPower:
		return onOff(s.Power), true
	case FieldSpeed:
		return s.Speed, true
	case FieldWhoosh:
		if s.Whoosh == "" {
			return 0, false
		}
		return onOff(s.Whoosh), true
	case FieldLightPower:
		return onOff(s.LightPower), true
	case FieldLightLevel:
		return s.LightLevel, true
	}
	return 0, false
}

func onOff(token string) int {
	if token == TokenOn {
		return On
	}
	return Off
}

// Change is one field whose cached value moved.
type Change struct {
	Field Field
	Value int
}

// StateCache holds the last device-confirmed value of every field and
// enforces the light coupling rule on every write.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - ApplyRaw applies a field and its coupled field as one step; readers
//     never see one without the other.
type StateCache struct {
	mu      sync.RWMutex
	name    string
	values  map[Field]int
	written map[Field]uint64 // seq of the last write per field
	seq     uint64
	updated time.Time
	onLevel int
	whoosh  bool
	now     func() time.Time
}

// NewStateCache creates an empty cache. onLevel is the light level used
// when the light turns on from 0; values outside 1-16 fall back to
// DefaultLightOnLevel. whoosh controls whether the whoosh field is
// tracked.
func NewStateCache(onLevel int, whoosh bool) *StateCache {
	if onLevel < 1 || onLevel > MaxLightLevel {
		onLevel = DefaultLightOnLevel
	}
	return &StateCache{
		values:  make(map[Field]int, len(AllFields)),
		written: make(map[Field]uint64, len(AllFields)),
		onLevel: onLevel,
		whoosh:  whoosh,
		now:     time.Now,
	}
}

// Fields returns the fields this cache tracks, in poll order.
func (c *StateCache) Fields() []Field {
	fields := make([]Field, 0, len(AllFields))
	for _, f := range AllFields {
		if f == FieldWhoosh && !c.whoosh {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

// Tracks reports whether f is part of this cache.
func (c *StateCache) Tracks(f Field) bool {
	if f == FieldWhoosh {
		return c.whoosh
	}
	return f.MaxRaw() > 0 || f.IsSwitch()
}

// SetName records the device name shown in snapshots.
func (c *StateCache) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

// ApplyRaw records a device-confirmed value and applies the light
// coupling rule:
//   - light_power OFF forces light_level 0.
//   - light_power ON with light_level 0 sets the light-on level.
//   - light_level above 0 forces light_power ON; 0 forces OFF.
//
// It returns every field whose value changed, the target first. It never
// fails.
func (c *StateCache) ApplyRaw(f Field, raw int) []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(f, raw)
}

// Seq returns the current write sequence. Pass it to ApplyIfUnwritten.
func (c *StateCache) Seq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq
}

// ApplyIfUnwritten applies raw only if no write to f happened after seq.
// The poller uses it so a value read before a command completed never
// overwrites that command's result.
func (c *StateCache) ApplyIfUnwritten(f Field, raw int, seq uint64) ([]Change, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.written[f] > seq {
		return nil, false
	}
	return c.applyLocked(f, raw), true
}

// Snapshot returns a copy of the current state.
func (c *StateCache) Snapshot() FanState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := FanState{
		Name:       c.name,
		Power:      FormatOnOff(c.values[FieldPower]),
		Speed:      c.values[FieldSpeed],
		LightPower: FormatOnOff(c.values[FieldLightPower]),
		LightLevel: c.values[FieldLightLevel],
		UpdatedAt:  c.updated,
	}
	if c.whoosh {
		s.Whoosh = FormatOnOff(c.values[FieldWhoosh])
	}
	return s
}

func (c *StateCache) applyLocked(f Field, raw int) []Change {
	if !c.Tracks(f) {
		return nil
	}

	c.seq++
	c.updated = c.now()

	var changes []Change
	set := func(field Field, v int) {
		c.written[field] = c.seq
		if old, ok := c.values[field]; ok && old == v {
			return
		}
		c.values[field] = v
		changes = append(changes, Change{Field: field, Value: v})
	}

	prevLevel := c.values[FieldLightLevel]
	set(f, raw)

	switch f {
	case FieldLightPower:
		if raw == Off {
			set(FieldLightLevel, 0)
		} else if prevLevel == 0 {
			set(FieldLightLevel, c.onLevel)
		}
	case FieldLightLevel:
		if raw > 0 {
			set(FieldLightPower, On)
		} else {
			set(FieldLightPower, Off)
		}
	}
	return changes
}
