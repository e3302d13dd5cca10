package senseme

import (
	"fmt"
	"strconv"
)

// Field identifies one controllable property of the fan.
type Field string

const (
	FieldPower      Field = "power"
	FieldSpeed      Field = "speed"
	FieldWhoosh     Field = "whoosh"
	FieldLightPower Field = "light_power"
	FieldLightLevel Field = "light_level"

	// fieldName is the device name. Read-only and only used for discovery.
	fieldName Field = "name"
)

// Switch values as carried in raw form.
const (
	Off = 0
	On  = 1
)

// Switch tokens on the wire and on both client surfaces.
const (
	TokenOn  = "ON"
	TokenOff = "OFF"
)

// AllFields lists every settable field in poll and publish order.
// light_power precedes light_level so the level read wins over the
// coupling default when both change in one cycle.
var AllFields = []Field{FieldPower, FieldSpeed, FieldWhoosh, FieldLightPower, FieldLightLevel}

// wireNames maps fields to their FIELD token in frames.
var wireNames = map[Field]string{
	FieldPower:      "PWR",
	FieldSpeed:      "SPD",
	FieldWhoosh:     "WHOOSH",
	FieldLightPower: "LIGHT-PWR",
	FieldLightLevel: "LIGHT-LVL",
	fieldName:       "NAME",
}

var fieldsByWire = func() map[string]Field {
	m := make(map[string]Field, len(wireNames))
	for f, w := range wireNames {
		m[w] = f
	}
	return m
}()

// ParseField resolves a client-facing field name (e.g. "light_level").
func ParseField(s string) (Field, error) {
	f := Field(s)
	for _, known := range AllFields {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// IsSwitch reports whether the field carries ON/OFF.
func (f Field) IsSwitch() bool {
	switch f {
	case FieldPower, FieldWhoosh, FieldLightPower:
		return true
	}
	return false
}

// MaxRaw returns the top of the native range for ranged fields, or 0 for switches.
func (f Field) MaxRaw() int {
	switch f {
	case FieldSpeed:
		return MaxSpeed
	case FieldLightLevel:
		return MaxLightLevel
	}
	return 0
}

// Coupled returns the field tied to f by the light coupling rule.
func (f Field) Coupled() (Field, bool) {
	switch f {
	case FieldLightPower:
		return FieldLightLevel, true
	case FieldLightLevel:
		return FieldLightPower, true
	}
	return "", false
}

func (f Field) wire() string {
	return wireNames[f]
}

// ParseOnOff accepts exactly "ON" or "OFF". Case variants, "1", "true"
// and the like are rejected rather than guessed at.
func ParseOnOff(token string) (int, error) {
	switch token {
	case TokenOn:
		return On, nil
	case TokenOff:
		return Off, nil
	}
	return 0, fmt.Errorf("%w: %q is not %s or %s", ErrOutOfRange, token, TokenOn, TokenOff)
}

// FormatOnOff renders a raw switch value.
func FormatOnOff(raw int) string {
	if raw != Off {
		return TokenOn
	}
	return TokenOff
}

// ParseInput converts a client token into an input value for SetField.
// Switch fields take ON/OFF; ranged fields take a base-10 integer that
// ToRaw will interpret as raw or percent.
func ParseInput(f Field, token string) (int, error) {
	if f.IsSwitch() {
		return ParseOnOff(token)
	}
	n, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrOutOfRange, token)
	}
	return n, nil
}

// FormatRaw renders a raw value the way it appears on the wire and the bus.
func FormatRaw(f Field, raw int) string {
	if f.IsSwitch() {
		return FormatOnOff(raw)
	}
	return strconv.Itoa(raw)
}

// Origin records which surface produced a command. Used for logging and
// telemetry only.
type Origin string

const (
	OriginREST Origin = "REST"
	OriginBus  Origin = "BUS"
	OriginPoll Origin = "POLL"
)
