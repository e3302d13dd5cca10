package senseme

import "fmt"

// Native ranges of the ranged fields.
const (
	MaxSpeed      = 7
	MaxLightLevel = 16
	MaxPercent    = 100
)

// ToRaw converts caller input into the device's native value.
//
// Ranged fields use a dual-mode rule: an input at or below the field's
// native maximum is already raw; anything above it, up to 100, is a
// percentage scaled with round-half-up integer arithmetic. Inputs below
// zero or above 100 fail with ErrOutOfRange. Switch fields accept only
// On or Off.
func ToRaw(f Field, input int) (int, error) {
	if f.IsSwitch() {
		if input != On && input != Off {
			return 0, fmt.Errorf("%w: %s takes ON or OFF, got %d", ErrOutOfRange, f, input)
		}
		return input, nil
	}

	top := f.MaxRaw()
	if top == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	if input < 0 || input > MaxPercent {
		return 0, fmt.Errorf("%w: %s must be 0-%d, got %d", ErrOutOfRange, f, MaxPercent, input)
	}
	if input <= top {
		return input, nil
	}
	return scale(input, top), nil
}

// PercentToRaw always treats input as a percentage, so 5 means 5% rather
// than raw 5. Used by the *_percent command topics.
func PercentToRaw(f Field, percent int) (int, error) {
	top := f.MaxRaw()
	if top == 0 {
		return 0, fmt.Errorf("%w: %s has no percentage form", ErrOutOfRange, f)
	}
	if percent < 0 || percent > MaxPercent {
		return 0, fmt.Errorf("%w: %s percent must be 0-%d, got %d", ErrOutOfRange, f, MaxPercent, percent)
	}
	return scale(percent, top), nil
}

// ToPercent converts a raw value to a rounded percentage. Switches map to
// 0 or 100.
func ToPercent(f Field, raw int) int {
	if f.IsSwitch() {
		if raw != Off {
			return MaxPercent
		}
		return 0
	}
	top := f.MaxRaw()
	if top == 0 {
		return 0
	}
	return (raw*MaxPercent + top/2) / top
}

// scale is round(p*top/100) with halves rounding up.
func scale(p, top int) int {
	return (p*top + MaxPercent/2) / MaxPercent
}
