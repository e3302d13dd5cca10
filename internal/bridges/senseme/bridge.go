package senseme

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command is a client request to change one field.
type Command struct {
	// ID correlates acknowledgements. Generated when empty.
	ID string

	Field  Field
	Input  int
	Origin Origin

	// Percent forces Input to be read as a percentage even when it is
	// within the raw range.
	Percent bool
}

// Bridge accepts commands from any client surface, runs them against the
// device and commits the device's answer to the shared state.
//
// Thread Safety:
//   - Safe for concurrent use. Commands are executed one at a time so the
//     cache always reflects the device's most recent answer.
type Bridge struct {
	fan *Fan

	// slot serialises execute and commit across callers.
	slot chan struct{}
}

// NewBridge creates a command bridge on the shared fan context.
func NewBridge(fan *Fan) (*Bridge, error) {
	if fan == nil {
		return nil, errors.New("fan is required")
	}
	return &Bridge{
		fan:  fan,
		slot: make(chan struct{}, 1),
	}, nil
}

// State returns the cached state.
func (b *Bridge) State() FanState {
	return b.fan.State()
}

// SetField translates input, executes it, commits the device's reported
// value and returns the resulting state.
//
// Parameters:
//   - ctx: Bounds the wait for the device; an in-flight command is never
//     abandoned half-way
//   - f: Target field
//   - input: Raw value, percentage, or On/Off
//   - origin: Requesting surface, for logs and telemetry
//
// Returns:
//   - FanState: State after the device's answer was applied
//   - error: ErrOutOfRange (no I/O attempted) or a *CommandError
func (b *Bridge) SetField(ctx context.Context, f Field, input int, origin Origin) (FanState, error) {
	return b.Do(ctx, Command{Field: f, Input: input, Origin: origin})
}

// Do runs a fully described command. See SetField.
func (b *Bridge) Do(ctx context.Context, cmd Command) (FanState, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	rec := CommandRecord{ID: cmd.ID, Field: cmd.Field, Origin: cmd.Origin}

	raw, err := b.translate(cmd)
	if err != nil {
		rec.Err = err
		b.fan.observer.ObserveCommand(rec)
		b.fan.logDebug("fan command rejected", "id", cmd.ID, "field", cmd.Field, "input", cmd.Input, "error", err)
		return FanState{}, err
	}
	rec.Requested = raw

	select {
	case b.slot <- struct{}{}:
	case <-ctx.Done():
		return FanState{}, ctx.Err()
	}
	defer func() { <-b.slot }()

	start := time.Now()
	reply, err := b.fan.link.Execute(ctx, cmd.Field, raw)
	rec.Latency = time.Since(start)
	rec.Attempts = len(reply.Attempts)

	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			rec.Attempts = len(cmdErr.Attempts)
			state := b.fan.State()
			if v, ok := state.Raw(cmd.Field); ok && state.Known() {
				cmdErr.Value = v
			}
		}
		rec.Err = err
		b.fan.observer.ObserveCommand(rec)
		b.fan.logWarn("fan command failed",
			"id", cmd.ID,
			"field", cmd.Field,
			"origin", cmd.Origin,
			"requested", raw,
			"error", err,
		)
		return b.fan.State(), err
	}

	rec.Reported = reply.Value
	state := b.fan.commitCommand(cmd.Field, reply.Value)
	b.fan.observer.ObserveCommand(rec)

	b.fan.logInfo("fan command applied",
		"id", cmd.ID,
		"field", cmd.Field,
		"origin", cmd.Origin,
		"requested", raw,
		"reported", reply.Value,
		"attempts", rec.Attempts,
	)
	return state, nil
}

func (b *Bridge) translate(cmd Command) (int, error) {
	if !b.fan.cache.Tracks(cmd.Field) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownField, cmd.Field)
	}
	if cmd.Percent && !cmd.Field.IsSwitch() {
		return PercentToRaw(cmd.Field, cmd.Input)
	}
	return ToRaw(cmd.Field, cmd.Input)
}

// Read fetches one field from the device and folds the answer into the
// cache the same way a poll does: a value superseded by a concurrent
// command is not applied.
//
// Returns:
//   - int: The device's reported raw value
//   - error: ErrUnknownField or a *CommandError
func (b *Bridge) Read(ctx context.Context, f Field) (int, error) {
	if !b.fan.cache.Tracks(f) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownField, f)
	}

	seq := b.fan.cache.Seq()
	reply, err := b.fan.link.ReadField(ctx, f)
	if err != nil {
		b.fan.logWarn("fan read failed", "field", f, "error", err)
		return 0, err
	}

	for _, c := range b.fan.commitPoll([]Change{{Field: f, Value: reply.Value}}, seq) {
		b.fan.logInfo("fan state changed", "field", c.Field, "value", c.Value, "origin", OriginREST)
	}
	return reply.Value, nil
}
