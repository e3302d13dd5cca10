package bus

import (
	"time"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
)

// AckStatus represents the outcome of a bus command.
type AckStatus string

const (
	// AckAccepted indicates the device confirmed the command.
	AckAccepted AckStatus = "accepted"

	// AckRejected indicates the payload or topic was invalid. Nothing was sent.
	AckRejected AckStatus = "rejected"

	// AckFailed indicates the device did not confirm the command.
	AckFailed AckStatus = "failed"
)

// Error codes carried in acknowledgements.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeUnknownField      = "UNKNOWN_FIELD"
	ErrCodeBusy              = "BUSY"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// AckMessage is published to <base>/ack after every bus command.
// QoS: configured, Retained: No
type AckMessage struct {
	// CommandID is generated per received command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgement was sent (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Topic is the command topic the payload arrived on.
	Topic string `json:"topic"`

	// Field is the target field, when it could be resolved.
	Field string `json:"field,omitempty"`

	// Payload is the received payload, verbatim.
	Payload string `json:"payload"`

	Status AckStatus `json:"status"`

	// Value is the device-confirmed raw value for accepted commands, or the
	// last known value for failed ones.
	Value *int `json:"value,omitempty"`

	// Error contains details if status is "rejected" or "failed".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for rejected or failed commands.
type AckError struct {
	// Code is one of the ErrCode constants.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Attempts is the number of device attempts made.
	Attempts int `json:"attempts,omitempty"`
}

// NewAckAccepted builds an acknowledgement for a confirmed command.
func NewAckAccepted(id, topic string, field senseme.Field, payload string, value int) AckMessage {
	return AckMessage{
		CommandID: id,
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Field:     string(field),
		Payload:   payload,
		Status:    AckAccepted,
		Value:     &value,
	}
}

// NewAckRejected builds an acknowledgement for an invalid command.
func NewAckRejected(id, topic, field, payload, code, message string) AckMessage {
	return AckMessage{
		CommandID: id,
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Field:     field,
		Payload:   payload,
		Status:    AckRejected,
		Error:     &AckError{Code: code, Message: message},
	}
}

// NewAckFailed builds an acknowledgement for a command the device never confirmed.
func NewAckFailed(id, topic string, field senseme.Field, payload string, lastKnown *int, attempts int, message string) AckMessage {
	return AckMessage{
		CommandID: id,
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Field:     string(field),
		Payload:   payload,
		Status:    AckFailed,
		Value:     lastKnown,
		Error: &AckError{
			Code:     ErrCodeDeviceUnreachable,
			Message:  message,
			Attempts: attempts,
		},
	}
}

// StateMessage is the combined snapshot on <base>/state.
// QoS: configured, Retained: Yes
type StateMessage struct {
	senseme.FanState

	SpeedPercent      int `json:"speed_percent"`
	LightLevelPercent int `json:"light_level_percent"`
}

// NewStateMessage adds the percentage mirrors to a snapshot.
func NewStateMessage(s senseme.FanState) StateMessage {
	return StateMessage{
		FanState:          s,
		SpeedPercent:      senseme.ToPercent(senseme.FieldSpeed, s.Speed),
		LightLevelPercent: senseme.ToPercent(senseme.FieldLightLevel, s.LightLevel),
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the last poll read every field.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the fan answers commands but the last poll failed.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the fan is not answering.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthStarting indicates no poll has completed yet.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published to <base>/health.
// QoS: configured, Retained: Yes
// Interval: Every 30 seconds
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// Device describes the fan connection.
	Device *DeviceStatus `json:"device,omitempty"`

	// Statistics contains operational counters.
	Statistics *Statistics `json:"statistics,omitempty"`

	// Reason explains the status (especially for degraded/unhealthy).
	Reason string `json:"reason,omitempty"`
}

// DeviceStatus describes the fan link.
type DeviceStatus struct {
	Address     string     `json:"address"`
	Name        string     `json:"name,omitempty"`
	Reachable   bool       `json:"reachable"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastPoll    *time.Time `json:"last_poll,omitempty"`
}

// Statistics contains operational counters.
type Statistics struct {
	Commands        uint64 `json:"commands"`
	CommandFailures uint64 `json:"command_failures"`
	Attempts        uint64 `json:"attempts"`
	Timeouts        uint64 `json:"timeouts"`
	TransportErrors uint64 `json:"transport_errors"`
	MalformedFrames uint64 `json:"malformed_frames"`
	Polls           uint64 `json:"polls"`
	PollFailures    uint64 `json:"poll_failures"`
	DroppedCommands uint64 `json:"dropped_commands"`
}
