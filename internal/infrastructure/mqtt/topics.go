package mqtt

import "strings"

// Suffixes under the base topic.
const (
	setSuffix     = "/set"
	percentSuffix = "_percent"
)

// Topics builds the bridge's topic tree under a single base topic.
//
//	topics := mqtt.NewTopics("haiku_fan")
//	topics.Field("speed")        // haiku_fan/speed
//	topics.FieldPercent("speed") // haiku_fan/speed_percent
//	topics.FieldSet("speed")     // haiku_fan/speed/set
type Topics struct {
	base string
}

// NewTopics returns a topic builder rooted at base. Trailing slashes are trimmed.
func NewTopics(base string) Topics {
	return Topics{base: strings.TrimRight(base, "/")}
}

// Base returns the root of the topic tree.
func (t Topics) Base() string {
	return t.base
}

// Field returns the retained raw-value topic for a field.
//
// Example: haiku_fan/light_level
func (t Topics) Field(field string) string {
	return t.base + "/" + field
}

// FieldPercent returns the retained percentage mirror topic for a ranged field.
//
// Example: haiku_fan/light_level_percent
func (t Topics) FieldPercent(field string) string {
	return t.base + "/" + field + percentSuffix
}

// FieldSet returns the command topic for a field.
//
// Example: haiku_fan/power/set
func (t Topics) FieldSet(field string) string {
	return t.Field(field) + setSuffix
}

// AllSets returns the wildcard subscription covering every command topic.
//
// Example: haiku_fan/+/set
func (t Topics) AllSets() string {
	return t.base + "/+" + setSuffix
}

// State returns the retained combined JSON snapshot topic.
func (t Topics) State() string {
	return t.base + "/state"
}

// Status returns the availability topic carrying online/offline and the LWT.
func (t Topics) Status() string {
	return t.base + "/status"
}

// Health returns the topic for periodic health reports.
func (t Topics) Health() string {
	return t.base + "/health"
}

// Ack returns the topic for bus command acknowledgements.
func (t Topics) Ack() string {
	return t.base + "/ack"
}

// ParseSet extracts the field name from a command topic.
//
// Returns ("", false) for topics outside this tree or not ending in /set.
// Nested names (a/b/set) are rejected so a single + wildcard stays exact.
func (t Topics) ParseSet(topic string) (string, bool) {
	prefix := t.base + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, setSuffix) {
		return "", false
	}
	field := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), setSuffix)
	if field == "" || strings.Contains(field, "/") {
		return "", false
	}
	return field, true
}
