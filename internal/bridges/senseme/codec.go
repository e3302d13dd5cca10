package senseme

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Verb is the action carried by an outbound frame.
type Verb string

const (
	VerbGet Verb = "GET"
	VerbSet Verb = "SET"
)

const (
	outboundOpen  = '<'
	outboundClose = '>'
	inboundOpen   = '('
	inboundClose  = ')'
	separator     = ";"
)

// Response is a decoded inbound frame.
type Response struct {
	Device string
	Field  Field

	// Value is the raw value for settable fields.
	Value int

	// Text is the undecoded value token. It carries the name for NAME replies.
	Text string
}

// EncodeGet builds a read frame: <Name;FIELD;GET>.
func EncodeGet(device string, f Field) ([]byte, error) {
	return encode(device, f, VerbGet, "")
}

// EncodeSet builds a write frame: <Name;FIELD;SET;VALUE>.
//
// The raw value is range-checked here so nothing the device would reject
// ever reaches the socket.
func EncodeSet(device string, f Field, raw int) ([]byte, error) {
	if f == fieldName {
		return nil, fmt.Errorf("%w: name is read-only", ErrUnknownField)
	}
	if err := checkRaw(f, raw); err != nil {
		return nil, err
	}
	return encode(device, f, VerbSet, FormatRaw(f, raw))
}

func encode(device string, f Field, verb Verb, value string) ([]byte, error) {
	wire := f.wire()
	if wire == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	if strings.ContainsAny(device, ";<>()") {
		return nil, fmt.Errorf("senseme: device name %q contains a frame delimiter", device)
	}

	var b bytes.Buffer
	b.WriteByte(outboundOpen)
	b.WriteString(device)
	b.WriteString(separator)
	b.WriteString(wire)
	b.WriteString(separator)
	b.WriteString(string(verb))
	if verb == VerbSet {
		b.WriteString(separator)
		b.WriteString(value)
	}
	b.WriteByte(outboundClose)
	return b.Bytes(), nil
}

// Decode parses an inbound frame: (Name;FIELD;VALUE).
//
// Anything that is not exactly three fields inside parentheses, names an
// unknown FIELD, or carries a value the field cannot hold is reported as
// ErrMalformedFrame.
func Decode(frame []byte) (Response, error) {
	s := strings.TrimSpace(string(frame))
	if len(s) < 2 || s[0] != inboundOpen || s[len(s)-1] != inboundClose {
		return Response{}, malformed("missing parentheses", s)
	}

	parts := strings.Split(s[1:len(s)-1], separator)
	if len(parts) != 3 {
		return Response{}, malformed(fmt.Sprintf("want 3 fields, got %d", len(parts)), s)
	}

	f, ok := fieldsByWire[parts[1]]
	if !ok {
		return Response{}, malformed("unknown field "+strconv.Quote(parts[1]), s)
	}

	resp := Response{Device: parts[0], Field: f, Text: parts[2]}
	if f == fieldName {
		return resp, nil
	}

	v, err := decodeValue(f, parts[2])
	if err != nil {
		return Response{}, malformed(err.Error(), s)
	}
	resp.Value = v
	return resp, nil
}

func decodeValue(f Field, token string) (int, error) {
	if f.IsSwitch() {
		switch token {
		case TokenOn:
			return On, nil
		case TokenOff:
			return Off, nil
		}
		return 0, fmt.Errorf("switch value %q", token)
	}
	n, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("non-integer value %q", token)
	}
	if err := checkRaw(f, n); err != nil {
		return 0, err
	}
	return n, nil
}

func checkRaw(f Field, raw int) error {
	if f.IsSwitch() {
		if raw != On && raw != Off {
			return fmt.Errorf("%w: %s raw value %d", ErrOutOfRange, f, raw)
		}
		return nil
	}
	if top := f.MaxRaw(); raw < 0 || raw > top {
		return fmt.Errorf("%w: %s raw value %d outside 0-%d", ErrOutOfRange, f, raw, top)
	}
	return nil
}

func malformed(reason, frame string) error {
	return fmt.Errorf("%w: %s: %q", ErrMalformedFrame, reason, frame)
}
