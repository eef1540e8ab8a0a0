package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/splax/devmarket/internal/domain"
)

// ErrMalformedEvent marks an inbound frame that matches no known shape.
var ErrMalformedEvent = errors.New("status: malformed event")

// Kind is the wire discriminator of a status frame.
type Kind string

// Frame kinds.
const (
	KindProgress Kind = "progress"
	KindStatus   Kind = "status"
	KindMessage  Kind = "message"
)

// Event is one decoded status frame: Progress, StatusChange or Message.
type Event interface {
	Kind() Kind
	sealed()
}

// Progress carries the latest deployment progress, clamped to 0..100.
type Progress struct {
	Value int
}

// StatusChange carries a status signal. Raw keeps the wire value when it
// was not recognised and was mapped to StatusError.
type StatusChange struct {
	Value domain.StatusValue
	Raw   string
}

// Message is a free-form log line.
type Message struct {
	Content string
}

func (Progress) Kind() Kind     { return KindProgress }
func (StatusChange) Kind() Kind { return KindStatus }
func (Message) Kind() Kind      { return KindMessage }

func (Progress) sealed()     {}
func (StatusChange) sealed() {}
func (Message) sealed()      {}

type wireFrame struct {
	Type    json.RawMessage `json:"type"`
	Value   json.RawMessage `json:"value"`
	Content json.RawMessage `json:"content"`
}

// Decode converts an untrusted text frame into an Event. Every failure is
// returned as an error wrapping ErrMalformedEvent.
func Decode(frame []byte) (Event, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, malformed("frame is not a json object")
	}
	var wire wireFrame
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	var kind string
	if absent(wire.Type) || json.Unmarshal(wire.Type, &kind) != nil {
		return nil, malformed("type must be a string")
	}

	switch Kind(kind) {
	case KindProgress:
		value, err := decodeProgress(wire.Value)
		if err != nil {
			return nil, err
		}
		return Progress{Value: value}, nil
	case KindStatus:
		var raw string
		if absent(wire.Value) || json.Unmarshal(wire.Value, &raw) != nil {
			return nil, malformed("status value must be a string")
		}
		if value, ok := domain.ParseStatusValue(strings.ToLower(strings.TrimSpace(raw))); ok {
			return StatusChange{Value: value}, nil
		}
		return StatusChange{Value: domain.StatusError, Raw: raw}, nil
	case KindMessage:
		var content string
		if absent(wire.Content) || json.Unmarshal(wire.Content, &content) != nil {
			return nil, malformed("message content must be a string")
		}
		return Message{Content: content}, nil
	default:
		return nil, malformed("unknown type %q", kind)
	}
}

func decodeProgress(raw json.RawMessage) (int, error) {
	if absent(raw) {
		return 0, malformed("progress value missing")
	}
	var text string
	if raw[0] == '"' {
		if json.Unmarshal(raw, &text) != nil {
			return 0, malformed("progress value is not numeric")
		}
		text = strings.TrimSpace(text)
	} else {
		var number json.Number
		if json.Unmarshal(raw, &number) != nil {
			return 0, malformed("progress value is not numeric")
		}
		text = number.String()
	}
	// Out of range values parse to ±Inf and clamp like any other overflow.
	parsed, err := strconv.ParseFloat(text, 64)
	if (err != nil && !errors.Is(err, strconv.ErrRange)) || math.IsNaN(parsed) {
		return 0, malformed("progress value %q is not numeric", text)
	}
	return ClampProgress(parsed), nil
}

// ClampProgress rounds v and bounds it to the 0..100 range.
func ClampProgress(v float64) int {
	switch {
	case math.IsNaN(v):
		return 0
	case v <= 0:
		return 0
	case v >= 100:
		return 100
	}
	return int(math.Round(v))
}

// absent treats a missing field and an explicit null alike.
func absent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}
