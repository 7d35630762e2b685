package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidJSON is returned when a request body is empty, malformed, or not a JSON object.
	ErrInvalidJSON = errors.New("invalid JSON")

	// ErrMissingEventType is returned when event_type is absent or falsy.
	ErrMissingEventType = errors.New("missing event_type")
)

type (
	// Payload is the decoded form of one request body. Each recognized key has its own
	// lenient type, so no field value can make decoding fail once the body is a JSON object.
	// Unrecognized keys, including a client "timestamp", are dropped.
	Payload struct {
		EventType       RequiredText
		URL             Text
		TabID           OptionalInt
		Text            Text
		HighlightedText Text
		ClickedURL      Text
		Action          Text
		UserAgent       Text
		PageTitle       Text
		HTMLContent     Text
	}

	// Text is a string field where null or absent means "". Non-string JSON values are kept
	// as their compact JSON text, so {"url": 42} stores "42".
	Text string

	// RequiredText is a field that must be truthy: null, false, 0, "", [] and {} are not.
	RequiredText struct {
		Value  string
		Truthy bool
	}
)

// Decode parses a request body into a Payload.
//
// Matching of keys is exact (case-sensitive), and when a key repeats the last value wins.
func Decode(body []byte) (*Payload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidJSON
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, ErrInvalidJSON
	}

	p := &Payload{}

	targets := map[string]json.Unmarshaler{
		"event_type":       &p.EventType,
		"url":              &p.URL,
		"tab_id":           &p.TabID,
		"text":             &p.Text,
		"highlighted_text": &p.HighlightedText,
		"clicked_url":      &p.ClickedURL,
		"action":           &p.Action,
		"user_agent":       &p.UserAgent,
		"page_title":       &p.PageTitle,
		"html_content":     &p.HTMLContent,
	}

	for key, target := range targets {
		raw, ok := fields[key]
		if !ok {
			continue
		}

		// The lenient types never fail on syntactically valid JSON, which Unmarshal
		// above has already guaranteed.
		if err := target.UnmarshalJSON(raw); err != nil {
			return nil, ErrInvalidJSON
		}
	}

	return p, nil
}

// Normalize turns the payload into a BrowserEvent captured at capturedAt.
func (p *Payload) Normalize(capturedAt time.Time) (*BrowserEvent, error) {
	if !p.EventType.Truthy {
		return nil, ErrMissingEventType
	}

	return &BrowserEvent{
		EventType:       p.EventType.Value,
		URL:             string(p.URL),
		TabID:           p.TabID,
		Text:            string(p.Text),
		HighlightedText: string(p.HighlightedText),
		ClickedURL:      string(p.ClickedURL),
		Action:          string(p.Action),
		UserAgent:       string(p.UserAgent),
		PageTitle:       string(p.PageTitle),
		HTMLContent:     string(p.HTMLContent),
		Timestamp:       capturedAt,
	}, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	value, err := textOf(data)
	if err != nil {
		return err
	}

	*t = Text(value)

	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RequiredText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	value, err := textOf(data)
	if err != nil {
		return err
	}

	r.Value = value

	// Strings are judged after NUL removal, so "\u0000" cannot store an empty event_type.
	if len(data) > 0 && data[0] == '"' {
		r.Truthy = value != ""
	} else {
		r.Truthy = truthy(data)
	}

	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Values that cannot be read as a 32-bit
// integer leave o absent instead of failing.
func (o *OptionalInt) UnmarshalJSON(data []byte) error {
	*o = OptionalInt{}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil //nolint:nilerr // malformed strings are absent, not errors
		}

		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32); err == nil {
			*o = SomeInt(int32(v))
		}
	case 't':
		*o = SomeInt(1)
	case 'f':
		*o = SomeInt(0)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if v, err := strconv.ParseInt(string(data), 10, 32); err == nil {
			*o = SomeInt(int32(v))

			return nil
		}

		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil //nolint:nilerr // out of float range means absent
		}

		if f = math.Trunc(f); f >= math.MinInt32 && f <= math.MaxInt32 {
			*o = SomeInt(int32(f))
		}
	}

	return nil
}

// textOf converts one raw JSON value to its stored text form. NUL characters are removed
// because PostgreSQL text columns cannot hold them.
func textOf(data []byte) (string, error) {
	data = bytes.TrimSpace(data)

	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return "", nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}

		return strings.ReplaceAll(s, "\x00", ""), nil
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return "", err
		}

		return buf.String(), nil
	}
}

// truthy reports whether a raw JSON value counts as present for a required field.
func truthy(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	switch data[0] {
	case 'n', 'f':
		return false
	case 't':
		return true
	case '"':
		var s string

		return json.Unmarshal(data, &s) == nil && s != ""
	case '[':
		var items []json.RawMessage

		return json.Unmarshal(data, &items) == nil && len(items) > 0
	case '{':
		var members map[string]json.RawMessage

		return json.Unmarshal(data, &members) == nil && len(members) > 0
	default:
		// A JSON number is zero exactly when its mantissa has no non-zero digit.
		mantissa, _, _ := bytes.Cut(bytes.ToLower(data), []byte("e"))

		return bytes.ContainsAny(mantissa, "123456789")
	}
}
