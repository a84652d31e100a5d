package pingme

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Normalize coerces a REST response, mutation response or push payload into a
// Message. The record may be wrapped one level deep under "message".
//
// Identity, text, sender and one of updatedAt/createdAt are required; a
// missing field is a *ValidationError, never a zero value. Normalizing a
// Message returns it unchanged.
func Normalize(payload any) (Message, error) {
	var fields map[string]any
	switch p := payload.(type) {
	case Message:
		return normalizeMessage(p)
	case *Message:
		if p == nil {
			return Message{}, &ValidationError{Field: "payload", Reason: "is nil"}
		}
		return normalizeMessage(*p)
	case map[string]any:
		fields = p
	case json.RawMessage:
		return normalizeJSON(p)
	case []byte:
		return normalizeJSON(p)
	case string:
		return normalizeJSON([]byte(p))
	default:
		return Message{}, &ValidationError{Field: "payload", Reason: "is not an object"}
	}
	return normalizeFields(fields)
}

func normalizeJSON(data []byte) (Message, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Message{}, &ValidationError{Field: "payload", Reason: "is not a JSON object"}
	}
	return normalizeFields(fields)
}

func normalizeMessage(m Message) (Message, error) {
	switch {
	case m.ID == "":
		return Message{}, &ValidationError{Field: "id", Reason: "is missing"}
	case m.Text == "":
		return Message{}, &ValidationError{Field: "text", Reason: "is missing"}
	case m.SenderID == "":
		return Message{}, &ValidationError{Field: "senderId", Reason: "is missing"}
	case m.Timestamp.IsZero():
		return Message{}, &ValidationError{Field: "timestamp", Reason: "is missing"}
	}
	return m, nil
}

func normalizeFields(fields map[string]any) (Message, error) {
	source := fields
	if nested, ok := fields["message"].(map[string]any); ok {
		source = nested
	}

	id, ok := firstString(source, "_id", "id")
	if !ok {
		return Message{}, &ValidationError{Field: "id", Reason: "is missing"}
	}
	text, ok := firstString(source, "text")
	if !ok {
		return Message{}, &ValidationError{Field: "text", Reason: "is missing"}
	}
	sender, ok := firstString(source, "senderId")
	if !ok {
		return Message{}, &ValidationError{Field: "senderId", Reason: "is missing"}
	}

	var ts time.Time
	found := false
	for _, key := range []string{"updatedAt", "createdAt", "timestamp"} {
		raw, present := source[key]
		if !present || raw == nil || raw == "" {
			continue
		}
		found = true
		t, err := parseTimestamp(raw)
		if err != nil {
			return Message{}, &ValidationError{Field: key, Reason: "is not a timestamp"}
		}
		ts = t
		break
	}
	if !found {
		return Message{}, &ValidationError{Field: "updatedAt", Reason: "and createdAt are missing"}
	}

	return Message{ID: id, Text: text, SenderID: sender, Timestamp: ts}, nil
}

// firstString returns the first key holding a non-empty scalar, coerced to string.
func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case json.Number:
			return v.String(), true
		case bool:
			return strconv.FormatBool(v), true
		}
	}
	return "", false
}

// parseTimestamp accepts RFC 3339 strings, numeric strings and unix milliseconds.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			break
		}
		return time.UnixMilli(int64(t)).UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{Field: "timestamp", Reason: "is not a timestamp"}
}
