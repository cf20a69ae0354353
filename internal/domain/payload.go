package domain

import (
	"encoding/json"
	"strconv"
)

// Payload is a decoded event envelope. Fields the relay does not interpret are
// carried through untouched.
type Payload map[string]any

const (
	fieldAudience = "audience"
	fieldAllow    = "message"
	fieldContent  = "content"
	fieldMessage  = "message"
)

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return Payload(cloneMap(p))
}

// AllowList returns the user ids of audience.message as text.
func (p Payload) AllowList() []string {
	audience, ok := p[fieldAudience].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := audience[fieldAllow].([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := IDText(v); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Allowed reports whether userID may see content.message.
func (p Payload) Allowed(userID string) bool {
	for _, id := range p.AllowList() {
		if id == userID {
			return true
		}
	}
	return false
}

// Redact returns a copy of the payload tailored to one recipient. When the
// recipient is not allowed and content.message is truthy, the copy has it removed.
// The receiver is never modified.
func (p Payload) Redact(allowed bool) Payload {
	out := p.Clone()
	if allowed {
		return out
	}
	content, ok := out[fieldContent].(map[string]any)
	if !ok {
		return out
	}
	if truthy(content[fieldMessage]) {
		delete(content, fieldMessage)
	}
	return out
}

// Encode renders the payload as JSON text.
func (p Payload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// IDText renders a JSON scalar user/merchant id as text. Strings pass through,
// numbers use their literal form. Anything else is rejected.
func IDText(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, true
	case json.Number:
		return id.String(), true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	default:
		return "", false
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case json.Number:
		f, err := x.Float64()
		return err != nil || f != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case Payload:
		return Payload(cloneMap(x))
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return x
	}
}
