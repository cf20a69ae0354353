package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Role classifies the sender of an inbound envelope.
type Role string

const (
	RoleFrontend Role = "frontend"
	RoleBackend  Role = "backend"
	RolePing     Role = "ping"
)

// Event is a parsed inbound envelope. The concrete type carries the fields its role needs.
type Event interface {
	Role() Role
}

// RegisterEvent is sent by a frontend to bind its connection to a scope.
type RegisterEvent struct {
	MerchantID string
	UserID     string
}

func (RegisterEvent) Role() Role { return RoleFrontend }

// BroadcastEvent is sent by a backend to fan a payload out to a scope.
type BroadcastEvent struct {
	MerchantID string
	Audience   Selector
	Payload    Payload
}

func (BroadcastEvent) Role() Role { return RoleBackend }

// PingEvent is a liveness check answered with "pong".
type PingEvent struct{}

func (PingEvent) Role() Role { return RolePing }

// ParseEvent decodes and validates an inbound envelope.
//
// A frontend envelope without merchant or user fails with ErrInvalidScope and a
// backend envelope without merchant or audience fails with ErrBroadcastScope.
// In both cases the partially decoded event is still returned for logging.
func ParseEvent(raw []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload Payload
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: envelope is not an object", ErrMalformedMessage)
	}

	id, ok := payload["id"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing id block", ErrMalformedMessage)
	}
	role, _ := id["type"].(string)
	merchantID, _ := IDText(id["merchant_id"])

	var audienceData any
	if audience, ok := payload[fieldAudience].(map[string]any); ok {
		audienceData = audience["data"]
	}

	switch Role(role) {
	case RoleFrontend:
		userID, _ := IDText(audienceData)
		ev := RegisterEvent{MerchantID: merchantID, UserID: userID}
		if ev.MerchantID == "" || ev.UserID == "" {
			return ev, ErrInvalidScope
		}
		return ev, nil

	case RoleBackend:
		ev := BroadcastEvent{
			MerchantID: merchantID,
			Audience:   parseSelector(audienceData),
			Payload:    payload,
		}
		if ev.MerchantID == "" || ev.Audience.Empty() {
			return ev, ErrBroadcastScope
		}
		return ev, nil

	case RolePing:
		return PingEvent{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
}

func parseSelector(v any) Selector {
	switch data := v.(type) {
	case []any:
		ids := make([]string, 0, len(data))
		for _, item := range data {
			if id, ok := IDText(item); ok && id != "" {
				ids = append(ids, id)
			}
		}
		return Users(ids...)
	default:
		id, ok := IDText(data)
		if !ok || id == "" {
			return Selector{}
		}
		if id == AllUsersSentinel {
			return AllUsers()
		}
		return Users(id)
	}
}
