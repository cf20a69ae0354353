package domain

import (
	"strings"
	"time"
)

// Registration is the scope metadata attached to a live connection.
// ExpirationTime is advisory only; nothing evicts a registration when it passes.
type Registration struct {
	ConnectionID   string    `json:"connection_id"`
	MerchantID     string    `json:"merchant_id"`
	UserID         string    `json:"user_id"`
	ExpirationTime time.Time `json:"expiration_time"`
}

// Target is one entry of a resolved broadcast target set.
type Target struct {
	ConnectionID string `json:"cid"`
	UserID       string `json:"user_id"`
}

// AllUsersSentinel selects every registration of a merchant.
const AllUsersSentinel = "__all__"

// Selector picks the users of a merchant a broadcast is addressed to.
// The zero value selects nobody and is rejected by validation.
type Selector struct {
	all     bool
	userIDs []string
}

// AllUsers returns the selector matching every user of a merchant.
func AllUsers() Selector {
	return Selector{all: true}
}

// Users returns a selector for an explicit list of user ids.
func Users(userIDs ...string) Selector {
	ids := make([]string, len(userIDs))
	copy(ids, userIDs)
	return Selector{userIDs: ids}
}

// All reports whether the selector is the "all users" sentinel.
func (s Selector) All() bool { return s.all }

// UserIDs returns a copy of the explicit user ids (nil for AllUsers).
func (s Selector) UserIDs() []string {
	if s.all || len(s.userIDs) == 0 {
		return nil
	}
	ids := make([]string, len(s.userIDs))
	copy(ids, s.userIDs)
	return ids
}

// Empty reports whether the selector matches nobody.
func (s Selector) Empty() bool {
	return !s.all && len(s.userIDs) == 0
}

// Key returns a stable string identifying the selector.
func (s Selector) Key() string {
	if s.all {
		return AllUsersSentinel
	}
	return strings.Join(s.userIDs, "\x00")
}
