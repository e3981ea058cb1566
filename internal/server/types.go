// Package server defines the wire protocol shared by client and dispatcher
// logic, plus utility helpers reused across the hub.
package server

import (
	"encoding/json"
	"strings"
	"time"
)

// Inbound event names accepted from clients.
const (
	eventJoin           = "join"
	eventMessage        = "message"
	eventProfileUpdate  = "profileUpdate"
	eventNicknameUpdate = "nicknameUpdate"
	eventLogout         = "logout"
)

// Outbound-only event names. The message and logout names are shared with the
// inbound side.
const (
	eventAllUsers = "allUsers"
	eventNewUser  = "newUser"
	eventResUser  = "resUser"
)

// Status codes carried on chat-style broadcasts, kept compatible with the
// frontend: 0 chat message, 1 user joined, 2 user left.
const (
	statusMessage = 0
	statusJoined  = 1
	statusLeft    = 2
)

// clientEnvelope is the inbound message format: a named event plus a raw
// payload decoded per event by the dispatcher.
type clientEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// serverEnvelope is the outbound counterpart.
type serverEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type joinPayload struct {
	Identity string `json:"identity"`
}

type messagePayload struct {
	Text string `json:"text"`
}

type profileUpdatePayload struct {
	Target string `json:"target"`
	Text   string `json:"text"`
}

type nicknameUpdatePayload struct {
	Target string `json:"target"`
	Name   string `json:"name"`
}

// chatEvent is the payload shape shared by newUser, message, and logout
// broadcasts.
type chatEvent struct {
	User    string `json:"user"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// RosterEntry is one element of the allUsers broadcast, in roster order.
type RosterEntry struct {
	Pseudo    string    `json:"pseudo"`
	Mood      Mood      `json:"mood,omitempty"`
	ShortID   string    `json:"shortId,omitempty"`
	JoinedAt  time.Time `json:"joinedAt"`
	Profile   []string  `json:"profile"`
	Nicknames []string  `json:"nicknames"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
