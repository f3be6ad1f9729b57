package types

import "time"

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// CommittedEvent is an event together with the call that produced it. Events
// are only wrapped once the call has been committed.
type CommittedEvent struct {
	CallID      string    `json:"callId"`
	Height      uint64    `json:"height"`
	Index       int       `json:"index"`
	CommittedAt time.Time `json:"committedAt"`
	Event       Event     `json:"event"`
}
