package syncer

import (
	"friendsync/pkg/types"
)

type State string

const (
	StateIdle             State = "idle"
	StateVerifying        State = "verifying"
	StateAnnouncing       State = "announcing"
	StateAwaitingResponse State = "awaiting_response"
	StateApplying         State = "applying"
	StateUnauthorized     State = "unauthorized"
	StateFailed           State = "failed"
	StateClosed           State = "closed"
)

// Terminal reports whether no further messages are processed in s.
func (s State) Terminal() bool {
	return s == StateUnauthorized || s == StateFailed || s == StateClosed
}

type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventVerified       EventType = "verified"
	EventUnauthorized   EventType = "unauthorized"
	EventAnnounced      EventType = "announced"
	EventRequestSent    EventType = "request_sent"
	EventRequestServed  EventType = "request_served"
	EventSynced         EventType = "synced"
	EventRequestTimeout EventType = "request_timeout"
	EventRateLimited    EventType = "rate_limited"
	EventTransportError EventType = "transport_error"
	EventError          EventType = "error"
)

// Event is delivered to session subscribers.
type Event struct {
	Type      EventType
	PeerID    types.UserID
	State     State
	RequestID string
	Result    *AcceptResult
	Err       error
}
