package chat

import "time"

// SessionState tracks the lifecycle of a live conversation.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionClosing SessionState = "closing"
	SessionClosed  SessionState = "closed"
)

// Session captures a participant's live conversation as seen from outside the registry.
type Session struct {
	ID           string       `json:"id"`
	CreatedAt    time.Time    `json:"createdAt"`
	CurrentPage  string       `json:"currentPage"`
	State        SessionState `json:"state"`
	LastActiveAt time.Time    `json:"lastActiveAt"`
}
