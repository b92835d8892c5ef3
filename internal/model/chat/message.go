package chat

import (
	"strings"
	"time"
)

// Role tags who produced a message event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole normalises a transport-supplied role string.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser, true
	case RoleAssistant:
		return RoleAssistant, true
	default:
		return "", false
	}
}

// MessageEvent is one utterance emitted by the participant or the model.
// Page is stamped by the session when a user event is published.
type MessageEvent struct {
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Page      string    `json:"page,omitempty"`
	EmittedAt time.Time `json:"emittedAt"`
}
