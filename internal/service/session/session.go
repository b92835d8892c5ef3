package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/voice-concierge/backend/internal/metrics"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/interaction"
	"github.com/zhouzirui/voice-concierge/backend/internal/service/pairing"
)

var (
	ErrSessionClosed        = errors.New("session is closed")
	ErrAssistantUnavailable = errors.New("assistant is not configured")
	ErrEmptyMessage         = errors.New("message is required")
	ErrEmptyReply           = errors.New("assistant returned an empty reply")
)

// maxHistory bounds the conversation kept in memory per session.
const maxHistory = 50

// Assistant produces the model's reply to a user turn.
type Assistant interface {
	Reply(ctx context.Context, sessionID string, history []*schema.Message, userMessage string) (string, error)
}

// Session is the live state of one participant's conversation. It owns its
// pairing engine; everything else reaches the engine through Publish.
type Session struct {
	id           string
	createdAt    time.Time
	engine       *pairing.Engine
	assistant    Assistant
	capabilities map[string]Capability
	now          func() time.Time
	log          *logrus.Entry

	// turnMu keeps a Submit's user event and assistant reply adjacent.
	turnMu sync.Mutex

	mu          sync.Mutex
	state       chat.SessionState
	page        string
	lastActive  time.Time
	history     []*schema.Message
	subscribers map[int]pairing.Observer
	nextSubID   int

	closed chan struct{}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns a copy of the session's externally visible state.
func (s *Session) Snapshot() chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chat.Session{
		ID:           s.id,
		CreatedAt:    s.createdAt,
		CurrentPage:  s.page,
		State:        s.state,
		LastActiveAt: s.lastActive,
	}
}

// State returns the lifecycle state.
func (s *Session) State() chat.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Page returns the page the participant is currently on.
func (s *Session) Page() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// SetPage records the participant's current page. It affects only user turns
// published afterwards.
func (s *Session) SetPage(page string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = strings.TrimSpace(page)
	s.lastActive = s.now()
}

// PairingState reports the engine's turn state.
func (s *Session) PairingState() pairing.State {
	return s.engine.State()
}

// Publish forwards one message event to the session's pairing engine.
// User events are stamped with the current page.
func (s *Session) Publish(ctx context.Context, ev chat.MessageEvent) error {
	s.mu.Lock()
	if s.state != chat.SessionActive {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	ev.SessionID = s.id
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = s.now()
	}
	if ev.Role == chat.RoleUser {
		ev.Page = s.page
	}
	s.lastActive = s.now()
	s.appendHistoryLocked(ev)
	s.mu.Unlock()

	if err := s.engine.Enqueue(ctx, ev); err != nil {
		if errors.Is(err, pairing.ErrStopped) {
			return ErrSessionClosed
		}
		return fmt.Errorf("enqueue %s event: %w", ev.Role, err)
	}
	metrics.MessageEvents.WithLabelValues(string(ev.Role)).Inc()
	return nil
}

// Submit runs one full turn: the user's message is published, the assistant
// is asked for a reply, and the reply is published as the assistant event.
func (s *Session) Submit(ctx context.Context, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}
	if s.assistant == nil {
		return "", ErrAssistantUnavailable
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	history := s.History()
	if err := s.Publish(ctx, chat.MessageEvent{Role: chat.RoleUser, Content: message}); err != nil {
		return "", err
	}

	reply, err := s.assistant.Reply(ctx, s.id, history, message)
	if err != nil {
		s.log.WithError(err).Error("assistant reply failed, user turn left pending")
		return "", fmt.Errorf("assistant reply: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		s.log.Warn("assistant returned an empty reply, user turn left pending")
		return "", ErrEmptyReply
	}

	if err := s.Publish(ctx, chat.MessageEvent{Role: chat.RoleAssistant, Content: reply}); err != nil {
		return "", err
	}
	return reply, nil
}

// HasAssistant reports whether Submit can produce replies.
func (s *Session) HasAssistant() bool {
	return s.assistant != nil
}

// History returns a copy of the recent conversation.
func (s *Session) History() []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*schema.Message(nil), s.history...)
}

func (s *Session) appendHistoryLocked(ev chat.MessageEvent) {
	switch ev.Role {
	case chat.RoleUser:
		s.history = append(s.history, schema.UserMessage(ev.Content))
	case chat.RoleAssistant:
		s.history = append(s.history, schema.AssistantMessage(ev.Content, nil))
	default:
		return
	}
	if len(s.history) > maxHistory {
		s.history = append([]*schema.Message(nil), s.history[len(s.history)-maxHistory:]...)
	}
}

// Subscribe registers fn for interactions completed in this session and
// returns a function that removes it.
func (s *Session) Subscribe(fn pairing.Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers == nil {
		s.subscribers = make(map[int]pairing.Observer)
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Session) notify(item interaction.Interaction) {
	s.mu.Lock()
	subs := make([]pairing.Observer, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(item)
	}
}

// Capability looks up a capability by name.
func (s *Session) Capability(name string) (Capability, bool) {
	capability, ok := s.capabilities[name]
	return capability, ok
}

// Capabilities lists the names of the session's capabilities.
func (s *Session) Capabilities() []string {
	names := make([]string, 0, len(s.capabilities))
	for name := range s.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// beginClose moves an active session to closing. It reports false when the
// session was already closing or closed.
func (s *Session) beginClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != chat.SessionActive {
		return false
	}
	s.state = chat.SessionClosing
	return true
}

// drain waits for in-flight pairing to finish and marks the session closed.
func (s *Session) drain() {
	s.engine.Stop()
	s.mu.Lock()
	s.state = chat.SessionClosed
	s.subscribers = nil
	s.mu.Unlock()
}
