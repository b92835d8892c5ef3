// Package ai wraps the chat model behind an eino chain that turns a
// conversation history plus the latest user message into a reply.
package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/voice-concierge/backend/internal/config"
	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
)

const defaultHistoryLimit = 10

// PageFunc resolves the page a session is currently on.
type PageFunc func(sessionID string) string

// Service produces assistant replies.
type Service struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	historyLimit int
	pages        PageFunc
}

// Option customises a Service.
type Option func(*Service)

// WithPages adds the visitor's current page to the system prompt.
func WithPages(fn PageFunc) Option {
	return func(s *Service) {
		s.pages = fn
	}
}

// NewService builds the chain on the configured ark model.
func NewService(ctx context.Context, cfg config.AIConfig, opts ...Option) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.HistoryLimit, opts...)
}

// NewServiceWithModel builds the chain on an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, historyLimit int, opts ...Option) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	s := &Service{chain: runnable, historyLimit: historyLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Reply runs one turn through the chain.
func (s *Service) Reply(ctx context.Context, sessionID string, history []*schema.Message, userMessage string) (string, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(sessionID, history, userMessage))
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	logger.For("ai").WithField("session", sessionID).
		WithField("length", len(response.Content)).
		Debug("generated reply")
	return response.Content, nil
}

func (s *Service) buildChainInput(sessionID string, history []*schema.Message, userMessage string) map[string]any {
	system := Instructions
	if s.pages != nil {
		system += pageHint(s.pages(sessionID))
	}
	return map[string]any{
		"system":  system,
		"history": trimHistory(history, s.historyLimit),
		"query":   userMessage,
	}
}

// trimHistory keeps the most recent limit messages.
func trimHistory(history []*schema.Message, limit int) []*schema.Message {
	if len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}
