package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/voice-concierge/backend/internal/service/session"
	"github.com/zhouzirui/voice-concierge/backend/pkg/utils"
)

// Sessions 是聊天处理器依赖的会话注册表
type Sessions interface {
	GetOrCreate(ctx context.Context, id string) (*session.Session, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	sessions Sessions
}

// New 创建聊天处理器
func New(sessions Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Page      string `json:"page"`
}

type chatResponse struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

// handleChat 处理一次完整的用户/助手对话回合
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(payload.Message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID := strings.TrimSpace(payload.SessionID)
	if sessionID == "" {
		sessionID = session.DefaultSessionID
	}

	s, err := h.sessions.GetOrCreate(r.Context(), sessionID)
	if err != nil {
		respondSessionError(w, sessionID, err)
		return
	}

	if payload.Page != "" {
		s.SetPage(payload.Page)
	}

	reply, err := s.Submit(r.Context(), payload.Message)
	if err != nil {
		respondSessionError(w, sessionID, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, chatResponse{Role: chat.RoleAssistant, Content: reply})
}

func respondSessionError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, session.ErrSessionIDEmpty):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrAssistantUnavailable), errors.Is(err, session.ErrCapacity):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.For("chat").WithError(err).WithField("session", sessionID).Error("chat turn failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to generate reply")
	}
}
