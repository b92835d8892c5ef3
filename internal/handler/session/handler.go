package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/chat"
	sessionService "github.com/zhouzirui/voice-concierge/backend/internal/service/session"
	"github.com/zhouzirui/voice-concierge/backend/pkg/utils"
)

// Registry 是会话管理接口所需的注册表能力
type Registry interface {
	GetOrCreate(ctx context.Context, id string) (*sessionService.Session, error)
	List() []chat.Session
	Lookup(ctx context.Context, id string) (chat.Session, bool, error)
	Close(ctx context.Context, id string) error
}

// Handler 会话管理的HTTP处理器
type Handler struct {
	registry Registry
}

// New 创建会话处理器
func New(registry Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleList)
	r.Get("/sessions/{sessionID}", h.handleGet)
	r.Put("/sessions/{sessionID}/page", h.handleSetPage)
	r.Delete("/sessions/{sessionID}", h.handleClose)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.registry.List())
}

// handleGet 返回单个会话的快照，本进程没有时查询会话目录
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	snapshot, ok, err := h.registry.Lookup(r.Context(), sessionID)
	switch {
	case errors.Is(err, sessionService.ErrSessionIDEmpty):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		logger.For("session").WithError(err).WithField("session", sessionID).Error("session lookup failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to look up session")
	case !ok:
		utils.RespondError(w, http.StatusNotFound, "session not found")
	default:
		utils.RespondJSON(w, http.StatusOK, snapshot)
	}
}

// handleSetPage 记录访客当前所在页面，会话不存在时自动创建
func (h *Handler) handleSetPage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Page string `json:"page"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	s, err := h.registry.GetOrCreate(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, sessionService.ErrSessionIDEmpty):
			utils.RespondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, sessionService.ErrCapacity):
			utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			logger.For("session").WithError(err).WithField("session", sessionID).Error("failed to open session")
			utils.RespondError(w, http.StatusInternalServerError, "failed to open session")
		}
		return
	}

	s.SetPage(payload.Page)
	utils.RespondJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.registry.Close(r.Context(), sessionID); err != nil {
		logger.For("session").WithError(err).WithField("session", sessionID).Warn("session close interrupted")
		utils.RespondError(w, http.StatusInternalServerError, "failed to close session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
