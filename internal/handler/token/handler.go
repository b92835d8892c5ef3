package token

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
	tokenService "github.com/zhouzirui/voice-concierge/backend/internal/service/token"
	"github.com/zhouzirui/voice-concierge/backend/pkg/utils"
)

// Issuer 签发房间准入凭证
type Issuer interface {
	Issue(identity, room string, grants tokenService.Grants) (tokenService.Credential, error)
}

// Handler 凭证签发的HTTP处理器
type Handler struct {
	issuer Issuer
}

// New 创建凭证处理器；issuer 为 nil 时接口返回 503
func New(issuer Issuer) *Handler {
	return &Handler{issuer: issuer}
}

// RegisterRoutes 注册凭证相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/get-token", h.handleGetToken)
}

type tokenResponse struct {
	Token    string `json:"token"`
	Room     string `json:"room"`
	Username string `json:"username"`
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Room     string `json:"room"`
		Username string `json:"username"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if payload.Room == "" || payload.Username == "" {
		utils.RespondError(w, http.StatusBadRequest, "Room name and username are required")
		return
	}

	if h.issuer == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, tokenService.ErrNotConfigured.Error())
		return
	}

	cred, err := h.issuer.Issue(payload.Username, payload.Room, tokenService.DefaultGrants())
	if err != nil {
		if errors.Is(err, tokenService.ErrInvalidRequest) {
			utils.RespondError(w, http.StatusBadRequest, "Room name and username are required")
			return
		}
		logger.For("token").WithError(err).Error("failed to issue token")
		utils.RespondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	utils.RespondJSON(w, http.StatusOK, tokenResponse{
		Token:    cred.Token,
		Room:     payload.Room,
		Username: payload.Username,
	})
}
