package interaction

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/interaction"
	"github.com/zhouzirui/voice-concierge/backend/pkg/utils"
)

const defaultRecentLimit = 10

// Reader 是历史记录查询接口
type Reader interface {
	Get(ctx context.Context, id int64) (interaction.Interaction, error)
	List(ctx context.Context, page string) ([]interaction.Interaction, error)
	MostRecent(ctx context.Context, limit int) ([]interaction.Interaction, error)
}

// Handler 交互历史的HTTP处理器
type Handler struct {
	store Reader
}

// New 创建历史记录处理器
func New(store Reader) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes 注册历史记录相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/interactions", h.handleList)
	r.Get("/interactions/recent", h.handleRecent)
	r.Get("/interactions/{id}", h.handleGet)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.List(r.Context(), r.URL.Query().Get("page"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, items)
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	items, err := h.store.MostRecent(r.Context(), limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, items)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "invalid interaction id")
		return
	}

	item, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, item)
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interaction.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, interaction.ErrInvalidRequest):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		logger.For("interaction").WithError(err).Error("history query failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to read history")
	}
}
