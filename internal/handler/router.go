package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/voice-concierge/backend/internal/handler/chat"
	"github.com/zhouzirui/voice-concierge/backend/internal/handler/interaction"
	"github.com/zhouzirui/voice-concierge/backend/internal/handler/realtime"
	sessionHandler "github.com/zhouzirui/voice-concierge/backend/internal/handler/session"
	tokenHandler "github.com/zhouzirui/voice-concierge/backend/internal/handler/token"
	middlewarePkg "github.com/zhouzirui/voice-concierge/backend/internal/middleware"
	interactionModel "github.com/zhouzirui/voice-concierge/backend/internal/model/interaction"
	"github.com/zhouzirui/voice-concierge/backend/internal/service/session"
	"github.com/zhouzirui/voice-concierge/backend/internal/service/token"
	"github.com/zhouzirui/voice-concierge/backend/pkg/utils"
)

// Dependencies 汇总路由所需的核心服务
type Dependencies struct {
	Sessions *session.Registry
	Store    interactionModel.Store
	// Issuer 为 nil 时凭证签发与实时通道返回 503
	Issuer         *token.Issuer
	Welcome        string
	MetricsEnabled bool
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	var issuer tokenHandler.Issuer
	var verifier realtime.Verifier
	if deps.Issuer != nil {
		issuer = deps.Issuer
		verifier = deps.Issuer
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Voice AI Server is running"})
	})

	if deps.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		})

		chat.New(deps.Sessions).RegisterRoutes(api)
		sessionHandler.New(deps.Sessions).RegisterRoutes(api)
		interaction.New(deps.Store).RegisterRoutes(api)
		tokenHandler.New(issuer).RegisterRoutes(api)
		realtime.NewWebSocketHandler(deps.Sessions, verifier, deps.Welcome).RegisterRoutes(api)
	})

	return r
}
