package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	conversationHandler "github.com/zhouzirui/voiceline/backend/internal/handler/conversation"
	"github.com/zhouzirui/voiceline/backend/internal/handler/voice"
	middlewarePkg "github.com/zhouzirui/voiceline/backend/internal/middleware"
	"github.com/zhouzirui/voiceline/backend/internal/service/auth"
	conversationService "github.com/zhouzirui/voiceline/backend/internal/service/conversation"
	"github.com/zhouzirui/voiceline/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(gateway *voice.Gateway, store conversationService.Store, verifier auth.Verifier) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		gateway.RegisterRoutes(api)
		conversationHandler.New(store, verifier).RegisterRoutes(api)
	})

	return r
}
