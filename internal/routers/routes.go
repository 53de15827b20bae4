package routers

import (
	"time"

	matchManager "barkingtalk/internal/match_management"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func MatchRoutes(r chi.Router, mm *matchManager.MatchManager) {
	r.Route("/api/v1/match", func(r chi.Router) {
		r.With(middleware.Timeout(60*time.Second)).Post("/cancel", mm.CancelHandler)
		r.With(middleware.Timeout(60*time.Second)).Get("/count", mm.CountHandler)
		// long-lived, so no request timeout
		r.HandleFunc("/ws", mm.WsHandler)
	})
}

func SessionRoutes(r chi.Router, mm *matchManager.MatchManager) {
	r.Route("/api/sessions/{sessionId}", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/participants", mm.SessionParticipantsHandler)
		r.Post("/token", mm.TokenHandler)
		r.Get("/verify", mm.VerifyHandler)
	})
}
