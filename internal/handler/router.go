package handler

import (
	"net/http"

	"github.com/fachebot/themepulse/internal/config"
	"github.com/fachebot/themepulse/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter 注册全部 HTTP 路由
func NewRouter(service *session.Service, cfg *config.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler())

	sessionHandler := NewSessionHandler(service, cfg)
	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
	})

	return r
}
