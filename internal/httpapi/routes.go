package httpapi

import (
	"net/http"

	"github.com/DoyleJ11/fireworks-backend/internal/hub"
	"github.com/DoyleJ11/fireworks-backend/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
)

func SetupRoutes(h *hub.Hub, clock clockwork.Clock, wsOpts ws.Options) http.Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	started := clock.Now()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", Health(clock, started))
	r.Get("/stats", Stats(h))
	r.Get("/ws", ws.Handler(h, wsOpts))
	return r
}
