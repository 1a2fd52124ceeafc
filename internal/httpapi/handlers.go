package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/DoyleJ11/fireworks-backend/internal/hub"
	"github.com/DoyleJ11/fireworks-backend/pkg/types"
	"github.com/jonboulle/clockwork"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Health reports liveness and uptime in seconds since started.
func Health(clock clockwork.Clock, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := clock.Now()
		writeJSON(w, http.StatusOK, types.Health{
			Status:    "ok",
			Timestamp: types.Timestamp(now),
			Uptime:    int64(now.Sub(started) / time.Second),
		})
	}
}

func Stats(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		s, err := h.Stats(ctx)
		if err != nil {
			http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}
