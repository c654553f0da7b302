package api

import (
	"net/http"

	"github.com/replivec/replivec/internal/routing"
)

// HandleHealth returns a handler for GET /health: 200 while at least one
// backend is healthy, 503 otherwise.
func HandleHealth(router *routing.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !router.AnyHealthy() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
