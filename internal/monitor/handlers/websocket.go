package handlers

import (
	"errors"
	"net/http"
)

// WebSocket handler
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHub == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event stream disabled"))
		return
	}
	h.wsHub.ServeHTTP(w, r)
}
