package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var errUnauthorized = errors.New("unauthorized")

// auth middleware
func (h *Handlers) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.apiToken == "" {
			next(w, r)
			return
		}
		if !h.validToken(bearerToken(r)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="filesyncd"`)
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next(w, r)
	}
}

func (h *Handlers) validToken(token string) bool {
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.apiToken)) == 1
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket handshake, so /ws also accepts ?token=.
func bearerToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		const prefix = "bearer "
		if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
			return strings.TrimSpace(v[len(prefix):])
		}
		return ""
	}
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("token")
	}
	return ""
}
