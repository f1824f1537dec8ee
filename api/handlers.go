package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/crmgate/guard"
	"github.com/jmcleod/crmgate/session"
)

// Health reports liveness.
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: g.version})
}

// Session validates the caller's access token and returns the session it
// grants. An invalid or missing token yields isValid=false, not an error.
func (g *Gateway) Session(w http.ResponseWriter, r *http.Request) {
	res := g.validator.ValidateRequest(r)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, SessionResponse{
		IsValid:   res.Valid,
		UserRole:  string(res.Role),
		Username:  res.Username,
		ExpiresAt: res.ExpiresAt,
	})
}

// ClearSession expires the token cookie and every mirrored session cookie
// in the browser.
func (g *Gateway) ClearSession(w http.ResponseWriter, r *http.Request) {
	secure := guard.RequestIsSecure(r)
	names := append([]string{g.validator.TokenCookie()}, session.MirroredCookies...)
	for _, name := range names {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
		})
	}
	g.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit",
		slog.String("component", "audit"),
		slog.String("event", "session_cleared"),
		slog.String("remote_addr", r.RemoteAddr),
	)
	w.WriteHeader(http.StatusNoContent)
}
