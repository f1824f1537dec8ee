package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError replies with an ErrorResponse carrying the request ID so a
// failed page load can be matched to its log line.
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, RequestID: chimw.GetReqID(r.Context())})
}

// statusClientClosed is the nginx convention for a request the client
// abandoned before the upstream answered.
const statusClientClosed = 499

// mapProxyError picks the reply for a failed upstream round trip.
func mapProxyError(err error) (int, string) {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosed, "request canceled"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return http.StatusGatewayTimeout, "frontend timed out"
	default:
		return http.StatusBadGateway, "frontend unavailable"
	}
}
