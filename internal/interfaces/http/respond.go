package http

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"moneymanager/internal/shared/logger"
)

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// requestLogger returns the request-scoped logger set by the logging middleware.
func requestLogger(r *http.Request, fallback zerolog.Logger) *zerolog.Logger {
	l := logger.FromContext(r.Context(), fallback)
	return &l
}
