package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"moneymanager/internal/domain/banksync"
	"moneymanager/internal/domain/callback"
	"moneymanager/internal/domain/connection"
)

const (
	// SignatureHeader carries the provider's base64 RSA signature.
	SignatureHeader = "Signature"
	maxCallbackBody = 1 << 20
	// queueFullRetryAfter is advertised in Retry-After when a lane is full.
	queueFullRetryAfter = "5"
)

var (
	aisKinds = map[string]bool{"success": true, "failure": true, "notify": true, "destroy": true, "provider-changes": true}
	pisKinds = map[string]bool{"success": true, "failure": true, "notify": true}
)

// CallbackService accepts provider webhooks.
type CallbackService interface {
	HandleCallback(ctx context.Context, req banksync.CallbackRequest) (banksync.Ack, error)
}

// CallbackHandler serves the Salt Edge webhook endpoints. Responses only
// confirm receipt; processing happens later on the connection's lane.
type CallbackHandler struct {
	service CallbackService
	baseURL string
	logger  zerolog.Logger
	now     func() time.Time
}

// NewCallbackHandler creates a handler. baseURL is the public origin the
// provider was configured with (e.g. https://bank.example.com); signatures are
// computed over baseURL + request path. When empty the request's own scheme
// and host are used.
func NewCallbackHandler(service CallbackService, baseURL string, logger zerolog.Logger) *CallbackHandler {
	return &CallbackHandler{
		service: service,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}
}

// Routes registers the webhook endpoints under /api/v1/callbacks.
func (h *CallbackHandler) Routes(r chi.Router) {
	r.Route("/api/v1/callbacks", func(r chi.Router) {
		r.Post("/ais/{kind}", h.HandleAIS)
		r.Post("/pis/{kind}", h.HandlePIS)
		r.Post("/salt-edge", h.HandleLegacy)
		r.Get("/test", h.HandleTest)
	})
}

// CallbackAck is returned to the provider on acceptance.
type CallbackAck struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (h *CallbackHandler) HandleAIS(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if !aisKinds[kind] {
		writeError(w, http.StatusNotFound, "unknown callback")
		return
	}
	h.handle(w, r, banksync.CallbackRequest{Scope: callback.ScopeAIS, Kind: connection.ParseKind(kind)})
}

func (h *CallbackHandler) HandlePIS(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if !pisKinds[kind] {
		writeError(w, http.StatusNotFound, "unknown callback")
		return
	}
	h.handle(w, r, banksync.CallbackRequest{Scope: callback.ScopePIS, Kind: connection.ParseKind(kind)})
}

// HandleLegacy serves the combined endpoint; the kind is inferred from the payload stage.
func (h *CallbackHandler) HandleLegacy(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, banksync.CallbackRequest{Scope: callback.ScopeAIS, Legacy: true})
}

// HandleTest lets operators check the endpoint is reachable.
func (h *CallbackHandler) HandleTest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"message":   "callback endpoint reachable",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func (h *CallbackHandler) handle(w http.ResponseWriter, r *http.Request, req banksync.CallbackRequest) {
	log := requestLogger(r, h.logger)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	req.URL = h.callbackURL(r)
	req.Body = body
	req.Signature = r.Header.Get(SignatureHeader)

	ack, err := h.service.HandleCallback(r.Context(), req)
	switch {
	case err == nil:
		log.Debug().Str("ack", string(ack.Status)).Str("kind", ack.EventKind).Str("connection_id", ack.ConnectionID).Msg("Callback acknowledged")
		ts := ack.ReceivedAt
		if ts.IsZero() {
			ts = h.now()
		}
		writeJSON(w, http.StatusOK, CallbackAck{Status: "success_received", Timestamp: ts.UTC().Format(time.RFC3339)})
	case errors.Is(err, callback.ErrSignatureInvalid):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, callback.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, "malformed callback")
	case errors.Is(err, banksync.ErrQueueFull):
		w.Header().Set("Retry-After", queueFullRetryAfter)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		log.Error().Err(err).Msg("Callback handling failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// callbackURL rebuilds the URL the provider signed.
func (h *CallbackHandler) callbackURL(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL + r.URL.Path
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host + r.URL.Path
}
