package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"moneymanager/internal/domain/banksync"
	"moneymanager/internal/domain/connection"
	"moneymanager/internal/domain/customer"
	"moneymanager/internal/infrastructure/saltedge"
)

const maxRequestBody = 64 << 10

// SyncService is the subset of the orchestrator the management API needs.
type SyncService interface {
	SyncCustomer(ctx context.Context, identifier string) (*banksync.CustomerSyncResult, error)
	SyncConnection(ctx context.Context, connectionID string) (*banksync.ConnectionResult, error)
	RefreshConnection(ctx context.Context, connectionID string) (*connection.Connection, error)
	RemoveConnection(ctx context.Context, connectionID string) (*connection.Connection, error)
	CreateConnection(ctx context.Context, req banksync.CreateConnectionRequest) (*banksync.ConnectSession, error)
	ListProviders(ctx context.Context, countryCode string) ([]saltedge.Provider, error)
	ListCountries(ctx context.Context) ([]saltedge.Country, error)
}

// SyncHandler serves manual syncs and connection management.
type SyncHandler struct {
	service SyncService
	logger  zerolog.Logger
}

func NewSyncHandler(service SyncService, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{service: service, logger: logger}
}

// Routes registers the management endpoints.
func (h *SyncHandler) Routes(r chi.Router) {
	r.Post("/api/v1/sync/customers/{identifier}", h.HandleSyncCustomer)
	r.Post("/api/v1/sync/connections/{id}", h.HandleSyncConnection)
	r.Post("/api/v1/connections", h.HandleCreateConnection)
	r.Post("/api/v1/connections/{id}/refresh", h.HandleRefreshConnection)
	r.Delete("/api/v1/connections/{id}", h.HandleRemoveConnection)
	r.Get("/api/v1/providers", h.HandleListProviders)
	r.Get("/api/v1/countries", h.HandleListCountries)
}

// HandleSyncCustomer syncs every active connection of a customer.
func (h *SyncHandler) HandleSyncCustomer(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	result, err := h.service.SyncCustomer(r.Context(), identifier)
	if err != nil {
		h.writeServiceError(w, r, err, "Customer sync failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleSyncConnection pulls one connection. A pull that started always
// returns its structured result, including per-account failures.
func (h *SyncHandler) HandleSyncConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.service.SyncConnection(r.Context(), id)
	if result != nil {
		if err != nil {
			requestLogger(r, h.logger).Warn().Err(err).Str("connection_id", id).Msg("Connection sync finished with errors")
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	h.writeServiceError(w, r, err, "Connection sync failed")
}

func (h *SyncHandler) HandleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req banksync.CreateConnectionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.CountryCode = strings.ToUpper(strings.TrimSpace(req.CountryCode))

	session, err := h.service.CreateConnection(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err, "Create connection failed")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *SyncHandler) HandleRefreshConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.service.RefreshConnection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "Refresh failed")
		return
	}
	writeJSON(w, http.StatusAccepted, conn)
}

// HandleRemoveConnection revokes a connection. Its data stays readable.
func (h *SyncHandler) HandleRemoveConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.service.RemoveConnection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "Remove connection failed")
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *SyncHandler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	country := strings.TrimSpace(r.URL.Query().Get("country_code"))
	if country == "" {
		writeError(w, http.StatusBadRequest, "country_code is required")
		return
	}
	providers, err := h.service.ListProviders(r.Context(), country)
	if err != nil {
		h.writeServiceError(w, r, err, "List providers failed")
		return
	}
	if providers == nil {
		providers = []saltedge.Provider{}
	}
	writeJSON(w, http.StatusOK, providers)
}

func (h *SyncHandler) HandleListCountries(w http.ResponseWriter, r *http.Request) {
	countries, err := h.service.ListCountries(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "List countries failed")
		return
	}
	if countries == nil {
		countries = []saltedge.Country{}
	}
	writeJSON(w, http.StatusOK, countries)
}

// writeServiceError maps domain and provider errors to HTTP statuses.
func (h *SyncHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var rejected *saltedge.RejectedError
	switch {
	case errors.Is(err, customer.ErrCustomerNotFound):
		writeError(w, http.StatusNotFound, "customer not found")
	case errors.Is(err, connection.ErrConnectionNotFound):
		writeError(w, http.StatusNotFound, "connection not found")
	case errors.Is(err, customer.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, banksync.ErrConnectionDestroyed):
		writeError(w, http.StatusConflict, "connection is destroyed")
	case errors.Is(err, banksync.ErrConnectionNotActive):
		writeError(w, http.StatusConflict, "connection is not active")
	case errors.Is(err, banksync.ErrRefreshNotAllowed):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, banksync.ErrCancelled):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	case errors.As(err, &rejected):
		requestLogger(r, h.logger).Warn().Err(err).Msg(msg)
		writeError(w, http.StatusBadGateway, "provider rejected the request")
	case saltedge.IsTransient(err):
		requestLogger(r, h.logger).Warn().Err(err).Msg(msg)
		writeError(w, http.StatusServiceUnavailable, "provider unavailable")
	default:
		requestLogger(r, h.logger).Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
