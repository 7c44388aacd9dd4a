package http

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneymanager/internal/domain/banksync"
	"moneymanager/internal/domain/callback"
	"moneymanager/internal/domain/connection"
	"moneymanager/internal/domain/customer"
	"moneymanager/internal/infrastructure/memory"
)

// MockCallbackService implements CallbackService
type MockCallbackService struct {
	HandleCallbackFunc func(ctx context.Context, req banksync.CallbackRequest) (banksync.Ack, error)
	got                []banksync.CallbackRequest
}

func (m *MockCallbackService) HandleCallback(ctx context.Context, req banksync.CallbackRequest) (banksync.Ack, error) {
	m.got = append(m.got, req)
	if m.HandleCallbackFunc != nil {
		return m.HandleCallbackFunc(ctx, req)
	}
	return banksync.Ack{Status: banksync.AckAccepted, ReceivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, nil
}

func newCallbackRouter(svc CallbackService, baseURL string) http.Handler {
	r := chi.NewRouter()
	NewCallbackHandler(svc, baseURL, zerolog.Nop()).Routes(r)
	return r
}

func TestCallbackHandler_Routes(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantScope  callback.Scope
		wantKind   connection.Kind
		wantLegacy bool
	}{
		{"ais success", "/api/v1/callbacks/ais/success", http.StatusOK, callback.ScopeAIS, connection.KindSuccess, false},
		{"ais provider changes", "/api/v1/callbacks/ais/provider-changes", http.StatusOK, callback.ScopeAIS, connection.KindProviderChanges, false},
		{"pis failure", "/api/v1/callbacks/pis/failure", http.StatusOK, callback.ScopePIS, connection.KindFailure, false},
		{"legacy", "/api/v1/callbacks/salt-edge", http.StatusOK, callback.ScopeAIS, connection.KindUnknown, true},
		{"unknown ais kind", "/api/v1/callbacks/ais/interactive", http.StatusNotFound, "", 0, false},
		{"pis has no destroy", "/api/v1/callbacks/pis/destroy", http.StatusNotFound, "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockCallbackService{}
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(`{"data":{}}`))
			req.Header.Set(SignatureHeader, "sig")
			rr := httptest.NewRecorder()

			newCallbackRouter(svc, "https://bank.example.com/").ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Empty(t, svc.got)
				return
			}
			require.Len(t, svc.got, 1)
			got := svc.got[0]
			assert.Equal(t, tt.wantScope, got.Scope)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantLegacy, got.Legacy)
			assert.Equal(t, "https://bank.example.com"+tt.path, got.URL)
			assert.Equal(t, "sig", got.Signature)
			assert.Equal(t, `{"data":{}}`, string(got.Body))

			var ack CallbackAck
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ack))
			assert.Equal(t, CallbackAck{Status: "success_received", Timestamp: "2026-03-01T12:00:00Z"}, ack)
		})
	}
}

func TestCallbackHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"bad signature", callback.ErrSignatureInvalid, http.StatusUnauthorized, "unauthorized"},
		{"malformed", fmt.Errorf("%w: missing connection id", callback.ErrMalformedEvent), http.StatusBadRequest, "malformed callback"},
		{"queue full", fmt.Errorf("%w: c1", banksync.ErrQueueFull), http.StatusServiceUnavailable, "temporarily unavailable"},
		{"internal detail hidden", errors.New("pq: connection refused on 10.0.0.3"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockCallbackService{
				HandleCallbackFunc: func(ctx context.Context, req banksync.CallbackRequest) (banksync.Ack, error) {
					return banksync.Ack{}, tt.err
				},
			}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/ais/notify", strings.NewReader(`{}`))
			rr := httptest.NewRecorder()
			newCallbackRouter(svc, "").ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body.Error)
			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, queueFullRetryAfter, rr.Header().Get("Retry-After"))
			}
		})
	}
}

func TestCallbackHandler_URLFromRequest(t *testing.T) {
	svc := &MockCallbackService{}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/ais/destroy", strings.NewReader(`{}`))
	req.Host = "internal:8080"
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "bank.example.com")
	rr := httptest.NewRecorder()

	newCallbackRouter(svc, "").ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://bank.example.com/api/v1/callbacks/ais/destroy", svc.got[0].URL)
}

func TestCallbackHandler_BodyTooLarge(t *testing.T) {
	svc := &MockCallbackService{}
	body := strings.Repeat("x", maxCallbackBody+1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/ais/success", strings.NewReader(body))
	rr := httptest.NewRecorder()

	newCallbackRouter(svc, "").ServeHTTP(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Empty(t, svc.got)
}

func TestCallbackHandler_Test(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/callbacks/test", nil)
	rr := httptest.NewRecorder()
	newCallbackRouter(&MockCallbackService{}, "").ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}

// recordingLanes queues tasks without running them.
type recordingLanes struct{ keys []string }

func (l *recordingLanes) Submit(key string, _ func(ctx context.Context)) error {
	l.keys = append(l.keys, key)
	return nil
}

func TestCallbackHandler_SignedDeliveryEndToEnd(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	store := memory.NewStore()
	ctx := context.Background()
	cust, err := store.Customers().Create(ctx, customer.CreateParams{Identifier: "alice", ProviderCustomerID: "900"})
	require.NoError(t, err)
	_, err = store.Connections().Create(ctx, connection.CreateParams{ID: "c1", CustomerID: cust.ID, Status: connection.StatusPending})
	require.NoError(t, err)

	lanes := &recordingLanes{}
	orch := banksync.NewOrchestrator(banksync.Deps{
		Store:    store,
		Verifier: callback.NewVerifier(&key.PublicKey),
		Lanes:    lanes,
		Logger:   zerolog.Nop(),
	}, banksync.Config{})
	router := newCallbackRouter(orch, "https://bank.example.com")

	body := []byte(`{"data":{"connection_id":"c1","customer_id":"900"},"meta":{"version":"5","time":"2026-03-01T12:00:00Z"}}`)
	digest := sha256.Sum256(callback.SignedPayload("https://bank.example.com/api/v1/callbacks/ais/success", body))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	send := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/ais/success", strings.NewReader(string(body)))
		req.Header.Set(SignatureHeader, signature)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, send(base64.StdEncoding.EncodeToString([]byte("forged"))).Code)
	assert.Empty(t, lanes.keys)

	assert.Equal(t, http.StatusOK, send(base64.StdEncoding.EncodeToString(sig)).Code)
	assert.Equal(t, []string{"c1"}, lanes.keys)

	assert.Equal(t, http.StatusOK, send(base64.StdEncoding.EncodeToString(sig)).Code, "duplicates are acknowledged")
	assert.Equal(t, []string{"c1"}, lanes.keys, "duplicates are not queued again")
}
