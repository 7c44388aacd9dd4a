package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name         string
		origin       string
		allowedHosts []string
		want         bool
	}{
		{"dashboard with port", "https://dash.moneymanager.app:8443", []string{"dash.moneymanager.app:8443"}, true},
		{"hostname ignores port", "http://localhost:3000", []string{"localhost"}, true},
		{"case insensitive", "https://Dash.MoneyManager.APP", []string{"dash.moneymanager.app"}, true},
		{"padded config entry", "https://dash.moneymanager.app", []string{"  dash.moneymanager.app "}, true},
		{"other site", "https://evil.example", []string{"dash.moneymanager.app"}, false},
		{"subdomain is not parent", "https://x.dash.moneymanager.app", []string{"dash.moneymanager.app"}, false},
		{"port mismatch", "https://dash.moneymanager.app:9000", []string{"dash.moneymanager.app:8443"}, false},
		{"unparseable origin", "://invalid", []string{"dash.moneymanager.app"}, false},
		{"opaque origin", "null", []string{"dash.moneymanager.app"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isOriginAllowed(tt.origin, tt.allowedHosts))
		})
	}
}

func serveCORS(allowed []string, method, path, origin string) (*httptest.ResponseRecorder, bool) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(method, path, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rr := httptest.NewRecorder()
	CORS(allowed)(next).ServeHTTP(rr, req)
	return rr, called
}

func TestCORS(t *testing.T) {
	dashboard := []string{"dash.moneymanager.app"}

	tests := []struct {
		name        string
		allowed     []string
		method      string
		path        string
		origin      string
		wantStatus  int
		wantOrigin  string
		wantCreds   bool
		wantHandler bool
	}{
		{"open when unconfigured", nil, http.MethodPost, "/api/v1/sync/customers/alice", "https://any.example", http.StatusOK, "*", false, true},
		{"allowed dashboard", dashboard, http.MethodPost, "/api/v1/sync/connections/c1", "https://dash.moneymanager.app", http.StatusOK, "https://dash.moneymanager.app", true, true},
		{"foreign origin blocked", dashboard, http.MethodDelete, "/api/v1/connections/c1", "https://evil.example", http.StatusForbidden, "", false, false},
		{"server to server without origin", dashboard, http.MethodGet, "/api/v1/providers", "", http.StatusOK, "", false, true},
		{"provider callback ignores origin", dashboard, http.MethodPost, "/api/v1/callbacks/ais/success", "https://evil.example", http.StatusOK, "*", false, true},
		{"callback prefix must match exactly", dashboard, http.MethodPost, "/api/v1/callbacksx/ais/success", "https://evil.example", http.StatusForbidden, "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, called := serveCORS(tt.allowed, tt.method, tt.path, tt.origin)
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantHandler, called)
			assert.Equal(t, tt.wantOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantCreds {
				assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
				assert.Equal(t, "Origin", rr.Header().Get("Vary"))
			} else {
				assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	rr, called := serveCORS([]string{"dash.moneymanager.app"}, http.MethodOptions, "/api/v1/connections/c1", "https://dash.moneymanager.app")

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, called, "preflight never reaches the handler")
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Signature")
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "X-Request-ID")
	assert.Equal(t, "3600", rr.Header().Get("Access-Control-Max-Age"))
}
