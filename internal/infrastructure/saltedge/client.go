package saltedge

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://www.saltedge.com/api/v5"
	defaultTimeout   = 30 * time.Second
	signatureTTL     = 60 * time.Second
	maxErrorBodySize = 64 << 10
)

// Config carries the application credentials. Each Client owns its own copy,
// so clients for different Salt Edge applications can coexist.
type Config struct {
	BaseURL  string
	AppID    string
	Secret   string
	ClientID string
	// PrivateKey signs requests with RSA-SHA256. When nil, HMAC-SHA256 keyed by Secret is used.
	PrivateKey *rsa.PrivateKey
	Timeout    time.Duration
	// RateLimit is the sustained requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client
}

// Client handles communication with the Salt Edge API
type Client struct {
	httpClient *http.Client
	baseURL    string
	appID      string
	secret     string
	clientID   string
	signer     Signer
	limiter    *rate.Limiter
	now        func() time.Time
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new Salt Edge API client
func NewClient(cfg Config) (*Client, error) {
	if cfg.AppID == "" || cfg.Secret == "" {
		return nil, errors.New("saltedge app id and secret are required")
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	var signer Signer = NewHMACSigner(cfg.Secret)
	if cfg.PrivateKey != nil {
		signer = NewRSASigner(cfg.PrivateKey)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		appID:      cfg.AppID,
		secret:     cfg.Secret,
		clientID:   cfg.ClientID,
		signer:     signer,
		limiter:    limiter,
		now:        time.Now,
	}, nil
}

type dataEnvelope struct {
	Data any `json:"data"`
}

// CreateCustomer registers a customer at Salt Edge.
func (c *Client) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	payload := map[string]any{"identifier": params.Identifier}
	if params.Email != "" || params.FirstName != "" || params.LastName != "" {
		payload["extra"] = map[string]string{
			"email":      params.Email,
			"first_name": params.FirstName,
			"last_name":  params.LastName,
		}
	}

	var resp struct {
		Data Customer `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/customers", nil, payload, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// CreateConnection asks the provider to start a connection flow for a customer.
func (c *Client) CreateConnection(ctx context.Context, params CreateConnectionParams) (*ConnectSession, error) {
	consent := map[string]any{"scopes": params.Scopes}
	if params.PeriodDays > 0 {
		consent["period_days"] = params.PeriodDays
	}
	attempt := map[string]any{"fetch_scopes": params.Scopes}
	if params.ReturnTo != "" {
		attempt["return_to"] = params.ReturnTo
	}
	payload := map[string]any{
		"customer_id":   params.CustomerID,
		"country_code":  params.CountryCode,
		"provider_code": params.ProviderCode,
		"consent":       consent,
		"attempt":       attempt,
	}

	var resp struct {
		Data ConnectSession `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/connections", nil, payload, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetConnection fetches the provider's record of a connection.
func (c *Client) GetConnection(ctx context.Context, connectionID string) (*Connection, error) {
	var resp struct {
		Data Connection `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/connections/"+url.PathEscape(connectionID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// RefreshConnection asks the provider to re-fetch data. Results arrive via callback.
func (c *Client) RefreshConnection(ctx context.Context, connectionID string) error {
	payload := map[string]any{
		"attempt": map[string]any{"fetch_scopes": []string{"accounts", "transactions"}},
	}
	return c.do(ctx, http.MethodPut, "/connections/"+url.PathEscape(connectionID)+"/refresh", nil, payload, nil)
}

// RemoveConnection revokes a connection at the provider. The provider stops
// fetching and answers with a destroy callback.
func (c *Client) RemoveConnection(ctx context.Context, connectionID string) error {
	var resp struct {
		Data struct {
			ID      string `json:"id"`
			Removed bool   `json:"removed"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodDelete, "/connections/"+url.PathEscape(connectionID), nil, nil, &resp); err != nil {
		return err
	}
	if !resp.Data.Removed {
		return fmt.Errorf("provider did not remove connection %s", connectionID)
	}
	return nil
}

// FetchAccounts returns every account of a connection, following pagination.
func (c *Client) FetchAccounts(ctx context.Context, connectionID string) ([]Account, error) {
	var accounts []Account
	fromID := ""
	for {
		q := url.Values{"connection_id": {connectionID}}
		if fromID != "" {
			q.Set("from_id", fromID)
		}

		var resp struct {
			Data []Account `json:"data"`
			Meta Meta      `json:"meta"`
		}
		if err := c.do(ctx, http.MethodGet, "/accounts", q, nil, &resp); err != nil {
			return nil, err
		}
		accounts = append(accounts, resp.Data...)

		next := nextID(resp.Meta, fromID)
		if next == "" {
			return accounts, nil
		}
		fromID = next
	}
}

// FetchTransactions returns the transactions of one account starting at
// cursor (inclusive). The returned cursor is the id of the last transaction
// seen, or the input cursor when nothing came back.
func (c *Client) FetchTransactions(ctx context.Context, connectionID, accountID, cursor string) ([]Transaction, string, error) {
	var txs []Transaction
	fromID := cursor
	last := cursor
	for {
		q := url.Values{
			"connection_id": {connectionID},
			"account_id":    {accountID},
		}
		if fromID != "" {
			q.Set("from_id", fromID)
		}

		var resp struct {
			Data []Transaction `json:"data"`
			Meta Meta          `json:"meta"`
		}
		if err := c.do(ctx, http.MethodGet, "/transactions", q, nil, &resp); err != nil {
			return nil, cursor, err
		}
		txs = append(txs, resp.Data...)
		if n := len(resp.Data); n > 0 {
			last = resp.Data[n-1].ID
		}

		next := nextID(resp.Meta, fromID)
		if next == "" {
			return txs, last, nil
		}
		fromID = next
	}
}

// ListProviders lists institutions, optionally filtered by country.
func (c *Client) ListProviders(ctx context.Context, countryCode string) ([]Provider, error) {
	var providers []Provider
	fromID := ""
	for {
		q := url.Values{}
		if countryCode != "" {
			q.Set("country_code", countryCode)
		}
		if fromID != "" {
			q.Set("from_id", fromID)
		}

		var resp struct {
			Data []Provider `json:"data"`
			Meta Meta       `json:"meta"`
		}
		if err := c.do(ctx, http.MethodGet, "/providers", q, nil, &resp); err != nil {
			return nil, err
		}
		providers = append(providers, resp.Data...)

		next := nextID(resp.Meta, fromID)
		if next == "" {
			return providers, nil
		}
		fromID = next
	}
}

// ListCountries lists supported countries.
func (c *Client) ListCountries(ctx context.Context) ([]Country, error) {
	var resp struct {
		Data []Country `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/countries", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// nextID returns the next page cursor, or "" when pagination is done or stuck.
func nextID(meta Meta, current string) string {
	if meta.NextID == nil || *meta.NextID == "" || *meta.NextID == current {
		return ""
	}
	return *meta.NextID
}

// do performs one signed request. payload, when non-nil, is wrapped in
// {"data": ...}; out, when non-nil, receives the decoded 2xx body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransientError{Err: fmt.Errorf("rate limiter: %w", err)}
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(dataEnvelope{Data: payload})
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	expiresAt := c.now().Add(signatureTTL).Unix()
	signature, err := c.signer.Sign(signaturePayload(expiresAt, method, fullURL, body))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("App-id", c.appID)
	req.Header.Set("Secret", c.secret)
	req.Header.Set("Expires-at", fmt.Sprintf("%d", expiresAt))
	req.Header.Set("Signature", signature)
	if c.clientID != "" {
		req.Header.Set("Client-id", c.clientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransientError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		apiErr := readError(resp.Body)
		return &TransientError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			Err:        fmt.Errorf("%s %s: %s", method, path, describe(apiErr, resp.StatusCode)),
		}
	case resp.StatusCode >= 400:
		apiErr := readError(resp.Body)
		return &RejectedError{
			StatusCode: resp.StatusCode,
			Code:       apiErr.class(),
			Message:    apiErr.message(),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func readError(r io.Reader) errorResponse {
	var apiErr errorResponse
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	_ = json.Unmarshal(data, &apiErr)
	return apiErr
}

func describe(apiErr errorResponse, status int) string {
	if msg := apiErr.message(); msg != "" {
		return msg
	}
	return http.StatusText(status)
}
