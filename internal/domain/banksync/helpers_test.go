package banksync

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"moneymanager/internal/domain/callback"
	"moneymanager/internal/domain/connection"
	"moneymanager/internal/domain/customer"
	"moneymanager/internal/domain/storage"
	"moneymanager/internal/domain/transaction"
	"moneymanager/internal/infrastructure/memory"
	"moneymanager/internal/infrastructure/saltedge"
)

// MockClient implements saltedge.ClientInterface
type MockClient struct {
	CreateCustomerFunc    func(ctx context.Context, params saltedge.CreateCustomerParams) (*saltedge.Customer, error)
	CreateConnectionFunc  func(ctx context.Context, params saltedge.CreateConnectionParams) (*saltedge.ConnectSession, error)
	GetConnectionFunc     func(ctx context.Context, connectionID string) (*saltedge.Connection, error)
	RefreshConnectionFunc func(ctx context.Context, connectionID string) error
	RemoveConnectionFunc  func(ctx context.Context, connectionID string) error
	FetchAccountsFunc     func(ctx context.Context, connectionID string) ([]saltedge.Account, error)
	FetchTransactionsFunc func(ctx context.Context, connectionID, accountID, cursor string) ([]saltedge.Transaction, string, error)
	ListProvidersFunc     func(ctx context.Context, countryCode string) ([]saltedge.Provider, error)
	ListCountriesFunc     func(ctx context.Context) ([]saltedge.Country, error)

	Calls atomic.Int64
}

var _ saltedge.ClientInterface = (*MockClient)(nil)

func (m *MockClient) CreateCustomer(ctx context.Context, params saltedge.CreateCustomerParams) (*saltedge.Customer, error) {
	m.Calls.Add(1)
	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, params)
	}
	return &saltedge.Customer{ID: "900", Identifier: params.Identifier, Secret: "s3cr3t"}, nil
}

func (m *MockClient) CreateConnection(ctx context.Context, params saltedge.CreateConnectionParams) (*saltedge.ConnectSession, error) {
	m.Calls.Add(1)
	if m.CreateConnectionFunc != nil {
		return m.CreateConnectionFunc(ctx, params)
	}
	return &saltedge.ConnectSession{ConnectURL: "https://connect.example.com"}, nil
}

func (m *MockClient) GetConnection(ctx context.Context, connectionID string) (*saltedge.Connection, error) {
	m.Calls.Add(1)
	if m.GetConnectionFunc != nil {
		return m.GetConnectionFunc(ctx, connectionID)
	}
	return nil, nil
}

func (m *MockClient) RefreshConnection(ctx context.Context, connectionID string) error {
	m.Calls.Add(1)
	if m.RefreshConnectionFunc != nil {
		return m.RefreshConnectionFunc(ctx, connectionID)
	}
	return nil
}

func (m *MockClient) RemoveConnection(ctx context.Context, connectionID string) error {
	m.Calls.Add(1)
	if m.RemoveConnectionFunc != nil {
		return m.RemoveConnectionFunc(ctx, connectionID)
	}
	return nil
}

func (m *MockClient) FetchAccounts(ctx context.Context, connectionID string) ([]saltedge.Account, error) {
	m.Calls.Add(1)
	if m.FetchAccountsFunc != nil {
		return m.FetchAccountsFunc(ctx, connectionID)
	}
	return nil, nil
}

func (m *MockClient) FetchTransactions(ctx context.Context, connectionID, accountID, cursor string) ([]saltedge.Transaction, string, error) {
	m.Calls.Add(1)
	if m.FetchTransactionsFunc != nil {
		return m.FetchTransactionsFunc(ctx, connectionID, accountID, cursor)
	}
	return nil, cursor, nil
}

func (m *MockClient) ListProviders(ctx context.Context, countryCode string) ([]saltedge.Provider, error) {
	m.Calls.Add(1)
	if m.ListProvidersFunc != nil {
		return m.ListProvidersFunc(ctx, countryCode)
	}
	return nil, nil
}

func (m *MockClient) ListCountries(ctx context.Context) ([]saltedge.Country, error) {
	m.Calls.Add(1)
	if m.ListCountriesFunc != nil {
		return m.ListCountriesFunc(ctx)
	}
	return nil, nil
}

// inlineLanes runs each task before Submit returns.
type inlineLanes struct{}

func (inlineLanes) Submit(_ string, task func(ctx context.Context)) error {
	task(context.Background())
	return nil
}

// goLanes runs every task on its own goroutine with no ordering at all, so
// only the orchestrator's own locking keeps a connection serialized.
type goLanes struct{ wg sync.WaitGroup }

func (l *goLanes) Submit(_ string, task func(ctx context.Context)) error {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		task(context.Background())
	}()
	return nil
}

type fullLanes struct{}

func (fullLanes) Submit(key string, _ func(ctx context.Context)) error {
	return fmt.Errorf("%w: %s", ErrQueueFull, key)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []EventType
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) kinds() []NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []NotificationKind
	for _, s := range n.sent {
		out = append(out, s.Kind)
	}
	return out
}

var signingKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
})

const callbackBase = "https://bank.example.com/api/v1/callbacks/"

type fixture struct {
	t         *testing.T
	store     storage.Store
	mem       *memory.Store
	client    *MockClient
	orch      *Orchestrator
	publisher *recordingPublisher
	notifier  *recordingNotifier
	now       time.Time

	sleepMu sync.Mutex
	sleeps  []time.Duration
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		mem:       memory.NewStore(),
		client:    &MockClient{},
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store = f.mem

	cfg := Config{
		NotifyPolicy:        connection.NotifySkip,
		Retry:               Backoff{Base: 10 * time.Millisecond, Max: time.Second, MaxRetries: 3},
		PersistTimeout:      5 * time.Second,
		CustomerConcurrency: 4,
		DedupWindow:         time.Hour,
		ConsentScopes:       []string{"account_details", "transactions_details"},
		PeriodDays:          90,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f.build(cfg)
	return f
}

// build (re)creates the orchestrator, e.g. after swapping the store.
func (f *fixture) build(cfg Config) {
	f.orch = NewOrchestrator(Deps{
		Store:     f.store,
		Client:    f.client,
		Verifier:  callback.NewVerifier(&signingKey().PublicKey),
		Lanes:     inlineLanes{},
		Publisher: f.publisher,
		Notifier:  f.notifier,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return f.now },
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.sleepMu.Lock()
			f.sleeps = append(f.sleeps, d)
			f.sleepMu.Unlock()
			return ctx.Err()
		},
	}, cfg)
}

func (f *fixture) customer(identifier, providerID string) *customer.Customer {
	f.t.Helper()
	c, err := f.store.Customers().Create(context.Background(), customer.CreateParams{
		Identifier:         identifier,
		ProviderCustomerID: providerID,
	})
	require.NoError(f.t, err)
	return c
}

func (f *fixture) connection(id string, customerID int64, status connection.Status) *connection.Connection {
	f.t.Helper()
	c, err := f.store.Connections().Create(context.Background(), connection.CreateParams{
		ID:           id,
		CustomerID:   customerID,
		ProviderCode: "fakebank_simple_xf",
		ProviderName: "Fake Bank",
		Status:       status,
	})
	require.NoError(f.t, err)
	return c
}

func (f *fixture) get(id string) *connection.Connection {
	f.t.Helper()
	c, err := f.store.Connections().GetByID(context.Background(), id)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) deliver(kind string, data map[string]any, eventID string) (Ack, error) {
	f.t.Helper()
	return f.deliverScope(callback.ScopeAIS, kind, data, eventID)
}

func (f *fixture) deliverScope(scope callback.Scope, kind string, data map[string]any, eventID string) (Ack, error) {
	f.t.Helper()
	url := callbackBase + string(scope) + "/" + kind
	body := callbackBody(f.t, data, eventID)
	return f.orch.HandleCallback(context.Background(), CallbackRequest{
		Scope:     scope,
		Kind:      connection.ParseKind(kind),
		URL:       url,
		Body:      body,
		Signature: signCallback(f.t, url, body),
	})
}

func callbackBody(t *testing.T, data map[string]any, eventID string) []byte {
	t.Helper()
	env := map[string]any{"data": data, "meta": map[string]any{"version": "5", "time": "2026-03-01T12:00:00Z"}}
	if eventID != "" {
		env["meta"].(map[string]any)["event_id"] = eventID
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func signCallback(t *testing.T, url string, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(callback.SignedPayload(url, body))
	sig, err := rsa.SignPKCS1v15(rand.Reader, signingKey(), crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func providerAccount(id string) saltedge.Account {
	return saltedge.Account{
		ID:           id,
		Name:         "Account " + id,
		Nature:       "checking",
		CurrencyCode: "EUR",
		Balance:      decimal.RequireFromString("100.50"),
	}
}

func providerTransaction(id, status string) saltedge.Transaction {
	return saltedge.Transaction{
		ID:           id,
		Status:       status,
		MadeOn:       "2026-02-01",
		Amount:       decimal.NewFromInt(-12),
		CurrencyCode: "EUR",
		Description:  "Coffee",
	}
}

// faultyStore fails transaction upserts whose provider id starts with "conflict".
type faultyStore struct {
	*memory.Store
	txErr error
}

func (s faultyStore) Transactions() transaction.Repository {
	return faultyTransactions{Repository: s.Store.Transactions(), err: s.txErr}
}

func (s faultyStore) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	return s.Store.WithTx(ctx, func(tx storage.Store) error {
		return fn(faultyStore{Store: tx.(*memory.Store), txErr: s.txErr})
	})
}

type faultyTransactions struct {
	transaction.Repository
	err error
}

func (r faultyTransactions) Upsert(ctx context.Context, params transaction.UpsertParams) (*transaction.Transaction, bool, error) {
	if strings.HasPrefix(params.ProviderTransactionID, "conflict") {
		return nil, false, r.err
	}
	return r.Repository.Upsert(ctx, params)
}
