package banksync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"moneymanager/internal/domain/account"
	"moneymanager/internal/domain/callback"
	"moneymanager/internal/domain/connection"
	"moneymanager/internal/domain/customer"
	"moneymanager/internal/domain/storage"
	"moneymanager/internal/infrastructure/saltedge"
)

var (
	tracer            = otel.Tracer("moneymanager/banksync")
	meter             = otel.Meter("moneymanager/banksync")
	callbacksTotal, _ = meter.Int64Counter("banksync.callbacks.total", metric.WithDescription("Callbacks received by kind and outcome"))
	pullsTotal, _     = meter.Int64Counter("banksync.pulls.total", metric.WithDescription("Pull-and-reconcile cycles by outcome"))
	pullDuration, _   = meter.Float64Histogram("banksync.pull.duration", metric.WithDescription("Pull-and-reconcile duration in seconds"), metric.WithUnit("s"))
	retriesTotal, _   = meter.Int64Counter("banksync.provider.retries", metric.WithDescription("Provider calls retried after a transient failure"))
)

const (
	defaultPersistTimeout = 60 * time.Second
	defaultDedupWindow    = 24 * time.Hour
	forgetTimeout         = 5 * time.Second
)

// SignatureVerifier authenticates callback bodies.
type SignatureVerifier interface {
	Verify(callbackURL string, body []byte, signature string) error
}

// Submitter runs tasks on per-key FIFO lanes. Tasks sharing a key run one at
// a time in submission order.
type Submitter interface {
	Submit(key string, task func(ctx context.Context)) error
}

// Config tunes the orchestrator.
type Config struct {
	NotifyPolicy        connection.NotifyPolicy
	Retry               Backoff
	PersistTimeout      time.Duration
	CustomerConcurrency int
	DedupWindow         time.Duration
	ConsentScopes       []string
	PeriodDays          int
}

// Deps are the orchestrator's collaborators. Publisher, Notifier, Dedup and
// Locks are optional. Locks must be shared by every replica that processes
// the same connections.
type Deps struct {
	Store     storage.Store
	Client    saltedge.ClientInterface
	Verifier  SignatureVerifier
	Lanes     Submitter
	Dedup     Deduper
	Locks     Locker
	Publisher Publisher
	Notifier  Notifier
	Logger    zerolog.Logger

	Now   func() time.Time
	Sleep SleepFunc
}

// Orchestrator drives connections through their lifecycle: it accepts
// callbacks and manual sync requests, applies state transitions, pulls data
// from the provider and hands it to the Reconciler.
type Orchestrator struct {
	store      storage.Store
	client     saltedge.ClientInterface
	verifier   SignatureVerifier
	lanes      Submitter
	dedup      Deduper
	publisher  Publisher
	notifier   Notifier
	reconciler *Reconciler
	locks      *KeyedMutex
	shared     Locker
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
	sleep      SleepFunc
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.CustomerConcurrency < 1 {
		cfg.CustomerConcurrency = 1
	}

	o := &Orchestrator{
		store:      deps.Store,
		client:     deps.Client,
		verifier:   deps.Verifier,
		lanes:      deps.Lanes,
		dedup:      deps.Dedup,
		publisher:  deps.Publisher,
		notifier:   deps.Notifier,
		reconciler: NewReconciler(deps.Store, deps.Logger),
		locks:      NewKeyedMutex(),
		shared:     deps.Locks,
		cfg:        cfg,
		logger:     deps.Logger,
		now:        deps.Now,
		sleep:      deps.Sleep,
	}
	if o.verifier == nil {
		o.verifier = (*callback.Verifier)(nil)
	}
	if o.dedup == nil {
		o.dedup = NewMemoryDeduper()
	}
	if o.publisher == nil {
		o.publisher = nopPublisher{}
	}
	if o.notifier == nil {
		o.notifier = nopNotifier{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	return o
}

// CallbackRequest is one inbound webhook delivery.
type CallbackRequest struct {
	Scope callback.Scope
	Kind  connection.Kind
	// Legacy marks the combined endpoint, where the kind is inferred from the payload.
	Legacy    bool
	URL       string
	Body      []byte
	Signature string
}

// AckStatus tells the webhook handler what happened to a delivery.
type AckStatus string

const (
	AckAccepted  AckStatus = "accepted"
	AckDuplicate AckStatus = "duplicate"
	AckIgnored   AckStatus = "ignored"
)

// Ack confirms acceptance of a callback. It never reflects the outcome of
// the pull the callback triggers.
type Ack struct {
	Status       AckStatus
	EventKind    string
	ConnectionID string
	ReceivedAt   time.Time
}

// HandleCallback verifies, decodes and deduplicates a callback, then queues
// its processing on the connection's lane and returns.
func (o *Orchestrator) HandleCallback(ctx context.Context, req CallbackRequest) (Ack, error) {
	ctx, span := tracer.Start(ctx, "banksync.HandleCallback")
	defer span.End()

	ack := Ack{ReceivedAt: o.now().UTC()}

	if err := o.verifier.Verify(req.URL, req.Body, req.Signature); err != nil {
		o.logger.Warn().Str("url", req.URL).Msg("Rejected callback with invalid signature")
		callbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "signature_invalid")))
		span.SetStatus(codes.Error, "signature invalid")
		return ack, callback.ErrSignatureInvalid
	}

	var (
		ev  *callback.Event
		err error
	)
	if req.Legacy {
		ev, err = callback.ParseLegacy(req.Body)
	} else {
		ev, err = callback.Parse(req.Scope, req.Kind, req.Body)
	}
	if err != nil {
		o.logger.Warn().Err(err).Str("url", req.URL).Msg("Rejected malformed callback")
		callbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "malformed")))
		span.SetStatus(codes.Error, "malformed event")
		return ack, err
	}

	ack.EventKind = ev.Kind.String()
	ack.ConnectionID = ev.ConnectionID
	span.SetAttributes(
		attribute.String("callback.scope", string(ev.Scope)),
		attribute.String("callback.kind", ev.Kind.String()),
		attribute.String("connection.id", ev.ConnectionID),
	)
	log := o.logger.With().
		Str("scope", string(ev.Scope)).
		Str("kind", ev.Kind.String()).
		Str("connection_id", ev.ConnectionID).
		Logger()
	outcome := func(s string) {
		callbacksTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", ev.Kind.String()),
			attribute.String("outcome", s),
		))
	}

	if ev.Scope == callback.ScopePIS {
		log.Info().Str("payment_id", ev.PaymentID).Str("stage", ev.Stage).Msg("Payment callback acknowledged")
		outcome("acknowledged")
		ack.Status = AckAccepted
		return ack, nil
	}
	if ev.Kind == connection.KindUnknown {
		log.Warn().Msg("Ignoring callback of unknown kind")
		outcome("ignored")
		ack.Status = AckIgnored
		return ack, nil
	}

	fresh, err := o.dedup.Mark(ctx, ev.DedupKey, o.cfg.DedupWindow)
	if err != nil {
		log.Warn().Err(err).Msg("Dedup store unavailable, processing callback anyway")
		fresh = true
	}
	if !fresh {
		log.Info().Str("dedup_key", ev.DedupKey).Msg("Duplicate callback acknowledged")
		outcome("duplicate")
		ack.Status = AckDuplicate
		return ack, nil
	}

	targets, err := o.callbackTargets(ctx, ev)
	if err != nil {
		o.forget(ev.DedupKey)
		return ack, err
	}
	if len(targets) == 0 {
		log.Info().Str("provider_code", ev.ProviderCode).Msg("No connection affected by callback")
	}

	for _, connID := range targets {
		task := func(ctx context.Context) {
			if err := o.processEvent(ctx, ev, connID); err != nil {
				log.Error().Err(err).Str("target_connection_id", connID).Msg("Callback processing failed")
				o.forget(ev.DedupKey)
			}
		}
		if err := o.submit(connID, task); err != nil {
			log.Warn().Err(err).Msg("Could not queue callback")
			outcome("queue_full")
			o.forget(ev.DedupKey)
			return ack, err
		}
	}

	outcome("accepted")
	ack.Status = AckAccepted
	return ack, nil
}

// callbackTargets resolves the connections an event applies to. A
// provider-changes event without a connection id affects every active
// connection of that provider.
func (o *Orchestrator) callbackTargets(ctx context.Context, ev *callback.Event) ([]string, error) {
	if ev.ConnectionID != "" {
		return []string{ev.ConnectionID}, nil
	}
	conns, err := o.store.Connections().ListByProviderCode(ctx, ev.ProviderCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections for provider %s: %w", ev.ProviderCode, err)
	}
	var ids []string
	for _, c := range conns {
		if c.Status == connection.StatusActive {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (o *Orchestrator) submit(key string, task func(ctx context.Context)) error {
	if o.lanes == nil {
		return ErrNoSubmitter
	}
	return o.lanes.Submit(key, task)
}

// lock takes the connection's in-process lock and then, when configured, the
// lock shared with other replicas.
func (o *Orchestrator) lock(ctx context.Context, connID string) (func(), error) {
	unlock, err := o.locks.Lock(ctx, connID)
	if err != nil {
		return nil, cancelled(ctx, err)
	}
	if o.shared == nil {
		return unlock, nil
	}
	release, err := o.shared.Lock(ctx, connID)
	if err != nil {
		unlock()
		return nil, cancelled(ctx, err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

func (o *Orchestrator) forget(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), forgetTimeout)
	defer cancel()
	if err := o.dedup.Forget(ctx, key); err != nil {
		o.logger.Warn().Err(err).Str("dedup_key", key).Msg("Failed to release dedup key")
	}
}

// processEvent applies one callback to one connection under its lock.
func (o *Orchestrator) processEvent(ctx context.Context, ev *callback.Event, connID string) error {
	ctx, span := tracer.Start(ctx, "banksync.processEvent", trace.WithAttributes(
		attribute.String("connection.id", connID),
		attribute.String("callback.kind", ev.Kind.String()),
	))
	defer span.End()

	unlock, err := o.lock(ctx, connID)
	if err != nil {
		return err
	}
	defer unlock()

	conn, err := o.store.Connections().GetByID(ctx, connID)
	if errors.Is(err, connection.ErrConnectionNotFound) {
		if ev.Kind != connection.KindSuccess {
			o.logger.Info().Str("connection_id", connID).Str("kind", ev.Kind.String()).Msg("Ignoring callback for unknown connection")
			return nil
		}
		conn, err = o.adoptConnection(ctx, ev)
		if errors.Is(err, customer.ErrCustomerNotFound) {
			o.logger.Warn().Str("connection_id", connID).Str("customer_id", ev.CustomerID).Msg("Ignoring success callback for unknown customer")
			return nil
		}
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load connection %s: %w", connID, err)
	}

	if err := o.apply(ctx, conn, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// adoptConnection registers a connection first seen through its success
// callback, typically one created outside this service.
func (o *Orchestrator) adoptConnection(ctx context.Context, ev *callback.Event) (*connection.Connection, error) {
	if ev.CustomerID == "" {
		return nil, customer.ErrCustomerNotFound
	}
	cust, err := o.store.Customers().GetByProviderID(ctx, ev.CustomerID)
	if err != nil {
		return nil, err
	}

	params := connection.CreateParams{
		ID:            ev.ConnectionID,
		CustomerID:    cust.ID,
		ProviderCode:  ev.ProviderCode,
		ProviderName:  ev.ProviderName,
		Status:        connection.StatusPending,
		ConsentScopes: o.cfg.ConsentScopes,
	}

	var pc *saltedge.Connection
	err = o.retry(ctx, "get_connection", ev.ConnectionID, func(ctx context.Context) error {
		var err error
		pc, err = o.client.GetConnection(ctx, ev.ConnectionID)
		return err
	})
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, cancelled(ctx, err)
	case err != nil:
		o.logger.Warn().Err(err).Str("connection_id", ev.ConnectionID).Msg("Could not fetch provider connection metadata")
	case pc != nil:
		if pc.ProviderCode != "" {
			params.ProviderCode = pc.ProviderCode
		}
		if pc.ProviderName != "" {
			params.ProviderName = pc.ProviderName
		}
		params.CountryCode = pc.CountryCode
		params.ConsentExpiresAt = o.providerConsent(pc)
	}
	if params.ConsentExpiresAt == nil && o.cfg.PeriodDays > 0 {
		expires := o.now().AddDate(0, 0, o.cfg.PeriodDays)
		params.ConsentExpiresAt = &expires
	}

	conn, err := o.store.Connections().Create(ctx, params)
	if errors.Is(err, connection.ErrConnectionExists) {
		return o.store.Connections().GetByID(ctx, ev.ConnectionID)
	}
	if err != nil {
		return nil, err
	}
	o.logger.Info().Str("connection_id", conn.ID).Int64("customer_id", cust.ID).Msg("Registered connection from success callback")
	return conn, nil
}

// apply runs the state machine for ev and performs the resulting action.
func (o *Orchestrator) apply(ctx context.Context, conn *connection.Connection, ev *callback.Event) error {
	decision, err := connection.Transition(conn.Status, ev.Signal(), o.cfg.NotifyPolicy)
	if errors.Is(err, connection.ErrTransitionIgnored) {
		o.logger.Info().Str("connection_id", conn.ID).Str("kind", ev.Kind.String()).Str("status", string(conn.Status)).Msg("Callback has no effect in current status")
		return nil
	}
	if err != nil {
		return err
	}

	switch decision.Action {
	case connection.ActionMarkReadOnly:
		conn, err = o.destroy(ctx, conn)
	case connection.ActionRecordError:
		conn, err = o.updateConnection(ctx, conn, connection.UpdateParams{
			Status:           &decision.Next,
			LastError:        &ev.ErrorClass,
			LastErrorMessage: &ev.ErrorMessage,
		})
	case connection.ActionUpdateProvider:
		var params connection.UpdateParams
		if ev.ProviderCode != "" {
			params.ProviderCode = &ev.ProviderCode
		}
		if ev.ProviderName != "" {
			params.ProviderName = &ev.ProviderName
		}
		o.logger.Info().Str("connection_id", conn.ID).Str("change_type", ev.ChangeType).Msg("Provider metadata changed")
		conn, err = o.updateConnection(ctx, conn, params)
	default:
		var params connection.UpdateParams
		if decision.Changed() {
			params.Status = &decision.Next
		}
		if ev.Kind == connection.KindSuccess && conn.ConsentExpired(o.now()) {
			params.ConsentExpiresAt, err = o.renewConsent(ctx, conn)
			if err != nil {
				return err
			}
		}
		if params.Status != nil || params.ConsentExpiresAt != nil {
			conn, err = o.updateConnection(ctx, conn, params)
		}
	}
	if err != nil {
		return err
	}

	o.logger.Info().
		Str("connection_id", conn.ID).
		Str("kind", ev.Kind.String()).
		Str("from", string(decision.From)).
		Str("to", string(decision.Next)).
		Str("action", decision.Action.String()).
		Msg("Connection transition applied")
	if decision.Changed() {
		o.statusChanged(ctx, conn, decision.From)
	}
	if !decision.Action.Pulls() {
		return nil
	}

	result := o.pull(ctx, conn, decision.Action == connection.ActionFullPull)
	if result.Err != nil && (saltedge.IsTransient(result.Err) || errors.Is(result.Err, ErrCancelled)) {
		return result.Err
	}
	return nil
}

// renewConsent finds the consent that replaced an expired one. A success
// callback means the customer authorized again, so without a provider-reported
// expiry the configured period restarts now. Nil leaves the old expiry.
func (o *Orchestrator) renewConsent(ctx context.Context, conn *connection.Connection) (*time.Time, error) {
	var pc *saltedge.Connection
	err := o.retry(ctx, "get_connection", conn.ID, func(ctx context.Context) error {
		var err error
		pc, err = o.client.GetConnection(ctx, conn.ID)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx, err)
		}
		o.logger.Warn().Err(err).Str("connection_id", conn.ID).Msg("Could not fetch renewed consent")
	}
	if expires := o.providerConsent(pc); expires != nil {
		return expires, nil
	}
	if o.cfg.PeriodDays > 0 {
		expires := o.now().AddDate(0, 0, o.cfg.PeriodDays)
		return &expires, nil
	}
	return nil, nil
}

// providerConsent returns the consent expiry the provider reports, if it is
// still in the future.
func (o *Orchestrator) providerConsent(pc *saltedge.Connection) *time.Time {
	if pc == nil {
		return nil
	}
	expires, err := pc.GetConsentExpiresAt()
	if err != nil {
		o.logger.Warn().Err(err).Str("connection_id", pc.ID).Msg("Ignoring unparseable consent expiry")
		return nil
	}
	if expires == nil || !expires.After(o.now()) {
		return nil
	}
	return expires
}

func (o *Orchestrator) updateConnection(ctx context.Context, conn *connection.Connection, params connection.UpdateParams) (*connection.Connection, error) {
	updated, err := o.store.Connections().Update(ctx, conn.ID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to update connection %s: %w", conn.ID, err)
	}
	return updated, nil
}

// destroy marks the connection destroyed and freezes its data in one transaction.
func (o *Orchestrator) destroy(ctx context.Context, conn *connection.Connection) (*connection.Connection, error) {
	status := connection.StatusDestroyed
	var updated *connection.Connection
	err := o.store.WithTx(ctx, func(tx storage.Store) error {
		var err error
		updated, err = tx.Connections().Update(ctx, conn.ID, connection.UpdateParams{Status: &status})
		if err != nil {
			return err
		}
		if _, err := tx.Transactions().MarkReadOnlyByConnection(ctx, conn.ID); err != nil {
			return err
		}
		_, err = tx.Accounts().MarkReadOnlyByConnection(ctx, conn.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to destroy connection %s: %w", conn.ID, err)
	}
	return updated, nil
}

func (o *Orchestrator) statusChanged(ctx context.Context, conn *connection.Connection, from connection.Status) {
	ev := newEvent(EventConnectionStatusChanged, conn, o.now())
	ev.PreviousStatus = from
	ev.Error = conn.LastError
	o.publish(ctx, ev)

	switch conn.Status {
	case connection.StatusFailed:
		o.notify(ctx, Notification{Kind: NotifyConnectionFailed, CustomerID: conn.CustomerID, ConnectionID: conn.ID, ProviderName: conn.ProviderName})
	case connection.StatusDestroyed:
		o.notify(ctx, Notification{Kind: NotifyConnectionRevoked, CustomerID: conn.CustomerID, ConnectionID: conn.ID, ProviderName: conn.ProviderName})
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev DomainEvent) {
	if err := o.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn().Err(err).Str("event_type", string(ev.Type)).Str("connection_id", ev.ConnectionID).Msg("Failed to publish event")
	}
}

func (o *Orchestrator) notify(ctx context.Context, n Notification) {
	if err := o.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		o.logger.Warn().Err(err).Str("kind", string(n.Kind)).Int64("customer_id", n.CustomerID).Msg("Failed to send notification")
	}
}

func (o *Orchestrator) retry(ctx context.Context, op, connID string, fn func(ctx context.Context) error) error {
	return Retry(ctx, o.cfg.Retry, o.sleep, fn, func(n int, delay time.Duration, err error) {
		retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
		o.logger.Warn().Err(err).
			Str("operation", op).
			Str("connection_id", connID).
			Int("retry", n).
			Dur("delay", delay).
			Msg("Retrying provider call")
	})
}

type fetchedTransactions struct {
	records []saltedge.Transaction
	next    string
	err     error
}

// pull runs one pull-and-reconcile cycle. The caller holds the connection lock.
// Fetching honors ctx; once everything is fetched, persisting continues even
// if ctx is cancelled so a batch is never half written.
func (o *Orchestrator) pull(ctx context.Context, conn *connection.Connection, full bool) *ConnectionResult {
	ctx, span := tracer.Start(ctx, "banksync.pull", trace.WithAttributes(
		attribute.String("connection.id", conn.ID),
		attribute.Bool("pull.full", full),
	))
	defer span.End()

	start := o.now()
	result := &ConnectionResult{ConnectionID: conn.ID, Status: conn.Status}
	defer func() {
		outcome := "success"
		switch {
		case result.Err != nil:
			outcome = "error"
			span.SetStatus(codes.Error, result.Error)
		case len(result.FailedAccounts()) > 0:
			outcome = "partial"
		}
		pullsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		pullDuration.Record(ctx, o.now().Sub(start).Seconds())
	}()

	log := o.logger.With().Str("connection_id", conn.ID).Bool("full", full).Logger()

	if conn.ConsentExpired(o.now()) {
		o.expireConsent(ctx, conn, result)
		return result
	}

	local, err := o.store.Accounts().ListByConnectionID(ctx, conn.ID)
	if err != nil {
		result.fail(cancelled(ctx, fmt.Errorf("failed to load accounts: %w", err)))
		return result
	}
	cursors := make(map[string]string, len(local))
	for _, a := range local {
		cursors[a.ProviderAccountID] = a.SyncCursor
	}

	var records []saltedge.Account
	err = o.retry(ctx, "fetch_accounts", conn.ID, func(ctx context.Context) error {
		var err error
		records, err = o.client.FetchAccounts(ctx, conn.ID)
		return err
	})
	if err != nil {
		err = cancelled(ctx, err)
		result.fail(err)
		o.recordPullFailure(ctx, conn, result, err)
		return result
	}
	result.AccountsFetched = len(records)

	batches := make([]fetchedTransactions, len(records))
	for i, rec := range records {
		cursor := ""
		if !full {
			cursor = cursors[rec.ID]
		}
		err := o.retry(ctx, "fetch_transactions", conn.ID, func(ctx context.Context) error {
			txs, next, err := o.client.FetchTransactions(ctx, conn.ID, rec.ID, cursor)
			if err != nil {
				return err
			}
			batches[i] = fetchedTransactions{records: txs, next: next}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				result.fail(cancelled(ctx, err))
				log.Info().Msg("Pull cancelled before anything was written")
				return result
			}
			batches[i].err = err
		}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	stored, stats, err := o.reconciler.MergeAccounts(pctx, conn, records)
	if err != nil {
		result.fail(err)
		o.recordPullFailure(pctx, conn, result, err)
		return result
	}
	result.AccountsCreated = stats.Created
	result.AccountsUpdated = stats.Updated

	byProvider := make(map[string]*account.Account, len(stored))
	for _, a := range stored {
		byProvider[a.ProviderAccountID] = a
	}

	for i, rec := range records {
		ar := AccountResult{ProviderAccountID: rec.ID}
		acc, ok := byProvider[rec.ID]
		if ok {
			ar.AccountID = acc.ID
			ar.Cursor = acc.SyncCursor
		}

		switch {
		case batches[i].err != nil:
			ar.Err = batches[i].err
		case !ok:
			ar.Err = fmt.Errorf("account record %q failed validation", rec.ID)
		default:
			ar.TransactionsFetched = len(batches[i].records)
			st, err := o.reconciler.MergeTransactions(pctx, acc, batches[i].records, batches[i].next)
			if err != nil {
				ar.Err = err
				break
			}
			ar.TransactionsCreated = st.Created
			ar.TransactionsUpdated = st.Updated
			ar.TransactionsSkipped = st.Skipped
			ar.Cursor = acc.SyncCursor
		}

		if ar.Err != nil {
			ar.Error = ar.Err.Error()
			log.Warn().Err(ar.Err).Str("provider_account_id", rec.ID).Msg("Account sync failed")
		}
		result.Accounts = append(result.Accounts, ar)
	}

	now := o.now()
	code, msg := "", ""
	if failed := result.FailedAccounts(); len(failed) > 0 {
		code = errorCode(failed[0].Err)
		msg = fmt.Sprintf("%d of %d accounts failed to sync", len(failed), len(records))
	}
	updated, err := o.store.Connections().Update(pctx, conn.ID, connection.UpdateParams{
		LastSuccessAt:    &now,
		LastError:        &code,
		LastErrorMessage: &msg,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to record sync completion")
	} else {
		*conn = *updated
	}

	created := result.TransactionsCreated()
	log.Info().
		Int("accounts", len(records)).
		Int("accounts_created", result.AccountsCreated).
		Int("transactions_created", created).
		Int("failed_accounts", len(result.FailedAccounts())).
		Msg("Pull complete")

	ev := newEvent(EventConnectionSynced, conn, now)
	ev.AccountsSynced = len(records) - len(result.FailedAccounts())
	ev.TransactionsCreated = created
	ev.Error = code
	o.publish(ctx, ev)
	if created > 0 {
		o.notify(ctx, Notification{
			Kind:         NotifyNewTransactions,
			CustomerID:   conn.CustomerID,
			ConnectionID: conn.ID,
			ProviderName: conn.ProviderName,
			Count:        created,
		})
	}
	return result
}

// recordPullFailure stores a connection-level pull failure. A provider
// rejection fails the connection; other errors only update last_error.
// Cancellation leaves the connection untouched.
func (o *Orchestrator) recordPullFailure(ctx context.Context, conn *connection.Connection, result *ConnectionResult, err error) {
	if errors.Is(err, ErrCancelled) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	code, msg := errorCode(err), err.Error()
	params := connection.UpdateParams{LastError: &code, LastErrorMessage: &msg}

	var decision connection.Decision
	if saltedge.IsRejected(err) {
		d, terr := connection.Transition(conn.Status, connection.Signal{Kind: connection.KindFailure}, o.cfg.NotifyPolicy)
		if terr == nil {
			decision = d
			params.Status = &d.Next
		}
	}

	updated, uerr := o.store.Connections().Update(ctx, conn.ID, params)
	if uerr != nil {
		o.logger.Error().Err(uerr).Str("connection_id", conn.ID).Msg("Failed to record sync error")
		return
	}
	*conn = *updated
	result.Status = conn.Status
	o.logger.Warn().Err(err).Str("connection_id", conn.ID).Str("code", code).Msg("Pull failed")

	if decision.Changed() {
		o.statusChanged(ctx, conn, decision.From)
	} else {
		ev := newEvent(EventConnectionSyncFailed, conn, o.now())
		ev.Error = code
		o.publish(ctx, ev)
	}
}

func (o *Orchestrator) expireConsent(ctx context.Context, conn *connection.Connection, result *ConnectionResult) {
	err := fmt.Errorf("%w: consent expired", ErrConnectionNotActive)
	decision, terr := connection.Transition(conn.Status, connection.Signal{Kind: connection.KindConsentExpired}, o.cfg.NotifyPolicy)
	if terr == nil && decision.Changed() {
		code := "consent_expired"
		updated, uerr := o.store.Connections().Update(context.WithoutCancel(ctx), conn.ID, connection.UpdateParams{
			Status:    &decision.Next,
			LastError: &code,
		})
		if uerr != nil {
			o.logger.Error().Err(uerr).Str("connection_id", conn.ID).Msg("Failed to mark connection inactive")
		} else {
			*conn = *updated
			o.statusChanged(ctx, conn, decision.From)
		}
	}
	o.logger.Info().Str("connection_id", conn.ID).Msg("Consent expired, skipping pull")
	result.Status = conn.Status
	result.fail(err)
}

// SyncConnection pulls and reconciles one connection synchronously. It
// contends for the same per-connection lock as callback processing. A
// destroyed connection fails with ErrConnectionDestroyed before any
// provider call. The returned result is non-nil whenever a pull started;
// its per-account entries report partial failures.
func (o *Orchestrator) SyncConnection(ctx context.Context, connectionID string) (*ConnectionResult, error) {
	unlock, err := o.lock(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conn, err := o.store.Connections().GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", connectionID, err)
	}

	switch conn.Status {
	case connection.StatusActive:
	case connection.StatusDestroyed:
		return nil, fmt.Errorf("%w: %s", ErrConnectionDestroyed, connectionID)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrConnectionNotActive, connectionID, conn.Status)
	}

	result := o.pull(ctx, conn, false)
	return result, result.Err
}

// SyncCustomer syncs every active connection of a customer concurrently.
// One connection failing never fails the others.
func (o *Orchestrator) SyncCustomer(ctx context.Context, identifier string) (*CustomerSyncResult, error) {
	ctx, span := tracer.Start(ctx, "banksync.SyncCustomer", trace.WithAttributes(attribute.String("customer.identifier", identifier)))
	defer span.End()

	cust, err := o.store.Customers().GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to load customer %s: %w", identifier, err)
	}
	conns, err := o.store.Connections().ListByCustomerID(ctx, cust.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	var active []*connection.Connection
	for _, c := range conns {
		if c.Status == connection.StatusActive {
			active = append(active, c)
		}
	}

	result := &CustomerSyncResult{
		CustomerIdentifier: identifier,
		Connections:        make([]ConnectionResult, len(active)),
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.CustomerConcurrency)
	for i, conn := range active {
		g.Go(func() error {
			r, err := o.SyncConnection(ctx, conn.ID)
			if r == nil {
				r = &ConnectionResult{ConnectionID: conn.ID, Status: conn.Status}
				r.fail(err)
			}
			result.Connections[i] = *r
			return nil
		})
	}
	_ = g.Wait()

	for i := range result.Connections {
		if result.Connections[i].OK() {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	o.logger.Info().
		Str("customer", identifier).
		Int("connections", len(active)).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("Customer sync complete")
	return result, nil
}

// ActiveConnectionIDs lists the connections periodic syncs should visit.
func (o *Orchestrator) ActiveConnectionIDs(ctx context.Context) ([]string, error) {
	conns, err := o.store.Connections().ListByStatus(ctx, connection.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active connections: %w", err)
	}
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// EnqueueSync queues a SyncConnection on the connection's lane so it runs
// after any callback already waiting there.
func (o *Orchestrator) EnqueueSync(connectionID string) error {
	return o.submit(connectionID, func(ctx context.Context) {
		if _, err := o.SyncConnection(ctx, connectionID); err != nil {
			o.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("Scheduled sync failed")
		}
	})
}

// RefreshConnection asks the provider to re-fetch a connection's data. The
// connection moves to pending and the outcome arrives later as a callback.
func (o *Orchestrator) RefreshConnection(ctx context.Context, connectionID string) (*connection.Connection, error) {
	unlock, err := o.lock(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conn, err := o.store.Connections().GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", connectionID, err)
	}

	decision, err := connection.Refresh(conn.Status)
	if err != nil {
		if conn.Status == connection.StatusDestroyed {
			return nil, fmt.Errorf("%w: %s", ErrConnectionDestroyed, connectionID)
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrConnectionNotActive, connectionID, conn.Status)
	}
	if next := conn.NextRefreshPossibleAt; next != nil && next.After(o.now()) {
		return nil, fmt.Errorf("%w: next refresh possible at %s", ErrRefreshNotAllowed, next.UTC().Format(time.RFC3339))
	}

	err = o.retry(ctx, "refresh_connection", connectionID, func(ctx context.Context) error {
		return o.client.RefreshConnection(ctx, connectionID)
	})
	if err != nil {
		err = cancelled(ctx, err)
		if saltedge.IsRejected(err) {
			code, msg := errorCode(err), err.Error()
			if _, uerr := o.store.Connections().Update(ctx, connectionID, connection.UpdateParams{LastError: &code, LastErrorMessage: &msg}); uerr != nil {
				o.logger.Error().Err(uerr).Str("connection_id", connectionID).Msg("Failed to record refresh error")
			}
		}
		return nil, err
	}

	empty := ""
	params := connection.UpdateParams{Status: &decision.Next, LastError: &empty, LastErrorMessage: &empty}
	if pc, gerr := o.client.GetConnection(ctx, connectionID); gerr == nil && pc != nil {
		if next, perr := pc.GetNextRefreshPossibleAt(); perr == nil && next != nil {
			params.NextRefreshPossibleAt = next
		}
		params.ConsentExpiresAt = o.providerConsent(pc)
	}

	updated, err := o.updateConnection(context.WithoutCancel(ctx), conn, params)
	if err != nil {
		return nil, err
	}
	o.statusChanged(ctx, updated, decision.From)
	o.logger.Info().Str("connection_id", connectionID).Msg("Connection refresh requested")
	return updated, nil
}

// RemoveConnection revokes a connection at the provider and marks it
// destroyed locally. Accounts and transactions are kept read-only. Removing
// an already destroyed connection returns it without calling the provider.
func (o *Orchestrator) RemoveConnection(ctx context.Context, connectionID string) (*connection.Connection, error) {
	ctx, span := tracer.Start(ctx, "banksync.RemoveConnection", trace.WithAttributes(attribute.String("connection.id", connectionID)))
	defer span.End()

	unlock, err := o.lock(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conn, err := o.store.Connections().GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", connectionID, err)
	}
	if conn.Status == connection.StatusDestroyed {
		return conn, nil
	}

	err = o.retry(ctx, "remove_connection", connectionID, func(ctx context.Context) error {
		return o.client.RemoveConnection(ctx, connectionID)
	})
	var rejected *saltedge.RejectedError
	if errors.As(err, &rejected) && rejected.StatusCode == http.StatusNotFound {
		o.logger.Info().Str("connection_id", connectionID).Msg("Connection already gone at provider")
		err = nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, cancelled(ctx, fmt.Errorf("failed to remove connection: %w", err))
	}

	from := conn.Status
	updated, err := o.destroy(context.WithoutCancel(ctx), conn)
	if err != nil {
		return nil, err
	}
	o.statusChanged(ctx, updated, from)
	o.logger.Info().Str("connection_id", connectionID).Str("from", string(from)).Msg("Connection removed")
	return updated, nil
}

// CreateConnectionRequest asks for a new connection on behalf of a customer.
type CreateConnectionRequest struct {
	CustomerIdentifier string   `json:"customerIdentifier"`
	CountryCode        string   `json:"countryCode"`
	ProviderCode       string   `json:"providerCode"`
	Scopes             []string `json:"scopes,omitempty"`
	PeriodDays         int      `json:"periodDays,omitempty"`
	ReturnTo           string   `json:"returnTo,omitempty"`
}

// ConnectSession is what the customer needs to finish authorization.
// Connection is nil when the provider assigns the id only after the flow.
type ConnectSession struct {
	Connection *connection.Connection `json:"connection,omitempty"`
	ConnectURL string                 `json:"connectUrl"`
	ExpiresAt  string                 `json:"expiresAt,omitempty"`
}

// CreateConnection issues a connection request to the provider and stores
// the pending connection. Creation calls are not retried since they are not
// idempotent on the provider side.
func (o *Orchestrator) CreateConnection(ctx context.Context, req CreateConnectionRequest) (*ConnectSession, error) {
	if strings.TrimSpace(req.CustomerIdentifier) == "" || req.ProviderCode == "" {
		return nil, fmt.Errorf("%w: customer identifier and provider code are required", customer.ErrInvalidInput)
	}
	cust, err := o.store.Customers().GetByIdentifier(ctx, req.CustomerIdentifier)
	if err != nil {
		return nil, fmt.Errorf("failed to load customer %s: %w", req.CustomerIdentifier, err)
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = o.cfg.ConsentScopes
	}
	period := req.PeriodDays
	if period <= 0 {
		period = o.cfg.PeriodDays
	}

	session, err := o.client.CreateConnection(ctx, saltedge.CreateConnectionParams{
		CustomerID:   cust.ProviderCustomerID,
		CountryCode:  req.CountryCode,
		ProviderCode: req.ProviderCode,
		Scopes:       scopes,
		PeriodDays:   period,
		ReturnTo:     req.ReturnTo,
	})
	if err != nil {
		return nil, cancelled(ctx, fmt.Errorf("failed to create connection: %w", err))
	}

	out := &ConnectSession{ConnectURL: session.ConnectURL, ExpiresAt: session.ExpiresAt}
	if session.ConnectionID == "" {
		return out, nil
	}

	params := connection.CreateParams{
		ID:            session.ConnectionID,
		CustomerID:    cust.ID,
		ProviderCode:  req.ProviderCode,
		CountryCode:   req.CountryCode,
		Status:        connection.StatusPending,
		ConsentScopes: scopes,
	}
	if period > 0 {
		expires := o.now().AddDate(0, 0, period)
		params.ConsentExpiresAt = &expires
	}

	conn, err := o.store.Connections().Create(context.WithoutCancel(ctx), params)
	if errors.Is(err, connection.ErrConnectionExists) {
		conn, err = o.store.Connections().GetByID(ctx, session.ConnectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store connection: %w", err)
	}
	out.Connection = conn
	o.logger.Info().Str("connection_id", conn.ID).Str("customer", req.CustomerIdentifier).Str("provider_code", req.ProviderCode).Msg("Connection requested")
	return out, nil
}

// CreateCustomerRequest registers a customer.
type CreateCustomerRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email,omitempty"`
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
}

// CreateCustomer registers the customer at the provider and stores it locally.
func (o *Orchestrator) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*customer.Customer, error) {
	if strings.TrimSpace(req.Identifier) == "" {
		return nil, fmt.Errorf("%w: identifier is required", customer.ErrInvalidInput)
	}
	if _, err := o.store.Customers().GetByIdentifier(ctx, req.Identifier); err == nil {
		return nil, customer.ErrCustomerExists
	} else if !errors.Is(err, customer.ErrCustomerNotFound) {
		return nil, fmt.Errorf("failed to look up customer: %w", err)
	}

	pc, err := o.client.CreateCustomer(ctx, saltedge.CreateCustomerParams{
		Identifier: req.Identifier,
		Email:      req.Email,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
	})
	if err != nil {
		return nil, cancelled(ctx, fmt.Errorf("failed to register customer at provider: %w", err))
	}

	cust, err := o.store.Customers().Create(context.WithoutCancel(ctx), customer.CreateParams{
		Identifier:         req.Identifier,
		ProviderCustomerID: pc.ID,
		Secret:             pc.Secret,
		Email:              req.Email,
		FirstName:          req.FirstName,
		LastName:           req.LastName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store customer: %w", err)
	}
	o.logger.Info().Int64("customer_id", cust.ID).Str("provider_customer_id", pc.ID).Msg("Customer registered")
	return cust, nil
}

// ListProviders lists the institutions available in a country.
func (o *Orchestrator) ListProviders(ctx context.Context, countryCode string) ([]saltedge.Provider, error) {
	var providers []saltedge.Provider
	err := o.retry(ctx, "list_providers", "", func(ctx context.Context) error {
		var err error
		providers, err = o.client.ListProviders(ctx, strings.ToUpper(countryCode))
		return err
	})
	return providers, cancelled(ctx, err)
}

// ListCountries lists the countries the provider covers.
func (o *Orchestrator) ListCountries(ctx context.Context) ([]saltedge.Country, error) {
	var countries []saltedge.Country
	err := o.retry(ctx, "list_countries", "", func(ctx context.Context) error {
		var err error
		countries, err = o.client.ListCountries(ctx)
		return err
	})
	return countries, cancelled(ctx, err)
}
