package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/creditops/internal/clock"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/events"
	"github.com/punchamoorthee/creditops/internal/lease"
	"github.com/punchamoorthee/creditops/internal/provider"
	"github.com/punchamoorthee/creditops/internal/store"
	"github.com/punchamoorthee/creditops/internal/webhook"
)

const (
	DefaultPollInterval = 20 * time.Second
	DefaultCreditRate   = 10
	DefaultTimeout      = 10 * time.Minute
)

var (
	sessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditops_topup_sessions_closed_total",
		Help: "Payment sessions reaching a terminal state, by status and trigger",
	}, []string{"status", "source"})

	providerChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditops_topup_checks_total",
		Help: "Provider payment checks by trigger and result",
	}, []string{"source", "result"})

	activeWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditops_topup_active_watchers",
		Help: "Payment sessions currently polled by this replica",
	})
)

// Gateway is the subset of the provider adapter the engine needs.
type Gateway interface {
	MinAmount() int64
	CreatePayment(ctx context.Context, amount int64, referenceCode string) (provider.CreatedPayment, error)
	GetPaymentDetail(ctx context.Context, paymentID string) (provider.PaymentDetail, error)
	ConfirmPayment(ctx context.Context, paymentID, clientIP string) (provider.Confirmation, error)
}

// TenantRates overrides the business constants for one tenant.
type TenantRates struct {
	CreditRate int64 `yaml:"credit_rate"`
	MinAmount  int64 `yaml:"min_amount"`
}

type EngineConfig struct {
	PollInterval time.Duration
	// DefaultTimeout applies when the provider does not report one.
	DefaultTimeout time.Duration
	CreditRate     int64
	MinAmount      int64
	Tenants        map[string]TenantRates
}

type TopupRequest struct {
	UserID   string
	TenantID string
	Amount   int64
}

type watcher struct {
	cancel context.CancelFunc
}

// Engine drives payment sessions to a terminal state. Automatic polling,
// manual confirmation and the webhook all settle through Ledger.SettlePayment,
// so whichever trigger wins credits the account and the others no-op.
type Engine struct {
	ledger  *Ledger
	store   store.Store
	gateway Gateway
	clock   clock.Clock
	lease   lease.Lease
	events  events.Publisher
	cfg     EngineConfig
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	watchers map[string]*watcher
	closed   bool
	wg       sync.WaitGroup
}

func NewEngine(
	ledger *Ledger,
	st store.Store,
	gateway Gateway,
	clk clock.Clock,
	ls lease.Lease,
	publisher events.Publisher,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.CreditRate <= 0 {
		cfg.CreditRate = DefaultCreditRate
	}
	if cfg.MinAmount <= 0 {
		cfg.MinAmount = gateway.MinAmount()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ledger:   ledger,
		store:    st,
		gateway:  gateway,
		clock:    clk,
		lease:    ls,
		events:   publisher,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[string]*watcher),
	}
}

// Rates returns the credit rate and minimum amount that apply to tenantID.
func (e *Engine) Rates(tenantID string) TenantRates {
	r := TenantRates{CreditRate: e.cfg.CreditRate, MinAmount: e.cfg.MinAmount}
	if t, ok := e.cfg.Tenants[tenantID]; ok {
		if t.CreditRate > 0 {
			r.CreditRate = t.CreditRate
		}
		if t.MinAmount > 0 {
			r.MinAmount = t.MinAmount
		}
	}
	// the provider refuses anything below its own minimum
	r.MinAmount = max(r.MinAmount, e.gateway.MinAmount())
	return r
}

// StartTopup opens a provider payment, persists it as a pending session and
// starts polling it.
func (e *Engine) StartTopup(ctx context.Context, req TopupRequest) (domain.PaymentSession, error) {
	rates := e.Rates(req.TenantID)
	if req.Amount <= 0 {
		return domain.PaymentSession{}, domain.ErrInvalidAmount
	}
	if req.Amount < rates.MinAmount {
		return domain.PaymentSession{}, fmt.Errorf("%w: minimum is %d", domain.ErrAmountTooSmall, rates.MinAmount)
	}

	// 1. Create the payment at the provider
	ref := uuid.NewString()
	created, err := e.gateway.CreatePayment(ctx, req.Amount, ref)
	if err != nil {
		return domain.PaymentSession{}, fmt.Errorf("create payment: %w", err)
	}

	// 2. Fetch the QR code and the amount the payer must transfer
	detail, err := e.gateway.GetPaymentDetail(ctx, created.PaymentID)
	if err != nil {
		return domain.PaymentSession{}, fmt.Errorf("payment detail %s: %w", created.PaymentID, err)
	}

	// 3. Persist the session
	now := e.clock.Now()
	timeout := time.Duration(detail.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	expected := detail.ExpectedAmount
	if expected <= 0 {
		expected = req.Amount
	}
	s := domain.PaymentSession{
		PaymentID:       created.PaymentID,
		ReferenceCode:   ref,
		UserID:          req.UserID,
		TenantID:        req.TenantID,
		RequestedAmount: req.Amount,
		ExpectedAmount:  expected,
		CreditRate:      rates.CreditRate,
		QRPayload:       detail.QRPayload,
		TimeoutSeconds:  int64(timeout / time.Second),
		Status:          domain.SessionPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(timeout),
	}
	if err := e.store.CreateSession(ctx, s); err != nil {
		return domain.PaymentSession{}, fmt.Errorf("save session %s: %w", s.PaymentID, err)
	}

	e.logger.InfoContext(ctx, "topup started",
		"payment_id", s.PaymentID,
		"user_id", s.UserID,
		"tenant_id", s.TenantID,
		"amount", s.RequestedAmount,
		"expected_amount", s.ExpectedAmount,
		"expires_at", s.ExpiresAt,
	)

	// 4. Start automatic polling
	e.watch(s)
	return s, nil
}

// Session returns the current state of a payment session. A pending session
// past its deadline is expired on read.
func (e *Engine) Session(ctx context.Context, paymentID string) (domain.PaymentSession, error) {
	s, err := e.store.GetSession(ctx, paymentID)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	if s.Status == domain.SessionPending && s.ExpiredAt(e.clock.Now()) {
		return e.expire(ctx, s)
	}
	return s, nil
}

// ConfirmManual handles the payer asserting they have paid. It performs a
// single provider check and settles on a positive answer.
func (e *Engine) ConfirmManual(ctx context.Context, paymentID, clientIP string, acknowledged bool) (domain.Settlement, error) {
	if !acknowledged {
		return domain.Settlement{}, domain.ErrConfirmationRequired
	}

	s, err := e.store.GetSession(ctx, paymentID)
	if err != nil {
		return domain.Settlement{}, err
	}
	if s.Status.Terminal() {
		return domain.Settlement{Session: s}, domain.ClosedSessionError(s.Status)
	}
	if s.ExpiredAt(e.clock.Now()) {
		s, _ = e.expire(ctx, s)
		return domain.Settlement{Session: s}, domain.ErrSessionExpired
	}

	conf, err := e.gateway.ConfirmPayment(ctx, paymentID, clientIP)
	if err != nil {
		providerChecks.WithLabelValues(string(domain.SourceManual), "error").Inc()
		return domain.Settlement{Session: s}, err
	}
	if !conf.IsPaid {
		providerChecks.WithLabelValues(string(domain.SourceManual), "unpaid").Inc()
		return domain.Settlement{Session: s}, domain.ErrPaymentNotReceived
	}
	providerChecks.WithLabelValues(string(domain.SourceManual), "paid").Inc()
	if underpaid(s, conf.AmountReceived) {
		e.logger.WarnContext(ctx, "provider reports underpayment",
			"payment_id", paymentID, "expected", s.ExpectedAmount, "received", conf.AmountReceived)
		return domain.Settlement{Session: s}, domain.ErrUnderpaid
	}

	return e.settle(ctx, s, domain.SourceManual)
}

// HandlePaid settles a payment reported by the provider's webhook. The
// session is found by payment id, then by reference code.
func (e *Engine) HandlePaid(ctx context.Context, n webhook.Notification) (domain.Settlement, error) {
	s, err := e.store.GetSession(ctx, n.PaymentID)
	if errors.Is(err, domain.ErrSessionNotFound) && n.ReferenceCode != "" {
		s, err = e.store.GetSessionByReference(ctx, n.ReferenceCode)
	}
	if err != nil {
		return domain.Settlement{}, err
	}
	if s.Status.Terminal() {
		return domain.Settlement{Session: s}, domain.ClosedSessionError(s.Status)
	}

	paidAt := n.PaidAt
	if paidAt.IsZero() {
		paidAt = e.clock.Now()
	}
	if s.ExpiredAt(paidAt) {
		s, _ = e.expire(ctx, s)
		return domain.Settlement{Session: s}, domain.ErrSessionExpired
	}
	if n.Amount < s.ExpectedAmount {
		return domain.Settlement{Session: s}, fmt.Errorf("%w: expected %d, received %d", domain.ErrUnderpaid, s.ExpectedAmount, n.Amount)
	}

	return e.settle(ctx, s, domain.SourceWebhook)
}

// Cancel aborts a pending session on the payer's request.
func (e *Engine) Cancel(ctx context.Context, paymentID string) (domain.PaymentSession, error) {
	s, err := e.store.CloseSession(ctx, paymentID, domain.SessionCancelled, e.clock.Now())
	if err != nil {
		return s, err
	}
	e.StopWatching(paymentID)

	sessionsClosed.WithLabelValues(string(domain.SessionCancelled), "user").Inc()
	e.logger.InfoContext(ctx, "topup cancelled", "payment_id", paymentID, "user_id", s.UserID)
	e.publish(ctx, events.TopupCancelled, s, 0, 0, "")
	return s, nil
}

// StopWatching stops automatic polling for a session, e.g. when the payer
// closes the page. The session stays pending and a settlement already in
// flight still completes.
func (e *Engine) StopWatching(paymentID string) bool {
	e.mu.Lock()
	w, ok := e.watchers[paymentID]
	if ok {
		delete(e.watchers, paymentID)
	}
	e.mu.Unlock()

	if ok {
		w.cancel()
	}
	return ok
}

// Watching reports whether this replica is polling paymentID.
func (e *Engine) Watching(paymentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.watchers[paymentID]
	return ok
}

// Resume starts polling every persisted pending session. Called at startup.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	sessions, err := e.store.ListPendingSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending sessions: %w", err)
	}
	for _, s := range sessions {
		e.watch(s)
	}
	if len(sessions) > 0 {
		e.logger.InfoContext(ctx, "resumed pending topups", "count", len(sessions))
	}
	return len(sessions), nil
}

// Close stops every watcher and waits for them to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.watchers = make(map[string]*watcher)
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Engine) watch(s domain.PaymentSession) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, ok := e.watchers[s.PaymentID]; ok {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	w := &watcher{cancel: cancel}
	e.watchers[s.PaymentID] = w
	e.wg.Add(1)
	e.mu.Unlock()

	activeWatchers.Inc()
	go func() {
		defer e.wg.Done()
		defer activeWatchers.Dec()
		defer e.forget(s.PaymentID, w)
		e.poll(ctx, s)
	}()
}

func (e *Engine) forget(paymentID string, w *watcher) {
	e.mu.Lock()
	if e.watchers[paymentID] == w {
		delete(e.watchers, paymentID)
	}
	e.mu.Unlock()
	w.cancel()
}

func (e *Engine) poll(ctx context.Context, s domain.PaymentSession) {
	log := e.logger.With("payment_id", s.PaymentID)

	// the lease is renewed every tick, so a crashed holder frees it within
	// two intervals and a standby replica takes over
	key := "topup_poll:" + s.PaymentID
	ttl := 2 * e.cfg.PollInterval
	defer e.lease.Release(context.WithoutCancel(ctx), key)

	for {
		now := e.clock.Now()
		if s.ExpiredAt(now) {
			e.expire(ctx, s)
			return
		}

		if e.holdLease(ctx, key, ttl, log) {
			if e.check(ctx, s, log) {
				return
			}
		} else if e.closedElsewhere(ctx, s.PaymentID) {
			return
		}

		wait := min(e.cfg.PollInterval, s.ExpiresAt.Sub(e.clock.Now()))
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(wait):
		}
	}
}

// holdLease acquires or renews the poll lease and reports whether this
// replica should check the provider.
func (e *Engine) holdLease(ctx context.Context, key string, ttl time.Duration, log *slog.Logger) bool {
	ok, err := e.lease.Acquire(ctx, key, ttl)
	if err != nil {
		// settlement is idempotent, so polling without the lease is safe
		log.WarnContext(ctx, "poll lease unavailable, polling anyway", "error", err)
		return true
	}
	if !ok {
		log.DebugContext(ctx, "session polled by another replica")
	}
	return ok
}

// closedElsewhere reports whether another replica or trigger already closed
// the session.
func (e *Engine) closedElsewhere(ctx context.Context, paymentID string) bool {
	cur, err := e.store.GetSession(ctx, paymentID)
	if err != nil {
		return ctx.Err() != nil
	}
	return cur.Status.Terminal()
}

// check asks the provider once and reports whether polling should stop.
func (e *Engine) check(ctx context.Context, s domain.PaymentSession, log *slog.Logger) bool {
	source := string(domain.SourceAutoCheck)
	conf, err := e.gateway.ConfirmPayment(ctx, s.PaymentID, "")
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		providerChecks.WithLabelValues(source, "error").Inc()
		log.WarnContext(ctx, "payment check failed, retrying next tick", "error", err)
		return false
	}
	if !conf.IsPaid {
		providerChecks.WithLabelValues(source, "unpaid").Inc()
		return false
	}
	providerChecks.WithLabelValues(source, "paid").Inc()
	if underpaid(s, conf.AmountReceived) {
		log.WarnContext(ctx, "provider reports underpayment",
			"expected", s.ExpectedAmount, "received", conf.AmountReceived)
		return false
	}

	_, err = e.settle(ctx, s, domain.SourceAutoCheck)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrDuplicatePayment),
		errors.Is(err, domain.ErrSessionExpired),
		errors.Is(err, domain.ErrSessionCancelled):
		return true
	default:
		log.ErrorContext(ctx, "settlement failed, retrying next tick", "error", err)
		return false
	}
}

// settle credits the session. It runs detached from ctx so that stopping the
// poller or dropping the request never aborts a credit mid-flight.
func (e *Engine) settle(ctx context.Context, s domain.PaymentSession, source domain.ConfirmSource) (domain.Settlement, error) {
	ctx = context.WithoutCancel(ctx)

	st, err := e.ledger.SettlePayment(ctx, s.PaymentID, source)
	if errors.Is(err, domain.ErrClaimedOutsideSession) {
		// credited by a direct ledger mutation; the store closed the session
		e.StopWatching(s.PaymentID)
		sessionsClosed.WithLabelValues(string(domain.SessionConfirmed), string(st.Session.ConfirmedBy)).Inc()
		e.logger.WarnContext(ctx, "topup payment credited outside its session",
			"payment_id", s.PaymentID, "user_id", s.UserID, "trigger", source)
		e.publish(ctx, events.TopupConfirmed, st.Session, 0, 0, st.Session.ConfirmedBy)
		return st, err
	}
	if err != nil {
		if st.Session.PaymentID == "" {
			st.Session = s
		}
		return st, err
	}
	e.StopWatching(s.PaymentID)

	sessionsClosed.WithLabelValues(string(domain.SessionConfirmed), string(source)).Inc()
	e.publish(ctx, events.TopupConfirmed, st.Session, st.Transaction.Amount, st.Account.Balance, source)
	return st, nil
}

func (e *Engine) expire(ctx context.Context, s domain.PaymentSession) (domain.PaymentSession, error) {
	ctx = context.WithoutCancel(ctx)

	closed, err := e.store.CloseSession(ctx, s.PaymentID, domain.SessionExpired, e.clock.Now())
	if err != nil {
		if closed.PaymentID == "" {
			closed = s
		}
		return closed, err
	}
	e.StopWatching(s.PaymentID)

	sessionsClosed.WithLabelValues(string(domain.SessionExpired), string(domain.SourceAutoCheck)).Inc()
	e.logger.InfoContext(ctx, "topup expired", "payment_id", s.PaymentID, "user_id", s.UserID)
	e.publish(ctx, events.TopupExpired, closed, 0, 0, "")
	return closed, nil
}

func (e *Engine) publish(ctx context.Context, typ string, s domain.PaymentSession, credits, balance int64, source domain.ConfirmSource) {
	err := e.events.Publish(ctx, events.Event{
		Type:      typ,
		PaymentID: s.PaymentID,
		UserID:    s.UserID,
		TenantID:  s.TenantID,
		Credits:   credits,
		Balance:   balance,
		Source:    string(source),
		At:        e.clock.Now(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "publish event failed", "type", typ, "payment_id", s.PaymentID, "error", err)
	}
}

// underpaid is only decided when the provider reports an amount.
func underpaid(s domain.PaymentSession, received int64) bool {
	return received > 0 && received < s.ExpectedAmount
}
