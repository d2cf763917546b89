package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/punchamoorthee/creditops/internal/clock"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/events"
	"github.com/punchamoorthee/creditops/internal/lease"
	"github.com/punchamoorthee/creditops/internal/provider"
	"github.com/punchamoorthee/creditops/internal/provider/providertest"
	"github.com/punchamoorthee/creditops/internal/store"
	"github.com/punchamoorthee/creditops/internal/webhook"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec"

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	t        *testing.T
	clock    *clock.Fake
	store    *store.Memory
	fake     *providertest.Server
	gateway  *provider.Gateway
	lease    *lease.Local
	events   *recorder
	ledger   *Ledger
	engine   *Engine
	receiver *webhook.Receiver
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := providertest.New("acc", "key")
	fake.WebhookSecret = testSecret
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	h := &harness{
		t:      t,
		clock:  clock.NewFake(time.Now().UTC().Truncate(time.Second)),
		store:  store.NewMemory(),
		fake:   fake,
		lease:  lease.NewLocal(),
		events: &recorder{},
	}
	h.gateway = provider.NewGateway(provider.Config{
		BaseURL:    srv.URL,
		AccountID:  "acc",
		APIKey:     "key",
		MerchantID: "m-1",
		Timeout:    2 * time.Second,
	}, discardLogger())
	h.ledger = NewLedger(h.store, h.clock, 0, discardLogger())
	h.engine = h.newEngine()
	h.receiver = webhook.NewReceiver(testSecret, h.engine, discardLogger())
	return h
}

func (h *harness) newEngine() *Engine {
	e := NewEngine(h.ledger, h.store, h.gateway, h.clock, h.lease, h.events, EngineConfig{
		Tenants: map[string]TenantRates{
			"premium": {CreditRate: 12, MinAmount: 50},
		},
	}, discardLogger())
	h.t.Cleanup(e.Close)
	return e
}

// waitForPoll blocks until n pollers are parked on the clock.
func (h *harness) waitForPoll(n int) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.clock.BlockUntil(ctx, n))
}

func (h *harness) status(paymentID string) domain.SessionStatus {
	s, err := h.store.GetSession(context.Background(), paymentID)
	require.NoError(h.t, err)
	return s.Status
}

func (h *harness) eventuallyStatus(paymentID string, want domain.SessionStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.status(paymentID) == want
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) envelope(paymentID string) webhook.Envelope {
	h.t.Helper()
	body, err := h.fake.WebhookBody(paymentID)
	require.NoError(h.t, err)
	var env webhook.Envelope
	require.NoError(h.t, json.Unmarshal(body, &env))
	return env
}

func (h *harness) start(userID string, amount int64) domain.PaymentSession {
	h.t.Helper()
	s, err := h.engine.StartTopup(h.t.Context(), TopupRequest{UserID: userID, Amount: amount})
	require.NoError(h.t, err)
	h.waitForPoll(1)
	return s
}

func TestEngineStartTopup(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		h.fake.AmountOffsetMinor = 37

		s := h.start("u1", 100)
		require.Equal(t, domain.SessionPending, s.Status)
		require.Equal(t, int64(100), s.RequestedAmount)
		require.Equal(t, int64(100), s.ExpectedAmount)
		require.Equal(t, int64(10), s.CreditRate)
		require.NotEmpty(t, s.QRPayload)
		require.NotEmpty(t, s.ReferenceCode)
		require.Equal(t, s.CreatedAt.Add(600*time.Second), s.ExpiresAt)

		// the first check runs immediately
		require.Equal(t, 1, h.fake.ConfirmCalls(s.PaymentID))
		require.True(t, h.engine.Watching(s.PaymentID))

		stored, err := h.store.GetSession(t.Context(), s.PaymentID)
		require.NoError(t, err)
		require.Equal(t, s.ReferenceCode, stored.ReferenceCode)
	})

	t.Run("success, tenant rates", func(t *testing.T) {
		h := newHarness(t)
		s, err := h.engine.StartTopup(t.Context(), TopupRequest{UserID: "u1", TenantID: "premium", Amount: 50})
		require.NoError(t, err)
		require.Equal(t, int64(12), s.CreditRate)
		require.Equal(t, int64(600), s.Credits())

		_, err = h.engine.StartTopup(t.Context(), TopupRequest{UserID: "u1", TenantID: "premium", Amount: 49})
		require.ErrorIs(t, err, domain.ErrAmountTooSmall)
	})

	t.Run("fail, below minimum makes no provider call", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartTopup(t.Context(), TopupRequest{UserID: "u1", Amount: 9})
		require.ErrorIs(t, err, domain.ErrInvalidAmount)
		_, ok := h.fake.Payment("PAY000001")
		require.False(t, ok)
	})

	t.Run("fail, provider unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.fake.FailNext(1)
		_, err := h.engine.StartTopup(t.Context(), TopupRequest{UserID: "u1", Amount: 100})
		require.ErrorIs(t, err, domain.ErrProviderUnavailable)

		pending, err := h.store.ListPendingSessions(t.Context())
		require.NoError(t, err)
		require.Empty(t, pending)
	})
}

func TestEngineAutoCheckConfirms(t *testing.T) {
	h := newHarness(t)
	s := h.start("u1", 100)

	h.fake.MarkPaid(s.PaymentID, 100)
	h.clock.Advance(DefaultPollInterval)

	h.eventuallyStatus(s.PaymentID, domain.SessionConfirmed)
	require.Eventually(t, func() bool { return !h.engine.Watching(s.PaymentID) }, 5*time.Second, 5*time.Millisecond)

	stored, err := h.store.GetSession(t.Context(), s.PaymentID)
	require.NoError(t, err)
	require.Equal(t, domain.SourceAutoCheck, stored.ConfirmedBy)

	balance, err := h.ledger.GetBalance(t.Context(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)
	require.Equal(t, 2, h.fake.ConfirmCalls(s.PaymentID))
	require.Equal(t, 1, h.events.count(events.TopupConfirmed))
}

func TestEngineAutoCheckRetriesProviderErrors(t *testing.T) {
	h := newHarness(t)
	s := h.start("u1", 100)

	h.fake.FailNext(1)
	h.clock.Advance(DefaultPollInterval)
	h.waitForPoll(1)
	require.Equal(t, domain.SessionPending, h.status(s.PaymentID))

	h.fake.MarkPaid(s.PaymentID, 100)
	h.clock.Advance(DefaultPollInterval)
	h.eventuallyStatus(s.PaymentID, domain.SessionConfirmed)
}

func TestEngineTimeoutExpires(t *testing.T) {
	h := newHarness(t)
	h.fake.TimeoutSeconds = 5
	s := h.start("u1", 100)
	require.Equal(t, int64(5), s.TimeoutSeconds)

	h.clock.Advance(4 * time.Second)
	require.Equal(t, domain.SessionPending, h.status(s.PaymentID))

	h.clock.Advance(time.Second)
	h.eventuallyStatus(s.PaymentID, domain.SessionExpired)
	require.Eventually(t, func() bool { return !h.engine.Watching(s.PaymentID) }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.events.count(events.TopupExpired))

	// no polling after expiry
	calls := h.fake.ConfirmCalls(s.PaymentID)
	require.Zero(t, h.clock.Waiters())
	h.clock.Advance(time.Minute)
	require.Never(t, func() bool { return h.fake.ConfirmCalls(s.PaymentID) != calls }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 1, calls)
}

func TestEngineTriggersRaceCreditsOnce(t *testing.T) {
	for range 20 {
		h := newHarness(t)
		s := h.start("u1", 100)
		h.fake.MarkPaid(s.PaymentID, 100)
		env := h.envelope(s.PaymentID)

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(3)
		go func() {
			defer wg.Done()
			<-start
			h.clock.Advance(DefaultPollInterval)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, err := h.engine.ConfirmManual(context.Background(), s.PaymentID, "203.0.113.9", true)
			assert.True(t, err == nil || errors.Is(err, domain.ErrDuplicatePayment), "manual: %v", err)
		}()
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, h.receiver.Handle(context.Background(), env))
		}()
		close(start)
		wg.Wait()

		require.Eventually(t, func() bool { return !h.engine.Watching(s.PaymentID) }, 5*time.Second, 5*time.Millisecond)
		require.Equal(t, domain.SessionConfirmed, h.status(s.PaymentID))

		history, err := h.ledger.TransactionHistory(t.Context(), "u1", 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, int64(1000), history[0].Amount)

		balance, err := h.ledger.GetBalance(t.Context(), "u1")
		require.NoError(t, err)
		require.Equal(t, int64(1000), balance)
		require.Equal(t, 1, h.events.count(events.TopupConfirmed))
	}
}

func TestEngineSessionCreditedDirectly(t *testing.T) {
	h := newHarness(t)
	s := h.start("u1", 100)

	_, err := h.ledger.AddCredits(t.Context(), "u1", 1000, s.PaymentID, "credited by support")
	require.NoError(t, err)

	h.fake.MarkPaid(s.PaymentID, 100)
	st, err := h.engine.ConfirmManual(t.Context(), s.PaymentID, "203.0.113.9", true)
	require.ErrorIs(t, err, domain.ErrDuplicatePayment)
	require.Equal(t, domain.SessionConfirmed, st.Session.Status)
	require.Equal(t, domain.SourceAPI, st.Session.ConfirmedBy)
	require.Equal(t, domain.SessionConfirmed, h.status(s.PaymentID))
	require.Eventually(t, func() bool { return !h.engine.Watching(s.PaymentID) }, 5*time.Second, 5*time.Millisecond)

	// the deadline passing no longer expires it
	h.clock.Advance(11 * time.Minute)
	got, err := h.engine.Session(t.Context(), s.PaymentID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionConfirmed, got.Status)
	require.Zero(t, h.events.count(events.TopupExpired))
	require.Equal(t, 1, h.events.count(events.TopupConfirmed))

	balance, err := h.ledger.GetBalance(t.Context(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)
}

func TestEngineConfirmManual(t *testing.T) {
	t.Run("success, 1250 plus a 100 unit topup is 2250", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.ledger.AddCredits(t.Context(), "u1", 1250, "", "opening balance")
		require.NoError(t, err)

		s := h.start("u1", 100)
		h.fake.MarkPaid(s.PaymentID, 100)

		st, err := h.engine.ConfirmManual(t.Context(), s.PaymentID, "203.0.113.9", true)
		require.NoError(t, err)
		require.Equal(t, int64(2250), st.Account.Balance)
		require.Equal(t, domain.SessionConfirmed, st.Session.Status)
		require.Equal(t, domain.SourceManual, st.Session.ConfirmedBy)

		history, err := h.ledger.TransactionHistory(t.Context(), "u1", 0)
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.Equal(t, int64(1000), history[0].Amount)
		require.Equal(t, domain.TransactionTopup, history[0].Type)
		require.Equal(t, s.PaymentID, history[0].PaymentID)

		// confirming stops the poller
		require.Eventually(t, func() bool { return !h.engine.Watching(s.PaymentID) }, 5*time.Second, 5*time.Millisecond)
	})

	t.Run("fail, prompt not acknowledged", func(t *testing.T) {
		h := newHarness(t)
		s := h.start("u1", 100)
		h.fake.MarkPaid(s.PaymentID, 100)

		_, err := h.engine.ConfirmManual(t.Context(), s.PaymentID, "203.0.113.9", false)
		require.ErrorIs(t, err, domain.ErrConfirmationRequired)
		require.Equal(t, 1, h.fake.ConfirmCalls(s.PaymentID))
		require.Equal(t, domain.SessionPending, h.status(s.PaymentID))
	})

	t.Run("fail, payment not received", func(t *testing.T) {
		h := newHarness(t)
		s := h.start("u1", 100)

		_, err := h.engine.ConfirmManual(t.Context(), s.PaymentID, "203.0.113.9", true)
		require.ErrorIs(t, err, domain.ErrPaymentNotReceived)
		require.Equal(t, domain.SessionPending, h.status(s.PaymentID))
	})

	t.Run("fail, provider unavailable leaves session pending", func(t *testing.T) {
		h := newHarness(t)
		s := h.start("u1", 100)
		h.fake.MarkPaid(s.PaymentID, 100)
		h.fake.FailNext(1)

		_, err := h.engine.ConfirmManual(t.Context(), s.PaymentID, "203.0.113.9", true)
		require.ErrorIs(t, err, domain.ErrProviderUnavailable)
		require.Equal(t, domain.SessionPending, h.status(s.PaymentID))
	})

	t.Run("fail, underpaid", func(t *testing.T) {
		h := newHarness(t)
		s := h.start("u1", 100)
		h.fake.MarkPaid(s.PaymentID, 60)

		_, err := h.engine.ConfirmManual(t.Context(), s.PaymentID, "203.0.113.9", true)
		require.ErrorIs(t, err, domain.ErrUnderpaid)
		require.Equal(t, domain.SessionPending, h.status(s.PaymentID))
	})

	t.Run("fail, session expired", func(t *testing.T) {
		h := newHarness(t)
		s := h.start("u1", 100)
		require.True(t, h.engine.StopWatching(s.PaymentID))
		h.clock.Advance(11 * time.Minute)
		h.fake.MarkPaid(s.PaymentID, 100)

		_, err := h.engine.ConfirmManual(t.Context(), s.PaymentID, "203.0.113.9", true)
		require.ErrorIs(t, err, domain.ErrSessionExpired)
		require.Equal(t, domain.SessionExpired, h.status(s.PaymentID))

		balance, err := h.ledger.GetBalance(t.Context(), "u1")
		require.NoError(t, err)
		require.Zero(t, balance)
	})

	t.Run("fail, unknown session", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.ConfirmManual(t.Context(), "PAY404", "", true)
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}

func TestEngineHandlePaid(t *testing.T) {
	t.Run("success, resolved by reference code", func(t *testing.T) {
		h := newHarness(t)
		s := h.start("u1", 100)

		st, err := h.engine.HandlePaid(t.Context(), webhook.Notification{
			PaymentID:     "provider-renamed-id",
			ReferenceCode: s.ReferenceCode,
			Amount:        100,
		})
		require.NoError(t, err)
		require.Equal(t, domain.SourceWebhook, st.Session.ConfirmedBy)
		require.Equal(t, int64(1000), st.Account.Balance)
	})

	t.Run("fail, underpaid", func(t *testing.T) {
		h := newHarness(t)
		s := h.start("u1", 100)

		_, err := h.engine.HandlePaid(t.Context(), webhook.Notification{PaymentID: s.PaymentID, Amount: 99})
		require.ErrorIs(t, err, domain.ErrUnderpaid)
		require.Equal(t, domain.SessionPending, h.status(s.PaymentID))
	})

	t.Run("fail, paid after the deadline", func(t *testing.T) {
		h := newHarness(t)
		s := h.start("u1", 100)

		_, err := h.engine.HandlePaid(t.Context(), webhook.Notification{
			PaymentID: s.PaymentID,
			Amount:    100,
			PaidAt:    s.ExpiresAt.Add(time.Second),
		})
		require.ErrorIs(t, err, domain.ErrSessionExpired)
		require.Equal(t, domain.SessionExpired, h.status(s.PaymentID))
	})

	t.Run("success, late delivery of a payment made in time", func(t *testing.T) {
		h := newHarness(t)
		s := h.start("u1", 100)
		require.True(t, h.engine.StopWatching(s.PaymentID))
		h.clock.Advance(time.Hour)

		_, err := h.engine.HandlePaid(t.Context(), webhook.Notification{
			PaymentID: s.PaymentID,
			Amount:    100,
			PaidAt:    s.CreatedAt.Add(time.Minute),
		})
		require.NoError(t, err)
		require.Equal(t, domain.SessionConfirmed, h.status(s.PaymentID))
	})

	t.Run("fail, unknown payment", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.HandlePaid(t.Context(), webhook.Notification{PaymentID: "PAY404", Amount: 100})
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}

func TestEngineCancel(t *testing.T) {
	h := newHarness(t)
	s := h.start("u1", 100)

	cancelled, err := h.engine.Cancel(t.Context(), s.PaymentID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionCancelled, cancelled.Status)
	require.NotNil(t, cancelled.ClosedAt)
	require.False(t, h.engine.Watching(s.PaymentID))
	require.Equal(t, 1, h.events.count(events.TopupCancelled))

	h.fake.MarkPaid(s.PaymentID, 100)
	_, err = h.engine.ConfirmManual(t.Context(), s.PaymentID, "", true)
	require.ErrorIs(t, err, domain.ErrSessionCancelled)
	_, err = h.engine.HandlePaid(t.Context(), webhook.Notification{PaymentID: s.PaymentID, Amount: 100})
	require.ErrorIs(t, err, domain.ErrSessionCancelled)

	_, err = h.engine.Cancel(t.Context(), s.PaymentID)
	require.ErrorIs(t, err, domain.ErrSessionCancelled)
}

func TestEngineStopWatching(t *testing.T) {
	h := newHarness(t)
	s := h.start("u1", 100)

	require.True(t, h.engine.StopWatching(s.PaymentID))
	require.False(t, h.engine.StopWatching(s.PaymentID))
	require.Equal(t, domain.SessionPending, h.status(s.PaymentID))

	h.fake.MarkPaid(s.PaymentID, 100)
	h.clock.Advance(DefaultPollInterval)
	require.Never(t, func() bool { return h.fake.ConfirmCalls(s.PaymentID) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	// the payer can still confirm by hand
	_, err := h.engine.ConfirmManual(t.Context(), s.PaymentID, "", true)
	require.NoError(t, err)
}

func TestEngineSessionExpiresOnRead(t *testing.T) {
	h := newHarness(t)
	s := h.start("u1", 100)
	require.True(t, h.engine.StopWatching(s.PaymentID))
	h.clock.Advance(11 * time.Minute)

	got, err := h.engine.Session(t.Context(), s.PaymentID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionExpired, got.Status)
}

func TestEngineResume(t *testing.T) {
	h := newHarness(t)
	s := h.start("u1", 100)

	// simulate a restart: the old engine stops, a new one picks up the store
	h.engine.Close()
	require.False(t, h.engine.Watching(s.PaymentID))

	restarted := h.newEngine()
	n, err := restarted.Resume(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, restarted.Watching(s.PaymentID))

	// the closed engine left its timer behind, so wait for two
	h.waitForPoll(2)
	h.fake.MarkPaid(s.PaymentID, 100)
	h.clock.Advance(DefaultPollInterval)
	h.eventuallyStatus(s.PaymentID, domain.SessionConfirmed)
}

func TestEngineResumeLogsCountOnce(t *testing.T) {
	h := newHarness(t)
	h.start("u1", 100)
	h.engine.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	restarted := NewEngine(h.ledger, h.store, h.gateway, h.clock, h.lease, h.events, EngineConfig{}, logger)
	n, err := restarted.Resume(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	restarted.Close()

	require.Equal(t, 1, strings.Count(buf.String(), "resumed pending topups"))
	require.Contains(t, buf.String(), `"count":1`)
}

func TestEngineStandsByWhileLeasedElsewhere(t *testing.T) {
	h := newHarness(t)
	other := h.lease.Replica()
	ok, err := other.Acquire(t.Context(), "topup_poll:PAY000001", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	s, err := h.engine.StartTopup(t.Context(), TopupRequest{UserID: "u1", Amount: 100})
	require.NoError(t, err)
	require.Equal(t, "PAY000001", s.PaymentID)
	h.waitForPoll(1)
	require.True(t, h.engine.Watching(s.PaymentID))
	require.Zero(t, h.fake.ConfirmCalls(s.PaymentID))

	h.fake.MarkPaid(s.PaymentID, 100)
	h.clock.Advance(DefaultPollInterval)
	h.waitForPoll(1)
	require.Zero(t, h.fake.ConfirmCalls(s.PaymentID))
	require.Equal(t, domain.SessionPending, h.status(s.PaymentID))

	// the other replica goes away and this one takes over
	require.NoError(t, other.Release(t.Context(), "topup_poll:PAY000001"))
	h.clock.Advance(DefaultPollInterval)
	h.eventuallyStatus(s.PaymentID, domain.SessionConfirmed)
	require.Equal(t, 1, h.fake.ConfirmCalls(s.PaymentID))
}

func TestEngineStandbyStopsWhenClosedElsewhere(t *testing.T) {
	h := newHarness(t)
	other := h.lease.Replica()
	_, err := other.Acquire(t.Context(), "topup_poll:PAY000001", time.Hour)
	require.NoError(t, err)

	s, err := h.engine.StartTopup(t.Context(), TopupRequest{UserID: "u1", Amount: 100})
	require.NoError(t, err)
	h.waitForPoll(1)

	// another replica settles the session from its own webhook
	_, err = h.ledger.SettlePayment(t.Context(), s.PaymentID, domain.SourceWebhook)
	require.NoError(t, err)

	h.clock.Advance(DefaultPollInterval)
	require.Eventually(t, func() bool { return !h.engine.Watching(s.PaymentID) }, 5*time.Second, 5*time.Millisecond)
	require.Zero(t, h.fake.ConfirmCalls(s.PaymentID))
}

func TestEngineResumeAfterCrashedReplica(t *testing.T) {
	h := newHarness(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := h.start("u1", 100)
	h.engine.Close()
	callsBefore := h.fake.ConfirmCalls(s.PaymentID)

	// the crashed replica never released its claim
	key := "creditops:topup_poll:" + s.PaymentID
	crashed := lease.NewRedis(rdb, "creditops:")
	ok, err := crashed.Acquire(t.Context(), "topup_poll:"+s.PaymentID, 2*DefaultPollInterval)
	require.NoError(t, err)
	require.True(t, ok)
	require.LessOrEqual(t, mr.TTL(key), 2*DefaultPollInterval)

	restarted := NewEngine(h.ledger, h.store, h.gateway, h.clock, lease.NewRedis(rdb, "creditops:"), h.events, EngineConfig{}, discardLogger())
	t.Cleanup(restarted.Close)
	n, err := restarted.Resume(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// the closed engine left its timer behind, so wait for two
	h.waitForPoll(2)
	require.True(t, restarted.Watching(s.PaymentID))

	h.fake.MarkPaid(s.PaymentID, 100)
	h.clock.Advance(DefaultPollInterval)
	h.waitForPoll(1)
	require.Equal(t, callsBefore, h.fake.ConfirmCalls(s.PaymentID))

	// the stale claim lapses and the restarted replica takes over
	mr.FastForward(2 * DefaultPollInterval)
	h.clock.Advance(DefaultPollInterval)
	h.eventuallyStatus(s.PaymentID, domain.SessionConfirmed)
	require.Eventually(t, func() bool { return !mr.Exists(key) }, 5*time.Second, 5*time.Millisecond)
}
