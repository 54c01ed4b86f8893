package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-hold-checkout/internal/clock"
	"github.com/iliyamo/ticket-hold-checkout/internal/config"
	"github.com/iliyamo/ticket-hold-checkout/internal/model"
	"github.com/iliyamo/ticket-hold-checkout/internal/payment"
	"github.com/iliyamo/ticket-hold-checkout/internal/repository"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

const testTT = "ev-1/2026-03-01/general"

func newTestLogger() *log.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

func testMerchant() config.MerchantConfig {
	return config.MerchantConfig{
		Code:            "999008881",
		Terminal:        "1",
		SecretKey:       "sq7HjrUOBfKmC576ILgskD5srU870gJ7",
		Currency:        "978",
		TransactionType: "0",
		NotifyURL:       "https://tickets.example.com/v1/payments/notifications",
		URLOK:           "https://tickets.example.com/ok",
		URLKO:           "https://tickets.example.com/ko",
		GatewayURL:      "https://gateway.example.com/pay",
	}
}

type managerFixture struct {
	clk     *clock.FakeClock
	store   *repository.MemoryCapacityStore
	timers  *HoldTimers
	manager *ReservationManager

	mu      sync.Mutex
	expired []model.HoldKey
}

func newManagerFixture(t *testing.T, capacity int, policy model.HoldPolicy) *managerFixture {
	t.Helper()
	return newManagerFixtureWith(t, capacity, ManagerConfig{HoldTTL: model.DefaultHoldTTL, Policy: policy, MaxAttempts: 3, RetryBackoff: time.Millisecond}, nil)
}

func newManagerFixtureWith(t *testing.T, capacity int, cfg ManagerConfig, wrap func(CapacityStore) CapacityStore) *managerFixture {
	t.Helper()
	f := &managerFixture{clk: clock.Fake(t0), store: repository.NewMemoryCapacityStore()}
	f.timers = NewHoldTimers(f.clk, time.Second)
	t.Cleanup(f.timers.StopAll)

	var store CapacityStore = f.store
	if wrap != nil {
		store = wrap(store)
	}
	f.manager = NewReservationManager(store, f.clk, f.timers, cfg, newTestLogger())
	f.manager.OnExpired(func(k model.HoldKey) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.expired = append(f.expired, k)
	})
	_, err := f.store.Init(context.Background(), testTT, capacity)
	require.NoError(t, err)
	return f
}

func (f *managerFixture) available(t *testing.T) int {
	t.Helper()
	doc, err := f.store.Get(context.Background(), testTT)
	require.NoError(t, err)
	return doc.Capacity
}

func (f *managerFixture) expiredKeys() []model.HoldKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.HoldKey(nil), f.expired...)
}

// flakyStore fails the first n transactions with a connection error.
type flakyStore struct {
	CapacityStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) RunTx(ctx context.Context, id string, fn func(*model.CapacityDoc) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("read tcp 10.0.0.3:6379: connection reset by peer")
	}
	return f.CapacityStore.RunTx(ctx, id, fn)
}

func (f *flakyStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n
}

func (s *seqIDs) NewCheckoutID() string { return fmt.Sprintf("chk-%d", s.next()) }
func (s *seqIDs) NewOrderID() string    { return fmt.Sprintf("%04dabcdef01", s.next()) }

// mockOrderStore is a testify mock of OrderStore.
type mockOrderStore struct {
	mock.Mock
}

func (m *mockOrderStore) Create(ctx context.Context, rec model.OrderRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockOrderStore) Get(ctx context.Context, orderID string) (model.OrderRecord, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(model.OrderRecord), args.Error(1)
}

func (m *mockOrderStore) TransitionPayment(ctx context.Context, orderID string, from, to model.PaymentStatus, at time.Time) (bool, error) {
	args := m.Called(ctx, orderID, from, to, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockOrderStore) ListPendingDue(ctx context.Context, now time.Time, limit int) ([]model.OrderRecord, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]model.OrderRecord), args.Error(1)
}

func (m *mockOrderStore) MarkIssued(ctx context.Context, orderID string, at time.Time) error {
	return m.Called(ctx, orderID, at).Error(0)
}

func (m *mockOrderStore) ListUnissued(ctx context.Context, settledBefore time.Time, limit int) ([]model.OrderRecord, error) {
	args := m.Called(ctx, settledBefore, limit)
	return args.Get(0).([]model.OrderRecord), args.Error(1)
}

type checkoutFixture struct {
	*managerFixture
	catalog *repository.MemoryCatalog
	orders  OrderStore
	signer  *payment.Signer
	orch    *CheckoutOrchestrator
	sweep   *HoldSweep

	completedMu sync.Mutex
	completed   []model.ConfirmedOrder
}

type checkoutOptions struct {
	policy   model.HoldPolicy
	merchant *config.MerchantConfig
	orders   OrderStore
}

func newCheckoutFixture(t *testing.T, capacity int, opts checkoutOptions) *checkoutFixture {
	t.Helper()
	f := &checkoutFixture{managerFixture: newManagerFixture(t, capacity, opts.policy)}
	f.catalog = repository.NewMemoryCatalog(model.TicketType{
		EventID: "ev-1", DateKey: "2026-03-01", Name: "general",
		UnitPriceCents: 2500, TotalCapacity: capacity, Description: "Standing",
	})
	f.orders = opts.orders
	if f.orders == nil {
		f.orders = repository.NewMemoryOrderStore()
	}
	merchant := testMerchant()
	if opts.merchant != nil {
		merchant = *opts.merchant
	}
	f.signer = payment.NewSigner(merchant)
	f.orch = NewCheckoutOrchestrator(f.catalog, f.manager, f.orders, f.signer, &seqIDs{}, f.clk, OrchestratorConfig{
		ManagementFeeCents: 100,
		PendingPaymentTTL:  15 * time.Minute,
		SessionRetention:   time.Hour,
	}, newTestLogger())
	f.orch.OnCompleted(func(_ context.Context, o model.ConfirmedOrder) error {
		f.completedMu.Lock()
		defer f.completedMu.Unlock()
		f.completed = append(f.completed, o)
		return nil
	})
	f.sweep = NewHoldSweep(f.store, f.manager, f.clk, 10, newTestLogger())
	return f
}

func (f *checkoutFixture) completedOrders() []model.ConfirmedOrder {
	f.completedMu.Lock()
	defer f.completedMu.Unlock()
	return append([]model.ConfirmedOrder(nil), f.completed...)
}

func validBuyers(n int) []model.BuyerDetail {
	out := make([]model.BuyerDetail, n)
	for i := range out {
		email := fmt.Sprintf("guest%d@example.com", i+1)
		out[i] = model.BuyerDetail{Name: fmt.Sprintf("Guest %d", i+1), Email: email, ConfirmEmail: email, BirthDate: "1990-01-01"}
	}
	return out
}

func startInput(qty int) StartInput {
	return StartInput{EventID: "ev-1", DateKey: "2026-03-01", TicketType: "general", Quantity: qty}
}
