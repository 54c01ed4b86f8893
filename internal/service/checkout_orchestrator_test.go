package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
	"github.com/iliyamo/ticket-hold-checkout/internal/payment"
)

func startHeld(t *testing.T, f *checkoutFixture, buyer string, qty int) model.Checkout {
	t.Helper()
	c, err := f.orch.Start(context.Background(), buyer, startInput(qty))
	require.NoError(t, err)
	require.Equal(t, model.CheckoutHeld, c.State)
	return c
}

func submitPending(t *testing.T, f *checkoutFixture, buyer string, qty int) model.Checkout {
	t.Helper()
	c := startHeld(t, f, buyer, qty)
	c, err := f.orch.Submit(context.Background(), c.ID, buyer, validBuyers(qty))
	require.NoError(t, err)
	require.Equal(t, model.CheckoutPendingPayment, c.State)
	return c
}

func notify(t *testing.T, f *checkoutFixture, orderID string, response int, amount int64) payment.Notification {
	t.Helper()
	n, err := f.signer.SignNotification(orderID, response, amount)
	require.NoError(t, err)
	return n
}

func TestStart_HoldsTickets(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})

	c := startHeld(t, f, "alice", 2)
	assert.Equal(t, "chk-1", c.ID)
	assert.Equal(t, "alice", c.BuyerID)
	assert.Equal(t, 2, c.Quantity)
	require.NotNil(t, c.Hold)
	assert.Equal(t, testTT, c.Hold.Key.TicketTypeID)
	assert.Equal(t, 300, c.RemainingSeconds)
	assert.Equal(t, 8, f.available(t))

	got, err := f.orch.Get(c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, c.State, got.State)
}

func TestStart_UnknownTicketType(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})

	_, err := f.orch.Start(context.Background(), "alice", StartInput{EventID: "ev-1", DateKey: "2026-03-01", TicketType: "vip", Quantity: 1})
	assert.ErrorIs(t, err, model.ErrTicketTypeNotFound)
	assert.Zero(t, f.orch.Sessions())
}

func TestStart_RejectsZeroQuantity(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})

	_, err := f.orch.Start(context.Background(), "alice", startInput(0))
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "quantity", ve.Field)
}

func TestStart_InsufficientCapacityFails(t *testing.T) {
	f := newCheckoutFixture(t, 1, checkoutOptions{})

	c, err := f.orch.Start(context.Background(), "alice", startInput(2))
	assert.ErrorIs(t, err, model.ErrInsufficientCapacity)
	assert.Equal(t, model.CheckoutFailed, c.State)
	assert.Equal(t, model.UserMessage(model.ErrInsufficientCapacity), c.Failure)
	assert.Equal(t, 1, f.available(t))
}

func TestStart_ActiveHoldFails(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	first := startHeld(t, f, "alice", 1)

	c, err := f.orch.Start(context.Background(), "alice", startInput(1))
	assert.ErrorIs(t, err, model.ErrActiveHoldExists)
	assert.Equal(t, model.CheckoutFailed, c.State)

	got, err := f.orch.Get(first.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutHeld, got.State)
}

func TestStart_TopUpSupersedesOlderCheckout(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{policy: model.TopUp})
	first := startHeld(t, f, "alice", 1)

	second := startHeld(t, f, "alice", 2)
	assert.Equal(t, 3, second.Quantity)
	assert.Equal(t, 7, f.available(t))

	old, err := f.orch.Get(first.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutCancelled, old.State)
}

func TestGet_OtherBuyerSeesNothing(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := startHeld(t, f, "alice", 1)

	_, err := f.orch.Get(c.ID, "mallory")
	assert.ErrorIs(t, err, model.ErrCheckoutNotFound)
	_, err = f.orch.Cancel(context.Background(), c.ID, "mallory")
	assert.ErrorIs(t, err, model.ErrCheckoutNotFound)
	_, err = f.orch.Get("chk-404", "alice")
	assert.ErrorIs(t, err, model.ErrCheckoutNotFound)
}

func TestCancel_ReleasesHold(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := startHeld(t, f, "alice", 4)

	c, err := f.orch.Cancel(context.Background(), c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutCancelled, c.State)
	assert.Zero(t, c.RemainingSeconds)
	assert.Equal(t, 10, f.available(t))

	_, err = f.orch.Cancel(context.Background(), c.ID, "alice")
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestSubmit_ValidationReturnsToHeld(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := startHeld(t, f, "alice", 2)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, c.ID, "alice", validBuyers(1))
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, -1, ve.Index)
	assert.Equal(t, "buyers", ve.Field)

	buyers := validBuyers(2)
	buyers[1].ConfirmEmail = "typo@example.com"
	got, err := f.orch.Submit(ctx, c.ID, "alice", buyers)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 1, ve.Index)
	assert.Equal(t, "confirm_email", ve.Field)
	assert.Equal(t, "must match email", ve.Reason)
	assert.Equal(t, model.CheckoutHeld, got.State)
	require.NotNil(t, got.FieldError)
	assert.Equal(t, "confirm_email", got.FieldError.Field)

	buyers = validBuyers(2)
	buyers[0].Name = ""
	_, err = f.orch.Submit(ctx, c.ID, "alice", buyers)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 0, ve.Index)
	assert.Equal(t, "name", ve.Field)
	assert.Equal(t, "is required", ve.Reason)

	// the hold is untouched and a corrected submit goes through
	assert.Equal(t, 8, f.available(t))
	got, err = f.orch.Submit(ctx, c.ID, "alice", validBuyers(2))
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutPendingPayment, got.State)
	assert.Nil(t, got.FieldError)
}

func TestSubmit_BuildsSignedOrder(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := submitPending(t, f, "alice", 2)

	require.NotNil(t, c.Order)
	o := c.Order
	assert.Equal(t, "0002abcdef01", o.OrderID)
	assert.Equal(t, testTT, o.TicketTypeID)
	assert.EqualValues(t, 2500, o.UnitPriceCents)
	assert.EqualValues(t, 200, o.ManagementFeeCents)
	assert.EqualValues(t, 5200, o.TotalPriceCents)
	assert.Len(t, o.BuyerDetails, 2)
	assert.Equal(t, model.SignatureVersion, o.SignedPaymentRequest.SignatureVersion)
	assert.NotEmpty(t, o.SignedPaymentRequest.Signature)
	assert.Nil(t, c.Hold)
	assert.Zero(t, c.RemainingSeconds)

	rec, err := f.orders.Get(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, rec.PaymentStatus)
	assert.Equal(t, t0.Add(15*time.Minute), rec.PaymentDeadline)

	// the hold is consumed and stays taken
	assert.Equal(t, 8, f.available(t))
	_, err = f.orch.Cancel(context.Background(), c.ID, "alice")
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestSubmit_ExpiredHoldFails(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := startHeld(t, f, "alice", 2)

	f.clk.Advance(model.DefaultHoldTTL + time.Second)
	got, err := f.orch.Submit(context.Background(), c.ID, "alice", validBuyers(2))
	assert.ErrorIs(t, err, model.ErrReservationExpiredOrMissing)
	assert.Equal(t, model.CheckoutFailed, got.State)
	assert.Equal(t, 10, f.available(t))
}

func TestSubmit_SignatureErrorRestocks(t *testing.T) {
	bad := testMerchant()
	bad.SecretKey = "not base64!"
	f := newCheckoutFixture(t, 10, checkoutOptions{merchant: &bad})
	c := startHeld(t, f, "alice", 3)

	got, err := f.orch.Submit(context.Background(), c.ID, "alice", validBuyers(3))
	var se *model.SignatureError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.CheckoutFailed, got.State)
	assert.Equal(t, 10, f.available(t))
}

func TestSubmit_OrderStoreFailureRestocks(t *testing.T) {
	orders := &mockOrderStore{}
	orders.On("Create", mock.Anything, mock.MatchedBy(func(rec model.OrderRecord) bool {
		return rec.PaymentStatus == model.PaymentPending && rec.Order.TotalPriceCents == 2600
	})).Return(errors.New("Error 1213: Deadlock found")).Once()
	f := newCheckoutFixture(t, 10, checkoutOptions{orders: orders})
	c := startHeld(t, f, "alice", 1)

	got, err := f.orch.Submit(context.Background(), c.ID, "alice", validBuyers(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Deadlock")
	assert.Equal(t, model.CheckoutFailed, got.State)
	assert.Equal(t, 10, f.available(t))
	orders.AssertExpectations(t)
}

func TestHandleExpired_SweepMovesCheckoutToExpired(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := startHeld(t, f, "alice", 2)

	f.clk.Advance(model.DefaultHoldTTL)
	n, err := f.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.orch.Get(c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutExpired, got.State)
	assert.Equal(t, model.UserMessage(model.ErrReservationExpiredOrMissing), got.Failure)
	assert.Equal(t, 10, f.available(t))

	_, err = f.orch.Submit(context.Background(), c.ID, "alice", validBuyers(2))
	assert.ErrorIs(t, err, model.ErrInvalidState)

	// a fresh start is possible after expiry
	startHeld(t, f, "alice", 2)
}

// Another instance sharing the store may sweep the hold before the local
// countdown ends; the local checkout must still expire.
func TestHandleExpired_TimerAfterRemoteSweep(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := startHeld(t, f, "alice", 2)
	require.NotNil(t, c.Hold)
	ctx := context.Background()

	remote := NewReservationManager(f.store, f.clk, NewHoldTimers(f.clk, time.Second), ManagerConfig{
		HoldTTL: model.DefaultHoldTTL, MaxAttempts: 1,
	}, newTestLogger())
	f.clk.Advance(model.DefaultHoldTTL)
	ok, err := remote.ReleaseExpired(ctx, c.Hold.Key, f.clk.Now())
	require.NoError(t, err)
	require.True(t, ok)

	f.manager.expireFromTimer(*c.Hold)

	got, err := f.orch.Get(c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutExpired, got.State)
	assert.Equal(t, 10, f.available(t))
}

func TestHandleExpired_IgnoresUnknownKeys(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := startHeld(t, f, "alice", 1)

	f.orch.HandleExpired(model.HoldKey{TicketTypeID: testTT, BuyerID: "bob"})
	got, err := f.orch.Get(c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutHeld, got.State)
}

func TestPaymentNotification_Authorized(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := submitPending(t, f, "alice", 2)
	ctx := context.Background()

	status, err := f.orch.HandlePaymentNotification(ctx, notify(t, f, c.Order.OrderID, 0, 5200))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, status)

	got, err := f.orch.Get(c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutCompleted, got.State)
	completed := f.completedOrders()
	require.Len(t, completed, 1)
	assert.Equal(t, c.Order.OrderID, completed[0].OrderID)

	// the gateway may repeat itself
	status, err = f.orch.HandlePaymentNotification(ctx, notify(t, f, c.Order.OrderID, 0, 5200))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, status)
	assert.Len(t, f.completedOrders(), 1)
	assert.Equal(t, 8, f.available(t))
}

func TestPaymentNotification_DeclinedRestocks(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := submitPending(t, f, "alice", 2)

	status, err := f.orch.HandlePaymentNotification(context.Background(), notify(t, f, c.Order.OrderID, 190, 5200))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, status)
	assert.Equal(t, 10, f.available(t))

	got, err := f.orch.Get(c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutFailed, got.State)
	assert.Equal(t, "payment was declined", got.Failure)
	assert.Empty(t, f.completedOrders())
}

func TestPaymentNotification_Rejections(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := submitPending(t, f, "alice", 1)
	ctx := context.Background()

	_, err := f.orch.HandlePaymentNotification(ctx, notify(t, f, c.Order.OrderID, 0, 1))
	assert.ErrorIs(t, err, model.ErrNotificationRejected)

	// a zero amount is not a wildcard
	_, err = f.orch.HandlePaymentNotification(ctx, notify(t, f, c.Order.OrderID, 0, 0))
	assert.ErrorIs(t, err, model.ErrNotificationRejected)

	n := notify(t, f, c.Order.OrderID, 0, 2600)
	n.Signature = "AAAA" + n.Signature[4:]
	_, err = f.orch.HandlePaymentNotification(ctx, n)
	assert.ErrorIs(t, err, model.ErrNotificationRejected)

	_, err = f.orch.HandlePaymentNotification(ctx, notify(t, f, "9999ffffffff", 0, 2600))
	assert.ErrorIs(t, err, model.ErrOrderNotFound)

	got, err := f.orch.Get(c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutPendingPayment, got.State)
}

func TestReconcile_TimesOutUnpaidOrders(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	c := submitPending(t, f, "alice", 2)
	ctx := context.Background()

	n, err := f.orch.ReconcilePendingPayments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clk.Advance(15 * time.Minute)
	n, err = f.orch.ReconcilePendingPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 10, f.available(t))

	got, err := f.orch.Get(c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutFailed, got.State)

	rec, err := f.orders.Get(ctx, c.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentTimedOut, rec.PaymentStatus)

	// a late authorisation is acknowledged but changes nothing
	status, err := f.orch.HandlePaymentNotification(ctx, notify(t, f, c.Order.OrderID, 0, 5200))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentTimedOut, status)
	assert.Empty(t, f.completedOrders())
	assert.Equal(t, 10, f.available(t))
}

func TestReconcile_PrunesFinishedSessions(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	ctx := context.Background()

	c := startHeld(t, f, "alice", 1)
	_, err := f.orch.Cancel(ctx, c.ID, "alice")
	require.NoError(t, err)
	live := startHeld(t, f, "bob", 1)
	assert.Equal(t, 2, f.orch.Sessions())

	f.clk.Advance(2 * time.Minute)
	_, err = f.orch.ReconcilePendingPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.orch.Sessions())

	f.clk.Advance(time.Hour)
	_, err = f.orch.ReconcilePendingPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.orch.Sessions())

	_, err = f.orch.Get(c.ID, "alice")
	assert.ErrorIs(t, err, model.ErrCheckoutNotFound)
	// bob's hold expired an hour ago but no sweep ran; the session is not terminal
	_, err = f.orch.Get(live.ID, "bob")
	assert.NoError(t, err)
}

func TestReconcile_ListFailure(t *testing.T) {
	orders := &mockOrderStore{}
	orders.On("ListPendingDue", mock.Anything, mock.Anything, 100).Return([]model.OrderRecord(nil), errors.New("connection refused")).Once()
	f := newCheckoutFixture(t, 10, checkoutOptions{orders: orders})

	_, err := f.orch.ReconcilePendingPayments(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list pending orders")
	orders.AssertExpectations(t)
}

func TestReconcile_UnissuedListFailure(t *testing.T) {
	orders := &mockOrderStore{}
	orders.On("ListPendingDue", mock.Anything, mock.Anything, 100).Return([]model.OrderRecord(nil), nil).Once()
	orders.On("ListUnissued", mock.Anything, mock.MatchedBy(func(at time.Time) bool { return at.Equal(t0.Add(-time.Minute)) }), 100).Return([]model.OrderRecord(nil), errors.New("connection refused")).Once()
	f := newCheckoutFixture(t, 10, checkoutOptions{orders: orders})

	n, err := f.orch.ReconcilePendingPayments(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), "list unissued orders")
	orders.AssertExpectations(t)
}

func TestStart_TransientStoreErrorSurfaces(t *testing.T) {
	f := newCheckoutFixture(t, 10, checkoutOptions{})
	f.orch.manager = NewReservationManager(&flakyStore{CapacityStore: f.store, failures: 10}, f.clk, f.timers,
		ManagerConfig{MaxAttempts: 2, RetryBackoff: time.Millisecond}, newTestLogger())

	c, err := f.orch.Start(context.Background(), "alice", startInput(1))
	var te *model.TransientStoreError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.CheckoutFailed, c.State)
	assert.Equal(t, model.UserMessage(te), c.Failure)
}
