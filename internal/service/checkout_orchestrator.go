package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/ticket-hold-checkout/internal/clock"
	"github.com/iliyamo/ticket-hold-checkout/internal/model"
	"github.com/iliyamo/ticket-hold-checkout/internal/payment"
)

// OrchestratorConfig holds the checkout-level settings.
type OrchestratorConfig struct {
	ManagementFeeCents int64
	PendingPaymentTTL  time.Duration
	SessionRetention   time.Duration
	ReconcileBatch     int
	// IssueRetryAfter is how long a paid order may wait for issuance
	// before reconciliation hands it over again.
	IssueRetryAfter    time.Duration
}

// StartInput selects what the buyer wants to hold.
type StartInput struct {
	EventID    string `json:"event_id"`
	DateKey    string `json:"date_key"`
	TicketType string `json:"ticket_type"`
	Quantity   int    `json:"quantity"`
}

// CompletedFunc receives every order whose payment went through.  An
// error leaves the order unissued and it is offered again later, so
// callbacks must tolerate seeing the same order twice.
type CompletedFunc func(ctx context.Context, order model.ConfirmedOrder) error

type session struct {
	mu sync.Mutex
	c  model.Checkout
}

// CheckoutOrchestrator drives one buyer through
// Reserving → Held → Confirming → PendingPayment → Completed, with the
// Expired, Cancelled and Failed exits.  Sessions are kept in memory and
// serialised per session; capacity and orders live in the stores.
type CheckoutOrchestrator struct {
	catalog  EventCatalog
	manager  *ReservationManager
	orders   OrderStore
	signer   PaymentSigner
	ids      IDGenerator
	clock    clock.Clock
	cfg      OrchestratorConfig
	logger   echo.Logger
	validate *validator.Validate

	mu       sync.RWMutex
	sessions map[string]*session
	byHold   map[model.HoldKey]string
	byOrder  map[string]string

	completedMu sync.RWMutex
	completed   []CompletedFunc
}

func NewCheckoutOrchestrator(
	catalog EventCatalog,
	manager *ReservationManager,
	orders OrderStore,
	signer PaymentSigner,
	ids IDGenerator,
	clk clock.Clock,
	cfg OrchestratorConfig,
	logger echo.Logger,
) *CheckoutOrchestrator {
	if cfg.PendingPaymentTTL <= 0 {
		cfg.PendingPaymentTTL = 15 * time.Minute
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = time.Hour
	}
	if cfg.ReconcileBatch < 1 {
		cfg.ReconcileBatch = 100
	}
	if cfg.IssueRetryAfter <= 0 {
		cfg.IssueRetryAfter = time.Minute
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	o := &CheckoutOrchestrator{
		catalog:  catalog,
		manager:  manager,
		orders:   orders,
		signer:   signer,
		ids:      ids,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
		validate: v,
		sessions: make(map[string]*session),
		byHold:   make(map[model.HoldKey]string),
		byOrder:  make(map[string]string),
	}
	manager.OnExpired(o.HandleExpired)
	return o
}

// OnCompleted registers fn for the issuance pipeline.
func (o *CheckoutOrchestrator) OnCompleted(fn CompletedFunc) {
	o.completedMu.Lock()
	defer o.completedMu.Unlock()
	o.completed = append(o.completed, fn)
}

// Start looks the ticket type up and reserves in.Quantity for buyerID.
// The session is returned even when the reservation fails; it is then in
// state FAILED and carries the buyer-facing reason.
func (o *CheckoutOrchestrator) Start(ctx context.Context, buyerID string, in StartInput) (model.Checkout, error) {
	if in.Quantity < 1 {
		return model.Checkout{}, &model.ValidationError{Index: -1, Field: "quantity", Reason: "must be at least 1"}
	}
	tt, err := o.catalog.GetTicketType(ctx, in.EventID, in.DateKey, in.TicketType)
	if err != nil {
		return model.Checkout{}, fmt.Errorf("ticket type %s: %w", model.TicketTypeID(in.EventID, in.DateKey, in.TicketType), err)
	}
	if err := o.manager.Init(ctx, tt); err != nil {
		return model.Checkout{}, err
	}

	now := o.clock.Now()
	s := &session{c: model.Checkout{
		ID:         o.ids.NewCheckoutID(),
		BuyerID:    buyerID,
		TicketType: tt,
		Quantity:   in.Quantity,
		State:      model.CheckoutReserving,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
	s.mu.Lock()
	defer s.mu.Unlock()
	o.mu.Lock()
	o.sessions[s.c.ID] = s
	o.mu.Unlock()

	hold, err := o.manager.Reserve(ctx, tt.ID(), buyerID, in.Quantity)
	if err != nil {
		o.fail(s, err)
		return o.snapshot(s), err
	}
	s.c.Hold = &hold
	s.c.Quantity = hold.Quantity
	o.setState(s, model.CheckoutHeld)

	o.mu.Lock()
	previous, hadPrevious := o.byHold[hold.Key]
	o.byHold[hold.Key] = s.c.ID
	o.mu.Unlock()
	if hadPrevious && previous != s.c.ID {
		o.supersede(previous)
	}
	return o.snapshot(s), nil
}

// Get returns the buyer's checkout.
func (o *CheckoutOrchestrator) Get(id, buyerID string) (model.Checkout, error) {
	s, err := o.lookup(id, buyerID)
	if err != nil {
		return model.Checkout{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return o.snapshot(s), nil
}

// Cancel gives the hold back and ends the checkout.
func (o *CheckoutOrchestrator) Cancel(ctx context.Context, id, buyerID string) (model.Checkout, error) {
	s, err := o.lookup(id, buyerID)
	if err != nil {
		return model.Checkout{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c.State != model.CheckoutHeld {
		return o.snapshot(s), model.ErrInvalidState
	}
	if err := o.manager.Release(ctx, s.c.TicketType.ID(), buyerID); err != nil {
		return o.snapshot(s), err
	}
	o.unindexHold(s)
	o.setState(s, model.CheckoutCancelled)
	return o.snapshot(s), nil
}

// Submit validates the buyer records, confirms the hold, builds and signs
// the order and parks the checkout in PENDING_PAYMENT.  Invalid records
// send the checkout back to HELD with the offending field; any later
// failure ends it in FAILED.
func (o *CheckoutOrchestrator) Submit(ctx context.Context, id, buyerID string, buyers []model.BuyerDetail) (model.Checkout, error) {
	s, err := o.lookup(id, buyerID)
	if err != nil {
		return model.Checkout{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c.State != model.CheckoutHeld {
		return o.snapshot(s), model.ErrInvalidState
	}
	o.setState(s, model.CheckoutConfirming)

	if verr := o.validateBuyers(s.c.Quantity, buyers); verr != nil {
		s.c.FieldError = verr
		o.setState(s, model.CheckoutHeld)
		return o.snapshot(s), verr
	}
	s.c.FieldError = nil

	// expiry callbacks for this hold must not wait on this session's lock
	o.unindexHold(s)
	ttID := s.c.TicketType.ID()
	hold, err := o.manager.Confirm(ctx, ttID, buyerID)
	if err != nil {
		o.fail(s, err)
		return o.snapshot(s), err
	}

	now := o.clock.Now()
	qty := int64(hold.Quantity)
	order := model.ConfirmedOrder{
		OrderID:            o.ids.NewOrderID(),
		TicketTypeID:       ttID,
		BuyerID:            buyerID,
		Quantity:           hold.Quantity,
		UnitPriceCents:     s.c.TicketType.UnitPriceCents,
		ManagementFeeCents: o.cfg.ManagementFeeCents * qty,
		BuyerDetails:       append([]model.BuyerDetail(nil), buyers...),
		CreatedAt:          now,
	}
	order.TotalPriceCents = qty*order.UnitPriceCents + order.ManagementFeeCents

	signed, err := o.signer.Sign(payment.OrderParams{OrderID: order.OrderID, AmountCents: order.TotalPriceCents})
	if err != nil {
		o.restock(ctx, ttID, hold.Quantity, order.OrderID)
		o.fail(s, err)
		return o.snapshot(s), err
	}
	order.SignedPaymentRequest = signed

	rec := model.OrderRecord{
		Order:           order,
		PaymentStatus:   model.PaymentPending,
		PaymentDeadline: now.Add(o.cfg.PendingPaymentTTL),
		UpdatedAt:       now,
	}
	if err := o.orders.Create(ctx, rec); err != nil {
		o.restock(ctx, ttID, hold.Quantity, order.OrderID)
		err = fmt.Errorf("store order %s: %w", order.OrderID, err)
		o.fail(s, err)
		return o.snapshot(s), err
	}

	o.mu.Lock()
	o.byOrder[order.OrderID] = s.c.ID
	o.mu.Unlock()
	s.c.Hold = nil
	s.c.Order = &order
	o.setState(s, model.CheckoutPendingPayment)
	o.logger.Infoj(log.JSON{
		"event": "order_confirmed", "checkout": s.c.ID, "order": order.OrderID, "ticket_type": ttID,
		"buyer": buyerID, "quantity": order.Quantity, "total_cents": order.TotalPriceCents,
	})
	return o.snapshot(s), nil
}

// HandleExpired moves the checkout holding key from HELD to EXPIRED.  It
// ignores keys without a held checkout, so repeated calls are harmless.
func (o *CheckoutOrchestrator) HandleExpired(key model.HoldKey) {
	o.mu.RLock()
	id, ok := o.byHold[key]
	s := o.sessions[id]
	o.mu.RUnlock()
	if !ok || s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c.State != model.CheckoutHeld {
		return
	}
	o.unindexHold(s)
	s.c.Failure = model.UserMessage(model.ErrReservationExpiredOrMissing)
	o.setState(s, model.CheckoutExpired)
}

// HandlePaymentNotification applies a gateway callback.  Authorised
// payments complete the checkout and are handed to the issuance
// callbacks; declined payments give the seats back.  Callbacks for
// orders that are no longer pending are acknowledged and ignored.
func (o *CheckoutOrchestrator) HandlePaymentNotification(ctx context.Context, n payment.Notification) (model.PaymentStatus, error) {
	res, err := o.signer.VerifyNotification(n)
	if err != nil {
		o.logger.Warnj(log.JSON{"event": "payment_notification_rejected", "error": err.Error()})
		return "", err
	}
	rec, err := o.orders.Get(ctx, res.OrderID)
	if err != nil {
		return "", err
	}
	if rec.PaymentStatus != model.PaymentPending {
		return rec.PaymentStatus, nil
	}
	if res.AmountCents != rec.Order.TotalPriceCents {
		return "", fmt.Errorf("%w: amount %d does not match order %s total %d",
			model.ErrNotificationRejected, res.AmountCents, rec.Order.OrderID, rec.Order.TotalPriceCents)
	}

	now := o.clock.Now()
	if res.Authorized {
		ok, err := o.orders.TransitionPayment(ctx, rec.Order.OrderID, model.PaymentPending, model.PaymentPaid, now)
		if err != nil {
			return "", err
		}
		if !ok {
			return o.currentStatus(ctx, rec.Order.OrderID)
		}
		o.finishOrder(rec.Order.OrderID, model.CheckoutCompleted, "")
		o.logger.Infoj(log.JSON{"event": "payment_authorized", "order": rec.Order.OrderID, "response": res.Response})
		o.issue(ctx, rec.Order)
		return model.PaymentPaid, nil
	}

	ok, err := o.orders.TransitionPayment(ctx, rec.Order.OrderID, model.PaymentPending, model.PaymentFailed, now)
	if err != nil {
		return "", err
	}
	if !ok {
		return o.currentStatus(ctx, rec.Order.OrderID)
	}
	o.restock(ctx, rec.Order.TicketTypeID, rec.Order.Quantity, rec.Order.OrderID)
	o.finishOrder(rec.Order.OrderID, model.CheckoutFailed, "payment was declined")
	o.logger.Infoj(log.JSON{"event": "payment_declined", "order": rec.Order.OrderID, "response": res.Response})
	return model.PaymentFailed, nil
}

// ReconcilePendingPayments times out orders whose payment deadline has
// passed and returns their seats, hands paid orders that never reached
// issuance over again and prunes old finished sessions.  It returns the
// number of orders timed out.
func (o *CheckoutOrchestrator) ReconcilePendingPayments(ctx context.Context) (int, error) {
	now := o.clock.Now()
	due, err := o.orders.ListPendingDue(ctx, now, o.cfg.ReconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}
	timedOut := 0
	for _, rec := range due {
		ok, err := o.orders.TransitionPayment(ctx, rec.Order.OrderID, model.PaymentPending, model.PaymentTimedOut, now)
		if err != nil {
			o.logger.Warnj(log.JSON{"event": "payment_timeout_failed", "order": rec.Order.OrderID, "error": err.Error()})
			continue
		}
		if !ok {
			continue
		}
		timedOut++
		o.restock(ctx, rec.Order.TicketTypeID, rec.Order.Quantity, rec.Order.OrderID)
		o.finishOrder(rec.Order.OrderID, model.CheckoutFailed, "payment was not completed in time")
		o.logger.Infoj(log.JSON{"event": "payment_timed_out", "order": rec.Order.OrderID, "deadline": rec.PaymentDeadline})
	}
	o.prune(now)

	unissued, err := o.orders.ListUnissued(ctx, now.Add(-o.cfg.IssueRetryAfter), o.cfg.ReconcileBatch)
	if err != nil {
		return timedOut, fmt.Errorf("list unissued orders: %w", err)
	}
	for _, rec := range unissued {
		o.issue(ctx, rec.Order)
	}
	return timedOut, nil
}

// Sessions is the number of checkouts kept in memory.
func (o *CheckoutOrchestrator) Sessions() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

func (o *CheckoutOrchestrator) lookup(id, buyerID string) (*session, error) {
	o.mu.RLock()
	s, ok := o.sessions[id]
	o.mu.RUnlock()
	// another buyer's checkout is reported as missing
	if !ok || s.c.BuyerID != buyerID {
		return nil, model.ErrCheckoutNotFound
	}
	return s, nil
}

func (o *CheckoutOrchestrator) validateBuyers(qty int, buyers []model.BuyerDetail) *model.ValidationError {
	if len(buyers) != qty {
		return &model.ValidationError{Index: -1, Field: "buyers", Reason: fmt.Sprintf("expected %d records, got %d", qty, len(buyers))}
	}
	for i := range buyers {
		err := o.validate.Struct(buyers[i])
		if err == nil {
			continue
		}
		var fes validator.ValidationErrors
		if errors.As(err, &fes) && len(fes) > 0 {
			return &model.ValidationError{Index: i, Field: fes[0].Field(), Reason: reasonFor(fes[0])}
		}
		return &model.ValidationError{Index: i, Field: "buyer", Reason: err.Error()}
	}
	return nil
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "eqfield":
		return "must match email"
	}
	return "failed " + fe.Tag()
}

// fail ends the checkout in FAILED.  Caller holds s.mu.
func (o *CheckoutOrchestrator) fail(s *session, err error) {
	o.unindexHold(s)
	s.c.Failure = model.UserMessage(err)
	o.setState(s, model.CheckoutFailed)
	o.logger.Warnj(log.JSON{"event": "checkout_failed", "checkout": s.c.ID, "buyer": s.c.BuyerID, "error": err.Error()})
}

// setState records a transition.  Caller holds s.mu.
func (o *CheckoutOrchestrator) setState(s *session, to model.CheckoutState) {
	from := s.c.State
	s.c.State = to
	s.c.UpdatedAt = o.clock.Now()
	o.logger.Infoj(log.JSON{"event": "checkout_state", "checkout": s.c.ID, "from": string(from), "to": string(to)})
}

// unindexHold forgets the hold → checkout mapping.  Caller holds s.mu.
func (o *CheckoutOrchestrator) unindexHold(s *session) {
	if s.c.Hold == nil {
		return
	}
	o.mu.Lock()
	if o.byHold[s.c.Hold.Key] == s.c.ID {
		delete(o.byHold, s.c.Hold.Key)
	}
	o.mu.Unlock()
}

// supersede cancels an older checkout whose hold a newer one took over.
func (o *CheckoutOrchestrator) supersede(id string) {
	o.mu.RLock()
	s := o.sessions[id]
	o.mu.RUnlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c.State != model.CheckoutHeld {
		return
	}
	s.c.Failure = "replaced by a newer checkout"
	o.setState(s, model.CheckoutCancelled)
}

func (o *CheckoutOrchestrator) finishOrder(orderID string, to model.CheckoutState, failure string) {
	o.mu.RLock()
	s := o.sessions[o.byOrder[orderID]]
	o.mu.RUnlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c.State != model.CheckoutPendingPayment {
		return
	}
	s.c.Failure = failure
	o.setState(s, to)
}

func (o *CheckoutOrchestrator) restock(ctx context.Context, ticketTypeID string, qty int, orderID string) {
	if err := o.manager.Restock(ctx, ticketTypeID, qty); err != nil {
		o.logger.Errorj(log.JSON{"event": "restock_failed", "order": orderID, "ticket_type": ticketTypeID, "quantity": qty, "error": err.Error()})
	}
}

func (o *CheckoutOrchestrator) currentStatus(ctx context.Context, orderID string) (model.PaymentStatus, error) {
	rec, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	return rec.PaymentStatus, nil
}

// issue runs the completion callbacks and records the order as issued
// when all of them succeed.
func (o *CheckoutOrchestrator) issue(ctx context.Context, order model.ConfirmedOrder) {
	o.completedMu.RLock()
	fns := append([]CompletedFunc(nil), o.completed...)
	o.completedMu.RUnlock()
	var errs []error
	for _, fn := range fns {
		if err := fn(ctx, order); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		o.logger.Warnj(log.JSON{"event": "issuance_deferred", "order": order.OrderID, "error": err.Error()})
		return
	}
	if err := o.orders.MarkIssued(ctx, order.OrderID, o.clock.Now()); err != nil {
		o.logger.Errorj(log.JSON{"event": "issuance_mark_failed", "order": order.OrderID, "error": err.Error()})
	}
}

// prune drops finished sessions not touched for SessionRetention.
func (o *CheckoutOrchestrator) prune(now time.Time) {
	cutoff := now.Add(-o.cfg.SessionRetention)
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, s := range o.sessions {
		if !s.mu.TryLock() {
			continue
		}
		stale := s.c.State.Terminal() && s.c.UpdatedAt.Before(cutoff)
		if stale {
			delete(o.sessions, id)
			if s.c.Order != nil {
				delete(o.byOrder, s.c.Order.OrderID)
			}
		}
		s.mu.Unlock()
	}
}

// snapshot copies the checkout for callers.  Caller holds s.mu.
func (o *CheckoutOrchestrator) snapshot(s *session) model.Checkout {
	c := s.c
	if c.Hold != nil {
		h := *c.Hold
		c.Hold = &h
	}
	if c.Order != nil {
		ord := *c.Order
		c.Order = &ord
	}
	if c.FieldError != nil {
		fe := *c.FieldError
		c.FieldError = &fe
	}
	c.RemainingSeconds = 0
	if c.State == model.CheckoutHeld && c.Hold != nil {
		left, ok := o.manager.Remaining(c.Hold.Key)
		if !ok {
			left = c.Hold.ExpiresAt.Sub(o.clock.Now())
		}
		if left > 0 {
			c.RemainingSeconds = int((left + time.Second - 1) / time.Second)
		}
	}
	return c
}
