package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// OrderRepo persists confirmed orders and their payment state in the
// orders table.  The order columns are written once; afterwards only
// payment_status and updated_at change (TransitionPayment) and issued_at
// is set once (MarkIssued).
type OrderRepo struct {
	db *sql.DB
}

// NewOrderRepo returns an OrderRepo bound to db.
func NewOrderRepo(db *sql.DB) *OrderRepo { return &OrderRepo{db: db} }

const orderColumns = `order_id, ticket_type_id, buyer_id, quantity, unit_price_cents, management_fee_cents,
       total_price_cents, buyer_details, signature_version, merchant_parameters, signature,
       payment_status, payment_deadline, created_at, updated_at, issued_at`

// Create inserts a new order record.
func (r *OrderRepo) Create(ctx context.Context, rec model.OrderRecord) error {
	details, err := json.Marshal(rec.Order.BuyerDetails)
	if err != nil {
		return fmt.Errorf("encode buyer details: %w", err)
	}
	o := rec.Order
	q := `INSERT INTO orders (` + orderColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, q,
		o.OrderID, o.TicketTypeID, o.BuyerID, o.Quantity, o.UnitPriceCents, o.ManagementFeeCents,
		o.TotalPriceCents, string(details), o.SignedPaymentRequest.SignatureVersion,
		o.SignedPaymentRequest.MerchantParameters, o.SignedPaymentRequest.Signature,
		string(rec.PaymentStatus), rec.PaymentDeadline.UTC(), o.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
		nullTime(rec.IssuedAt),
	)
	return err
}

// Get loads one order or model.ErrOrderNotFound.
func (r *OrderRepo) Get(ctx context.Context, orderID string) (model.OrderRecord, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE order_id = ?`
	rec, err := scanOrder(r.db.QueryRowContext(ctx, q, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.OrderRecord{}, model.ErrOrderNotFound
	}
	return rec, err
}

// TransitionPayment moves an order from one payment status to another.
// It reports false when the order was not in status from (someone else
// already settled it).
func (r *OrderRepo) TransitionPayment(ctx context.Context, orderID string, from, to model.PaymentStatus, at time.Time) (bool, error) {
	const q = `UPDATE orders SET payment_status = ?, updated_at = ? WHERE order_id = ? AND payment_status = ?`
	res, err := r.db.ExecContext(ctx, q, string(to), at.UTC(), orderID, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPendingDue returns pending orders whose payment deadline is at or
// before now, oldest deadline first.
func (r *OrderRepo) ListPendingDue(ctx context.Context, now time.Time, limit int) ([]model.OrderRecord, error) {
	q := `SELECT ` + orderColumns + ` FROM orders
          WHERE payment_status = ? AND payment_deadline <= ?
          ORDER BY payment_deadline
          LIMIT ?`
	return r.list(ctx, q, string(model.PaymentPending), now.UTC(), limit)
}

// MarkIssued records that a paid order reached ticket issuance.  Marking
// an order twice keeps the first timestamp.
func (r *OrderRepo) MarkIssued(ctx context.Context, orderID string, at time.Time) error {
	const q = `UPDATE orders SET issued_at = ? WHERE order_id = ? AND issued_at IS NULL`
	_, err := r.db.ExecContext(ctx, q, at.UTC(), orderID)
	return err
}

// ListUnissued returns paid orders that have not reached issuance and
// were settled at or before settledBefore, oldest first.
func (r *OrderRepo) ListUnissued(ctx context.Context, settledBefore time.Time, limit int) ([]model.OrderRecord, error) {
	q := `SELECT ` + orderColumns + ` FROM orders
          WHERE payment_status = ? AND issued_at IS NULL AND updated_at <= ?
          ORDER BY updated_at
          LIMIT ?`
	return r.list(ctx, q, string(model.PaymentPaid), settledBefore.UTC(), limit)
}

func (r *OrderRepo) list(ctx context.Context, q string, args ...any) ([]model.OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (model.OrderRecord, error) {
	var (
		rec     model.OrderRecord
		o       = &rec.Order
		details string
		status  string
		issued  sql.NullTime
	)
	err := row.Scan(
		&o.OrderID, &o.TicketTypeID, &o.BuyerID, &o.Quantity, &o.UnitPriceCents, &o.ManagementFeeCents,
		&o.TotalPriceCents, &details, &o.SignedPaymentRequest.SignatureVersion,
		&o.SignedPaymentRequest.MerchantParameters, &o.SignedPaymentRequest.Signature,
		&status, &rec.PaymentDeadline, &o.CreatedAt, &rec.UpdatedAt, &issued,
	)
	if err != nil {
		return model.OrderRecord{}, err
	}
	if err := json.Unmarshal([]byte(details), &o.BuyerDetails); err != nil {
		return model.OrderRecord{}, fmt.Errorf("decode buyer details of %s: %w", o.OrderID, err)
	}
	rec.PaymentStatus = model.PaymentStatus(status)
	if issued.Valid {
		at := issued.Time
		rec.IssuedAt = &at
	}
	return rec, nil
}
