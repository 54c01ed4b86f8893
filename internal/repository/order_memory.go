package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// MemoryOrderStore is the in-process counterpart of OrderRepo.
type MemoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]model.OrderRecord
}

// NewMemoryOrderStore returns an empty store.
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]model.OrderRecord)}
}

func (s *MemoryOrderStore) Create(_ context.Context, rec model.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[rec.Order.OrderID]; ok {
		return fmt.Errorf("order %s already exists", rec.Order.OrderID)
	}
	s.orders[rec.Order.OrderID] = rec
	return nil
}

func (s *MemoryOrderStore) Get(_ context.Context, orderID string) (model.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.orders[orderID]
	if !ok {
		return model.OrderRecord{}, model.ErrOrderNotFound
	}
	return rec, nil
}

func (s *MemoryOrderStore) TransitionPayment(_ context.Context, orderID string, from, to model.PaymentStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.orders[orderID]
	if !ok || rec.PaymentStatus != from {
		return false, nil
	}
	rec.PaymentStatus = to
	rec.UpdatedAt = at
	s.orders[orderID] = rec
	return true, nil
}

func (s *MemoryOrderStore) ListPendingDue(_ context.Context, now time.Time, limit int) ([]model.OrderRecord, error) {
	s.mu.Lock()
	var out []model.OrderRecord
	for _, rec := range s.orders {
		if rec.PaymentStatus == model.PaymentPending && !rec.PaymentDeadline.After(now) {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDeadline.Before(out[j].PaymentDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryOrderStore) MarkIssued(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.orders[orderID]
	if !ok || rec.IssuedAt != nil {
		return nil
	}
	rec.IssuedAt = &at
	s.orders[orderID] = rec
	return nil
}

func (s *MemoryOrderStore) ListUnissued(_ context.Context, settledBefore time.Time, limit int) ([]model.OrderRecord, error) {
	s.mu.Lock()
	var out []model.OrderRecord
	for _, rec := range s.orders {
		if rec.PaymentStatus == model.PaymentPaid && rec.IssuedAt == nil && !rec.UpdatedAt.After(settledBefore) {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
