package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
)

type resKey struct {
	order   string
	product int64
}

// memStore mirrors PGStore's guarded updates and fails loudly if the
// counters would ever leave 0 <= reserved <= stock.
type memStore struct {
	mu       sync.Mutex
	products map[int64]Product
	res      map[resKey]Reservation
}

func newMemStore(ps ...Product) *memStore {
	s := &memStore{products: map[int64]Product{}, res: map[resKey]Reservation{}}
	for _, p := range ps {
		s.products[p.ID] = p
	}
	return s
}

func (s *memStore) check(p Product) error {
	if p.ReservedStock < 0 || p.ReservedStock > p.Stock {
		return fmt.Errorf("invariant broken: product %d stock=%d reserved=%d", p.ID, p.Stock, p.ReservedStock)
	}
	return nil
}

func (s *memStore) Product(_ context.Context, id int64) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return Product{}, fmt.Errorf("product %d: %w", id, apperr.ErrNotFound)
	}
	return p, nil
}

func (s *memStore) Reservation(_ context.Context, orderID string, productID int64) (Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.res[resKey{orderID, productID}]
	return r, ok, nil
}

func (s *memStore) Reserve(_ context.Context, r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := resKey{r.OrderID, r.ProductID}
	if _, ok := s.res[k]; ok {
		return ErrReservationClosed
	}
	p := s.products[r.ProductID]
	p.ReservedStock += r.Quantity
	if err := s.check(p); err != nil {
		return err
	}
	s.products[r.ProductID] = p
	s.res[k] = r
	return nil
}

func (s *memStore) close(orderID string, productID int64, qty int32, to Status, fn func(*Product)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := resKey{orderID, productID}
	r, ok := s.res[k]
	if !ok || r.Status != StatusReserved || r.Quantity != qty {
		return false, nil
	}
	p := s.products[productID]
	fn(&p)
	if err := s.check(p); err != nil {
		return false, err
	}
	r.Status = to
	s.res[k] = r
	s.products[productID] = p
	return true, nil
}

func (s *memStore) Confirm(_ context.Context, orderID string, productID int64, qty int32) (bool, error) {
	return s.close(orderID, productID, qty, StatusConfirmed, func(p *Product) {
		p.Stock -= qty
		p.ReservedStock -= qty
	})
}

func (s *memStore) Release(_ context.Context, orderID string, productID int64, qty int32, to Status) (bool, error) {
	return s.close(orderID, productID, qty, to, func(p *Product) { p.ReservedStock -= qty })
}

func (s *memStore) Expired(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, r := range s.res {
		if r.Status == StatusReserved && !r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
