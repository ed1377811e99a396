package saga

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
)

// memStore keeps JSON snapshots, like the sagas table, so tests catch state
// that does not survive serialization.
type memStore struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func newMemStore() *memStore { return &memStore{rows: map[string][]byte{}} }

func (s *memStore) Create(_ context.Context, inst Instance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[inst.OrderID]; ok {
		return false, nil
	}
	b, err := json.Marshal(inst)
	if err != nil {
		return false, err
	}
	s.rows[inst.OrderID] = b
	return true, nil
}

func (s *memStore) load(orderID string) (Instance, error) {
	b, ok := s.rows[orderID]
	if !ok {
		return Instance{}, apperr.ErrNotFound
	}
	var inst Instance
	err := json.Unmarshal(b, &inst)
	return inst, err
}

func (s *memStore) Get(_ context.Context, orderID string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(orderID)
}

func (s *memStore) Update(_ context.Context, orderID string, fn func(*Instance) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.load(orderID)
	if err != nil {
		return err
	}
	changed, err := fn(&inst)
	if err != nil || !changed {
		return err
	}
	b, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	s.rows[orderID] = b
	return nil
}

func (s *memStore) Stale(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Instance
	for id := range s.rows {
		inst, err := s.load(id)
		if err != nil {
			return nil, err
		}
		if !inst.Terminal() && inst.UpdatedAt.Before(before) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	var ids []string
	for i := 0; i < len(out) && i < limit; i++ {
		ids = append(ids, out[i].OrderID)
	}
	return ids, nil
}
