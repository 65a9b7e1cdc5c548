package delivery

import (
	"context"
	"sync"

	"dispatch/internal/types"
)

// memStore mimics the conditional-update semantics of Store.
type memStore struct {
	mu         sync.Mutex
	deliveries map[types.ID]*Delivery
	history    []StatusHistory
	failNext   error
}

func newMemStore(ds ...*Delivery) *memStore {
	m := &memStore{deliveries: map[types.ID]*Delivery{}}
	for _, d := range ds {
		m.deliveries[d.ID] = d
	}
	return m
}

func (m *memStore) Get(_ context.Context, id types.ID) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) LatestByOrder(_ context.Context, orderID types.ID) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.OrderID == orderID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ListByOrder(_ context.Context, orderID types.ID) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivery
	for _, d := range m.deliveries {
		if d.OrderID == orderID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memStore) ListByPartner(_ context.Context, partnerID types.ID, activeOnly bool) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivery
	for _, d := range m.deliveries {
		if d.IsAssignedTo(partnerID) && (!activeOnly || !d.Status.Terminal()) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memStore) ApplyTransition(_ context.Context, cur *Delivery, next Status, h StatusHistory) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}
	d, ok := m.deliveries[cur.ID]
	if !ok || d.Status != cur.Status || d.StatusVersion != cur.StatusVersion {
		return nil, ErrConflict
	}
	d.Status = next
	d.StatusVersion++
	ts := h.Timestamp
	switch next {
	case StatusPickedUp:
		d.PickedUpAt = &ts
	case StatusDelivered:
		d.DeliveredAt = &ts
	case StatusCancelled:
		d.CancelledAt = &ts
	}
	h.ID = int64(len(m.history) + 1)
	m.history = append(m.history, h)
	cp := *d
	return &cp, nil
}

func (m *memStore) History(_ context.Context, deliveryID types.ID) ([]StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StatusHistory
	for _, h := range m.history {
		if h.DeliveryID == deliveryID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) Rate(_ context.Context, id, customerID types.ID, rating int, feedback *string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.CustomerID != customerID || d.Status != StatusDelivered || d.CustomerRating != nil {
		return nil, ErrConflict
	}
	d.CustomerRating = &rating
	d.CustomerFeedback = feedback
	cp := *d
	return &cp, nil
}
