package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/modules/delivery"
	"dispatch/internal/types"
)

// memStore mimics the single-writer semantics of Store: every method holds
// one lock for the whole "transaction".
type memStore struct {
	mu         sync.Mutex
	deliveries []*delivery.Delivery
	offers     []*Offer
	history    []delivery.StatusHistory
}

func (m *memStore) active(orderID types.ID) *delivery.Delivery {
	for _, d := range m.deliveries {
		if d.OrderID == orderID && !d.Status.Terminal() {
			return d
		}
	}
	return nil
}

func (m *memStore) offerFor(deliveryID, partnerID types.ID) *Offer {
	for _, o := range m.offers {
		if o.DeliveryID == deliveryID && o.PartnerID == partnerID {
			return o
		}
	}
	return nil
}

func (m *memStore) OpenBroadcast(_ context.Context, plan BroadcastPlan) (*delivery.Delivery, []Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.active(plan.Draft.OrderID)
	if d == nil {
		cp := *plan.Draft
		d = &cp
		m.deliveries = append(m.deliveries, d)
	}
	if d.Status != delivery.StatusPending {
		return nil, nil, ErrAlreadyClaimed
	}
	payload := offerPayload(d, plan)
	var created []Offer
	for _, pid := range plan.Partners {
		o := m.offerFor(d.ID, pid)
		switch {
		case o == nil:
			o = &Offer{ID: types.ID(uuid.NewString()), OrderID: d.OrderID, DeliveryID: d.ID, PartnerID: pid}
			m.offers = append(m.offers, o)
		case o.Status != OfferExpired:
			continue
		}
		o.Status = OfferPending
		o.Payload = payload
		o.CreatedAt = plan.Now
		o.RespondedAt = nil
		created = append(created, *o)
	}
	cp := *d
	return &cp, created, nil
}

func (m *memStore) Claim(_ context.Context, orderID, partnerID types.ID, now time.Time) (*delivery.Delivery, []types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.active(orderID)
	if d == nil || d.Status != delivery.StatusPending || d.PartnerID != nil {
		return nil, nil, errNotClaimed
	}
	mine := m.offerFor(d.ID, partnerID)
	if mine == nil || mine.Status != OfferPending {
		return nil, nil, errNotClaimed
	}
	pid := partnerID
	d.PartnerID = &pid
	d.Status = delivery.StatusAssigned
	d.StatusVersion++
	d.AssignedAt = &now
	mine.Status = OfferAccepted
	mine.RespondedAt = &now
	var losers []types.ID
	for _, o := range m.offers {
		if o.DeliveryID == d.ID && o.Status == OfferPending {
			o.Status = OfferExpired
			o.RespondedAt = &now
			losers = append(losers, o.PartnerID)
		}
	}
	m.history = append(m.history, delivery.StatusHistory{DeliveryID: d.ID, Status: delivery.StatusAssigned, Timestamp: now, UpdatedBy: partnerID})
	cp := *d
	return &cp, losers, nil
}

func (m *memStore) Reject(_ context.Context, orderID, partnerID types.ID, now time.Time) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.offers {
		if o.OrderID == orderID && o.PartnerID == partnerID && o.Status == OfferPending {
			o.Status = OfferRejected
			o.RespondedAt = &now
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNoOffer
}

func (m *memStore) ListPending(_ context.Context, partnerID types.ID, notBefore time.Time) ([]Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Offer
	for _, o := range m.offers {
		if o.PartnerID == partnerID && o.Status == OfferPending && !o.CreatedAt.Before(notBefore) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) ExpireStale(_ context.Context, cutoff, now time.Time) ([]Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Offer
	for _, o := range m.offers {
		if o.Status == OfferPending && o.CreatedAt.Before(cutoff) {
			o.Status = OfferExpired
			o.RespondedAt = &now
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) LatestByOrder(_ context.Context, orderID types.ID) (*delivery.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.active(orderID); d != nil {
		cp := *d
		return &cp, nil
	}
	for i := len(m.deliveries) - 1; i >= 0; i-- {
		if m.deliveries[i].OrderID == orderID {
			cp := *m.deliveries[i]
			return &cp, nil
		}
	}
	return nil, delivery.ErrNotFound
}

func (m *memStore) offerStatuses(orderID types.ID) map[types.ID]OfferStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[types.ID]OfferStatus{}
	for _, o := range m.offers {
		if o.OrderID == orderID {
			out[o.PartnerID] = o.Status
		}
	}
	return out
}

func (m *memStore) cancel(orderID types.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.active(orderID); d != nil {
		d.Status = delivery.StatusCancelled
		for _, o := range m.offers {
			if o.DeliveryID == d.ID && o.Status == OfferPending {
				o.Status = OfferExpired
			}
		}
	}
}
