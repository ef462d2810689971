package store

import (
	"context"
	"sort"
	"time"

	"service-matching/models"
)

func (m *Memory) CreateOffers(ctx context.Context, offers []models.Offer) ([]models.Offer, error) {
	if err := CheckOffers(offers); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offers {
		if _, ok := m.offers[o.ID]; ok {
			return nil, models.Conflict("offer %s already exists", o.ID)
		}
	}
	out := make([]models.Offer, 0, len(offers))
	for _, o := range offers {
		m.offers[o.ID] = &o
		m.offerIDs = append(m.offerIDs, o.ID)
		out = append(out, o)
	}
	return out, nil
}

func (m *Memory) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return models.Offer{}, models.NotFound("offer %s not found", id)
	}
	return *o, nil
}

func (m *Memory) ListOffersByRequest(ctx context.Context, requestID string) ([]models.Offer, error) {
	m.mu.Lock()
	out := []models.Offer{}
	for _, id := range m.offerIDs {
		if o := m.offers[id]; o.RequestID == requestID {
			out = append(out, *o)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

func (m *Memory) ListLiveOffers(ctx context.Context, providerID string, now time.Time) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Offer{}
	for i := len(m.offerIDs) - 1; i >= 0; i-- {
		o := m.offers[m.offerIDs[i]]
		if o.ProviderID == providerID && o.Live(now) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *Memory) UpdateOffer(ctx context.Context, u models.OfferUpdate) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[u.OfferID]
	if !ok {
		return models.Offer{}, models.NotFound("offer %s not found", u.OfferID)
	}
	if !u.Apply(o) {
		return *o, models.Conflict("offer %s is %s", o.ID, o.Status)
	}
	return *o, nil
}

func (m *Memory) ResolveOffers(ctx context.Context, requestID, winner string, at time.Time) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []models.Offer
	for _, id := range m.offerIDs {
		o := m.offers[id]
		if o.RequestID != requestID {
			continue
		}
		to := models.OfferExpired
		if winner != "" && o.ProviderID == winner {
			to = models.OfferAccepted
		}
		u := models.OfferUpdate{OfferID: id, From: []models.OfferStatus{models.OfferPending, models.OfferSent}, To: to, At: at}
		if u.Apply(o) {
			changed = append(changed, *o)
		}
	}
	return changed, nil
}

func (m *Memory) ExpireOffers(ctx context.Context, now time.Time) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []models.Offer
	for _, id := range m.offerIDs {
		o := m.offers[id]
		if !o.Status.Open() || now.Before(o.ExpiresAt) {
			continue
		}
		o.Status = models.OfferExpired
		o.UpdatedAt = now.UTC()
		expired = append(expired, *o)
	}
	return expired, nil
}
