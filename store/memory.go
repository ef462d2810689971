package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"service-matching/geohash"
	"service-matching/models"
)

// Memory keeps requests and profiles in process. A single mutex makes every
// operation, CompareAndTransition included, atomic.
type Memory struct {
	Now func() time.Time

	mu        sync.Mutex
	requests  map[string]*models.ServiceRequest
	order     []string
	openCells map[string]map[string]struct{}
	providers map[string]models.Provider
	customers map[string]models.Customer
	offers    map[string]*models.Offer
	offerIDs  []string
}

func NewMemory() *Memory {
	return &Memory{
		Now:       time.Now,
		requests:  make(map[string]*models.ServiceRequest),
		openCells: make(map[string]map[string]struct{}),
		providers: make(map[string]models.Provider),
		customers: make(map[string]models.Customer),
		offers:    make(map[string]*models.Offer),
	}
}

func (m *Memory) Create(ctx context.Context, n models.NewRequest) (models.ServiceRequest, error) {
	if err := n.Validate(); err != nil {
		return models.ServiceRequest{}, err
	}
	now := m.Now().UTC()
	r := &models.ServiceRequest{
		ID:          uuid.New().String(),
		CustomerID:  n.CustomerID,
		Category:    strings.TrimSpace(n.Category),
		Description: strings.TrimSpace(n.Description),
		Latitude:    n.Latitude,
		Longitude:   n.Longitude,
		Geohash:     geohash.Encode(n.Latitude, n.Longitude, geohash.StoragePrecision),
		Status:      models.StatusOpen,
		ScheduledAt: n.ScheduledAt,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
	m.order = append(m.order, r.ID)
	m.indexOpen(r)
	return *r, nil
}

func (m *Memory) Get(ctx context.Context, id string) (models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ServiceRequest{}, models.NotFound("request %s not found", id)
	}
	return *r, nil
}

func (m *Memory) ListByCustomer(ctx context.Context, customerID string, limit int) ([]models.ServiceRequest, error) {
	return m.listRecent(limit, func(r *models.ServiceRequest) bool {
		return r.CustomerID == customerID
	}), nil
}

func (m *Memory) ListByProvider(ctx context.Context, providerID string, limit int) ([]models.ServiceRequest, error) {
	return m.listRecent(limit, func(r *models.ServiceRequest) bool {
		return providerID != "" && r.ProviderID == providerID
	}), nil
}

func (m *Memory) listRecent(limit int, keep func(*models.ServiceRequest) bool) []models.ServiceRequest {
	limit = limitOrDefault(limit)

	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.ServiceRequest{}
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.requests[m.order[i]]
		if keep(r) {
			out = append(out, *r)
		}
	}
	return out
}

func (m *Memory) ListOpenNear(ctx context.Context, q NearQuery) ([]models.ServiceRequest, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	limit := limitOrDefault(q.Limit)

	m.mu.Lock()
	var candidates []*models.ServiceRequest
	if cells := geohash.CoverCells(q.Point, q.RadiusKm); cells != nil {
		for _, cell := range cells {
			for id := range m.openCells[cell] {
				candidates = append(candidates, m.requests[id])
			}
		}
	} else {
		for _, r := range m.requests {
			if r.Status == models.StatusOpen {
				candidates = append(candidates, r)
			}
		}
	}
	out := make([]models.ServiceRequest, 0, len(candidates))
	for _, r := range candidates {
		if !q.matchesCategory(r.Category) {
			continue
		}
		d := geohash.Distance(q.Point, geohash.Point{Lat: r.Latitude, Lon: r.Longitude})
		if d > q.RadiusKm {
			continue
		}
		cp := *r
		cp.DistanceKm = d
		out = append(out, cp)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CompareAndTransition(ctx context.Context, t models.Transition) (models.ServiceRequest, error) {
	if err := CheckTransition(t); err != nil {
		return models.ServiceRequest{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[t.RequestID]
	if !ok {
		return models.ServiceRequest{}, models.NotFound("request %s not found", t.RequestID)
	}
	if r.Status != t.From {
		return *r, models.Conflict("request %s is %s, expected %s", r.ID, r.Status, t.From)
	}
	m.unindexOpen(r)
	t.Apply(r)
	m.indexOpen(r)
	return *r, nil
}

func (m *Memory) SetPrice(ctx context.Context, id string, price int64) (models.ServiceRequest, error) {
	if price < 0 {
		return models.ServiceRequest{}, models.Validation("price must not be negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ServiceRequest{}, models.NotFound("request %s not found", id)
	}
	if r.Status != models.StatusOpen {
		return *r, models.Conflict("price of request %s is fixed once it leaves open", id)
	}
	r.Price = price
	r.UpdatedAt = m.Now().UTC()
	r.Version++
	return *r, nil
}

func (m *Memory) MarkPaid(ctx context.Context, id string, at time.Time) (models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ServiceRequest{}, models.NotFound("request %s not found", id)
	}
	if r.PaidAt != nil {
		return *r, nil
	}
	if r.Status != models.StatusOpen && r.Status != models.StatusAccepted {
		return *r, models.Conflict("request %s is %s and cannot take a payment", id, r.Status)
	}
	paid := at.UTC()
	r.PaidAt = &paid
	r.UpdatedAt = paid
	r.Version++
	return *r, nil
}

// indexOpen files an open request under every prefix of its geohash, so
// cover cells of any precision can be looked up directly.
func (m *Memory) indexOpen(r *models.ServiceRequest) {
	if r.Status != models.StatusOpen {
		return
	}
	for p := 1; p <= len(r.Geohash); p++ {
		cell := r.Geohash[:p]
		ids, ok := m.openCells[cell]
		if !ok {
			ids = make(map[string]struct{})
			m.openCells[cell] = ids
		}
		ids[r.ID] = struct{}{}
	}
}

func (m *Memory) unindexOpen(r *models.ServiceRequest) {
	if r.Status != models.StatusOpen {
		return
	}
	for p := 1; p <= len(r.Geohash); p++ {
		cell := r.Geohash[:p]
		delete(m.openCells[cell], r.ID)
		if len(m.openCells[cell]) == 0 {
			delete(m.openCells, cell)
		}
	}
}

func (m *Memory) UpsertProvider(ctx context.Context, p models.Provider) (models.Provider, error) {
	if err := p.Validate(); err != nil {
		return models.Provider{}, err
	}
	now := m.Now().UTC()
	p.Categories = append([]string(nil), p.Categories...)
	p.Geohash = geohash.Encode(p.Latitude, p.Longitude, geohash.StoragePrecision)
	p.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.providers[p.ID]; ok {
		p.CreatedAt = old.CreatedAt
	} else {
		p.CreatedAt = now
	}
	m.providers[p.ID] = p
	return p, nil
}

func (m *Memory) GetProvider(ctx context.Context, id string) (models.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return models.Provider{}, models.NotFound("provider %s not found", id)
	}
	return p, nil
}

func (m *Memory) ListProviders(ctx context.Context) ([]models.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertCustomer(ctx context.Context, c models.Customer) (models.Customer, error) {
	if c.ID == "" {
		return models.Customer{}, models.Validation("customer id is required")
	}
	now := m.Now().UTC()
	c.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.customers[c.ID]; ok {
		c.CreatedAt = old.CreatedAt
	} else {
		c.CreatedAt = now
	}
	m.customers[c.ID] = c
	return c, nil
}

func (m *Memory) GetCustomer(ctx context.Context, id string) (models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return models.Customer{}, models.NotFound("customer %s not found", id)
	}
	return c, nil
}

var (
	_ RequestStore = (*Memory)(nil)
	_ ProfileStore = (*Memory)(nil)
	_ OfferStore   = (*Memory)(nil)
)
