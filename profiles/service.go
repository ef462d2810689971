// Package profiles manages customer and provider profiles and keeps every
// instance's GeoIndex in step with provider updates.
package profiles

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"service-matching/events"
	"service-matching/geohash"
	"service-matching/models"
	"service-matching/store"
)

type Service struct {
	store store.ProfileStore
	index *geohash.GeoIndex
	pub   events.Publisher
	log   *zap.Logger
}

// NewService wires the profile service. Saved providers are announced on pub
// so that other instances can apply them with IndexSync; a nil pub keeps
// updates local.
func NewService(s store.ProfileStore, index *geohash.GeoIndex, pub events.Publisher, log *zap.Logger) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Service{store: s, index: index, pub: pub, log: log}
}

// Warm loads every persisted provider into the index. Run once at startup.
func (s *Service) Warm(ctx context.Context) error {
	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		return err
	}
	for _, p := range providers {
		s.index.Upsert(p)
	}
	s.log.Info("geo index warmed", zap.Int("providers", len(providers)))
	return nil
}

// ProviderUpdate carries the mutable provider fields. Nil fields keep their
// current value.
type ProviderUpdate struct {
	Name            *string
	Latitude        *float64
	Longitude       *float64
	ServiceRadiusKm *float64
	Categories      []string
	Available       *bool
	PushToken       *string
}

func (u ProviderUpdate) applyTo(p *models.Provider) {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Latitude != nil {
		p.Latitude = *u.Latitude
	}
	if u.Longitude != nil {
		p.Longitude = *u.Longitude
	}
	if u.ServiceRadiusKm != nil {
		p.ServiceRadiusKm = *u.ServiceRadiusKm
	}
	if u.Categories != nil {
		p.Categories = u.Categories
	}
	if u.Available != nil {
		p.Available = *u.Available
	}
	if u.PushToken != nil {
		p.PushToken = *u.PushToken
	}
}

// RegisterProvider creates the profile of providerID. A provider that
// already exists is a Conflict; updates go through UpdateProvider.
func (s *Service) RegisterProvider(ctx context.Context, providerID string, u ProviderUpdate) (models.Provider, error) {
	if _, err := s.store.GetProvider(ctx, providerID); err == nil {
		return models.Provider{}, models.Conflict("provider %s already has a profile", providerID)
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.Provider{}, err
	}

	p := models.Provider{ID: providerID, Available: true}
	u.applyTo(&p)
	return s.saveProvider(ctx, p)
}

// UpdateProvider changes the caller's own profile and re-indexes it.
func (s *Service) UpdateProvider(ctx context.Context, providerID string, u ProviderUpdate) (models.Provider, error) {
	p, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return models.Provider{}, err
	}
	u.applyTo(&p)
	return s.saveProvider(ctx, p)
}

func (s *Service) saveProvider(ctx context.Context, p models.Provider) (models.Provider, error) {
	saved, err := s.store.UpsertProvider(ctx, p)
	if err != nil {
		return models.Provider{}, err
	}
	s.index.Upsert(saved)
	s.log.Info("provider profile saved",
		zap.String("provider_id", saved.ID),
		zap.Bool("available", saved.Available),
		zap.Float64("service_radius_km", saved.ServiceRadiusKm))
	if err := s.pub.Publish(ctx, events.ProviderUpdated(saved, saved.UpdatedAt)); err != nil {
		s.log.Error("failed to announce provider update", zap.String("provider_id", saved.ID), zap.Error(err))
	}
	return saved, nil
}

// IndexSync applies provider updates announced by any instance to the local
// GeoIndex. It is meant to sit behind events.Relay; every other topic is
// ignored.
type IndexSync struct {
	index *geohash.GeoIndex
}

func NewIndexSync(index *geohash.GeoIndex) IndexSync {
	return IndexSync{index: index}
}

// Publish upserts the announced provider unless the index already holds a
// newer version of it.
func (s IndexSync) Publish(_ context.Context, e events.Event) error {
	if e.Topic != events.TopicProviderUpdated || e.Provider == nil {
		return nil
	}
	if current, ok := s.index.Get(e.Provider.ID); ok && current.UpdatedAt.After(e.Provider.UpdatedAt) {
		return nil
	}
	s.index.Upsert(*e.Provider)
	return nil
}

func (s *Service) GetProvider(ctx context.Context, providerID string) (models.Provider, error) {
	return s.store.GetProvider(ctx, providerID)
}

// CustomerUpdate carries the mutable customer fields.
type CustomerUpdate struct {
	Name  *string
	Phone *string
}

func (s *Service) RegisterCustomer(ctx context.Context, customerID string, u CustomerUpdate) (models.Customer, error) {
	if _, err := s.store.GetCustomer(ctx, customerID); err == nil {
		return models.Customer{}, models.Conflict("customer %s already has a profile", customerID)
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.Customer{}, err
	}
	c := models.Customer{ID: customerID}
	u.applyTo(&c)
	return s.store.UpsertCustomer(ctx, c)
}

func (s *Service) UpdateCustomer(ctx context.Context, customerID string, u CustomerUpdate) (models.Customer, error) {
	c, err := s.store.GetCustomer(ctx, customerID)
	if err != nil {
		return models.Customer{}, err
	}
	u.applyTo(&c)
	return s.store.UpsertCustomer(ctx, c)
}

func (s *Service) GetCustomer(ctx context.Context, customerID string) (models.Customer, error) {
	return s.store.GetCustomer(ctx, customerID)
}

func (u CustomerUpdate) applyTo(c *models.Customer) {
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Phone != nil {
		c.Phone = *u.Phone
	}
}
