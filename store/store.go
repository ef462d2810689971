// Package store defines the persistence contracts for service requests,
// dispatch offers and profiles, and an in-memory implementation of them.
package store

import (
	"context"
	"time"

	"service-matching/geohash"
	"service-matching/models"
)

// DefaultListLimit bounds list results when the caller passes no limit.
const DefaultListLimit = 50

// RequestStore is the durable record of service requests. Status changes go
// exclusively through CompareAndTransition, which must be a single atomic
// check-and-set in every implementation.
type RequestStore interface {
	Create(ctx context.Context, n models.NewRequest) (models.ServiceRequest, error)
	Get(ctx context.Context, id string) (models.ServiceRequest, error)
	// ListByCustomer returns the customer's requests, most recent first.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]models.ServiceRequest, error)
	// ListByProvider returns requests bound to the provider, most recent first.
	ListByProvider(ctx context.Context, providerID string, limit int) ([]models.ServiceRequest, error)
	// ListOpenNear returns open requests within q.RadiusKm of q.Point,
	// nearest first, with DistanceKm populated.
	ListOpenNear(ctx context.Context, q NearQuery) ([]models.ServiceRequest, error)
	// CompareAndTransition moves the request from t.From to t.To. It fails
	// with a Conflict error when the current status is not t.From.
	CompareAndTransition(ctx context.Context, t models.Transition) (models.ServiceRequest, error)
	// SetPrice fixes the price of an open request.
	SetPrice(ctx context.Context, id string, price int64) (models.ServiceRequest, error)
	// MarkPaid records a confirmed payment on an open or accepted request.
	MarkPaid(ctx context.Context, id string, at time.Time) (models.ServiceRequest, error)
}

type NearQuery struct {
	Point      geohash.Point
	RadiusKm   float64
	Categories []string
	Limit      int
}

// Validate rejects queries whose point or radius is not a finite, in-range
// number.
func (q NearQuery) Validate() error {
	if err := models.ValidateCoordinates(q.Point.Lat, q.Point.Lon); err != nil {
		return err
	}
	return models.ValidateRadius(q.RadiusKm)
}

func (q NearQuery) matchesCategory(category string) bool {
	if len(q.Categories) == 0 {
		return true
	}
	for _, c := range q.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// ProfileStore persists customer and provider profiles.
type ProfileStore interface {
	UpsertProvider(ctx context.Context, p models.Provider) (models.Provider, error)
	GetProvider(ctx context.Context, id string) (models.Provider, error)
	ListProviders(ctx context.Context) ([]models.Provider, error)
	UpsertCustomer(ctx context.Context, c models.Customer) (models.Customer, error)
	GetCustomer(ctx context.Context, id string) (models.Customer, error)
}

// OfferStore persists dispatch offers. Status changes are compare-and-set,
// like request transitions.
type OfferStore interface {
	CreateOffers(ctx context.Context, offers []models.Offer) ([]models.Offer, error)
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	// ListOffersByRequest returns every offer made for the request, nearest
	// provider first.
	ListOffersByRequest(ctx context.Context, requestID string) ([]models.Offer, error)
	// ListLiveOffers returns the provider's open offers that have not expired
	// at now, most recent first.
	ListLiveOffers(ctx context.Context, providerID string, now time.Time) ([]models.Offer, error)
	// UpdateOffer applies u. It fails with Conflict when the offer is not in
	// one of u.From.
	UpdateOffer(ctx context.Context, u models.OfferUpdate) (models.Offer, error)
	// ResolveOffers closes every open offer of the request: the winner's is
	// accepted and the rest expire. An empty winner expires them all. It
	// returns the offers it changed.
	ResolveOffers(ctx context.Context, requestID, winner string, at time.Time) ([]models.Offer, error)
	// ExpireOffers expires open offers whose deadline is at or before now and
	// returns them.
	ExpireOffers(ctx context.Context, now time.Time) ([]models.Offer, error)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// CheckTransition validates the arguments common to every implementation of
// CompareAndTransition.
func CheckTransition(t models.Transition) error {
	if t.RequestID == "" {
		return models.Validation("request id is required")
	}
	if t.To == models.StatusAccepted && t.ProviderID == "" {
		return models.Validation("accepting a request requires a provider id")
	}
	if t.At.IsZero() {
		return models.Validation("transition timestamp is required")
	}
	return nil
}

// CheckOffers validates a batch before it is stored.
func CheckOffers(offers []models.Offer) error {
	for _, o := range offers {
		if o.ID == "" || o.RequestID == "" || o.ProviderID == "" {
			return models.Validation("offers need an id, a request and a provider")
		}
		if o.ExpiresAt.IsZero() {
			return models.Validation("offer %s has no deadline", o.ID)
		}
	}
	return nil
}
