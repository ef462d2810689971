// Package dispatch turns the nearest candidates of a new request into
// offers: one record per provider, pushed to their device, open until the
// provider rejects it, the request is decided, or the deadline passes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"service-matching/events"
	"service-matching/matching"
	"service-matching/models"
	"service-matching/notify"
	"service-matching/store"
)

const DefaultOfferTTL = 5 * time.Minute

var openStatuses = []models.OfferStatus{models.OfferPending, models.OfferSent}

// Scheduler arranges for an offer to be expired once its deadline passes.
type Scheduler interface {
	ScheduleExpiry(ctx context.Context, o models.Offer) error
}

// Sweep is the Scheduler used without a task queue: nothing is scheduled
// per offer and RunSweeper expires them in batches.
type Sweep struct{}

func (Sweep) ScheduleExpiry(context.Context, models.Offer) error { return nil }

type Options struct {
	// TTL is how long an offer stays open. Zero means DefaultOfferTTL.
	TTL       time.Duration
	Scheduler Scheduler
	Notifier  notify.Notifier
	Now       func() time.Time
}

type Service struct {
	store     store.OfferStore
	pub       events.Publisher
	scheduler Scheduler
	notifier  notify.Notifier
	log       *zap.Logger
	now       func() time.Time
	ttl       time.Duration
}

func NewService(s store.OfferStore, pub events.Publisher, log *zap.Logger, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultOfferTTL
	}
	if opts.Scheduler == nil {
		opts.Scheduler = Sweep{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{Log: log}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Service{
		store:     s,
		pub:       pub,
		scheduler: opts.Scheduler,
		notifier:  opts.Notifier,
		log:       log,
		now:       opts.Now,
		ttl:       opts.TTL,
	}
}

// Dispatch records an offer of r for every candidate, pushes each one to the
// provider's device and schedules its expiry. Offers whose push fails stay
// pending; the provider still sees them in its offer list.
func (s *Service) Dispatch(ctx context.Context, r models.ServiceRequest, candidates []matching.Candidate) ([]models.Offer, error) {
	if len(candidates) == 0 {
		return []models.Offer{}, nil
	}
	now := s.now().UTC()
	offers := make([]models.Offer, 0, len(candidates))
	for _, c := range candidates {
		offers = append(offers, models.Offer{
			ID:         uuid.New().String(),
			RequestID:  r.ID,
			ProviderID: c.Provider.ID,
			Status:     models.OfferPending,
			DistanceKm: math.Round(c.DistanceKm*100) / 100,
			ExpiresAt:  now.Add(s.ttl),
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	offers, err := s.store.CreateOffers(ctx, offers)
	if err != nil {
		return nil, fmt.Errorf("create offers for %s: %w", r.ID, err)
	}

	for i, o := range offers {
		if err := s.scheduler.ScheduleExpiry(ctx, o); err != nil {
			s.log.Warn("could not schedule offer expiry", zap.String("offer_id", o.ID), zap.Error(err))
		}
		if err := s.notifier.Notify(ctx, notificationFor(r, o)); err != nil {
			s.log.Warn("push notification failed",
				zap.String("offer_id", o.ID), zap.String("provider_id", o.ProviderID), zap.Error(err))
			continue
		}
		sent, err := s.store.UpdateOffer(ctx, models.OfferUpdate{
			OfferID: o.ID, From: []models.OfferStatus{models.OfferPending}, To: models.OfferSent, At: s.now(),
		})
		if err != nil {
			s.log.Warn("could not mark offer sent", zap.String("offer_id", o.ID), zap.Error(err))
			continue
		}
		offers[i] = sent
		s.publish(ctx, events.ForOffer(events.TopicOfferSent, sent, s.now()))
	}

	s.log.Info("request dispatched",
		zap.String("request_id", r.ID),
		zap.Int("offers", len(offers)),
		zap.Duration("ttl", s.ttl))
	return offers, nil
}

func notificationFor(r models.ServiceRequest, o models.Offer) notify.Notification {
	return notify.Notification{
		ProviderID: o.ProviderID,
		Title:      "New " + r.Category + " request",
		Body:       r.Description,
		Data: map[string]string{
			"offer_id":    o.ID,
			"request_id":  r.ID,
			"distance_km": fmt.Sprintf("%.1f", o.DistanceKm),
			"expires_at":  o.ExpiresAt.Format(time.RFC3339),
		},
	}
}

// Offer returns one offer.
func (s *Service) Offer(ctx context.Context, offerID string) (models.Offer, error) {
	return s.store.GetOffer(ctx, offerID)
}

// ListForProvider returns the offers providerID can still act on.
func (s *Service) ListForProvider(ctx context.Context, providerID string) ([]models.Offer, error) {
	return s.store.ListLiveOffers(ctx, providerID, s.now())
}

// ListForRequest returns every offer made for requestID.
func (s *Service) ListForRequest(ctx context.Context, requestID string) ([]models.Offer, error) {
	return s.store.ListOffersByRequest(ctx, requestID)
}

// Reject records that providerID declines the offer. Only live offers can
// be rejected, and only by the provider they were made to.
func (s *Service) Reject(ctx context.Context, offerID, providerID string) (models.Offer, error) {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return models.Offer{}, err
	}
	if o.ProviderID != providerID {
		return models.Offer{}, models.Forbidden("offer %s was not made to %s", offerID, providerID)
	}
	now := s.now()
	if !o.Live(now) {
		return o, models.InvalidTransition("offer %s is no longer open", offerID)
	}

	rejected, err := s.store.UpdateOffer(ctx, models.OfferUpdate{OfferID: offerID, From: openStatuses, To: models.OfferRejected, At: now})
	if errors.Is(err, models.ErrConflict) {
		return rejected, models.InvalidTransition("offer %s is %s", offerID, rejected.Status)
	}
	if err != nil {
		return models.Offer{}, err
	}
	s.log.Info("offer rejected", zap.String("offer_id", offerID), zap.String("provider_id", providerID))
	s.publish(ctx, events.ForOffer(events.TopicOfferRejected, rejected, now))
	return rejected, nil
}

// Resolve closes the open offers of a request that left open: the assigned
// provider's offer is accepted and the others expire.
func (s *Service) Resolve(ctx context.Context, r models.ServiceRequest) error {
	if r.Status == models.StatusOpen {
		return nil
	}
	winner := ""
	if r.Status == models.StatusAccepted {
		winner = r.ProviderID
	}
	now := s.now()
	changed, err := s.store.ResolveOffers(ctx, r.ID, winner, now)
	if err != nil {
		return err
	}
	for _, o := range changed {
		if o.Status == models.OfferExpired {
			s.publish(ctx, events.ForOffer(events.TopicOfferExpired, o, now))
		}
	}
	return nil
}

// Expire closes one offer whose deadline has passed. Offers that are already
// closed, or not yet due, are left alone.
func (s *Service) Expire(ctx context.Context, offerID string) error {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	now := s.now()
	if !o.Status.Open() || now.Before(o.ExpiresAt) {
		return nil
	}
	expired, err := s.store.UpdateOffer(ctx, models.OfferUpdate{OfferID: offerID, From: openStatuses, To: models.OfferExpired, At: now})
	if errors.Is(err, models.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.publish(ctx, events.ForOffer(events.TopicOfferExpired, expired, now))
	return nil
}

// ExpireDue expires every open offer past its deadline and returns how many
// it closed.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ExpireOffers(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, o := range expired {
		s.publish(ctx, events.ForOffer(events.TopicOfferExpired, o, now))
	}
	return len(expired), nil
}

// RunSweeper calls ExpireDue every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireDue(ctx)
			if err != nil {
				s.log.Error("offer sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("expired offers", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.pub.Publish(ctx, e); err != nil {
		s.log.Error("failed to publish event",
			zap.String("topic", e.Topic), zap.String("request_id", e.RequestID), zap.Error(err))
	}
}
