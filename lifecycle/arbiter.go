package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"service-matching/events"
	"service-matching/matching"
	"service-matching/models"
	"service-matching/store"
)

// Arbiter binds at most one provider to a request. Concurrent accepts on the
// same request are decided by the store's compare-and-transition; the
// arbiter never writes status through a read-then-write pair.
type Arbiter struct {
	store  store.RequestStore
	engine *matching.Engine
	pub    events.Publisher
	log    *zap.Logger
	now    func() time.Time
}

func NewArbiter(s store.RequestStore, engine *matching.Engine, pub events.Publisher, log *zap.Logger, now func() time.Time) *Arbiter {
	if now == nil {
		now = time.Now
	}
	return &Arbiter{store: s, engine: engine, pub: pub, log: log, now: now}
}

// Accept binds providerID to the open request requestID.
//
// It fails with Ineligible when the provider is not a current candidate,
// AlreadyAccepted when another provider won, and Conflict when this provider
// already holds the request, so a repeated accept never reassigns anything.
func (a *Arbiter) Accept(ctx context.Context, requestID, providerID string) (models.ServiceRequest, error) {
	if providerID == "" {
		return models.ServiceRequest{}, models.Validation("provider id is required")
	}
	r, err := a.store.Get(ctx, requestID)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	if r.Status != models.StatusOpen {
		return r, lostRace(r, providerID)
	}

	if _, ok := a.engine.IsCandidate(r, providerID); !ok {
		a.log.Info("rejecting accept from ineligible provider",
			zap.String("request_id", requestID), zap.String("provider_id", providerID))
		return r, models.Ineligible("provider %s is not a candidate for request %s", providerID, requestID)
	}

	accepted, err := a.store.CompareAndTransition(ctx, models.Transition{
		RequestID:  requestID,
		From:       models.StatusOpen,
		To:         models.StatusAccepted,
		ProviderID: providerID,
		At:         a.now().UTC(),
	})
	if errors.Is(err, models.ErrConflict) {
		a.log.Info("accept lost the race",
			zap.String("request_id", requestID),
			zap.String("provider_id", providerID),
			zap.String("winner", accepted.ProviderID))
		return accepted, lostRace(accepted, providerID)
	}
	if err != nil {
		return models.ServiceRequest{}, err
	}

	a.log.Info("request accepted",
		zap.String("request_id", requestID), zap.String("provider_id", providerID))
	// Everyone who was offered the request learns it is gone.
	audience := append([]string{accepted.CustomerID, providerID}, matching.IDs(a.engine.Candidates(r, 0))...)
	publish(ctx, a.pub, a.log, events.New(events.TopicRequestAccepted, accepted, a.now(), audience...))
	return accepted, nil
}

// lostRace classifies an accept on a request that is no longer open.
func lostRace(current models.ServiceRequest, providerID string) error {
	switch {
	case current.ProviderID == providerID:
		return models.Conflict("request %s is already %s by provider %s", current.ID, current.Status, providerID)
	case current.Status.HasProvider():
		return models.AlreadyAccepted("request %s was already accepted by another provider", current.ID)
	default:
		return models.InvalidTransition("request %s is %s and cannot be accepted", current.ID, current.Status)
	}
}

func publish(ctx context.Context, pub events.Publisher, log *zap.Logger, e events.Event) {
	if err := pub.Publish(ctx, e); err != nil {
		log.Error("failed to publish event",
			zap.String("topic", e.Topic), zap.String("request_id", e.RequestID), zap.Error(err))
	}
}
