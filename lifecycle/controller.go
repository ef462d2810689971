package lifecycle

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"service-matching/events"
	"service-matching/geohash"
	"service-matching/matching"
	"service-matching/models"
	"service-matching/store"
)

const DefaultDispatchFanout = 5

// Actor is the authenticated caller performing an operation.
type Actor struct {
	ID   string
	Role models.Role
}

// Dispatcher turns a new request's candidates into offers and closes them
// once the request is decided.
type Dispatcher interface {
	Dispatch(ctx context.Context, r models.ServiceRequest, candidates []matching.Candidate) ([]models.Offer, error)
	Resolve(ctx context.Context, r models.ServiceRequest) error
	Offer(ctx context.Context, offerID string) (models.Offer, error)
}

type noDispatch struct{}

func (noDispatch) Dispatch(context.Context, models.ServiceRequest, []matching.Candidate) ([]models.Offer, error) {
	return nil, nil
}

func (noDispatch) Resolve(context.Context, models.ServiceRequest) error { return nil }

func (noDispatch) Offer(_ context.Context, offerID string) (models.Offer, error) {
	return models.Offer{}, models.NotFound("offer %s not found", offerID)
}

type Options struct {
	// DispatchFanout is how many of the nearest candidates are notified of a
	// new request. Zero means DefaultDispatchFanout.
	DispatchFanout int
	Dispatcher     Dispatcher
	Now            func() time.Time
}

// Controller enforces the request state machine. Every successful
// transition is timestamped and published.
type Controller struct {
	store      store.RequestStore
	engine     *matching.Engine
	arbiter    *Arbiter
	dispatcher Dispatcher
	pub        events.Publisher
	log        *zap.Logger
	now        func() time.Time
	fanout     int
}

func NewController(s store.RequestStore, engine *matching.Engine, pub events.Publisher, log *zap.Logger, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DispatchFanout <= 0 {
		opts.DispatchFanout = DefaultDispatchFanout
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = noDispatch{}
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Controller{
		store:      s,
		engine:     engine,
		arbiter:    NewArbiter(s, engine, pub, log, opts.Now),
		dispatcher: opts.Dispatcher,
		pub:        pub,
		log:        log,
		now:        opts.Now,
		fanout:     opts.DispatchFanout,
	}
}

// Create opens a request and notifies the nearest candidates. A non-zero
// quotedPrice is applied while the request is still open.
func (c *Controller) Create(ctx context.Context, n models.NewRequest, quotedPrice int64) (models.ServiceRequest, []matching.Candidate, error) {
	if quotedPrice < 0 {
		return models.ServiceRequest{}, nil, models.Validation("total_price must not be negative")
	}
	r, err := c.store.Create(ctx, n)
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	if quotedPrice > 0 {
		if r, err = c.store.SetPrice(ctx, r.ID, quotedPrice); err != nil {
			return models.ServiceRequest{}, nil, err
		}
	}

	candidates := c.engine.Candidates(r, c.fanout)
	c.log.Info("request created",
		zap.String("request_id", r.ID),
		zap.String("customer_id", r.CustomerID),
		zap.String("category", r.Category),
		zap.Int("dispatched", len(candidates)))

	audience := append([]string{r.CustomerID}, matching.IDs(candidates)...)
	publish(ctx, c.pub, c.log, events.New(events.TopicRequestCreated, r, c.now(), audience...))

	// The request exists whether or not its offers could be recorded.
	if _, err := c.dispatcher.Dispatch(ctx, r, candidates); err != nil {
		c.log.Error("dispatch failed", zap.String("request_id", r.ID), zap.Error(err))
	}
	return r, candidates, nil
}

// Accept delegates to the arbiter; open -> accepted has no other entry point.
func (c *Controller) Accept(ctx context.Context, requestID string, actor Actor) (models.ServiceRequest, error) {
	if actor.Role != models.RoleProvider {
		return models.ServiceRequest{}, models.Forbidden("only providers can accept requests")
	}
	accepted, err := c.arbiter.Accept(ctx, requestID, actor.ID)
	if err != nil {
		return accepted, err
	}
	c.resolveOffers(ctx, accepted)
	return accepted, nil
}

// AcceptOffer accepts the request behind one of the provider's live offers.
// Eligibility is still decided by the arbiter.
func (c *Controller) AcceptOffer(ctx context.Context, offerID string, actor Actor) (models.ServiceRequest, error) {
	if actor.Role != models.RoleProvider {
		return models.ServiceRequest{}, models.Forbidden("only providers can accept offers")
	}
	o, err := c.dispatcher.Offer(ctx, offerID)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	if o.ProviderID != actor.ID {
		return models.ServiceRequest{}, models.Forbidden("offer %s was not made to %s", offerID, actor.ID)
	}
	if !o.Live(c.now()) {
		return models.ServiceRequest{}, models.InvalidTransition("offer %s is %s", offerID, offerState(o, c.now()))
	}
	return c.Accept(ctx, o.RequestID, actor)
}

func offerState(o models.Offer, now time.Time) models.OfferStatus {
	if o.Status.Open() && !now.Before(o.ExpiresAt) {
		return models.OfferExpired
	}
	return o.Status
}

func (c *Controller) resolveOffers(ctx context.Context, r models.ServiceRequest) {
	if err := c.dispatcher.Resolve(ctx, r); err != nil {
		c.log.Error("could not resolve offers", zap.String("request_id", r.ID), zap.Error(err))
	}
}

// Start moves an accepted request to in_progress.
func (c *Controller) Start(ctx context.Context, requestID string, actor Actor) (models.ServiceRequest, error) {
	return c.Transition(ctx, requestID, models.StatusInProgress, actor)
}

// Complete moves an in_progress request to completed.
func (c *Controller) Complete(ctx context.Context, requestID string, actor Actor) (models.ServiceRequest, error) {
	return c.Transition(ctx, requestID, models.StatusCompleted, actor)
}

// Cancel tombstones an open or accepted request.
func (c *Controller) Cancel(ctx context.Context, requestID string, actor Actor) (models.ServiceRequest, error) {
	return c.Transition(ctx, requestID, models.StatusCancelled, actor)
}

// Transition applies any edge of the state machine except acceptance.
func (c *Controller) Transition(ctx context.Context, requestID string, to models.Status, actor Actor) (models.ServiceRequest, error) {
	if to == models.StatusAccepted {
		return c.Accept(ctx, requestID, actor)
	}
	r, err := c.store.Get(ctx, requestID)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	if !CanTransition(r.Status, to) {
		return r, models.InvalidTransition("request %s cannot go from %s to %s", r.ID, r.Status, to)
	}
	// The edge table is checked before ownership: a provider cancelling an
	// open request is an invalid edge, not someone else's request.
	if !roleMayTransition(r.Status, to, actor.Role) {
		return r, models.InvalidTransition("a %s cannot move request %s from %s to %s", actor.Role, r.ID, r.Status, to)
	}
	if err := authorize(r, actor); err != nil {
		return r, err
	}

	t := models.Transition{
		RequestID: r.ID,
		From:      r.Status,
		To:        to,
		At:        c.now().UTC(),
	}
	if to == models.StatusCancelled {
		t.CancelledBy = actor.Role
	}
	updated, err := c.store.CompareAndTransition(ctx, t)
	if errors.Is(err, models.ErrConflict) {
		return updated, models.InvalidTransition("request %s changed to %s concurrently", r.ID, updated.Status)
	}
	if err != nil {
		return models.ServiceRequest{}, err
	}

	c.log.Info("request transitioned",
		zap.String("request_id", r.ID),
		zap.String("from", string(r.Status)),
		zap.String("to", string(to)),
		zap.String("actor", actor.ID))
	publish(ctx, c.pub, c.log, events.New(events.TopicFor(to), updated, c.now(), r.CustomerID, r.ProviderID))
	if to == models.StatusCancelled {
		c.resolveOffers(ctx, updated)
	}
	return updated, nil
}

// roleMayTransition encodes who drives each edge.
func roleMayTransition(from, to models.Status, role models.Role) bool {
	switch to {
	case models.StatusInProgress, models.StatusCompleted:
		return role == models.RoleProvider
	case models.StatusCancelled:
		if from == models.StatusOpen {
			return role == models.RoleCustomer
		}
		return role == models.RoleCustomer || role == models.RoleProvider
	}
	return false
}

// authorize allows the owning customer and the assigned provider.
func authorize(r models.ServiceRequest, actor Actor) error {
	switch actor.Role {
	case models.RoleCustomer:
		if r.CustomerID == actor.ID {
			return nil
		}
	case models.RoleProvider:
		if r.ProviderID != "" && r.ProviderID == actor.ID {
			return nil
		}
	}
	return models.Forbidden("request %s does not belong to %s", r.ID, actor.ID)
}

// ConfirmPayment records the payment processor's confirmation. It is
// idempotent and only valid while the request is open or accepted.
func (c *Controller) ConfirmPayment(ctx context.Context, requestID string) (models.ServiceRequest, error) {
	before, err := c.store.Get(ctx, requestID)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	r, err := c.store.MarkPaid(ctx, requestID, c.now())
	if errors.Is(err, models.ErrConflict) {
		return r, models.InvalidTransition("request %s is %s and cannot be paid", requestID, r.Status)
	}
	if err != nil {
		return models.ServiceRequest{}, err
	}
	if before.PaidAt == nil {
		c.log.Info("payment confirmed", zap.String("request_id", requestID))
		publish(ctx, c.pub, c.log, events.New(events.TopicRequestPaid, r, c.now(), r.CustomerID, r.ProviderID))
	}
	return r, nil
}

// Get returns a request to its customer and assigned provider. While it is
// open any provider may read it.
func (c *Controller) Get(ctx context.Context, requestID string, actor Actor) (models.ServiceRequest, error) {
	r, err := c.store.Get(ctx, requestID)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	if actor.Role == models.RoleProvider && r.Status == models.StatusOpen {
		return r, nil
	}
	if err := authorize(r, actor); err != nil {
		return models.ServiceRequest{}, err
	}
	return r, nil
}

// Candidates lists the current candidates for the customer's own request.
func (c *Controller) Candidates(ctx context.Context, requestID string, actor Actor) ([]matching.Candidate, error) {
	r, err := c.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleCustomer || r.CustomerID != actor.ID {
		return nil, models.Forbidden("request %s does not belong to %s", r.ID, actor.ID)
	}
	return c.engine.Candidates(r, 0), nil
}

func (c *Controller) ListForCustomer(ctx context.Context, customerID string, limit int) ([]models.ServiceRequest, error) {
	return c.store.ListByCustomer(ctx, customerID, limit)
}

func (c *Controller) ListAssigned(ctx context.Context, providerID string, limit int) ([]models.ServiceRequest, error) {
	return c.store.ListByProvider(ctx, providerID, limit)
}

// AvailableQuery narrows the open requests shown to a provider. Zero values
// fall back to the provider's home location and service radius.
type AvailableQuery struct {
	Point    *geohash.Point
	RadiusKm float64
	Category string
	Limit    int
}

// ListAvailable returns open requests near the provider in the provider's
// categories. The radius never exceeds the matching cap.
func (c *Controller) ListAvailable(ctx context.Context, p models.Provider, q AvailableQuery) ([]models.ServiceRequest, error) {
	point := geohash.Point{Lat: p.Latitude, Lon: p.Longitude}
	if q.Point != nil {
		point = *q.Point
	}
	radius := q.RadiusKm
	if radius == 0 {
		radius = p.ServiceRadiusKm
	}
	if err := models.ValidateRadius(radius); err != nil {
		return nil, err
	}
	if err := models.ValidateCoordinates(point.Lat, point.Lon); err != nil {
		return nil, err
	}
	radius = math.Min(radius, c.engine.MaxRadiusKm())

	categories := p.Categories
	if q.Category != "" {
		if !p.HasCategory(q.Category) {
			return []models.ServiceRequest{}, nil
		}
		categories = []string{q.Category}
	}
	return c.store.ListOpenNear(ctx, store.NearQuery{
		Point:      point,
		RadiusKm:   radius,
		Categories: categories,
		Limit:      q.Limit,
	})
}
