package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"service-matching/dispatch"
	"service-matching/events"
	"service-matching/geohash"
	"service-matching/matching"
	"service-matching/models"
	"service-matching/notify"
	"service-matching/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type silentNotifier struct{}

func (silentNotifier) Notify(context.Context, notify.Notification) error { return nil }

type offerFixture struct {
	*fixture
	offers *dispatch.Service
	clock  *testClock
}

func newOfferFixture(t *testing.T) *offerFixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	index := geohash.NewGeoIndex()
	mem := store.NewMemory()
	pub := &recorder{}
	offers := dispatch.NewService(mem, pub, log, dispatch.Options{Notifier: silentNotifier{}, Now: clock.Now})
	ctrl := NewController(mem, matching.NewEngine(index, geohash.DefaultMaxSearchRadiusKm), pub, log, Options{
		Dispatcher: offers,
		Now:        clock.Now,
	})
	return &offerFixture{
		fixture: &fixture{ctrl: ctrl, index: index, store: mem, pub: pub},
		offers:  offers,
		clock:   clock,
	}
}

func (f *offerFixture) offerFor(t *testing.T, requestID, providerID string) models.Offer {
	t.Helper()
	all, err := f.offers.ListForRequest(context.Background(), requestID)
	require.NoError(t, err)
	for _, o := range all {
		if o.ProviderID == providerID {
			return o
		}
	}
	t.Fatalf("no offer of %s to %s", requestID, providerID)
	return models.Offer{}
}

func TestCreateDispatchesOffers(t *testing.T) {
	t.Parallel()
	f := newOfferFixture(t)
	f.addProvider("A", 3, 10, "wash")
	f.addProvider("C", 1, 10, "wash")
	f.addProvider("painter", 1, 10, "paint")
	r := f.create(t, "cust")

	offers, err := f.offers.ListForRequest(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, "C", offers[0].ProviderID)
	assert.Equal(t, "A", offers[1].ProviderID)
	for _, o := range offers {
		assert.Equal(t, models.OfferSent, o.Status)
		assert.Equal(t, f.clock.Now().Add(dispatch.DefaultOfferTTL), o.ExpiresAt)
	}
	assert.Equal(t, []string{events.TopicRequestCreated, events.TopicOfferSent, events.TopicOfferSent}, f.pub.topics())
}

func TestAcceptOffer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("accepting an offer accepts the request and closes the others", func(t *testing.T) {
		t.Parallel()
		f := newOfferFixture(t)
		f.addProvider("A", 3, 10, "wash")
		f.addProvider("C", 1, 10, "wash")
		r := f.create(t, "cust")

		accepted, err := f.ctrl.AcceptOffer(ctx, f.offerFor(t, r.ID, "A").ID, provider("A"))
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, accepted.Status)
		assert.Equal(t, "A", accepted.ProviderID)

		assert.Equal(t, models.OfferAccepted, f.offerFor(t, r.ID, "A").Status)
		assert.Equal(t, models.OfferExpired, f.offerFor(t, r.ID, "C").Status)

		_, err = f.ctrl.AcceptOffer(ctx, f.offerFor(t, r.ID, "C").ID, provider("C"))
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("accepting through the request route resolves offers too", func(t *testing.T) {
		t.Parallel()
		f := newOfferFixture(t)
		f.addProvider("A", 3, 10, "wash")
		f.addProvider("C", 1, 10, "wash")
		r := f.create(t, "cust")

		_, err := f.ctrl.Accept(ctx, r.ID, provider("C"))
		require.NoError(t, err)
		assert.Equal(t, models.OfferAccepted, f.offerFor(t, r.ID, "C").Status)
		assert.Equal(t, models.OfferExpired, f.offerFor(t, r.ID, "A").Status)
	})

	t.Run("someone else's offer", func(t *testing.T) {
		t.Parallel()
		f := newOfferFixture(t)
		f.addProvider("A", 3, 10, "wash")
		f.addProvider("C", 1, 10, "wash")
		r := f.create(t, "cust")
		o := f.offerFor(t, r.ID, "A")

		_, err := f.ctrl.AcceptOffer(ctx, o.ID, provider("C"))
		assert.ErrorIs(t, err, models.ErrForbidden)
		_, err = f.ctrl.AcceptOffer(ctx, o.ID, customer("cust"))
		assert.ErrorIs(t, err, models.ErrForbidden)
		_, err = f.ctrl.AcceptOffer(ctx, "missing", provider("A"))
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("an offer past its deadline", func(t *testing.T) {
		t.Parallel()
		f := newOfferFixture(t)
		f.addProvider("A", 3, 10, "wash")
		r := f.create(t, "cust")
		f.clock.Advance(dispatch.DefaultOfferTTL)

		_, err := f.ctrl.AcceptOffer(ctx, f.offerFor(t, r.ID, "A").ID, provider("A"))
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		// The request itself is still open to eligible providers.
		accepted, err := f.ctrl.Accept(ctx, r.ID, provider("A"))
		require.NoError(t, err)
		assert.Equal(t, "A", accepted.ProviderID)
	})

	t.Run("a rejected offer", func(t *testing.T) {
		t.Parallel()
		f := newOfferFixture(t)
		f.addProvider("A", 3, 10, "wash")
		r := f.create(t, "cust")
		o := f.offerFor(t, r.ID, "A")
		_, err := f.offers.Reject(ctx, o.ID, "A")
		require.NoError(t, err)

		_, err = f.ctrl.AcceptOffer(ctx, o.ID, provider("A"))
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("without a dispatcher there are no offers", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.ctrl.AcceptOffer(ctx, "any", provider("A"))
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestCancelExpiresOffers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newOfferFixture(t)
	f.addProvider("A", 3, 10, "wash")
	f.addProvider("C", 1, 10, "wash")
	r := f.create(t, "cust")

	_, err := f.ctrl.Cancel(ctx, r.ID, customer("cust"))
	require.NoError(t, err)
	assert.Equal(t, models.OfferExpired, f.offerFor(t, r.ID, "A").Status)
	assert.Equal(t, models.OfferExpired, f.offerFor(t, r.ID, "C").Status)

	live, err := f.offers.ListForProvider(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.Equal(t, events.TopicOfferExpired, f.pub.last().Topic)
}
