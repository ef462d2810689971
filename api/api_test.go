package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"service-matching/auth"
	"service-matching/dispatch"
	"service-matching/events"
	"service-matching/geohash"
	"service-matching/lifecycle"
	"service-matching/matching"
	"service-matching/models"
	"service-matching/profiles"
	"service-matching/store"
)

const testSecret = "test-secret"

type harness struct {
	handler  http.Handler
	verifier *auth.Verifier
}

// bus delivers every published event, serialized, to each instance's local
// subscribers, the way the Redis relay does between deployed instances.
type bus struct {
	mu    sync.Mutex
	local []events.Publisher
}

func (b *bus) attach(p events.Publisher) {
	b.mu.Lock()
	b.local = append(b.local, p)
	b.mu.Unlock()
}

func (b *bus) Publish(ctx context.Context, e events.Event) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	b.mu.Lock()
	local := append([]events.Publisher(nil), b.local...)
	b.mu.Unlock()
	for _, p := range local {
		received, err := events.Unmarshal(data)
		if err != nil {
			return err
		}
		if err := p.Publish(ctx, received); err != nil {
			return err
		}
	}
	return nil
}

func newHarness(t *testing.T, requestsPerMinute int) *harness {
	t.Helper()
	return newInstance(t, store.NewMemory(), &bus{}, requestsPerMinute)
}

// newInstance builds one API instance with its own GeoIndex and broker over
// the shared store and bus.
func newInstance(t *testing.T, mem *store.Memory, b *bus, requestsPerMinute int) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	index := geohash.NewGeoIndex()
	broker := events.NewBroker(log)
	b.attach(events.Fanout{broker, profiles.NewIndexSync(index)})

	offers := dispatch.NewService(mem, b, log, dispatch.Options{})
	s := &Server{
		Requests: lifecycle.NewController(mem, matching.NewEngine(index, 50), b, log, lifecycle.Options{
			Dispatcher: offers,
		}),
		Profiles:          profiles.NewService(mem, index, b, log),
		Offers:            offers,
		Broker:            broker,
		Verifier:          auth.NewVerifier(testSecret),
		Log:               log,
		RequestsPerMinute: requestsPerMinute,
	}
	return &harness{handler: RegisterRoutes(s), verifier: s.Verifier}
}

func (h *harness) token(t *testing.T, id string, role models.Role) string {
	t.Helper()
	token, err := h.verifier.Issue(auth.Identity{ID: id, Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (h *harness) registerProvider(t *testing.T, id string, lat, lon float64) string {
	t.Helper()
	token := h.token(t, id, models.RoleProvider)
	rec := h.do(t, http.MethodPost, "/profiles", token, map[string]any{
		"name": id, "latitude": lat, "longitude": lon,
		"service_radius_km": 10, "categories": []string{"wash"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return token
}

func washRequest() map[string]any {
	return map[string]any{
		"category":    "wash",
		"description": "Full interior and exterior wash",
		"latitude":    -23.5505,
		"longitude":   -46.6333,
		"total_price": 4500,
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)

	rec := h.do(t, http.MethodGet, "/requests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "unauthorized", body.Error)

	rec = h.do(t, http.MethodGet, "/requests", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/requests", h.token(t, "p1", models.RoleProvider), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	providerA := h.registerProvider(t, "A", -23.5235, -46.6333)
	providerC := h.registerProvider(t, "C", -23.5400, -46.6333)
	cust := h.token(t, "cust", models.RoleCustomer)

	rec := h.do(t, http.MethodPost, "/requests", cust, washRequest())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.ServiceRequest](t, rec)
	assert.Equal(t, models.StatusOpen, created.Status)
	assert.Equal(t, int64(4500), created.Price)

	rec = h.do(t, http.MethodGet, "/requests/"+created.ID+"/candidates", cust, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	candidates := decode[[]matching.Candidate](t, rec)
	assert.Equal(t, []string{"C", "A"}, matching.IDs(candidates))

	rec = h.do(t, http.MethodGet, "/requests/available", providerA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	available := decode[[]models.ServiceRequest](t, rec)
	require.Len(t, available, 1)
	assert.Equal(t, created.ID, available[0].ID)
	assert.InDelta(t, 3, available[0].DistanceKm, 0.05)

	rec = h.do(t, http.MethodPost, "/requests/"+created.ID+"/accept", providerA, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "A", decode[models.ServiceRequest](t, rec).ProviderID)

	rec = h.do(t, http.MethodPost, "/requests/"+created.ID+"/accept", providerC, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_accepted", decode[errorBody](t, rec).Error)

	rec = h.do(t, http.MethodPost, "/requests/"+created.ID+"/complete", providerA, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(t, http.MethodPost, "/requests/"+created.ID+"/start", providerA, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/requests/"+created.ID+"/complete", providerA, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/requests/assigned", providerA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assigned := decode[[]models.ServiceRequest](t, rec)
	require.Len(t, assigned, 1)
	assert.Equal(t, models.StatusCompleted, assigned[0].Status)

	rec = h.do(t, http.MethodGet, "/requests", cust, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.ServiceRequest](t, rec), 1)

	rec = h.do(t, http.MethodGet, "/requests/missing", cust, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRequestValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	cust := h.token(t, "cust", models.RoleCustomer)

	body := washRequest()
	body["description"] = "too short"
	rec := h.do(t, http.MethodPost, "/requests", cust, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[errorBody](t, rec).Error)

	body = washRequest()
	body["unexpected"] = true
	rec = h.do(t, http.MethodPost, "/requests", cust, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/requests", h.token(t, "p1", models.RoleProvider), washRequest())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAvailableQueryParameters(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	provider := h.registerProvider(t, "A", -23.5235, -46.6333)

	for _, q := range []string{
		"lat=1", "lat=x&lng=1", "radius_km=-5", "limit=abc", "lat=95&lng=0",
		"radius_km=NaN", "radius_km=Inf", "radius_km=0", "lat=NaN&lng=NaN", "lat=0&lng=-Inf",
	} {
		rec := h.do(t, http.MethodGet, "/requests/available?"+q, provider, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := h.do(t, http.MethodGet, "/requests/available?category=paint", provider, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/requests/available", h.token(t, "no-profile", models.RoleProvider), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConcurrentAcceptOverHTTP(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	const racers = 8
	tokens := make([]string, racers)
	for i := range tokens {
		tokens[i] = h.registerProvider(t, fmt.Sprintf("p%d", i), -23.5505+float64(i)*0.001, -46.6333)
	}
	rec := h.do(t, http.MethodPost, "/requests", h.token(t, "cust", models.RoleCustomer), washRequest())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[models.ServiceRequest](t, rec).ID

	codes := make([]int, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/requests/"+id+"/accept", nil)
			req.Header.Set("Authorization", "Bearer "+tokens[i])
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, racers-1, conflicts)
}

func TestProfilesOverHTTP(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	cust := h.token(t, "cust", models.RoleCustomer)

	rec := h.do(t, http.MethodGet, "/profiles/me", cust, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/profiles", cust, map[string]any{"name": "Bruno"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.do(t, http.MethodPost, "/profiles", cust, map[string]any{"name": "Bruno"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPut, "/profiles/me", cust, map[string]any{"phone": "+55 11 5555-0000"})
	require.Equal(t, http.StatusOK, rec.Code)
	c := decode[models.Customer](t, rec)
	assert.Equal(t, "Bruno", c.Name)
	assert.Equal(t, "+55 11 5555-0000", c.Phone)

	provider := h.registerProvider(t, "A", -23.5235, -46.6333)
	rec = h.do(t, http.MethodPut, "/profiles/me", provider, map[string]any{"available": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/requests", cust, washRequest())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[models.ServiceRequest](t, rec).ID
	rec = h.do(t, http.MethodPost, "/requests/"+id+"/accept", provider, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ineligible", decode[errorBody](t, rec).Error)
}

func TestOffersOverHTTP(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	providerA := h.registerProvider(t, "A", -23.5235, -46.6333)
	providerC := h.registerProvider(t, "C", -23.5400, -46.6333)
	cust := h.token(t, "cust", models.RoleCustomer)

	rec := h.do(t, http.MethodPost, "/requests", cust, washRequest())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[models.ServiceRequest](t, rec).ID

	rec = h.do(t, http.MethodGet, "/requests/"+id+"/offers", cust, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	all := decode[[]models.Offer](t, rec)
	require.Len(t, all, 2)
	assert.Equal(t, "C", all[0].ProviderID)

	rec = h.do(t, http.MethodGet, "/requests/"+id+"/offers", h.token(t, "other", models.RoleCustomer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/offers", providerC, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[[]models.Offer](t, rec)
	require.Len(t, mine, 1)
	assert.Equal(t, id, mine[0].RequestID)
	assert.Equal(t, models.OfferSent, mine[0].Status)

	rec = h.do(t, http.MethodPost, "/offers/"+mine[0].ID+"/reject", providerA, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(t, http.MethodPost, "/offers/"+mine[0].ID+"/reject", providerC, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.OfferRejected, decode[models.Offer](t, rec).Status)
	rec = h.do(t, http.MethodPost, "/offers/"+mine[0].ID+"/accept", providerC, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(t, http.MethodGet, "/offers", providerA, nil)
	offerA := decode[[]models.Offer](t, rec)[0]
	rec = h.do(t, http.MethodPost, "/offers/"+offerA.ID+"/accept", providerA, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accepted := decode[models.ServiceRequest](t, rec)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	assert.Equal(t, "A", accepted.ProviderID)

	rec = h.do(t, http.MethodGet, "/offers", providerA, nil)
	assert.Empty(t, decode[[]models.Offer](t, rec))
	rec = h.do(t, http.MethodPost, "/offers/missing/accept", providerA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProviderRegisteredOnOneInstanceAcceptsOnAnother(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	b := &bus{}
	a := newInstance(t, mem, b, 0)
	other := newInstance(t, mem, b, 0)

	provider := a.registerProvider(t, "A", -23.5235, -46.6333)
	cust := other.token(t, "cust", models.RoleCustomer)

	rec := other.do(t, http.MethodPost, "/requests", cust, washRequest())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[models.ServiceRequest](t, rec).ID

	rec = other.do(t, http.MethodGet, "/requests/"+id+"/candidates", cust, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"A"}, matching.IDs(decode[[]matching.Candidate](t, rec)))

	rec = other.do(t, http.MethodPost, "/requests/"+id+"/accept", provider, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "A", decode[models.ServiceRequest](t, rec).ProviderID)

	// Going offline on one instance is seen by the other.
	rec = a.do(t, http.MethodPut, "/profiles/me", provider, map[string]any{"available": false})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = other.do(t, http.MethodPost, "/requests", cust, washRequest())
	require.Equal(t, http.StatusCreated, rec.Code)
	id = decode[models.ServiceRequest](t, rec).ID
	rec = other.do(t, http.MethodPost, "/requests/"+id+"/accept", provider, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ineligible", decode[errorBody](t, rec).Error)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10)

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		codes[h.do(t, http.MethodGet, "/health", "", nil).Code]++
	}
	assert.Equal(t, 1, codes[http.StatusOK])
	assert.Equal(t, 4, codes[http.StatusTooManyRequests])
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	t.Parallel()
	l := newIPLimiter(60)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.lastSweep = now

	for i := 0; i < 100; i++ {
		l.get(fmt.Sprintf("10.0.0.%d", i))
	}
	require.Len(t, l.visitors, 100)

	now = now.Add(limiterIdleTTL / 2)
	busy := l.get("10.0.0.1")

	now = now.Add(limiterIdleTTL / 2)
	assert.Same(t, busy, l.get("10.0.0.1"), "an active client keeps its bucket")
	assert.Len(t, l.visitors, 1)
}

func TestStatusForKinds(t *testing.T) {
	t.Parallel()
	cases := map[models.Kind]int{
		models.KindValidation:        http.StatusBadRequest,
		models.KindUnauthorized:      http.StatusUnauthorized,
		models.KindForbidden:         http.StatusForbidden,
		models.KindNotFound:          http.StatusNotFound,
		models.KindConflict:          http.StatusConflict,
		models.KindAlreadyAccepted:   http.StatusConflict,
		models.KindIneligible:        http.StatusConflict,
		models.KindInvalidTransition: http.StatusUnprocessableEntity,
		"":                           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), kind)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()
	cust := h.token(t, "cust", models.RoleCustomer)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+cust)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rec := h.do(t, http.MethodPost, "/requests", cust, washRequest())
	require.Equal(t, http.StatusCreated, rec.Code)

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before the event arrived")
			if strings.HasPrefix(line, "event: ") {
				assert.Equal(t, "event: "+events.TopicRequestCreated, line)
				return
			}
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
