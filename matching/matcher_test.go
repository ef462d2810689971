package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"service-matching/geohash"
	"service-matching/models"
)

func provider(id string, lat, lon, radius float64, categories ...string) models.Provider {
	return models.Provider{
		ID: id, Latitude: lat, Longitude: lon,
		ServiceRadiusKm: radius, Categories: categories, Available: true,
	}
}

func TestEngineCandidates(t *testing.T) {
	t.Parallel()

	index := geohash.NewGeoIndex()
	index.Upsert(provider("a", -23.5235, -46.6333, 10, "wash"))
	index.Upsert(provider("b", -22.8300, -46.6333, 100, "wash"))
	index.Upsert(provider("c", -23.5400, -46.6333, 10, "wash", "paint"))
	index.Upsert(provider("d", -23.5500, -46.6333, 10, "paint"))
	engine := NewEngine(index, 50)

	r := models.ServiceRequest{ID: "r1", Category: "wash", Latitude: -23.5505, Longitude: -46.6333}

	t.Run("ranked by distance within the cap", func(t *testing.T) {
		t.Parallel()
		got := engine.Candidates(r, 0)
		assert.Equal(t, []string{"c", "a"}, IDs(got))
		assert.Less(t, got[0].DistanceKm, got[1].DistanceKm)
		assert.InDelta(t, 3.0, got[1].DistanceKm, 0.05)
	})

	t.Run("limit", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, []string{"c"}, IDs(engine.Candidates(r, 1)))
	})

	t.Run("empty result is a non-nil slice", func(t *testing.T) {
		t.Parallel()
		got := engine.Candidates(models.ServiceRequest{Category: "tow"}, 0)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("membership", func(t *testing.T) {
		t.Parallel()
		c, ok := engine.IsCandidate(r, "a")
		assert.True(t, ok)
		assert.Equal(t, "a", c.Provider.ID)

		_, ok = engine.IsCandidate(r, "b")
		assert.False(t, ok, "80 km away is past the query cap")
		_, ok = engine.IsCandidate(r, "d")
		assert.False(t, ok, "wrong category")
	})

	t.Run("wider cap admits the far provider", func(t *testing.T) {
		t.Parallel()
		_, ok := NewEngine(index, 100).IsCandidate(r, "b")
		assert.True(t, ok)
	})
}

func TestNewEngineDefaultsCap(t *testing.T) {
	t.Parallel()
	assert.Equal(t, geohash.DefaultMaxSearchRadiusKm, NewEngine(geohash.NewGeoIndex(), 0).MaxRadiusKm())
}
