package geohash

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"service-matching/models"
)

var saoPaulo = Point{Lat: -23.5505, Lon: -46.6333}

// northOf returns a provider km kilometres due north of p.
func northOf(p Point, id string, km, radiusKm float64, categories ...string) models.Provider {
	return models.Provider{
		ID:              id,
		Latitude:        p.Lat + km/kmPerDegree,
		Longitude:       p.Lon,
		ServiceRadiusKm: radiusKm,
		Categories:      categories,
		Available:       true,
	}
}

func collectQuery(g *GeoIndex, p Point, category string, maxKm float64) ([]string, []float64) {
	var ids []string
	var dists []float64
	for provider, d := range g.Query(p, category, maxKm) {
		ids = append(ids, provider.ID)
		dists = append(dists, d)
	}
	return ids, dists
}

func TestGeoIndexQuery(t *testing.T) {
	t.Parallel()

	t.Run("radius inclusion and exclusion", func(t *testing.T) {
		t.Parallel()
		g := NewGeoIndex()
		g.Upsert(northOf(saoPaulo, "inside", 3, 10, "wash"))
		g.Upsert(northOf(saoPaulo, "outside-own-radius", 12, 10, "wash"))
		g.Upsert(northOf(saoPaulo, "beyond-cap", 80, 100, "wash"))

		ids, dists := collectQuery(g, saoPaulo, "wash", DefaultMaxSearchRadiusKm)
		assert.Equal(t, []string{"inside"}, ids)
		assert.InDelta(t, 3, dists[0], 0.01)

		ids, _ = collectQuery(g, saoPaulo, "wash", 100)
		assert.Equal(t, []string{"inside", "beyond-cap"}, ids)
	})

	t.Run("exact radius boundary is included", func(t *testing.T) {
		t.Parallel()
		g := NewGeoIndex()
		p := northOf(saoPaulo, "edge", 5, 0, "wash")
		p.ServiceRadiusKm = Distance(saoPaulo, Point{Lat: p.Latitude, Lon: p.Longitude})
		g.Upsert(p)

		ids, _ := collectQuery(g, saoPaulo, "wash", 0)
		assert.Equal(t, []string{"edge"}, ids)
	})

	t.Run("category and availability filters", func(t *testing.T) {
		t.Parallel()
		g := NewGeoIndex()
		g.Upsert(northOf(saoPaulo, "washer", 1, 10, "wash"))
		g.Upsert(northOf(saoPaulo, "painter", 1, 10, "paint"))
		off := northOf(saoPaulo, "offline", 1, 10, "wash")
		off.Available = false
		g.Upsert(off)

		ids, _ := collectQuery(g, saoPaulo, "wash", 0)
		assert.Equal(t, []string{"washer"}, ids)
		ids, _ = collectQuery(g, saoPaulo, "", 0)
		assert.Empty(t, ids)
	})

	t.Run("ordered by distance then id", func(t *testing.T) {
		t.Parallel()
		g := NewGeoIndex()
		g.Upsert(northOf(saoPaulo, "far", 4, 10, "wash"))
		g.Upsert(northOf(saoPaulo, "tie-b", 2, 10, "wash"))
		g.Upsert(northOf(saoPaulo, "tie-a", 2, 10, "wash"))
		g.Upsert(northOf(saoPaulo, "near", 1, 10, "wash"))

		ids, dists := collectQuery(g, saoPaulo, "wash", 0)
		assert.Equal(t, []string{"near", "tie-a", "tie-b", "far"}, ids)
		assert.IsNonDecreasing(t, dists)
	})

	t.Run("upsert replaces the previous record", func(t *testing.T) {
		t.Parallel()
		g := NewGeoIndex()
		g.Upsert(northOf(saoPaulo, "mover", 1, 10, "wash"))
		g.Upsert(northOf(saoPaulo, "mover", 30, 10, "wash"))

		assert.Equal(t, 1, g.Len())
		ids, _ := collectQuery(g, saoPaulo, "wash", 0)
		assert.Empty(t, ids)

		got, ok := g.Get("mover")
		require.True(t, ok)
		assert.InDelta(t, saoPaulo.Lat+30/kmPerDegree, got.Latitude, 1e-9)
	})

	t.Run("lazy and restartable", func(t *testing.T) {
		t.Parallel()
		g := NewGeoIndex()
		seq := g.Query(saoPaulo, "wash", 0)
		g.Upsert(northOf(saoPaulo, "late", 1, 10, "wash"))

		ids, _ := collectQuery(g, saoPaulo, "wash", 0)
		assert.Equal(t, []string{"late"}, ids)

		count := 0
		for range seq {
			count++
		}
		assert.Equal(t, 1, count)
	})

	t.Run("service circle across the antimeridian", func(t *testing.T) {
		t.Parallel()
		g := NewGeoIndex()
		g.Upsert(models.Provider{
			ID: "fiji", Latitude: -17, Longitude: 179.99,
			ServiceRadiusKm: 20, Categories: []string{"wash"}, Available: true,
		})

		ids, dists := collectQuery(g, Point{Lat: -17, Lon: -179.99}, "wash", 0)
		assert.Equal(t, []string{"fiji"}, ids)
		assert.Less(t, dists[0], 3.0)
	})
}

func TestGeoIndexConcurrentUpsertAndQuery(t *testing.T) {
	t.Parallel()

	g := NewGeoIndex()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			g.Upsert(northOf(saoPaulo, fmt.Sprintf("p-%02d", i), float64(i%5), 10, "wash"))
		}(i)
		go func() {
			defer wg.Done()
			for range g.Query(saoPaulo, "wash", 0) {
			}
		}()
	}
	wg.Wait()

	ids, _ := collectQuery(g, saoPaulo, "wash", 0)
	assert.Len(t, ids, 20)
}
