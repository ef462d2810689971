package geohash

import (
	"iter"
	"sort"
	"sync"

	"service-matching/models"
)

// DefaultMaxSearchRadiusKm caps candidate queries when the caller passes no cap.
const DefaultMaxSearchRadiusKm = 50.0

// GeoIndex answers "which providers cover point P for category C".
type GeoIndex struct {
	mu   sync.RWMutex
	tree *coverageTree
}

func NewGeoIndex() *GeoIndex {
	return &GeoIndex{tree: newCoverageTree()}
}

// Upsert inserts or replaces a provider record, keyed by provider ID.
func (g *GeoIndex) Upsert(p models.Provider) {
	p.Categories = append([]string(nil), p.Categories...)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.tree.upsert(p)
}

// Get returns the indexed record for id.
func (g *GeoIndex) Get(id string) (models.Provider, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.tree.entries[id]
	if !ok {
		return models.Provider{}, false
	}
	return c.provider, true
}

// Len returns the number of indexed providers, available or not.
func (g *GeoIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tree.entries)
}

type hit struct {
	provider models.Provider
	distance float64
}

// Query yields (provider, distanceKm) for every available provider serving
// category whose distance to point is within both its own service radius and
// maxSearchRadiusKm, nearest first, ties broken by provider ID. Nothing is
// computed until the sequence is ranged over, and each range re-reads the
// index.
func (g *GeoIndex) Query(point Point, category string, maxSearchRadiusKm float64) iter.Seq2[models.Provider, float64] {
	if maxSearchRadiusKm <= 0 {
		maxSearchRadiusKm = DefaultMaxSearchRadiusKm
	}
	return func(yield func(models.Provider, float64) bool) {
		for _, h := range g.collect(point, category, maxSearchRadiusKm) {
			if !yield(h.provider, h.distance) {
				return
			}
		}
	}
}

func (g *GeoIndex) collect(point Point, category string, maxKm float64) []hit {
	g.mu.RLock()
	covering := g.tree.covering(point)
	g.mu.RUnlock()

	hits := make([]hit, 0, len(covering))
	for _, p := range covering {
		if !p.Available || !p.HasCategory(category) {
			continue
		}
		d := Distance(point, Point{Lat: p.Latitude, Lon: p.Longitude})
		if d > p.ServiceRadiusKm || d > maxKm {
			continue
		}
		hits = append(hits, hit{provider: p, distance: d})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].distance != hits[j].distance {
			return hits[i].distance < hits[j].distance
		}
		return hits[i].provider.ID < hits[j].provider.ID
	})
	return hits
}
