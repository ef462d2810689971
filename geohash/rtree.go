package geohash

import (
	"math"

	"github.com/dhconnelly/rtreego"

	"service-matching/models"
)

// pointTolerance pads the query point so a point sitting exactly on a box
// edge still intersects it.
const pointTolerance = 1e-9

// coverageMargin widens coverage boxes slightly beyond the service circle.
const coverageMargin = 1.01

// coverage wraps a provider to satisfy the rtreego.Spatial interface. Its
// bounds enclose the provider's whole service circle, so the tree answers
// "whose circle might contain this point".
type coverage struct {
	provider models.Provider
	rect     rtreego.Rect
}

// Bounds returns a rectangle, in degrees, containing the service circle.
func (c *coverage) Bounds() rtreego.Rect {
	return c.rect
}

func newCoverage(p models.Provider) *coverage {
	return &coverage{provider: p, rect: coverageRect(p)}
}

func coverageRect(p models.Provider) rtreego.Rect {
	latSpan := p.ServiceRadiusKm / kmPerDegree * coverageMargin
	minLat := p.Latitude - latSpan
	maxLat := p.Latitude + latSpan

	lonSpan := 180.0
	if minLat > -90 && maxLat < 90 {
		poleward := math.Max(math.Abs(minLat), math.Abs(maxLat))
		cos := math.Cos(toRadians(poleward))
		if cos > 0 {
			lonSpan = math.Min(180, latSpan/cos)
		}
	}
	minLat = math.Max(minLat, -90)
	maxLat = math.Min(maxLat, 90)

	rect, _ := rtreego.NewRectFromPoints(
		rtreego.Point{minLat, p.Longitude - lonSpan},
		rtreego.Point{maxLat, p.Longitude + lonSpan},
	)
	return rect
}

// coverageTree is the spatial index behind GeoIndex. It is not safe for
// concurrent use; GeoIndex serializes access.
type coverageTree struct {
	tree    *rtreego.Rtree
	entries map[string]*coverage
}

func newCoverageTree() *coverageTree {
	return &coverageTree{
		tree:    rtreego.NewTree(2, 25, 50),
		entries: make(map[string]*coverage),
	}
}

func (t *coverageTree) upsert(p models.Provider) {
	if old, ok := t.entries[p.ID]; ok {
		t.tree.Delete(old)
	}
	c := newCoverage(p)
	t.entries[p.ID] = c
	t.tree.Insert(c)
}

// covering returns every provider whose coverage box contains point. Boxes
// may extend past ±180° longitude, so the point is searched at its shifted
// longitudes too.
func (t *coverageTree) covering(point Point) []models.Provider {
	seen := make(map[string]struct{})
	var out []models.Provider
	for _, lon := range []float64{point.Lon, point.Lon + 360, point.Lon - 360} {
		rect := rtreego.Point{point.Lat, lon}.ToRect(pointTolerance)
		for _, s := range t.tree.SearchIntersect(rect) {
			c := s.(*coverage)
			if _, dup := seen[c.provider.ID]; dup {
				continue
			}
			seen[c.provider.ID] = struct{}{}
			out = append(out, c.provider)
		}
	}
	return out
}
