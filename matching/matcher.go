package matching

import (
	"iter"

	"service-matching/geohash"
	"service-matching/models"
)

// Candidate is a provider eligible, at query time, to fulfil a request.
type Candidate struct {
	Provider   models.Provider `json:"provider"`
	DistanceKm float64         `json:"distance_km"`
}

// Engine computes candidate providers for a request. Nothing is cached:
// provider availability and location change between creation and
// acceptance, so every call re-reads the index.
type Engine struct {
	index       *geohash.GeoIndex
	maxRadiusKm float64
}

func NewEngine(index *geohash.GeoIndex, maxRadiusKm float64) *Engine {
	if maxRadiusKm <= 0 {
		maxRadiusKm = geohash.DefaultMaxSearchRadiusKm
	}
	return &Engine{index: index, maxRadiusKm: maxRadiusKm}
}

// MaxRadiusKm is the query-side cap applied to every search.
func (e *Engine) MaxRadiusKm() float64 {
	return e.maxRadiusKm
}

// FindCandidates yields eligible providers for r, nearest first.
func (e *Engine) FindCandidates(r models.ServiceRequest) iter.Seq2[models.Provider, float64] {
	return e.index.Query(geohash.Point{Lat: r.Latitude, Lon: r.Longitude}, r.Category, e.maxRadiusKm)
}

// Candidates materializes up to limit candidates; limit <= 0 means all.
func (e *Engine) Candidates(r models.ServiceRequest, limit int) []Candidate {
	out := []Candidate{}
	for p, d := range e.FindCandidates(r) {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, Candidate{Provider: p, DistanceKm: d})
	}
	return out
}

// IsCandidate reports whether providerID is currently eligible for r.
func (e *Engine) IsCandidate(r models.ServiceRequest, providerID string) (Candidate, bool) {
	for p, d := range e.FindCandidates(r) {
		if p.ID == providerID {
			return Candidate{Provider: p, DistanceKm: d}, true
		}
	}
	return Candidate{}, false
}

// IDs returns the provider IDs of cs in order.
func IDs(cs []Candidate) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.Provider.ID
	}
	return ids
}
