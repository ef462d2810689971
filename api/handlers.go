package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"service-matching/geohash"
	"service-matching/lifecycle"
	"service-matching/models"
)

type createRequestBody struct {
	Category    string     `json:"category"`
	Description string     `json:"description"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	TotalPrice  int64      `json:"total_price"`
}

// CreateRequest opens a service request for the calling customer.
func (s *Server) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r, models.RoleCustomer)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	var body createRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, s.Log, err)
		return
	}

	req, _, err := s.Requests.Create(r.Context(), models.NewRequest{
		CustomerID:  actor.ID,
		Category:    body.Category,
		Description: body.Description,
		Latitude:    body.Latitude,
		Longitude:   body.Longitude,
		ScheduledAt: body.ScheduledAt,
	}, body.TotalPrice)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListRequests returns the calling customer's requests, most recent first.
func (s *Server) ListRequests(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r, models.RoleCustomer)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	list, err := s.Requests.ListForCustomer(r.Context(), actor.ID, limit)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ListAvailable returns open requests a provider could accept.
func (s *Server) ListAvailable(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r, models.RoleProvider)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	provider, err := s.Profiles.GetProvider(r.Context(), actor.ID)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	q, err := availableQuery(r)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	list, err := s.Requests.ListAvailable(r.Context(), provider, q)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func availableQuery(r *http.Request) (lifecycle.AvailableQuery, error) {
	var q lifecycle.AvailableQuery
	values := r.URL.Query()

	latStr, lngStr := values.Get("lat"), values.Get("lng")
	if (latStr == "") != (lngStr == "") {
		return q, models.Validation("lat and lng must be given together")
	}
	if latStr != "" {
		lat, err := strconv.ParseFloat(latStr, 64)
		if err != nil {
			return q, models.Validation("invalid lat %q", latStr)
		}
		lng, err := strconv.ParseFloat(lngStr, 64)
		if err != nil {
			return q, models.Validation("invalid lng %q", lngStr)
		}
		if err := models.ValidateCoordinates(lat, lng); err != nil {
			return q, err
		}
		q.Point = &geohash.Point{Lat: lat, Lon: lng}
	}

	if radius := values.Get("radius_km"); radius != "" {
		km, err := strconv.ParseFloat(radius, 64)
		if err != nil {
			return q, models.Validation("radius_km must be a positive number")
		}
		if err := models.ValidateRadius(km); err != nil {
			return q, err
		}
		q.RadiusKm = km
	}
	q.Category = values.Get("category")

	limit, err := queryInt(r, "limit")
	if err != nil {
		return q, err
	}
	q.Limit = limit
	return q, nil
}

// ListAssigned returns the requests bound to the calling provider.
func (s *Server) ListAssigned(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r, models.RoleProvider)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	list, err := s.Requests.ListAssigned(r.Context(), actor.ID, limit)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Requests.Get(r.Context(), mux.Vars(r)["request_id"], actorFrom(r))
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) GetCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.Requests.Candidates(r.Context(), mux.Vars(r)["request_id"], actorFrom(r))
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

type transitionFunc func(ctx context.Context, requestID string, actor lifecycle.Actor) (models.ServiceRequest, error)

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	req, err := fn(r.Context(), mux.Vars(r)["request_id"], actorFrom(r))
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// AcceptRequest claims an open request for the calling provider. Exactly one
// concurrent caller wins; the rest get 409.
func (s *Server) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Requests.Accept)
}

func (s *Server) StartRequest(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Requests.Start)
}

func (s *Server) CompleteRequest(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Requests.Complete)
}

func (s *Server) CancelRequest(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Requests.Cancel)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, models.Validation("%s must be a non-negative integer", key)
	}
	return n, nil
}
