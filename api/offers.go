package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"service-matching/models"
)

// ListOffers returns the offers the calling provider can still act on, most
// recent first.
func (s *Server) ListOffers(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r, models.RoleProvider)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	offers, err := s.Offers.ListForProvider(r.Context(), actor.ID)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

// AcceptOffer accepts the request behind an offer. It races like
// AcceptRequest.
func (s *Server) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	req, err := s.Requests.AcceptOffer(r.Context(), mux.Vars(r)["offer_id"], actorFrom(r))
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) RejectOffer(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r, models.RoleProvider)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	o, err := s.Offers.Reject(r.Context(), mux.Vars(r)["offer_id"], actor.ID)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetRequestOffers shows the customer who was offered their request.
func (s *Server) GetRequestOffers(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r, models.RoleCustomer)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	req, err := s.Requests.Get(r.Context(), mux.Vars(r)["request_id"], actor)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	offers, err := s.Offers.ListForRequest(r.Context(), req.ID)
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}
