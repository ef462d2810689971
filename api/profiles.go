package api

import (
	"net/http"

	"service-matching/models"
	"service-matching/profiles"
)

// profileBody accepts both customer and provider fields; the token's role
// decides which ones apply.
type profileBody struct {
	Name            *string  `json:"name"`
	Phone           *string  `json:"phone"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	ServiceRadiusKm *float64 `json:"service_radius_km"`
	Categories      []string `json:"categories"`
	Available       *bool    `json:"available"`
	PushToken       *string  `json:"push_token"`
}

func (b profileBody) providerUpdate() profiles.ProviderUpdate {
	return profiles.ProviderUpdate{
		Name:            b.Name,
		Latitude:        b.Latitude,
		Longitude:       b.Longitude,
		ServiceRadiusKm: b.ServiceRadiusKm,
		Categories:      b.Categories,
		Available:       b.Available,
		PushToken:       b.PushToken,
	}
}

func (b profileBody) customerUpdate() profiles.CustomerUpdate {
	return profiles.CustomerUpdate{Name: b.Name, Phone: b.Phone}
}

// CreateProfile registers the profile for the token's role.
func (s *Server) CreateProfile(w http.ResponseWriter, r *http.Request) {
	s.saveProfile(w, r, http.StatusCreated, true)
}

// UpdateProfile edits the caller's own profile. Provider updates take effect
// in matching immediately.
func (s *Server) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	s.saveProfile(w, r, http.StatusOK, false)
}

func (s *Server) saveProfile(w http.ResponseWriter, r *http.Request, status int, create bool) {
	actor := actorFrom(r)
	var body profileBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, s.Log, err)
		return
	}

	var (
		out any
		err error
	)
	switch actor.Role {
	case models.RoleProvider:
		if create {
			out, err = s.Profiles.RegisterProvider(r.Context(), actor.ID, body.providerUpdate())
		} else {
			out, err = s.Profiles.UpdateProvider(r.Context(), actor.ID, body.providerUpdate())
		}
	case models.RoleCustomer:
		if create {
			out, err = s.Profiles.RegisterCustomer(r.Context(), actor.ID, body.customerUpdate())
		} else {
			out, err = s.Profiles.UpdateCustomer(r.Context(), actor.ID, body.customerUpdate())
		}
	default:
		err = models.Forbidden("unknown role %q", actor.Role)
	}
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, status, out)
}

func (s *Server) GetProfile(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	var (
		out any
		err error
	)
	if actor.Role == models.RoleProvider {
		out, err = s.Profiles.GetProvider(r.Context(), actor.ID)
	} else {
		out, err = s.Profiles.GetCustomer(r.Context(), actor.ID)
	}
	if err != nil {
		writeError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
