package models

import "time"

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferSent     OfferStatus = "sent"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

// Open reports whether an offer in status s still awaits the provider.
func (s OfferStatus) Open() bool {
	return s == OfferPending || s == OfferSent
}

// Offer records that a request was put in front of one provider. It is a
// notification with a deadline, not a reservation: acceptance is still
// decided by the request's compare-and-transition.
type Offer struct {
	ID          string      `json:"id"`
	RequestID   string      `json:"request_id"`
	ProviderID  string      `json:"provider_id"`
	Status      OfferStatus `json:"status"`
	DistanceKm  float64     `json:"distance_km"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Live reports whether the provider can still act on the offer at now.
func (o Offer) Live(now time.Time) bool {
	return o.Status.Open() && now.Before(o.ExpiresAt)
}

// OfferUpdate is a compare-and-set on an offer's status: it applies only
// while the offer is in one of From.
type OfferUpdate struct {
	OfferID string
	From    []OfferStatus
	To      OfferStatus
	At      time.Time
}

func (u OfferUpdate) allows(s OfferStatus) bool {
	for _, f := range u.From {
		if f == s {
			return true
		}
	}
	return false
}

// Apply mutates o if its status is one of u.From and reports whether it did.
func (u OfferUpdate) Apply(o *Offer) bool {
	if !u.allows(o.Status) {
		return false
	}
	at := u.At.UTC()
	o.Status = u.To
	o.UpdatedAt = at
	if u.To == OfferAccepted || u.To == OfferRejected {
		o.RespondedAt = &at
	}
	return true
}
