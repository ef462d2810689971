package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HasProvider reports whether a request in status s must carry an assigned provider.
func (s Status) HasProvider() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusCompleted
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
)

const MinDescriptionLength = 10

type ServiceRequest struct {
	ID          string     `json:"id"`
	CustomerID  string     `json:"customer_id"`
	ProviderID  string     `json:"provider_id,omitempty"`
	Category    string     `json:"category"`
	Description string     `json:"description"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	Geohash     string     `json:"geohash"`
	Status      Status     `json:"status"`
	Price       int64      `json:"total_price"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy Role       `json:"cancelled_by,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Populated by geo listings only.
	DistanceKm float64 `json:"distance_km,omitempty"`
}

// NewRequest is what a customer submits to open a request.
type NewRequest struct {
	CustomerID  string
	Category    string
	Description string
	Latitude    float64
	Longitude   float64
	ScheduledAt *time.Time
}

// Validate applies the same rules the client forms enforce.
func (n NewRequest) Validate() error {
	if n.CustomerID == "" {
		return Validation("customer id is required")
	}
	if strings.TrimSpace(n.Category) == "" {
		return Validation("category is required")
	}
	if utf8.RuneCountInString(strings.TrimSpace(n.Description)) < MinDescriptionLength {
		return Validation("description must be at least 10 characters")
	}
	return ValidateCoordinates(n.Latitude, n.Longitude)
}

// Transition describes a compare-and-transition on a request's status.
type Transition struct {
	RequestID   string
	From        Status
	To          Status
	ProviderID  string
	CancelledBy Role
	At          time.Time
}

// Apply mutates r as if the transition succeeded. The caller has already
// checked r.Status == t.From.
func (t Transition) Apply(r *ServiceRequest) {
	at := t.At
	r.Status = t.To
	r.UpdatedAt = at
	r.Version++
	switch t.To {
	case StatusAccepted:
		r.ProviderID = t.ProviderID
		r.AcceptedAt = &at
	case StatusInProgress:
		r.StartedAt = &at
	case StatusCompleted:
		r.CompletedAt = &at
	case StatusCancelled:
		r.ProviderID = ""
		r.CancelledAt = &at
		r.CancelledBy = t.CancelledBy
	}
}
