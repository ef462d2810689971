package models

import (
	"math"
	"time"
)

// Provider is a profile that can be matched to requests. PushToken, the
// device registration offers are pushed to, never leaves the service.
type Provider struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Geohash         string    `json:"geohash"`
	ServiceRadiusKm float64   `json:"service_radius_km"`
	Categories      []string  `json:"categories"`
	Available       bool      `json:"available"`
	PushToken       string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasCategory reports whether the provider serves category.
func (p Provider) HasCategory(category string) bool {
	for _, c := range p.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Validate checks the fields a provider must carry to be indexed.
func (p Provider) Validate() error {
	if p.ID == "" {
		return Validation("provider id is required")
	}
	if !finite(p.ServiceRadiusKm) || p.ServiceRadiusKm <= 0 {
		return Validation("service_radius_km must be greater than zero")
	}
	if len(p.Categories) == 0 {
		return Validation("at least one category is required")
	}
	for _, c := range p.Categories {
		if c == "" {
			return Validation("categories must not contain empty values")
		}
	}
	return ValidateCoordinates(p.Latitude, p.Longitude)
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateCoordinates rejects latitude/longitude pairs outside the WGS84
// range. NaN and infinities are out of range.
func ValidateCoordinates(lat, lon float64) error {
	if !finite(lat) || lat < -90 || lat > 90 {
		return Validation("latitude must be between -90 and 90")
	}
	if !finite(lon) || lon < -180 || lon > 180 {
		return Validation("longitude must be between -180 and 180")
	}
	return nil
}

// ValidateRadius rejects search radii that are not positive finite numbers.
func ValidateRadius(km float64) error {
	if !finite(km) || km <= 0 {
		return Validation("radius_km must be a positive number")
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
