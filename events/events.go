// Package events carries lifecycle and dispatch notifications to
// subscribers. Redis pub/sub relays them between instances; Kafka exports
// them downstream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"service-matching/models"
)

const (
	TopicRequestCreated   = "request.created"
	TopicRequestAccepted  = "request.accepted"
	TopicRequestStarted   = "request.started"
	TopicRequestCompleted = "request.completed"
	TopicRequestCancelled = "request.cancelled"
	TopicRequestPaid      = "request.paid"

	TopicOfferSent     = "offer.sent"
	TopicOfferRejected = "offer.rejected"
	TopicOfferExpired  = "offer.expired"

	// TopicProviderUpdated carries provider profile changes between
	// instances so each can keep its GeoIndex current. It has no audience.
	TopicProviderUpdated = "provider.updated"
)

// TopicFor maps the status a request just entered to its event topic.
func TopicFor(s models.Status) string {
	switch s {
	case models.StatusOpen:
		return TopicRequestCreated
	case models.StatusAccepted:
		return TopicRequestAccepted
	case models.StatusInProgress:
		return TopicRequestStarted
	case models.StatusCompleted:
		return TopicRequestCompleted
	case models.StatusCancelled:
		return TopicRequestCancelled
	}
	return ""
}

type Event struct {
	ID        string                 `json:"event_id"`
	Topic     string                 `json:"topic"`
	RequestID string                 `json:"request_id,omitempty"`
	Audience  []string               `json:"audience"`
	Request   *models.ServiceRequest `json:"request,omitempty"`
	Offer     *models.Offer          `json:"offer,omitempty"`
	Provider  *models.Provider       `json:"provider,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New builds an event about r addressed to audience. Empty and duplicate
// identities are dropped.
func New(topic string, r models.ServiceRequest, at time.Time, audience ...string) Event {
	e := newEvent(topic, at, audience)
	e.RequestID = r.ID
	e.Request = &r
	return e
}

// ForOffer builds an event about o addressed to the offered provider.
func ForOffer(topic string, o models.Offer, at time.Time) Event {
	e := newEvent(topic, at, []string{o.ProviderID})
	e.RequestID = o.RequestID
	e.Offer = &o
	return e
}

// ProviderUpdated announces a saved provider profile to other instances.
func ProviderUpdated(p models.Provider, at time.Time) Event {
	e := newEvent(TopicProviderUpdated, at, nil)
	e.Provider = &p
	return e
}

// Key partitions exported events: request events by request, provider
// updates by provider.
func (e Event) Key() string {
	if e.RequestID == "" && e.Provider != nil {
		return e.Provider.ID
	}
	return e.RequestID
}

func newEvent(topic string, at time.Time, audience []string) Event {
	seen := make(map[string]struct{}, len(audience))
	aud := make([]string, 0, len(audience))
	for _, id := range audience {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		aud = append(aud, id)
	}
	return Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Audience:  aud,
		Timestamp: at.UTC(),
	}
}

// For reports whether identity is in the event's audience.
func (e Event) For(identity string) bool {
	for _, id := range e.Audience {
		if id == identity {
			return true
		}
	}
	return false
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
