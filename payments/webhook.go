// Package payments receives payment confirmations from Stripe. Checkout
// sessions are created by the client against Stripe directly; the session
// metadata carries the request_id the payment belongs to.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"service-matching/models"
)

const maxBodyBytes = int64(65536)

// Confirmer records a confirmed payment against a request.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, requestID string) (models.ServiceRequest, error)
}

type WebhookHandler struct {
	secret    string
	confirmer Confirmer
	log       *zap.Logger
}

func NewWebhookHandler(secret string, confirmer Confirmer, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{secret: secret, confirmer: confirmer, log: log}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Warn("Error reading webhook body", zap.Error(err))
		http.Error(w, "unreadable body", http.StatusServiceUnavailable)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.log.Warn("Webhook signature verification failed", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		h.log.Debug("Ignoring webhook event", zap.String("type", string(event.Type)))
		w.WriteHeader(http.StatusOK)
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.log.Error("Error parsing checkout session", zap.Error(err))
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	requestID := session.Metadata["request_id"]
	if requestID == "" {
		h.log.Warn("Checkout session without request_id", zap.String("session_id", session.ID))
		w.WriteHeader(http.StatusOK)
		return
	}

	_, err = h.confirmer.ConfirmPayment(r.Context(), requestID)
	switch {
	case err == nil:
		h.log.Info("Payment confirmed", zap.String("request_id", requestID), zap.String("session_id", session.ID))
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrInvalidTransition):
		// Retrying will not help; acknowledge so Stripe stops redelivering.
		h.log.Warn("Payment for unpayable request", zap.String("request_id", requestID), zap.Error(err))
		w.WriteHeader(http.StatusOK)
	default:
		h.log.Error("Error confirming payment", zap.String("request_id", requestID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
