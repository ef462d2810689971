// Package notify pushes offers to provider devices.
package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"service-matching/models"
)

// Notification is a push message for one provider.
type Notification struct {
	ProviderID string
	Title      string
	Body       string
	Data       map[string]string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier logs notifications instead of delivering them. It is used when
// no push credentials are configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Log.Info("push notification",
		zap.String("provider_id", n.ProviderID),
		zap.String("title", n.Title),
		zap.Any("data", n.Data))
	return nil
}

// ProviderLookup resolves the device token of a provider.
type ProviderLookup interface {
	GetProvider(ctx context.Context, id string) (models.Provider, error)
}

type sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier delivers notifications through Firebase Cloud Messaging.
type FCMNotifier struct {
	client    sender
	providers ProviderLookup
	log       *zap.Logger
}

// NewFCMNotifier initializes the Firebase app from a service account file.
func NewFCMNotifier(ctx context.Context, credentialsFile string, providers ProviderLookup, log *zap.Logger) (*FCMNotifier, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("firebase: initializing app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase: getting messaging client: %w", err)
	}
	return &FCMNotifier{client: client, providers: providers, log: log}, nil
}

// Notify sends n to the provider's registered device. Providers without a
// device token are skipped.
func (f *FCMNotifier) Notify(ctx context.Context, n Notification) error {
	p, err := f.providers.GetProvider(ctx, n.ProviderID)
	if err != nil {
		return err
	}
	if p.PushToken == "" {
		f.log.Debug("provider has no push token", zap.String("provider_id", n.ProviderID))
		return nil
	}
	id, err := f.client.Send(ctx, message(p.PushToken, n))
	if err != nil {
		return fmt.Errorf("fcm send to %s: %w", n.ProviderID, err)
	}
	f.log.Debug("push sent", zap.String("provider_id", n.ProviderID), zap.String("message_id", id))
	return nil
}

func message(token string, n Notification) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "offers",
				Sound:     "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority":  "10",
				"apns-push-type": "alert",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
	}
}
