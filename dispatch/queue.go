package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"service-matching/models"
)

const TypeOfferExpire = "offer:expire"

type expirePayload struct {
	OfferID string `json:"offer_id"`
}

// NewExpireTask builds the task that expires o at its deadline. The task ID
// is derived from the offer so scheduling the same offer twice is a no-op.
func NewExpireTask(o models.Offer) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(expirePayload{OfferID: o.ID})
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeOfferExpire, b)
	opts := []asynq.Option{
		asynq.ProcessAt(o.ExpiresAt),
		asynq.TaskID("expire:" + o.ID),
		asynq.MaxRetry(5),
	}
	return task, opts, nil
}

// QueueScheduler schedules offer expiry as delayed asynq tasks.
type QueueScheduler struct {
	client *asynq.Client
}

func NewQueueScheduler(client *asynq.Client) *QueueScheduler {
	return &QueueScheduler{client: client}
}

func (q *QueueScheduler) ScheduleExpiry(ctx context.Context, o models.Offer) error {
	task, opts, err := NewExpireTask(o)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue expiry for offer %s: %w", o.ID, err)
	}
	return nil
}

// NewExpiryWorker returns the asynq server and mux that run expiry tasks
// against svc. The caller starts and shuts down the server.
func NewExpiryWorker(opt asynq.RedisClientOpt, svc *Service, log *zap.Logger) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"default": 1,
		},
		Logger: log.Sugar(),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeOfferExpire, handleExpire(svc, log))
	return srv, mux
}

func handleExpire(svc *Service, log *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p expirePayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			log.Error("invalid offer expiry payload", zap.ByteString("payload", task.Payload()), zap.Error(err))
			return fmt.Errorf("offer expiry payload: %v: %w", err, asynq.SkipRetry)
		}
		if p.OfferID == "" {
			return fmt.Errorf("offer expiry payload has no offer id: %w", asynq.SkipRetry)
		}
		err := svc.Expire(ctx, p.OfferID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
}
