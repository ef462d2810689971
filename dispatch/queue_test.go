package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"service-matching/models"
)

func TestNewExpireTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := f.dispatch(t, "A")[0]

	task, opts, err := NewExpireTask(o)
	require.NoError(t, err)
	assert.Equal(t, TypeOfferExpire, task.Type())

	var p expirePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, o.ID, p.OfferID)

	values := map[asynq.OptionType]any{}
	for _, opt := range opts {
		values[opt.Type()] = opt.Value()
	}
	assert.Equal(t, o.ExpiresAt, values[asynq.ProcessAtOpt])
	assert.Equal(t, "expire:"+o.ID, values[asynq.TaskIDOpt])
	assert.Equal(t, 5, values[asynq.MaxRetryOpt])
}

func TestHandleExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	handler := handleExpire(f.svc, zaptest.NewLogger(t))
	o := f.dispatch(t, "A")[0]

	task, _, err := NewExpireTask(o)
	require.NoError(t, err)

	f.clock.Advance(DefaultOfferTTL)
	require.NoError(t, handler(ctx, task))
	assert.Equal(t, models.OfferExpired, f.mustOffers(t)[0].Status)

	// Redelivery of an expired offer is harmless.
	require.NoError(t, handler(ctx, task))

	gone, _, err := NewExpireTask(models.Offer{ID: "missing", ExpiresAt: o.ExpiresAt})
	require.NoError(t, err)
	assert.NoError(t, handler(ctx, gone))

	err = handler(ctx, asynq.NewTask(TypeOfferExpire, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	err = handler(ctx, asynq.NewTask(TypeOfferExpire, []byte(`{}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
