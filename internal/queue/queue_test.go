package queue

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue() (*Queue, cache.Cache) {
	c := cache.NewMemory(clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	return New(c, 24*time.Hour), c
}

func record(device string) *BufferedMessage {
	return &BufferedMessage{
		ServerID:       uuid.New(),
		ConversationID: uuid.New(),
		DeviceID:       device,
		Ciphertext:     "ZXhhbXBsZQ==",
		Nonce:          "n",
		Tag:            "t",
		Type:           domain.MessageText,
		QueuedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue()

	first := record("dev-a")
	second := record("dev-b")
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)

	got, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ServerID, got.ServerID)
	assert.Equal(t, first.Ciphertext, got.Ciphertext)
	assert.Equal(t, "dev-a", got.DeviceID)

	got, ok, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ServerID, got.ServerID)

	_, ok, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "drained queue yields nothing")
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue()

	rec := record("dev-a")
	rec.RetryCount = 3
	require.NoError(t, q.DeadLetter(ctx, rec))

	n, err := q.DeadLetterSize(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size, "dead letters leave the main queue untouched")
}

func TestCorruptRecordGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue()

	require.NoError(t, c.PushRight(ctx, cache.QueueKey, []byte("{broken")))

	_, ok, err := q.Dequeue(ctx)
	assert.False(t, ok)
	assert.Error(t, err)

	n, err := q.DeadLetterSize(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "corrupt record is preserved for inspection")
}
