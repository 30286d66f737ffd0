package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/hub"
	"github.com/adred-codev/vanish/internal/queue"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	destination string
	device      string
	event       any
}

type recordingPublisher struct {
	topic  []recordedEvent
	device []recordedEvent
}

func (r *recordingPublisher) PublishTopic(destination string, event any) {
	r.topic = append(r.topic, recordedEvent{destination: destination, event: event})
}

func (r *recordingPublisher) PublishDevice(deviceID string, event any) {
	r.device = append(r.device, recordedEvent{device: deviceID, event: event})
}

type recordingPusher struct {
	calls []string // excluded device per call
}

func (r *recordingPusher) NotifyNewMessage(_ context.Context, _ *domain.Conversation, excludeDeviceID string) {
	r.calls = append(r.calls, excludeDeviceID)
}

type fixture struct {
	worker *Worker
	queue  *queue.Queue
	store  store.Store
	cache  cache.Cache
	events *recordingPublisher
	pusher *recordingPusher
	clk    *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := cache.NewMemory(clk)
	st := store.NewMemory()
	q := queue.New(c, time.Hour)
	events := &recordingPublisher{}
	pusher := &recordingPusher{}
	w := NewWorker(Config{RetryLimit: 3}, q, st, c, events, pusher, clk, zerolog.Nop())
	return &fixture{worker: w, queue: q, store: st, cache: c, events: events, pusher: pusher, clk: clk}
}

func (f *fixture) addConversation(t *testing.T, ttl time.Duration) *domain.Conversation {
	t.Helper()
	conv := &domain.Conversation{
		ID:                uuid.New(),
		InitiatorDeviceID: "sender-device",
		Status:            domain.ConversationActive,
		CreatedAt:         f.clk.Now(),
		ExpiresAt:         f.clk.Now().Add(ttl),
	}
	require.NoError(t, f.store.Conversations().Insert(context.Background(), conv))
	return conv
}

func buffered(conv *domain.Conversation) *queue.BufferedMessage {
	return &queue.BufferedMessage{
		ServerID:       uuid.New(),
		ConversationID: conv.ID,
		DeviceID:       "sender-device",
		Ciphertext:     "ZW5jcnlwdGVk",
		Nonce:          "bm9uY2U=",
		Tag:            "dGFn",
		Type:           domain.MessageText,
		QueuedAt:       time.Now().UTC(),
	}
}

func TestDrainPersistsAndEmitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.addConversation(t, 24*time.Hour)
	m := buffered(conv)
	require.NoError(t, f.queue.Enqueue(ctx, m))

	f.worker.drain(ctx)

	stored, err := f.store.Messages().FindActiveByConversation(ctx, conv.ID, f.clk.Now())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, conv.ExpiresAt, stored[0].ExpiresAt, "message expiry is inherited from the conversation")
	assert.Equal(t, "sender-device", stored[0].SenderDeviceID)

	require.Len(t, f.events.device, 1)
	assert.Equal(t, "sender-device", f.events.device[0].device)
	delivered := f.events.device[0].event.(hub.MessageDelivered)
	assert.Equal(t, m.ServerID, delivered.ServerID)
	assert.Equal(t, stored[0].ID, delivered.MessageID)

	require.Len(t, f.events.topic, 1)
	assert.Equal(t, hub.TopicConversation(conv.ID), f.events.topic[0].destination)

	require.Len(t, f.pusher.calls, 1)
	assert.Equal(t, "sender-device", f.pusher.calls[0], "sender is excluded from vendor push")

	// A second pass finds an empty queue and emits nothing new.
	f.worker.drain(ctx)
	assert.Len(t, f.events.device, 1)
	assert.Len(t, f.events.topic, 1)
}

func TestDrainInvalidatesListCacheAndCachesMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.addConversation(t, 24*time.Hour)

	require.NoError(t, f.cache.Set(ctx, cache.ConversationMessagesKey(conv.ID), []byte("stale"), time.Hour))
	require.NoError(t, f.queue.Enqueue(ctx, buffered(conv)))

	f.worker.drain(ctx)

	_, ok, err := f.cache.Get(ctx, cache.ConversationMessagesKey(conv.ID))
	require.NoError(t, err)
	assert.False(t, ok, "stale list entry is gone")

	stored, err := f.store.Messages().FindActiveByConversation(ctx, conv.ID, f.clk.Now())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	var cached domain.Message
	ok, err = cache.GetJSON(ctx, f.cache, cache.MessageKey(stored[0].ID), &cached)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, stored[0].ID, cached.ID)
}

func TestMissingConversationExhaustsRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan := &queue.BufferedMessage{
		ServerID:       uuid.New(),
		ConversationID: uuid.New(), // never inserted
		DeviceID:       "sender-device",
		Ciphertext:     "ZW5jcnlwdGVk",
		Type:           domain.MessageText,
	}
	require.NoError(t, f.queue.Enqueue(ctx, orphan))

	// Requeued records land at the tail and come back around inside
	// the same batch, so one pass burns the whole budget.
	f.worker.drain(ctx)

	depth, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "record left the work queue")

	dlq, err := f.queue.DeadLetterSize(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dlq)

	require.Len(t, f.events.device, 1, "MESSAGE_FAILED is emitted exactly once")
	failed := f.events.device[0].event.(hub.MessageFailed)
	assert.Equal(t, orphan.ServerID, failed.ServerID)
	assert.Empty(t, f.events.topic, "no broadcast for a failed message")
	assert.Empty(t, f.pusher.calls)
}

func TestDrainRespectsBatchBound(t *testing.T) {
	f := newFixture(t)
	f.worker.cfg.BatchSize = 2
	ctx := context.Background()
	conv := f.addConversation(t, 24*time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.queue.Enqueue(ctx, buffered(conv)))
	}

	f.worker.drain(ctx)
	depth, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth, "third record waits for the next pass")

	f.worker.drain(ctx)
	depth, err = f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.worker.cfg.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()

	conv := f.addConversation(t, 24*time.Hour)
	require.NoError(t, f.queue.Enqueue(context.Background(), buffered(conv)))

	require.Eventually(t, func() bool {
		msgs, err := f.store.Messages().FindActiveByConversation(context.Background(), conv.ID, f.clk.Now())
		return err == nil && len(msgs) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
