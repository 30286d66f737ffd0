package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPusher struct {
	expired []uuid.UUID
}

func (r *recordingPusher) NotifyConversationExpired(_ context.Context, conv *domain.Conversation) {
	r.expired = append(r.expired, conv.ID)
}

type fakeFiles struct {
	mu      sync.Mutex
	calls   int
	cutoffs []time.Time
	err     error
}

func (f *fakeFiles) CleanupBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cutoffs = append(f.cutoffs, cutoff)
	return 0, f.err
}

func (f *fakeFiles) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	sweeper *Sweeper
	store   store.Store
	cache   cache.Cache
	pusher  *recordingPusher
	files   *fakeFiles
	clk     *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := cache.NewMemory(clk)
	st := store.NewMemory()
	pusher := &recordingPusher{}
	files := &fakeFiles{}
	sw := New(Config{}, st, c, pusher, files, clk, zerolog.Nop())
	return &fixture{sweeper: sw, store: st, cache: c, pusher: pusher, files: files, clk: clk}
}

func (f *fixture) addConversation(t *testing.T, status domain.ConversationStatus, expiresIn time.Duration) *domain.Conversation {
	t.Helper()
	now := f.clk.Now()
	conv := &domain.Conversation{
		ID:                uuid.New(),
		InitiatorDeviceID: "device-1",
		Status:            status,
		CreatedAt:         now.Add(-2 * time.Hour),
		ExpiresAt:         now.Add(expiresIn),
	}
	require.NoError(t, f.store.Conversations().Insert(context.Background(), conv))
	return conv
}

func (f *fixture) addMessage(t *testing.T, conv *domain.Conversation, mutate func(*domain.Message)) *domain.Message {
	t.Helper()
	m := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Ciphertext:     "x",
		Type:           domain.MessageText,
		CreatedAt:      f.clk.Now().Add(-time.Hour),
		ExpiresAt:      conv.ExpiresAt,
		SenderDeviceID: "device-1",
	}
	if mutate != nil {
		mutate(m)
	}
	require.NoError(t, f.store.Messages().Insert(context.Background(), m))
	return m
}

func TestSweepDeletesExpiredMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.addConversation(t, domain.ConversationActive, 24*time.Hour)

	gone := f.addMessage(t, conv, func(m *domain.Message) {
		m.ExpiresAt = f.clk.Now().Add(-time.Minute)
	})
	kept := f.addMessage(t, conv, nil)

	f.sweeper.Sweep(ctx)

	m, err := f.store.Messages().FindByID(ctx, gone.ID)
	require.NoError(t, err)
	assert.Nil(t, m)
	m, err = f.store.Messages().FindByID(ctx, kept.ID)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestSweepDeletesConsumedMessagesAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.addConversation(t, domain.ConversationActive, 24*time.Hour)

	old := f.clk.Now().Add(-2 * time.Hour)
	fresh := f.clk.Now().Add(-time.Minute)
	staleRead := f.addMessage(t, conv, func(m *domain.Message) {
		m.Consumed = true
		m.ReadAt = &old
	})
	recentRead := f.addMessage(t, conv, func(m *domain.Message) {
		m.Consumed = true
		m.ReadAt = &fresh
	})

	f.sweeper.Sweep(ctx)

	m, err := f.store.Messages().FindByID(ctx, staleRead.ID)
	require.NoError(t, err)
	assert.Nil(t, m, "consumed an hour ago is swept")
	m, err = f.store.Messages().FindByID(ctx, recentRead.ID)
	require.NoError(t, err)
	assert.NotNil(t, m, "recently consumed survives the grace window")
}

func TestSweepExpiresLapsedConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lapsed := f.addConversation(t, domain.ConversationActive, -time.Minute)
	live := f.addConversation(t, domain.ConversationActive, 24*time.Hour)

	require.NoError(t, f.cache.Set(ctx, cache.ConversationKey(lapsed.ID), []byte("stale"), time.Hour))

	f.sweeper.Sweep(ctx)

	got, err := f.store.Conversations().FindByID(ctx, lapsed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationExpired, got.Status)
	got, err = f.store.Conversations().FindByID(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationActive, got.Status)

	assert.Equal(t, []uuid.UUID{lapsed.ID}, f.pusher.expired, "expiry is pushed")
	_, ok, err := f.cache.Get(ctx, cache.ConversationKey(lapsed.ID))
	require.NoError(t, err)
	assert.False(t, ok, "stale cache entry invalidated")
}

func TestSweepPurgesDeletedConversationsAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.addConversation(t, domain.ConversationDeleted, 24*time.Hour)
	require.NoError(t, f.store.Participants().Insert(ctx, &domain.Participant{
		ID: uuid.New(), ConversationID: stale.ID, DeviceID: "device-1", IsInitiator: true, JoinedAt: stale.CreatedAt,
	}))

	f.sweeper.Sweep(ctx)

	got, err := f.store.Conversations().FindByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "hard-deleted")
	ps, err := f.store.Participants().FindByConversation(ctx, stale.ID)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestSweepCleansFileFolders(t *testing.T) {
	f := newFixture(t)
	f.sweeper.Sweep(context.Background())
	require.Equal(t, 1, f.files.callCount())
	assert.Equal(t, f.clk.Now().Add(-24*time.Hour), f.files.cutoffs[0])
}

func TestStepFailureDoesNotAbortSweep(t *testing.T) {
	f := newFixture(t)
	f.files.err = errors.New("disk on fire")
	lapsed := f.addConversation(t, domain.ConversationActive, -time.Minute)

	f.sweeper.Sweep(context.Background())

	got, err := f.store.Conversations().FindByID(context.Background(), lapsed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationExpired, got.Status, "other steps still ran")
	assert.Equal(t, 1, f.files.callCount(), "failing step was attempted")
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.sweeper.cfg.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.files.callCount() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
