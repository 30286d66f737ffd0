package conversation

import (
	"context"
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
	deleted []string // excluded device per call
}

func (r *recordingPusher) NotifyConversationDeleted(_ context.Context, _ *domain.Conversation, excludeDeviceID string) {
	r.deleted = append(r.deleted, excludeDeviceID)
}

type fixture struct {
	svc    *Service
	store  store.Store
	cache  cache.Cache
	pusher *recordingPusher
	clk    *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := cache.NewMemory(clk)
	st := store.NewMemory()
	pusher := &recordingPusher{}
	svc := NewService(Config{ShareBaseURL: "https://vanish.example"}, st, c, pusher, clk, zerolog.Nop())
	return &fixture{svc: svc, store: st, cache: c, pusher: pusher, clk: clk}
}

func TestCreateSetsExpiryAndInitiator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.svc.Create(ctx, "device-1", 48)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationActive, conv.Status)
	assert.Equal(t, f.clk.Now().Add(48*time.Hour), conv.ExpiresAt)

	ps, err := f.store.Participants().FindByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.True(t, ps[0].IsInitiator)
	assert.Equal(t, "device-1", ps[0].DeviceID)
	assert.Nil(t, ps[0].LinkConsumedAt, "the initiator never consumes the link")
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "  ", 24)
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = f.svc.Create(ctx, "device-1", 9000)
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	conv, err := f.svc.Create(ctx, "device-1", 0)
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now().Add(defaultTTLHours*time.Hour), conv.ExpiresAt, "zero takes the default")
}

func TestCreateHonorsConfiguredDefaultTTL(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Config{ShareBaseURL: "https://vanish.example", DefaultTTLHours: 48},
		store.NewMemory(), cache.NewMemory(clk), &recordingPusher{}, clk, zerolog.Nop())

	conv, err := svc.Create(context.Background(), "device-1", 0)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(48*time.Hour), conv.ExpiresAt)
}

func TestGetPrefersCacheThenRefills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, "device-1", 24)
	require.NoError(t, err)

	// Remove the row; the cached copy still answers.
	require.NoError(t, f.store.Conversations().Delete(ctx, conv.ID))
	got, err := f.svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	// Drop the cache entry too and it is genuinely gone.
	require.NoError(t, f.cache.Del(ctx, cache.ConversationKey(conv.ID)))
	_, err = f.svc.Get(ctx, conv.ID)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestListForDeviceFiltersExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	short, err := f.svc.Create(ctx, "device-1", 1)
	require.NoError(t, err)
	long, err := f.svc.Create(ctx, "device-1", 48)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, "device-2", 48)
	require.NoError(t, err)

	f.clk.Advance(2 * time.Hour)
	live, err := f.svc.ListForDevice(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, long.ID, live[0].ID)
	assert.NotEqual(t, short.ID, live[0].ID)
}

func TestListForDeviceIsCacheFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, "device-1", 24)
	require.NoError(t, err)

	first, err := f.svc.ListForDevice(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Remove the row; the cached list still answers.
	require.NoError(t, f.store.Conversations().Delete(ctx, conv.ID))
	second, err := f.svc.ListForDevice(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, conv.ID, second[0].ID)

	// Creating another conversation invalidates the cached list.
	other, err := f.svc.Create(ctx, "device-1", 24)
	require.NoError(t, err)
	third, err := f.svc.ListForDevice(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, other.ID, third[0].ID)
}

func TestJoinConsumesLinkOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, "device-1", 24)
	require.NoError(t, err)

	p, err := f.svc.Join(ctx, conv.ID, "device-2")
	require.NoError(t, err)
	assert.False(t, p.IsInitiator)
	require.NotNil(t, p.LinkConsumedAt)

	// A third device cannot take the consumed slot.
	_, err = f.svc.Join(ctx, conv.ID, "device-3")
	assert.True(t, domain.IsKind(err, domain.KindConflict))

	active, err := f.svc.ActiveParticipants(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestJoinRejectsDeadConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, uuid.New(), "device-2")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	conv, err := f.svc.Create(ctx, "device-1", 1)
	require.NoError(t, err)
	f.clk.Advance(2 * time.Hour)
	_, err = f.svc.Join(ctx, conv.ID, "device-2")
	assert.True(t, domain.IsKind(err, domain.KindConflict), "expired conversations reject joins")
}

func TestLeaveAndRejoinKeepTheSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, "device-1", 24)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, conv.ID, "device-2")
	require.NoError(t, err)

	require.NoError(t, f.svc.Leave(ctx, conv.ID, "device-2"))
	active, err := f.svc.IsActiveParticipant(ctx, conv.ID, "device-2")
	require.NoError(t, err)
	assert.False(t, active)

	// Leaving again is a no-op.
	require.NoError(t, f.svc.Leave(ctx, conv.ID, "device-2"))

	// The departed device may rejoin; the slot was already consumed so
	// no third party can slip in between.
	p, err := f.svc.Join(ctx, conv.ID, "device-2")
	require.NoError(t, err)
	assert.Nil(t, p.DepartedAt)

	_, err = f.svc.Join(ctx, conv.ID, "device-3")
	assert.True(t, domain.IsKind(err, domain.KindConflict))
}

func TestInitiatorLeaveDoesNotEndConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, "device-1", 24)
	require.NoError(t, err)

	require.NoError(t, f.svc.Leave(ctx, conv.ID, "device-1"))
	got, err := f.store.Conversations().FindByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationActive, got.Status)
}

func TestDeleteIsInitiatorOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, "device-1", 24)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, conv.ID, "device-2")
	require.NoError(t, err)

	err = f.svc.Delete(ctx, conv.ID, "device-2")
	assert.True(t, domain.IsKind(err, domain.KindForbidden))

	require.NoError(t, f.svc.Delete(ctx, conv.ID, "device-1"))
	got, err := f.store.Conversations().FindByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationDeleted, got.Status)

	active, err := f.store.Participants().FindActiveByConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, active, "everyone is departed")

	require.Len(t, f.pusher.deleted, 1)
	assert.Equal(t, "device-1", f.pusher.deleted[0], "the caller is not notified")
}

func TestDeleteCascadesMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, "device-1", 24)
	require.NoError(t, err)

	require.NoError(t, f.store.Messages().Insert(ctx, &domain.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Ciphertext:     "x",
		Type:           domain.MessageText,
		CreatedAt:      f.clk.Now(),
		ExpiresAt:      conv.ExpiresAt,
		SenderDeviceID: "device-1",
	}))

	require.NoError(t, f.svc.Delete(ctx, conv.ID, "device-1"))
	n, err := f.store.Messages().CountByConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIsAccessibleTracksLiveness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.svc.IsAccessible(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)

	conv, err := f.svc.Create(ctx, "device-1", 1)
	require.NoError(t, err)
	ok, err = f.svc.IsAccessible(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	f.clk.Advance(2 * time.Hour)
	// The cached copy carries the expiry, so liveness flips without a
	// store round-trip.
	ok, err = f.svc.IsAccessible(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShareURL(t *testing.T) {
	f := newFixture(t)
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	assert.Equal(t, "https://vanish.example/join/550e8400-e29b-41d4-a716-446655440000", f.svc.ShareURL(id))
}
