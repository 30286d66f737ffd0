package filestore

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adred-codev/vanish/internal/async"
	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Service
	store store.Store
	cache cache.Cache
	clk   *clock.Fake
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := cache.NewMemory(clk)
	st := store.NewMemory()
	dir := t.TempDir()
	pool := async.NewPool(1, 16, zerolog.Nop())
	svc := NewService(Config{BaseDir: dir}, st, c, pool, clk, zerolog.Nop())
	return &fixture{svc: svc, store: st, cache: c, clk: clk, dir: dir}
}

func (f *fixture) seed(t *testing.T) *domain.Conversation {
	t.Helper()
	ctx := context.Background()
	now := f.clk.Now()
	conv := &domain.Conversation{
		ID:                uuid.New(),
		InitiatorDeviceID: "device-1",
		Status:            domain.ConversationActive,
		CreatedAt:         now,
		ExpiresAt:         now.Add(24 * time.Hour),
	}
	require.NoError(t, f.store.Conversations().Insert(ctx, conv))
	require.NoError(t, f.store.Participants().Insert(ctx, &domain.Participant{
		ID: uuid.New(), ConversationID: conv.ID, DeviceID: "device-1", IsInitiator: true, JoinedAt: now,
	}))
	return conv
}

func upload(body []byte) UploadRequest {
	return UploadRequest{
		Data:     base64.StdEncoding.EncodeToString(body),
		Name:     "secret.pdf",
		MimeType: "application/pdf",
		Nonce:    "bm9uY2U=",
	}
}

func TestUploadStagesAndRecordsMessage(t *testing.T) {
	f := newFixture(t)
	conv := f.seed(t)
	ctx := context.Background()
	body := []byte("ciphertext bytes")

	msg, err := f.svc.Upload(ctx, conv.ID, "device-1", upload(body))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFile, msg.Type)
	require.NotNil(t, msg.FileRef)
	require.NotNil(t, msg.File)
	assert.Equal(t, int64(len(body)), msg.File.Size, "size is the decoded length")
	assert.Empty(t, msg.File.StorageRef, "not yet promoted")
	assert.Equal(t, conv.ExpiresAt, msg.ExpiresAt)

	_, ok, err := f.cache.Get(ctx, cache.FileUploadKey(*msg.FileRef))
	require.NoError(t, err)
	assert.True(t, ok, "ciphertext parked in the cache")
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)
	conv := f.seed(t)
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, conv.ID, "device-1", UploadRequest{Data: "   "})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = f.svc.Upload(ctx, conv.ID, "device-1", UploadRequest{Data: "not-base64!!"})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = f.svc.Upload(ctx, conv.ID, "device-9", upload([]byte("x")))
	assert.True(t, domain.IsKind(err, domain.KindForbidden))
}

func TestPromoteWritesDiskAndDropsCache(t *testing.T) {
	f := newFixture(t)
	conv := f.seed(t)
	ctx := context.Background()
	body := []byte("ciphertext bytes")

	msg, err := f.svc.Upload(ctx, conv.ID, "device-1", upload(body))
	require.NoError(t, err)

	f.svc.promote(*msg.FileRef, msg.ID)

	wantPath := filepath.Join(f.dir, "2026-03-01", msg.FileRef.String()+".enc")
	data, err := os.ReadFile(wantPath)
	require.NoError(t, err)
	assert.Equal(t, body, data, "decoded bytes on disk")

	updated, err := f.store.Messages().FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, wantPath, updated.File.StorageRef)

	_, ok, err := f.cache.Get(ctx, cache.FileUploadKey(*msg.FileRef))
	require.NoError(t, err)
	assert.False(t, ok, "staged copy removed after promotion")
}

func TestDownloadBeforePromotionServesFromCache(t *testing.T) {
	f := newFixture(t)
	conv := f.seed(t)
	ctx := context.Background()
	body := []byte("ciphertext bytes")

	msg, err := f.svc.Upload(ctx, conv.ID, "device-1", upload(body))
	require.NoError(t, err)

	data, got, err := f.svc.Download(ctx, *msg.FileRef)
	require.NoError(t, err)
	assert.Equal(t, body, data)
	assert.Equal(t, msg.ID, got.ID)
}

func TestDownloadAfterPromotionServesFromDisk(t *testing.T) {
	f := newFixture(t)
	conv := f.seed(t)
	ctx := context.Background()
	body := []byte("ciphertext bytes")

	msg, err := f.svc.Upload(ctx, conv.ID, "device-1", upload(body))
	require.NoError(t, err)
	f.svc.promote(*msg.FileRef, msg.ID)

	data, _, err := f.svc.Download(ctx, *msg.FileRef)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestDownloadRejectsMissingAndExpired(t *testing.T) {
	f := newFixture(t)
	conv := f.seed(t)
	ctx := context.Background()

	_, _, err := f.svc.Download(ctx, uuid.New())
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	msg, err := f.svc.Upload(ctx, conv.ID, "device-1", upload([]byte("x")))
	require.NoError(t, err)

	f.clk.Advance(25 * time.Hour)
	_, _, err = f.svc.Download(ctx, *msg.FileRef)
	assert.True(t, domain.IsKind(err, domain.KindGone))
}

func TestCleanupRemovesOldDateFolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"2026-02-26", "2026-02-28", "2026-03-01", "not-a-date"} {
		require.NoError(t, os.MkdirAll(filepath.Join(f.dir, name), 0o750))
	}

	removed, err := f.svc.CleanupBefore(ctx, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"2026-03-01", "not-a-date"}, names)
}
