// Package filestore implements two-phase encrypted file staging. Phase
// one parks the base64 ciphertext in the cache and records a message
// row; phase two runs on the shared task pool, decoding the payload
// onto disk under a date folder and updating the storage reference.
package filestore

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adred-codev/vanish/internal/async"
	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const dateLayout = "2006-01-02"

// Config locates the staging area.
type Config struct {
	BaseDir    string
	StagingTTL time.Duration // cache lifetime before promotion, default 1 h
}

func (c Config) withDefaults() Config {
	if c.StagingTTL <= 0 {
		c.StagingTTL = time.Hour
	}
	return c
}

// UploadRequest carries the encrypted file and its open metadata.
type UploadRequest struct {
	Data     string `json:"data"` // base64 ciphertext
	Name     string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Nonce    string `json:"nonce"`
	Tag      string `json:"tag,omitempty"`
}

type Service struct {
	cfg    Config
	store  store.Store
	cache  cache.Cache
	pool   *async.Pool
	clk    clock.Clock
	logger zerolog.Logger
}

func NewService(cfg Config, st store.Store, c cache.Cache, pool *async.Pool, clk clock.Clock, logger zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  st,
		cache:  c,
		pool:   pool,
		clk:    clk,
		logger: logger.With().Str("component", "filestore").Logger(),
	}
}

// Upload stages the ciphertext and returns immediately; the disk write
// happens asynchronously. The returned message carries the file
// reference clients later download by.
func (s *Service) Upload(ctx context.Context, convID uuid.UUID, deviceID string, req UploadRequest) (*domain.Message, error) {
	if strings.TrimSpace(req.Data) == "" {
		return nil, domain.E(domain.KindValidation, "file data is required")
	}
	decoded, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return nil, domain.E(domain.KindValidation, "file data is not valid base64")
	}

	conv, err := s.authorizeWrite(ctx, convID, deviceID)
	if err != nil {
		return nil, err
	}

	fileID := uuid.New()
	if err := s.cache.Set(ctx, cache.FileUploadKey(fileID), []byte(req.Data), s.cfg.StagingTTL); err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, "file staging unavailable", err)
	}

	now := s.clk.Now()
	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		Nonce:          req.Nonce,
		Tag:            req.Tag,
		Type:           domain.MessageFile,
		CreatedAt:      now,
		ExpiresAt:      conv.ExpiresAt,
		SenderDeviceID: deviceID,
		FileRef:        &fileID,
		File: &domain.FileMeta{
			Name:     req.Name,
			Size:     int64(len(decoded)),
			MimeType: req.MimeType,
		},
	}
	err = s.store.WithTx(ctx, func(st store.Store) error {
		return st.Messages().Insert(ctx, msg)
	})
	if err != nil {
		// The cache entry expires on its own; no cleanup needed.
		return nil, domain.Wrap(domain.KindInternal, "persist file message", err)
	}

	if err := s.cache.Del(ctx, cache.ConversationMessagesKey(convID)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to invalidate message list cache")
	}

	s.pool.Submit(func() { s.promote(fileID, msg.ID) })
	s.logger.Info().
		Stringer("file_id", fileID).
		Int64("size", msg.File.Size).
		Msg("File staged for promotion")
	return msg, nil
}

// promote moves one staged file from cache to disk and records where
// it landed. Failure leaves the cache entry in place; downloads fall
// back to it until the TTL runs out.
func (s *Service) promote(fileID, messageID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw, ok, err := s.cache.Get(ctx, cache.FileUploadKey(fileID))
	if err != nil || !ok {
		s.logger.Error().Err(err).Stringer("file_id", fileID).Msg("Staged file missing from cache, promotion skipped")
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		s.logger.Error().Err(err).Stringer("file_id", fileID).Msg("Staged file is not valid base64")
		return
	}

	dir := filepath.Join(s.cfg.BaseDir, s.clk.Now().Format(dateLayout))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		s.logger.Error().Err(err).Str("dir", dir).Msg("Failed to create date folder")
		return
	}
	path := filepath.Join(dir, fileID.String()+".enc")
	if err := os.WriteFile(path, decoded, 0o640); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to write file")
		return
	}

	err = s.store.WithTx(ctx, func(st store.Store) error {
		msg, err := st.Messages().FindByID(ctx, messageID)
		if err != nil {
			return err
		}
		if msg == nil {
			return fmt.Errorf("message %s vanished before promotion", messageID)
		}
		if msg.File == nil {
			msg.File = &domain.FileMeta{}
		}
		msg.File.StorageRef = path
		return st.Messages().Update(ctx, msg)
	})
	if err != nil {
		s.logger.Error().Err(err).Stringer("file_id", fileID).Msg("Failed to record storage reference")
		return
	}

	if err := s.cache.Del(ctx, cache.FileUploadKey(fileID)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to drop staged file from cache")
	}
	s.logger.Info().Stringer("file_id", fileID).Str("path", path).Msg("File promoted to disk")
}

// Download returns the decrypted-by-nobody bytes for a staged or
// promoted file. A download racing promotion is served from the cache.
func (s *Service) Download(ctx context.Context, fileID uuid.UUID) ([]byte, *domain.Message, error) {
	msg, err := s.store.Messages().FindByFileRef(ctx, fileID)
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindInternal, "find file message", err)
	}
	if msg == nil {
		return nil, nil, domain.E(domain.KindNotFound, "file not found")
	}
	if msg.IsExpired(s.clk.Now()) {
		return nil, nil, domain.E(domain.KindGone, "file expired")
	}

	if msg.File != nil && msg.File.StorageRef != "" {
		data, err := os.ReadFile(msg.File.StorageRef)
		if err == nil {
			return data, msg, nil
		}
		s.logger.Warn().Err(err).Stringer("file_id", fileID).Msg("Disk read failed, trying cache")
	}

	raw, ok, err := s.cache.Get(ctx, cache.FileUploadKey(fileID))
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindUnavailable, "file staging unavailable", err)
	}
	if !ok {
		return nil, nil, domain.E(domain.KindNotFound, "file content not found")
	}
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindInternal, "decode staged file", err)
	}
	return decoded, msg, nil
}

// CleanupBefore removes whole date folders older than the cutoff date.
// Files inside share the folder's date, so folder granularity is
// enough.
func (s *Service) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	cutoffDay := cutoff.Format(dateLayout)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(dateLayout, e.Name()); err != nil {
			continue // not a date folder
		}
		if e.Name() > cutoffDay {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.cfg.BaseDir, e.Name())); err != nil {
			s.logger.Error().Err(err).Str("dir", e.Name()).Msg("Failed to remove date folder")
			continue
		}
		removed++
		s.logger.Info().Str("dir", e.Name()).Msg("Removed expired file folder")
	}
	return removed, nil
}

func (s *Service) authorizeWrite(ctx context.Context, convID uuid.UUID, deviceID string) (*domain.Conversation, error) {
	conv, err := s.store.Conversations().FindByID(ctx, convID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "find conversation", err)
	}
	if conv == nil {
		return nil, domain.E(domain.KindNotFound, "conversation not found")
	}
	if !conv.IsLive(s.clk.Now()) {
		return nil, domain.E(domain.KindConflict, "conversation is not active")
	}
	p, err := s.store.Participants().FindOne(ctx, convID, deviceID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "find participant", err)
	}
	if p == nil || !p.IsActive() {
		return nil, domain.E(domain.KindForbidden, "device is not an active participant")
	}
	return conv, nil
}
