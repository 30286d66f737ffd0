// Package message owns both ingestion paths and the single-shot read
// model. The pipeline path hands off to the queue and answers with a
// receipt; the direct path is synchronous and durable before it
// returns.
package message

import (
	"context"
	"time"

	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/queue"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Tier decides the payload cap for a device.
type Tier int

const (
	TierFree Tier = iota
	TierPremium
)

const (
	freeLimit    = 100 * 1024       // 100 KB
	premiumLimit = 10 * 1024 * 1024 // 10 MB
)

// TierResolver maps a device to its tier. The default treats every
// device as free tier.
type TierResolver func(deviceID string) Tier

// StatusQueued is the receipt status for the pipeline path: accepted,
// not yet durable.
const StatusQueued = "QUEUED_FOR_PROCESSING"

// Payload is the encrypted envelope a client submits. The server never
// inspects the ciphertext.
type Payload struct {
	Ciphertext string             `json:"ciphertext"`
	Nonce      string             `json:"nonce"`
	Tag        string             `json:"tag,omitempty"`
	Type       domain.MessageType `json:"messageType"`
	File       *domain.FileMeta   `json:"file,omitempty"`
}

func (p Payload) size() int {
	return len(p.Ciphertext) + len(p.Nonce) + len(p.Tag)
}

// Receipt acknowledges a buffered send before the message is durable.
type Receipt struct {
	ServerID uuid.UUID `json:"serverId"`
	Status   string    `json:"status"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Pusher is the vendor push slice the direct path needs.
type Pusher interface {
	NotifyNewMessage(ctx context.Context, conv *domain.Conversation, excludeDeviceID string)
}

type Config struct {
	CacheTTL time.Duration // message caches, default 24 h
	Tier     TierResolver
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.Tier == nil {
		c.Tier = func(string) Tier { return TierFree }
	}
	return c
}

type Service struct {
	cfg    Config
	store  store.Store
	cache  cache.Cache
	queue  *queue.Queue
	pusher Pusher
	clk    clock.Clock
	logger zerolog.Logger
}

func NewService(cfg Config, st store.Store, c cache.Cache, q *queue.Queue, pusher Pusher, clk clock.Clock, logger zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  st,
		cache:  c,
		queue:  q,
		pusher: pusher,
		clk:    clk,
		logger: logger.With().Str("component", "message").Logger(),
	}
}

// SendBuffered is the fast path: validate, enqueue, return a receipt.
// Durability and fan-out happen in the pipeline worker.
func (s *Service) SendBuffered(ctx context.Context, convID uuid.UUID, deviceID string, p Payload) (*Receipt, error) {
	if err := s.checkPayload(deviceID, p); err != nil {
		return nil, err
	}
	if _, err := s.authorizeWrite(ctx, convID, deviceID); err != nil {
		return nil, err
	}

	now := s.clk.Now()
	m := &queue.BufferedMessage{
		ServerID:       uuid.New(),
		ConversationID: convID,
		DeviceID:       deviceID,
		Ciphertext:     p.Ciphertext,
		Nonce:          p.Nonce,
		Tag:            p.Tag,
		Type:           p.Type,
		File:           p.File,
		QueuedAt:       now,
	}
	if err := s.queue.Enqueue(ctx, m); err != nil {
		return nil, err
	}
	return &Receipt{ServerID: m.ServerID, Status: StatusQueued, QueuedAt: now}, nil
}

// Create is the direct path: the message is durable before the caller
// gets a response. Vendor push to the other participant is triggered
// here; hub delivery is reconciled by the client via ListSince.
func (s *Service) Create(ctx context.Context, convID uuid.UUID, deviceID string, p Payload) (*domain.Message, error) {
	if err := s.checkPayload(deviceID, p); err != nil {
		return nil, err
	}
	conv, err := s.authorizeWrite(ctx, convID, deviceID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		Ciphertext:     p.Ciphertext,
		Nonce:          p.Nonce,
		Tag:            p.Tag,
		Type:           p.Type,
		CreatedAt:      now,
		ExpiresAt:      conv.ExpiresAt,
		SenderDeviceID: deviceID,
		File:           p.File,
	}
	err = s.store.WithTx(ctx, func(st store.Store) error {
		return st.Messages().Insert(ctx, msg)
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "persist message", err)
	}

	s.invalidateList(ctx, convID)
	s.cacheMessage(ctx, msg)
	s.pusher.NotifyNewMessage(ctx, conv, deviceID)
	return msg, nil
}

// List is cache-first. A populated cache entry answers directly; a
// miss queries the store ascending by creation time and refills.
func (s *Service) List(ctx context.Context, convID uuid.UUID) ([]*domain.Message, error) {
	var cached []*domain.Message
	ok, err := cache.GetJSON(ctx, s.cache, cache.ConversationMessagesKey(convID), &cached)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Message list cache read failed, falling through")
	}
	if ok {
		return cached, nil
	}

	msgs, err := s.store.Messages().FindActiveByConversation(ctx, convID, s.clk.Now())
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "list messages", err)
	}
	if err := cache.SetJSON(ctx, s.cache, cache.ConversationMessagesKey(convID), msgs, s.cfg.CacheTTL); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to cache message list")
	}
	return msgs, nil
}

// ListSince always bypasses the cache; reconnecting clients use it to
// reconcile events they missed.
func (s *Service) ListSince(ctx context.Context, convID uuid.UUID, since time.Time) ([]*domain.Message, error) {
	msgs, err := s.store.Messages().FindActiveByConversationSince(ctx, convID, since, s.clk.Now())
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "list messages since", err)
	}
	return msgs, nil
}

// Consume is the single-shot read: the first caller gets the payload,
// every later caller gets Gone. The flip happens inside a transaction
// so two racing readers cannot both win.
func (s *Service) Consume(ctx context.Context, convID, messageID uuid.UUID) (*domain.Message, error) {
	now := s.clk.Now()
	var msg *domain.Message
	err := s.store.WithTx(ctx, func(st store.Store) error {
		var err error
		msg, err = st.Messages().FindByID(ctx, messageID)
		if err != nil {
			return err
		}
		if msg == nil || msg.ConversationID != convID {
			return domain.E(domain.KindNotFound, "message not found")
		}
		if msg.Consumed {
			return domain.E(domain.KindGone, "message already consumed")
		}
		if msg.IsExpired(now) {
			return domain.E(domain.KindGone, "message expired")
		}
		msg.Consumed = true
		msg.ReadAt = &now
		return st.Messages().Update(ctx, msg)
	})
	if err != nil {
		if domain.KindOf(err) != domain.KindInternal {
			return nil, err
		}
		return nil, domain.Wrap(domain.KindInternal, "consume message", err)
	}

	s.invalidateList(ctx, convID)
	if err := s.cache.Del(ctx, cache.MessageKey(messageID)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to invalidate message cache")
	}
	s.logger.Debug().Stringer("message_id", messageID).Msg("Message consumed")
	return msg, nil
}

// checkPayload validates shape and enforces the tier cap on
// ciphertext+nonce+tag.
func (s *Service) checkPayload(deviceID string, p Payload) error {
	if p.Ciphertext == "" {
		return domain.E(domain.KindValidation, "ciphertext is required")
	}
	switch p.Type {
	case domain.MessageText, domain.MessageSticker, domain.MessageImage, domain.MessageFile:
	default:
		return domain.E(domain.KindValidation, "unknown message type")
	}

	limit := freeLimit
	if s.cfg.Tier(deviceID) == TierPremium {
		limit = premiumLimit
	}
	if p.size() > limit {
		return domain.E(domain.KindPayloadTooLarge, "message exceeds tier limit")
	}
	return nil
}

// authorizeWrite resolves the conversation and checks the caller may
// write to it.
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

func (s *Service) invalidateList(ctx context.Context, convID uuid.UUID) {
	if err := s.cache.Del(ctx, cache.ConversationMessagesKey(convID)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to invalidate message list cache")
	}
}

func (s *Service) cacheMessage(ctx context.Context, m *domain.Message) {
	if err := cache.SetJSON(ctx, s.cache, cache.MessageKey(m.ID), m, s.cfg.CacheTTL); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to cache message")
	}
}
