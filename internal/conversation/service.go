// Package conversation owns the two-party room lifecycle: creation,
// one-shot link join, leave/rejoin, and initiator-only teardown.
package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultTTLHours = 24
	maxTTLHours     = 168 // one week

	deviceListTTL = 5 * time.Minute
)

// Pusher is the slice of the vendor push bridge the service needs.
type Pusher interface {
	NotifyConversationDeleted(ctx context.Context, conv *domain.Conversation, excludeDeviceID string)
}

// Config tunes caching, the share link base, and the TTL applied when a
// creation request leaves ttlHours unset.
type Config struct {
	ShareBaseURL    string
	CacheTTL        time.Duration // conversation cache entries, default 7 days
	DefaultTTLHours int
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 7 * 24 * time.Hour
	}
	if c.DefaultTTLHours <= 0 {
		c.DefaultTTLHours = defaultTTLHours
	}
	return c
}

type Service struct {
	cfg    Config
	store  store.Store
	cache  cache.Cache
	pusher Pusher
	clk    clock.Clock
	logger zerolog.Logger
}

func NewService(cfg Config, st store.Store, c cache.Cache, pusher Pusher, clk clock.Clock, logger zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  st,
		cache:  c,
		pusher: pusher,
		clk:    clk,
		logger: logger.With().Str("component", "conversation").Logger(),
	}
}

// Create materializes a conversation with the caller as initiator.
// ttlHours of zero takes the default; anything out of range is a
// validation error.
func (s *Service) Create(ctx context.Context, deviceID string, ttlHours int) (*domain.Conversation, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, domain.E(domain.KindValidation, "device id is required")
	}
	if ttlHours == 0 {
		ttlHours = s.cfg.DefaultTTLHours
	}
	if ttlHours < 0 || ttlHours > maxTTLHours {
		return nil, domain.E(domain.KindValidation, "ttlHours out of range")
	}

	now := s.clk.Now()
	conv := &domain.Conversation{
		ID:                uuid.New(),
		InitiatorDeviceID: deviceID,
		Status:            domain.ConversationActive,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(ttlHours) * time.Hour),
	}
	initiator := &domain.Participant{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		DeviceID:       deviceID,
		IsInitiator:    true,
		JoinedAt:       now,
	}

	err := s.store.WithTx(ctx, func(st store.Store) error {
		if err := st.Conversations().Insert(ctx, conv); err != nil {
			return err
		}
		return st.Participants().Insert(ctx, initiator)
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "create conversation", err)
	}

	s.cacheConversation(ctx, conv)
	s.invalidateDeviceList(ctx, deviceID)
	s.logger.Info().
		Stringer("conversation_id", conv.ID).
		Int("ttl_hours", ttlHours).
		Msg("Conversation created")
	return conv, nil
}

// Get is cache-first; a miss falls through to the store and refills.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	var cached domain.Conversation
	ok, err := cache.GetJSON(ctx, s.cache, cache.ConversationKey(id), &cached)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Conversation cache read failed, falling through")
	}
	if ok {
		return &cached, nil
	}

	conv, err := s.store.Conversations().FindByID(ctx, id)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "find conversation", err)
	}
	if conv == nil {
		return nil, domain.E(domain.KindNotFound, "conversation not found")
	}
	s.cacheConversation(ctx, conv)
	return conv, nil
}

// IsAccessible reports whether the conversation exists, is ACTIVE, and
// has not passed its expiry.
func (s *Service) IsAccessible(ctx context.Context, id uuid.UUID) (bool, error) {
	conv, err := s.Get(ctx, id)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return conv.IsLive(s.clk.Now()), nil
}

// ListForDevice returns the caller's initiated, still-live
// conversations. The list is cached briefly; create and delete
// invalidate it, expiry inside the window rides out the short TTL.
func (s *Service) ListForDevice(ctx context.Context, deviceID string) ([]*domain.Conversation, error) {
	key := cache.DeviceConversationsKey(deviceID)
	var cached []*domain.Conversation
	ok, err := cache.GetJSON(ctx, s.cache, key, &cached)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Device list cache read failed, falling through")
	}
	if ok {
		return cached, nil
	}

	convs, err := s.store.Conversations().FindActiveByInitiator(ctx, deviceID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "list conversations", err)
	}
	now := s.clk.Now()
	live := make([]*domain.Conversation, 0, len(convs))
	for _, c := range convs {
		if c.IsLive(now) {
			live = append(live, c)
		}
	}
	if err := cache.SetJSON(ctx, s.cache, key, live, deviceListTTL); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to cache device conversation list")
	}
	return live, nil
}

// Delete tears the conversation down: participants departed, status
// DELETED, messages gone, all in one transaction. Only the initiator
// may do this.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, deviceID string) error {
	now := s.clk.Now()
	var conv *domain.Conversation
	err := s.store.WithTx(ctx, func(st store.Store) error {
		var err error
		conv, err = st.Conversations().FindByID(ctx, id)
		if err != nil {
			return err
		}
		if conv == nil {
			return domain.E(domain.KindNotFound, "conversation not found")
		}
		if conv.InitiatorDeviceID != deviceID {
			return domain.E(domain.KindForbidden, "only the initiator can delete a conversation")
		}
		if err := st.Participants().DepartAll(ctx, id, now); err != nil {
			return err
		}
		if err := st.Messages().DeleteByConversation(ctx, id); err != nil {
			return err
		}
		return st.Conversations().UpdateStatus(ctx, id, domain.ConversationDeleted)
	})
	if err != nil {
		if domain.KindOf(err) != domain.KindInternal {
			return err
		}
		return domain.Wrap(domain.KindInternal, "delete conversation", err)
	}

	s.invalidateConversation(ctx, id)
	s.invalidateDeviceList(ctx, deviceID)
	s.pusher.NotifyConversationDeleted(ctx, conv, deviceID)
	s.logger.Info().Stringer("conversation_id", id).Msg("Conversation deleted")
	return nil
}

// Join consumes the one-shot share link. The secondary slot is guarded
// twice: a pre-check inside the transaction, and a partial unique index
// that turns a concurrent double-join into a constraint violation.
func (s *Service) Join(ctx context.Context, convID uuid.UUID, deviceID string) (*domain.Participant, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, domain.E(domain.KindValidation, "device id is required")
	}

	now := s.clk.Now()
	var joined *domain.Participant
	var rejoin bool
	err := s.store.WithTx(ctx, func(st store.Store) error {
		conv, err := st.Conversations().FindByID(ctx, convID)
		if err != nil {
			return err
		}
		if conv == nil {
			return domain.E(domain.KindNotFound, "conversation not found")
		}
		if !conv.IsLive(now) {
			return domain.E(domain.KindConflict, "conversation is not active")
		}

		existing, err := st.Participants().FindOne(ctx, convID, deviceID)
		if err != nil {
			return err
		}
		if existing != nil {
			rejoin = true
			if existing.DepartedAt != nil {
				existing.DepartedAt = nil
				if err := st.Participants().Update(ctx, existing); err != nil {
					return err
				}
			}
			joined = existing
			return nil
		}

		consumed, err := st.Participants().HasConsumedSecondary(ctx, convID)
		if err != nil {
			return err
		}
		if consumed {
			return domain.E(domain.KindConflict, "link already used")
		}

		p := &domain.Participant{
			ID:             uuid.New(),
			ConversationID: convID,
			DeviceID:       deviceID,
			JoinedAt:       now,
			LinkConsumedAt: &now,
		}
		if err := st.Participants().Insert(ctx, p); err != nil {
			if store.IsUniqueViolation(err) {
				return domain.E(domain.KindConflict, "link already used")
			}
			return err
		}
		joined = p
		return nil
	})
	if err != nil {
		if domain.KindOf(err) != domain.KindInternal {
			return nil, err
		}
		return nil, domain.Wrap(domain.KindInternal, "join conversation", err)
	}

	s.logger.Info().
		Stringer("conversation_id", convID).
		Bool("rejoin", rejoin).
		Msg("Participant joined")
	return joined, nil
}

// Leave marks the caller departed. Idempotent; the conversation status
// never changes here, even when the initiator leaves.
func (s *Service) Leave(ctx context.Context, convID uuid.UUID, deviceID string) error {
	now := s.clk.Now()
	err := s.store.WithTx(ctx, func(st store.Store) error {
		p, err := st.Participants().FindOne(ctx, convID, deviceID)
		if err != nil {
			return err
		}
		if p == nil || p.DepartedAt != nil {
			return nil
		}
		p.DepartedAt = &now
		return st.Participants().Update(ctx, p)
	})
	if err != nil {
		return domain.Wrap(domain.KindInternal, "leave conversation", err)
	}
	return nil
}

// Participants lists every row ever created for the conversation.
func (s *Service) Participants(ctx context.Context, convID uuid.UUID) ([]*domain.Participant, error) {
	ps, err := s.store.Participants().FindByConversation(ctx, convID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "list participants", err)
	}
	return ps, nil
}

// ActiveParticipants lists joined, non-departed participants.
func (s *Service) ActiveParticipants(ctx context.Context, convID uuid.UUID) ([]*domain.Participant, error) {
	ps, err := s.store.Participants().FindActiveByConversation(ctx, convID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "list active participants", err)
	}
	return ps, nil
}

// IsActiveParticipant reports whether the device has joined and not
// departed.
func (s *Service) IsActiveParticipant(ctx context.Context, convID uuid.UUID, deviceID string) (bool, error) {
	p, err := s.store.Participants().FindOne(ctx, convID, deviceID)
	if err != nil {
		return false, domain.Wrap(domain.KindInternal, "find participant", err)
	}
	return p != nil && p.IsActive(), nil
}

// ShareURL builds the join link handed to the secondary device.
func (s *Service) ShareURL(convID uuid.UUID) string {
	return strings.TrimRight(s.cfg.ShareBaseURL, "/") + "/join/" + convID.String()
}

func (s *Service) cacheConversation(ctx context.Context, conv *domain.Conversation) {
	if err := cache.SetJSON(ctx, s.cache, cache.ConversationKey(conv.ID), conv, s.cfg.CacheTTL); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to cache conversation")
	}
}

func (s *Service) invalidateConversation(ctx context.Context, id uuid.UUID) {
	keys := []string{
		cache.ConversationKey(id),
		cache.ConversationMessagesKey(id),
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to invalidate conversation cache")
	}
}

func (s *Service) invalidateDeviceList(ctx context.Context, deviceID string) {
	if err := s.cache.Del(ctx, cache.DeviceConversationsKey(deviceID)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to invalidate device conversation list")
	}
}
