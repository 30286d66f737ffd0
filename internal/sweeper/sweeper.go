// Package sweeper is the hourly janitor: it deletes what has expired,
// hard-deletes what was torn down, and transitions conversations whose
// TTL has elapsed. Every step is independent; a failing step is logged
// and the sweep moves on.
package sweeper

import (
	"context"
	"time"

	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/monitoring"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/rs/zerolog"
)

// Pusher notifies participants of expiry.
type Pusher interface {
	NotifyConversationExpired(ctx context.Context, conv *domain.Conversation)
}

// Files cleans up the date-folder staging area.
type Files interface {
	CleanupBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type Config struct {
	Interval      time.Duration // sweep cadence, default 1 h
	ConsumedGrace time.Duration // consumed messages linger this long, default 1 h
	DeletedGrace  time.Duration // DELETED conversations linger this long, default 1 h
	FileRetention time.Duration // file folders linger this long, default 24 h
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.ConsumedGrace <= 0 {
		c.ConsumedGrace = time.Hour
	}
	if c.DeletedGrace <= 0 {
		c.DeletedGrace = time.Hour
	}
	if c.FileRetention <= 0 {
		c.FileRetention = 24 * time.Hour
	}
	return c
}

type Sweeper struct {
	cfg    Config
	store  store.Store
	cache  cache.Cache
	pusher Pusher
	files  Files
	clk    clock.Clock
	logger zerolog.Logger
}

func New(cfg Config, st store.Store, c cache.Cache, pusher Pusher, files Files, clk clock.Clock, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		cfg:    cfg.withDefaults(),
		store:  st,
		cache:  c,
		pusher: pusher,
		files:  files,
		clk:    clk,
		logger: logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps on the configured cadence until ctx is cancelled. The
// first sweep happens one interval in, not at startup.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs all six steps once.
func (s *Sweeper) Sweep(ctx context.Context) {
	monitoring.SweeperRuns.Inc()
	now := s.clk.Now()

	s.step("expired_messages", func() error {
		n, err := s.store.Messages().DeleteExpiredBefore(ctx, now)
		if n > 0 {
			s.logger.Info().Int64("count", n).Msg("Deleted expired messages")
		}
		return err
	})

	s.step("consumed_messages", func() error {
		n, err := s.store.Messages().DeleteConsumedReadBefore(ctx, now.Add(-s.cfg.ConsumedGrace))
		if n > 0 {
			s.logger.Info().Int64("count", n).Msg("Deleted consumed messages")
		}
		return err
	})

	s.step("orphaned_messages", func() error {
		n, err := s.store.Messages().DeleteWhereConversationEnded(ctx)
		if n > 0 {
			s.logger.Info().Int64("count", n).Msg("Deleted messages of ended conversations")
		}
		return err
	})

	s.step("expire_conversations", func() error {
		return s.expireConversations(ctx, now)
	})

	s.step("purge_deleted", func() error {
		return s.purgeDeleted(ctx, now.Add(-s.cfg.DeletedGrace))
	})

	s.step("file_folders", func() error {
		_, err := s.files.CleanupBefore(ctx, now.Add(-s.cfg.FileRetention))
		return err
	})
}

func (s *Sweeper) step(name string, fn func() error) {
	if err := fn(); err != nil {
		monitoring.SweeperErrors.WithLabelValues(name).Inc()
		s.logger.Error().Err(err).Str("step", name).Msg("Sweeper step failed")
	}
}

// expireConversations moves lapsed ACTIVE conversations to EXPIRED and
// tells every device that ever joined.
func (s *Sweeper) expireConversations(ctx context.Context, now time.Time) error {
	lapsed, err := s.store.Conversations().FindActiveExpiredBefore(ctx, now)
	if err != nil {
		return err
	}
	for _, conv := range lapsed {
		if err := s.store.Conversations().UpdateStatus(ctx, conv.ID, domain.ConversationExpired); err != nil {
			s.logger.Error().Err(err).Stringer("conversation_id", conv.ID).Msg("Failed to expire conversation")
			continue
		}
		monitoring.ConversationsExpired.Inc()
		s.invalidate(ctx, conv)
		s.pusher.NotifyConversationExpired(ctx, conv)
		s.logger.Info().Stringer("conversation_id", conv.ID).Msg("Conversation expired")
	}
	return nil
}

// purgeDeleted hard-deletes conversations that have been DELETED past
// the grace window, with their participants and any straggler
// messages, in one transaction each.
func (s *Sweeper) purgeDeleted(ctx context.Context, cutoff time.Time) error {
	stale, err := s.store.Conversations().FindDeletedCreatedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, conv := range stale {
		err := s.store.WithTx(ctx, func(st store.Store) error {
			if err := st.Messages().DeleteByConversation(ctx, conv.ID); err != nil {
				return err
			}
			if err := st.Participants().DeleteByConversation(ctx, conv.ID); err != nil {
				return err
			}
			return st.Conversations().Delete(ctx, conv.ID)
		})
		if err != nil {
			s.logger.Error().Err(err).Stringer("conversation_id", conv.ID).Msg("Failed to purge conversation")
			continue
		}
		s.invalidate(ctx, conv)
		s.logger.Info().Stringer("conversation_id", conv.ID).Msg("Conversation purged")
	}
	return nil
}

func (s *Sweeper) invalidate(ctx context.Context, conv *domain.Conversation) {
	keys := []string{
		cache.ConversationKey(conv.ID),
		cache.ConversationMessagesKey(conv.ID),
		cache.DeviceConversationsKey(conv.InitiatorDeviceID),
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to invalidate conversation caches")
	}
}
