// Package pipeline drains the ingestion queue into durable storage and
// fans out delivery events. One worker keeps per-conversation FIFO
// ordering; running more trades ordering for throughput.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/hub"
	"github.com/adred-codev/vanish/internal/monitoring"
	"github.com/adred-codev/vanish/internal/queue"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventPublisher is the slice of the hub the worker needs.
type EventPublisher interface {
	PublishTopic(destination string, event any)
	PublishDevice(deviceID string, event any)
}

// Pusher wakes offline devices after a message lands.
type Pusher interface {
	NotifyNewMessage(ctx context.Context, conv *domain.Conversation, excludeDeviceID string)
}

// Config tunes the drain loop.
type Config struct {
	Interval        time.Duration // delay between drain passes
	BatchSize       int           // max records per pass
	RetryLimit      int           // attempts before dead-lettering
	MessageCacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.MessageCacheTTL <= 0 {
		c.MessageCacheTTL = 24 * time.Hour
	}
	return c
}

// Worker is the scheduled loop behind the fast enqueue path.
type Worker struct {
	cfg    Config
	queue  *queue.Queue
	store  store.Store
	cache  cache.Cache
	events EventPublisher
	pusher Pusher
	clk    clock.Clock
	logger zerolog.Logger
}

func NewWorker(cfg Config, q *queue.Queue, st store.Store, c cache.Cache, events EventPublisher, pusher Pusher, clk clock.Clock, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:    cfg.withDefaults(),
		queue:  q,
		store:  st,
		cache:  c,
		events: events,
		pusher: pusher,
		clk:    clk,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run drains the queue until ctx is cancelled. The in-flight batch is
// finished before returning, so shutdown never abandons a popped
// record.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("interval", w.cfg.Interval).
		Int("batch_size", w.cfg.BatchSize).
		Msg("Pipeline worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Pipeline worker stopped")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes up to BatchSize records. The batch bound keeps a
// deep queue from starving the rest of the process.
func (w *Worker) drain(ctx context.Context) {
	for i := 0; i < w.cfg.BatchSize; i++ {
		m, ok, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to dequeue buffered message")
			return
		}
		if !ok {
			break
		}
		if err := w.process(ctx, m); err != nil {
			w.retryOrDeadLetter(ctx, m, err)
			continue
		}
		monitoring.PipelineProcessed.Inc()
	}

	if depth, err := w.queue.Size(ctx); err == nil {
		monitoring.QueueDepth.Set(float64(depth))
	}
	if depth, err := w.queue.DeadLetterSize(ctx); err == nil {
		monitoring.DeadLetterDepth.Set(float64(depth))
	}
}

// process makes one buffered record durable and emits its events.
func (w *Worker) process(ctx context.Context, m *queue.BufferedMessage) error {
	conv, err := w.store.Conversations().FindByID(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not found", m.ConversationID)
	}

	now := w.clk.Now()
	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Ciphertext:     m.Ciphertext,
		Nonce:          m.Nonce,
		Tag:            m.Tag,
		Type:           m.Type,
		CreatedAt:      now,
		ExpiresAt:      conv.ExpiresAt, // messages never outlive their conversation
		SenderDeviceID: m.DeviceID,
		File:           m.File,
	}
	if err := w.store.Messages().Insert(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	// Cache writes are best-effort; the row above is the source of
	// truth.
	if err := w.cache.Del(ctx, cache.ConversationMessagesKey(conv.ID)); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to invalidate message list cache")
	}
	if err := cache.SetJSON(ctx, w.cache, cache.MessageKey(msg.ID), msg, w.cfg.MessageCacheTTL); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to cache message")
	}

	w.events.PublishDevice(m.DeviceID, hub.NewMessageDelivered(m.ServerID, msg.ID, now))
	w.events.PublishTopic(hub.TopicConversation(conv.ID), hub.NewNewMessage(conv.ID, msg.ID))
	w.pusher.NotifyNewMessage(ctx, conv, m.DeviceID)

	w.logger.Debug().
		Stringer("server_id", m.ServerID).
		Stringer("message_id", msg.ID).
		Stringer("conversation_id", conv.ID).
		Msg("Buffered message persisted")
	return nil
}

// retryOrDeadLetter re-enqueues at the tail until the record has burned
// its budget, then dead-letters it and tells the sender. MESSAGE_FAILED
// is emitted exactly once, here, and never alongside MESSAGE_DELIVERED.
func (w *Worker) retryOrDeadLetter(ctx context.Context, m *queue.BufferedMessage, cause error) {
	m.RetryCount++
	if m.RetryCount < w.cfg.RetryLimit {
		w.logger.Warn().Err(cause).
			Stringer("server_id", m.ServerID).
			Int("retry_count", m.RetryCount).
			Msg("Message processing failed, requeueing")
		if err := w.queue.Requeue(ctx, m); err != nil {
			w.logger.Error().Err(err).Stringer("server_id", m.ServerID).Msg("Failed to requeue, dead-lettering")
			w.deadLetter(ctx, m)
		}
		return
	}

	w.logger.Error().Err(cause).
		Stringer("server_id", m.ServerID).
		Int("retry_count", m.RetryCount).
		Msg("Message exhausted retry budget")
	w.deadLetter(ctx, m)
}

func (w *Worker) deadLetter(ctx context.Context, m *queue.BufferedMessage) {
	if err := w.queue.DeadLetter(ctx, m); err != nil {
		w.logger.Error().Err(err).Stringer("server_id", m.ServerID).Msg("Failed to dead-letter message")
	}
	w.events.PublishDevice(m.DeviceID, hub.NewMessageFailed(m.ServerID, w.clk.Now()))
}
