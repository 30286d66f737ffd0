// Package queue is the ingestion buffer between the fast enqueue path
// and the pipeline worker. It is a single FIFO list in the cache;
// records that exhaust their retry budget move to a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/monitoring"
	"github.com/google/uuid"
)

// BufferedMessage is the transient record living on the queue from
// enqueue until the worker either persists a Message or dead-letters
// the record.
type BufferedMessage struct {
	ServerID       uuid.UUID          `json:"serverId"`
	ConversationID uuid.UUID          `json:"conversationId"`
	DeviceID       string             `json:"deviceId"`
	Ciphertext     string             `json:"ciphertext"`
	Nonce          string             `json:"nonce"`
	Tag            string             `json:"tag,omitempty"`
	Type           domain.MessageType `json:"messageType"`
	File           *domain.FileMeta   `json:"file,omitempty"`
	QueuedAt       time.Time          `json:"queuedAt"`
	RetryCount     int                `json:"retryCount"`
}

// Queue wraps the cache FIFO under the message_queue key.
type Queue struct {
	cache  cache.Cache
	dlqTTL time.Duration
}

func New(c cache.Cache, dlqTTL time.Duration) *Queue {
	return &Queue{cache: c, dlqTTL: dlqTTL}
}

// Enqueue right-pushes the record. This is the request hot path; it
// touches only the cache.
func (q *Queue) Enqueue(ctx context.Context, m *BufferedMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal buffered message: %w", err)
	}
	if err := q.cache.PushRight(ctx, cache.QueueKey, data); err != nil {
		return domain.Wrap(domain.KindUnavailable, "ingestion queue unavailable", err)
	}
	monitoring.MessagesEnqueued.Inc()
	return nil
}

// Dequeue left-pops one record. ok=false means the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*BufferedMessage, bool, error) {
	data, ok, err := q.cache.PopLeft(ctx, cache.QueueKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var m BufferedMessage
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt record cannot be retried; send the raw bytes to the
		// DLQ so it is inspectable instead of poisoning the queue.
		_ = q.cache.PushRight(ctx, cache.DeadLetterKey, data)
		monitoring.PipelineDeadLettered.Inc()
		return nil, false, fmt.Errorf("unmarshal buffered message: %w", err)
	}
	return &m, true, nil
}

// Requeue puts a failed record back at the tail for another attempt.
// The caller bumps RetryCount first.
func (q *Queue) Requeue(ctx context.Context, m *BufferedMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal buffered message: %w", err)
	}
	if err := q.cache.PushRight(ctx, cache.QueueKey, data); err != nil {
		return domain.Wrap(domain.KindUnavailable, "ingestion queue unavailable", err)
	}
	monitoring.PipelineRetries.Inc()
	return nil
}

// Size reports the queue length for backpressure observation.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.cache.ListLen(ctx, cache.QueueKey)
}

// DeadLetterSize reports the DLQ length.
func (q *Queue) DeadLetterSize(ctx context.Context) (int64, error) {
	return q.cache.ListLen(ctx, cache.DeadLetterKey)
}

// DeadLetter moves a terminally failed record to the DLQ and refreshes
// the DLQ's TTL so abandoned records eventually vanish with everything
// else.
func (q *Queue) DeadLetter(ctx context.Context, m *BufferedMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := q.cache.PushRight(ctx, cache.DeadLetterKey, data); err != nil {
		return err
	}
	monitoring.PipelineDeadLettered.Inc()
	if q.dlqTTL > 0 {
		_ = q.cache.Expire(ctx, cache.DeadLetterKey, q.dlqTTL)
	}
	return nil
}
