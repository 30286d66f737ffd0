// Package store is the durable, transactional record store. Postgres
// (pgx) backs production; an in-memory implementation backs tests and
// keeps the service layer honest about using only this interface.
//
// Lookup methods return (nil, nil) when the record is absent; the
// service layer owns the translation to domain errors.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/adred-codev/vanish/internal/domain"
	"github.com/google/uuid"
)

// ErrUniqueViolation is returned by the in-memory store where postgres
// would raise a unique-constraint error. IsUniqueViolation recognizes
// both.
var ErrUniqueViolation = errors.New("unique constraint violation")

type Store interface {
	Conversations() ConversationRepo
	Participants() ParticipantRepo
	Messages() MessageRepo
	DeviceTokens() DeviceTokenRepo

	// WithTx runs fn against a store bound to a single transaction.
	// Any error rolls back. Nested calls reuse the enclosing
	// transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	Ping(ctx context.Context) error
}

type ConversationRepo interface {
	Insert(ctx context.Context, c *domain.Conversation) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	FindActiveByInitiator(ctx context.Context, deviceID string) ([]*domain.Conversation, error)
	// FindActiveExpiredBefore returns ACTIVE conversations whose TTL
	// elapsed at or before now; the sweeper transitions them.
	FindActiveExpiredBefore(ctx context.Context, now time.Time) ([]*domain.Conversation, error)
	FindDeletedCreatedBefore(ctx context.Context, t time.Time) ([]*domain.Conversation, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ConversationStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type ParticipantRepo interface {
	Insert(ctx context.Context, p *domain.Participant) error
	Update(ctx context.Context, p *domain.Participant) error
	FindByConversation(ctx context.Context, convID uuid.UUID) ([]*domain.Participant, error)
	FindActiveByConversation(ctx context.Context, convID uuid.UUID) ([]*domain.Participant, error)
	FindOne(ctx context.Context, convID uuid.UUID, deviceID string) (*domain.Participant, error)
	// HasConsumedSecondary reports whether the conversation's one-shot
	// share link has ever been consumed.
	HasConsumedSecondary(ctx context.Context, convID uuid.UUID) (bool, error)
	CountActive(ctx context.Context, convID uuid.UUID) (int, error)
	DepartAll(ctx context.Context, convID uuid.UUID, at time.Time) error
	DeleteByConversation(ctx context.Context, convID uuid.UUID) error
}

type MessageRepo interface {
	Insert(ctx context.Context, m *domain.Message) error
	Update(ctx context.Context, m *domain.Message) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	FindByFileRef(ctx context.Context, fileID uuid.UUID) (*domain.Message, error)
	// FindActiveByConversation returns unexpired messages ascending by
	// creation time.
	FindActiveByConversation(ctx context.Context, convID uuid.UUID, now time.Time) ([]*domain.Message, error)
	FindActiveByConversationSince(ctx context.Context, convID uuid.UUID, since, now time.Time) ([]*domain.Message, error)
	DeleteByConversation(ctx context.Context, convID uuid.UUID) error
	DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error)
	DeleteConsumedReadBefore(ctx context.Context, t time.Time) (int64, error)
	// DeleteWhereConversationEnded removes messages whose parent
	// conversation is EXPIRED or DELETED.
	DeleteWhereConversationEnded(ctx context.Context) (int64, error)
	CountByConversation(ctx context.Context, convID uuid.UUID) (int64, error)
}

type DeviceTokenRepo interface {
	Insert(ctx context.Context, t *domain.DeviceToken) error
	Update(ctx context.Context, t *domain.DeviceToken) error
	FindByToken(ctx context.Context, token string) (*domain.DeviceToken, error)
	FindAllByDevice(ctx context.Context, deviceID string) ([]*domain.DeviceToken, error)
	FindActiveByDevices(ctx context.Context, deviceIDs []string) ([]*domain.DeviceToken, error)
	DeactivateByToken(ctx context.Context, token string) error
	DeleteByDevice(ctx context.Context, deviceID string) error
}
