package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/vanish/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so
// the same repository code serves both the pooled and the
// transactional store.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier // pool normally, tx inside WithTx
}

// Connect opens a pool against databaseURL with a statement timeout so
// a wedged query cannot hold a request handler forever.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.ConnConfig.RuntimeParams["statement_timeout"] = "5000"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, q: pool}, nil
}

// Migrate applies the schema DDL. Idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.q.Exec(ctx, schema)
	return err
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *Postgres) Conversations() ConversationRepo { return &pgConversations{q: p.q} }
func (p *Postgres) Participants() ParticipantRepo   { return &pgParticipants{q: p.q} }
func (p *Postgres) Messages() MessageRepo           { return &pgMessages{q: p.q} }
func (p *Postgres) DeviceTokens() DeviceTokenRepo   { return &pgDeviceTokens{q: p.q} }

func (p *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := p.q.(pgx.Tx); inTx {
		return fn(p)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Postgres{pool: p.pool, q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
// The join path maps it to Conflict: losing the check-then-insert race
// on the secondary slot is the same outcome as a consumed link.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return errors.Is(err, ErrUniqueViolation)
}

// --- conversations ---

type pgConversations struct{ q querier }

const conversationCols = `id, initiator_device_id, status, expires_at, created_at`

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var c domain.Conversation
	err := row.Scan(&c.ID, &c.InitiatorDeviceID, &c.Status, &c.ExpiresAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *pgConversations) Insert(ctx context.Context, c *domain.Conversation) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO conversations (`+conversationCols+`) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.InitiatorDeviceID, c.Status, c.ExpiresAt, c.CreatedAt)
	return err
}

func (r *pgConversations) FindByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	return scanConversation(r.q.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id))
}

func (r *pgConversations) FindActiveByInitiator(ctx context.Context, deviceID string) ([]*domain.Conversation, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE initiator_device_id = $1 AND status = $2
		 ORDER BY created_at DESC`,
		deviceID, domain.ConversationActive)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

func (r *pgConversations) FindActiveExpiredBefore(ctx context.Context, now time.Time) ([]*domain.Conversation, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE status = $1 AND expires_at <= $2`,
		domain.ConversationActive, now)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

func (r *pgConversations) FindDeletedCreatedBefore(ctx context.Context, t time.Time) ([]*domain.Conversation, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE status = $1 AND created_at < $2`,
		domain.ConversationDeleted, t)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

func collectConversations(rows pgx.Rows) ([]*domain.Conversation, error) {
	defer rows.Close()
	var out []*domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.InitiatorDeviceID, &c.Status, &c.ExpiresAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *pgConversations) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ConversationStatus) error {
	_, err := r.q.Exec(ctx, `UPDATE conversations SET status = $2 WHERE id = $1`, id, status)
	return err
}

func (r *pgConversations) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	return err
}

// --- participants ---

type pgParticipants struct{ q querier }

const participantCols = `id, conversation_id, device_id, is_initiator, joined_at, departed_at, link_consumed_at`

func (r *pgParticipants) Insert(ctx context.Context, p *domain.Participant) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO conversation_participants (`+participantCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.ConversationID, p.DeviceID, p.IsInitiator, p.JoinedAt, p.DepartedAt, p.LinkConsumedAt)
	return err
}

func (r *pgParticipants) Update(ctx context.Context, p *domain.Participant) error {
	_, err := r.q.Exec(ctx,
		`UPDATE conversation_participants
		 SET departed_at = $2, link_consumed_at = $3
		 WHERE id = $1`,
		p.ID, p.DepartedAt, p.LinkConsumedAt)
	return err
}

func (r *pgParticipants) FindByConversation(ctx context.Context, convID uuid.UUID) ([]*domain.Participant, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+participantCols+` FROM conversation_participants
		 WHERE conversation_id = $1 ORDER BY joined_at`, convID)
	if err != nil {
		return nil, err
	}
	return collectParticipants(rows)
}

func (r *pgParticipants) FindActiveByConversation(ctx context.Context, convID uuid.UUID) ([]*domain.Participant, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+participantCols+` FROM conversation_participants
		 WHERE conversation_id = $1 AND departed_at IS NULL ORDER BY joined_at`, convID)
	if err != nil {
		return nil, err
	}
	return collectParticipants(rows)
}

func collectParticipants(rows pgx.Rows) ([]*domain.Participant, error) {
	defer rows.Close()
	var out []*domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.DeviceID, &p.IsInitiator, &p.JoinedAt, &p.DepartedAt, &p.LinkConsumedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *pgParticipants) FindOne(ctx context.Context, convID uuid.UUID, deviceID string) (*domain.Participant, error) {
	var p domain.Participant
	err := r.q.QueryRow(ctx,
		`SELECT `+participantCols+` FROM conversation_participants
		 WHERE conversation_id = $1 AND device_id = $2`, convID, deviceID).
		Scan(&p.ID, &p.ConversationID, &p.DeviceID, &p.IsInitiator, &p.JoinedAt, &p.DepartedAt, &p.LinkConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pgParticipants) HasConsumedSecondary(ctx context.Context, convID uuid.UUID) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND is_initiator = FALSE AND link_consumed_at IS NOT NULL
		 )`, convID).Scan(&exists)
	return exists, err
}

func (r *pgParticipants) CountActive(ctx context.Context, convID uuid.UUID) (int, error) {
	var n int
	err := r.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_participants
		 WHERE conversation_id = $1 AND departed_at IS NULL`, convID).Scan(&n)
	return n, err
}

func (r *pgParticipants) DepartAll(ctx context.Context, convID uuid.UUID, at time.Time) error {
	_, err := r.q.Exec(ctx,
		`UPDATE conversation_participants SET departed_at = $2
		 WHERE conversation_id = $1 AND departed_at IS NULL`, convID, at)
	return err
}

func (r *pgParticipants) DeleteByConversation(ctx context.Context, convID uuid.UUID) error {
	_, err := r.q.Exec(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = $1`, convID)
	return err
}

// --- messages ---

type pgMessages struct{ q querier }

const messageCols = `id, conversation_id, ciphertext, nonce, tag, message_type, created_at, expires_at,
	read_at, consumed, sender_device_id, file_ref, file_name, file_size, file_mime_type, file_storage_ref`

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	var convID *uuid.UUID
	var name, mime, storage *string
	var size *int64
	err := row.Scan(&m.ID, &convID, &m.Ciphertext, &m.Nonce, &m.Tag, &m.Type,
		&m.CreatedAt, &m.ExpiresAt, &m.ReadAt, &m.Consumed, &m.SenderDeviceID,
		&m.FileRef, &name, &size, &mime, &storage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if convID != nil {
		m.ConversationID = *convID
	}
	if name != nil || size != nil || mime != nil || storage != nil {
		m.File = &domain.FileMeta{}
		if name != nil {
			m.File.Name = *name
		}
		if size != nil {
			m.File.Size = *size
		}
		if mime != nil {
			m.File.MimeType = *mime
		}
		if storage != nil {
			m.File.StorageRef = *storage
		}
	}
	return &m, nil
}

func messageArgs(m *domain.Message) []any {
	var name, mime, storage *string
	var size *int64
	if m.File != nil {
		name, mime = &m.File.Name, &m.File.MimeType
		size = &m.File.Size
		if m.File.StorageRef != "" {
			storage = &m.File.StorageRef
		}
	}
	var convID *uuid.UUID
	if m.ConversationID != uuid.Nil {
		convID = &m.ConversationID
	}
	return []any{m.ID, convID, m.Ciphertext, m.Nonce, m.Tag, m.Type,
		m.CreatedAt, m.ExpiresAt, m.ReadAt, m.Consumed, m.SenderDeviceID,
		m.FileRef, name, size, mime, storage}
}

func (r *pgMessages) Insert(ctx context.Context, m *domain.Message) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO messages (`+messageCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		messageArgs(m)...)
	return err
}

func (r *pgMessages) Update(ctx context.Context, m *domain.Message) error {
	var storage *string
	if m.File != nil && m.File.StorageRef != "" {
		storage = &m.File.StorageRef
	}
	_, err := r.q.Exec(ctx,
		`UPDATE messages SET read_at = $2, consumed = $3, file_storage_ref = $4 WHERE id = $1`,
		m.ID, m.ReadAt, m.Consumed, storage)
	return err
}

func (r *pgMessages) FindByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	return scanMessage(r.q.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = $1`, id))
}

func (r *pgMessages) FindByFileRef(ctx context.Context, fileID uuid.UUID) (*domain.Message, error) {
	return scanMessage(r.q.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages WHERE file_ref = $1`, fileID))
}

func (r *pgMessages) FindActiveByConversation(ctx context.Context, convID uuid.UUID, now time.Time) ([]*domain.Message, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1 AND expires_at > $2
		 ORDER BY created_at ASC`, convID, now)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *pgMessages) FindActiveByConversationSince(ctx context.Context, convID uuid.UUID, since, now time.Time) ([]*domain.Message, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1 AND expires_at > $2 AND created_at > $3
		 ORDER BY created_at ASC`, convID, now, since)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]*domain.Message, error) {
	defer rows.Close()
	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *pgMessages) DeleteByConversation(ctx context.Context, convID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, convID)
	return err
}

func (r *pgMessages) DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM messages WHERE expires_at < $1`, t)
	return tag.RowsAffected(), err
}

func (r *pgMessages) DeleteConsumedReadBefore(ctx context.Context, t time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx,
		`DELETE FROM messages WHERE consumed = TRUE AND read_at IS NOT NULL AND read_at < $1`, t)
	return tag.RowsAffected(), err
}

func (r *pgMessages) DeleteWhereConversationEnded(ctx context.Context) (int64, error) {
	tag, err := r.q.Exec(ctx,
		`DELETE FROM messages WHERE conversation_id IN (
			SELECT id FROM conversations WHERE status IN ($1, $2)
		 )`, domain.ConversationExpired, domain.ConversationDeleted)
	return tag.RowsAffected(), err
}

func (r *pgMessages) CountByConversation(ctx context.Context, convID uuid.UUID) (int64, error) {
	var n int64
	err := r.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, convID).Scan(&n)
	return n, err
}

// --- device tokens ---

type pgDeviceTokens struct{ q querier }

const tokenCols = `id, device_id, apns_token, active, created_at, updated_at`

func (r *pgDeviceTokens) Insert(ctx context.Context, t *domain.DeviceToken) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO device_tokens (`+tokenCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.DeviceID, t.Token, t.Active, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *pgDeviceTokens) Update(ctx context.Context, t *domain.DeviceToken) error {
	_, err := r.q.Exec(ctx,
		`UPDATE device_tokens SET device_id = $2, active = $3, updated_at = $4 WHERE id = $1`,
		t.ID, t.DeviceID, t.Active, t.UpdatedAt)
	return err
}

func (r *pgDeviceTokens) FindByToken(ctx context.Context, token string) (*domain.DeviceToken, error) {
	var t domain.DeviceToken
	err := r.q.QueryRow(ctx,
		`SELECT `+tokenCols+` FROM device_tokens WHERE apns_token = $1`, token).
		Scan(&t.ID, &t.DeviceID, &t.Token, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *pgDeviceTokens) FindAllByDevice(ctx context.Context, deviceID string) ([]*domain.DeviceToken, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+tokenCols+` FROM device_tokens WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

func (r *pgDeviceTokens) FindActiveByDevices(ctx context.Context, deviceIDs []string) ([]*domain.DeviceToken, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+tokenCols+` FROM device_tokens WHERE active = TRUE AND device_id = ANY($1)`, deviceIDs)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

func collectTokens(rows pgx.Rows) ([]*domain.DeviceToken, error) {
	defer rows.Close()
	var out []*domain.DeviceToken
	for rows.Next() {
		var t domain.DeviceToken
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.Token, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *pgDeviceTokens) DeactivateByToken(ctx context.Context, token string) error {
	_, err := r.q.Exec(ctx,
		`UPDATE device_tokens SET active = FALSE WHERE apns_token = $1`, token)
	return err
}

func (r *pgDeviceTokens) DeleteByDevice(ctx context.Context, deviceID string) error {
	_, err := r.q.Exec(ctx, `DELETE FROM device_tokens WHERE device_id = $1`, deviceID)
	return err
}
