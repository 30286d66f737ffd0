package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/vanish/internal/domain"
	"github.com/google/uuid"
)

// Memory is an in-process Store used by the test suite. It mirrors the
// postgres constraints that matter to the services: the unique
// (conversation, device) participant pair and the one-shot secondary
// slot. WithTx serializes writers; there is no rollback, so a test that
// fails mid-transaction starts from a fresh store like every other.
type Memory struct {
	mu sync.RWMutex
	tx sync.Mutex

	conversations map[uuid.UUID]*domain.Conversation
	participants  map[uuid.UUID]*domain.Participant
	messages      map[uuid.UUID]*domain.Message
	tokens        map[uuid.UUID]*domain.DeviceToken
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[uuid.UUID]*domain.Conversation),
		participants:  make(map[uuid.UUID]*domain.Participant),
		messages:      make(map[uuid.UUID]*domain.Message),
		tokens:        make(map[uuid.UUID]*domain.DeviceToken),
	}
}

func (s *Memory) Conversations() ConversationRepo { return &memConversations{s} }
func (s *Memory) Participants() ParticipantRepo   { return &memParticipants{s} }
func (s *Memory) Messages() MessageRepo           { return &memMessages{s} }
func (s *Memory) DeviceTokens() DeviceTokenRepo   { return &memDeviceTokens{s} }

func (s *Memory) WithTx(_ context.Context, fn func(Store) error) error {
	s.tx.Lock()
	defer s.tx.Unlock()
	return fn(&txMemory{s})
}

func (s *Memory) Ping(context.Context) error { return nil }

// txMemory is the store handed to WithTx callbacks. A nested WithTx
// reuses the already-held transaction lock.
type txMemory struct{ *Memory }

func (s *txMemory) WithTx(_ context.Context, fn func(Store) error) error {
	return fn(s)
}

// --- conversations ---

type memConversations struct{ s *Memory }

func cloneConversation(c *domain.Conversation) *domain.Conversation {
	cp := *c
	return &cp
}

func (r *memConversations) Insert(_ context.Context, c *domain.Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.conversations[c.ID]; ok {
		return ErrUniqueViolation
	}
	r.s.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (r *memConversations) FindByID(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return nil, nil
	}
	return cloneConversation(c), nil
}

func (r *memConversations) FindActiveByInitiator(_ context.Context, deviceID string) ([]*domain.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.Conversation
	for _, c := range r.s.conversations {
		if c.InitiatorDeviceID == deviceID && c.Status == domain.ConversationActive {
			out = append(out, cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memConversations) FindActiveExpiredBefore(_ context.Context, now time.Time) ([]*domain.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.Conversation
	for _, c := range r.s.conversations {
		if c.Status == domain.ConversationActive && !c.ExpiresAt.After(now) {
			out = append(out, cloneConversation(c))
		}
	}
	return out, nil
}

func (r *memConversations) FindDeletedCreatedBefore(_ context.Context, t time.Time) ([]*domain.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.Conversation
	for _, c := range r.s.conversations {
		if c.Status == domain.ConversationDeleted && c.CreatedAt.Before(t) {
			out = append(out, cloneConversation(c))
		}
	}
	return out, nil
}

func (r *memConversations) UpdateStatus(_ context.Context, id uuid.UUID, status domain.ConversationStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.conversations[id]; ok {
		c.Status = status
	}
	return nil
}

func (r *memConversations) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.conversations, id)
	return nil
}

// --- participants ---

type memParticipants struct{ s *Memory }

func cloneParticipant(p *domain.Participant) *domain.Participant {
	cp := *p
	if p.DepartedAt != nil {
		t := *p.DepartedAt
		cp.DepartedAt = &t
	}
	if p.LinkConsumedAt != nil {
		t := *p.LinkConsumedAt
		cp.LinkConsumedAt = &t
	}
	return &cp
}

func (r *memParticipants) Insert(_ context.Context, p *domain.Participant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.participants {
		if existing.ConversationID != p.ConversationID {
			continue
		}
		if existing.DeviceID == p.DeviceID {
			return ErrUniqueViolation
		}
		// Partial unique index: one consumed secondary per conversation.
		if !p.IsInitiator && p.LinkConsumedAt != nil &&
			!existing.IsInitiator && existing.LinkConsumedAt != nil {
			return ErrUniqueViolation
		}
	}
	r.s.participants[p.ID] = cloneParticipant(p)
	return nil
}

func (r *memParticipants) Update(_ context.Context, p *domain.Participant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.participants[p.ID]; ok {
		existing.DepartedAt = nil
		if p.DepartedAt != nil {
			t := *p.DepartedAt
			existing.DepartedAt = &t
		}
		existing.LinkConsumedAt = nil
		if p.LinkConsumedAt != nil {
			t := *p.LinkConsumedAt
			existing.LinkConsumedAt = &t
		}
	}
	return nil
}

func (r *memParticipants) FindByConversation(_ context.Context, convID uuid.UUID) ([]*domain.Participant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.Participant
	for _, p := range r.s.participants {
		if p.ConversationID == convID {
			out = append(out, cloneParticipant(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (r *memParticipants) FindActiveByConversation(ctx context.Context, convID uuid.UUID) ([]*domain.Participant, error) {
	all, err := r.FindByConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memParticipants) FindOne(_ context.Context, convID uuid.UUID, deviceID string) (*domain.Participant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, p := range r.s.participants {
		if p.ConversationID == convID && p.DeviceID == deviceID {
			return cloneParticipant(p), nil
		}
	}
	return nil, nil
}

func (r *memParticipants) HasConsumedSecondary(_ context.Context, convID uuid.UUID) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, p := range r.s.participants {
		if p.ConversationID == convID && p.IsSecondary() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memParticipants) CountActive(_ context.Context, convID uuid.UUID) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	n := 0
	for _, p := range r.s.participants {
		if p.ConversationID == convID && p.IsActive() {
			n++
		}
	}
	return n, nil
}

func (r *memParticipants) DepartAll(_ context.Context, convID uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.participants {
		if p.ConversationID == convID && p.DepartedAt == nil {
			t := at
			p.DepartedAt = &t
		}
	}
	return nil
}

func (r *memParticipants) DeleteByConversation(_ context.Context, convID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, p := range r.s.participants {
		if p.ConversationID == convID {
			delete(r.s.participants, id)
		}
	}
	return nil
}

// --- messages ---

type memMessages struct{ s *Memory }

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	if m.FileRef != nil {
		id := *m.FileRef
		cp.FileRef = &id
	}
	if m.File != nil {
		f := *m.File
		cp.File = &f
	}
	return &cp
}

func (r *memMessages) Insert(_ context.Context, m *domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.messages[m.ID]; ok {
		return ErrUniqueViolation
	}
	r.s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (r *memMessages) Update(_ context.Context, m *domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.messages[m.ID]; ok {
		r.s.messages[m.ID] = cloneMessage(m)
	}
	return nil
}

func (r *memMessages) FindByID(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, nil
	}
	return cloneMessage(m), nil
}

func (r *memMessages) FindByFileRef(_ context.Context, fileID uuid.UUID) (*domain.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, m := range r.s.messages {
		if m.FileRef != nil && *m.FileRef == fileID {
			return cloneMessage(m), nil
		}
	}
	return nil, nil
}

func (r *memMessages) FindActiveByConversation(_ context.Context, convID uuid.UUID, now time.Time) ([]*domain.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.Message
	for _, m := range r.s.messages {
		if m.ConversationID == convID && !m.IsExpired(now) {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memMessages) FindActiveByConversationSince(ctx context.Context, convID uuid.UUID, since, now time.Time) ([]*domain.Message, error) {
	all, err := r.FindActiveByConversation(ctx, convID, now)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.CreatedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memMessages) DeleteByConversation(_ context.Context, convID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, m := range r.s.messages {
		if m.ConversationID == convID {
			delete(r.s.messages, id)
		}
	}
	return nil
}

func (r *memMessages) DeleteExpiredBefore(_ context.Context, t time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, m := range r.s.messages {
		if m.ExpiresAt.Before(t) {
			delete(r.s.messages, id)
			n++
		}
	}
	return n, nil
}

func (r *memMessages) DeleteConsumedReadBefore(_ context.Context, t time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, m := range r.s.messages {
		if m.Consumed && m.ReadAt != nil && m.ReadAt.Before(t) {
			delete(r.s.messages, id)
			n++
		}
	}
	return n, nil
}

func (r *memMessages) DeleteWhereConversationEnded(_ context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, m := range r.s.messages {
		c, ok := r.s.conversations[m.ConversationID]
		if ok && (c.Status == domain.ConversationExpired || c.Status == domain.ConversationDeleted) {
			delete(r.s.messages, id)
			n++
		}
	}
	return n, nil
}

func (r *memMessages) CountByConversation(_ context.Context, convID uuid.UUID) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var n int64
	for _, m := range r.s.messages {
		if m.ConversationID == convID {
			n++
		}
	}
	return n, nil
}

// --- device tokens ---

type memDeviceTokens struct{ s *Memory }

func cloneToken(t *domain.DeviceToken) *domain.DeviceToken {
	cp := *t
	return &cp
}

func (r *memDeviceTokens) Insert(_ context.Context, t *domain.DeviceToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.tokens {
		if existing.Token == t.Token {
			return ErrUniqueViolation
		}
	}
	r.s.tokens[t.ID] = cloneToken(t)
	return nil
}

func (r *memDeviceTokens) Update(_ context.Context, t *domain.DeviceToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tokens[t.ID]; ok {
		r.s.tokens[t.ID] = cloneToken(t)
	}
	return nil
}

func (r *memDeviceTokens) FindByToken(_ context.Context, token string) (*domain.DeviceToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, t := range r.s.tokens {
		if t.Token == token {
			return cloneToken(t), nil
		}
	}
	return nil, nil
}

func (r *memDeviceTokens) FindAllByDevice(_ context.Context, deviceID string) ([]*domain.DeviceToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.DeviceToken
	for _, t := range r.s.tokens {
		if t.DeviceID == deviceID {
			out = append(out, cloneToken(t))
		}
	}
	return out, nil
}

func (r *memDeviceTokens) FindActiveByDevices(_ context.Context, deviceIDs []string) ([]*domain.DeviceToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	want := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		want[id] = struct{}{}
	}
	var out []*domain.DeviceToken
	for _, t := range r.s.tokens {
		if _, ok := want[t.DeviceID]; ok && t.Active {
			out = append(out, cloneToken(t))
		}
	}
	return out, nil
}

func (r *memDeviceTokens) DeactivateByToken(_ context.Context, token string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.tokens {
		if t.Token == token {
			t.Active = false
		}
	}
	return nil
}

func (r *memDeviceTokens) DeleteByDevice(_ context.Context, deviceID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, t := range r.s.tokens {
		if t.DeviceID == deviceID {
			delete(r.s.tokens, id)
		}
	}
	return nil
}
