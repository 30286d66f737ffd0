// Package domain defines the persistent entities of the ephemeral
// messaging core and the pure predicates over them. Nothing here does
// I/O; all time comparisons take an explicit UTC instant so that the
// services, the sweeper, and the tests share one clock.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is monotonic: ACTIVE may move to EXPIRED or
// DELETED, and neither terminal state ever reverts.
type ConversationStatus string

const (
	ConversationActive  ConversationStatus = "ACTIVE"
	ConversationExpired ConversationStatus = "EXPIRED"
	ConversationDeleted ConversationStatus = "DELETED"
)

// Conversation is a time-limited two-party room. The initiator device
// created it and holds sole delete authority.
type Conversation struct {
	ID                uuid.UUID          `json:"id"`
	InitiatorDeviceID string             `json:"initiatorDeviceId"`
	Status            ConversationStatus `json:"status"`
	ExpiresAt         time.Time          `json:"expiresAt"`
	CreatedAt         time.Time          `json:"createdAt"`
}

// IsLive reports whether the conversation accepts writes: status is
// ACTIVE and the TTL has not elapsed.
func (c *Conversation) IsLive(now time.Time) bool {
	return c.Status == ConversationActive && now.Before(c.ExpiresAt)
}

func (c *Conversation) IsDeleted() bool {
	return c.Status == ConversationDeleted
}
