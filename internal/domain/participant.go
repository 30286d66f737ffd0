package domain

import (
	"time"

	"github.com/google/uuid"
)

// Participant is a device's membership in a conversation. The pair
// (ConversationID, DeviceID) is unique. A conversation has at most one
// participant that consumed the share link across its whole lifetime;
// a device rejoining clears DepartedAt instead of consuming a second
// link slot.
type Participant struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversationId"`
	DeviceID       string     `json:"deviceId"`
	IsInitiator    bool       `json:"isInitiator"`
	JoinedAt       time.Time  `json:"joinedAt"`
	DepartedAt     *time.Time `json:"departedAt,omitempty"`
	LinkConsumedAt *time.Time `json:"linkConsumedAt,omitempty"`
}

// IsActive reports whether the participant has not departed.
func (p *Participant) IsActive() bool {
	return p.DepartedAt == nil
}

// IsSecondary reports whether this participant joined by consuming the
// one-shot share link.
func (p *Participant) IsSecondary() bool {
	return !p.IsInitiator && p.LinkConsumedAt != nil
}
