package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeviceToken binds an opaque vendor push token to a device. The token
// string is globally unique; re-registering it under another device
// moves ownership instead of duplicating the row. A device holds at
// most one active token.
type DeviceToken struct {
	ID        uuid.UUID `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Token     string    `json:"token"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
