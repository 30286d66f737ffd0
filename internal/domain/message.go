package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageType tags the payload category. The server never interprets
// the ciphertext regardless of type.
type MessageType string

const (
	MessageText    MessageType = "TEXT"
	MessageSticker MessageType = "STICKER"
	MessageImage   MessageType = "IMAGE"
	MessageFile    MessageType = "FILE"
)

// FileMeta describes an encrypted file attached to a message. The
// ciphertext itself lives in the staging cache until promoted to the
// filesystem path recorded in StorageRef.
type FileMeta struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	// StorageRef is the filesystem path once the async promotion has
	// run; empty while the blob is still cache-staged.
	StorageRef string `json:"storageRef,omitempty"`
}

// Message is a ciphertext blob with routing metadata and delivery
// state. IDs are server-assigned. For FILE and IMAGE messages the
// ciphertext column stays empty and FileRef points at the staged blob.
type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversationId,omitempty"`
	Ciphertext     string      `json:"ciphertext"`
	Nonce          string      `json:"nonce"`
	Tag            string      `json:"tag,omitempty"`
	Type           MessageType `json:"messageType"`
	CreatedAt      time.Time   `json:"createdAt"`
	ExpiresAt      time.Time   `json:"expiresAt"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	Consumed       bool        `json:"consumed"`
	SenderDeviceID string      `json:"senderDeviceId,omitempty"`
	FileRef        *uuid.UUID  `json:"fileRef,omitempty"`
	File           *FileMeta   `json:"file,omitempty"`
}

// IsExpired reports whether the message TTL has elapsed.
func (m *Message) IsExpired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// IsConsumable reports whether the single-shot read path may still
// return the ciphertext: not consumed and not expired.
func (m *Message) IsConsumable(now time.Time) bool {
	return !m.Consumed && !m.IsExpired(now)
}

// PayloadSize is the byte count checked against the caller's tier cap.
func (m *Message) PayloadSize() int {
	return len(m.Ciphertext) + len(m.Nonce) + len(m.Tag)
}
