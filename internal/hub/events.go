package hub

import (
	"time"

	"github.com/google/uuid"
)

// Event type discriminators carried in the frame payload.
const (
	TypeMessageDelivered = "MESSAGE_DELIVERED"
	TypeMessageFailed    = "MESSAGE_FAILED"
	TypeNewMessage       = "NEW_MESSAGE"
)

// MessageDelivered is the per-device ACK sent to the sender's user
// queue once the pipeline has made the message durable. Exactly one is
// emitted per server id on the success path.
type MessageDelivered struct {
	Type        string    `json:"type"`
	ServerID    uuid.UUID `json:"serverId"`
	MessageID   uuid.UUID `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

func NewMessageDelivered(serverID, messageID uuid.UUID, at time.Time) MessageDelivered {
	return MessageDelivered{Type: TypeMessageDelivered, ServerID: serverID, MessageID: messageID, DeliveredAt: at}
}

// MessageFailed tells the sender a buffered message exhausted its retry
// budget. Mutually exclusive with MessageDelivered for a server id.
type MessageFailed struct {
	Type     string    `json:"type"`
	ServerID uuid.UUID `json:"serverId"`
	FailedAt time.Time `json:"failedAt"`
}

func NewMessageFailed(serverID uuid.UUID, at time.Time) MessageFailed {
	return MessageFailed{Type: TypeMessageFailed, ServerID: serverID, FailedAt: at}
}

// NewMessage is broadcast on the conversation topic.
type NewMessage struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversationId"`
	MessageID      uuid.UUID `json:"messageId"`
}

func NewNewMessage(conversationID, messageID uuid.UUID) NewMessage {
	return NewMessage{Type: TypeNewMessage, ConversationID: conversationID, MessageID: messageID}
}

// TopicConversation is the broadcast destination for a conversation.
func TopicConversation(id uuid.UUID) string {
	return "/topic/conversation/" + id.String()
}

// UserQueueNotifications is the per-device destination. Routing is by
// the authenticated device id, not by the string itself.
const UserQueueNotifications = "/user/queue/notifications"
