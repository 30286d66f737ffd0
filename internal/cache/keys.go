package cache

import "github.com/google/uuid"

// Key namespace. Kept flat and explicit so the sweeper and the services
// invalidate exactly the same strings they wrote.
const (
	// QueueKey is the ingestion FIFO drained by the pipeline worker.
	QueueKey = "message_queue"
	// DeadLetterKey holds records that exhausted their retry budget.
	DeadLetterKey = "message_queue_dlq"
)

func ConversationKey(id uuid.UUID) string {
	return "conversation:" + id.String()
}

func DeviceConversationsKey(deviceID string) string {
	return "device_conversations:" + deviceID
}

func ConversationMessagesKey(id uuid.UUID) string {
	return "conversation_messages:" + id.String()
}

func MessageKey(id uuid.UUID) string {
	return "message:" + id.String()
}

func DeviceTokenKey(token string) string {
	return "device_token:" + token
}

func DeviceTokensKey(deviceID string) string {
	return "device_id_tokens:" + deviceID
}

func FileUploadKey(fileID uuid.UUID) string {
	return "file:upload:" + fileID.String()
}
