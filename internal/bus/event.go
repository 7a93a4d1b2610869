package bus

import "time"

// Event kinds published by the sync engine and the reference server.
const (
	ConversationsChanged = "conversation.list_changed"
	ConversationUpdated  = "conversation.updated"
	MessageUpserted      = "message.upserted"
	MessagesPageLoaded   = "message.page_loaded"
	MessageSendAck       = "message.send_ack"
	MessageSendFailed    = "message.send_failed"
	MentionChanged       = "mention.changed"
	PushStatusChanged    = "push.status_changed"
	PushFrame            = "push.frame"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind           string
	ConversationID string
	Timestamp      time.Time
	Payload        any
}
