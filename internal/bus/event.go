package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "message." receives every message event.
const (
	KindTransportStatus = "transport.status_changed"
	KindTransportError  = "transport.error"

	KindMessageAppended     = "message.appended"
	KindMessageStateChanged = "message.state_changed"
	KindMessageSendFailed   = "message.send_failed"
	KindMessageTimeout      = "message.confirm_timeout"
	KindMessageReadByPeer   = "message.read_by_peer"

	KindConversationsChanged = "conversation.list_changed"
	KindConversationChanged  = "conversation.changed"

	KindPresenceChanged = "presence.changed"
	KindTypingChanged   = "typing.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
