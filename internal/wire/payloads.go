package wire

// ConversationKind distinguishes one-to-one chats from group chats.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// ConversationRef identifies a conversation on the wire.
type ConversationRef struct {
	ID   string           `json:"conversation_id"`
	Kind ConversationKind `json:"kind"`
}

// Attachment is a media descriptor produced by the upload service.
type Attachment struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
}

// MessagePayload carries chat messages in both directions. Outbound frames
// set LocalID and leave ServerID empty; the server echoes the frame back with
// both ids populated, which is how the sender reconciles its optimistic copy.
type MessagePayload struct {
	ConversationRef
	LocalID    string      `json:"local_id,omitempty"`
	ServerID   string      `json:"server_id,omitempty"`
	SenderID   string      `json:"sender_id,omitempty"`
	SenderName string      `json:"sender_name,omitempty"`
	Content    string      `json:"content,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	SentAt     int64       `json:"sent_at,omitempty"` // unix ms
	Read       bool        `json:"read,omitempty"`
}

// TypingPayload carries typing start/stop signals. Outbound frames identify
// the conversation only; inbound typing_update frames also carry the typist.
type TypingPayload struct {
	ConversationRef
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Typing   bool   `json:"typing,omitempty"`
}

// StatusPayload carries presence changes for a contact.
type StatusPayload struct {
	UserID     string `json:"user_id"`
	Online     bool   `json:"online"`
	LastSeenAt int64  `json:"last_seen_at,omitempty"` // unix ms
}

// MarkReadPayload is the outbound batched read receipt for one conversation.
type MarkReadPayload struct {
	ConversationRef
	MessageIDs []string `json:"message_ids"`
}

// MessagesReadPayload is the inbound notification that a peer read messages.
type MessagesReadPayload struct {
	ConversationRef
	ReaderID string `json:"reader_id"`
}

// PingPayload is the heartbeat frame.
type PingPayload struct {
	Seq int64 `json:"seq,omitempty"`
}
