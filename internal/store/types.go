package store

// Message types recorded in messages.message_type.
const (
	TypeText           = "text"
	TypeImage          = "image"
	TypeVideo          = "video"
	TypeAudio          = "audio"
	TypeVoice          = "voice"
	TypeDocument       = "document"
	TypeSticker        = "sticker"
	TypeContact        = "contact"
	TypeContacts       = "contacts"
	TypeLocation       = "location"
	TypeLiveLocation   = "live_location"
	TypePoll           = "poll"
	TypeButtonResponse = "button_response"
	TypeListResponse   = "list_response"
	TypeCall           = "call"
	TypeVideoCall      = "video_call"
	TypeUnknown        = "unknown"
)

// Message is one archived inbound or outbound content unit.
// Empty strings are stored as NULL for the optional columns.
type Message struct {
	ID             int64  `json:"id"`
	RemoteJID      string `json:"remote_jid"`
	SenderName     string `json:"sender_name,omitempty"`
	ParticipantJID string `json:"participant_jid,omitempty"`
	MessageID      string `json:"message_id"`
	MessageType    string `json:"message_type"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	IsGroup        bool   `json:"is_group"`
	IsFromMe       bool   `json:"is_from_me"`
	MediaPath      string `json:"media_path,omitempty"`
	MediaMimetype  string `json:"media_mimetype,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// Conversation is derived on read from messages plus the metadata cache.
type Conversation struct {
	RemoteJID       string `json:"remote_jid"`
	IsGroup         bool   `json:"is_group"`
	Name            string `json:"name,omitempty"`
	PicturePath     string `json:"picture_path,omitempty"`
	LastMessage     string `json:"last_message"`
	LastMessageType string `json:"last_message_type"`
	LastTimestamp   int64  `json:"last_timestamp"`
	MessageCount    int64  `json:"message_count"`
}

// InfoKind selects the group or contact metadata table.
type InfoKind string

const (
	GroupInfo   InfoKind = "group_info"
	ContactInfo InfoKind = "contact_info"
)

// Info is a cached group or contact metadata entry.
type Info struct {
	JID         string `json:"jid"`
	Name        string `json:"name,omitempty"`
	PicturePath string `json:"picture_path,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

// App event types.
const (
	EventMessageDelete = "message_delete"
	EventChatDelete    = "chat_delete"
	EventChatClear     = "chat_clear"
)

// AppEvent records a protocol-observed side effect that is not a message.
type AppEvent struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	RemoteJID string         `json:"remote_jid,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// AppError is a diagnostic record written by the error log.
type AppError struct {
	ID           int64          `json:"id"`
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	Stack        string         `json:"stack,omitempty"`
	Location     string         `json:"location"`
	Context      map[string]any `json:"context,omitempty"`
	CreatedAt    int64          `json:"created_at"`
}

// OutboxEntry is an outgoing reply waiting for delivery.
type OutboxEntry struct {
	ID           int64  `json:"id"`
	ClientMsgID  string `json:"client_msg_id"`
	ChatJID      string `json:"chat_jid"`
	Body         string `json:"body"`
	Status       string `json:"status"` // queued, sending, sent, failed
	ErrorMessage string `json:"error_message,omitempty"`
	ServerMsgID  string `json:"server_msg_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}
