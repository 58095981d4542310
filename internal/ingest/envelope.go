package ingest

import (
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// Key identifies a message within a conversation. JIDs are kept as strings so
// envelopes can be built from live events, history sync and tests alike.
type Key struct {
	RemoteJID string
	// RemoteJIDAlt is the alternate addressing form of RemoteJID when the
	// protocol supplied one (phone-number JID for a LID chat, or vice versa).
	RemoteJIDAlt   string
	Participant    string
	ParticipantAlt string
	ID             string
	FromMe         bool
}

// Envelope is one raw message as delivered by the session manager.
type Envelope struct {
	Key      Key
	PushName string
	// Timestamp is whatever the protocol handed over: time.Time for live
	// messages, *uint64 for history sync, possibly nil.
	Timestamp any
	Message   *waE2E.Message
	History   bool
}

// CallKind is a call lifecycle step.
type CallKind string

const (
	CallOffer     CallKind = "offer"
	CallAccept    CallKind = "accept"
	CallReject    CallKind = "reject"
	CallTerminate CallKind = "terminate"
)

// CallEvent is one call lifecycle notification.
type CallEvent struct {
	Kind      CallKind
	CallID    string
	From      string
	FromAlt   string
	IsVideo   bool
	IsGroup   bool
	Reason    string
	Timestamp time.Time
}

// DeleteEvent reports a deletion or clear performed on the account. It never
// alters archived messages.
type DeleteEvent struct {
	// Type is one of store.EventMessageDelete, EventChatDelete, EventChatClear.
	Type      string
	RemoteJID string
	MessageID string
	SenderJID string
	FromMe    bool
	// Revoke marks a delete-for-everyone protocol message.
	Revoke    bool
	Timestamp time.Time
}
