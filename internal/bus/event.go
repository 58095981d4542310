package bus

import "time"

// Event kinds published inside the daemon.
const (
	KindStatusChanged = "session.status_changed"
	KindQRUpdated     = "session.qr_updated"

	KindWAMessage = "wa.message"
	KindWAHistory = "wa.history"
	KindWACall    = "wa.call"
	KindWADelete  = "wa.delete"

	KindMessageStored = "message.stored"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
