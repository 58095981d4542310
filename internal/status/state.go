package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wpparchive/internal/bus"
)

// State represents the connection state of the WhatsApp session.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	QRReady      State = "qr_ready"
	Connected    State = "connected"
)

// validTransitions defines allowed state transitions. QRReady may transition to
// itself when the server rotates the pairing code.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {QRReady, Connected, Disconnected},
	QRReady:      {QRReady, Connected, Disconnected},
	Connected:    {Disconnected},
}

// Machine tracks and enforces connection state transitions. It also holds the
// transient pairing code, which is only meaningful in QRReady.
type Machine struct {
	mu      sync.RWMutex
	current State
	qr      string
	since   time.Time
	bus     *bus.Bus
	now     func() time.Time
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
		now:     time.Now,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the current state, the pairing code (empty outside QRReady)
// and the time the state was entered.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.current, QR: m.qr, Since: m.since}
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

// ShowQR moves to QRReady with the given pairing code.
func (m *Machine) ShowQR(code string) error {
	if code == "" {
		return fmt.Errorf("empty qr code")
	}
	return m.transition(QRReady, code)
}

func (m *Machine) transition(to State, qr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.qr = qr
	if from != to {
		m.since = m.now()
	}
	if m.bus != nil {
		kind := bus.KindStatusChanged
		if from == to {
			kind = bus.KindQRUpdated
		}
		m.bus.Publish(bus.Event{
			Kind:      kind,
			Timestamp: m.now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

// Snapshot is a consistent read of the machine.
type Snapshot struct {
	State State     `json:"state"`
	QR    string    `json:"-"`
	Since time.Time `json:"since"`
}
