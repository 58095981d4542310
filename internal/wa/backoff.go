package wa

import (
	"sync"
	"time"
)

// Reconnect policy defaults.
const (
	DefaultBackoffBase     = time.Second
	DefaultBackoffMax      = 30 * time.Second
	DefaultBackoffBudget   = 10
	DefaultBackoffCooldown = 60 * time.Second
)

// Backoff yields reconnect delays: Base·2^(n-1) capped at Max for attempts
// 1..Budget, then a single Cooldown after which the attempt counter starts
// over. It never gives up.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Budget   int
	Cooldown time.Duration

	mu      sync.Mutex
	attempt int
}

// NewBackoff returns a Backoff with the default policy.
func NewBackoff() *Backoff {
	return &Backoff{
		Base:     DefaultBackoffBase,
		Max:      DefaultBackoffMax,
		Budget:   DefaultBackoffBudget,
		Cooldown: DefaultBackoffCooldown,
	}
}

// Next advances the attempt counter and returns the delay before that attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempt++
	if b.attempt > b.Budget {
		b.attempt = 0
		return b.Cooldown
	}
	d := b.Base
	for i := 1; i < b.attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return min(d, b.Max)
}

// Attempt returns the number of attempts made since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
