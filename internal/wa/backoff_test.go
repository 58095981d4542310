package wa

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff()
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: delay = %s, want %s", i+1, got, w)
		}
	}
	if b.Attempt() != 10 {
		t.Errorf("attempt = %d, want 10", b.Attempt())
	}
}

func TestBackoffCooldownThenRestart(t *testing.T) {
	b := NewBackoff()
	for range DefaultBackoffBudget {
		b.Next()
	}
	if got := b.Next(); got != DefaultBackoffCooldown {
		t.Fatalf("delay after budget = %s, want cooldown", got)
	}
	if b.Attempt() != 0 {
		t.Errorf("attempt after cooldown = %d, want 0", b.Attempt())
	}
	if got := b.Next(); got != time.Second {
		t.Errorf("first delay after cooldown = %s, want 1s", got)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff()
	b.Next()
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("delay after reset = %s, want 1s", got)
	}
}

func TestBackoffCustomPolicy(t *testing.T) {
	b := &Backoff{Base: 10 * time.Millisecond, Max: 25 * time.Millisecond, Budget: 3, Cooldown: time.Second}
	got := []time.Duration{b.Next(), b.Next(), b.Next(), b.Next()}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond, time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attempt %d: delay = %s, want %s", i+1, got[i], want[i])
		}
	}
}
