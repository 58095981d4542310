package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/wpparchive/internal/store"
)

// callTTL bounds how long an unfinished call is remembered.
const callTTL = 6 * time.Hour

type callState struct {
	remote   Identity
	video    bool
	offered  time.Time
	accepted time.Time
}

// callTracker remembers locally observed offer and accept times so the end
// record can carry an outcome.
type callTracker struct {
	mu    sync.Mutex
	calls map[string]*callState
}

func newCallTracker() *callTracker {
	return &callTracker{calls: make(map[string]*callState)}
}

func (t *callTracker) offer(id string, s *callState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.calls {
		if s.offered.Sub(v.offered) > callTTL {
			delete(t.calls, k)
		}
	}
	if _, ok := t.calls[id]; !ok {
		t.calls[id] = s
	}
}

func (t *callTracker) accept(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.calls[id]; ok && s.accepted.IsZero() {
		s.accepted = at
	}
}

func (t *callTracker) finish(id string) *callState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.calls[id]
	delete(t.calls, id)
	return s
}

// HandleCall records call lifecycle events as two messages per call:
// call_{id}_start on offer and call_{id}_end on reject or terminate.
func (n *Normalizer) HandleCall(ctx context.Context, evt CallEvent) (*store.Message, Outcome, error) {
	if evt.CallID == "" {
		return nil, Skipped, nil
	}
	observed := n.now()
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = observed
	}

	switch evt.Kind {
	case CallOffer:
		remote := Canonicalize(ctx, evt.From, evt.FromAlt, n.resolver)
		n.calls.offer(evt.CallID, &callState{remote: remote, video: evt.IsVideo, offered: observed})
		content := "Incoming voice call"
		if evt.IsVideo {
			content = "Incoming video call"
		}
		return n.persist(&store.Message{
			RemoteJID:   remote.JID,
			MessageID:   "call_" + evt.CallID + "_start",
			MessageType: callType(evt.IsVideo),
			Content:     content,
			Timestamp:   ts.Unix(),
			IsGroup:     remote.IsGroup || evt.IsGroup,
		}, "call")

	case CallAccept:
		n.calls.accept(evt.CallID, observed)
		return nil, Skipped, nil

	case CallReject, CallTerminate:
		state := n.calls.finish(evt.CallID)
		remote := Canonicalize(ctx, evt.From, evt.FromAlt, n.resolver)
		video := evt.IsVideo
		if state != nil {
			remote = state.remote
			video = video || state.video
		}
		return n.persist(&store.Message{
			RemoteJID:   remote.JID,
			MessageID:   "call_" + evt.CallID + "_end",
			MessageType: callType(video),
			Content:     callOutcome(evt.Kind, state, observed),
			Timestamp:   ts.Unix(),
			IsGroup:     remote.IsGroup || evt.IsGroup,
		}, "call")
	}
	return nil, Skipped, nil
}

func callType(video bool) string {
	if video {
		return store.TypeVideoCall
	}
	return store.TypeCall
}

func callOutcome(kind CallKind, s *callState, end time.Time) string {
	if kind == CallReject {
		return "Call rejected"
	}
	if s == nil {
		return "Call ended"
	}
	if s.accepted.IsZero() {
		return "Missed call"
	}
	return "Call ended, duration " + formatDuration(end.Sub(s.accepted))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second).Seconds())
	if secs >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
