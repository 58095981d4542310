package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/store"
)

// HandleDelete records a deletion or clear as an app event. Archived messages
// are never touched; the event is enriched from the newest matching row.
func (n *Normalizer) HandleDelete(ctx context.Context, evt DeleteEvent) {
	remote := Canonicalize(ctx, evt.RemoteJID, "", n.resolver)
	details := map[string]any{
		"from_me": evt.FromMe,
	}
	if evt.Revoke {
		details["revoke"] = true
	}
	if evt.SenderJID != "" {
		details["sender_jid"] = Canonicalize(ctx, evt.SenderJID, "", n.resolver).JID
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = n.now()
	}
	details["deleted_at"] = ts.UTC().Format(time.RFC3339)

	var (
		ref *store.Message
		err error
	)
	if evt.MessageID != "" {
		ref, err = n.db.GetMessage(evt.MessageID)
	} else if remote.JID != "" {
		ref, err = n.db.LatestMessage(remote.JID, true)
	}
	if err != nil {
		n.log.Debug("delete enrichment lookup failed", zap.Error(err))
	}
	if ref != nil {
		if evt.MessageID != "" {
			details["message_type"] = ref.MessageType
			details["content"] = ref.Content
			details["original_timestamp"] = ref.Timestamp
		}
		if ref.SenderName != "" && !ref.IsFromMe {
			if ref.IsGroup {
				details["sender_name"] = ref.SenderName
			} else {
				details["remote_name"] = ref.SenderName
			}
		}
		if remote.JID == "" {
			remote = Identity{JID: ref.RemoteJID, IsGroup: ref.IsGroup}
		}
	}

	if n.errs == nil {
		return
	}
	n.errs.Event(&store.AppEvent{
		EventType: evt.Type,
		RemoteJID: remote.JID,
		MessageID: evt.MessageID,
		Details:   details,
	})
}
