package wa

import (
	"context"

	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/bus"
	"github.com/matheus3301/wpparchive/internal/ingest"
	"github.com/matheus3301/wpparchive/internal/store"
)

// handle is the whatsmeow event handler. It runs on the client's event
// goroutine, so publishing blocks on slow reliable consumers.
func (m *Manager) handle(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		if del, ok := revokeFromMessage(evt); ok {
			m.bus.Publish(bus.Event{Kind: bus.KindWADelete, Payload: del})
			return
		}
		m.bus.Publish(bus.Event{Kind: bus.KindWAMessage, Payload: envelopeFromMessage(evt)})

	case *events.HistorySync:
		batch := envelopesFromHistory(evt.Data)
		m.log.Info("history sync received",
			zap.String("type", evt.Data.GetSyncType().String()),
			zap.Int("messages", len(batch)),
		)
		if len(batch) > 0 {
			m.bus.Publish(bus.Event{Kind: bus.KindWAHistory, Payload: batch})
		}

	case *events.CallOffer, *events.CallOfferNotice, *events.CallAccept, *events.CallReject, *events.CallTerminate:
		if call, ok := callFromEvent(raw); ok {
			m.bus.Publish(bus.Event{Kind: bus.KindWACall, Payload: call})
		}

	case *events.DeleteForMe, *events.DeleteChat, *events.ClearChat:
		if del, ok := deleteFromEvent(raw); ok {
			m.bus.Publish(bus.Event{Kind: bus.KindWADelete, Payload: del})
		}

	case *events.PushName:
		m.recordPushName(evt)

	case *events.Connected:
		m.onConnected()
	case *events.Disconnected:
		m.onTransportClosed("disconnected")
	case *events.StreamReplaced:
		m.onTransportClosed("stream replaced")
	case *events.KeepAliveTimeout:
		m.log.Warn("keepalive timeout", zap.Int("errors", evt.ErrorCount))
	case *events.ConnectFailure:
		m.onTransportClosed("connect failure: " + evt.Reason.String())
	case *events.TemporaryBan:
		m.onTransportClosed("temporary ban: " + evt.String())
	case *events.LoggedOut:
		m.onLoggedOut(evt.Reason.String())
	}
}

func (m *Manager) recordPushName(evt *events.PushName) {
	if m.names == nil || evt.NewPushName == "" || evt.JID.IsEmpty() {
		return
	}
	id := ingest.Canonicalize(context.Background(), evt.JID.String(), "", m)
	m.names.RecordPushName(id.JID, evt.NewPushName)
}

// envelopeFromMessage translates a live message. The alternate addressing
// form rides along so LID chats can be stored under the phone number.
func envelopeFromMessage(evt *events.Message) ingest.Envelope {
	info := evt.Info
	key := ingest.Key{
		RemoteJID: info.Chat.String(),
		ID:        info.ID,
		FromMe:    info.IsFromMe,
	}
	if info.IsGroup {
		key.Participant = info.Sender.String()
		key.ParticipantAlt = jidString(info.SenderAlt)
	} else if info.IsFromMe {
		key.RemoteJIDAlt = jidString(info.RecipientAlt)
	} else {
		key.RemoteJIDAlt = jidString(info.SenderAlt)
	}
	return ingest.Envelope{
		Key:       key,
		PushName:  info.PushName,
		Timestamp: info.Timestamp,
		Message:   evt.Message,
	}
}

// envelopesFromHistory flattens a history sync blob into envelopes.
func envelopesFromHistory(data *waHistorySync.HistorySync) []ingest.Envelope {
	var out []ingest.Envelope
	for _, conv := range data.GetConversations() {
		chat := conv.GetID()
		chatAlt := historyChatAlt(conv)
		for _, hm := range conv.GetMessages() {
			web := hm.GetMessage()
			if web == nil || web.GetMessage() == nil {
				continue
			}
			key := web.GetKey()
			remote := key.GetRemoteJID()
			if remote == "" {
				remote = chat
			}
			participant := key.GetParticipant()
			if participant == "" {
				participant = web.GetParticipant()
			}
			var remoteAlt string
			if remote == chat {
				remoteAlt = chatAlt
			}
			out = append(out, ingest.Envelope{
				Key: ingest.Key{
					RemoteJID:    remote,
					RemoteJIDAlt: remoteAlt,
					Participant:  participant,
					ID:           key.GetID(),
					FromMe:       key.GetFromMe(),
				},
				PushName:  web.GetPushName(),
				Timestamp: web.MessageTimestamp,
				Message:   web.GetMessage(),
				History:   true,
			})
		}
	}
	return out
}

// historyChatAlt returns the phone-number form carried by a LID conversation.
func historyChatAlt(conv *waHistorySync.Conversation) string {
	id, err := types.ParseJID(conv.GetID())
	if err != nil || id.Server != types.HiddenUserServer {
		return ""
	}
	return conv.GetPnJID()
}

// revokeFromMessage detects delete-for-everyone protocol messages.
func revokeFromMessage(evt *events.Message) (ingest.DeleteEvent, bool) {
	pm := evt.Message.GetProtocolMessage()
	if pm == nil || pm.GetType() != waE2E.ProtocolMessage_REVOKE {
		return ingest.DeleteEvent{}, false
	}
	return ingest.DeleteEvent{
		Type:      store.EventMessageDelete,
		RemoteJID: evt.Info.Chat.String(),
		MessageID: pm.GetKey().GetID(),
		SenderJID: evt.Info.Sender.String(),
		FromMe:    evt.Info.IsFromMe,
		Revoke:    true,
		Timestamp: evt.Info.Timestamp,
	}, true
}

func callFromEvent(raw any) (ingest.CallEvent, bool) {
	switch evt := raw.(type) {
	case *events.CallOffer:
		return callEvent(ingest.CallOffer, evt.BasicCallMeta, isVideoOffer(evt.Data)), true
	case *events.CallOfferNotice:
		return callEvent(ingest.CallOffer, evt.BasicCallMeta, evt.Media == "video"), true
	case *events.CallAccept:
		return callEvent(ingest.CallAccept, evt.BasicCallMeta, false), true
	case *events.CallReject:
		return callEvent(ingest.CallReject, evt.BasicCallMeta, false), true
	case *events.CallTerminate:
		c := callEvent(ingest.CallTerminate, evt.BasicCallMeta, false)
		c.Reason = evt.Reason
		return c, true
	}
	return ingest.CallEvent{}, false
}

func callEvent(kind ingest.CallKind, meta types.BasicCallMeta, video bool) ingest.CallEvent {
	from := meta.From
	if !meta.GroupJID.IsEmpty() {
		from = meta.GroupJID
	}
	return ingest.CallEvent{
		Kind:      kind,
		CallID:    meta.CallID,
		From:      from.ToNonAD().String(),
		IsVideo:   video,
		IsGroup:   !meta.GroupJID.IsEmpty(),
		Timestamp: meta.Timestamp,
	}
}

func isVideoOffer(data *waBinary.Node) bool {
	if data == nil {
		return false
	}
	_, ok := data.GetOptionalChildByTag("video")
	return ok
}

// deleteFromEvent translates app-state deletions. Replays from a full app
// state sync describe old actions and are dropped.
func deleteFromEvent(raw any) (ingest.DeleteEvent, bool) {
	switch evt := raw.(type) {
	case *events.DeleteForMe:
		if evt.FromFullSync {
			return ingest.DeleteEvent{}, false
		}
		return ingest.DeleteEvent{
			Type:      store.EventMessageDelete,
			RemoteJID: evt.ChatJID.String(),
			MessageID: evt.MessageID,
			SenderJID: jidString(evt.SenderJID),
			FromMe:    evt.IsFromMe,
			Timestamp: evt.Timestamp,
		}, true
	case *events.DeleteChat:
		if evt.FromFullSync {
			return ingest.DeleteEvent{}, false
		}
		return ingest.DeleteEvent{
			Type:      store.EventChatDelete,
			RemoteJID: evt.JID.String(),
			Timestamp: evt.Timestamp,
		}, true
	case *events.ClearChat:
		if evt.FromFullSync {
			return ingest.DeleteEvent{}, false
		}
		return ingest.DeleteEvent{
			Type:      store.EventChatClear,
			RemoteJID: evt.JID.String(),
			Timestamp: evt.Timestamp,
		}, true
	}
	return ingest.DeleteEvent{}, false
}

func jidString(j types.JID) string {
	if j.IsEmpty() {
		return ""
	}
	return j.String()
}
