package wa

import (
	"context"
	"testing"
	"time"

	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/wpparchive/internal/bus"
	"github.com/matheus3301/wpparchive/internal/ingest"
	"github.com/matheus3301/wpparchive/internal/store"
)

func mustJID(t *testing.T, s string) types.JID {
	t.Helper()
	j, err := types.ParseJID(s)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func receive(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return bus.Event{}
	}
}

func TestEnvelopeFromDirectMessage(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:      mustJID(t, "999@lid"),
				Sender:    mustJID(t, "999:4@lid"),
				SenderAlt: mustJID(t, "57300@s.whatsapp.net"),
			},
			ID:        "abc1",
			PushName:  "Ana",
			Timestamp: ts,
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	}

	env := envelopeFromMessage(evt)
	if env.Key.RemoteJID != "999@lid" || env.Key.RemoteJIDAlt != "57300@s.whatsapp.net" {
		t.Errorf("key = %+v", env.Key)
	}
	if env.Key.ID != "abc1" || env.Key.FromMe || env.PushName != "Ana" || env.History {
		t.Errorf("envelope = %+v", env)
	}
	if env.Timestamp != ts {
		t.Errorf("timestamp = %v", env.Timestamp)
	}
}

func TestEnvelopeFromOwnMessageUsesRecipientAlt(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:         mustJID(t, "999@lid"),
				IsFromMe:     true,
				RecipientAlt: mustJID(t, "57300@s.whatsapp.net"),
			},
			ID: "out1",
		},
		Message: &waE2E.Message{Conversation: proto.String("hi")},
	}
	env := envelopeFromMessage(evt)
	if !env.Key.FromMe || env.Key.RemoteJIDAlt != "57300@s.whatsapp.net" {
		t.Errorf("key = %+v", env.Key)
	}
}

func TestEnvelopeFromGroupMessage(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:      mustJID(t, "120363@g.us"),
				Sender:    mustJID(t, "999@lid"),
				SenderAlt: mustJID(t, "57300@s.whatsapp.net"),
				IsGroup:   true,
			},
			ID: "g1",
		},
		Message: &waE2E.Message{Conversation: proto.String("hi")},
	}
	env := envelopeFromMessage(evt)
	if env.Key.Participant != "999@lid" || env.Key.ParticipantAlt != "57300@s.whatsapp.net" || env.Key.RemoteJIDAlt != "" {
		t.Errorf("key = %+v", env.Key)
	}
}

func TestEnvelopesFromHistory(t *testing.T) {
	data := &waHistorySync.HistorySync{
		SyncType: waHistorySync.HistorySync_RECENT.Enum(),
		Conversations: []*waHistorySync.Conversation{{
			ID: proto.String("57300@s.whatsapp.net"),
			Messages: []*waHistorySync.HistorySyncMsg{
				{Message: &waWeb.WebMessageInfo{
					Key: &waCommon.MessageKey{
						RemoteJID: proto.String("57300@s.whatsapp.net"),
						FromMe:    proto.Bool(false),
						ID:        proto.String("h1"),
					},
					MessageTimestamp: proto.Uint64(1700000000),
					PushName:         proto.String("Ana"),
					Message:          &waE2E.Message{Conversation: proto.String("old")},
				}},
				// Stubs without payload are dropped.
				{Message: &waWeb.WebMessageInfo{Key: &waCommon.MessageKey{ID: proto.String("h2")}}},
				{Message: &waWeb.WebMessageInfo{
					Key:     &waCommon.MessageKey{ID: proto.String("h3"), FromMe: proto.Bool(true)},
					Message: &waE2E.Message{Conversation: proto.String("mine")},
				}},
			},
		}},
	}

	got := envelopesFromHistory(data)
	if len(got) != 2 {
		t.Fatalf("envelopes = %d, want 2", len(got))
	}
	first := got[0]
	if first.Key.ID != "h1" || first.PushName != "Ana" || !first.History {
		t.Errorf("first = %+v", first)
	}
	if ts := ingest.CoerceTimestamp(first.Timestamp, time.Now()); ts != 1700000000 {
		t.Errorf("timestamp = %d", ts)
	}
	// Missing remote falls back to the conversation id.
	if got[1].Key.RemoteJID != "57300@s.whatsapp.net" || !got[1].Key.FromMe {
		t.Errorf("second = %+v", got[1].Key)
	}
	if envelopesFromHistory(nil) != nil {
		t.Error("nil history should yield nothing")
	}
}

func TestHistoryLIDConversationCarriesPhoneForm(t *testing.T) {
	data := &waHistorySync.HistorySync{
		SyncType: waHistorySync.HistorySync_RECENT.Enum(),
		Conversations: []*waHistorySync.Conversation{
			{
				ID:    proto.String("111222@lid"),
				PnJID: proto.String("57300@s.whatsapp.net"),
				Messages: []*waHistorySync.HistorySyncMsg{{Message: &waWeb.WebMessageInfo{
					Key:     &waCommon.MessageKey{RemoteJID: proto.String("111222@lid"), ID: proto.String("l1")},
					Message: &waE2E.Message{Conversation: proto.String("hi")},
				}}},
			},
			{
				ID:    proto.String("57311@s.whatsapp.net"),
				PnJID: proto.String("57399@s.whatsapp.net"),
				Messages: []*waHistorySync.HistorySyncMsg{{Message: &waWeb.WebMessageInfo{
					Key:     &waCommon.MessageKey{RemoteJID: proto.String("57311@s.whatsapp.net"), ID: proto.String("p1")},
					Message: &waE2E.Message{Conversation: proto.String("hey")},
				}}},
			},
		},
	}

	got := envelopesFromHistory(data)
	if len(got) != 2 {
		t.Fatalf("envelopes = %d, want 2", len(got))
	}
	if got[0].Key.RemoteJIDAlt != "57300@s.whatsapp.net" {
		t.Errorf("lid alt = %q", got[0].Key.RemoteJIDAlt)
	}
	id := ingest.Canonicalize(context.Background(), got[0].Key.RemoteJID, got[0].Key.RemoteJIDAlt, nil)
	if id.JID != "57300@s.whatsapp.net" {
		t.Errorf("canonical = %q, want phone form", id.JID)
	}
	if got[1].Key.RemoteJIDAlt != "" {
		t.Errorf("phone chat alt = %q, want empty", got[1].Key.RemoteJIDAlt)
	}
}

func TestRevokeBecomesDelete(t *testing.T) {
	m, b, _, _ := newTestManager(t)
	deletes, unsub := b.Subscribe(bus.KindWADelete, 1)
	defer unsub()
	messages, unsub2 := b.Subscribe(bus.KindWAMessage, 1)
	defer unsub2()

	m.handle(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   mustJID(t, "57300@s.whatsapp.net"),
				Sender: mustJID(t, "57300@s.whatsapp.net"),
			},
			ID: "rev1",
		},
		Message: &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
			Type: waE2E.ProtocolMessage_REVOKE.Enum(),
			Key:  &waCommon.MessageKey{ID: proto.String("abc1")},
		}},
	})

	del, ok := receive(t, deletes).Payload.(ingest.DeleteEvent)
	if !ok || del.MessageID != "abc1" || !del.Revoke || del.Type != store.EventMessageDelete {
		t.Errorf("delete = %+v", del)
	}
	select {
	case evt := <-messages:
		t.Errorf("revoke also published as message: %+v", evt)
	default:
	}
}

func TestCallTranslation(t *testing.T) {
	meta := types.BasicCallMeta{
		From:      mustJID(t, "57300:2@s.whatsapp.net"),
		CallID:    "C1",
		Timestamp: time.Unix(1700000000, 0),
	}
	video := &waBinary.Node{Tag: "offer", Content: []waBinary.Node{{Tag: "audio"}, {Tag: "video"}}}
	voice := &waBinary.Node{Tag: "offer", Content: []waBinary.Node{{Tag: "audio"}}}

	tests := []struct {
		name  string
		raw   any
		kind  ingest.CallKind
		video bool
	}{
		{"video offer", &events.CallOffer{BasicCallMeta: meta, Data: video}, ingest.CallOffer, true},
		{"voice offer", &events.CallOffer{BasicCallMeta: meta, Data: voice}, ingest.CallOffer, false},
		{"offer notice", &events.CallOfferNotice{BasicCallMeta: meta, Media: "video"}, ingest.CallOffer, true},
		{"accept", &events.CallAccept{BasicCallMeta: meta}, ingest.CallAccept, false},
		{"reject", &events.CallReject{BasicCallMeta: meta}, ingest.CallReject, false},
		{"terminate", &events.CallTerminate{BasicCallMeta: meta, Reason: "timeout"}, ingest.CallTerminate, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := callFromEvent(tt.raw)
			if !ok {
				t.Fatal("not translated")
			}
			if c.Kind != tt.kind || c.IsVideo != tt.video || c.CallID != "C1" || c.From != "57300@s.whatsapp.net" {
				t.Errorf("call = %+v", c)
			}
		})
	}

	group := meta
	group.GroupJID = mustJID(t, "120363@g.us")
	c, _ := callFromEvent(&events.CallOffer{BasicCallMeta: group})
	if !c.IsGroup || c.From != "120363@g.us" {
		t.Errorf("group call = %+v", c)
	}
}

func TestDeleteTranslation(t *testing.T) {
	chat := mustJID(t, "57300@s.whatsapp.net")
	tests := []struct {
		name string
		raw  any
		want string
		ok   bool
	}{
		{"delete for me", &events.DeleteForMe{ChatJID: chat, MessageID: "m1"}, store.EventMessageDelete, true},
		{"delete chat", &events.DeleteChat{JID: chat}, store.EventChatDelete, true},
		{"clear chat", &events.ClearChat{JID: chat}, store.EventChatClear, true},
		{"full sync replay", &events.ClearChat{JID: chat, FromFullSync: true}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			del, ok := deleteFromEvent(tt.raw)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (del.Type != tt.want || del.RemoteJID != chat.String()) {
				t.Errorf("delete = %+v", del)
			}
		})
	}
}

func TestHandlePublishesToCategories(t *testing.T) {
	m, b, _, _ := newTestManager(t)
	calls, unsub := b.Subscribe(bus.KindWACall, 1)
	defer unsub()
	msgs, unsub2 := b.Subscribe(bus.KindWAMessage, 1)
	defer unsub2()

	m.handle(&events.CallTerminate{BasicCallMeta: types.BasicCallMeta{From: mustJID(t, "57300@s.whatsapp.net"), CallID: "X"}})
	if c, ok := receive(t, calls).Payload.(ingest.CallEvent); !ok || c.CallID != "X" {
		t.Errorf("call payload = %+v", c)
	}

	m.handle(&events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: mustJID(t, "57300@s.whatsapp.net")}, ID: "z"},
		Message: &waE2E.Message{Conversation: proto.String("x")},
	})
	if env, ok := receive(t, msgs).Payload.(ingest.Envelope); !ok || env.Key.ID != "z" {
		t.Errorf("message payload = %+v", env)
	}
}

func TestPushNameIsRecordedCanonically(t *testing.T) {
	m, _, _, names := newTestManager(t)
	m.handle(&events.PushName{JID: mustJID(t, "57300:3@s.whatsapp.net"), NewPushName: "Ana"})
	m.handle(&events.PushName{JID: mustJID(t, "57301@s.whatsapp.net"), NewPushName: ""})

	if names.names["57300@s.whatsapp.net"] != "Ana" {
		t.Errorf("names = %v", names.names)
	}
	if _, ok := names.names["57301@s.whatsapp.net"]; ok {
		t.Error("empty push name should be ignored")
	}
}
