package errlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixedNamer map[string]string

func (f fixedNamer) DisplayName(jid string, _ bool) string { return f[jid] }

func flush(t *testing.T, l *Log) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestErrorIsWritten(t *testing.T) {
	db := testDB(t)
	l := New(db, zap.NewNop(), nil)

	l.Error("media_download", errors.New("timeout"), "ingest.media", map[string]any{"messageId": "m1"})
	l.Error("ignored", nil, "nowhere", nil)
	flush(t, l)

	errs, err := db.ListErrors(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if errs[0].ErrorMessage != "timeout" || errs[0].Context["messageId"] != "m1" {
		t.Errorf("row = %+v", errs[0])
	}
}

func TestPanicCapturesStack(t *testing.T) {
	db := testDB(t)
	l := New(db, zap.NewNop(), nil)

	l.Panic("command.state", "nil map", nil)
	flush(t, l)

	errs, _ := db.ListErrors(10)
	if len(errs) != 1 || errs[0].ErrorType != "panic" || errs[0].Stack == "" {
		t.Errorf("panic row = %+v", errs)
	}
}

func TestWriteFailureDoesNotPropagate(t *testing.T) {
	db := testDB(t)
	l := New(db, zap.NewNop(), nil)
	_ = db.Close()

	// Must neither panic nor block.
	l.Error("x", errors.New("y"), "z", nil)
	l.Event(&store.AppEvent{EventType: store.EventChatClear, RemoteJID: "a@s.whatsapp.net"})
	flush(t, l)
}

func TestEventEnrichment(t *testing.T) {
	db := testDB(t)
	l := New(db, zap.NewNop(), fixedNamer{"57300@s.whatsapp.net": "Ana", "123@g.us": "Family"})

	l.Event(&store.AppEvent{EventType: store.EventMessageDelete, RemoteJID: "57300@s.whatsapp.net", MessageID: "m1"})
	l.Event(&store.AppEvent{EventType: store.EventChatClear, RemoteJID: "123@g.us"})
	flush(t, l)

	events, err := db.ListEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	byType := map[string]store.AppEvent{}
	for _, e := range events {
		byType[e.EventType] = e
	}

	del := byType[store.EventMessageDelete]
	if del.Details["remote_number"] != "57300" || del.Details["remote_name"] != "Ana" {
		t.Errorf("delete details = %v", del.Details)
	}
	clear := byType[store.EventChatClear]
	if _, ok := clear.Details["remote_number"]; ok {
		t.Errorf("group event should not carry a number: %v", clear.Details)
	}
	if clear.Details["remote_name"] != "Family" {
		t.Errorf("clear details = %v", clear.Details)
	}
}
