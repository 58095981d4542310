package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/store"
)

// mockSender records calls and returns configurable results.
type mockSender struct {
	mu        sync.Mutex
	calls     []sendCall
	err       error
	connected atomic.Bool
}

type sendCall struct {
	JID  string
	Text string
}

func newMock() *mockSender {
	m := &mockSender{}
	m.connected.Store(true)
	return m
}

func (m *mockSender) IsConnected() bool { return m.connected.Load() }

func (m *mockSender) SendText(_ context.Context, jid string, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{JID: jid, Text: text})
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("server-%d", len(m.calls)), nil
}

func (m *mockSender) call(i int) sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type errRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *errRecorder) Error(errorType string, _ error, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, errorType)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func startSender(t *testing.T, db *store.DB, mock *mockSender, errs ErrorLog) *Sender {
	t.Helper()
	s := NewSender(db, mock, errs, zap.NewNop())
	s.interval = 10 * time.Millisecond
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func waitStatus(t *testing.T, db *store.DB, id, want string) *store.OutboxEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e, err := db.GetReply(id)
		if err != nil {
			t.Fatal(err)
		}
		if e != nil && e.Status == want {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reply %s never reached %s", id, want)
	return nil
}

func TestSenderDeliversAndArchives(t *testing.T) {
	db := testDB(t)
	mock := newMock()
	if err := db.QueueReply("c1", "57300@s.whatsapp.net", "hello"); err != nil {
		t.Fatal(err)
	}
	startSender(t, db, mock, nil)

	e := waitStatus(t, db, "c1", store.OutboxSent)
	if e.ServerMsgID != "server-1" {
		t.Errorf("server id = %q", e.ServerMsgID)
	}
	if c := mock.call(0); c.JID != "57300@s.whatsapp.net" || c.Text != "hello" {
		t.Errorf("call = %+v", c)
	}

	msg, err := db.GetMessage("server-1")
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || !msg.IsFromMe || msg.Content != "hello" {
		t.Errorf("archived reply = %+v", msg)
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	mock := newMock()
	mock.err = fmt.Errorf("network error")
	errs := &errRecorder{}
	if err := db.QueueReply("c1", "57300@s.whatsapp.net", "hello"); err != nil {
		t.Fatal(err)
	}
	startSender(t, db, mock, errs)

	e := waitStatus(t, db, "c1", store.OutboxFailed)
	if e.ErrorMessage != "network error" {
		t.Errorf("error message = %q", e.ErrorMessage)
	}
	time.Sleep(50 * time.Millisecond)
	if mock.callCount() != 1 {
		t.Errorf("failed replies should not be retried, calls = %d", mock.callCount())
	}
	errs.mu.Lock()
	defer errs.mu.Unlock()
	if len(errs.types) != 1 || errs.types[0] != "reply_send" {
		t.Errorf("error log = %v", errs.types)
	}
}

func TestSenderWaitsForConnection(t *testing.T) {
	db := testDB(t)
	mock := newMock()
	mock.connected.Store(false)
	if err := db.QueueReply("c1", "57300@s.whatsapp.net", "later"); err != nil {
		t.Fatal(err)
	}
	startSender(t, db, mock, nil)

	time.Sleep(50 * time.Millisecond)
	if mock.callCount() != 0 {
		t.Fatal("sent while disconnected")
	}
	mock.connected.Store(true)
	waitStatus(t, db, "c1", store.OutboxSent)
}

func TestSenderRequeuesInterrupted(t *testing.T) {
	db := testDB(t)
	if err := db.QueueReply("c1", "57300@s.whatsapp.net", "stuck"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimReply("c1"); err != nil {
		t.Fatal(err)
	}
	startSender(t, db, newMock(), nil)
	waitStatus(t, db, "c1", store.OutboxSent)
}
