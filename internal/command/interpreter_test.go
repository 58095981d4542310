package command

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/bus"
	"github.com/matheus3301/wpparchive/internal/email"
	"github.com/matheus3301/wpparchive/internal/export"
	"github.com/matheus3301/wpparchive/internal/status"
	"github.com/matheus3301/wpparchive/internal/store"
)

var now = time.Unix(1700000000, 0)

type fakeSession struct {
	mu        sync.Mutex
	connected bool
	resets    int
	qr        []byte
	qrAfter   int // QRPNG calls before the code shows up
	qrCalls   int
}

func (f *fakeSession) Status() status.Snapshot {
	return status.Snapshot{State: status.Connected, Since: now.Add(-time.Hour)}
}
func (f *fakeSession) IsConnected() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }
func (f *fakeSession) OwnNumber() string { return "57399" }
func (f *fakeSession) ResetSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.connected = false
	return nil
}
func (f *fakeSession) QRPNG() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrCalls++
	if f.qr == nil || f.qrCalls <= f.qrAfter {
		return nil, errors.New("no qr")
	}
	return f.qr, nil
}

type fakeMail struct {
	mu   sync.Mutex
	sent []*email.Message
	err  error
}

func (f *fakeMail) Provider() string { return "fake" }
func (f *fakeMail) Send(_ context.Context, m *email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

type panicMail struct{ fakeMail }

func (p *panicMail) Send(context.Context, *email.Message) error { panic("smtp exploded") }

type harness struct {
	in      *Interpreter
	db      *store.DB
	session *fakeSession
	mail    *fakeMail
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if opts.Recipient == "" {
		opts.Recipient = "me@example.com"
	}
	h := &harness{db: db, session: &fakeSession{}, mail: &fakeMail{}}
	exp := export.New(db, time.UTC, export.WithClock(func() time.Time { return now }))
	h.in = New(opts, h.session, exp, h.mail, db, nil, bus.New(), zap.NewNop())
	h.in.pollInterval = time.Millisecond
	return h
}

func textFrom(remote, content string, age time.Duration) *store.Message {
	return &store.Message{
		RemoteJID:   remote,
		MessageID:   "cmd-" + content,
		MessageType: store.TypeText,
		Content:     content,
		Timestamp:   now.Add(-age).Unix(),
	}
}

func (h *harness) replies(t *testing.T) []store.OutboxEntry {
	t.Helper()
	entries, err := h.db.PendingReplies(10)
	require.NoError(t, err)
	return entries
}

// Scenario: an authorized fresh command runs; the same command two minutes
// old does not.
func TestStateCommandFreshness(t *testing.T) {
	h := newHarness(t, Options{CommandNumbers: []string{"57300"}})
	ctx := context.Background()

	res, dispatched := h.in.Handle(ctx, textFrom("57300@s.whatsapp.net", "state", 10*time.Second))
	require.True(t, dispatched)
	assert.True(t, res.Success)
	assert.True(t, res.ShouldReply)
	require.Len(t, h.mail.sent, 1)
	assert.Contains(t, h.mail.sent[0].Text, "Connection: connected")

	replies := h.replies(t)
	require.Len(t, replies, 1)
	assert.Equal(t, "57300@s.whatsapp.net", replies[0].ChatJID)
	assert.Equal(t, res.Message, replies[0].Body)

	_, dispatched = h.in.Handle(ctx, textFrom("57300@s.whatsapp.net", "state", 120*time.Second))
	assert.False(t, dispatched)
	assert.Len(t, h.mail.sent, 1)
	assert.Len(t, h.replies(t), 1)
}

func TestGates(t *testing.T) {
	h := newHarness(t, Options{CommandNumbers: []string{"+57 300"}})
	ctx := context.Background()

	group := textFrom("120363@g.us", "help", 0)
	group.IsGroup = true
	image := textFrom("57300@s.whatsapp.net", "help", 0)
	image.MessageType = store.TypeImage
	own := textFrom("57311@s.whatsapp.net", "help", 0)
	own.IsFromMe = true

	tests := []struct {
		name string
		msg  *store.Message
		want bool
	}{
		{"authorized", textFrom("57300@s.whatsapp.net", "help", 0), true},
		{"authorized with country code variance", textFrom("5730012@s.whatsapp.net", "/HELP", 0), true},
		{"unauthorized", textFrom("44770@s.whatsapp.net", "help", 0), false},
		{"group", group, false},
		{"not text", image, false},
		{"own message uses own number", own, false},
		{"future timestamp beyond window", textFrom("57300@s.whatsapp.net", "help", -2*time.Minute), false},
		{"unknown token", textFrom("57300@s.whatsapp.net", "dance now", 0), false},
		{"empty text", textFrom("57300@s.whatsapp.net", "   ", 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, dispatched := h.in.Handle(ctx, tt.msg)
			assert.Equal(t, tt.want, dispatched)
		})
	}
}

func TestOwnNumberIsAuthorizedInSelfChat(t *testing.T) {
	h := newHarness(t, Options{CommandNumbers: []string{"57399"}})
	msg := textFrom("57399@s.whatsapp.net", "ayuda", 0)
	msg.IsFromMe = true

	res, dispatched := h.in.Handle(context.Background(), msg)
	require.True(t, dispatched)
	assert.Contains(t, res.Message, "Available commands")
	assert.Equal(t, "57399@s.whatsapp.net", h.replies(t)[0].ChatJID)
}

func TestOwnMessageInOtherChatIsNotACommand(t *testing.T) {
	h := newHarness(t, Options{CommandNumbers: []string{"57399", "57311"}})
	msg := textFrom("57311@s.whatsapp.net", "status", 0)
	msg.IsFromMe = true

	_, dispatched := h.in.Handle(context.Background(), msg)
	assert.False(t, dispatched)
	assert.Empty(t, h.replies(t))
}

func TestEmailNotConfigured(t *testing.T) {
	h := newHarness(t, Options{CommandNumbers: []string{"57300"}})
	h.in.opts.Recipient = ""

	for _, cmd := range []string{"state", "csv", "qr"} {
		res, dispatched := h.in.Handle(context.Background(), textFrom("57300@s.whatsapp.net", cmd, 0))
		require.True(t, dispatched, cmd)
		assert.False(t, res.Success, cmd)
		assert.True(t, res.ShouldReply, cmd)
		assert.Contains(t, res.Message, "not configured", cmd)
	}
	assert.Empty(t, h.mail.sent)
	assert.Zero(t, h.session.resets)
}

func TestInterpreterSharesExportClock(t *testing.T) {
	h := newHarness(t, Options{})
	assert.True(t, h.in.now().Equal(now))

	start, end := h.in.export.Today()
	assert.LessOrEqual(t, start, now.Unix())
	assert.Greater(t, end, now.Unix())
}

func TestCSVCommand(t *testing.T) {
	h := newHarness(t, Options{CommandNumbers: []string{"57300"}, ReportNumbers: []string{"57311"}})
	require.NoError(t, h.db.InsertMessage(&store.Message{RemoteJID: "57311@s.whatsapp.net", MessageID: "m1", MessageType: store.TypeText, Content: "hi", Timestamp: now.Unix() - 60}))
	require.NoError(t, h.db.InsertMessage(&store.Message{RemoteJID: "57322@s.whatsapp.net", MessageID: "m2", MessageType: store.TypeText, Content: "other", Timestamp: now.Unix() - 60}))

	res, _ := h.in.Handle(context.Background(), textFrom("57300@s.whatsapp.net", "mail-csv", 0))
	require.True(t, res.Success, res.Message)
	assert.Contains(t, res.Message, "1 messages")

	require.Len(t, h.mail.sent, 1)
	att := h.mail.sent[0].Attachments
	require.Len(t, att, 1)
	assert.Equal(t, "text/csv", att[0].MimeType)
	assert.Contains(t, string(att[0].Data), "57311@s.whatsapp.net")
	assert.NotContains(t, string(att[0].Data), "57322@s.whatsapp.net")
}

func TestQRCommand(t *testing.T) {
	h := newHarness(t, Options{CommandNumbers: []string{"57300"}})
	h.session.connected = true
	h.session.qr = []byte("png-bytes")
	h.session.qrAfter = 3

	res, _ := h.in.Handle(context.Background(), textFrom("57300@s.whatsapp.net", "qr", 0))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, h.session.resets)

	require.Len(t, h.mail.sent, 1)
	msg := h.mail.sent[0]
	assert.Contains(t, msg.HTML, "cid:"+qrContentID)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, qrContentID, msg.Attachments[0].ContentID)
	assert.Equal(t, []byte("png-bytes"), msg.Attachments[0].Data)
}

func TestQRCommandTimesOut(t *testing.T) {
	h := newHarness(t, Options{CommandNumbers: []string{"57300"}, QRTimeout: 20 * time.Millisecond})

	res, dispatched := h.in.Handle(context.Background(), textFrom("57300@s.whatsapp.net", "qr", 0))
	require.True(t, dispatched)
	assert.False(t, res.Success)
	assert.True(t, res.ShouldReply)
	assert.Zero(t, h.session.resets, "disconnected sessions are not reset")
	assert.Empty(t, h.mail.sent)
}

func TestHandlerErrorsAndPanicsBecomeFailedResults(t *testing.T) {
	h := newHarness(t, Options{CommandNumbers: []string{"57300"}})
	h.mail.err = errors.New("relay refused")

	res, _ := h.in.Handle(context.Background(), textFrom("57300@s.whatsapp.net", "state", 0))
	assert.False(t, res.Success)
	assert.True(t, res.ShouldReply)

	h.in.mail = &panicMail{}
	res, dispatched := h.in.Handle(context.Background(), textFrom("57300@s.whatsapp.net", "estado", 0))
	require.True(t, dispatched)
	assert.False(t, res.Success)
	assert.True(t, res.ShouldReply)
	assert.Contains(t, res.Message, "unexpectedly")
}

func TestSendDailyReport(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.db.InsertMessage(&store.Message{RemoteJID: "57311@s.whatsapp.net", MessageID: "m1", MessageType: store.TypeText, Content: "hi", Timestamp: now.Unix()}))

	rows, err := h.in.SendDailyReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rows)
	require.Len(t, h.mail.sent, 1)
	assert.Contains(t, h.mail.sent[0].Subject, "2023-11-14")
	assert.Contains(t, h.mail.sent[0].Text, "Messages today: 1")

	h.in.opts.Recipient = ""
	_, err = h.in.SendDailyReport(context.Background())
	assert.ErrorIs(t, err, email.ErrNotConfigured)
}

func TestEmailConversation(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.db.InsertMessage(&store.Message{RemoteJID: "57311@s.whatsapp.net", MessageID: "m1", MessageType: store.TypeText, Content: "hi", Timestamp: 5}))

	rows, err := h.in.EmailConversation(context.Background(), "57311@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, 1, rows)
	assert.Contains(t, h.mail.sent[0].Attachments[0].Filename, "57311")

	_, err = h.in.EmailConversation(context.Background(), "57399@s.whatsapp.net")
	assert.ErrorIs(t, err, ErrUnknownConversation)
	assert.Len(t, h.mail.sent, 1)
}

func TestStartConsumesStoredMessages(t *testing.T) {
	h := newHarness(t, Options{CommandNumbers: []string{"57300"}})
	h.in.Start(context.Background())
	defer h.in.Stop()

	h.in.bus.Publish(bus.Event{Kind: bus.KindMessageStored, Payload: textFrom("57300@s.whatsapp.net", "help", 0)})
	require.Eventually(t, func() bool { return len(h.replies(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestParse(t *testing.T) {
	token, args := Parse("  /CSV extra  words ")
	assert.Equal(t, "csv", token)
	assert.Equal(t, []string{"extra", "words"}, args)

	token, args = Parse("")
	assert.Empty(t, token)
	assert.Nil(t, args)
}

func TestAuthorized(t *testing.T) {
	assert.True(t, Authorized("573001234567", []string{"300 123 4567"}))
	assert.True(t, Authorized("+57 300 123 4567", []string{"573001234567"}))
	assert.False(t, Authorized("573001234567", []string{"999"}))
	assert.False(t, Authorized("", []string{"57"}))
	assert.False(t, Authorized("57300", nil))
	assert.False(t, Authorized("57300", []string{"+", ""}))
}
