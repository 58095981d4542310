package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/config"
)

func resendConfig(url string) config.EmailConfig {
	return config.EmailConfig{
		Provider: "resend",
		From:     "archive@example.com",
		FromName: "WhatsApp Archive",
		To:       "me@example.com, other@example.com",
		Resend:   config.ResendConfig{APIKey: "re_test", BaseURL: url},
	}
}

func TestResendSend(t *testing.T) {
	var got resendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"em_123"}`))
	}))
	defer srv.Close()

	sender, err := New(resendConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "resend", sender.Provider())

	err = sender.Send(context.Background(), &Message{
		Subject: "Daily report",
		HTML:    `<p>hi</p><img src="cid:qr">`,
		Text:    "hi",
		Attachments: []Attachment{
			{Filename: "qr.png", Data: []byte{0x89, 'P', 'N', 'G'}, MimeType: "image/png", ContentID: "qr"},
			{Filename: "messages.csv", Data: []byte("id\n1\n"), MimeType: "text/csv"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "WhatsApp Archive <archive@example.com>", got.From)
	assert.Equal(t, []string{"me@example.com", "other@example.com"}, got.To)
	assert.Equal(t, "Daily report", got.Subject)
	require.Len(t, got.Attachments, 2)
	assert.Equal(t, "qr", got.Attachments[0].ContentID)
	csv, err := base64.StdEncoding.DecodeString(got.Attachments[1].Content)
	require.NoError(t, err)
	assert.Equal(t, "id\n1\n", string(csv))
}

func TestResendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"statusCode":422,"name":"validation_error","message":"Invalid from field"}`))
	}))
	defer srv.Close()

	sender, err := New(resendConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	err = sender.Send(context.Background(), &Message{Subject: "x", Text: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid from field")
	assert.False(t, errors.Is(err, ErrNotConfigured))
}

func TestNewProviders(t *testing.T) {
	sender, err := New(config.EmailConfig{Provider: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.ErrorIs(t, sender.Send(context.Background(), &Message{}), ErrNotConfigured)

	_, err = New(config.EmailConfig{Provider: "smtp"}, zap.NewNop())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(config.EmailConfig{Provider: "resend"}, zap.NewNop())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(config.EmailConfig{Provider: "carrier-pigeon"}, zap.NewNop())
	assert.Error(t, err)

	sender, err = New(config.EmailConfig{Provider: "smtp", SMTP: config.SMTPConfig{Host: "localhost"}}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "smtp", sender.Provider())
}

func TestMissingRecipientIsNotConfigured(t *testing.T) {
	cfg := resendConfig("http://127.0.0.1:1")
	cfg.To = ""
	sender, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	err = sender.Send(context.Background(), &Message{Subject: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestBuildMsg(t *testing.T) {
	m, err := buildMsg(&Message{
		To:       []string{"me@example.com"},
		From:     "archive@example.com",
		FromName: "Archive",
		Subject:  "Pairing code",
		HTML:     `<img src="cid:qr-code">`,
		Text:     "scan it",
		Attachments: []Attachment{
			{Filename: "qr.png", Data: []byte("png"), MimeType: "image/png", ContentID: "qr-code"},
			{Filename: "messages.csv", Data: []byte("a,b\n"), MimeType: "text/csv"},
		},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "Subject: Pairing code")
	assert.Contains(t, out, "archive@example.com")
	assert.Regexp(t, `(?i)content-id: <?qr-code>?`, out)
	assert.Contains(t, out, `filename="messages.csv"`)
}

func TestBuildMsgRejectsBadAddress(t *testing.T) {
	_, err := buildMsg(&Message{To: []string{"not an address"}, From: "archive@example.com"})
	assert.Error(t, err)
}

func TestRecipients(t *testing.T) {
	assert.Equal(t, []string{"a@x.io", "b@x.io"}, Recipients(" a@x.io ,, b@x.io "))
	assert.Nil(t, Recipients(""))
}
