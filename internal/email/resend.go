package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/matheus3301/wpparchive/internal/config"
)

// Resend sends mail through the Resend HTTP API.
type Resend struct {
	client *resty.Client
}

func NewResend(cfg config.ResendConfig) *Resend {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.resend.com"
	}
	return &Resend{
		client: resty.New().
			SetBaseURL(base).
			SetAuthToken(cfg.APIKey).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

func (r *Resend) Provider() string { return "resend" }

type resendAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
}

type resendRequest struct {
	From        string             `json:"from"`
	To          []string           `json:"to"`
	Subject     string             `json:"subject"`
	HTML        string             `json:"html,omitempty"`
	Text        string             `json:"text,omitempty"`
	Attachments []resendAttachment `json:"attachments,omitempty"`
}

type resendResponse struct {
	ID string `json:"id"`
}

type resendError struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

func (r *Resend) Send(ctx context.Context, msg *Message) error {
	req := resendRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	}
	if msg.FromName != "" {
		req.From = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}
	for _, a := range msg.Attachments {
		req.Attachments = append(req.Attachments, resendAttachment{
			Filename:    a.Filename,
			Content:     base64.StdEncoding.EncodeToString(a.Data),
			ContentType: a.MimeType,
			ContentID:   a.ContentID,
		})
	}

	var (
		ok   resendResponse
		fail resendError
	)
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&ok).
		SetError(&fail).
		Post("/emails")
	if err != nil {
		return fmt.Errorf("resend request: %w", err)
	}
	if resp.IsError() {
		if fail.Message != "" {
			return fmt.Errorf("resend: %s (%d): %s", fail.Name, resp.StatusCode(), fail.Message)
		}
		return fmt.Errorf("resend: status %d", resp.StatusCode())
	}
	if ok.ID == "" {
		return fmt.Errorf("resend: response without id")
	}
	return nil
}
