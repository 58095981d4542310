// Package cli implements wpparchivectl, a command-line client for the daemon's
// HTTP API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/matheus3301/wpparchive/internal/api"
	"github.com/matheus3301/wpparchive/internal/export"
	"github.com/matheus3301/wpparchive/internal/store"
)

// Client talks to a running daemon.
type Client struct {
	http *resty.Client
}

// NewClient creates a client for the daemon at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

// APIError is a failure reported by the daemon.
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Msg)
}

func call[T any](ctx context.Context, req *resty.Request, method, path string) (T, error) {
	var env envelope[T]
	resp, err := req.SetContext(ctx).SetResult(&env).SetError(&env).Execute(method, path)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("cannot reach daemon: %w", err)
	}
	if resp.IsError() || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = resp.Status()
		}
		var zero T
		return zero, &APIError{Status: resp.StatusCode(), Msg: msg}
	}
	return env.Data, nil
}

// Status returns the connection status.
func (c *Client) Status(ctx context.Context) (api.StatusView, error) {
	return call[api.StatusView](ctx, c.http.R(), resty.MethodGet, "/api/whatsapp/status")
}

// Reset discards the paired session and starts a new QR pairing.
func (c *Client) Reset(ctx context.Context) error {
	_, err := call[map[string]any](ctx, c.http.R(), resty.MethodPost, "/api/whatsapp/reset")
	return err
}

type rowsResult struct {
	Rows int `json:"rows"`
}

// SendReport triggers the daily report email now.
func (c *Client) SendReport(ctx context.Context) (int, error) {
	res, err := call[rowsResult](ctx, c.http.R(), resty.MethodPost, "/api/report/send")
	return res.Rows, err
}

// EmailConversation emails one conversation as CSV.
func (c *Client) EmailConversation(ctx context.Context, jid string) (int, error) {
	req := c.http.R().SetPathParam("jid", jid)
	res, err := call[rowsResult](ctx, req, resty.MethodPost, "/api/conversations/{jid}/email")
	return res.Rows, err
}

// Conversations lists archived conversations by last activity.
func (c *Client) Conversations(ctx context.Context) ([]store.Conversation, error) {
	return call[[]store.Conversation](ctx, c.http.R(), resty.MethodGet, "/api/conversations")
}

// MessagesQuery mirrors the /api/messages query parameters. Times are passed
// through unparsed.
type MessagesQuery struct {
	RemoteJID string
	Search    string
	From      string
	To        string
	Page      int
	Limit     int
	Sort      string
}

func (q MessagesQuery) params() map[string]string {
	p := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			p[k] = v
		}
	}
	set("remote_jid", q.RemoteJID)
	set("search", q.Search)
	set("from", q.From)
	set("to", q.To)
	set("sort", q.Sort)
	if q.Page > 0 {
		p["page"] = strconv.Itoa(q.Page)
	}
	if q.Limit > 0 {
		p["limit"] = strconv.Itoa(q.Limit)
	}
	return p
}

// Messages returns one page of messages.
func (c *Client) Messages(ctx context.Context, q MessagesQuery) (*export.Page, error) {
	page, err := call[export.Page](ctx, c.http.R().SetQueryParams(q.params()), resty.MethodGet, "/api/messages")
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// ExportQuery mirrors the /api/export/csv query parameters.
type ExportQuery struct {
	RemoteJID string
	From      string
	To        string
	Today     bool
}

// ExportCSV downloads a CSV export and returns the server-suggested filename.
func (c *Client) ExportCSV(ctx context.Context, q ExportQuery) (string, []byte, error) {
	params := MessagesQuery{RemoteJID: q.RemoteJID, From: q.From, To: q.To}.params()
	if q.Today {
		params["today"] = "true"
	}
	var env envelope[any]
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetError(&env).
		Get("/api/export/csv")
	if err != nil {
		return "", nil, fmt.Errorf("cannot reach daemon: %w", err)
	}
	if resp.IsError() {
		return "", nil, &APIError{Status: resp.StatusCode(), Msg: env.Error}
	}
	name := "messages.csv"
	if _, params, err := mime.ParseMediaType(resp.Header().Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return name, resp.Body(), nil
}

// IsUnavailable reports whether err means the daemon is up but the session
// cannot serve the request.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 503
}
