package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/export"
	"github.com/matheus3301/wpparchive/internal/status"
)

// Session is the subset of the connection manager the API exposes.
type Session interface {
	Status() status.Snapshot
	QRDataURL() (string, error)
	IsConnected() bool
	OwnNumber() string
	ResetSession(ctx context.Context) error
}

// Reports triggers email deliveries.
type Reports interface {
	SendDailyReport(ctx context.Context) (int, error)
	EmailConversation(ctx context.Context, remoteJID string) (int, error)
}

// Handler serves the archive over HTTP.
type Handler struct {
	export  *export.Service
	session Session
	reports Reports
	log     *zap.Logger
	started time.Time
}

// NewHandler creates the HTTP handlers.
func NewHandler(exp *export.Service, session Session, reports Reports, logger *zap.Logger) *Handler {
	return &Handler{
		export:  exp,
		session: session,
		reports: reports,
		log:     logger.Named("api"),
		started: time.Now(),
	}
}

type messagesQuery struct {
	RemoteJID string `form:"remote_jid"`
	Search    string `form:"search"`
	From      string `form:"from"`
	To        string `form:"to"`
	Page      int    `form:"page" binding:"omitempty,min=1"`
	Limit     int    `form:"limit" binding:"omitempty,min=1"`
	Sort      string `form:"sort" binding:"omitempty,oneof=asc desc"`
}

// ListMessages handles GET /api/messages.
func (h *Handler) ListMessages(c *gin.Context) {
	var q messagesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.bindError(c, err)
		return
	}
	from, to, err := h.parseRange(q.From, q.To)
	if err != nil {
		h.handleError(c, err)
		return
	}
	page, err := h.export.Messages(c.Request.Context(), export.Filter{
		RemoteJID: q.RemoteJID,
		Search:    q.Search,
		From:      from,
		To:        to,
		Page:      q.Page,
		Limit:     q.Limit,
		Sort:      q.Sort,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	HandleSuccess(c, page)
}

// LatestTimestamp handles GET /api/messages/latest-timestamp.
func (h *Handler) LatestTimestamp(c *gin.Context) {
	ts, err := h.export.LatestTimestamp(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	HandleSuccess(c, gin.H{"timestamp": ts})
}

// ListConversations handles GET /api/conversations.
func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.export.Conversations(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	HandleSuccess(c, convs)
}

type logQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// ListEvents handles GET /api/events.
func (h *Handler) ListEvents(c *gin.Context) {
	var q logQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.bindError(c, err)
		return
	}
	events, err := h.export.Events(c.Request.Context(), q.Limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	HandleSuccess(c, events)
}

// ListErrors handles GET /api/errors.
func (h *Handler) ListErrors(c *gin.Context) {
	var q logQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.bindError(c, err)
		return
	}
	errs, err := h.export.Errors(c.Request.Context(), q.Limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	HandleSuccess(c, errs)
}

type csvQuery struct {
	RemoteJID string `form:"remote_jid"`
	From      string `form:"from"`
	To        string `form:"to"`
	Today     bool   `form:"today"`
}

// ExportCSV handles GET /api/export/csv and responds with a file download.
func (h *Handler) ExportCSV(c *gin.Context) {
	var q csvQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.bindError(c, err)
		return
	}
	from, to, err := h.parseRange(q.From, q.To)
	if err != nil {
		h.handleError(c, err)
		return
	}
	exp, err := h.export.CSV(c.Request.Context(), export.CSVRequest{
		RemoteJID: q.RemoteJID,
		From:      from,
		To:        to,
		Today:     q.Today,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, exp.Filename))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", exp.Data)
}

// StatusView is the connection status payload.
type StatusView struct {
	State     status.State `json:"state"`
	Since     time.Time    `json:"since"`
	Connected bool         `json:"connected"`
	Number    string       `json:"number,omitempty"`
	QR        string       `json:"qr,omitempty"`
}

// WhatsAppStatus handles GET /api/whatsapp/status. The QR data URL is only
// present while waiting for a scan.
func (h *Handler) WhatsAppStatus(c *gin.Context) {
	snap := h.session.Status()
	view := StatusView{
		State:     snap.State,
		Since:     snap.Since,
		Connected: h.session.IsConnected(),
		Number:    h.session.OwnNumber(),
	}
	if snap.State == status.QRReady {
		if url, err := h.session.QRDataURL(); err == nil {
			view.QR = url
		}
	}
	HandleSuccess(c, view)
}

// ResetSession handles POST /api/whatsapp/reset.
func (h *Handler) ResetSession(c *gin.Context) {
	if err := h.session.ResetSession(c.Request.Context()); err != nil {
		h.handleError(c, err)
		return
	}
	HandleSuccess(c, gin.H{"message": "session reset, scan the new QR code"})
}

// SendReport handles POST /api/report/send.
func (h *Handler) SendReport(c *gin.Context) {
	rows, err := h.reports.SendDailyReport(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	HandleSuccess(c, gin.H{"rows": rows})
}

// EmailConversation handles POST /api/conversations/:jid/email.
func (h *Handler) EmailConversation(c *gin.Context) {
	jid := strings.TrimSpace(c.Param("jid"))
	if jid == "" {
		h.handleError(c, badRequest("conversation id is required"))
		return
	}
	rows, err := h.reports.EmailConversation(c.Request.Context(), jid)
	if err != nil {
		h.handleError(c, err)
		return
	}
	HandleSuccess(c, gin.H{"rows": rows})
}

// Health handles GET /api/health.
func (h *Handler) Health(c *gin.Context) {
	HandleSuccess(c, gin.H{
		"status": "ok",
		"state":  h.session.Status().State,
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) parseRange(fromRaw, toRaw string) (from, to int64, err error) {
	loc := h.export.Location()
	if from, err = parseTime(fromRaw, loc, false); err != nil {
		return 0, 0, badRequest("from: " + err.Error())
	}
	if to, err = parseTime(toRaw, loc, true); err != nil {
		return 0, 0, badRequest("to: " + err.Error())
	}
	if from != 0 && to != 0 && from > to {
		return 0, 0, badRequest("from must not be after to")
	}
	return from, to, nil
}

// parseTime accepts unix seconds, RFC 3339 or a YYYY-MM-DD date. A bare date
// means the start of that day, or its last second when end is set.
func parseTime(raw string, loc *time.Location, end bool) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative timestamp")
		}
		return n, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Unix(), nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, raw, loc); err == nil {
		from, to := export.DayBounds(t, loc)
		if end {
			return to, nil
		}
		return from, nil
	}
	return 0, fmt.Errorf("unrecognized time %q", raw)
}
