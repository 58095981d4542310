package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/matheus3301/wpparchive/internal/store"
)

// Columns is the CSV header.
var Columns = []string{
	"id", "remote_jid", "sender_name", "message_id", "message_type",
	"content", "timestamp", "is_group", "created_at",
}

// CSVRequest selects the rows of an export. Today overrides From and To.
// Numbers restricts rows to conversations or participants whose JID contains
// one of the numbers after digit normalization.
type CSVRequest struct {
	RemoteJID string
	From      int64
	To        int64
	Today     bool
	Numbers   []string
}

// Export is a rendered CSV document.
type Export struct {
	Filename string
	Data     []byte
	Rows     int
}

// CSV renders the selected messages oldest first.
func (s *Service) CSV(ctx context.Context, req CSVRequest) (*Export, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := store.MessageQuery{
		RemoteJID: req.RemoteJID,
		From:      req.From,
		To:        req.To,
		Ascending: true,
	}
	if req.Today {
		q.From, q.To = s.Today()
	}
	if len(req.Numbers) > 0 {
		q.Numbers = NormalizeNumbers(req.Numbers)
	}

	msgs, _, err := s.db.QueryMessages(q)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, msgs, s.loc); err != nil {
		return nil, err
	}
	return &Export{
		Filename: s.filename(req),
		Data:     buf.Bytes(),
		Rows:     len(msgs),
	}, nil
}

func (s *Service) filename(req CSVRequest) string {
	day := s.now().In(s.loc).Format("2006-01-02")
	switch {
	case req.RemoteJID != "":
		return fmt.Sprintf("messages_%s_%s.csv", safeJID(req.RemoteJID), day)
	case req.Today:
		return fmt.Sprintf("messages_%s.csv", day)
	case req.From > 0 || req.To > 0:
		return fmt.Sprintf("messages_%s_%s.csv", dayOf(req.From, s.loc, "start"), dayOf(req.To, s.loc, day))
	default:
		return fmt.Sprintf("messages_all_%s.csv", day)
	}
}

func dayOf(ts int64, loc *time.Location, fallback string) string {
	if ts <= 0 {
		return fallback
	}
	return time.Unix(ts, 0).In(loc).Format("2006-01-02")
}

func safeJID(jid string) string {
	out := []byte(jid)
	for i, c := range out {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			out[i] = '_'
		}
	}
	return string(out)
}

// WriteCSV writes the header and one record per message. Timestamps are
// RFC 3339 in loc.
func WriteCSV(w io.Writer, msgs []store.Message, loc *time.Location) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, m := range msgs {
		record := []string{
			strconv.FormatInt(m.ID, 10),
			m.RemoteJID,
			m.SenderName,
			m.MessageID,
			m.MessageType,
			m.Content,
			time.Unix(m.Timestamp, 0).In(loc).Format(time.RFC3339),
			strconv.FormatBool(m.IsGroup),
			time.Unix(m.CreatedAt, 0).In(loc).Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv record %s: %w", m.MessageID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
