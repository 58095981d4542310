package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/wpparchive/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Sort orders for message queries. The empty value picks the default.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// ErrInvalidSort is returned for a sort value other than asc or desc.
var ErrInvalidSort = errors.New("sort must be asc or desc")

// Filter selects a page of messages. From and To are inclusive unix seconds;
// zero leaves the bound open.
type Filter struct {
	RemoteJID string
	Search    string
	From      int64
	To        int64
	Page      int
	Limit     int
	Sort      string
}

// Page is one page of a message query.
type Page struct {
	Messages []store.Message `json:"messages"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	Limit    int             `json:"limit"`
	Pages    int             `json:"pages"`
	Sort     string          `json:"sort"`
}

// Service is the read side over the archive.
type Service struct {
	db  *store.DB
	loc *time.Location
	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for "today".
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a service. Day boundaries are computed in loc.
func New(db *store.DB, loc *time.Location, opts ...Option) *Service {
	if loc == nil {
		loc = time.Local
	}
	s := &Service{db: db, loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the current time according to the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Location returns the timezone used for day boundaries and CSV timestamps.
func (s *Service) Location() *time.Location { return s.loc }

// Messages returns a page of messages. Without an explicit sort, a single
// conversation without a search reads oldest first; everything else newest
// first.
func (s *Service) Messages(ctx context.Context, f Filter) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort, err := resolveSort(f)
	if err != nil {
		return nil, err
	}
	page := max(f.Page, 1)
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	msgs, total, err := s.db.QueryMessages(store.MessageQuery{
		RemoteJID: f.RemoteJID,
		Search:    f.Search,
		From:      f.From,
		To:        f.To,
		Ascending: sort == SortAsc,
		Limit:     limit,
		Offset:    (page - 1) * limit,
	})
	if err != nil {
		return nil, err
	}
	return &Page{
		Messages: msgs,
		Total:    total,
		Page:     page,
		Limit:    limit,
		Pages:    int((total + int64(limit) - 1) / int64(limit)),
		Sort:     sort,
	}, nil
}

func resolveSort(f Filter) (string, error) {
	switch strings.ToLower(f.Sort) {
	case SortAsc:
		return SortAsc, nil
	case SortDesc:
		return SortDesc, nil
	case "":
		if f.RemoteJID != "" && f.Search == "" {
			return SortAsc, nil
		}
		return SortDesc, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSort, f.Sort)
	}
}

// Conversations lists conversations by last activity, newest first.
func (s *Service) Conversations(ctx context.Context) ([]store.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.ListConversations()
}

// LatestTimestamp returns the newest archived timestamp, 0 when empty.
func (s *Service) LatestTimestamp(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.db.LatestTimestamp()
}

// Events returns the newest audit events (deletions, edits, calls).
func (s *Service) Events(ctx context.Context, limit int) ([]store.AppEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.ListEvents(limit)
}

// Errors returns the newest recorded runtime errors.
func (s *Service) Errors(ctx context.Context, limit int) ([]store.AppError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.ListErrors(limit)
}

// Stats are archive totals used in status reports.
type Stats struct {
	Messages      int64 `json:"messages"`
	Conversations int64 `json:"conversations"`
	Latest        int64 `json:"latest_timestamp"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := ctx.Err(); err != nil {
		return st, err
	}
	var err error
	if st.Messages, err = s.db.MessageCount(); err != nil {
		return st, fmt.Errorf("count messages: %w", err)
	}
	if st.Conversations, err = s.db.ConversationCount(); err != nil {
		return st, fmt.Errorf("count conversations: %w", err)
	}
	if st.Latest, err = s.db.LatestTimestamp(); err != nil {
		return st, fmt.Errorf("latest timestamp: %w", err)
	}
	return st, nil
}

// Today returns the inclusive unix bounds of the current day.
func (s *Service) Today() (from, to int64) {
	return DayBounds(s.now(), s.loc)
}

// DayBounds returns the inclusive unix bounds of the day containing t in loc.
func DayBounds(t time.Time, loc *time.Location) (from, to int64) {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start.Unix(), end.Unix() - 1
}

// Digits strips everything but ASCII digits from a phone number.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeNumbers returns the digit forms of numbers, dropping empties.
func NormalizeNumbers(numbers []string) []string {
	var out []string
	for _, n := range numbers {
		if d := Digits(n); d != "" {
			out = append(out, d)
		}
	}
	return out
}
