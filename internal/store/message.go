package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrDuplicate is returned by InsertMessage when the message_id is already archived.
var ErrDuplicate = errors.New("store: duplicate message id")

const messageColumns = `id, remote_jid, COALESCE(sender_name, ''), COALESCE(participant_jid, ''),
	message_id, message_type, content, timestamp, is_group, is_from_me,
	COALESCE(media_path, ''), COALESCE(media_mimetype, ''), created_at`

// InsertMessage archives a message. Messages are immutable: a second insert with the
// same message_id fails with ErrDuplicate and leaves the stored row untouched.
func (db *DB) InsertMessage(m *Message) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}
	res, err := db.Exec(`
		INSERT INTO messages (remote_jid, sender_name, participant_jid, message_id, message_type, content,
			timestamp, is_group, is_from_me, media_path, media_mimetype, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RemoteJID, nullable(m.SenderName), nullable(m.ParticipantJID), m.MessageID, m.MessageType, m.Content,
		m.Timestamp, m.IsGroup, m.IsFromMe, nullable(m.MediaPath), nullable(m.MediaMimetype), m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// GetMessage returns a message by its protocol message id, or nil if absent.
func (db *DB) GetMessage(messageID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// LatestMessage returns the most recent message of a conversation, or nil.
// When fromOthers is set, messages sent by the account owner are ignored.
func (db *DB) LatestMessage(remoteJID string, fromOthers bool) (*Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE remote_jid = ?`
	if fromOthers {
		q += ` AND is_from_me = 0`
	}
	q += ` ORDER BY timestamp DESC, id DESC LIMIT 1`
	m, err := scanMessage(db.QueryRow(q, remoteJID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// MessageQuery selects archived messages. Zero values mean "no constraint".
type MessageQuery struct {
	RemoteJID string
	Search    string
	From      int64 // inclusive, unix seconds
	To        int64 // inclusive, unix seconds
	Numbers   []string
	Ascending bool
	Limit     int
	Offset    int
}

func (q MessageQuery) where() (string, []any) {
	var conds []string
	var args []any
	if q.RemoteJID != "" {
		conds = append(conds, "remote_jid = ?")
		args = append(args, q.RemoteJID)
	}
	if q.Search != "" {
		conds = append(conds, `content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.Search)+"%")
	}
	if q.From > 0 {
		conds = append(conds, "timestamp >= ?")
		args = append(args, q.From)
	}
	if q.To > 0 {
		conds = append(conds, "timestamp <= ?")
		args = append(args, q.To)
	}
	if len(q.Numbers) > 0 {
		var ors []string
		for _, n := range q.Numbers {
			ors = append(ors, `remote_jid LIKE ? ESCAPE '\'`, `COALESCE(participant_jid, '') LIKE ? ESCAPE '\'`)
			pattern := "%" + escapeLike(n) + "%"
			args = append(args, pattern, pattern)
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// QueryMessages returns the requested page of messages and the total number of matches.
func (db *DB) QueryMessages(q MessageQuery) ([]Message, int64, error) {
	where, args := q.where()

	var total int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	order := " ORDER BY timestamp DESC, id DESC"
	if q.Ascending {
		order = " ORDER BY timestamp ASC, id ASC"
	}
	stmt := `SELECT ` + messageColumns + ` FROM messages` + where + order
	pageArgs := append([]any{}, args...)
	if q.Limit > 0 {
		stmt += " LIMIT ? OFFSET ?"
		pageArgs = append(pageArgs, q.Limit, q.Offset)
	}

	rows, err := db.Query(stmt, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, total, rows.Err()
}

// MessageCount returns the total number of archived messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// ConversationCount returns the number of distinct conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(DISTINCT remote_jid) FROM messages`).Scan(&count)
	return count, err
}

// LatestTimestamp returns the newest message timestamp, or 0 for an empty archive.
func (db *DB) LatestTimestamp() (int64, error) {
	var ts sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(timestamp) FROM messages`).Scan(&ts); err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	if err := s.Scan(&m.ID, &m.RemoteJID, &m.SenderName, &m.ParticipantJID, &m.MessageID, &m.MessageType,
		&m.Content, &m.Timestamp, &m.IsGroup, &m.IsFromMe, &m.MediaPath, &m.MediaMimetype, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
