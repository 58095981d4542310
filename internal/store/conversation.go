package store

import "fmt"

// ListConversations aggregates messages into one row per remote_jid, ordered by last
// activity. Display names come from the metadata cache; individual chats without a
// cached contact name fall back to the most recent sender name that is not the owner.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		WITH ranked AS (
			SELECT remote_jid, content, message_type, timestamp, is_group,
				ROW_NUMBER() OVER (PARTITION BY remote_jid ORDER BY timestamp DESC, id DESC) AS rn,
				COUNT(*) OVER (PARTITION BY remote_jid) AS cnt
			FROM messages
		),
		agg AS (
			SELECT remote_jid,
				content      AS last_content,
				message_type AS last_type,
				timestamp    AS last_ts,
				cnt,
				is_group
			FROM ranked
			WHERE rn = 1
		)
		SELECT a.remote_jid, a.is_group, a.last_content, a.last_type, a.last_ts, a.cnt,
			COALESCE(NULLIF(g.name, ''), ''),
			COALESCE(NULLIF(c.name, ''), ''),
			COALESCE((
				SELECT s.sender_name FROM messages s
				WHERE s.remote_jid = a.remote_jid AND s.is_from_me = 0
					AND s.sender_name IS NOT NULL AND s.sender_name != ''
				ORDER BY s.timestamp DESC LIMIT 1
			), ''),
			COALESCE(NULLIF(g.picture_path, ''), NULLIF(c.picture_path, ''), '')
		FROM agg a
		LEFT JOIN group_info g ON g.jid = a.remote_jid
		LEFT JOIN contact_info c ON c.jid = a.remote_jid
		ORDER BY a.last_ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	convs := []Conversation{}
	for rows.Next() {
		var (
			c                              Conversation
			groupName, contactName, pushed string
		)
		if err := rows.Scan(&c.RemoteJID, &c.IsGroup, &c.LastMessage, &c.LastMessageType, &c.LastTimestamp,
			&c.MessageCount, &groupName, &contactName, &pushed, &c.PicturePath); err != nil {
			return nil, err
		}
		if c.IsGroup {
			c.Name = groupName
		} else {
			c.Name = firstNonEmpty(contactName, pushed)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
