package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertInfo merges a group or contact metadata entry. Empty fields never erase a
// previously cached value; updated_at always moves forward.
func (db *DB) UpsertInfo(kind InfoKind, info *Info) error {
	if err := kind.validate(); err != nil {
		return err
	}
	now := info.UpdatedAt
	if now == 0 {
		now = time.Now().Unix()
	}
	_, err := db.Exec(`
		INSERT INTO `+string(kind)+` (jid, name, picture_path, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = COALESCE(excluded.name, `+string(kind)+`.name),
			picture_path = COALESCE(excluded.picture_path, `+string(kind)+`.picture_path),
			updated_at = excluded.updated_at`,
		info.JID, nullable(info.Name), nullable(info.PicturePath), now)
	return err
}

// GetInfo returns a cached metadata entry, or nil if none exists.
func (db *DB) GetInfo(kind InfoKind, jid string) (*Info, error) {
	if err := kind.validate(); err != nil {
		return nil, err
	}
	var info Info
	err := db.QueryRow(`SELECT jid, COALESCE(name, ''), COALESCE(picture_path, ''), updated_at FROM `+string(kind)+` WHERE jid = ?`, jid).
		Scan(&info.JID, &info.Name, &info.PicturePath, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (k InfoKind) validate() error {
	switch k {
	case GroupInfo, ContactInfo:
		return nil
	default:
		return fmt.Errorf("store: unknown info kind %q", string(k))
	}
}

// MergeInfoName records a name learned outside a refresh, such as a push name.
// A new row is created stale so the next message still triggers a full refresh.
// An existing non-empty name, such as an address-book name from a refresh, is kept.
func (db *DB) MergeInfoName(kind InfoKind, jid, name string) error {
	if err := kind.validate(); err != nil {
		return err
	}
	if name == "" {
		return nil
	}
	_, err := db.Exec(`
		INSERT INTO `+string(kind)+` (jid, name, updated_at) VALUES (?, ?, 0)
		ON CONFLICT(jid) DO UPDATE SET name = COALESCE(NULLIF(name, ''), excluded.name)`,
		jid, name)
	return err
}
