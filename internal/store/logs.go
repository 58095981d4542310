package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// InsertEvent appends an app event.
func (db *DB) InsertEvent(e *AppEvent) error {
	details, err := marshalMap(e.Details)
	if err != nil {
		return fmt.Errorf("encode event details: %w", err)
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	_, err = db.Exec(`
		INSERT INTO app_events (event_type, remote_jid, message_id, details, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.EventType, nullable(e.RemoteJID), nullable(e.MessageID), details, e.CreatedAt)
	return err
}

// InsertError appends an app error.
func (db *DB) InsertError(e *AppError) error {
	ctx, err := marshalMap(e.Context)
	if err != nil {
		return fmt.Errorf("encode error context: %w", err)
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	_, err = db.Exec(`
		INSERT INTO app_errors (error_type, error_message, stack, location, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ErrorType, e.ErrorMessage, nullable(e.Stack), e.Location, ctx, e.CreatedAt)
	return err
}

// ListEvents returns the most recent app events, newest first.
func (db *DB) ListEvents(limit int) ([]AppEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, event_type, COALESCE(remote_jid, ''), COALESCE(message_id, ''), details, created_at
		FROM app_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := []AppEvent{}
	for rows.Next() {
		var (
			e       AppEvent
			details string
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.RemoteJID, &e.MessageID, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(details), &e.Details)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListErrors returns the most recent app errors, newest first.
func (db *DB) ListErrors(limit int) ([]AppError, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, error_type, error_message, COALESCE(stack, ''), location, context, created_at
		FROM app_errors ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	errs := []AppError{}
	for rows.Next() {
		var (
			e   AppError
			ctx string
		)
		if err := rows.Scan(&e.ID, &e.ErrorType, &e.ErrorMessage, &e.Stack, &e.Location, &ctx, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(ctx), &e.Context)
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
