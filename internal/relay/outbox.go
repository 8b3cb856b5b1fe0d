package relay

import (
	"context"
	"database/sql"
	"fmt"

	"clinic/queue-service/internal/store"
)

// SQLOutbox claims unpublished outbox rows with FOR UPDATE SKIP LOCKED so
// several relays can run against the same database.
type SQLOutbox struct {
	db *sql.DB
}

func NewSQLOutbox(db *sql.DB) *SQLOutbox {
	return &SQLOutbox{db: db}
}

// Claim locks up to limit unpublished events (or the single event eventID when
// set) and marks published every event fn accepts. It stops at the first
// failure so later events are not published ahead of it.
func (o *SQLOutbox) Claim(ctx context.Context, eventID string, limit int, fn func(store.OutboxEvent) error) (int, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox transaction: %w", err)
	}
	defer tx.Rollback()

	var rows *sql.Rows
	if eventID != "" {
		rows, err = tx.QueryContext(ctx, `
			SELECT event_id, organization_id, type, payload_json, created_at
			FROM outbox_events
			WHERE event_id = $1 AND published_at IS NULL
			FOR UPDATE SKIP LOCKED
		`, eventID)
	} else {
		rows, err = tx.QueryContext(ctx, `
			SELECT event_id, organization_id, type, payload_json, created_at
			FROM outbox_events
			WHERE published_at IS NULL
			ORDER BY created_at ASC, event_id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
	}
	if err != nil {
		return 0, fmt.Errorf("claim outbox events: %w", err)
	}

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.EventID, &event.OrganizationID, &event.Type, &payload, &event.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	published := 0
	var publishErr error
	for _, event := range events {
		if err := fn(event); err != nil {
			publishErr = fmt.Errorf("publish event %s: %w", event.EventID, err)
			break
		}
		if _, err := tx.ExecContext(ctx, `UPDATE outbox_events SET published_at = NOW() WHERE event_id = $1`, event.EventID); err != nil {
			return 0, fmt.Errorf("mark event %s published: %w", event.EventID, err)
		}
		published++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox transaction: %w", err)
	}
	return published, publishErr
}
