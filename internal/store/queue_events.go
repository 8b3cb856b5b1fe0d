package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"clinic/queue-service/internal/models"
)

const (
	EventEnqueued  = "queue_item.enqueued"
	EventStarted   = "queue_item.started"
	EventCompleted = "queue_item.completed"
	EventSkipped   = "queue_item.skipped"
	EventCancelled = "queue_item.cancelled"
)

var actionEvents = map[string]string{
	ActionStart:    EventStarted,
	ActionComplete: EventCompleted,
	ActionSkip:     EventSkipped,
	ActionCancel:   EventCancelled,
}

func EventTypeForAction(action string) string {
	return actionEvents[action]
}

type QueueItemEvent struct {
	QueueItemID string          `json:"queueItemId"`
	Seq         int             `json:"seq"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
	PrevHash    string          `json:"prevHash"`
	Hash        string          `json:"hash"`
}

// EventPayload is the body written to both the outbox and the per-item history.
type EventPayload struct {
	QueueItemID    string     `json:"queue_item_id"`
	OrganizationID string     `json:"organization_id"`
	DepartmentID   string     `json:"department_id"`
	DoctorID       string     `json:"doctor_id"`
	PatientID      string     `json:"patient_id"`
	ServiceID      string     `json:"service_id"`
	QueueNumber    int        `json:"queue_number"`
	Status         string     `json:"status"`
	PriorityClass  string     `json:"priority_class,omitempty"`
	QueuedAt       *time.Time `json:"queued_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	SkippedAt      *time.Time `json:"skipped_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	PerformedByID  *string    `json:"performed_by_id,omitempty"`
	ResultText     *string    `json:"result_text,omitempty"`
	Reason         *string    `json:"reason,omitempty"`
}

func NewEventPayload(item models.QueueItem) EventPayload {
	queuedAt := item.QueuedAt
	return EventPayload{
		QueueItemID:    item.ID,
		OrganizationID: item.OrganizationID,
		DepartmentID:   item.DepartmentID,
		DoctorID:       item.DoctorID,
		PatientID:      item.PatientID,
		ServiceID:      item.ServiceID,
		QueueNumber:    item.QueueNumber,
		Status:         item.Status,
		PriorityClass:  item.PriorityClass,
		QueuedAt:       &queuedAt,
		StartedAt:      item.StartedAt,
		CompletedAt:    item.CompletedAt,
		SkippedAt:      item.SkippedAt,
		CancelledAt:    item.CancelledAt,
		PerformedByID:  item.PerformedByID,
		ResultText:     item.ResultText,
		Reason:         item.Reason,
	}
}

// EventTime normalizes an event timestamp to the microsecond precision
// postgres keeps, so a hash computed before insert still matches after a read.
func EventTime(at time.Time) time.Time {
	return at.UTC().Truncate(time.Microsecond)
}

func ComputeEventHash(prevHash, queueItemID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, queueItemID, eventType, EventTime(createdAt).Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyEventChain reports the sequence number of the first event whose hash
// does not match its contents or predecessor, or 0 when the chain is intact.
func VerifyEventChain(events []QueueItemEvent) int {
	prev := ""
	for i, event := range events {
		if event.Seq != i+1 || event.PrevHash != prev {
			return event.Seq
		}
		want := ComputeEventHash(prev, event.QueueItemID, event.Type, event.Payload, event.CreatedAt, event.Seq)
		if want != event.Hash {
			return event.Seq
		}
		prev = event.Hash
	}
	return 0
}

// RehydrateQueueItem replays history events into the item state they describe.
func RehydrateQueueItem(events []QueueItemEvent) (models.QueueItem, error) {
	var item models.QueueItem
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload EventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.QueueItem{}, err
		}
		if payload.QueueItemID != "" {
			item.ID = payload.QueueItemID
		}
		if payload.OrganizationID != "" {
			item.OrganizationID = payload.OrganizationID
		}
		if payload.DepartmentID != "" {
			item.DepartmentID = payload.DepartmentID
		}
		if payload.DoctorID != "" {
			item.DoctorID = payload.DoctorID
		}
		if payload.PatientID != "" {
			item.PatientID = payload.PatientID
		}
		if payload.ServiceID != "" {
			item.ServiceID = payload.ServiceID
		}
		if payload.QueueNumber != 0 {
			item.QueueNumber = payload.QueueNumber
		}
		if payload.PriorityClass != "" {
			item.PriorityClass = payload.PriorityClass
		}
		if payload.Status != "" {
			item.Status = payload.Status
		}
		if payload.QueuedAt != nil {
			item.QueuedAt = *payload.QueuedAt
		}
		item.StartedAt = payload.StartedAt
		if payload.CompletedAt != nil {
			item.CompletedAt = payload.CompletedAt
		}
		if payload.SkippedAt != nil {
			item.SkippedAt = payload.SkippedAt
		}
		if payload.CancelledAt != nil {
			item.CancelledAt = payload.CancelledAt
		}
		if payload.PerformedByID != nil {
			item.PerformedByID = payload.PerformedByID
		}
		if payload.ResultText != nil {
			item.ResultText = payload.ResultText
		}
		if payload.Reason != nil {
			item.Reason = payload.Reason
		}
	}
	return item, nil
}
