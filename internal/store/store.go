package store

import (
	"context"
	"encoding/json"
	"time"

	"clinic/queue-service/internal/models"
)

type QueueFilter struct {
	OrganizationID string
	DepartmentID   string
	DoctorID       string
	Statuses       []string
	From           time.Time
	To             time.Time
}

type EnqueueInput struct {
	RequestID      string
	OrganizationID string
	DepartmentID   string
	PatientID      string
	ServiceID      string
	DoctorID       string
	ServiceOrderID string
	PriorityClass  string
	QueuedAt       time.Time
}

type TransitionInput struct {
	OrganizationID string
	QueueItemID    string
	Action         string
	PerformedByID  string
	ResultText     string
	Reason         string
	OccurredAt     time.Time
}

type QueueStore interface {
	GetDepartment(ctx context.Context, organizationID, departmentID string) (models.Department, error)
	ListQueueItems(ctx context.Context, filter QueueFilter) ([]models.QueueItem, error)
	CountCompleted(ctx context.Context, filter QueueFilter) (int, error)
	GetQueueItem(ctx context.Context, organizationID, queueItemID string) (models.QueueItem, error)
	Enqueue(ctx context.Context, input EnqueueInput) (models.QueueItem, bool, error)
	Transition(ctx context.Context, input TransitionInput) (models.QueueItem, error)
	ListQueueItemEvents(ctx context.Context, organizationID, queueItemID string) ([]QueueItemEvent, error)
	ListOutboxEvents(ctx context.Context, cursor OutboxCursor, limit int) ([]OutboxEvent, error)
	Ping(ctx context.Context) error
}

type RoleStore interface {
	ListRoles(ctx context.Context, organizationID string) ([]models.Role, error)
	GetRole(ctx context.Context, organizationID, roleID string) (models.Role, error)
	CreateRole(ctx context.Context, role models.Role) (models.Role, error)
	UpdateRolePermissions(ctx context.Context, organizationID, roleID string, permissions []string) (models.Role, error)
	DeleteRole(ctx context.Context, organizationID, roleID string) error
}

type OutboxEvent struct {
	EventID        string          `json:"event_id"`
	OrganizationID string          `json:"organization_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// OutboxCursor marks the last event a poller has seen. Events are ordered by
// (created_at, event_id).
type OutboxCursor struct {
	LastEventTime time.Time
	LastEventID   string
}

func (c *OutboxCursor) Advance(event OutboxEvent) {
	c.LastEventTime = event.CreatedAt
	c.LastEventID = event.EventID
}
