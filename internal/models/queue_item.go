package models

import "time"

type QueueItem struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	DepartmentID   string     `json:"departmentId"`
	PatientID      string     `json:"patientId"`
	ServiceID      string     `json:"serviceId"`
	DoctorID       string     `json:"doctorId"`
	ServiceOrderID *string    `json:"serviceOrderId,omitempty"`
	QueueNumber    int        `json:"queueNumber"`
	Status         string     `json:"queueStatus"`
	PriorityClass  string     `json:"priorityClass"`
	QueuedAt       time.Time  `json:"queuedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	SkippedAt      *time.Time `json:"skippedAt,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	PerformedByID  *string    `json:"performedById,omitempty"`
	ResultText     *string    `json:"resultText,omitempty"`
	Reason         *string    `json:"reason,omitempty"`
	RequestID      string     `json:"requestId,omitempty"`
	Patient        PatientRef `json:"patient"`
	Service        ServiceRef `json:"service"`
	Doctor         DoctorRef  `json:"doctor"`
}

type PatientRef struct {
	ID         string  `json:"id"`
	FirstName  string  `json:"firstName"`
	LastName   string  `json:"lastName"`
	MiddleName *string `json:"middleName,omitempty"`
}

type ServiceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type DoctorRef struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

const (
	StatusWaiting    = "WAITING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusSkipped    = "SKIPPED"
	StatusCancelled  = "CANCELLED"
)

const (
	PriorityNormal    = "NORMAL"
	PriorityUrgent    = "URGENT"
	PriorityEmergency = "EMERGENCY"
)

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

func IsValidPriorityClass(value string) bool {
	switch value {
	case PriorityNormal, PriorityUrgent, PriorityEmergency:
		return true
	default:
		return false
	}
}
