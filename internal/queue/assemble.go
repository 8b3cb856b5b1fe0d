// Package queue builds the department queue projection from persisted rows.
// Nothing here touches storage; every result is recomputed per request.
package queue

import (
	"sort"
	"time"

	"clinic/queue-service/internal/models"
)

// ActiveStatuses are the statuses fetched for a department queue view.
var ActiveStatuses = []string{models.StatusWaiting, models.StatusInProgress, models.StatusSkipped}

type ItemView struct {
	ID             string            `json:"id"`
	QueueNumber    int               `json:"queueNumber"`
	QueueStatus    string            `json:"queueStatus"`
	QueuedAt       time.Time         `json:"queuedAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	Patient        models.PatientRef `json:"patient"`
	Service        models.ServiceRef `json:"service"`
	Doctor         models.DoctorRef  `json:"doctor"`
	WaitingMinutes int               `json:"waitingMinutes"`
}

type Stats struct {
	Waiting    int `json:"waiting"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Skipped    int `json:"skipped"`
}

type DepartmentQueue struct {
	DepartmentID string     `json:"departmentId"`
	Waiting      []ItemView `json:"waiting"`
	InProgress   *ItemView  `json:"inProgress,omitempty"`
	Skipped      []ItemView `json:"skipped"`
	Stats        Stats      `json:"stats"`
}

// Assemble partitions rows into waiting, in-progress and skipped buckets.
// Waiting is strict FIFO on QueuedAt; ties keep the queue number order.
// Rows in any other status are ignored.
func Assemble(departmentID string, items []models.QueueItem, completedToday int, now time.Time) DepartmentQueue {
	result := DepartmentQueue{
		DepartmentID: departmentID,
		Waiting:      []ItemView{},
		Skipped:      []ItemView{},
	}

	var waiting, skipped []models.QueueItem
	var current *models.QueueItem
	for i := range items {
		item := items[i]
		switch item.Status {
		case models.StatusWaiting:
			waiting = append(waiting, item)
		case models.StatusSkipped:
			skipped = append(skipped, item)
		case models.StatusInProgress:
			if current == nil || startedAfter(item, *current) {
				current = &items[i]
			}
		}
	}

	sort.SliceStable(waiting, func(i, j int) bool {
		if waiting[i].QueuedAt.Equal(waiting[j].QueuedAt) {
			return waiting[i].QueueNumber < waiting[j].QueueNumber
		}
		return waiting[i].QueuedAt.Before(waiting[j].QueuedAt)
	})
	sort.SliceStable(skipped, func(i, j int) bool {
		return skipped[i].QueuedAt.Before(skipped[j].QueuedAt)
	})

	for _, item := range waiting {
		result.Waiting = append(result.Waiting, NewItemView(item, now))
	}
	for _, item := range skipped {
		result.Skipped = append(result.Skipped, NewItemView(item, now))
	}
	if current != nil {
		view := NewItemView(*current, now)
		result.InProgress = &view
		result.Stats.InProgress = 1
	}
	if completedToday < 0 {
		completedToday = 0
	}
	result.Stats.Waiting = len(result.Waiting)
	result.Stats.Skipped = len(result.Skipped)
	result.Stats.Completed = completedToday
	return result
}

func NewItemView(item models.QueueItem, now time.Time) ItemView {
	return ItemView{
		ID:             item.ID,
		QueueNumber:    item.QueueNumber,
		QueueStatus:    item.Status,
		QueuedAt:       item.QueuedAt,
		StartedAt:      item.StartedAt,
		Patient:        item.Patient,
		Service:        item.Service,
		Doctor:         item.Doctor,
		WaitingMinutes: WaitingMinutes(item.QueuedAt, now),
	}
}

// WaitingMinutes is the whole number of minutes since queuedAt, never negative.
func WaitingMinutes(queuedAt, now time.Time) int {
	if queuedAt.IsZero() || !now.After(queuedAt) {
		return 0
	}
	return int(now.Sub(queuedAt) / time.Minute)
}

func startedAfter(a, b models.QueueItem) bool {
	if a.StartedAt == nil {
		return false
	}
	if b.StartedAt == nil {
		return true
	}
	return a.StartedAt.After(*b.StartedAt)
}
