package queue

import (
	"sort"
	"time"

	"clinic/queue-service/internal/models"
)

const (
	emergencyWeight = 1000
	urgentWeight    = 500
)

// Priority scores an item for reception ordering: the class weight plus the
// minutes already waited. The department queue does not use it.
func Priority(item models.QueueItem, now time.Time) int {
	score := WaitingMinutes(item.QueuedAt, now)
	switch item.PriorityClass {
	case models.PriorityEmergency:
		score += emergencyWeight
	case models.PriorityUrgent:
		score += urgentWeight
	}
	return score
}

// SortByPriority orders items by descending score, then arrival.
func SortByPriority(items []models.QueueItem, now time.Time) []models.QueueItem {
	out := make([]models.QueueItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := Priority(out[i], now), Priority(out[j], now)
		if pi != pj {
			return pi > pj
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

type PriorityView struct {
	ItemView
	DepartmentID  string `json:"departmentId"`
	PriorityClass string `json:"priorityClass"`
	Priority      int    `json:"priority"`
}

func ReceptionQueue(items []models.QueueItem, now time.Time) []PriorityView {
	sorted := SortByPriority(items, now)
	views := make([]PriorityView, 0, len(sorted))
	for _, item := range sorted {
		views = append(views, PriorityView{
			ItemView:      NewItemView(item, now),
			DepartmentID:  item.DepartmentID,
			PriorityClass: item.PriorityClass,
			Priority:      Priority(item, now),
		})
	}
	return views
}
