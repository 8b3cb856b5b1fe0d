package store

import "clinic/queue-service/internal/models"

const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionSkip     = "skip"
	ActionCancel   = "cancel"
)

var transitionMap = map[string][]string{
	ActionStart:    {models.StatusWaiting},
	ActionComplete: {models.StatusInProgress},
	ActionSkip:     {models.StatusWaiting},
	ActionCancel:   {models.StatusWaiting, models.StatusInProgress},
}

var transitionTargets = map[string]string{
	ActionStart:    models.StatusInProgress,
	ActionComplete: models.StatusCompleted,
	ActionSkip:     models.StatusSkipped,
	ActionCancel:   models.StatusCancelled,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom returns the statuses an action may be applied to.
func AllowedFrom(action string) []string {
	allowed := transitionMap[action]
	out := make([]string, len(allowed))
	copy(out, allowed)
	return out
}

func TargetStatus(action string) (string, bool) {
	status, ok := transitionTargets[action]
	return status, ok
}

func IsKnownAction(action string) bool {
	_, ok := transitionMap[action]
	return ok
}
