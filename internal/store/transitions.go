package store

import "qms/agency-queue/internal/models"

type transition struct {
	from []models.Status
	to   models.Status
}

var transitionMap = map[models.Action]transition{
	models.ActionCall:   {from: []models.Status{models.StatusWaiting}, to: models.StatusInService},
	models.ActionFinish: {from: []models.Status{models.StatusInService}, to: models.StatusDone},
	models.ActionCancel: {from: []models.Status{models.StatusWaiting}, to: models.StatusCancelled},
}

func ValidTransition(action models.Action, fromStatus models.Status) bool {
	t, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range t.from {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// Target returns the status an action moves a ticket into.
func Target(action models.Action) (models.Status, bool) {
	t, ok := transitionMap[action]
	return t.to, ok
}

// TransitionError returns the domain error for an action attempted from the wrong status.
func TransitionError(action models.Action) error {
	switch action {
	case models.ActionFinish:
		return ErrTicketNotInService
	default:
		return ErrTicketNotWaiting
	}
}

// CanMove reports whether some action moves a ticket from one status to another.
func CanMove(from, to models.Status) bool {
	for action, t := range transitionMap {
		if t.to == to && ValidTransition(action, from) {
			return true
		}
	}
	return false
}
