package lifecycle

import "service-matching/models"

// transitions is the complete state machine. Anything missing is invalid,
// and completed/cancelled have no outgoing edges.
var transitions = map[models.Status][]models.Status{
	models.StatusOpen:       {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Statuses lists every status, in lifecycle order.
var Statuses = []models.Status{
	models.StatusOpen,
	models.StatusAccepted,
	models.StatusInProgress,
	models.StatusCompleted,
	models.StatusCancelled,
}
