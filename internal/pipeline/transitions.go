package pipeline

import (
	"slices"

	"github.com/tjfontaine/genpipe/internal/core/domain"
)

// allowedTransitions lists every legal status change. Staying in the same
// status is always allowed and not listed.
var allowedTransitions = map[domain.Status][]domain.Status{
	domain.StatusQueued:           {domain.StatusRunning, domain.StatusFailed},
	domain.StatusRunning:          {domain.StatusAwaitingJudgment, domain.StatusFailed},
	domain.StatusAwaitingJudgment: {domain.StatusRunning, domain.StatusPaused, domain.StatusCompleted, domain.StatusFailed},
	domain.StatusPaused:           {domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed},
}

// ValidateTransition returns an InvalidStateError when from cannot move
// to to.
func ValidateTransition(instanceID string, from, to domain.Status) error {
	if from == to || slices.Contains(allowedTransitions[from], to) {
		return nil
	}
	return &domain.InvalidStateError{InstanceID: instanceID, Status: from, Op: "move to " + string(to)}
}
