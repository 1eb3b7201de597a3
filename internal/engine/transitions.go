package engine

import (
	"actiongate/internal/domain"
	"actiongate/internal/events"
)

// CanTransition reports whether the proposal state machine has an edge
// from -> to. Failed is not terminal: a new attempt may end executed or
// failed again.
func CanTransition(from, to domain.Status) bool {
	switch from {
	case domain.StatusProposed:
		return to == domain.StatusApproved || to == domain.StatusRejected
	case domain.StatusApproved, domain.StatusFailed:
		return to == domain.StatusExecuted || to == domain.StatusFailed
	case domain.StatusRejected, domain.StatusExecuted:
		return false
	}
	return false
}

func ensureTransition(from, to domain.Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return TransitionError{From: from, To: to}
}

func eventForStatus(s domain.Status) string {
	switch s {
	case domain.StatusApproved:
		return events.ProposalApproved
	case domain.StatusRejected:
		return events.ProposalRejected
	case domain.StatusExecuted:
		return events.ProposalExecuted
	case domain.StatusFailed:
		return events.ProposalFailed
	case domain.StatusProposed:
		return events.ProposalCreated
	}
	return "proposal.updated"
}
