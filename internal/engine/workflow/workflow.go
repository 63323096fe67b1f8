// Package workflow defines the work-item state machine: which action is valid
// from which status, for which item kind. It holds no storage and no policy;
// eligibility and deliverable gating live in their own packages.
package workflow

import (
	"fmt"

	"crewcall/internal/domain"
)

// Action is a requested lifecycle transition.
type Action string

const (
	Claim    Action = "claim"
	Unclaim  Action = "unclaim"
	Submit   Action = "submit"
	Retry    Action = "retry"
	Approve  Action = "approve"
	Reject   Action = "reject"
	Complete Action = "complete"
	Block    Action = "block"
	Unblock  Action = "unblock"
)

// InvalidTransitionError is the typed refusal for an action not valid from the
// item's current status.
type InvalidTransitionError struct {
	Status string
	Action Action
	Reason string
}

func (e InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s from status %s: %s", e.Action, e.Status, e.Reason)
	}
	return fmt.Sprintf("cannot %s from status %s", e.Action, e.Status)
}

// Next validates the action against the item's current status and returns the
// target status. Completed items accept nothing.
func Next(item domain.WorkItem, action Action) (string, error) {
	if item.Status == domain.StatusCompleted {
		return "", InvalidTransitionError{Status: item.Status, Action: action, Reason: "item is completed"}
	}
	switch action {
	case Claim:
		if item.Status == domain.StatusTodo {
			return domain.StatusInProgress, nil
		}
	case Unclaim:
		// Valid from any non-terminal status; resets to todo.
		return domain.StatusTodo, nil
	case Submit:
		if item.Status == domain.StatusInProgress && item.RequiresVerification && !WasRejected(item) {
			return domain.StatusInReview, nil
		}
		if item.Status == domain.StatusInProgress && !item.RequiresVerification {
			return "", InvalidTransitionError{Status: item.Status, Action: action, Reason: "item does not require verification; mark complete instead"}
		}
		if WasRejected(item) {
			return "", InvalidTransitionError{Status: item.Status, Action: action, Reason: "item was rejected; retry instead"}
		}
	case Retry:
		if item.Status == domain.StatusInProgress && WasRejected(item) {
			return domain.StatusInReview, nil
		}
	case Complete:
		if item.Status == domain.StatusInProgress && !item.RequiresVerification {
			return domain.StatusCompleted, nil
		}
		if item.Status == domain.StatusInProgress && item.RequiresVerification {
			return "", InvalidTransitionError{Status: item.Status, Action: action, Reason: "item requires verification; submit for review instead"}
		}
	case Approve, Reject:
		if item.Status == domain.StatusInReview {
			if action == Approve {
				return domain.StatusCompleted, nil
			}
			return domain.StatusInProgress, nil
		}
	case Block:
		if !item.Blockable() {
			return "", InvalidTransitionError{Status: item.Status, Action: action, Reason: "only tasks can be blocked"}
		}
		if item.Status == domain.StatusInProgress {
			return domain.StatusBlocked, nil
		}
	case Unblock:
		if !item.Blockable() {
			return "", InvalidTransitionError{Status: item.Status, Action: action, Reason: "only tasks can be blocked"}
		}
		if item.Status == domain.StatusBlocked {
			return domain.StatusInProgress, nil
		}
	}
	return "", InvalidTransitionError{Status: item.Status, Action: action}
}

// WasRejected reports whether the item carries an unretried rejection. The
// rejection is an annotation on in_progress rather than a stored status.
func WasRejected(item domain.WorkItem) bool {
	return item.VerificationStatus != nil && *item.VerificationStatus == domain.VerificationRejected
}

// Terminal reports whether no further transition is possible.
func Terminal(status string) bool {
	return status == domain.StatusCompleted
}
