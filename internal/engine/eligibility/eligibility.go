// Package eligibility holds the pure predicates deciding whether an actor may
// act on a work item. It never touches storage and never mutates anything; a
// failed check is a typed refusal, not a fault.
package eligibility

import (
	"fmt"

	"crewcall/internal/config"
	"crewcall/internal/domain"
	"crewcall/internal/membership"
)

// Action names the lifecycle operations the gate distinguishes.
type Action string

const (
	ActionClaim       Action = "claim"
	ActionUnclaim     Action = "unclaim"
	ActionSubmit      Action = "submit"
	ActionRetry       Action = "retry"
	ActionComplete    Action = "complete"
	ActionDeliverable Action = "deliverable"
	ActionBlock       Action = "block"
	ActionUnblock     Action = "unblock"
)

// RoleError is the typed refusal for an insufficient claim role.
type RoleError struct {
	Required string
	Actual   string
}

func (e RoleError) Error() string {
	return fmt.Sprintf("role %s required to claim; actor has %s", e.Required, e.Actual)
}

// StandingError is the typed refusal for lapsed financial standing. It is
// distinct from RoleError so callers can route the member to remediation.
type StandingError struct {
	Reason string
}

func (e StandingError) Error() string {
	return fmt.Sprintf("member not in good standing: %s", e.Reason)
}

// ReviewerError is the typed refusal for approve/reject without a reviewer role.
type ReviewerError struct {
	Role string
}

func (e ReviewerError) Error() string {
	return fmt.Sprintf("reviewer role required; actor has %s", e.Role)
}

// ModeratorError is the typed refusal for block/unblock or an unclaim override.
type ModeratorError struct {
	Required string
	Actual   string
}

func (e ModeratorError) Error() string {
	return fmt.Sprintf("role %s required; actor has %s", e.Required, e.Actual)
}

// Actor is the snapshot of membership facts the gate evaluates. The caller
// reads it inside the mutating transaction so the check cannot go stale.
type Actor struct {
	ID       string
	Role     string
	Standing membership.Standing
}

// CanAct composes the standing and role checks for one action on one item.
// Returns nil when the actor may proceed.
func CanAct(cfg *config.Config, actor Actor, item domain.WorkItem, action Action) error {
	switch action {
	case ActionClaim, ActionSubmit, ActionRetry, ActionComplete:
		if !actor.Standing.Good {
			return StandingError{Reason: actor.Standing.Reason}
		}
	}
	if action == ActionClaim {
		return claimRoleCheck(cfg, actor, item)
	}
	if action == ActionBlock || action == ActionUnblock {
		if !cfg.RoleAtLeast(actor.Role, cfg.Roles.Moderator) {
			return ModeratorError{Required: cfg.Roles.Moderator, Actual: actor.Role}
		}
	}
	return nil
}

// claimRoleCheck enforces min_claim_role. Acting on an item one is already
// assigned to bypasses the role check (role is checked only at claim time).
func claimRoleCheck(cfg *config.Config, actor Actor, item domain.WorkItem) error {
	if item.AssigneeID != nil && *item.AssigneeID == actor.ID {
		return nil
	}
	if item.MinClaimRole == nil || *item.MinClaimRole == "" {
		return nil
	}
	if !cfg.RoleAtLeast(actor.Role, *item.MinClaimRole) {
		return RoleError{Required: *item.MinClaimRole, Actual: actor.Role}
	}
	return nil
}

// CanReview is the independent reviewer predicate for approve/reject. It is
// deliberately separate from claim eligibility: reviewers are a role set, not
// a point on the claim hierarchy.
func CanReview(cfg *config.Config, actor Actor) error {
	if !cfg.IsReviewer(actor.Role) {
		return ReviewerError{Role: actor.Role}
	}
	return nil
}

// CanOverrideUnclaim reports whether an actor other than the assignee may
// force an unclaim.
func CanOverrideUnclaim(cfg *config.Config, actor Actor) bool {
	return cfg.RoleAtLeast(actor.Role, cfg.Roles.Moderator)
}
