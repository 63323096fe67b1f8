package eligibility_test

import (
	"errors"
	"testing"

	"crewcall/internal/config"
	"crewcall/internal/domain"
	"crewcall/internal/engine/eligibility"
	"crewcall/internal/membership"
)

func testConfig() *config.Config {
	return config.Default("band-1")
}

func good(id, role string) eligibility.Actor {
	return eligibility.Actor{ID: id, Role: role, Standing: membership.Standing{Good: true}}
}

func lapsed(id, role, reason string) eligibility.Actor {
	return eligibility.Actor{ID: id, Role: role, Standing: membership.Standing{Good: false, Reason: reason}}
}

func TestStandingGatesSelfServeActions(t *testing.T) {
	cfg := testConfig()
	item := domain.WorkItem{Kind: domain.KindTask}
	actor := lapsed("alice", "admin", "dues unpaid")

	for _, action := range []eligibility.Action{
		eligibility.ActionClaim, eligibility.ActionSubmit, eligibility.ActionRetry, eligibility.ActionComplete,
	} {
		err := eligibility.CanAct(cfg, actor, item, action)
		var standing eligibility.StandingError
		if !errors.As(err, &standing) {
			t.Fatalf("%s: got %v, want StandingError", action, err)
		}
		if standing.Reason != "dues unpaid" {
			t.Fatalf("%s: reason = %q", action, standing.Reason)
		}
	}

	// Standing does not gate moderator actions or unclaim.
	if err := eligibility.CanAct(cfg, actor, item, eligibility.ActionBlock); err != nil {
		t.Fatalf("block by lapsed admin: %v", err)
	}
	if err := eligibility.CanAct(cfg, actor, item, eligibility.ActionUnclaim); err != nil {
		t.Fatalf("unclaim by lapsed member: %v", err)
	}
}

func TestClaimRoleCheck(t *testing.T) {
	cfg := testConfig()
	minRole := "moderator"
	item := domain.WorkItem{Kind: domain.KindTask, MinClaimRole: &minRole}

	var role eligibility.RoleError
	if err := eligibility.CanAct(cfg, good("alice", "member"), item, eligibility.ActionClaim); !errors.As(err, &role) {
		t.Fatalf("member: got %v, want RoleError", err)
	}
	if role.Required != "moderator" || role.Actual != "member" {
		t.Fatalf("role error = %+v", role)
	}
	if err := eligibility.CanAct(cfg, good("mo", "moderator"), item, eligibility.ActionClaim); err != nil {
		t.Fatalf("moderator: %v", err)
	}
	if err := eligibility.CanAct(cfg, good("ad", "admin"), item, eligibility.ActionClaim); err != nil {
		t.Fatalf("admin outranks moderator: %v", err)
	}

	// An unknown role never qualifies.
	if err := eligibility.CanAct(cfg, good("x", "roadie"), item, eligibility.ActionClaim); !errors.As(err, &role) {
		t.Fatalf("unknown role: got %v, want RoleError", err)
	}

	// The current assignee bypasses the role check.
	assignee := "alice"
	held := item
	held.AssigneeID = &assignee
	if err := eligibility.CanAct(cfg, good("alice", "member"), held, eligibility.ActionClaim); err != nil {
		t.Fatalf("assignee bypass: %v", err)
	}
	if err := eligibility.CanAct(cfg, good("bob", "member"), held, eligibility.ActionClaim); !errors.As(err, &role) {
		t.Fatalf("non-assignee: got %v, want RoleError", err)
	}

	// No minimum means any role may claim.
	if err := eligibility.CanAct(cfg, good("alice", "member"), domain.WorkItem{Kind: domain.KindTask}, eligibility.ActionClaim); err != nil {
		t.Fatalf("open item: %v", err)
	}
}

func TestReviewerIsARoleSetNotARank(t *testing.T) {
	cfg := testConfig()
	cfg.Roles.Hierarchy = []string{"member", "auditor", "moderator", "admin"}
	cfg.Roles.Reviewers = []string{"auditor"}

	if err := eligibility.CanReview(cfg, good("a", "auditor")); err != nil {
		t.Fatalf("auditor: %v", err)
	}
	// Outranking a reviewer role grants nothing.
	var reviewer eligibility.ReviewerError
	if err := eligibility.CanReview(cfg, good("ad", "admin")); !errors.As(err, &reviewer) {
		t.Fatalf("admin: got %v, want ReviewerError", err)
	}
	if reviewer.Role != "admin" {
		t.Fatalf("reviewer error role = %q", reviewer.Role)
	}
}

func TestModeratorGate(t *testing.T) {
	cfg := testConfig()
	item := domain.WorkItem{Kind: domain.KindTask}

	var mod eligibility.ModeratorError
	for _, action := range []eligibility.Action{eligibility.ActionBlock, eligibility.ActionUnblock} {
		if err := eligibility.CanAct(cfg, good("alice", "member"), item, action); !errors.As(err, &mod) {
			t.Fatalf("%s by member: got %v, want ModeratorError", action, err)
		}
		if err := eligibility.CanAct(cfg, good("ad", "admin"), item, action); err != nil {
			t.Fatalf("%s by admin: %v", action, err)
		}
	}

	if eligibility.CanOverrideUnclaim(cfg, good("alice", "member")) {
		t.Fatal("member may not override an unclaim")
	}
	if !eligibility.CanOverrideUnclaim(cfg, good("mo", "moderator")) {
		t.Fatal("moderator should override an unclaim")
	}
}
