package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crewcall/internal/config"
	"crewcall/internal/domain"
	"crewcall/internal/engine/deliverable"
	"crewcall/internal/engine/eligibility"
	"crewcall/internal/engine/workflow"
	"crewcall/internal/events"
	"crewcall/internal/membership"
	"crewcall/internal/repo"
)

// Engine is the lifecycle service: the single entry point for every work-item
// mutation. Callers never talk to the claim CAS or the workflow directly.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Members membership.Service
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Members: membership.Service{DB: db},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// AlreadyClaimedError means another actor's claim won the race.
type AlreadyClaimedError struct {
	ItemID string
}

func (e AlreadyClaimedError) Error() string {
	return fmt.Sprintf("work item %s is already claimed", e.ItemID)
}

// NotAssigneeError means the actor does not hold the item.
type NotAssigneeError struct {
	ItemID string
}

func (e NotAssigneeError) Error() string {
	return fmt.Sprintf("work item %s is not assigned to actor", e.ItemID)
}

// ErrMissingReason guards reject: a reviewer must say why.
var ErrMissingReason = errors.New("rejection reason required")

// InitBand creates a band with its stored config.
func (e Engine) InitBand(ctx context.Context, bandID, name, description, actorID string) (domain.Band, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Band{}, err
	}
	defer tx.Rollback()

	if name == "" {
		name = bandID
	}
	b := domain.Band{
		ID:          bandID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.nowStr(),
	}
	if err := e.Repo.InsertBand(ctx, tx, b); err != nil {
		return domain.Band{}, fmt.Errorf("insert band: %w", err)
	}
	if err := e.Repo.UpsertBandConfigTx(ctx, tx, b.ID, config.Default(b.ID)); err != nil {
		return domain.Band{}, fmt.Errorf("insert band config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Band{}, err
	}
	_ = actorID
	return b, nil
}

// ItemCreateOptions are parameters for creating a work item.
type ItemCreateOptions struct {
	ID                   string
	BandID               string
	Kind                 string
	ParentID             string
	Title                string
	Description          string
	MinClaimRole         string
	RequiresVerification bool
	RequiresDeliverable  bool
	DueDate              string
	Priority             *int
	ActorID              string
}

// CreateItem inserts a work item in todo with no assignee. Item creation
// belongs to the surrounding platform; this is its concrete surface.
func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.WorkItem, error) {
	if e.Config == nil {
		return domain.WorkItem{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if opts.BandID == "" {
		return domain.WorkItem{}, errors.New("band is required")
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindTask
	}
	if opts.Kind != domain.KindTask && opts.Kind != domain.KindChecklist {
		return domain.WorkItem{}, fmt.Errorf("unknown item kind %s", opts.Kind)
	}
	if opts.Kind == domain.KindChecklist && opts.ParentID == "" {
		return domain.WorkItem{}, errors.New("checklist item requires a parent task")
	}
	if opts.Kind == domain.KindTask && opts.ParentID != "" {
		return domain.WorkItem{}, errors.New("tasks cannot be nested")
	}
	if opts.MinClaimRole != "" && e.Config.RoleRank(opts.MinClaimRole) < 0 {
		return domain.WorkItem{}, fmt.Errorf("min claim role %s not in hierarchy", opts.MinClaimRole)
	}
	if _, err := e.Repo.GetBand(ctx, opts.BandID); err != nil {
		return domain.WorkItem{}, err
	}
	if opts.ParentID != "" {
		parent, err := e.Repo.GetWorkItem(ctx, opts.ParentID)
		if err != nil {
			return domain.WorkItem{}, err
		}
		if parent.Kind != domain.KindTask {
			return domain.WorkItem{}, errors.New("parent must be a task")
		}
		if parent.BandID != opts.BandID {
			return domain.WorkItem{}, errors.New("parent in different band")
		}
	}
	id := opts.ID
	now := e.nowStr()
	if id == "" {
		id = uuid.New().String()
	}
	w := domain.WorkItem{
		ID:                   id,
		BandID:               opts.BandID,
		Kind:                 opts.Kind,
		ParentID:             optionalString(opts.ParentID),
		Title:                opts.Title,
		Description:          opts.Description,
		Status:               domain.StatusTodo,
		MinClaimRole:         optionalString(opts.MinClaimRole),
		RequiresVerification: opts.RequiresVerification,
		RequiresDeliverable:  opts.RequiresDeliverable,
		DueDate:              optionalString(opts.DueDate),
		Priority:             opts.Priority,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkItem(ctx, tx, w); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemCreated, w.BandID, w.ID, opts.ActorID, events.EventPayload{
		"title": w.Title, "kind": w.Kind, "status": w.Status,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

// actor loads the membership snapshot inside the mutating transaction, so
// eligibility is judged against current role and standing, never a cached view.
func (e Engine) actor(ctx context.Context, tx *sql.Tx, bandID, actorID string) (eligibility.Actor, error) {
	role, err := e.Members.Role(ctx, tx, bandID, actorID)
	if err != nil && !errors.Is(err, membership.ErrNotMember) {
		return eligibility.Actor{}, err
	}
	standing, err := e.Members.InGoodStanding(ctx, tx, bandID, actorID)
	if err != nil {
		return eligibility.Actor{}, err
	}
	return eligibility.Actor{ID: actorID, Role: role, Standing: standing}, nil
}

// Claim exclusively assigns an unclaimed item to the actor. The assignee-null
// condition is re-checked at the write boundary; a lost race yields
// AlreadyClaimedError, never a double claim.
func (e Engine) Claim(ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
	if err != nil {
		return item, err
	}
	if _, err := workflow.Next(item, workflow.Claim); err != nil {
		// A completed item keeps its assignee; its refusal stays the terminal
		// transition error, not a claim conflict.
		if item.AssigneeID != nil && !workflow.Terminal(item.Status) {
			return item, AlreadyClaimedError{ItemID: itemID}
		}
		return item, err
	}
	actor, err := e.actor(ctx, tx, item.BandID, actorID)
	if err != nil {
		return item, err
	}
	if err := eligibility.CanAct(e.Config, actor, item, eligibility.ActionClaim); err != nil {
		return item, err
	}
	now := e.nowStr()
	won, err := e.Repo.ClaimWorkItem(ctx, tx, itemID, actorID, now)
	if err != nil {
		return item, err
	}
	if !won {
		return item, AlreadyClaimedError{ItemID: itemID}
	}
	if err := e.Events.Append(ctx, tx, events.ItemClaimed, item.BandID, item.ID, actorID, events.EventPayload{
		"status": domain.StatusInProgress,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return e.Repo.GetWorkItem(ctx, itemID)
}

// Unclaim releases an item back to todo. Only the assignee may release, or a
// moderator overriding on their behalf. The deliverable is preserved for
// whoever claims next.
func (e Engine) Unclaim(ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
	return e.mutate(ctx, actorID, itemID, workflow.Unclaim, func(tx *sql.Tx, item *domain.WorkItem, actor eligibility.Actor) (events.EventPayload, error) {
		if item.AssigneeID == nil {
			return nil, NotAssigneeError{ItemID: itemID}
		}
		if *item.AssigneeID != actorID && !eligibility.CanOverrideUnclaim(e.Config, actor) {
			return nil, NotAssigneeError{ItemID: itemID}
		}
		prevAssignee := *item.AssigneeID
		item.AssigneeID = nil
		item.Status = domain.StatusTodo
		item.VerificationStatus = nil
		item.RejectionReason = nil
		return events.EventPayload{"status": item.Status, "previous_assignee": prevAssignee}, nil
	})
}

// UpdateDeliverable replaces the evidence record. Assignee only; links are
// validated individually; the summary minimum is enforced later, at
// submission time.
func (e Engine) UpdateDeliverable(ctx context.Context, actorID, itemID string, d domain.Deliverable) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
	if err != nil {
		return item, err
	}
	if workflow.Terminal(item.Status) {
		return item, workflow.InvalidTransitionError{Status: item.Status, Action: "deliverable", Reason: "item is completed"}
	}
	if item.AssigneeID == nil || *item.AssigneeID != actorID {
		return item, NotAssigneeError{ItemID: itemID}
	}
	if err := deliverable.ValidateShape(e.Config, d); err != nil {
		return item, err
	}
	item.Deliverable = &d
	item.UpdatedAt = e.nowStr()
	item, err = e.Repo.UpdateWorkItem(ctx, tx, item)
	if err != nil {
		return item, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemDeliverableUpdated, item.BandID, item.ID, actorID, events.EventPayload{
		"summary_chars": len(d.Summary), "links": len(d.Links),
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// SubmitForVerification moves an in-progress item to review. Requires the
// assignee, good standing, and a passing deliverable when one is required.
func (e Engine) SubmitForVerification(ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
	return e.mutate(ctx, actorID, itemID, workflow.Submit, func(tx *sql.Tx, item *domain.WorkItem, actor eligibility.Actor) (events.EventPayload, error) {
		if item.AssigneeID == nil || *item.AssigneeID != actorID {
			return nil, NotAssigneeError{ItemID: itemID}
		}
		if err := eligibility.CanAct(e.Config, actor, *item, eligibility.ActionSubmit); err != nil {
			return nil, err
		}
		if err := e.checkDeliverable(*item); err != nil {
			return nil, err
		}
		pending := domain.VerificationPending
		item.VerificationStatus = &pending
		return events.EventPayload{"status": item.Status, "verification_status": pending}, nil
	})
}

// Retry re-submits after a rejection. The deliverable is re-validated even if
// unchanged, because its content may have been edited since the last pass.
func (e Engine) Retry(ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
	return e.mutate(ctx, actorID, itemID, workflow.Retry, func(tx *sql.Tx, item *domain.WorkItem, actor eligibility.Actor) (events.EventPayload, error) {
		if item.AssigneeID == nil || *item.AssigneeID != actorID {
			return nil, NotAssigneeError{ItemID: itemID}
		}
		if err := eligibility.CanAct(e.Config, actor, *item, eligibility.ActionRetry); err != nil {
			return nil, err
		}
		if err := e.checkDeliverable(*item); err != nil {
			return nil, err
		}
		pending := domain.VerificationPending
		item.VerificationStatus = &pending
		item.RejectionReason = nil
		return events.EventPayload{"status": item.Status, "verification_status": pending}, nil
	})
}

// MarkComplete finishes an item on the no-verification path.
func (e Engine) MarkComplete(ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
	return e.mutate(ctx, actorID, itemID, workflow.Complete, func(tx *sql.Tx, item *domain.WorkItem, actor eligibility.Actor) (events.EventPayload, error) {
		if item.AssigneeID == nil || *item.AssigneeID != actorID {
			return nil, NotAssigneeError{ItemID: itemID}
		}
		if err := eligibility.CanAct(e.Config, actor, *item, eligibility.ActionComplete); err != nil {
			return nil, err
		}
		if err := e.checkDeliverable(*item); err != nil {
			return nil, err
		}
		now := e.nowStr()
		item.CompletedAt = &now
		item.CompletedByID = &actorID
		return events.EventPayload{"status": item.Status, "completed_by": actorID}, nil
	})
}

// Approve completes an in-review item. Reviewer role required; claim-role
// eligibility does not apply here.
func (e Engine) Approve(ctx context.Context, reviewerID, itemID string) (domain.WorkItem, error) {
	return e.mutate(ctx, reviewerID, itemID, workflow.Approve, func(tx *sql.Tx, item *domain.WorkItem, actor eligibility.Actor) (events.EventPayload, error) {
		if err := eligibility.CanReview(e.Config, actor); err != nil {
			return nil, err
		}
		approved := domain.VerificationApproved
		now := e.nowStr()
		item.VerificationStatus = &approved
		item.VerifiedByID = &reviewerID
		item.CompletedAt = &now
		item.CompletedByID = &reviewerID
		return events.EventPayload{"status": item.Status, "verified_by": reviewerID}, nil
	})
}

// Reject returns an in-review item to its assignee with a mandatory reason.
func (e Engine) Reject(ctx context.Context, reviewerID, itemID, reason string) (domain.WorkItem, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.WorkItem{}, ErrMissingReason
	}
	return e.mutate(ctx, reviewerID, itemID, workflow.Reject, func(tx *sql.Tx, item *domain.WorkItem, actor eligibility.Actor) (events.EventPayload, error) {
		if err := eligibility.CanReview(e.Config, actor); err != nil {
			return nil, err
		}
		rejected := domain.VerificationRejected
		item.VerificationStatus = &rejected
		item.RejectionReason = &reason
		item.VerifiedByID = &reviewerID
		return events.EventPayload{"status": item.Status, "reason": reason, "verified_by": reviewerID}, nil
	})
}

// Block pauses an in-progress task. Tasks only; moderator-equivalent role.
func (e Engine) Block(ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
	return e.mutate(ctx, actorID, itemID, workflow.Block, func(tx *sql.Tx, item *domain.WorkItem, actor eligibility.Actor) (events.EventPayload, error) {
		if err := eligibility.CanAct(e.Config, actor, *item, eligibility.ActionBlock); err != nil {
			return nil, err
		}
		return events.EventPayload{"status": item.Status}, nil
	})
}

// Unblock resumes a blocked task.
func (e Engine) Unblock(ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
	return e.mutate(ctx, actorID, itemID, workflow.Unblock, func(tx *sql.Tx, item *domain.WorkItem, actor eligibility.Actor) (events.EventPayload, error) {
		if err := eligibility.CanAct(e.Config, actor, *item, eligibility.ActionUnblock); err != nil {
			return nil, err
		}
		return events.EventPayload{"status": item.Status}, nil
	})
}

// mutate is the shared transition skeleton: one transaction, workflow check,
// caller-supplied gating and field changes, versioned write, event, commit.
// The callback sees the item with Status already set to the target status.
func (e Engine) mutate(ctx context.Context, actorID, itemID string, action workflow.Action,
	fn func(tx *sql.Tx, item *domain.WorkItem, actor eligibility.Actor) (events.EventPayload, error)) (domain.WorkItem, error) {
	if e.Config == nil {
		return domain.WorkItem{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
	if err != nil {
		return item, err
	}
	next, err := workflow.Next(item, action)
	if err != nil {
		return item, err
	}
	actor, err := e.actor(ctx, tx, item.BandID, actorID)
	if err != nil {
		return item, err
	}
	item.Status = next
	payload, err := fn(tx, &item, actor)
	if err != nil {
		return item, err
	}
	item.UpdatedAt = e.nowStr()
	item, err = e.Repo.UpdateWorkItem(ctx, tx, item)
	if err != nil {
		return item, err
	}
	if err := e.Events.Append(ctx, tx, eventType(action), item.BandID, item.ID, actorID, payload); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

func (e Engine) checkDeliverable(item domain.WorkItem) error {
	if !item.RequiresDeliverable {
		return nil
	}
	d := domain.Deliverable{}
	if item.Deliverable != nil {
		d = *item.Deliverable
	}
	return deliverable.Validate(e.Config, item, d)
}

func eventType(action workflow.Action) string {
	switch action {
	case workflow.Claim:
		return events.ItemClaimed
	case workflow.Unclaim:
		return events.ItemUnclaimed
	case workflow.Submit:
		return events.ItemSubmitted
	case workflow.Retry:
		return events.ItemRetried
	case workflow.Approve:
		return events.ItemApproved
	case workflow.Reject:
		return events.ItemRejected
	case workflow.Complete:
		return events.ItemCompleted
	case workflow.Block:
		return events.ItemBlocked
	case workflow.Unblock:
		return events.ItemUnblocked
	}
	return "item.updated"
}

// UpsertMember writes a membership record (role and standing) for a band.
func (e Engine) UpsertMember(ctx context.Context, m domain.Member) (domain.Member, error) {
	if e.Config == nil {
		return m, errors.New("config not loaded")
	}
	if e.Config.RoleRank(m.Role) < 0 {
		return m, fmt.Errorf("role %s not in hierarchy", m.Role)
	}
	if m.Standing == "" {
		m.Standing = domain.StandingGood
	}
	if m.Standing != domain.StandingGood && m.Standing != domain.StandingLapsed {
		return m, fmt.Errorf("unknown standing %s", m.Standing)
	}
	if _, err := e.Repo.GetBand(ctx, m.BandID); err != nil {
		return m, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Members.Upsert(ctx, tx, m); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	got, err := e.memberAfterWrite(ctx, m.BandID, m.MemberID)
	if err != nil {
		return m, err
	}
	return got, nil
}

// SetStanding updates a member's dues standing.
func (e Engine) SetStanding(ctx context.Context, bandID, memberID, standing, reason string) (domain.Member, error) {
	if standing != domain.StandingGood && standing != domain.StandingLapsed {
		return domain.Member{}, fmt.Errorf("unknown standing %s", standing)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if err := e.Members.SetStanding(ctx, tx, bandID, memberID, standing, reason); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return e.memberAfterWrite(ctx, bandID, memberID)
}

func (e Engine) memberAfterWrite(ctx context.Context, bandID, memberID string) (domain.Member, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	return e.Members.Get(ctx, tx, bandID, memberID)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
