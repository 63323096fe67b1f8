package domain

type Band struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Member is a band membership as the engine sees it: an ordered role plus a
// financial standing. Billing owns how standing changes; the engine only
// reads it.
type Member struct {
	BandID         string `json:"band_id"`
	MemberID       string `json:"member_id"`
	Role           string `json:"role"`
	Standing       string `json:"standing" enum:"good,lapsed"`
	StandingReason string `json:"standing_reason,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

const (
	StandingGood   = "good"
	StandingLapsed = "lapsed"
)

// Work item statuses. Rejection is not a stored status: a rejected item stays
// in_progress with VerificationStatus=rejected until retried.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusCompleted  = "completed"
	StatusBlocked    = "blocked"
)

const (
	KindTask      = "task"
	KindChecklist = "checklist_item"
)

const (
	VerificationPending  = "pending"
	VerificationApproved = "approved"
	VerificationRejected = "rejected"
)

type WorkItem struct {
	ID                   string       `json:"id"`
	BandID               string       `json:"band_id"`
	Kind                 string       `json:"kind" enum:"task,checklist_item"`
	ParentID             *string      `json:"parent_id,omitempty"`
	Title                string       `json:"title"`
	Description          string       `json:"description,omitempty"`
	Status               string       `json:"status" enum:"todo,in_progress,in_review,completed,blocked"`
	AssigneeID           *string      `json:"assignee_id,omitempty"`
	MinClaimRole         *string      `json:"min_claim_role,omitempty"`
	RequiresVerification bool         `json:"requires_verification"`
	RequiresDeliverable  bool         `json:"requires_deliverable"`
	Deliverable          *Deliverable `json:"deliverable,omitempty"`
	VerificationStatus   *string      `json:"verification_status,omitempty" enum:"pending,approved,rejected"`
	VerifiedByID         *string      `json:"verified_by_id,omitempty"`
	RejectionReason      *string      `json:"rejection_reason,omitempty"`
	CompletedAt          *string      `json:"completed_at,omitempty" format:"date-time"`
	CompletedByID        *string      `json:"completed_by_id,omitempty"`
	DueDate              *string      `json:"due_date,omitempty" format:"date-time"`
	Priority             *int         `json:"priority,omitempty"`
	Version              int64        `json:"version"`
	CreatedAt            string       `json:"created_at" format:"date-time"`
	UpdatedAt            string       `json:"updated_at" format:"date-time"`
}

// Blockable reports whether the blocked branch of the lifecycle applies.
// Only top-level tasks can be blocked.
func (w WorkItem) Blockable() bool {
	return w.Kind == KindTask
}

// Deliverable is the evidence record attached to a work item. It survives
// unclaim so the next assignee inherits the work product.
type Deliverable struct {
	Summary   string            `json:"summary"`
	Links     []DeliverableLink `json:"links,omitempty"`
	NextSteps string            `json:"next_steps,omitempty"`
}

type DeliverableLink struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	BandID  string `json:"band_id,omitempty"`
	ItemID  string `json:"item_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
