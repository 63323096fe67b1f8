package server

import (
	"encoding/json"

	"crewcall/internal/domain"
)

// Request payloads

type CreateBandRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateItemRequest struct {
	ID                   *string `json:"id,omitempty"`
	BandID               string  `json:"band_id,omitempty"`
	Kind                 string  `json:"kind,omitempty" enum:"task,checklist_item"`
	ParentID             *string `json:"parent_id,omitempty"`
	Title                string  `json:"title"`
	Description          *string `json:"description,omitempty"`
	MinClaimRole         *string `json:"min_claim_role,omitempty"`
	RequiresVerification bool    `json:"requires_verification,omitempty"`
	RequiresDeliverable  bool    `json:"requires_deliverable,omitempty"`
	DueDate              *string `json:"due_date,omitempty" format:"date-time"`
	Priority             *int    `json:"priority,omitempty"`
}

type DeliverableLinkRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type DeliverableRequest struct {
	Summary   string                   `json:"summary,omitempty"`
	Links     []DeliverableLinkRequest `json:"links,omitempty"`
	NextSteps string                   `json:"next_steps,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type UpsertMemberRequest struct {
	Role           string `json:"role"`
	Standing       string `json:"standing,omitempty" enum:"good,lapsed"`
	StandingReason string `json:"standing_reason,omitempty"`
}

type SetStandingRequest struct {
	Standing string `json:"standing" enum:"good,lapsed"`
	Reason   string `json:"reason,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type BandResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type MemberResponse struct {
	BandID         string `json:"band_id"`
	MemberID       string `json:"member_id"`
	Role           string `json:"role"`
	Standing       string `json:"standing" enum:"good,lapsed"`
	StandingReason string `json:"standing_reason,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type DeliverableResponse struct {
	Summary   string                   `json:"summary,omitempty"`
	Links     []DeliverableLinkRequest `json:"links,omitempty"`
	NextSteps string                   `json:"next_steps,omitempty"`
}

type WorkItemResponse struct {
	ID                   string               `json:"id"`
	BandID               string               `json:"band_id"`
	Kind                 string               `json:"kind" enum:"task,checklist_item"`
	ParentID             *string              `json:"parent_id,omitempty"`
	Title                string               `json:"title"`
	Description          string               `json:"description,omitempty"`
	Status               string               `json:"status" enum:"todo,in_progress,in_review,completed,blocked"`
	AssigneeID           *string              `json:"assignee_id,omitempty"`
	MinClaimRole         *string              `json:"min_claim_role,omitempty"`
	RequiresVerification bool                 `json:"requires_verification"`
	RequiresDeliverable  bool                 `json:"requires_deliverable"`
	Deliverable          *DeliverableResponse `json:"deliverable,omitempty"`
	VerificationStatus   *string              `json:"verification_status,omitempty" enum:"pending,approved,rejected"`
	VerifiedByID         *string              `json:"verified_by_id,omitempty"`
	RejectionReason      *string              `json:"rejection_reason,omitempty"`
	CompletedAt          *string              `json:"completed_at,omitempty" format:"date-time"`
	CompletedByID        *string              `json:"completed_by_id,omitempty"`
	DueDate              *string              `json:"due_date,omitempty" format:"date-time"`
	Priority             *int                 `json:"priority,omitempty"`
	Version              int64                `json:"version"`
	CreatedAt            string               `json:"created_at" format:"date-time"`
	UpdatedAt            string               `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	BandID  string         `json:"band_id,omitempty"`
	ItemID  string         `json:"item_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key carries the plaintext secret once, at creation. Only the hash is stored.
	Key string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedItems struct {
	Items      []WorkItemResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func bandResponse(b domain.Band) BandResponse {
	return BandResponse(b)
}

func memberResponse(m domain.Member) MemberResponse {
	return MemberResponse{
		BandID:         m.BandID,
		MemberID:       m.MemberID,
		Role:           m.Role,
		Standing:       m.Standing,
		StandingReason: m.StandingReason,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func deliverableResponse(d *domain.Deliverable) *DeliverableResponse {
	if d == nil {
		return nil
	}
	res := &DeliverableResponse{
		Summary:   d.Summary,
		NextSteps: d.NextSteps,
	}
	for _, l := range d.Links {
		res.Links = append(res.Links, DeliverableLinkRequest{URL: l.URL, Title: l.Title})
	}
	return res
}

func workItemResponse(w domain.WorkItem) WorkItemResponse {
	return WorkItemResponse{
		ID:                   w.ID,
		BandID:               w.BandID,
		Kind:                 w.Kind,
		ParentID:             w.ParentID,
		Title:                w.Title,
		Description:          w.Description,
		Status:               w.Status,
		AssigneeID:           w.AssigneeID,
		MinClaimRole:         w.MinClaimRole,
		RequiresVerification: w.RequiresVerification,
		RequiresDeliverable:  w.RequiresDeliverable,
		Deliverable:          deliverableResponse(w.Deliverable),
		VerificationStatus:   w.VerificationStatus,
		VerifiedByID:         w.VerifiedByID,
		RejectionReason:      w.RejectionReason,
		CompletedAt:          w.CompletedAt,
		CompletedByID:        w.CompletedByID,
		DueDate:              w.DueDate,
		Priority:             w.Priority,
		Version:              w.Version,
		CreatedAt:            w.CreatedAt,
		UpdatedAt:            w.UpdatedAt,
	}
}

func mapWorkItems(items []domain.WorkItem) []WorkItemResponse {
	res := make([]WorkItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, workItemResponse(it))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		BandID:  e.BandID,
		ItemID:  e.ItemID,
		ActorID: e.ActorID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func mapEvents(events []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(events))
	for _, e := range events {
		res = append(res, eventResponse(e))
	}
	return res
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func toDeliverable(req DeliverableRequest) domain.Deliverable {
	d := domain.Deliverable{
		Summary:   req.Summary,
		NextSteps: req.NextSteps,
	}
	for _, l := range req.Links {
		d.Links = append(d.Links, domain.DeliverableLink{URL: l.URL, Title: l.Title})
	}
	return d
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return map[string]any{}
	}
	return obj
}
