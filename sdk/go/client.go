package crewcallsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Crewcall HTTP API client.
type Client struct {
	BaseURL     string
	BandID      string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bandID string) *Client {
	return &Client{
		BaseURL: baseURL,
		BandID:  bandID,
		Timeout: 10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID                 string       `json:"id"`
	BandID             string       `json:"band_id"`
	Kind               string       `json:"kind"`
	Title              string       `json:"title"`
	Status             string       `json:"status"`
	AssigneeID         *string      `json:"assignee_id,omitempty"`
	VerificationStatus *string      `json:"verification_status,omitempty"`
	RejectionReason    *string      `json:"rejection_reason,omitempty"`
	Deliverable        *Deliverable `json:"deliverable,omitempty"`
	Version            int64        `json:"version"`
}

// Deliverable is the evidence record attached to a work item.
type Deliverable struct {
	Summary   string            `json:"summary,omitempty"`
	Links     []DeliverableLink `json:"links,omitempty"`
	NextSteps string            `json:"next_steps,omitempty"`
}

type DeliverableLink struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Member represents a band membership.
type Member struct {
	BandID         string `json:"band_id"`
	MemberID       string `json:"member_id"`
	Role           string `json:"role"`
	Standing       string `json:"standing"`
	StandingReason string `json:"standing_reason,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	BandID  string         `json:"band_id"`
	ItemID  string         `json:"item_id"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedItems wraps work item listings.
type PaginatedItems struct {
	Items      []WorkItem `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// CreateItem creates a work item.
func (c *Client) CreateItem(ctx context.Context, title, kind string, requiresVerification, requiresDeliverable bool) (WorkItem, error) {
	body := map[string]any{
		"band_id":               c.BandID,
		"title":                 title,
		"kind":                  kind,
		"requires_verification": requiresVerification,
		"requires_deliverable":  requiresDeliverable,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/items", body, &resp)
	return resp, err
}

// GetItem fetches a work item by id.
func (c *Client) GetItem(ctx context.Context, itemID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.itemPath(itemID, ""), nil, &resp)
	return resp, err
}

// ListItems returns a page of work items for the client's band.
func (c *Client) ListItems(ctx context.Context, status string, limit int, cursor string) (PaginatedItems, error) {
	q := url.Values{}
	if c.BandID != "" {
		q.Set("band", c.BandID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/items"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedItems
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim claims a work item for the authenticated actor.
func (c *Client) Claim(ctx context.Context, itemID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "claim"), nil, &resp)
	return resp, err
}

// Unclaim releases a claimed work item.
func (c *Client) Unclaim(ctx context.Context, itemID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "unclaim"), nil, &resp)
	return resp, err
}

// SetDeliverable replaces the item's deliverable.
func (c *Client) SetDeliverable(ctx context.Context, itemID string, d Deliverable) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPut, c.itemPath(itemID, "deliverable"), d, &resp)
	return resp, err
}

// Submit sends a work item to review.
func (c *Client) Submit(ctx context.Context, itemID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "submit"), nil, &resp)
	return resp, err
}

// Retry resubmits a rejected work item.
func (c *Client) Retry(ctx context.Context, itemID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "retry"), nil, &resp)
	return resp, err
}

// Complete finishes an item that needs no verification.
func (c *Client) Complete(ctx context.Context, itemID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "complete"), nil, &resp)
	return resp, err
}

// Approve completes an item in review.
func (c *Client) Approve(ctx context.Context, itemID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "approve"), nil, &resp)
	return resp, err
}

// Reject returns an item in review to its assignee with a reason.
func (c *Client) Reject(ctx context.Context, itemID, reason string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Members returns the band's member roster.
func (c *Client) Members(ctx context.Context) ([]Member, error) {
	var resp []Member
	endpoint := fmt.Sprintf("v0/bands/%s/members", url.PathEscape(c.BandID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if c.BandID != "" {
		q.Set("band", c.BandID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) itemPath(itemID, action string) string {
	p := fmt.Sprintf("v0/items/%s", url.PathEscape(itemID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
