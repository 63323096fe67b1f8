package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Transition event types, one per successful lifecycle transition.
const (
	ItemCreated            = "item.created"
	ItemClaimed            = "item.claimed"
	ItemUnclaimed          = "item.unclaimed"
	ItemSubmitted          = "item.submitted"
	ItemRetried            = "item.retried"
	ItemApproved           = "item.approved"
	ItemRejected           = "item.rejected"
	ItemCompleted          = "item.completed"
	ItemBlocked            = "item.blocked"
	ItemUnblocked          = "item.unblocked"
	ItemDeliverableUpdated = "item.deliverable.updated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, bandID, itemID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,band_id,item_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(bandID), nullable(itemID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
