package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewcall/internal/config"
	"crewcall/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a versioned write loses a race; the caller
	// re-reads current state and retries or surfaces it.
	ErrConflict = errors.New("concurrent update conflict")
)

func (r Repo) InsertBand(ctx context.Context, tx *sql.Tx, b domain.Band) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bands(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		b.ID, b.Name, b.Status, nullable(b.Description), b.CreatedAt)
	return err
}

func (r Repo) GetBand(ctx context.Context, id string) (domain.Band, error) {
	var b domain.Band
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM bands WHERE id=?`, id).
		Scan(&b.ID, &b.Name, &b.Status, &desc, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if desc.Valid {
		b.Description = desc.String
	}
	return b, err
}

// SingleBand resolves the band when exactly one exists in the workspace.
func (r Repo) SingleBand(ctx context.Context) (domain.Band, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM bands`)
	if err != nil {
		return domain.Band{}, err
	}
	defer rows.Close()
	var bands []domain.Band
	for rows.Next() {
		var b domain.Band
		if err := rows.Scan(&b.ID, &b.Name, &b.Status, &b.Description, &b.CreatedAt); err != nil {
			return domain.Band{}, err
		}
		bands = append(bands, b)
	}
	if len(bands) == 0 {
		return domain.Band{}, ErrNotFound
	}
	if len(bands) > 1 {
		return domain.Band{}, fmt.Errorf("multiple bands exist; specify --band")
	}
	return bands[0], nil
}

func (r Repo) ListBands(ctx context.Context) ([]domain.Band, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM bands ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Band
	for rows.Next() {
		var b domain.Band
		if err := rows.Scan(&b.ID, &b.Name, &b.Status, &b.Description, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) UpsertBandConfig(ctx context.Context, bandID string, cfg *config.Config) error {
	return upsertBandConfig(ctx, r.DB, nil, bandID, cfg)
}

func (r Repo) UpsertBandConfigTx(ctx context.Context, tx *sql.Tx, bandID string, cfg *config.Config) error {
	return upsertBandConfig(ctx, nil, tx, bandID, cfg)
}

func upsertBandConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, bandID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Band.ID = bandID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO band_configs(band_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(band_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, bandID, string(payload), now, now)
	return err
}

func (r Repo) GetBandConfig(ctx context.Context, bandID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM band_configs WHERE band_id=?`, bandID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Band.ID == "" {
		cfg.Band.ID = bandID
	}
	return &cfg, cfg.Validate()
}

const workItemColumns = `id,band_id,kind,parent_id,title,description,status,assignee_id,min_claim_role,requires_verification,requires_deliverable,deliverable_summary,deliverable_links,deliverable_next,verification_status,verified_by_id,rejection_reason,completed_at,completed_by_id,due_date,priority,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var parentID, description, assigneeID, minRole, delSummary, delLinks, delNext sql.NullString
	var verStatus, verifiedBy, rejection, completedAt, completedBy, dueDate sql.NullString
	var priority sql.NullInt64
	err := row.Scan(&w.ID, &w.BandID, &w.Kind, &parentID, &w.Title, &description, &w.Status, &assigneeID, &minRole,
		&w.RequiresVerification, &w.RequiresDeliverable, &delSummary, &delLinks, &delNext,
		&verStatus, &verifiedBy, &rejection, &completedAt, &completedBy, &dueDate, &priority,
		&w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if description.Valid {
		w.Description = description.String
	}
	w.ParentID = strPtr(parentID)
	w.AssigneeID = strPtr(assigneeID)
	w.MinClaimRole = strPtr(minRole)
	w.VerificationStatus = strPtr(verStatus)
	w.VerifiedByID = strPtr(verifiedBy)
	w.RejectionReason = strPtr(rejection)
	w.CompletedAt = strPtr(completedAt)
	w.CompletedByID = strPtr(completedBy)
	w.DueDate = strPtr(dueDate)
	if priority.Valid {
		p := int(priority.Int64)
		w.Priority = &p
	}
	if delSummary.Valid || delLinks.Valid || delNext.Valid {
		d := &domain.Deliverable{}
		if delSummary.Valid {
			d.Summary = delSummary.String
		}
		if delNext.Valid {
			d.NextSteps = delNext.String
		}
		if delLinks.Valid && delLinks.String != "" {
			if err := json.Unmarshal([]byte(delLinks.String), &d.Links); err != nil {
				return w, fmt.Errorf("decode deliverable links: %w", err)
			}
		}
		w.Deliverable = d
	}
	return w, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	linksJSON, err := marshalLinks(w.Deliverable)
	if err != nil {
		return err
	}
	var summary, next any
	if w.Deliverable != nil {
		summary = nullable(w.Deliverable.Summary)
		next = nullable(w.Deliverable.NextSteps)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.BandID, w.Kind, nullableStringPtr(w.ParentID), w.Title, nullable(w.Description), w.Status,
		nullableStringPtr(w.AssigneeID), nullableStringPtr(w.MinClaimRole), w.RequiresVerification, w.RequiresDeliverable,
		summary, linksJSON, next,
		nullableStringPtr(w.VerificationStatus), nullableStringPtr(w.VerifiedByID), nullableStringPtr(w.RejectionReason),
		nullableStringPtr(w.CompletedAt), nullableStringPtr(w.CompletedByID), nullableStringPtr(w.DueDate),
		nullableIntPtr(w.Priority), w.Version, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return scanWorkItem(tx.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

// ClaimWorkItem is the compare-and-swap behind exclusive claiming: the
// assignee-null condition is re-checked at the write boundary so two racing
// claimants cannot both win. A zero-row update means the claim lost.
func (r Repo) ClaimWorkItem(ctx context.Context, tx *sql.Tx, id, actorID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items
SET assignee_id=?, status=?, version=version+1, updated_at=?
WHERE id=? AND assignee_id IS NULL AND status=?`,
		actorID, domain.StatusInProgress, now, id, domain.StatusTodo)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateWorkItem writes every mutable column guarded by the version the
// caller read. A missed guard surfaces ErrConflict, never a silent overwrite.
func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) (domain.WorkItem, error) {
	linksJSON, err := marshalLinks(w.Deliverable)
	if err != nil {
		return w, err
	}
	var summary, next any
	if w.Deliverable != nil {
		summary = nullable(w.Deliverable.Summary)
		next = nullable(w.Deliverable.NextSteps)
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET
title=?, description=?, status=?, assignee_id=?, min_claim_role=?,
requires_verification=?, requires_deliverable=?,
deliverable_summary=?, deliverable_links=?, deliverable_next=?,
verification_status=?, verified_by_id=?, rejection_reason=?,
completed_at=?, completed_by_id=?, due_date=?, priority=?,
version=version+1, updated_at=?
WHERE id=? AND version=?`,
		w.Title, nullable(w.Description), w.Status, nullableStringPtr(w.AssigneeID), nullableStringPtr(w.MinClaimRole),
		w.RequiresVerification, w.RequiresDeliverable,
		summary, linksJSON, next,
		nullableStringPtr(w.VerificationStatus), nullableStringPtr(w.VerifiedByID), nullableStringPtr(w.RejectionReason),
		nullableStringPtr(w.CompletedAt), nullableStringPtr(w.CompletedByID), nullableStringPtr(w.DueDate),
		nullableIntPtr(w.Priority), w.UpdatedAt,
		w.ID, w.Version)
	if err != nil {
		return w, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return w, err
	}
	if n == 0 {
		if _, err := r.GetWorkItemTx(ctx, tx, w.ID); errors.Is(err, ErrNotFound) {
			return w, ErrNotFound
		}
		return w, ErrConflict
	}
	w.Version++
	return w, nil
}

type WorkItemFilters struct {
	BandID          string
	Kind            string
	Status          string
	ParentID        string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.BandID != "" {
		clauses = append(clauses, "band_id=?")
		args = append(args, f.BandID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// ListChecklist returns the checklist items nested under a task.
func (r Repo) ListChecklist(ctx context.Context, taskID string) ([]domain.WorkItem, error) {
	return r.ListWorkItems(ctx, WorkItemFilters{ParentID: taskID, Kind: domain.KindChecklist})
}

func (r Repo) LatestEvents(ctx context.Context, limit int, bandID, evtType, itemID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, bandID, evtType, itemID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, bandID, evtType, itemID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if bandID != "" {
		clauses = append(clauses, "band_id=?")
		args = append(args, bandID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if itemID != "" {
		clauses = append(clauses, "item_id=?")
		args = append(args, itemID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,band_id,item_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, bandID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if bandID != "" {
		clauses = append(clauses, "band_id=?")
		args = append(args, bandID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,band_id,item_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var bandID, itemID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &bandID, &itemID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if bandID.Valid {
			e.BandID = bandID.String
		}
		if itemID.Valid {
			e.ItemID = itemID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a band.
func (r Repo) LatestEventID(ctx context.Context, bandID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE band_id=?`, bandID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) CountItemsByStatus(ctx context.Context, bandID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM work_items WHERE band_id=? GROUP BY status`, bandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func marshalLinks(d *domain.Deliverable) (any, error) {
	if d == nil || len(d.Links) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d.Links)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
