package membership

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crewcall/internal/domain"
)

// ErrNotMember indicates the actor has no membership in the band.
var ErrNotMember = errors.New("not a band member")

// Standing is a member's financial status as reported by billing.
type Standing struct {
	Good   bool
	Reason string
}

// Service answers role and standing questions over SQL. Lookups run inside
// the caller's transaction so the authoritative check happens at mutation
// time, not at render time.
type Service struct {
	DB *sql.DB
}

func (s Service) Get(ctx context.Context, tx *sql.Tx, bandID, memberID string) (domain.Member, error) {
	var m domain.Member
	var reason sql.NullString
	row := tx.QueryRowContext(ctx, `SELECT band_id,member_id,role,standing,standing_reason,created_at,updated_at FROM members WHERE band_id=? AND member_id=?`,
		bandID, memberID)
	err := row.Scan(&m.BandID, &m.MemberID, &m.Role, &m.Standing, &reason, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotMember
	}
	if err != nil {
		return m, err
	}
	if reason.Valid {
		m.StandingReason = reason.String
	}
	return m, nil
}

// Role returns the member's organizational role within the band.
func (s Service) Role(ctx context.Context, tx *sql.Tx, bandID, memberID string) (string, error) {
	m, err := s.Get(ctx, tx, bandID, memberID)
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// InGoodStanding reports the member's dues compliance. A missing membership
// counts as lapsed rather than an error so the gate can refuse it uniformly.
func (s Service) InGoodStanding(ctx context.Context, tx *sql.Tx, bandID, memberID string) (Standing, error) {
	m, err := s.Get(ctx, tx, bandID, memberID)
	if errors.Is(err, ErrNotMember) {
		return Standing{Good: false, Reason: "no membership on record"}, nil
	}
	if err != nil {
		return Standing{}, err
	}
	if m.Standing == domain.StandingGood {
		return Standing{Good: true}, nil
	}
	reason := m.StandingReason
	if reason == "" {
		reason = "membership dues lapsed"
	}
	return Standing{Good: false, Reason: reason}, nil
}

// Upsert creates or updates a membership record.
func (s Service) Upsert(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if m.CreatedAt == "" {
		m.CreatedAt = now
	}
	if m.UpdatedAt == "" {
		m.UpdatedAt = now
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO members(band_id,member_id,role,standing,standing_reason,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(band_id,member_id) DO UPDATE SET role=excluded.role, standing=excluded.standing, standing_reason=excluded.standing_reason, updated_at=excluded.updated_at`,
		m.BandID, m.MemberID, m.Role, m.Standing, nullable(m.StandingReason), m.CreatedAt, m.UpdatedAt)
	return err
}

// SetStanding updates only the financial standing of a member.
func (s Service) SetStanding(ctx context.Context, tx *sql.Tx, bandID, memberID, standing, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE members SET standing=?, standing_reason=?, updated_at=? WHERE band_id=? AND member_id=?`,
		standing, nullable(reason), now, bandID, memberID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotMember
	}
	return nil
}

func (s Service) List(ctx context.Context, bandID string) ([]domain.Member, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT band_id,member_id,role,standing,standing_reason,created_at,updated_at FROM members WHERE band_id=? ORDER BY member_id`, bandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		var reason sql.NullString
		if err := rows.Scan(&m.BandID, &m.MemberID, &m.Role, &m.Standing, &reason, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			m.StandingReason = reason.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
