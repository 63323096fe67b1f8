package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crewcall/internal/config"
	"crewcall/internal/domain"
	"crewcall/internal/membership"
	"crewcall/internal/repo"
)

// ResolveBandAndConfig picks the active band and ensures a band + config exist
// in the DB, seeding defaults if missing. It prefers overrides, then the
// single-band DB. A missing band is created on the fly.
func ResolveBandAndConfig(ctx context.Context, bandOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	bandID := bandOverride
	if bandID == "" {
		if b, err := r.SingleBand(ctx); err == nil {
			bandID = b.ID
		} else {
			return "", nil, fmt.Errorf("band not specified; use --band")
		}
	}
	seedCfg := config.Default(bandID)

	if _, err := r.GetBand(ctx, bandID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createBand(ctx, r, bandID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetBandConfig(ctx, bandID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertBandConfig(ctx, bandID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed band config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Band.ID = bandID
	return bandID, cfg, nil
}

// createBand inserts a minimal band footprint and enrolls the acting member
// at the top of the hierarchy so the workspace is usable immediately.
func createBand(ctx context.Context, r repo.Repo, bandID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(bandID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	b := domain.Band{
		ID:        bandID,
		Name:      bandID,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertBand(ctx, tx, b); err != nil {
		return fmt.Errorf("insert band: %w", err)
	}
	if err := r.UpsertBandConfigTx(ctx, tx, bandID, seedCfg); err != nil {
		return fmt.Errorf("insert band config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	topRole := seedCfg.Roles.Hierarchy[len(seedCfg.Roles.Hierarchy)-1]
	members := membership.Service{DB: r.DB}
	if err := members.Upsert(ctx, tx, domain.Member{
		BandID:   bandID,
		MemberID: actorID,
		Role:     topRole,
		Standing: domain.StandingGood,
	}); err != nil {
		return fmt.Errorf("enroll member: %w", err)
	}
	return tx.Commit()
}
