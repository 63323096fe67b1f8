package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"crewcall/internal/db"
	"crewcall/internal/domain"
	"crewcall/internal/migrate"
	"crewcall/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, conn
}

func seedItem(t *testing.T, r repo.Repo, conn *sql.DB) domain.WorkItem {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertBand(ctx, tx, domain.Band{ID: "band-1", Name: "b", Status: "active", CreatedAt: now}); err != nil {
		t.Fatalf("insert band: %v", err)
	}
	w := domain.WorkItem{
		ID: "it-1", BandID: "band-1", Kind: domain.KindTask, Title: "t",
		Status: domain.StatusTodo, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.InsertWorkItem(ctx, tx, w); err != nil {
		t.Fatalf("insert item: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestUpdateWorkItemVersionConflict(t *testing.T) {
	r, conn := newRepo(t)
	ctx := context.Background()
	item := seedItem(t, r, conn)

	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	item.Title = "first writer"
	updated, err := r.UpdateWorkItem(ctx, tx, item)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if updated.Version != item.Version+1 {
		t.Fatalf("version = %d, want %d", updated.Version, item.Version+1)
	}

	// A write based on the stale snapshot loses.
	tx, err = conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	stale := item
	stale.Title = "second writer"
	if _, err := r.UpdateWorkItem(ctx, tx, stale); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("stale update: got %v, want ErrConflict", err)
	}
}

func TestUpdateWorkItemNotFound(t *testing.T) {
	r, conn := newRepo(t)
	ctx := context.Background()
	seedItem(t, r, conn)

	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	ghost := domain.WorkItem{ID: "missing", BandID: "band-1", Kind: domain.KindTask, Status: domain.StatusTodo}
	if _, err := r.UpdateWorkItem(ctx, tx, ghost); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestClaimWorkItemCompareAndSet(t *testing.T) {
	r, conn := newRepo(t)
	ctx := context.Background()
	item := seedItem(t, r, conn)
	now := time.Now().UTC().Format(time.RFC3339)

	claim := func(actor string) bool {
		tx, err := conn.Begin()
		if err != nil {
			t.Fatal(err)
		}
		defer tx.Rollback()
		won, err := r.ClaimWorkItem(ctx, tx, item.ID, actor, now)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if won {
			if err := tx.Commit(); err != nil {
				t.Fatal(err)
			}
		}
		return won
	}

	if !claim("alice") {
		t.Fatal("first claim should win")
	}
	if claim("bob") {
		t.Fatal("second claim should lose the compare-and-set")
	}

	got, err := r.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssigneeID == nil || *got.AssigneeID != "alice" {
		t.Fatalf("assignee = %v, want alice", got.AssigneeID)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	secret := "ck_test_secret"
	key := domain.APIKey{ID: "k-1", ActorID: "alice", Name: "laptop", KeyHash: repo.HashAPIKey(secret)}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ActorID != "alice" || got.Name != "laptop" {
		t.Fatalf("got %+v", got)
	}

	if err := r.DeleteAPIKey(ctx, "k-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("lookup after delete: got %v, want ErrNotFound", err)
	}
	if err := r.DeleteAPIKey(ctx, "k-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete: got %v, want ErrNotFound", err)
	}
}
