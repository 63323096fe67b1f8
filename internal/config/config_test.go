package config_test

import (
	"strings"
	"testing"

	"crewcall/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("band-1")))
	if err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Band.ID != "band-1" {
		t.Fatalf("band id = %q", cfg.Band.ID)
	}
	if cfg.Deliverable.SummaryMinChars <= 0 || cfg.Deliverable.NextStepsMaxChars <= 0 {
		t.Fatalf("deliverable bounds = %+v", cfg.Deliverable)
	}
	if cfg.Roles.Moderator == "" || len(cfg.Roles.Reviewers) == 0 {
		t.Fatalf("roles = %+v", cfg.Roles)
	}
}

func TestValidate(t *testing.T) {
	base := `band:
  id: band-1
roles:
  hierarchy: [member, moderator]
  reviewers: [moderator]
  moderator: moderator
deliverable:
  summary_min_chars: 30
  next_steps_max_chars: 4000
`
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{"missing band id", func(s string) string { return strings.Replace(s, "id: band-1", "id: \"\"", 1) }, "band.id"},
		{"duplicate role", func(s string) string { return strings.Replace(s, "[member, moderator]", "[member, member]", 1) }, "repeats role"},
		{"reviewer outside hierarchy", func(s string) string { return strings.Replace(s, "reviewers: [moderator]", "reviewers: [auditor]", 1) }, "not in hierarchy"},
		{"moderator outside hierarchy", func(s string) string { return strings.Replace(s, "moderator: moderator", "moderator: boss", 1) }, "not in hierarchy"},
		{"zero summary minimum", func(s string) string { return strings.Replace(s, "summary_min_chars: 30", "summary_min_chars: 0", 1) }, "must be positive"},
		{"webhook without url", func(s string) string { return s + "webhooks:\n  - events: [item.claimed]\n" }, "empty url"},
	}
	if _, err := config.FromYAML([]byte(base)); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.mutate(base)))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestRoleHierarchy(t *testing.T) {
	cfg := config.Default("band-1")

	if got := cfg.RoleRank("member"); got != 0 {
		t.Fatalf("rank(member) = %d", got)
	}
	if got := cfg.RoleRank("roadie"); got != -1 {
		t.Fatalf("rank(roadie) = %d", got)
	}
	cases := []struct {
		role, min string
		want      bool
	}{
		{"admin", "moderator", true},
		{"moderator", "moderator", true},
		{"coordinator", "moderator", false},
		{"roadie", "member", false},
		{"member", "roadie", false},
	}
	for _, tc := range cases {
		if got := cfg.RoleAtLeast(tc.role, tc.min); got != tc.want {
			t.Fatalf("RoleAtLeast(%s, %s) = %v, want %v", tc.role, tc.min, got, tc.want)
		}
	}

	if !cfg.IsReviewer("moderator") || !cfg.IsReviewer("admin") {
		t.Fatal("default reviewers should include moderator and admin")
	}
	if cfg.IsReviewer("member") {
		t.Fatal("member is not a reviewer")
	}
}
