package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"

	"crewcall/internal/config"
	"crewcall/internal/db"
	"crewcall/internal/domain"
	"crewcall/internal/engine"
	"crewcall/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("band-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.InitBand(ctx, cfg.Band.ID, "Test Band", "", "root"); err != nil {
		t.Fatalf("init band: %v", err)
	}
	members := []domain.Member{
		{BandID: cfg.Band.ID, MemberID: "alice", Role: "member", Standing: domain.StandingGood},
		{BandID: cfg.Band.ID, MemberID: "bob", Role: "member", Standing: domain.StandingGood},
		{BandID: cfg.Band.ID, MemberID: "carol", Role: "member", Standing: domain.StandingLapsed, StandingReason: "dues unpaid"},
		{BandID: cfg.Band.ID, MemberID: "mona", Role: "moderator", Standing: domain.StandingGood},
	}
	for _, m := range members {
		if _, err := e.UpsertMember(ctx, m); err != nil {
			t.Fatalf("seed member %s: %v", m.MemberID, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeErr(t *testing.T, data []byte) errEnvelope {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env
}

func createItem(t *testing.T, srv *testServer, body map[string]any) WorkItemResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items", body, asActor("mona"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	var item WorkItemResponse
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	return item
}

func TestVerifiedLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	item := createItem(t, srv, map[string]any{
		"title":                 "Repair the PA",
		"requires_verification": true,
		"requires_deliverable":  true,
	})
	if item.Status != domain.StatusTodo {
		t.Fatalf("created status = %s", item.Status)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/claim", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}

	// A second claimant loses with the typed envelope.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/claim", nil, asActor("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second claim status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "already_claimed" {
		t.Fatalf("second claim code = %q", env.Error.Code)
	}

	// Submitting without evidence is a 422 naming the shortfall.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/submit", nil, asActor("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bare submit status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "deliverable_too_short" {
		t.Fatalf("bare submit code = %q", env.Error.Code)
	}

	// Malformed links are refused at edit time.
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/items/"+item.ID+"/deliverable", map[string]any{
		"summary": "Replaced the blown driver and re-soldered the crossover wiring.",
		"links":   []map[string]any{{"url": "not a url", "title": "receipt"}},
	}, asActor("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad link status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "invalid_link" {
		t.Fatalf("bad link code = %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/items/"+item.ID+"/deliverable", map[string]any{
		"summary": "Replaced the blown driver and re-soldered the crossover wiring.",
		"links":   []map[string]any{{"url": "https://example.com/receipt", "title": "receipt"}},
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deliverable status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/submit", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted WorkItemResponse
	_ = json.Unmarshal(data, &submitted)
	if submitted.Status != domain.StatusInReview {
		t.Fatalf("submitted status = %s", submitted.Status)
	}

	// Plain members cannot review.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/approve", nil, asActor("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("approve by member status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "reviewer_required" {
		t.Fatalf("approve by member code = %q", env.Error.Code)
	}

	// Rejecting without a reason is a 400.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/reject", map[string]any{"reason": "  "}, asActor("mona"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("reject without reason status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "missing_reason" {
		t.Fatalf("reject without reason code = %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/reject", map[string]any{
		"reason": "wiring photo missing",
	}, asActor("mona"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}
	var rejected WorkItemResponse
	_ = json.Unmarshal(data, &rejected)
	if rejected.Status != domain.StatusInProgress {
		t.Fatalf("rejected status = %s", rejected.Status)
	}
	if rejected.RejectionReason == nil || *rejected.RejectionReason != "wiring photo missing" {
		t.Fatalf("rejection_reason = %v", rejected.RejectionReason)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/retry", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("retry status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/approve", nil, asActor("mona"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved WorkItemResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal approved: %v", err)
	}
	if approved.Status != domain.StatusCompleted {
		t.Fatalf("approved status = %s", approved.Status)
	}
	if approved.VerifiedByID == nil || *approved.VerifiedByID != "mona" {
		t.Fatalf("verified_by = %v", approved.VerifiedByID)
	}

	// Completed is terminal; a fresh claim reports the state, not a conflict.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/claim", nil, asActor("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("claim completed status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "invalid_state" {
		t.Fatalf("claim completed code = %q, want invalid_state", env.Error.Code)
	}

	// The event log recorded the journey.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?item="+item.ID, nil, asActor("mona"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events paginatedEvents
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events.Items) < 6 {
		t.Fatalf("event count = %d, want at least 6", len(events.Items))
	}
}

func TestStandingRefusalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	item := createItem(t, srv, map[string]any{"title": "Haul the backline"})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/claim", nil, asActor("carol"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("lapsed claim status %d: %s", res.StatusCode, string(data))
	}
	env := decodeErr(t, data)
	if env.Error.Code != "not_in_good_standing" {
		t.Fatalf("code = %q", env.Error.Code)
	}
	if env.Error.Details["reason"] != "dues unpaid" {
		t.Fatalf("details = %v", env.Error.Details)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// Health is open.
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	// Everything else wants credentials.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	// Dev login issues a usable bearer token.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Source != "jwt" {
		t.Fatalf("me = %+v", me)
	}

	// A garbage token is refused.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"actor_id": "alice",
		"name":     "ci",
	}, asActor("mona"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("plaintext key should be returned once at creation")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via key status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Source != "api_key" {
		t.Fatalf("me = %+v", me)
	}

	// Deleting the key revokes it.
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/keys/"+key.ID, nil, asActor("mona"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete key status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status %d", res.StatusCode)
	}
}

func TestMemberAdminRequiresModerator(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/bands/band-1/members/dave", map[string]any{
		"role": "member",
	}, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("upsert by member status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/bands/band-1/members/dave", map[string]any{
		"role": "member",
	}, asActor("mona"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert by moderator status %d: %s", res.StatusCode, string(data))
	}
	var m MemberResponse
	_ = json.Unmarshal(data, &m)
	if m.MemberID != "dave" || m.Standing != domain.StandingGood {
		t.Fatalf("member = %+v", m)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/bands/band-1/members/dave/standing", map[string]any{
		"standing": "lapsed",
		"reason":   "card expired",
	}, asActor("mona"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("standing status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &m)
	if m.Standing != domain.StandingLapsed || m.StandingReason != "card expired" {
		t.Fatalf("member after standing = %+v", m)
	}
}

func TestItemListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, title := range []string{"one", "two", "three"} {
		createItem(t, srv, map[string]any{"title": title})
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items?limit=2", nil, asActor("mona"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedItems
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page = %d items, cursor %q", len(page.Items), page.NextCursor)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, asActor("mona"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	var rest paginatedItems
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(rest.Items) != 1 || rest.NextCursor != "" {
		t.Fatalf("second page = %d items, cursor %q", len(rest.Items), rest.NextCursor)
	}

	seen := map[string]bool{}
	for _, it := range append(page.Items, rest.Items...) {
		if seen[it.ID] {
			t.Fatalf("item %s returned twice", it.ID)
		}
		seen[it.ID] = true
	}
}
