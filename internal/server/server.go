package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"crewcall/internal/config"
	"crewcall/internal/domain"
	"crewcall/internal/engine"
	"crewcall/internal/engine/deliverable"
	"crewcall/internal/engine/eligibility"
	"crewcall/internal/engine/workflow"
	"crewcall/internal/membership"
	"crewcall/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_claimed"`
	Message string         `json:"message" example:"work item is already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"item_id\":\"t-1\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Crewcall API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation failures are the caller's fault.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Crewcall API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBands(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError translates the engine's typed refusals into the wire envelope.
// Every refusal keeps its discriminating fields in details so clients can act
// on them without parsing messages.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var roleErr eligibility.RoleError
	if errors.As(err, &roleErr) {
		return newAPIError(http.StatusForbidden, "insufficient_role", err.Error(), map[string]any{
			"required_role": roleErr.Required, "actual_role": roleErr.Actual,
		})
	}
	var standingErr eligibility.StandingError
	if errors.As(err, &standingErr) {
		return newAPIError(http.StatusForbidden, "not_in_good_standing", err.Error(), map[string]any{
			"reason": standingErr.Reason,
		})
	}
	var reviewerErr eligibility.ReviewerError
	if errors.As(err, &reviewerErr) {
		return newAPIError(http.StatusForbidden, "reviewer_required", err.Error(), map[string]any{
			"actual_role": reviewerErr.Role,
		})
	}
	var modErr eligibility.ModeratorError
	if errors.As(err, &modErr) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"required_role": modErr.Required, "actual_role": modErr.Actual,
		})
	}
	var notAssignee engine.NotAssigneeError
	if errors.As(err, &notAssignee) {
		return newAPIError(http.StatusForbidden, "not_assignee", err.Error(), map[string]any{
			"item_id": notAssignee.ItemID,
		})
	}
	var claimed engine.AlreadyClaimedError
	if errors.As(err, &claimed) {
		return newAPIError(http.StatusConflict, "already_claimed", err.Error(), map[string]any{
			"item_id": claimed.ItemID,
		})
	}
	var trans workflow.InvalidTransitionError
	if errors.As(err, &trans) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"status": trans.Status, "action": string(trans.Action),
		})
	}
	var tooShort deliverable.TooShortError
	if errors.As(err, &tooShort) {
		return newAPIError(http.StatusUnprocessableEntity, "deliverable_too_short", err.Error(), map[string]any{
			"length": tooShort.Length, "min": tooShort.Min, "missing": tooShort.Missing,
		})
	}
	var badLink deliverable.LinkError
	if errors.As(err, &badLink) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_link", err.Error(), map[string]any{
			"index": badLink.Index, "url": badLink.URL, "reason": badLink.Reason,
		})
	}
	var tooLong deliverable.TooLongError
	if errors.As(err, &tooLong) {
		return newAPIError(http.StatusUnprocessableEntity, "field_too_long", err.Error(), map[string]any{
			"field": tooLong.Field, "length": tooLong.Length, "max": tooLong.Max,
		})
	}
	if errors.Is(err, engine.ErrMissingReason) {
		return newAPIError(http.StatusBadRequest, "missing_reason", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, membership.ErrNotMember) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Crewcall API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerBands(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-band",
		Method:        http.MethodPost,
		Path:          "/bands",
		Summary:       "Create band",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateBandRequest `json:"body"`
	}) (*struct {
		Body BandResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		b, err := e.InitBand(ctx, input.Body.ID, input.Body.Name, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BandResponse `json:"body"`
		}{Body: bandResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bands",
		Method:      http.MethodGet,
		Path:        "/bands",
		Summary:     "List bands",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BandResponse `json:"body"`
	}, error) {
		bands, err := e.Repo.ListBands(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]BandResponse, 0, len(bands))
		for _, b := range bands {
			res = append(res, bandResponse(b))
		}
		return &struct {
			Body []BandResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-band",
		Method:      http.MethodGet,
		Path:        "/bands/{band_id}",
		Summary:     "Get band",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BandID string `path:"band_id"`
	}) (*struct {
		Body BandResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBand(ctx, input.BandID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BandResponse `json:"body"`
		}{Body: bandResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "band-status",
		Method:      http.MethodGet,
		Path:        "/bands/{band_id}/status",
		Summary:     "Band status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BandID string `path:"band_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		b, err := e.Repo.GetBand(ctx, input.BandID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountItemsByStatus(ctx, b.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"band_id":     b.ID,
			"status":      b.Status,
			"item_counts": counts,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-band-config",
		Method:      http.MethodGet,
		Path:        "/bands/{band_id}/config",
		Summary:     "Get band config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BandID string `path:"band_id"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetBandConfig(ctx, input.BandID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-band-config",
		Method:      http.MethodPut,
		Path:        "/bands/{band_id}/config",
		Summary:     "Replace band config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		BandID string        `path:"band_id"`
		Body   config.Config `json:"body"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireModerator(ctx, e, input.BandID); err != nil {
			return nil, handleError(err)
		}
		cfg := input.Body
		if err := e.Repo.UpsertBandConfig(ctx, input.BandID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}

// requireModerator gates band administration endpoints on the configured
// moderator role.
func requireModerator(ctx context.Context, e engine.Engine, bandID string) error {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	cfg, err := e.Repo.GetBandConfig(ctx, bandID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	role, err := e.Members.Role(ctx, tx, bandID, actorID)
	if err != nil && !errors.Is(err, membership.ErrNotMember) {
		return err
	}
	if !cfg.RoleAtLeast(role, cfg.Roles.Moderator) {
		return eligibility.ModeratorError{Required: cfg.Roles.Moderator, Actual: role}
	}
	return nil
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/bands/{band_id}/members",
		Summary:     "List band members",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BandID string `path:"band_id"`
	}) (*struct {
		Body []MemberResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBand(ctx, input.BandID); err != nil {
			return nil, handleError(err)
		}
		members, err := e.Members.List(ctx, input.BandID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]MemberResponse, 0, len(members))
		for _, m := range members {
			res = append(res, memberResponse(m))
		}
		return &struct {
			Body []MemberResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-member",
		Method:      http.MethodPut,
		Path:        "/bands/{band_id}/members/{member_id}",
		Summary:     "Create or update a band member",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		BandID   string              `path:"band_id"`
		MemberID string              `path:"member_id"`
		Body     UpsertMemberRequest `json:"body"`
	}) (*struct {
		Body MemberResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireModerator(ctx, e, input.BandID); err != nil {
			return nil, handleError(err)
		}
		m, err := e.UpsertMember(ctx, domain.Member{
			BandID:         input.BandID,
			MemberID:       input.MemberID,
			Role:           input.Body.Role,
			Standing:       input.Body.Standing,
			StandingReason: input.Body.StandingReason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemberResponse `json:"body"`
		}{Body: memberResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-member-standing",
		Method:      http.MethodPut,
		Path:        "/bands/{band_id}/members/{member_id}/standing",
		Summary:     "Set member financial standing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		BandID   string             `path:"band_id"`
		MemberID string             `path:"member_id"`
		Body     SetStandingRequest `json:"body"`
	}) (*struct {
		Body MemberResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireModerator(ctx, e, input.BandID); err != nil {
			return nil, handleError(err)
		}
		m, err := e.SetStanding(ctx, input.BandID, input.MemberID, input.Body.Standing, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemberResponse `json:"body"`
		}{Body: memberResponse(m)}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bandID := input.Body.BandID
		if bandID == "" && e.Config != nil {
			bandID = e.Config.Band.ID
		}
		opts := engine.ItemCreateOptions{
			BandID:               bandID,
			Kind:                 input.Body.Kind,
			Title:                input.Body.Title,
			RequiresVerification: input.Body.RequiresVerification,
			RequiresDeliverable:  input.Body.RequiresDeliverable,
			Priority:             input.Body.Priority,
			ActorID:              actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ParentID != nil {
			opts.ParentID = *input.Body.ParentID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.MinClaimRole != nil {
			opts.MinClaimRole = *input.Body.MinClaimRole
		}
		if input.Body.DueDate != nil {
			opts.DueDate = *input.Body.DueDate
		}
		w, err := e.CreateItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		BandID     string `query:"band"`
		Kind       string `query:"kind" enum:"task,checklist_item"`
		Status     string `query:"status" enum:"todo,in_progress,in_review,completed,blocked"`
		AssigneeID string `query:"assignee"`
		ParentID   string `query:"parent"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		filters := repo.WorkItemFilters{
			BandID:     input.BandID,
			Kind:       input.Kind,
			Status:     input.Status,
			AssigneeID: input.AssigneeID,
			ParentID:   input.ParentID,
			Limit:      limit + 1,
		}
		if input.Cursor != "" {
			createdAt, id, err := decodeItemCursor(input.Cursor)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		items, err := e.Repo.ListWorkItems(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			next = encodeItemCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: paginatedItems{Items: mapWorkItems(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checklist",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/checklist",
		Summary:     "List checklist items under a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body []WorkItemResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkItem(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListChecklist(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkItemResponse `json:"body"`
		}{Body: mapWorkItems(items)}, nil
	})
}

// itemAction is the shared shape of the bodyless lifecycle endpoints.
func itemAction(api huma.API, opID, pathSuffix, summary string,
	fn func(ctx context.Context, actorID, itemID string) (domain.WorkItem, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/" + pathSuffix,
		Summary:     summary,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := fn(ctx, actorID, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	itemAction(api, "claim-item", "claim", "Claim work item", e.Claim)
	itemAction(api, "unclaim-item", "unclaim", "Release a claimed work item", e.Unclaim)
	itemAction(api, "submit-item", "submit", "Submit work item for verification", e.SubmitForVerification)
	itemAction(api, "retry-item", "retry", "Resubmit a rejected work item", e.Retry)
	itemAction(api, "complete-item", "complete", "Complete a work item without verification", e.MarkComplete)
	itemAction(api, "approve-item", "approve", "Approve a work item in review", e.Approve)
	itemAction(api, "block-item", "block", "Block an in-progress task", e.Block)
	itemAction(api, "unblock-item", "unblock", "Unblock a blocked task", e.Unblock)

	huma.Register(api, huma.Operation{
		OperationID: "update-deliverable",
		Method:      http.MethodPut,
		Path:        "/items/{item_id}/deliverable",
		Summary:     "Replace work item deliverable",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string             `path:"item_id"`
		Body   DeliverableRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.UpdateDeliverable(ctx, actorID, input.ItemID, toDeliverable(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/reject",
		Summary:     "Reject a work item in review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string        `path:"item_id"`
		Body   RejectRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "missing_reason", "rejection reason required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Reject(ctx, actorID, input.ItemID, strings.TrimSpace(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		BandID string `query:"band"`
		Type   string `query:"type"`
		ItemID string `query:"item"`
		Limit  int    `query:"limit"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			cursor = parsed
		}
		events, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursor, input.BandID, input.Type, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(events) > limit {
			events = events[:limit]
			next = strconv.FormatInt(events[len(events)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: mapEvents(events), NextCursor: next}}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := strings.TrimSpace(input.Body.ActorID)
		if target == "" {
			target = actorID
		}
		secret, err := generateAPIKeySecret()
		if err != nil {
			return nil, handleError(err)
		}
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: target,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(secret),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		res := apiKeyResponse(key)
		res.Key = secret
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func generateAPIKeySecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ck_" + hex.EncodeToString(buf), nil
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

// Item list cursors are "created_at|id", matching the list ordering.
func encodeItemCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func decodeItemCursor(cursor string) (string, string, error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}
