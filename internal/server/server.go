package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/events"
	"actionline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"guardrail_violation"`
	Message string         `json:"message" example:"action type \"legacy_task\" belongs to a retired storage path and may not receive new writes"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"type\":\"legacy_task\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Actionline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Actionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCompose(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerReferences(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ge engine.GuardrailError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusUnprocessableEntity, "guardrail_violation", err.Error(), map[string]any{"type": ge.Type})
	}
	var be events.BindingError
	if errors.As(err, &be) {
		return newAPIError(http.StatusUnprocessableEntity, "field_binding_violation", err.Error(), map[string]any{"field": be.Field})
	}
	var re events.ReservedTypeError
	if errors.As(err, &re) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"type": re.Type})
	}
	var de engine.DuplicateReferenceError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "duplicate_reference", err.Error(), map[string]any{"source_record_id": de.SourceRecordID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not in the configured catalog"):
		return newAPIError(http.StatusUnprocessableEntity, "unknown_action_type", msg, nil)
	case strings.Contains(lowered, "no snapshot"),
		strings.Contains(lowered, "has no field"):
		return newAPIError(http.StatusUnprocessableEntity, "resolution_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Actionline API Docs</title>
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

func registerCompose(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "compose-action",
		Method:        http.MethodPost,
		Path:          "/contexts/{context_id}/compose",
		Summary:       "Compose an action with its events and references",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ContextID string         `path:"context_id"`
		SkipView  bool           `query:"skip_view"`
		Body      ComposeRequest `json:"body"`
	}) (*struct {
		Body ComposeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Action.ContextType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action.context_type is required", nil)
		}
		if input.Body.Action.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action.type is required", nil)
		}
		composeInput := composeInputFromRequest(input.ContextID, input.Body)
		res, err := e.Compose(ctx, composeInput, engine.ComposeOptions{
			ActorID:  actorFromContext(ctx),
			SkipView: input.SkipView,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComposeResponse `json:"body"`
		}{Body: ComposeResponse{
			Action:     actionResponse(res.Action),
			Events:     mapEvents(res.Events),
			References: mapReferences(res.References),
			View:       res.View,
		}}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Get action with events and references",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body ActionDetailResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Repo.ListActionEvents(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		refs, err := e.Repo.ListActionReferences(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionDetailResponse `json:"body"`
		}{Body: ActionDetailResponse{
			Action:     actionResponse(a),
			Events:     mapEvents(evts),
			References: mapReferences(refs),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/contexts/{context_id}/actions",
		Summary:     "List actions in a context",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ContextID   string `path:"context_id"`
		ContextType string `query:"context_type"`
		Type        string `query:"type"`
		ParentID    string `query:"parent_action_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedActions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.ActionFilters{
			ContextID:       input.ContextID,
			ContextType:     input.ContextType,
			Type:            input.Type,
			ParentActionID:  input.ParentID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		actions, err := e.Repo.ListActions(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedActions{Items: []ActionResponse{}}
		if len(actions) > limit {
			actions = actions[:limit]
			last := actions[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapActions(actions)
		return &struct {
			Body paginatedActions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action-events",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}/events",
		Summary:     "List events of an action in append order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAction(ctx, input.ActionID); err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Repo.ListActionEvents(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action-view",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}/view",
		Summary:     "Interpreted view of an action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body domain.ActionView `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAction(ctx, input.ActionID); err != nil {
			return nil, handleError(err)
		}
		if e.Views == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no interpreter configured", nil)
		}
		view, err := e.Views.ViewForAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		if view == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no events recorded for action", nil)
		}
		return &struct {
			Body domain.ActionView `json:"body"`
		}{Body: *view}, nil
	})
}

func registerReferences(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-action-references",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}/references",
		Summary:     "List references of an action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body []ReferenceResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAction(ctx, input.ActionID); err != nil {
			return nil, handleError(err)
		}
		refs, err := e.Repo.ListActionReferences(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		if refs == nil {
			refs = []domain.Reference{}
		}
		out := mapReferences(refs)
		if out == nil {
			out = []ReferenceResponse{}
		}
		return &struct {
			Body []ReferenceResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-references",
		Method:        http.MethodPost,
		Path:          "/actions/{action_id}/references",
		Summary:       "Attach references to an existing action",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
		Body     struct {
			References []ReferenceRequest `json:"references"`
		} `json:"body"`
	}) (*struct {
		Body []ReferenceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.References) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "references is required", nil)
		}
		var inputs []engine.ReferenceInput
		for _, ref := range input.Body.References {
			inputs = append(inputs, engine.ReferenceInput{
				SourceRecordID: ref.SourceRecordID,
				TargetFieldKey: ref.TargetFieldKey,
				Mode:           ref.Mode,
			})
		}
		refs, err := e.CreateReferences(ctx, input.ActionID, inputs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReferenceResponse `json:"body"`
		}{Body: mapReferences(refs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-reference-mode",
		Method:      http.MethodPost,
		Path:        "/references/{reference_id}/toggle",
		Summary:     "Toggle a reference between static and dynamic",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ReferenceID string            `path:"reference_id"`
		Body        ToggleModeRequest `json:"body,omitempty"`
	}) (*struct {
		Body ReferenceResponse `json:"body"`
	}, error) {
		ref, err := e.ToggleReferenceMode(ctx, input.ReferenceID, input.Body.Mode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReferenceResponse `json:"body"`
		}{Body: referenceResponse(ref)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-reference-snapshot",
		Method:      http.MethodPut,
		Path:        "/references/{reference_id}/snapshot",
		Summary:     "Replace the stored snapshot of a reference",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ReferenceID string             `path:"reference_id"`
		Body        SetSnapshotRequest `json:"body"`
	}) (*struct {
		Body ReferenceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ref, err := e.SetReferenceSnapshot(ctx, input.ReferenceID, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReferenceResponse `json:"body"`
		}{Body: referenceResponse(ref)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-reference",
		Method:      http.MethodGet,
		Path:        "/references/{reference_id}/resolve",
		Summary:     "Resolve a reference to its current value",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ReferenceID string `path:"reference_id"`
	}) (*struct {
		Body ResolutionResponse `json:"body"`
	}, error) {
		res, err := e.ResolveReference(ctx, input.ReferenceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolutionResponse `json:"body"`
		}{Body: resolutionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-reference",
		Method:      http.MethodDelete,
		Path:        "/references/{reference_id}",
		Summary:     "Delete a reference",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ReferenceID string `path:"reference_id"`
	}) (*struct{}, error) {
		if err := e.DeleteReference(ctx, input.ReferenceID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-record",
		Method:      http.MethodPut,
		Path:        "/records/{record_id}",
		Summary:     "Create or update a source record",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RecordID string           `path:"record_id"`
		Body     PutRecordRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Kind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind is required", nil)
		}
		fields := input.Body.Fields
		if len(fields) == 0 {
			fields = json.RawMessage(`{}`)
		}
		if !json.Valid(fields) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "fields must be valid JSON", nil)
		}
		now := e.Now().UTC().Format(time.RFC3339)
		rec := domain.SourceRecord{
			ID:         input.RecordID,
			Kind:       input.Body.Kind,
			Label:      input.Body.Label,
			FieldsJSON: fields,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.Repo.UpsertSourceRecord(ctx, rec); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetSourceRecord(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(stored)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{record_id}",
		Summary:     "Get a source record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		rec, err := e.Repo.GetSourceRecord(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List source records",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []RecordResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSourceRecords(ctx, input.Kind, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RecordResponse `json:"body"`
		}{Body: mapRecords(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record-links",
		Method:      http.MethodGet,
		Path:        "/records/{record_id}/links",
		Summary:     "List references pointing at a record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body []ReferenceResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSourceRecord(ctx, input.RecordID); err != nil {
			return nil, handleError(err)
		}
		refs, err := e.Repo.ListSourceLinks(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		out := mapReferences(refs)
		if out == nil {
			out = []ReferenceResponse{}
		}
		return &struct {
			Body []ReferenceResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-context-events",
		Method:      http.MethodGet,
		Path:        "/contexts/{context_id}/events",
		Summary:     "List recent events in a context",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ContextID string `path:"context_id"`
		Type      string `query:"type"`
		ActionID  string `query:"action_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body PaginatedEventsResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.ContextID, input.Type, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := PaginatedEventsResponse{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body PaginatedEventsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/auth/apikeys",
		Summary:       "Create an API key",
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
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		rawKey := uuid.NewString()
		created := e.Now().UTC().Format(time.RFC3339)
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   actor,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: created,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       rawKey,
			CreatedAt: key.CreatedAt,
		}}, nil
	})
}

type paginatedActions struct {
	Items      []ActionResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
