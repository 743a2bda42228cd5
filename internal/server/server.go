package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"missionline/internal/app"
	"missionline/internal/audit"
	"missionline/internal/casefile"
	"missionline/internal/command"
	"missionline/internal/domain"
)

const sourceAgent = "REST_API"

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"permission_denied"`
	Message string         `json:"message" example:"user user_2 needs admin on casefile case-1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the casefile API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
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
		// request schema failures are reported as 400
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	hcfg := huma.DefaultConfig("Missionline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerOpenAPI(router, api, basePath)
	registerTaskStream(router, basePath, cfg.App, cfg.Auth)
	registerHealth(group)
	registerMe(group)
	registerCasefiles(group, cfg.App)
	registerACL(group, cfg.App)
	registerEvents(group, cfg.App)
	registerAdvance(group, cfg.App)
	registerTasks(group, cfg.App)
	registerCommands(group, cfg.App)
	registerAudit(group, cfg.App)
	registerTools(group, cfg.App)

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

// handleError maps error kinds to HTTP statuses. Validation failures share
// 404 with missing casefiles.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch domain.KindOf(err) {
	case domain.KindPermissionDenied:
		return newAPIError(http.StatusForbidden, "permission_denied", msg, nil)
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case domain.KindValidation:
		return newAPIError(http.StatusNotFound, "validation_error", msg, nil)
	case domain.KindExecution:
		return newAPIError(http.StatusInternalServerError, "execution_failure", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// dispatch runs a command as the authenticated caller.
func dispatch(ctx context.Context, a *app.App, commandType string, payload map[string]any) (domain.Command, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return domain.Command{}, authErr
	}
	return a.Dispatch(ctx, userID, commandType, sourceAgent, payload)
}

// toPayload turns a request body into a command payload.
func toPayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeResult maps a command result onto a response type.
func decodeResult(res map[string]any, out any) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
    <title>Missionline API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Principal `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body Principal `json:"body"`
		}{Body: p}, nil
	})
}

// visibleSummaries keeps the casefiles the user holds a role on.
func visibleSummaries(items []domain.Casefile, userID string) []casefile.Summary {
	out := []casefile.Summary{}
	for _, cf := range items {
		if _, ok := cf.RoleOf(userID); ok {
			out = append(out, casefile.Summarize(cf))
		}
	}
	return out
}

func registerCasefiles(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-casefile",
		Method:        http.MethodPost,
		Path:          "/casefiles",
		Summary:       "Create a casefile, optionally under a parent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateCasefileRequest `json:"body"`
	}) (*struct {
		Body CreateCasefileResponse `json:"body"`
	}, error) {
		payload, err := toPayload(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		cmd, err := dispatch(ctx, a, command.CreateCasefile, payload)
		if err != nil {
			return nil, handleError(err)
		}
		id, _ := cmd.Result["casefile_id"].(string)
		return &struct {
			Body CreateCasefileResponse `json:"body"`
		}{Body: CreateCasefileResponse{ID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-casefiles",
		Method:      http.MethodGet,
		Path:        "/casefiles",
		Summary:     "List top-level casefiles visible to the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CasefileListResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Store.ListTopLevel(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CasefileListResponse `json:"body"`
		}{Body: CasefileListResponse{Items: visibleSummaries(items, userID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "casefile-status",
		Method:      http.MethodGet,
		Path:        "/casefiles/status",
		Summary:     "List every visible casefile with its derived status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CasefileListResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Store.ListAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CasefileListResponse `json:"body"`
		}{Body: CasefileListResponse{Items: visibleSummaries(items, userID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-casefile",
		Method:      http.MethodGet,
		Path:        "/casefiles/{id}",
		Summary:     "Get a casefile",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Casefile `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cf, err := a.Store.LoadFor(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Casefile `json:"body"`
		}{Body: cf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-casefile",
		Method:      http.MethodPatch,
		Path:        "/casefiles/{id}",
		Summary:     "Merge field updates into a casefile",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateCasefileRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		payload := make(map[string]any, len(input.Body.Updates)+1)
		for k, v := range input.Body.Updates {
			payload[k] = v
		}
		payload["casefile_id"] = input.ID
		cmd, err := dispatch(ctx, a, command.UpdateCasefile, payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: cmd.Result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-casefile",
		Method:        http.MethodDelete,
		Path:          "/casefiles/{id}",
		Summary:       "Delete a casefile; sub-casefiles are kept",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, err := dispatch(ctx, a, command.DeleteCasefile, map[string]any{"casefile_id": input.ID}); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerACL(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-access",
		Method:      http.MethodPost,
		Path:        "/casefiles/{id}/acl/grant",
		Summary:     "Grant a role on a casefile",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body GrantAccessRequest `json:"body"`
	}) (*struct {
		Body ACLResponse `json:"body"`
	}, error) {
		cmd, err := dispatch(ctx, a, command.GrantAccess, map[string]any{
			"casefile_id":      input.ID,
			"user_id_to_grant": input.Body.UserID,
			"role":             input.Body.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		var resp ACLResponse
		if err := decodeResult(cmd.Result, &resp); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ACLResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-access",
		Method:      http.MethodPost,
		Path:        "/casefiles/{id}/acl/revoke",
		Summary:     "Revoke a user's role on a casefile",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body RevokeAccessRequest `json:"body"`
	}) (*struct {
		Body ACLResponse `json:"body"`
	}, error) {
		cmd, err := dispatch(ctx, a, command.RevokeAccess, map[string]any{
			"casefile_id":       input.ID,
			"user_id_to_revoke": input.Body.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		var resp ACLResponse
		if err := decodeResult(cmd.Result, &resp); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ACLResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "log-event",
		Method:        http.MethodPost,
		Path:          "/casefiles/{id}/events",
		Summary:       "Append an event to a casefile's log",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body LogEventRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		payload, err := toPayload(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		payload["casefile_id"] = input.ID
		cmd, err := dispatch(ctx, a, command.LogEvent, payload)
		if err != nil {
			return nil, handleError(err)
		}
		var evt domain.Event
		if err := decodeResult(cmd.Result, &evt); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: evt}, nil
	})
}

func registerAdvance(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "advance-casefile",
		Method:        http.MethodPost,
		Path:          "/casefiles/{id}/advance",
		Summary:       "Queue one orchestration step",
		Description:   "Returns a task handle immediately. Poll /tasks/{id} or subscribe to /tasks/stream for the outcome.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AdvanceResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := a.EnqueueAdvance(ctx, userID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdvanceResponse `json:"body"`
		}{Body: AdvanceResponse{TaskID: task.ID, Status: task.Status}}, nil
	})
}

func registerTasks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a background task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		task, err := a.Queue.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List recent background tasks",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"queued, running, succeeded or failed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		tasks, err := a.Queue.List(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: tasks}}, nil
	})
}

func registerCommands(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-command",
		Method:      http.MethodPost,
		Path:        "/commands",
		Summary:     "Dispatch a command envelope",
		Description: "Supported types: " + strings.Join(command.Types(), ", "),
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CommandRequest `json:"body"`
	}) (*struct {
		Body domain.Command `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		source := input.Body.SourceAgent
		if source == "" {
			source = sourceAgent
		}
		cmd, err := a.Bus.Dispatch(ctx, domain.Command{
			CommandID:   input.Body.CommandID,
			CommandType: input.Body.CommandType,
			SourceAgent: source,
			UserID:      userID,
			Payload:     input.Body.Payload,
		})
		if err != nil {
			se := handleError(err)
			if ae, ok := se.(*apiError); ok && cmd.CommandID != "" {
				if ae.Body.Details == nil {
					ae.Body.Details = map[string]any{}
				}
				ae.Body.Details["command_id"] = cmd.CommandID
			}
			return nil, se
		}
		return &struct {
			Body domain.Command `json:"body"`
		}{Body: cmd}, nil
	})
}

func registerAudit(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Latest audit entries, newest first",
	}, func(ctx context.Context, input *struct {
		Direction string `query:"direction" example:"COMMAND_DISPATCH"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		entries, err := audit.List(ctx, a.Repo, normalizeLimit(input.Limit), input.Direction)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: AuditListResponse{Items: entries}}, nil
	})
}

func registerTools(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/tools",
		Summary:     "Registered workflow tools",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ToolListResponse `json:"body"`
	}, error) {
		return &struct {
			Body ToolListResponse `json:"body"`
		}{Body: ToolListResponse{Items: a.Tools.Describe()}}, nil
	})
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
