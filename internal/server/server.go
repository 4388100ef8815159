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

	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/engine/roles"
	"flowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_date_range"`
	Message string         `json:"message" example:"invalid postpone date range"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Flowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	hcfg := huma.DefaultConfig("Flowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkflows(group, cfg.Engine)
	registerInvitations(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerMe(group, cfg.Engine)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var unknownRole roles.UnknownRoleError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &unknownRole):
		return newAPIError(http.StatusNotFound, "unknown_role", err.Error(), map[string]any{"role": unknownRole.Role})
	case errors.Is(err, engine.ErrAlreadyClaimed):
		return newAPIError(http.StatusConflict, "already_claimed", err.Error(), nil)
	case errors.Is(err, engine.ErrInstanceNotClaimable):
		return newAPIError(http.StatusConflict, "not_claimable", err.Error(), nil)
	case errors.Is(err, engine.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidDateRange):
		return newAPIError(http.StatusBadRequest, "invalid_date_range", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrRoleClassMismatch):
		return newAPIError(http.StatusUnprocessableEntity, "role_class_mismatch", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not defined") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

// requirePermission enforces a catalog permission for the caller. Ids
// that are not registered (yet) in the catalog are not enforced, so a
// fresh deployment works before `fl permissions sync` has run.
func requirePermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	exists, err := e.Repo.PermissionExists(ctx, perm)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if user, err := e.Repo.GetUser(ctx, principal.UserID); err == nil && user.Superuser {
		return nil
	}
	userRoles := principal.Roles
	if len(userRoles) == 0 {
		userRoles, err = e.Repo.UserRoles(ctx, principal.UserID)
		if err != nil {
			return err
		}
	}
	for _, role := range userRoles {
		ok, err := e.Repo.RoleHasPermission(ctx, role, perm)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return newAPIError(http.StatusForbidden, "forbidden", fmt.Sprintf("permission %s required", perm), map[string]any{"permission": perm})
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
    <title>Flowline API Docs</title>
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

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflow definitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		if e.Config == nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "config not loaded", nil)
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: workflowResponses(e.Config)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_name}/start",
		Summary:       "Start a workflow instance",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowName string `path:"workflow_name"`
	}) (*struct {
		Body StartWorkflowResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "workflow."+input.WorkflowName+".start"); err != nil {
			return nil, handleError(err)
		}
		wfi, inv, err := e.StartWorkflow(ctx, input.WorkflowName, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartWorkflowResponse `json:"body"`
		}{Body: StartWorkflowResponse{
			Instance:   instanceResponse(wfi),
			Invitation: invitationResponse(inv),
		}}, nil
	})
}

func registerInvitations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-invitations",
		Method:      http.MethodGet,
		Path:        "/invitations",
		Summary:     "List task invitations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InstanceID string `query:"instance_id"`
		Role       string `query:"role"`
		StepName   string `query:"step"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body paginatedInvitations `json:"body"`
	}, error) {
		items, err := e.Repo.ListInvitations(ctx, repo.InvitationFilters{
			InstanceID: input.InstanceID,
			Role:       input.Role,
			StepName:   input.StepName,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedInvitations `json:"body"`
		}{Body: paginatedInvitations{Items: mapInvitations(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-invitation",
		Method:      http.MethodGet,
		Path:        "/invitations/{invitation_id}",
		Summary:     "Get task invitation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InvitationID string `path:"invitation_id"`
	}) (*struct {
		Body InvitationResponse `json:"body"`
	}, error) {
		inv, err := e.Repo.GetInvitation(ctx, input.InvitationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvitationResponse `json:"body"`
		}{Body: invitationResponse(inv)}, nil
	})

	registerInvitationAction(api, e, "assign-yourself", "Claim the invitation for yourself",
		func(input actionInput) engine.ActionRequest {
			return engine.ActionRequest{Action: engine.ActionAssignYourself}
		})
	registerInvitationAction(api, e, "suspend", "Suspend the invitation's workflow",
		func(input actionInput) engine.ActionRequest {
			return engine.ActionRequest{Action: engine.ActionSuspendWorkflow}
		})
	registerInvitationAction(api, e, "release", "Give the claim back to the role pool",
		func(input actionInput) engine.ActionRequest {
			return engine.ActionRequest{Action: engine.ActionReleaseTask}
		})
	registerInvitationAction(api, e, "complete", "Complete the invitation's step",
		func(input actionInput) engine.ActionRequest {
			return engine.ActionRequest{Action: engine.ActionCompleteStep}
		})

	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPost,
		Path:        "/invitations/{invitation_id}/assign-role",
		Summary:     "Reassign the invitation to another role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		InvitationID string              `path:"invitation_id"`
		Body         AssignToRoleRequest `json:"body"`
	}) (*struct {
		Body MsgboxResponse `json:"body"`
	}, error) {
		if input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role_id is required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Dispatch(ctx, engine.ActionRequest{
			Action:       engine.ActionAssignToRole,
			Principal:    principal.UserID,
			InvitationID: input.InvitationID,
			TargetRoleID: input.Body.RoleID,
			Explanation:  input.Body.Explanation,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MsgboxResponse `json:"body"`
		}{Body: MsgboxResponse{Msgbox: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "postpone",
		Method:      http.MethodPost,
		Path:        "/invitations/{invitation_id}/postpone",
		Summary:     "Postpone the invitation's workflow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		InvitationID string          `path:"invitation_id"`
		Body         PostponeRequest `json:"body"`
	}) (*struct {
		Body MsgboxResponse `json:"body"`
	}, error) {
		if input.Body.StartDate == "" || input.Body.FinishDate == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "start_date and finish_date are required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Dispatch(ctx, engine.ActionRequest{
			Action:       engine.ActionPostponeWorkflow,
			Principal:    principal.UserID,
			InvitationID: input.InvitationID,
			StartDate:    input.Body.StartDate,
			FinishDate:   input.Body.FinishDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MsgboxResponse `json:"body"`
		}{Body: MsgboxResponse{Msgbox: out}}, nil
	})
}

type actionInput struct {
	InvitationID string `path:"invitation_id"`
}

// registerInvitationAction wires a bodyless invitation action into the
// dispatcher and returns its msgbox outcome.
func registerInvitationAction(api huma.API, e engine.Engine, name, summary string, build func(actionInput) engine.ActionRequest) {
	huma.Register(api, huma.Operation{
		OperationID: name,
		Method:      http.MethodPost,
		Path:        "/invitations/{invitation_id}/" + name,
		Summary:     summary,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *actionInput) (*struct {
		Body MsgboxResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req := build(*input)
		req.Principal = principal.UserID
		req.InvitationID = input.InvitationID
		out, err := e.Dispatch(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MsgboxResponse `json:"body"`
		}{Body: MsgboxResponse{Msgbox: out}}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List workflow instances",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Workflow string `query:"workflow"`
		Status   string `query:"status" enum:"active,suspended,postponed,finished,"`
		Actor    string `query:"actor"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body paginatedInstances `json:"body"`
	}, error) {
		items, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{
			WorkflowName: input.Workflow,
			Status:       input.Status,
			CurrentActor: input.Actor,
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedInstances `json:"body"`
		}{Body: paginatedInstances{Items: mapInstances(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get workflow instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		wfi, err := e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(wfi)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/resume",
		Summary:     "Resume a suspended or postponed instance",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		Body       ResumeRequest
	}) (*struct {
		Body MsgboxResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		operator := input.Body.Operator
		if operator {
			if user, err := e.Repo.GetUser(ctx, principal.UserID); err != nil || !user.Superuser {
				operator = false
			}
		}
		out, err := e.Dispatch(ctx, engine.ActionRequest{
			Action:     engine.ActionResumeWorkflow,
			Principal:  principal.UserID,
			InstanceID: input.InstanceID,
			Operator:   operator,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MsgboxResponse `json:"body"`
		}{Body: MsgboxResponse{Msgbox: out}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Cursor     string `query:"cursor"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			cursor = parsed
		}
		var items []EventResponse
		if cursor > 0 {
			raw, err := e.Repo.LatestEventsFrom(ctx, limit, cursor, input.Type, input.EntityKind, input.EntityID)
			if err != nil {
				return nil, handleError(err)
			}
			items = mapEvents(raw)
		} else {
			raw, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
			if err != nil {
				return nil, handleError(err)
			}
			items = mapEvents(raw)
		}
		next := ""
		if len(items) == limit && limit > 0 {
			next = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: items, NextCursor: next}}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if input.Body.Username == "" || input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username and password are required", nil)
		}
		if err := requirePermission(ctx, e, "user.create"); err != nil {
			return nil, handleError(err)
		}
		user, err := createUser(ctx, e, input.Body.Username, input.Body.Password, input.Body.Superuser)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(user)}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-role",
		Method:        http.MethodPost,
		Path:          "/roles",
		Summary:       "Create role",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRoleRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if err := requirePermission(ctx, e, "role.create"); err != nil {
			return nil, handleError(err)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertRole(ctx, tx, input.Body.ID, input.Body.Description); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-role-member",
		Method:      http.MethodPost,
		Path:        "/roles/{role_id}/members",
		Summary:     "Add role member",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RoleID string            `path:"role_id"`
		Body   RoleMemberRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if err := requirePermission(ctx, e, "role.assign"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetUser(ctx, input.Body.UserID); err != nil {
			return nil, handleError(err)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.AddRoleMember(ctx, tx, input.RoleID, input.Body.UserID); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-role-member",
		Method:      http.MethodDelete,
		Path:        "/roles/{role_id}/members/{user_id}",
		Summary:     "Remove role member",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RoleID string `path:"role_id"`
		UserID string `path:"user_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "role.assign"); err != nil {
			return nil, handleError(err)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.RemoveRoleMember(ctx, tx, input.RoleID, input.UserID); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
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
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userRoles := principal.Roles
		if len(userRoles) == 0 {
			if fetched, err := e.Repo.UserRoles(ctx, principal.UserID); err == nil {
				userRoles = fetched
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID: principal.UserID,
			Roles:  nonNilSlice(userRoles),
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
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, userID, input.Body.Roles)
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

func createUser(ctx context.Context, e engine.Engine, username, password string, superuser bool) (domain.User, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	user := domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: repo.HashPassword(password),
		Superuser:    superuser,
		CreatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, user); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return user, nil
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
