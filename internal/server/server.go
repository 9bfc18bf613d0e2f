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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"conveyor/internal/domain"
	"conveyor/internal/engine"
	"conveyor/internal/repo"
	"conveyor/internal/stage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"wip_limit_exceeded"`
	Message string         `json:"message" example:"stage build is at its WIP limit"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage\":\"build\"}"`
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

// New returns an HTTP handler exposing the Conveyor API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			// Schema/request validation errors should be 400 bad_input
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
			b, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(b))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, b)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Conveyor API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPipelines(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerGraph(group, cfg.Engine)
	registerRecovery(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerLog(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
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

// handleError maps engine error codes onto HTTP statuses. The code in
// the envelope is always the engine's own code so clients branch on one
// vocabulary regardless of transport.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce *engine.Error
	if errors.As(err, &ce) {
		return newAPIError(statusForCode(ce.Code), string(ce.Code), ce.Message, ce.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForCode(code engine.Code) int {
	switch code {
	case engine.CodeItemNotFound, engine.CodePipelineNotFound:
		return http.StatusNotFound
	case engine.CodeAlreadyClaimed, engine.CodeStaleState, engine.CodeWipLimitExceeded:
		return http.StatusConflict
	case engine.CodeInvalidStage, engine.CodeInvalidTransition,
		engine.CodeDependenciesNotMet, engine.CodeDependencyCycle, engine.CodeOutputCollision:
		return http.StatusUnprocessableEntity
	case engine.CodeBadInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_input"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
    <title>Conveyor API Docs</title>
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

func registerPipelines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines",
		Summary:       "Create pipeline",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePipelineRequest `json:"body"`
	}) (*struct {
		Body domain.Pipeline `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_input", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_input", "id is required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitPipeline(ctx, input.Body.ID, stringOrEmpty(input.Body.Description), agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pipeline `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "List pipelines",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Pipeline `json:"body"`
	}, error) {
		pipelines, err := e.Repo.ListPipelines(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Pipeline `json:"body"`
		}{Body: pipelines}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}",
		Summary:     "Get pipeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body domain.Pipeline `json:"body"`
	}, error) {
		p, err := e.Repo.GetPipeline(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pipeline `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline-config",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/config",
		Summary:     "Get pipeline policy table",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body PipelineConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetPipelineConfig(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PipelineConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "board",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/board",
		Summary:     "Pipeline board",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPipeline(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountItemsByStage(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		claims, err := e.Repo.ListClaims(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		set, err := e.ComputeReadySet(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		body := BoardResponse{
			PipelineID: p.ID,
			Status:     p.Status,
			Stages:     counts,
			Claims:     claims,
			Ready:      set.Ready,
		}
		if e.Config != nil {
			body.WipLimits = e.Config.Wip.Limits
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: body}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/pipelines/{pipeline_id}/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		PipelineID string            `path:"pipeline_id"`
		Body       CreateItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_input", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_input", "title is required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ItemCreateOptions{
			PipelineID:  input.PipelineID,
			Type:        input.Body.Type,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			Outputs:     input.Body.Outputs,
			DependsOn:   input.Body.DependsOn,
			AgentID:     agentID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		t, err := e.CreateItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		PipelineID      string `path:"pipeline_id"`
		Stage           string `query:"stage"`
		Agent           string `query:"agent"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		if input.Stage != "" && !e.Stages.Known(stage.Stage(input.Stage)) {
			return nil, newAPIError(http.StatusBadRequest, "invalid_stage", "unknown stage "+input.Stage, nil)
		}
		items, err := e.Repo.ListItems(ctx, repo.ItemFilters{
			PipelineID:      input.PipelineID,
			Stage:           input.Stage,
			AssignedAgent:   input.Agent,
			IncludeArchived: input.IncludeArchived,
			Limit:           input.Limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
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
		Body domain.WorkItem `json:"body"`
	}, error) {
		t, err := e.Repo.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		t.DependsOn, err = e.Repo.ListItemDeps(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-item",
		Method:      http.MethodDelete,
		Path:        "/items/{item_id}",
		Summary:     "Archive work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ArchiveItem(ctx, input.ItemID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/move",
		Summary:     "Move work item between stages",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string      `path:"item_id"`
		Body   MoveRequest `json:"body"`
	}) (*struct {
		Body engine.MoveResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_input", "body required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.MoveItem(ctx, engine.MoveOptions{
			ItemID:    input.ItemID,
			FromStage: stage.Stage(input.Body.From),
			ToStage:   stage.Stage(input.Body.To),
			AgentID:   agentID,
			Force:     input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.MoveResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/reject",
		Summary:     "Reject work item from review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string        `path:"item_id"`
		Body   RejectRequest `json:"body"`
	}) (*struct {
		Body engine.RejectResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_input", "body required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RejectItem(ctx, input.ItemID, input.Body.Reason, agentID, stage.Stage(input.Body.SendBackTo))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RejectResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-item-dependencies",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/deps",
		Summary:     "Add dependencies",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string              `path:"item_id"`
		Body   DependenciesRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AddDependencies(ctx, input.ItemID, input.Body.DependsOn, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-item-dependencies",
		Method:      http.MethodDelete,
		Path:        "/items/{item_id}/deps",
		Summary:     "Remove dependencies",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string              `path:"item_id"`
		Body   DependenciesRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RemoveDependencies(ctx, input.ItemID, input.Body.DependsOn, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: t}, nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/claim",
		Summary:     "Claim work item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string       `path:"item_id"`
		Body   ClaimRequest `json:"body"`
	}) (*struct {
		Body domain.Claim `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// an orchestrator may claim on behalf of a worker agent
		if input.Body.AgentID != "" {
			agentID = input.Body.AgentID
		}
		c, err := e.ClaimItem(ctx, input.ItemID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Claim `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/release",
		Summary:     "Release work item claim",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string       `path:"item_id"`
		Body   ClaimRequest `json:"body"`
	}) (*struct {
		Body engine.ReleaseResult `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.AgentID != "" {
			agentID = input.Body.AgentID
		}
		res, err := e.ReleaseItem(ctx, input.ItemID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReleaseResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerGraph(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-dependency-graph",
		Method:      http.MethodPost,
		Path:        "/pipelines/{pipeline_id}/graph/check",
		Summary:     "Dry-run proposed dependency edges",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PipelineID string            `path:"pipeline_id"`
		Body       GraphCheckRequest `json:"body"`
	}) (*struct {
		Body engine.GraphCheck `json:"body"`
	}, error) {
		check, err := e.CheckDependencyGraph(ctx, input.PipelineID, input.Body.Edges)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.GraphCheck `json:"body"`
		}{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-set",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/ready-set",
		Summary:     "Partition waiting items into ready and blocked",
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body engine.ReadySet `json:"body"`
	}, error) {
		set, err := e.ComputeReadySet(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReadySet `json:"body"`
		}{Body: set}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "output-collisions",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/collisions",
		Summary:     "Detect unordered items writing the same output",
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body struct {
			Collisions []depgraphCollision `json:"collisions"`
		} `json:"body"`
	}, error) {
		collisions, err := e.DetectOutputCollisions(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Collisions []depgraphCollision `json:"collisions"`
			} `json:"body"`
		}{}
		for _, c := range collisions {
			out.Body.Collisions = append(out.Body.Collisions, depgraphCollision{Path: c.Path, Items: c.Items})
		}
		return out, nil
	})
}

type depgraphCollision struct {
	Path  string   `json:"path"`
	Items []string `json:"items"`
}

func registerRecovery(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "recovery-plan",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/recovery/plan",
		Summary:     "Plan crash recovery without mutating anything",
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body []engine.RecoveryAction `json:"body"`
	}, error) {
		plan, err := e.PlanRecovery(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.RecoveryAction `json:"body"`
		}{Body: plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recovery-apply",
		Method:      http.MethodPost,
		Path:        "/pipelines/{pipeline_id}/recovery/apply",
		Summary:     "Apply crash recovery",
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body []engine.RecoveryAction `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plan, err := e.ApplyRecovery(ctx, input.PipelineID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.RecoveryAction `json:"body"`
		}{Body: plan}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-statuses",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "Active agents derived from claims",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AgentStatus `json:"body"`
	}, error) {
		statuses, err := e.AgentStatuses(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentStatus `json:"body"`
		}{Body: statuses}, nil
	})
}

func registerLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "work-log",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/log",
		Summary:     "Work log, newest first",
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
		Type       string `query:"type"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []domain.LogEntry `json:"body"`
	}, error) {
		entries, err := e.Repo.LatestLogEntries(ctx, repo.LogFilters{
			PipelineID: input.PipelineID,
			Type:       input.Type,
			EntityID:   input.EntityID,
			Limit:      input.Limit,
			Cursor:     input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LogEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create agent API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_input", "agent_id is required", nil)
		}
		raw := uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			AgentID: input.Body.AgentID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(raw),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		res := apiKeyResponse(key)
		res.Key = raw
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List agent API keys",
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Delete agent API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
