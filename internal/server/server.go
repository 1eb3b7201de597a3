package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"actiongate/internal/auth"
	"actiongate/internal/config"
	"actiongate/internal/domain"
	"actiongate/internal/engine"
	"actiongate/internal/executor"
	"actiongate/internal/observability"
	"actiongate/internal/ratelimit"
	"actiongate/internal/repo"
)

// Version is reported in the OpenAPI document.
var Version = "0.1.0"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Resolver auth.Resolver
	BasePath string
	Auth     config.AuthConfig
	Limiter  ratelimit.Limiter
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_approved"`
	Message string         `json:"message" example:"proposal is not approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"proposed\"}"`
}

// apiError models the error envelope. It carries the ok flag and message at
// the top level like every success body.
type apiError struct {
	status  int
	OK      bool         `json:"ok"`
	Message string       `json:"message"`
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type server struct {
	engine   engine.Engine
	resolver auth.Resolver
	logger   *slog.Logger
}

// New returns an HTTP handler exposing the proposal API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := cfg.Resolver
	if resolver.Keys == nil {
		resolver.Keys = cfg.Engine.Repo
	}
	if resolver.Members == nil {
		resolver.Members = cfg.Engine.Repo
	}
	if resolver.Sessions == nil && strings.TrimSpace(cfg.Auth.JWTSecret) != "" {
		resolver.Sessions = auth.JWTVerifier{Secret: cfg.Auth.JWTSecret}
	}
	if resolver.DefaultAgentLabel == "" {
		resolver.DefaultAgentLabel = cfg.Auth.DefaultAgentLabel
	}
	s := &server{engine: cfg.Engine, resolver: resolver, logger: logger}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request validation is a plain bad request here
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestID)
	router.Use(accessLog(logger, cfg.Metrics))
	router.Use(newCredentialsMiddleware(cfg.Auth))
	router.Use(rateLimit(cfg.Limiter, logger, cfg.Metrics))

	hcfg := huma.DefaultConfig("ActionGate API", Version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Handle("/metrics", cfg.Metrics.Handler())
	registerHealth(group)
	s.registerProposals(group)
	s.registerDecisions(group)
	s.registerEvents(group)
	s.registerStatus(group)
	registerOpenAPI(router, api, basePath, cfg.Auth)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) *apiError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status:  status,
		OK:      false,
		Message: message,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine, auth and executor errors onto the envelope.
// Anything unrecognized is logged and reported as a generic 500.
func (s *server) handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		denied        auth.DeniedError
		failed        engine.ExecutionFailedError
		validation    engine.ValidationError
		invalidEnum   domain.InvalidEnumError
		payload       executor.PayloadError
		notActionable engine.NotActionableError
		notApproved   engine.NotApprovedError
		transition    engine.TransitionError
		unsupported   executor.UnsupportedActionError
	)
	switch {
	case errors.As(err, &denied):
		code := "forbidden"
		if denied.Status == http.StatusUnauthorized {
			code = "unauthorized"
		}
		var details map[string]any
		if denied.Permission != "" {
			details = map[string]any{"permission": denied.Permission}
		}
		return newAPIError(denied.Status, code, denied.Reason, details)
	case errors.As(err, &failed):
		return newAPIError(http.StatusBadGateway, "execution_failed", err.Error(), map[string]any{
			"proposalId": failed.ID,
			"attempt":    failed.Attempt,
		})
	case errors.As(err, &validation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": validation.Field})
	case errors.As(err, &invalidEnum):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": invalidEnum.Field, "value": invalidEnum.Value})
	case errors.As(err, &payload):
		return newAPIError(http.StatusBadRequest, "invalid_payload", err.Error(), map[string]any{"actionType": string(payload.ActionType)})
	case errors.As(err, &notActionable):
		return newAPIError(http.StatusNotFound, "not_actionable", err.Error(), map[string]any{"status": string(notActionable.Status)})
	case errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "proposal not found", nil)
	case errors.As(err, &notApproved):
		return newAPIError(http.StatusConflict, "not_approved", err.Error(), map[string]any{"status": string(notApproved.Status)})
	case errors.Is(err, engine.ErrExecutionInProgress):
		return newAPIError(http.StatusConflict, "execution_in_progress", err.Error(), nil)
	case errors.Is(err, engine.ErrAttemptsExhausted):
		return newAPIError(http.StatusConflict, "attempts_exhausted", err.Error(), nil)
	case errors.Is(err, engine.ErrLeaseLost):
		return newAPIError(http.StatusConflict, "lease_lost", err.Error(), nil)
	case errors.As(err, &transition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.As(err, &unsupported):
		return newAPIError(http.StatusBadRequest, "unsupported_action", err.Error(), nil)
	default:
		s.logger.Error("request failed", "err", err, "request_id", requestIDFromContext(ctx))
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error",
			map[string]any{"requestId": requestIDFromContext(ctx)})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, authCfg config.AuthConfig) {
	var (
		spec []byte
		once sync.Once
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath, authCfg)
			spec, _ = json.Marshal(oas)
		})
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string, authCfg config.AuthConfig) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	keyHeader := authCfg.AgentKeyHeader
	if keyHeader == "" {
		keyHeader = defaultAgentKeyHeader
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["agentKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: keyHeader,
	}
	security := []map[string][]string{
		{"agentKeyAuth": {}},
		{"bearerAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
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
    <title>ActionGate API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = () => {
        window.ui = SwaggerUIBundle({ url: %q, dom_id: "#swagger-ui" });
      };
    </script>
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
		Body map[string]any `json:"body"`
	}, error) {
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"ok": true, "status": "ok"}}, nil
	})
}

type proposalOutput struct {
	Body ProposalEnvelope `json:"body"`
}

func (s *server) registerProposals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Create proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body    CreateProposalRequest `json:"body"`
		RawBody []byte
	}) (*proposalOutput, error) {
		in := input.Body
		grant, err := s.authorize(ctx, in.OrganizationID, auth.PermTenantRead, "")
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		p, err := s.engine.CreateProposal(ctx, engine.CreateInput{
			OrganizationID:     in.OrganizationID,
			ActionType:         in.ActionType,
			AgentID:            in.AgentID,
			DashboardID:        in.DashboardID,
			Summary:            in.Summary,
			Payload:            rawPayload(input.RawBody),
			Priority:           in.Priority,
			RiskLevel:          in.RiskLevel,
			ExpectedImpact:     in.ExpectedImpact,
			PolicyAutoApproved: in.PolicyAutoApproved,
			ApprovalRequired:   in.ApprovalRequired,
			Principal:          grant.Principal,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &proposalOutput{Body: ProposalEnvelope{OK: true, Message: "proposal created", Proposal: proposalResponse(p)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrganizationID string `query:"organizationId" required:"true"`
		Status         string `query:"status" enum:"all,proposed,approved,rejected,executed,failed"`
		ActionType     string `query:"actionType"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body ProposalListEnvelope `json:"body"`
	}, error) {
		if _, err := s.authorize(ctx, input.OrganizationID, auth.PermTenantRead, ""); err != nil {
			return nil, s.handleError(ctx, err)
		}
		res, err := s.engine.ListProposals(ctx, engine.ListInput{
			OrganizationID: input.OrganizationID,
			Status:         input.Status,
			ActionType:     input.ActionType,
			Limit:          input.Limit,
			Cursor:         input.Cursor,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body ProposalListEnvelope `json:"body"`
		}{Body: ProposalListEnvelope{
			OK:         true,
			Message:    fmt.Sprintf("%d proposals", len(res.Items)),
			Items:      mapProposals(res.Items),
			NextCursor: res.NextCursor,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*proposalOutput, error) {
		p, _, err := s.authorizeProposal(ctx, input.ID, auth.PermTenantRead, "")
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &proposalOutput{Body: ProposalEnvelope{OK: true, Message: "proposal " + string(p.Status), Proposal: proposalResponse(p)}}, nil
	})
}

func (s *server) registerDecisions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "decide-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/decide",
		Summary:     "Approve or reject a proposal",
		Description: "A human approval of an allow-listed action type also executes it unless executeOnApprove is false. " +
			"The autoExecution block reports that execution; its failure never fails the decision.",
		Errors: []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body    DecideRequest `json:"body"`
		RawBody []byte
	}) (*struct {
		Body DecisionEnvelope `json:"body"`
	}, error) {
		in := input.Body
		_, grant, err := s.authorizeProposal(ctx, in.ProposalID, auth.PermTenantManage, in.Actor)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		report, err := s.engine.DecideAndDispatch(ctx, engine.DecideInput{
			ProposalID: in.ProposalID,
			Decision:   in.Decision,
			Principal:  grant.Principal,
			Note:       in.Note,
			Payload:    rawPayload(input.RawBody),
		}, in.ExecuteOnApprove)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		msg := "proposal " + string(report.Proposal.Status)
		if a := report.AutoExecution; a != nil && !a.OK {
			msg = "proposal approved; auto-execution failed: " + a.Error
		}
		return &struct {
			Body DecisionEnvelope `json:"body"`
		}{Body: DecisionEnvelope{
			OK:            true,
			Message:       msg,
			Proposal:      proposalResponse(report.Proposal),
			AutoExecution: autoExecutionResponse(report.AutoExecution),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/execute",
		Summary:     "Execute an approved proposal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body ExecuteRequest `json:"body"`
	}) (*struct {
		Body ExecutionEnvelope `json:"body"`
	}, error) {
		in := input.Body
		_, grant, err := s.authorizeProposal(ctx, in.ProposalID, auth.PermTenantManage, in.Actor)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		report, err := s.engine.Execute(ctx, engine.ExecuteInput{
			ProposalID: in.ProposalID,
			Principal:  grant.Principal,
			Origin:     engine.OriginManual,
		})
		if err != nil {
			apiErr := s.handleError(ctx, err)
			if e, ok := apiErr.(*apiError); ok && report.Proposal.ID != "" {
				if e.Body.Details == nil {
					e.Body.Details = map[string]any{}
				}
				e.Body.Details["proposal"] = proposalResponse(report.Proposal)
			}
			return nil, apiErr
		}
		return &struct {
			Body ExecutionEnvelope `json:"body"`
		}{Body: ExecutionEnvelope{
			OK:       true,
			Message:  "proposal executed",
			Proposal: proposalResponse(report.Proposal),
			Result:   decodeRaw(report.Result),
			Attempt:  report.Attempt,
		}}, nil
	})
}

type eventsOutput struct {
	Body EventListEnvelope `json:"body"`
}

func (s *server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposal-events",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}/events",
		Summary:     "List a proposal's lifecycle events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*eventsOutput, error) {
		p, _, err := s.authorizeProposal(ctx, input.ID, auth.PermTenantRead, "")
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return s.listEvents(ctx, engine.EventsInput{TenantID: p.OrganizationID, ProposalID: p.ID}, input.Limit, input.Cursor)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List a tenant's lifecycle events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrganizationID string `query:"organizationId" required:"true"`
		Type           string `query:"type"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*eventsOutput, error) {
		if _, err := s.authorize(ctx, input.OrganizationID, auth.PermTenantRead, ""); err != nil {
			return nil, s.handleError(ctx, err)
		}
		return s.listEvents(ctx, engine.EventsInput{TenantID: input.OrganizationID, Type: input.Type}, input.Limit, input.Cursor)
	})
}

// listEvents pages newest first; the cursor is the id of the last event of
// the previous page.
func (s *server) listEvents(ctx context.Context, in engine.EventsInput, limit int, cursor string) (*eventsOutput, error) {
	if cursor != "" {
		id, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || id <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
		}
		in.BeforeID = id
	}
	in.Limit = repo.NormalizeLimit(limit)
	items, err := s.engine.ListEvents(ctx, in)
	if err != nil {
		return nil, s.handleError(ctx, err)
	}
	out := EventListEnvelope{OK: true, Message: fmt.Sprintf("%d events", len(items)), Items: mapEvents(items)}
	if len(items) > 0 && len(items) == in.Limit {
		out.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
	}
	return &eventsOutput{Body: out}, nil
}

func (s *server) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "tenant-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Proposal counts by status",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrganizationID string `query:"organizationId" required:"true"`
	}) (*struct {
		Body StatusEnvelope `json:"body"`
	}, error) {
		if _, err := s.authorize(ctx, input.OrganizationID, auth.PermTenantRead, ""); err != nil {
			return nil, s.handleError(ctx, err)
		}
		counts, err := s.engine.Repo.CountProposalsByStatus(ctx, input.OrganizationID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		out := map[string]int{}
		for _, st := range domain.Statuses {
			out[string(st)] = counts[st]
		}
		return &struct {
			Body StatusEnvelope `json:"body"`
		}{Body: StatusEnvelope{OK: true, Message: "status", OrganizationID: input.OrganizationID, Counts: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Resolved principal for a tenant",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrganizationID string `query:"organizationId" required:"true"`
	}) (*struct {
		Body WhoAmIEnvelope `json:"body"`
	}, error) {
		grant, err := s.authorize(ctx, input.OrganizationID, auth.PermTenantRead, "")
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body WhoAmIEnvelope `json:"body"`
		}{Body: WhoAmIEnvelope{
			OK:             true,
			Message:        "authorized",
			OrganizationID: input.OrganizationID,
			Principal:      grant.Principal.Label(),
			Kind:           string(grant.Principal.Kind),
			Mode:           string(grant.Mode),
		}}, nil
	})
}
