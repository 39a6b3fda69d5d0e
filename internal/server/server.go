package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/engine/auth"
	"harvestline/internal/log"
	"harvestline/internal/repo"
)

const defaultBasePath = "/v1"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Limit    LimitConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"replayed_attestation"`
	Message string         `json:"message" example:"replayed attestation: nonce 9f2c"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"coverage_amount\"}"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Harvestline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = defaultBasePath
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
			// request shape problems are the client's, not the domain's
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger)
	router.Use(newRateLimitMiddleware(basePath, cfg.Limit))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Harvestline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerPayouts(group, cfg.Engine)
	registerContracts(group, cfg.Engine)
	registerSweeps(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithLogField(r.Context(), "http", r.Method+" "+r.URL.Path)
		log.L(ctx).Debug("request")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
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

// handleError maps engine errors onto HTTP statuses.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		details := make(map[string]any, len(ve.Fields))
		for k, v := range ve.Fields {
			details[k] = v
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, details)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"action": fe.Action})
	}
	var pf *domain.PayoutFailedError
	if errors.As(err, &pf) {
		details := map[string]any{"policy_id": pf.PolicyID}
		var lr *domain.LedgerRejectedError
		if errors.As(pf.Cause, &lr) {
			details["token"] = lr.Token
			details["reason"] = lr.Reason
		}
		return newAPIError(http.StatusBadGateway, "payout_failed", msg, details)
	}
	var pna *domain.PolicyNotActiveError
	if errors.As(err, &pna) {
		return newAPIError(http.StatusConflict, "policy_not_active", msg, map[string]any{"state": pna.State})
	}
	switch {
	case errors.Is(err, domain.ErrUnknownPolicy):
		return newAPIError(http.StatusNotFound, "unknown_policy", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case errors.Is(err, domain.ErrInvalidSignature):
		return newAPIError(http.StatusUnauthorized, "invalid_signature", msg, nil)
	case errors.Is(err, domain.ErrStaleAttestation):
		return newAPIError(http.StatusUnprocessableEntity, "stale_attestation", msg, nil)
	case errors.Is(err, domain.ErrUncoveredEventType):
		return newAPIError(http.StatusUnprocessableEntity, "uncovered_event_type", msg, nil)
	case errors.Is(err, domain.ErrReplayedAttestation):
		return newAPIError(http.StatusConflict, "replayed_attestation", msg, nil)
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return newAPIError(http.StatusConflict, "invalid_state_transition", msg, nil)
	case errors.Is(err, domain.ErrPendingReconciliation):
		return newAPIError(http.StatusConflict, "pending_reconciliation", msg, nil)
	case errors.Is(err, domain.ErrIdempotencyKeyConflict):
		return newAPIError(http.StatusConflict, "idempotency_conflict", msg, nil)
	case errors.Is(err, domain.ErrPolicyBusy), errors.Is(err, domain.ErrConcurrentModification):
		return newAPIError(http.StatusConflict, "policy_busy", msg, nil)
	case errors.Is(err, domain.ErrContractNotActive):
		return newAPIError(http.StatusUnprocessableEntity, "contract_not_active", msg, nil)
	case errors.Is(err, domain.ErrLedgerRejected):
		return newAPIError(http.StatusBadGateway, "ledger_rejected", msg, nil)
	case errors.Is(err, domain.ErrLedgerUnavailable), errors.Is(err, domain.ErrLedgerAmbiguous):
		return newAPIError(http.StatusServiceUnavailable, "ledger_unavailable", msg, nil)
	default:
		log.L(ctx).Errorf("unhandled error: %v", err)
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
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	// the document is patched in place, so build it once
	spec := sync.OnceValues(func() ([]byte, error) {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		applyAuthSecurity(oas, basePath)
		return json.Marshal(oas)
	})
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		body, err := spec()
		if err != nil {
			log.L(r.Context()).Errorf("render openapi: %v", err)
			http.Error(w, "openapi unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
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
	security := []map[string][]string{{"bearerAuth": {}}}
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
    <title>Harvestline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		resp := &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Policies: map[string]int{}}}
		counts, err := e.Repo.CountPoliciesByState(ctx)
		if err != nil {
			log.L(ctx).Warnf("health: count policies: %v", err)
			resp.Body.Status = "degraded"
			return resp, nil
		}
		for state, n := range counts {
			resp.Body.Policies[string(state)] = n
		}
		pending, err := e.Repo.CountPendingTxs(ctx)
		if err != nil {
			log.L(ctx).Warnf("health: count pending: %v", err)
			resp.Body.Status = "degraded"
			return resp, nil
		}
		resp.Body.PendingSubmissions = pending
		return resp, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		var cursor int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || v <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"field": "cursor"})
			}
			cursor = v
		}
		evs, err := e.Repo.LatestEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursor,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		var next *string
		if len(evs) > limit {
			evs = evs[:limit]
			c := strconv.FormatInt(evs[len(evs)-1].ID, 10)
			next = &c
		}
		items := make([]EventResponse, 0, len(evs))
		for _, ev := range evs {
			items = append(items, toEventResponse(ev))
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items, NextCursor: next}}, nil
	})
}
