package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/log"
	"harvestline/internal/repo"
)

type policyOutput struct {
	Status int
	Body   PolicyResponse `json:"body"`
}

func policyResult(p domain.Policy, status int) *policyOutput {
	return &policyOutput{Status: status, Body: toPolicyResponse(p)}
}

// createStatus is 202 while the creation transaction is unresolved.
func createStatus(p domain.Policy) int {
	if p.State == domain.StatePending {
		return http.StatusAccepted
	}
	return http.StatusCreated
}

func parseAmount(field, raw string, required bool) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return decimal.Zero, domain.NewValidationError(field, "is required")
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.NewValidationError(field, "must be a decimal number")
	}
	return d, nil
}

func parseDate(field string, raw *string) (time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(*raw))
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "must be an RFC 3339 timestamp")
	}
	return t, nil
}

func encodePolicyCursor(p domain.Policy) string {
	return base64.RawURLEncoding.EncodeToString([]byte(db.FormatTime(p.CreatedAt) + "|" + p.ID))
}

func decodePolicyCursor(raw string) (string, string, bool) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", "", false
	}
	createdAt, id, ok := strings.Cut(string(data), "|")
	if !ok || createdAt == "" || id == "" {
		return "", "", false
	}
	return createdAt, id, true
}

// requireIssuerSide admits the configured issuer and operators.
func requireIssuerSide(e engine.Engine, action, actor string) error {
	return e.Auth.RequireIssuer(action, actor, e.Config.Issuer.Account)
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-policy",
		Method:        http.MethodPost,
		Path:          "/policies",
		Summary:       "Create policy",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string              `header:"Idempotency-Key"`
		Body           CreatePolicyRequest `json:"body"`
	}) (*policyOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.HolderAddress) != actorID {
			if err := requireIssuerSide(e, "create policy for another holder", actorID); err != nil {
				return nil, handleError(ctx, err)
			}
		}
		coverage, err := parseAmount("coverage_amount", input.Body.CoverageAmount, true)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		deductible, err := parseAmount("deductible_percent", input.Body.DeductiblePercent, false)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		start, err := parseDate("start_date", input.Body.StartDate)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		end, err := parseDate("end_date", input.Body.EndDate)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		p, err := e.CreatePolicy(ctx, engine.CreatePolicyRequest{
			HolderAddress:     input.Body.HolderAddress,
			CoverageAmount:    coverage,
			DurationMonths:    input.Body.DurationMonths,
			StartDate:         start,
			EndDate:           end,
			CoverageTerms:     input.Body.CoverageTerms,
			DeductiblePercent: deductible,
			ContractID:        input.Body.ContractID,
			IdempotencyKey:    input.IdempotencyKey,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return policyResult(p, createStatus(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policies/{id}",
		Summary:     "Get policy",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*policyOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetPolicy(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if _, err := e.Auth.RequirePolicyParty("read policy", actorID, p); err != nil {
			return nil, handleError(ctx, err)
		}
		return policyResult(p, http.StatusOK), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List policies",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		State           string `query:"state"`
		Holder          string `query:"holder"`
		ContractID      string `query:"contract_id"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" minimum:"0" maximum:"500"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body PolicyListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.State != "" && !domain.PolicyState(input.State).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown state", map[string]any{"field": "state"})
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		f := repo.PolicyFilter{
			State:           domain.PolicyState(input.State),
			Holder:          input.Holder,
			ContractID:      input.ContractID,
			IncludeArchived: input.IncludeArchived,
			Limit:           limit + 1,
		}
		if requireIssuerSide(e, "list policies", actorID) != nil {
			// holders only see their own book
			f.Holder = actorID
		}
		if input.Cursor != "" {
			createdAt, id, ok := decodePolicyCursor(input.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"field": "cursor"})
			}
			f.CursorCreatedAt, f.CursorID = createdAt, id
		}
		policies, err := e.ListPolicies(ctx, f)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		var next *string
		if len(policies) > limit {
			policies = policies[:limit]
			c := encodePolicyCursor(policies[len(policies)-1])
			next = &c
		}
		items := make([]PolicyResponse, 0, len(policies))
		for _, p := range policies {
			items = append(items, toPolicyResponse(p))
		}
		return &struct {
			Body PolicyListResponse `json:"body"`
		}{Body: PolicyListResponse{Items: items, NextCursor: next}}, nil
	})

	transitions := []struct {
		op      string
		summary string
		run     func(context.Context, string, string) (domain.Policy, error)
	}{
		{"cancel", "Cancel policy", e.CancelPolicy},
		{"retry", "Retry failed policy creation", e.RetryPolicy},
		{"archive", "Archive failed policy", e.ArchivePolicy},
	}
	for _, tr := range transitions {
		huma.Register(api, huma.Operation{
			OperationID: tr.op + "-policy",
			Method:      http.MethodPost,
			Path:        "/policies/{id}/" + tr.op,
			Summary:     tr.summary,
			Errors: []int{
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusServiceUnavailable,
			},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*policyOutput, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			p, err := tr.run(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			status := http.StatusOK
			if p.State == domain.StatePending {
				status = http.StatusAccepted
			}
			return policyResult(p, status), nil
		})
	}
}

type payoutOutput struct {
	Status int
	Body   PayoutResultResponse `json:"body"`
}

func registerPayouts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "trigger-payout",
		Method:      http.MethodPost,
		Path:        "/policies/{id}/payouts",
		Summary:     "Submit an oracle attestation and pay out",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body TriggerPayoutRequest `json:"body"`
	}) (*payoutOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.PolicyID != "" && input.Body.PolicyID != input.ID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "attestation policy_id does not match path", map[string]any{"field": "policy_id"})
		}
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(input.Body.Timestamp))
		if err != nil {
			return nil, handleError(ctx, domain.NewValidationError("timestamp", "must be an RFC 3339 timestamp"))
		}
		measurement, err := json.Marshal(input.Body.Measurement)
		if err != nil {
			return nil, handleError(ctx, domain.NewValidationError("measurement", "must be a JSON object"))
		}
		res, err := e.VerifyAndTrigger(ctx, domain.OracleAttestation{
			PolicyID:    input.ID,
			EventType:   input.Body.EventType,
			Measurement: measurement,
			Timestamp:   ts,
			OracleKeyID: input.Body.OracleKeyID,
			Signature:   input.Body.Signature,
		})
		if res.Status == domain.PayoutProcessing {
			if err != nil {
				log.L(ctx).Warnf("payout %s left for reconciliation: %v", res.Token, err)
			}
			return &payoutOutput{Status: http.StatusAccepted, Body: toPayoutResultResponse(res)}, nil
		}
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &payoutOutput{Status: http.StatusOK, Body: toPayoutResultResponse(res)}, nil
	})
}
