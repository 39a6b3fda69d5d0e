package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"harvestline/internal/domain"
	"harvestline/internal/engine"
)

type contractOutput struct {
	Status int
	Body   ContractResponse `json:"body"`
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "deploy-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Deploy insurance contract",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body DeployContractRequest `json:"body"`
	}) (*contractOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rate, err := parseAmount("premium_rate", input.Body.PremiumRate, true)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		maxPayout, err := parseAmount("max_payout", input.Body.MaxPayout, true)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		c, err := e.DeployContract(ctx, engine.DeployContractRequest{
			Issuer:      input.Body.Issuer,
			Terms:       input.Body.Terms,
			PremiumRate: rate,
			MaxPayout:   maxPayout,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		status := http.StatusCreated
		if c.Status == domain.ContractPending {
			status = http.StatusAccepted
		}
		return &contractOutput{Status: status, Body: toContractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Issuer string `query:"issuer"`
	}) (*struct {
		Body ContractListResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		contracts, err := e.ListContracts(ctx, input.Issuer)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		items := make([]ContractResponse, 0, len(contracts))
		for _, c := range contracts {
			items = append(items, toContractResponse(c))
		}
		return &struct {
			Body ContractListResponse `json:"body"`
		}{Body: ContractListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*contractOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.GetContract(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &contractOutput{Status: http.StatusOK, Body: toContractResponse(c)}, nil
	})
}

type sweepOutput struct {
	Body SweepResponse `json:"body"`
}

func registerSweeps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "expire-sweep",
		Method:      http.MethodPost,
		Path:        "/sweeps/expire",
		Summary:     "Expire lapsed policies",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body *ExpireSweepRequest `json:"body,omitempty" required:"false"`
	}) (*sweepOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireIssuerSide(e, "run expire sweep", actorID); err != nil {
			return nil, handleError(ctx, err)
		}
		var now time.Time
		if input.Body != nil {
			t, err := parseDate("now", input.Body.Now)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			now = t
		}
		res, err := e.ExpireSweep(ctx, now)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &sweepOutput{Body: toSweepResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-sweep",
		Method:      http.MethodPost,
		Path:        "/sweeps/reconcile",
		Summary:     "Resolve pending ledger submissions",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct{}) (*sweepOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireIssuerSide(e, "run reconcile sweep", actorID); err != nil {
			return nil, handleError(ctx, err)
		}
		res, err := e.ReconcileSweep(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &sweepOutput{Body: toSweepResponse(res)}, nil
	})
}
