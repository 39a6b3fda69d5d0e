package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hyperledger/firefly-common/pkg/fftypes"
	"github.com/hyperledger/firefly-common/pkg/retry"
	"github.com/hyperledger/firefly-signer/pkg/rpcbackend"
	"golang.org/x/time/rate"

	"harvestline/internal/domain"
	"harvestline/internal/log"
)

const (
	MethodSubmit       = "ledger_submit"
	MethodQueryByToken = "ledger_queryByToken"
)

// Codes rpcbackend does not name.
const (
	RPCCodeMethodNotFound rpcbackend.RPCCode = -32601
	RPCCodeInvalidParams  rpcbackend.RPCCode = -32602
	// server-defined range: the node could not process the call right now
	RPCCodeServerBusy rpcbackend.RPCCode = -32000
)

// transientCode reports whether the node signalled a retryable condition.
// Transport failures surface from rpcbackend as internal errors.
func transientCode(code int64) bool {
	return (code <= -32000 && code >= -32099) || code == int64(rpcbackend.RPCCodeInternalError)
}

// rpcRejection is a definitive error answer from the node.
type rpcRejection struct {
	Code    int64
	Message string
}

func (e *rpcRejection) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// SubmitParams is the single parameter of ledger_submit.
type SubmitParams struct {
	Token  string   `json:"token"`
	Intent Intent   `json:"intent"`
	Signed SignedTx `json:"signed"`
}

// RetryConfig bounds retries of transient transport failures.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Factor       float64       `yaml:"factor" json:"factor"`
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = 5 * time.Second
	}
	if c.Factor < 1 {
		c.Factor = 2.0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	return c
}

type RPCConfig struct {
	URL            string        `yaml:"url" json:"url"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
	RateLimit      float64       `yaml:"rate_limit" json:"rate_limit"`
	Burst          int           `yaml:"burst" json:"burst"`
	Retry          RetryConfig   `yaml:"retry" json:"retry"`
}

func (c RPCConfig) attemptTimeout() time.Duration {
	if c.AttemptTimeout <= 0 {
		return 10 * time.Second
	}
	return c.AttemptTimeout
}

// WorstCaseCall is the longest one Submit or QueryByToken can block: every
// attempt running into its timeout plus the backoff between attempts.
func (c RPCConfig) WorstCaseCall() time.Duration {
	r := c.Retry.withDefaults()
	total := time.Duration(r.MaxAttempts) * c.attemptTimeout()
	delay := r.InitialDelay
	for i := 1; i < r.MaxAttempts; i++ {
		if delay > r.MaxDelay {
			delay = r.MaxDelay
		}
		total += delay
		delay = time.Duration(float64(delay) * r.Factor)
	}
	return total
}

// RPCGateway talks JSON-RPC 2.0 over HTTP to a ledger node. It owns its HTTP
// connection pool; Close releases it.
type RPCGateway struct {
	client         *resty.Client
	backend        rpcbackend.Backend
	signer         Signer
	limiter        *rate.Limiter
	retry          *retry.Retry
	maxAttempts    int
	attemptTimeout time.Duration
}

func NewRPCGateway(conf RPCConfig, signer Signer) (*RPCGateway, error) {
	if conf.URL == "" {
		return nil, errors.New("ledger rpc url is required")
	}
	if signer == nil {
		return nil, errors.New("ledger signer is required")
	}
	limit := rate.Inf
	if conf.RateLimit > 0 {
		limit = rate.Limit(conf.RateLimit)
	}
	burst := conf.Burst
	if burst <= 0 {
		burst = 1
	}
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	client := resty.New().
		SetTransport(transport).
		SetBaseURL(conf.URL).
		SetHeader("Content-Type", "application/json")
	rc := conf.Retry.withDefaults()
	return &RPCGateway{
		client:  client,
		backend: rpcbackend.NewRPCClient(client),
		signer:  signer,
		limiter: rate.NewLimiter(limit, burst),
		retry: &retry.Retry{
			InitialDelay: rc.InitialDelay,
			MaximumDelay: rc.MaxDelay,
			Factor:       rc.Factor,
		},
		maxAttempts:    rc.MaxAttempts,
		attemptTimeout: conf.attemptTimeout(),
	}, nil
}

func (g *RPCGateway) Close() error {
	if t, ok := g.client.GetClient().Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func (g *RPCGateway) Submit(ctx context.Context, intent Intent, token string) (Outcome, error) {
	payload, err := SigningPayload(intent, token)
	if err != nil {
		return Outcome{}, fmt.Errorf("canonicalize intent: %w", err)
	}
	signed, err := g.signer.Sign(ctx, payload)
	if err != nil {
		// the signing party declined; nothing reached the ledger
		return Rejected("signer: " + err.Error()), nil
	}
	var out Outcome
	timedOut, err := g.call(ctx, &out, MethodSubmit, SubmitParams{Token: token, Intent: intent, Signed: signed})
	if err == nil {
		if out.Status == StatusNotFound {
			return Outcome{}, fmt.Errorf("ledger submit %s: unexpected status %s", token, out.Status)
		}
		return out, nil
	}
	var rej *rpcRejection
	if errors.As(err, &rej) {
		return Rejected(rej.Message), nil
	}
	if timedOut {
		log.L(ctx).Warnf("ledger submit %s timed out; outcome unknown", token)
		return Ambiguous(token), nil
	}
	return Outcome{}, err
}

func (g *RPCGateway) QueryByToken(ctx context.Context, token string) (Outcome, error) {
	var out Outcome
	if _, err := g.call(ctx, &out, MethodQueryByToken, token); err != nil {
		return Outcome{}, err
	}
	if out.Status == StatusAmbiguous {
		return Outcome{}, fmt.Errorf("ledger query %s: unexpected status %s", token, out.Status)
	}
	return out, nil
}

// call performs one logical RPC with bounded retries of transient failures.
// timedOut is set when any attempt hit the per-attempt timeout, in which case
// the request may or may not have been processed.
func (g *RPCGateway) call(ctx context.Context, result any, method string, params ...any) (timedOut bool, err error) {
	req := &rpcbackend.RPCRequest{JSONRpc: "2.0", Method: method, Params: make([]*fftypes.JSONAny, len(params))}
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return false, fmt.Errorf("marshal %s param %d: %w", method, i, err)
		}
		req.Params[i] = fftypes.JSONAnyPtrBytes(b)
	}
	var lastErr error
	err = g.retry.DoCustomLog(ctx, func(attempt int) (bool, error) {
		retryable, attemptTimedOut, err := g.attempt(ctx, req, result)
		timedOut = timedOut || attemptTimedOut
		lastErr = err
		if err != nil {
			log.L(ctx).Warnf("%s (attempt=%d)", err, attempt)
		}
		return retryable && attempt < g.maxAttempts, err
	})
	if err != nil && ctx.Err() != nil {
		// the backoff gave up on a cancelled context; keep the ledger cause
		return timedOut, fmt.Errorf("%w (last: %v)", ctx.Err(), lastErr)
	}
	return timedOut, err
}

func (g *RPCGateway) attempt(ctx context.Context, req *rpcbackend.RPCRequest, result any) (retryable, timedOut bool, err error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return false, false, err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
	defer cancel()

	res, err := g.backend.SyncRequest(attemptCtx, req)
	if err == nil {
		if err := json.Unmarshal(res.Result.Bytes(), result); err != nil {
			return false, false, fmt.Errorf("%s result: %w", req.Method, err)
		}
		return false, false, nil
	}
	switch {
	case ctx.Err() != nil:
		return false, false, ctx.Err()
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return true, true, fmt.Errorf("%w: %s timed out after %s", domain.ErrLedgerUnavailable, req.Method, g.attemptTimeout)
	case res != nil && res.Error != nil && res.Error.Code != 0 && !transientCode(res.Error.Code):
		return false, false, &rpcRejection{Code: res.Error.Code, Message: res.Error.Message}
	default:
		// HTTP failures without a JSON-RPC body land here too
		return true, false, fmt.Errorf("%w: %s: %v", domain.ErrLedgerUnavailable, req.Method, err)
	}
}
