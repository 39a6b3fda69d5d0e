package harvestlinesdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is a minimal Harvestline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	Timeout     time.Duration

	rc *resty.Client
}

// New creates a client for an API rooted at baseURL, e.g. http://localhost:8080/v1.
func New(baseURL, bearerToken string) *Client {
	c := &Client{BaseURL: baseURL, BearerToken: bearerToken, Timeout: 10 * time.Second}
	c.rc = resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(c.Timeout)
	if bearerToken != "" {
		c.rc.SetAuthToken(bearerToken)
	}
	return c
}

// WithHTTPClient swaps the underlying transport, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.rc = resty.NewWithClient(hc).
		SetBaseURL(c.BaseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(c.Timeout)
	if c.BearerToken != "" {
		c.rc.SetAuthToken(c.BearerToken)
	}
	return c
}

type Payout struct {
	Amount           string  `json:"amount"`
	TxHash           string  `json:"tx_hash"`
	AttestationNonce string  `json:"attestation_nonce"`
	EventType        string  `json:"event_type"`
	Severity         float64 `json:"severity"`
	PaidAt           string  `json:"paid_at"`
}

// Policy mirrors the API policy model.
type Policy struct {
	ID                 string   `json:"id"`
	HolderAddress      string   `json:"holder_address"`
	Issuer             string   `json:"issuer"`
	ContractID         string   `json:"contract_id,omitempty"`
	CoverageAmount     string   `json:"coverage_amount"`
	Premium            string   `json:"premium"`
	PremiumRate        string   `json:"premium_rate"`
	DeductiblePercent  string   `json:"deductible_percent"`
	StartDate          string   `json:"start_date"`
	EndDate            string   `json:"end_date"`
	CoverageTerms      []string `json:"coverage_terms"`
	State              string   `json:"state"`
	LedgerCreateTxHash string   `json:"ledger_create_tx_hash,omitempty"`
	PendingTxRef       string   `json:"pending_tx_ref,omitempty"`
	FailureReason      string   `json:"failure_reason,omitempty"`
	Payout             *Payout  `json:"payout,omitempty"`
	Version            int64    `json:"version"`
	ArchivedAt         string   `json:"archived_at,omitempty"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
}

type CreatePolicyInput struct {
	HolderAddress     string   `json:"holder_address"`
	CoverageAmount    string   `json:"coverage_amount"`
	DurationMonths    int      `json:"duration_months,omitempty"`
	StartDate         string   `json:"start_date,omitempty"`
	EndDate           string   `json:"end_date,omitempty"`
	CoverageTerms     []string `json:"coverage_terms"`
	DeductiblePercent string   `json:"deductible_percent,omitempty"`
	ContractID        string   `json:"contract_id,omitempty"`
	IdempotencyKey    string   `json:"-"`
}

// Attestation is a signed oracle claim, as produced by `hl oracle sign`.
type Attestation struct {
	PolicyID    string         `json:"policy_id,omitempty"`
	EventType   string         `json:"event_type"`
	Measurement map[string]any `json:"measurement"`
	Timestamp   string         `json:"timestamp"`
	OracleKeyID string         `json:"oracle_key_id"`
	Signature   string         `json:"signature"`
}

type PayoutResult struct {
	PolicyID         string `json:"policy_id"`
	Status           string `json:"status"`
	Amount           string `json:"amount,omitempty"`
	TxHash           string `json:"tx_hash,omitempty"`
	Token            string `json:"token"`
	AttestationNonce string `json:"attestation_nonce"`
	Policy           Policy `json:"policy"`
}

type Contract struct {
	ID            string   `json:"id"`
	Issuer        string   `json:"issuer"`
	Terms         []string `json:"terms"`
	PremiumRate   string   `json:"premium_rate"`
	MaxPayout     string   `json:"max_payout"`
	Status        string   `json:"status"`
	LedgerTxHash  string   `json:"ledger_tx_hash,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

type SweepResult struct {
	Scanned int      `json:"scanned"`
	Changed int      `json:"changed"`
	Skipped int      `json:"skipped"`
	Pending int      `json:"pending"`
	Errors  []string `json:"errors,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PolicyPage and EventPage wrap list responses with cursors.
type PolicyPage struct {
	Items      []Policy `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

type EventPage struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PolicyQuery struct {
	State           string
	Holder          string
	IncludeArchived bool
	Limit           int
	Cursor          string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// CreatePolicy writes a new policy. A 202 answer carries a pending policy
// whose ledger outcome is still being reconciled.
func (c *Client) CreatePolicy(ctx context.Context, in CreatePolicyInput) (Policy, error) {
	req := c.rc.R().SetContext(ctx).SetBody(in)
	if in.IdempotencyKey != "" {
		req.SetHeader("Idempotency-Key", in.IdempotencyKey)
	}
	var out Policy
	err := c.send(req.SetResult(&out), http.MethodPost, "/policies")
	return out, err
}

func (c *Client) GetPolicy(ctx context.Context, id string) (Policy, error) {
	var out Policy
	err := c.send(c.rc.R().SetContext(ctx).SetResult(&out), http.MethodGet, "/policies/"+url.PathEscape(id))
	return out, err
}

func (c *Client) ListPolicies(ctx context.Context, q PolicyQuery) (PolicyPage, error) {
	params := url.Values{}
	if q.State != "" {
		params.Set("state", q.State)
	}
	if q.Holder != "" {
		params.Set("holder", q.Holder)
	}
	if q.IncludeArchived {
		params.Set("include_archived", "true")
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	var out PolicyPage
	err := c.send(c.rc.R().SetContext(ctx).SetQueryParamsFromValues(params).SetResult(&out), http.MethodGet, "/policies")
	return out, err
}

func (c *Client) CancelPolicy(ctx context.Context, id string) (Policy, error) {
	return c.transition(ctx, id, "cancel")
}

func (c *Client) RetryPolicy(ctx context.Context, id string) (Policy, error) {
	return c.transition(ctx, id, "retry")
}

func (c *Client) ArchivePolicy(ctx context.Context, id string) (Policy, error) {
	return c.transition(ctx, id, "archive")
}

func (c *Client) transition(ctx context.Context, id, action string) (Policy, error) {
	var out Policy
	err := c.send(c.rc.R().SetContext(ctx).SetResult(&out), http.MethodPost, "/policies/"+url.PathEscape(id)+"/"+action)
	return out, err
}

// TriggerPayout submits an attestation. Status "processing" means the ledger
// outcome is unknown and the payout will settle on a later reconcile.
func (c *Client) TriggerPayout(ctx context.Context, policyID string, att Attestation) (PayoutResult, error) {
	var out PayoutResult
	req := c.rc.R().SetContext(ctx).SetBody(att).SetResult(&out)
	err := c.send(req, http.MethodPost, "/policies/"+url.PathEscape(policyID)+"/payouts")
	return out, err
}

func (c *Client) DeployContract(ctx context.Context, terms []string, premiumRate, maxPayout string) (Contract, error) {
	body := map[string]any{"terms": terms, "premium_rate": premiumRate, "max_payout": maxPayout}
	var out Contract
	err := c.send(c.rc.R().SetContext(ctx).SetBody(body).SetResult(&out), http.MethodPost, "/contracts")
	return out, err
}

func (c *Client) ListContracts(ctx context.Context, issuer string) ([]Contract, error) {
	var out struct {
		Items []Contract `json:"items"`
	}
	req := c.rc.R().SetContext(ctx).SetResult(&out)
	if issuer != "" {
		req.SetQueryParam("issuer", issuer)
	}
	err := c.send(req, http.MethodGet, "/contracts")
	return out.Items, err
}

// ExpireSweep runs the expiry sweep; a zero now lets the server use its clock.
func (c *Client) ExpireSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	body := map[string]any{}
	if !now.IsZero() {
		body["now"] = now.UTC().Format(time.RFC3339)
	}
	var out SweepResult
	err := c.send(c.rc.R().SetContext(ctx).SetBody(body).SetResult(&out), http.MethodPost, "/sweeps/expire")
	return out, err
}

func (c *Client) ReconcileSweep(ctx context.Context) (SweepResult, error) {
	var out SweepResult
	err := c.send(c.rc.R().SetContext(ctx).SetResult(&out), http.MethodPost, "/sweeps/reconcile")
	return out, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (EventPage, error) {
	req := c.rc.R().SetContext(ctx)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}
	var out EventPage
	err := c.send(req.SetResult(&out), http.MethodGet, "/events")
	return out, err
}

func (c *Client) send(req *resty.Request, method, path string) error {
	var envelope errorEnvelope
	resp, err := req.SetError(&envelope).Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Message: string(resp.Body())}
		if envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	return nil
}
