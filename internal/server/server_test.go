package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/ledger"
	"harvestline/internal/migrate"
	"harvestline/internal/oracle"
)

const (
	holder    = "rFarmerAccount123456789222"
	stranger  = "rStrangerAccount98765432111"
	jwtSecret = "test-secret"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	URL    string
	Sim    *ledger.Simulator
	Oracle oracle.AttestationSigner
	Auth   AuthConfig
}

func newTestServer(t *testing.T, limit LimitConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite), "migrate")

	signer, key, _, err := oracle.GenerateKey("station-7", oracle.SchemeEd25519)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Oracle.Keys = []oracle.TrustedKey{key}

	sim := ledger.NewSimulator()
	e, err := engine.New(conn, db.SQLite, cfg, sim)
	require.NoError(t, err)
	e = e.WithClock(func() time.Time { return testNow })

	authCfg := AuthConfig{JWTSecret: jwtSecret, Issuer: "harvestline-test"}
	handler, err := New(Config{Engine: e, Auth: authCfg, Limit: limit})
	require.NoError(t, err, "build handler")
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{t: t, URL: srv.URL, Sim: sim, Oracle: signer, Auth: authCfg}
}

func (s *testServer) token(subject string) string {
	s.t.Helper()
	tok, err := IssueToken(s.Auth, subject, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, subject string, body any, headers ...string) (int, []byte) {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(s.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(subject))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(s.t, err)
	return res.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func createBody() CreatePolicyRequest {
	return CreatePolicyRequest{
		HolderAddress:     holder,
		CoverageAmount:    "10000",
		DurationMonths:    6,
		CoverageTerms:     []string{domain.PerilWeather},
		DeductiblePercent: "10",
	}
}

func (s *testServer) createPolicy() PolicyResponse {
	s.t.Helper()
	status, data := s.do(http.MethodPost, "/v1/policies", holder, createBody())
	require.Equal(s.t, http.StatusCreated, status, string(data))
	return decode[PolicyResponse](s.t, data)
}

func (s *testServer) attestation(policyID string, severity float64) TriggerPayoutRequest {
	s.t.Helper()
	measurement := map[string]any{"severity": severity, "source": "station-7"}
	raw, err := json.Marshal(measurement)
	require.NoError(s.t, err)
	att, err := s.Oracle.Sign(context.Background(), domain.OracleAttestation{
		PolicyID:    policyID,
		EventType:   domain.PerilWeather,
		Measurement: raw,
		Timestamp:   testNow,
	})
	require.NoError(s.t, err)
	return TriggerPayoutRequest{
		PolicyID:    policyID,
		EventType:   att.EventType,
		Measurement: measurement,
		Timestamp:   att.Timestamp.Format(time.RFC3339Nano),
		OracleKeyID: att.OracleKeyID,
		Signature:   att.Signature,
	}
}

func TestHealthAndOpenAPIArePublic(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	s.createPolicy()

	status, data := s.do(http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	health := decode[HealthResponse](t, data)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Policies[string(domain.StateActive)])
	assert.Zero(t, health.PendingSubmissions)

	status, data = s.do(http.MethodGet, "/v1/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), "/v1/policies/{id}/payouts")
	assert.Contains(t, string(data), "bearerAuth")
}

func TestConcurrentOpenAPIFetchesAgree(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	const n = 8
	bodies := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := http.Get(s.URL + "/v1/openapi.json")
			if !assert.NoError(t, err) {
				return
			}
			defer res.Body.Close()
			assert.Equal(t, http.StatusOK, res.StatusCode)
			data, err := io.ReadAll(res.Body)
			assert.NoError(t, err)
			bodies[i] = string(data)
		}()
	}
	wg.Wait()
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
	assert.Contains(t, bodies[0], "bearerAuth")
}

func TestAuthenticationRequired(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	status, data := s.do(http.MethodGet, "/v1/policies", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	status, data = s.do(http.MethodGet, "/v1/policies", "", nil, "Authorization", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	forged, err := IssueToken(AuthConfig{JWTSecret: "other", Issuer: s.Auth.Issuer}, holder, jwt.RegisteredClaims{})
	require.NoError(t, err)
	status, _ = s.do(http.MethodGet, "/v1/policies", "", nil, "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(http.MethodGet, "/v1/policies", "", nil, "X-Actor-Id", holder)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestWorkedExampleOverHTTP(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	p := s.createPolicy()
	assert.Equal(t, "active", p.State)
	assert.Equal(t, "500.00", p.Premium)
	assert.NotEmpty(t, p.LedgerCreateTxHash)

	att := s.attestation(p.ID, 0.8)
	status, data := s.do(http.MethodPost, "/v1/policies/"+p.ID+"/payouts", "oracle-relay", att)
	require.Equal(t, http.StatusOK, status, string(data))
	res := decode[PayoutResultResponse](t, data)
	assert.Equal(t, "paid", res.Status)
	assert.Equal(t, "7200.00", res.Amount)
	assert.Equal(t, "payout_triggered", res.Policy.State)
	require.NotNil(t, res.Policy.Payout)

	status, data = s.do(http.MethodPost, "/v1/policies/"+p.ID+"/payouts", "oracle-relay", att)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "replayed_attestation", errorCode(t, data))
}

func TestPayoutErrors(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	p := s.createPolicy()

	att := s.attestation(p.ID, 0.5)
	att.Signature = att.Signature[:len(att.Signature)-4] + "AAAA"
	status, data := s.do(http.MethodPost, "/v1/policies/"+p.ID+"/payouts", holder, att)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", errorCode(t, data))

	att = s.attestation("missing-policy", 0.5)
	status, data = s.do(http.MethodPost, "/v1/policies/missing-policy/payouts", holder, att)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown_policy", errorCode(t, data))

	att = s.attestation(p.ID, 0.5)
	status, _ = s.do(http.MethodPost, "/v1/policies/other/payouts", holder, att)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUnresolvedSubmissionsReturnAccepted(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	s.Sim.InjectFaults(ledger.FaultDropped)
	status, data := s.do(http.MethodPost, "/v1/policies", holder, createBody())
	require.Equal(t, http.StatusAccepted, status, string(data))
	p := decode[PolicyResponse](t, data)
	assert.Equal(t, "pending", p.State)
	assert.Equal(t, p.ID, p.PendingTxRef)

	status, data = s.do(http.MethodPost, "/v1/sweeps/reconcile", config.DefaultIssuer, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, 1, decode[SweepResponse](t, data).Changed)

	s.Sim.InjectFaults(ledger.FaultLostResponse)
	att := s.attestation(p.ID, 0.5)
	status, data = s.do(http.MethodPost, "/v1/policies/"+p.ID+"/payouts", holder, att)
	require.Equal(t, http.StatusAccepted, status, string(data))
	res := decode[PayoutResultResponse](t, data)
	assert.Equal(t, "processing", res.Status)
	assert.Equal(t, engine.PayoutToken(p.ID, res.AttestationNonce), res.Token)

	status, data = s.do(http.MethodPost, "/v1/policies/"+p.ID+"/payouts", holder, att)
	require.Equal(t, http.StatusOK, status, string(data))
	res = decode[PayoutResultResponse](t, data)
	assert.Equal(t, "paid", res.Status)
	assert.Equal(t, "4500.00", res.Amount)
	assert.Equal(t, 1, s.Sim.Submissions(res.Token))
}

func TestCreateValidationAndIdempotency(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	body := createBody()
	body.CoverageAmount = "-5"
	body.CoverageTerms = []string{"locusts"}
	status, data := s.do(http.MethodPost, "/v1/policies", holder, body)
	assert.Equal(t, http.StatusBadRequest, status)
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Contains(t, env.Error.Details, "coverage_terms")

	status, data = s.do(http.MethodPost, "/v1/policies", stranger, createBody())
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(t, data))

	status, data = s.do(http.MethodPost, "/v1/policies", holder, createBody(), "Idempotency-Key", "order-1")
	require.Equal(t, http.StatusCreated, status, string(data))
	first := decode[PolicyResponse](t, data)
	status, data = s.do(http.MethodPost, "/v1/policies", holder, createBody(), "Idempotency-Key", "order-1")
	require.Equal(t, http.StatusCreated, status, string(data))
	assert.Equal(t, first.ID, decode[PolicyResponse](t, data).ID)

	changed := createBody()
	changed.CoverageAmount = "20000"
	status, data = s.do(http.MethodPost, "/v1/policies", holder, changed, "Idempotency-Key", "order-1")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "idempotency_conflict", errorCode(t, data))
}

func TestPolicyVisibilityAndPagination(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	a := s.createPolicy()
	b := s.createPolicy()

	status, _ := s.do(http.MethodGet, "/v1/policies/"+a.ID, stranger, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = s.do(http.MethodGet, "/v1/policies/nope", holder, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, data := s.do(http.MethodGet, "/v1/policies/"+a.ID, config.DefaultIssuer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, a.ID, decode[PolicyResponse](t, data).ID)

	status, data = s.do(http.MethodGet, "/v1/policies", stranger, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[PolicyListResponse](t, data).Items)

	seen := map[string]bool{}
	cursor := ""
	for page := 0; page < 3; page++ {
		path := "/v1/policies?limit=1"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		status, data = s.do(http.MethodGet, path, holder, nil)
		require.Equal(t, http.StatusOK, status, string(data))
		list := decode[PolicyListResponse](t, data)
		for _, item := range list.Items {
			seen[item.ID] = true
		}
		if list.NextCursor == nil {
			break
		}
		cursor = *list.NextCursor
	}
	assert.Equal(t, map[string]bool{a.ID: true, b.ID: true}, seen)

	status, _ = s.do(http.MethodGet, "/v1/policies?state=bogus", holder, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = s.do(http.MethodGet, "/v1/policies?cursor=bm9waXBl", holder, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLifecycleTransitions(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	p := s.createPolicy()

	status, data := s.do(http.MethodPost, "/v1/policies/"+p.ID+"/archive", holder, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_state_transition", errorCode(t, data))

	status, _ = s.do(http.MethodPost, "/v1/policies/"+p.ID+"/cancel", stranger, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, data = s.do(http.MethodPost, "/v1/policies/"+p.ID+"/cancel", holder, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, "cancelled", decode[PolicyResponse](t, data).State)

	att := s.attestation(p.ID, 0.9)
	status, data = s.do(http.MethodPost, "/v1/policies/"+p.ID+"/payouts", holder, att)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "policy_not_active", errorCode(t, data))
}

func TestFailedPolicyRetryAndArchive(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	s.Sim.SetBalance(config.DefaultIssuer, decimal.NewFromInt(100))
	status, data := s.do(http.MethodPost, "/v1/policies", holder, createBody())
	require.Equal(t, http.StatusCreated, status, string(data))
	p := decode[PolicyResponse](t, data)
	assert.Equal(t, "failed", p.State)
	assert.NotEmpty(t, p.FailureReason)

	s.Sim.SetBalance(config.DefaultIssuer, decimal.NewFromInt(1000000))
	status, data = s.do(http.MethodPost, "/v1/policies/"+p.ID+"/retry", holder, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, "active", decode[PolicyResponse](t, data).State)

	s.Sim.SetBalance(config.DefaultIssuer, decimal.NewFromInt(100))
	status, data = s.do(http.MethodPost, "/v1/policies", holder, createBody())
	require.Equal(t, http.StatusCreated, status, string(data))
	failed := decode[PolicyResponse](t, data)
	status, data = s.do(http.MethodPost, "/v1/policies/"+failed.ID+"/archive", holder, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.NotNil(t, decode[PolicyResponse](t, data).ArchivedAt)

	status, data = s.do(http.MethodGet, "/v1/policies?state=failed", holder, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[PolicyListResponse](t, data).Items)
	status, data = s.do(http.MethodGet, "/v1/policies?state=failed&include_archived=true", holder, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[PolicyListResponse](t, data).Items, 1)
}

func TestSweepsRequireIssuer(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	p := s.createPolicy()

	status, _ := s.do(http.MethodPost, "/v1/sweeps/expire", holder, nil)
	assert.Equal(t, http.StatusForbidden, status)

	later := testNow.AddDate(1, 0, 0).Format(time.RFC3339)
	status, data := s.do(http.MethodPost, "/v1/sweeps/expire", config.DefaultIssuer, ExpireSweepRequest{Now: &later})
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, 1, decode[SweepResponse](t, data).Changed)

	status, data = s.do(http.MethodGet, "/v1/policies/"+p.ID, holder, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "expired", decode[PolicyResponse](t, data).State)
}

func TestContracts(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	body := DeployContractRequest{Terms: []string{domain.PerilDrought}, PremiumRate: "0.08", MaxPayout: "50000"}

	status, _ := s.do(http.MethodPost, "/v1/contracts", holder, body)
	assert.Equal(t, http.StatusForbidden, status)

	status, data := s.do(http.MethodPost, "/v1/contracts", config.DefaultIssuer, body)
	require.Equal(t, http.StatusCreated, status, string(data))
	c := decode[ContractResponse](t, data)
	assert.Equal(t, "active", c.Status)
	assert.Equal(t, "50000.00", c.MaxPayout)

	status, data = s.do(http.MethodGet, "/v1/contracts/"+c.ID, holder, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{domain.PerilDrought}, decode[ContractResponse](t, data).Terms)

	status, data = s.do(http.MethodGet, "/v1/contracts", holder, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[ContractListResponse](t, data).Items, 1)

	body.PremiumRate = "abc"
	status, _ = s.do(http.MethodPost, "/v1/contracts", config.DefaultIssuer, body)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEventsPagination(t *testing.T) {
	s := newTestServer(t, LimitConfig{})
	p := s.createPolicy()

	status, data := s.do(http.MethodGet, "/v1/events?entity_id="+p.ID+"&limit=1", holder, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	first := decode[EventListResponse](t, data)
	require.Len(t, first.Items, 1)
	assert.Equal(t, domain.EventPolicyActivated, first.Items[0].Type)
	require.NotNil(t, first.NextCursor)

	status, data = s.do(http.MethodGet, "/v1/events?entity_id="+p.ID+"&cursor="+*first.NextCursor, holder, nil)
	require.Equal(t, http.StatusOK, status)
	rest := decode[EventListResponse](t, data)
	require.Len(t, rest.Items, 1)
	assert.Equal(t, domain.EventPolicyCreated, rest.Items[0].Type)
	assert.Nil(t, rest.NextCursor)

	status, _ = s.do(http.MethodGet, "/v1/events?cursor=abc", holder, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, LimitConfig{RequestsPerSecond: 0.001, Burst: 2})
	for i := 0; i < 2; i++ {
		status, _ := s.do(http.MethodGet, "/v1/policies", "", nil, "Authorization", "Bearer fixed")
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	status, data := s.do(http.MethodGet, "/v1/policies", "", nil, "Authorization", "Bearer fixed")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", errorCode(t, data))

	status, _ = s.do(http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
}
