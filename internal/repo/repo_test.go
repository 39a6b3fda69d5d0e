package repo

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/migrate"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := sql.Open("sqlite", db.SQLiteDSN(filepath.Join(t.TempDir(), "store.db")))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return Repo{DB: conn, Driver: db.SQLite}
}

func samplePolicy(id string, created time.Time) domain.Policy {
	return domain.Policy{
		ID:                id,
		HolderAddress:     "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh",
		Issuer:            "rIssuerAccount1111111111111111",
		CoverageAmount:    decimal.NewFromInt(10000),
		Premium:           decimal.NewFromInt(500),
		PremiumRate:       decimal.RequireFromString("0.05"),
		DeductiblePercent: decimal.NewFromInt(10),
		StartDate:         created,
		EndDate:           created.AddDate(0, 6, 0),
		CoverageTerms:     []string{domain.PerilWeather},
		State:             domain.StatePending,
		PendingTxRef:      id,
		Attempt:           1,
		Version:           1,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := samplePolicy("p1", t0)
	p.IdempotencyKey = "k-1"
	require.NoError(t, r.InsertPolicyTx(ctx, nil, p))

	got, err := r.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.CoverageAmount.Equal(p.CoverageAmount))
	assert.True(t, got.DeductiblePercent.Equal(p.DeductiblePercent))
	assert.Equal(t, p.CoverageTerms, got.CoverageTerms)
	assert.True(t, got.EndDate.Equal(p.EndDate))
	assert.Equal(t, "p1", got.PendingTxRef)
	assert.Nil(t, got.Payout)

	byKey, err := r.GetPolicyByIdempotencyKey(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", byKey.ID)

	_, err = r.GetPolicy(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePolicyCAS(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := samplePolicy("p1", t0)
	require.NoError(t, r.InsertPolicyTx(ctx, nil, p))

	next := p
	next.State = domain.StateActive
	next.PendingTxRef = ""
	next.LedgerCreateTxHash = "ABC"
	updated, err := r.UpdatePolicyCAS(ctx, nil, next, domain.StatePending, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.Version)

	// a second writer holding the stale version loses
	stale := p
	stale.State = domain.StateCancelled
	_, err = r.UpdatePolicyCAS(ctx, nil, stale, domain.StatePending, 1)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	got, err := r.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, "ABC", got.LedgerCreateTxHash)
	assert.Empty(t, got.PendingTxRef)

	missing := samplePolicy("nope", t0)
	_, err = r.UpdatePolicyCAS(ctx, nil, missing, domain.StatePending, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPayoutRecordPersists(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := samplePolicy("p1", t0)
	p.State = domain.StateActive
	require.NoError(t, r.InsertPolicyTx(ctx, nil, p))

	p.State = domain.StatePayoutTriggered
	p.Payout = &domain.PayoutRecord{
		Amount:           decimal.NewFromInt(7200),
		TxHash:           "TX1",
		AttestationNonce: "n1",
		EventType:        domain.PerilWeather,
		Severity:         0.8,
		PaidAt:           t0.Add(time.Hour),
	}
	_, err := r.UpdatePolicyCAS(ctx, nil, p, domain.StateActive, 1)
	require.NoError(t, err)

	got, err := r.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got.Payout)
	assert.Equal(t, "7200", got.Payout.Amount.String())
	assert.InDelta(t, 0.8, got.Payout.Severity, 1e-9)
	assert.True(t, got.Payout.PaidAt.Equal(t0.Add(time.Hour)))
}

func TestListPoliciesPaginates(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d"} {
		p := samplePolicy(id, t0.Add(time.Duration(i)*time.Minute))
		if id == "c" {
			p.State = domain.StateActive
		}
		require.NoError(t, r.InsertPolicyTx(ctx, nil, p))
	}
	page, err := r.ListPolicies(ctx, PolicyFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "d", page[0].ID)
	assert.Equal(t, "c", page[1].ID)

	last := page[1]
	page, err = r.ListPolicies(ctx, PolicyFilter{Limit: 2, CursorCreatedAt: db.FormatTime(last.CreatedAt), CursorID: last.ID})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)

	active, err := r.ListPolicies(ctx, PolicyFilter{State: domain.StateActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c", active[0].ID)
}

func TestListExpirablePolicyIDs(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	old := samplePolicy("old", t0.AddDate(-1, 0, 0))
	old.State = domain.StateActive
	old.PendingTxRef = ""
	fresh := samplePolicy("fresh", t0)
	fresh.State = domain.StateActive
	fresh.PendingTxRef = ""
	pending := samplePolicy("pending", t0.AddDate(-1, 0, 0))
	// payout in flight: left to reconciliation, not to expiry
	inFlight := samplePolicy("in-flight", t0.AddDate(-2, 0, 0))
	inFlight.State = domain.StateActive
	inFlight.PendingTxRef = "payout:in-flight:n1"
	for _, p := range []domain.Policy{old, fresh, pending, inFlight} {
		require.NoError(t, r.InsertPolicyTx(ctx, nil, p))
	}
	ids, err := r.ListExpirablePolicyIDs(ctx, t0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
}

func TestListPendingTxsRotatesUnresolved(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.InsertPolicyTx(ctx, nil, samplePolicy(id, t0)))
		require.NoError(t, r.InsertPendingTxTx(ctx, nil, domain.PendingTx{
			Token:     id,
			Kind:      domain.TxPolicyCreate,
			PolicyID:  id,
			Intent:    []byte(`{}`),
			Amount:    decimal.NewFromInt(500),
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
			UpdatedAt: t0,
		}))
	}
	tokens := func() []string {
		all, err := r.ListPendingTxs(ctx, 2)
		require.NoError(t, err)
		var out []string
		for _, p := range all {
			out = append(out, p.Token)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b"}, tokens())

	require.NoError(t, r.BumpPendingTxAttemptsTx(ctx, nil, "a", t0.Add(time.Hour)))
	assert.Equal(t, []string{"b", "c"}, tokens())
}

func TestLeaseClaimAndRelease(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	ok, err := r.TryClaimLease(ctx, "p1", "owner-a", t0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.TryClaimLease(ctx, "p1", "owner-b", t0.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must not be stolen")

	ok, err = r.TryClaimLease(ctx, "p1", "owner-a", t0.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner may extend its lease")

	ok, err = r.TryClaimLease(ctx, "p1", "owner-b", t0.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	owner, err := r.LeaseOwner(ctx, "p1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "owner-b", owner)

	require.NoError(t, r.ReleaseLease(ctx, "p1", "owner-a"))
	owner, err = r.LeaseOwner(ctx, "p1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "owner-b", owner, "release by a non-owner is a no-op")

	require.NoError(t, r.ReleaseLease(ctx, "p1", "owner-b"))
	_, err = r.LeaseOwner(ctx, "p1", t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingTxAndNonces(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := samplePolicy("p1", t0)
	require.NoError(t, r.InsertPolicyTx(ctx, nil, p))

	ptx := domain.PendingTx{
		Token:            "payout:p1:n1",
		Kind:             domain.TxPayout,
		PolicyID:         "p1",
		Intent:           []byte(`{"kind":"payout"}`),
		AttestationNonce: "n1",
		EventType:        domain.PerilWeather,
		Severity:         0.8,
		Amount:           decimal.NewFromInt(7200),
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
	require.NoError(t, r.InsertPendingTxTx(ctx, nil, ptx))
	require.NoError(t, r.BumpPendingTxAttemptsTx(ctx, nil, ptx.Token, t0.Add(time.Minute)))

	got, err := r.PendingTxForPolicy(ctx, nil, "p1", domain.TxPayout)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "n1", got.AttestationNonce)
	assert.JSONEq(t, `{"kind":"payout"}`, string(got.Intent))

	_, err = r.PendingTxForPolicy(ctx, nil, "p1", domain.TxPolicyCreate)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := r.CountPendingTxs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r.DeletePendingTxTx(ctx, nil, ptx.Token))
	all, err := r.ListPendingTxs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, all)

	used, err := r.NonceConsumed(ctx, nil, "p1", "n1")
	require.NoError(t, err)
	assert.False(t, used)
	require.NoError(t, r.ConsumeNonceTx(ctx, nil, "p1", "n1", "TX1", t0))
	used, err = r.NonceConsumed(ctx, nil, "p1", "n1")
	require.NoError(t, err)
	assert.True(t, used)
	assert.Error(t, r.ConsumeNonceTx(ctx, nil, "p1", "n1", "TX2", t0))
}

func TestContracts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := domain.Contract{
		ID:          "c1",
		Issuer:      "issuer",
		Terms:       []string{domain.PerilWeather, domain.PerilFlood},
		PremiumRate: decimal.RequireFromString("0.05"),
		MaxPayout:   decimal.NewFromInt(50000),
		Status:      domain.ContractPending,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
	require.NoError(t, r.InsertContractTx(ctx, nil, c))
	c.Status = domain.ContractActive
	c.LedgerTxHash = "H"
	require.NoError(t, r.UpdateContractStatusTx(ctx, nil, c))
	assert.ErrorIs(t, r.UpdateContractStatusTx(ctx, nil, c), domain.ErrConcurrentModification)

	list, err := r.ListContracts(ctx, "issuer")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.ContractActive, list[0].Status)
	assert.True(t, list[0].Allows(domain.PerilFlood))
}

func TestUpdatePolicyCASPropagatesDriverError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	mock.ExpectExec(`UPDATE policies SET`).WillReturnError(errors.New("connection reset"))

	r := Repo{DB: conn}
	_, err = r.UpdatePolicyCAS(context.Background(), nil, samplePolicy("p1", t0), domain.StatePending, 1)
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsCursor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
			db.FormatTime(t0), "policy.created", "policy", "p1", "system", `{}`)
		require.NoError(t, err)
	}
	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, latest)

	after, err := r.EventsAfter(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.EqualValues(t, 2, after[0].ID)

	desc, err := r.LatestEvents(ctx, EventFilter{EntityID: "p1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.EqualValues(t, 3, desc[0].ID)
}
