package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/domain"
)

func payoutIntent(amount int64) Intent {
	return Intent{Kind: domain.TxPayout, PolicyID: "p1", From: "issuer", To: "holder", Amount: decimal.NewFromInt(amount)}
}

func TestSimulatorIdempotentByToken(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	sim.SetBalance("issuer", decimal.NewFromInt(10000))

	first, err := sim.Submit(ctx, payoutIntent(7200), "payout:p1:n1")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, first.Status)
	second, err := sim.Submit(ctx, payoutIntent(7200), "payout:p1:n1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	bal, _ := sim.Balance("issuer")
	assert.Equal(t, "2800", bal.String(), "effects applied once")
	assert.Equal(t, 2, sim.Submissions("payout:p1:n1"))
	assert.Equal(t, 1, sim.Applied(domain.TxPayout))
}

func TestSimulatorRejectsInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	sim.SetBalance("issuer", decimal.NewFromInt(100))
	out, err := sim.Submit(ctx, payoutIntent(7200), "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, "insufficient issuer funds", out.Reason)

	q, err := sim.QueryByToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, q.Status)
}

func TestSimulatorFaults(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	sim.InjectFaults(FaultLostResponse, FaultDropped, FaultUnavailable)

	out, err := sim.Submit(ctx, payoutIntent(1), "lost")
	require.NoError(t, err)
	assert.Equal(t, StatusAmbiguous, out.Status)
	q, err := sim.QueryByToken(ctx, "lost")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, q.Status, "lost response still applied")

	out, err = sim.Submit(ctx, payoutIntent(1), "dropped")
	require.NoError(t, err)
	assert.Equal(t, StatusAmbiguous, out.Status)
	q, err = sim.QueryByToken(ctx, "dropped")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, q.Status)

	_, err = sim.Submit(ctx, payoutIntent(1), "down")
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)

	out, err = sim.Submit(ctx, payoutIntent(1), "dropped")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status, "resubmission with the same token lands once faults drain")
}

func TestSimulatorRejectsMalformed(t *testing.T) {
	sim := NewSimulator()
	out, err := sim.Submit(context.Background(), Intent{Kind: domain.TxPayout, From: "issuer", Amount: decimal.Zero}, "z")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	out, err = sim.Submit(context.Background(), Intent{Kind: "mint", From: "issuer", Amount: decimal.NewFromInt(1)}, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
}

func TestSimulatorPolicyCreateReservesCoverage(t *testing.T) {
	sim := NewSimulator()
	sim.SetBalance("issuer", decimal.NewFromInt(5000))
	intent := Intent{Kind: domain.TxPolicyCreate, PolicyID: "p1", From: "holder", To: "issuer",
		Amount: decimal.NewFromInt(500), Memo: map[string]string{"coverage": "10000"}}
	out, err := sim.Submit(context.Background(), intent, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)

	sim.SetBalance("issuer", decimal.NewFromInt(20000))
	out, err = sim.Submit(context.Background(), intent, "p1#2")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	assert.Equal(t, "20500", out.Effects["issuer_balance"])
}
