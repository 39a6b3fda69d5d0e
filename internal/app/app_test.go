package app

import (
	"context"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/engine"
)

func TestOpenDefaultsToSimulator(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	a, err := Open(ctx, dir)
	require.NoError(t, err)
	defer a.Close(ctx)

	require.NotNil(t, a.Simulator)
	assert.Nil(t, a.Redis)
	_, err = os.Stat(dir + "/.harvestline/harvestline.db")
	assert.NoError(t, err)

	p, err := a.Engine.CreatePolicy(ctx, engine.CreatePolicyRequest{
		HolderAddress:  "rFarmerAccount123456789222",
		CoverageAmount: decimal.NewFromInt(2000),
		DurationMonths: 3,
		CoverageTerms:  []string{domain.PerilFlood},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, p.State)

	s := a.Sweeper()
	assert.Equal(t, a.Config.Sweeper.ExpireInterval, s.ExpireInterval)
	assert.False(t, s.Webhooks.Enabled())
}

func TestNewGateway(t *testing.T) {
	_, _, err := NewGateway(config.LedgerConfig{Mode: "rpc"})
	assert.ErrorContains(t, err, "signer_key")

	_, _, err = NewGateway(config.LedgerConfig{Mode: "fax"})
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Ledger.Mode = "rpc"
	cfg.Ledger.SignerKey = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
	gw, sim, err := NewGateway(cfg.Ledger)
	require.NoError(t, err)
	assert.Nil(t, sim)
	assert.NoError(t, gw.Close())
}

func TestOpenRejectsUnreachableRedis(t *testing.T) {
	cfg := config.Default()
	cfg.Lease.Backend = "redis"
	cfg.Redis.Addrs = []string{"127.0.0.1:1"}
	_, err := OpenWithConfig(context.Background(), t.TempDir(), cfg)
	assert.ErrorContains(t, err, "redis")
}
