package cli

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		ILPAddress:   "test.halcyon",
		StreamSecret: base64.StdEncoding.EncodeToString(make([]byte, 32)),
		Database:     config.DatabaseConfig{Driver: "memory"},
	}
}

func TestBuildAppMemoryBackend(t *testing.T) {
	ctx := context.Background()
	a, err := buildApp(ctx, testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.close()

	require.NotNil(t, a.pipeline)
	require.NotNil(t, a.outgoing)
	require.NotNil(t, a.liquidity)
}

func TestBuildAppWiresLiquidity(t *testing.T) {
	ctx := context.Background()
	a, err := buildApp(ctx, testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.close()

	usd, err := a.assets.Create(ctx, "USD", 2, asset.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, a.liquidity.AddAssetLiquidity(ctx, "key-1", usd.ID, 500))
	balance, err := a.ledger.GetBalance(ctx, usd.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), balance)

	// Same idempotency key: the deposit does not run twice.
	require.NoError(t, a.liquidity.AddAssetLiquidity(ctx, "key-1", usd.ID, 500))
	balance, err = a.ledger.GetBalance(ctx, usd.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), balance)
}
