package keeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trigg3rX/power-agent-node/internal/keeper/config"
	"github.com/trigg3rX/power-agent-node/pkg/client/chainclient"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

func newTestKeeper(t *testing.T, networks ...string) *Keeper {
	t.Helper()
	cfg := &config.Config{
		APIPort:        "0",
		StatusInterval: time.Second,
		StatusTTL:      4 * time.Second,
		Networks:       map[string]*config.NetworkConfig{},
	}
	for _, n := range networks {
		cfg.Networks[n] = &config.NetworkConfig{Name: n, RPC: "http://" + n}
	}
	k, err := New(cfg, config.NewKeyLoader("pw", nil), logging.NewNoOpLogger(), "test")
	require.NoError(t, err)
	return k
}

func TestRun_ReportsEveryNetworkFailure(t *testing.T) {
	k := newTestKeeper(t, "mainnet", "gnosis")
	var dialed []string
	k.dial = func(_ context.Context, n *config.NetworkConfig, _ logging.Logger) (chainclient.ChainClient, error) {
		dialed = append(dialed, n.Name)
		return nil, errors.New("connection refused")
	}

	err := k.Run(context.Background())
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)
	assert.Equal(t, []string{"gnosis", "mainnet"}, dialed)
	assert.Contains(t, err.Error(), "network gnosis")
	assert.Contains(t, err.Error(), "network mainnet")
	assert.Empty(t, k.runtimes)
}

func TestStatusSource_Empty(t *testing.T) {
	k := newTestKeeper(t)

	nets, err := k.Networks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nets)

	agents, err := k.Agents(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, agents)
}
