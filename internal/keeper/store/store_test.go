package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trigg3rX/power-agent-node/internal/keeper/agent"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

func testStatus(network, address string, jobs int) agent.Status {
	return agent.Status{
		Network:    network,
		Address:    address,
		KeeperID:   3,
		Strategy:   "light",
		Executor:   "pga",
		Ready:      true,
		JobsByType: map[string]int{"interval": jobs},
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "keeper:status:gnosis:0x071412e301c2087a4daa055cf4afa2683ce1e499",
		Key("gnosis", "0x071412e301C2087A4DAA055CF4aFa2683cE1e499"))
}

func TestMemoryStore_SaveLoadList(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(0)

	require.NoError(t, m.Save(ctx, testStatus("mainnet", "0xB", 2)))
	require.NoError(t, m.Save(ctx, testStatus("gnosis", "0xA", 1)))
	require.NoError(t, m.Save(ctx, testStatus("mainnet", "0xB", 5)))

	got, err := m.Load(ctx, "mainnet", "0xb")
	require.NoError(t, err)
	assert.Equal(t, 5, got.JobsByType["interval"])

	_, err = m.Load(ctx, "mainnet", "0xC")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "gnosis", all[0].Network)
	assert.Equal(t, "mainnet", all[1].Network)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryStore(time.Minute)
	m.clock = func() time.Time { return now }

	require.NoError(t, m.Save(ctx, testStatus("gnosis", "0xA", 1)))
	_, err := m.Load(ctx, "gnosis", "0xA")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = m.Load(ctx, "gnosis", "0xA")
	assert.ErrorIs(t, err, ErrNotFound)
	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestNew_FallsBackToMemory(t *testing.T) {
	s := New(RedisConfig{}, logging.NewNoOpLogger())
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)

	s = New(RedisConfig{URL: "redis://127.0.0.1:1/0", DialTimeout: 100 * time.Millisecond}, logging.NewNoOpLogger())
	_, ok = s.(*MemoryStore)
	assert.True(t, ok)

	s = New(RedisConfig{URL: "::not a url"}, logging.NewNoOpLogger())
	_, ok = s.(*MemoryStore)
	assert.True(t, ok)
}

// Runs against a live server when KEEPER_TEST_REDIS_URL is set
func TestRedisStore_RoundTrip(t *testing.T) {
	url := os.Getenv("KEEPER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("KEEPER_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := NewRedisStore(RedisConfig{URL: url, TTL: time.Minute}, logging.NewNoOpLogger())
	require.NoError(t, err)
	defer s.Close()

	st := testStatus("testnet", "0x00000000000000000000000000000000000a9e17", 4)
	st.OwnerBalances = map[string]string{"0xaa": "100"}
	require.NoError(t, s.Save(ctx, st))

	got, err := s.Load(ctx, st.Network, st.Address)
	require.NoError(t, err)
	assert.Equal(t, st.JobsByType, got.JobsByType)
	assert.Equal(t, st.OwnerBalances, got.OwnerBalances)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, all)

	_, err = s.Load(ctx, st.Network, "0xdead")
	assert.ErrorIs(t, err, ErrNotFound)
}
