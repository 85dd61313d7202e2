package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trigg3rX/power-agent-node/internal/keeper/agent"
	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
	"github.com/trigg3rX/power-agent-node/internal/keeper/network"
	"github.com/trigg3rX/power-agent-node/internal/keeper/store"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

const agentAddr = "0x071412e301C2087A4DAA055CF4aFa2683cE1e499"

type fakeSource struct {
	err    error
	agents []agent.Status
}

func (f *fakeSource) Networks(context.Context) ([]network.Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []network.Stats{{Name: "gnosis", ChainID: "100", LatestBlock: 42}}, nil
}

func (f *fakeSource) Agents(_ context.Context, withJobs bool) ([]agent.Status, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]agent.Status, len(f.agents))
	copy(out, f.agents)
	if !withJobs {
		for i := range out {
			out[i].Jobs = nil
		}
	}
	return out, nil
}

func newTestServer(src *fakeSource, st store.Store) *Server {
	return NewServer(Config{Port: "0"}, Dependencies{
		Logger:  logging.NewNoOpLogger(),
		Source:  src,
		Store:   st,
		Version: "test",
	})
}

func get(t *testing.T, s *Server, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func liveAgent() agent.Status {
	return agent.Status{
		Network:  "gnosis",
		Address:  agentAddr,
		KeeperID: 3,
		Ready:    true,
		Jobs:     []job.Status{{Key: "0x01", State: job.StateWatching}},
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(&fakeSource{agents: []agent.Status{liveAgent()}}, store.NewMemoryStore(0))

	rec := get(t, s, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["agents_ready"])
	assert.NotEmpty(t, rec.Header().Get(TraceIDHeader))
}

func TestStatus_Unavailable(t *testing.T) {
	s := newTestServer(&fakeSource{err: errors.New("loop stopped")}, nil)

	rec := get(t, s, "/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(t, s, "/api/v1/networks", map[string]string{TraceIDHeader: "abc"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "loop stopped")
	assert.Contains(t, rec.Body.String(), `"trace_id":"abc"`)
}

func TestNetworks(t *testing.T) {
	s := newTestServer(&fakeSource{}, nil)

	rec := get(t, s, "/api/v1/networks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"chain_id":"100"`)
}

func TestAgent_LiveIncludesJobs(t *testing.T) {
	s := newTestServer(&fakeSource{agents: []agent.Status{liveAgent()}}, nil)

	rec := get(t, s, "/api/v1/agents/0x071412e301c2087a4daa055cf4afa2683ce1e499", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got agent.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(3), got.KeeperID)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, job.StateWatching, got.Jobs[0].State)

	rec = get(t, s, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"jobs"`)
}

func TestAgent_FallsBackToSnapshot(t *testing.T) {
	st := store.NewMemoryStore(0)
	snap := liveAgent()
	snap.Network = "mainnet"
	require.NoError(t, st.Save(context.Background(), snap))
	s := newTestServer(&fakeSource{}, st)

	rec := get(t, s, "/api/v1/agents/"+agentAddr+"?network=mainnet", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"network":"mainnet"`)

	rec = get(t, s, "/api/v1/agents/"+agentAddr+"?network=gnosis", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, s, "/api/v1/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mainnet"`)
}

func TestAgent_InvalidAddress(t *testing.T) {
	s := newTestServer(&fakeSource{}, nil)
	rec := get(t, s, "/api/v1/agents/nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsAndCORS(t *testing.T) {
	s := newTestServer(&fakeSource{}, nil)

	rec := get(t, s, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = get(t, s, "/status", map[string]string{"Origin": "https://example.org"})
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
