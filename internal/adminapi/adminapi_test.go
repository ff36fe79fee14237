package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systeminit/veritech/internal/core"
	"github.com/systeminit/veritech/internal/pool"
)

type fakePoolStatter struct{ stats pool.Stats }

func (f fakePoolStatter) Stats() pool.Stats { return f.stats }

type fakeKillRegistry struct{ size int }

func (f fakeKillRegistry) Len() int { return f.size }

type fakeKiller struct{ found map[core.ExecutionId]bool }

func (f fakeKiller) Kill(id core.ExecutionId) bool { return f.found[id] }

type fakeNextPublisher struct {
	outputCalls   int
	finalizeCalls int
	terminalCalls int
}

func (f *fakeNextPublisher) PublishOutput(ctx context.Context, addr core.ReplyAddress, out core.Output) error {
	f.outputCalls++
	return nil
}

func (f *fakeNextPublisher) FinalizeOutput(ctx context.Context, addr core.ReplyAddress, id core.ExecutionId) error {
	f.finalizeCalls++
	return nil
}

func (f *fakeNextPublisher) PublishTerminal(ctx context.Context, addr core.ReplyAddress, result core.TerminalResult) error {
	f.terminalCalls++
	return nil
}

func TestHealthzAndReadyz(t *testing.T) {
	s := New(Config{Pool: fakePoolStatter{}, KillRegistry: fakeKillRegistry{}})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPoolStatsEndpoint(t *testing.T) {
	s := New(Config{Pool: fakePoolStatter{stats: pool.Stats{Outstanding: 2, Idle: 3, Capacity: 10}}, KillRegistry: fakeKillRegistry{}})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/pool/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got pool.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 2, got.Outstanding)
	assert.Equal(t, 3, got.Idle)
}

func TestKillRegistrySizeEndpoint(t *testing.T) {
	s := New(Config{Pool: fakePoolStatter{}, KillRegistry: fakeKillRegistry{size: 7}})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/killregistry/size")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 7, got["size"])
}

func TestDelayedKillCallbackFiresKillAndReportsFound(t *testing.T) {
	s := New(Config{
		Pool:         fakePoolStatter{},
		KillRegistry: fakeKillRegistry{},
		Killer:       fakeKiller{found: map[core.ExecutionId]bool{"exec-9": true}},
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/internal/kill/exec-9", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var got map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.True(t, got["found"])
}

func TestDelayedKillRouteAbsentWhenNoKillerConfigured(t *testing.T) {
	s := New(Config{Pool: fakePoolStatter{}, KillRegistry: fakeKillRegistry{}})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/internal/kill/exec-9", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDebugStreamRouteAbsentWhenDisabled(t *testing.T) {
	s := New(Config{Pool: fakePoolStatter{}, KillRegistry: fakeKillRegistry{}, DebugStreamEnabled: false})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/debug/stream")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSReflectsConfiguredOrigin(t *testing.T) {
	s := New(Config{Pool: fakePoolStatter{}, KillRegistry: fakeKillRegistry{}, CORSAllowOrigins: []string{"https://ops.example.com"}})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ops.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "https://ops.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestBroadcastOutputAndTerminalNoopWhenDebugStreamDisabled(t *testing.T) {
	s := New(Config{Pool: fakePoolStatter{}, KillRegistry: fakeKillRegistry{}})
	assert.NotPanics(t, func() {
		s.BroadcastOutput("exec-1", core.Output{Message: "hi"})
		s.BroadcastTerminal("exec-1", "success")
	})
}

func TestDebugTeeForwardsToNextPublisher(t *testing.T) {
	next := &fakeNextPublisher{}
	s := New(Config{Pool: fakePoolStatter{}, KillRegistry: fakeKillRegistry{}})
	tee := &DebugTee{Next: next, Server: s}

	require.NoError(t, tee.PublishOutput(context.Background(), "reply", core.Output{ExecutionId: "exec-1"}))
	require.NoError(t, tee.FinalizeOutput(context.Background(), "reply", "exec-1"))
	require.NoError(t, tee.PublishTerminal(context.Background(), "reply", core.TerminalResult{ExecutionId: "exec-1", Kind: "success"}))

	assert.Equal(t, 1, next.outputCalls)
	assert.Equal(t, 1, next.finalizeCalls)
	assert.Equal(t, 1, next.terminalCalls)
}
