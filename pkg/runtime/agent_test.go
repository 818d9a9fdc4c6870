package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
)

// fakeAgent is a minimal agent server for client tests.
func fakeAgent(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /meta", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Meta{
			Version:      "1.0.0",
			RuntimeType:  "agent",
			Capabilities: []string{"python", "shell", "filesystem"},
		})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /python/exec", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Code string `json:"code"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(ExecResult{Stdout: "ran: " + req.Code, ExitCode: 0})
	})
	mux.HandleFunc("POST /shell/exec", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"exec_failed","message":"command not found"}}`))
	})
	mux.HandleFunc("POST /fs/read_file", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"content": []byte("hello")})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAgentMetaAndExec(t *testing.T) {
	srv := fakeAgent(t)
	c := NewAgentClient(srv.URL, nil)
	ctx := context.Background()

	meta, err := c.Meta(ctx)
	require.NoError(t, err)
	assert.True(t, meta.Has("python"))
	assert.False(t, meta.Has("browser"))

	res, err := c.ExecPython(ctx, "print(1)", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ran: print(1)", res.Stdout)

	data, err := c.ReadFile(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestAgentErrorEnvelope(t *testing.T) {
	srv := fakeAgent(t)
	c := NewAgentClient(srv.URL, nil)

	_, err := c.ExecShell(context.Background(), "nope", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrRuntime)
	assert.Contains(t, err.Error(), "command not found")
}

func TestAgentUnreachableIsTransient(t *testing.T) {
	c := NewAgentClient("http://127.0.0.1:1", nil)
	err := c.Health(context.Background())
	assert.True(t, errdefs.IsTransient(err))
}

func TestWaitHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewAgentClient(srv.URL, nil)
	err := WaitHealthy(context.Background(), c, 5*time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitHealthyTimesOut(t *testing.T) {
	c := NewAgentClient("http://127.0.0.1:1", nil)
	err := WaitHealthy(context.Background(), c, 300*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
}

func TestPoolMetaCachedAndDeduplicated(t *testing.T) {
	var metaCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/meta" {
			metaCalls.Add(1)
			json.NewEncoder(w).Encode(Meta{Capabilities: []string{"python"}})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPool()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m, err := p.GetMeta(ctx, srv.URL)
		require.NoError(t, err)
		assert.True(t, m.Has("python"))
	}
	assert.Equal(t, int32(1), metaCalls.Load(), "meta served from cache after first call")

	p.Invalidate(srv.URL)
	_, err := p.GetMeta(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), metaCalls.Load(), "invalidate forces a refetch")
}

func TestPoolReusesClients(t *testing.T) {
	p := NewPool()
	a := p.Get("http://127.0.0.1:9000")
	b := p.Get("http://127.0.0.1:9000")
	assert.Same(t, a, b)
}

// Long executions and large transfers must only be bounded by their context.
// An absolute http.Client timeout would cut them off regardless of the
// requested exec timeout, so neither the pool's shared client nor the
// default client may carry one.
func TestClientsCarryNoAbsoluteTimeout(t *testing.T) {
	p := NewPool()
	assert.Zero(t, p.http.Timeout)
	assert.Zero(t, NewAgentClient("http://127.0.0.1:9000", nil).http.Timeout)
}

func TestExecHonorsRequestedTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		json.NewEncoder(w).Encode(ExecResult{Stdout: "done"})
	}))
	defer srv.Close()

	p := NewPool()
	c := p.Get(srv.URL)

	res, err := c.ExecPython(context.Background(), "slow()", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Stdout)

	// A caller deadline tighter than the agent still wins.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ExecPython(ctx, "slow()", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
}
