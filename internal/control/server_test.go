package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylc/cylc-flow-go/internal/config"
	"github.com/cylc/cylc-flow-go/internal/flow"
	"github.com/cylc/cylc-flow-go/internal/jobmanager"
	"github.com/cylc/cylc-flow-go/internal/obsinit"
	"github.com/cylc/cylc-flow-go/internal/platform"
	"github.com/cylc/cylc-flow-go/internal/pool"
	"github.com/cylc/cylc-flow-go/internal/scheduler"
	"github.com/cylc/cylc-flow-go/internal/statedb"
)

const testYAML = `
scheduling:
  initial cycle point: "1"
  graph:
    "R/1/P1": "foo"
runtime:
  foo:
    script: "echo hello"
allow implicit tasks: true
`

// testServer builds a Server over a real Scheduler and keeps it ticking on
// a short local interval (not the production 1s cron) so command handlers,
// which block for a tick to apply their command, return promptly.
func testServer(t *testing.T) *Server {
	t.Helper()
	cfg, err := config.Load([]byte(testYAML), config.ModeCylc8)
	require.NoError(t, err)

	alloc := flow.NewAllocator()
	p := pool.New(cfg, alloc)
	p.SpawnStart(flow.NewSet(1))

	db, err := statedb.Open(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := platform.NewRegistry(platform.LocalRunner{})
	jm := jobmanager.New(cfg, reg, db, t.TempDir())
	_, metrics := obsinit.InitMetrics(context.Background(), "test")

	sched := scheduler.New(cfg, p, jm, db, alloc, t.TempDir(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sched.Step(ctx)
			}
		}
	}()

	return New("", sched)
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestPauseResumeEndpoints(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pause", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/resume", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBroadcastEndpointReturnsOK(t *testing.T) {
	s := testServer(t)
	body, _ := json.Marshal(broadcastRequest{PointGlob: "*", NameGlob: "*", Setting: "script", Value: "echo new"})
	req := httptest.NewRequest(http.MethodPost, "/v1/broadcast", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerEndpointRequiresFields(t *testing.T) {
	s := testServer(t)
	body, _ := json.Marshal(triggerRequest{TaskName: ""})
	req := httptest.NewRequest(http.MethodPost, "/v1/trigger", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/pause", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
