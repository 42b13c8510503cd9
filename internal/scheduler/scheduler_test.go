package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylc/cylc-flow-go/internal/config"
	"github.com/cylc/cylc-flow-go/internal/cycle"
	"github.com/cylc/cylc-flow-go/internal/flow"
	"github.com/cylc/cylc-flow-go/internal/jobmanager"
	"github.com/cylc/cylc-flow-go/internal/obsinit"
	"github.com/cylc/cylc-flow-go/internal/platform"
	"github.com/cylc/cylc-flow-go/internal/pool"
	"github.com/cylc/cylc-flow-go/internal/statedb"
)

const testYAML = `
scheduling:
  initial cycle point: "1"
  graph:
    "R/1/P1": "foo => bar"
runtime:
  foo:
    script: "echo hello"
  bar:
    script: "echo world"
allow implicit tasks: true
`

type fakeDriver struct {
	jobID  string
	status platform.Status
}

func (f *fakeDriver) Name() string { return "background" }
func (f *fakeDriver) Submit(ctx context.Context, spec platform.JobSpec) (string, error) {
	return f.jobID, nil
}
func (f *fakeDriver) Poll(ctx context.Context, spec platform.JobSpec, jobID string) (platform.Status, error) {
	return f.status, nil
}
func (f *fakeDriver) Kill(ctx context.Context, spec platform.JobSpec, jobID string) error { return nil }

func testSetup(t *testing.T) *Scheduler {
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
	reg.Register(&fakeDriver{jobID: "123", status: platform.StatusSucceeded})

	jm := jobmanager.New(cfg, reg, db, t.TempDir())
	_, metrics := obsinit.InitMetrics(context.Background(), "test")

	return New(cfg, p, jm, db, alloc, t.TempDir(), metrics)
}

func mustPoint(t *testing.T, cfg *config.Config, s string) cycle.Point {
	t.Helper()
	p, err := cycle.ParsePoint(s, cfg.Calendar)
	require.NoError(t, err)
	return p
}

func TestTickSubmitsReadyTasks(t *testing.T) {
	s := testSetup(t)
	s.mu.Lock()
	s.submitReady(context.Background(), time.Now())
	s.mu.Unlock()

	foo := s.findProxy("foo", mustPoint(t, s.cfg, "1"))
	require.NotNil(t, foo)
	assert.Equal(t, pool.StateSubmitted, foo.State)
	assert.Len(t, s.jobs, 1)
}

func TestDrainMessagesSatisfiesDownstream(t *testing.T) {
	s := testSetup(t)
	s.mu.Lock()
	s.submitReady(context.Background(), time.Now())
	s.mu.Unlock()

	s.messages <- jobmanager.Message{
		CyclePoint: "1",
		TaskName:   "foo",
		SubmitNum:  1,
		Output:     "succeeded",
		Time:       time.Now(),
	}

	s.mu.Lock()
	s.drainMessages(context.Background())
	s.mu.Unlock()

	assert.Empty(t, s.jobs)
	bar, ok := s.pool.Get("bar", mustPoint(t, s.cfg, "1"), flow.NewSet(1))
	require.True(t, ok)
	assert.True(t, bar.Prereq.IsSatisfied())
}

func TestApplyCommandPauseResume(t *testing.T) {
	s := testSetup(t)
	s.applyCommand(context.Background(), Command{Kind: KindPause})
	assert.True(t, s.paused)
	s.applyCommand(context.Background(), Command{Kind: KindResume})
	assert.False(t, s.paused)
}

func TestApplyCommandHoldReleaseAll(t *testing.T) {
	s := testSetup(t)
	s.applyCommand(context.Background(), Command{Kind: KindHold})
	for _, px := range s.pool.All() {
		assert.True(t, px.Held)
	}
	s.applyCommand(context.Background(), Command{Kind: KindRelease})
	for _, px := range s.pool.All() {
		assert.False(t, px.Held)
	}
}

func TestApplyCommandStopSetsStopping(t *testing.T) {
	s := testSetup(t)
	s.applyCommand(context.Background(), Command{Kind: KindStop})
	assert.True(t, s.stopping)
}

func TestApplyCommandBroadcastPersists(t *testing.T) {
	s := testSetup(t)
	errCh := make(chan error, 1)
	s.applyCommand(context.Background(), Command{
		Kind: KindBroadcast, PointGlob: "*", NameGlob: "*",
		SettingKey: "script", Value: "echo overridden", Result: errCh,
	})
	require.NoError(t, <-errCh)

	rows, err := s.db.ActiveBroadcasts(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "echo overridden", rows[0].Value)
}

func TestQueueLimitZeroAdmitsAllReady(t *testing.T) {
	s := testSetup(t)
	s.cfg.Queues = map[string]config.Queue{
		"default": {Limit: 0, Members: []string{"foo", "bar"}},
	}
	ready := s.pool.ReadySet(time.Now())
	admitted := s.applyQueueLimits(ready)
	assert.Len(t, admitted, len(ready))
}

func TestContactFileWrittenAndRemoved(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteContactFile(dir, ContactInfo{Host: "h", PID: 1, API: "v1"}))
	body, err := os.ReadFile(contactFilePath(dir))
	require.NoError(t, err)
	assert.Contains(t, string(body), "CYLC_WORKFLOW_HOST=h")
	assert.Contains(t, string(body), "CYLC_API=v1")

	require.NoError(t, RemoveContactFile(dir))
	_, err = os.Stat(contactFilePath(dir))
	assert.True(t, os.IsNotExist(err))
}

func TestReloadAppliesNewTaskDefs(t *testing.T) {
	s := testSetup(t)
	const updated = `
scheduling:
  initial cycle point: "1"
  graph:
    "R/1/P1": "foo => bar => baz"
runtime:
  foo:
    script: "echo hello"
  bar:
    script: "echo world"
  baz:
    script: "echo new"
allow implicit tasks: true
`
	err := s.reload(Command{NewYAML: []byte(updated), Mode: config.ModeCylc8})
	require.NoError(t, err)
	assert.Contains(t, s.cfg.TaskDefs, "baz")
}

func TestReloadRefusesDroppingActiveTask(t *testing.T) {
	s := testSetup(t)
	const updated = `
scheduling:
  initial cycle point: "1"
  graph:
    "R/1/P1": "bar"
runtime:
  bar:
    script: "echo world"
allow implicit tasks: true
`
	err := s.reload(Command{NewYAML: []byte(updated), Mode: config.ModeCylc8})
	assert.Error(t, err)
}
