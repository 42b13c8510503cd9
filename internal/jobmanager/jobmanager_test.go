package jobmanager

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
    platform: "hpc"
  flaky:
    script: "echo flaky"
    execution retry delays: "PT1S, PT2S"
platforms:
  hpc:
    hosts: ["hpc01", "hpc02"]
    batch system: "slurm"
allow implicit tasks: true
`

func testSetup(t *testing.T) (*config.Config, *pool.Pool, *statedb.DB, *Manager) {
	t.Helper()
	cfg, err := config.Load([]byte(testYAML), config.ModeCylc8)
	require.NoError(t, err)

	p := pool.New(cfg, flow.NewAllocator())
	db, err := statedb.Open(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := platform.NewRegistry(platform.LocalRunner{})
	mgr := New(cfg, reg, db, t.TempDir())
	return cfg, p, db, mgr
}

func TestPrepareWritesWrapperScript(t *testing.T) {
	_, p, _, mgr := testSetup(t)
	flows := flow.NewSet(1)
	spawned := p.SpawnStart(flows)
	require.Len(t, spawned, 1)
	foo := spawned[0]

	spec, err := mgr.Prepare(context.Background(), foo, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost", spec.Host)

	contents, err := os.ReadFile(filepath.Join(spec.RunDir, "job.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "echo hello")
	assert.Contains(t, string(contents), "job.exit.1")
}

func TestPrepareResolvesPlatformHosts(t *testing.T) {
	cfg, p, _, mgr := testSetup(t)
	flows := flow.NewSet(1)
	p.SpawnStart(flows)
	barDef := cfg.TaskDefs["bar"]
	require.NotNil(t, barDef)

	spec, err := mgr.Prepare(context.Background(), &pool.TaskProxy{Def: barDef, Point: mustPoint(t, cfg, "1")}, 1, nil)
	require.NoError(t, err)
	assert.Contains(t, []string{"hpc01", "hpc02"}, spec.Host)
}

func TestEffectiveRuntimeAppliesMatchingBroadcast(t *testing.T) {
	cfg, _, _, _ := testSetup(t)
	rt := cfg.TaskDefs["foo"].Runtime
	broadcasts := []statedb.BroadcastRow{
		{PointGlob: "1", NameGlob: "foo", Key: "script", Value: "echo overridden"},
		{PointGlob: "2", NameGlob: "foo", Key: "script", Value: "echo wrong cycle"},
	}
	merged := effectiveRuntime(rt, "foo", "1", broadcasts)
	assert.Equal(t, "echo overridden", merged.Script)
}

func TestEffectiveRuntimeLeavesUnrelatedTasksAlone(t *testing.T) {
	cfg, _, _, _ := testSetup(t)
	rt := cfg.TaskDefs["foo"].Runtime
	broadcasts := []statedb.BroadcastRow{
		{PointGlob: "1", NameGlob: "bar", Key: "script", Value: "echo overridden"},
	}
	merged := effectiveRuntime(rt, "foo", "1", broadcasts)
	assert.Equal(t, "echo hello", merged.Script)
}

type fakeDriver struct {
	submitted []platform.JobSpec
	jobID     string
	status    platform.Status
	err       error
}

func (f *fakeDriver) Name() string { return "slurm" }
func (f *fakeDriver) Submit(ctx context.Context, spec platform.JobSpec) (string, error) {
	f.submitted = append(f.submitted, spec)
	if f.err != nil {
		return "", f.err
	}
	return f.jobID, nil
}
func (f *fakeDriver) Poll(ctx context.Context, spec platform.JobSpec, jobID string) (platform.Status, error) {
	return f.status, nil
}
func (f *fakeDriver) Kill(ctx context.Context, spec platform.JobSpec, jobID string) error { return nil }

func TestSubmitReturnsJobIDOnSuccess(t *testing.T) {
	cfg, p, db, mgr := testSetup(t)
	flows := flow.NewSet(1)
	p.SpawnStart(flows)
	barDef := cfg.TaskDefs["bar"]

	drv := &fakeDriver{jobID: "98765", status: platform.StatusRunning}
	mgr.registry.Register(drv)

	point := mustPoint(t, cfg, "1")
	px := &pool.TaskProxy{Def: barDef, Point: point, SubmitNum: 1}
	spec, err := mgr.Prepare(context.Background(), px, 1, nil)
	require.NoError(t, err)

	jobID, err := mgr.Submit(context.Background(), px, spec, barDef.Runtime)
	require.NoError(t, err)
	assert.Equal(t, "98765", jobID)
	require.Len(t, drv.submitted, 1)

	status, err := mgr.Poll(context.Background(), spec, jobID, "slurm")
	require.NoError(t, err)
	assert.Equal(t, platform.StatusRunning, status)

	_ = db
}

func TestApplyEmitsOutputAndSatisfiesDownstream(t *testing.T) {
	cfg, p, _, mgr := testSetup(t)
	flows := flow.NewSet(1)
	spawned := p.SpawnStart(flows)
	foo := spawned[0]
	foo.SubmitNum = 1

	_, err := mgr.Apply(context.Background(), p, Message{
		CyclePoint: "1",
		TaskName:   "foo",
		SubmitNum:  1,
		Output:     "succeeded",
		Time:       time.Now(),
	})
	require.NoError(t, err)

	bar, ok := p.Get("bar", mustPoint(t, cfg, "1"), flows)
	require.True(t, ok)
	assert.True(t, bar.Prereq.IsSatisfied())
}

func TestApplyRejectsStaleSubmitNumber(t *testing.T) {
	_, p, _, mgr := testSetup(t)
	flows := flow.NewSet(1)
	spawned := p.SpawnStart(flows)
	foo := spawned[0]
	foo.SubmitNum = 2

	_, err := mgr.Apply(context.Background(), p, Message{
		CyclePoint: "1",
		TaskName:   "foo",
		SubmitNum:  1,
		Output:     "succeeded",
		Time:       time.Now(),
	})
	assert.Error(t, err)
}

func TestApplyFailedSchedulesExecutionRetry(t *testing.T) {
	cfg, p, _, mgr := testSetup(t)
	point := mustPoint(t, cfg, "1")
	flows := flow.NewSet(1)
	px, err := p.RestoreProxy("flaky", point, flows, pool.StateRunning, false, 1)
	require.NoError(t, err)

	_, err = mgr.Apply(context.Background(), p, Message{
		CyclePoint: "1",
		TaskName:   "flaky",
		SubmitNum:  1,
		Output:     "failed",
		Time:       time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, pool.StateWaiting, px.State)
	assert.True(t, px.PendingRetry)
	assert.Equal(t, 1, px.TryNum)
	assert.False(t, px.CompletedOutputs["failed"], "a retrying attempt must not count as the terminal failed output")
}

func TestApplyFailedGoesTerminalWhenRetriesExhausted(t *testing.T) {
	cfg, p, _, mgr := testSetup(t)
	point := mustPoint(t, cfg, "1")
	flows := flow.NewSet(1)
	px, err := p.RestoreProxy("flaky", point, flows, pool.StateRunning, false, 3)
	require.NoError(t, err)
	px.TryNum = 2 // both configured retry delays already used

	_, err = mgr.Apply(context.Background(), p, Message{
		CyclePoint: "1",
		TaskName:   "flaky",
		SubmitNum:  3,
		Output:     "failed",
		Time:       time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, pool.StateFailed, px.State)
	assert.True(t, px.CompletedOutputs["failed"])
}

func mustPoint(t *testing.T, cfg *config.Config, s string) cycle.Point {
	t.Helper()
	p, err := cycle.ParsePoint(s, cfg.Calendar)
	require.NoError(t, err)
	return p
}
