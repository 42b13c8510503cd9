package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylc/cylc-flow-go/internal/config"
	"github.com/cylc/cylc-flow-go/internal/flow"
)

const basicYAML = `
scheduling:
  initial cycle point: "1"
  graph:
    "R/1/P1": "foo => bar"
allow implicit tasks: true
`

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load([]byte(basicYAML), config.ModeCylc8)
	require.NoError(t, err)
	return cfg
}

func TestSpawnStartCreatesOnlyRootTasks(t *testing.T) {
	cfg := loadTestConfig(t)
	p := New(cfg, flow.NewAllocator())
	flows := flow.NewSet(1)

	spawned := p.SpawnStart(flows)
	require.Len(t, spawned, 1)
	assert.Equal(t, "foo", spawned[0].Def.Name)
	assert.True(t, spawned[0].Prereq.IsSatisfied(), "a start task has no prerequisites")
}

func TestSatisfyOutputSpawnsDownstream(t *testing.T) {
	cfg := loadTestConfig(t)
	p := New(cfg, flow.NewAllocator())
	flows := flow.NewSet(1)

	started := p.SpawnStart(flows)
	foo := started[0]
	spawned := p.SatisfyOutput("foo", foo.Point, "succeeded", flows)
	require.NotEmpty(t, spawned)
	assert.Equal(t, "bar", spawned[0].Def.Name)
	assert.True(t, spawned[0].Prereq.IsSatisfied())
}

func TestReadySetRespectsHeld(t *testing.T) {
	cfg := loadTestConfig(t)
	p := New(cfg, flow.NewAllocator())
	flows := flow.NewSet(1)
	spawned := p.SpawnStart(flows)
	spawned[0].Held = true

	ready := p.ReadySet(time.Now())
	assert.Empty(t, ready)
}

func TestIsStalledWhenNothingReady(t *testing.T) {
	cfg := loadTestConfig(t)
	p := New(cfg, flow.NewAllocator())
	flows := flow.NewSet(1)
	spawned := p.SpawnStart(flows)
	spawned[0].Held = true

	assert.True(t, p.IsStalled(time.Now()))
}

func TestRemoveCompletedDeletesFinishedFullyPropagated(t *testing.T) {
	cfg := loadTestConfig(t)
	p := New(cfg, flow.NewAllocator())
	flows := flow.NewSet(1)
	spawned := p.SpawnStart(flows)
	foo := spawned[0]
	foo.EmitOutput("succeeded")
	p.SatisfyOutput("foo", foo.Point, "succeeded", flows)

	p.RemoveCompleted()
	_, ok := p.Get("foo", foo.Point, flows)
	assert.False(t, ok)
}
