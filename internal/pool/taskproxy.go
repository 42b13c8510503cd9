// Package pool implements the active TaskPool: TaskProxy state, spawn-on-
// demand, runahead enforcement, flow tracking, and ready-proxy selection.
// Grounded on services/orchestrator/dag_engine.go's DAGEngine:
// TaskStatus as a small string enum and a ready set, generalized from
// one-shot DAG execution to an indefinitely cycling graph. The engine's
// worker pool is not carried over: ReadySet returns the ready proxies and
// the scheduler's tick submits them one at a time.
package pool

import (
	"time"

	"github.com/cylc/cylc-flow-go/internal/cycle"
	"github.com/cylc/cylc-flow-go/internal/flow"
	"github.com/cylc/cylc-flow-go/internal/prereq"
	"github.com/cylc/cylc-flow-go/internal/taskdef"
)

// State is a TaskProxy's lifecycle state.
type State string

const (
	StateWaiting      State = "waiting"
	StatePreparing    State = "preparing"
	StateSubmitted    State = "submitted"
	StateRunning      State = "running"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateSubmitFailed State = "submit-failed"
	StateExpired      State = "expired"
)

// TaskProxy is a specific instance (taskName, cyclePoint, flowSet,
// submitNum).
type TaskProxy struct {
	Def       *taskdef.TaskDef
	Point     cycle.Point
	Flows     flow.Set
	SubmitNum int

	State State
	Held  bool

	Prereq          *prereq.Prereq
	SuicidePrereq   *prereq.Prereq // nil if the task has no suicide trigger
	CompletedOutputs map[string]bool

	Platform string

	TryNum        int
	SubmitTryNum  int
	NextRetryTime time.Time
	PendingRetry  bool

	spawnedDownstream map[string]bool // downstream (name) already spawned from this proxy's outputs
}

// Key uniquely identifies a proxy within one flow: (name, point). Multiple
// flows may each have their own proxy for the same key, merged when they
// meet (see Pool.spawnOrMerge).
type Key struct {
	Name  string
	Point string // cycle.Point.String(); used as the map key since Point isn't natively comparable across kinds
}

// NewTaskProxy builds a fresh, unsatisfied TaskProxy for def at point in the
// given flow(s).
func NewTaskProxy(def *taskdef.TaskDef, point cycle.Point, flows flow.Set) *TaskProxy {
	return &TaskProxy{
		Def:               def,
		Point:             point,
		Flows:             flows,
		SubmitNum:         0,
		State:             StateWaiting,
		Prereq:            prereq.New(),
		CompletedOutputs:  map[string]bool{},
		spawnedDownstream: map[string]bool{},
	}
}

// IsReady reports whether the proxy may be submitted this tick: waiting,
// not held, prereqs satisfied, and no pending retry delay still running.
func (p *TaskProxy) IsReady(now time.Time) bool {
	if p.State != StateWaiting || p.Held {
		return false
	}
	if p.PendingRetry && now.Before(p.NextRetryTime) {
		return false
	}
	return p.Prereq.IsSatisfied()
}

// EmitOutput records that name has completed, satisfying downstream
// prerequisites that reference it; terminal outputs (succeeded/failed) also
// update State.
func (p *TaskProxy) EmitOutput(name string) {
	p.CompletedOutputs[name] = true
	switch name {
	case taskdef.OutputSucceeded:
		p.State = StateSucceeded
	case taskdef.OutputFailed:
		p.State = StateFailed
	case taskdef.OutputSubmitFailed:
		p.State = StateSubmitFailed
	case taskdef.OutputExpired:
		p.State = StateExpired
	}
}

// IsComplete reports whether every required output has been emitted, or
// the proxy has expired.
func (p *TaskProxy) IsComplete() bool {
	if p.State == StateExpired {
		return true
	}
	for _, name := range p.Def.RequiredOutputs() {
		if !p.CompletedOutputs[name] {
			return false
		}
	}
	return true
}

// IsIncomplete reports whether the proxy has finished (reached a terminal
// state) but is missing a required output — Cylc-8's "incomplete task"
// concept, which blocks runahead unless back-compat mode is active.
func (p *TaskProxy) IsIncomplete() bool {
	terminal := p.State == StateSucceeded || p.State == StateFailed || p.State == StateSubmitFailed
	return terminal && !p.IsComplete()
}

// ScheduleExecutionRetry resets a failed proxy to wait for a future
// resubmission instead of going terminal: TryNum counts completed attempts
// and indexes Runtime.ExecutionRetryDelays for the delay before the next
// one, mirroring the submission-retry delay list's own semantics.
func (p *TaskProxy) ScheduleExecutionRetry(delay time.Duration, now time.Time) {
	p.TryNum++
	p.State = StateWaiting
	p.PendingRetry = true
	p.NextRetryTime = now.Add(delay)
}

// MarkDownstreamSpawned records that a downstream task has already been
// spawned from this proxy's outputs, so repeated ticks don't re-spawn it.
func (p *TaskProxy) MarkDownstreamSpawned(name string) { p.spawnedDownstream[name] = true }

// HasSpawnedDownstream reports whether name was already spawned from this
// proxy.
func (p *TaskProxy) HasSpawnedDownstream(name string) bool { return p.spawnedDownstream[name] }
