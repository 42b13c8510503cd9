package pool

import (
	"fmt"
	"time"

	"github.com/cylc/cylc-flow-go/internal/config"
	"github.com/cylc/cylc-flow-go/internal/cycle"
	"github.com/cylc/cylc-flow-go/internal/flow"
	"github.com/cylc/cylc-flow-go/internal/graph"
	"github.com/cylc/cylc-flow-go/internal/prereq"
	"github.com/cylc/cylc-flow-go/internal/taskdef"
)

// flowKey scopes a Key by flow membership, since the same (name, point) may
// have an independent proxy per flow until two flows meet and merge.
type flowKey struct {
	Key
	flowTag string // a canonical string of the flow set's sorted numbers
}

// Pool is the active set of TaskProxies, plus the bookkeeping needed for
// spawn-on-demand and runahead enforcement.
type Pool struct {
	cfg   *config.Config
	cal   cycle.Calendar
	alloc *flow.Allocator

	proxies map[flowKey]*TaskProxy
}

// New builds an empty Pool bound to cfg.
func New(cfg *config.Config, alloc *flow.Allocator) *Pool {
	return &Pool{cfg: cfg, cal: cfg.Calendar, alloc: alloc, proxies: map[flowKey]*TaskProxy{}}
}

func makeFlowKey(name string, point cycle.Point, flows flow.Set) flowKey {
	return flowKey{Key: Key{Name: name, Point: point.String()}, flowTag: flowTag(flows)}
}

func flowTag(flows flow.Set) string {
	s := ""
	for _, n := range flows.Numbers() {
		s += fmt.Sprintf(",%d", n)
	}
	return s
}

// All returns every proxy currently in the pool, in no particular order.
func (p *Pool) All() []*TaskProxy {
	out := make([]*TaskProxy, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		out = append(out, proxy)
	}
	return out
}

// Get returns the proxy for (name, point) in the given flow set, if any.
func (p *Pool) Get(name string, point cycle.Point, flows flow.Set) (*TaskProxy, bool) {
	px, ok := p.proxies[makeFlowKey(name, point, flows)]
	return px, ok
}

// SpawnStart creates the initial proxies: every task whose recurrence
// produces the workflow's initial cycle point and which has no
// prerequisites of its own (a "start task").
func (p *Pool) SpawnStart(flows flow.Set) []*TaskProxy {
	var spawned []*TaskProxy
	if !p.cfg.HasInitialPoint {
		return spawned
	}
	for name, td := range p.cfg.TaskDefs {
		if len(td.Triggers.Clauses) != 0 {
			continue
		}
		for _, rec := range td.Recurrences {
			first, ok := rec.FirstOnOrAfter(p.cfg.InitialCyclePoint)
			if !ok || !first.Equal(p.cfg.InitialCyclePoint) {
				continue
			}
			px := p.spawnOrMerge(name, first, flows)
			spawned = append(spawned, px)
		}
	}
	return spawned
}

// spawnOrMerge returns the existing proxy for (name, point, flows) if one
// exists in an overlapping flow (merging flow sets), otherwise creates one.
func (p *Pool) spawnOrMerge(name string, point cycle.Point, flows flow.Set) *TaskProxy {
	for key, px := range p.proxies {
		if key.Name != name || key.Point != point.String() {
			continue
		}
		if flowsOverlapOrEmpty(px.Flows, flows) {
			merged := px.Flows.Merge(flows)
			delete(p.proxies, key)
			px.Flows = merged
			p.proxies[makeFlowKey(name, point, merged)] = px
			return px
		}
	}
	td := p.cfg.TaskDefs[name]
	px := NewTaskProxy(td, point, flows)
	px.Prereq = p.buildPrereq(td, point, td.Triggers)
	if p.cfg.Graph != nil {
		if st := p.cfg.Graph.SuicideTriggers[name]; len(st.Clauses) > 0 {
			px.SuicidePrereq = p.buildPrereq(td, point, st)
		}
	}
	p.proxies[makeFlowKey(name, point, flows)] = px
	return px
}

// RestoreProxy reinserts a proxy reconstructed from a persisted task_pool
// row directly into the pool, bypassing spawnOrMerge's trigger-derived
// prereq construction since the caller restores the exact Prereq and
// completed-outputs snapshot captured at checkpoint time.
func (p *Pool) RestoreProxy(name string, point cycle.Point, flows flow.Set, status State, held bool, submitNum int) (*TaskProxy, error) {
	td, ok := p.cfg.TaskDefs[name]
	if !ok {
		return nil, fmt.Errorf("pool: restore: unknown task %q", name)
	}
	px := NewTaskProxy(td, point, flows)
	px.State = status
	px.Held = held
	px.SubmitNum = submitNum
	p.proxies[makeFlowKey(name, point, flows)] = px
	return px, nil
}

func flowsOverlapOrEmpty(a, b flow.Set) bool {
	if a.IsEmpty() || b.IsEmpty() {
		return true
	}
	for _, n := range a.Numbers() {
		if b.Contains(n) {
			return true
		}
	}
	return false
}

// buildPrereq resolves a TriggerExpr's offsets relative to point into a
// concrete Prereq with absolute cycle points in each atom.
func (p *Pool) buildPrereq(owner *taskdef.TaskDef, point cycle.Point, expr taskdef.TriggerExpr) *prereq.Prereq {
	pr := prereq.New()
	for _, clause := range expr.Clauses {
		var atoms []prereq.Atom
		for _, atom := range clause {
			upstreamPoint, err := graph.OffsetPoint(point, atom.Offset, p.cal)
			if err != nil {
				continue // malformed offset resolves to "never": omit the atom entirely
			}
			if !p.pointInDomain(atom.TaskName, upstreamPoint) {
				continue // outside the upstream task's recurrence domain: "never"
			}
			atoms = append(atoms, prereq.Atom{Point: upstreamPoint, Name: atom.TaskName, Output: atom.Output})
		}
		pr.AddClause(atoms)
	}
	return pr
}

func (p *Pool) pointInDomain(taskName string, point cycle.Point) bool {
	td, ok := p.cfg.TaskDefs[taskName]
	if !ok {
		return false
	}
	if len(td.Recurrences) == 0 {
		return true // implicit tasks with no recurrence of their own: assume always valid
	}
	for _, rec := range td.Recurrences {
		if rec.IsValid(point) {
			return true
		}
	}
	return false
}

// SatisfyOutput applies (point, name, output) to every proxy's prereqs in
// the pool and spawns any downstream proxy that becomes newly referenced.
// Returns the newly spawned proxies.
func (p *Pool) SatisfyOutput(name string, point cycle.Point, output string, flows flow.Set) []*TaskProxy {
	atom := prereq.Atom{Point: point, Name: name, Output: output}
	upstream := p.proxies[makeFlowKey(name, point, flows)]
	var spawned []*TaskProxy
	for _, downName := range p.cfg.Graph.Downstream[name] {
		td, ok := p.cfg.TaskDefs[downName]
		if !ok {
			continue
		}
		for _, rec := range td.Recurrences {
			for _, candidate := range p.candidatePoints(rec, point) {
				px := p.spawnOrMerge(downName, candidate, flows)
				px.Prereq.Satisfy(atom)
				spawned = append(spawned, px)
				if upstream != nil {
					upstream.MarkDownstreamSpawned(downName)
				}
			}
		}
	}
	// also update any already-spawned proxy directly (covers the case
	// where the downstream proxy predates this output, e.g. restart).
	for _, px := range p.proxies {
		px.Prereq.Satisfy(atom)
		if px.SuicidePrereq != nil && px.SuicidePrereq.Satisfy(atom) {
			p.remove(px)
		}
	}
	return spawned
}

// candidatePoints returns the small set of points in rec whose declared
// inter-cycle offsets could plausibly reference upstreamPoint: the point
// itself, and the next few points in the recurrence. A full implementation
// would invert every distinct offset used in the graph; this spans the
// common case of zero or small fixed offsets.
func (p *Pool) candidatePoints(rec interface {
	FirstOnOrAfter(cycle.Point) (cycle.Point, bool)
	Next(cycle.Point) (cycle.Point, bool)
}, upstreamPoint cycle.Point) []cycle.Point {
	var out []cycle.Point
	cur, ok := rec.FirstOnOrAfter(upstreamPoint)
	for i := 0; ok && i < 3; i++ {
		out = append(out, cur)
		cur, ok = rec.Next(cur)
	}
	return out
}

func (p *Pool) remove(px *TaskProxy) {
	for key, existing := range p.proxies {
		if existing == px {
			delete(p.proxies, key)
			return
		}
	}
}

// ReadySet returns every proxy eligible to run this tick: waiting, not
// held, all prereqs satisfied, within the runahead window, and not
// currently delayed by a pending retry.
func (p *Pool) ReadySet(now time.Time) []*TaskProxy {
	minUnfinished, ok := p.minUnfinishedPoint()
	var ready []*TaskProxy
	for _, px := range p.proxies {
		if !px.IsReady(now) {
			continue
		}
		if ok && p.cfg.HasRunaheadLimit {
			limit, err := minUnfinished.Add(p.cfg.RunaheadLimit)
			if err == nil && px.Point.After(limit) {
				continue
			}
		}
		ready = append(ready, px)
	}
	return ready
}

// minUnfinishedPoint returns the earliest cycle point among proxies that
// have not yet finished, used as the runahead anchor. Incomplete-but-
// finished tasks still count as "unfinished" for this purpose in Cylc-8
// mode (they block runahead); in Cylc-7 compat mode they do not.
func (p *Pool) minUnfinishedPoint() (cycle.Point, bool) {
	var min cycle.Point
	found := false
	for _, px := range p.proxies {
		finished := (px.State == StateSucceeded && !px.IsIncomplete()) || px.State == StateExpired
		if p.cfg.Mode == config.ModeCylc7Compat && px.IsIncomplete() {
			finished = true
		}
		if finished {
			continue
		}
		if !found || px.Point.Before(min) {
			min, found = px.Point, true
		}
	}
	return min, found
}

// RemoveCompleted deletes every proxy that is complete and has already
// spawned all of its graph-declared downstream references, i.e. nothing in
// the pool still needs it for spawning. Returns the removed proxies so the
// caller can mirror the deletion into persistent storage.
func (p *Pool) RemoveCompleted() []*TaskProxy {
	var removed []*TaskProxy
	for key, px := range p.proxies {
		if !px.IsComplete() {
			continue
		}
		fullyPropagated := true
		for _, down := range p.cfg.Graph.Downstream[px.Def.Name] {
			if !px.HasSpawnedDownstream(down) {
				fullyPropagated = false
				break
			}
		}
		if fullyPropagated {
			delete(p.proxies, key)
			removed = append(removed, px)
		}
	}
	return removed
}

// IsStalled reports whether nothing is running and nothing is ready while
// the pool is non-empty.
func (p *Pool) IsStalled(now time.Time) bool {
	if len(p.proxies) == 0 {
		return false
	}
	for _, px := range p.proxies {
		if px.State == StateSubmitted || px.State == StatePreparing || px.State == StateRunning {
			return false
		}
	}
	return len(p.ReadySet(now)) == 0
}

// Trigger forces proxy (name, point) into the ready state immediately,
// optionally under a new flow number, implementing the operator `trigger`
// command.
func (p *Pool) Trigger(name string, point cycle.Point, newFlow bool) (*TaskProxy, error) {
	var flows flow.Set
	if newFlow {
		flows = flow.NewSet(p.alloc.New())
	} else {
		flows = flow.NewSet(1)
	}
	td, ok := p.cfg.TaskDefs[name]
	if !ok {
		return nil, fmt.Errorf("pool: unknown task %q", name)
	}
	px := p.spawnOrMerge(name, point, flows)
	px.Prereq = p.buildPrereq(td, point, taskdef.TriggerExpr{})
	px.Held = false
	if px.State != StatePreparing && px.State != StateSubmitted && px.State != StateRunning {
		px.State = StateWaiting
		px.PendingRetry = false
	}
	return px, nil
}
