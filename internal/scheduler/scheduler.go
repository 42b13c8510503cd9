// Package scheduler runs the single-threaded main loop that owns all task
// state: draining commands, applying job messages, spawning downstream
// tasks, submitting ready tasks, enforcing runahead and queue limits, and
// detecting stall.
//
// Grounded on services/orchestrator/scheduler.go's Scheduler:
// a cron.Cron (seconds precision) drives a fixed-cadence callback, and
// counters/histograms are registered against an otel Meter the same way.
// There, cron drives whole scheduled workflow runs; here the same
// cron.AddFunc("@every 1s", ...) shape drives one indefinitely-repeating
// tick instead. Cancellation of in-flight job operations is grounded on
// cancellation.go's CancellationManager, reduced from a workflow-execution
// registry to a per-(task, submit) context registry since a job submission
// or poll is this scheduler's unit of cancellable work.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cylc/cylc-flow-go/internal/config"
	"github.com/cylc/cylc-flow-go/internal/cycle"
	"github.com/cylc/cylc-flow-go/internal/flow"
	"github.com/cylc/cylc-flow-go/internal/jobmanager"
	"github.com/cylc/cylc-flow-go/internal/obsinit"
	"github.com/cylc/cylc-flow-go/internal/platform"
	"github.com/cylc/cylc-flow-go/internal/pool"
	"github.com/cylc/cylc-flow-go/internal/statedb"
)

// jobState is the scheduler's bookkeeping for one in-flight job, keyed by
// (name, point, submitNum); it tracks the platform/host/driver/job id
// needed to poll or kill it without re-deriving them every tick.
type jobState struct {
	spec        platform.JobSpec
	jobID       string
	batchSystem string
	cancel      context.CancelFunc
}

// Scheduler is the single coordinating goroutine for one running workflow.
type Scheduler struct {
	mu sync.Mutex

	cfg    *config.Config
	pool   *pool.Pool
	jm     *jobmanager.Manager
	db     *statedb.DB
	alloc  *flow.Allocator
	runDir string

	metrics obsinit.SchedulerMetrics

	cron *cron.Cron

	commands chan Command
	messages chan jobmanager.Message

	jobs map[string]*jobState // key: jobKey(name, point, submitNum)

	paused      bool
	held        bool
	stopping    bool
	stopKill    bool
	stalledAt   time.Time
	isStalled   bool
	stallReason string

	checkpointEvery int
	tickCount       int
}

// New builds a Scheduler ready to Run. The pool and db must already be
// opened/primed by the caller (restart recovery, if any, happens before
// this point).
func New(cfg *config.Config, p *pool.Pool, jm *jobmanager.Manager, db *statedb.DB, alloc *flow.Allocator, runDir string, metrics obsinit.SchedulerMetrics) *Scheduler {
	return &Scheduler{
		cfg:             cfg,
		pool:            p,
		jm:              jm,
		db:              db,
		alloc:           alloc,
		runDir:          runDir,
		metrics:         metrics,
		cron:            cron.New(cron.WithSeconds()),
		commands:        make(chan Command, 256),
		messages:        make(chan jobmanager.Message, 1024),
		jobs:            map[string]*jobState{},
		checkpointEvery: 60,
	}
}

func jobKey(name, point string, submitNum int) string {
	return fmt.Sprintf("%s.%s.%02d", name, point, submitNum)
}

// Submit enqueues a command for the next tick. Safe to call from any
// goroutine (the control surface, the CLI bridge).
func (s *Scheduler) Submit(cmd Command) { s.commands <- cmd }

// Inbox returns the channel job-message intake publishes decoded messages
// to; internal/messaging's Subscribe handler writes here.
func (s *Scheduler) Inbox() chan<- jobmanager.Message { return s.messages }

// Run drives the scheduler until ctx is cancelled or a stop command
// completes shutdown. It writes and removes the contact file around the
// run, per the external-interfaces contract.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := WriteContactFile(s.runDir, ContactInfo{
		Host: hostname(),
		PID:  currentPID(),
		API:  "cylc-scheduler-go/1",
	}); err != nil {
		return fmt.Errorf("scheduler: write contact file: %w", err)
	}
	defer RemoveContactFile(s.runDir)

	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := s.cron.AddFunc("@every 1s", func() { s.Step(tickCtx) }); err != nil {
		return fmt.Errorf("scheduler: schedule tick: %w", err)
	}
	s.cron.Start()
	slog.Info("scheduler started", "run_dir", s.runDir)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
			s.mu.Lock()
			done = s.stopping && (len(s.jobs) == 0 || s.stopKill)
			s.mu.Unlock()
		}
	}
	s.killIfRequested(context.Background())
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	if err := s.db.Checkpoint(context.Background(), "shutdown"); err != nil {
		slog.Error("final checkpoint failed", "error", err)
	}
	slog.Info("scheduler stopped")
	return nil
}

// Step runs exactly one scheduling cycle and returns once it has completed.
// Run's cron callback calls this every second; exported so tests and the
// control surface's synchronous command handlers can drive (or wait out) a
// cycle deterministically without sleeping past the real cron cadence.
func (s *Scheduler) Step(ctx context.Context) { s.tick(ctx) }

// tick runs one scheduling cycle. Grounded on the eight-step sequence:
// drain commands, apply messages, flip retry timers, spawn downstream
// (folded into message application via Pool.SatisfyOutput), compute and
// submit the ready set, enforce runahead/queues, detect stall, checkpoint.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := start

	s.drainCommands(ctx)
	if s.stopping && len(s.jobs) == 0 {
		return
	}

	s.drainMessages(ctx)
	s.flipRetryTimers(now)

	if !s.paused && !s.held && !s.stopping {
		s.submitReady(ctx, now)
	}

	s.persistPool(ctx)

	removed := s.pool.RemoveCompleted()
	if len(removed) > 0 {
		s.metrics.TaskRemovals.Add(ctx, int64(len(removed)))
		for _, px := range removed {
			if err := s.db.RemoveTaskPool(ctx, px.Point.String(), px.Def.Name, formatFlows(px.Flows.Numbers())); err != nil {
				slog.Error("remove task_pool row failed", "task", px.Def.Name, "cycle", px.Point.String(), "error", err)
			}
		}
	}
	s.updateStall(now)

	s.tickCount++
	if s.tickCount%s.checkpointEvery == 0 {
		if err := s.db.Checkpoint(ctx, "periodic"); err != nil {
			slog.Error("periodic checkpoint failed", "error", err)
		}
	}

	s.metrics.TickDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	s.metrics.ReadyQueueGauge.Record(ctx, int64(len(s.pool.ReadySet(now))))
}

// persistPool snapshots every live proxy's pool row, completed-output set,
// and prerequisite satisfaction state to StateDB, so a restart's LoadPool
// call has up-to-date rows to rebuild the in-memory Pool from. Run once per
// tick after commands/messages/submissions have applied their state changes;
// a failed write is logged and skipped rather than aborting the tick, since
// the in-memory pool remains the source of truth until the next checkpoint.
func (s *Scheduler) persistPool(ctx context.Context) {
	for _, px := range s.pool.All() {
		cyclePoint := px.Point.String()
		flowTag := formatFlows(px.Flows.Numbers())
		if err := s.db.UpsertTaskPool(ctx, cyclePoint, px.Def.Name, flowTag, string(px.State), px.Held, px.SubmitNum); err != nil {
			slog.Error("persist task_pool row failed", "task", px.Def.Name, "cycle", cyclePoint, "error", err)
			continue
		}
		if err := s.db.RecordOutputs(ctx, cyclePoint, px.Def.Name, flowTag, px.CompletedOutputs); err != nil {
			slog.Error("persist task outputs failed", "task", px.Def.Name, "cycle", cyclePoint, "error", err)
		}
		snap := px.Prereq.Snapshot()
		snapJSON, err := json.Marshal(snap)
		if err != nil {
			slog.Error("marshal prerequisite snapshot failed", "task", px.Def.Name, "cycle", cyclePoint, "error", err)
			continue
		}
		if err := s.db.RecordPrerequisites(ctx, cyclePoint, px.Def.Name, flowTag, px.Prereq.ClauseSizes(), snapJSON); err != nil {
			slog.Error("persist prerequisites failed", "task", px.Def.Name, "cycle", cyclePoint, "error", err)
		}
	}
}

func formatFlows(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func (s *Scheduler) drainMessages(ctx context.Context) {
	for {
		select {
		case msg := <-s.messages:
			spawned, err := s.jm.Apply(ctx, s.pool, msg)
			if err != nil {
				slog.Warn("dropping job message", "task", msg.TaskName, "error", err)
				continue
			}
			s.metrics.JobPolls.Add(ctx, 1)
			if len(spawned) > 0 {
				s.metrics.TaskSpawns.Add(ctx, int64(len(spawned)))
			}
			if msg.Output != "" {
				delete(s.jobs, jobKey(msg.TaskName, msg.CyclePoint, msg.SubmitNum))
			}
		default:
			return
		}
	}
}

// flipRetryTimers moves any proxy whose submission/execution retry delay
// has elapsed back from "pending retry" to ready-for-resubmission.
func (s *Scheduler) flipRetryTimers(now time.Time) {
	for _, px := range s.pool.All() {
		if px.PendingRetry && !now.Before(px.NextRetryTime) {
			px.PendingRetry = false
			px.State = pool.StateWaiting
		}
	}
}

// submitReady computes the ready set, applies per-queue concurrency
// limits, and asks JobManager to prepare+submit each admitted proxy.
func (s *Scheduler) submitReady(ctx context.Context, now time.Time) {
	ready := s.pool.ReadySet(now)
	admitted := s.applyQueueLimits(ready)

	broadcasts, err := s.db.ActiveBroadcasts(ctx)
	if err != nil {
		slog.Error("load broadcasts failed", "error", err)
		broadcasts = nil
	}

	for _, px := range admitted {
		px.State = pool.StatePreparing
		px.SubmitNum++
		spec, err := s.jm.Prepare(ctx, px, px.SubmitNum, broadcasts)
		if err != nil {
			slog.Error("prepare failed", "task", px.Def.Name, "cycle", px.Point.String(), "error", err)
			px.State = pool.StateSubmitFailed
			s.metrics.JobSubmitFails.Add(ctx, 1)
			continue
		}
		jobCtx, cancel := context.WithCancel(ctx)
		jobID, err := s.jm.Submit(jobCtx, px, spec, px.Def.Runtime)
		if err != nil {
			cancel()
			slog.Error("submit failed", "task", px.Def.Name, "cycle", px.Point.String(), "error", err)
			px.EmitOutput("submit-failed")
			s.metrics.JobSubmitFails.Add(ctx, 1)
			continue
		}
		px.State = pool.StateSubmitted
		s.metrics.JobSubmissions.Add(ctx, 1)
		s.jobs[jobKey(px.Def.Name, px.Point.String(), px.SubmitNum)] = &jobState{
			spec: spec, jobID: jobID, batchSystem: batchSystemOf(s.cfg, spec.Host), cancel: cancel,
		}
	}
}

func batchSystemOf(cfg *config.Config, host string) string {
	for _, p := range cfg.Platforms {
		for _, h := range p.Hosts {
			if h == host {
				return p.BatchSystem
			}
		}
	}
	return "background"
}

// applyQueueLimits filters ready by [scheduling][queues] member limits: a
// queue bounds the number of its member tasks that may be concurrently
// submitted+running at once, regardless of readiness.
func (s *Scheduler) applyQueueLimits(ready []*pool.TaskProxy) []*pool.TaskProxy {
	if len(s.cfg.Queues) == 0 {
		return ready
	}
	inFlight := map[string]int{}
	for _, px := range s.pool.All() {
		if px.State == pool.StatePreparing || px.State == pool.StateSubmitted || px.State == pool.StateRunning {
			if q := s.queueFor(px.Def.Name); q != "" {
				inFlight[q]++
			}
		}
	}
	var admitted []*pool.TaskProxy
	for _, px := range ready {
		q := s.queueFor(px.Def.Name)
		if q == "" {
			admitted = append(admitted, px)
			continue
		}
		limit := s.cfg.Queues[q].Limit
		if limit <= 0 || inFlight[q] < limit {
			admitted = append(admitted, px)
			inFlight[q]++
		}
	}
	return admitted
}

func (s *Scheduler) queueFor(taskName string) string {
	for name, q := range s.cfg.Queues {
		for _, m := range q.Members {
			if m == taskName {
				return name
			}
		}
	}
	return ""
}

// updateStall detects and clears the stalled condition. Once it has
// persisted longer than the configured stall timeout it records the stall
// reason, and raises shutdown only when abort on stall timeout is set.
func (s *Scheduler) updateStall(now time.Time) {
	stalled := s.pool.IsStalled(now)
	if !stalled {
		s.isStalled = false
		return
	}
	if !s.isStalled {
		s.isStalled = true
		s.stalledAt = now
		s.metrics.StallEvents.Add(context.Background(), 1)
		slog.Warn("workflow stalled", "since", now)
		return
	}
	if s.cfg.StallTimeout > 0 && now.Sub(s.stalledAt) > s.cfg.StallTimeout {
		s.stallReason = "stall timeout exceeded"
		if s.cfg.AbortOnStallTimeout {
			s.stopping = true
			slog.Error("aborting workflow: stall timeout exceeded")
		}
	}
}

func (s *Scheduler) killIfRequested(ctx context.Context) {
	if !s.stopKill {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, js := range s.jobs {
		if err := s.jm.Kill(ctx, js.spec, js.jobID, js.batchSystem); err != nil {
			slog.Warn("kill failed on shutdown", "job", key, "error", err)
		}
		js.cancel()
	}
}

func (s *Scheduler) findProxy(name string, point cycle.Point) *pool.TaskProxy {
	for _, px := range s.pool.All() {
		if px.Def.Name == name && px.Point.Equal(point) {
			return px
		}
	}
	return nil
}
