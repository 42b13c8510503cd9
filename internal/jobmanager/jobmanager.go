// Package jobmanager drives one TaskProxy's job lifecycle: rendering its
// wrapper script, submitting it through internal/platform, polling for
// completion, and killing it on request, all under the submission/execution
// retry delays and per-platform concurrency/failover policy configured for
// its task.
//
// Grounded on the TaskExecutor/MultiTaskExecutor routing
// (services/orchestrator/task_executor.go): one manager dispatches to the
// concrete backend (there, an HTTP/script/policy TaskExecutor by task type;
// here, a platform.Driver by batch system), and on dag_engine.go's retry
// wrapping of task execution, replaced with internal/resilience's
// RetryDelays/RateLimiter/BreakerSet trio for the domain's explicit-delay-
// list and per-platform-concurrency semantics.
package jobmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cylc/cylc-flow-go/internal/config"
	"github.com/cylc/cylc-flow-go/internal/platform"
	"github.com/cylc/cylc-flow-go/internal/pool"
	"github.com/cylc/cylc-flow-go/internal/resilience"
	"github.com/cylc/cylc-flow-go/internal/statedb"
	"github.com/cylc/cylc-flow-go/internal/taskdef"
)

// Manager owns everything needed to prepare, submit, poll, and kill jobs
// for proxies drawn from a single workflow run.
type Manager struct {
	cfg      *config.Config
	registry *platform.Registry
	db       *statedb.DB
	runDir   string
	pickHost func(n int) int // injected for deterministic platform-group/host selection in tests
	limiters map[string]*resilience.RateLimiter
	breakers *resilience.BreakerSet
}

// New builds a Manager. runDir is the workflow's run directory; each job's
// own directory is runDir/cycle/name/NN.
func New(cfg *config.Config, registry *platform.Registry, db *statedb.DB, runDir string) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		db:       db,
		runDir:   runDir,
		pickHost: config.RandomPlatformPicker(),
		limiters: map[string]*resilience.RateLimiter{},
		breakers: resilience.NewBreakerSet(time.Minute),
	}
}

func (m *Manager) limiterFor(platformName string) *resilience.RateLimiter {
	if l, ok := m.limiters[platformName]; ok {
		return l
	}
	limit := int64(4)
	if p, ok := m.cfg.Platforms[platformName]; ok && p.MaxParallelSubmits > 0 {
		limit = int64(p.MaxParallelSubmits)
	}
	l := resilience.NewRateLimiter(limit, float64(limit)/10)
	m.limiters[platformName] = l
	return l
}

// jobDir returns the directory a proxy's job files live in for submitNum.
func (m *Manager) jobDir(px *pool.TaskProxy, submitNum int) string {
	return filepath.Join(m.runDir, px.Point.String(), px.Def.Name, fmt.Sprintf("%02d", submitNum))
}

// Prepare renders the job's wrapper script to disk and returns the
// platform.JobSpec ready for Submit. The wrapper script sources env-script,
// runs pre-script, the task's own script, post-script, and finally records
// its exit code to job.exit.N for Driver.Poll's fallback path.
func (m *Manager) Prepare(ctx context.Context, px *pool.TaskProxy, submitNum int, broadcasts []statedb.BroadcastRow) (platform.JobSpec, error) {
	rt := effectiveRuntime(px.Def.Runtime, px.Def.Name, px.Point.String(), broadcasts)

	platformName, err := m.cfg.ResolvePlatformName(rt.Platform, m.pickHost)
	if err != nil {
		return platform.JobSpec{}, fmt.Errorf("jobmanager: %s: %w", px.Def.Name, err)
	}
	p, ok := m.cfg.Platforms[platformName]
	if !ok {
		p = config.Platform{Name: platformName, Hosts: []string{platformName}, BatchSystem: "background"}
	}

	dir := m.jobDir(px, submitNum)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return platform.JobSpec{}, fmt.Errorf("jobmanager: mkdir %s: %w", dir, err)
	}
	runUUID, err := m.db.RunUUID(ctx)
	if err != nil {
		return platform.JobSpec{}, fmt.Errorf("jobmanager: %w", err)
	}
	script := renderWrapperScript(rt, submitNum, runUUID)
	if err := os.WriteFile(filepath.Join(dir, "job.sh"), []byte(script), 0o755); err != nil {
		return platform.JobSpec{}, fmt.Errorf("jobmanager: write job.sh: %w", err)
	}

	host := m.selectHost(p)
	return platform.JobSpec{
		CyclePoint: px.Point.String(),
		TaskName:   px.Def.Name,
		SubmitNum:  submitNum,
		RunDir:     dir,
		Script:     script,
		Directives: rt.Directives,
		Host:       host,
	}, nil
}

// selectHost walks p.Hosts in order, skipping any whose circuit breaker is
// currently open, implementing platform host failover (§4.7): the first
// healthy host wins, exactly as HostBreaker.Allow gates a retry attempt in
// the adapted resilience package.
func (m *Manager) selectHost(p config.Platform) string {
	for _, h := range p.Hosts {
		if m.breakers.For(h).Allow() {
			return h
		}
	}
	if len(p.Hosts) > 0 {
		return p.Hosts[0]
	}
	return "localhost"
}

func renderWrapperScript(rt taskdef.Runtime, submitNum int, runUUID string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -u\n")
	fmt.Fprintf(&b, "export CYLC_WORKFLOW_RUN_UUID=%q\n", runUUID)
	if rt.EnvScript != "" {
		b.WriteString(rt.EnvScript)
		b.WriteString("\n")
	}
	for k, v := range rt.Environment {
		fmt.Fprintf(&b, "export %s=%q\n", k, v)
	}
	if rt.PreScript != "" {
		b.WriteString(rt.PreScript)
		b.WriteString("\n")
	}
	b.WriteString(rt.Script)
	b.WriteString("\n")
	fmt.Fprintf(&b, "__exit=$?\n")
	if rt.PostScript != "" {
		b.WriteString(rt.PostScript)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "echo $__exit > job.exit.%d\nexit $__exit\n", submitNum)
	return b.String()
}

// effectiveRuntime merges active broadcasts matching (point, name) into the
// task's static runtime settings, last-registered-wins, implementing the
// runtime-override-table semantics of Cylc broadcast.
func effectiveRuntime(rt taskdef.Runtime, name, point string, broadcasts []statedb.BroadcastRow) taskdef.Runtime {
	merged := rt
	merged.Environment = cloneMap(rt.Environment)
	merged.Directives = cloneMap(rt.Directives)
	for _, b := range broadcasts {
		if !globMatch(b.PointGlob, point) || !globMatch(b.NameGlob, name) {
			continue
		}
		switch b.Key {
		case "script":
			merged.Script = b.Value
		case "platform":
			merged.Platform = b.Value
		default:
			merged.Environment[b.Key] = b.Value
		}
	}
	return merged
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func globMatch(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, _ := filepath.Match(pattern, value)
	return ok
}

// Submit submits a prepared job, retrying per the task's submission retry
// delays, recording the attempt in StateDB and returning the assigned job
// id on success.
func (m *Manager) Submit(ctx context.Context, px *pool.TaskProxy, spec platform.JobSpec, rt taskdef.Runtime) (string, error) {
	d, err := m.registry.Get(platformBatchSystem(m.cfg, spec.Host))
	if err != nil {
		return "", err
	}
	platformName := spec.Host
	for name, p := range m.cfg.Platforms {
		for _, h := range p.Hosts {
			if h == spec.Host {
				platformName = name
			}
		}
	}
	limiter := m.limiterFor(platformName)
	for !limiter.Allow() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer limiter.Release(1)

	jobID, err := resilience.RetryDelays(ctx, rt.SubmissionRetryDelays, func(attempt int) (string, error) {
		id, err := d.Submit(ctx, spec)
		if err != nil {
			m.breakers.For(spec.Host).RecordFailure()
			return "", err
		}
		m.breakers.For(spec.Host).RecordSuccess()
		return id, nil
	})
	now := time.Now().UTC().Format(time.RFC3339Nano)
	record := statedb.JobRecord{
		Cycle: spec.CyclePoint, Name: spec.TaskName, SubmitNum: spec.SubmitNum,
		Platform: spec.Host, TryNum: 1, TimeSubmit: now, RunStatus: -1,
	}
	if err != nil {
		if recErr := m.db.RecordJob(ctx, record); recErr != nil {
			return "", fmt.Errorf("jobmanager: submit failed (%w) and record failed: %v", err, recErr)
		}
		return "", fmt.Errorf("jobmanager: submit %s: %w", spec.TaskName, err)
	}
	record.JobID = jobID
	if err := m.db.RecordJob(ctx, record); err != nil {
		return "", err
	}
	return jobID, nil
}

func platformBatchSystem(cfg *config.Config, host string) string {
	for _, p := range cfg.Platforms {
		for _, h := range p.Hosts {
			if h == host {
				return p.BatchSystem
			}
		}
	}
	return "background"
}

// Poll checks a job's current status via its platform driver and returns
// that status; deciding whether to retry or resubmit is left to the caller.
func (m *Manager) Poll(ctx context.Context, spec platform.JobSpec, jobID, batchSystem string) (platform.Status, error) {
	d, err := m.registry.Get(batchSystem)
	if err != nil {
		return platform.StatusUnknown, err
	}
	return d.Poll(ctx, spec, jobID)
}

// Kill requests termination of a running job.
func (m *Manager) Kill(ctx context.Context, spec platform.JobSpec, jobID, batchSystem string) error {
	d, err := m.registry.Get(batchSystem)
	if err != nil {
		return err
	}
	return d.Kill(ctx, spec, jobID)
}
