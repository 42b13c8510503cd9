// Package platform dispatches job submission, polling, and kill commands to
// a specific batch system on a specific host, optionally over SSH.
//
// Grounded on the PluginExecutor/PluginRegistry pattern
// (services/orchestrator/plugins.go): one small interface implemented once
// per backend kind, looked up by a string key in a registry built at
// startup. Here the backend kind is a batch system (background, at, slurm,
// pbs, lsf, moab, loadleveler, generic) instead of a task-execution
// transport (http, python, grpc, ...), and Execute's single call becomes
// three (Submit/Poll/Kill) since job lifecycle has more phases than a
// one-shot plugin invocation.
package platform

import (
	"context"
	"fmt"
	"time"
)

// Status is a batch system's notion of job state, translated by JobManager
// into TaskProxy output emissions.
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// JobSpec carries everything a Driver needs to submit one job: the rendered
// wrapper script, the working/log directory layout, and batch-system
// directives passed through verbatim.
type JobSpec struct {
	CyclePoint string
	TaskName   string
	SubmitNum  int
	RunDir     string // job's own run directory, already populated with job.sh etc.
	Script     string // contents of job.sh, the wrapper script to execute
	Directives map[string]string
	Host       string
}

// Driver submits, polls, and kills jobs for one batch system kind on one
// host. Implementations execute commands either locally (background.go) or
// over SSH (ssh.go wraps any Driver's Runner).
type Driver interface {
	// Submit starts spec's job and returns the batch system's job id.
	Submit(ctx context.Context, spec JobSpec) (jobID string, err error)
	// Poll reports the current status of a previously submitted job.
	Poll(ctx context.Context, spec JobSpec, jobID string) (Status, error)
	// Kill requests termination of a running job.
	Kill(ctx context.Context, spec JobSpec, jobID string) error
	// Name returns the batch system identifier used in [platforms]
	// "batch system" fields and task_jobs rows.
	Name() string
}

// Registry maps a batch system name to its Driver, built once at startup
// the way a PluginRegistry registers its built-in plugins.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry builds a Registry with every built-in batch-system driver
// registered under its conventional Cylc name.
func NewRegistry(runner CommandRunner) *Registry {
	r := &Registry{drivers: map[string]Driver{}}
	r.Register(NewBackgroundDriver(runner))
	r.Register(NewAtDriver(runner))
	for _, spec := range builtinBatchSystems {
		r.Register(newTemplateDriver(runner, spec))
	}
	return r
}

// Register adds or replaces the driver for its own Name().
func (r *Registry) Register(d Driver) { r.drivers[d.Name()] = d }

// Get looks up a driver by batch system name.
func (r *Registry) Get(name string) (Driver, error) {
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("platform: unknown batch system %q", name)
	}
	return d, nil
}

// PollBackoff computes a doubling-with-cap poll interval sequence (1s, 2s,
// 4s, ... capped at 2m). Nothing in the scheduler calls it: jobs are polled
// only on an operator poll command, not on a timer.
func PollBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 2*time.Minute {
		d = 2 * time.Minute
	}
	return d
}
