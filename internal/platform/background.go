package platform

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// backgroundDriver is the "background" batch system: a plain detached
// process, job id is the OS pid. Mirrors the ShellPlugin
// (services/orchestrator/plugins.go) in spirit — run a script, capture
// stdout/stderr — generalized to a detach-and-track-by-pid lifecycle since
// a task's job must outlive the submitting call.
type backgroundDriver struct {
	runner CommandRunner
}

// NewBackgroundDriver builds the "background" Driver.
func NewBackgroundDriver(runner CommandRunner) Driver { return &backgroundDriver{runner: runner} }

func (d *backgroundDriver) Name() string { return "background" }

func (d *backgroundDriver) Submit(ctx context.Context, spec JobSpec) (string, error) {
	out := filepath.Join(spec.RunDir, fmt.Sprintf("job.out.%d", spec.SubmitNum))
	errf := filepath.Join(spec.RunDir, fmt.Sprintf("job.err.%d", spec.SubmitNum))
	script := filepath.Join(spec.RunDir, "job.sh")
	shellCmd := fmt.Sprintf("nohup sh %q >%q 2>%q </dev/null & echo $!", script, out, errf)
	stdout, stderr, err := d.runner.Run(ctx, spec.Host, []string{"sh", "-c", shellCmd}, "")
	if err != nil {
		return "", fmt.Errorf("platform: background submit: %w: %s", err, stderr)
	}
	pid := strings.TrimSpace(stdout)
	if _, err := strconv.Atoi(pid); err != nil {
		return "", fmt.Errorf("platform: background submit: unexpected pid output %q", stdout)
	}
	return pid, nil
}

func (d *backgroundDriver) Poll(ctx context.Context, spec JobSpec, jobID string) (Status, error) {
	_, _, err := d.runner.Run(ctx, spec.Host, []string{"kill", "-0", jobID}, "")
	if err != nil {
		// process gone: consult its exit marker, written by the job wrapper
		// script's trailing `echo $? > job.exit` per job-wrapper convention.
		return d.exitStatus(ctx, spec)
	}
	return StatusRunning, nil
}

func (d *backgroundDriver) exitStatus(ctx context.Context, spec JobSpec) (Status, error) {
	exitFile := filepath.Join(spec.RunDir, fmt.Sprintf("job.exit.%d", spec.SubmitNum))
	stdout, _, err := d.runner.Run(ctx, spec.Host, []string{"cat", exitFile}, "")
	if err != nil {
		return StatusUnknown, fmt.Errorf("platform: background poll: no exit marker yet")
	}
	code := strings.TrimSpace(stdout)
	if code == "0" {
		return StatusSucceeded, nil
	}
	return StatusFailed, nil
}

func (d *backgroundDriver) Kill(ctx context.Context, spec JobSpec, jobID string) error {
	if _, _, err := d.runner.Run(ctx, spec.Host, []string{"kill", jobID}, ""); err != nil {
		return fmt.Errorf("platform: background kill: %w", err)
	}
	return nil
}

// atDriver is the "at" batch system: POSIX `at` one-shot scheduling,
// immediate execution (`at now`). Job id is the number `at` prints.
type atDriver struct {
	runner CommandRunner
}

// NewAtDriver builds the "at" Driver.
func NewAtDriver(runner CommandRunner) Driver { return &atDriver{runner: runner} }

func (d *atDriver) Name() string { return "at" }

var atJobIDFromStderr = func(stderr string) (string, bool) {
	for _, line := range strings.Split(stderr, "\n") {
		if idx := strings.Index(line, "job "); idx >= 0 {
			fields := strings.Fields(line[idx+len("job "):])
			if len(fields) > 0 {
				return fields[0], true
			}
		}
	}
	return "", false
}

func (d *atDriver) Submit(ctx context.Context, spec JobSpec) (string, error) {
	script := filepath.Join(spec.RunDir, "job.sh")
	_, stderr, err := d.runner.Run(ctx, spec.Host, []string{"at", "now"}, fmt.Sprintf("sh %q\n", script))
	if err != nil {
		return "", fmt.Errorf("platform: at submit: %w: %s", err, stderr)
	}
	jobID, ok := atJobIDFromStderr(stderr)
	if !ok {
		return "", fmt.Errorf("platform: at submit: could not parse job id from %q", stderr)
	}
	return jobID, nil
}

func (d *atDriver) Poll(ctx context.Context, spec JobSpec, jobID string) (Status, error) {
	stdout, _, err := d.runner.Run(ctx, spec.Host, []string{"atq"}, "")
	if err != nil {
		return StatusUnknown, fmt.Errorf("platform: at poll: %w", err)
	}
	if strings.Contains(stdout, jobID) {
		return StatusRunning, nil
	}
	exitFile := filepath.Join(spec.RunDir, fmt.Sprintf("job.exit.%d", spec.SubmitNum))
	out, _, err := d.runner.Run(ctx, spec.Host, []string{"cat", exitFile}, "")
	if err != nil {
		return StatusUnknown, fmt.Errorf("platform: at poll: job left queue with no exit marker")
	}
	if strings.TrimSpace(out) == "0" {
		return StatusSucceeded, nil
	}
	return StatusFailed, nil
}

func (d *atDriver) Kill(ctx context.Context, spec JobSpec, jobID string) error {
	if _, _, err := d.runner.Run(ctx, spec.Host, []string{"atrm", jobID}, ""); err != nil {
		return fmt.Errorf("platform: at kill: %w", err)
	}
	return nil
}
