package platform

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// batchSystemSpec declares one table-driven batch-system's command surface:
// how to build the submit argv, how to extract a job id from its stdout, how
// to build the poll argv and interpret its output, and how to build the
// kill argv. One templateDriver instance per entry in builtinBatchSystems
// covers slurm/pbs/lsf/moab/loadleveler/generic without duplicating the
// submit/poll/kill control flow six times.
type batchSystemSpec struct {
	name           string
	submitArgv     func(spec JobSpec, script string) []string
	jobIDPattern   *regexp.Regexp // first capture group is the job id
	pollArgv       func(jobID string) []string
	runningPattern *regexp.Regexp // matches poll stdout when still queued/running
	failedPattern  *regexp.Regexp // matches poll stdout when finished unsuccessfully
	killArgv       func(jobID string) []string
}

var builtinBatchSystems = []batchSystemSpec{
	{
		name: "slurm",
		submitArgv: func(spec JobSpec, script string) []string {
			argv := []string{"sbatch", "--parsable"}
			argv = append(argv, directiveArgs(spec.Directives, "--")...)
			return append(argv, script)
		},
		jobIDPattern:   regexp.MustCompile(`^(\d+)`),
		pollArgv:       func(jobID string) []string { return []string{"squeue", "-h", "-j", jobID, "-o", "%T"} },
		runningPattern: regexp.MustCompile(`RUNNING|PENDING|CONFIGURING|COMPLETING`),
		failedPattern:  regexp.MustCompile(`FAILED|CANCELLED|TIMEOUT|NODE_FAIL|OUT_OF_MEMORY`),
		killArgv:       func(jobID string) []string { return []string{"scancel", jobID} },
	},
	{
		name: "pbs",
		submitArgv: func(spec JobSpec, script string) []string {
			argv := []string{"qsub"}
			argv = append(argv, directiveArgs(spec.Directives, "-")...)
			return append(argv, script)
		},
		jobIDPattern:   regexp.MustCompile(`^(\S+)`),
		pollArgv:       func(jobID string) []string { return []string{"qstat", "-f", jobID} },
		runningPattern: regexp.MustCompile(`job_state = [RQH]`),
		failedPattern:  regexp.MustCompile(`Exit_status = [1-9]`),
		killArgv:       func(jobID string) []string { return []string{"qdel", jobID} },
	},
	{
		name: "lsf",
		submitArgv: func(spec JobSpec, script string) []string {
			argv := []string{"bsub"}
			argv = append(argv, directiveArgs(spec.Directives, "-")...)
			return append(argv, "<", script)
		},
		jobIDPattern:   regexp.MustCompile(`Job <(\d+)>`),
		pollArgv:       func(jobID string) []string { return []string{"bjobs", "-noheader", jobID} },
		runningPattern: regexp.MustCompile(`RUN|PEND`),
		failedPattern:  regexp.MustCompile(`EXIT`),
		killArgv:       func(jobID string) []string { return []string{"bkill", jobID} },
	},
	{
		name: "moab",
		submitArgv: func(spec JobSpec, script string) []string {
			argv := []string{"msub"}
			argv = append(argv, directiveArgs(spec.Directives, "-")...)
			return append(argv, script)
		},
		jobIDPattern:   regexp.MustCompile(`^(\S+)`),
		pollArgv:       func(jobID string) []string { return []string{"checkjob", jobID} },
		runningPattern: regexp.MustCompile(`State: (Running|Idle|Starting)`),
		failedPattern:  regexp.MustCompile(`State: (Removed|Vacated)`),
		killArgv:       func(jobID string) []string { return []string{"mjobctl", "-c", jobID} },
	},
	{
		name: "loadleveler",
		submitArgv: func(spec JobSpec, script string) []string {
			argv := []string{"llsubmit"}
			return append(argv, script)
		},
		jobIDPattern:   regexp.MustCompile(`"(\S+)" with`),
		pollArgv:       func(jobID string) []string { return []string{"llq", "-j", jobID} },
		runningPattern: regexp.MustCompile(`R|I|ST`),
		failedPattern:  regexp.MustCompile(`C.*non-zero|CA`),
		killArgv:       func(jobID string) []string { return []string{"llcancel", jobID} },
	},
	{
		name: "generic",
		submitArgv: func(spec JobSpec, script string) []string {
			return []string{"sh", script}
		},
		jobIDPattern:   regexp.MustCompile(`^(\S+)`),
		pollArgv:       func(jobID string) []string { return []string{"ps", "-p", jobID} },
		runningPattern: regexp.MustCompile(`\S`),
		failedPattern:  regexp.MustCompile(`$^`), // never matches: generic driver relies on exit markers, not poll text
		killArgv:       func(jobID string) []string { return []string{"kill", jobID} },
	},
}

func directiveArgs(directives map[string]string, prefix string) []string {
	var out []string
	for k, v := range directives {
		if v == "" {
			out = append(out, prefix+k)
			continue
		}
		out = append(out, prefix+k, v)
	}
	return out
}

// templateDriver implements Driver generically from a batchSystemSpec,
// the table-driven counterpart of writing six near-identical Driver types.
type templateDriver struct {
	runner CommandRunner
	spec   batchSystemSpec
}

func newTemplateDriver(runner CommandRunner, spec batchSystemSpec) Driver {
	return &templateDriver{runner: runner, spec: spec}
}

func (d *templateDriver) Name() string { return d.spec.name }

func (d *templateDriver) Submit(ctx context.Context, spec JobSpec) (string, error) {
	script := filepath.Join(spec.RunDir, "job.sh")
	argv := d.spec.submitArgv(spec, script)
	stdout, stderr, err := d.runner.Run(ctx, spec.Host, argv, "")
	if err != nil {
		return "", fmt.Errorf("platform: %s submit: %w: %s", d.spec.name, err, stderr)
	}
	m := d.spec.jobIDPattern.FindStringSubmatch(strings.TrimSpace(stdout))
	if m == nil {
		return "", fmt.Errorf("platform: %s submit: could not parse job id from %q", d.spec.name, stdout)
	}
	return m[1], nil
}

func (d *templateDriver) Poll(ctx context.Context, spec JobSpec, jobID string) (Status, error) {
	stdout, _, err := d.runner.Run(ctx, spec.Host, d.spec.pollArgv(jobID), "")
	if err != nil {
		// the batch system no longer recognizes the job id: it has left the
		// queue, consult the wrapper script's exit marker for the outcome.
		return d.exitStatus(ctx, spec)
	}
	if d.spec.failedPattern.MatchString(stdout) {
		return StatusFailed, nil
	}
	if d.spec.runningPattern.MatchString(stdout) {
		return StatusRunning, nil
	}
	return d.exitStatus(ctx, spec)
}

func (d *templateDriver) exitStatus(ctx context.Context, spec JobSpec) (Status, error) {
	exitFile := filepath.Join(spec.RunDir, fmt.Sprintf("job.exit.%d", spec.SubmitNum))
	stdout, _, err := d.runner.Run(ctx, spec.Host, []string{"cat", exitFile}, "")
	if err != nil {
		return StatusUnknown, fmt.Errorf("platform: %s poll: no exit marker yet", d.spec.name)
	}
	if strings.TrimSpace(stdout) == "0" {
		return StatusSucceeded, nil
	}
	return StatusFailed, nil
}

func (d *templateDriver) Kill(ctx context.Context, spec JobSpec, jobID string) error {
	if _, stderr, err := d.runner.Run(ctx, spec.Host, d.spec.killArgv(jobID), ""); err != nil {
		return fmt.Errorf("platform: %s kill: %w: %s", d.spec.name, err, stderr)
	}
	return nil
}
