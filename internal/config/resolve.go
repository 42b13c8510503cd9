package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cylc/cylc-flow-go/internal/cycle"
	"github.com/cylc/cylc-flow-go/internal/graph"
	"github.com/cylc/cylc-flow-go/internal/recurrence"
	"github.com/cylc/cylc-flow-go/internal/taskdef"
)

// resolveRuntime linearizes every [runtime] section's inheritance chain and
// folds parent settings into a TaskDef for each section, family sections
// included.
// Later entries in the MRO (closer to root) are applied first so that the
// task's own section always wins, and directives/environment are merged
// key-by-key rather than wholesale replaced.
func resolveRuntime(raw *rawConfig, cal cycle.Calendar, cfg *Config) error {
	parents := map[string][]string{}
	for name, rt := range raw.Runtime {
		parents[name] = rt.Inherit
	}

	for name, rt := range raw.Runtime {
		if len(rt.Inherit) > 0 {
			continue // sections with parents are resolved by the loop below
		}
		mro, err := linearize(name, parents)
		if err != nil {
			return err
		}
		td := taskdef.NewTaskDef(name)
		// apply root-to-task order so the task's own fields win last
		for i := len(mro) - 1; i >= 0; i-- {
			sec, ok := raw.Runtime[mro[i]]
			if !ok {
				continue
			}
			if err := applyRuntime(td, sec, cal); err != nil {
				return fmt.Errorf("config: task %q: %w", name, err)
			}
		}
		cfg.TaskDefs[name] = td
	}

	// tasks with Inherit set are themselves concrete tasks too (a task may
	// both inherit and be referenced directly in the graph), so resolve
	// them as well, using their own MRO.
	for name, rt := range raw.Runtime {
		if len(rt.Inherit) == 0 {
			continue
		}
		mro, err := linearize(name, parents)
		if err != nil {
			return err
		}
		td := taskdef.NewTaskDef(name)
		for i := len(mro) - 1; i >= 0; i-- {
			sec, ok := raw.Runtime[mro[i]]
			if !ok {
				continue
			}
			if err := applyRuntime(td, sec, cal); err != nil {
				return fmt.Errorf("config: task %q: %w", name, err)
			}
		}
		td.Parents = rt.Inherit
		cfg.TaskDefs[name] = td
	}
	return nil
}

func applyRuntime(td *taskdef.TaskDef, sec rawRuntime, cal cycle.Calendar) error {
	if sec.Script != "" {
		td.Runtime.Script = sec.Script
	}
	if sec.EnvScript != "" {
		td.Runtime.EnvScript = sec.EnvScript
	}
	if sec.PreScript != "" {
		td.Runtime.PreScript = sec.PreScript
	}
	if sec.PostScript != "" {
		td.Runtime.PostScript = sec.PostScript
	}
	if sec.Platform != "" {
		td.Runtime.Platform = sec.Platform
	}
	for k, v := range sec.Environment {
		td.Runtime.Environment[k] = v
	}
	for k, v := range sec.Directives {
		td.Runtime.Directives[k] = v
	}
	if sec.ExecutionTimeLimit != "" {
		d, err := cycle.ParseDuration(sec.ExecutionTimeLimit, cal)
		if err != nil {
			return fmt.Errorf("execution time limit: %w", err)
		}
		td.Runtime.ExecutionTimeLimit = d.ApproxGoDuration()
	}
	if sec.ExecutionRetryDelays != "" {
		delays, err := parseDelayList(sec.ExecutionRetryDelays, cal)
		if err != nil {
			return fmt.Errorf("execution retry delays: %w", err)
		}
		td.Runtime.ExecutionRetryDelays = delays
	}
	if sec.SubmissionRetryDelays != "" {
		delays, err := parseDelayList(sec.SubmissionRetryDelays, cal)
		if err != nil {
			return fmt.Errorf("submission retry delays: %w", err)
		}
		td.Runtime.SubmissionRetryDelays = delays
	}
	for name, msg := range sec.OutputsRequired {
		td.DeclareOutput(name, msg, true)
	}
	for _, name := range sec.OutputsOptional {
		existing, ok := td.Outputs[name]
		msg := existing.Message
		_ = ok
		td.DeclareOutput(name, msg, false)
	}
	return nil
}

// parseDelayList parses a comma-separated list of ISO8601 durations, with
// an optional leading "3*" repeat-count multiplier per entry (Cylc's
// "3*PT1M, PT5M" retry-delay shorthand).
func parseDelayList(s string, cal cycle.Calendar) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		repeat := 1
		spec := part
		if idx := strings.Index(part, "*"); idx >= 0 {
			n, err := strconv.Atoi(strings.TrimSpace(part[:idx]))
			if err != nil {
				return nil, fmt.Errorf("invalid repeat count in %q", part)
			}
			repeat = n
			spec = strings.TrimSpace(part[idx+1:])
		}
		d, err := cycle.ParseDuration(spec, cal)
		if err != nil {
			return nil, err
		}
		for i := 0; i < repeat; i++ {
			out = append(out, d.ApproxGoDuration())
		}
	}
	return out, nil
}

// resolvePlatforms decodes platform and platform-group definitions. It
// fills PlatformOrder in map order; Load then rewrites it into declaration
// order for the bottom-up "first match wins" rule.
func resolvePlatforms(raw *rawConfig, cfg *Config) error {
	for name, p := range raw.Platforms {
		platform := Platform{
			Name:               name,
			Hosts:              p.Hosts,
			BatchSystem:        p.BatchSystem,
			CommandTemplate:    p.JobRunnerCommandTemplate,
			SSHCommand:         p.SSHCommand,
			InstallTarget:      p.InstallTarget,
			Directives:         p.Directives,
			MaxParallelSubmits: p.MaxParallelSubmits,
		}
		if platform.InstallTarget == "" {
			platform.InstallTarget = name
		}
		if len(platform.Hosts) == 0 {
			platform.Hosts = []string{name}
		}
		if p.SubmissionPollIntervals != "" {
			d, err := parseDelayList(p.SubmissionPollIntervals, cycle.Gregorian)
			if err != nil {
				return fmt.Errorf("config: platform %q submission polling intervals: %w", name, err)
			}
			platform.SubmissionPollIntervals = d
		}
		if p.ExecutionPollIntervals != "" {
			d, err := parseDelayList(p.ExecutionPollIntervals, cycle.Gregorian)
			if err != nil {
				return fmt.Errorf("config: platform %q execution polling intervals: %w", name, err)
			}
			platform.ExecutionPollIntervals = d
		}
		cfg.Platforms[name] = platform
		cfg.PlatformOrder = append(cfg.PlatformOrder, name)
	}
	for name, g := range raw.PlatformGroups {
		cfg.Groups[name] = PlatformGroup{Name: name, Platforms: g.Platforms}
	}
	return nil
}

// ResolvePlatformName matches a task's configured platform field, which may
// be a regex against declared platform names, a literal platform name, or a
// platform group name. Declaration order is checked bottom-up, so later
// [platforms] entries shadow earlier ones with overlapping patterns.
// Returns a "no platform matches" error if nothing matches; this is only
// surfaced at job-submit time, not at validation.
func (c *Config) ResolvePlatformName(taskPlatformField string, pick func(n int) int) (string, error) {
	if taskPlatformField == "" {
		return "localhost", nil
	}
	if g, ok := c.Groups[taskPlatformField]; ok {
		if len(g.Platforms) == 0 {
			return "", fmt.Errorf("config: platform group %q has no members", taskPlatformField)
		}
		idx := pick(len(g.Platforms))
		return g.Platforms[idx], nil
	}
	if _, ok := c.Platforms[taskPlatformField]; ok {
		return taskPlatformField, nil
	}
	for i := len(c.PlatformOrder) - 1; i >= 0; i-- {
		name := c.PlatformOrder[i]
		if matchPlatformPattern(name, taskPlatformField) {
			return name, nil
		}
	}
	return "", fmt.Errorf("config: no platform matches %q", taskPlatformField)
}

func matchPlatformPattern(declared, field string) bool {
	if declared == field {
		return true
	}
	re, err := compilePlatformRegex(declared)
	if err != nil {
		return false
	}
	return re.MatchString(field)
}

// resolveGraph hands every (recurrence, graph-string) pair to the graph
// parser, attaches the aggregated trigger expressions to each TaskDef, and
// validates the result.
func resolveGraph(raw *rawConfig, cal cycle.Calendar, cfg *Config) error {
	var allEdges []graph.Edge
	recurrences := map[string][]recurrence.Recurrence{}

	for recStr, graphText := range raw.Scheduling.Graphs {
		rec, err := recurrence.Parse(recStr, cal)
		if err != nil {
			return fmt.Errorf("config: recurrence %q: %w", recStr, err)
		}
		if !strings.Contains(recStr, "/") && cfg.HasInitialPoint {
			rec = rec.WithStart(cfg.InitialCyclePoint)
		}
		edges, err := graph.ParseLines(graphText)
		if err != nil {
			return err
		}
		allEdges = append(allEdges, edges...)
		for _, e := range edges {
			for _, tgt := range e.Targets {
				recurrences[tgt.Name] = append(recurrences[tgt.Name], rec)
			}
			for _, clause := range e.Trigger.Clauses {
				for _, atom := range clause {
					recurrences[atom.TaskName] = append(recurrences[atom.TaskName], rec)
				}
			}
		}
	}

	cylc7 := cfg.Mode == ModeCylc7Compat
	if err := graph.ValidateOptionalOutputs(allEdges, cylc7); err != nil {
		return err
	}

	pg := graph.Parse(allEdges)
	known := map[string]bool{}
	for name := range cfg.TaskDefs {
		known[name] = true
	}
	if err := pg.ValidateKnownTasks(known, cfg.AllowImplicitTasks); err != nil {
		return err
	}

	// implicit tasks: referenced in the graph, no [runtime] section, but
	// allowed by config -- synthesize a bare TaskDef for them.
	for _, name := range pg.ReferencedNames() {
		if _, ok := cfg.TaskDefs[name]; !ok {
			cfg.TaskDefs[name] = taskdef.NewTaskDef(name)
		}
	}

	for name, td := range cfg.TaskDefs {
		td.Triggers = pg.Triggers[name]
		td.Recurrences = dedupeRecurrences(recurrences[name])
	}

	cfg.Graph = pg
	return nil
}

func dedupeRecurrences(recs []recurrence.Recurrence) []recurrence.Recurrence {
	seen := map[string]bool{}
	var out []recurrence.Recurrence
	for _, r := range recs {
		s := r.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, r)
	}
	return out
}
