// Package graph parses Cylc graph strings — dependency expressions joining
// task references with "=>", "&", "|", inter-cycle offsets, qualifiers, and
// suicide markers — into trigger templates consumed by TaskDefs and the
// Prereq clause builder.
package graph

import (
	"fmt"
	"strings"

	"github.com/cylc/cylc-flow-go/internal/taskdef"
)

// Edge is one parsed "LHS => target [& target...]" arrow. A multi-arrow
// line ("A => B => C") decomposes into one Edge per consecutive pair.
type Edge struct {
	Trigger taskdef.TriggerExpr
	Targets []Target
	Line    string // original source line, for error messages
}

// ParseError reports a line-scoped problem with stop-the-build severity.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("graph: %q: %v", e.Line, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Warning reports a non-fatal problem (e.g. unreachable downstream task).
type Warning struct {
	TaskName string
	Message  string
}

func (w Warning) String() string { return fmt.Sprintf("%s: %s", w.TaskName, w.Message) }

// ParseLines parses every non-blank, non-comment line of a graph-string
// block into Edges. Each "=>"-chained line yields one Edge per arrow; a line
// with no arrow ("foo" or "foo & bar") yields one Edge with an empty trigger,
// declaring its tasks with no prerequisites.
func ParseLines(text string) ([]Edge, error) {
	var edges []Edge
	for _, raw := range strings.Split(text, "\n") {
		line := stripComment(raw)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		arrowParts := strings.Split(line, "=>")
		if len(arrowParts) < 2 {
			var targets []Target
			for _, t := range splitTopLevel(line, '&') {
				tgt, err := parseTarget(strings.TrimSpace(t))
				if err != nil {
					return nil, &ParseError{Line: raw, Err: err}
				}
				if tgt.Suicide {
					return nil, &ParseError{Line: raw, Err: fmt.Errorf("suicide marker on %q needs a trigger", tgt.Name)}
				}
				targets = append(targets, tgt)
			}
			edges = append(edges, Edge{Targets: targets, Line: raw})
			continue
		}
		for i := 0; i < len(arrowParts)-1; i++ {
			lhs := strings.TrimSpace(arrowParts[i])
			rhs := strings.TrimSpace(arrowParts[i+1])
			trigger, err := parseTriggerExpr(lhs)
			if err != nil {
				return nil, &ParseError{Line: raw, Err: err}
			}
			var targets []Target
			for _, t := range splitTopLevel(rhs, '&') {
				tgt, err := parseTarget(strings.TrimSpace(t))
				if err != nil {
					return nil, &ParseError{Line: raw, Err: err}
				}
				targets = append(targets, tgt)
			}
			if len(targets) == 0 {
				return nil, &ParseError{Line: raw, Err: fmt.Errorf("empty right-hand side")}
			}
			isLastArrow := i == len(arrowParts)-2
			if !isLastArrow {
				for _, tgt := range targets {
					if tgt.Suicide {
						return nil, &ParseError{Line: raw, Err: fmt.Errorf("suicide trigger %q cannot appear mid-chain", tgt.Name)}
					}
				}
			}
			edges = append(edges, Edge{Trigger: trigger, Targets: targets, Line: raw})
		}
	}
	return edges, nil
}

func stripComment(line string) string {
	if idx := strings.Index(line, "#"); idx >= 0 {
		return line[:idx]
	}
	return line
}

// ParsedGraph is the per-workflow output of parsing every (recurrence,
// graph-string) pair: each non-suicide target task's aggregated trigger
// expression, each task's suicide triggers, and the reverse spawn index
// (upstream -> downstream names) used for spawn-on-demand.
type ParsedGraph struct {
	Triggers        map[string]taskdef.TriggerExpr // taskName -> AND of clauses across all edges targeting it
	SuicideTriggers map[string]taskdef.TriggerExpr
	Downstream      map[string][]string // upstream task name -> downstream task names that reference it
	referencedNames map[string]bool     // every name appearing anywhere, LHS or RHS
}

// Parse consumes every Edge from one or more graph-string blocks and builds
// the aggregated ParsedGraph. Edges from different blocks/lines targeting
// the same task contribute additional ANDed clauses.
func Parse(edges []Edge) *ParsedGraph {
	pg := &ParsedGraph{
		Triggers:        map[string]taskdef.TriggerExpr{},
		SuicideTriggers: map[string]taskdef.TriggerExpr{},
		Downstream:      map[string][]string{},
		referencedNames: map[string]bool{},
	}
	for _, e := range edges {
		for _, clause := range e.Trigger.Clauses {
			for _, atom := range clause {
				pg.referencedNames[atom.TaskName] = true
			}
		}
		for _, tgt := range e.Targets {
			pg.referencedNames[tgt.Name] = true
			if tgt.Suicide {
				existing := pg.SuicideTriggers[tgt.Name]
				existing.Clauses = append(existing.Clauses, e.Trigger.Clauses...)
				pg.SuicideTriggers[tgt.Name] = existing
			} else {
				existing := pg.Triggers[tgt.Name]
				existing.Clauses = append(existing.Clauses, e.Trigger.Clauses...)
				pg.Triggers[tgt.Name] = existing
			}
			for _, clause := range e.Trigger.Clauses {
				for _, atom := range clause {
					pg.Downstream[atom.TaskName] = appendUnique(pg.Downstream[atom.TaskName], tgt.Name)
				}
			}
		}
	}
	return pg
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// ReferencedNames returns every task name mentioned anywhere in the graph
// (as trigger source or target), used for the "undefined task" validation
// rule.
func (pg *ParsedGraph) ReferencedNames() []string {
	names := make([]string, 0, len(pg.referencedNames))
	for n := range pg.referencedNames {
		names = append(names, n)
	}
	return names
}

// ValidateKnownTasks enforces that every referenced task name has a runtime
// definition, unless allowImplicit is set.
func (pg *ParsedGraph) ValidateKnownTasks(known map[string]bool, allowImplicit bool) error {
	if allowImplicit {
		return nil
	}
	for name := range pg.referencedNames {
		if !known[name] {
			return fmt.Errorf("graph: task %q has no runtime definition and 'allow implicit tasks' is not set", name)
		}
	}
	return nil
}

// ValidateOptionalOutputs enforces the "opposite outputs must both be
// optional" rule: if both the success branch and the failure branch of an
// upstream task appear as triggers anywhere in the graph, both occurrences
// must be marked optional, unless back-compat (Cylc-7) mode is active, in
// which case the success branch is treated as required by default and the
// check is skipped.
func ValidateOptionalOutputs(edges []Edge, cylc7Compat bool) error {
	if cylc7Compat {
		return nil
	}
	succeed, fail := taskdef.CanonicalTerminalOutputs()
	type seen struct{ sawSucceed, sawFail, succeedOpt, failOpt bool }
	byTask := map[string]*seen{}
	for _, e := range edges {
		for _, clause := range e.Trigger.Clauses {
			for _, atom := range clause {
				s, ok := byTask[atom.TaskName]
				if !ok {
					s = &seen{}
					byTask[atom.TaskName] = s
				}
				switch atom.Output {
				case succeed:
					s.sawSucceed = true
					s.succeedOpt = s.succeedOpt || atom.Optional
				case fail:
					s.sawFail = true
					s.failOpt = s.failOpt || atom.Optional
				}
			}
		}
	}
	for name, s := range byTask {
		if s.sawSucceed && s.sawFail {
			if !s.succeedOpt || !s.failOpt {
				return fmt.Errorf("graph: %s: opposite outputs must both be optional", name)
			}
		}
	}
	return nil
}

// UnreachableWarnings reports every referenced task that is not in
// startTasks and is never the (non-suicide) target of an edge — i.e.
// nothing will ever spawn it. Full
// "never" resolution (inter-cycle offsets outside the recurrence domain)
// is computed by the pool at spawn time; this pass only catches the
// structural case of a target with no inbound edges at all.
func (pg *ParsedGraph) UnreachableWarnings(startTasks map[string]bool) []Warning {
	var warnings []Warning
	for name := range pg.referencedNames {
		if startTasks[name] {
			continue
		}
		if _, ok := pg.Triggers[name]; !ok {
			warnings = append(warnings, Warning{TaskName: name, Message: "no trigger resolves to this task; it will never spawn"})
		}
	}
	return warnings
}
