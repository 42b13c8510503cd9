// Package taskdef holds the static, config-derived definition of a task:
// its declared outputs, trigger expressions, recurrences, and runtime
// fields. TaskDefs are immutable between reloads (the scheduler swaps the
// whole map in place; in-flight TaskProxies keep their old pointer).
package taskdef

import (
	"time"

	"github.com/cylc/cylc-flow-go/internal/recurrence"
)

// Predeclared output names every task has implicitly.
const (
	OutputSubmitted    = "submitted"
	OutputSubmitFailed = "submit-failed"
	OutputStarted      = "started"
	OutputSucceeded    = "succeeded"
	OutputFailed       = "failed"
	OutputExpired      = "expired"
)

// Output describes one named output a task can emit.
type Output struct {
	Name     string
	Message  string
	Required bool
}

// TriggerAtom is a single (name, offset, output) reference inside a trigger
// expression, e.g. "foo[-P1D]:succeeded".
type TriggerAtom struct {
	TaskName string
	Offset   string // ISO8601 duration string, "" for no offset
	Output   string
	Optional bool
	Suicide  bool
}

// TriggerClause is a disjunction ("|") of atoms; a TriggerExpr is a
// conjunction ("&") of clauses, matching Prereq's canonical clause shape.
type TriggerClause []TriggerAtom

// TriggerExpr is the parsed right-hand dependency expression for one
// instance of a task in the graph.
type TriggerExpr struct {
	Clauses []TriggerClause
}

// Runtime holds the per-task execution configuration, assembled from the
// resolved [runtime] inheritance tree.
type Runtime struct {
	Script             string
	EnvScript          string
	PreScript          string
	PostScript         string
	ErrScript          string
	ExitScript         string
	Environment        map[string]string
	Platform           string
	Directives         map[string]string
	ExecutionTimeLimit time.Duration
	SubmissionRetryDelays []time.Duration
	ExecutionRetryDelays  []time.Duration
	SubmissionPollIntervals []time.Duration
	ExecutionPollIntervals  []time.Duration
	EventHandlers      map[string][]string // event name -> handler command lines
}

// TaskDef is the complete static definition of a named task.
type TaskDef struct {
	Name        string
	Recurrences []recurrence.Recurrence
	Outputs     map[string]Output // includes predeclared + custom
	Triggers    TriggerExpr
	Runtime     Runtime
	IsFamily    bool
	Parents     []string // immediate [runtime] inheritance parents, bottom of MRO first
}

// NewTaskDef builds a TaskDef with the six predeclared outputs populated;
// callers add custom outputs and fill in Triggers/Runtime afterward.
func NewTaskDef(name string) *TaskDef {
	return &TaskDef{
		Name: name,
		Outputs: map[string]Output{
			OutputSubmitted:    {Name: OutputSubmitted, Required: false},
			OutputSubmitFailed: {Name: OutputSubmitFailed, Required: false},
			OutputStarted:      {Name: OutputStarted, Required: false},
			OutputSucceeded:    {Name: OutputSucceeded, Required: true},
			OutputFailed:       {Name: OutputFailed, Required: false},
			OutputExpired:      {Name: OutputExpired, Required: false},
		},
		Runtime: Runtime{
			Environment: map[string]string{},
			Directives:  map[string]string{},
			EventHandlers: map[string][]string{},
		},
	}
}

// DeclareOutput adds or overrides a custom output's required/optional flag.
// Declaring "succeeded" or "failed" optional overrides the default.
func (d *TaskDef) DeclareOutput(name, message string, required bool) {
	d.Outputs[name] = Output{Name: name, Message: message, Required: required}
}

// RequiredOutputs returns the names of every output currently marked
// required, used by completion checking.
func (d *TaskDef) RequiredOutputs() []string {
	var names []string
	for name, out := range d.Outputs {
		if out.Required {
			names = append(names, name)
		}
	}
	return names
}

// CanonicalTerminalOutputs returns the names that count as "opposite
// terminal branches" (success vs failure) for the optional-output
// validation rule in the graph parser.
func CanonicalTerminalOutputs() (success, failure string) {
	return OutputSucceeded, OutputFailed
}
