package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cylc/cylc-flow-go/internal/taskdef"
)

var atomRE = regexp.MustCompile(`^(!)?([A-Za-z_][\w\-+%@]*)(?:\[([^\]]+)\])?(?::([A-Za-z_][\w\-]*))?(\?)?$`)

// parseAtom parses one task reference such as "foo", "foo:succeeded",
// "foo[-P1D]:x", "foo:fail?", or "!bar" (suicide) into a TriggerAtom. Bare
// references with no qualifier default to the "succeeded" output, matching
// Cylc's convention that a plain name in a trigger expression means its
// success.
func parseAtom(s string) (taskdef.TriggerAtom, error) {
	m := atomRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return taskdef.TriggerAtom{}, fmt.Errorf("graph: invalid task reference %q", s)
	}
	atom := taskdef.TriggerAtom{
		Suicide:  m[1] == "!",
		TaskName: m[2],
		Offset:   m[3],
		Output:   m[4],
		Optional: m[5] == "?",
	}
	if atom.Output == "" {
		atom.Output = taskdef.OutputSucceeded
	}
	return atom, nil
}

// Target is a right-hand-side reference in a graph edge: the task that is
// triggered (or, if Suicide, removed) by the edge's left-hand expression.
type Target struct {
	Name     string
	Offset   string
	Suicide  bool
	Optional bool
}

func parseTarget(s string) (Target, error) {
	atom, err := parseAtom(s)
	if err != nil {
		return Target{}, err
	}
	return Target{Name: atom.TaskName, Offset: atom.Offset, Suicide: atom.Suicide, Optional: atom.Optional}, nil
}
