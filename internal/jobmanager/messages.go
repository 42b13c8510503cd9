package jobmanager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cylc/cylc-flow-go/internal/cycle"
	"github.com/cylc/cylc-flow-go/internal/pool"
	"github.com/cylc/cylc-flow-go/internal/taskdef"
)

// Severity mirrors the three levels a job's own wrapper script reports at.
// It is carried on Message but nothing reads it: neither scheduling nor
// StateDB recording depends on it.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Message is one job-status report, as published by a running job's wrapper
// script (cylc message) or synthesized internally from a Poll result. This
// is the payload internal/messaging decodes off the wire and hands to
// Apply; keeping it decode-target-shaped here (rather than in the
// messaging package) avoids a layering inversion where jobmanager would
// need to import the transport package just to name its own payload type.
type Message struct {
	CyclePoint string
	TaskName   string
	SubmitNum  int
	Severity   Severity
	Output     string // predeclared or custom output name; "" for a plain log message
	Text       string
	Time       time.Time
}

// Apply routes a job message to its TaskProxy: recording the transition in
// StateDB, emitting the named output against the proxy (which in turn may
// satisfy downstream prerequisites), and returning the set of proxies
// SatisfyOutput spawned as a result so the caller can fold them into its
// own bookkeeping. Grounded on MultiTaskExecutor.Execute:
// dispatch a single inbound unit of work to the owning component and
// propagate whatever side effects fall out, rather than hand-checking
// message kind at every call site.
func (m *Manager) Apply(ctx context.Context, p *pool.Pool, msg Message) ([]*pool.TaskProxy, error) {
	point, err := cycle.ParsePoint(msg.CyclePoint, m.cfg.Calendar)
	if err != nil {
		return nil, fmt.Errorf("jobmanager: apply message: bad cycle point %q: %w", msg.CyclePoint, err)
	}
	px := findProxy(p, msg.TaskName, point)
	if px == nil {
		return nil, fmt.Errorf("jobmanager: apply message: no active proxy for %s.%s", msg.TaskName, msg.CyclePoint)
	}
	if msg.SubmitNum != 0 && msg.SubmitNum != px.SubmitNum {
		return nil, fmt.Errorf("jobmanager: apply message: stale submit number %d for %s.%s (current %d)",
			msg.SubmitNum, msg.TaskName, msg.CyclePoint, px.SubmitNum)
	}

	// A failed job with execution retries remaining goes back to waiting for
	// resubmission instead of emitting the terminal :failed output, matching
	// ExecutionRetryDelays' "retry before giving up" contract.
	if msg.Output == taskdef.OutputFailed {
		if delays := px.Def.Runtime.ExecutionRetryDelays; px.TryNum < len(delays) {
			px.ScheduleExecutionRetry(delays[px.TryNum], msg.Time)
			if err := m.db.RecordTransition(ctx, msg.CyclePoint, msg.TaskName, formatFlows(px.Flows.Numbers()), string(px.State), msg.Time); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	if msg.Output != "" {
		px.EmitOutput(msg.Output)
	}
	if err := m.db.RecordTransition(ctx, msg.CyclePoint, msg.TaskName, formatFlows(px.Flows.Numbers()), string(px.State), msg.Time); err != nil {
		return nil, err
	}
	if msg.Output == "" {
		return nil, nil
	}
	return p.SatisfyOutput(msg.TaskName, point, msg.Output, px.Flows), nil
}

func findProxy(p *pool.Pool, name string, point cycle.Point) *pool.TaskProxy {
	for _, px := range p.All() {
		if px.Def.Name != name {
			continue
		}
		if eq := px.Point.Equal(point); eq {
			return px
		}
	}
	return nil
}

func formatFlows(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// FromPollStatus synthesizes a Message from a platform.Status transition
// observed by polling rather than by an inbound job message, used when a
// platform has no message-passing back-channel (e.g. background jobs) and
// the scheduler must infer job state purely from Driver.Poll.
func FromPollStatus(cyclePoint, taskName string, submitNum int, output string, at time.Time) Message {
	return Message{
		CyclePoint: cyclePoint,
		TaskName:   taskName,
		SubmitNum:  submitNum,
		Severity:   SeverityInfo,
		Output:     output,
		Time:       at,
	}
}
