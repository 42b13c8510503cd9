package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cylc/cylc-flow-go/internal/config"
	"github.com/cylc/cylc-flow-go/internal/cycle"
	"github.com/cylc/cylc-flow-go/internal/flow"
	"github.com/cylc/cylc-flow-go/internal/platform"
	"github.com/cylc/cylc-flow-go/internal/pool"
	"github.com/cylc/cylc-flow-go/internal/taskdef"
)

// Kind names one of the operator commands translated from the CLI/control
// surface into a scheduler-internal message: play, stop[--now|--kill],
// pause, resume, trigger, hold, release, set, kill, poll, reload,
// broadcast. Job messages arrive through Inbox rather than as a Kind, and
// there is no workflow-state command.
type Kind string

const (
	KindPlay       Kind = "play"
	KindStop       Kind = "stop"
	KindPause      Kind = "pause"
	KindResume     Kind = "resume"
	KindTrigger    Kind = "trigger"
	KindHold       Kind = "hold"
	KindRelease    Kind = "release"
	KindSetOutputs Kind = "set"
	KindKill       Kind = "kill"
	KindPoll       Kind = "poll"
	KindReload     Kind = "reload"
	KindBroadcast  Kind = "broadcast"
)

// Command is one operator request, queued for the next tick. Only the
// fields relevant to Kind are populated; the rest are zero.
type Command struct {
	Kind Kind

	TaskName   string
	CyclePoint string
	Outputs    []string // for KindSetOutputs
	NewFlow    bool     // for KindTrigger: start a new flow number
	StopNow    bool     // for KindStop
	StopKill   bool     // for KindStop: kill active jobs before exiting

	PointGlob, NameGlob string // for KindBroadcast
	SettingKey, Value   string // for KindBroadcast

	NewYAML []byte      // for KindReload: freshly-read, template-expanded definition
	Mode    config.Mode // for KindReload

	Result chan error // optional: if non-nil, closed/sent-to once the command has been applied
}

func (c Command) reply(err error) {
	if c.Result == nil {
		return
	}
	c.Result <- err
}

// drainCommands processes every command currently queued, in FIFO order,
// bounding the tick's command-processing budget per the "pathologically
// large command drains are budgeted and deferred" rule: at most 500
// commands per tick, remainder left queued for the next tick.
func (s *Scheduler) drainCommands(ctx context.Context) {
	const budget = 500
	for i := 0; i < budget; i++ {
		select {
		case cmd := <-s.commands:
			s.applyCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (s *Scheduler) applyCommand(ctx context.Context, cmd Command) {
	var err error
	switch cmd.Kind {
	case KindPlay:
		s.paused = false
		s.held = false
	case KindPause:
		s.paused = true
	case KindResume:
		s.paused = false
	case KindHold:
		err = s.holdOrRelease(cmd, true)
	case KindRelease:
		err = s.holdOrRelease(cmd, false)
	case KindTrigger:
		err = s.trigger(ctx, cmd)
	case KindSetOutputs:
		err = s.setOutputs(cmd)
	case KindKill:
		err = s.kill(ctx, cmd)
	case KindPoll:
		err = s.pollTask(ctx, cmd)
	case KindStop:
		s.stopping = true
		s.stopKill = cmd.StopKill
		if cmd.StopNow {
			s.killIfRequested(ctx)
		}
	case KindBroadcast:
		err = s.broadcast(ctx, cmd)
	case KindReload:
		err = s.reload(cmd)
	default:
		err = fmt.Errorf("scheduler: unknown command kind %q", cmd.Kind)
	}
	if err != nil {
		slog.Error("command failed", "kind", cmd.Kind, "task", cmd.TaskName, "error", err)
	}
	cmd.reply(err)
}

func (s *Scheduler) parsePoint(s2 string) (cycle.Point, error) {
	return cycle.ParsePoint(s2, s.cfg.Calendar)
}

func (s *Scheduler) holdOrRelease(cmd Command, held bool) error {
	if cmd.TaskName == "" {
		for _, px := range s.pool.All() {
			px.Held = held
		}
		if !held {
			s.held = false
		}
		return nil
	}
	point, err := s.parsePoint(cmd.CyclePoint)
	if err != nil {
		return err
	}
	px := s.findProxy(cmd.TaskName, point)
	if px == nil {
		return fmt.Errorf("scheduler: hold/release: no active proxy for %s.%s", cmd.TaskName, cmd.CyclePoint)
	}
	px.Held = held
	return nil
}

func (s *Scheduler) trigger(ctx context.Context, cmd Command) error {
	point, err := s.parsePoint(cmd.CyclePoint)
	if err != nil {
		return err
	}
	px, err := s.pool.Trigger(cmd.TaskName, point, cmd.NewFlow)
	if err != nil {
		return err
	}
	if cmd.NewFlow {
		nums := px.Flows.Numbers()
		if len(nums) > 0 {
			newest := nums[len(nums)-1]
			desc := fmt.Sprintf("triggered from %s.%s", cmd.TaskName, cmd.CyclePoint)
			if err := s.db.RecordFlow(ctx, newest, desc, time.Now()); err != nil {
				slog.Warn("record flow failed", "flow", newest, "error", err)
			}
		}
	}
	return nil
}

func (s *Scheduler) setOutputs(cmd Command) error {
	point, err := s.parsePoint(cmd.CyclePoint)
	if err != nil {
		return err
	}
	px := s.findProxy(cmd.TaskName, point)
	if px == nil {
		return fmt.Errorf("scheduler: set: no active proxy for %s.%s", cmd.TaskName, cmd.CyclePoint)
	}
	flows := px.Flows
	if flows.IsEmpty() {
		flows = flow.NewSet(1)
	}
	for _, out := range cmd.Outputs {
		px.EmitOutput(out)
		s.pool.SatisfyOutput(cmd.TaskName, point, out, flows)
	}
	return nil
}

func (s *Scheduler) kill(ctx context.Context, cmd Command) error {
	point, err := s.parsePoint(cmd.CyclePoint)
	if err != nil {
		return err
	}
	px := s.findProxy(cmd.TaskName, point)
	if px == nil {
		return fmt.Errorf("scheduler: kill: no active proxy for %s.%s", cmd.TaskName, cmd.CyclePoint)
	}
	key := jobKey(px.Def.Name, px.Point.String(), px.SubmitNum)
	js, ok := s.jobs[key]
	if !ok {
		return fmt.Errorf("scheduler: kill: no in-flight job for %s.%s", cmd.TaskName, cmd.CyclePoint)
	}
	if err := s.jm.Kill(ctx, js.spec, js.jobID, js.batchSystem); err != nil {
		return err
	}
	js.cancel()
	delete(s.jobs, key)
	return nil
}

func (s *Scheduler) pollTask(ctx context.Context, cmd Command) error {
	point, err := s.parsePoint(cmd.CyclePoint)
	if err != nil {
		return err
	}
	px := s.findProxy(cmd.TaskName, point)
	if px == nil {
		return fmt.Errorf("scheduler: poll: no active proxy for %s.%s", cmd.TaskName, cmd.CyclePoint)
	}
	key := jobKey(px.Def.Name, px.Point.String(), px.SubmitNum)
	js, ok := s.jobs[key]
	if !ok {
		return fmt.Errorf("scheduler: poll: no in-flight job for %s.%s", cmd.TaskName, cmd.CyclePoint)
	}
	status, err := s.jm.Poll(ctx, js.spec, js.jobID, js.batchSystem)
	if err != nil {
		return err
	}
	s.metrics.JobPolls.Add(ctx, 1)

	output := outputForPolledStatus(px, status)
	if output == "" {
		return nil
	}
	px.EmitOutput(output)
	flows := px.Flows
	if flows.IsEmpty() {
		flows = flow.NewSet(1)
	}
	s.pool.SatisfyOutput(px.Def.Name, px.Point, output, flows)
	if status == platform.StatusSucceeded || status == platform.StatusFailed {
		delete(s.jobs, key)
	}
	return nil
}

// outputForPolledStatus reconciles a manual poll's observed status with the
// output it implies, used when no job message channel is available for a
// platform (e.g. the wire-protocol fallback-to-poll note) and the operator
// asks the scheduler to check directly instead.
func outputForPolledStatus(px *pool.TaskProxy, status platform.Status) string {
	switch status {
	case platform.StatusRunning:
		if px.State == pool.StateSubmitted {
			px.State = pool.StateRunning
			return taskdef.OutputStarted
		}
		return ""
	case platform.StatusSucceeded:
		return taskdef.OutputSucceeded
	case platform.StatusFailed:
		return taskdef.OutputFailed
	default:
		return ""
	}
}

func (s *Scheduler) broadcast(ctx context.Context, cmd Command) error {
	return s.db.AddBroadcast(ctx, cmd.PointGlob, cmd.NameGlob, cmd.SettingKey, cmd.Value)
}
