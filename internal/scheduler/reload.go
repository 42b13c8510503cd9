package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cylc/cylc-flow-go/internal/config"
)

// reload re-parses a freshly template-expanded definition and applies it to
// the running configuration in place, so every holder of the original *Config
// pointer (the pool included) observes the update without a restart.
//
// In-flight TaskProxies keep their already-resolved *taskdef.TaskDef, since
// Prepare/Submit read through the proxy's own pointer rather than looking the
// definition back up by name; only tasks spawned after this call pick up the
// new definition. The only check before applying is checkReloadSafe: a
// reload that drops the definition of a task with a proxy in the pool is
// refused. Graph edits are applied without checking whether they add
// prerequisites on tasks never spawned under the running flow.
func (s *Scheduler) reload(cmd Command) error {
	if err := s.db.Checkpoint(context.Background(), "reload-start"); err != nil {
		slog.Error("reload: pre-reload checkpoint failed", "error", err)
	}

	next, err := config.Load(cmd.NewYAML, cmd.Mode)
	if err != nil {
		return fmt.Errorf("scheduler: reload: parse definition: %w", err)
	}

	if err := s.checkReloadSafe(next); err != nil {
		return fmt.Errorf("scheduler: reload refused: %w", err)
	}

	s.cfg.TaskDefs = next.TaskDefs
	s.cfg.Graph = next.Graph
	s.cfg.Platforms = next.Platforms
	s.cfg.Groups = next.Groups
	s.cfg.PlatformOrder = next.PlatformOrder
	s.cfg.Queues = next.Queues
	s.cfg.RunaheadLimit = next.RunaheadLimit
	s.cfg.HasRunaheadLimit = next.HasRunaheadLimit
	s.cfg.FinalCyclePoint = next.FinalCyclePoint
	s.cfg.HasFinalPoint = next.HasFinalPoint
	s.cfg.StallTimeout = next.StallTimeout
	s.cfg.AbortOnStallTimeout = next.AbortOnStallTimeout
	s.cfg.AllowImplicitTasks = next.AllowImplicitTasks

	if err := s.db.Checkpoint(context.Background(), "reload-end"); err != nil {
		slog.Error("reload: post-reload checkpoint failed", "error", err)
	}
	slog.Info("reload applied", "tasks", len(s.cfg.TaskDefs))
	return nil
}

// checkReloadSafe refuses a reload that drops a task definition still owned
// by an in-flight proxy: the proxy would otherwise finish against runtime
// that no longer exists in the definition the next checkpoint restores from.
func (s *Scheduler) checkReloadSafe(next *config.Config) error {
	for _, px := range s.pool.All() {
		if _, ok := next.TaskDefs[px.Def.Name]; !ok {
			return fmt.Errorf("task %q is active at %s and cannot be removed by reload", px.Def.Name, px.Point.String())
		}
	}
	return nil
}
