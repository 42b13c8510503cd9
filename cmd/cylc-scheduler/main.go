// Command cylc-scheduler boots and runs a single workflow's scheduler
// process, grounded on services/orchestrator/main.go's bootstrap sequence:
// structured logging, tracer/metrics init, an HTTP surface started in its
// own goroutine, signal-driven shutdown. cobra supplies the "play"
// subcommand and its flags the way a real Cylc installation's CLI would.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cylc/cylc-flow-go/internal/config"
	"github.com/cylc/cylc-flow-go/internal/control"
	"github.com/cylc/cylc-flow-go/internal/cycle"
	"github.com/cylc/cylc-flow-go/internal/flow"
	"github.com/cylc/cylc-flow-go/internal/jobmanager"
	"github.com/cylc/cylc-flow-go/internal/messaging"
	"github.com/cylc/cylc-flow-go/internal/obsinit"
	"github.com/cylc/cylc-flow-go/internal/obslog"
	"github.com/cylc/cylc-flow-go/internal/platform"
	"github.com/cylc/cylc-flow-go/internal/pool"
	"github.com/cylc/cylc-flow-go/internal/prereq"
	"github.com/cylc/cylc-flow-go/internal/scheduler"
	"github.com/cylc/cylc-flow-go/internal/statedb"
)

func main() {
	root := &cobra.Command{
		Use:   "cylc-scheduler",
		Short: "Run a Cylc-style cycling workflow scheduler",
	}
	root.AddCommand(newPlayCommand())
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newPlayCommand() *cobra.Command {
	var (
		workflowID string
		flowFile   string
		runDir     string
		mode       string
		httpAddr   string
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "start (or restart) a workflow run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workflowID == "" {
				return fmt.Errorf("--workflow is required")
			}
			if runDir == "" {
				runDir = filepath.Join(os.Getenv("HOME"), "cylc-run", workflowID)
			}
			m := config.ModeCylc8
			if mode == "cylc7" || filepath.Base(flowFile) == "suite.rc" {
				m = config.ModeCylc7Compat
			}
			return play(workflowID, flowFile, runDir, m, httpAddr)
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id, used for run directory and NATS subject namespacing")
	cmd.Flags().StringVar(&flowFile, "flow-file", "flow.cylc", "path to the (already template-expanded) workflow definition")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory (default $HOME/cylc-run/<workflow>)")
	cmd.Flags().StringVar(&mode, "mode", "cylc8", "graph semantics: cylc8 or cylc7")
	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "control surface listen address")
	return cmd
}

func play(workflowID, flowFile, runDir string, mode config.Mode, httpAddr string) error {
	obslog.Init("cylc-scheduler")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := obsinit.InitTracer(ctx, "cylc-scheduler")
	shutdownMetrics, metrics := obsinit.InitMetrics(ctx, "cylc-scheduler")
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		obsinit.Flush(flushCtx, shutdownTrace)
		_ = shutdownMetrics(flushCtx)
	}()

	yamlBytes, err := os.ReadFile(flowFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", flowFile, err)
	}
	cfg, err := config.Load(yamlBytes, mode)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flowFile, err)
	}

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	db, err := statedb.Open(filepath.Join(runDir, "workflow.db"))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	alloc := flow.NewAllocator()
	poolRows, err := db.LoadPool(ctx)
	if err != nil {
		return fmt.Errorf("load persisted task pool: %w", err)
	}
	var p *pool.Pool
	if len(poolRows) > 0 {
		p, err = restorePool(ctx, cfg, alloc, db, poolRows)
		if err != nil {
			return fmt.Errorf("restore task pool from database: %w", err)
		}
		slog.Info("restored task pool from database", "tasks", len(poolRows))
	} else {
		p = pool.New(cfg, alloc)
		initialFlow := alloc.New()
		p.SpawnStart(flow.NewSet(initialFlow))
		if err := db.RecordFlow(ctx, initialFlow, "original flow", time.Now()); err != nil {
			slog.Warn("record initial flow failed", "error", err)
		}
	}

	registry := platform.NewRegistry(newHostRunner())
	jm := jobmanager.New(cfg, registry, db, runDir)

	sched := scheduler.New(cfg, p, jm, db, alloc, runDir, metrics)

	nc, err := messaging.Connect()
	if err != nil {
		slog.Warn("job-message intake disabled, falling back to polling", "error", err)
	} else {
		defer nc.Close()
		subject := messaging.SubjectFor(workflowID)
		sub, err := messaging.Subscribe(nc, subject, func(ctx context.Context, msg jobmanager.Message) error {
			sched.Inbox() <- msg
			return nil
		})
		if err != nil {
			slog.Warn("job-message subscription failed, falling back to polling", "error", err)
		} else {
			defer sub.Unsubscribe()
		}
	}

	srv := control.New(httpAddr, sched)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("control server error", "error", err)
			cancel()
		}
	}()

	slog.Info("workflow started", "workflow", workflowID, "run_dir", runDir)
	runErr := sched.Run(ctx)

	_ = srv.Close()
	slog.Info("workflow stopped", "workflow", workflowID)
	return runErr
}

// restorePool rebuilds the in-memory Pool from a running workflow's last
// persisted task_pool/task_outputs/task_prerequisites rows, the counterpart
// to Scheduler.persistPool's per-tick snapshot: a restart picks up exactly
// where the last checkpoint left off instead of re-spawning start tasks.
func restorePool(ctx context.Context, cfg *config.Config, alloc *flow.Allocator, db *statedb.DB, rows []statedb.PoolRow) (*pool.Pool, error) {
	p := pool.New(cfg, alloc)
	for _, row := range rows {
		point, err := cycle.ParsePoint(row.Cycle, cfg.Calendar)
		if err != nil {
			return nil, fmt.Errorf("bad cycle point %q for %s: %w", row.Cycle, row.Name, err)
		}
		nums, err := parseFlowNumbers(row.Flow)
		if err != nil {
			return nil, fmt.Errorf("bad flow %q for %s.%s: %w", row.Flow, row.Name, row.Cycle, err)
		}
		for _, n := range nums {
			alloc.Observe(n)
		}
		px, err := p.RestoreProxy(row.Name, point, flow.NewSet(nums...), pool.State(row.Status), row.Held, row.SubmitNum)
		if err != nil {
			return nil, fmt.Errorf("restore %s.%s: %w", row.Name, row.Cycle, err)
		}

		outputs, err := db.LoadOutputs(ctx, row.Cycle, row.Name, row.Flow)
		if err != nil {
			return nil, fmt.Errorf("load outputs for %s.%s: %w", row.Name, row.Cycle, err)
		}
		px.CompletedOutputs = outputs

		prereqRow, ok, err := db.LoadPrerequisites(ctx, row.Cycle, row.Name, row.Flow)
		if err != nil {
			return nil, fmt.Errorf("load prerequisites for %s.%s: %w", row.Name, row.Cycle, err)
		}
		if ok {
			var snap prereq.Snapshot
			if err := json.Unmarshal(prereqRow.SnapshotJSON, &snap); err != nil {
				return nil, fmt.Errorf("unmarshal prerequisite snapshot for %s.%s: %w", row.Name, row.Cycle, err)
			}
			px.Prereq = prereq.Restore(prereqRow.ClauseSizes, snap)
		}
	}
	return p, nil
}

func parseFlowNumbers(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	nums := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		nums[i] = n
	}
	return nums, nil
}

// newHostRunner builds the CommandRunner used for every platform: local
// execution for "localhost" (and the empty host used by the "background"
// batch system), SSH for anything else. SSH is wired lazily and only if an
// ssh-agent is reachable, since a workflow with no remote platforms should
// never fail to start for lack of one.
func newHostRunner() platform.CommandRunner {
	ssh, err := platform.NewSSHRunner()
	if err != nil {
		slog.Info("remote platforms unavailable", "reason", err)
		return platform.LocalRunner{}
	}
	return hostRunner{local: platform.LocalRunner{}, remote: ssh}
}

type hostRunner struct {
	local  platform.CommandRunner
	remote platform.CommandRunner
}

func (r hostRunner) Run(ctx context.Context, host string, argv []string, stdin string) (string, string, error) {
	if host == "" || host == "localhost" || isLoopback(host) {
		return r.local.Run(ctx, host, argv, stdin)
	}
	return r.remote.Run(ctx, host, argv, stdin)
}

func isLoopback(host string) bool {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		h = host
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
