// Package control exposes the scheduler's command surface over plain HTTP,
// the way services/orchestrator/main.go exposes its workflow
// store: a bare http.NewServeMux, one JSON-in/JSON-out handler per
// operation, http.Error for client mistakes. The external-interfaces
// description calls for a GraphQL-flavored wire protocol, but no GraphQL
// library appears anywhere in the retrieved corpus, so the same operations
// are served as small REST-ish handlers instead (recorded as an Open
// Question resolution alongside the scheduler ledger entry).
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cylc/cylc-flow-go/internal/config"
	"github.com/cylc/cylc-flow-go/internal/scheduler"
)

// Server wraps one running Scheduler with an HTTP mux. It holds no other
// state: every handler's job is to decode a request into a
// scheduler.Command, submit it, and wait for the reply.
type Server struct {
	sched *scheduler.Scheduler
	http  *http.Server
}

// New builds a Server bound to addr (":8080"-style) and sched.
func New(addr string, sched *scheduler.Scheduler) *Server {
	s := &Server{sched: sched}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/play", s.handleSimple(scheduler.KindPlay))
	mux.HandleFunc("/v1/pause", s.handleSimple(scheduler.KindPause))
	mux.HandleFunc("/v1/resume", s.handleSimple(scheduler.KindResume))
	mux.HandleFunc("/v1/stop", s.handleStop)
	mux.HandleFunc("/v1/hold", s.handleTaskTarget(scheduler.KindHold))
	mux.HandleFunc("/v1/release", s.handleTaskTarget(scheduler.KindRelease))
	mux.HandleFunc("/v1/trigger", s.handleTrigger)
	mux.HandleFunc("/v1/set", s.handleSetOutputs)
	mux.HandleFunc("/v1/kill", s.handleTaskTarget(scheduler.KindKill))
	mux.HandleFunc("/v1/poll", s.handleTaskTarget(scheduler.KindPoll))
	mux.HandleFunc("/v1/broadcast", s.handleBroadcast)
	mux.HandleFunc("/v1/reload", s.handleReload)
	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe runs the HTTP server until it errors or is shut down;
// callers typically run this in its own goroutine alongside Scheduler.Run.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close gracefully shuts the HTTP server down.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// submitAndWait enqueues cmd and blocks for the scheduler's next tick to
// apply it, so the HTTP response reflects whether the command actually
// succeeded rather than merely "was queued".
func (s *Server) submitAndWait(cmd scheduler.Command) error {
	result := make(chan error, 1)
	cmd.Result = result
	s.sched.Submit(cmd)
	select {
	case err := <-result:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("control: command %q timed out waiting for scheduler tick", cmd.Kind)
	}
}

func (s *Server) handleSimple(kind scheduler.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.submitAndWait(scheduler.Command{Kind: kind}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type stopRequest struct {
	Now  bool `json:"now"`
	Kill bool `json:"kill"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req stopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}
	if err := s.submitAndWait(scheduler.Command{Kind: scheduler.KindStop, StopNow: req.Now, StopKill: req.Kill}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type taskTargetRequest struct {
	TaskName   string `json:"task_name"`
	CyclePoint string `json:"cycle_point"`
}

func (s *Server) handleTaskTarget(kind scheduler.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req taskTargetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if kind != scheduler.KindHold && kind != scheduler.KindRelease && req.TaskName == "" {
			http.Error(w, "task_name required", http.StatusBadRequest)
			return
		}
		err := s.submitAndWait(scheduler.Command{Kind: kind, TaskName: req.TaskName, CyclePoint: req.CyclePoint})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type triggerRequest struct {
	TaskName   string `json:"task_name"`
	CyclePoint string `json:"cycle_point"`
	NewFlow    bool   `json:"new_flow"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.TaskName == "" || req.CyclePoint == "" {
		http.Error(w, "task_name and cycle_point required", http.StatusBadRequest)
		return
	}
	err := s.submitAndWait(scheduler.Command{
		Kind: scheduler.KindTrigger, TaskName: req.TaskName, CyclePoint: req.CyclePoint, NewFlow: req.NewFlow,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type setOutputsRequest struct {
	TaskName   string   `json:"task_name"`
	CyclePoint string   `json:"cycle_point"`
	Outputs    []string `json:"outputs"`
}

func (s *Server) handleSetOutputs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req setOutputsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.TaskName == "" || req.CyclePoint == "" || len(req.Outputs) == 0 {
		http.Error(w, "task_name, cycle_point and outputs required", http.StatusBadRequest)
		return
	}
	err := s.submitAndWait(scheduler.Command{
		Kind: scheduler.KindSetOutputs, TaskName: req.TaskName, CyclePoint: req.CyclePoint, Outputs: req.Outputs,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type broadcastRequest struct {
	PointGlob string `json:"point_glob"`
	NameGlob  string `json:"name_glob"`
	Setting   string `json:"setting"`
	Value     string `json:"value"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.PointGlob == "" || req.NameGlob == "" || req.Setting == "" {
		http.Error(w, "point_glob, name_glob and setting required", http.StatusBadRequest)
		return
	}
	err := s.submitAndWait(scheduler.Command{
		Kind: scheduler.KindBroadcast, PointGlob: req.PointGlob, NameGlob: req.NameGlob,
		SettingKey: req.Setting, Value: req.Value,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type reloadRequest struct {
	Definition string `json:"definition"`
	Mode       string `json:"mode"` // "cylc8" (default) or "cylc7"
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Definition == "" {
		http.Error(w, "definition required", http.StatusBadRequest)
		return
	}
	mode := config.ModeCylc8
	if req.Mode == "cylc7" {
		mode = config.ModeCylc7Compat
	}
	err := s.submitAndWait(scheduler.Command{Kind: scheduler.KindReload, NewYAML: []byte(req.Definition), Mode: mode})
	if err != nil {
		slog.Error("reload failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
