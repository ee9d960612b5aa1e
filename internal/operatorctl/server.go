// Package operatorctl — server.go
//
// Unix domain socket server for scheduler operator overrides (spec.md §4.8
// "Operator overrides").
//
// Protocol: one JSON request, one newline-terminated JSON response, per
// connection. Grounded 1:1 on internal/operator/server.go's shape (socket
// permissions, semaphore-bounded concurrency, request-size cap, per-conn
// read/write deadline, cmd-dispatch switch) — generalized from PID/BPF
// escalation-state overrides to pip/worker overrides.
//
// Commands (JSON request -> JSON response):
//
//	{"cmd":"status"}
//	  -> scheduler.StatusSnapshot as JSON.
//
//	{"cmd":"cancel","pip_id":1234}
//	  -> Forces pip 1234 to Canceled if it has not yet reached a terminal
//	     state. No-op (ok:true) if it already has.
//
//	{"cmd":"terminate"}
//	  -> Triggers stop-on-first-error cancellation of every non-terminal
//	     pip (Scheduler.RequestTermination).
//
//	{"cmd":"worker_offline","worker_id":7}
//	  -> Detaches remote worker 7 from the pool. Pips already running on
//	     it are not requeued by this command.
//
//	{"cmd":"list_workers"}
//	  -> All attached workers (id, kind).
//
// Priority is deliberately not overridable here: RuntimeInfo.Priority is
// assigned once by the DAG driver before a pip runs and never mutated
// again (spec.md §3 invariant I5); an operator override would violate
// I5's "never mutated thereafter" guarantee, so pin/unpin-priority was
// dropped from this surface (see DESIGN.md Open Question).
package operatorctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
	"github.com/octoscheduler/octoscheduler/internal/scheduler"
	"github.com/octoscheduler/octoscheduler/internal/worker"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// SchedulerControl is the subset of *scheduler.Scheduler this server
// drives, named as an interface so tests can substitute a fake without
// standing up a full façade. internal/scheduler never imports this
// package, so depending on its concrete StatusSnapshot type here is not
// circular.
type SchedulerControl interface {
	Table() *pipgraph.Table
	Pool() *worker.Pool
	RequestTermination()
	Status() scheduler.StatusSnapshot
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd      string `json:"cmd"`
	PipID    uint32 `json:"pip_id,omitempty"`
	WorkerID int32  `json:"worker_id,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK        bool                       `json:"ok"`
	Error     string                     `json:"error,omitempty"`
	Status    *scheduler.StatusSnapshot  `json:"status,omitempty"`
	PipID     uint32                     `json:"pip_id,omitempty"`
	PrevState string                     `json:"prev_state,omitempty"`
	WorkerID  int32                      `json:"worker_id,omitempty"`
	Workers   []WorkerEntry              `json:"workers,omitempty"`
}

// WorkerEntry is a snapshot of one attached worker for list_workers.
type WorkerEntry struct {
	ID   int32  `json:"id"`
	Kind string `json:"kind"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	ctl        SchedulerControl
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operatorctl Server.
func NewServer(socketPath string, ctl SchedulerControl, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		ctl:        ctl,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operatorctl: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operatorctl: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operatorctl: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operatorctl: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operatorctl socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operatorctl: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operatorctl: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operatorctl: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	s.writeResponse(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		snap := s.ctl.Status()
		return Response{OK: true, Status: &snap}
	case "cancel":
		return s.cmdCancel(req)
	case "terminate":
		s.ctl.RequestTermination()
		s.log.Info("operatorctl: termination requested")
		return Response{OK: true}
	case "worker_offline":
		return s.cmdWorkerOffline(req)
	case "list_workers":
		return s.cmdListWorkers()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdCancel(req Request) Response {
	if req.PipID == 0 {
		return Response{OK: false, Error: "pip_id required for cancel"}
	}
	id := pipgraph.PipId(req.PipID)
	ri, ok := s.ctl.Table().Get(id)
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("pip %d not scheduled", req.PipID)}
	}
	prev := ri.State()
	ri.TrySetState(pipgraph.PipStateCanceled)
	s.log.Info("operatorctl: pip canceled",
		zap.Uint32("pip_id", req.PipID), zap.String("prev_state", prev.String()))
	return Response{OK: true, PipID: req.PipID, PrevState: prev.String()}
}

func (s *Server) cmdWorkerOffline(req Request) Response {
	if req.WorkerID == 0 {
		return Response{OK: false, Error: "worker_id required for worker_offline"}
	}
	w, ok := s.ctl.Pool().Get(req.WorkerID)
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("worker %d not attached", req.WorkerID)}
	}
	if w.Kind == worker.KindLocal {
		return Response{OK: false, Error: "cannot detach the local worker"}
	}
	s.ctl.Pool().Detach(req.WorkerID)
	s.log.Info("operatorctl: worker forced offline", zap.Int32("worker_id", req.WorkerID))
	return Response{OK: true, WorkerID: req.WorkerID}
}

func (s *Server) cmdListWorkers() Response {
	var out []WorkerEntry
	s.ctl.Pool().Range(func(w *worker.Worker) {
		kind := "local"
		if w.Kind == worker.KindRemote {
			kind = "remote"
		}
		out = append(out, WorkerEntry{ID: w.ID, Kind: kind})
	})
	return Response{OK: true, Workers: out}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
