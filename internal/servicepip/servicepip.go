// Package servicepip implements C10: the service-pip manager. A process
// pip may declare dependencies on services that must be started and
// report ready before the client reaches ChooseWorkerCpu; shutdown pips run
// at drain time. Grounded on the teacher's gossip server lifecycle
// (ListenAndServe blocks until ready, ctx-cancellation shutdown), adapted
// from "gRPC server ready" to "service pip ready-signal".
package servicepip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/collab"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// serviceState is a service's lifecycle position.
type serviceState uint8

const (
	serviceNotStarted serviceState = iota
	serviceStarting
	serviceReady
	serviceExited
)

type service struct {
	mu          sync.Mutex
	state       serviceState
	shutdownPip pipgraph.PipId
	readyCh     chan struct{}
	readyOnce   sync.Once
	exitErr     error
}

func newService(shutdownPip pipgraph.PipId) *service {
	return &service{shutdownPip: shutdownPip, readyCh: make(chan struct{})}
}

func (s *service) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == serviceExited {
		return
	}
	s.state = serviceReady
	s.readyOnce.Do(func() { close(s.readyCh) })
}

func (s *service) markExited(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = serviceExited
	s.exitErr = err
	s.readyOnce.Do(func() { close(s.readyCh) }) // unblock any waiting client with a failure
}

// Manager tracks every declared service pip and its clients.
type Manager struct {
	log   *zap.Logger
	ipc   collab.IPCProvider
	runner ServiceProcessRunner

	mu       sync.Mutex
	services map[pipgraph.PipId]*service // keyed by start-service pip id
}

// ServiceProcessRunner starts a service pip's long-running process. It must
// signal readiness out-of-band (via the IPC collaborator) — Start itself
// only launches the process and returns once it has been spawned, or an
// error if launch failed outright.
type ServiceProcessRunner interface {
	StartService(ctx context.Context, servicePip pipgraph.PipId) error
	StopService(ctx context.Context, shutdownPip pipgraph.PipId) error
}

// NewManager constructs a Manager.
func NewManager(log *zap.Logger, ipc collab.IPCProvider, runner ServiceProcessRunner) *Manager {
	return &Manager{log: log, ipc: ipc, runner: runner, services: make(map[pipgraph.PipId]*service)}
}

// Declare registers a service pip and the shutdown pip the scheduled set
// must be closed under (spec.md §4.1 "service finalization closure",
// §4.7 "Track the shutdown_pip_id for each started service").
func (m *Manager) Declare(servicePip, shutdownPip pipgraph.PipId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[servicePip]; !ok {
		m.services[servicePip] = newService(shutdownPip)
	}
}

// EnsureStarted starts servicePip if it has not already been started, and
// blocks the caller (a client pip about to reach ChooseWorkerCpu) until the
// service reports ready via IPC or exits before doing so (spec.md §4.7: "A
// client that starts running before its service is ready is blocked; a
// service that exits before ready-signal causes its clients to fail").
func (m *Manager) EnsureStarted(ctx context.Context, servicePip pipgraph.PipId) error {
	m.mu.Lock()
	svc, ok := m.services[servicePip]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("servicepip: %d was not declared", servicePip)
	}
	svc.mu.Lock()
	needsStart := svc.state == serviceNotStarted
	if needsStart {
		svc.state = serviceStarting
	}
	svc.mu.Unlock()
	m.mu.Unlock()

	if needsStart {
		go m.runService(servicePip, svc)
	}

	select {
	case <-svc.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.state == serviceExited {
		if svc.exitErr != nil {
			return fmt.Errorf("servicepip: service %d exited before becoming ready: %w", servicePip, svc.exitErr)
		}
		return fmt.Errorf("servicepip: service %d exited before becoming ready", servicePip)
	}
	return nil
}

func (m *Manager) runService(servicePip pipgraph.PipId, svc *service) {
	ctx := context.Background()
	if err := m.runner.StartService(ctx, servicePip); err != nil {
		m.log.Error("service pip failed to start", zap.Uint32("pip_id", uint32(servicePip)), zap.Error(err))
		svc.markExited(err)
		return
	}
	m.log.Info("service pip started, awaiting ready signal", zap.Uint32("pip_id", uint32(servicePip)))
}

// NotifyReady is called by the IPC collaborator's ready-signal handler.
func (m *Manager) NotifyReady(servicePip pipgraph.PipId) {
	m.mu.Lock()
	svc, ok := m.services[servicePip]
	m.mu.Unlock()
	if ok {
		svc.markReady()
	}
}

// NotifyExited is called when a running service process exits unexpectedly.
func (m *Manager) NotifyExited(servicePip pipgraph.PipId, err error) {
	m.mu.Lock()
	svc, ok := m.services[servicePip]
	m.mu.Unlock()
	if ok {
		svc.markExited(err)
	}
}

// ShutdownPips returns every tracked shutdown pip id (spec.md §4.1 service
// finalization closure).
func (m *Manager) ShutdownPips() []pipgraph.PipId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pipgraph.PipId, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, svc.shutdownPip)
	}
	return out
}

// Shutdown runs every tracked service's shutdown pip in arbitrary order at
// drain time (spec.md §4.7: "run the shutdown pips in arbitrary order").
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	shutdowns := make([]pipgraph.PipId, 0, len(m.services))
	for _, svc := range m.services {
		shutdowns = append(shutdowns, svc.shutdownPip)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range shutdowns {
		wg.Add(1)
		go func(id pipgraph.PipId) {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := m.runner.StopService(shutdownCtx, id); err != nil {
				m.log.Warn("service shutdown pip failed", zap.Uint32("pip_id", uint32(id)), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}
