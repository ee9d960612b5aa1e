package servicepip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

type fakeRunner struct {
	mu        sync.Mutex
	started   []pipgraph.PipId
	stopped   []pipgraph.PipId
	startErr  error
	autoReady bool
	notify    func(pipgraph.PipId)
}

func (f *fakeRunner) StartService(ctx context.Context, servicePip pipgraph.PipId) error {
	f.mu.Lock()
	f.started = append(f.started, servicePip)
	err := f.startErr
	auto := f.autoReady
	notify := f.notify
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if auto && notify != nil {
		notify(servicePip)
	}
	return nil
}

func (f *fakeRunner) StopService(ctx context.Context, shutdownPip pipgraph.PipId) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, shutdownPip)
	f.mu.Unlock()
	return nil
}

func TestEnsureStartedBlocksUntilReady(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(zap.NewNop(), nil, runner)
	m.Declare(10, 11)
	runner.notify = m.NotifyReady

	done := make(chan error, 1)
	go func() {
		done <- m.EnsureStarted(context.Background(), 10)
	}()

	select {
	case err := <-done:
		t.Fatalf("EnsureStarted returned before ready signal: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	m.NotifyReady(10)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error after ready signal, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("EnsureStarted never returned after ready signal")
	}
}

func TestEnsureStartedOnlyStartsOnce(t *testing.T) {
	runner := &fakeRunner{autoReady: true}
	m := NewManager(zap.NewNop(), nil, runner)
	m.Declare(20, 21)
	runner.notify = m.NotifyReady

	if err := m.EnsureStarted(context.Background(), 20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.EnsureStarted(context.Background(), 20); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}

	runner.mu.Lock()
	startCount := len(runner.started)
	runner.mu.Unlock()
	if startCount != 1 {
		t.Fatalf("expected service started exactly once, got %d", startCount)
	}
}

func TestEnsureStartedFailsWhenServiceExitsBeforeReady(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("boom")}
	m := NewManager(zap.NewNop(), nil, runner)
	m.Declare(30, 31)

	err := m.EnsureStarted(context.Background(), 30)
	if err == nil {
		t.Fatal("expected error when service fails to start before ready")
	}
}

func TestEnsureStartedFailsOnUndeclaredService(t *testing.T) {
	m := NewManager(zap.NewNop(), nil, &fakeRunner{})
	if err := m.EnsureStarted(context.Background(), 999); err == nil {
		t.Fatal("expected error for undeclared service pip")
	}
}

func TestNotifyExitedUnblocksWaitingClient(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(zap.NewNop(), nil, runner)
	m.Declare(40, 41)

	done := make(chan error, 1)
	go func() {
		done <- m.EnsureStarted(context.Background(), 40)
	}()

	time.Sleep(20 * time.Millisecond)
	m.NotifyExited(40, errors.New("crashed"))

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after service exited before ready")
		}
	case <-time.After(time.Second):
		t.Fatal("EnsureStarted never returned after exit notification")
	}
}

func TestShutdownRunsAllTrackedShutdownPips(t *testing.T) {
	runner := &fakeRunner{autoReady: true}
	m := NewManager(zap.NewNop(), nil, runner)
	m.Declare(50, 51)
	m.Declare(60, 61)
	runner.notify = m.NotifyReady

	if err := m.EnsureStarted(context.Background(), 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.EnsureStarted(context.Background(), 60); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.Shutdown(context.Background())

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.stopped) != 2 {
		t.Fatalf("expected both shutdown pips to run, got %v", runner.stopped)
	}
}

func TestShutdownPipsReflectsDeclarations(t *testing.T) {
	m := NewManager(zap.NewNop(), nil, &fakeRunner{})
	m.Declare(70, 71)
	m.Declare(80, 81)

	shutdowns := m.ShutdownPips()
	if len(shutdowns) != 2 {
		t.Fatalf("expected 2 shutdown pips, got %d", len(shutdowns))
	}
}
