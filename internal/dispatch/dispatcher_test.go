package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

type recordingExecutor struct {
	mu  sync.Mutex
	ran []pipgraph.PipId
	wg  *sync.WaitGroup
}

func (e *recordingExecutor) ExecuteStep(pip *pipgraph.RunnablePip) {
	e.mu.Lock()
	e.ran = append(e.ran, pip.PipID)
	e.mu.Unlock()
	if e.wg != nil {
		e.wg.Done()
	}
}

func TestDispatcherRunsEnqueuedItems(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	exec := &recordingExecutor{wg: &wg}

	d := New(zap.NewNop(), exec, map[pipgraph.DispatcherKind]int{
		pipgraph.DispatcherCPU: 4,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	p1 := newPip(1)
	p1.DispatcherKind = pipgraph.DispatcherCPU
	p2 := newPip(2)
	p2.DispatcherKind = pipgraph.DispatcherCPU

	d.Enqueue(p1, 0)
	d.Enqueue(p2, 0)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatched items to execute")
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.ran) != 2 {
		t.Fatalf("expected 2 items executed, got %d", len(exec.ran))
	}
}

func TestDispatcherCancelStopsLoop(t *testing.T) {
	exec := &recordingExecutor{}
	d := New(zap.NewNop(), exec, map[pipgraph.DispatcherKind]int{pipgraph.DispatcherCPU: 1})

	stopped := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(stopped)
	}()

	d.Cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected drain loop to terminate after Cancel")
	}
}
