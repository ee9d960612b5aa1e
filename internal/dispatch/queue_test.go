package dispatch

import (
	"testing"
	"time"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

func newPip(id pipgraph.PipId) *pipgraph.RunnablePip {
	return pipgraph.NewRunnablePip(id, pipgraph.PipTypeProcess, 0, time.Now())
}

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewQueue(pipgraph.DispatcherCPU, 10)
	low := newPip(1)
	high := newPip(2)
	highLater := newPip(3)

	q.Enqueue(low, 1)
	q.Enqueue(high, 5)
	q.Enqueue(highLater, 5)

	first := q.TryDequeue()
	second := q.TryDequeue()
	third := q.TryDequeue()

	if first.PipID != high.PipID {
		t.Fatalf("expected highest priority first, got %v", first.PipID)
	}
	if second.PipID != highLater.PipID {
		t.Fatalf("expected FIFO among equal priority, got %v", second.PipID)
	}
	if third.PipID != low.PipID {
		t.Fatalf("expected lowest priority last, got %v", third.PipID)
	}
}

func TestQueueRespectsRunningCap(t *testing.T) {
	q := NewQueue(pipgraph.DispatcherCPU, 1)
	q.Enqueue(newPip(1), 0)
	q.Enqueue(newPip(2), 0)

	if q.TryDequeue() == nil {
		t.Fatalf("expected first dequeue to succeed")
	}
	if q.TryDequeue() != nil {
		t.Fatalf("expected second dequeue to block on running cap")
	}
	q.Finish()
	if q.TryDequeue() == nil {
		t.Fatalf("expected dequeue to succeed after Finish freed a slot")
	}
}
