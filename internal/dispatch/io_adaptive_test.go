package dispatch

import (
	"testing"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

type fixedDiskSampler struct{ headroom float64 }

func (f fixedDiskSampler) SampleDiskHeadroom() float64 { return f.headroom }

func TestIODegreeMonitorRaisesOnAmpleHeadroom(t *testing.T) {
	exec := &recordingExecutor{}
	d := New(zap.NewNop(), exec, map[pipgraph.DispatcherKind]int{pipgraph.DispatcherIO: 4})

	m := NewIODegreeMonitor(zap.NewNop(), d, fixedDiskSampler{headroom: 0.9}, 0, 1, 16, 4)
	m.adjust()

	if got := d.Queue(pipgraph.DispatcherIO).Max(); got != 5 {
		t.Fatalf("expected degree raised to 5, got %d", got)
	}
}

func TestIODegreeMonitorLowersOnSaturation(t *testing.T) {
	exec := &recordingExecutor{}
	d := New(zap.NewNop(), exec, map[pipgraph.DispatcherKind]int{pipgraph.DispatcherIO: 4})

	m := NewIODegreeMonitor(zap.NewNop(), d, fixedDiskSampler{headroom: 0.1}, 0, 1, 16, 4)
	m.adjust()

	if got := d.Queue(pipgraph.DispatcherIO).Max(); got != 3 {
		t.Fatalf("expected degree lowered to 3, got %d", got)
	}
}
