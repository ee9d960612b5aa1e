package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// DiskSampler reports a disk performance sample in [0,1], where values near
// 1 indicate the disk is comfortably keeping up and values near 0 indicate
// it is saturated. The concrete sampler lives with whichever collaborator
// owns file I/O; this package only reacts to the signal.
type DiskSampler interface {
	SampleDiskHeadroom() float64
}

// IODegreeMonitor raises or lowers the IO queue's max-running degree in
// response to disk performance samples (spec.md §4.2: "The I/O queue
// supports adaptive degree").
type IODegreeMonitor struct {
	log        *zap.Logger
	dispatcher *Dispatcher
	sampler    DiskSampler
	interval   time.Duration
	minDegree  int
	maxDegree  int
	current    int
}

// NewIODegreeMonitor constructs a monitor bounded to [minDegree, maxDegree],
// starting at startDegree.
func NewIODegreeMonitor(log *zap.Logger, dispatcher *Dispatcher, sampler DiskSampler, interval time.Duration, minDegree, maxDegree, startDegree int) *IODegreeMonitor {
	return &IODegreeMonitor{
		log:        log,
		dispatcher: dispatcher,
		sampler:    sampler,
		interval:   interval,
		minDegree:  minDegree,
		maxDegree:  maxDegree,
		current:    startDegree,
	}
}

// Run periodically samples disk headroom and adjusts the IO queue's degree
// until ctx is canceled.
func (m *IODegreeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.adjust()
		}
	}
}

// adjust raises the degree by one when headroom is ample, lowers it by one
// when the disk is saturated, and holds steady in between.
func (m *IODegreeMonitor) adjust() {
	headroom := m.sampler.SampleDiskHeadroom()
	switch {
	case headroom > 0.7 && m.current < m.maxDegree:
		m.current++
	case headroom < 0.3 && m.current > m.minDegree:
		m.current--
	default:
		return
	}
	m.log.Debug("adjusting io queue degree", zap.Int("degree", m.current), zap.Float64("headroom", headroom))
	m.dispatcher.AdjustDegree(pipgraph.DispatcherIO, m.current)
}
