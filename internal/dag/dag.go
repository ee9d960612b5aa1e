// Package dag implements C8: initial priority computation, readiness
// seeding, and dependent ref-count propagation on pip completion.
// Grounded on script-weaver's internal/dag topological refcount-seeding
// approach (reference, not teacher), reimplemented from scratch in the
// teacher's zap-logging idiom with no third-party graph library — this is
// pure graph arithmetic that no pack dependency covers.
package dag

import (
	"sort"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/collab"
	"github.com/octoscheduler/octoscheduler/internal/config"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// Edge is a single dependency edge. Heavy edges gate ref-count and failure
// propagation; light edges only order dispatch (spec.md §4.1).
type Edge struct {
	From  pipgraph.PipId
	To    pipgraph.PipId
	Heavy bool
}

// Driver owns the scheduled subgraph's priority computation and
// post-completion ref-count propagation.
type Driver struct {
	log   *zap.Logger
	graph collab.PipGraph
	table *pipgraph.Table
	cfg   config.Config

	heavyOut map[pipgraph.PipId][]pipgraph.PipId
	heavyIn  map[pipgraph.PipId][]pipgraph.PipId
	lightOut map[pipgraph.PipId][]pipgraph.PipId

	serviceClientOf map[pipgraph.PipId]pipgraph.PipId // client pip -> its service's shutdown pip

	seeder Seeder // set by the façade before the driver starts taking OnPipDone calls
}

// NewDriver constructs a Driver over the given collaborator graph and
// runtime-info table.
func NewDriver(log *zap.Logger, graph collab.PipGraph, table *pipgraph.Table, cfg config.Config) *Driver {
	return &Driver{
		log:             log,
		graph:           graph,
		table:           table,
		cfg:             cfg,
		heavyOut:        make(map[pipgraph.PipId][]pipgraph.PipId),
		heavyIn:         make(map[pipgraph.PipId][]pipgraph.PipId),
		lightOut:        make(map[pipgraph.PipId][]pipgraph.PipId),
		serviceClientOf: make(map[pipgraph.PipId]pipgraph.PipId),
	}
}

// AddEdge records a scheduled edge. Call for every edge in the
// filter-reduced subgraph before InitForMaster.
func (d *Driver) AddEdge(e Edge) {
	if e.Heavy {
		d.heavyOut[e.From] = append(d.heavyOut[e.From], e.To)
		d.heavyIn[e.To] = append(d.heavyIn[e.To], e.From)
	} else {
		d.lightOut[e.From] = append(d.lightOut[e.From], e.To)
	}
}

// DeclareServiceClient records that clientPip depends on serviceShutdownPip
// being included in the scheduled set (spec.md §4.1 "service finalization
// closure").
func (d *Driver) DeclareServiceClient(clientPip, serviceShutdownPip pipgraph.PipId) {
	d.serviceClientOf[clientPip] = serviceShutdownPip
}

// ServiceShutdownPips returns every shutdown pip a declared service-client
// pulls into the scheduled set.
func (d *Driver) ServiceShutdownPips() []pipgraph.PipId {
	seen := make(map[pipgraph.PipId]bool)
	var out []pipgraph.PipId
	for _, shutdown := range d.serviceClientOf {
		if !seen[shutdown] {
			seen[shutdown] = true
			out = append(out, shutdown)
		}
	}
	return out
}

// InitForMaster computes priorities for every node in topologically
// descending order (sinks first) and seeds each RuntimeInfo's ref-count to
// its heavy in-degree (spec.md §4.1). nodes must already be reduced to the
// filter-passing set and its transitive dependencies by the caller (the
// scheduler façade, which owns the collaborator graph walk).
func (d *Driver) InitForMaster(nodes []pipgraph.PipId) {
	order := topoSinksFirst(nodes, d.heavyOut)
	estimatedMs := make(map[pipgraph.PipId]int32, len(order))
	criticalPath := make(map[pipgraph.PipId]int32, len(order))

	for _, id := range order {
		t := d.graph.PipType(id)
		inDegree := len(d.heavyIn[id])
		own := config.EstimatedMsForType(t, inDegree)
		estimatedMs[id] = own

		var maxIncoming int32
		for _, dep := range d.heavyOut[id] {
			if cp := criticalPath[dep]; cp > maxIncoming {
				maxIncoming = cp
			}
		}
		cp := maxIncoming + own
		criticalPath[id] = cp

		static := staticPriorityFor(t)
		if _, isClient := d.serviceClientOf[id]; isClient {
			static = pipgraph.MaxStaticPriority
		}
		priority := pipgraph.EncodePriority(static, cp)
		if ri, ok := d.table.Get(id); ok {
			ri.SetPriority(priority)
		}
	}

	d.seedReadiness(nodes)
}

// staticPriorityFor returns the static priority for a pip type: meta pips
// get pipgraph.MaxStaticPriority, every other type a mid-range default.
// InitForMaster lifts declared service-client pips to the maximum as well
// (spec.md §4.1 "Meta pips receive maximum priority; service-client pips
// lift their priority above any process").
func staticPriorityFor(t pipgraph.PipType) uint8 {
	if t.IsMeta() {
		return pipgraph.MaxStaticPriority
	}
	return 0x40
}

// seedReadiness puts every source node (no heavy in-edges) into Ready and
// everything else into Waiting with ref_count = heavy in-degree.
func (d *Driver) seedReadiness(nodes []pipgraph.PipId) {
	for _, id := range nodes {
		ri, ok := d.table.Get(id)
		if !ok {
			continue
		}
		if len(d.heavyIn[id]) == 0 {
			ri.TrySetState(pipgraph.PipStateWaiting)
			ri.TrySetState(pipgraph.PipStateReady)
		} else {
			ri.TrySetState(pipgraph.PipStateWaiting)
		}
	}
}

// Seeder hands a newly-ready pip to the runner as a RunnablePip for
// dispatch. The driver only decides readiness; construction of the
// RunnablePip and its initial step/queue is the caller's (scheduler
// façade's) responsibility, since only it knows the "now" timestamp and
// holds the dispatcher.
type Seeder interface {
	Seed(id pipgraph.PipId, priority int32)
}

// SetSeeder wires the façade that turns a newly-ready pip into a dispatched
// RunnablePip. Must be called before the driver is handed to the runner as
// a Finalizer.
func (d *Driver) SetSeeder(s Seeder) {
	d.seeder = s
}

// OnPipDone implements runner.Finalizer: propagates ref-count decrements
// and skip/flag state across every outgoing heavy edge, handing any
// dependent that reaches ref_count == 0 to seeder as a new runnable
// (spec.md §4.1 "Dependent update").
func (d *Driver) OnPipDone(pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) {
	d.Propagate(pip.PipID, ri, d.seeder)
}

// Propagate performs the dependent-update algorithm for a single completed
// pip. seeder may be nil in tests that only assert ref-count/skip state.
func (d *Driver) Propagate(id pipgraph.PipId, ri *pipgraph.RuntimeInfo, seeder Seeder) {
	failedOrSkipped := ri.Result() == pipgraph.ResultFailed || ri.Result() == pipgraph.ResultSkipped
	uncacheable := ri.IsUncacheableImpacted()

	for _, depID := range d.heavyOut[id] {
		depRI, ok := d.table.Get(depID)
		if !ok {
			continue
		}

		if failedOrSkipped {
			// CAS retry loop: TrySetState is itself idempotent under races,
			// so a plain call here already satisfies "idempotent under
			// races via a CAS retry loop" (spec.md §4.1).
			if depRI.TrySetState(pipgraph.PipStateSkipped) {
				depRI.SetResult(pipgraph.ResultSkipped)
			}
		}
		if uncacheable {
			depRI.MarkUncacheableImpacted()
		}

		if depRI.State().IsTerminal() {
			// The skip transition above (this pass or a prior one) already
			// forced ref_count := CompletedRefCount as its side effect
			// (I3); decrementing further would drive it past -1 (P1).
			continue
		}

		remaining := depRI.DecrementRefCount()
		if remaining == 0 {
			depRI.TrySetState(pipgraph.PipStateReady)
			if seeder != nil {
				seeder.Seed(depID, depRI.Priority())
			}
		}
	}
}

// topoSinksFirst returns nodes ordered so every node appears before all of
// its heavy predecessors (a reverse topological sort): visiting in this
// order lets a single pass compute each node's critical path from its
// already-computed dependents.
func topoSinksFirst(nodes []pipgraph.PipId, heavyOut map[pipgraph.PipId][]pipgraph.PipId) []pipgraph.PipId {
	visited := make(map[pipgraph.PipId]bool, len(nodes))
	var order []pipgraph.PipId

	sorted := append([]pipgraph.PipId(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var visit func(id pipgraph.PipId)
	visit = func(id pipgraph.PipId) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range heavyOut[id] {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range sorted {
		visit(id)
	}
	return order
}

