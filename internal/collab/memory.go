package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// MemGraph is a minimal in-memory PipGraph, used by the façade's own tests
// and by cmd/scheduler-sim's synthetic DAGs. Grounded on the operator
// registry's mutex-protected map shape, generalized from a flat key-value
// store to an adjacency-list graph.
type MemGraph struct {
	mu       sync.RWMutex
	types    map[pipgraph.PipId]pipgraph.PipType
	outgoing map[pipgraph.PipId][]pipgraph.PipId
	incoming map[pipgraph.PipId][]pipgraph.PipId
	producer map[string]pipgraph.PipId
	service  map[pipgraph.PipId][2]pipgraph.PipId // client -> [servicePip, shutdownPip]
}

// NewMemGraph constructs an empty MemGraph.
func NewMemGraph() *MemGraph {
	return &MemGraph{
		types:    make(map[pipgraph.PipId]pipgraph.PipType),
		outgoing: make(map[pipgraph.PipId][]pipgraph.PipId),
		incoming: make(map[pipgraph.PipId][]pipgraph.PipId),
		producer: make(map[string]pipgraph.PipId),
		service:  make(map[pipgraph.PipId][2]pipgraph.PipId),
	}
}

// DeclareServiceDependency records that clientPip depends on servicePip,
// shut down via shutdownPip at drain time.
func (g *MemGraph) DeclareServiceDependency(clientPip, servicePip, shutdownPip pipgraph.PipId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.service[clientPip] = [2]pipgraph.PipId{servicePip, shutdownPip}
}

// AddNode registers a pip's type.
func (g *MemGraph) AddNode(id pipgraph.PipId, t pipgraph.PipType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.types[id] = t
}

// AddEdge declares that `to` depends on `from` (from must run first).
func (g *MemGraph) AddEdge(from, to pipgraph.PipId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outgoing[from] = append(g.outgoing[from], to)
	g.incoming[to] = append(g.incoming[to], from)
}

// SetProducer records which pip produces a named artifact.
func (g *MemGraph) SetProducer(artifact string, pip pipgraph.PipId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.producer[artifact] = pip
}

func (g *MemGraph) Nodes() []pipgraph.PipId {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]pipgraph.PipId, 0, len(g.types))
	for id := range g.types {
		out = append(out, id)
	}
	return out
}

func (g *MemGraph) OutgoingEdges(node pipgraph.PipId) []pipgraph.PipId {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]pipgraph.PipId(nil), g.outgoing[node]...)
}

func (g *MemGraph) IncomingEdges(node pipgraph.PipId) []pipgraph.PipId {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]pipgraph.PipId(nil), g.incoming[node]...)
}

func (g *MemGraph) PipType(id pipgraph.PipId) pipgraph.PipType {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.types[id]
}

func (g *MemGraph) HydratePip(id pipgraph.PipId) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.types[id]; !ok {
		return fmt.Errorf("collab: unknown pip %d", id)
	}
	return nil
}

func (g *MemGraph) ProducerOf(artifact string) (pipgraph.PipId, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.producer[artifact]
	return id, ok
}

func (g *MemGraph) ListSealedDirectoryContents(dir string) ([]string, error) {
	return nil, nil
}

func (g *MemGraph) ServiceDependencyOf(pip pipgraph.PipId) (pipgraph.PipId, pipgraph.PipId, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pair, ok := g.service[pip]
	if !ok {
		return 0, 0, false
	}
	return pair[0], pair[1], true
}

// MemCache is a minimal in-memory ContentCache: always a miss unless
// Seed has been called for the given fingerprint.
type MemCache struct {
	mu  sync.Mutex
	hit map[string]CacheHit
}

// NewMemCache constructs an empty MemCache.
func NewMemCache() *MemCache { return &MemCache{hit: make(map[string]CacheHit)} }

// Seed pre-populates a cache hit for a fingerprint, for tests.
func (c *MemCache) Seed(fingerprint string, hit CacheHit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hit[fingerprint] = hit
}

func (c *MemCache) Lookup(ctx context.Context, pip pipgraph.PipId, fingerprint string) (*CacheHit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.hit[fingerprint]; ok {
		return &h, nil
	}
	return nil, nil
}

func (c *MemCache) Publish(ctx context.Context, pip pipgraph.PipId, outputs []string) (PublishResult, error) {
	return PublishResult{Published: true}, nil
}

func (c *MemCache) Materialize(ctx context.Context, contentHash, path string) error { return nil }

func (c *MemCache) Close() error { return nil }

// NopProcessRunner always succeeds immediately with zero resource usage —
// used when the embedder has no real sandbox wired up (e.g. scheduler-sim).
type NopProcessRunner struct{}

func (NopProcessRunner) ExecuteProcess(ctx context.Context, pip pipgraph.PipId) (ExecutionResult, error) {
	return ExecutionResult{Status: "Succeeded"}, nil
}

// MemIncrementalState is an in-memory IncrementalState; every node starts
// dirty.
type MemIncrementalState struct {
	mu           sync.Mutex
	clean        map[pipgraph.PipId]bool
	materialized map[pipgraph.PipId]bool
}

// NewMemIncrementalState constructs an empty MemIncrementalState.
func NewMemIncrementalState() *MemIncrementalState {
	return &MemIncrementalState{clean: make(map[pipgraph.PipId]bool), materialized: make(map[pipgraph.PipId]bool)}
}

func (s *MemIncrementalState) IsCleanAndMaterialized(node pipgraph.PipId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean[node] && s.materialized[node]
}

func (s *MemIncrementalState) MarkClean(node pipgraph.PipId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clean[node] = true
}

func (s *MemIncrementalState) MarkMaterialized(node pipgraph.PipId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materialized[node] = true
}

func (s *MemIncrementalState) MarkPerpetuallyDirty(node pipgraph.PipId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clean[node] = false
}

func (s *MemIncrementalState) RecordDynamicObservations(node pipgraph.PipId, observations []string) {}

func (s *MemIncrementalState) Save(path string) error { return nil }
