// Package main — cmd/scheduler-sim/main.go
//
// octoscheduler synthetic-DAG load generator.
//
// Purpose: exercise the scheduler façade end-to-end against a generated
// layered DAG, without a real embedder-supplied graph collaborator, and
// report whether the observed throughput meets a target.
//
// DAG model: depth layers of width nodes each (all Process pips); every
// node in layer i>0 depends on a random subset of layer i-1's nodes, so
// the graph has real fan-in/fan-out rather than a single chain.
//
// Throughput condition:
//   observed_pips_per_sec > target_pips_per_sec
//
// Output: the status snapshot's per-(pip type, state) counts as CSV to
// stdout.
// Summary: throughput condition result to stderr.
//
// Usage:
//
//	scheduler-sim [flags]
//	scheduler-sim -width 20 -depth 50 -target-pips-sec 200
//
// Grounded on cmd/octoreflex-sim/main.go's shape: flag-driven simulator,
// CSV to stdout, pass/fail threshold summary to stderr with a non-zero
// exit code on failure — generalized from the attacker-dominance
// simulation's mutation-rate model to a DAG-completion throughput model.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/collab"
	"github.com/octoscheduler/octoscheduler/internal/config"
	"github.com/octoscheduler/octoscheduler/internal/perf"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
	"github.com/octoscheduler/octoscheduler/internal/scheduler"
)

func main() {
	width := flag.Int("width", 20, "Nodes per layer")
	depth := flag.Int("depth", 50, "Number of layers")
	fanIn := flag.Int("fan-in", 3, "Max number of layer i-1 predecessors per node")
	targetPipsSec := flag.Float64("target-pips-sec", 100, "Required throughput (pips/sec) to pass")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	drainTimeout := flag.Duration("drain-timeout", 2*time.Minute, "Max time to wait for the DAG to drain")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	graph, roots, total := buildLayeredGraph(rng, *width, *depth, *fanIn)

	log := zap.NewNop()
	cfg := config.Defaults()

	s := scheduler.New(log, cfg, scheduler.Deps{
		Graph:   graph,
		Cache:   collab.NewMemCache(),
		Process: collab.NopProcessRunner{},
	}, nil, perf.NewMetrics())

	if err := s.InitForMaster(roots); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: init_for_master failed: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer drainCancel()
	drainErr := s.Drain(drainCtx)
	elapsed := time.Since(start)

	s.WhenDone(context.Background())
	s.Dispose()

	if drainErr != nil {
		fmt.Fprintf(os.Stderr, "FATAL: drain did not complete within %s: %v\n", *drainTimeout, drainErr)
		os.Exit(1)
	}

	// ── Output: per-(type,state) counts as CSV ────────────────────────────
	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"pip_type", "state", "count"})
	snap := s.Status().Counts
	for t, byState := range snap {
		for state, n := range byState {
			_ = w.Write([]string{t.String(), state.String(), strconv.Itoa(n)})
		}
	}
	w.Flush()

	// ── Throughput condition evaluation ───────────────────────────────────
	pipsPerSec := float64(total) / elapsed.Seconds()
	pass := pipsPerSec > *targetPipsSec

	fmt.Fprintf(os.Stderr, "\n=== THROUGHPUT RESULT ===\n")
	fmt.Fprintf(os.Stderr, "Total pips:        %d\n", total)
	fmt.Fprintf(os.Stderr, "Elapsed:           %s\n", elapsed)
	fmt.Fprintf(os.Stderr, "Observed pips/sec: %.2f\n", pipsPerSec)
	fmt.Fprintf(os.Stderr, "Target pips/sec:   %.2f\n", *targetPipsSec)
	fmt.Fprintf(os.Stderr, "Throughput condition (observed > target): %v\n", pass)

	if pass {
		fmt.Fprintln(os.Stderr, "RESULT: PASS")
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, "RESULT: FAIL — reduce -width/-depth or raise dispatch concurrency caps")
	os.Exit(2)
}

// buildLayeredGraph constructs a width x depth layered DAG: layer 0 nodes
// have no predecessors; each node in layer i>0 depends on up to fanIn
// randomly chosen nodes from layer i-1. Returns the graph, its sink
// layer (the roots InitForMaster needs — the transitive closure pulls in
// everything upstream), and the total node count.
func buildLayeredGraph(rng *rand.Rand, width, depth, fanIn int) (*collab.MemGraph, []pipgraph.PipId, int) {
	g := collab.NewMemGraph()

	var id pipgraph.PipId = 1
	layers := make([][]pipgraph.PipId, depth)
	for l := 0; l < depth; l++ {
		layer := make([]pipgraph.PipId, width)
		for n := 0; n < width; n++ {
			g.AddNode(id, pipgraph.PipTypeProcess)
			layer[n] = id
			id++
		}
		layers[l] = layer

		if l > 0 {
			prev := layers[l-1]
			for _, node := range layer {
				k := fanIn
				if k > len(prev) {
					k = len(prev)
				}
				for _, idx := range rng.Perm(len(prev))[:k] {
					g.AddEdge(prev[idx], node)
				}
			}
		}
	}

	return g, layers[depth-1], int(id) - 1
}
