package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/octoscheduler/octoscheduler/internal/collab"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// graphFile is the on-disk JSON shape a build graph is handed to the
// scheduler in. The execution core treats collab.PipGraph as an
// embedder-supplied collaborator (spec.md §6); this file format and
// loader are this binary's own embedder, not part of the core itself.
type graphFile struct {
	Nodes []struct {
		ID   uint32 `json:"id"`
		Type string `json:"type"`
	} `json:"nodes"`
	Edges []struct {
		From uint32 `json:"from"`
		To   uint32 `json:"to"`
	} `json:"edges"`
	Roots []uint32 `json:"roots"`
}

var pipTypeByName = map[string]pipgraph.PipType{
	"Process":        pipgraph.PipTypeProcess,
	"Ipc":            pipgraph.PipTypeIpc,
	"CopyFile":       pipgraph.PipTypeCopyFile,
	"WriteFile":      pipgraph.PipTypeWriteFile,
	"SealDirectory":  pipgraph.PipTypeSealDirectory,
	"Value":          pipgraph.PipTypeValue,
	"SpecFile":       pipgraph.PipTypeSpecFile,
	"Module":         pipgraph.PipTypeModule,
	"HashSourceFile": pipgraph.PipTypeHashSourceFile,
}

// loadGraph reads a graphFile from path into a collab.MemGraph and
// returns it alongside the declared roots.
func loadGraph(path string) (*collab.MemGraph, []pipgraph.PipId, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read graph file %q: %w", path, err)
	}

	var gf graphFile
	if err := json.Unmarshal(data, &gf); err != nil {
		return nil, nil, fmt.Errorf("parse graph file %q: %w", path, err)
	}

	g := collab.NewMemGraph()
	for _, n := range gf.Nodes {
		t, ok := pipTypeByName[n.Type]
		if !ok {
			return nil, nil, fmt.Errorf("graph file %q: node %d has unknown type %q", path, n.ID, n.Type)
		}
		g.AddNode(pipgraph.PipId(n.ID), t)
	}
	for _, e := range gf.Edges {
		g.AddEdge(pipgraph.PipId(e.From), pipgraph.PipId(e.To))
	}

	roots := make([]pipgraph.PipId, 0, len(gf.Roots))
	for _, r := range gf.Roots {
		roots = append(roots, pipgraph.PipId(r))
	}
	if len(roots) == 0 {
		return nil, nil, fmt.Errorf("graph file %q: roots must not be empty", path)
	}
	return g, roots, nil
}
