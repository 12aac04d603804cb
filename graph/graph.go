// Package graph implements the tool/capability knowledge graph: a directed
// multigraph with weighted edges, decay, PageRank, and Adamic-Adar scoring
// (spec §4.3). Reads may run concurrently; writes are serialized by a
// single mutex, matching the concurrency model's "graph mutex" option.
package graph

import (
	"sync"

	"github.com/mcpgate/gateway/api"
)

// NodeID identifies a graph node: either a ToolID or a capability id,
// disambiguated by its NodeKind.
type NodeID string

// Node is a single graph node.
type Node struct {
	ID   NodeID
	Kind api.NodeKind
}

// edgeKey identifies one (src, dst, kind) edge slot. Parallel edges of
// different kinds between the same pair of nodes are distinct slots; the
// multigraph property comes from kind, not from allowing duplicates within
// a kind.
type edgeKey struct {
	src  NodeID
	dst  NodeID
	kind api.EdgeKind
}

// Graph is a directed multigraph over tool and capability nodes. The zero
// value is not usable; construct with New.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[NodeID]Node
	edges    map[edgeKey]float64
	seenTrace map[string]struct{}

	// pagerank holds the last computed PageRank scores, refreshed on a
	// sampled schedule (every N updates) rather than on every write.
	pagerank map[NodeID]float64

	// updatesSincePageRank counts FoldTrace calls since the last
	// PageRank recompute, driving the sampled-recompute schedule.
	updatesSincePageRank int
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		nodes:     make(map[NodeID]Node),
		edges:     make(map[edgeKey]float64),
		seenTrace: make(map[string]struct{}),
		pagerank:  make(map[NodeID]float64),
	}
}

// UpsertNode adds node to the graph if absent. It is a no-op if the node
// already exists (node kind never changes after creation).
func (g *Graph) UpsertNode(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[n.ID]; !ok {
		g.nodes[n.ID] = n
	}
}

// AddWeight adds delta to the weight of the (src, dst, kind) edge, creating
// the edge if it doesn't exist; endpoint nodes are not created. delta may be
// negative only via decay, never via a direct caller.
func (g *Graph) AddWeight(src, dst NodeID, kind api.EdgeKind, delta float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[edgeKey{src: src, dst: dst, kind: kind}] += delta
}

// Weight returns the current weight of the (src, dst, kind) edge, or 0 if
// it does not exist.
func (g *Graph) Weight(src, dst NodeID, kind api.EdgeKind) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[edgeKey{src: src, dst: dst, kind: kind}]
}

// Nodes returns a snapshot slice of all nodes currently in the graph.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Edge is a materialized (src, dst, kind, weight) tuple, returned by
// snapshot accessors used by the algorithms in this package.
type Edge struct {
	Src    NodeID
	Dst    NodeID
	Kind   api.EdgeKind
	Weight float64
}

// Edges returns a snapshot slice of all edges currently in the graph.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, 0, len(g.edges))
	for k, w := range g.edges {
		out = append(out, Edge{Src: k.src, Dst: k.dst, Kind: k.kind, Weight: w})
	}
	return out
}

// FoldTrace folds one successfully completed workflow's trace into edge
// deltas (spec §4.3 update protocol). traceID is used for idempotency:
// folding the same traceID twice is a no-op, satisfying invariant 7
// (idempotent trace folding).
//
// executedPath is the ordered sequence of node ids that ran. dependencyPairs
// holds (a, b) pairs where b consumed a's output. coOccurring holds
// unordered pairs observed together in the same workflow.
func (g *Graph) FoldTrace(traceID string, executedPath []NodeID, dependencyPairs [][2]NodeID, coOccurring [][2]NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seenTrace[traceID]; ok {
		return
	}
	g.seenTrace[traceID] = struct{}{}

	for i := 0; i+1 < len(executedPath); i++ {
		g.edges[edgeKey{src: executedPath[i], dst: executedPath[i+1], kind: api.EdgeSequence}]++
	}
	for _, pair := range dependencyPairs {
		g.edges[edgeKey{src: pair[0], dst: pair[1], kind: api.EdgeDependency}]++
	}
	for _, pair := range coOccurring {
		a, b := pair[0], pair[1]
		if a > b {
			a, b = b, a
		}
		g.edges[edgeKey{src: a, dst: b, kind: api.EdgeRelated}]++
	}

	g.updatesSincePageRank++
}

// SetContains records a capability's "contains" edges to its underlying
// tools at materialization time (spec §3: "set on capability
// materialization", not incremented).
func (g *Graph) SetContains(capability NodeID, tools []NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range tools {
		g.edges[edgeKey{src: capability, dst: t, kind: api.EdgeContains}] = 1
	}
}

// decayLambda and pruneEpsilon are the default decay parameters from
// spec.md §4.3: weights are multiplied by λ=0.99 each decay cycle and
// edges below ε=0.05 are dropped.
const (
	defaultDecayLambda  = 0.99
	defaultPruneEpsilon = 0.05
)

// Decay multiplies every edge weight by lambda and drops edges whose
// resulting weight falls below epsilon. Weights are non-negative before
// and after decay (invariant 6): lambda must be in [0, 1].
func (g *Graph) Decay(lambda, epsilon float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, w := range g.edges {
		nw := w * lambda
		if nw < epsilon {
			delete(g.edges, k)
			continue
		}
		g.edges[k] = nw
	}
}

// DecayDefault runs Decay with the spec's default λ and ε.
func (g *Graph) DecayDefault() {
	g.Decay(defaultDecayLambda, defaultPruneEpsilon)
}
