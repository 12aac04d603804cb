package graph

const (
	defaultDamping       = 0.85
	defaultTolerance     = 1e-6
	defaultMaxIterations = 50

	// pageRankRecomputeEvery is N in "recomputed incrementally on a
	// sampled schedule (every N updates)".
	pageRankRecomputeEvery = 20
)

// PageRank returns the current PageRank scores over the directed graph
// (sequence and dependency edges; contains and related are undirected-ish
// bookkeeping edges and are excluded from the directed adjacency used
// here), using power iteration with the spec's default damping (0.85),
// tolerance (1e-6), and iteration cap (50).
func (g *Graph) PageRank() map[NodeID]float64 {
	return g.PageRankWith(defaultDamping, defaultTolerance, defaultMaxIterations)
}

// PageRankWith computes PageRank with explicit parameters, useful for
// tests that need convergence in fewer iterations.
func (g *Graph) PageRankWith(damping, tolerance float64, maxIterations int) map[NodeID]float64 {
	g.mu.RLock()
	nodes := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		nodes = append(nodes, id)
	}
	out := make(map[NodeID][]weightedEdge)
	outWeight := make(map[NodeID]float64)
	for k, w := range g.edges {
		if k.kind != "sequence" && k.kind != "dependency" {
			continue
		}
		out[k.src] = append(out[k.src], weightedEdge{to: k.dst, weight: w})
		outWeight[k.src] += w
	}
	g.mu.RUnlock()

	n := len(nodes)
	if n == 0 {
		return map[NodeID]float64{}
	}

	rank := make(map[NodeID]float64, n)
	for _, id := range nodes {
		rank[id] = 1.0 / float64(n)
	}

	base := (1 - damping) / float64(n)
	for iter := 0; iter < maxIterations; iter++ {
		next := make(map[NodeID]float64, n)
		for _, id := range nodes {
			next[id] = base
		}

		// Distribute dangling-node mass (no outgoing directed edges)
		// uniformly, as is standard for power-iteration PageRank.
		var dangling float64
		for _, id := range nodes {
			if outWeight[id] == 0 {
				dangling += rank[id]
			}
		}
		if dangling > 0 {
			share := damping * dangling / float64(n)
			for _, id := range nodes {
				next[id] += share
			}
		}

		for _, id := range nodes {
			edges := out[id]
			if len(edges) == 0 {
				continue
			}
			contribution := damping * rank[id]
			total := outWeight[id]
			for _, e := range edges {
				next[e.to] += contribution * (e.weight / total)
			}
		}

		var delta float64
		for _, id := range nodes {
			d := next[id] - rank[id]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		rank = next
		if delta < tolerance {
			break
		}
	}

	g.mu.Lock()
	g.pagerank = rank
	g.updatesSincePageRank = 0
	g.mu.Unlock()

	return rank
}

type weightedEdge struct {
	to     NodeID
	weight float64
}

// CachedPageRank returns the last computed PageRank scores without
// recomputing, recomputing automatically only once updatesSincePageRank
// crosses the sampled-recompute threshold. Callers that want a guaranteed
// fresh computation should call PageRank directly.
func (g *Graph) CachedPageRank() map[NodeID]float64 {
	g.mu.RLock()
	stale := g.updatesSincePageRank >= pageRankRecomputeEvery
	cached := g.pagerank
	g.mu.RUnlock()

	if !stale && cached != nil {
		return cached
	}
	return g.PageRank()
}
