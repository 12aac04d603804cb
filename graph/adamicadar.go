package graph

import "math"

// undirectedNeighbors builds the neighbor adjacency for the undirected
// projection of related ∪ sequence, as named in spec §9 ("Adamic-Adar
// operates on the undirected projection of related ∪ sequence").
func (g *Graph) undirectedNeighbors() map[NodeID]map[NodeID]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	neighbors := make(map[NodeID]map[NodeID]struct{})
	add := func(a, b NodeID) {
		if neighbors[a] == nil {
			neighbors[a] = make(map[NodeID]struct{})
		}
		if neighbors[b] == nil {
			neighbors[b] = make(map[NodeID]struct{})
		}
		neighbors[a][b] = struct{}{}
		neighbors[b][a] = struct{}{}
	}
	for k := range g.edges {
		if k.kind == "related" || k.kind == "sequence" {
			add(k.src, k.dst)
		}
	}
	return neighbors
}

// AdamicAdar computes the Adamic-Adar index between a and b: the sum, over
// their common neighbors c, of 1/log(degree(c)). Neighbors with degree <= 1
// contribute nothing (log(1) is 0, which would divide by zero).
func (g *Graph) AdamicAdar(a, b NodeID) float64 {
	neighbors := g.undirectedNeighbors()
	return adamicAdarFrom(neighbors, a, b)
}

func adamicAdarFrom(neighbors map[NodeID]map[NodeID]struct{}, a, b NodeID) float64 {
	na, nb := neighbors[a], neighbors[b]
	if len(na) == 0 || len(nb) == 0 {
		return 0
	}
	var score float64
	for c := range na {
		if _, common := nb[c]; !common {
			continue
		}
		degree := len(neighbors[c])
		if degree <= 1 {
			continue
		}
		score += 1.0 / math.Log(float64(degree))
	}
	return score
}

// RelatedScore computes rel(c): the Adamic-Adar index of candidate c summed
// over every tool in contextTools, normalized by the maximum score observed
// across candidates in the same window (spec §4.2 step 2). Callers pass
// the full candidate window so normalization is consistent within one
// search call.
func RelatedScore(g *Graph, candidates []NodeID, contextTools []NodeID) map[NodeID]float64 {
	neighbors := g.undirectedNeighbors()
	raw := make(map[NodeID]float64, len(candidates))
	var max float64
	for _, c := range candidates {
		var sum float64
		for _, ctx := range contextTools {
			if ctx == c {
				continue // a candidate earns no boost from itself as context
			}
			sum += adamicAdarFrom(neighbors, c, ctx)
		}
		raw[c] = sum
		if sum > max {
			max = sum
		}
	}
	if max == 0 {
		return raw
	}
	normalized := make(map[NodeID]float64, len(raw))
	for c, v := range raw {
		normalized[c] = v / max
	}
	return normalized
}
