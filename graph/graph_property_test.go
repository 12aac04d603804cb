package graph_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/graph"
)

// TestDecayWeightsStayNonNegativeProperty verifies invariant 6: graph
// weights are non-negative and monotonically non-increasing under decay
// alone, for any sequence of initial weights and any number of decay
// cycles.
func TestDecayWeightsStayNonNegativeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("decay never produces a negative or increased weight", prop.ForAll(
		func(initial float64, cycles int) bool {
			g := graph.New()
			g.AddWeight("a", "b", api.EdgeSequence, initial)

			prev := g.Weight("a", "b", api.EdgeSequence)
			for i := 0; i < cycles; i++ {
				g.DecayDefault()
				cur := g.Weight("a", "b", api.EdgeSequence)
				if cur < 0 {
					return false
				}
				if cur > prev {
					return false
				}
				prev = cur
			}
			return true
		},
		gen.Float64Range(0, 1000),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

// TestFoldTraceIdempotentProperty verifies invariant 7: applying the same
// trace twice produces the same graph state as applying it once, for any
// path/dependency/co-occurrence combination.
func TestFoldTraceIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("folding the same trace id twice is a no-op the second time", prop.ForAll(
		func(n int) bool {
			g := graph.New()
			path := make([]graph.NodeID, n)
			for i := range path {
				path[i] = graph.NodeID(fmt.Sprintf("node-%d", i))
			}
			traceID := "trace-fixed"

			g.FoldTrace(traceID, path, nil, nil)
			before := g.Edges()

			g.FoldTrace(traceID, path, nil, nil)
			after := g.Edges()

			if len(before) != len(after) {
				return false
			}
			for _, e := range after {
				if g.Weight(e.Src, e.Dst, e.Kind) != e.Weight {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
