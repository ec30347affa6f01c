package resolver_test

import (
	"fmt"
	"os"
	"strconv"
	"testing"

	"github.com/driftworks/conductor/common/models"
	"github.com/driftworks/conductor/engine/resolver"
)

// Graph size from environment so the same benchmarks can be run at
// production scale without editing code
//
// Usage:
//
//	go test -bench=. ./perf_tests/resolver/
//	PERF_GRAPH_NODES=10000 go test -bench=BenchmarkLevelsChain -benchtime=100x
var graphNodes = getEnvInt("PERF_GRAPH_NODES", 1000)

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// chainGraph is the worst case for level resolution: n levels of one
// node each
func chainGraph(n int) ([]models.SpecNode, []models.SpecEdge) {
	nodes := make([]models.SpecNode, n)
	edges := make([]models.SpecEdge, 0, n-1)
	for i := 0; i < n; i++ {
		nodes[i] = models.SpecNode{ID: fmt.Sprintf("n%d", i), Type: models.NodeTypeAgent}
		if i > 0 {
			edges = append(edges, models.SpecEdge{
				Source: fmt.Sprintf("n%d", i-1),
				Target: fmt.Sprintf("n%d", i),
			})
		}
	}
	return nodes, edges
}

// diamondGraph is one source fanning out to n-2 parallel nodes joined
// by one sink, the common shape of agent pipelines
func diamondGraph(n int) ([]models.SpecNode, []models.SpecEdge) {
	if n < 3 {
		n = 3
	}
	nodes := make([]models.SpecNode, n)
	edges := make([]models.SpecEdge, 0, 2*(n-2))
	nodes[0] = models.SpecNode{ID: "source", Type: models.NodeTypeAgent}
	nodes[n-1] = models.SpecNode{ID: "sink", Type: models.NodeTypeAgent}
	for i := 1; i < n-1; i++ {
		id := fmt.Sprintf("mid%d", i)
		nodes[i] = models.SpecNode{ID: id, Type: models.NodeTypeAgent}
		edges = append(edges,
			models.SpecEdge{Source: "source", Target: id},
			models.SpecEdge{Source: id, Target: "sink"},
		)
	}
	return nodes, edges
}

// layeredGraph builds sqrt(n) levels of sqrt(n) nodes with every node
// depending on every node of the previous level, the densest edge set
// the resolver sees in practice
func layeredGraph(n int) ([]models.SpecNode, []models.SpecEdge) {
	width := 1
	for width*width < n {
		width++
	}
	var nodes []models.SpecNode
	var edges []models.SpecEdge
	for level := 0; level < width; level++ {
		for i := 0; i < width; i++ {
			id := fmt.Sprintf("l%d_%d", level, i)
			nodes = append(nodes, models.SpecNode{ID: id, Type: models.NodeTypeAgent})
			if level > 0 {
				for j := 0; j < width; j++ {
					edges = append(edges, models.SpecEdge{
						Source: fmt.Sprintf("l%d_%d", level-1, j),
						Target: id,
					})
				}
			}
		}
	}
	return nodes, edges
}

func benchmarkLevels(b *testing.B, nodes []models.SpecNode, edges []models.SpecEdge) {
	b.Helper()
	b.Logf("graph: %d nodes, %d edges", len(nodes), len(edges))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r, err := resolver.Build(nodes, edges)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := r.Levels(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLevelsChain(b *testing.B) {
	nodes, edges := chainGraph(graphNodes)
	benchmarkLevels(b, nodes, edges)
}

func BenchmarkLevelsDiamond(b *testing.B) {
	nodes, edges := diamondGraph(graphNodes)
	benchmarkLevels(b, nodes, edges)
}

func BenchmarkLevelsLayered(b *testing.B) {
	nodes, edges := layeredGraph(graphNodes)
	benchmarkLevels(b, nodes, edges)
}

// BenchmarkReadyFrontier measures the incremental scheduling path used
// between levels when nodes finish out of order
func BenchmarkReadyFrontier(b *testing.B) {
	nodes, edges := layeredGraph(graphNodes)
	r, err := resolver.Build(nodes, edges)
	if err != nil {
		b.Fatal(err)
	}
	levels, err := r.Levels()
	if err != nil {
		b.Fatal(err)
	}
	// mark the first half of the levels complete
	completed := make(map[string]bool)
	for _, level := range levels[:len(levels)/2] {
		for _, id := range level {
			completed[id] = true
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if ready := r.Ready(completed); len(ready) == 0 {
			b.Fatal("expected a ready frontier")
		}
	}
}
