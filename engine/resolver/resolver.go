package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/driftworks/conductor/common/models"
)

// Sentinel errors for errors.Is checks across package boundaries
var (
	ErrInvalidGraph = errors.New("invalid graph")
	ErrCycle        = errors.New("cycle detected")
)

// InvalidGraphError reports a structural defect found while building
type InvalidGraphError struct {
	Reason string
}

func (e *InvalidGraphError) Error() string {
	return fmt.Sprintf("invalid graph: %s", e.Reason)
}

func (e *InvalidGraphError) Is(target error) bool {
	return target == ErrInvalidGraph
}

// CycleError reports a topological failure, naming the residual set of
// nodes that never reached the frontier
type CycleError struct {
	Unprocessed []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in workflow, unprocessed nodes: [%s]",
		strings.Join(e.Unprocessed, ", "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// Resolver answers topology queries over a validated workflow graph.
//
// Nodes live in an arena addressed by dense integer index; the index map
// translates spec node ids. Parents and children are sorted index lists,
// which keeps the per-node lookups allocation-free and the output order
// deterministic.
type Resolver struct {
	ids      []string
	index    map[string]int
	parents  [][]int
	children [][]int
	inDegree []int
}

// Build constructs a resolver from spec nodes and edges. It rejects
// duplicate node ids, edges with unknown endpoints, self-loops, and
// multi-edges.
func Build(nodes []models.SpecNode, edges []models.SpecEdge) (*Resolver, error) {
	r := &Resolver{
		ids:      make([]string, 0, len(nodes)),
		index:    make(map[string]int, len(nodes)),
		parents:  make([][]int, len(nodes)),
		children: make([][]int, len(nodes)),
		inDegree: make([]int, len(nodes)),
	}

	for _, node := range nodes {
		if node.ID == "" {
			return nil, &InvalidGraphError{Reason: "node with empty id"}
		}
		if _, exists := r.index[node.ID]; exists {
			return nil, &InvalidGraphError{Reason: fmt.Sprintf("duplicate node id: %s", node.ID)}
		}
		r.index[node.ID] = len(r.ids)
		r.ids = append(r.ids, node.ID)
	}

	seen := make(map[[2]int]bool, len(edges))
	for _, edge := range edges {
		src, ok := r.index[edge.Source]
		if !ok {
			return nil, &InvalidGraphError{Reason: fmt.Sprintf("edge references unknown source: %s", edge.Source)}
		}
		dst, ok := r.index[edge.Target]
		if !ok {
			return nil, &InvalidGraphError{Reason: fmt.Sprintf("edge references unknown target: %s", edge.Target)}
		}
		if src == dst {
			return nil, &InvalidGraphError{Reason: fmt.Sprintf("self-loop on node: %s", edge.Source)}
		}
		key := [2]int{src, dst}
		if seen[key] {
			return nil, &InvalidGraphError{Reason: fmt.Sprintf("duplicate edge: %s -> %s", edge.Source, edge.Target)}
		}
		seen[key] = true

		r.children[src] = append(r.children[src], dst)
		r.parents[dst] = append(r.parents[dst], src)
		r.inDegree[dst]++
	}

	for i := range r.parents {
		sort.Ints(r.parents[i])
		sort.Ints(r.children[i])
	}

	return r, nil
}

// NodeCount returns the number of nodes in the graph
func (r *Resolver) NodeCount() int {
	return len(r.ids)
}

// Levels returns the level-grouped topological ordering via frontier
// capture: the initial frontier is every node with in-degree zero, each
// pass emits the frontier as one level and decrements its children.
// Leftover nodes mean a cycle. Levels and their contents are sorted by
// node id, so the plan is deterministic for a given graph.
func (r *Resolver) Levels() ([][]string, error) {
	n := len(r.ids)
	if n == 0 {
		return [][]string{}, nil
	}

	degree := make([]int, n)
	copy(degree, r.inDegree)

	frontier := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if degree[i] == 0 {
			frontier = append(frontier, i)
		}
	}

	if len(frontier) == 0 {
		return nil, &CycleError{Unprocessed: r.sortedIDs(nil)}
	}

	levels := make([][]string, 0, 4)
	processed := make([]bool, n)
	count := 0

	for len(frontier) > 0 {
		level := make([]string, 0, len(frontier))
		for _, idx := range frontier {
			level = append(level, r.ids[idx])
			processed[idx] = true
			count++
		}
		sort.Strings(level)
		levels = append(levels, level)

		next := frontier[:0:0]
		for _, idx := range frontier {
			for _, child := range r.children[idx] {
				degree[child]--
				if degree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Ints(next)
		frontier = next
	}

	if count < n {
		return nil, &CycleError{Unprocessed: r.sortedIDs(processed)}
	}

	return levels, nil
}

// Parents returns the ids of v's direct upstream nodes
func (r *Resolver) Parents(v string) []string {
	idx, ok := r.index[v]
	if !ok {
		return nil
	}
	return r.idsOf(r.parents[idx])
}

// Children returns the ids of v's direct downstream nodes
func (r *Resolver) Children(v string) []string {
	idx, ok := r.index[v]
	if !ok {
		return nil
	}
	return r.idsOf(r.children[idx])
}

// CanExecute reports whether every parent of v is in the completed set
func (r *Resolver) CanExecute(v string, completed map[string]bool) bool {
	idx, ok := r.index[v]
	if !ok {
		return false
	}
	for _, parent := range r.parents[idx] {
		if !completed[r.ids[parent]] {
			return false
		}
	}
	return true
}

// Ready returns the nodes whose parents are all completed and which are
// not completed themselves, sorted by id
func (r *Resolver) Ready(completed map[string]bool) []string {
	ready := make([]string, 0)
	for idx, id := range r.ids {
		if completed[id] {
			continue
		}
		ok := true
		for _, parent := range r.parents[idx] {
			if !completed[r.ids[parent]] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Validate reports non-fatal observations about the graph, currently
// nodes disconnected from every edge. Disconnected components still
// execute; callers may surface the observations as warnings.
func (r *Resolver) Validate() []string {
	if len(r.ids) < 2 {
		return nil
	}

	var observations []string
	hasEdges := false
	for i := range r.ids {
		if len(r.parents[i]) > 0 || len(r.children[i]) > 0 {
			hasEdges = true
			break
		}
	}
	if !hasEdges {
		return nil
	}

	for i, id := range r.ids {
		if len(r.parents[i]) == 0 && len(r.children[i]) == 0 {
			observations = append(observations, fmt.Sprintf("node %s is disconnected from the graph", id))
		}
	}
	return observations
}

// idsOf maps arena indices back to node ids, preserving index order
func (r *Resolver) idsOf(indices []int) []string {
	out := make([]string, len(indices))
	for i, idx := range indices {
		out[i] = r.ids[idx]
	}
	return out
}

// sortedIDs returns all ids not marked processed, sorted. A nil mask
// returns every id.
func (r *Resolver) sortedIDs(processed []bool) []string {
	out := make([]string, 0, len(r.ids))
	for i, id := range r.ids {
		if processed == nil || !processed[i] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
