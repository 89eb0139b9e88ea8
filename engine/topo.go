package engine

import "container/heap"

// findCycle runs a white/grey/black depth-first search over the workflow
// graph and returns the id of a node on a back edge, if any. Traversal
// follows node declaration order so the reported node is deterministic.
func findCycle(w *WorkflowDefinition) (string, bool) {
	const (
		white = iota // unvisited
		grey         // on the current DFS stack
		black        // fully explored
	)
	succ := make(map[string][]string, len(w.Nodes))
	for _, e := range w.Edges {
		succ[e.Source] = append(succ[e.Source], e.Target)
	}
	color := make(map[string]int, len(w.Nodes))

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		color[id] = grey
		for _, next := range succ[id] {
			switch color[next] {
			case grey:
				return next, true
			case white:
				if hit, ok := visit(next); ok {
					return hit, ok
				}
			}
		}
		color[id] = black
		return "", false
	}

	for _, n := range w.Nodes {
		if color[n.ID] == white {
			if hit, ok := visit(n.ID); ok {
				return hit, true
			}
		}
	}
	return "", false
}

// nodeFrontier is a min-heap of node declaration indexes. Popping the
// lowest index makes topological tie-breaks deterministic: whenever two
// nodes are both ready, the one declared first runs first.
type nodeFrontier []int

func (f nodeFrontier) Len() int            { return len(f) }
func (f nodeFrontier) Less(i, j int) bool  { return f[i] < f[j] }
func (f nodeFrontier) Swap(i, j int)       { f[i], f[j] = f[j], f[i] }
func (f *nodeFrontier) Push(x any)         { *f = append(*f, x.(int)) }
func (f *nodeFrontier) Pop() any {
	old := *f
	n := len(old)
	x := old[n-1]
	*f = old[:n-1]
	return x
}

// topoOrder returns every node id of an acyclic workflow in dependency
// order. Nodes become ready when all their predecessors have been emitted,
// and ready nodes are emitted in declaration order, so the result is
// stable across runs for the same definition.
//
// The caller must have validated the graph: on a cycle the unprocessed
// remainder is appended in declaration order so the result still contains
// every node exactly once.
func topoOrder(w *WorkflowDefinition) []string {
	index := make(map[string]int, len(w.Nodes))
	for i, n := range w.Nodes {
		index[n.ID] = i
	}

	indegree := make([]int, len(w.Nodes))
	succ := make([][]int, len(w.Nodes))
	for _, e := range w.Edges {
		si, sok := index[e.Source]
		ti, tok := index[e.Target]
		if !sok || !tok {
			continue
		}
		succ[si] = append(succ[si], ti)
		indegree[ti]++
	}

	frontier := &nodeFrontier{}
	for i := range w.Nodes {
		if indegree[i] == 0 {
			heap.Push(frontier, i)
		}
	}

	order := make([]string, 0, len(w.Nodes))
	emitted := make([]bool, len(w.Nodes))
	for frontier.Len() > 0 {
		i := heap.Pop(frontier).(int)
		emitted[i] = true
		order = append(order, w.Nodes[i].ID)
		for _, ti := range succ[i] {
			indegree[ti]--
			if indegree[ti] == 0 {
				heap.Push(frontier, ti)
			}
		}
	}
	for i, n := range w.Nodes {
		if !emitted[i] {
			order = append(order, n.ID)
		}
	}
	return order
}
