package graph

import "container/heap"

// validateAcyclic proves the graph has no cycles using Kahn's algorithm and,
// on failure, extracts one deterministic cycle path for the error message.
func (g *Graph) validateAcyclic() error {
	order := g.topoOrderIndices()
	if len(order) == len(g.nodes) {
		return nil
	}
	return cycleError(g.findCycle())
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices returns a deterministic topological ordering of node
// indices. The ready queue is a min-heap by canonical index, so the order is
// stable across runs.
func (g *Graph) topoOrderIndices() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle extracts a single stable cycle witness via DFS over canonical
// indices. It does not attempt to list all cycles.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				cycle = append(cycle, v)
				cur := u
				for cur != -1 && cur != v {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := 0; i < len(g.nodes); i++ {
		if color[i] != white {
			continue
		}
		if dfs(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.nodes[cycle[i]].Name)
	}
	return out
}
