package scheduler

import (
	"container/heap"
	"sort"
	"strings"
)

// Validate checks a set of definitions: ids present and unique, schedules
// parseable, dependencies known, and no dependency cycles. It returns the
// ids in a deterministic topological order (dependencies first).
func Validate(defs []TaskDefinition) ([]string, error) {
	index := make(map[string]int, len(defs))
	for i, d := range defs {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return nil, invalidf("task %d has no id", i)
		}
		if _, dup := index[id]; dup {
			return nil, invalidf("duplicate task id %q", id)
		}
		index[id] = i
		if _, err := ParseSchedule(d.Schedule); err != nil {
			return nil, invalidf("task %q: %v", id, err)
		}
		if d.RetryCount < 0 || d.RetryDelaySeconds < 0 || d.TimeoutSeconds < 0 || d.MaxRuntimeMinutes < 0 {
			return nil, invalidf("task %q: negative limits", id)
		}
		switch d.Backoff {
		case "", BackoffExponential, BackoffFixed:
		default:
			return nil, invalidf("task %q: unknown backoff %q", id, d.Backoff)
		}
	}

	g := newGraph(defs)
	for i, d := range defs {
		for _, dep := range d.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, invalidf("task %q depends on unknown task %q", d.ID, dep)
			}
			if j == i {
				return nil, cycleError([]string{d.ID, d.ID})
			}
			g.addEdge(j, i)
		}
	}
	g.sortEdges()

	order := g.topoOrder()
	if len(order) != len(defs) {
		return nil, cycleError(g.findCycle())
	}
	out := make([]string, len(order))
	for i, n := range order {
		out[i] = g.names[n]
	}
	return out, nil
}

// graph is a dependency graph over definition indices; an edge runs from a
// dependency to its dependent.
type graph struct {
	names    []string
	outgoing [][]int
	indeg    []int
}

func newGraph(defs []TaskDefinition) *graph {
	g := &graph{
		names:    make([]string, len(defs)),
		outgoing: make([][]int, len(defs)),
		indeg:    make([]int, len(defs)),
	}
	for i, d := range defs {
		g.names[i] = d.ID
	}
	return g
}

func (g *graph) addEdge(from, to int) {
	for _, v := range g.outgoing[from] {
		if v == to {
			return
		}
	}
	g.outgoing[from] = append(g.outgoing[from], to)
	g.indeg[to]++
}

func (g *graph) sortEdges() {
	for i := range g.outgoing {
		sort.Ints(g.outgoing[i])
	}
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

// topoOrder is Kahn's algorithm with a min-heap ready queue, so the order
// only depends on definition order.
func (g *graph) topoOrder() []int {
	indeg := append([]int(nil), g.indeg...)
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
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

// findCycle returns one cycle as a closed path of task ids.
func (g *graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.names))
	parent := make([]int, len(g.names))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.names {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.names[cycle[i]])
	}
	return out
}
