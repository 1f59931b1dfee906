package correlation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/chronicle/internal/query"
)

// Cycle is a set of events whose causation links form a loop.
type Cycle struct {
	// Path walks the loop and ends where it started: [a, b, a].
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

// Dangling is a causation link to an event that is not stored.
type Dangling struct {
	EventID     string `json:"event_id"`
	CausationID string `json:"causation_id"`
}

// CycleReport is the result of a full causation graph check.
type CycleReport struct {
	Checked  int        `json:"checked"`
	Cycles   []Cycle    `json:"cycles"`
	Dangling []Dangling `json:"dangling"`
}

// OK reports whether no cycle was found. Dangling links are not errors.
func (r CycleReport) OK() bool {
	return len(r.Cycles) == 0
}

// CycleCheck scans every stored envelope and looks for loops in the
// causation graph. Healthy data never has one; when any is found the
// report lists every loop and the error is a CORRUPTION *event.Error.
func (t *Tracker) CycleCheck(ctx context.Context) (CycleReport, error) {
	report := CycleReport{Cycles: []Cycle{}, Dangling: []Dangling{}}

	// graph maps an event to the event that caused it.
	graph := causationGraph{}
	for env, err := range t.queries.Query(ctx, query.Filter{}) {
		if err != nil {
			return CycleReport{}, fmt.Errorf("cycle check: %w", err)
		}
		report.Checked++
		if graph[env.EventID] == nil {
			graph[env.EventID] = []string{}
		}
		if env.CausationID != "" {
			graph[env.EventID] = append(graph[env.EventID], env.CausationID)
		}
	}

	for id, causes := range graph {
		for _, cause := range causes {
			if _, ok := graph[cause]; !ok {
				report.Dangling = append(report.Dangling, Dangling{EventID: id, CausationID: cause})
			}
		}
	}
	slices.SortFunc(report.Dangling, func(a, b Dangling) int { return strings.Compare(a.EventID, b.EventID) })

	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || graph.hasSelfLoop(scc[0]) {
			report.Cycles = append(report.Cycles, sccToCycle(scc, graph))
		}
	}
	slices.SortFunc(report.Cycles, func(a, b Cycle) int { return strings.Compare(a.Path[0], b.Path[0]) })

	if !report.OK() {
		paths := make([]string, len(report.Cycles))
		for i, c := range report.Cycles {
			paths[i] = strings.Join(c.Path, " -> ")
		}
		return report, t.corruption(ctx, "causation graph contains cycles", map[string]string{
			"cycles": strings.Join(paths, "; "),
			"count":  fmt.Sprint(len(report.Cycles)),
		})
	}
	return report, nil
}

type causationGraph map[string][]string

func (g causationGraph) hasSelfLoop(node string) bool {
	return slices.Contains(g[node], node)
}

// tarjanSCC returns the strongly connected components of g. Nodes are
// visited in sorted order so the output is stable.
func tarjanSCC(g causationGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g[v] {
			if _, known := g[w]; !known {
				continue
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(g))
	for node := range g {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// sccToCycle walks the component from its smallest id back to itself.
func sccToCycle(scc []string, g causationGraph) Cycle {
	members := make(map[string]bool, len(scc))
	for _, id := range scc {
		members[id] = true
	}
	start := slices.Min(scc)
	path := []string{start}
	visited := map[string]bool{start: true}
	for current := start; ; {
		next := ""
		for _, w := range g[current] {
			if members[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		visited[next] = true
		current = next
	}
	return Cycle{
		Path:    path,
		Message: fmt.Sprintf("causation loop: %s", strings.Join(path, " -> ")),
	}
}
