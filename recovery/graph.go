package recovery

import (
	"maps"
	"slices"

	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// keyGraph is the transfer key graph of one data owner: an edge a -> b
// means the private key b can be recovered by whoever holds a.
type keyGraph struct {
	nodes []interfaces.FingerprintV2
	edges map[interfaces.FingerprintV2][]interfaces.FingerprintV2
}

func newKeyGraph(nodes []interfaces.FingerprintV2, edges map[interfaces.FingerprintV2][]interfaces.FingerprintV2) *keyGraph {
	g := &keyGraph{
		nodes: slices.Sorted(slices.Values(nodes)),
		edges: map[interfaces.FingerprintV2][]interfaces.FingerprintV2{},
	}
	known := map[interfaces.FingerprintV2]bool{}
	for _, n := range g.nodes {
		known[n] = true
	}
	for from, targets := range edges {
		if !known[from] {
			continue
		}
		for _, to := range targets {
			if known[to] && from != to {
				g.edges[from] = append(g.edges[from], to)
			}
		}
		slices.Sort(g.edges[from])
	}
	return g
}

// condensation is the acyclic quotient of a keyGraph: every strongly
// connected component collapsed into one group.
type condensation struct {
	group   map[interfaces.FingerprintV2]int
	members [][]interfaces.FingerprintV2
	// reach[g] holds every group reachable from g, g included.
	reach []map[int]bool
}

// condense runs Tarjan's algorithm and computes the reachability closure of
// the resulting DAG.
func (g *keyGraph) condense() *condensation {
	c := &condensation{group: map[interfaces.FingerprintV2]int{}}

	index := map[interfaces.FingerprintV2]int{}
	lowlink := map[interfaces.FingerprintV2]int{}
	onStack := map[interfaces.FingerprintV2]bool{}
	var stack []interfaces.FingerprintV2
	next := 0

	var visit func(v interfaces.FingerprintV2)
	visit = func(v interfaces.FingerprintV2) {
		index[v] = next
		lowlink[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.edges[v] {
			if _, seen := index[w]; !seen {
				visit(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], index[w])
			}
		}

		if lowlink[v] != index[v] {
			return
		}
		id := len(c.members)
		var members []interfaces.FingerprintV2
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			c.group[w] = id
			members = append(members, w)
			if w == v {
				break
			}
		}
		slices.Sort(members)
		c.members = append(c.members, members)
	}

	for _, v := range g.nodes {
		if _, seen := index[v]; !seen {
			visit(v)
		}
	}

	successors := make([]map[int]bool, len(c.members))
	for i := range successors {
		successors[i] = map[int]bool{}
	}
	for from, targets := range g.edges {
		for _, to := range targets {
			if a, b := c.group[from], c.group[to]; a != b {
				successors[a][b] = true
			}
		}
	}

	// Tarjan emits groups in reverse topological order, so successors of a
	// group always have a lower id and are closed before it.
	c.reach = make([]map[int]bool, len(c.members))
	for id := range c.members {
		reach := map[int]bool{id: true}
		for succ := range successors[id] {
			maps.Copy(reach, c.reach[succ])
		}
		c.reach[id] = reach
	}
	return c
}

func (c *condensation) groups() int {
	return len(c.members)
}

// reaches reports whether group from can reach group to.
func (c *condensation) reaches(from, to int) bool {
	return c.reach[from][to]
}

// canReach reports whether key to can be recovered from key from.
func (c *condensation) canReach(from, to interfaces.FingerprintV2) bool {
	a, okA := c.group[from]
	b, okB := c.group[to]
	return okA && okB && c.reaches(a, b)
}
