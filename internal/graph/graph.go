// Package graph builds the directed transfer graph of a ledger and
// computes structural metrics over it.
//
// A Graph is immutable once built. Nodes are enumerated in order of first
// appearance (sender before receiver within a record) and edges in
// sender order, then by first appearance of the (sender, receiver) pair.
package graph

// Edge is an aggregated transfer edge. Parallel transfers between the
// same ordered pair are merged: amounts summed, timestamps appended in
// input order.
type Edge struct {
	From       string
	To         string
	Amount     float64
	Timestamps []string
}

// Graph is a directed, edge-aggregated transfer graph.
type Graph struct {
	ids   []string
	index map[string]int

	edges []Edge
	pairs map[[2]int]int

	// succ and pred hold node indices; outEdges holds edge indices,
	// all in creation order.
	succ     [][]int
	pred     [][]int
	outEdges [][]int
}

func newGraph(sizeHint int) *Graph {
	return &Graph{
		index: make(map[string]int, sizeHint),
		pairs: make(map[[2]int]int, sizeHint),
	}
}

func (g *Graph) node(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.ids = append(g.ids, id)
	g.index[id] = i
	g.succ = append(g.succ, nil)
	g.pred = append(g.pred, nil)
	g.outEdges = append(g.outEdges, nil)
	return i
}

func (g *Graph) addTransfer(from, to string, amount float64, ts string) {
	u := g.node(from)
	v := g.node(to)
	key := [2]int{u, v}
	if e, ok := g.pairs[key]; ok {
		g.edges[e].Amount += amount
		g.edges[e].Timestamps = append(g.edges[e].Timestamps, ts)
		return
	}
	g.pairs[key] = len(g.edges)
	g.outEdges[u] = append(g.outEdges[u], len(g.edges))
	g.edges = append(g.edges, Edge{From: from, To: to, Amount: amount, Timestamps: []string{ts}})
	g.succ[u] = append(g.succ[u], v)
	g.pred[v] = append(g.pred[v], u)
}

// NodeCount returns the number of accounts.
func (g *Graph) NodeCount() int { return len(g.ids) }

// EdgeCount returns the number of aggregated edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// Nodes returns account ids in enumeration order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.ids))
	copy(out, g.ids)
	return out
}

// NodeAt returns the account id at index i.
func (g *Graph) NodeAt(i int) string { return g.ids[i] }

// Index returns the enumeration index of an account.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// HasNode reports whether the account appears in the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Edge returns the aggregated edge from -> to.
func (g *Graph) Edge(from, to string) (Edge, bool) {
	u, ok := g.index[from]
	if !ok {
		return Edge{}, false
	}
	v, ok := g.index[to]
	if !ok {
		return Edge{}, false
	}
	e, ok := g.pairs[[2]int{u, v}]
	if !ok {
		return Edge{}, false
	}
	return g.edges[e], true
}

// Edges returns every edge in enumeration order. The Timestamps slices are
// shared with the graph and must not be modified.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for u := range g.ids {
		for _, e := range g.outEdges[u] {
			out = append(out, g.edges[e])
		}
	}
	return out
}

// Successors returns the accounts id sends to.
func (g *Graph) Successors(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.succ[i])
}

// Predecessors returns the accounts that send to id, in the order their
// edges into id were created.
func (g *Graph) Predecessors(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.pred[i])
}

// Succ returns successor indices of node i. The slice must not be modified.
func (g *Graph) Succ(i int) []int { return g.succ[i] }

// Pred returns predecessor indices of node i. The slice must not be modified.
func (g *Graph) Pred(i int) []int { return g.pred[i] }

// InDegree returns the number of distinct predecessors of id.
func (g *Graph) InDegree(id string) int {
	if i, ok := g.index[id]; ok {
		return len(g.pred[i])
	}
	return 0
}

// OutDegree returns the number of distinct successors of id.
func (g *Graph) OutDegree(id string) int {
	if i, ok := g.index[id]; ok {
		return len(g.succ[i])
	}
	return 0
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = g.ids[i]
	}
	return out
}
