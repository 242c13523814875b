package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// Budget bounds a cycle search. Zero values disable the respective limit.
type Budget struct {
	MaxCycles int
	Deadline  time.Time
}

// CycleResult is the outcome of a bounded cycle search. When Status is
// BudgetExceeded, Cycles is nil: a partial enumeration is never reported.
type CycleResult struct {
	Status domain.CycleStatus
	Cycles [][]string
	Reason string
}

// BudgetExceeded reports whether the search gave up.
func (r CycleResult) BudgetExceeded() bool {
	return r.Status == domain.CycleSearchBudgetExceeded
}

// checkEvery is how many circuit steps run between deadline checks.
const checkEvery = 1024

// FindCycles enumerates elementary directed cycles of length >= 2 with
// Johnson's algorithm. Start vertices are taken in node enumeration order
// and each cycle is reported beginning at its lowest-indexed member, so the
// result is stable for identical input.
//
// Exceeding the budget yields a BudgetExceeded result, not an error. An
// error is returned only when ctx is done.
func FindCycles(ctx context.Context, g *graph.Graph, budget Budget) (CycleResult, error) {
	n := g.NodeCount()
	j := &johnson{
		ctx:     ctx,
		g:       g,
		budget:  budget,
		allowed: make([]bool, n),
		blocked: make([]bool, n),
		bset:    make([]map[int]struct{}, n),
		tIndex:  make([]int, n),
		tLow:    make([]int, n),
		tOn:     make([]bool, n),
	}
	for i := range j.tIndex {
		j.tIndex[i] = -1
	}
	j.scc, j.sccSize = strongComponents(g)

	for s := 0; s < n; s++ {
		if j.sccSize[j.scc[s]] < 2 {
			continue
		}
		if j.checkLimits(); j.stop != stopNone {
			break
		}
		comp := j.componentOf(s)
		if len(comp) < 2 {
			continue
		}
		for _, v := range comp {
			j.allowed[v] = true
		}
		j.start = s
		j.circuit(s)
		for _, v := range comp {
			j.allowed[v] = false
			j.blocked[v] = false
			j.bset[v] = nil
		}
	}

	switch j.stop {
	case stopContext:
		return CycleResult{}, ctx.Err()
	case stopBudget:
		return CycleResult{Status: domain.CycleSearchBudgetExceeded, Reason: j.reason}, nil
	}

	out := make([][]string, len(j.cycles))
	for k, c := range j.cycles {
		names := make([]string, len(c))
		for i, v := range c {
			names[i] = g.NodeAt(v)
		}
		out[k] = names
	}
	return CycleResult{Status: domain.CycleSearchOK, Cycles: out}, nil
}

type stopReason int

const (
	stopNone stopReason = iota
	stopBudget
	stopContext
)

type johnson struct {
	ctx    context.Context
	g      *graph.Graph
	budget Budget

	start   int
	path    []int
	allowed []bool
	blocked []bool
	bset    []map[int]struct{}
	cycles  [][]int

	steps  int
	stop   stopReason
	reason string

	// Components of the whole graph. Only nodes sharing a component
	// with the start vertex can close a cycle through it.
	scc     []int
	sccSize []int

	// Tarjan scratch space, reset after every component search.
	tIndex []int
	tLow   []int
	tOn    []bool
}

func (j *johnson) circuit(v int) bool {
	j.steps++
	if j.steps%checkEvery == 0 {
		j.checkLimits()
	}
	if j.stop != stopNone {
		return false
	}

	found := false
	j.path = append(j.path, v)
	j.blocked[v] = true

	for _, w := range j.g.Succ(v) {
		if j.stop != stopNone {
			break
		}
		if w == v || !j.allowed[w] {
			continue
		}
		if w == j.start {
			j.emit()
			found = true
		} else if !j.blocked[w] && j.circuit(w) {
			found = true
		}
	}

	if found {
		j.unblock(v)
	} else {
		for _, w := range j.g.Succ(v) {
			if w == v || !j.allowed[w] {
				continue
			}
			if j.bset[w] == nil {
				j.bset[w] = make(map[int]struct{})
			}
			j.bset[w][v] = struct{}{}
		}
	}

	j.path = j.path[:len(j.path)-1]
	return found
}

func (j *johnson) emit() {
	c := make([]int, len(j.path))
	copy(c, j.path)
	j.cycles = append(j.cycles, c)
	if j.budget.MaxCycles > 0 && len(j.cycles) > j.budget.MaxCycles {
		j.stop = stopBudget
		j.reason = fmt.Sprintf("more than %d cycles", j.budget.MaxCycles)
	}
}

func (j *johnson) checkLimits() {
	if j.ctx.Err() != nil {
		j.stop = stopContext
		return
	}
	if !j.budget.Deadline.IsZero() && time.Now().After(j.budget.Deadline) {
		j.stop = stopBudget
		j.reason = "cycle search time budget exhausted"
	}
}

func (j *johnson) unblock(u int) {
	j.blocked[u] = false
	stack := []int{u}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for w := range j.bset[x] {
			delete(j.bset[x], w)
			if j.blocked[w] {
				j.blocked[w] = false
				stack = append(stack, w)
			}
		}
	}
}

type tarjanFrame struct {
	v    int
	next int
}

// componentOf returns the strongly connected component containing s in the
// subgraph induced by nodes with index >= s, searching only inside the
// graph-wide component of s.
func (j *johnson) componentOf(s int) []int {
	var (
		counter int
		stack   []int
		touched []int
		call    []tarjanFrame
		comp    []int
	)

	visit := func(v int) {
		j.tIndex[v] = counter
		j.tLow[v] = counter
		counter++
		stack = append(stack, v)
		j.tOn[v] = true
		touched = append(touched, v)
		call = append(call, tarjanFrame{v: v})
	}
	visit(s)

	for len(call) > 0 {
		top := len(call) - 1
		v := call[top].v
		succ := j.g.Succ(v)
		if call[top].next < len(succ) {
			w := succ[call[top].next]
			call[top].next++
			if w < s || j.scc[w] != j.scc[s] {
				continue
			}
			if j.tIndex[w] < 0 {
				visit(w)
			} else if j.tOn[w] && j.tIndex[w] < j.tLow[v] {
				j.tLow[v] = j.tIndex[w]
			}
			continue
		}

		call = call[:top]
		if top > 0 {
			p := call[top-1].v
			if j.tLow[v] < j.tLow[p] {
				j.tLow[p] = j.tLow[v]
			}
		}
		if j.tLow[v] == j.tIndex[v] {
			var c []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				j.tOn[w] = false
				c = append(c, w)
				if w == v {
					break
				}
			}
			if v == s {
				comp = c
			}
		}
	}

	for _, v := range touched {
		j.tIndex[v] = -1
		j.tOn[v] = false
	}
	return comp
}

// strongComponents labels every node with its strongly connected component
// in the whole graph and returns the label slice and the component sizes.
func strongComponents(g *graph.Graph) ([]int, []int) {
	n := g.NodeCount()
	var (
		index   = make([]int, n)
		low     = make([]int, n)
		onStack = make([]bool, n)
		label   = make([]int, n)
		sizes   []int
		counter int
		stack   []int
		call    []tarjanFrame
	)
	for i := range index {
		index[i] = -1
	}

	visit := func(v int) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true
		call = append(call, tarjanFrame{v: v})
	}

	for root := 0; root < n; root++ {
		if index[root] >= 0 {
			continue
		}
		visit(root)
		for len(call) > 0 {
			top := len(call) - 1
			v := call[top].v
			succ := g.Succ(v)
			if call[top].next < len(succ) {
				w := succ[call[top].next]
				call[top].next++
				if index[w] < 0 {
					visit(w)
				} else if onStack[w] && index[w] < low[v] {
					low[v] = index[w]
				}
				continue
			}

			call = call[:top]
			if top > 0 {
				p := call[top-1].v
				if low[v] < low[p] {
					low[p] = low[v]
				}
			}
			if low[v] == index[v] {
				id := len(sizes)
				size := 0
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					label[w] = id
					size++
					if w == v {
						break
					}
				}
				sizes = append(sizes, size)
			}
		}
	}
	return label, sizes
}
