package deadlock

import (
	"sort"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
)

// Graph is a wait-for graph. An edge a -> b means transaction a waits for a lock held or requested ahead by b.
type Graph struct {
	edges map[uint64]map[uint64]lock.ResourceID
}

func NewGraph(waits []lock.WaitEdge) *Graph {
	g := &Graph{edges: make(map[uint64]map[uint64]lock.ResourceID)}
	for _, e := range waits {
		g.AddEdge(e.Waiter, e.Holder, e.Resource)
	}
	return g
}

func (g *Graph) AddEdge(waiter, holder uint64, res lock.ResourceID) {
	if waiter == holder {
		return
	}
	out, ok := g.edges[waiter]
	if !ok {
		out = make(map[uint64]lock.ResourceID)
		g.edges[waiter] = out
	}
	out[holder] = res
}

// Remove drops txnID and every edge touching it.
func (g *Graph) Remove(txnID uint64) {
	delete(g.edges, txnID)
	for _, out := range g.edges {
		delete(out, txnID)
	}
}

func (g *Graph) Len() int {
	return len(g.edges)
}

func sortedKeys(m map[uint64]map[uint64]lock.ResourceID) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (g *Graph) successors(txnID uint64) []uint64 {
	out := g.edges[txnID]
	next := make([]uint64, 0, len(out))
	for h := range out {
		next = append(next, h)
	}
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	return next
}

// FindCycle runs a depth first search keeping the current path on a recursion stack and returns the transactions
// of the first cycle found, in wait order. It returns nil when the graph is acyclic.
func (g *Graph) FindCycle() []uint64 {
	visited := make(map[uint64]bool)
	onStack := make(map[uint64]int)
	var stack []uint64

	var visit func(txnID uint64) []uint64
	visit = func(txnID uint64) []uint64 {
		visited[txnID] = true
		onStack[txnID] = len(stack)
		stack = append(stack, txnID)
		for _, next := range g.successors(txnID) {
			if pos, ok := onStack[next]; ok {
				cycle := make([]uint64, len(stack)-pos)
				copy(cycle, stack[pos:])
				return cycle
			}
			if visited[next] {
				continue
			}
			if cycle := visit(next); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, txnID)
		return nil
	}

	for _, txnID := range sortedKeys(g.edges) {
		if visited[txnID] {
			continue
		}
		if cycle := visit(txnID); cycle != nil {
			return cycle
		}
	}
	return nil
}

// Resources returns the resources each member of cycle waits on.
func (g *Graph) Resources(cycle []uint64) []lock.ResourceID {
	res := make([]lock.ResourceID, 0, len(cycle))
	for i, txnID := range cycle {
		next := cycle[(i+1)%len(cycle)]
		res = append(res, g.edges[txnID][next])
	}
	return res
}
