package deadlock

import (
	"sort"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/txnstore"
)

// Graph is a wait-for graph: an edge T -> T' means T requested a resource
// currently held by T'. It is derived from a snapshot and never kept between
// detection passes.
type Graph struct {
	nodes []txn.TxnID
	rank  map[txn.TxnID]int
	edges map[txn.TxnID][]txn.TxnID
}

// NewGraph returns an empty graph whose nodes are visited in the given order.
func NewGraph(order []txn.TxnID) *Graph {
	g := &Graph{
		rank:  make(map[txn.TxnID]int, len(order)),
		edges: make(map[txn.TxnID][]txn.TxnID),
	}
	for _, id := range order {
		g.addNode(id)
	}
	return g
}

func (g *Graph) addNode(id txn.TxnID) {
	if _, ok := g.rank[id]; ok {
		return
	}
	g.rank[id] = len(g.nodes)
	g.nodes = append(g.nodes, id)
}

// AddEdge adds from -> to, ignoring self loops and duplicates.
func (g *Graph) AddEdge(from, to txn.TxnID) {
	if from == to || to == "" {
		return
	}
	g.addNode(from)
	g.addNode(to)
	for _, n := range g.edges[from] {
		if n == to {
			return
		}
	}
	g.edges[from] = append(g.edges[from], to)
}

func (g *Graph) sortEdges() {
	for from, tos := range g.edges {
		sort.Slice(tos, func(i, j int) bool { return g.rank[tos[i]] < g.rank[tos[j]] })
		g.edges[from] = tos
	}
}

// Build derives the wait-for graph from the live transactions, ordered by
// timestamp, and the current lock holders.
func Build(txns []txnstore.Transaction, holders map[txn.ResourceID]txn.TxnID) *Graph {
	order := make([]txn.TxnID, 0, len(txns))
	for _, t := range txns {
		order = append(order, t.ID)
	}
	g := NewGraph(order)
	for _, t := range txns {
		for _, r := range t.Requested {
			if h, ok := holders[r]; ok && h != t.ID {
				g.AddEdge(t.ID, h)
			}
		}
	}
	g.sortEdges()
	return g
}

// Nodes returns the nodes in visiting order.
func (g *Graph) Nodes() []txn.TxnID {
	return append([]txn.TxnID(nil), g.nodes...)
}

// WaitsFor returns the transactions id waits on.
func (g *Graph) WaitsFor(id txn.TxnID) []txn.TxnID {
	return append([]txn.TxnID(nil), g.edges[id]...)
}

// HasEdge reports whether from waits on to.
func (g *Graph) HasEdge(from, to txn.TxnID) bool {
	for _, n := range g.edges[from] {
		if n == to {
			return true
		}
	}
	return false
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, tos := range g.edges {
		n += len(tos)
	}
	return n
}
