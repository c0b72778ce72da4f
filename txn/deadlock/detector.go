package deadlock

import (
	"strings"
	"time"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/txnstore"
)

// Report describes one resolved deadlock.
type Report struct {
	Cycle      []txn.TxnID `json:"cycle"`
	Victim     txn.TxnID   `json:"victim"`
	DetectedAt time.Time   `json:"detected_at"`
}

func (r Report) String() string {
	ids := make([]string, 0, len(r.Cycle))
	for _, id := range r.Cycle {
		ids = append(ids, string(id))
	}
	return strings.Join(ids, " -> ") + " victim=" + string(r.Victim)
}

// FindCycle runs a depth-first search over g and returns the first cycle
// found as [Tk, ..., Tk], starting at the node the back edge points to. It
// returns nil when g is acyclic. O(V+E).
func FindCycle(g *Graph) []txn.TxnID {
	var (
		visited = make(map[txn.TxnID]bool, len(g.nodes))
		// onStack maps a node on the current DFS path to its index in path.
		onStack = make(map[txn.TxnID]int, len(g.nodes))
		path    []txn.TxnID
		dfs     func(n txn.TxnID) []txn.TxnID
	)
	dfs = func(n txn.TxnID) []txn.TxnID {
		visited[n] = true
		onStack[n] = len(path)
		path = append(path, n)
		for _, m := range g.edges[n] {
			if i, ok := onStack[m]; ok {
				cycle := make([]txn.TxnID, 0, len(path)-i+1)
				cycle = append(cycle, path[i:]...)
				return append(cycle, m)
			}
			if !visited[m] {
				if c := dfs(m); c != nil {
					return c
				}
			}
		}
		delete(onStack, n)
		path = path[:len(path)-1]
		return nil
	}
	for _, n := range g.nodes {
		if !visited[n] {
			if c := dfs(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// Detect builds the graph from a snapshot and looks for a cycle.
func Detect(txns []txnstore.Transaction, holders map[txn.ResourceID]txn.TxnID) []txn.TxnID {
	return FindCycle(Build(txns, holders))
}
