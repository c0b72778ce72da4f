package catalog

import (
	"sort"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/commit"
	"github.com/pkg/errors"
)

// Node describes a processing node. The manager reads it for admission,
// default priorities and protocol selection; the transport reads Latency.
type Node struct {
	ID                   txn.NodeID    `toml:"id" json:"id"`
	CPU                  int           `toml:"cpu" json:"cpu"`
	MemoryGB             float64       `toml:"memory-gb" json:"memory_gb"`
	Latency              time.Duration `toml:"-" json:"latency"`
	TPS                  int           `toml:"tps" json:"tps"`
	LockPercent          int           `toml:"lock-percent" json:"lock_percent"`
	AvailabilityCritical bool          `toml:"availability-critical" json:"availability_critical"`
	DefaultPriority      int           `toml:"default-priority" json:"default_priority"`
	Services             []string      `toml:"services" json:"services,omitempty"`
}

// DefaultNodes is the reference five node deployment.
func DefaultNodes() []Node {
	return []Node{
		{ID: "Edge1", CPU: 45, MemoryGB: 4.0, Latency: 12 * time.Millisecond, TPS: 120, LockPercent: 5, DefaultPriority: 1,
			Services: []string{"RPC", "EventOrdering"}},
		{ID: "Edge2", CPU: 50, MemoryGB: 4.5, Latency: 15 * time.Millisecond, TPS: 100, LockPercent: 8, DefaultPriority: 1,
			Services: []string{"RPC", "NodeFailureRecovery"}},
		{ID: "Core1", CPU: 60, MemoryGB: 8.0, Latency: 8 * time.Millisecond, TPS: 250, LockPercent: 12, DefaultPriority: 1,
			Services: []string{"2PC/3PC", "TransactionCommit"}},
		{ID: "Core2", CPU: 55, MemoryGB: 7.5, Latency: 10 * time.Millisecond, TPS: 230, LockPercent: 10, DefaultPriority: 1,
			Services: []string{"DeadlockDetection", "LoadBalancing"}},
		{ID: "Cloud1", CPU: 70, MemoryGB: 16.0, Latency: 20 * time.Millisecond, TPS: 300, LockPercent: 15, DefaultPriority: 1,
			Services: []string{"DistributedSharedMemory", "Analytics"}},
	}
}

// Catalog is a concurrent-safe node table.
type Catalog struct {
	mu    sync.RWMutex
	nodes map[txn.NodeID]Node
}

func New(nodes []Node) *Catalog {
	c := &Catalog{nodes: make(map[txn.NodeID]Node, len(nodes))}
	for _, n := range nodes {
		c.nodes[n.ID] = n
	}
	return c
}

// Get returns the node with id.
func (c *Catalog) Get(id txn.NodeID) (Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Put adds or replaces a node.
func (c *Catalog) Put(n Node) {
	c.mu.Lock()
	c.nodes[n.ID] = n
	c.mu.Unlock()
}

// SetCPU updates the CPU load of a node.
func (c *Catalog) SetCPU(id txn.NodeID, cpu int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return errors.Errorf("unknown node %s", id)
	}
	n.CPU = cpu
	c.nodes[id] = n
	return nil
}

// Nodes returns all nodes sorted by id.
func (c *Catalog) Nodes() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Admission limits for new transactions on a node.
type Admission struct {
	MaxCPUPercent int
	MaxWaiting    int
}

// Admit checks whether node may start another transaction given how many
// of its transactions are currently waiting. Unknown nodes are admitted.
func (c *Catalog) Admit(id txn.NodeID, waiting int, limits Admission) error {
	n, ok := c.Get(id)
	if !ok {
		return nil
	}
	if (limits.MaxCPUPercent > 0 && n.CPU >= limits.MaxCPUPercent) ||
		(limits.MaxWaiting > 0 && waiting >= limits.MaxWaiting) {
		return errors.WithStack(&txn.ErrNodeOverloaded{Node: id, CPU: n.CPU, Waiting: waiting})
	}
	return nil
}

// Protocol selection modes.
const (
	ModeAuto       = "auto"
	ModeTwoPhase   = "2pc"
	ModeThreePhase = "3pc"
)

// Selector chooses the commit protocol for a participant set.
type Selector struct {
	Mode string
	// Percentile of participant latencies compared against Threshold.
	Percentile float64
	Threshold  time.Duration
}

// Select returns the protocol for participants. In auto mode 3PC is used
// when any participant is availability-critical or the latency percentile
// is above the threshold; 3PC costs a round trip but does not block on a
// coordinator failure.
func (c *Catalog) Select(sel Selector, participants []txn.NodeID) (commit.Protocol, error) {
	switch sel.Mode {
	case ModeTwoPhase:
		return commit.TwoPhase, nil
	case ModeThreePhase:
		return commit.ThreePhase, nil
	case ModeAuto, "":
	default:
		return commit.TwoPhase, errors.Errorf("unknown protocol mode %q", sel.Mode)
	}
	if len(participants) == 0 {
		return commit.TwoPhase, nil
	}
	latencies := make([]float64, 0, len(participants))
	for _, id := range participants {
		n, ok := c.Get(id)
		if !ok {
			continue
		}
		if n.AvailabilityCritical {
			return commit.ThreePhase, nil
		}
		latencies = append(latencies, float64(n.Latency)/float64(time.Millisecond))
	}
	if len(latencies) == 0 {
		return commit.TwoPhase, nil
	}
	p, err := c.latencyPercentile(latencies, sel.Percentile)
	if err != nil {
		return commit.TwoPhase, err
	}
	if p > float64(sel.Threshold)/float64(time.Millisecond) {
		return commit.ThreePhase, nil
	}
	return commit.TwoPhase, nil
}

func (c *Catalog) latencyPercentile(latencies []float64, percentile float64) (float64, error) {
	var (
		p   float64
		err error
	)
	switch {
	case len(latencies) == 1 || percentile >= 100:
		p, err = stats.Max(latencies)
	case percentile <= 0:
		p, err = stats.Min(latencies)
	default:
		p, err = stats.Percentile(latencies, percentile)
		if err == stats.BoundsErr {
			// Too few samples to interpolate this low.
			p, err = stats.Min(latencies)
		}
	}
	return p, errors.WithStack(err)
}
