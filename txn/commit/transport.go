package commit

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pkg/errors"
)

// Transport delivers protocol messages to participants. Send must honour ctx
// and return an error when no answer arrives before it is done.
type Transport interface {
	Send(ctx context.Context, node txn.NodeID, msg Message) (Response, error)
}

// LocalTransport connects participants living in the same process. Each
// delivery is delayed by the node's latency, and nodes can be partitioned
// away to simulate message loss.
type LocalTransport struct {
	mu           sync.RWMutex
	participants map[txn.NodeID]*Participant
	latency      map[txn.NodeID]time.Duration
	partitioned  map[txn.NodeID]bool
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		participants: make(map[txn.NodeID]*Participant),
		latency:      make(map[txn.NodeID]time.Duration),
		partitioned:  make(map[txn.NodeID]bool),
	}
}

// Register adds p, reachable after latency. It also becomes p's transport
// for peer queries.
func (t *LocalTransport) Register(p *Participant, latency time.Duration) {
	t.mu.Lock()
	t.participants[p.ID()] = p
	t.latency[p.ID()] = latency
	t.mu.Unlock()
	p.SetTransport(t)
}

// Participant returns the registered participant for node.
func (t *LocalTransport) Participant(node txn.NodeID) (*Participant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.participants[node]
	return p, ok
}

// Nodes returns the registered node ids.
func (t *LocalTransport) Nodes() []txn.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nodes := make([]txn.NodeID, 0, len(t.participants))
	for id := range t.participants {
		nodes = append(nodes, id)
	}
	return nodes
}

// Partition drops every message to node until healed.
func (t *LocalTransport) Partition(node txn.NodeID, on bool) {
	t.mu.Lock()
	t.partitioned[node] = on
	t.mu.Unlock()
}

func (t *LocalTransport) Send(ctx context.Context, node txn.NodeID, msg Message) (Response, error) {
	t.mu.RLock()
	p, ok := t.participants[node]
	delay := t.latency[node]
	lost := t.partitioned[node]
	t.mu.RUnlock()

	unreachable := &txn.ErrParticipantUnreachable{Node: node, Phase: msg.Type.String()}
	if !ok {
		return Response{}, errors.WithStack(unreachable)
	}
	if lost {
		<-ctx.Done()
		return Response{}, errors.WithStack(unreachable)
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Response{}, errors.WithStack(unreachable)
		}
	}
	return p.Handle(ctx, msg)
}
