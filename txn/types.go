package txn

import (
	"fmt"
	"sort"
)

// TxnID identifies a transaction. It is stable across retries.
type TxnID string

// ResourceID identifies an exclusively lockable resource.
type ResourceID string

// NodeID identifies a processing node, either a transaction owner or a commit participant.
type NodeID string

// State is the lifecycle state of a transaction.
type State int

const (
	StateActive State = iota
	StateWaiting
	StateAborted
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateWaiting:
		return "WAITING"
	case StateAborted:
		return "ABORTED"
	case StateCommitted:
		return "COMMITTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateAborted, StateCommitted:
		return true
	case StateActive, StateWaiting:
		return false
	}
	return false
}

// MarshalText lets states render by name in JSON and TOML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Decision is the final result reported for a transaction.
type Decision int

const (
	DecisionCommitted Decision = iota
	DecisionAborted
	// DecisionInDoubt is only produced by 2PC when the coordinator failed after
	// PREPARE: participants that voted YES stay blocked until recovery.
	DecisionInDoubt
)

func (d Decision) String() string {
	switch d {
	case DecisionCommitted:
		return "COMMITTED"
	case DecisionAborted:
		return "ABORTED"
	case DecisionInDoubt:
		return "IN_DOUBT"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Outcome is emitted once per transaction attempt.
type Outcome struct {
	Txn      TxnID    `json:"txn"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	// Retry is set when the abort was caused by a locally recoverable
	// condition; the caller may resubmit with RetryTS as the timestamp.
	Retry   bool   `json:"retry"`
	RetryTS uint64 `json:"retry_ts,omitempty"`
}

// SortResources returns a sorted copy of rs without duplicates.
func SortResources(rs []ResourceID) []ResourceID {
	seen := make(map[ResourceID]struct{}, len(rs))
	out := make([]ResourceID, 0, len(rs))
	for _, r := range rs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
