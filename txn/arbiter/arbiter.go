package arbiter

import (
	"fmt"
	"strings"
	"time"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/txnstore"
	"github.com/pkg/errors"
)

// Policy decides who yields when two transactions conflict on a resource.
// A deployment runs exactly one policy.
type Policy int

const (
	// PolicyDetect queues FIFO and relies on the deadlock detector.
	PolicyDetect Policy = iota
	// PolicyWaitDie lets older requesters wait and aborts younger ones.
	PolicyWaitDie
	// PolicyWoundWait aborts younger holders for older requesters.
	PolicyWoundWait
	// PolicyTimeout aborts any request blocked longer than the wait budget.
	PolicyTimeout
)

func (p Policy) String() string {
	switch p {
	case PolicyDetect:
		return "detect"
	case PolicyWaitDie:
		return "wait-die"
	case PolicyWoundWait:
		return "wound-wait"
	case PolicyTimeout:
		return "timeout"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses a policy name as used in the config file.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "detect", "graph", "":
		return PolicyDetect, nil
	case "wait-die", "waitdie":
		return PolicyWaitDie, nil
	case "wound-wait", "woundwait":
		return PolicyWoundWait, nil
	case "timeout":
		return PolicyTimeout, nil
	}
	return PolicyDetect, errors.Errorf("unknown lock policy %q", s)
}

// Action is the arbitration outcome for a conflicting request.
type Action int

const (
	// ActionWait queues the requester behind the holder.
	ActionWait Action = iota
	// ActionDie aborts the requester.
	ActionDie
	// ActionWound aborts the holder and lets the requester proceed.
	ActionWound
)

func (a Action) String() string {
	switch a {
	case ActionWait:
		return "wait"
	case ActionDie:
		return "die"
	case ActionWound:
		return "wound"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Arbiter applies the configured policy.
type Arbiter struct {
	policy      Policy
	waitTimeout time.Duration
}

// New creates an arbiter. waitTimeout is only used by PolicyTimeout.
func New(policy Policy, waitTimeout time.Duration) *Arbiter {
	return &Arbiter{policy: policy, waitTimeout: waitTimeout}
}

func (a *Arbiter) Policy() Policy {
	return a.policy
}

// DetectsDeadlocks reports whether the wait-for graph must be scanned.
// Wait-Die and Wound-Wait never form a cycle, and the timeout policy does
// not look at the graph at all.
func (a *Arbiter) DetectsDeadlocks() bool {
	return a.policy == PolicyDetect
}

// WaitBudget is how long a blocked request may wait, 0 meaning unbounded.
func (a *Arbiter) WaitBudget() time.Duration {
	if a.policy == PolicyTimeout {
		return a.waitTimeout
	}
	return 0
}

// OnConflict decides what happens when requester asks for a resource held
// by holder. The same rule is applied again whenever the resource is handed
// to a new holder while requester is still queued.
func (a *Arbiter) OnConflict(requester, holder *txnstore.Transaction) Action {
	switch a.policy {
	case PolicyWaitDie:
		if requester.Older(holder) {
			return ActionWait
		}
		return ActionDie
	case PolicyWoundWait:
		if !requester.Older(holder) {
			return ActionWait
		}
		// A holder already inside the commit protocol cannot be preempted;
		// it waits on nobody, so waiting for it cannot close a cycle.
		if holder.Committing {
			return ActionWait
		}
		return ActionWound
	case PolicyDetect, PolicyTimeout:
		return ActionWait
	}
	return ActionWait
}

// ConflictError builds the abort reason for a non-wait action.
func ConflictError(action Action, requester, holder *txnstore.Transaction, resource txn.ResourceID) error {
	switch action {
	case ActionDie:
		return &txn.ErrWaitDie{
			Txn:      requester.ID,
			StartTS:  requester.StartTS,
			Holder:   holder.ID,
			HolderTS: holder.StartTS,
			Resource: resource,
		}
	case ActionWound:
		return &txn.ErrWounded{Txn: holder.ID, By: requester.ID, Resource: resource}
	case ActionWait:
	}
	return nil
}
