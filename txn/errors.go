package txn

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrRetryable suggests that the caller may resubmit the transaction with its
// original timestamp.
type ErrRetryable string

func (e ErrRetryable) Error() string {
	return fmt.Sprintf("retryable: %s", string(e))
}

var (
	ErrTxnAborted   = ErrRetryable("transaction aborted")
	ErrTxnCommitted = errors.New("transaction already committed")
)

// ErrDeadlock is returned to a victim chosen to break a wait-for cycle.
type ErrDeadlock struct {
	Cycle  []TxnID
	Victim TxnID
}

func (e *ErrDeadlock) Error() string {
	ids := make([]string, 0, len(e.Cycle))
	for _, id := range e.Cycle {
		ids = append(ids, string(id))
	}
	return fmt.Sprintf("deadlock: cycle %s, victim %s", strings.Join(ids, " -> "), e.Victim)
}

// ErrWaitDie is returned when a younger requester dies on conflict with an
// older holder.
type ErrWaitDie struct {
	Txn      TxnID
	StartTS  uint64
	Holder   TxnID
	HolderTS uint64
	Resource ResourceID
}

func (e *ErrWaitDie) Error() string {
	return fmt.Sprintf("wait-die: txn %s(ts=%d) dies requesting %s held by %s(ts=%d)",
		e.Txn, e.StartTS, e.Resource, e.Holder, e.HolderTS)
}

// ErrWounded is returned to a younger holder preempted by an older requester.
type ErrWounded struct {
	Txn      TxnID
	By       TxnID
	Resource ResourceID
}

func (e *ErrWounded) Error() string {
	return fmt.Sprintf("wound-wait: txn %s wounded by %s on %s", e.Txn, e.By, e.Resource)
}

// ErrLockTimeout is returned when a wait exceeds the configured budget.
type ErrLockTimeout struct {
	Txn      TxnID
	Resource ResourceID
	Waited   time.Duration
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("lock wait timeout: txn %s waited %v for %s", e.Txn, e.Waited, e.Resource)
}

// ErrParticipantUnreachable is returned when a participant does not answer
// within a phase deadline.
type ErrParticipantUnreachable struct {
	Node  NodeID
	Phase string
}

func (e *ErrParticipantUnreachable) Error() string {
	return fmt.Sprintf("participant %s unreachable during %s", e.Node, e.Phase)
}

// ErrCoordinatorFailure is reported for sessions whose coordinator stopped
// driving the protocol.
type ErrCoordinatorFailure struct {
	Txn   TxnID
	Phase string
}

func (e *ErrCoordinatorFailure) Error() string {
	return fmt.Sprintf("coordinator failed for txn %s in phase %s", e.Txn, e.Phase)
}

// ErrInvalidResourceRequest is a caller error; it is never retried.
type ErrInvalidResourceRequest struct {
	Txn    TxnID
	Reason string
}

func (e *ErrInvalidResourceRequest) Error() string {
	if e.Txn == "" {
		return fmt.Sprintf("invalid resource request: %s", e.Reason)
	}
	return fmt.Sprintf("invalid resource request for txn %s: %s", e.Txn, e.Reason)
}

// ErrTxnNotFound is returned for unknown transaction ids.
type ErrTxnNotFound struct {
	Txn TxnID
}

func (e *ErrTxnNotFound) Error() string {
	return fmt.Sprintf("txn %s not found", e.Txn)
}

// ErrNodeOverloaded is returned when the owner node cannot admit more work.
type ErrNodeOverloaded struct {
	Node    NodeID
	CPU     int
	Waiting int
}

func (e *ErrNodeOverloaded) Error() string {
	return fmt.Sprintf("node %s overloaded: cpu=%d%% waiting=%d", e.Node, e.CPU, e.Waiting)
}

// ErrAlreadyCommitted is returned when trying to abort a committed participant.
type ErrAlreadyCommitted TxnID

func (e ErrAlreadyCommitted) Error() string {
	return fmt.Sprintf("txn %s already committed", string(e))
}

// IsRetryable reports whether err is a locally recoverable abort the caller
// can resubmit.
func IsRetryable(err error) bool {
	switch errors.Cause(err).(type) {
	case ErrRetryable, *ErrDeadlock, *ErrWaitDie, *ErrWounded, *ErrLockTimeout, *ErrNodeOverloaded:
		return true
	}
	return false
}

// AbortLabel returns a short stable label for metrics and logs.
func AbortLabel(err error) string {
	switch errors.Cause(err).(type) {
	case nil:
		return "none"
	case *ErrDeadlock:
		return "deadlock"
	case *ErrWaitDie:
		return "wait_die"
	case *ErrWounded:
		return "wounded"
	case *ErrLockTimeout:
		return "lock_timeout"
	case *ErrParticipantUnreachable:
		return "participant_unreachable"
	case *ErrCoordinatorFailure:
		return "coordinator_failure"
	case *ErrInvalidResourceRequest:
		return "invalid_request"
	case *ErrNodeOverloaded:
		return "overloaded"
	case ErrRetryable:
		return "retryable"
	}
	return "other"
}
