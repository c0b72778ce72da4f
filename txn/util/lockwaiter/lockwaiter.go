package lockwaiter

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Manager parks transactions queued on a resource until the lock registry
// hands the resource over or the transaction is aborted.
type Manager struct {
	mu            sync.Mutex
	waitingQueues map[txn.ResourceID]*queue
}

func NewManager() *Manager {
	return &Manager{
		waitingQueues: map[txn.ResourceID]*queue{},
	}
}

type queue struct {
	waiters []*Waiter
}

// take removes and returns the waiter of txnID, it should be used under map lock protection
func (q *queue) take(txnID txn.TxnID) *Waiter {
	for i, w := range q.waiters {
		if w.Txn == txnID {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return w
		}
	}
	return nil
}

// removeWaiter removes the correspond waiter from pending array
// it should be used under map lock protection
func (q *queue) removeWaiter(w *Waiter) {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
}

type Waiter struct {
	ch       chan WaitResult
	Txn      txn.TxnID
	Resource txn.ResourceID
	Since    time.Time
}

type Status int

const (
	WaitGranted Status = iota
	WaitAborted
	WaitTimeout
	WaitCanceled
)

type WaitResult struct {
	Status Status
	// Err carries the abort reason for WaitAborted and the context error for WaitCanceled.
	Err error
}

// Wait blocks until the waiter is woken, the timeout fires or ctx is done.
// A zero timeout waits without a budget.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) WaitResult {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case result := <-w.ch:
		return result
	case <-timeoutCh:
		return WaitResult{Status: WaitTimeout}
	case <-ctx.Done():
		return WaitResult{Status: WaitCanceled, Err: ctx.Err()}
	}
}

// Poll returns a result that was delivered after Wait gave up, if any.
func (w *Waiter) Poll() (WaitResult, bool) {
	select {
	case result := <-w.ch:
		return result, true
	default:
		return WaitResult{}, false
	}
}

// NewWaiter registers txnID as waiting on resource.
func (lw *Manager) NewWaiter(txnID txn.TxnID, resource txn.ResourceID) *Waiter {
	// allocate memory before hold the lock.
	q := new(queue)
	q.waiters = make([]*Waiter, 0, 8)
	waiter := &Waiter{
		ch:       make(chan WaitResult, 1),
		Txn:      txnID,
		Resource: resource,
		Since:    time.Now(),
	}
	q.waiters = append(q.waiters, waiter)
	lw.mu.Lock()
	if old, ok := lw.waitingQueues[resource]; ok {
		old.waiters = append(old.waiters, waiter)
	} else {
		lw.waitingQueues[resource] = q
	}
	lw.mu.Unlock()
	return waiter
}

// WakeUp tells the waiter of txnID that resource has been granted to it.
func (lw *Manager) WakeUp(resource txn.ResourceID, txnID txn.TxnID) bool {
	lw.mu.Lock()
	var waiter *Waiter
	if q := lw.waitingQueues[resource]; q != nil {
		waiter = q.take(txnID)
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, resource)
		}
	}
	lw.mu.Unlock()
	if waiter == nil {
		return false
	}
	waiter.ch <- WaitResult{Status: WaitGranted}
	log.Debug("wakeup waiter", zap.String("txn", string(txnID)), zap.String("resource", string(resource)),
		zap.Duration("waited", time.Since(waiter.Since)))
	return true
}

// WakeUpForAbort wakes every waiter of txnID with the abort reason.
func (lw *Manager) WakeUpForAbort(txnID txn.TxnID, reason error) int {
	var waiters []*Waiter
	lw.mu.Lock()
	for resource, q := range lw.waitingQueues {
		if w := q.take(txnID); w != nil {
			waiters = append(waiters, w)
		}
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, resource)
		}
	}
	lw.mu.Unlock()
	for _, w := range waiters {
		w.ch <- WaitResult{Status: WaitAborted, Err: reason}
	}
	if len(waiters) > 0 {
		log.Info("wakeup aborted waiter", zap.String("txn", string(txnID)), zap.Error(reason))
	}
	return len(waiters)
}

// CleanUp removes a waiter from waitingQueues when wait timeout.
func (lw *Manager) CleanUp(w *Waiter) {
	lw.mu.Lock()
	q := lw.waitingQueues[w.Resource]
	if q != nil {
		q.removeWaiter(w)
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, w.Resource)
		}
	}
	lw.mu.Unlock()
}

// Len returns the number of parked waiters.
func (lw *Manager) Len() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	n := 0
	for _, q := range lw.waitingQueues {
		n += len(q.waiters)
	}
	return n
}
