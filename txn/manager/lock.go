package manager

import (
	"context"
	"time"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/arbiter"
	"github.com/pingcap-incubator/tinytxn/txn/lockregistry"
	"github.com/pingcap-incubator/tinytxn/txn/util/lockwaiter"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type victim struct {
	id     txn.TxnID
	reason error
}

// Acquire obtains resource for id, blocking while the arbiter lets it wait.
// Any error means the transaction has been aborted.
func (m *Manager) Acquire(ctx context.Context, id txn.TxnID, resource txn.ResourceID) error {
	m.mu.Lock()
	t, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return errors.WithStack(&txn.ErrTxnNotFound{Txn: id})
	}
	if t.State.IsTerminal() {
		err := m.reasonLocked(t)
		m.mu.Unlock()
		return err
	}
	if t.Committing {
		m.mu.Unlock()
		return errors.WithStack(&txn.ErrInvalidResourceRequest{Txn: id, Reason: "transaction is committing"})
	}

	status, w, err := m.registry.Acquire(id, resource)
	if err != nil {
		m.abortLocked(id, err)
		m.mu.Unlock()
		return err
	}
	if status == lockregistry.Granted {
		if err = m.store.Grant(id, resource); err != nil {
			m.abortLocked(id, err)
		}
		m.updateGaugesLocked()
		m.mu.Unlock()
		return err
	}

	holderID := m.registry.Holder(resource)
	holder, _ := m.store.Get(holderID)
	action := m.arbiter.OnConflict(&t, &holder)
	log.Debug("lock conflict",
		zap.String("txn", string(id)), zap.String("resource", string(resource)),
		zap.String("holder", string(holderID)), zap.Stringer("action", action))

	switch action {
	case arbiter.ActionDie:
		reason := arbiter.ConflictError(action, &t, &holder, resource)
		m.abortLocked(id, reason)
		m.updateGaugesLocked()
		m.mu.Unlock()
		return reason
	case arbiter.ActionWound:
		if err = m.store.Request(id, resource); err == nil {
			m.registry.Promote(resource, id)
			m.abortLocked(holderID, arbiter.ConflictError(action, &t, &holder, resource))
		}
	case arbiter.ActionWait:
		err = m.store.Request(id, resource)
	}
	if err != nil {
		m.abortLocked(id, err)
		m.mu.Unlock()
		return err
	}
	if m.arbiter.DetectsDeadlocks() && m.cfg.DetectOnBlock && m.limiter.Allow() {
		m.detectLocked()
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	return m.wait(ctx, w, id, resource)
}

func (m *Manager) wait(ctx context.Context, w *lockwaiter.Waiter, id txn.TxnID, resource txn.ResourceID) error {
	result := w.Wait(ctx, m.arbiter.WaitBudget())
	switch result.Status {
	case lockwaiter.WaitGranted:
		lockWaitDuration.WithLabelValues("granted").Observe(time.Since(w.Since).Seconds())
		return nil
	case lockwaiter.WaitAborted:
		lockWaitDuration.WithLabelValues("aborted").Observe(time.Since(w.Since).Seconds())
		return result.Err
	case lockwaiter.WaitTimeout, lockwaiter.WaitCanceled:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Every wake-up happens under mu, so a result that raced with the
	// timeout is already in the channel.
	if late, ok := w.Poll(); ok {
		if late.Status == lockwaiter.WaitGranted {
			lockWaitDuration.WithLabelValues("granted").Observe(time.Since(w.Since).Seconds())
			return nil
		}
		return late.Err
	}
	m.registry.Cancel(w)
	m.store.Withdraw(id, resource)

	waited := time.Since(w.Since)
	var reason error
	if result.Status == lockwaiter.WaitTimeout {
		reason = errors.WithStack(&txn.ErrLockTimeout{Txn: id, Resource: resource, Waited: waited})
		lockWaitDuration.WithLabelValues("timeout").Observe(waited.Seconds())
	} else {
		reason = errors.Wrapf(result.Err, "txn %s canceled waiting for %s", id, resource)
		lockWaitDuration.WithLabelValues("canceled").Observe(waited.Seconds())
	}
	m.abortLocked(id, reason)
	m.updateGaugesLocked()
	return reason
}

// abortLocked aborts id and everything its abort cascades into. m.mu must
// be held.
func (m *Manager) abortLocked(id txn.TxnID, reason error) {
	m.abortAllLocked([]victim{{id: id, reason: reason}})
}

// abortAllLocked processes a worklist of victims: the store moves each to
// ABORTED exactly once, the registry force-releases its locks and wakes its
// waiters, and every hand-off is re-arbitrated, which may add victims.
func (m *Manager) abortAllLocked(work []victim) {
	for len(work) > 0 {
		v := work[0]
		work = work[1:]
		first, err := m.store.Abort(v.id, v.reason)
		if err != nil {
			log.Warn("abort failed", zap.String("txn", string(v.id)), zap.Error(err))
			continue
		}
		if !first {
			continue
		}
		m.reasons[v.id] = v.reason
		abortCounter.WithLabelValues(m.arbiter.Policy().String(), txn.AbortLabel(v.reason)).Inc()
		handoffs := m.registry.ForceRelease(v.id, v.reason)
		work = append(work, m.handOffLocked(handoffs)...)
	}
}

// handOffLocked records new holders in the store and re-arbitrates the
// remaining waiters of each handed-off resource.
func (m *Manager) handOffLocked(handoffs []lockregistry.Handoff) []victim {
	var victims []victim
	for _, h := range handoffs {
		if h.To == "" {
			continue
		}
		if err := m.store.Grant(h.To, h.Resource); err != nil {
			log.Warn("grant after hand-off", zap.String("txn", string(h.To)),
				zap.String("resource", string(h.Resource)), zap.Error(err))
			continue
		}
		log.Debug("lock handed off", zap.String("resource", string(h.Resource)),
			zap.String("from", string(h.From)), zap.String("to", string(h.To)))
		victims = append(victims, m.rearbitrateLocked(h.Resource, h.To)...)
	}
	return victims
}

// rearbitrateLocked applies the arbiter to every waiter of resource against
// its new holder, so the timestamp ordering holds for each wait-for edge.
func (m *Manager) rearbitrateLocked(resource txn.ResourceID, holderID txn.TxnID) []victim {
	if m.arbiter.Policy() != arbiter.PolicyWaitDie && m.arbiter.Policy() != arbiter.PolicyWoundWait {
		return nil
	}
	holder, ok := m.store.Get(holderID)
	if !ok {
		return nil
	}
	var victims []victim
	for _, wid := range m.registry.Waiters(resource) {
		w, ok := m.store.Get(wid)
		if !ok {
			continue
		}
		switch action := m.arbiter.OnConflict(&w, &holder); action {
		case arbiter.ActionDie:
			victims = append(victims, victim{id: wid, reason: arbiter.ConflictError(action, &w, &holder, resource)})
		case arbiter.ActionWound:
			m.registry.Promote(resource, wid)
			return append(victims, victim{id: holderID, reason: arbiter.ConflictError(action, &w, &holder, resource)})
		case arbiter.ActionWait:
		}
	}
	return victims
}
