package lockregistry

import (
	"sort"
	"sync"

	farm "github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/util/lockwaiter"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Registry owns the mapping from resource to holder and waiters. It is the
// only place lock state is mutated.
//
// Resources are spread over shards by fingerprint, each shard guarded by its
// own mutex, so requests on unrelated resources do not contend. Operations
// that must see or change several resources at once (Snapshot, ForceRelease)
// lock every shard in index order.
type Registry struct {
	shards  []*shard
	waiters *lockwaiter.Manager
}

type shard struct {
	mu    sync.RWMutex
	locks map[txn.ResourceID]*ResourceLock
}

// ResourceLock is an exclusive lock with a FIFO wait queue.
type ResourceLock struct {
	Resource txn.ResourceID `json:"resource"`
	Holder   txn.TxnID      `json:"holder"`
	Queue    []txn.TxnID    `json:"queue,omitempty"`
}

func (l *ResourceLock) clone() ResourceLock {
	return ResourceLock{
		Resource: l.Resource,
		Holder:   l.Holder,
		Queue:    append([]txn.TxnID(nil), l.Queue...),
	}
}

func (l *ResourceLock) queued(t txn.TxnID) int {
	for i, w := range l.Queue {
		if w == t {
			return i
		}
	}
	return -1
}

// Status is the result of an acquire.
type Status int

const (
	Granted Status = iota
	Queued
)

func (s Status) String() string {
	switch s {
	case Granted:
		return "GRANTED"
	case Queued:
		return "QUEUED"
	}
	return "UNKNOWN"
}

// Handoff records a resource leaving From. To is empty when the lock was
// dropped because nobody was waiting.
type Handoff struct {
	Resource txn.ResourceID
	From     txn.TxnID
	To       txn.TxnID
}

const defaultShards = 16

// NewRegistry creates a registry with shardCount shards, 0 means the default.
func NewRegistry(shardCount int) *Registry {
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	r := &Registry{
		shards:  make([]*shard, shardCount),
		waiters: lockwaiter.NewManager(),
	}
	for i := range r.shards {
		r.shards[i] = &shard{locks: make(map[txn.ResourceID]*ResourceLock)}
	}
	return r
}

func (r *Registry) shardFor(resource txn.ResourceID) *shard {
	return r.shards[farm.Fingerprint64([]byte(resource))%uint64(len(r.shards))]
}

// Acquire grants resource to t when it is free or already held by t, and
// queues t behind the current holder otherwise. The returned waiter is only
// set for Queued and is woken by Release, ForceRelease of the holder, or
// ForceRelease of t itself.
func (r *Registry) Acquire(t txn.TxnID, resource txn.ResourceID) (Status, *lockwaiter.Waiter, error) {
	if t == "" || resource == "" {
		return Granted, nil, errors.WithStack(&txn.ErrInvalidResourceRequest{Txn: t, Reason: "empty transaction or resource id"})
	}
	s := r.shardFor(resource)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[resource]
	if !ok {
		s.locks[resource] = &ResourceLock{Resource: resource, Holder: t}
		return Granted, nil, nil
	}
	if l.Holder == t {
		return Granted, nil, nil
	}
	if l.queued(t) >= 0 {
		return Queued, nil, errors.WithStack(&txn.ErrInvalidResourceRequest{Txn: t, Reason: "already queued on " + string(resource)})
	}
	l.Queue = append(l.Queue, t)
	w := r.waiters.NewWaiter(t, resource)
	return Queued, w, nil
}

// Release gives up t's lock on resource and hands it to the next waiter.
func (r *Registry) Release(t txn.TxnID, resource txn.ResourceID) (Handoff, error) {
	s := r.shardFor(resource)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[resource]
	if !ok || l.Holder != t {
		return Handoff{}, errors.Errorf("txn %s does not hold %s", t, resource)
	}
	return r.handOffLocked(s, l), nil
}

// handOffLocked must be called with s.mu held.
func (r *Registry) handOffLocked(s *shard, l *ResourceLock) Handoff {
	h := Handoff{Resource: l.Resource, From: l.Holder}
	if len(l.Queue) == 0 {
		delete(s.locks, l.Resource)
		return h
	}
	next := l.Queue[0]
	l.Queue = l.Queue[1:]
	l.Holder = next
	h.To = next
	r.waiters.WakeUp(l.Resource, next)
	return h
}

// ForceRelease releases every resource held by t, removes t from every wait
// queue and wakes t's own waiter with reason. The whole operation is atomic
// with respect to other registry operations.
func (r *Registry) ForceRelease(t txn.TxnID, reason error) []Handoff {
	r.lockAll()
	var handoffs []Handoff
	for _, s := range r.shards {
		for _, l := range s.locks {
			if i := l.queued(t); i >= 0 {
				l.Queue = append(l.Queue[:i], l.Queue[i+1:]...)
			}
		}
		for _, l := range s.locks {
			if l.Holder == t {
				handoffs = append(handoffs, r.handOffLocked(s, l))
			}
		}
	}
	if reason == nil {
		reason = txn.ErrTxnAborted
	}
	r.waiters.WakeUpForAbort(t, reason)
	r.unlockAll()

	sort.Slice(handoffs, func(i, j int) bool { return handoffs[i].Resource < handoffs[j].Resource })
	if len(handoffs) > 0 {
		log.Debug("force released locks", zap.String("txn", string(t)), zap.Int("count", len(handoffs)))
	}
	return handoffs
}

// Cancel withdraws a queued request after its waiter gave up. It returns
// false if the request is no longer queued, i.e. it was granted meanwhile.
func (r *Registry) Cancel(w *lockwaiter.Waiter) bool {
	s := r.shardFor(w.Resource)
	s.mu.Lock()
	defer s.mu.Unlock()

	r.waiters.CleanUp(w)
	l, ok := s.locks[w.Resource]
	if !ok {
		return false
	}
	i := l.queued(w.Txn)
	if i < 0 {
		return false
	}
	l.Queue = append(l.Queue[:i], l.Queue[i+1:]...)
	return true
}

// Promote moves a queued t to the head of resource's queue so it is the
// next to be granted.
func (r *Registry) Promote(resource txn.ResourceID, t txn.TxnID) bool {
	s := r.shardFor(resource)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[resource]
	if !ok {
		return false
	}
	i := l.queued(t)
	if i < 0 {
		return false
	}
	copy(l.Queue[1:i+1], l.Queue[:i])
	l.Queue[0] = t
	return true
}

// Holder returns the current holder of resource, empty if it is free.
func (r *Registry) Holder(resource txn.ResourceID) txn.TxnID {
	s := r.shardFor(resource)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.locks[resource]; ok {
		return l.Holder
	}
	return ""
}

// Waiters returns the wait queue of resource in grant order.
func (r *Registry) Waiters(resource txn.ResourceID) []txn.TxnID {
	s := r.shardFor(resource)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.locks[resource]; ok {
		return append([]txn.TxnID(nil), l.Queue...)
	}
	return nil
}

// Snapshot returns a consistent copy of every lock sorted by resource.
func (r *Registry) Snapshot() []ResourceLock {
	for _, s := range r.shards {
		s.mu.RLock()
	}
	var locks []ResourceLock
	for _, s := range r.shards {
		for _, l := range s.locks {
			locks = append(locks, l.clone())
		}
	}
	for _, s := range r.shards {
		s.mu.RUnlock()
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Resource < locks[j].Resource })
	return locks
}

// Holders returns resource -> holder for every live lock.
func (r *Registry) Holders() map[txn.ResourceID]txn.TxnID {
	locks := r.Snapshot()
	holders := make(map[txn.ResourceID]txn.TxnID, len(locks))
	for _, l := range locks {
		holders[l.Resource] = l.Holder
	}
	return holders
}

// HeldBy returns the resources held by t, sorted.
func (r *Registry) HeldBy(t txn.TxnID) []txn.ResourceID {
	var held []txn.ResourceID
	for _, l := range r.Snapshot() {
		if l.Holder == t {
			held = append(held, l.Resource)
		}
	}
	return held
}

// Len returns the number of live locks.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.locks)
		s.mu.RUnlock()
	}
	return n
}

// ParkedWaiters returns the number of transactions blocked on a waiter.
func (r *Registry) ParkedWaiters() int {
	return r.waiters.Len()
}

func (r *Registry) lockAll() {
	for _, s := range r.shards {
		s.mu.Lock()
	}
}

func (r *Registry) unlockAll() {
	for i := len(r.shards) - 1; i >= 0; i-- {
		r.shards[i].mu.Unlock()
	}
}
