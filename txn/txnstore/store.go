package txnstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Transaction is a point-in-time copy of a transaction record.
type Transaction struct {
	ID           txn.TxnID        `json:"id"`
	Owner        txn.NodeID       `json:"owner"`
	StartTS      uint64           `json:"start_ts"`
	Priority     int              `json:"priority"`
	State        txn.State        `json:"state"`
	Required     []txn.ResourceID `json:"required"`
	Held         []txn.ResourceID `json:"held"`
	Requested    []txn.ResourceID `json:"requested"`
	Participants []txn.NodeID     `json:"participants,omitempty"`
	// Committing is set once the transaction holds everything it needs and
	// has been handed to the commit coordinator.
	Committing bool      `json:"committing"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Older reports whether t precedes o in timestamp order. Equal timestamps
// are broken by id so the order is total.
func (t *Transaction) Older(o *Transaction) bool {
	if t.StartTS != o.StartTS {
		return t.StartTS < o.StartTS
	}
	return t.ID < o.ID
}

type record struct {
	Transaction
	held      map[txn.ResourceID]struct{}
	requested map[txn.ResourceID]struct{}
}

func (r *record) snapshot() Transaction {
	t := r.Transaction
	t.Required = append([]txn.ResourceID(nil), r.Required...)
	t.Participants = append([]txn.NodeID(nil), r.Participants...)
	t.Held = sortedSet(r.held)
	t.Requested = sortedSet(r.requested)
	return t
}

func (r *record) refreshState() {
	if r.State.IsTerminal() {
		return
	}
	if len(r.requested) > 0 {
		r.State = txn.StateWaiting
	} else {
		r.State = txn.StateActive
	}
}

func sortedSet(set map[txn.ResourceID]struct{}) []txn.ResourceID {
	out := make([]txn.ResourceID, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type tsItem struct {
	ts uint64
	id txn.TxnID
}

func (a tsItem) Less(than btree.Item) bool {
	b := than.(tsItem)
	if a.ts != b.ts {
		return a.ts < b.ts
	}
	return a.id < b.id
}

// Store owns transaction records. All access goes through its methods.
type Store struct {
	mu        sync.RWMutex
	records   map[txn.TxnID]*record
	byTS      *btree.BTree
	retention time.Duration
}

const btreeDegree = 32

// NewStore creates a store that keeps finished records for retention.
func NewStore(retention time.Duration) *Store {
	return &Store{
		records:   make(map[txn.TxnID]*record),
		byTS:      btree.New(btreeDegree),
		retention: retention,
	}
}

// Create registers a new transaction in ACTIVE state. A finished record with
// the same id is replaced, which is how aborted transactions are retried.
func (s *Store) Create(t Transaction) (Transaction, error) {
	if t.ID == "" {
		return Transaction{}, errors.WithStack(&txn.ErrInvalidResourceRequest{Reason: "empty transaction id"})
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.records[t.ID]; ok {
		if !old.State.IsTerminal() {
			return Transaction{}, errors.WithStack(&txn.ErrInvalidResourceRequest{Txn: t.ID, Reason: "transaction already running"})
		}
		s.byTS.Delete(tsItem{ts: old.StartTS, id: old.ID})
	}
	r := &record{
		Transaction: Transaction{
			ID:           t.ID,
			Owner:        t.Owner,
			StartTS:      t.StartTS,
			Priority:     t.Priority,
			State:        txn.StateActive,
			Required:     txn.SortResources(t.Required),
			Participants: append([]txn.NodeID(nil), t.Participants...),
			CreatedAt:    time.Now(),
		},
		held:      make(map[txn.ResourceID]struct{}),
		requested: make(map[txn.ResourceID]struct{}),
	}
	s.records[t.ID] = r
	s.byTS.ReplaceOrInsert(tsItem{ts: r.StartTS, id: r.ID})
	return r.snapshot(), nil
}

func (s *Store) live(id txn.TxnID) (*record, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, errors.WithStack(&txn.ErrTxnNotFound{Txn: id})
	}
	switch r.State {
	case txn.StateAborted:
		return nil, errors.WithStack(txn.ErrTxnAborted)
	case txn.StateCommitted:
		return nil, errors.WithStack(txn.ErrTxnCommitted)
	case txn.StateActive, txn.StateWaiting:
	}
	return r, nil
}

// Get returns a copy of the record.
func (s *Store) Get(id txn.TxnID) (Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Transaction{}, false
	}
	return r.snapshot(), true
}

// Request records that id is queued for resource and moves it to WAITING.
func (s *Store) Request(id txn.TxnID, resource txn.ResourceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.live(id)
	if err != nil {
		return err
	}
	if _, ok := r.held[resource]; ok {
		return errors.WithStack(&txn.ErrInvalidResourceRequest{Txn: id, Reason: "resource already held: " + string(resource)})
	}
	r.requested[resource] = struct{}{}
	r.refreshState()
	return nil
}

// Grant moves resource from the requested to the held set.
func (s *Store) Grant(id txn.TxnID, resource txn.ResourceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.live(id)
	if err != nil {
		return err
	}
	delete(r.requested, resource)
	r.held[resource] = struct{}{}
	r.refreshState()
	return nil
}

// Withdraw drops a pending request without granting it.
func (s *Store) Withdraw(id txn.TxnID, resource txn.ResourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		delete(r.requested, resource)
		r.refreshState()
	}
}

// Release drops resource from the held set of a live transaction.
func (s *Store) Release(id txn.TxnID, resource txn.ResourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		delete(r.held, resource)
	}
}

// SetCommitting marks id as handed to the commit coordinator. It fails
// when id is already committing or does not hold every required resource.
func (s *Store) SetCommitting(id txn.TxnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.live(id)
	if err != nil {
		return err
	}
	if r.Committing {
		return errors.WithStack(&txn.ErrInvalidResourceRequest{Txn: id, Reason: "transaction is already committing"})
	}
	if len(r.requested) > 0 {
		return errors.Errorf("txn %s still waits on %d resources", id, len(r.requested))
	}
	for _, res := range r.Required {
		if _, ok := r.held[res]; !ok {
			return errors.WithStack(&txn.ErrInvalidResourceRequest{Txn: id, Reason: fmt.Sprintf("required resource %s is not held", res)})
		}
	}
	r.Committing = true
	return nil
}

// Abort moves id to ABORTED and clears its resource sets. It returns false
// when the transaction was already aborted, so callers release resources
// exactly once.
func (s *Store) Abort(id txn.TxnID, reason error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, errors.WithStack(&txn.ErrTxnNotFound{Txn: id})
	}
	switch r.State {
	case txn.StateAborted:
		return false, nil
	case txn.StateCommitted:
		return false, errors.WithStack(txn.ErrTxnCommitted)
	case txn.StateActive, txn.StateWaiting:
	}
	s.finishLocked(r, txn.StateAborted, reason)
	log.Info("txn aborted", zap.String("txn", string(id)), zap.Uint64("start-ts", r.StartTS), zap.Error(reason))
	return true, nil
}

// Commit moves id to COMMITTED and clears its resource sets.
func (s *Store) Commit(id txn.TxnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.live(id)
	if err != nil {
		return err
	}
	s.finishLocked(r, txn.StateCommitted, nil)
	return nil
}

func (s *Store) finishLocked(r *record, state txn.State, reason error) {
	r.State = state
	r.Committing = false
	r.held = make(map[txn.ResourceID]struct{})
	r.requested = make(map[txn.ResourceID]struct{})
	r.FinishedAt = time.Now()
	if reason != nil {
		r.Reason = reason.Error()
	}
}

// Live returns copies of all unfinished transactions in timestamp order.
func (s *Store) Live() []Transaction {
	return s.collect(false)
}

// All returns copies of every retained transaction in timestamp order.
func (s *Store) All() []Transaction {
	return s.collect(true)
}

func (s *Store) collect(withFinished bool) []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transaction, 0, len(s.records))
	s.byTS.Ascend(func(i btree.Item) bool {
		r := s.records[i.(tsItem).id]
		if withFinished || !r.State.IsTerminal() {
			out = append(out, r.snapshot())
		}
		return true
	})
	return out
}

// CountWaiting returns how many transactions owned by node are WAITING.
func (s *Store) CountWaiting(node txn.NodeID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.Owner == node && r.State == txn.StateWaiting {
			n++
		}
	}
	return n
}

// GC drops finished records older than the retention window.
func (s *Store) GC(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, r := range s.records {
		if r.State.IsTerminal() && now.Sub(r.FinishedAt) >= s.retention {
			delete(s.records, id)
			s.byTS.Delete(tsItem{ts: r.StartTS, id: id})
			dropped++
		}
	}
	if dropped > 0 {
		log.Debug("gc transaction records", zap.Int("dropped", dropped))
	}
	return dropped
}

// Len returns the number of retained records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
