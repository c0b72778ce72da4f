package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/pkg/tso"
	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/arbiter"
	"github.com/pingcap-incubator/tinytxn/txn/catalog"
	"github.com/pingcap-incubator/tinytxn/txn/commit"
	"github.com/pingcap-incubator/tinytxn/txn/deadlock"
	"github.com/pingcap-incubator/tinytxn/txn/lockregistry"
	"github.com/pingcap-incubator/tinytxn/txn/txnstore"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config configures a Manager.
type Config struct {
	Policy      arbiter.Policy
	WaitTimeout time.Duration

	// DetectInterval is the period of the background detector, 0 disables it.
	DetectInterval time.Duration
	// DetectOnBlock runs a detection pass whenever a request is queued,
	// throttled to DetectRate passes per second.
	DetectOnBlock bool
	DetectRate    float64
	DetectBurst   int
	ReportHistory int

	RecordRetention time.Duration
	GCInterval      time.Duration

	Shards          int
	DefaultPriority int
	Admission       catalog.Admission
	Selector        catalog.Selector
	Commit          commit.Config
	OutcomeBuffer   int
}

// BeginRequest starts a transaction. Zero-valued optional fields are filled
// in by the manager.
type BeginRequest struct {
	ID           txn.TxnID        `json:"id,omitempty"`
	Owner        txn.NodeID       `json:"owner"`
	Resources    []txn.ResourceID `json:"resources"`
	Priority     int              `json:"priority,omitempty"`
	Timestamp    uint64           `json:"timestamp,omitempty"`
	Participants []txn.NodeID     `json:"participants,omitempty"`
}

// Manager wires the lock registry, the transaction store, the arbiter, the
// deadlock detector and the commit coordinator together.
type Manager struct {
	cfg Config

	// mu serialises compound mutations so an abort is atomic with respect
	// to requests and detection. It is never held while waiting.
	mu       sync.Mutex
	store    *txnstore.Store
	registry *lockregistry.Registry
	arbiter  *arbiter.Arbiter
	// reasons keeps the typed abort cause of every aborted attempt until
	// the transaction is retried or garbage collected.
	reasons map[txn.TxnID]error

	catalog     *catalog.Catalog
	coordinator *commit.Coordinator
	tso         *tso.TimestampOracle
	limiter     *rate.Limiter
	outcomes    chan txn.Outcome

	reportMu sync.Mutex
	reports  []deadlock.Report

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a manager. cat may be nil, in which case every node is
// admitted and 2PC is used unless the selector forces 3PC.
func New(cfg Config, cat *catalog.Catalog, transport commit.Transport) *Manager {
	if cat == nil {
		cat = catalog.New(nil)
	}
	limit := rate.Inf
	if cfg.DetectRate > 0 {
		limit = rate.Limit(cfg.DetectRate)
	}
	burst := cfg.DetectBurst
	if burst <= 0 {
		burst = 1
	}
	if cfg.OutcomeBuffer <= 0 {
		cfg.OutcomeBuffer = 1024
	}
	return &Manager{
		cfg:         cfg,
		store:       txnstore.NewStore(cfg.RecordRetention),
		registry:    lockregistry.NewRegistry(cfg.Shards),
		arbiter:     arbiter.New(cfg.Policy, cfg.WaitTimeout),
		reasons:     make(map[txn.TxnID]error),
		catalog:     cat,
		coordinator: commit.NewCoordinator(cfg.Commit, transport),
		tso:         tso.NewTimestampOracle(),
		limiter:     rate.NewLimiter(limit, burst),
		outcomes:    make(chan txn.Outcome, cfg.OutcomeBuffer),
	}
}

// Start launches the periodic detector and the record GC.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	if m.cfg.DetectInterval > 0 && m.arbiter.DetectsDeadlocks() {
		m.wg.Add(1)
		go m.detectLoop(ctx)
	}
	if m.cfg.GCInterval > 0 {
		m.wg.Add(1)
		go m.gcLoop(ctx)
	}
	log.Info("transaction manager started",
		zap.Stringer("policy", m.cfg.Policy),
		zap.Duration("detect-interval", m.cfg.DetectInterval),
		zap.Bool("detect-on-block", m.cfg.DetectOnBlock))
}

// Stop stops the background loops.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) detectLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.DetectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Detect()
		case <-ctx.Done():
			log.Info("deadlock detector is stopped")
			return
		}
	}
}

func (m *Manager) gcLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.GC(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// GC drops finished records older than the retention window.
func (m *Manager) GC(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := m.store.GC(now)
	for id := range m.reasons {
		if _, ok := m.store.Get(id); !ok {
			delete(m.reasons, id)
		}
	}
	m.updateGaugesLocked()
	return dropped
}

// Begin registers a new transaction or a retry of an aborted one. A retry
// without an explicit timestamp keeps its original one.
func (m *Manager) Begin(req BeginRequest) (txnstore.Transaction, error) {
	for _, r := range req.Resources {
		if r == "" {
			return txnstore.Transaction{}, errors.WithStack(&txn.ErrInvalidResourceRequest{Txn: req.ID, Reason: "empty resource id"})
		}
	}
	if req.ID == "" {
		req.ID = txn.TxnID(uuid.New().String())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.catalog.Admit(req.Owner, m.store.CountWaiting(req.Owner), m.cfg.Admission); err != nil {
		log.Warn("transaction rejected", zap.String("txn", string(req.ID)), zap.Error(err))
		return txnstore.Transaction{}, err
	}
	ts := req.Timestamp
	if ts == 0 {
		if old, ok := m.store.Get(req.ID); ok && old.State == txn.StateAborted {
			ts = old.StartTS
		} else {
			ts = m.tso.GetTS()
		}
	} else {
		m.tso.Observe(ts)
	}
	priority := req.Priority
	if priority == 0 {
		priority = m.cfg.DefaultPriority
		if n, ok := m.catalog.Get(req.Owner); ok && n.DefaultPriority != 0 {
			priority = n.DefaultPriority
		}
	}
	t, err := m.store.Create(txnstore.Transaction{
		ID:           req.ID,
		Owner:        req.Owner,
		StartTS:      ts,
		Priority:     priority,
		Required:     req.Resources,
		Participants: req.Participants,
	})
	if err != nil {
		return t, err
	}
	delete(m.reasons, req.ID)
	m.updateGaugesLocked()
	log.Debug("transaction begins",
		zap.String("txn", string(t.ID)), zap.Uint64("start-ts", t.StartTS), zap.Int("priority", t.Priority))
	return t, nil
}

// Execute runs a transaction to its end: begin, acquire every required
// resource in order, then commit. The outcome is also published on
// Outcomes. The error is the abort cause, nil when committed.
func (m *Manager) Execute(ctx context.Context, req BeginRequest) (txn.Outcome, error) {
	t, err := m.Begin(req)
	if err != nil {
		out := txn.Outcome{Txn: req.ID, Decision: txn.DecisionAborted, Reason: err.Error(), Retry: txn.IsRetryable(err)}
		m.publish(out)
		return out, err
	}
	for _, r := range t.Required {
		if err := m.Acquire(ctx, t.ID, r); err != nil {
			out := m.abortedOutcome(t, err)
			m.publish(out)
			return out, err
		}
	}
	return m.Commit(ctx, t.ID)
}

// Commit hands a transaction that holds all its resources to the commit
// coordinator and finishes it according to the decision. An IN_DOUBT
// transaction keeps its locks until Recover.
func (m *Manager) Commit(ctx context.Context, id txn.TxnID) (txn.Outcome, error) {
	m.mu.Lock()
	t, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return txn.Outcome{}, errors.WithStack(&txn.ErrTxnNotFound{Txn: id})
	}
	if t.State.IsTerminal() {
		err := m.reasonLocked(t)
		m.mu.Unlock()
		out := m.abortedOutcome(t, err)
		m.publish(out)
		return out, err
	}
	if err := m.store.SetCommitting(id); err != nil {
		m.mu.Unlock()
		return txn.Outcome{}, err
	}
	m.mu.Unlock()

	protocol, err := m.catalog.Select(m.cfg.Selector, t.Participants)
	if err != nil {
		log.Warn("protocol selection failed, fall back to 2pc", zap.String("txn", string(id)), zap.Error(err))
		protocol = commit.TwoPhase
	}
	res := m.coordinator.Run(ctx, id, protocol, t.Participants)
	commitDecisionCounter.WithLabelValues(protocol.String(), res.Decision.String()).Inc()
	commitDuration.WithLabelValues(protocol.String()).Observe(res.Duration.Seconds())

	out := m.finishCommit(t, res)
	m.publish(out)
	if res.Decision == txn.DecisionCommitted {
		return out, nil
	}
	return out, res.Reason
}

func (m *Manager) finishCommit(t txnstore.Transaction, res commit.Result) txn.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.updateGaugesLocked()

	switch res.Decision {
	case txn.DecisionCommitted:
		if err := m.store.Commit(t.ID); err != nil {
			log.Error("commit record failed", zap.String("txn", string(t.ID)), zap.Error(err))
		}
		var handoffs []lockregistry.Handoff
		for _, r := range t.Held {
			h, err := m.registry.Release(t.ID, r)
			if err != nil {
				log.Warn("release after commit", zap.String("txn", string(t.ID)), zap.Error(err))
				continue
			}
			handoffs = append(handoffs, h)
		}
		m.abortAllLocked(m.handOffLocked(handoffs))
		out := txn.Outcome{Txn: t.ID, Decision: txn.DecisionCommitted}
		if res.Reason != nil {
			out.Reason = res.Reason.Error()
		}
		return out
	case txn.DecisionInDoubt:
		return txn.Outcome{Txn: t.ID, Decision: txn.DecisionInDoubt, Reason: res.Reason.Error()}
	case txn.DecisionAborted:
	}
	reason := res.Reason
	if reason == nil {
		reason = txn.ErrTxnAborted
	}
	m.abortLocked(t.ID, reason)
	return m.abortedOutcome(t, reason)
}

// Recover resolves an IN_DOUBT transaction by presumed abort, or resends
// a decision that some participants missed. A decision already applied
// locally is not applied or published again.
func (m *Manager) Recover(ctx context.Context, id txn.TxnID) (txn.Outcome, error) {
	res, err := m.coordinator.Recover(ctx, id)
	if err != nil {
		return txn.Outcome{}, err
	}
	t, ok := m.store.Get(id)
	if !ok {
		return txn.Outcome{}, errors.WithStack(&txn.ErrTxnNotFound{Txn: id})
	}
	if t.State.IsTerminal() {
		out := txn.Outcome{Txn: id, Decision: res.Decision}
		if res.Reason != nil {
			out.Reason = res.Reason.Error()
		}
		return out, nil
	}
	out := m.finishCommit(t, res)
	m.publish(out)
	return out, nil
}

// InDoubt lists transactions blocked by a failed 2PC coordinator.
func (m *Manager) InDoubt() []txn.TxnID {
	return m.coordinator.InDoubt()
}

// Pending lists finished 2PC transactions whose decision has not reached
// every participant yet.
func (m *Manager) Pending() []txn.TxnID {
	return m.coordinator.Pending()
}

// Abort aborts a running transaction from outside. A transaction already
// inside the commit protocol cannot be aborted this way.
func (m *Manager) Abort(id txn.TxnID, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.store.Get(id)
	if !ok {
		return errors.WithStack(&txn.ErrTxnNotFound{Txn: id})
	}
	if t.State == txn.StateCommitted {
		return errors.WithStack(txn.ErrTxnCommitted)
	}
	if t.Committing {
		return errors.Errorf("txn %s is committing", id)
	}
	if reason == nil {
		reason = txn.ErrTxnAborted
	}
	m.abortLocked(id, reason)
	return nil
}

func (m *Manager) abortedOutcome(t txnstore.Transaction, err error) txn.Outcome {
	out := txn.Outcome{Txn: t.ID, Decision: txn.DecisionAborted}
	if err != nil {
		out.Reason = err.Error()
	}
	if txn.IsRetryable(err) {
		out.Retry = true
		out.RetryTS = t.StartTS
	}
	return out
}

// reasonLocked returns why a finished transaction is not running.
func (m *Manager) reasonLocked(t txnstore.Transaction) error {
	if t.State == txn.StateCommitted {
		return errors.WithStack(txn.ErrTxnCommitted)
	}
	if err, ok := m.reasons[t.ID]; ok {
		return err
	}
	return txn.ErrTxnAborted
}

func (m *Manager) publish(out txn.Outcome) {
	outcomeCounter.WithLabelValues(out.Decision.String()).Inc()
	select {
	case m.outcomes <- out:
	default:
		log.Warn("outcome channel full, dropping", zap.String("txn", string(out.Txn)))
	}
}

// Outcomes delivers one outcome per finished attempt. Outcomes are dropped
// when nobody drains the channel.
func (m *Manager) Outcomes() <-chan txn.Outcome {
	return m.outcomes
}

// Get returns a transaction record.
func (m *Manager) Get(id txn.TxnID) (txnstore.Transaction, bool) {
	return m.store.Get(id)
}

// Transactions returns every retained record in timestamp order.
func (m *Manager) Transactions() []txnstore.Transaction {
	return m.store.All()
}

// Locks returns the current lock table.
func (m *Manager) Locks() []lockregistry.ResourceLock {
	return m.registry.Snapshot()
}

// Policy returns the configured arbitration policy.
func (m *Manager) Policy() arbiter.Policy {
	return m.arbiter.Policy()
}

func (m *Manager) updateGaugesLocked() {
	var active, waiting, committing float64
	for _, t := range m.store.Live() {
		switch {
		case t.Committing:
			committing++
		case t.State == txn.StateWaiting:
			waiting++
		default:
			active++
		}
	}
	activeTxnGauge.WithLabelValues("active").Set(active)
	activeTxnGauge.WithLabelValues("waiting").Set(waiting)
	activeTxnGauge.WithLabelValues("committing").Set(committing)
}
