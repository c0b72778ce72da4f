package commit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config holds coordinator timing.
type Config struct {
	// PhaseTimeout bounds every broadcast round.
	PhaseTimeout time.Duration
	// DecisionRetries is how many extra rounds a decision is resent to
	// participants that did not acknowledge it.
	DecisionRetries int
	RetryInterval   time.Duration
}

// Session is the coordinator's record of one commit attempt.
type Session struct {
	Txn          txn.TxnID             `json:"txn"`
	Protocol     Protocol              `json:"protocol"`
	Participants []txn.NodeID          `json:"participants"`
	Phase        Phase                 `json:"phase"`
	Votes        map[txn.NodeID]bool   `json:"votes"`
	Acks         map[txn.NodeID]bool   `json:"acks"`
	Deadline     time.Time             `json:"deadline"`
	Started      time.Time             `json:"started"`
	failures     map[txn.NodeID]error

	// Set once the coordinator reached a decision that some participants
	// have not acknowledged yet.
	decided  bool
	decision txn.Decision
	reason   error
	pending  []txn.NodeID
}

func (s *Session) transit(to Phase) {
	if !s.Phase.CanTransit(to) {
		log.Panic("invalid commit phase transition",
			zap.String("txn", string(s.Txn)), zap.Stringer("from", s.Phase), zap.Stringer("to", to))
	}
	log.Debug("commit phase",
		zap.String("txn", string(s.Txn)), zap.Stringer("protocol", s.Protocol), zap.Stringer("phase", to))
	s.Phase = to
}

// Result is the outcome of Run or Recover.
type Result struct {
	Txn      txn.TxnID           `json:"txn"`
	Protocol Protocol            `json:"protocol"`
	Decision txn.Decision        `json:"decision"`
	Reason   error               `json:"-"`
	Votes    map[txn.NodeID]bool `json:"votes"`
	// Undelivered lists participants that never acknowledged the decision.
	Undelivered []txn.NodeID  `json:"undelivered,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Coordinator drives 2PC and 3PC rounds over a Transport.
type Coordinator struct {
	cfg       Config
	transport Transport

	mu sync.Mutex
	// unresolved keeps 2PC sessions that still need Recover: undecided ones
	// whose coordinator failed after PREPARE, and decided ones whose
	// decision did not reach every participant.
	unresolved map[txn.TxnID]*Session
	// crashAfter makes the next Run stop right after reaching this phase.
	crashAfter Phase
	crashArmed bool
}

func NewCoordinator(cfg Config, transport Transport) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		transport:  transport,
		unresolved: make(map[txn.TxnID]*Session),
	}
}

// FailAfter arms a one-shot coordinator failure: the next Run stops sending
// messages as soon as its session reaches phase. Only PhasePrepared and
// PhasePreCommitted are meaningful.
func (c *Coordinator) FailAfter(phase Phase) {
	c.mu.Lock()
	c.crashAfter = phase
	c.crashArmed = true
	c.mu.Unlock()
}

func (c *Coordinator) shouldCrash(phase Phase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crashArmed && c.crashAfter == phase {
		c.crashArmed = false
		return true
	}
	return false
}

// InDoubt returns the undecided sessions waiting for recovery.
func (c *Coordinator) InDoubt() []txn.TxnID {
	return c.unresolvedIDs(false)
}

// Pending returns the decided sessions whose decision is not yet
// acknowledged by every participant.
func (c *Coordinator) Pending() []txn.TxnID {
	return c.unresolvedIDs(true)
}

func (c *Coordinator) unresolvedIDs(decided bool) []txn.TxnID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]txn.TxnID, 0, len(c.unresolved))
	for id, s := range c.unresolved {
		if s.decided == decided {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Session returns a copy of the unresolved session of id.
func (c *Coordinator) Session(id txn.TxnID) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.unresolved[id]
	if !ok {
		return Session{}, false
	}
	cp := *s
	cp.Participants = append([]txn.NodeID(nil), s.Participants...)
	cp.Votes = copyNodeSet(s.Votes)
	cp.Acks = copyNodeSet(s.Acks)
	cp.pending = append([]txn.NodeID(nil), s.pending...)
	return cp, true
}

func (c *Coordinator) retain(s *Session) {
	c.mu.Lock()
	c.unresolved[s.Txn] = s
	c.mu.Unlock()
}

// retainDecided keeps a 2PC session around when its decision missed some
// participants, so Recover can resend it.
func (c *Coordinator) retainDecided(s *Session, d txn.Decision, reason error, undelivered []txn.NodeID) {
	if s.Protocol != TwoPhase || len(undelivered) == 0 {
		return
	}
	s.decided = true
	s.decision = d
	s.reason = reason
	s.pending = undelivered
	c.retain(s)
}

// Run drives the protocol for id to a decision. With no participants the
// transaction commits trivially.
func (c *Coordinator) Run(ctx context.Context, id txn.TxnID, protocol Protocol, participants []txn.NodeID) Result {
	s := &Session{
		Txn:          id,
		Protocol:     protocol,
		Participants: dedupNodes(participants),
		Phase:        PhaseInit,
		Votes:        make(map[txn.NodeID]bool),
		Acks:         make(map[txn.NodeID]bool),
		Started:      time.Now(),
		failures:     make(map[txn.NodeID]error),
	}
	// A new attempt supersedes whatever an earlier one left unresolved.
	c.mu.Lock()
	delete(c.unresolved, id)
	c.mu.Unlock()

	var res Result
	if protocol == ThreePhase {
		res = c.runThreePhase(ctx, s)
	} else {
		res = c.runTwoPhase(ctx, s)
	}
	res.Duration = time.Since(s.Started)
	log.Info("commit finished",
		zap.String("txn", string(id)),
		zap.Stringer("protocol", protocol),
		zap.Stringer("decision", res.Decision),
		zap.Duration("cost", res.Duration),
		zap.Error(res.Reason))
	return res
}

func (c *Coordinator) runTwoPhase(ctx context.Context, s *Session) Result {
	s.transit(PhasePreparing)
	allYes := c.collectVotes(ctx, s, MsgPrepare)
	s.transit(PhasePrepared)

	if c.shouldCrash(PhasePrepared) {
		// YES voters hold their resources until someone decides for them.
		s.pending = s.Participants
		c.retain(s)
		reason := errors.WithStack(&txn.ErrCoordinatorFailure{Txn: s.Txn, Phase: PhasePrepared.String()})
		log.Error("coordinator failed after prepare, session in doubt", zap.String("txn", string(s.Txn)))
		return c.result(s, txn.DecisionInDoubt, reason, nil)
	}
	if !allYes {
		return c.abort(ctx, s, c.voteFailure(s))
	}
	s.transit(PhaseCommitting)
	undelivered := c.deliver(ctx, s, MsgCommit, s.Participants)
	s.transit(PhaseCommitted)
	c.retainDecided(s, txn.DecisionCommitted, nil, undelivered)
	return c.result(s, txn.DecisionCommitted, nil, undelivered)
}

func (c *Coordinator) runThreePhase(ctx context.Context, s *Session) Result {
	s.transit(PhasePreparing)
	allYes := c.collectVotes(ctx, s, MsgCanCommit)
	s.transit(PhasePrepared)

	if c.shouldCrash(PhasePrepared) {
		// Nobody reached PRE_COMMIT, so the termination rule aborts everywhere.
		reason := errors.WithStack(&txn.ErrCoordinatorFailure{Txn: s.Txn, Phase: PhasePrepared.String()})
		log.Error("coordinator failed after can-commit, participants will abort", zap.String("txn", string(s.Txn)))
		return c.result(s, txn.DecisionAborted, reason, nil)
	}
	if !allYes {
		return c.abort(ctx, s, c.voteFailure(s))
	}

	// Every vote is YES from here on, so missing PRE_COMMIT acks do not
	// abort: those participants commit by timeout or termination.
	s.Deadline = time.Now().Add(c.cfg.PhaseTimeout)
	replies := c.broadcast(ctx, s.Participants, Message{Type: MsgPreCommit, Txn: s.Txn, Protocol: s.Protocol})
	for _, n := range s.Participants {
		r, ok := replies[n]
		if ok && r.err == nil && r.resp.Ack {
			s.Acks[n] = true
			continue
		}
		log.Warn("missing pre-commit ack", zap.String("txn", string(s.Txn)), zap.String("node", string(n)))
	}
	s.transit(PhasePreCommitted)

	if c.shouldCrash(PhasePreCommitted) {
		reason := errors.WithStack(&txn.ErrCoordinatorFailure{Txn: s.Txn, Phase: PhasePreCommitted.String()})
		log.Error("coordinator failed after pre-commit, participants will commit", zap.String("txn", string(s.Txn)))
		return c.result(s, txn.DecisionCommitted, reason, nil)
	}

	s.transit(PhaseCommitting)
	undelivered := c.deliver(ctx, s, MsgDoCommit, s.Participants)
	s.transit(PhaseCommitted)
	return c.result(s, txn.DecisionCommitted, nil, undelivered)
}

// collectVotes sends a vote request and reports whether every participant
// answered YES before the deadline.
func (c *Coordinator) collectVotes(ctx context.Context, s *Session, typ MessageType) bool {
	s.Deadline = time.Now().Add(c.cfg.PhaseTimeout)
	replies := c.broadcast(ctx, s.Participants, Message{
		Type:         typ,
		Txn:          s.Txn,
		Protocol:     s.Protocol,
		Participants: s.Participants,
	})
	allYes := true
	for _, n := range s.Participants {
		r, ok := replies[n]
		switch {
		case !ok:
			s.failures[n] = &txn.ErrParticipantUnreachable{Node: n, Phase: typ.String()}
			allYes = false
		case r.err != nil:
			s.failures[n] = r.err
			allYes = false
		case !r.resp.Vote:
			s.Votes[n] = false
			allYes = false
		default:
			s.Votes[n] = true
		}
	}
	return allYes
}

func (c *Coordinator) voteFailure(s *Session) error {
	for _, n := range s.Participants {
		if err, ok := s.failures[n]; ok {
			return errors.WithStack(errors.Cause(err))
		}
		if yes, ok := s.Votes[n]; ok && !yes {
			return errors.Errorf("participant %s voted NO", n)
		}
	}
	return errors.New("vote failed")
}

func (c *Coordinator) abort(ctx context.Context, s *Session, reason error) Result {
	s.transit(PhaseAborting)
	undelivered := c.deliver(ctx, s, MsgAbort, s.Participants)
	s.transit(PhaseAborted)
	c.retainDecided(s, txn.DecisionAborted, reason, undelivered)
	return c.result(s, txn.DecisionAborted, reason, undelivered)
}

func (c *Coordinator) result(s *Session, d txn.Decision, reason error, undelivered []txn.NodeID) Result {
	votes := copyNodeSet(s.Votes)
	return Result{
		Txn:         s.Txn,
		Protocol:    s.Protocol,
		Decision:    d,
		Reason:      reason,
		Votes:       votes,
		Undelivered: undelivered,
	}
}

type reply struct {
	node txn.NodeID
	resp Response
	err  error
}

// broadcast sends msg to nodes in parallel and gathers the replies that
// arrive within one phase timeout.
func (c *Coordinator) broadcast(ctx context.Context, nodes []txn.NodeID, msg Message) map[txn.NodeID]reply {
	replies := make(map[txn.NodeID]reply, len(nodes))
	if len(nodes) == 0 {
		return replies
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PhaseTimeout)
	defer cancel()

	ch := make(chan reply, len(nodes))
	for _, n := range nodes {
		go func(n txn.NodeID) {
			resp, err := c.transport.Send(ctx, n, msg)
			ch <- reply{node: n, resp: resp, err: err}
		}(n)
	}
	for len(replies) < len(nodes) {
		select {
		case r := <-ch:
			replies[r.node] = r
		case <-ctx.Done():
			return replies
		}
	}
	return replies
}

// deliver sends a decision until every node acknowledged it or the retries
// are used up, and returns the nodes still missing.
func (c *Coordinator) deliver(ctx context.Context, s *Session, typ MessageType, nodes []txn.NodeID) []txn.NodeID {
	pending := nodes
	msg := Message{Type: typ, Txn: s.Txn, Protocol: s.Protocol}
	for attempt := 0; attempt <= c.cfg.DecisionRetries && len(pending) > 0; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.cfg.RetryInterval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return pending
			}
		}
		s.Deadline = time.Now().Add(c.cfg.PhaseTimeout)
		replies := c.broadcast(ctx, pending, msg)
		var next []txn.NodeID
		for _, n := range pending {
			r, ok := replies[n]
			if ok && r.err == nil && r.resp.Ack {
				s.Acks[n] = true
				continue
			}
			if ok && r.err != nil {
				log.Warn("decision not delivered",
					zap.String("txn", string(s.Txn)), zap.String("node", string(n)),
					zap.Stringer("msg", typ), zap.Int("attempt", attempt), zap.Error(r.err))
			}
			next = append(next, n)
		}
		pending = next
	}
	if len(pending) > 0 {
		log.Warn("decision undelivered",
			zap.String("txn", string(s.Txn)), zap.Stringer("msg", typ), zap.Int("nodes", len(pending)))
	}
	return pending
}

// Recover resolves an unresolved 2PC session. An undecided session
// presumes abort, since no participant can have committed without a COMMIT
// message. A decided session resends its decision to the participants that
// missed it. The session stays unresolved while any of them is unreachable.
func (c *Coordinator) Recover(ctx context.Context, id txn.TxnID) (Result, error) {
	c.mu.Lock()
	s, ok := c.unresolved[id]
	if ok {
		delete(c.unresolved, id)
	}
	c.mu.Unlock()
	if !ok {
		return Result{}, errors.WithStack(&txn.ErrTxnNotFound{Txn: id})
	}
	log.Info("recovering unresolved session",
		zap.String("txn", string(id)), zap.Bool("decided", s.decided), zap.Int("pending", len(s.pending)))
	if !s.decided {
		s.decided = true
		s.decision = txn.DecisionAborted
		s.reason = errors.WithStack(&txn.ErrCoordinatorFailure{Txn: id, Phase: PhasePrepared.String()})
		s.transit(PhaseAborting)
	}
	typ := MsgAbort
	if s.decision == txn.DecisionCommitted {
		typ = MsgCommit
	}
	s.pending = c.deliver(ctx, s, typ, s.pending)
	if s.Phase == PhaseAborting {
		s.transit(PhaseAborted)
	}
	res := c.result(s, s.decision, s.reason, s.pending)
	res.Duration = time.Since(s.Started)
	if len(s.pending) > 0 {
		c.retain(s)
	}
	return res, nil
}

func copyNodeSet(m map[txn.NodeID]bool) map[txn.NodeID]bool {
	cp := make(map[txn.NodeID]bool, len(m))
	for n, v := range m {
		cp[n] = v
	}
	return cp
}

func dedupNodes(nodes []txn.NodeID) []txn.NodeID {
	seen := make(map[txn.NodeID]struct{}, len(nodes))
	out := make([]txn.NodeID, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n]; ok || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
