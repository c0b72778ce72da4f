package commit

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Validator decides a participant's vote for a transaction.
type Validator func(id txn.TxnID) bool

type participantSession struct {
	phase    Phase
	protocol Protocol
	peers    []txn.NodeID
	timer    *time.Timer
}

// Participant is the resource-manager side of 2PC and 3PC. A 2PC participant
// that voted YES waits for the decision forever. A 3PC participant arms a
// timer after every vote or PRE_COMMIT and resolves the session on its own
// when the coordinator goes silent.
type Participant struct {
	id        txn.NodeID
	timeout   time.Duration
	transport Transport

	crashed *atomic.Bool

	mu       sync.Mutex
	validate Validator
	sessions map[txn.TxnID]*participantSession
}

// NewParticipant creates a participant. A nil validate votes YES for
// everything.
func NewParticipant(id txn.NodeID, timeout time.Duration, validate Validator) *Participant {
	return &Participant{
		id:       id,
		timeout:  timeout,
		crashed:  atomic.NewBool(false),
		validate: validate,
		sessions: make(map[txn.TxnID]*participantSession),
	}
}

func (p *Participant) ID() txn.NodeID {
	return p.id
}

// SetTransport sets the transport used to reach peers during termination.
func (p *Participant) SetTransport(t Transport) {
	p.mu.Lock()
	p.transport = t
	p.mu.Unlock()
}

// SetValidator replaces the vote function.
func (p *Participant) SetValidator(v Validator) {
	p.mu.Lock()
	p.validate = v
	p.mu.Unlock()
}

// Crash makes the participant stop answering and stop acting on timers.
// Recorded sessions survive, as they would in a stable log.
func (p *Participant) Crash() {
	p.crashed.Store(true)
	log.Warn("participant crashed", zap.String("node", string(p.id)))
}

// Restart undoes Crash.
func (p *Participant) Restart() {
	p.crashed.Store(false)
	log.Info("participant restarted", zap.String("node", string(p.id)))
}

func (p *Participant) Crashed() bool {
	return p.crashed.Load()
}

// State returns the local phase of a session, PhaseInit if unknown.
func (p *Participant) State(id txn.TxnID) Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[id]; ok {
		return s.phase
	}
	return PhaseInit
}

// Handle processes one message.
func (p *Participant) Handle(ctx context.Context, msg Message) (Response, error) {
	if p.crashed.Load() {
		return Response{}, errors.WithStack(&txn.ErrParticipantUnreachable{Node: p.id, Phase: msg.Type.String()})
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.sessions[msg.Txn]
	switch msg.Type {
	case MsgPrepare, MsgCanCommit:
		return p.voteLocked(msg, s), nil
	case MsgStatus:
		if s == nil {
			return p.response(PhaseInit), nil
		}
		return p.response(s.phase), nil
	case MsgAbort:
		if s == nil {
			// Presumed abort: remember the decision for a late vote request.
			p.sessions[msg.Txn] = &participantSession{phase: PhaseAborted, protocol: msg.Protocol}
			return p.ack(PhaseAborted), nil
		}
		if s.phase == PhaseCommitted {
			return p.response(s.phase), errors.WithStack(txn.ErrAlreadyCommitted(msg.Txn))
		}
		p.moveLocked(msg.Txn, s, PhaseAborted, "coordinator")
		return p.ack(s.phase), nil
	case MsgCommit:
		if s == nil {
			return p.response(PhaseInit), nil
		}
		if s.protocol != TwoPhase {
			// 3PC sessions only commit through PRE_COMMIT and DO_COMMIT.
			return p.response(s.phase), nil
		}
		if s.phase == PhasePrepared {
			p.moveLocked(msg.Txn, s, PhaseCommitted, "coordinator")
		}
		if s.phase == PhaseCommitted {
			return p.ack(s.phase), nil
		}
		return p.response(s.phase), nil
	case MsgPreCommit:
		if s == nil {
			return p.response(PhaseInit), nil
		}
		if s.phase == PhasePrepared {
			p.moveLocked(msg.Txn, s, PhasePreCommitted, "coordinator")
			p.armLocked(msg.Txn, s)
		}
		if s.phase == PhasePreCommitted || s.phase == PhaseCommitted {
			return p.ack(s.phase), nil
		}
		return p.response(s.phase), nil
	case MsgDoCommit:
		// DO_COMMIT is never applied before this node's own PRE_COMMIT record.
		if s == nil {
			return p.response(PhaseInit), nil
		}
		if s.phase == PhasePreCommitted {
			p.moveLocked(msg.Txn, s, PhaseCommitted, "coordinator")
		}
		if s.phase == PhaseCommitted {
			return p.ack(s.phase), nil
		}
		return p.response(s.phase), nil
	}
	return Response{}, errors.Errorf("unknown message type %v", msg.Type)
}

func (p *Participant) response(phase Phase) Response {
	return Response{Node: p.id, State: phase}
}

func (p *Participant) ack(phase Phase) Response {
	return Response{Node: p.id, Ack: true, State: phase}
}

func (p *Participant) voteLocked(msg Message, s *participantSession) Response {
	if s != nil {
		// Repeated vote request: answer from the record.
		return Response{Node: p.id, Vote: s.phase != PhaseAborted, State: s.phase}
	}
	yes := p.validate == nil || p.validate(msg.Txn)
	s = &participantSession{
		phase:    PhaseInit,
		protocol: msg.Protocol,
		peers:    append([]txn.NodeID(nil), msg.Participants...),
	}
	p.sessions[msg.Txn] = s
	if !yes {
		p.moveLocked(msg.Txn, s, PhaseAborted, "vote")
		return Response{Node: p.id, Vote: false, State: s.phase}
	}
	p.moveLocked(msg.Txn, s, PhasePrepared, "vote")
	if s.protocol == ThreePhase {
		p.armLocked(msg.Txn, s)
	}
	return Response{Node: p.id, Vote: true, State: s.phase}
}

func (p *Participant) moveLocked(id txn.TxnID, s *participantSession, to Phase, by string) {
	if s.phase == to {
		return
	}
	if !participantCanMove(s.phase, to) {
		log.Warn("participant ignores transition",
			zap.String("node", string(p.id)), zap.String("txn", string(id)),
			zap.Stringer("from", s.phase), zap.Stringer("to", to))
		return
	}
	log.Debug("participant transition",
		zap.String("node", string(p.id)), zap.String("txn", string(id)),
		zap.Stringer("from", s.phase), zap.Stringer("to", to), zap.String("by", by))
	s.phase = to
	if to.IsTerminal() && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// armLocked (re)starts the 3PC session timer.
func (p *Participant) armLocked(id txn.TxnID, s *participantSession) {
	if s.timer != nil {
		s.timer.Stop()
	}
	phase := s.phase
	s.timer = time.AfterFunc(p.timeout, func() { p.onTimeout(id, phase) })
}

func (p *Participant) onTimeout(id txn.TxnID, armedAt Phase) {
	if p.crashed.Load() {
		return
	}
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok || s.phase != armedAt {
		p.mu.Unlock()
		return
	}
	if s.phase == PhasePreCommitted {
		// Everyone voted YES, so committing alone is safe.
		p.moveLocked(id, s, PhaseCommitted, "timeout")
		p.mu.Unlock()
		log.Info("participant committed after pre-commit timeout",
			zap.String("node", string(p.id)), zap.String("txn", string(id)))
		return
	}
	peers := append([]txn.NodeID(nil), s.peers...)
	transport := p.transport
	p.mu.Unlock()

	decision := p.terminate(id, peers, transport)

	p.mu.Lock()
	if s.phase == PhasePrepared {
		p.moveLocked(id, s, decision, "termination")
	}
	p.mu.Unlock()
	log.Info("participant ran termination rule",
		zap.String("node", string(p.id)), zap.String("txn", string(id)), zap.Stringer("decision", decision))
}

// terminate asks the peers for their state. A peer that reached PRE_COMMIT
// proves every vote was YES; otherwise nobody can have committed and the
// session aborts.
func (p *Participant) terminate(id txn.TxnID, peers []txn.NodeID, transport Transport) Phase {
	if transport == nil {
		return PhaseAborted
	}
	for _, peer := range peers {
		if peer == p.id {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		resp, err := transport.Send(ctx, peer, Message{Type: MsgStatus, Txn: id, Protocol: ThreePhase})
		cancel()
		if err != nil {
			continue
		}
		if resp.State == PhasePreCommitted || resp.State == PhaseCommitted {
			return PhaseCommitted
		}
	}
	return PhaseAborted
}
