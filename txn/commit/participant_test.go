package commit

import (
	"context"
	"time"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap/check"
	"github.com/pkg/errors"
)

var _ = check.Suite(&testParticipantSuite{})

type testParticipantSuite struct{}

func (s *testParticipantSuite) send(c *check.C, p *Participant, typ MessageType, protocol Protocol) Response {
	resp, err := p.Handle(context.Background(), Message{Type: typ, Txn: "T1", Protocol: protocol})
	c.Assert(err, check.IsNil)
	return resp
}

func (s *testParticipantSuite) TestDoCommitRequiresPreCommit(c *check.C) {
	p := NewParticipant("Core1", time.Hour, nil)
	resp := s.send(c, p, MsgCanCommit, ThreePhase)
	c.Assert(resp.Vote, check.IsTrue)

	resp = s.send(c, p, MsgDoCommit, ThreePhase)
	c.Assert(resp.Ack, check.IsFalse)
	c.Assert(p.State("T1"), check.Equals, PhasePrepared)

	c.Assert(s.send(c, p, MsgPreCommit, ThreePhase).Ack, check.IsTrue)
	c.Assert(s.send(c, p, MsgDoCommit, ThreePhase).Ack, check.IsTrue)
	c.Assert(p.State("T1"), check.Equals, PhaseCommitted)
	// Duplicate decisions are acknowledged again.
	c.Assert(s.send(c, p, MsgDoCommit, ThreePhase).Ack, check.IsTrue)
}

func (s *testParticipantSuite) TestTwoPhaseCommitIgnoredByThreePhaseSession(c *check.C) {
	p := NewParticipant("Core1", time.Hour, nil)
	c.Assert(s.send(c, p, MsgCanCommit, ThreePhase).Vote, check.IsTrue)

	resp := s.send(c, p, MsgCommit, TwoPhase)
	c.Assert(resp.Ack, check.IsFalse)
	c.Assert(resp.State, check.Equals, PhasePrepared)
	c.Assert(p.State("T1"), check.Equals, PhasePrepared)

	c.Assert(s.send(c, p, MsgPreCommit, ThreePhase).Ack, check.IsTrue)
	resp = s.send(c, p, MsgCommit, TwoPhase)
	c.Assert(resp.Ack, check.IsFalse)
	c.Assert(resp.State, check.Equals, PhasePreCommitted)
}

func (s *testParticipantSuite) TestAbortAfterCommit(c *check.C) {
	p := NewParticipant("Core1", time.Hour, nil)
	s.send(c, p, MsgPrepare, TwoPhase)
	c.Assert(s.send(c, p, MsgCommit, TwoPhase).Ack, check.IsTrue)

	_, err := p.Handle(context.Background(), Message{Type: MsgAbort, Txn: "T1"})
	c.Assert(err, check.NotNil)
	c.Assert(errors.Cause(err), check.Equals, txn.ErrAlreadyCommitted("T1"))
	c.Assert(p.State("T1"), check.Equals, PhaseCommitted)
}

func (s *testParticipantSuite) TestPresumedAbort(c *check.C) {
	p := NewParticipant("Core1", time.Hour, nil)
	c.Assert(s.send(c, p, MsgAbort, TwoPhase).Ack, check.IsTrue)
	// A vote request arriving after the abort answers NO.
	c.Assert(s.send(c, p, MsgPrepare, TwoPhase).Vote, check.IsFalse)
	c.Assert(p.State("T1"), check.Equals, PhaseAborted)
}

func (s *testParticipantSuite) TestCrashed(c *check.C) {
	p := NewParticipant("Core1", time.Hour, nil)
	p.Crash()
	_, err := p.Handle(context.Background(), Message{Type: MsgPrepare, Txn: "T1"})
	_, ok := errors.Cause(err).(*txn.ErrParticipantUnreachable)
	c.Assert(ok, check.IsTrue)
	p.Restart()
	c.Assert(s.send(c, p, MsgPrepare, TwoPhase).Vote, check.IsTrue)
}

func (s *testParticipantSuite) TestPhaseTransitions(c *check.C) {
	c.Assert(PhaseInit.CanTransit(PhasePreparing), check.IsTrue)
	c.Assert(PhasePrepared.CanTransit(PhaseAborting), check.IsTrue)
	c.Assert(PhasePreCommitted.CanTransit(PhaseAborting), check.IsFalse)
	c.Assert(PhaseCommitted.CanTransit(PhaseAborting), check.IsFalse)
	c.Assert(PhaseCommitting.CanTransit(PhasePreparing), check.IsFalse)
	c.Assert(participantCanMove(PhasePreCommitted, PhaseAborted), check.IsFalse)
	c.Assert(participantCanMove(PhasePrepared, PhaseCommitted), check.IsTrue)

	p, err := ParseProtocol("3PC")
	c.Assert(err, check.IsNil)
	c.Assert(p, check.Equals, ThreePhase)
	_, err = ParseProtocol("paxos")
	c.Assert(err, check.NotNil)
}
