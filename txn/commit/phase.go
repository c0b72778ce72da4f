package commit

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Protocol is the atomic commitment protocol driven for one transaction.
type Protocol int

const (
	TwoPhase Protocol = iota
	ThreePhase
)

func (p Protocol) String() string {
	switch p {
	case TwoPhase:
		return "2pc"
	case ThreePhase:
		return "3pc"
	}
	return fmt.Sprintf("Protocol(%d)", int(p))
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParseProtocol accepts "2pc" and "3pc".
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "2pc", "two-phase":
		return TwoPhase, nil
	case "3pc", "three-phase":
		return ThreePhase, nil
	}
	return TwoPhase, errors.Errorf("unknown commit protocol %q", s)
}

// Phase is the position of a commit session, on either the coordinator or a
// participant.
type Phase int

const (
	PhaseInit Phase = iota
	PhasePreparing
	// PhasePrepared means votes are in (coordinator) or a YES vote was cast
	// (participant). It doubles as the 3PC CAN_COMMIT state.
	PhasePrepared
	PhasePreCommitted
	PhaseCommitting
	PhaseCommitted
	PhaseAborting
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhasePreparing:
		return "PREPARING"
	case PhasePrepared:
		return "PREPARED"
	case PhasePreCommitted:
		return "PRE_COMMITTED"
	case PhaseCommitting:
		return "COMMITTING"
	case PhaseCommitted:
		return "COMMITTED"
	case PhaseAborting:
		return "ABORTING"
	case PhaseAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// IsTerminal reports whether the session has reached a decision.
func (p Phase) IsTerminal() bool {
	return p == PhaseCommitted || p == PhaseAborted
}

// CanTransit reports whether a coordinator session may move from p to next.
// Phases only move forward; the abort branch is closed once PRE_COMMIT has
// been sent.
func (p Phase) CanTransit(next Phase) bool {
	switch p {
	case PhaseInit:
		return next == PhasePreparing || next == PhaseAborting
	case PhasePreparing:
		return next == PhasePrepared || next == PhaseAborting
	case PhasePrepared:
		return next == PhasePreCommitted || next == PhaseCommitting || next == PhaseAborting
	case PhasePreCommitted:
		return next == PhaseCommitting
	case PhaseCommitting:
		return next == PhaseCommitted
	case PhaseAborting:
		return next == PhaseAborted
	case PhaseCommitted, PhaseAborted:
		return false
	}
	return false
}

// participantCanMove is the participant-side transition relation. A
// participant only records votes and decisions, so it skips the transient
// coordinator phases.
func participantCanMove(from, to Phase) bool {
	switch from {
	case PhaseInit:
		return to == PhasePrepared || to == PhaseAborted
	case PhasePrepared:
		return to == PhasePreCommitted || to == PhaseCommitted || to == PhaseAborted
	case PhasePreCommitted:
		return to == PhaseCommitted
	case PhasePreparing, PhaseCommitting, PhaseAborting, PhaseCommitted, PhaseAborted:
		return false
	}
	return false
}
