// Package dispute decides which transaction of a graph may be broadcast next.
// State is derived only from recorded confirmations; local intent never
// unlocks anything.
package dispute

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingbridge/internal/graph"
)

var (
	// ErrNotEligible wraps every reason a broadcast is refused.
	ErrNotEligible = errors.New("transaction not eligible")

	ErrPredecessorUnconfirmed = errors.New("predecessor not confirmed")
	ErrTimelockNotElapsed     = errors.New("timelock not elapsed")
	ErrChallengeWindowClosed  = errors.New("challenge window closed")
	ErrStaleBroadcastRejected = errors.New("lost the race to a conflicting transaction")
	ErrAlreadyConfirmed       = errors.New("transaction already confirmed")
	ErrNoFraudWitness         = errors.New("no fraud witness")
	ErrNoAssertion            = errors.New("operator assertion not recorded")

	ErrUnknownTransaction  = errors.New("unknown transaction")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrWrongRole           = errors.New("wrong graph role")
	ErrInvalidFraudWitness = errors.New("invalid fraud witness")
	ErrInvalidAssertion    = errors.New("invalid operator assertion")
)

// notEligible wraps reason under ErrNotEligible.
func notEligible(reason error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w: %s", ErrNotEligible, reason, fmt.Sprintf(format, args...))
}

// State is the position of a peg-out graph in its dispute branch.
type State int

const (
	StateCreated State = iota
	StatePegOutBroadcast
	StatePegOutConfirmed
	StateKickOff1Broadcast
	StateKickOff2Broadcast
	StateAssertInitialBroadcast
	StateAssertCommitBroadcast
	StateAssertFinalBroadcast
	StateDisproved
	StateTimedOutClaimed
)

var stateNames = map[State]string{
	StateCreated:                "created",
	StatePegOutBroadcast:        "peg_out_broadcast",
	StatePegOutConfirmed:        "peg_out_confirmed",
	StateKickOff1Broadcast:      "kick_off_1_broadcast",
	StateKickOff2Broadcast:      "kick_off_2_broadcast",
	StateAssertInitialBroadcast: "assert_initial_broadcast",
	StateAssertCommitBroadcast:  "assert_commit_broadcast",
	StateAssertFinalBroadcast:   "assert_final_broadcast",
	StateDisproved:              "disproved",
	StateTimedOutClaimed:        "timed_out_claimed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether no further transaction can follow.
func (s State) IsTerminal() bool {
	return s == StateDisproved || s == StateTimedOutClaimed
}

// stateAfter lists, in branch order, the transactions whose confirmation
// moves a peg-out graph into a state. assert_commit_broadcast needs both
// halves and is handled separately.
var stateAfter = []struct {
	tx    graph.TxName
	state State
}{
	{graph.TxPegOut, StatePegOutBroadcast},
	{graph.TxPegOutConfirm, StatePegOutConfirmed},
	{graph.TxKickOff1, StateKickOff1Broadcast},
	{graph.TxKickOff2, StateKickOff2Broadcast},
	{graph.TxAssertInitial, StateAssertInitialBroadcast},
	{graph.TxAssertFinal, StateAssertFinalBroadcast},
}

// OutcomeKind tags how a dispute ended.
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeDisproved
	OutcomeTimedOutClaimed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDisproved:
		return "disproved"
	case OutcomeTimedOutClaimed:
		return "timed_out_claimed"
	default:
		return "pending"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the terminal result of a dispute. disprove and timeout_claim
// spend the same bond output, so the first one confirmed is the outcome and
// the other can never become eligible again.
type Outcome struct {
	Kind   OutcomeKind  `json:"kind"`
	Tx     graph.TxName `json:"tx,omitempty"`
	Height uint32       `json:"height,omitempty"`
}

// Decided reports whether a terminal transaction has confirmed.
func (o Outcome) Decided() bool {
	return o.Kind != OutcomePending
}

// terminalKind maps the terminal transactions of both roles to outcomes.
func terminalKind(name graph.TxName) (OutcomeKind, bool) {
	switch name {
	case graph.TxDisprove:
		return OutcomeDisproved, true
	case graph.TxTimeoutClaim:
		return OutcomeTimedOutClaimed, true
	}
	return OutcomePending, false
}

// ChainView is the part of live chain state the guards need.
type ChainView struct {
	Height uint32
}

// confirmations returns how deep a transaction mined at height is.
func (v ChainView) confirmations(height uint32) uint32 {
	if height == 0 || v.Height < height {
		return 0
	}
	return v.Height - height + 1
}
