package dispute

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
)

// PegInState is where a deposit stands.
type PegInState string

const (
	PegInPending   PegInState = "pending"
	PegInConfirmed PegInState = "confirmed"
	PegInRefunded  PegInState = "refunded"
)

// PegInSession tracks a peg-in graph. peg_in_confirm and peg_in_refund
// spend the same deposit output; whichever confirms first settles it.
type PegInSession struct {
	graphID string

	mu      sync.RWMutex
	settled graph.TxName
	height  uint32
}

// NewPegInSession creates the tracker of a peg-in graph.
func NewPegInSession(g *graph.Graph) (*PegInSession, error) {
	if g.Role != scripts.RolePegIn {
		return nil, fmt.Errorf("%w: %s is a %s graph", ErrWrongRole, g.ID, g.Role)
	}
	return &PegInSession{graphID: g.ID}, nil
}

// RecordConfirmation records a mined peg-in transaction.
func (p *PegInSession) RecordConfirmation(name graph.TxName, height uint32) error {
	if name != graph.TxPegInConfirm && name != graph.TxPegInRefund {
		return fmt.Errorf("%w: %s is not a peg-in transaction", ErrUnknownTransaction, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.settled {
	case "":
		p.settled = name
		p.height = height
		return nil
	case name:
		return nil
	default:
		return fmt.Errorf("%w: %s confirmed after %s spent the deposit", ErrStaleBroadcastRejected, name, p.settled)
	}
}

// State returns the deposit state.
func (p *PegInSession) State() PegInState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.settled {
	case graph.TxPegInConfirm:
		return PegInConfirmed
	case graph.TxPegInRefund:
		return PegInRefunded
	}
	return PegInPending
}

// IsTerminal reports whether the deposit has been spent.
func (p *PegInSession) IsTerminal() bool {
	return p.State() != PegInPending
}

// CheckBroadcast reports whether the committee may broadcast peg_in_confirm.
// The refund is the depositor's to broadcast and is never eligible here.
func (p *PegInSession) CheckBroadcast(name graph.TxName) error {
	switch name {
	case graph.TxPegInConfirm:
	case graph.TxPegInRefund:
		return fmt.Errorf("%w: the refund is broadcast by the depositor", ErrNotEligible)
	default:
		return fmt.Errorf("%w: %s is not a peg-in transaction", ErrUnknownTransaction, name)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.settled {
	case graph.TxPegInConfirm:
		return notEligible(ErrAlreadyConfirmed, "%s was mined at height %d", name, p.height)
	case graph.TxPegInRefund:
		return notEligible(ErrStaleBroadcastRejected, "the depositor refunded at height %d", p.height)
	}
	return nil
}
