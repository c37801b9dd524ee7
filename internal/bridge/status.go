package bridge

import (
	"context"

	"github.com/Klingon-tech/klingbridge/internal/chain"
	"github.com/Klingon-tech/klingbridge/internal/dispute"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/internal/signing"
	"github.com/Klingon-tech/klingbridge/internal/storage"
)

// GraphReport is the status of one graph.
type GraphReport struct {
	GraphID       string        `json:"graph_id"`
	Role          scripts.Role  `json:"role"`
	Network       chain.Network `json:"network"`
	LinkedGraphID string        `json:"linked_graph_id,omitempty"`
	Amount        int64         `json:"amount"`

	Signing *signing.GraphStatus `json:"signing"`

	// Peg-in
	PegInState  dispute.PegInState      `json:"peg_in_state,omitempty"`
	Withdrawals []*storage.L2Event      `json:"withdrawals,omitempty"`
	Confirmed   map[graph.TxName]uint32 `json:"confirmed,omitempty"`

	// Peg-out
	Dispute *dispute.Snapshot `json:"dispute,omitempty"`

	ChainHeight uint32 `json:"chain_height"`
	ChainError  string `json:"chain_error,omitempty"`
}

// Status reports signing and dispute progress of a graph. Without a
// reachable chain backend the report is computed at height zero and says
// why.
func (b *Bridge) Status(ctx context.Context, graphID string) (*GraphReport, error) {
	view, chainErr := b.chainView(ctx)
	return b.status(graphID, view, chainErr)
}

// StatusAll reports every stored graph, oldest first.
func (b *Bridge) StatusAll(ctx context.Context) ([]*GraphReport, error) {
	ids, err := b.store.ListGraphs("")
	if err != nil {
		return nil, err
	}
	view, chainErr := b.chainView(ctx)

	reports := make([]*GraphReport, 0, len(ids))
	for _, id := range ids {
		r, err := b.status(id, view, chainErr)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (b *Bridge) status(graphID string, view dispute.ChainView, chainErr error) (*GraphReport, error) {
	g, err := b.graph(graphID)
	if err != nil {
		return nil, err
	}
	sig, err := b.coord.GraphStatus(graphID)
	if err != nil {
		return nil, err
	}

	r := &GraphReport{
		GraphID:       g.ID,
		Role:          g.Role,
		Network:       g.Network,
		LinkedGraphID: g.LinkedGraphID,
		Amount:        g.FundingValue,
		Signing:       sig,
		ChainHeight:   view.Height,
	}
	if chainErr != nil {
		r.ChainError = chainErr.Error()
	}

	if g.Role == scripts.RolePegIn {
		session, err := b.pegInSession(g)
		if err != nil {
			return nil, err
		}
		r.PegInState = session.State()
		if r.Confirmed, err = b.recordedHeights(g.ID); err != nil {
			return nil, err
		}
		if r.Withdrawals, err = b.store.L2EventsForPegIn(g.ID); err != nil {
			return nil, err
		}
		return r, nil
	}

	session, err := b.disputeSession(g)
	if err != nil {
		return nil, err
	}
	r.Dispute = session.Snapshot(view)
	return r, nil
}
