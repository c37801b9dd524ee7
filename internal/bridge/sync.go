package bridge

import (
	"context"
	"errors"

	"github.com/Klingon-tech/klingbridge/internal/dispute"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/storage"
)

// RecordedTx is a confirmation found by a sync.
type RecordedTx struct {
	GraphID string       `json:"graph_id"`
	Tx      graph.TxName `json:"tx"`
	TxID    string       `json:"txid"`
	Height  uint32       `json:"height"`
}

// SyncResult reports what a sync pass found.
type SyncResult struct {
	Height   uint32        `json:"height"`
	Graphs   int           `json:"graphs"`
	Recorded []*RecordedTx `json:"recorded"`
}

// Sync polls the chain once for every graph that has not settled and
// records new confirmations.
func (b *Bridge) Sync(ctx context.Context) (*SyncResult, error) {
	if err := b.requireChain(); err != nil {
		return nil, err
	}
	height, err := b.chain.BlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := b.store.ListGraphs("")
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Height: height}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		recorded, err := b.SyncGraph(ctx, id)
		if err != nil {
			return result, err
		}
		result.Graphs++
		result.Recorded = append(result.Recorded, recorded...)
	}

	if len(result.Recorded) > 0 {
		b.log.Info("Sync recorded confirmations", "height", height, "count", len(result.Recorded))
	}
	return result, nil
}

// SyncGraph records new confirmations of one graph, in graph order.
// Confirmations the state machine rejects are logged and not stored.
func (b *Bridge) SyncGraph(ctx context.Context, graphID string) ([]*RecordedTx, error) {
	if err := b.requireChain(); err != nil {
		return nil, err
	}
	g, err := b.graph(graphID)
	if err != nil {
		return nil, err
	}
	t, err := b.tracker(g)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, nil
	}
	known, err := b.store.GetConfirmations(g.ID)
	if err != nil {
		return nil, err
	}

	var recorded []*RecordedTx
	for _, node := range g.Nodes {
		if _, ok := known[node.Name]; ok {
			continue
		}
		txid := node.TxID()
		confs, height, err := b.chain.Status(ctx, txid)
		if err != nil {
			return recorded, err
		}
		if confs == 0 || height <= 0 {
			continue
		}

		h := uint32(height)
		if err := t.RecordConfirmation(node.Name, h); err != nil {
			if errors.Is(err, dispute.ErrIllegalTransition) || errors.Is(err, dispute.ErrStaleBroadcastRejected) {
				b.log.Warn("Ignoring confirmation", "graph", g.ID, "tx", node.Name, "height", h, "error", err)
				continue
			}
			return recorded, err
		}
		if _, err := b.store.RecordConfirmation(&storage.Confirmation{
			GraphID:     g.ID,
			TxName:      node.Name,
			TxID:        txid,
			BlockHeight: height,
		}); err != nil {
			return recorded, err
		}
		b.forget(txid)

		rec := &RecordedTx{GraphID: g.ID, Tx: node.Name, TxID: txid, Height: h}
		recorded = append(recorded, rec)
		b.log.Info("Confirmation recorded", "graph", g.ID, "tx", node.Name, "height", h)
		b.emitEvent(Event{Type: EventTxConfirmed, GraphID: g.ID, Tx: node.Name, TxID: txid, Height: h})

		if t.IsTerminal() {
			b.emitEvent(Event{Type: EventDisputeSettled, GraphID: g.ID, Tx: node.Name, Height: h})
			break
		}
	}
	return recorded, nil
}
