package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingbridge/internal/backend"
	"github.com/Klingon-tech/klingbridge/internal/dispute"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/internal/signing"
)

// BroadcastPegInConfirm broadcasts the signed peg_in_confirm transaction
// once the deposit it spends has enough confirmations.
func (b *Bridge) BroadcastPegInConfirm(ctx context.Context, graphID string) (string, error) {
	if err := b.requireChain(); err != nil {
		return "", err
	}
	g, err := b.graph(graphID)
	if err != nil {
		return "", err
	}
	session, err := b.pegInSession(g)
	if err != nil {
		return "", err
	}
	if err := session.CheckBroadcast(graph.TxPegInConfirm); err != nil {
		return "", err
	}

	confs, _, err := b.chain.Status(ctx, g.Funding.Hash.String())
	if err != nil {
		return "", err
	}
	if confs < b.params.Timelocks.MinConfirmations {
		return "", fmt.Errorf("%w: %w: deposit %s has %d of %d confirmations",
			dispute.ErrNotEligible, dispute.ErrPredecessorUnconfirmed,
			g.Funding.Hash, confs, b.params.Timelocks.MinConfirmations)
	}

	signed, err := b.coord.SignedTransaction(graphID, graph.TxPegInConfirm)
	if err != nil {
		return "", err
	}
	return b.broadcast(ctx, g, signed)
}

// BroadcastTx broadcasts a named peg-out transaction if the dispute state
// machine allows it at the current chain height.
func (b *Bridge) BroadcastTx(ctx context.Context, graphID string, name graph.TxName) (string, error) {
	g, err := b.graph(graphID)
	if err != nil {
		return "", err
	}
	if g.Role == scripts.RolePegIn {
		if name != graph.TxPegInConfirm {
			return "", fmt.Errorf("%w: %s is broadcast by the depositor", dispute.ErrNotEligible, name)
		}
		return b.BroadcastPegInConfirm(ctx, graphID)
	}

	session, err := b.disputeSession(g)
	if err != nil {
		return "", err
	}
	view, err := b.chainView(ctx)
	if err != nil {
		return "", err
	}
	if err := session.CheckBroadcast(name, view); err != nil {
		return "", err
	}

	var opts []signing.FinalizeOption
	if name == graph.TxDisprove {
		w, _ := session.FraudWitness()
		opts = append(opts, signing.WithPreimage(w.Preimage))
	}
	signed, err := b.coord.SignedTransaction(graphID, name, opts...)
	if err != nil {
		return "", err
	}
	return b.broadcast(ctx, g, signed)
}

func (b *Bridge) broadcast(ctx context.Context, g *graph.Graph, signed *signing.SignedTx) (string, error) {
	txid, err := b.chain.Broadcast(ctx, signed.Tx)
	if err != nil {
		var berr *backend.BroadcastError
		if errors.As(err, &berr) && berr.Kind == backend.AlreadySpent {
			b.log.Warn("Conflicting spend on chain, re-syncing", "graph", g.ID, "tx", signed.Name)
			b.forget(signed.TxID)
			b.emitEvent(Event{Type: EventConflictingSpend, GraphID: g.ID, Tx: signed.Name, TxID: signed.TxID})
			if _, serr := b.SyncGraph(ctx, g.ID); serr != nil {
				b.log.Warn("Re-sync failed", "graph", g.ID, "error", serr)
			}
		}
		return "", err
	}

	b.log.Info("Transaction broadcast", "graph", g.ID, "tx", signed.Name, "txid", txid)
	b.emitEvent(Event{Type: EventTxBroadcast, GraphID: g.ID, Tx: signed.Name, TxID: txid})
	return txid, nil
}

func (b *Bridge) markInflight(txid string, name graph.TxName) {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	b.inflight[txid] = name
}

func (b *Bridge) isInflight(txid string) bool {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	_, ok := b.inflight[txid]
	return ok
}

func (b *Bridge) forget(txid string) {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	delete(b.inflight, txid)
}

// Advance broadcasts, for every fully signed graph, each transaction that is
// eligible now and not already in flight. peg_out is only released once an
// L2 withdrawal has been linked to the graph. It returns the broadcast txids.
func (b *Bridge) Advance(ctx context.Context) ([]string, error) {
	if err := b.requireChain(); err != nil {
		return nil, err
	}
	ids, err := b.store.ListGraphs("")
	if err != nil {
		return nil, err
	}
	view, err := b.chainView(ctx)
	if err != nil {
		return nil, err
	}

	var sent []string
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		txids, err := b.advanceGraph(ctx, id, view)
		sent = append(sent, txids...)
		if err != nil {
			b.log.Debug("Graph not advanced", "graph", id, "error", err, "retryable", IsRetryable(err))
		}
	}
	return sent, nil
}

func (b *Bridge) advanceGraph(ctx context.Context, graphID string, view dispute.ChainView) ([]string, error) {
	status, err := b.coord.GraphStatus(graphID)
	if err != nil {
		return nil, err
	}
	if !status.FullySigned {
		return nil, nil
	}
	g, err := b.graph(graphID)
	if err != nil {
		return nil, err
	}

	var candidates []graph.TxName
	if g.Role == scripts.RolePegIn {
		session, err := b.pegInSession(g)
		if err != nil {
			return nil, err
		}
		if session.CheckBroadcast(graph.TxPegInConfirm) == nil {
			candidates = append(candidates, graph.TxPegInConfirm)
		}
	} else {
		session, err := b.disputeSession(g)
		if err != nil {
			return nil, err
		}
		for _, name := range session.Eligible(view) {
			if name == graph.TxPegOut {
				linked, err := b.hasLinkedWithdrawal(g)
				if err != nil || !linked {
					continue
				}
			}
			candidates = append(candidates, name)
		}
	}

	var sent []string
	for _, name := range candidates {
		node, err := g.Node(name)
		if err != nil {
			return sent, err
		}
		if b.isInflight(node.TxID()) {
			continue
		}
		txid, err := b.BroadcastTx(ctx, graphID, name)
		if err != nil {
			return sent, err
		}
		b.markInflight(txid, name)
		sent = append(sent, txid)
	}
	return sent, nil
}

// hasLinkedWithdrawal reports whether an L2 withdrawal backs a peg-out
// graph, linking a pending one that arrived after the graph was built.
func (b *Bridge) hasLinkedWithdrawal(g *graph.Graph) (bool, error) {
	event, err := b.watcher.Match(g)
	if err != nil {
		return false, err
	}
	return event != nil, nil
}
