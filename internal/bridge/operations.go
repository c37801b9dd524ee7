package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingbridge/internal/dispute"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/l2"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/internal/signing"
	"github.com/Klingon-tech/klingbridge/internal/storage"
)

// PegInResult is a stored peg-in graph and the address the depositor pays.
type PegInResult struct {
	Graph          *graph.Graph
	DepositAddress string
}

// InitiatePegIn builds the peg-in graph for a deposit and stores it. Every
// verifier can run it; the graph id and bytes come out the same.
func (b *Bridge) InitiatePegIn(req graph.Request) (*PegInResult, error) {
	g, err := b.builder.BuildPegIn(b.committee, req)
	if err != nil {
		return nil, err
	}
	addr, err := b.builder.DepositAddress(b.committee, req.DepositorKey, req.Destination, req.Amount)
	if err != nil {
		return nil, err
	}
	if err := b.store.SaveGraph(g); err != nil {
		return nil, err
	}

	b.log.Info("Peg-in graph stored", "graph", g.ID, "amount", req.Amount, "deposit_address", addr)
	b.emitEvent(Event{Type: EventGraphCreated, GraphID: g.ID, Detail: string(scripts.RolePegIn)})
	return &PegInResult{Graph: g, DepositAddress: addr}, nil
}

// DepositAddress returns the deposit address without building a graph.
func (b *Bridge) DepositAddress(depositor *btcec.PublicKey, destination common.Address, amount uint64) (string, error) {
	return b.builder.DepositAddress(b.committee, depositor, destination, amount)
}

// CreatePegOut builds and stores a peg-out graph against a confirmed
// peg-in, then links it to a matching pending L2 withdrawal if there is one.
func (b *Bridge) CreatePegOut(req graph.Request) (*graph.Graph, error) {
	g, err := b.builder.BuildPegOut(b.committee, req)
	if err != nil {
		return nil, err
	}
	if err := b.store.SaveGraph(g); err != nil {
		return nil, err
	}
	b.log.Info("Peg-out graph stored", "graph", g.ID, "peg_in", g.LinkedGraphID, "payout", g.Metadata.Payout)
	b.emitEvent(Event{Type: EventGraphCreated, GraphID: g.ID, Detail: string(scripts.RolePegOut)})

	event, err := b.watcher.Match(g)
	if err != nil {
		b.log.Warn("Failed to link L2 withdrawal", "graph", g.ID, "error", err)
	} else if event != nil {
		b.emitEvent(Event{Type: EventWithdrawalRequest, GraphID: g.ID, Detail: event.ID})
	}
	return g, nil
}

// PushNonces publishes this verifier's nonces for every open input of a
// graph.
func (b *Bridge) PushNonces(graphID string) (int, error) {
	if err := b.requireSigner(); err != nil {
		return 0, err
	}
	n, err := b.signer.PushNonces(graphID)
	if err != nil {
		return n, err
	}
	b.log.Info("Nonces pushed", "graph", graphID, "count", n)
	return n, nil
}

// PushSignatures waits for the committee's nonces and publishes this
// verifier's partial signatures. It returns the signing status afterwards.
func (b *Bridge) PushSignatures(ctx context.Context, graphID string) (*signing.GraphStatus, error) {
	if err := b.requireSigner(); err != nil {
		return nil, err
	}
	n, err := b.signer.PushSignatures(ctx, graphID)
	if err != nil {
		return nil, err
	}
	b.log.Info("Partial signatures pushed", "graph", graphID, "count", n)
	return b.coord.GraphStatus(graphID)
}

// AssertionClaim is the operator's assertion for a peg-out graph. An empty
// Signature asks the bridge to sign with its own key, which must then be
// the graph's operator key.
type AssertionClaim struct {
	GraphID   string
	Assertion []byte
	Proof     []byte
	Signature []byte
}

// SubmitAssertion records the operator's assertion. assert_initial cannot
// be broadcast before it, and fraud witnesses are judged against it.
func (b *Bridge) SubmitAssertion(claim AssertionClaim) (*dispute.Assertion, error) {
	g, err := b.graph(claim.GraphID)
	if err != nil {
		return nil, err
	}
	session, err := b.disputeSession(g)
	if err != nil {
		return nil, err
	}

	a := &dispute.Assertion{Data: claim.Assertion, Proof: claim.Proof, Signature: claim.Signature}
	if len(a.Signature) == 0 {
		if b.key == nil {
			return nil, ErrNoVerifierKey
		}
		if hex.EncodeToString(b.key.PubKey().SerializeCompressed()) != g.Metadata.OperatorKey {
			return nil, fmt.Errorf("%w: %s", ErrNotOperator, g.ID)
		}
		if a, err = dispute.SignAssertion(b.key, g.ID, claim.Assertion, claim.Proof); err != nil {
			return nil, err
		}
	}

	if err := session.RecordAssertion(a); err != nil {
		return nil, err
	}
	if err := b.store.SaveAssertion(&storage.AssertionRecord{
		GraphID:   g.ID,
		Assertion: a.Data,
		Proof:     a.Proof,
		Signature: a.Signature,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateSubmission) {
			return nil, fmt.Errorf("%w: %v", dispute.ErrInvalidAssertion, err)
		}
		return nil, err
	}

	b.log.Info("Operator assertion recorded", "graph", g.ID)
	b.emitEvent(Event{Type: EventAssertionRecorded, GraphID: g.ID})
	return a, nil
}

// FraudClaim is what a challenger submits against a peg-out graph. Proof
// and Assertion are optional and must match the operator's when given.
type FraudClaim struct {
	GraphID   string
	Preimage  []byte
	Proof     []byte
	Assertion []byte
}

// SubmitFraud checks a fraud witness against the dispute state and records
// it. Once recorded, disprove becomes eligible for every verifier.
func (b *Bridge) SubmitFraud(ctx context.Context, claim FraudClaim) error {
	g, err := b.graph(claim.GraphID)
	if err != nil {
		return err
	}
	session, err := b.disputeSession(g)
	if err != nil {
		return err
	}
	view, err := b.chainView(ctx)
	if err != nil {
		return err
	}

	w := &dispute.FraudWitness{
		Preimage:  claim.Preimage,
		Proof:     claim.Proof,
		Assertion: claim.Assertion,
	}
	if err := session.SubmitFraudWitness(w, view, b.oracle); err != nil {
		return err
	}
	w, _ = session.FraudWitness()
	if err := b.store.SaveFraudWitness(&storage.FraudWitnessRecord{
		GraphID:   g.ID,
		Preimage:  w.Preimage,
		Proof:     w.Proof,
		Assertion: w.Assertion,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateSubmission) {
			return fmt.Errorf("%w: %v", dispute.ErrInvalidFraudWitness, err)
		}
		return err
	}

	b.log.Info("Fraud witness recorded", "graph", g.ID)
	b.emitEvent(Event{Type: EventFraudSubmitted, GraphID: g.ID})
	return nil
}

// MockL2Confirm records a peg-out request as if it had been finalized on L2.
func (b *Bridge) MockL2Confirm(req l2.PegOutRequest) (*storage.L2Event, error) {
	event, err := b.watcher.Confirm(req)
	if err != nil {
		return nil, err
	}
	b.emitEvent(Event{Type: EventWithdrawalRequest, GraphID: event.PegInGraphID, Detail: event.ID})
	return event, nil
}
