package graph

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingbridge/internal/scripts"
)

// buildPegIn lays out:
//
//	funding --(key path)--> peg_in_confirm --> vault
//	funding --(refund leaf, CSV)--> peg_in_refund --> depositor
func (b *Builder) buildPegIn(committee *scripts.Committee, req Request) (*Graph, error) {
	if req.LinkedGraphID != "" {
		return nil, fmt.Errorf("%w: a peg-in cannot link to another graph", scripts.ErrInvalidParams)
	}
	if req.Destination == (common.Address{}) {
		return nil, fmt.Errorf("%w: peg-in needs a destination address", scripts.ErrInvalidParams)
	}
	fee, dust := b.fees.TxFeeSats, b.fees.DustLimitSats
	if req.Amount < fee+dust {
		return nil, fmt.Errorf("%w: peg-in of %d sats cannot cover fee %d plus dust %d",
			ErrAmountMismatch, req.Amount, fee, dust)
	}

	set, err := scripts.DeriveScripts(committee, scripts.RolePegIn, scripts.Params{
		Amount:       req.Amount,
		DepositorKey: req.DepositorKey,
		EVMAddress:   req.Destination.Bytes(),
		Timelocks:    b.locks,
	})
	if err != nil {
		return nil, err
	}
	deposit := set.Outputs[scripts.OutputDeposit]
	vault := set.Outputs[scripts.OutputVault]
	refundOut := set.Outputs[scripts.OutputDepositorRefund]

	g := b.newGraph(committee, req)
	g.Metadata = Metadata{
		Destination:  req.Destination.Hex(),
		DepositorKey: hexKey(req.DepositorKey),
	}

	fundingInput := func() *Input {
		return &Input{
			PrevOut:    req.Funding,
			Value:      int64(req.Amount),
			PkScript:   deposit.PkScript,
			Path:       SpendKeyPath,
			Signer:     SignerCommittee,
			MerkleRoot: deposit.MerkleRoot,
		}
	}

	confirm := newNode(TxPegInConfirm)
	confirm.spend(fundingInput())
	confirm.pay(req.Amount-fee, vault.PkScript)

	refundLeaf, err := deposit.Leaf(scripts.LeafRefund)
	if err != nil {
		return nil, err
	}
	refundIn := fundingInput()
	refundIn.Path = SpendScriptPath
	refundIn.Signer = SignerDepositor
	refundIn.Leaf = refundLeaf.Name
	refundIn.LeafScript = refundLeaf.Script
	refundIn.ControlBlock = refundLeaf.ControlBlock
	refundIn.CSV = b.locks.PegInRefundBlocks

	refund := newNode(TxPegInRefund)
	refund.spend(refundIn)
	refund.pay(req.Amount-fee, refundOut.PkScript)

	g.Nodes = []*Node{confirm, refund}
	return g, nil
}

// VaultOutpoint returns the vault output created by a peg-in graph.
func (g *Graph) VaultOutpoint() (wire.OutPoint, *wire.TxOut, error) {
	if g.Role != scripts.RolePegIn {
		return wire.OutPoint{}, nil, fmt.Errorf("%w: graph %s is not a peg-in", ErrUnknownLinkedGraph, g.ID)
	}
	confirm, err := g.Node(TxPegInConfirm)
	if err != nil {
		return wire.OutPoint{}, nil, err
	}
	return wire.OutPoint{Hash: confirm.Tx.TxHash(), Index: 0}, confirm.Tx.TxOut[0], nil
}
