package graph

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PrevOutFetcher returns the previous outputs of every input of the node.
// Taproot sighashes commit to all of them.
func (n *Node) PrevOutFetcher() *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range n.Inputs {
		fetcher.AddPrevOut(in.PrevOut, wire.NewTxOut(in.Value, in.PkScript))
	}
	return fetcher
}

// SigHash returns the BIP-341 message the signer of input idx signs, using
// SIGHASH_DEFAULT.
func (n *Node) SigHash(idx int) ([32]byte, error) {
	var msg [32]byte

	in, err := n.Input(idx)
	if err != nil {
		return msg, err
	}

	fetcher := n.PrevOutFetcher()
	sigHashes := txscript.NewTxSigHashes(n.Tx, fetcher)

	var hash []byte
	switch in.Path {
	case SpendKeyPath:
		hash, err = txscript.CalcTaprootSignatureHash(
			sigHashes, txscript.SigHashDefault, n.Tx, idx, fetcher,
		)
	case SpendScriptPath:
		hash, err = txscript.CalcTapscriptSignaturehash(
			sigHashes, txscript.SigHashDefault, n.Tx, idx, fetcher,
			txscript.NewBaseTapLeaf(in.LeafScript),
		)
	default:
		return msg, fmt.Errorf("%w: %s input %d has spend path %q", ErrInvalidGraph, n.Name, idx, in.Path)
	}
	if err != nil {
		return msg, fmt.Errorf("failed to compute sighash for %s:%d: %w", n.Name, idx, err)
	}

	copy(msg[:], hash)
	return msg, nil
}

// SigHash resolves an input reference and returns its sighash.
func (g *Graph) SigHash(ref InputRef) ([32]byte, error) {
	n, err := g.Node(ref.Tx)
	if err != nil {
		return [32]byte{}, err
	}
	return n.SigHash(ref.Index)
}

// Witness builds the final witness for input idx from its signature. extra
// is placed between the signature and the leaf script, which is where the
// disprove preimage goes.
func (in *Input) Witness(sig []byte, extra ...[]byte) wire.TxWitness {
	if in.Path == SpendKeyPath {
		return wire.TxWitness{sig}
	}
	w := make(wire.TxWitness, 0, len(extra)+3)
	w = append(w, sig)
	w = append(w, extra...)
	return append(w, in.LeafScript, in.ControlBlock)
}
