package graph

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingbridge/internal/chain"
	"github.com/Klingon-tech/klingbridge/internal/config"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
)

// PegInLookup resolves the peg-in graph a peg-out is linked to.
type PegInLookup interface {
	// PegInGraph returns the stored graph and whether its peg_in_confirm
	// transaction has confirmed.
	PegInGraph(id string) (*Graph, bool, error)
}

// Request describes the graph to build.
type Request struct {
	Role    scripts.Role
	Funding wire.OutPoint

	// Amount is the value of the funding output in satoshis.
	Amount uint64

	// LinkedGraphID is the peg-in graph a peg-out settles against.
	LinkedGraphID string

	// Peg-in
	DepositorKey *btcec.PublicKey
	Destination  common.Address

	// Peg-out
	OperatorKey     *btcec.PublicKey
	Withdrawer      string
	DisproveAddress string
	DisproveHash    []byte

	// Payout overrides the amount paid to the withdrawer. Zero means the
	// full value of the linked vault.
	Payout uint64
}

// Builder builds graphs for one network and parameter set. It never signs
// and never writes to the store.
type Builder struct {
	params *chain.Params
	locks  config.TimelockConfig
	fees   config.FeeConfig
	lookup PegInLookup
}

// NewBuilder creates a Builder. lookup may be nil when only peg-in graphs
// are built.
func NewBuilder(cfg *config.BridgeConfig, lookup PegInLookup) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{
		params: chain.MustGet(cfg.Network),
		locks:  cfg.Timelocks,
		fees:   cfg.Fees,
		lookup: lookup,
	}, nil
}

// Build derives the scripts for the request and lays out every transaction
// of the graph with all amounts fixed.
func (b *Builder) Build(committee *scripts.Committee, req Request) (*Graph, error) {
	if committee == nil {
		return nil, fmt.Errorf("%w: committee is nil", scripts.ErrInvalidCommittee)
	}
	if req.Amount > btcutil.MaxSatoshi {
		return nil, fmt.Errorf("%w: amount %d exceeds %d sats", scripts.ErrInvalidParams, req.Amount, int64(btcutil.MaxSatoshi))
	}

	var (
		g   *Graph
		err error
	)
	switch req.Role {
	case scripts.RolePegIn:
		g, err = b.buildPegIn(committee, req)
	case scripts.RolePegOut:
		g, err = b.buildPegOut(committee, req)
	default:
		return nil, fmt.Errorf("%w: unknown role %q", scripts.ErrInvalidParams, req.Role)
	}
	if err != nil {
		return nil, err
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// BuildPegIn is Build for a peg-in request.
func (b *Builder) BuildPegIn(committee *scripts.Committee, req Request) (*Graph, error) {
	req.Role = scripts.RolePegIn
	return b.Build(committee, req)
}

// BuildPegOut is Build for a peg-out request.
func (b *Builder) BuildPegOut(committee *scripts.Committee, req Request) (*Graph, error) {
	req.Role = scripts.RolePegOut
	return b.Build(committee, req)
}

// DepositAddress returns the address a depositor pays to start a peg-in.
func (b *Builder) DepositAddress(committee *scripts.Committee, depositor *btcec.PublicKey, destination common.Address, amount uint64) (string, error) {
	set, err := scripts.DeriveScripts(committee, scripts.RolePegIn, scripts.Params{
		Amount:       amount,
		DepositorKey: depositor,
		EVMAddress:   destination.Bytes(),
		Timelocks:    b.locks,
	})
	if err != nil {
		return "", err
	}
	return set.Outputs[scripts.OutputDeposit].Address(b.params.Chain)
}

func (b *Builder) newGraph(committee *scripts.Committee, req Request) *Graph {
	return &Graph{
		ID:            ComputeGraphID(req.Role, req.Funding),
		Role:          req.Role,
		Network:       b.params.Network,
		Funding:       req.Funding,
		FundingValue:  int64(req.Amount),
		Committee:     committee.HexKeys(),
		LinkedGraphID: req.LinkedGraphID,
	}
}

func (b *Builder) addressScript(addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, b.params.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w: address %q: %v", scripts.ErrInvalidParams, addr, err)
	}
	if !decoded.IsForNet(b.params.Chain) {
		return nil, fmt.Errorf("%w: address %q is not for %s", scripts.ErrInvalidParams, addr, b.params.Network)
	}
	return txscript.PayToAddrScript(decoded)
}

func newNode(name TxName) *Node {
	return &Node{Name: name, Tx: wire.NewMsgTx(2)}
}

// spend appends in as the next input of n.
func (n *Node) spend(in *Input) {
	in.Index = len(n.Inputs)
	txIn := wire.NewTxIn(&in.PrevOut, nil, nil)
	if in.CSV > 0 {
		txIn.Sequence = in.CSV
	}
	n.Tx.AddTxIn(txIn)
	n.Inputs = append(n.Inputs, in)
}

// pay appends an output and returns its index.
func (n *Node) pay(value uint64, pkScript []byte) uint32 {
	n.Tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))
	return uint32(len(n.Tx.TxOut) - 1)
}

// keyPath spends output vout of parent, locked to out, via the committee key.
func keyPath(parent *Node, vout uint32, out *scripts.TaprootOutput) *Input {
	return &Input{
		PrevOut:    wire.OutPoint{Hash: parent.Tx.TxHash(), Index: vout},
		Parent:     parent.Name,
		Value:      parent.Tx.TxOut[vout].Value,
		PkScript:   out.PkScript,
		Path:       SpendKeyPath,
		Signer:     SignerCommittee,
		MerkleRoot: out.MerkleRoot,
	}
}

// scriptPath spends output vout of parent through one of out's leaves.
func scriptPath(parent *Node, vout uint32, out *scripts.TaprootOutput, leafName string, csv uint32, signer Signer) (*Input, error) {
	leaf, err := out.Leaf(leafName)
	if err != nil {
		return nil, err
	}
	return &Input{
		PrevOut:      wire.OutPoint{Hash: parent.Tx.TxHash(), Index: vout},
		Parent:       parent.Name,
		Value:        parent.Tx.TxOut[vout].Value,
		PkScript:     out.PkScript,
		Path:         SpendScriptPath,
		Signer:       signer,
		MerkleRoot:   out.MerkleRoot,
		Leaf:         leaf.Name,
		LeafScript:   leaf.Script,
		ControlBlock: leaf.ControlBlock,
		CSV:          csv,
	}, nil
}

func hexKey(k *btcec.PublicKey) string {
	if k == nil {
		return ""
	}
	return hex.EncodeToString(k.SerializeCompressed())
}
