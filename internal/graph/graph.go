// Package graph builds the pre-agreed Bitcoin transaction graphs of the
// bridge. A graph is built once, never mutated, and every verifier derives
// the same bytes from the same inputs.
package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingbridge/internal/chain"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
)

var (
	ErrUnknownLinkedGraph = errors.New("unknown linked graph")
	ErrAmountMismatch     = errors.New("amount mismatch")
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrUnknownInput       = errors.New("unknown input")
	ErrInvalidGraph       = errors.New("invalid graph")
)

// TxName identifies a transaction inside a graph.
type TxName string

// Peg-in transactions.
const (
	TxPegInConfirm TxName = "peg_in_confirm"
	TxPegInRefund  TxName = "peg_in_refund"
)

// Peg-out transactions, in dependency order.
const (
	TxPegOut        TxName = "peg_out"
	TxPegOutConfirm TxName = "peg_out_confirm"
	TxKickOff1      TxName = "kick_off_1"
	TxKickOff2      TxName = "kick_off_2"
	TxAssertInitial TxName = "assert_initial"
	TxAssertCommit1 TxName = "assert_commit_1"
	TxAssertCommit2 TxName = "assert_commit_2"
	TxAssertFinal   TxName = "assert_final"
	TxDisprove      TxName = "disprove"
	TxTimeoutClaim  TxName = "timeout_claim"
)

// PegOutTxNames lists the peg-out transactions in graph order.
var PegOutTxNames = []TxName{
	TxPegOut, TxPegOutConfirm, TxKickOff1, TxKickOff2,
	TxAssertInitial, TxAssertCommit1, TxAssertCommit2, TxAssertFinal,
	TxDisprove, TxTimeoutClaim,
}

// PegInTxNames lists the peg-in transactions in graph order.
var PegInTxNames = []TxName{TxPegInConfirm, TxPegInRefund}

// ParseTxName validates a transaction name for a role.
func ParseTxName(role scripts.Role, s string) (TxName, error) {
	names := PegOutTxNames
	if role == scripts.RolePegIn {
		names = PegInTxNames
	}
	for _, n := range names {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %q is not a %s transaction", ErrUnknownTransaction, s, role)
}

// SpendPath is how an input unlocks its previous output.
type SpendPath string

const (
	SpendKeyPath    SpendPath = "key_path"
	SpendScriptPath SpendPath = "script_path"
)

// Signer is the party whose signature an input needs.
type Signer string

const (
	SignerCommittee Signer = "committee"
	SignerDepositor Signer = "depositor"
)

// Input carries everything needed to sign and finalize one transaction input.
type Input struct {
	Index   int
	PrevOut wire.OutPoint

	// Parent is the graph transaction creating PrevOut, or empty when the
	// output lives outside this graph.
	Parent TxName

	Value    int64
	PkScript []byte

	Path   SpendPath
	Signer Signer

	// MerkleRoot of the spent output's script tree, used to tweak key path
	// signatures. Empty for outputs without leaves.
	MerkleRoot []byte

	// Script path only.
	Leaf         string
	LeafScript   []byte
	ControlBlock []byte

	// CSV is the relative timelock in blocks the spend must satisfy; the
	// input sequence carries the same value.
	CSV uint32

	// NeedsPreimage marks the disprove input, whose witness also carries
	// the fraud preimage.
	NeedsPreimage bool
}

// Node is one transaction of the graph.
type Node struct {
	Name   TxName
	Tx     *wire.MsgTx
	Inputs []*Input
}

// TxID returns the transaction id.
func (n *Node) TxID() string {
	return n.Tx.TxHash().String()
}

// Input returns the input at idx.
func (n *Node) Input(idx int) (*Input, error) {
	if idx < 0 || idx >= len(n.Inputs) {
		return nil, fmt.Errorf("%w: %s has no input %d", ErrUnknownInput, n.Name, idx)
	}
	return n.Inputs[idx], nil
}

// Metadata holds role-specific values carried with a graph.
type Metadata struct {
	// Peg-in
	Destination  string `json:"destination,omitempty"`
	DepositorKey string `json:"depositor_key,omitempty"`

	// Peg-out
	OperatorKey     string `json:"operator_key,omitempty"`
	Withdrawer      string `json:"withdrawer,omitempty"`
	DisproveAddress string `json:"disprove_address,omitempty"`
	DisproveHash    string `json:"disprove_hash,omitempty"`
	Payout          uint64 `json:"payout,omitempty"`
}

// Graph is an immutable, fully determined transaction graph.
type Graph struct {
	ID            string
	Role          scripts.Role
	Network       chain.Network
	Funding       wire.OutPoint
	FundingValue  int64
	Committee     []string
	LinkedGraphID string
	Metadata      Metadata
	Nodes         []*Node
}

// ComputeGraphID derives the graph id from the role and the funding outpoint.
func ComputeGraphID(role scripts.Role, funding wire.OutPoint) string {
	h := sha256.New()
	h.Write([]byte(role))
	h.Write(funding.Hash[:])
	var vout [4]byte
	binary.LittleEndian.PutUint32(vout[:], funding.Index)
	h.Write(vout[:])
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ParseCommittee rebuilds the committee the graph was built for.
func (g *Graph) ParseCommittee() (*scripts.Committee, error) {
	return scripts.ParseCommittee(g.Committee)
}

// Node returns a transaction by name.
func (g *Graph) Node(name TxName) (*Node, error) {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: graph %s has no %q", ErrUnknownTransaction, g.ID, name)
}

// Names returns the transaction names in graph order.
func (g *Graph) Names() []TxName {
	out := make([]TxName, len(g.Nodes))
	for i, n := range g.Nodes {
		out[i] = n.Name
	}
	return out
}

// Entry returns the single committee-signed transaction that spends only
// outputs from outside the graph.
func (g *Graph) Entry() (*Node, error) {
	var entry *Node
	for _, n := range g.Nodes {
		if !n.isEntry() {
			continue
		}
		if entry != nil {
			return nil, fmt.Errorf("%w: multiple entry transactions (%s, %s)", ErrInvalidGraph, entry.Name, n.Name)
		}
		entry = n
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: no entry transaction", ErrInvalidGraph)
	}
	return entry, nil
}

func (n *Node) isEntry() bool {
	for _, in := range n.Inputs {
		if in.Parent != "" || in.Signer != SignerCommittee {
			return false
		}
	}
	return len(n.Inputs) > 0
}

// InputRef names one input of one transaction.
type InputRef struct {
	Tx    TxName
	Index int
}

// String renders the reference as "tx:index", the key used by the store.
func (r InputRef) String() string {
	return fmt.Sprintf("%s:%d", r.Tx, r.Index)
}

// ParseInputRef parses a "tx:index" reference.
func ParseInputRef(s string) (InputRef, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return InputRef{}, fmt.Errorf("%w: bad input reference %q", ErrUnknownInput, s)
	}
	idx, err := strconv.Atoi(s[i+1:])
	if err != nil || idx < 0 {
		return InputRef{}, fmt.Errorf("%w: bad input reference %q", ErrUnknownInput, s)
	}
	return InputRef{Tx: TxName(s[:i]), Index: idx}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (r InputRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *InputRef) UnmarshalText(b []byte) error {
	ref, err := ParseInputRef(string(b))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

// Input resolves an input reference.
func (g *Graph) Input(ref InputRef) (*Input, error) {
	n, err := g.Node(ref.Tx)
	if err != nil {
		return nil, err
	}
	return n.Input(ref.Index)
}

// CommitteeInputs lists every input the committee must sign, in graph order.
func (g *Graph) CommitteeInputs() []InputRef {
	var refs []InputRef
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if in.Signer == SignerCommittee {
				refs = append(refs, InputRef{Tx: n.Name, Index: in.Index})
			}
		}
	}
	return refs
}

// Dependency is an in-graph predecessor of a transaction together with the
// relative timelock its spending input carries.
type Dependency struct {
	Parent TxName
	CSV    uint32
}

// Dependencies maps every transaction to its in-graph predecessors.
func (g *Graph) Dependencies() map[TxName][]Dependency {
	deps := make(map[TxName][]Dependency, len(g.Nodes))
	for _, n := range g.Nodes {
		list := []Dependency{}
		for _, in := range n.Inputs {
			if in.Parent != "" {
				list = append(list, Dependency{Parent: in.Parent, CSV: in.CSV})
			}
		}
		deps[n.Name] = list
	}
	return deps
}

// Validate checks that the graph is a DAG in topological order with a single
// entry, and that every in-graph input points at its parent's txid.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("%w: empty graph", ErrInvalidGraph)
	}
	seen := make(map[TxName]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("%w: duplicate transaction %s", ErrInvalidGraph, n.Name)
		}
		if len(n.Inputs) != len(n.Tx.TxIn) {
			return fmt.Errorf("%w: %s has %d inputs but %d spend records",
				ErrInvalidGraph, n.Name, len(n.Tx.TxIn), len(n.Inputs))
		}
		for i, in := range n.Inputs {
			if in.Index != i || n.Tx.TxIn[i].PreviousOutPoint != in.PrevOut {
				return fmt.Errorf("%w: %s input %d does not match its transaction", ErrInvalidGraph, n.Name, i)
			}
			if in.Parent == "" {
				continue
			}
			parent, ok := seen[in.Parent]
			if !ok {
				return fmt.Errorf("%w: %s spends %s which is not an earlier transaction",
					ErrInvalidGraph, n.Name, in.Parent)
			}
			if parent.Tx.TxHash() != in.PrevOut.Hash {
				return fmt.Errorf("%w: %s input %d does not spend %s", ErrInvalidGraph, n.Name, i, in.Parent)
			}
			if int(in.PrevOut.Index) >= len(parent.Tx.TxOut) {
				return fmt.Errorf("%w: %s spends missing output %d of %s",
					ErrInvalidGraph, n.Name, in.PrevOut.Index, in.Parent)
			}
		}
		seen[n.Name] = n
	}
	_, err := g.Entry()
	return err
}
