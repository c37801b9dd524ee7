package graph

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingbridge/internal/chain"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/pkg/helpers"
)

type graphJSON struct {
	ID            string       `json:"id"`
	Role          scripts.Role `json:"role"`
	Network       string       `json:"network"`
	Funding       string       `json:"funding"`
	FundingValue  int64        `json:"funding_value"`
	Committee     []string     `json:"committee"`
	LinkedGraphID string       `json:"linked_graph_id,omitempty"`
	Metadata      Metadata     `json:"metadata"`
	Nodes         []nodeJSON   `json:"nodes"`
}

type nodeJSON struct {
	Name   TxName      `json:"name"`
	Tx     string      `json:"tx"`
	Inputs []inputJSON `json:"inputs"`
}

type inputJSON struct {
	Parent        TxName    `json:"parent,omitempty"`
	Value         int64     `json:"value"`
	PkScript      string    `json:"pk_script"`
	Path          SpendPath `json:"path"`
	Signer        Signer    `json:"signer"`
	MerkleRoot    string    `json:"merkle_root,omitempty"`
	Leaf          string    `json:"leaf,omitempty"`
	LeafScript    string    `json:"leaf_script,omitempty"`
	ControlBlock  string    `json:"control_block,omitempty"`
	CSV           uint32    `json:"csv,omitempty"`
	NeedsPreimage bool      `json:"needs_preimage,omitempty"`
}

// MarshalJSON encodes the graph with transactions as raw hex.
func (g *Graph) MarshalJSON() ([]byte, error) {
	out := graphJSON{
		ID:            g.ID,
		Role:          g.Role,
		Network:       string(g.Network),
		Funding:       g.Funding.String(),
		FundingValue:  g.FundingValue,
		Committee:     g.Committee,
		LinkedGraphID: g.LinkedGraphID,
		Metadata:      g.Metadata,
		Nodes:         make([]nodeJSON, len(g.Nodes)),
	}
	for i, n := range g.Nodes {
		raw, err := SerializeTx(n.Tx)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize %s: %w", n.Name, err)
		}
		nj := nodeJSON{Name: n.Name, Tx: hex.EncodeToString(raw), Inputs: make([]inputJSON, len(n.Inputs))}
		for j, in := range n.Inputs {
			nj.Inputs[j] = inputJSON{
				Parent:        in.Parent,
				Value:         in.Value,
				PkScript:      hex.EncodeToString(in.PkScript),
				Path:          in.Path,
				Signer:        in.Signer,
				MerkleRoot:    hex.EncodeToString(in.MerkleRoot),
				Leaf:          in.Leaf,
				LeafScript:    hex.EncodeToString(in.LeafScript),
				ControlBlock:  hex.EncodeToString(in.ControlBlock),
				CSV:           in.CSV,
				NeedsPreimage: in.NeedsPreimage,
			}
		}
		out.Nodes[i] = nj
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a graph written by MarshalJSON and validates it.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var in graphJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	funding, err := helpers.ParseOutpoint(in.Funding)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	network, err := chain.ParseNetwork(in.Network)
	if err != nil {
		return err
	}

	decoded := Graph{
		ID:            in.ID,
		Role:          in.Role,
		Network:       network,
		Funding:       funding,
		FundingValue:  in.FundingValue,
		Committee:     in.Committee,
		LinkedGraphID: in.LinkedGraphID,
		Metadata:      in.Metadata,
		Nodes:         make([]*Node, len(in.Nodes)),
	}

	for i, nj := range in.Nodes {
		tx, err := DeserializeTx(nj.Tx)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", nj.Name, err)
		}
		if len(nj.Inputs) != len(tx.TxIn) {
			return fmt.Errorf("%w: %s input count mismatch", ErrInvalidGraph, nj.Name)
		}
		node := &Node{Name: nj.Name, Tx: tx, Inputs: make([]*Input, len(nj.Inputs))}
		for j, ij := range nj.Inputs {
			input := &Input{
				Index:         j,
				PrevOut:       tx.TxIn[j].PreviousOutPoint,
				Parent:        ij.Parent,
				Value:         ij.Value,
				Path:          ij.Path,
				Signer:        ij.Signer,
				Leaf:          ij.Leaf,
				CSV:           ij.CSV,
				NeedsPreimage: ij.NeedsPreimage,
			}
			fields := []struct {
				dst *[]byte
				src string
			}{
				{&input.PkScript, ij.PkScript},
				{&input.MerkleRoot, ij.MerkleRoot},
				{&input.LeafScript, ij.LeafScript},
				{&input.ControlBlock, ij.ControlBlock},
			}
			for _, f := range fields {
				if f.src == "" {
					continue
				}
				b, err := hex.DecodeString(f.src)
				if err != nil {
					return fmt.Errorf("%w: %s input %d: %v", ErrInvalidGraph, nj.Name, j, err)
				}
				*f.dst = b
			}
			node.Inputs[j] = input
		}
		decoded.Nodes[i] = node
	}

	if err := decoded.Validate(); err != nil {
		return err
	}
	*g = decoded
	return nil
}

// SerializeTx returns the wire encoding of tx, witnesses included.
func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeTx decodes a hex transaction.
func DeserializeTx(s string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}
