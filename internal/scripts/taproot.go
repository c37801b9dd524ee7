package scripts

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Leaf is one tapscript leaf of an output with its spend proof.
type Leaf struct {
	Name         string
	Script       []byte
	ControlBlock []byte
	TapLeaf      txscript.TapLeaf
}

// TaprootOutput is a P2TR output: an internal key plus an optional script
// tree. Outputs without leaves use the BIP86 tweak.
type TaprootOutput struct {
	Name        string
	InternalKey *btcec.PublicKey
	OutputKey   *btcec.PublicKey
	MerkleRoot  []byte
	PkScript    []byte
	Leaves      []Leaf
}

// LeafScript names a tapscript before it is placed in a tree.
type LeafScript struct {
	Name   string
	Script []byte
}

// NewTaprootOutput assembles the script tree (leaves in the given order),
// tweaks the internal key and builds a control block for every leaf.
func NewTaprootOutput(name string, internalKey *btcec.PublicKey, leaves ...LeafScript) (*TaprootOutput, error) {
	if internalKey == nil {
		return nil, fmt.Errorf("%w: %s: internal key is nil", ErrInvalidParams, name)
	}

	out := &TaprootOutput{Name: name, InternalKey: internalKey}

	if len(leaves) == 0 {
		out.OutputKey = txscript.ComputeTaprootKeyNoScript(internalKey)
	} else {
		tapLeaves := make([]txscript.TapLeaf, len(leaves))
		for i, l := range leaves {
			tapLeaves[i] = txscript.NewBaseTapLeaf(l.Script)
		}
		tree := txscript.AssembleTaprootScriptTree(tapLeaves...)
		root := tree.RootNode.TapHash()
		out.MerkleRoot = root[:]
		out.OutputKey = txscript.ComputeTaprootOutputKey(internalKey, root[:])

		out.Leaves = make([]Leaf, len(leaves))
		for i, l := range leaves {
			idx, ok := tree.LeafProofIndex[tapLeaves[i].TapHash()]
			if !ok {
				return nil, fmt.Errorf("%s: missing proof for leaf %s", name, l.Name)
			}
			ctrl := tree.LeafMerkleProofs[idx].ToControlBlock(internalKey)
			ctrlBytes, err := ctrl.ToBytes()
			if err != nil {
				return nil, fmt.Errorf("%s: failed to serialize control block: %w", name, err)
			}
			out.Leaves[i] = Leaf{
				Name:         l.Name,
				Script:       l.Script,
				ControlBlock: ctrlBytes,
				TapLeaf:      tapLeaves[i],
			}
		}
	}

	pkScript, err := txscript.PayToTaprootScript(out.OutputKey)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build pkScript: %w", name, err)
	}
	out.PkScript = pkScript

	return out, nil
}

// Leaf returns a leaf by name.
func (o *TaprootOutput) Leaf(name string) (*Leaf, error) {
	for i := range o.Leaves {
		if o.Leaves[i].Name == name {
			return &o.Leaves[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no leaf %q", ErrUnknownLeaf, o.Name, name)
}

// HasScriptTree reports whether the output commits to any leaves.
func (o *TaprootOutput) HasScriptTree() bool {
	return len(o.Leaves) > 0
}

// Address returns the bech32m P2TR address for the given network.
func (o *TaprootOutput) Address(params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(o.OutputKey), params)
	if err != nil {
		return "", fmt.Errorf("failed to encode taproot address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// PkScriptHex returns the hex-encoded output script.
func (o *TaprootOutput) PkScriptHex() string {
	return hex.EncodeToString(o.PkScript)
}
