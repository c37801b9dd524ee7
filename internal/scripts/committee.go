// Package scripts derives the committee aggregate key and the taproot
// locking scripts used by bridge transaction graphs.
package scripts

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

var (
	ErrInvalidCommittee = errors.New("invalid committee")
	ErrInvalidParams    = errors.New("invalid script parameters")
	ErrUnknownOutput    = errors.New("unknown output")
	ErrUnknownLeaf      = errors.New("unknown leaf")
)

// Committee is the ordered set of verifier keys. The order is canonical: it
// is used unsorted for key aggregation and for nonce combination.
type Committee struct {
	keys []*btcec.PublicKey
	agg  *btcec.PublicKey
}

// NewCommittee validates the key list and computes the MuSig2 aggregate key.
func NewCommittee(keys []*btcec.PublicKey) (*Committee, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no verifier keys", ErrInvalidCommittee)
	}
	seen := make(map[string]int, len(keys))
	for i, k := range keys {
		if k == nil {
			return nil, fmt.Errorf("%w: key %d is nil", ErrInvalidCommittee, i)
		}
		id := string(k.SerializeCompressed())
		if j, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: keys %d and %d are equal", ErrInvalidCommittee, j, i)
		}
		seen[id] = i
	}

	ordered := make([]*btcec.PublicKey, len(keys))
	copy(ordered, keys)

	aggKey, _, _, err := musig2.AggregateKeys(ordered, false)
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate keys: %v", ErrInvalidCommittee, err)
	}

	return &Committee{keys: ordered, agg: aggKey.FinalKey}, nil
}

// ParseCommittee decodes hex compressed keys and builds a committee.
func ParseCommittee(hexKeys []string) (*Committee, error) {
	keys := make([]*btcec.PublicKey, 0, len(hexKeys))
	for i, s := range hexKeys {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: key %d: %v", ErrInvalidCommittee, i, err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: key %d: %v", ErrInvalidCommittee, i, err)
		}
		keys = append(keys, pub)
	}
	return NewCommittee(keys)
}

// Keys returns a copy of the committee keys in canonical order.
func (c *Committee) Keys() []*btcec.PublicKey {
	out := make([]*btcec.PublicKey, len(c.keys))
	copy(out, c.keys)
	return out
}

// Size returns the number of verifiers.
func (c *Committee) Size() int {
	return len(c.keys)
}

// Key returns the key at committee index i.
func (c *Committee) Key(i int) (*btcec.PublicKey, bool) {
	if i < 0 || i >= len(c.keys) {
		return nil, false
	}
	return c.keys[i], true
}

// IndexOf returns the committee index of a key.
func (c *Committee) IndexOf(pub *btcec.PublicKey) (int, bool) {
	if pub == nil {
		return 0, false
	}
	want := pub.SerializeCompressed()
	for i, k := range c.keys {
		if bytes.Equal(k.SerializeCompressed(), want) {
			return i, true
		}
	}
	return 0, false
}

// AggregateKey returns the untweaked MuSig2 aggregate key.
func (c *Committee) AggregateKey() *btcec.PublicKey {
	return c.agg
}

// AggregateXOnly returns the 32-byte x-only aggregate key used in tapscripts.
func (c *Committee) AggregateXOnly() []byte {
	return schnorr.SerializePubKey(c.agg)
}

// HexKeys returns the committee keys hex encoded, in order.
func (c *Committee) HexKeys() []string {
	out := make([]string, len(c.keys))
	for i, k := range c.keys {
		out[i] = hex.EncodeToString(k.SerializeCompressed())
	}
	return out
}
