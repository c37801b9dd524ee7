// Package chain defines the Bitcoin networks the bridge can run on and the
// fixed parameters that go with each of them.
package chain

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// Params contains the per-network constants used by the bridge.
type Params struct {
	Network Network
	Name    string

	// BIP86 derivation for verifier keys.
	CoinType       uint32
	DefaultPurpose uint32

	Bech32HRP string

	// IsTest is true on networks where timelocks are shortened so a full
	// dispute can be played out in a few blocks.
	IsTest bool

	// Chain is the btcd parameter set used for address encoding.
	Chain *chaincfg.Params
}

// DerivationPath returns m/purpose'/coin'/account'/change/index as child indexes.
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	const hardened = 0x80000000
	return []uint32{
		p.DefaultPurpose + hardened,
		p.CoinType + hardened,
		account + hardened,
		change,
		index,
	}
}

// DerivationPathString returns the derivation path in its textual form.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return "m/" +
		strconv.FormatUint(uint64(p.DefaultPurpose), 10) + "'/" +
		strconv.FormatUint(uint64(p.CoinType), 10) + "'/" +
		strconv.FormatUint(uint64(account), 10) + "'/" +
		strconv.FormatUint(uint64(change), 10) + "/" +
		strconv.FormatUint(uint64(index), 10)
}

var registry = make(map[Network]*Params)

// Register adds network params to the registry.
func Register(params *Params) {
	registry[params.Network] = params
}

// Get returns the params for a network.
func Get(network Network) (*Params, bool) {
	p, ok := registry[network]
	return p, ok
}

// MustGet is Get for callers that already validated the network name.
func MustGet(network Network) *Params {
	p, ok := registry[network]
	if !ok {
		panic(fmt.Sprintf("chain: unknown network %q", network))
	}
	return p
}

// ParseNetwork validates a network name.
func ParseNetwork(s string) (Network, error) {
	n := Network(s)
	if _, ok := registry[n]; !ok {
		return "", fmt.Errorf("unknown network %q (expected one of %v)", s, List())
	}
	return n, nil
}

// List returns all registered networks in a stable order.
func List() []Network {
	nets := make([]Network, 0, len(registry))
	for n := range registry {
		nets = append(nets, n)
	}
	sort.Slice(nets, func(i, j int) bool { return nets[i] < nets[j] })
	return nets
}
