// Package graphtest builds committees and graphs for tests in other packages.
package graphtest

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingbridge/internal/chain"
	"github.com/Klingon-tech/klingbridge/internal/config"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
)

// PegInAmount is the deposit used by most tests.
const PegInAmount = 2_100_000

// Lookup is an in-memory graph.PegInLookup.
type Lookup struct {
	Graphs    map[string]*graph.Graph
	Confirmed map[string]bool
}

// PegInGraph implements graph.PegInLookup.
func (l *Lookup) PegInGraph(id string) (*graph.Graph, bool, error) {
	g, ok := l.Graphs[id]
	if !ok {
		return nil, false, fmt.Errorf("graph %s not found", id)
	}
	return g, l.Confirmed[id], nil
}

// Fixture is a regtest committee with deterministic keys.
type Fixture struct {
	Config    *config.BridgeConfig
	Privs     []*btcec.PrivateKey
	Committee *scripts.Committee
	Builder   *graph.Builder
	Lookup    *Lookup
	Depositor *btcec.PrivateKey
	Operator  *btcec.PrivateKey
	Preimage  []byte
}

// Key derives a deterministic private key from a label.
func Key(label string) *btcec.PrivateKey {
	h := sha256.Sum256([]byte(label))
	priv, _ := btcec.PrivKeyFromBytes(h[:])
	return priv
}

// New creates a fixture with n verifiers.
func New(t testing.TB, n int) *Fixture {
	t.Helper()

	cfg, err := config.NewBridgeConfig(chain.Regtest)
	if err != nil {
		t.Fatalf("failed to create bridge config: %v", err)
	}

	privs := make([]*btcec.PrivateKey, n)
	pubs := make([]*btcec.PublicKey, n)
	for i := range privs {
		privs[i] = Key(fmt.Sprintf("verifier-%d", i))
		pubs[i] = privs[i].PubKey()
	}
	committee, err := scripts.NewCommittee(pubs)
	if err != nil {
		t.Fatalf("failed to create committee: %v", err)
	}

	lookup := &Lookup{Graphs: map[string]*graph.Graph{}, Confirmed: map[string]bool{}}
	builder, err := graph.NewBuilder(cfg, lookup)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}

	return &Fixture{
		Config:    cfg,
		Privs:     privs,
		Committee: committee,
		Builder:   builder,
		Lookup:    lookup,
		Depositor: Key("depositor"),
		Operator:  Key("operator"),
		Preimage:  []byte("fraud preimage"),
	}
}

// Outpoint returns a made-up funding outpoint.
func Outpoint(label string, vout uint32) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.HashH([]byte(label)), Index: vout}
}

// Address returns a regtest P2TR address for a label.
func Address(t testing.TB, label string) string {
	t.Helper()
	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(Key(label).PubKey()), chain.MustGet(chain.Regtest).Chain,
	)
	if err != nil {
		t.Fatalf("failed to create address: %v", err)
	}
	return addr.EncodeAddress()
}

// Destination is the EVM address used for peg-ins.
var Destination = common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438f44e")

// PegInRequest returns a peg-in request for amount.
func (f *Fixture) PegInRequest(label string, amount uint64) graph.Request {
	return graph.Request{
		Role:         scripts.RolePegIn,
		Funding:      Outpoint(label, 0),
		Amount:       amount,
		DepositorKey: f.Depositor.PubKey(),
		Destination:  Destination,
	}
}

// PegIn builds a peg-in graph and registers it as confirmed in the lookup.
func (f *Fixture) PegIn(t testing.TB, label string, amount uint64) *graph.Graph {
	t.Helper()
	g, err := f.Builder.Build(f.Committee, f.PegInRequest(label, amount))
	if err != nil {
		t.Fatalf("failed to build peg-in: %v", err)
	}
	f.Lookup.Graphs[g.ID] = g
	f.Lookup.Confirmed[g.ID] = true
	return g
}

// PegOutRequest returns a peg-out request linked to pegIn and funded with
// the minimum amount plus extra.
func (f *Fixture) PegOutRequest(t testing.TB, label string, pegIn *graph.Graph, extra uint64) graph.Request {
	t.Helper()
	_, vault, err := pegIn.VaultOutpoint()
	if err != nil {
		t.Fatalf("failed to find vault: %v", err)
	}
	hash := sha256.Sum256(f.Preimage)
	return graph.Request{
		Role:            scripts.RolePegOut,
		Funding:         Outpoint(label, 1),
		Amount:          f.Builder.RequiredPegOutFunding(uint64(vault.Value)) + extra,
		LinkedGraphID:   pegIn.ID,
		OperatorKey:     f.Operator.PubKey(),
		Withdrawer:      Address(t, "withdrawer"),
		DisproveAddress: Address(t, "challenger"),
		DisproveHash:    hash[:],
	}
}

// PegOut builds a peg-out graph linked to pegIn.
func (f *Fixture) PegOut(t testing.TB, label string, pegIn *graph.Graph) *graph.Graph {
	t.Helper()
	g, err := f.Builder.Build(f.Committee, f.PegOutRequest(t, label, pegIn, 50_000))
	if err != nil {
		t.Fatalf("failed to build peg-out: %v", err)
	}
	return g
}
