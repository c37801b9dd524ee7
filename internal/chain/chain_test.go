package chain

import (
	"testing"
)

func TestNetworksRegistered(t *testing.T) {
	for _, n := range []Network{Mainnet, Testnet, Signet, Regtest} {
		if _, ok := Get(n); !ok {
			t.Errorf("expected %s to be registered", n)
		}
	}
	if got := len(List()); got != 4 {
		t.Errorf("len(List()) = %d, want 4", got)
	}
}

func TestBech32HRPMatchesChainParams(t *testing.T) {
	for _, n := range List() {
		p := MustGet(n)
		if p.Bech32HRP != p.Chain.Bech32HRPSegwit {
			t.Errorf("%s: Bech32HRP = %s, chaincfg says %s", n, p.Bech32HRP, p.Chain.Bech32HRPSegwit)
		}
	}
}

func TestMainnetIsNotTest(t *testing.T) {
	if MustGet(Mainnet).IsTest {
		t.Error("mainnet must not use shortened timelocks")
	}
	if !MustGet(Regtest).IsTest {
		t.Error("regtest should use shortened timelocks")
	}
}

func TestDerivationPath(t *testing.T) {
	p := MustGet(Mainnet)

	path := p.DerivationPath(0, 0, 3)
	want := []uint32{86 + 0x80000000, 0x80000000, 0x80000000, 0, 3}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("path[%d] = %d, want %d", i, path[i], want[i])
		}
	}

	if s := p.DerivationPathString(0, 0, 3); s != "m/86'/0'/0'/0/3" {
		t.Errorf("DerivationPathString = %s, want m/86'/0'/0'/0/3", s)
	}
	if s := MustGet(Regtest).DerivationPathString(1, 1, 0); s != "m/86'/1'/1'/1/0" {
		t.Errorf("DerivationPathString = %s, want m/86'/1'/1'/1/0", s)
	}
}

func TestParseNetwork(t *testing.T) {
	if n, err := ParseNetwork("regtest"); err != nil || n != Regtest {
		t.Errorf("ParseNetwork(regtest) = %s, %v", n, err)
	}
	if _, err := ParseNetwork("dogenet"); err == nil {
		t.Error("expected error for unknown network")
	}
}
