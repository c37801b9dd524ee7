package keys

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/Klingon-tech/klingbridge/internal/chain"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

const testPassword = "Correct-Horse-9"

func tempKeyFile(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "klingbridge-keys-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "verifier.key")
}

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

// BIP-86 test vector for m/86'/0'/0'/0/0.
func TestVerifierKeyBIP86Vector(t *testing.T) {
	kr, err := NewKeyring(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}

	pub, err := kr.VerifierPublicKey(0, 0)
	if err != nil {
		t.Fatalf("VerifierPublicKey() error = %v", err)
	}
	got := hex.EncodeToString(schnorr.SerializePubKey(pub))
	want := "cc8a4bc64d897bddc5fbc2f670f7a8ba0b386779106cf1223c6fc5d7cd6fc115"
	if got != want {
		t.Errorf("internal key = %s, want %s", got, want)
	}
	if path := kr.Path(0, 0); path != "m/86'/0'/0'/0/0" {
		t.Errorf("Path() = %s, want m/86'/0'/0'/0/0", path)
	}
}

func TestVerifierKeyPerNetwork(t *testing.T) {
	mainnet, err := NewKeyring(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	regtest, err := NewKeyring(testMnemonic, "", chain.Regtest)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}

	a, _ := mainnet.VerifierPublicKey(0, 0)
	b, _ := regtest.VerifierPublicKey(0, 0)
	if a.IsEqual(b) {
		t.Error("mainnet and regtest keys should differ by coin type")
	}

	c, _ := regtest.VerifierPublicKey(0, 1)
	if b.IsEqual(c) {
		t.Error("different indexes should give different keys")
	}
	if path := regtest.Path(2, 5); path != "m/86'/1'/2'/0/5" {
		t.Errorf("Path() = %s, want m/86'/1'/2'/0/5", path)
	}
}

func TestNewKeyringErrors(t *testing.T) {
	if _, err := NewKeyring("abandon", "", chain.Regtest); !errors.Is(err, ErrInvalidMnemonic) {
		t.Errorf("error = %v, want ErrInvalidMnemonic", err)
	}
	if _, err := NewKeyring(testMnemonic, "", chain.Network("dogecoin")); err == nil {
		t.Error("expected error for unknown network")
	}

	kr, _ := NewKeyring(testMnemonic, "", chain.Regtest)
	if _, err := kr.VerifierKey(MaxAccount+1, 0); err == nil {
		t.Error("expected error for hardened account overflow")
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	path := tempKeyFile(t)

	mnemonic, err := CreateKeyFile(path, testPassword, chain.Regtest)
	if err != nil {
		t.Fatalf("CreateKeyFile() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), strings.Fields(mnemonic)[0]+" ") {
		t.Error("key file should not contain the mnemonic in clear")
	}

	kr, err := OpenKeyFile(path, testPassword, chain.Regtest)
	if err != nil {
		t.Fatalf("OpenKeyFile() error = %v", err)
	}
	want, _ := NewKeyring(mnemonic, "", chain.Regtest)

	a, _ := kr.VerifierPublicKey(0, 0)
	b, _ := want.VerifierPublicKey(0, 0)
	if !a.IsEqual(b) {
		t.Error("key from file differs from key from mnemonic")
	}

	if _, err := CreateKeyFile(path, testPassword, chain.Regtest); !errors.Is(err, ErrKeyFileExists) {
		t.Errorf("second CreateKeyFile() error = %v, want ErrKeyFileExists", err)
	}
}

func TestOpenKeyFileErrors(t *testing.T) {
	path := tempKeyFile(t)
	if err := ImportKeyFile(path, testMnemonic, testPassword, chain.Regtest); err != nil {
		t.Fatalf("ImportKeyFile() error = %v", err)
	}

	if _, err := OpenKeyFile(path, "Wrong-Horse-9", chain.Regtest); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("wrong password error = %v, want ErrWrongPassword", err)
	}
	if _, err := OpenKeyFile(path, testPassword, chain.Mainnet); err == nil {
		t.Error("expected error opening a regtest key file on mainnet")
	}

	seed, err := LoadEncryptedSeed(path)
	if err != nil {
		t.Fatalf("LoadEncryptedSeed() error = %v", err)
	}
	seed.Network = chain.Mainnet
	if _, err := DecryptMnemonic(seed, testPassword); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("tampered network error = %v, want ErrWrongPassword", err)
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		wantErr  bool
	}{
		{"short1A", true},
		{"alllowercase", true},
		{"lowerand123", true},
		{"Lower123", false},
		{"lower-123", false},
		{testPassword, false},
		{strings.Repeat("aB1", 100), true},
	}

	for _, tc := range tests {
		err := ValidatePassword(tc.password)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidatePassword(%q) error = %v, wantErr %v", tc.password, err, tc.wantErr)
		}
		if err != nil && !errors.Is(err, ErrWeakPassword) {
			t.Errorf("ValidatePassword(%q) error = %v, want ErrWeakPassword", tc.password, err)
		}
	}
}

func TestEncryptMnemonicRejectsInvalid(t *testing.T) {
	if _, err := EncryptMnemonic("not a mnemonic", testPassword, chain.Regtest); !errors.Is(err, ErrInvalidMnemonic) {
		t.Errorf("error = %v, want ErrInvalidMnemonic", err)
	}
	if _, err := EncryptMnemonic(testMnemonic, "weak", chain.Regtest); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("error = %v, want ErrWeakPassword", err)
	}
}
