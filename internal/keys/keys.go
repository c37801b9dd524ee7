// Package keys holds a verifier's key material: a BIP-39 mnemonic kept in
// an encrypted file and the BIP-86 key derived from it that the verifier
// signs with.
package keys

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/Klingon-tech/klingbridge/internal/chain"
)

var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrWrongPassword   = errors.New("wrong password")
	ErrWeakPassword    = errors.New("weak password")
	ErrKeyFileExists   = errors.New("key file already exists")
)

// MaxAccount is the largest hardened account index.
const MaxAccount = hdkeychain.HardenedKeyStart - 1

// GenerateMnemonic returns a new 24-word mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer SecureClear(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic reports whether mnemonic has a valid word list and checksum.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// Keyring derives verifier keys from a master key.
type Keyring struct {
	master *hdkeychain.ExtendedKey
	params *chain.Params
}

// NewKeyring creates a keyring from a mnemonic and optional passphrase.
func NewKeyring(mnemonic, passphrase string, network chain.Network) (*Keyring, error) {
	if !ValidateMnemonic(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	defer SecureClear(seed)

	master, err := hdkeychain.NewMaster(seed, params.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Keyring{master: master, params: params}, nil
}

// Path returns the derivation path of the verifier key at account/index.
func (k *Keyring) Path(account, index uint32) string {
	return k.params.DerivationPathString(account, 0, index)
}

// VerifierKey derives the signing key at m/86'/coin'/account'/0/index.
func (k *Keyring) VerifierKey(account, index uint32) (*btcec.PrivateKey, error) {
	if account > MaxAccount {
		return nil, fmt.Errorf("account %d exceeds %d", account, uint32(MaxAccount))
	}
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("index %d must not be hardened", index)
	}

	key := k.master
	for _, child := range k.params.DerivationPath(account, 0, index) {
		next, err := key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", k.Path(account, index), err)
		}
		key = next
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv, nil
}

// VerifierPublicKey derives the public half of VerifierKey.
func (k *Keyring) VerifierPublicKey(account, index uint32) (*btcec.PublicKey, error) {
	priv, err := k.VerifierKey(account, index)
	if err != nil {
		return nil, err
	}
	return priv.PubKey(), nil
}
