package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"golang.org/x/crypto/argon2"

	"github.com/Klingon-tech/klingbridge/internal/chain"
	"github.com/Klingon-tech/klingbridge/pkg/helpers"
)

// Argon2id parameters for new key files.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	saltLen           = 32

	seedVersion = 1
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// EncryptedSeed is the on-disk form of a verifier mnemonic.
type EncryptedSeed struct {
	Version     int           `json:"version"`
	Network     chain.Network `json:"network"`
	Ciphertext  []byte        `json:"ciphertext"`
	Salt        []byte        `json:"salt"`
	Nonce       []byte        `json:"nonce"`
	Time        uint32        `json:"time"`
	Memory      uint32        `json:"memory"`
	Parallelism uint8         `json:"parallelism"`
}

// EncryptMnemonic seals a mnemonic with a key stretched from password.
func EncryptMnemonic(mnemonic, password string, network chain.Network) (*EncryptedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	salt, err := helpers.GenerateSecureRandom(saltLen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	seed := &EncryptedSeed{
		Version:     seedVersion,
		Network:     network,
		Salt:        salt,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}

	gcm, err := seed.aead(password)
	if err != nil {
		return nil, err
	}
	seed.Nonce, err = helpers.GenerateSecureRandom(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	seed.Ciphertext = gcm.Seal(nil, seed.Nonce, []byte(mnemonic), []byte(network))
	return seed, nil
}

// DecryptMnemonic opens an encrypted seed.
func DecryptMnemonic(seed *EncryptedSeed, password string) (string, error) {
	if seed.Version != seedVersion {
		return "", fmt.Errorf("unsupported key file version %d", seed.Version)
	}
	gcm, err := seed.aead(password)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, seed.Nonce, seed.Ciphertext, []byte(seed.Network))
	if err != nil {
		return "", ErrWrongPassword
	}
	defer SecureClear(plaintext)
	return string(plaintext), nil
}

func (s *EncryptedSeed) aead(password string) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), s.Salt, s.Time, s.Memory, s.Parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SaveEncryptedSeed writes seed to path, readable by the owner only. An
// existing file is never overwritten.
func SaveEncryptedSeed(seed *EncryptedSeed, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(seed, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrKeyFileExists, path)
		}
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}

// LoadEncryptedSeed reads a key file.
func LoadEncryptedSeed(path string) (*EncryptedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var seed EncryptedSeed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	return &seed, nil
}

// CreateKeyFile generates a mnemonic, stores it encrypted at path and
// returns it so that it can be written down.
func CreateKeyFile(path, password string, network chain.Network) (string, error) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		return "", err
	}
	if err := ImportKeyFile(path, mnemonic, password, network); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// ImportKeyFile stores an existing mnemonic encrypted at path.
func ImportKeyFile(path, mnemonic, password string, network chain.Network) error {
	seed, err := EncryptMnemonic(mnemonic, password, network)
	if err != nil {
		return err
	}
	return SaveEncryptedSeed(seed, path)
}

// OpenKeyFile decrypts the key file at path into a keyring for network.
func OpenKeyFile(path, password string, network chain.Network) (*Keyring, error) {
	seed, err := LoadEncryptedSeed(path)
	if err != nil {
		return nil, err
	}
	if seed.Network != network {
		return nil, fmt.Errorf("key file %s is for %s, not %s", path, seed.Network, network)
	}
	mnemonic, err := DecryptMnemonic(seed, password)
	if err != nil {
		return nil, err
	}
	return NewKeyring(mnemonic, "", network)
}

// SecureClear zeroes b.
func SecureClear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ValidatePassword requires MinPasswordLength characters and three of
// upper case, lower case, digits and symbols.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrWeakPassword, MaxPasswordLength)
	}

	var upper, lower, digit, symbol int
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = 1
		case unicode.IsLower(r):
			lower = 1
		case unicode.IsNumber(r):
			digit = 1
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = 1
		}
	}
	if upper+lower+digit+symbol < 3 {
		return fmt.Errorf("%w: needs 3 of uppercase, lowercase, number, symbol", ErrWeakPassword)
	}
	return nil
}
