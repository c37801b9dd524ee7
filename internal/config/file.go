package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/klingbridge/internal/backend"
	"github.com/Klingon-tech/klingbridge/internal/chain"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Config holds the verifier's on-disk configuration.
type Config struct {
	// Network is mainnet, testnet, signet or regtest.
	Network chain.Network `yaml:"network"`

	// Committee lists the verifier public keys in committee order.
	Committee CommitteeConfig `yaml:"committee"`

	Identity IdentityConfig `yaml:"identity"`
	Storage  StorageConfig  `yaml:"storage"`
	Backend  backend.Config `yaml:"backend"`
	Logging  LoggingConfig  `yaml:"logging"`
	RPC      RPCConfig      `yaml:"rpc"`
	Monitor  MonitorConfig  `yaml:"monitor"`

	Fees    FeeConfig     `yaml:"fees"`
	Signing SigningConfig `yaml:"signing"`

	// Timelocks overrides the network defaults when set.
	Timelocks *TimelockConfig `yaml:"timelocks,omitempty"`
}

// CommitteeConfig holds the ordered committee.
type CommitteeConfig struct {
	// Verifiers are hex-encoded compressed public keys. Order matters: it is
	// the canonical order for key aggregation and nonce combination.
	Verifiers []string `yaml:"verifiers"`
}

// IdentityConfig points at this verifier's key material.
type IdentityConfig struct {
	// KeyFile is the encrypted mnemonic file, relative to the data dir.
	KeyFile string `yaml:"key_file"`

	// Account and Index select the BIP86 key used for signing.
	Account uint32 `yaml:"account"`
	Index   uint32 `yaml:"index"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir holds local state, including secret nonces.
	DataDir string `yaml:"data_dir"`

	// SharedDir holds the store every verifier reads and writes. It is the
	// only channel between verifiers.
	SharedDir string `yaml:"shared_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is text, json or logfmt.
	Format string `yaml:"format"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// RPCConfig holds the status API settings.
type RPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// MonitorConfig holds automatic mode settings.
type MonitorConfig struct {
	// PollInterval is how often chain confirmations are refreshed.
	PollInterval time.Duration `yaml:"poll_interval"`

	// AutoBroadcast makes the monitor broadcast the next eligible
	// transaction of every graph on its own.
	AutoBroadcast bool `yaml:"auto_broadcast"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Regtest,
		Committee: CommitteeConfig{
			Verifiers: []string{},
		},
		Identity: IdentityConfig{
			KeyFile: "verifier.key",
		},
		Storage: StorageConfig{
			DataDir:   "~/.klingbridge",
			SharedDir: "~/.klingbridge/shared",
		},
		Backend: *backend.DefaultConfig(chain.Regtest),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RPC: RPCConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8645",
		},
		Monitor: MonitorConfig{
			PollInterval:  30 * time.Second,
			AutoBroadcast: false,
		},
		Fees:    DefaultFeeConfig(),
		Signing: DefaultSigningConfig(),
	}
}

// LoadConfig loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		cfg.Storage.SharedDir = filepath.Join(dataDir, "shared")

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# klingbridge verifier configuration\n" +
		"# committee.verifiers must list the same keys in the same order on every verifier\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the file configuration and the protocol parameters it
// resolves to.
func (c *Config) Validate() error {
	if _, err := chain.ParseNetwork(string(c.Network)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if _, err := c.CommitteeKeys(); err != nil {
		return err
	}
	if c.Storage.SharedDir == "" {
		return fmt.Errorf("%w: storage.shared_dir is required", ErrInvalidParams)
	}
	bc, err := c.Bridge()
	if err != nil {
		return err
	}
	return bc.Validate()
}

// Bridge resolves the protocol parameters for the configured network,
// applying any overrides from the file.
func (c *Config) Bridge() (*BridgeConfig, error) {
	bc, err := NewBridgeConfig(c.Network)
	if err != nil {
		return nil, err
	}
	bc.Fees = c.Fees
	bc.Signing = c.Signing
	if c.Timelocks != nil {
		bc.Timelocks = *c.Timelocks
	}
	return bc, nil
}

// CommitteeKeys parses the configured committee in order.
func (c *Config) CommitteeKeys() ([]*btcec.PublicKey, error) {
	if len(c.Committee.Verifiers) == 0 {
		return nil, fmt.Errorf("%w: committee.verifiers is empty", ErrInvalidParams)
	}
	keys := make([]*btcec.PublicKey, 0, len(c.Committee.Verifiers))
	for i, s := range c.Committee.Verifiers {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: committee key %d: %v", ErrInvalidParams, i, err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: committee key %d: %v", ErrInvalidParams, i, err)
		}
		keys = append(keys, pub)
	}
	return keys, nil
}

// DataDir returns the expanded local data directory.
func (c *Config) DataDir() string {
	return ExpandPath(c.Storage.DataDir)
}

// SharedDir returns the expanded shared store directory.
func (c *Config) SharedDir() string {
	return ExpandPath(c.Storage.SharedDir)
}

// KeyFilePath returns the absolute path of the verifier key file.
func (c *Config) KeyFilePath() string {
	p := ExpandPath(c.Identity.KeyFile)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir(), p)
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
