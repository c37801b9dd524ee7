// Package backend talks to Bitcoin block explorers: it reports confirmation
// depth for graph transactions and broadcasts them.
// This package never sees private keys; signed transactions come in fully
// finalized.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingbridge/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info / electrs API
)

// TxStatus is the on-chain status of a transaction.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// FeeEstimate contains fee estimation for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"` // sat/vB for ~30 min
	HourFee     uint64 `json:"hour_fee"`      // sat/vB for ~1 hour
	EconomyFee  uint64 `json:"economy_fee"`   // sat/vB for low priority
	MinimumFee  uint64 `json:"minimum_fee"`   // sat/vB minimum relay fee
}

// Backend defines the interface for blockchain data providers.
type Backend interface {
	// Type returns the backend type (mempool, esplora)
	Type() Type

	// Connect establishes connection to the backend.
	Connect(ctx context.Context) error

	// Close closes the connection.
	Close() error

	// IsConnected returns true if connected.
	IsConnected() bool

	// GetTxStatus returns ErrTxNotFound for transactions the backend has
	// never seen.
	GetTxStatus(ctx context.Context, txID string) (*TxStatus, error)

	// BroadcastTransaction submits raw hex and returns the txid. Node
	// rejections come back as *BroadcastError.
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type Type   `yaml:"type"`
	URL  string `yaml:"url,omitempty"` // empty uses the network default

	// Optional settings
	Timeout int `yaml:"timeout,omitempty"` // seconds, default 30
}

// DefaultURLs are the explorer endpoints used when no URL is configured.
// Regtest expects a local electrs instance.
var DefaultURLs = map[chain.Network]string{
	chain.Mainnet: "https://mempool.space/api",
	chain.Testnet: "https://mempool.space/testnet4/api",
	chain.Signet:  "https://mempool.space/signet/api",
	chain.Regtest: "http://127.0.0.1:3002",
}

// DefaultConfig returns the default backend configuration for a network.
func DefaultConfig(network chain.Network) *Config {
	cfg := &Config{
		Type:    TypeMempool,
		URL:     DefaultURLs[network],
		Timeout: 30,
	}
	if network == chain.Regtest {
		cfg.Type = TypeEsplora
	}
	return cfg
}

// TimeoutDuration returns the HTTP timeout.
func (c *Config) TimeoutDuration() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

// New creates the backend described by cfg. An empty URL falls back to the
// default for network.
func New(cfg *Config, network chain.Network) (Backend, error) {
	url := cfg.URL
	if url == "" {
		url = DefaultURLs[network]
	}
	if url == "" {
		return nil, fmt.Errorf("%w: no URL for network %s", ErrUnsupportedBackend, network)
	}

	switch cfg.Type {
	case TypeMempool, "":
		return NewMempoolBackend(url, cfg.TimeoutDuration()), nil
	case TypeEsplora:
		return NewEsploraBackend(url, cfg.TimeoutDuration()), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}
