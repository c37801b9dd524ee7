// Package config provides the bridge protocol parameters and the on-disk
// verifier configuration.
// All timelocks, fees and polling parameters are defined here; nothing else
// in the codebase hardcodes them.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/klingbridge/internal/chain"
)

// ErrInvalidParams is returned when a protocol parameter set is unusable.
var ErrInvalidParams = errors.New("invalid protocol parameters")

// MaxRelativeLockBlocks is the largest block count a BIP-68 relative
// timelock can express.
const MaxRelativeLockBlocks = 0xffff

// =============================================================================
// Timelocks
// =============================================================================

// TimelockConfig holds network-specific relative timelocks, in blocks.
type TimelockConfig struct {
	// KickOffDelayBlocks must pass between kick_off_1 and kick_off_2.
	KickOffDelayBlocks uint32 `yaml:"kick_off_delay_blocks"`

	// ChallengeWindowBlocks is how long after assert_final confirms a
	// disprove may still be broadcast. timeout_claim unlocks once it ends.
	ChallengeWindowBlocks uint32 `yaml:"challenge_window_blocks"`

	// PegInRefundBlocks must pass after the deposit confirms before the
	// depositor can take the funds back.
	PegInRefundBlocks uint32 `yaml:"peg_in_refund_blocks"`

	// OperatorReclaimBlocks must pass before an operator can take back a
	// peg-out funding output that was never used.
	OperatorReclaimBlocks uint32 `yaml:"operator_reclaim_blocks"`

	// MinConfirmations is the depth a transaction needs before anything
	// spending it becomes eligible.
	MinConfirmations uint32 `yaml:"min_confirmations"`

	// AvgBlockTimeSeconds is used for time estimates only.
	AvgBlockTimeSeconds uint32 `yaml:"avg_block_time_seconds"`
}

// Timelocks defines the timelock configuration per network.
// Test networks use two-block locks so a whole dispute fits in a short run.
var Timelocks = map[chain.Network]TimelockConfig{
	chain.Mainnet: {
		KickOffDelayBlocks:    144,  // ~1 day
		ChallengeWindowBlocks: 432,  // ~3 days
		PegInRefundBlocks:     2016, // ~2 weeks
		OperatorReclaimBlocks: 1008, // ~1 week
		MinConfirmations:      6,
		AvgBlockTimeSeconds:   600,
	},
	chain.Testnet: testTimelocks,
	chain.Signet:  testTimelocks,
	chain.Regtest: testTimelocks,
}

var testTimelocks = TimelockConfig{
	KickOffDelayBlocks:    2,
	ChallengeWindowBlocks: 2,
	PegInRefundBlocks:     2,
	OperatorReclaimBlocks: 2,
	MinConfirmations:      1,
	AvgBlockTimeSeconds:   600,
}

// GetTimelocks returns the timelock configuration for a network.
func GetTimelocks(network chain.Network) (TimelockConfig, bool) {
	cfg, ok := Timelocks[network]
	return cfg, ok
}

// Validate checks that every lock is expressible as a relative timelock and
// that a transaction can reach the required depth inside the challenge window.
func (t TimelockConfig) Validate() error {
	locks := []struct {
		name  string
		value uint32
	}{
		{"kick_off_delay_blocks", t.KickOffDelayBlocks},
		{"challenge_window_blocks", t.ChallengeWindowBlocks},
		{"peg_in_refund_blocks", t.PegInRefundBlocks},
		{"operator_reclaim_blocks", t.OperatorReclaimBlocks},
	}
	for _, l := range locks {
		if l.value == 0 || l.value > MaxRelativeLockBlocks {
			return fmt.Errorf("%w: %s must be in 1..%d, got %d", ErrInvalidParams, l.name, MaxRelativeLockBlocks, l.value)
		}
	}
	if t.MinConfirmations == 0 {
		return fmt.Errorf("%w: min_confirmations must be at least 1", ErrInvalidParams)
	}
	if t.ChallengeWindowBlocks <= t.MinConfirmations {
		return fmt.Errorf("%w: challenge window (%d) must exceed min confirmations (%d)",
			ErrInvalidParams, t.ChallengeWindowBlocks, t.MinConfirmations)
	}
	return nil
}

// IsChallengeWindowOpen reports whether a disprove may still be broadcast
// against an assertion that has the given number of confirmations.
func IsChallengeWindowOpen(confirmations, windowBlocks uint32) bool {
	return confirmations < windowBlocks
}

// BlocksUntilTimeout returns the number of blocks until timeout.
// Returns 0 if already past timeout.
func BlocksUntilTimeout(currentHeight, timeoutHeight uint32) uint32 {
	if currentHeight >= timeoutHeight {
		return 0
	}
	return timeoutHeight - currentHeight
}

// EstimateTimeUntilTimeout estimates the time until timeout based on block time.
func EstimateTimeUntilTimeout(currentHeight, timeoutHeight uint32, avgBlockTimeSeconds uint32) time.Duration {
	blocks := BlocksUntilTimeout(currentHeight, timeoutHeight)
	return time.Duration(blocks) * time.Duration(avgBlockTimeSeconds) * time.Second
}

// =============================================================================
// Fees
// =============================================================================

// FeeConfig holds the fixed amounts reserved when a graph is built. Graph
// transactions are pre-signed, so these cannot change afterwards.
type FeeConfig struct {
	// TxFeeSats is deducted once per graph transaction.
	TxFeeSats uint64 `yaml:"tx_fee_sats"`

	// DustLimitSats is the smallest output value any graph transaction creates.
	DustLimitSats uint64 `yaml:"dust_limit_sats"`

	// DisproveRewardPercent of the bond goes to whoever disproves; the rest is burned.
	DisproveRewardPercent uint64 `yaml:"disprove_reward_percent"`
}

// DefaultFeeConfig returns the default fee configuration.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		TxFeeSats:             2_000,
		DustLimitSats:         330, // P2TR dust limit
		DisproveRewardPercent: 5,
	}
}

// Validate checks the fee configuration.
func (f FeeConfig) Validate() error {
	if f.TxFeeSats == 0 {
		return fmt.Errorf("%w: tx_fee_sats must be positive", ErrInvalidParams)
	}
	if f.DustLimitSats == 0 {
		return fmt.Errorf("%w: dust_limit_sats must be positive", ErrInvalidParams)
	}
	if f.DisproveRewardPercent == 0 || f.DisproveRewardPercent >= 100 {
		return fmt.Errorf("%w: disprove_reward_percent must be in 1..99", ErrInvalidParams)
	}
	if f.TxFeeSats > btcutil.MaxSatoshi || f.DustLimitSats > btcutil.MaxSatoshi {
		return fmt.Errorf("%w: fee and dust limit must not exceed %d sats", ErrInvalidParams, int64(btcutil.MaxSatoshi))
	}
	return nil
}

// MinBond returns the smallest bond for which the disprove reward is not
// dust and the disprove fee is still covered.
func (f FeeConfig) MinBond() uint64 {
	// ceil(dust * 100 / pct)
	bond := (f.DustLimitSats*100 + f.DisproveRewardPercent - 1) / f.DisproveRewardPercent
	if bond < f.DustLimitSats+f.TxFeeSats {
		bond = f.DustLimitSats + f.TxFeeSats
	}
	reward := bond * f.DisproveRewardPercent / 100
	if bond < reward+f.TxFeeSats {
		bond = reward + f.TxFeeSats
	}
	return bond
}

// =============================================================================
// Signing rounds
// =============================================================================

// SigningConfig controls how verifiers wait on each other through the store.
type SigningConfig struct {
	// InitialBackoff is the first delay between store polls.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the delay between polls.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackoffMultiplier grows the delay after every empty poll.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// SessionTimeout bounds one wait for the rest of the committee.
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// DefaultSigningConfig returns the default signing wait configuration.
func DefaultSigningConfig() SigningConfig {
	return SigningConfig{
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		SessionTimeout:    10 * time.Minute,
	}
}

// Backoff returns the delay before poll number attempt (0-based).
func (s SigningConfig) Backoff(attempt int) time.Duration {
	backoff := s.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * s.BackoffMultiplier)
		if backoff > s.MaxBackoff {
			return s.MaxBackoff
		}
	}
	return backoff
}

// Validate checks the signing configuration.
func (s SigningConfig) Validate() error {
	if s.InitialBackoff <= 0 || s.MaxBackoff < s.InitialBackoff {
		return fmt.Errorf("%w: backoff must satisfy 0 < initial <= max", ErrInvalidParams)
	}
	if s.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff_multiplier must be >= 1", ErrInvalidParams)
	}
	if s.SessionTimeout <= 0 {
		return fmt.Errorf("%w: session_timeout must be positive", ErrInvalidParams)
	}
	return nil
}

// =============================================================================
// Bridge configuration
// =============================================================================

// BridgeConfig is the full set of protocol parameters for one network.
type BridgeConfig struct {
	Network   chain.Network
	Timelocks TimelockConfig
	Fees      FeeConfig
	Signing   SigningConfig
}

// NewBridgeConfig creates the default bridge configuration for a network.
func NewBridgeConfig(network chain.Network) (*BridgeConfig, error) {
	locks, ok := GetTimelocks(network)
	if !ok {
		return nil, fmt.Errorf("%w: no timelocks for network %q", ErrInvalidParams, network)
	}
	return &BridgeConfig{
		Network:   network,
		Timelocks: locks,
		Fees:      DefaultFeeConfig(),
		Signing:   DefaultSigningConfig(),
	}, nil
}

// Validate checks every section.
func (c *BridgeConfig) Validate() error {
	if _, ok := chain.Get(c.Network); !ok {
		return fmt.Errorf("%w: unknown network %q", ErrInvalidParams, c.Network)
	}
	if err := c.Timelocks.Validate(); err != nil {
		return err
	}
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	return c.Signing.Validate()
}
