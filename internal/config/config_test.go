package config

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/klingbridge/internal/chain"
)

func TestTimelocksDefined(t *testing.T) {
	for _, n := range chain.List() {
		locks, ok := GetTimelocks(n)
		if !ok {
			t.Errorf("no timelocks for %s", n)
			continue
		}
		if err := locks.Validate(); err != nil {
			t.Errorf("%s timelocks invalid: %v", n, err)
		}
	}
}

func TestTestNetworksUseShortLocks(t *testing.T) {
	for _, n := range []chain.Network{chain.Testnet, chain.Signet, chain.Regtest} {
		locks, _ := GetTimelocks(n)
		if locks.ChallengeWindowBlocks != 2 || locks.KickOffDelayBlocks != 2 {
			t.Errorf("%s: expected 2-block locks, got %+v", n, locks)
		}
	}
	main, _ := GetTimelocks(chain.Mainnet)
	if main.ChallengeWindowBlocks <= main.MinConfirmations {
		t.Errorf("mainnet challenge window %d must exceed min confirmations %d",
			main.ChallengeWindowBlocks, main.MinConfirmations)
	}
}

func TestTimelockValidate(t *testing.T) {
	base := testTimelocks

	tests := []struct {
		name   string
		modify func(*TimelockConfig)
	}{
		{"zero kick-off", func(c *TimelockConfig) { c.KickOffDelayBlocks = 0 }},
		{"too large refund", func(c *TimelockConfig) { c.PegInRefundBlocks = MaxRelativeLockBlocks + 1 }},
		{"zero confirmations", func(c *TimelockConfig) { c.MinConfirmations = 0 }},
		{"window not above depth", func(c *TimelockConfig) { c.MinConfirmations = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.modify(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("Validate() = %v, want ErrInvalidParams", err)
			}
		})
	}
}

func TestIsChallengeWindowOpen(t *testing.T) {
	tests := []struct {
		confs, window uint32
		want          bool
	}{
		{0, 2, true},
		{1, 2, true},
		{2, 2, false},
		{500, 432, false},
	}
	for _, tt := range tests {
		if got := IsChallengeWindowOpen(tt.confs, tt.window); got != tt.want {
			t.Errorf("IsChallengeWindowOpen(%d, %d) = %v, want %v", tt.confs, tt.window, got, tt.want)
		}
	}
}

func TestBlocksUntilTimeout(t *testing.T) {
	if got := BlocksUntilTimeout(100, 150); got != 50 {
		t.Errorf("BlocksUntilTimeout = %d, want 50", got)
	}
	if got := BlocksUntilTimeout(200, 150); got != 0 {
		t.Errorf("BlocksUntilTimeout = %d, want 0", got)
	}
	if got := EstimateTimeUntilTimeout(100, 106, 600); got != time.Hour {
		t.Errorf("EstimateTimeUntilTimeout = %v, want 1h", got)
	}
}

func TestFeeConfig(t *testing.T) {
	f := DefaultFeeConfig()
	if err := f.Validate(); err != nil {
		t.Fatalf("default fees invalid: %v", err)
	}
	if got := f.MinBond(); got != 6600 {
		t.Errorf("MinBond() = %d, want 6600", got)
	}

	f.DisproveRewardPercent = 50
	bond := f.MinBond()
	reward := bond * f.DisproveRewardPercent / 100
	if reward < f.DustLimitSats {
		t.Errorf("reward %d below dust", reward)
	}
	if bond < reward+f.TxFeeSats {
		t.Errorf("bond %d does not cover reward %d + fee %d", bond, reward, f.TxFeeSats)
	}

	bad := DefaultFeeConfig()
	bad.DisproveRewardPercent = 100
	if err := bad.Validate(); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Validate() = %v, want ErrInvalidParams", err)
	}

	huge := DefaultFeeConfig()
	huge.TxFeeSats = btcutil.MaxSatoshi + 1
	if err := huge.Validate(); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Validate() with fee above max supply = %v, want ErrInvalidParams", err)
	}
}

func TestSigningBackoff(t *testing.T) {
	s := SigningConfig{
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2,
		SessionTimeout:    time.Minute,
	}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := s.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network != chain.Regtest {
		t.Errorf("expected regtest, got %s", cfg.Network)
	}
	if cfg.Identity.KeyFile != "verifier.key" {
		t.Errorf("expected verifier.key, got %s", cfg.Identity.KeyFile)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Monitor.PollInterval != 30*time.Second {
		t.Errorf("expected poll interval 30s, got %v", cfg.Monitor.PollInterval)
	}
	if cfg.Backend.Type == "" {
		t.Error("expected a default backend type")
	}
}

func testCommittee(t *testing.T, n int) []string {
	t.Helper()
	keys := make([]string, n)
	for i := range keys {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		keys[i] = hex.EncodeToString(priv.PubKey().SerializeCompressed())
	}
	return keys
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "klingbridge-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, ConfigFileName)); err != nil {
		t.Errorf("config file not created: %v", err)
	}
	if cfg.Storage.SharedDir != filepath.Join(tmpDir, "shared") {
		t.Errorf("SharedDir = %s, want %s", cfg.Storage.SharedDir, filepath.Join(tmpDir, "shared"))
	}
}

func TestConfigSaveAndLoad(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "klingbridge-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := DefaultConfig()
	cfg.Network = chain.Signet
	cfg.Committee.Verifiers = testCommittee(t, 3)
	cfg.Monitor.PollInterval = 5 * time.Second
	cfg.Timelocks = &TimelockConfig{
		KickOffDelayBlocks:    3,
		ChallengeWindowBlocks: 6,
		PegInRefundBlocks:     10,
		OperatorReclaimBlocks: 10,
		MinConfirmations:      1,
	}

	if err := cfg.Save(ConfigPath(tmpDir)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(ConfigPath(tmpDir))
	if err != nil {
		t.Fatalf("failed to stat config: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config permissions = %o, want 600", info.Mode().Perm())
	}

	loaded, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Network != chain.Signet {
		t.Errorf("Network = %s, want signet", loaded.Network)
	}
	if len(loaded.Committee.Verifiers) != 3 {
		t.Fatalf("expected 3 verifiers, got %d", len(loaded.Committee.Verifiers))
	}
	for i := range cfg.Committee.Verifiers {
		if loaded.Committee.Verifiers[i] != cfg.Committee.Verifiers[i] {
			t.Errorf("verifier %d reordered", i)
		}
	}
	if loaded.Monitor.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", loaded.Monitor.PollInterval)
	}

	bc, err := loaded.Bridge()
	if err != nil {
		t.Fatalf("Bridge failed: %v", err)
	}
	if bc.Timelocks.ChallengeWindowBlocks != 6 {
		t.Errorf("ChallengeWindowBlocks = %d, want 6", bc.Timelocks.ChallengeWindowBlocks)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestConfigValidateCommittee(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("empty committee: Validate() = %v, want ErrInvalidParams", err)
	}

	cfg.Committee.Verifiers = []string{"02zz"}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("bad hex: Validate() = %v, want ErrInvalidParams", err)
	}

	cfg.Committee.Verifiers = testCommittee(t, 2)
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	keys, err := cfg.CommitteeKeys()
	if err != nil {
		t.Fatalf("CommitteeKeys failed: %v", err)
	}
	if hex.EncodeToString(keys[1].SerializeCompressed()) != cfg.Committee.Verifiers[1] {
		t.Error("CommitteeKeys changed key order")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandPath(~/x) = %s", got)
	}
	if got := ExpandPath("/abs"); got != "/abs" {
		t.Errorf("ExpandPath(/abs) = %s", got)
	}
}
