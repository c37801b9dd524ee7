package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register(&Params{
		Network:        Mainnet,
		Name:           "Bitcoin",
		CoinType:       0,
		DefaultPurpose: 86,
		Bech32HRP:      "bc",
		Chain:          &chaincfg.MainNetParams,
	})

	// testnet3
	Register(&Params{
		Network:        Testnet,
		Name:           "Bitcoin Testnet",
		CoinType:       1,
		DefaultPurpose: 86,
		Bech32HRP:      "tb",
		IsTest:         true,
		Chain:          &chaincfg.TestNet3Params,
	})

	Register(&Params{
		Network:        Signet,
		Name:           "Bitcoin Signet",
		CoinType:       1,
		DefaultPurpose: 86,
		Bech32HRP:      "tb",
		IsTest:         true,
		Chain:          &chaincfg.SigNetParams,
	})

	Register(&Params{
		Network:        Regtest,
		Name:           "Bitcoin Regtest",
		CoinType:       1,
		DefaultPurpose: 86,
		Bech32HRP:      "bcrt",
		IsTest:         true,
		Chain:          &chaincfg.RegressionNetParams,
	})
}
