package bridge

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/pkg/helpers"
)

// ErrInvalidParams is returned when request parameters cannot be parsed.
var ErrInvalidParams = errors.New("invalid parameters")

// PegInParams is the text form of a peg-in request, as taken from the
// command line or JSON-RPC.
type PegInParams struct {
	Funding      string `json:"funding"` // txid:vout of the deposit
	Amount       uint64 `json:"amount"`
	DepositorKey string `json:"depositor_key"`
	Destination  string `json:"destination"` // L2 (EVM) address
}

// Request parses the parameters into a graph request.
func (p *PegInParams) Request() (graph.Request, error) {
	req := graph.Request{Role: scripts.RolePegIn, Amount: p.Amount}

	var err error
	if req.Funding, err = ParseOutpoint(p.Funding); err != nil {
		return req, err
	}
	if req.DepositorKey, err = ParsePublicKey(p.DepositorKey); err != nil {
		return req, fmt.Errorf("depositor key: %w", err)
	}
	if req.Destination, err = ParseDestination(p.Destination); err != nil {
		return req, err
	}
	return req, nil
}

// PegOutParams is the text form of a peg-out request.
type PegOutParams struct {
	Funding         string `json:"funding"` // txid:vout of the operator's funding
	Amount          uint64 `json:"amount"`
	PegInID         string `json:"peg_in_id"`
	OperatorKey     string `json:"operator_key"`
	Withdrawer      string `json:"withdrawer"`
	DisproveAddress string `json:"disprove_address"`
	DisproveHash    string `json:"disprove_hash"`
	Payout          uint64 `json:"payout,omitempty"`
}

// Request parses the parameters into a graph request.
func (p *PegOutParams) Request() (graph.Request, error) {
	req := graph.Request{
		Role:            scripts.RolePegOut,
		Amount:          p.Amount,
		LinkedGraphID:   p.PegInID,
		Withdrawer:      p.Withdrawer,
		DisproveAddress: p.DisproveAddress,
		Payout:          p.Payout,
	}
	if p.PegInID == "" {
		return req, fmt.Errorf("%w: peg-in id is required", ErrInvalidParams)
	}

	var err error
	if req.Funding, err = ParseOutpoint(p.Funding); err != nil {
		return req, err
	}
	if req.OperatorKey, err = ParsePublicKey(p.OperatorKey); err != nil {
		return req, fmt.Errorf("operator key: %w", err)
	}
	if req.DisproveHash, err = ParseHex(p.DisproveHash, 32); err != nil {
		return req, fmt.Errorf("disprove hash: %w", err)
	}
	return req, nil
}

// ParseOutpoint parses "txid:vout".
func ParseOutpoint(s string) (wire.OutPoint, error) {
	op, err := helpers.ParseOutpoint(s)
	if err != nil {
		return op, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return op, nil
}

// ParsePublicKey accepts a compressed (33 byte) or x-only (32 byte) key in
// hex.
func ParsePublicKey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var key *btcec.PublicKey
	if len(raw) == schnorr.PubKeyBytesLen {
		key, err = schnorr.ParsePubKey(raw)
	} else {
		key, err = btcec.ParsePubKey(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return key, nil
}

// ParseDestination parses an EVM address.
func ParseDestination(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q is not an L2 address", ErrInvalidParams, s)
	}
	return common.HexToAddress(s), nil
}

// ParseHex decodes hex, checking the length when size is positive.
func ParseHex(s string, size int) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	var (
		raw []byte
		err error
	)
	if size > 0 {
		raw, err = helpers.DecodeHexExact(s, size)
	} else {
		raw, err = hex.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return raw, nil
}
