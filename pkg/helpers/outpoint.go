package helpers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ParseOutpoint parses a "TXID:VOUT" reference.
func ParseOutpoint(s string) (wire.OutPoint, error) {
	txidStr, voutStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: expected TXID:VOUT", s)
	}
	hash, err := chainhash.NewHashFromStr(txidStr)
	if err != nil || len(txidStr) != chainhash.MaxHashStringSize {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: bad txid", s)
	}
	vout, err := strconv.ParseUint(voutStr, 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: bad vout", s)
	}
	return wire.OutPoint{Hash: *hash, Index: uint32(vout)}, nil
}

// FormatOutpoint renders an outpoint as "TXID:VOUT".
func FormatOutpoint(op wire.OutPoint) string {
	return fmt.Sprintf("%s:%d", op.Hash.String(), op.Index)
}
