package scripts

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/klingbridge/internal/config"
)

// EVMAddressSize is the length of a destination address committed in a
// deposit script.
const EVMAddressSize = 20

// BuildTimelockScript creates a relative timelock script.
// Script: <blocks> OP_CHECKSEQUENCEVERIFY OP_DROP <xonly key> OP_CHECKSIG
func BuildTimelockScript(pubKey *btcec.PublicKey, blocks uint32) ([]byte, error) {
	if pubKey == nil {
		return nil, fmt.Errorf("%w: timelock key is nil", ErrInvalidParams)
	}
	if blocks == 0 || blocks > config.MaxRelativeLockBlocks {
		return nil, fmt.Errorf("%w: timelock must be in 1..%d blocks, got %d",
			ErrInvalidParams, config.MaxRelativeLockBlocks, blocks)
	}

	return txscript.NewScriptBuilder().
		AddInt64(int64(blocks)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(schnorr.SerializePubKey(pubKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// BuildNofNScript creates a leaf spendable only by the full committee.
// Script: <xonly aggregate> OP_CHECKSIG
func BuildNofNScript(aggKey *btcec.PublicKey) ([]byte, error) {
	if aggKey == nil {
		return nil, fmt.Errorf("%w: aggregate key is nil", ErrInvalidParams)
	}
	return txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(aggKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// BuildHashlockScript creates the disprove leaf. It needs the preimage of
// hash and a committee signature.
// Script: OP_SHA256 <hash> OP_EQUALVERIFY <xonly aggregate> OP_CHECKSIG
func BuildHashlockScript(aggKey *btcec.PublicKey, hash []byte) ([]byte, error) {
	if aggKey == nil {
		return nil, fmt.Errorf("%w: aggregate key is nil", ErrInvalidParams)
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("%w: hashlock must be 32 bytes, got %d", ErrInvalidParams, len(hash))
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_SHA256).
		AddData(hash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(schnorr.SerializePubKey(aggKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// BuildCommitmentScript binds data (the EVM destination) into the deposit
// output. The leaf is otherwise an n-of-n spend.
// Script: <data> OP_DROP <xonly aggregate> OP_CHECKSIG
func BuildCommitmentScript(aggKey *btcec.PublicKey, data []byte) ([]byte, error) {
	if aggKey == nil {
		return nil, fmt.Errorf("%w: aggregate key is nil", ErrInvalidParams)
	}
	if len(data) == 0 || len(data) > txscript.MaxScriptElementSize {
		return nil, fmt.Errorf("%w: commitment length %d", ErrInvalidParams, len(data))
	}
	return txscript.NewScriptBuilder().
		AddData(data).
		AddOp(txscript.OP_DROP).
		AddData(schnorr.SerializePubKey(aggKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}
