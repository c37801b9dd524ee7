package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingbridge/pkg/logging"
)

// BroadcastErrorKind classifies a node rejection.
type BroadcastErrorKind string

const (
	// AlreadySpent means an input was consumed by another transaction. The
	// caller should re-sync chain state instead of retrying.
	AlreadySpent BroadcastErrorKind = "already_spent"

	// InsufficientFee means the mempool currently refuses the fee rate.
	InsufficientFee BroadcastErrorKind = "insufficient_fee"

	// Premature means a timelock or a parent is not yet satisfied on chain.
	Premature BroadcastErrorKind = "premature"

	// RejectedByNetwork covers every other policy or consensus rejection.
	RejectedByNetwork BroadcastErrorKind = "rejected_by_network"
)

// BroadcastError is a classified broadcast rejection.
type BroadcastError struct {
	Kind   BroadcastErrorKind
	TxID   string
	Reason string
}

func (e *BroadcastError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("broadcast %s rejected (%s): %s", e.TxID, e.Kind, e.Reason)
	}
	return fmt.Sprintf("broadcast rejected (%s): %s", e.Kind, e.Reason)
}

func (e *BroadcastError) Unwrap() error {
	return ErrBroadcastFailed
}

// NewBroadcastError classifies a raw reject reason.
func NewBroadcastError(reason string) *BroadcastError {
	reason = strings.TrimSpace(reason)
	return &BroadcastError{Kind: ClassifyRejection(reason), Reason: reason}
}

// Reject reasons as reported by Bitcoin Core through the explorer APIs.
var rejectReasons = []struct {
	substr string
	kind   BroadcastErrorKind
}{
	{"missingorspent", AlreadySpent},
	{"txn-mempool-conflict", AlreadySpent},
	{"already spent", AlreadySpent},
	{"bad-txns-spends-conflicting-tx", AlreadySpent},
	{"insufficient fee", InsufficientFee},
	{"min relay fee not met", InsufficientFee},
	{"mempool min fee not met", InsufficientFee},
	{"non-bip68-final", Premature},
	{"non-final", Premature},
	{"missing-inputs", Premature},
}

// ClassifyRejection maps a reject reason to a kind.
func ClassifyRejection(reason string) BroadcastErrorKind {
	lower := strings.ToLower(reason)
	for _, r := range rejectReasons {
		if strings.Contains(lower, r.substr) {
			return r.kind
		}
	}
	return RejectedByNetwork
}

// alreadyKnown reports rejections that mean the transaction itself is
// already in the mempool or a block.
func alreadyKnown(reason string) bool {
	lower := strings.ToLower(reason)
	return strings.Contains(lower, "txn-already-known") ||
		strings.Contains(lower, "txn-already-in-mempool") ||
		strings.Contains(lower, "already in block chain")
}

// Observer is the chain observer and broadcaster used by the bridge.
type Observer struct {
	backend Backend
	log     *logging.Logger
}

// NewObserver wraps a backend.
func NewObserver(b Backend) *Observer {
	return &Observer{
		backend: b,
		log:     logging.GetDefault().Component("backend"),
	}
}

// Backend returns the wrapped backend.
func (o *Observer) Backend() Backend {
	return o.backend
}

// Broadcast submits a finalized transaction. Broadcasting a transaction the
// network already has succeeds and returns its txid.
func (o *Observer) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	txid := tx.TxHash().String()

	got, err := o.backend.BroadcastTransaction(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		var berr *BroadcastError
		if errors.As(err, &berr) {
			if alreadyKnown(berr.Reason) {
				o.log.Debug("Transaction already known", "txid", txid)
				return txid, nil
			}
			berr.TxID = txid
			o.log.Warn("Broadcast rejected", "txid", txid, "kind", berr.Kind, "reason", berr.Reason)
			return "", berr
		}
		return "", err
	}

	if got != "" && got != txid {
		o.log.Warn("Backend returned unexpected txid", "want", txid, "got", got)
	}
	o.log.Info("Broadcast transaction", "txid", txid)
	return txid, nil
}

// Confirmations returns the confirmation depth of txid, zero when it is
// unconfirmed or unknown.
func (o *Observer) Confirmations(ctx context.Context, txid string) (uint32, error) {
	confs, _, err := o.Status(ctx, txid)
	return confs, err
}

// Status returns the confirmation depth and, when confirmed, the block
// height of txid.
func (o *Observer) Status(ctx context.Context, txid string) (confs uint32, height int64, err error) {
	status, err := o.backend.GetTxStatus(ctx, txid)
	if err != nil {
		if errors.Is(err, ErrTxNotFound) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	if !status.Confirmed || status.BlockHeight <= 0 {
		return 0, 0, nil
	}
	tip, err := o.backend.GetBlockHeight(ctx)
	if err != nil {
		return 0, 0, err
	}
	if tip < status.BlockHeight {
		return 0, status.BlockHeight, nil
	}
	return uint32(tip - status.BlockHeight + 1), status.BlockHeight, nil
}

// BlockHeight returns the chain tip height.
func (o *Observer) BlockHeight(ctx context.Context) (uint32, error) {
	h, err := o.backend.GetBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	if h < 0 {
		return 0, fmt.Errorf("backend returned negative height %d", h)
	}
	return uint32(h), nil
}
