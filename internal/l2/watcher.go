// Package l2 is a mock of the L2 side of the bridge. It records peg-out
// requests (burns of the wrapped coin) that would normally be observed on
// the L2 chain, so that automatic mode can act on them.
package l2

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Klingon-tech/klingbridge/internal/chain"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/internal/storage"
	"github.com/Klingon-tech/klingbridge/pkg/logging"
)

var (
	ErrPegInNotConfirmed = errors.New("peg-in not confirmed")
	ErrInvalidRequest    = errors.New("invalid peg-out request")
)

// Store is the part of the shared store the watcher uses.
type Store interface {
	PegInGraph(id string) (*graph.Graph, bool, error)
	SaveL2Event(e *storage.L2Event) error
	PendingL2Events() ([]*storage.L2Event, error)
	L2EventsForPegIn(pegInID string) ([]*storage.L2Event, error)
	LinkL2Event(id, pegOutGraphID string) error
}

var _ Store = (*storage.Storage)(nil)

// PegOutRequest is a burn on L2 asking for the coins of a peg-in back on
// Bitcoin.
type PegOutRequest struct {
	PegInID string

	// Withdrawer is the Bitcoin address to pay.
	Withdrawer string
	Amount     uint64

	// Sender is the L2 account that burned. When set it must be the
	// destination the peg-in minted to.
	Sender common.Address
}

// Watcher records and serves L2 peg-out events.
type Watcher struct {
	store   Store
	network chain.Network
	log     *logging.Logger
}

// NewWatcher creates a watcher for a network.
func NewWatcher(store Store, network chain.Network) *Watcher {
	return &Watcher{
		store:   store,
		network: network,
		log:     logging.GetDefault().Component("l2"),
	}
}

// Confirm records a peg-out request as if it had been finalized on L2.
func (w *Watcher) Confirm(req PegOutRequest) (*storage.L2Event, error) {
	pegIn, confirmed, err := w.store.PegInGraph(req.PegInID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", graph.ErrUnknownLinkedGraph, req.PegInID)
		}
		return nil, err
	}
	if pegIn.Role != scripts.RolePegIn {
		return nil, fmt.Errorf("%w: %s is a %s graph", ErrInvalidRequest, pegIn.ID, pegIn.Role)
	}
	if !confirmed {
		return nil, fmt.Errorf("%w: %s", ErrPegInNotConfirmed, pegIn.ID)
	}
	if err := w.validate(pegIn, req); err != nil {
		return nil, err
	}

	event := &storage.L2Event{
		ID:           uuid.New().String(),
		PegInGraphID: pegIn.ID,
		Withdrawer:   req.Withdrawer,
		Amount:       req.Amount,
		CreatedAt:    time.Now(),
	}
	if err := w.store.SaveL2Event(event); err != nil {
		return nil, err
	}

	w.log.Info("Peg-out requested on L2", "event", event.ID, "peg_in", pegIn.ID,
		"withdrawer", req.Withdrawer, "amount", req.Amount)
	return event, nil
}

func (w *Watcher) validate(pegIn *graph.Graph, req PegOutRequest) error {
	if req.Amount == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	_, vault, err := pegIn.VaultOutpoint()
	if err != nil {
		return err
	}
	locked := uint64(vault.Value)
	if req.Amount > locked {
		return fmt.Errorf("%w: %d sats requested from a %d sat vault",
			graph.ErrAmountMismatch, req.Amount, locked)
	}

	params := chain.MustGet(w.network)
	addr, err := btcutil.DecodeAddress(req.Withdrawer, params.Chain)
	if err != nil || !addr.IsForNet(params.Chain) {
		return fmt.Errorf("%w: withdrawer %q is not a %s address", ErrInvalidRequest, req.Withdrawer, w.network)
	}

	if req.Sender != (common.Address{}) {
		minted := common.HexToAddress(pegIn.Metadata.Destination)
		if req.Sender != minted {
			return fmt.Errorf("%w: sender %s did not receive peg-in %s (minted to %s)",
				ErrInvalidRequest, req.Sender.Hex(), pegIn.ID, minted.Hex())
		}
	}

	events, err := w.store.L2EventsForPegIn(pegIn.ID)
	if err != nil {
		return err
	}
	var requested uint64
	for _, e := range events {
		requested += e.Amount
	}
	if requested+req.Amount > locked {
		return fmt.Errorf("%w: peg-in %s already has %d sats requested",
			graph.ErrAmountMismatch, pegIn.ID, requested)
	}
	return nil
}

// Pending returns events no peg-out graph has been built for yet.
func (w *Watcher) Pending() ([]*storage.L2Event, error) {
	return w.store.PendingL2Events()
}

// PendingByPegIn groups pending events by peg-in graph.
func (w *Watcher) PendingByPegIn() (map[string][]*storage.L2Event, error) {
	events, err := w.Pending()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*storage.L2Event)
	for _, e := range events {
		out[e.PegInGraphID] = append(out[e.PegInGraphID], e)
	}
	return out, nil
}

// Match links the oldest pending event that a peg-out graph settles: same
// peg-in and same withdrawer. It returns the linked event or nil.
func (w *Watcher) Match(pegOut *graph.Graph) (*storage.L2Event, error) {
	if pegOut.Role != scripts.RolePegOut {
		return nil, fmt.Errorf("%w: %s is a %s graph", ErrInvalidRequest, pegOut.ID, pegOut.Role)
	}
	events, err := w.store.L2EventsForPegIn(pegOut.LinkedGraphID)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.PegOutGraphID != "" {
			if e.PegOutGraphID == pegOut.ID {
				return e, nil
			}
			continue
		}
		if !strings.EqualFold(e.Withdrawer, pegOut.Metadata.Withdrawer) {
			continue
		}
		if err := w.store.LinkL2Event(e.ID, pegOut.ID); err != nil {
			return nil, err
		}
		e.PegOutGraphID = pegOut.ID
		w.log.Info("Peg-out graph linked to L2 event", "event", e.ID, "graph", pegOut.ID)
		return e, nil
	}
	return nil, nil
}
