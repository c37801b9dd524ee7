// Package bridge ties the verifier together: it builds and stores graphs,
// drives this verifier's side of the signing ceremony, feeds chain
// confirmations into the dispute state machine and broadcasts whatever the
// state machine allows.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingbridge/internal/config"
	"github.com/Klingon-tech/klingbridge/internal/dispute"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/l2"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/internal/signing"
	"github.com/Klingon-tech/klingbridge/internal/storage"
	"github.com/Klingon-tech/klingbridge/pkg/logging"
)

var (
	ErrNoVerifierKey  = errors.New("verifier key not loaded")
	ErrNotInCommittee = errors.New("verifier is not in the committee")
	ErrOffline        = errors.New("no chain backend configured")
	ErrNotOperator    = errors.New("verifier key is not the graph's operator key")
)

// Chain is the chain observer and broadcaster. *backend.Observer
// implements it.
type Chain interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
	Status(ctx context.Context, txid string) (confs uint32, height int64, err error)
	BlockHeight(ctx context.Context) (uint32, error)
}

// Config holds the collaborators of a Bridge.
type Config struct {
	Params    *config.BridgeConfig
	Committee *scripts.Committee
	Store     *storage.Storage

	// Secrets and Key are only needed to sign. Without them the bridge can
	// still build, inspect, sync and broadcast.
	Secrets signing.SecretStore
	Key     *btcec.PrivateKey

	// Chain may be nil for commands that never touch the network.
	Chain Chain

	// Oracle decides fraud proofs. Defaults to dispute.CommitmentOracle.
	Oracle dispute.ProofOracle
}

// Bridge is one verifier's view of the bridge.
type Bridge struct {
	params    *config.BridgeConfig
	committee *scripts.Committee
	store     *storage.Storage
	chain     Chain
	oracle    dispute.ProofOracle
	key       *btcec.PrivateKey

	builder *graph.Builder
	coord   *signing.Coordinator
	signer  *signing.Signer
	watcher *l2.Watcher

	// inflight holds txids broadcast by automatic mode and not yet seen
	// confirmed.
	inflightMu sync.Mutex
	inflight   map[string]graph.TxName

	// Event handlers
	mu            sync.RWMutex
	eventHandlers []EventHandler

	log *logging.Logger
}

// New creates a Bridge.
func New(cfg *Config) (*Bridge, error) {
	if cfg.Params == nil || cfg.Committee == nil || cfg.Store == nil {
		return nil, fmt.Errorf("%w: params, committee and store are required", config.ErrInvalidParams)
	}

	builder, err := graph.NewBuilder(cfg.Params, cfg.Store)
	if err != nil {
		return nil, err
	}

	oracle := cfg.Oracle
	if oracle == nil {
		oracle = dispute.CommitmentOracle{}
	}

	b := &Bridge{
		params:    cfg.Params,
		committee: cfg.Committee,
		store:     cfg.Store,
		chain:     cfg.Chain,
		oracle:    oracle,
		builder:   builder,
		coord: signing.NewCoordinator(&signing.CoordinatorConfig{
			Store:   cfg.Store,
			Signing: cfg.Params.Signing,
		}),
		watcher:  l2.NewWatcher(cfg.Store, cfg.Params.Network),
		inflight: make(map[string]graph.TxName),
		log:      logging.GetDefault().Component("bridge"),
	}

	if cfg.Key != nil {
		if _, ok := cfg.Committee.IndexOf(cfg.Key.PubKey()); !ok {
			return nil, ErrNotInCommittee
		}
		if cfg.Secrets == nil {
			return nil, fmt.Errorf("%w: a signing key needs a local store", config.ErrInvalidParams)
		}
		b.key = cfg.Key
		b.signer = signing.NewSigner(b.coord, cfg.Secrets, cfg.Key)
	}

	b.coord.OnEvent(b.forwardSigningEvent)
	return b, nil
}

// Coordinator returns the signing coordinator.
func (b *Bridge) Coordinator() *signing.Coordinator {
	return b.coord
}

// Watcher returns the L2 watcher.
func (b *Bridge) Watcher() *l2.Watcher {
	return b.watcher
}

// Committee returns the verifier committee.
func (b *Bridge) Committee() *scripts.Committee {
	return b.committee
}

// CanSign reports whether a verifier key is loaded.
func (b *Bridge) CanSign() bool {
	return b.signer != nil
}

// Params returns the protocol parameters.
func (b *Bridge) Params() *config.BridgeConfig {
	return b.params
}

// =============================================================================
// Events
// =============================================================================

// EventType identifies a bridge event.
type EventType string

const (
	EventGraphCreated      EventType = "graph_created"
	EventTxBroadcast       EventType = "tx_broadcast"
	EventTxConfirmed       EventType = "tx_confirmed"
	EventAssertionRecorded EventType = "assertion_recorded"
	EventFraudSubmitted    EventType = "fraud_submitted"
	EventWithdrawalRequest EventType = "withdrawal_requested"
	EventWithdrawalPending EventType = "withdrawal_pending"
	EventDisputeSettled    EventType = "dispute_settled"
	EventSigningProgress   EventType = "signing"
	EventConflictingSpend  EventType = "conflicting_spend"
)

// Event is emitted when a graph makes progress.
type Event struct {
	Type      EventType    `json:"type"`
	GraphID   string       `json:"graph_id"`
	Tx        graph.TxName `json:"tx,omitempty"`
	TxID      string       `json:"txid,omitempty"`
	Height    uint32       `json:"height,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// EventHandler is called for bridge events.
type EventHandler func(Event)

// OnEvent registers an event handler.
func (b *Bridge) OnEvent(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventHandlers = append(b.eventHandlers, handler)
}

func (b *Bridge) emitEvent(event Event) {
	event.Timestamp = time.Now()

	b.mu.RLock()
	handlers := make([]EventHandler, len(b.eventHandlers))
	copy(handlers, b.eventHandlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

func (b *Bridge) forwardSigningEvent(e signing.Event) {
	detail := string(e.Type)
	if e.Input.Tx != "" {
		detail += " " + e.Input.String()
	}
	b.emitEvent(Event{
		Type:    EventSigningProgress,
		GraphID: e.GraphID,
		Tx:      e.Input.Tx,
		Detail:  detail,
	})
}

// =============================================================================
// Graph state
// =============================================================================

func (b *Bridge) graph(graphID string) (*graph.Graph, error) {
	return b.store.GetGraph(graphID)
}

func (b *Bridge) requireChain() error {
	if b.chain == nil {
		return ErrOffline
	}
	return nil
}

func (b *Bridge) requireSigner() error {
	if b.signer == nil {
		return ErrNoVerifierKey
	}
	return nil
}

// tracker is the confirmation sink shared by both session kinds.
type tracker interface {
	RecordConfirmation(name graph.TxName, height uint32) error
	IsTerminal() bool
}

// disputeSession rebuilds the dispute session of a peg-out graph from the
// shared store. Sessions are never cached: another verifier process may have
// recorded confirmations since.
func (b *Bridge) disputeSession(g *graph.Graph) (*dispute.Session, error) {
	s, err := dispute.NewSession(g, b.params.Timelocks)
	if err != nil {
		return nil, err
	}
	heights, err := b.recordedHeights(g.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Restore(heights); err != nil {
		return nil, fmt.Errorf("graph %s: %w", g.ID, err)
	}

	assertion, err := b.store.GetAssertion(g.ID)
	switch {
	case err == nil:
		if err := s.RecordAssertion(&dispute.Assertion{
			Data:      assertion.Assertion,
			Proof:     assertion.Proof,
			Signature: assertion.Signature,
		}); err != nil {
			return nil, fmt.Errorf("graph %s: stored %w", g.ID, err)
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	rec, err := b.store.GetFraudWitness(g.ID)
	switch {
	case err == nil:
		s.RestoreFraudWitness(&dispute.FraudWitness{
			Preimage:  rec.Preimage,
			Proof:     rec.Proof,
			Assertion: rec.Assertion,
		})
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return s, nil
}

func (b *Bridge) pegInSession(g *graph.Graph) (*dispute.PegInSession, error) {
	s, err := dispute.NewPegInSession(g)
	if err != nil {
		return nil, err
	}
	heights, err := b.recordedHeights(g.ID)
	if err != nil {
		return nil, err
	}
	for _, name := range graph.PegInTxNames {
		if h, ok := heights[name]; ok {
			if err := s.RecordConfirmation(name, h); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (b *Bridge) tracker(g *graph.Graph) (tracker, error) {
	if g.Role == scripts.RolePegIn {
		return b.pegInSession(g)
	}
	return b.disputeSession(g)
}

func (b *Bridge) recordedHeights(graphID string) (map[graph.TxName]uint32, error) {
	confs, err := b.store.GetConfirmations(graphID)
	if err != nil {
		return nil, err
	}
	out := make(map[graph.TxName]uint32, len(confs))
	for name, c := range confs {
		out[name] = uint32(c.BlockHeight)
	}
	return out, nil
}

func (b *Bridge) chainView(ctx context.Context) (dispute.ChainView, error) {
	if err := b.requireChain(); err != nil {
		return dispute.ChainView{}, err
	}
	h, err := b.chain.BlockHeight(ctx)
	if err != nil {
		return dispute.ChainView{}, err
	}
	return dispute.ChainView{Height: h}, nil
}
