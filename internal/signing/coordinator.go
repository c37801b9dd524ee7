package signing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingbridge/internal/config"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/internal/storage"
	"github.com/Klingon-tech/klingbridge/pkg/logging"
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Store   Store
	Signing config.SigningConfig
}

// Coordinator validates and aggregates the committee's nonces and partial
// signatures. Every verifier runs one against the same shared store; all
// state lives in the store, the coordinator only caches graph derivations.
type Coordinator struct {
	store   Store
	signing config.SigningConfig

	// mu serializes submissions and guards eventHandlers.
	mu            sync.RWMutex
	eventHandlers []EventHandler

	cacheMu  sync.Mutex
	sessions map[string]*session

	log *logging.Logger
}

type session struct {
	graph     *graph.Graph
	committee *scripts.Committee
	inputs    map[graph.InputRef]*inputContext
}

// NewCoordinator creates a new signing coordinator.
func NewCoordinator(cfg *CoordinatorConfig) *Coordinator {
	signing := cfg.Signing
	if signing == (config.SigningConfig{}) {
		signing = config.DefaultSigningConfig()
	}
	return &Coordinator{
		store:         cfg.Store,
		signing:       signing,
		sessions:      make(map[string]*session),
		eventHandlers: make([]EventHandler, 0),
		log:           logging.GetDefault().Component("signing"),
	}
}

// OnEvent registers an event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// emitEvent emits an event to all handlers.
// NOTE: Caller must hold c.mu.
func (c *Coordinator) emitEvent(event Event) {
	event.Timestamp = time.Now()

	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)

	for _, handler := range handlers {
		go handler(event)
	}
}

// =============================================================================
// Session cache
// =============================================================================

func (c *Coordinator) session(graphID string) (*session, error) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.sessionLocked(graphID)
}

func (c *Coordinator) sessionLocked(graphID string) (*session, error) {
	if s, ok := c.sessions[graphID]; ok {
		return s, nil
	}

	g, err := c.store.GetGraph(graphID)
	if err != nil {
		return nil, err
	}
	committee, err := g.ParseCommittee()
	if err != nil {
		return nil, err
	}

	s := &session{
		graph:     g,
		committee: committee,
		inputs:    make(map[graph.InputRef]*inputContext),
	}
	c.sessions[graphID] = s
	return s, nil
}

func (c *Coordinator) inputContext(graphID string, ref graph.InputRef) (*session, *inputContext, error) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	s, err := c.sessionLocked(graphID)
	if err != nil {
		return nil, nil, err
	}
	if ic, ok := s.inputs[ref]; ok {
		return s, ic, nil
	}

	ic, err := newInputContext(s.graph, s.committee, ref)
	if err != nil {
		if errors.Is(err, graph.ErrUnknownInput) || errors.Is(err, graph.ErrUnknownTransaction) {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnknownInput, err)
		}
		return nil, nil, err
	}
	s.inputs[ref] = ic
	return s, ic, nil
}

func (s *session) verifierIndex(pub *btcec.PublicKey) (int, error) {
	idx, ok := s.committee.IndexOf(pub)
	if !ok {
		key := "<nil>"
		if pub != nil {
			key = hex.EncodeToString(pub.SerializeCompressed())
		}
		return 0, fmt.Errorf("%w: %s", ErrUnknownVerifier, key)
	}
	return idx, nil
}

// =============================================================================
// Submissions
// =============================================================================

// SubmitNonce publishes a verifier's public nonce for one input in the given
// round. Resubmitting the same nonce is a no-op.
func (c *Coordinator) SubmitNonce(graphID string, verifier *btcec.PublicKey, ref graph.InputRef, round int, nonce [musig2.PubNonceSize]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, _, err := c.inputContext(graphID, ref)
	if err != nil {
		return err
	}
	idx, err := s.verifierIndex(verifier)
	if err != nil {
		return err
	}
	if err := validatePubNonce(nonce); err != nil {
		return err
	}

	key := ref.String()
	complete, err := c.isComplete(graphID, key)
	if err != nil {
		return err
	}
	if complete {
		existing, err := c.store.Nonces(graphID, key, round)
		if err != nil {
			return err
		}
		if prev, ok := existing[idx]; ok && string(prev) == string(nonce[:]) {
			return nil
		}
		return fmt.Errorf("%w: %s %s", ErrAlreadyComplete, graphID, key)
	}
	if err := c.checkRound(graphID, key, round); err != nil {
		return err
	}

	if err := c.store.PutNonce(graphID, key, round, idx, nonce[:]); err != nil {
		return err
	}

	nonces, err := c.store.Nonces(graphID, key, round)
	if err != nil {
		return err
	}

	c.log.Debug("Nonce submitted", "graph", graphID, "input", key, "round", round,
		"verifier", idx, "nonces", len(nonces), "required", s.committee.Size())
	c.emitEvent(Event{GraphID: graphID, Type: EventNonceSubmitted, Input: ref, Round: round, Verifier: idx})
	if len(nonces) == s.committee.Size() {
		c.emitEvent(Event{GraphID: graphID, Type: EventNoncesComplete, Input: ref, Round: round, Verifier: idx})
	}
	return nil
}

// SubmitSignature publishes a verifier's partial signature for one input.
// All nonces of the round must be in. The partial signature is verified
// against the verifier's nonce before it is stored; once every verifier has
// signed, the aggregate is combined, verified and stored.
func (c *Coordinator) SubmitSignature(graphID string, verifier *btcec.PublicKey, ref graph.InputRef, round int, partial []byte) (*AggregationStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ic, err := c.inputContext(graphID, ref)
	if err != nil {
		return nil, err
	}
	idx, err := s.verifierIndex(verifier)
	if err != nil {
		return nil, err
	}

	key := ref.String()
	complete, err := c.isComplete(graphID, key)
	if err != nil {
		return nil, err
	}
	if complete {
		existing, err := c.store.PartialSigs(graphID, key, round)
		if err != nil {
			return nil, err
		}
		if prev, ok := existing[idx]; ok && string(prev) == string(partial) {
			return c.status(s, graphID, ref)
		}
		return nil, fmt.Errorf("%w: %s %s", ErrAlreadyComplete, graphID, key)
	}
	if err := c.checkRound(graphID, key, round); err != nil {
		return nil, err
	}

	nonces, aggNonce, err := c.collectNonces(s, graphID, key, round)
	if err != nil {
		return nil, err
	}

	if !ic.verifyPartial(partial, nonces[idx], aggNonce, verifier) {
		c.log.Warn("Rejected partial signature", "graph", graphID, "input", key, "verifier", idx)
		return nil, &InvalidPartialSignatureError{
			GraphID:     graphID,
			Input:       ref,
			Verifier:    idx,
			VerifierKey: hex.EncodeToString(verifier.SerializeCompressed()),
		}
	}

	if err := c.store.PutPartialSig(graphID, key, round, idx, partial); err != nil {
		return nil, err
	}
	c.emitEvent(Event{GraphID: graphID, Type: EventSignatureSubmitted, Input: ref, Round: round, Verifier: idx})

	sigs, err := c.store.PartialSigs(graphID, key, round)
	if err != nil {
		return nil, err
	}
	if len(sigs) == s.committee.Size() {
		if err := c.finalize(s, ic, graphID, round, aggNonce, sigs); err != nil {
			return nil, err
		}
	}
	return c.status(s, graphID, ref)
}

// finalize combines a full set of partial signatures into the input's
// aggregate signature.
// NOTE: Caller must hold c.mu.
func (c *Coordinator) finalize(s *session, ic *inputContext, graphID string, round int, aggNonce [musig2.PubNonceSize]byte, sigs map[int][]byte) error {
	ordered := make([][]byte, s.committee.Size())
	for i := range ordered {
		ordered[i] = sigs[i]
	}

	sig, err := ic.combine(aggNonce, ordered)
	if err != nil {
		c.log.Error("Failed to combine signatures", "graph", graphID, "input", ic.ref, "error", err)
		return err
	}

	key := ic.ref.String()
	if err := c.store.PutAggregateSig(graphID, key, round, sig.Serialize()); err != nil {
		return err
	}

	c.log.Info("Input signed", "graph", graphID, "input", key, "round", round)
	c.emitEvent(Event{GraphID: graphID, Type: EventInputSigned, Input: ic.ref, Round: round})

	status, err := c.graphStatus(s, graphID)
	if err != nil {
		return err
	}
	if status.FullySigned {
		c.log.Info("Graph fully signed", "graph", graphID, "inputs", status.Total)
		c.emitEvent(Event{GraphID: graphID, Type: EventGraphSigned})
	}
	return nil
}

// RestartInput abandons the current round of an input and opens a fresh one.
// It is the recovery path when a verifier lost its secret nonce or an
// aggregate could not be produced.
func (c *Coordinator) RestartInput(graphID string, ref graph.InputRef) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, _, err := c.inputContext(graphID, ref); err != nil {
		return 0, err
	}

	round, err := c.store.BumpRound(graphID, ref.String())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return 0, fmt.Errorf("%w: %s %s", ErrAlreadyComplete, graphID, ref)
		}
		return 0, err
	}

	c.log.Warn("Signing round restarted", "graph", graphID, "input", ref.String(), "round", round)
	c.emitEvent(Event{GraphID: graphID, Type: EventInputRestarted, Input: ref, Round: round})
	return round, nil
}

func (c *Coordinator) isComplete(graphID, key string) (bool, error) {
	_, err := c.store.AggregateSig(graphID, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (c *Coordinator) checkRound(graphID, key string, round int) error {
	current, err := c.store.GetRound(graphID, key)
	if err != nil {
		return err
	}
	if round != current {
		return fmt.Errorf("%w: %s %s is in round %d, got %d", ErrStaleRound, graphID, key, current, round)
	}
	return nil
}

// collectNonces returns the round's public nonces in committee order and
// their aggregate.
func (c *Coordinator) collectNonces(s *session, graphID, key string, round int) ([][musig2.PubNonceSize]byte, [musig2.PubNonceSize]byte, error) {
	var agg [musig2.PubNonceSize]byte

	raw, err := c.store.Nonces(graphID, key, round)
	if err != nil {
		return nil, agg, err
	}

	n := s.committee.Size()
	nonces := make([][musig2.PubNonceSize]byte, n)
	for i := 0; i < n; i++ {
		r, ok := raw[i]
		if !ok {
			return nil, agg, fmt.Errorf("%w: %d of %d for %s %s", ErrMissingNonces, len(raw), n, graphID, key)
		}
		if nonces[i], err = toPubNonce(r); err != nil {
			return nil, agg, err
		}
	}

	agg, err = musig2.AggregateNonces(nonces)
	if err != nil {
		return nil, agg, fmt.Errorf("%w: aggregate: %v", ErrInvalidNonce, err)
	}
	return nonces, agg, nil
}

// =============================================================================
// Status
// =============================================================================

// Status reports the progress of one input.
func (c *Coordinator) Status(graphID string, ref graph.InputRef) (*AggregationStatus, error) {
	s, _, err := c.inputContext(graphID, ref)
	if err != nil {
		return nil, err
	}
	return c.status(s, graphID, ref)
}

func (c *Coordinator) status(s *session, graphID string, ref graph.InputRef) (*AggregationStatus, error) {
	key := ref.String()
	round, err := c.store.GetRound(graphID, key)
	if err != nil {
		return nil, err
	}
	nonces, err := c.store.Nonces(graphID, key, round)
	if err != nil {
		return nil, err
	}
	sigs, err := c.store.PartialSigs(graphID, key, round)
	if err != nil {
		return nil, err
	}
	complete, err := c.isComplete(graphID, key)
	if err != nil {
		return nil, err
	}

	st := &AggregationStatus{
		GraphID:    graphID,
		Input:      ref,
		Round:      round,
		Nonces:     indices(nonces),
		Signatures: indices(sigs),
		Required:   s.committee.Size(),
	}
	switch {
	case complete:
		st.State = StateComplete
	case len(nonces) < st.Required:
		st.State = StateAwaitingNonces
	default:
		st.State = StateAwaitingSignatures
	}
	return st, nil
}

// GraphStatus reports the progress of every committee input of a graph.
func (c *Coordinator) GraphStatus(graphID string) (*GraphStatus, error) {
	s, err := c.session(graphID)
	if err != nil {
		return nil, err
	}
	return c.graphStatus(s, graphID)
}

func (c *Coordinator) graphStatus(s *session, graphID string) (*GraphStatus, error) {
	refs := s.graph.CommitteeInputs()
	gs := &GraphStatus{GraphID: graphID, Total: len(refs)}
	for _, ref := range refs {
		st, err := c.status(s, graphID, ref)
		if err != nil {
			return nil, err
		}
		if st.State == StateComplete {
			gs.Complete++
		}
		gs.Inputs = append(gs.Inputs, st)
	}
	gs.FullySigned = gs.Complete == gs.Total
	return gs, nil
}

func indices(m map[int][]byte) []int {
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// WaitForNonces polls until every verifier has published a nonce for the
// input's current round, or the input is already signed.
func (c *Coordinator) WaitForNonces(ctx context.Context, graphID string, ref graph.InputRef) (*AggregationStatus, error) {
	return c.waitFor(ctx, graphID, ref, func(st *AggregationStatus) bool {
		return st.State != StateAwaitingNonces
	})
}

// WaitForSignatures polls until the input has an aggregate signature.
func (c *Coordinator) WaitForSignatures(ctx context.Context, graphID string, ref graph.InputRef) (*AggregationStatus, error) {
	return c.waitFor(ctx, graphID, ref, func(st *AggregationStatus) bool {
		return st.State == StateComplete
	})
}

func (c *Coordinator) waitFor(ctx context.Context, graphID string, ref graph.InputRef, done func(*AggregationStatus) bool) (*AggregationStatus, error) {
	deadline := time.Now().Add(c.signing.SessionTimeout)

	for attempt := 0; ; attempt++ {
		st, err := c.Status(graphID, ref)
		if err != nil {
			return nil, err
		}
		if done(st) {
			return st, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return st, fmt.Errorf("%w: %s %s round %d is %s (%d/%d nonces, %d/%d signatures)",
				ErrSessionTimeout, graphID, ref, st.Round, st.State,
				len(st.Nonces), st.Required, len(st.Signatures), st.Required)
		}
		wait := c.signing.Backoff(attempt)
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return st, ctx.Err()
		case <-timer.C:
		}
	}
}

// =============================================================================
// Finalized transactions
// =============================================================================

// SignedTx is a graph transaction with its final witnesses.
type SignedTx struct {
	GraphID string
	Name    graph.TxName
	TxID    string
	Tx      *wire.MsgTx
}

// Hex returns the serialized transaction.
func (s *SignedTx) Hex() (string, error) {
	raw, err := graph.SerializeTx(s.Tx)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

type finalizeOptions struct {
	preimage []byte
}

// FinalizeOption configures SignedTransaction.
type FinalizeOption func(*finalizeOptions)

// WithPreimage supplies the fraud preimage the disprove input reveals.
func WithPreimage(preimage []byte) FinalizeOption {
	return func(o *finalizeOptions) {
		o.preimage = preimage
	}
}

// SignedTransaction returns a graph transaction with every witness filled
// in. It fails with ErrIncomplete while any of its inputs lacks an aggregate
// signature.
func (c *Coordinator) SignedTransaction(graphID string, name graph.TxName, opts ...FinalizeOption) (*SignedTx, error) {
	var o finalizeOptions
	for _, opt := range opts {
		opt(&o)
	}

	s, err := c.session(graphID)
	if err != nil {
		return nil, err
	}
	node, err := s.graph.Node(name)
	if err != nil {
		return nil, err
	}

	tx := node.Tx.Copy()
	var missing []string
	for _, in := range node.Inputs {
		ref := graph.InputRef{Tx: name, Index: in.Index}
		if in.Signer != graph.SignerCommittee {
			return nil, fmt.Errorf("%w: %s is signed by the %s", ErrExternalSigner, ref, in.Signer)
		}

		sig, err := c.store.AggregateSig(graphID, ref.String())
		if errors.Is(err, storage.ErrNotFound) {
			missing = append(missing, ref.String())
			continue
		}
		if err != nil {
			return nil, err
		}

		var extra [][]byte
		if in.NeedsPreimage {
			if len(o.preimage) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrMissingPreimage, ref)
			}
			extra = append(extra, o.preimage)
		}
		tx.TxIn[in.Index].Witness = in.Witness(sig, extra...)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s %s lacks %s", ErrIncomplete, graphID, name, strings.Join(missing, ", "))
	}

	return &SignedTx{
		GraphID: graphID,
		Name:    name,
		TxID:    tx.TxHash().String(),
		Tx:      tx,
	}, nil
}

// Graph returns the graph a session was opened for.
func (c *Coordinator) Graph(graphID string) (*graph.Graph, error) {
	s, err := c.session(graphID)
	if err != nil {
		return nil, err
	}
	return s.graph, nil
}
