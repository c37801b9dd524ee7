package dispute

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/Klingon-tech/klingbridge/internal/config"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/pkg/logging"
)

// Session tracks the dispute branch of one peg-out graph.
type Session struct {
	graphID      string
	names        []graph.TxName
	deps         map[graph.TxName][]graph.Dependency
	locks        config.TimelockConfig
	disproveHash []byte
	operatorKey  *btcec.PublicKey

	mu        sync.RWMutex
	confirmed map[graph.TxName]uint32
	assertion *Assertion
	witness   *FraudWitness
	outcome   Outcome

	log *logging.Logger
}

// NewSession creates the session of a peg-out graph with nothing confirmed.
func NewSession(g *graph.Graph, locks config.TimelockConfig) (*Session, error) {
	if g.Role != scripts.RolePegOut {
		return nil, fmt.Errorf("%w: %s is a %s graph", ErrWrongRole, g.ID, g.Role)
	}
	hash, err := decodeHash(g.Metadata.DisproveHash)
	if err != nil {
		return nil, fmt.Errorf("graph %s: %w", g.ID, err)
	}
	operator, err := parseKey(g.Metadata.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("graph %s: operator key: %w", g.ID, err)
	}
	return &Session{
		graphID:      g.ID,
		names:        g.Names(),
		deps:         g.Dependencies(),
		locks:        locks,
		disproveHash: hash,
		operatorKey:  operator,
		confirmed:    make(map[graph.TxName]uint32),
		log:          logging.GetDefault().Component("dispute").With("graph", g.ID),
	}, nil
}

// GraphID returns the graph the session tracks.
func (s *Session) GraphID() string {
	return s.graphID
}

// Restore replays stored confirmations, lowest height first, so that a
// restarted process rebuilds the same state.
func (s *Session) Restore(confirmations map[graph.TxName]uint32) error {
	type entry struct {
		name   graph.TxName
		height uint32
		order  int
	}
	order := make(map[graph.TxName]int, len(s.names))
	for i, n := range s.names {
		order[n] = i
	}
	entries := make([]entry, 0, len(confirmations))
	for name, height := range confirmations {
		entries = append(entries, entry{name, height, order[name]})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].height != entries[j].height {
			return entries[i].height < entries[j].height
		}
		return entries[i].order < entries[j].order
	})

	for _, e := range entries {
		if err := s.RecordConfirmation(e.name, e.height); err != nil {
			return err
		}
	}
	return nil
}

// RecordConfirmation records that a transaction was mined at height. Repeated
// calls for the same transaction keep the first height.
func (s *Session) RecordConfirmation(name graph.TxName, height uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deps[name]; !ok {
		return fmt.Errorf("%w: %s is not in graph %s", ErrUnknownTransaction, name, s.graphID)
	}
	if prev, ok := s.confirmed[name]; ok {
		if prev != height {
			s.log.Warn("Ignoring second confirmation height", "tx", name, "first", prev, "second", height)
		}
		return nil
	}

	for _, dep := range s.deps[name] {
		parent, ok := s.confirmed[dep.Parent]
		if !ok {
			return fmt.Errorf("%w: %s confirmed before its parent %s", ErrIllegalTransition, name, dep.Parent)
		}
		if height < parent+dep.CSV {
			return fmt.Errorf("%w: %s at height %d violates the %d block lock on %s (height %d)",
				ErrIllegalTransition, name, height, dep.CSV, dep.Parent, parent)
		}
	}

	if kind, terminal := terminalKind(name); terminal {
		if s.outcome.Decided() {
			return fmt.Errorf("%w: %s confirmed after %s already settled the bond",
				ErrStaleBroadcastRejected, name, s.outcome.Tx)
		}
		s.outcome = Outcome{Kind: kind, Tx: name, Height: height}
		s.log.Info("Dispute settled", "outcome", kind, "height", height)
	}

	s.confirmed[name] = height
	s.log.Debug("Confirmation recorded", "tx", name, "height", height, "state", s.stateLocked())
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch s.outcome.Kind {
	case OutcomeDisproved:
		return StateDisproved
	case OutcomeTimedOutClaimed:
		return StateTimedOutClaimed
	}

	state := StateCreated
	for _, step := range stateAfter {
		if _, ok := s.confirmed[step.tx]; !ok {
			break
		}
		state = step.state
		if step.tx == graph.TxAssertInitial && s.has(graph.TxAssertCommit1) && s.has(graph.TxAssertCommit2) {
			state = StateAssertCommitBroadcast
		}
	}
	return state
}

func (s *Session) has(name graph.TxName) bool {
	_, ok := s.confirmed[name]
	return ok
}

// IsTerminal reports whether the dispute has settled.
func (s *Session) IsTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome.Decided()
}

// Outcome returns the terminal outcome, pending until one is confirmed.
func (s *Session) Outcome() Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome
}

// ConfirmedAt returns the height a transaction was mined at.
func (s *Session) ConfirmedAt(name graph.TxName) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.confirmed[name]
	return h, ok
}

// CheckBroadcast returns nil when name may be broadcast now, and an error
// wrapping ErrNotEligible and the reason otherwise.
func (s *Session) CheckBroadcast(name graph.TxName, view ChainView) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked(name, view)
}

func (s *Session) checkLocked(name graph.TxName, view ChainView) error {
	deps, ok := s.deps[name]
	if !ok {
		return fmt.Errorf("%w: %s is not in graph %s", ErrUnknownTransaction, name, s.graphID)
	}
	if h, done := s.confirmed[name]; done {
		return notEligible(ErrAlreadyConfirmed, "%s was mined at height %d", name, h)
	}
	if _, terminal := terminalKind(name); terminal && s.outcome.Decided() {
		return notEligible(ErrStaleBroadcastRejected, "%s already spent the bond at height %d", s.outcome.Tx, s.outcome.Height)
	}

	for _, dep := range deps {
		height, ok := s.confirmed[dep.Parent]
		if !ok {
			return notEligible(ErrPredecessorUnconfirmed, "%s needs %s", name, dep.Parent)
		}
		confs := view.confirmations(height)
		if confs < s.locks.MinConfirmations {
			return notEligible(ErrPredecessorUnconfirmed, "%s has %d of %d confirmations",
				dep.Parent, confs, s.locks.MinConfirmations)
		}
		if confs < dep.CSV {
			return notEligible(ErrTimelockNotElapsed, "%s spends %s after %d blocks, %d elapsed",
				name, dep.Parent, dep.CSV, confs)
		}
	}

	if name == graph.TxAssertInitial && s.assertion == nil {
		return notEligible(ErrNoAssertion, "the operator has not published an assertion")
	}
	if name == graph.TxDisprove {
		final := s.confirmed[graph.TxAssertFinal]
		if !config.IsChallengeWindowOpen(view.confirmations(final), s.locks.ChallengeWindowBlocks) {
			return notEligible(ErrChallengeWindowClosed, "window of %d blocks ended", s.locks.ChallengeWindowBlocks)
		}
		if s.witness == nil {
			return notEligible(ErrNoFraudWitness, "disprove needs a fraud witness")
		}
	}
	return nil
}

// Eligible lists every transaction that may be broadcast now, in graph order.
// disprove and timeout_claim never appear together.
func (s *Session) Eligible(view ChainView) []graph.TxName {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []graph.TxName
	for _, name := range s.names {
		if s.checkLocked(name, view) == nil {
			out = append(out, name)
		}
	}
	return out
}

// NextEligible returns the first transaction that may be broadcast now.
func (s *Session) NextEligible(view ChainView) (graph.TxName, bool) {
	eligible := s.Eligible(view)
	if len(eligible) == 0 {
		return "", false
	}
	return eligible[0], true
}

// ChallengeBlocksLeft returns how many blocks remain in the challenge window,
// or false when assert_final has not confirmed.
func (s *Session) ChallengeBlocksLeft(view ChainView) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	final, ok := s.confirmed[graph.TxAssertFinal]
	if !ok {
		return 0, false
	}
	confs := view.confirmations(final)
	if confs >= s.locks.ChallengeWindowBlocks {
		return 0, true
	}
	return s.locks.ChallengeWindowBlocks - confs, true
}

// Snapshot is a point-in-time view of a session for status output.
type Snapshot struct {
	GraphID         string                  `json:"graph_id"`
	State           State                   `json:"state"`
	Outcome         Outcome                 `json:"outcome"`
	Confirmed       map[graph.TxName]uint32 `json:"confirmed"`
	Eligible        []graph.TxName          `json:"eligible"`
	HasAssertion    bool                    `json:"has_assertion"`
	HasFraudWitness bool                    `json:"has_fraud_witness"`
	WindowLeft      *uint32                 `json:"challenge_blocks_left,omitempty"`
}

// Snapshot returns the session state as seen at view.
func (s *Session) Snapshot(view ChainView) *Snapshot {
	eligible := s.Eligible(view)

	var windowLeft *uint32
	if left, ok := s.ChallengeBlocksLeft(view); ok {
		windowLeft = &left
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	confirmed := make(map[graph.TxName]uint32, len(s.confirmed))
	for k, v := range s.confirmed {
		confirmed[k] = v
	}
	return &Snapshot{
		GraphID:         s.graphID,
		State:           s.stateLocked(),
		Outcome:         s.outcome,
		Confirmed:       confirmed,
		Eligible:        eligible,
		HasAssertion:    s.assertion != nil,
		HasFraudWitness: s.witness != nil,
		WindowLeft:      windowLeft,
	}
}

func parseKey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}
