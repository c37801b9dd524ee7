package dispute

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/pkg/helpers"
)

// AssertionSize is the encoded size of an operator assertion: two committed
// halves followed by the final commitment over both.
const AssertionSize = 3 * sha256.Size

// FraudWitness is what a challenger presents against the operator's
// assertion. Proof and Assertion are optional; when set they must equal the
// recorded assertion. An accepted witness carries the recorded values.
type FraudWitness struct {
	Preimage  []byte
	Proof     []byte
	Assertion []byte
}

// ProofOracle decides whether an asserted proof is valid. The proof system
// itself is opaque to the bridge.
type ProofOracle interface {
	VerifyProof(proof, assertion []byte) (bool, error)
}

// ProofOracleFunc adapts a function to ProofOracle.
type ProofOracleFunc func(proof, assertion []byte) (bool, error)

// VerifyProof implements ProofOracle.
func (f ProofOracleFunc) VerifyProof(proof, assertion []byte) (bool, error) {
	return f(proof, assertion)
}

// CommitmentOracle accepts a proof when its hash is the assertion's final
// commitment.
type CommitmentOracle struct{}

// VerifyProof implements ProofOracle.
func (CommitmentOracle) VerifyProof(proof, assertion []byte) (bool, error) {
	if len(assertion) != AssertionSize {
		return false, fmt.Errorf("%w: assertion must be %d bytes, got %d", ErrInvalidFraudWitness, AssertionSize, len(assertion))
	}
	h := sha256.Sum256(proof)
	return bytes.Equal(h[:], assertion[2*sha256.Size:]), nil
}

// AssertionConsistent reports whether the final commitment of an assertion
// is the hash of its two halves.
func AssertionConsistent(assertion []byte) bool {
	if len(assertion) != AssertionSize {
		return false
	}
	h := sha256.Sum256(assertion[:2*sha256.Size])
	return bytes.Equal(h[:], assertion[2*sha256.Size:])
}

// BuildAssertion encodes two committed halves and their final commitment.
func BuildAssertion(half1, half2 [sha256.Size]byte) []byte {
	out := make([]byte, 0, AssertionSize)
	out = append(out, half1[:]...)
	out = append(out, half2[:]...)
	final := sha256.Sum256(out)
	return append(out, final[:]...)
}

// SubmitFraudWitness accepts a witness while the challenge window is open.
// The preimage must open the disprove hashlock, and the operator's recorded
// assertion must be internally inconsistent or its proof must be rejected by
// the oracle.
func (s *Session) SubmitFraudWitness(w *FraudWitness, view ChainView, oracle ProofOracle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcome.Decided() {
		return notEligible(ErrStaleBroadcastRejected, "dispute already settled by %s", s.outcome.Tx)
	}
	final, ok := s.confirmed[graph.TxAssertFinal]
	if !ok {
		return notEligible(ErrPredecessorUnconfirmed, "no assertion to dispute yet")
	}
	if view.confirmations(final) < s.locks.MinConfirmations {
		return notEligible(ErrPredecessorUnconfirmed, "assert_final is not deep enough yet")
	}
	if s.witness != nil {
		if bytes.Equal(s.witness.Preimage, w.Preimage) {
			return nil
		}
		return fmt.Errorf("%w: graph %s already has a fraud witness", ErrInvalidFraudWitness, s.graphID)
	}
	if !s.windowOpenLocked(view) {
		return notEligible(ErrChallengeWindowClosed, "window of %d blocks ended", s.locks.ChallengeWindowBlocks)
	}

	if err := s.checkWitness(w, oracle); err != nil {
		return err
	}

	s.witness = &FraudWitness{
		Preimage:  w.Preimage,
		Proof:     s.assertion.Proof,
		Assertion: s.assertion.Data,
	}
	s.log.Info("Fraud witness accepted")
	return nil
}

func (s *Session) windowOpenLocked(view ChainView) bool {
	final := s.confirmed[graph.TxAssertFinal]
	return view.confirmations(final) < s.locks.ChallengeWindowBlocks
}

func (s *Session) checkWitness(w *FraudWitness, oracle ProofOracle) error {
	h := sha256.Sum256(w.Preimage)
	if !helpers.ConstantTimeCompare(h[:], s.disproveHash) {
		return fmt.Errorf("%w: preimage does not open the disprove hashlock", ErrInvalidFraudWitness)
	}

	a := s.assertion
	if a == nil {
		return notEligible(ErrNoAssertion, "nothing to dispute in graph %s", s.graphID)
	}
	if len(w.Assertion) > 0 {
		if len(w.Assertion) != AssertionSize {
			return fmt.Errorf("%w: assertion must be %d bytes, got %d", ErrInvalidFraudWitness, AssertionSize, len(w.Assertion))
		}
		if !bytes.Equal(w.Assertion, a.Data) {
			return fmt.Errorf("%w: assertion differs from the one the operator signed", ErrInvalidFraudWitness)
		}
	}
	if len(w.Proof) > 0 && !bytes.Equal(w.Proof, a.Proof) {
		return fmt.Errorf("%w: proof differs from the one the operator signed", ErrInvalidFraudWitness)
	}

	if !AssertionConsistent(a.Data) {
		return nil
	}
	valid, err := oracle.VerifyProof(a.Proof, a.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFraudWitness, err)
	}
	if valid {
		return fmt.Errorf("%w: the asserted proof verifies", ErrInvalidFraudWitness)
	}
	return nil
}

// RestoreFraudWitness sets a witness that was accepted before a restart.
func (s *Session) RestoreFraudWitness(w *FraudWitness) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.witness = w
}

// FraudWitness returns the accepted witness, if any.
func (s *Session) FraudWitness() (*FraudWitness, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.witness, s.witness != nil
}

func decodeHash(s string) ([]byte, error) {
	b, err := helpers.DecodeHexExact(s, sha256.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: disprove hash: %v", ErrInvalidFraudWitness, err)
	}
	return b, nil
}
