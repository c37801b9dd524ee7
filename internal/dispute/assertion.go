package dispute

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var assertionTag = []byte("klingbridge/assertion")

// Assertion is what the operator of a peg-out graph publishes before
// assert_initial: the encoded assertion, the proof it stands behind and a
// BIP-340 signature by the graph's operator key over both. Fraud witnesses
// are judged against it, never against data a challenger brings.
type Assertion struct {
	Data      []byte
	Proof     []byte
	Signature []byte
}

// AssertionDigest is the message an operator signs for a graph.
func AssertionDigest(graphID string, data, proof []byte) *chainhash.Hash {
	proofHash := sha256.Sum256(proof)
	return chainhash.TaggedHash(assertionTag, []byte(graphID), data, proofHash[:])
}

// SignAssertion signs data and proof for graphID with the operator key.
func SignAssertion(key *btcec.PrivateKey, graphID string, data, proof []byte) (*Assertion, error) {
	if len(data) != AssertionSize {
		return nil, fmt.Errorf("%w: assertion must be %d bytes, got %d", ErrInvalidAssertion, AssertionSize, len(data))
	}
	sig, err := schnorr.Sign(key, AssertionDigest(graphID, data, proof)[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign assertion: %w", err)
	}
	return &Assertion{Data: data, Proof: proof, Signature: sig.Serialize()}, nil
}

// Verify checks the encoding and the operator signature.
func (a *Assertion) Verify(graphID string, operator *btcec.PublicKey) error {
	if len(a.Data) != AssertionSize {
		return fmt.Errorf("%w: assertion must be %d bytes, got %d", ErrInvalidAssertion, AssertionSize, len(a.Data))
	}
	sig, err := schnorr.ParseSignature(a.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if !sig.Verify(AssertionDigest(graphID, a.Data, a.Proof)[:], operator) {
		return fmt.Errorf("%w: not signed by the operator of %s", ErrInvalidAssertion, graphID)
	}
	return nil
}

func (a *Assertion) same(other *Assertion) bool {
	return bytes.Equal(a.Data, other.Data) && bytes.Equal(a.Proof, other.Proof)
}

// RecordAssertion accepts the operator's assertion. A graph has exactly
// one; recording the same assertion again is a no-op.
func (s *Session) RecordAssertion(a *Assertion) error {
	if err := a.Verify(s.graphID, s.operatorKey); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.assertion != nil {
		if s.assertion.same(a) {
			return nil
		}
		return fmt.Errorf("%w: graph %s already has an assertion", ErrInvalidAssertion, s.graphID)
	}
	s.assertion = a
	return nil
}

// Assertion returns the recorded operator assertion, if any.
func (s *Session) Assertion() (*Assertion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assertion, s.assertion != nil
}
