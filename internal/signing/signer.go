package signing

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"

	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/storage"
	"github.com/Klingon-tech/klingbridge/pkg/logging"
)

// ErrNoSecretNonce means this verifier published a nonce for a round but no
// longer holds the secret half. The input has to be restarted.
var ErrNoSecretNonce = errors.New("secret nonce not found")

// Signer is one verifier's side of the signing protocol: it publishes nonces
// and partial signatures through the coordinator and keeps its secret nonces
// in the local store.
type Signer struct {
	coord   *Coordinator
	secrets SecretStore
	key     *btcec.PrivateKey
	log     *logging.Logger
}

// NewSigner creates a signer for the verifier holding key.
func NewSigner(coord *Coordinator, secrets SecretStore, key *btcec.PrivateKey) *Signer {
	return &Signer{
		coord:   coord,
		secrets: secrets,
		key:     key,
		log:     logging.GetDefault().Component("signer"),
	}
}

// PublicKey returns the verifier key.
func (s *Signer) PublicKey() *btcec.PublicKey {
	return s.key.PubKey()
}

func (s *Signer) index(graphID string) (*session, int, error) {
	sess, err := s.coord.session(graphID)
	if err != nil {
		return nil, 0, err
	}
	idx, err := sess.verifierIndex(s.key.PubKey())
	if err != nil {
		return nil, 0, err
	}
	return sess, idx, nil
}

// PushNonces publishes a nonce for every committee input of the graph that
// is still open and returns how many were published. Calling it again only
// fills the gaps.
func (s *Signer) PushNonces(graphID string) (int, error) {
	sess, idx, err := s.index(graphID)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, ref := range sess.graph.CommitteeInputs() {
		ok, err := s.pushNonce(graphID, idx, ref)
		if err != nil {
			return pushed, err
		}
		if ok {
			pushed++
		}
	}
	s.log.Debug("Nonces pushed", "graph", graphID, "verifier", idx, "count", pushed)
	return pushed, nil
}

func (s *Signer) pushNonce(graphID string, idx int, ref graph.InputRef) (bool, error) {
	st, err := s.coord.Status(graphID, ref)
	if err != nil {
		return false, err
	}
	if st.State == StateComplete || st.HasNonce(idx) {
		return false, nil
	}

	nonces, err := musig2.GenNonces(musig2.WithPublicKey(s.key.PubKey()))
	if err != nil {
		return false, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// The secret half is persisted before the public half is published.
	saved, err := s.secrets.SaveSecretNonce(&storage.SecretNonce{
		GraphID:  graphID,
		InputRef: ref.String(),
		Round:    st.Round,
		SecNonce: nonces.SecNonce[:],
		PubNonce: nonces.PubNonce[:],
	})
	if err != nil {
		return false, err
	}
	pub, err := toPubNonce(saved.PubNonce)
	if err != nil {
		return false, err
	}

	if err := s.coord.SubmitNonce(graphID, s.key.PubKey(), ref, st.Round, pub); err != nil {
		return false, err
	}
	return true, nil
}

// PushSignatures signs every open input once the committee's nonces are in
// and returns how many partial signatures were published. It blocks while
// nonces are missing, up to the session timeout.
func (s *Signer) PushSignatures(ctx context.Context, graphID string) (int, error) {
	sess, idx, err := s.index(graphID)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, ref := range sess.graph.CommitteeInputs() {
		ok, err := s.pushSignature(ctx, graphID, idx, ref)
		if err != nil {
			return pushed, err
		}
		if ok {
			pushed++
		}
	}
	s.log.Debug("Partial signatures pushed", "graph", graphID, "verifier", idx, "count", pushed)
	return pushed, nil
}

func (s *Signer) pushSignature(ctx context.Context, graphID string, idx int, ref graph.InputRef) (bool, error) {
	st, err := s.coord.Status(graphID, ref)
	if err != nil {
		return false, err
	}
	if st.State == StateComplete || st.HasSignature(idx) {
		return false, nil
	}

	st, err = s.coord.WaitForNonces(ctx, graphID, ref)
	if err != nil {
		return false, err
	}
	if st.State == StateComplete || st.HasSignature(idx) {
		return false, nil
	}

	key := ref.String()
	secret, err := s.secrets.GetSecretNonce(graphID, key, st.Round)
	if errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("%w: %s %s round %d", ErrNoSecretNonce, graphID, key, st.Round)
	}
	if err != nil {
		return false, err
	}
	var secNonce [musig2.SecNonceSize]byte
	if len(secret.SecNonce) != len(secNonce) {
		return false, fmt.Errorf("%w: stored secret nonce has %d bytes", ErrNoSecretNonce, len(secret.SecNonce))
	}
	copy(secNonce[:], secret.SecNonce)

	sess, ic, err := s.coord.inputContext(graphID, ref)
	if err != nil {
		return false, err
	}
	_, aggNonce, err := s.coord.collectNonces(sess, graphID, key, st.Round)
	if err != nil {
		return false, err
	}

	partial, err := ic.sign(secNonce, s.key, aggNonce)
	if err != nil {
		return false, err
	}
	if _, err := s.coord.SubmitSignature(graphID, s.key.PubKey(), ref, st.Round, partial); err != nil {
		return false, err
	}

	// The round's nonce set is fixed, so a retry before this point signs the
	// same message with the same aggregate nonce.
	if err := s.secrets.DeleteSecretNonce(graphID, key, st.Round); err != nil {
		s.log.Warn("Failed to delete used nonce", "graph", graphID, "input", key, "error", err)
	}
	return true, nil
}

// SignGraph runs both rounds for every input of a graph and waits until the
// whole committee is done.
func (s *Signer) SignGraph(ctx context.Context, graphID string) (*GraphStatus, error) {
	if _, err := s.PushNonces(graphID); err != nil {
		return nil, err
	}
	if _, err := s.PushSignatures(ctx, graphID); err != nil {
		return nil, err
	}

	sess, _, err := s.index(graphID)
	if err != nil {
		return nil, err
	}
	for _, ref := range sess.graph.CommitteeInputs() {
		if _, err := s.coord.WaitForSignatures(ctx, graphID, ref); err != nil {
			return nil, err
		}
	}
	return s.coord.GraphStatus(graphID)
}
