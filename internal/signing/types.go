// Package signing runs the two-round MuSig2 sessions that pre-sign every
// committee input of a graph. Verifiers never talk to each other directly:
// nonces, partial signatures and aggregates are exchanged through the shared
// store, one write-once slot per (graph, input, round, verifier).
package signing

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/storage"
)

// PartialSigSize is the encoded size of a MuSig2 partial signature.
const PartialSigSize = 32

var (
	ErrUnknownInput    = errors.New("input is not signed by the committee")
	ErrUnknownVerifier = errors.New("verifier is not in the committee")
	ErrInvalidNonce    = errors.New("invalid public nonce")
	ErrMissingNonces   = errors.New("nonces missing")
	ErrAlreadyComplete = errors.New("input already signed")
	ErrStaleRound      = errors.New("stale signing round")
	ErrIncomplete      = errors.New("graph not fully signed")
	ErrMissingPreimage = errors.New("input needs a preimage")
	ErrExternalSigner  = errors.New("input is signed outside the committee")
	ErrSessionTimeout  = errors.New("signing session timed out")

	// ErrInvalidPartialSignature is matched by *InvalidPartialSignatureError.
	ErrInvalidPartialSignature = errors.New("invalid partial signature")

	// ErrAggregateInvalid means every partial signature verified but the
	// combination did not. It points at a bug, not at a verifier.
	ErrAggregateInvalid = errors.New("aggregate signature does not verify")

	// ErrDuplicateSubmission is returned when a verifier writes a different
	// value into a slot it already filled.
	ErrDuplicateSubmission = storage.ErrDuplicateSubmission
)

// InvalidPartialSignatureError names the verifier whose partial signature
// failed verification.
type InvalidPartialSignatureError struct {
	GraphID     string
	Input       graph.InputRef
	Verifier    int
	VerifierKey string
}

func (e *InvalidPartialSignatureError) Error() string {
	return fmt.Sprintf("invalid partial signature from verifier %d (%s) for %s %s",
		e.Verifier, e.VerifierKey, e.GraphID, e.Input)
}

// Is lets errors.Is match ErrInvalidPartialSignature.
func (e *InvalidPartialSignatureError) Is(target error) bool {
	return target == ErrInvalidPartialSignature
}

// SessionState is where one input's signing session stands.
type SessionState string

const (
	StateAwaitingNonces     SessionState = "awaiting_nonces"
	StateAwaitingSignatures SessionState = "awaiting_signatures"
	StateComplete           SessionState = "complete"
)

// AggregationStatus reports progress of one input in its current round.
type AggregationStatus struct {
	GraphID    string         `json:"graph_id"`
	Input      graph.InputRef `json:"input"`
	Round      int            `json:"round"`
	State      SessionState   `json:"state"`
	Nonces     []int          `json:"nonces"`
	Signatures []int          `json:"signatures"`
	Required   int            `json:"required"`
}

// HasNonce reports whether verifier already published a nonce this round.
func (s *AggregationStatus) HasNonce(verifier int) bool {
	return containsIndex(s.Nonces, verifier)
}

// HasSignature reports whether verifier already published a partial
// signature this round.
func (s *AggregationStatus) HasSignature(verifier int) bool {
	return containsIndex(s.Signatures, verifier)
}

func containsIndex(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// GraphStatus summarizes every committee input of a graph.
type GraphStatus struct {
	GraphID     string               `json:"graph_id"`
	Inputs      []*AggregationStatus `json:"inputs"`
	Complete    int                  `json:"complete"`
	Total       int                  `json:"total"`
	FullySigned bool                 `json:"fully_signed"`
}

// EventType identifies a signing event.
type EventType string

const (
	EventNonceSubmitted     EventType = "nonce_submitted"
	EventNoncesComplete     EventType = "nonces_complete"
	EventSignatureSubmitted EventType = "signature_submitted"
	EventInputSigned        EventType = "input_signed"
	EventGraphSigned        EventType = "graph_signed"
	EventInputRestarted     EventType = "input_restarted"
)

// Event is emitted when a signing session makes progress.
type Event struct {
	GraphID   string
	Type      EventType
	Input     graph.InputRef
	Round     int
	Verifier  int
	Timestamp time.Time
}

// EventHandler is called for signing events.
type EventHandler func(Event)

// Store is the shared state the coordinator reads and writes.
// *storage.Storage implements it.
type Store interface {
	GetGraph(id string) (*graph.Graph, error)
	GetRound(graphID, inputRef string) (int, error)
	BumpRound(graphID, inputRef string) (int, error)
	PutNonce(graphID, inputRef string, round, verifier int, nonce []byte) error
	Nonces(graphID, inputRef string, round int) (map[int][]byte, error)
	PutPartialSig(graphID, inputRef string, round, verifier int, sig []byte) error
	PartialSigs(graphID, inputRef string, round int) (map[int][]byte, error)
	PutAggregateSig(graphID, inputRef string, round int, sig []byte) error
	AggregateSig(graphID, inputRef string) ([]byte, error)
}

// SecretStore keeps this verifier's secret nonces. It must never be shared.
type SecretStore interface {
	SaveSecretNonce(n *storage.SecretNonce) (*storage.SecretNonce, error)
	GetSecretNonce(graphID, inputRef string, round int) (*storage.SecretNonce, error)
	DeleteSecretNonce(graphID, inputRef string, round int) error
}

var (
	_ Store       = (*storage.Storage)(nil)
	_ SecretStore = (*storage.Storage)(nil)
)
