package bridge

import (
	"context"
	"errors"
	"net"

	"github.com/Klingon-tech/klingbridge/internal/backend"
	"github.com/Klingon-tech/klingbridge/internal/dispute"
	"github.com/Klingon-tech/klingbridge/internal/l2"
	"github.com/Klingon-tech/klingbridge/internal/signing"
)

// Class is what a caller should do about an error.
type Class int

const (
	// Permanent errors need different input; retrying changes nothing.
	Permanent Class = iota

	// Retry errors clear on their own as the chain or the committee moves.
	Retry

	// Resync means the chain diverged from what the graph expected. The
	// bridge has already re-synced; check the status before acting again.
	Resync
)

func (c Class) String() string {
	switch c {
	case Retry:
		return "retry later"
	case Resync:
		return "state re-synced"
	default:
		return "invalid input"
	}
}

// retryable lists the sentinels that clear with time.
var retryable = []error{
	// Chain state not there yet.
	dispute.ErrPredecessorUnconfirmed,
	dispute.ErrTimelockNotElapsed,
	dispute.ErrNoFraudWitness,
	dispute.ErrNoAssertion,
	l2.ErrPegInNotConfirmed,

	// Committee not done yet.
	signing.ErrMissingNonces,
	signing.ErrStaleRound,
	signing.ErrIncomplete,
	signing.ErrSessionTimeout,

	// Transport.
	backend.ErrNotConnected,
	backend.ErrRateLimited,
	ErrOffline,
	context.DeadlineExceeded,
}

// Classify maps an error to a Class. Every sentinel not listed as
// retryable, including every ineligibility that can never clear (window
// closed, lost race, already confirmed), is permanent.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}

	var berr *backend.BroadcastError
	if errors.As(err, &berr) {
		switch berr.Kind {
		case backend.AlreadySpent:
			return Resync
		case backend.InsufficientFee, backend.Premature:
			return Retry
		default:
			return Permanent
		}
	}

	for _, target := range retryable {
		if errors.Is(err, target) {
			return Retry
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retry
	}
	return Permanent
}

// IsRetryable reports whether the same call may succeed later without
// changing its input.
func IsRetryable(err error) bool {
	return Classify(err) == Retry
}
