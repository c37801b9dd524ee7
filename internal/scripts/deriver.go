package scripts

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/klingbridge/internal/config"
)

// Role distinguishes the two graph kinds.
type Role string

const (
	RolePegIn  Role = "peg_in"
	RolePegOut Role = "peg_out"
)

// Output names.
const (
	// Peg-in
	OutputDeposit         = "deposit"
	OutputVault           = "vault"
	OutputDepositorRefund = "depositor_refund"

	// Peg-out
	OutputFunding   = "funding"
	OutputConnector = "connector"
	OutputKickOff   = "kick_off"
	OutputBond      = "bond"
	OutputOperator  = "operator"
)

// Leaf names.
const (
	LeafRefund          = "refund"
	LeafEVMCommitment   = "evm_commitment"
	LeafNofN            = "n_of_n"
	LeafOperatorReclaim = "operator_reclaim"
	LeafKickOffDelay    = "kick_off_delay"
	LeafDisprove        = "disprove"
	LeafChallengeExpiry = "challenge_expiry"
)

// Params are the role-specific inputs to script derivation.
type Params struct {
	// Amount is the funding amount in satoshis.
	Amount uint64

	// Peg-in only.
	DepositorKey *btcec.PublicKey
	EVMAddress   []byte

	// Peg-out only.
	OperatorKey  *btcec.PublicKey
	DisproveHash []byte

	Timelocks config.TimelockConfig
}

// ScriptSet is every locking script one graph needs, keyed by output name.
type ScriptSet struct {
	Role         Role
	AggregateKey *btcec.PublicKey
	Outputs      map[string]*TaprootOutput
}

// Output returns a named output.
func (s *ScriptSet) Output(name string) (*TaprootOutput, error) {
	o, ok := s.Outputs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s set has no %q output", ErrUnknownOutput, s.Role, name)
	}
	return o, nil
}

// DeriveScripts derives all locking scripts for a graph. The result depends
// only on the committee order, the role and params.
func DeriveScripts(committee *Committee, role Role, params Params) (*ScriptSet, error) {
	if committee == nil {
		return nil, fmt.Errorf("%w: committee is nil", ErrInvalidCommittee)
	}
	if params.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidParams)
	}
	if params.Amount > btcutil.MaxSatoshi {
		return nil, fmt.Errorf("%w: amount %d exceeds %d sats", ErrInvalidParams, params.Amount, int64(btcutil.MaxSatoshi))
	}

	set := &ScriptSet{
		Role:         role,
		AggregateKey: committee.AggregateKey(),
		Outputs:      make(map[string]*TaprootOutput),
	}

	var err error
	switch role {
	case RolePegIn:
		err = derivePegIn(set, params)
	case RolePegOut:
		err = derivePegOut(set, params)
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidParams, role)
	}
	if err != nil {
		return nil, err
	}
	return set, nil
}

func derivePegIn(set *ScriptSet, p Params) error {
	if p.DepositorKey == nil {
		return fmt.Errorf("%w: peg-in needs a depositor key", ErrInvalidParams)
	}
	if len(p.EVMAddress) != EVMAddressSize {
		return fmt.Errorf("%w: peg-in needs a %d-byte EVM address", ErrInvalidParams, EVMAddressSize)
	}
	if p.OperatorKey != nil || len(p.DisproveHash) != 0 {
		return fmt.Errorf("%w: operator fields set on a peg-in", ErrInvalidParams)
	}

	agg := set.AggregateKey

	refund, err := BuildTimelockScript(p.DepositorKey, p.Timelocks.PegInRefundBlocks)
	if err != nil {
		return fmt.Errorf("refund leaf: %w", err)
	}
	commitment, err := BuildCommitmentScript(agg, p.EVMAddress)
	if err != nil {
		return fmt.Errorf("commitment leaf: %w", err)
	}
	nOfN, err := BuildNofNScript(agg)
	if err != nil {
		return err
	}

	return addOutputs(set,
		outputSpec{OutputDeposit, agg, []LeafScript{{LeafRefund, refund}, {LeafEVMCommitment, commitment}}},
		outputSpec{OutputVault, agg, []LeafScript{{LeafNofN, nOfN}}},
		outputSpec{OutputDepositorRefund, p.DepositorKey, nil},
	)
}

func derivePegOut(set *ScriptSet, p Params) error {
	if p.OperatorKey == nil {
		return fmt.Errorf("%w: peg-out needs an operator key", ErrInvalidParams)
	}
	if len(p.DisproveHash) != 32 {
		return fmt.Errorf("%w: peg-out needs a 32-byte disprove hash", ErrInvalidParams)
	}
	if p.DepositorKey != nil || len(p.EVMAddress) != 0 {
		return fmt.Errorf("%w: depositor fields set on a peg-out", ErrInvalidParams)
	}

	agg := set.AggregateKey

	reclaim, err := BuildTimelockScript(p.OperatorKey, p.Timelocks.OperatorReclaimBlocks)
	if err != nil {
		return fmt.Errorf("reclaim leaf: %w", err)
	}
	nOfN, err := BuildNofNScript(agg)
	if err != nil {
		return err
	}
	kickOff, err := BuildTimelockScript(agg, p.Timelocks.KickOffDelayBlocks)
	if err != nil {
		return fmt.Errorf("kick-off leaf: %w", err)
	}
	disprove, err := BuildHashlockScript(agg, p.DisproveHash)
	if err != nil {
		return fmt.Errorf("disprove leaf: %w", err)
	}
	expiry, err := BuildTimelockScript(agg, p.Timelocks.ChallengeWindowBlocks)
	if err != nil {
		return fmt.Errorf("challenge expiry leaf: %w", err)
	}

	return addOutputs(set,
		outputSpec{OutputFunding, agg, []LeafScript{{LeafOperatorReclaim, reclaim}}},
		outputSpec{OutputConnector, agg, []LeafScript{{LeafNofN, nOfN}}},
		outputSpec{OutputVault, agg, []LeafScript{{LeafNofN, nOfN}}},
		outputSpec{OutputKickOff, agg, []LeafScript{{LeafKickOffDelay, kickOff}}},
		outputSpec{OutputBond, agg, []LeafScript{{LeafDisprove, disprove}, {LeafChallengeExpiry, expiry}}},
		outputSpec{OutputOperator, p.OperatorKey, nil},
	)
}

type outputSpec struct {
	name   string
	key    *btcec.PublicKey
	leaves []LeafScript
}

func addOutputs(set *ScriptSet, specs ...outputSpec) error {
	for _, s := range specs {
		out, err := NewTaprootOutput(s.name, s.key, s.leaves...)
		if err != nil {
			return err
		}
		set.Outputs[s.name] = out
	}
	return nil
}
