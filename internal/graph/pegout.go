package graph

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/pkg/helpers"
)

// pegOutFeeCount is the number of fee deductions between the funding output
// and the bond: peg_out, peg_out_confirm, kick_off_1, kick_off_2,
// assert_initial, assert_commit_1, assert_commit_2 and assert_final.
const pegOutFeeCount = 8

// RequiredPegOutFunding returns the smallest funding amount for a payout.
// The payout must not exceed btcutil.MaxSatoshi.
func (b *Builder) RequiredPegOutFunding(payout uint64) uint64 {
	return payout + pegOutFeeCount*b.fees.TxFeeSats + b.fees.MinBond()
}

// buildPegOut lays out the peg-out branch:
//
//	peg_out -> peg_out_confirm -> kick_off_1 -> kick_off_2 -> assert_initial
//	assert_initial -> assert_commit_1, assert_commit_2
//	assert_initial, assert_commit_1, assert_commit_2 -> assert_final
//	assert_final -> disprove | timeout_claim (+ linked vault)
func (b *Builder) buildPegOut(committee *scripts.Committee, req Request) (*Graph, error) {
	pegIn, err := b.resolvePegIn(req.LinkedGraphID)
	if err != nil {
		return nil, err
	}
	vaultOp, vaultOut, err := pegIn.VaultOutpoint()
	if err != nil {
		return nil, err
	}

	if req.Withdrawer == "" || req.DisproveAddress == "" {
		return nil, fmt.Errorf("%w: peg-out needs withdrawer and disprove addresses", scripts.ErrInvalidParams)
	}
	withdrawerScript, err := b.addressScript(req.Withdrawer)
	if err != nil {
		return nil, err
	}
	disproveScript, err := b.addressScript(req.DisproveAddress)
	if err != nil {
		return nil, err
	}

	set, err := scripts.DeriveScripts(committee, scripts.RolePegOut, scripts.Params{
		Amount:       req.Amount,
		OperatorKey:  req.OperatorKey,
		DisproveHash: req.DisproveHash,
		Timelocks:    b.locks,
	})
	if err != nil {
		return nil, err
	}
	funding := set.Outputs[scripts.OutputFunding]
	connector := set.Outputs[scripts.OutputConnector]
	kickOff := set.Outputs[scripts.OutputKickOff]
	bond := set.Outputs[scripts.OutputBond]
	vault := set.Outputs[scripts.OutputVault]
	operator := set.Outputs[scripts.OutputOperator]

	if !bytes.Equal(vault.PkScript, vaultOut.PkScript) {
		return nil, fmt.Errorf("%w: peg-in %s was built for a different committee",
			ErrUnknownLinkedGraph, pegIn.ID)
	}

	payout := req.Payout
	if payout == 0 {
		payout = uint64(vaultOut.Value)
	}
	fee, dust := b.fees.TxFeeSats, b.fees.DustLimitSats
	if payout >= req.Amount {
		return nil, fmt.Errorf("%w: payout %d sats does not fit in peg-out funding of %d",
			ErrAmountMismatch, payout, req.Amount)
	}
	if required := b.RequiredPegOutFunding(payout); req.Amount < required {
		return nil, fmt.Errorf("%w: peg-out funding %d sats below required %d for payout %d",
			ErrAmountMismatch, req.Amount, required, payout)
	}

	g := b.newGraph(committee, req)
	g.Metadata = Metadata{
		OperatorKey:     hexKey(req.OperatorKey),
		Withdrawer:      req.Withdrawer,
		DisproveAddress: req.DisproveAddress,
		DisproveHash:    hex.EncodeToString(req.DisproveHash),
		Payout:          payout,
	}

	// peg_out pays the withdrawer and moves the remainder into the
	// connector chain that backs the operator's claim.
	pegOut := newNode(TxPegOut)
	pegOut.spend(&Input{
		PrevOut:    req.Funding,
		Value:      int64(req.Amount),
		PkScript:   funding.PkScript,
		Path:       SpendKeyPath,
		Signer:     SignerCommittee,
		MerkleRoot: funding.MerkleRoot,
	})
	pegOut.pay(payout, withdrawerScript)
	remainder := req.Amount - payout - fee
	pegOut.pay(remainder, connector.PkScript)

	pegOutConfirm := newNode(TxPegOutConfirm)
	pegOutConfirm.spend(keyPath(pegOut, 1, connector))
	remainder -= fee
	pegOutConfirm.pay(remainder, connector.PkScript)

	kickOff1 := newNode(TxKickOff1)
	kickOff1.spend(keyPath(pegOutConfirm, 0, connector))
	remainder -= fee
	kickOff1.pay(remainder, kickOff.PkScript)

	kickOff2 := newNode(TxKickOff2)
	in, err := scriptPath(kickOff1, 0, kickOff, scripts.LeafKickOffDelay, b.locks.KickOffDelayBlocks, SignerCommittee)
	if err != nil {
		return nil, err
	}
	kickOff2.spend(in)
	remainder -= fee
	kickOff2.pay(remainder, connector.PkScript)

	// assert_initial funds both commitment halves and a third connector
	// that assert_final consumes together with them.
	assertInitial := newNode(TxAssertInitial)
	assertInitial.spend(keyPath(kickOff2, 0, connector))
	commitValue := fee + dust
	assertInitial.pay(commitValue, connector.PkScript)
	assertInitial.pay(commitValue, connector.PkScript)
	remainder -= fee + 2*commitValue
	assertInitial.pay(remainder, connector.PkScript)

	assertCommit1 := newNode(TxAssertCommit1)
	assertCommit1.spend(keyPath(assertInitial, 0, connector))
	assertCommit1.pay(dust, connector.PkScript)

	assertCommit2 := newNode(TxAssertCommit2)
	assertCommit2.spend(keyPath(assertInitial, 1, connector))
	assertCommit2.pay(dust, connector.PkScript)

	assertFinal := newNode(TxAssertFinal)
	assertFinal.spend(keyPath(assertInitial, 2, connector))
	assertFinal.spend(keyPath(assertCommit1, 0, connector))
	assertFinal.spend(keyPath(assertCommit2, 0, connector))
	bondValue := remainder + 2*dust - fee
	assertFinal.pay(bondValue, bond.PkScript)

	// disprove rewards the challenger and burns the rest of the bond.
	disprove := newNode(TxDisprove)
	in, err = scriptPath(assertFinal, 0, bond, scripts.LeafDisprove, 0, SignerCommittee)
	if err != nil {
		return nil, err
	}
	in.NeedsPreimage = true
	disprove.spend(in)
	reward := helpers.PercentOf(bondValue, b.fees.DisproveRewardPercent)
	disprove.pay(reward, disproveScript)
	burnScript, err := txscript.NullDataScript([]byte(g.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to build burn output: %w", err)
	}
	disprove.pay(bondValue-reward-fee, burnScript)

	// timeout_claim reimburses the operator from the vault once the
	// challenge window has passed.
	timeoutClaim := newNode(TxTimeoutClaim)
	in, err = scriptPath(assertFinal, 0, bond, scripts.LeafChallengeExpiry, b.locks.ChallengeWindowBlocks, SignerCommittee)
	if err != nil {
		return nil, err
	}
	timeoutClaim.spend(in)
	timeoutClaim.spend(&Input{
		PrevOut:    vaultOp,
		Value:      vaultOut.Value,
		PkScript:   vault.PkScript,
		Path:       SpendKeyPath,
		Signer:     SignerCommittee,
		MerkleRoot: vault.MerkleRoot,
	})
	timeoutClaim.pay(bondValue+uint64(vaultOut.Value)-fee, operator.PkScript)

	g.Nodes = []*Node{
		pegOut, pegOutConfirm, kickOff1, kickOff2,
		assertInitial, assertCommit1, assertCommit2, assertFinal,
		disprove, timeoutClaim,
	}
	return g, nil
}

func (b *Builder) resolvePegIn(id string) (*Graph, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: peg-out needs a linked peg-in graph", ErrUnknownLinkedGraph)
	}
	if b.lookup == nil {
		return nil, fmt.Errorf("%w: %s (no graph lookup configured)", ErrUnknownLinkedGraph, id)
	}
	g, confirmed, err := b.lookup.PegInGraph(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownLinkedGraph, id, err)
	}
	if g == nil || g.Role != scripts.RolePegIn {
		return nil, fmt.Errorf("%w: %s is not a peg-in graph", ErrUnknownLinkedGraph, id)
	}
	if !confirmed {
		return nil, fmt.Errorf("%w: peg-in %s is not confirmed", ErrUnknownLinkedGraph, id)
	}
	return g, nil
}
