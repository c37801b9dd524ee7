package graph_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/graph/graphtest"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
)

func TestBuildPegIn(t *testing.T) {
	f := graphtest.New(t, 2)
	g := f.PegIn(t, "deposit-1", graphtest.PegInAmount)

	if g.Role != scripts.RolePegIn {
		t.Errorf("Role = %s, want %s", g.Role, scripts.RolePegIn)
	}
	if len(g.Nodes) != 2 {
		t.Fatalf("len(Nodes) = %d, want 2", len(g.Nodes))
	}

	confirm, err := g.Node(graph.TxPegInConfirm)
	if err != nil {
		t.Fatalf("failed to get peg_in_confirm: %v", err)
	}
	fee := int64(f.Config.Fees.TxFeeSats)
	if got, want := confirm.Tx.TxOut[0].Value, int64(graphtest.PegInAmount)-fee; got != want {
		t.Errorf("vault value = %d, want %d", got, want)
	}
	if confirm.Inputs[0].Path != graph.SpendKeyPath {
		t.Errorf("peg_in_confirm path = %s, want key path", confirm.Inputs[0].Path)
	}

	refund, err := g.Node(graph.TxPegInRefund)
	if err != nil {
		t.Fatalf("failed to get peg_in_refund: %v", err)
	}
	in := refund.Inputs[0]
	if in.Signer != graph.SignerDepositor {
		t.Errorf("refund signer = %s, want depositor", in.Signer)
	}
	if in.CSV != f.Config.Timelocks.PegInRefundBlocks {
		t.Errorf("refund CSV = %d, want %d", in.CSV, f.Config.Timelocks.PegInRefundBlocks)
	}
	if refund.Tx.TxIn[0].Sequence != in.CSV {
		t.Errorf("refund sequence = %d, want %d", refund.Tx.TxIn[0].Sequence, in.CSV)
	}

	entry, err := g.Entry()
	if err != nil {
		t.Fatalf("failed to find entry: %v", err)
	}
	if entry.Name != graph.TxPegInConfirm {
		t.Errorf("Entry = %s, want %s", entry.Name, graph.TxPegInConfirm)
	}

	refs := g.CommitteeInputs()
	if len(refs) != 1 || refs[0].String() != "peg_in_confirm:0" {
		t.Errorf("CommitteeInputs = %v, want [peg_in_confirm:0]", refs)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	a := graphtest.New(t, 3)
	b := graphtest.New(t, 3)

	pegInA := a.PegIn(t, "deposit-1", graphtest.PegInAmount)
	pegInB := b.PegIn(t, "deposit-1", graphtest.PegInAmount)
	pegOutA := a.PegOut(t, "withdraw-1", pegInA)
	pegOutB := b.PegOut(t, "withdraw-1", pegInB)

	for _, pair := range [][2]*graph.Graph{{pegInA, pegInB}, {pegOutA, pegOutB}} {
		x, y := pair[0], pair[1]
		if x.ID != y.ID {
			t.Errorf("graph ID %s != %s", x.ID, y.ID)
		}
		for i := range x.Nodes {
			rawX, err := graph.SerializeTx(x.Nodes[i].Tx)
			if err != nil {
				t.Fatalf("failed to serialize: %v", err)
			}
			rawY, err := graph.SerializeTx(y.Nodes[i].Tx)
			if err != nil {
				t.Fatalf("failed to serialize: %v", err)
			}
			if !bytes.Equal(rawX, rawY) {
				t.Errorf("%s differs between builders", x.Nodes[i].Name)
			}
		}
	}
}

func TestBuildPegInAmountMismatch(t *testing.T) {
	f := graphtest.New(t, 2)
	_, err := f.Builder.Build(f.Committee, f.PegInRequest("deposit-1", 1_000))
	if !errors.Is(err, graph.ErrAmountMismatch) {
		t.Errorf("Build error = %v, want ErrAmountMismatch", err)
	}
}

func TestBuildPegOut(t *testing.T) {
	f := graphtest.New(t, 2)
	pegIn := f.PegIn(t, "deposit-1", graphtest.PegInAmount)
	g := f.PegOut(t, "withdraw-1", pegIn)

	if got := g.Names(); len(got) != len(graph.PegOutTxNames) {
		t.Fatalf("Names = %v, want %v", got, graph.PegOutTxNames)
	}
	for i, name := range graph.PegOutTxNames {
		if g.Nodes[i].Name != name {
			t.Errorf("Nodes[%d] = %s, want %s", i, g.Nodes[i].Name, name)
		}
	}
	if g.LinkedGraphID != pegIn.ID {
		t.Errorf("LinkedGraphID = %s, want %s", g.LinkedGraphID, pegIn.ID)
	}

	entry, err := g.Entry()
	if err != nil {
		t.Fatalf("failed to find entry: %v", err)
	}
	if entry.Name != graph.TxPegOut {
		t.Errorf("Entry = %s, want %s", entry.Name, graph.TxPegOut)
	}

	_, vault, err := pegIn.VaultOutpoint()
	if err != nil {
		t.Fatalf("failed to find vault: %v", err)
	}
	pegOut, _ := g.Node(graph.TxPegOut)
	if pegOut.Tx.TxOut[0].Value != vault.Value {
		t.Errorf("payout = %d, want vault value %d", pegOut.Tx.TxOut[0].Value, vault.Value)
	}

	fees := f.Config.Fees
	assertFinal, _ := g.Node(graph.TxAssertFinal)
	bond := assertFinal.Tx.TxOut[0].Value
	if want := int64(fees.MinBond() + 50_000); bond != want {
		t.Errorf("bond = %d, want %d", bond, want)
	}

	disprove, _ := g.Node(graph.TxDisprove)
	if !disprove.Inputs[0].NeedsPreimage {
		t.Error("disprove input should need the preimage")
	}
	reward := disprove.Tx.TxOut[0].Value
	if want := bond * int64(fees.DisproveRewardPercent) / 100; reward != want {
		t.Errorf("disprove reward = %d, want %d", reward, want)
	}
	if reward < int64(fees.DustLimitSats) {
		t.Errorf("disprove reward %d below dust", reward)
	}
	if txscript.GetScriptClass(disprove.Tx.TxOut[1].PkScript) != txscript.NullDataTy {
		t.Error("disprove second output should be OP_RETURN")
	}

	claim, _ := g.Node(graph.TxTimeoutClaim)
	if len(claim.Inputs) != 2 {
		t.Fatalf("timeout_claim inputs = %d, want 2", len(claim.Inputs))
	}
	vaultOp, _, _ := pegIn.VaultOutpoint()
	if claim.Inputs[1].PrevOut != vaultOp {
		t.Errorf("timeout_claim spends %v, want vault %v", claim.Inputs[1].PrevOut, vaultOp)
	}
	if want := bond + vault.Value - int64(fees.TxFeeSats); claim.Tx.TxOut[0].Value != want {
		t.Errorf("timeout_claim output = %d, want %d", claim.Tx.TxOut[0].Value, want)
	}

	// Every transaction must conserve value minus exactly one fee.
	for _, n := range g.Nodes {
		var in, out int64
		for _, i := range n.Inputs {
			in += i.Value
		}
		for _, o := range n.Tx.TxOut {
			out += o.Value
		}
		if in-out != int64(fees.TxFeeSats) {
			t.Errorf("%s fee = %d, want %d", n.Name, in-out, fees.TxFeeSats)
		}
	}
}

func TestBuildPegOutUnknownLinkedGraph(t *testing.T) {
	f := graphtest.New(t, 2)
	pegIn := f.PegIn(t, "deposit-1", graphtest.PegInAmount)

	unconfirmed := f.PegIn(t, "deposit-2", graphtest.PegInAmount)
	f.Lookup.Confirmed[unconfirmed.ID] = false

	pegOut := f.PegOut(t, "withdraw-1", pegIn)
	f.Lookup.Graphs[pegOut.ID] = pegOut
	f.Lookup.Confirmed[pegOut.ID] = true

	tests := []struct {
		name   string
		linked string
	}{
		{"empty", ""},
		{"missing", "0123456789abcdef0123456789abcdef"},
		{"unconfirmed", unconfirmed.ID},
		{"not a peg-in", pegOut.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.PegOutRequest(t, "withdraw-2", pegIn, 0)
			req.LinkedGraphID = tt.linked
			_, err := f.Builder.Build(f.Committee, req)
			if !errors.Is(err, graph.ErrUnknownLinkedGraph) {
				t.Errorf("Build error = %v, want ErrUnknownLinkedGraph", err)
			}
		})
	}
}

func TestBuildPegOutOtherCommittee(t *testing.T) {
	f := graphtest.New(t, 2)
	other := graphtest.New(t, 3)
	pegIn := other.PegIn(t, "deposit-1", graphtest.PegInAmount)
	f.Lookup.Graphs[pegIn.ID] = pegIn
	f.Lookup.Confirmed[pegIn.ID] = true

	_, err := f.Builder.Build(f.Committee, f.PegOutRequest(t, "withdraw-1", pegIn, 0))
	if !errors.Is(err, graph.ErrUnknownLinkedGraph) {
		t.Errorf("Build error = %v, want ErrUnknownLinkedGraph", err)
	}
}

func TestBuildPegOutUnderfunded(t *testing.T) {
	f := graphtest.New(t, 2)
	pegIn := f.PegIn(t, "deposit-1", graphtest.PegInAmount)

	req := f.PegOutRequest(t, "withdraw-1", pegIn, 0)
	if _, err := f.Builder.Build(f.Committee, req); err != nil {
		t.Fatalf("minimum funding should build: %v", err)
	}

	req.Amount--
	_, err := f.Builder.Build(f.Committee, req)
	if !errors.Is(err, graph.ErrAmountMismatch) {
		t.Errorf("Build error = %v, want ErrAmountMismatch", err)
	}
}

func TestBuildRejectsOutOfRangeAmounts(t *testing.T) {
	f := graphtest.New(t, 2)
	pegIn := f.PegIn(t, "deposit-1", graphtest.PegInAmount)

	tests := []struct {
		name    string
		req     func() graph.Request
		wantErr error
	}{
		{
			name:    "peg-in above max supply",
			req:     func() graph.Request { return f.PegInRequest("deposit-2", btcutil.MaxSatoshi+1) },
			wantErr: scripts.ErrInvalidParams,
		},
		{
			name:    "peg-in past int64",
			req:     func() graph.Request { return f.PegInRequest("deposit-2", 1<<63+5000) },
			wantErr: scripts.ErrInvalidParams,
		},
		{
			name: "peg-out above max supply",
			req: func() graph.Request {
				req := f.PegOutRequest(t, "withdraw-1", pegIn, 0)
				req.Amount = btcutil.MaxSatoshi + 1
				return req
			},
			wantErr: scripts.ErrInvalidParams,
		},
		{
			name: "payout wraps the required funding",
			req: func() graph.Request {
				req := f.PegOutRequest(t, "withdraw-1", pegIn, 0)
				req.Amount = 1_000_000
				req.Payout = math.MaxUint64 - 10_000
				return req
			},
			wantErr: graph.ErrAmountMismatch,
		},
		{
			name: "payout above funding",
			req: func() graph.Request {
				req := f.PegOutRequest(t, "withdraw-1", pegIn, 0)
				req.Payout = req.Amount + 1
				return req
			},
			wantErr: graph.ErrAmountMismatch,
		},
		{
			name: "payout equal to funding",
			req: func() graph.Request {
				req := f.PegOutRequest(t, "withdraw-1", pegIn, 0)
				req.Payout = req.Amount
				return req
			},
			wantErr: graph.ErrAmountMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := f.Builder.Build(f.Committee, tt.req())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Build error = %v, want %v", err, tt.wantErr)
			}
			if g != nil {
				t.Error("Build should not return a graph on error")
			}
		})
	}
}

func TestDependencies(t *testing.T) {
	f := graphtest.New(t, 2)
	g := f.PegOut(t, "withdraw-1", f.PegIn(t, "deposit-1", graphtest.PegInAmount))
	deps := g.Dependencies()
	locks := f.Config.Timelocks

	if len(deps[graph.TxPegOut]) != 0 {
		t.Errorf("peg_out deps = %v, want none", deps[graph.TxPegOut])
	}

	ko2 := deps[graph.TxKickOff2]
	if len(ko2) != 1 || ko2[0].Parent != graph.TxKickOff1 || ko2[0].CSV != locks.KickOffDelayBlocks {
		t.Errorf("kick_off_2 deps = %v", ko2)
	}

	if got := len(deps[graph.TxAssertFinal]); got != 3 {
		t.Errorf("assert_final deps = %d, want 3", got)
	}

	for _, name := range []graph.TxName{graph.TxDisprove, graph.TxTimeoutClaim} {
		d := deps[name]
		if len(d) != 1 || d[0].Parent != graph.TxAssertFinal {
			t.Errorf("%s deps = %v, want assert_final", name, d)
		}
	}
	if deps[graph.TxDisprove][0].CSV != 0 {
		t.Error("disprove should not carry a relative timelock")
	}
	if deps[graph.TxTimeoutClaim][0].CSV != locks.ChallengeWindowBlocks {
		t.Errorf("timeout_claim CSV = %d, want %d", deps[graph.TxTimeoutClaim][0].CSV, locks.ChallengeWindowBlocks)
	}
}

func TestValidateRejectsTamperedGraph(t *testing.T) {
	f := graphtest.New(t, 2)
	g := f.PegOut(t, "withdraw-1", f.PegIn(t, "deposit-1", graphtest.PegInAmount))

	kickOff1, _ := g.Node(graph.TxKickOff1)
	kickOff1.Tx.TxOut[0].Value--

	if err := g.Validate(); !errors.Is(err, graph.ErrInvalidGraph) {
		t.Errorf("Validate error = %v, want ErrInvalidGraph", err)
	}
}

func TestInputRef(t *testing.T) {
	ref, err := graph.ParseInputRef("assert_final:2")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if ref.Tx != graph.TxAssertFinal || ref.Index != 2 {
		t.Errorf("ParseInputRef = %+v", ref)
	}
	if ref.String() != "assert_final:2" {
		t.Errorf("String = %s", ref.String())
	}

	for _, bad := range []string{"", "peg_out", ":1", "peg_out:-1", "peg_out:x"} {
		if _, err := graph.ParseInputRef(bad); err == nil {
			t.Errorf("ParseInputRef(%q) should fail", bad)
		}
	}

	f := graphtest.New(t, 2)
	g := f.PegIn(t, "deposit-1", graphtest.PegInAmount)
	if _, err := g.SigHash(graph.InputRef{Tx: graph.TxPegInConfirm, Index: 1}); !errors.Is(err, graph.ErrUnknownInput) {
		t.Errorf("SigHash error = %v, want ErrUnknownInput", err)
	}
	if _, err := g.SigHash(graph.InputRef{Tx: graph.TxDisprove}); !errors.Is(err, graph.ErrUnknownTransaction) {
		t.Errorf("SigHash error = %v, want ErrUnknownTransaction", err)
	}
}

func TestParseTxName(t *testing.T) {
	if _, err := graph.ParseTxName(scripts.RolePegOut, "disprove"); err != nil {
		t.Errorf("disprove should parse for peg-out: %v", err)
	}
	if _, err := graph.ParseTxName(scripts.RolePegIn, "disprove"); !errors.Is(err, graph.ErrUnknownTransaction) {
		t.Errorf("disprove for peg-in error = %v, want ErrUnknownTransaction", err)
	}
}

// The refund leaf is signed by the depositor alone, so it can be executed
// end to end without a committee session.
func TestPegInRefundExecutes(t *testing.T) {
	f := graphtest.New(t, 2)
	g := f.PegIn(t, "deposit-1", graphtest.PegInAmount)
	refund, _ := g.Node(graph.TxPegInRefund)

	execute := func(t *testing.T, sign func(msg []byte) []byte) error {
		t.Helper()
		msg, err := refund.SigHash(0)
		if err != nil {
			t.Fatalf("failed to compute sighash: %v", err)
		}
		tx := refund.Tx.Copy()
		tx.TxIn[0].Witness = refund.Inputs[0].Witness(sign(msg[:]))

		fetcher := refund.PrevOutFetcher()
		in := refund.Inputs[0]
		vm, err := txscript.NewEngine(in.PkScript, tx, 0, txscript.StandardVerifyFlags,
			nil, txscript.NewTxSigHashes(tx, fetcher), in.Value, fetcher)
		if err != nil {
			t.Fatalf("failed to create engine: %v", err)
		}
		return vm.Execute()
	}

	err := execute(t, func(msg []byte) []byte {
		sig, err := schnorr.Sign(f.Depositor, msg)
		if err != nil {
			t.Fatalf("failed to sign: %v", err)
		}
		return sig.Serialize()
	})
	if err != nil {
		t.Errorf("depositor refund should execute: %v", err)
	}

	err = execute(t, func(msg []byte) []byte {
		sig, err := schnorr.Sign(f.Operator, msg)
		if err != nil {
			t.Fatalf("failed to sign: %v", err)
		}
		return sig.Serialize()
	})
	if err == nil {
		t.Error("refund signed by the wrong key should fail")
	}
}

func TestGraphJSONRoundtrip(t *testing.T) {
	f := graphtest.New(t, 2)
	g := f.PegOut(t, "withdraw-1", f.PegIn(t, "deposit-1", graphtest.PegInAmount))

	data, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var decoded graph.Graph
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.ID != g.ID || decoded.LinkedGraphID != g.LinkedGraphID {
		t.Errorf("decoded ids = %s/%s, want %s/%s", decoded.ID, decoded.LinkedGraphID, g.ID, g.LinkedGraphID)
	}
	for i, n := range g.Nodes {
		if decoded.Nodes[i].TxID() != n.TxID() {
			t.Errorf("%s txid changed", n.Name)
		}
	}
	want, _ := g.SigHash(graph.InputRef{Tx: graph.TxDisprove})
	got, err := decoded.SigHash(graph.InputRef{Tx: graph.TxDisprove})
	if err != nil {
		t.Fatalf("failed to compute decoded sighash: %v", err)
	}
	if got != want {
		t.Error("disprove sighash changed across JSON")
	}

	var broken graph.Graph
	tampered := bytes.Replace(data, []byte(`"peg_out_confirm"`), []byte(`"peg_out_confirm_x"`), 1)
	if err := json.Unmarshal(tampered, &broken); err == nil {
		t.Error("graph with broken dependency should not decode")
	}
}
