package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/graph/graphtest"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
)

func newTestStore(t *testing.T, local bool) *Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "klingbridge-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir, Local: local})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	shared := newTestStore(t, false)
	if filepath.Base(shared.Path()) != SharedDBName {
		t.Errorf("shared path = %s, want %s", shared.Path(), SharedDBName)
	}
	if _, err := os.Stat(shared.Path()); os.IsNotExist(err) {
		t.Error("database file was not created")
	}

	var name string
	for _, table := range []string{"graphs", "signing_rounds", "nonces", "partial_sigs", "aggregate_sigs", "confirmations", "fraud_witnesses", "assertions", "l2_events"} {
		err := shared.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("%s table not found: %v", table, err)
		}
	}
	err := shared.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='secret_nonces'").Scan(&name)
	if err == nil {
		t.Error("shared store must not have a secret_nonces table")
	}

	local := newTestStore(t, true)
	if filepath.Base(local.Path()) != LocalDBName {
		t.Errorf("local path = %s, want %s", local.Path(), LocalDBName)
	}
	if err := local.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='secret_nonces'").Scan(&name); err != nil {
		t.Errorf("secret_nonces table not found: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got, want := expandPath("~/.test"), filepath.Join(home, ".test"); got != want {
		t.Errorf("expandPath(~/.test) = %s, want %s", got, want)
	}
}

func TestGraphs(t *testing.T) {
	store := newTestStore(t, false)
	f := graphtest.New(t, 2)
	pegIn := f.PegIn(t, "deposit-1", graphtest.PegInAmount)

	if err := store.SaveGraph(pegIn); err != nil {
		t.Fatalf("SaveGraph() error = %v", err)
	}
	if err := store.SaveGraph(pegIn); err != nil {
		t.Errorf("saving the same graph twice should be a no-op: %v", err)
	}

	got, err := store.GetGraph(pegIn.ID)
	if err != nil {
		t.Fatalf("GetGraph() error = %v", err)
	}
	entry, _ := got.Node(graph.TxPegInConfirm)
	want, _ := pegIn.Node(graph.TxPegInConfirm)
	if entry.TxID() != want.TxID() {
		t.Errorf("stored peg_in_confirm txid = %s, want %s", entry.TxID(), want.TxID())
	}

	if _, err := store.GetGraph("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetGraph(missing) error = %v, want ErrNotFound", err)
	}

	// Same id, different content.
	other := f.PegIn(t, "deposit-1", graphtest.PegInAmount+1_000)
	if err := store.SaveGraph(other); !errors.Is(err, ErrConflict) {
		t.Errorf("SaveGraph(conflict) error = %v, want ErrConflict", err)
	}
}

func TestPegInLookup(t *testing.T) {
	store := newTestStore(t, false)
	f := graphtest.New(t, 2)
	pegIn := f.PegIn(t, "deposit-1", graphtest.PegInAmount)
	if err := store.SaveGraph(pegIn); err != nil {
		t.Fatalf("SaveGraph() error = %v", err)
	}

	_, confirmed, err := store.PegInGraph(pegIn.ID)
	if err != nil {
		t.Fatalf("PegInGraph() error = %v", err)
	}
	if confirmed {
		t.Error("peg-in should not be confirmed before a confirmation is recorded")
	}

	confirm, _ := pegIn.Node(graph.TxPegInConfirm)
	if _, err := store.RecordConfirmation(&Confirmation{
		GraphID: pegIn.ID, TxName: graph.TxPegInConfirm, TxID: confirm.TxID(), BlockHeight: 101,
	}); err != nil {
		t.Fatalf("RecordConfirmation() error = %v", err)
	}

	_, confirmed, err = store.PegInGraph(pegIn.ID)
	if err != nil {
		t.Fatalf("PegInGraph() error = %v", err)
	}
	if !confirmed {
		t.Error("peg-in should be confirmed")
	}

	// The store is a working lookup for the builder.
	builder, err := graph.NewBuilder(f.Config, store)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	pegOut, err := builder.Build(f.Committee, f.PegOutRequest(t, "withdraw-1", pegIn, 0))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := store.SaveGraph(pegOut); err != nil {
		t.Fatalf("SaveGraph() error = %v", err)
	}

	ids, err := store.PegOutGraphsFor(pegIn.ID)
	if err != nil {
		t.Fatalf("PegOutGraphsFor() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != pegOut.ID {
		t.Errorf("PegOutGraphsFor() = %v, want [%s]", ids, pegOut.ID)
	}

	pegOuts, err := store.ListGraphs(scripts.RolePegOut)
	if err != nil {
		t.Fatalf("ListGraphs() error = %v", err)
	}
	if len(pegOuts) != 1 {
		t.Errorf("ListGraphs(peg_out) = %v, want 1 graph", pegOuts)
	}
	all, _ := store.ListGraphs("")
	if len(all) != 2 {
		t.Errorf("ListGraphs() = %v, want 2 graphs", all)
	}
}

func TestSigningSlots(t *testing.T) {
	store := newTestStore(t, false)
	const g, ref = "graph-1", "peg_in_confirm:0"

	round, err := store.GetRound(g, ref)
	if err != nil || round != 0 {
		t.Fatalf("GetRound() = %d, %v, want 0", round, err)
	}

	nonce := []byte{1, 2, 3}
	if err := store.PutNonce(g, ref, 0, 0, nonce); err != nil {
		t.Fatalf("PutNonce() error = %v", err)
	}
	if err := store.PutNonce(g, ref, 0, 0, nonce); err != nil {
		t.Errorf("identical resubmission should be a no-op: %v", err)
	}
	if err := store.PutNonce(g, ref, 0, 0, []byte{9}); !errors.Is(err, ErrDuplicateSubmission) {
		t.Errorf("PutNonce(different) error = %v, want ErrDuplicateSubmission", err)
	}
	if err := store.PutNonce(g, ref, 0, 1, []byte{4}); err != nil {
		t.Fatalf("PutNonce() error = %v", err)
	}

	nonces, err := store.Nonces(g, ref, 0)
	if err != nil {
		t.Fatalf("Nonces() error = %v", err)
	}
	if len(nonces) != 2 || string(nonces[0]) != string(nonce) {
		t.Errorf("Nonces() = %v", nonces)
	}

	if err := store.PutPartialSig(g, ref, 0, 1, []byte{7}); err != nil {
		t.Fatalf("PutPartialSig() error = %v", err)
	}
	if err := store.PutPartialSig(g, ref, 0, 1, []byte{8}); !errors.Is(err, ErrDuplicateSubmission) {
		t.Errorf("PutPartialSig(different) error = %v, want ErrDuplicateSubmission", err)
	}

	// A new round starts with empty slots.
	round, err = store.BumpRound(g, ref)
	if err != nil || round != 1 {
		t.Fatalf("BumpRound() = %d, %v, want 1", round, err)
	}
	round, _ = store.BumpRound(g, ref)
	if round != 2 {
		t.Errorf("second BumpRound() = %d, want 2", round)
	}
	nonces, _ = store.Nonces(g, ref, round)
	if len(nonces) != 0 {
		t.Errorf("fresh round has %d nonces", len(nonces))
	}

	if _, err := store.AggregateSig(g, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("AggregateSig() error = %v, want ErrNotFound", err)
	}
	if err := store.PutAggregateSig(g, ref, round, []byte{5}); err != nil {
		t.Fatalf("PutAggregateSig() error = %v", err)
	}
	if err := store.PutAggregateSig(g, ref, round, []byte{5}); err != nil {
		t.Errorf("identical aggregate should be a no-op: %v", err)
	}
	if err := store.PutAggregateSig(g, ref, round, []byte{6}); !errors.Is(err, ErrDuplicateSubmission) {
		t.Errorf("PutAggregateSig(different) error = %v, want ErrDuplicateSubmission", err)
	}
	if _, err := store.BumpRound(g, ref); !errors.Is(err, ErrConflict) {
		t.Errorf("BumpRound() after aggregate error = %v, want ErrConflict", err)
	}
}

func TestConfirmations(t *testing.T) {
	store := newTestStore(t, false)

	inserted, err := store.RecordConfirmation(&Confirmation{GraphID: "g", TxName: graph.TxPegOut, TxID: "aa", BlockHeight: 10})
	if err != nil || !inserted {
		t.Fatalf("RecordConfirmation() = %v, %v", inserted, err)
	}
	inserted, err = store.RecordConfirmation(&Confirmation{GraphID: "g", TxName: graph.TxPegOut, TxID: "aa", BlockHeight: 12})
	if err != nil || inserted {
		t.Errorf("second RecordConfirmation() = %v, %v, want false", inserted, err)
	}

	c, err := store.GetConfirmation("g", graph.TxPegOut)
	if err != nil {
		t.Fatalf("GetConfirmation() error = %v", err)
	}
	if c.BlockHeight != 10 {
		t.Errorf("BlockHeight = %d, want first record 10", c.BlockHeight)
	}

	store.RecordConfirmation(&Confirmation{GraphID: "g", TxName: graph.TxPegOutConfirm, TxID: "bb", BlockHeight: 11})
	all, err := store.GetConfirmations("g")
	if err != nil {
		t.Fatalf("GetConfirmations() error = %v", err)
	}
	if len(all) != 2 || all[graph.TxPegOutConfirm].TxID != "bb" {
		t.Errorf("GetConfirmations() = %v", all)
	}
}

func TestFraudWitness(t *testing.T) {
	store := newTestStore(t, false)
	w := &FraudWitnessRecord{GraphID: "g", Preimage: []byte("secret"), Proof: []byte{1}}

	if err := store.SaveFraudWitness(w); err != nil {
		t.Fatalf("SaveFraudWitness() error = %v", err)
	}
	if err := store.SaveFraudWitness(w); err != nil {
		t.Errorf("resubmission should be a no-op: %v", err)
	}
	if err := store.SaveFraudWitness(&FraudWitnessRecord{GraphID: "g", Preimage: []byte("other")}); !errors.Is(err, ErrDuplicateSubmission) {
		t.Errorf("SaveFraudWitness(different) error = %v, want ErrDuplicateSubmission", err)
	}

	got, err := store.GetFraudWitness("g")
	if err != nil {
		t.Fatalf("GetFraudWitness() error = %v", err)
	}
	if string(got.Preimage) != "secret" || got.Assertion != nil {
		t.Errorf("GetFraudWitness() = %+v", got)
	}
}

func TestAssertion(t *testing.T) {
	store := newTestStore(t, false)
	a := &AssertionRecord{GraphID: "g", Assertion: []byte{1, 2}, Proof: []byte{3}, Signature: []byte{4}}

	if _, err := store.GetAssertion("g"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAssertion() before save error = %v, want ErrNotFound", err)
	}
	if err := store.SaveAssertion(a); err != nil {
		t.Fatalf("SaveAssertion() error = %v", err)
	}
	if err := store.SaveAssertion(a); err != nil {
		t.Errorf("resubmission should be a no-op: %v", err)
	}
	other := &AssertionRecord{GraphID: "g", Assertion: []byte{1, 2}, Proof: []byte{9}, Signature: []byte{4}}
	if err := store.SaveAssertion(other); !errors.Is(err, ErrDuplicateSubmission) {
		t.Errorf("SaveAssertion(different proof) error = %v, want ErrDuplicateSubmission", err)
	}

	got, err := store.GetAssertion("g")
	if err != nil {
		t.Fatalf("GetAssertion() error = %v", err)
	}
	if string(got.Proof) != string([]byte{3}) || len(got.Signature) != 1 {
		t.Errorf("GetAssertion() = %+v", got)
	}
}

func TestReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "klingbridge-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.SaveFraudWitness(&FraudWitnessRecord{GraphID: "g", Preimage: []byte("secret")}); err != nil {
		t.Fatalf("SaveFraudWitness() error = %v", err)
	}
	store.Close()

	store, err = New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() on an existing database error = %v", err)
	}
	defer store.Close()
	if _, err := store.GetFraudWitness("g"); err != nil {
		t.Errorf("GetFraudWitness() after reopen error = %v", err)
	}
}

func TestL2Events(t *testing.T) {
	store := newTestStore(t, false)
	now := time.Now()

	e := &L2Event{ID: "ev-1", PegInGraphID: "pegin", Withdrawer: "bcrt1q", Amount: 1000, CreatedAt: now}
	if err := store.SaveL2Event(e); err != nil {
		t.Fatalf("SaveL2Event() error = %v", err)
	}
	if err := store.SaveL2Event(e); !errors.Is(err, ErrConflict) {
		t.Errorf("SaveL2Event(dup) error = %v, want ErrConflict", err)
	}

	pending, err := store.PendingL2Events()
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingL2Events() = %v, %v", pending, err)
	}
	if pending[0].Amount != 1000 {
		t.Errorf("Amount = %d, want 1000", pending[0].Amount)
	}

	if err := store.LinkL2Event("ev-1", "pegout"); err != nil {
		t.Fatalf("LinkL2Event() error = %v", err)
	}
	if err := store.LinkL2Event("ev-1", "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LinkL2Event(again) error = %v, want ErrNotFound", err)
	}
	pending, _ = store.PendingL2Events()
	if len(pending) != 0 {
		t.Errorf("PendingL2Events() = %d events, want 0", len(pending))
	}
	events, _ := store.L2EventsForPegIn("pegin")
	if len(events) != 1 || events[0].PegOutGraphID != "pegout" {
		t.Errorf("L2EventsForPegIn() = %v", events)
	}
}

func TestSecretNonces(t *testing.T) {
	store := newTestStore(t, true)
	n := &SecretNonce{GraphID: "g", InputRef: "peg_out:0", Round: 0, SecNonce: []byte{1}, PubNonce: []byte{2}}

	saved, err := store.SaveSecretNonce(n)
	if err != nil {
		t.Fatalf("SaveSecretNonce() error = %v", err)
	}
	if string(saved.SecNonce) != string(n.SecNonce) {
		t.Error("SaveSecretNonce() returned a different nonce")
	}

	// A second nonce for the same round keeps the first.
	again, err := store.SaveSecretNonce(&SecretNonce{GraphID: "g", InputRef: "peg_out:0", Round: 0, SecNonce: []byte{3}, PubNonce: []byte{4}})
	if err != nil {
		t.Fatalf("SaveSecretNonce() error = %v", err)
	}
	if string(again.PubNonce) != string(n.PubNonce) {
		t.Error("existing nonce should be kept")
	}

	if err := store.DeleteSecretNonce("g", "peg_out:0", 0); err != nil {
		t.Fatalf("DeleteSecretNonce() error = %v", err)
	}
	if _, err := store.GetSecretNonce("g", "peg_out:0", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSecretNonce() error = %v, want ErrNotFound", err)
	}
}
