package l2

import (
	"errors"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingbridge/internal/chain"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/graph/graphtest"
	"github.com/Klingon-tech/klingbridge/internal/storage"
)

type testEnv struct {
	fx      *graphtest.Fixture
	store   *storage.Storage
	watcher *Watcher
	pegIn   *graph.Graph
}

func newTestEnv(t *testing.T, confirmed bool) *testEnv {
	t.Helper()

	dir, err := os.MkdirTemp("", "klingbridge-l2-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.New(&storage.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fx := graphtest.New(t, 2)
	pegIn := fx.PegIn(t, "deposit", graphtest.PegInAmount)
	if err := store.SaveGraph(pegIn); err != nil {
		t.Fatalf("failed to save graph: %v", err)
	}
	if confirmed {
		node, _ := pegIn.Node(graph.TxPegInConfirm)
		if _, err := store.RecordConfirmation(&storage.Confirmation{
			GraphID: pegIn.ID, TxName: graph.TxPegInConfirm, TxID: node.TxID(), BlockHeight: 100,
		}); err != nil {
			t.Fatalf("failed to record confirmation: %v", err)
		}
	}

	return &testEnv{
		fx:      fx,
		store:   store,
		watcher: NewWatcher(store, chain.Regtest),
		pegIn:   pegIn,
	}
}

func TestConfirm(t *testing.T) {
	env := newTestEnv(t, true)
	withdrawer := graphtest.Address(t, "withdrawer")

	event, err := env.watcher.Confirm(PegOutRequest{
		PegInID:    env.pegIn.ID,
		Withdrawer: withdrawer,
		Amount:     1_000_000,
		Sender:     graphtest.Destination,
	})
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if event.ID == "" {
		t.Error("event should have an id")
	}

	pending, err := env.watcher.PendingByPegIn()
	if err != nil {
		t.Fatalf("PendingByPegIn() error = %v", err)
	}
	if got := len(pending[env.pegIn.ID]); got != 1 {
		t.Fatalf("pending events = %d, want 1", got)
	}
	if pending[env.pegIn.ID][0].Withdrawer != withdrawer {
		t.Errorf("Withdrawer = %s, want %s", pending[env.pegIn.ID][0].Withdrawer, withdrawer)
	}
}

func TestConfirmErrors(t *testing.T) {
	env := newTestEnv(t, true)
	withdrawer := graphtest.Address(t, "withdrawer")

	tests := []struct {
		name string
		req  PegOutRequest
		want error
	}{
		{
			name: "unknown peg-in",
			req:  PegOutRequest{PegInID: "missing", Withdrawer: withdrawer, Amount: 1},
			want: graph.ErrUnknownLinkedGraph,
		},
		{
			name: "zero amount",
			req:  PegOutRequest{PegInID: env.pegIn.ID, Withdrawer: withdrawer},
			want: ErrInvalidRequest,
		},
		{
			name: "more than the vault",
			req:  PegOutRequest{PegInID: env.pegIn.ID, Withdrawer: withdrawer, Amount: graphtest.PegInAmount},
			want: graph.ErrAmountMismatch,
		},
		{
			name: "mainnet withdrawer",
			req:  PegOutRequest{PegInID: env.pegIn.ID, Withdrawer: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", Amount: 1},
			want: ErrInvalidRequest,
		},
		{
			name: "wrong sender",
			req: PegOutRequest{
				PegInID: env.pegIn.ID, Withdrawer: withdrawer, Amount: 1,
				Sender: common.HexToAddress("0x0000000000000000000000000000000000000001"),
			},
			want: ErrInvalidRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.watcher.Confirm(tc.req)
			if !errors.Is(err, tc.want) {
				t.Errorf("Confirm() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestConfirmUnconfirmedPegIn(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.watcher.Confirm(PegOutRequest{
		PegInID:    env.pegIn.ID,
		Withdrawer: graphtest.Address(t, "withdrawer"),
		Amount:     1_000,
	})
	if !errors.Is(err, ErrPegInNotConfirmed) {
		t.Errorf("Confirm() error = %v, want ErrPegInNotConfirmed", err)
	}
}

func TestConfirmOverRequested(t *testing.T) {
	env := newTestEnv(t, true)
	withdrawer := graphtest.Address(t, "withdrawer")

	_, vault, _ := env.pegIn.VaultOutpoint()
	half := uint64(vault.Value)/2 + 1

	if _, err := env.watcher.Confirm(PegOutRequest{PegInID: env.pegIn.ID, Withdrawer: withdrawer, Amount: half}); err != nil {
		t.Fatalf("first Confirm() error = %v", err)
	}
	_, err := env.watcher.Confirm(PegOutRequest{PegInID: env.pegIn.ID, Withdrawer: withdrawer, Amount: half})
	if !errors.Is(err, graph.ErrAmountMismatch) {
		t.Errorf("second Confirm() error = %v, want ErrAmountMismatch", err)
	}
}

func TestMatch(t *testing.T) {
	env := newTestEnv(t, true)
	pegOut := env.fx.PegOut(t, "withdrawal", env.pegIn)

	other, err := env.watcher.Confirm(PegOutRequest{
		PegInID: env.pegIn.ID, Withdrawer: graphtest.Address(t, "someone-else"), Amount: 1_000,
	})
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	event, err := env.watcher.Confirm(PegOutRequest{
		PegInID: env.pegIn.ID, Withdrawer: pegOut.Metadata.Withdrawer, Amount: 1_000,
	})
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	linked, err := env.watcher.Match(pegOut)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if linked == nil || linked.ID != event.ID {
		t.Fatalf("Match() = %v, want event %s", linked, event.ID)
	}

	again, err := env.watcher.Match(pegOut)
	if err != nil {
		t.Fatalf("second Match() error = %v", err)
	}
	if again == nil || again.ID != event.ID {
		t.Errorf("second Match() = %v, want the same event", again)
	}

	pending, err := env.watcher.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != other.ID {
		t.Errorf("Pending() = %v, want only %s", pending, other.ID)
	}

	if _, err := env.watcher.Match(env.pegIn); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Match(peg-in) error = %v, want ErrInvalidRequest", err)
	}
}
