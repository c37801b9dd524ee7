package bridge

import (
	"testing"

	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/graph/graphtest"
	"github.com/Klingon-tech/klingbridge/internal/l2"
)

func TestMonitorBroadcastsOnce(t *testing.T) {
	env := newTestEnv(t, 2)

	res, err := env.bridges[0].InitiatePegIn(env.fx.PegInRequest("deposit", graphtest.PegInAmount))
	if err != nil {
		t.Fatalf("InitiatePegIn() error = %v", err)
	}
	env.sign(t, res.Graph.ID)
	env.explorer.confirm(res.Graph.Funding.Hash.String())

	m := NewMonitor(&MonitorConfig{Bridge: env.bridges[0], AutoBroadcast: true})
	m.CheckNow()
	m.CheckNow()
	if got := env.explorer.broadcastCount(); got != 1 {
		t.Fatalf("broadcast count = %d, want 1", got)
	}

	env.explorer.mine()
	m.CheckNow()

	session, err := env.bridges[1].pegInSession(res.Graph)
	if err != nil {
		t.Fatalf("pegInSession() error = %v", err)
	}
	if !session.IsTerminal() {
		t.Error("peg-in should be settled after the monitor synced")
	}
}

func TestMonitorWithoutAutoBroadcast(t *testing.T) {
	env := newTestEnv(t, 2)

	res, err := env.bridges[0].InitiatePegIn(env.fx.PegInRequest("deposit", graphtest.PegInAmount))
	if err != nil {
		t.Fatalf("InitiatePegIn() error = %v", err)
	}
	env.sign(t, res.Graph.ID)
	env.explorer.confirm(res.Graph.Funding.Hash.String())

	m := NewMonitor(&MonitorConfig{Bridge: env.bridges[0]})
	m.CheckNow()
	if got := env.explorer.broadcastCount(); got != 0 {
		t.Errorf("broadcast count = %d, want 0", got)
	}
}

func TestMonitorWaitsForWithdrawal(t *testing.T) {
	env := newTestEnv(t, 2)
	pegIn := env.confirmedPegIn(t)
	pegOut := env.pegOut(t, pegIn)
	before := env.explorer.broadcastCount()

	m := NewMonitor(&MonitorConfig{Bridge: env.bridges[1], AutoBroadcast: true})
	m.CheckNow()
	if got := env.explorer.broadcastCount(); got != before {
		t.Fatalf("peg_out broadcast without a withdrawal: count = %d, want %d", got, before)
	}

	_, err := env.bridges[0].MockL2Confirm(l2.PegOutRequest{
		PegInID:    pegIn.ID,
		Withdrawer: env.fx.PegOutRequest(t, "withdraw", pegIn, 50_000).Withdrawer,
		Amount:     500_000,
	})
	if err != nil {
		t.Fatalf("MockL2Confirm() error = %v", err)
	}

	m.CheckNow()
	if got := env.explorer.broadcastCount(); got != before+1 {
		t.Fatalf("broadcast count = %d, want %d", got, before+1)
	}
	m.mu.Lock()
	flagged := len(m.flagged)
	m.mu.Unlock()
	if flagged != 1 {
		t.Errorf("flagged = %d, want 1", flagged)
	}

	env.explorer.mine()
	m.CheckNow()
	report, err := env.bridges[0].Status(t.Context(), pegOut.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if _, ok := report.Dispute.Confirmed[graph.TxPegOut]; !ok {
		t.Errorf("peg_out not recorded: %v", report.Dispute.Confirmed)
	}
}
