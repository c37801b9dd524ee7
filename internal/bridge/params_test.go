package bridge

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/Klingon-tech/klingbridge/internal/graph/graphtest"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
)

const testTxID = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func TestParseOutpoint(t *testing.T) {
	op, err := ParseOutpoint(testTxID + ":3")
	if err != nil {
		t.Fatalf("ParseOutpoint() error = %v", err)
	}
	if op.Hash.String() != testTxID || op.Index != 3 {
		t.Errorf("ParseOutpoint() = %s, want %s:3", op, testTxID)
	}

	for _, bad := range []string{"", testTxID, "zz:0", testTxID + ":x", testTxID + ":4294967296"} {
		if _, err := ParseOutpoint(bad); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("ParseOutpoint(%q) error = %v, want ErrInvalidParams", bad, err)
		}
	}
}

func TestParsePublicKey(t *testing.T) {
	pub := graphtest.Key("depositor").PubKey()

	compressed, err := ParsePublicKey(hex.EncodeToString(pub.SerializeCompressed()))
	if err != nil {
		t.Fatalf("ParsePublicKey(compressed) error = %v", err)
	}
	if !compressed.IsEqual(pub) {
		t.Error("compressed key mismatch")
	}

	xonly, err := ParsePublicKey(hex.EncodeToString(schnorr.SerializePubKey(pub)))
	if err != nil {
		t.Fatalf("ParsePublicKey(x-only) error = %v", err)
	}
	if hex.EncodeToString(schnorr.SerializePubKey(xonly)) != hex.EncodeToString(schnorr.SerializePubKey(pub)) {
		t.Error("x-only key mismatch")
	}

	if _, err := ParsePublicKey("02abcd"); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("short key error = %v, want ErrInvalidParams", err)
	}
}

func TestPegInParams(t *testing.T) {
	pub := graphtest.Key("depositor").PubKey()
	p := PegInParams{
		Funding:      testTxID + ":0",
		Amount:       graphtest.PegInAmount,
		DepositorKey: hex.EncodeToString(pub.SerializeCompressed()),
		Destination:  graphtest.Destination.Hex(),
	}
	req, err := p.Request()
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if req.Role != scripts.RolePegIn || req.Destination != graphtest.Destination || req.Amount != p.Amount {
		t.Errorf("Request() = %+v", req)
	}

	p.Destination = "not-an-address"
	if _, err := p.Request(); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("bad destination error = %v, want ErrInvalidParams", err)
	}
}

func TestPegOutParams(t *testing.T) {
	pub := graphtest.Key("operator").PubKey()
	p := PegOutParams{
		Funding:      testTxID + ":1",
		Amount:       100_000,
		PegInID:      "peg-in",
		OperatorKey:  hex.EncodeToString(pub.SerializeCompressed()),
		Withdrawer:   "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080",
		DisproveHash: strings.Repeat("ab", 32),
	}
	req, err := p.Request()
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if req.Role != scripts.RolePegOut || req.LinkedGraphID != "peg-in" || len(req.DisproveHash) != 32 {
		t.Errorf("Request() = %+v", req)
	}

	p.DisproveHash = "abcd"
	if _, err := p.Request(); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("short hash error = %v, want ErrInvalidParams", err)
	}

	p.DisproveHash = strings.Repeat("ab", 32)
	p.PegInID = ""
	if _, err := p.Request(); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("missing peg-in error = %v, want ErrInvalidParams", err)
	}
}
