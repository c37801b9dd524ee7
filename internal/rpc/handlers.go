package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingbridge/internal/bridge"
	"github.com/Klingon-tech/klingbridge/internal/dispute"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/l2"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/internal/storage"
)

// Version of the verifier
const Version = "0.1.0-dev"

// decodeParams unmarshals params into v.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: params required", bridge.ErrInvalidParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrInvalidParams, err)
	}
	return nil
}

// GraphParams selects a graph.
type GraphParams struct {
	GraphID string `json:"graph_id"`
}

func decodeGraphID(params json.RawMessage) (string, error) {
	var p GraphParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.GraphID == "" {
		return "", fmt.Errorf("%w: graph_id required", bridge.ErrInvalidParams)
	}
	return p.GraphID, nil
}

// ========================================
// Bridge handlers
// ========================================

// BridgeInfoResult is the response for bridge_info.
type BridgeInfoResult struct {
	Version   string   `json:"version"`
	Network   string   `json:"network"`
	Committee []string `json:"committee"`
	CanSign   bool     `json:"can_sign"`
	WSClients int      `json:"ws_clients"`
}

func (s *Server) bridgeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &BridgeInfoResult{
		Version:   Version,
		Network:   string(s.bridge.Params().Network),
		Committee: s.bridge.Committee().HexKeys(),
		CanSign:   s.bridge.CanSign(),
		WSClients: s.wsHub.ClientCount(),
	}, nil
}

func (s *Server) bridgeSync(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.bridge.Sync(ctx)
}

// AdvanceResult is the response for bridge_advance.
type AdvanceResult struct {
	Broadcast []string `json:"broadcast"`
}

func (s *Server) bridgeAdvance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	sent, err := s.bridge.Advance(ctx)
	if err != nil {
		return nil, err
	}
	if sent == nil {
		sent = []string{}
	}
	return &AdvanceResult{Broadcast: sent}, nil
}

// ========================================
// Graph handlers
// ========================================

// GraphsListParams filters graphs_list.
type GraphsListParams struct {
	Role string `json:"role,omitempty"`
}

// GraphsListResult is the response for graphs_list.
type GraphsListResult struct {
	Graphs []*bridge.GraphReport `json:"graphs"`
	Count  int                   `json:"count"`
}

func (s *Server) graphsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p GraphsListParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}

	reports, err := s.bridge.StatusAll(ctx)
	if err != nil {
		return nil, err
	}

	graphs := make([]*bridge.GraphReport, 0, len(reports))
	for _, r := range reports {
		if p.Role != "" && r.Role != scripts.Role(p.Role) {
			continue
		}
		graphs = append(graphs, r)
	}
	return &GraphsListResult{Graphs: graphs, Count: len(graphs)}, nil
}

func (s *Server) graphsStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeGraphID(params)
	if err != nil {
		return nil, err
	}
	return s.bridge.Status(ctx, id)
}

// ========================================
// Peg-in / peg-out handlers
// ========================================

// PegInResult is the response for pegin_initiate and pegin_depositAddress.
type PegInResult struct {
	GraphID        string `json:"graph_id,omitempty"`
	DepositAddress string `json:"deposit_address"`
}

func (s *Server) pegInInitiate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p bridge.PegInParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, err := p.Request()
	if err != nil {
		return nil, err
	}
	res, err := s.bridge.InitiatePegIn(req)
	if err != nil {
		return nil, err
	}
	return &PegInResult{GraphID: res.Graph.ID, DepositAddress: res.DepositAddress}, nil
}

func (s *Server) pegInDepositAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p bridge.PegInParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, err := p.Request()
	if err != nil {
		return nil, err
	}
	addr, err := s.bridge.DepositAddress(req.DepositorKey, req.Destination, req.Amount)
	if err != nil {
		return nil, err
	}
	return &PegInResult{DepositAddress: addr}, nil
}

// PegOutResult is the response for pegout_create.
type PegOutResult struct {
	GraphID string `json:"graph_id"`
	PegInID string `json:"peg_in_id"`
	Payout  uint64 `json:"payout"`
}

func (s *Server) pegOutCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p bridge.PegOutParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, err := p.Request()
	if err != nil {
		return nil, err
	}
	g, err := s.bridge.CreatePegOut(req)
	if err != nil {
		return nil, err
	}
	return &PegOutResult{GraphID: g.ID, PegInID: g.LinkedGraphID, Payout: g.Metadata.Payout}, nil
}

// ========================================
// Signing handlers
// ========================================

// PushNoncesResult is the response for signing_pushNonces.
type PushNoncesResult struct {
	GraphID string `json:"graph_id"`
	Count   int    `json:"count"`
}

func (s *Server) signingPushNonces(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeGraphID(params)
	if err != nil {
		return nil, err
	}
	n, err := s.bridge.PushNonces(id)
	if err != nil {
		return nil, err
	}
	return &PushNoncesResult{GraphID: id, Count: n}, nil
}

func (s *Server) signingPushSignatures(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeGraphID(params)
	if err != nil {
		return nil, err
	}
	return s.bridge.PushSignatures(ctx, id)
}

// ========================================
// Dispute handlers
// ========================================

// BroadcastParams names a transaction of a graph.
type BroadcastParams struct {
	GraphID string `json:"graph_id"`
	Tx      string `json:"tx"`
}

// BroadcastResult is the response for tx_broadcast.
type BroadcastResult struct {
	GraphID string `json:"graph_id"`
	Tx      string `json:"tx"`
	TxID    string `json:"txid"`
}

func (s *Server) txBroadcast(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p BroadcastParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.GraphID == "" || p.Tx == "" {
		return nil, fmt.Errorf("%w: graph_id and tx required", bridge.ErrInvalidParams)
	}
	txid, err := s.bridge.BroadcastTx(ctx, p.GraphID, graph.TxName(p.Tx))
	if err != nil {
		return nil, err
	}
	return &BroadcastResult{GraphID: p.GraphID, Tx: p.Tx, TxID: txid}, nil
}

// AssertionParams is a hex-encoded operator assertion. An empty signature
// asks the node to sign with its own key.
type AssertionParams struct {
	GraphID   string `json:"graph_id"`
	Assertion string `json:"assertion"`
	Proof     string `json:"proof"`
	Signature string `json:"signature,omitempty"`
}

func (s *Server) assertionSubmit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AssertionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	claim := bridge.AssertionClaim{GraphID: p.GraphID}
	var err error
	if claim.Assertion, err = bridge.ParseHex(p.Assertion, dispute.AssertionSize); err != nil {
		return nil, err
	}
	if claim.Proof, err = bridge.ParseHex(p.Proof, 0); err != nil {
		return nil, err
	}
	if claim.Signature, err = bridge.ParseHex(p.Signature, 0); err != nil {
		return nil, err
	}
	a, err := s.bridge.SubmitAssertion(claim)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"status":    "recorded",
		"graph_id":  p.GraphID,
		"signature": hex.EncodeToString(a.Signature),
	}, nil
}

// FraudParams is a hex-encoded fraud witness. Proof and assertion are
// optional and must match what the operator signed.
type FraudParams struct {
	GraphID   string `json:"graph_id"`
	Preimage  string `json:"preimage"`
	Proof     string `json:"proof,omitempty"`
	Assertion string `json:"assertion,omitempty"`
}

func (s *Server) fraudSubmit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FraudParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	claim := bridge.FraudClaim{GraphID: p.GraphID}
	var err error
	if claim.Preimage, err = bridge.ParseHex(p.Preimage, 0); err != nil {
		return nil, err
	}
	if claim.Proof, err = bridge.ParseHex(p.Proof, 0); err != nil {
		return nil, err
	}
	if claim.Assertion, err = bridge.ParseHex(p.Assertion, 0); err != nil {
		return nil, err
	}
	if err := s.bridge.SubmitFraud(ctx, claim); err != nil {
		return nil, err
	}
	return map[string]string{"status": "accepted", "graph_id": p.GraphID}, nil
}

// ========================================
// L2 handlers
// ========================================

// L2ConfirmParams is a mock L2 peg-out request.
type L2ConfirmParams struct {
	PegInID    string `json:"peg_in_id"`
	Withdrawer string `json:"withdrawer"`
	Amount     uint64 `json:"amount"`
	Sender     string `json:"sender,omitempty"`
}

func (s *Server) l2Confirm(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p L2ConfirmParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	req := l2.PegOutRequest{PegInID: p.PegInID, Withdrawer: p.Withdrawer, Amount: p.Amount}
	if p.Sender != "" {
		sender, err := bridge.ParseDestination(p.Sender)
		if err != nil {
			return nil, err
		}
		req.Sender = sender
	}
	return s.bridge.MockL2Confirm(req)
}

// L2PendingResult is the response for l2_pending.
type L2PendingResult struct {
	Events []*storage.L2Event `json:"events"`
	Count  int                `json:"count"`
}

func (s *Server) l2Pending(ctx context.Context, params json.RawMessage) (interface{}, error) {
	events, err := s.bridge.Watcher().Pending()
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*storage.L2Event{}
	}
	return &L2PendingResult{Events: events, Count: len(events)}, nil
}
