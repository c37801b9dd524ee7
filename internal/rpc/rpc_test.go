package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Klingon-tech/klingbridge/internal/bridge"
	"github.com/Klingon-tech/klingbridge/internal/chain"
	"github.com/Klingon-tech/klingbridge/internal/config"
	"github.com/Klingon-tech/klingbridge/internal/graph/graphtest"
	"github.com/Klingon-tech/klingbridge/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *graphtest.Fixture) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "klingbridge-rpc-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	params, err := config.NewBridgeConfig(chain.Regtest)
	if err != nil {
		t.Fatalf("failed to create bridge config: %v", err)
	}

	fx := graphtest.New(t, 2)
	b, err := bridge.New(&bridge.Config{Params: params, Committee: fx.Committee, Store: store})
	if err != nil {
		t.Fatalf("failed to create bridge: %v", err)
	}
	return NewServer(b), fx
}

// call posts a JSON-RPC request to the server's handler.
func call(t *testing.T, s *Server, method string, params interface{}) *Response {
	t.Helper()

	req := Request{JSONRPC: "2.0", Method: method, ID: 1}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("failed to marshal params: %v", err)
		}
		req.Params = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)))

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return &resp
}

func decodeResult(t *testing.T, resp *Response, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
}

func pegInParams(fx *graphtest.Fixture) bridge.PegInParams {
	req := fx.PegInRequest("deposit", graphtest.PegInAmount)
	return bridge.PegInParams{
		Funding:      req.Funding.String(),
		Amount:       req.Amount,
		DepositorKey: hex.EncodeToString(req.DepositorKey.SerializeCompressed()),
		Destination:  req.Destination.Hex(),
	}
}

func TestBridgeInfo(t *testing.T) {
	s, fx := newTestServer(t)

	var info BridgeInfoResult
	decodeResult(t, call(t, s, "bridge_info", nil), &info)

	if info.Network != string(chain.Regtest) {
		t.Errorf("Network = %s, want %s", info.Network, chain.Regtest)
	}
	if len(info.Committee) != len(fx.Privs) {
		t.Errorf("len(Committee) = %d, want %d", len(info.Committee), len(fx.Privs))
	}
	if info.CanSign {
		t.Error("bridge without a key should not sign")
	}
}

func TestPegInInitiateAndStatus(t *testing.T) {
	s, fx := newTestServer(t)

	var addr PegInResult
	decodeResult(t, call(t, s, "pegin_depositAddress", pegInParams(fx)), &addr)

	var res PegInResult
	decodeResult(t, call(t, s, "pegin_initiate", pegInParams(fx)), &res)
	if res.GraphID == "" {
		t.Fatal("pegin_initiate returned no graph id")
	}
	if res.DepositAddress != addr.DepositAddress {
		t.Errorf("DepositAddress = %s, want %s", res.DepositAddress, addr.DepositAddress)
	}

	var report bridge.GraphReport
	decodeResult(t, call(t, s, "graphs_status", GraphParams{GraphID: res.GraphID}), &report)
	if report.GraphID != res.GraphID {
		t.Errorf("GraphID = %s, want %s", report.GraphID, res.GraphID)
	}
	if report.ChainError == "" {
		t.Error("status without a backend should carry a chain error")
	}

	var list GraphsListResult
	decodeResult(t, call(t, s, "graphs_list", GraphsListParams{Role: "peg_out"}), &list)
	if list.Count != 0 {
		t.Errorf("peg_out Count = %d, want 0", list.Count)
	}
	decodeResult(t, call(t, s, "graphs_list", nil), &list)
	if list.Count != 1 {
		t.Errorf("Count = %d, want 1", list.Count)
	}
}

func TestErrorCodes(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		params interface{}
		code   int
		class  string
	}{
		{"unknown method", "nope", nil, MethodNotFound, ""},
		{"missing params", "graphs_status", nil, InvalidParams, ""},
		{"bad outpoint", "pegin_initiate", bridge.PegInParams{Funding: "x"}, InvalidParams, ""},
		{"offline sync", "bridge_sync", nil, RetryLater, "retry later"},
		{"no key", "signing_pushNonces", GraphParams{GraphID: "g"}, Rejected, "invalid input"},
		{"unknown graph", "graphs_status", GraphParams{GraphID: "missing"}, Rejected, "invalid input"},
		{"short assertion", "assertion_submit", AssertionParams{GraphID: "g", Assertion: "00"}, InvalidParams, ""},
		{"assertion for unknown graph", "assertion_submit", AssertionParams{GraphID: "missing", Assertion: strings.Repeat("00", 96)}, Rejected, "invalid input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, s, tt.method, tt.params)
			if resp.Error == nil {
				t.Fatal("expected an error")
			}
			if resp.Error.Code != tt.code {
				t.Errorf("Code = %d, want %d (%s)", resp.Error.Code, tt.code, resp.Error.Message)
			}
			if tt.class == "" {
				return
			}
			data, _ := resp.Error.Data.(map[string]interface{})
			if data["class"] != tt.class {
				t.Errorf("class = %v, want %s", data["class"], tt.class)
			}
		})
	}
}

func TestInvalidRequest(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{invalid json`)))
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Errorf("Error = %+v, want ParseError", resp.Error)
	}

	w = httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"1.0","method":"bridge_info","id":1}`)))
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Errorf("Error = %+v, want InvalidRequest", resp.Error)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestWebSocketEvents(t *testing.T) {
	s, fx := newTestServer(t)
	go s.wsHub.Run()

	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(WSSubscription{Action: "subscribe", Events: []string{string(bridge.EventGraphCreated)}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.wsHub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Let the subscription land before the event.
	time.Sleep(50 * time.Millisecond)

	var res PegInResult
	decodeResult(t, call(t, s, "pegin_initiate", pegInParams(fx)), &res)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read event: %v", err)
	}

	var event struct {
		ID   string           `json:"id"`
		Type bridge.EventType `json:"type"`
		Data bridge.Event     `json:"data"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}
	if event.Type != bridge.EventGraphCreated || event.Data.GraphID != res.GraphID {
		t.Errorf("event = %s %s, want graph_created %s", event.Type, event.Data.GraphID, res.GraphID)
	}
	if event.ID == "" {
		t.Error("event should carry an id")
	}
}

func TestWSSubscription(t *testing.T) {
	c := &WSClient{subscriptions: make(map[bridge.EventType]bool)}

	if !c.subscribed(bridge.EventTxBroadcast) {
		t.Error("a client without subscriptions gets every event")
	}

	c.handleSubscription(&WSSubscription{Action: "subscribe", Events: []string{"tx_confirmed"}})
	if c.subscribed(bridge.EventTxBroadcast) {
		t.Error("tx_broadcast should be filtered")
	}
	if !c.subscribed(bridge.EventTxConfirmed) {
		t.Error("tx_confirmed should pass")
	}

	c.handleSubscription(&WSSubscription{Action: "unsubscribe", Events: []string{"tx_confirmed"}})
	if !c.subscribed(bridge.EventTxBroadcast) {
		t.Error("empty subscriptions should get every event again")
	}
}
