// Package rpc provides the JSON-RPC 2.0 server and event stream of a
// verifier running in automatic mode.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Klingon-tech/klingbridge/internal/bridge"
	"github.com/Klingon-tech/klingbridge/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	bridge *bridge.Bridge
	log    *logging.Logger
	wsHub  *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Bridge error codes, one per bridge.Class.
const (
	Rejected   = -32000
	RetryLater = -32001
	Resynced   = -32002
)

// ErrorData is attached to every bridge error.
type ErrorData struct {
	Class     string `json:"class"`
	Retryable bool   `json:"retryable"`
}

// NewServer creates a new JSON-RPC server and subscribes it to the
// bridge's events.
func NewServer(b *bridge.Bridge) *Server {
	s := &Server{
		bridge:   b,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}

	s.registerHandlers()
	b.OnEvent(s.forwardEvent)

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["bridge_info"] = s.bridgeInfo
	s.handlers["bridge_sync"] = s.bridgeSync
	s.handlers["bridge_advance"] = s.bridgeAdvance

	// Graphs
	s.handlers["graphs_list"] = s.graphsList
	s.handlers["graphs_status"] = s.graphsStatus

	// Peg-in / peg-out
	s.handlers["pegin_initiate"] = s.pegInInitiate
	s.handlers["pegin_depositAddress"] = s.pegInDepositAddress
	s.handlers["pegout_create"] = s.pegOutCreate

	// Signing
	s.handlers["signing_pushNonces"] = s.signingPushNonces
	s.handlers["signing_pushSignatures"] = s.signingPushSignatures

	// Dispute
	s.handlers["tx_broadcast"] = s.txBroadcast
	s.handlers["assertion_submit"] = s.assertionSubmit
	s.handlers["fraud_submit"] = s.fraudSubmit

	// Mock L2
	s.handlers["l2_confirm"] = s.l2Confirm
	s.handlers["l2_pending"] = s.l2Pending
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// forwardEvent pushes bridge events to WebSocket subscribers.
func (s *Server) forwardEvent(e bridge.Event) {
	s.wsHub.Broadcast(e.Type, e)
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, data := errorCode(err)
		s.log.Debug("RPC call failed", "method", req.Method, "error", err)
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode maps a handler error to a JSON-RPC code.
func errorCode(err error) (int, interface{}) {
	if errors.Is(err, bridge.ErrInvalidParams) {
		return InvalidParams, nil
	}

	class := bridge.Classify(err)
	data := &ErrorData{Class: class.String(), Retryable: class == bridge.Retry}
	switch class {
	case bridge.Retry:
		return RetryLater, data
	case bridge.Resync:
		return Resynced, data
	default:
		return Rejected, data
	}
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
