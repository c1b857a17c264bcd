// Package rpc implements a minimal JSON-RPC 2.0 API for querying chain
// state, submitting transactions, and inspecting the mempool. It is a
// sketched external-collaborator surface, not a core consensus component:
// wallet, peer-to-peer, staking, and sub-chain endpoints are out of scope.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/klingonchain/coreutxo/config"
	"github.com/klingonchain/coreutxo/internal/chain"
	klog "github.com/klingonchain/coreutxo/internal/log"
	"github.com/klingonchain/coreutxo/internal/mempool"
	"github.com/klingonchain/coreutxo/internal/utxo"
	"github.com/rs/zerolog"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr    string
	chain   *chain.Chain
	utxos   *utxo.Store
	pool    *mempool.Pool
	genesis *config.Genesis
	server  *http.Server
	logger  zerolog.Logger
	ln      net.Listener
}

// New creates a new RPC server.
func New(addr string, ch *chain.Chain, utxos *utxo.Store, pool *mempool.Pool, genesis *config.Genesis) *Server {
	s := &Server{
		addr:    addr,
		chain:   ch,
		utxos:   utxos,
		pool:    pool,
		genesis: genesis,
		logger:  klog.WithComponent("rpc"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start begins listening and serving in a background goroutine. It returns
// immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}

	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, `jsonrpc must be "2.0"`)
		return
	}

	result, rpcErr := s.dispatch(&req)
	if rpcErr != nil {
		writeJSON(w, Response{JSONRPC: "2.0", Error: rpcErr, ID: req.ID})
		return
	}

	writeJSON(w, Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req *Request) (interface{}, *Error) {
	switch req.Method {
	case "chain_getInfo":
		return s.handleChainGetInfo(req)
	case "chain_getBlockByHash":
		return s.handleChainGetBlockByHash(req)
	case "chain_getBlockByHeight":
		return s.handleChainGetBlockByHeight(req)
	case "chain_getTransaction":
		return s.handleChainGetTransaction(req)
	case "utxo_get":
		return s.handleUTXOGet(req)
	case "utxo_getByAddress":
		return s.handleUTXOGetByAddress(req)
	case "utxo_getBalance":
		return s.handleUTXOGetBalance(req)
	case "tx_submit":
		return s.handleTxSubmit(req)
	case "tx_validate":
		return s.handleTxValidate(req)
	case "mempool_getInfo":
		return s.handleMempoolGetInfo(req)
	case "mempool_getContent":
		return s.handleMempoolGetContent(req)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message}, ID: id})
}

// parseParams unmarshals the request params into the given target.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}

	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}

	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
