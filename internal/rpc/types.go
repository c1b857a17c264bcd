package rpc

import (
	"github.com/klingonchain/coreutxo/internal/utxo"
	"github.com/klingonchain/coreutxo/pkg/block"
	"github.com/klingonchain/coreutxo/pkg/tx"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// HeightParam is used by endpoints that take a block height.
type HeightParam struct {
	Height uint64 `json:"height"`
}

// OutpointParam is used by utxo_get.
type OutpointParam struct {
	TxID  string `json:"tx_id"`
	Index uint32 `json:"index"`
}

// AddressParam is used by utxo_getByAddress and utxo_getBalance.
type AddressParam struct {
	Address string `json:"address"`
}

// TxSubmitParam is used by tx_submit and tx_validate.
type TxSubmitParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

// ── Block/Tx result types ───────────────────────────────────────────────

// BlockResult wraps a block with its precomputed hash for RPC responses.
type BlockResult struct {
	Hash         string        `json:"hash"`
	Header       *block.Header `json:"header"`
	Transactions []*TxResult   `json:"transactions"`
}

// TxResult wraps a transaction with its precomputed hash for RPC responses.
type TxResult struct {
	Hash     string      `json:"hash"`
	Version  uint32      `json:"version"`
	Inputs   []tx.Input  `json:"inputs"`
	Outputs  []tx.Output `json:"outputs"`
	LockTime uint64      `json:"locktime"`
}

// NewBlockResult creates a BlockResult from a block, precomputing all hashes.
func NewBlockResult(b *block.Block) *BlockResult {
	txResults := make([]*TxResult, len(b.Transactions))
	for i, t := range b.Transactions {
		txResults[i] = NewTxResult(t)
	}
	return &BlockResult{
		Hash:         b.Hash().String(),
		Header:       b.Header,
		Transactions: txResults,
	}
}

// NewTxResult creates a TxResult from a transaction, precomputing its hash.
func NewTxResult(t *tx.Transaction) *TxResult {
	return &TxResult{
		Hash:     t.Hash().String(),
		Version:  t.Version,
		Inputs:   t.Inputs,
		Outputs:  t.Outputs,
		LockTime: t.LockTime,
	}
}

// ── Result types ────────────────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	ChainID string `json:"chain_id"`
	Symbol  string `json:"symbol,omitempty"`
	Height  uint64 `json:"height"`
	TipHash string `json:"tip_hash"`
	Bits    uint32 `json:"bits"`
}

// BalanceResult is returned by utxo_getBalance.
type BalanceResult struct {
	Address   string `json:"address"`
	Spendable uint64 `json:"spendable"` // Mature, spendable UTXOs.
	Immature  uint64 `json:"immature"`  // Coinbase not yet matured.
}

// UTXOListResult is returned by utxo_getByAddress.
type UTXOListResult struct {
	Address string       `json:"address"`
	UTXOs   []*utxo.UTXO `json:"utxos"`
}

// TxSubmitResult is returned by tx_submit.
type TxSubmitResult struct {
	TxHash string `json:"tx_hash"`
	Fee    uint64 `json:"fee"`
}

// TxValidateResult is returned by tx_validate.
type TxValidateResult struct {
	Valid bool   `json:"valid"`
	Fee   uint64 `json:"fee,omitempty"`
	Error string `json:"error,omitempty"`
}

// MempoolInfoResult is returned by mempool_getInfo.
type MempoolInfoResult struct {
	Count      int    `json:"count"`
	MinFeeRate uint64 `json:"min_fee_rate"`
}

// MempoolContentResult is returned by mempool_getContent.
type MempoolContentResult struct {
	Hashes []string `json:"hashes"`
}
