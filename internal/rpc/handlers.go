package rpc

import (
	"encoding/hex"
	"fmt"

	"github.com/klingonchain/coreutxo/config"
	"github.com/klingonchain/coreutxo/internal/miner"
	"github.com/klingonchain/coreutxo/pkg/types"
)

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(_ *Request) (interface{}, *Error) {
	bits, _ := s.chain.NextBits()
	return &ChainInfoResult{
		ChainID: s.genesis.ChainID,
		Symbol:  s.genesis.Symbol,
		Height:  s.chain.Height(),
		TipHash: s.chain.TipHash().String(),
		Bits:    bits,
	}, nil
}

func (s *Server) handleChainGetBlockByHash(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}

	hash, hErr := decodeHash(params.Hash)
	if hErr != nil {
		return nil, hErr
	}

	blk, err := s.chain.GetBlock(hash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found: %v", err)}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetBlockByHeight(req *Request) (interface{}, *Error) {
	var params HeightParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	blk, err := s.chain.GetBlockByHeight(params.Height)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found at height %d: %v", params.Height, err)}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetTransaction(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}

	txHash, hErr := decodeHash(params.Hash)
	if hErr != nil {
		return nil, hErr
	}

	// Check mempool first.
	if t := s.pool.Get(txHash); t != nil {
		return NewTxResult(t), nil
	}

	t, err := s.chain.GetTransaction(txHash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "transaction not found"}
	}
	return NewTxResult(t), nil
}

// ── UTXO endpoints ──────────────────────────────────────────────────────

func (s *Server) handleUTXOGet(req *Request) (interface{}, *Error) {
	var params OutpointParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.TxID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "tx_id is required"}
	}

	txIDBytes, decErr := hex.DecodeString(params.TxID)
	if decErr != nil || len(txIDBytes) != types.HashSize {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid tx_id: must be 32-byte hex"}
	}

	var op types.Outpoint
	copy(op.TxID[:], txIDBytes)
	op.Index = params.Index

	u, err := s.utxos.Get(op)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("utxo not found: %v", err)}
	}
	return u, nil
}

func (s *Server) handleUTXOGetByAddress(req *Request) (interface{}, *Error) {
	var params AddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Address == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "address is required"}
	}

	addr, addrErr := decodeAddress(params.Address)
	if addrErr != nil {
		return nil, addrErr
	}

	utxos, err := s.utxos.GetByAddress(addr)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get utxos: %v", err)}
	}

	return &UTXOListResult{Address: params.Address, UTXOs: utxos}, nil
}

func (s *Server) handleUTXOGetBalance(req *Request) (interface{}, *Error) {
	var params AddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Address == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "address is required"}
	}

	addr, addrErr := decodeAddress(params.Address)
	if addrErr != nil {
		return nil, addrErr
	}

	all, err := s.utxos.GetByAddress(addr)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get utxos: %v", err)}
	}

	height := s.chain.Height()
	var spendable, immature uint64
	for _, u := range all {
		if u.IsMature(height, config.CoinbaseMaturity) {
			spendable += u.Value
		} else {
			immature += u.Value
		}
	}

	return &BalanceResult{Address: params.Address, Spendable: spendable, Immature: immature}, nil
}

// ── Transaction endpoints ───────────────────────────────────────────────

func (s *Server) handleTxSubmit(req *Request) (interface{}, *Error) {
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	fee, err := s.pool.Add(params.Transaction)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", err)}
	}

	return &TxSubmitResult{TxHash: params.Transaction.Hash().String(), Fee: fee}, nil
}

func (s *Server) handleTxValidate(req *Request) (interface{}, *Error) {
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	adapter := miner.NewUTXOAdapter(s.utxos)
	fee, vErr := params.Transaction.ValidateWithUTXOs(adapter)
	if vErr != nil {
		return &TxValidateResult{Valid: false, Error: vErr.Error()}, nil
	}

	return &TxValidateResult{Valid: true, Fee: fee}, nil
}

// ── Mempool endpoints ───────────────────────────────────────────────────

func (s *Server) handleMempoolGetInfo(_ *Request) (interface{}, *Error) {
	return &MempoolInfoResult{Count: s.pool.Count(), MinFeeRate: s.pool.MinFeeRate()}, nil
}

func (s *Server) handleMempoolGetContent(_ *Request) (interface{}, *Error) {
	hashes := s.pool.Hashes()
	hexHashes := make([]string, len(hashes))
	for i, h := range hashes {
		hexHashes[i] = h.String()
	}
	return &MempoolContentResult{Hashes: hexHashes}, nil
}

// ── Helpers ──────────────────────────────────────────────────────────────

func decodeHash(s string) (types.Hash, *Error) {
	hashBytes, err := hex.DecodeString(s)
	if err != nil || len(hashBytes) != types.HashSize {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return hash, nil
}

func decodeAddress(s string) (types.Address, *Error) {
	addr, err := types.ParseAddress(s)
	if err != nil {
		return types.Address{}, &Error{Code: CodeInvalidParams, Message: "invalid address: " + err.Error()}
	}
	return addr, nil
}
