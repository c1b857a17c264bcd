package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/klingonchain/coreutxo/config"
	"github.com/klingonchain/coreutxo/internal/chain"
	"github.com/klingonchain/coreutxo/internal/consensus"
	klog "github.com/klingonchain/coreutxo/internal/log"
	"github.com/klingonchain/coreutxo/internal/mempool"
	"github.com/klingonchain/coreutxo/internal/miner"
	"github.com/klingonchain/coreutxo/internal/storage"
	"github.com/klingonchain/coreutxo/internal/utxo"
	"github.com/klingonchain/coreutxo/pkg/crypto"
	"github.com/klingonchain/coreutxo/pkg/types"
)

type testEnv struct {
	server    *Server
	chain     *chain.Chain
	utxoStore *utxo.Store
	pool      *mempool.Pool
	genesis   *config.Genesis
	addr      types.Address
	url       string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.AddressFromPubKey(key.PublicKey())

	gen := config.TestnetGenesis()
	gen.Alloc = map[string]uint64{addr.String(): 100_000 * config.Coin}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	engine, err := consensus.NewPoW(gen.Protocol.Consensus.InitialBits,
		gen.Protocol.Consensus.RetargetInterval, gen.Protocol.Consensus.TargetSpacing)
	if err != nil {
		t.Fatalf("new pow: %v", err)
	}

	ch, err := chain.New(types.ChainID{}, db, t.TempDir(), utxoStore, engine)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("init genesis: %v", err)
	}

	adapter := miner.NewUTXOAdapter(utxoStore)
	pool := mempool.New(adapter, 1000)
	pool.SetMinFeeRate(gen.Protocol.Consensus.MinFeeRate)
	pool.SetCoinbaseMaturity(config.CoinbaseMaturity, ch.Height, utxoStore)

	srv := New("127.0.0.1:0", ch, utxoStore, pool, gen)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		server:    srv,
		chain:     ch,
		utxoStore: utxoStore,
		pool:      pool,
		genesis:   gen,
		addr:      addr,
		url:       "http://" + srv.Addr(),
	}
}

func (e *testEnv) call(t *testing.T, method string, params interface{}) Response {
	t.Helper()
	req := Request{JSONRPC: "2.0", Method: method, Params: params, ID: 1}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(e.url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestServer_ChainGetInfo(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.call(t, "chain_getInfo", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ChainInfoResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ChainID != env.genesis.ChainID {
		t.Errorf("chain_id: got %q, want %q", result.ChainID, env.genesis.ChainID)
	}
	if result.Height != 0 {
		t.Errorf("height: got %d, want 0", result.Height)
	}
}

func TestServer_UTXOGetBalance(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.call(t, "utxo_getBalance", AddressParam{Address: env.addr.String()})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result BalanceResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Spendable != 100_000*config.Coin {
		t.Errorf("spendable: got %d, want %d", result.Spendable, 100_000*config.Coin)
	}
}

func TestServer_UTXOGetBalance_MissingAddress(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.call(t, "utxo_getBalance", AddressParam{})
	if resp.Error == nil {
		t.Fatal("expected error for missing address")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("error code: got %d, want %d", resp.Error.Code, CodeInvalidParams)
	}
}

func TestServer_MempoolGetInfo_Empty(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.call(t, "mempool_getInfo", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result MempoolInfoResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Count != 0 {
		t.Errorf("count: got %d, want 0", result.Count)
	}
}

func TestServer_ChainGetBlockByHeight(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.call(t, "chain_getBlockByHeight", HeightParam{Height: 0})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result BlockResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Header.Height != 0 {
		t.Errorf("height: got %d, want 0", result.Header.Height)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.call(t, "bogus_method", nil)
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code: got %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestServer_RejectsNonPOST(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Error == nil {
		t.Fatal("expected error for GET request")
	}
}
