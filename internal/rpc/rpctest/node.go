// Package rpctest provides an in-memory JSON-RPC node for tests. It accepts
// signed value transfers, checks nonce, gas and balance the way a real node
// would and mines every accepted transaction immediately.
package rpctest

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Node is a fake execution client.
type Node struct {
	mu       sync.Mutex
	chainID  *big.Int
	gasPrice *big.Int
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	txs      []*types.Transaction
	calls    map[string]int
	down     bool

	srv *httptest.Server
}

// NewNode starts a node serving on a local httptest server. Call Close when done.
func NewNode(chainID int64) *Node {
	n := &Node{
		chainID:  big.NewInt(chainID),
		gasPrice: big.NewInt(1_000_000_000),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		calls:    make(map[string]int),
	}
	n.srv = httptest.NewServer(n)
	return n
}

// URL returns the JSON-RPC endpoint.
func (n *Node) URL() string { return n.srv.URL }

// Close stops the server.
func (n *Node) Close() { n.srv.Close() }

// Fund sets the balance of addr.
func (n *Node) Fund(addr common.Address, wei *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[addr] = new(big.Int).Set(wei)
}

// SetGasPrice changes the price returned by eth_gasPrice.
func (n *Node) SetGasPrice(wei *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gasPrice = new(big.Int).Set(wei)
}

// SetDown makes every request fail with 503 while down is true.
func (n *Node) SetDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

// Balance returns the balance of addr.
func (n *Node) Balance(addr common.Address) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b, ok := n.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Nonce returns the next nonce of addr.
func (n *Node) Nonce(addr common.Address) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonces[addr]
}

// Transactions returns the accepted transactions in order.
func (n *Node) Transactions() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*types.Transaction, len(n.txs))
	copy(out, n.txs)
	return out
}

// Calls returns how many times method was called.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

type request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ServeHTTP implements http.Handler.
func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	down := n.down
	n.mu.Unlock()
	if down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, rerr := n.handle(req)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rerr != nil {
		resp["error"] = rerr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *Node) handle(req request) (any, *rpcError) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.Method]++

	switch req.Method {
	case "web3_clientVersion":
		return "Fake/v0.0.0", nil
	case "eth_chainId":
		return hexutil.EncodeBig(n.chainID), nil
	case "eth_blockNumber":
		return hexutil.EncodeUint64(uint64(len(n.txs))), nil
	case "eth_gasPrice":
		return hexutil.EncodeBig(n.gasPrice), nil
	case "eth_getTransactionCount":
		addr, err := addressParam(req)
		if err != nil {
			return nil, err
		}
		return hexutil.EncodeUint64(n.nonces[addr]), nil
	case "eth_getBalance":
		addr, err := addressParam(req)
		if err != nil {
			return nil, err
		}
		b := n.balances[addr]
		if b == nil {
			b = new(big.Int)
		}
		return hexutil.EncodeBig(b), nil
	case "eth_sendRawTransaction":
		return n.sendRaw(req)
	}
	return nil, &rpcError{Code: -32601, Message: "the method " + req.Method + " does not exist/is not available"}
}

func addressParam(req request) (common.Address, *rpcError) {
	if len(req.Params) == 0 {
		return common.Address{}, &rpcError{Code: -32602, Message: "missing address"}
	}
	var s string
	if err := json.Unmarshal(req.Params[0], &s); err != nil || !common.IsHexAddress(s) {
		return common.Address{}, &rpcError{Code: -32602, Message: "invalid address"}
	}
	return common.HexToAddress(s), nil
}

func (n *Node) sendRaw(req request) (any, *rpcError) {
	if len(req.Params) == 0 {
		return nil, &rpcError{Code: -32602, Message: "missing transaction"}
	}
	var rawHex string
	if err := json.Unmarshal(req.Params[0], &rawHex); err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid transaction"}
	}
	raw, err := hexutil.Decode(rawHex)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid transaction hex"}
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, &rpcError{Code: -32000, Message: "rlp: " + err.Error()}
	}
	if tx.ChainId().Sign() != 0 && tx.ChainId().Cmp(n.chainID) != 0 {
		return nil, &rpcError{Code: -32000, Message: "invalid chain id"}
	}
	from, err := types.Sender(types.LatestSignerForChainID(n.chainID), tx)
	if err != nil {
		return nil, &rpcError{Code: -32000, Message: "invalid sender"}
	}
	if tx.Gas() < 21000 {
		return nil, &rpcError{Code: -32000, Message: "intrinsic gas too low"}
	}

	switch want := n.nonces[from]; {
	case tx.Nonce() < want:
		return nil, &rpcError{Code: -32000, Message: "nonce too low"}
	case tx.Nonce() > want:
		return nil, &rpcError{Code: -32000, Message: "nonce too high"}
	}

	cost := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasFeeCap())
	cost.Add(cost, tx.Value())
	balance := n.balances[from]
	if balance == nil || balance.Cmp(cost) < 0 {
		return nil, &rpcError{Code: -32000, Message: "insufficient funds for gas * price + value"}
	}

	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasFeeCap())
	n.balances[from] = new(big.Int).Sub(new(big.Int).Sub(balance, gasCost), tx.Value())
	to := *tx.To()
	if n.balances[to] == nil {
		n.balances[to] = new(big.Int)
	}
	n.balances[to] = new(big.Int).Add(n.balances[to], tx.Value())
	n.nonces[from]++
	n.txs = append(n.txs, tx)

	return tx.Hash().Hex(), nil
}
