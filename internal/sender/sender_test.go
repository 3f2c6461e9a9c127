package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/ethsimulator/internal/account"
	"github.com/gateway-fm/ethsimulator/internal/rpc"
	"github.com/gateway-fm/ethsimulator/internal/rpc/rpctest"
)

const chainID = 1337

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func setup(t *testing.T, funded int) (*rpctest.Node, []*account.Account, *Submitter) {
	t.Helper()
	node := rpctest.NewNode(chainID)
	t.Cleanup(node.Close)

	accounts, err := account.LoadTestAccounts()
	require.NoError(t, err)
	accounts = accounts[:funded]
	for _, a := range accounts {
		node.Fund(a.Address, ether(100))
	}

	client := rpc.NewHTTPClient(rpc.DefaultClientConfig(node.URL()))
	return node, accounts, New(Static{RPC: client}, DefaultConfig(), nil)
}

func TestSendEndToEnd(t *testing.T) {
	node, accounts, s := setup(t, 3)

	hash, err := s.Send(context.Background(), accounts[0].PrivateKey, accounts[1].Address.Hex(), 10)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)

	assert.Equal(t, 1, node.Calls("eth_getTransactionCount"))
	txs := node.Transactions()
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint64(21000), tx.Gas())
	assert.Equal(t, uint64(0), tx.Nonce())
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, ether(10), tx.Value())
	assert.Equal(t, accounts[1].Address, *tx.To())

	assert.Equal(t, ether(110), node.Balance(accounts[1].Address))
}

func TestSubmitReadsNonceEveryTime(t *testing.T) {
	node, accounts, s := setup(t, 2)
	ctx := context.Background()

	for i := range 3 {
		sub, err := s.Submit(ctx, Intent{Key: accounts[0].PrivateKey, Recipient: accounts[1].Address.Hex(), Amount: 0.5})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), sub.Nonce)
		assert.Equal(t, accounts[0].Address, sub.From)
		assert.Equal(t, TransferGasLimit, sub.GasLimit)
	}
	assert.Equal(t, 3, node.Calls("eth_getTransactionCount"))
	assert.Equal(t, 3, node.Calls("eth_gasPrice"))
	assert.Equal(t, 1, node.Calls("eth_chainId"), "chain id is cached")
}

func TestSubmitUsesCurrentGasPrice(t *testing.T) {
	node, accounts, s := setup(t, 2)
	node.SetGasPrice(big.NewInt(7_000_000_000))

	sub, err := s.Submit(context.Background(), Intent{Key: accounts[0].PrivateKey, Recipient: accounts[1].Address.Hex(), Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7_000_000_000), sub.GasPrice)
	assert.Equal(t, big.NewInt(7_000_000_000), node.Transactions()[0].GasPrice())
}

func TestSubmitDynamicFee(t *testing.T) {
	node, accounts, _ := setup(t, 2)
	client := rpc.NewHTTPClient(rpc.DefaultClientConfig(node.URL()))
	s := New(Static{RPC: client}, Config{DynamicFee: true}, nil)

	_, err := s.Submit(context.Background(), Intent{Key: accounts[0].PrivateKey, Recipient: accounts[1].Address.Hex(), Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, uint8(types.DynamicFeeTxType), node.Transactions()[0].Type())
}

func TestSendValidation(t *testing.T) {
	node, accounts, s := setup(t, 2)
	ctx := context.Background()

	_, err := s.Send(ctx, accounts[0].PrivateKey, "0x1234", 1)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = s.Send(ctx, accounts[0].PrivateKey, "not-an-address", 1)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = s.Send(ctx, accounts[0].PrivateKey, accounts[1].Address.Hex(), -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	assert.Zero(t, node.Calls("eth_getTransactionCount"), "validation happens before any node call")
}

func TestSendRejected(t *testing.T) {
	node, accounts, s := setup(t, 2)

	// 1000 ether exceeds the funded 100.
	_, err := s.Send(context.Background(), accounts[0].PrivateKey, accounts[1].Address.Hex(), 1000)
	require.ErrorIs(t, err, ErrSubmissionRejected)
	assert.ErrorContains(t, err, "insufficient funds")
	assert.Empty(t, node.Transactions())
}

func TestSendNodeUnavailable(t *testing.T) {
	node, accounts, _ := setup(t, 2)
	cfg := rpc.DefaultClientConfig(node.URL())
	cfg.MaxRetries = 0
	s := New(Static{RPC: rpc.NewHTTPClient(cfg)}, DefaultConfig(), nil)

	node.SetDown(true)
	_, err := s.Send(context.Background(), accounts[0].PrivateKey, accounts[1].Address.Hex(), 1)
	assert.ErrorIs(t, err, ErrNodeUnavailable)

	s = New(Static{}, DefaultConfig(), nil)
	_, err = s.Send(context.Background(), accounts[0].PrivateKey, accounts[1].Address.Hex(), 1)
	assert.ErrorIs(t, err, ErrNodeUnavailable)
}

func TestConcurrentSendsFromOneSender(t *testing.T) {
	node, accounts, s := setup(t, 2)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Send(context.Background(), accounts[0].PrivateKey, accounts[1].Address.Hex(), 0.1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	txs := node.Transactions()
	require.Len(t, txs, n)
	seen := make(map[uint64]bool)
	for _, tx := range txs {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Equal(t, uint64(n), node.Nonce(accounts[0].Address))
}

// blockingClient blocks SendRawTransaction until release is closed.
type blockingClient struct {
	rpc.Client
	entered chan struct{}
	release chan struct{}
}

func (b *blockingClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
	return b.Client.SendRawTransaction(ctx, raw)
}

func TestSenderLockRespectsContext(t *testing.T) {
	node, accounts, _ := setup(t, 2)
	bc := &blockingClient{
		Client:  rpc.NewHTTPClient(rpc.DefaultClientConfig(node.URL())),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	s := New(Static{RPC: bc}, Config{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), accounts[0].PrivateKey, accounts[1].Address.Hex(), 1)
		done <- err
	}()
	<-bc.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Send(ctx, accounts[0].PrivateKey, accounts[1].Address.Hex(), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(bc.release)
	require.NoError(t, <-done)
}

// scriptedClient returns canned responses without a network.
type scriptedClient struct {
	sendErr error
}

var _ rpc.Client = (*scriptedClient)(nil)

func (c *scriptedClient) Call(context.Context, string, []any) (json.RawMessage, error) {
	return nil, errors.New("not implemented")
}
func (c *scriptedClient) ClientVersion(context.Context) (string, error) { return "scripted", nil }
func (c *scriptedClient) ChainID(context.Context) (*big.Int, error)     { return big.NewInt(chainID), nil }
func (c *scriptedClient) BlockNumber(context.Context) (uint64, error)   { return 0, nil }
func (c *scriptedClient) GetNonce(context.Context, common.Address, rpc.BlockTag) (uint64, error) {
	return 4, nil
}
func (c *scriptedClient) GetGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (c *scriptedClient) GetBalance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (c *scriptedClient) SendRawTransaction(_ context.Context, raw []byte) (common.Hash, error) {
	if c.sendErr != nil {
		return common.Hash{}, c.sendErr
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func TestSubmitErrorClassification(t *testing.T) {
	accounts, err := account.LoadTestAccounts()
	require.NoError(t, err)
	intent := Intent{Key: accounts[0].PrivateKey, Recipient: accounts[1].Address.Hex(), Amount: 1}

	tests := []struct {
		name    string
		sendErr error
		want    error
	}{
		{"node refusal", &rpc.RPCError{Code: -32000, Message: "already known"}, ErrSubmissionRejected},
		{"transport failure", errors.New("connection refused"), ErrNodeUnavailable},
		{"http 503", &rpc.HTTPStatusError{StatusCode: 503}, ErrNodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Static{RPC: &scriptedClient{sendErr: tt.sendErr}}, DefaultConfig(), nil)
			_, err := s.Submit(context.Background(), intent)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	s := New(Static{RPC: &scriptedClient{}}, DefaultConfig(), nil)
	sub, err := s.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), sub.Nonce)
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "", Category(nil))
	assert.Equal(t, "invalid_address", Category(fmt.Errorf("x: %w", ErrInvalidAddress)))
	assert.Equal(t, "invalid_amount", Category(ErrInvalidAmount))
	assert.Equal(t, "rejected", Category(fmt.Errorf("%w: %w", ErrSubmissionRejected, &rpc.RPCError{})))
	assert.Equal(t, "node_unavailable", Category(ErrNodeUnavailable))
	assert.Equal(t, "other", Category(errors.New("boom")))
}
