// Package sender turns a transfer intent into a signed transaction accepted by the node.
package sender

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/ethsimulator/internal/rpc"
	"github.com/gateway-fm/ethsimulator/internal/units"
)

var (
	// ErrInvalidAddress is returned when the recipient is not a 20-byte hex address.
	ErrInvalidAddress = errors.New("invalid recipient address")

	// ErrInvalidAmount is returned for negative or non-finite amounts.
	ErrInvalidAmount = units.ErrInvalidAmount

	// ErrNodeUnavailable is returned when the node could not be reached.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrSubmissionRejected is returned when the node refused the signed transaction.
	ErrSubmissionRejected = errors.New("submission rejected")
)

// Connector hands out the current live RPC client.
type Connector interface {
	Client() (rpc.Client, error)
}

// Static is a Connector over a fixed client.
type Static struct {
	RPC rpc.Client
}

// Client returns the wrapped client.
func (s Static) Client() (rpc.Client, error) {
	if s.RPC == nil {
		return nil, errors.New("no client")
	}
	return s.RPC, nil
}

// Config controls how transactions are built.
type Config struct {
	// NonceTag is the state the nonce is read from. Defaults to pending so
	// back-to-back transfers from one sender do not reuse a nonce before the
	// first is mined.
	NonceTag rpc.BlockTag

	// DynamicFee builds EIP-1559 transactions with fee cap and tip equal to
	// the node's gas price instead of legacy ones.
	DynamicFee bool

	// Timeout bounds one submission, including the wait for the sender lock.
	// Zero means no timeout beyond the caller's context.
	Timeout time.Duration
}

// DefaultConfig returns legacy transactions with pending nonces.
func DefaultConfig() Config {
	return Config{NonceTag: rpc.TagPending, Timeout: 10 * time.Second}
}

// Intent is one requested transfer.
type Intent struct {
	Key       *ecdsa.PrivateKey
	Recipient string
	Amount    float64 // ether
}

// Submission describes a transaction the node accepted.
type Submission struct {
	Hash     common.Hash
	From     common.Address
	To       common.Address
	Nonce    uint64
	Value    *big.Int
	GasPrice *big.Int
	GasLimit uint64
	Latency  time.Duration
}

// Submitter signs and submits value transfers. It is safe for concurrent use;
// submissions from the same sender are serialized so the nonce read and the
// submit happen as one step.
type Submitter struct {
	conn   Connector
	cfg    Config
	logger *slog.Logger

	chainMu sync.Mutex
	chainID *big.Int

	locks sync.Map // common.Address -> chan struct{}
}

// New creates a Submitter.
func New(conn Connector, cfg Config, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NonceTag == "" {
		cfg.NonceTag = rpc.TagPending
	}
	return &Submitter{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
	}
}

// Send transfers amount ether from the key's address to recipient and returns
// the transaction hash.
func (s *Submitter) Send(ctx context.Context, key *ecdsa.PrivateKey, recipient string, amount float64) (common.Hash, error) {
	sub, err := s.Submit(ctx, Intent{Key: key, Recipient: recipient, Amount: amount})
	if err != nil {
		return common.Hash{}, err
	}
	return sub.Hash, nil
}

// Submit validates, signs and submits in. Inputs are validated before the
// node is contacted.
func (s *Submitter) Submit(ctx context.Context, in Intent) (*Submission, error) {
	if in.Key == nil {
		return nil, errors.New("missing signing key")
	}
	if !common.IsHexAddress(in.Recipient) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, in.Recipient)
	}
	value, err := units.EtherToWei(in.Amount)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(in.Recipient)
	from := crypto.PubkeyToAddress(in.Key.PublicKey)

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	client, err := s.conn.Client()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNodeUnavailable, err)
	}

	chainID, err := s.chainIDFor(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("%w: read chain id: %w", ErrNodeUnavailable, err)
	}

	unlock, err := s.lockSender(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNodeUnavailable, err)
	}
	defer unlock()

	start := time.Now()

	nonce, err := client.GetNonce(ctx, from, s.cfg.NonceTag)
	if err != nil {
		return nil, fmt.Errorf("%w: read nonce: %w", ErrNodeUnavailable, err)
	}
	gasPrice, err := client.GetGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read gas price: %w", ErrNodeUnavailable, err)
	}

	tr := transfer{chainID: chainID, nonce: nonce, to: to, value: value, gasPrice: gasPrice}
	signed, raw, err := tr.sign(in.Key, s.cfg.DynamicFee)
	if err != nil {
		return nil, err
	}

	hash, err := client.SendRawTransaction(ctx, raw)
	if err != nil {
		if rpc.IsNodeError(err) {
			return nil, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
		}
		return nil, fmt.Errorf("%w: submit: %w", ErrNodeUnavailable, err)
	}
	if hash != signed.Hash() {
		s.logger.Warn("node reported a different transaction hash",
			slog.String("tx", hash.Hex()),
			slog.String("local", signed.Hash().Hex()))
	}

	sub := &Submission{
		Hash:     hash,
		From:     from,
		To:       to,
		Nonce:    nonce,
		Value:    value,
		GasPrice: gasPrice,
		GasLimit: TransferGasLimit,
		Latency:  time.Since(start),
	}
	s.logger.Debug("transaction submitted",
		slog.String("tx", hash.Hex()),
		slog.String("sender", from.Hex()),
		slog.String("recipient", to.Hex()),
		slog.Uint64("nonce", nonce),
		slog.String("value", value.String()),
	)
	return sub, nil
}

// chainIDFor reads the chain id once and caches it.
func (s *Submitter) chainIDFor(ctx context.Context, client rpc.Client) (*big.Int, error) {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	if s.chainID != nil {
		return s.chainID, nil
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	s.chainID = id
	return id, nil
}

// lockSender acquires the per-sender lock, giving up when ctx is done.
func (s *Submitter) lockSender(ctx context.Context, from common.Address) (func(), error) {
	v, _ := s.locks.LoadOrStore(from, make(chan struct{}, 1))
	sem := v.(chan struct{})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Category names the failure class of a Submit error for metrics and history.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrSubmissionRejected):
		return "rejected"
	case errors.Is(err, ErrNodeUnavailable):
		return "node_unavailable"
	}
	return "other"
}
