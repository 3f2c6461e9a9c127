package sender

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferGasLimit is the intrinsic gas of a plain value transfer.
const TransferGasLimit uint64 = 21000

// transfer is an unsigned value transfer priced at a single gas price.
type transfer struct {
	chainID  *big.Int
	nonce    uint64
	to       common.Address
	value    *big.Int
	gasPrice *big.Int
}

// txData prices the transfer as legacy (type 0) or, with dynamicFee, as
// EIP-1559 with tip and fee cap both at the gas price.
func (t transfer) txData(dynamicFee bool) types.TxData {
	if !dynamicFee {
		return &types.LegacyTx{Nonce: t.nonce, GasPrice: t.gasPrice, Gas: TransferGasLimit, To: &t.to, Value: t.value}
	}
	return &types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     t.nonce,
		GasTipCap: t.gasPrice,
		GasFeeCap: t.gasPrice,
		Gas:       TransferGasLimit,
		To:        &t.to,
		Value:     t.value,
	}
}

// sign returns the signed transaction and its binary encoding.
func (t transfer) sign(key *ecdsa.PrivateKey, dynamicFee bool) (*types.Transaction, []byte, error) {
	signed, err := types.SignNewTx(key, types.LatestSignerForChainID(t.chainID), t.txData(dynamicFee))
	if err != nil {
		return nil, nil, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("encode transaction: %w", err)
	}
	return signed, raw, nil
}
