package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-bundler/model"
)

// Wallet is a funded account the bundler signs transactions with
type Wallet struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

func New(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		Address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}
}

// FromHex parses a hex private key, with or without 0x prefix
func FromHex(hexKey string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return New(key), nil
}

// SignRequest builds and signs the transaction described by req. Legacy
// requests pay gasPrice = MaxFeePerGas.
func (w *Wallet) SignRequest(req *model.TransactionRequest, value *big.Int, chainID *big.Int) (*types.Transaction, error) {
	if value == nil {
		value = new(big.Int)
	}
	to := req.To

	var txdata types.TxData
	if req.Legacy {
		txdata = &types.LegacyTx{
			Nonce:    req.Nonce,
			GasPrice: req.MaxFeePerGas,
			Gas:      req.Gas,
			To:       &to,
			Value:    value,
			Data:     req.Data,
		}
	} else {
		txdata = &types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     req.Nonce,
			GasTipCap: req.MaxPriorityFeePerGas,
			GasFeeCap: req.MaxFeePerGas,
			Gas:       req.Gas,
			To:        &to,
			Value:     value,
			Data:      req.Data,
		}
	}

	return types.SignTx(types.NewTx(txdata), types.LatestSignerForChainID(chainID), w.key)
}
