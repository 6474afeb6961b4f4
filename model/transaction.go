package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionRequest is what an executor signed and sent for a bundle. A
// replacement reuses From and Nonce with higher fees.
type TransactionRequest struct {
	From                 common.Address `json:"from"`
	To                   common.Address `json:"to"`
	Data                 []byte         `json:"data"`
	Gas                  uint64         `json:"gas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	Nonce                uint64         `json:"nonce"`
	Legacy               bool           `json:"legacy"`
}

// TransactionInfo tracks one on-chain bundle transaction. A replacement creates
// a new TransactionInfo whose PreviousTransactionHashes lists every hash the
// bundle has been sent under before, newest first.
type TransactionInfo struct {
	TransactionHash           common.Hash         `json:"transactionHash"`
	PreviousTransactionHashes []common.Hash       `json:"previousTransactionHashes"`
	TransactionRequest        *TransactionRequest `json:"transactionRequest"`
	Executor                  common.Address      `json:"executor"`
	UserOpInfos               []*UserOpInfo       `json:"userOperationInfos"`
	FirstSubmitted            time.Time           `json:"firstSubmitted"`
	LastReplaced              time.Time           `json:"lastReplaced"`
	TimesPotentiallyIncluded  int                 `json:"timesPotentiallyIncluded"`
}

// AllHashes returns the current hash followed by every previous hash
func (t *TransactionInfo) AllHashes() []common.Hash {
	hashes := make([]common.Hash, 0, len(t.PreviousTransactionHashes)+1)
	hashes = append(hashes, t.TransactionHash)
	return append(hashes, t.PreviousTransactionHashes...)
}

type BundleStatus string

const (
	BundleSuccess  BundleStatus = "success"
	BundleFailure  BundleStatus = "failure"
	BundleResubmit BundleStatus = "resubmit"
)

// BundleResult is the outcome for one op of a bundle attempt
type BundleResult struct {
	Status          BundleStatus     `json:"status"`
	UserOpInfo      *UserOpInfo      `json:"userOperationInfo"`
	TransactionInfo *TransactionInfo `json:"transactionInfo,omitempty"`
	Reason          string           `json:"reason,omitempty"`
}

type GasPriceParameters struct {
	MaxFeePerGas         *big.Int `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas"`
}
