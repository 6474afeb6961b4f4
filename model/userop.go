package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// UserOpInfo is the mempool record of an admitted user operation
type UserOpInfo struct {
	UserOperation  *userop.UserOperation `json:"userOperation"`
	UserOpHash     common.Hash           `json:"userOpHash"`
	FirstSubmitted time.Time             `json:"firstSubmitted"`
	LastReplaced   time.Time             `json:"lastReplaced"`
}

func NewUserOpInfo(op *userop.UserOperation, hash common.Hash, now time.Time) *UserOpInfo {
	return &UserOpInfo{
		UserOperation:  op,
		UserOpHash:     hash,
		FirstSubmitted: now,
		LastReplaced:   now,
	}
}

// SubmittedUserOp is an op that has been sent on chain as part of TransactionInfo
type SubmittedUserOp struct {
	*UserOpInfo
	TransactionInfo *TransactionInfo `json:"transactionInfo"`
}

type OpStatus string

const (
	StatusNotSubmitted OpStatus = "not_submitted"
	StatusQueued       OpStatus = "queued"
	StatusSubmitted    OpStatus = "submitted"
	StatusIncluded     OpStatus = "included"
	StatusRejected     OpStatus = "rejected"
	StatusNotFound     OpStatus = "not_found"
)

type UserOpStatus struct {
	Status          OpStatus     `json:"status"`
	TransactionHash *common.Hash `json:"transactionHash,omitempty"`
}
