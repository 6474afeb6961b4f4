package executor

import (
	"errors"
	"strings"
)

var (
	ErrNoOpsToBundle      = errors.New("no ops to bundle")
	ErrBundleNotSubmitted = errors.New("bundle was not submitted")
)

// node error fragments, matched case insensitively
const (
	msgNonceTooLow        = "nonce too low"
	msgInsufficientFunds  = "insufficient funds"
	msgUnderpriced        = "replacement transaction underpriced"
	msgFeeCapTooLow       = "fee cap less than block base fee"
	msgMaxFeeTooLow       = "max fee per gas less than block base fee"
	msgIntrinsicGasTooLow = "intrinsic gas too low"
)

func errorContains(err error, fragments ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, f := range fragments {
		if strings.Contains(msg, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

func isNonceTooLow(err error) bool {
	return errorContains(err, msgNonceTooLow)
}

func isFeeCapTooLow(err error) bool {
	return errorContains(err, msgFeeCapTooLow, msgMaxFeeTooLow)
}

// isResubmittable are send failures after which the ops are still valid and
// can go into another bundle
func isResubmittable(err error) bool {
	return errorContains(err, msgInsufficientFunds, msgUnderpriced, msgNonceTooLow, msgIntrinsicGasTooLow)
}
