package clients

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vitwit/payflow/types"
)

var aaCode = regexp.MustCompile(`AA(\d)(\d)`)

// ClassifyBundlerError maps a bundler or paymaster failure onto an error
// code. Gas shortfall (AA21, prefund) is insufficient funds, paymaster
// validation (AA3x) is a sponsorship failure and any other AA code is a
// revert. Anything without an AA code or a JSON-RPC error is a network error.
func ClassifyBundlerError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	if m := aaCode.FindStringSubmatch(msg); m != nil {
		switch {
		case m[1] == "2" && m[2] == "1":
			return types.CodeInsufficientFunds
		case m[1] == "3":
			return types.CodeSponsorshipFailed
		default:
			return types.CodeExecutionReverted
		}
	}
	switch {
	case strings.Contains(lower, "prefund"), strings.Contains(lower, "insufficient funds"):
		return types.CodeInsufficientFunds
	case strings.Contains(lower, "paymaster"), strings.Contains(lower, "sponsor"):
		return types.CodeSponsorshipFailed
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return types.CodeExecutionReverted
	}
	return types.CodeNetworkError
}

// IsCallRevert reports whether err says the operation's calls reverted
// during estimation. Validation failures carry an AA code and do not count.
func IsCallRevert(err error) bool {
	if err == nil || aaCode.MatchString(err.Error()) {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "execution reverted") ||
		strings.Contains(lower, "reverted during simulation") ||
		strings.Contains(lower, "executionfailed")
}

// isServerError reports whether the endpoint answered with a JSON-RPC error,
// as opposed to a transport failure worth retrying elsewhere.
func isServerError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}
