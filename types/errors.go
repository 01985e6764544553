package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes
const (
	CodeInvalidOwnerSet       = "INVALID_OWNER_SET"
	CodeInvalidRange          = "INVALID_RANGE"
	CodeInvalidAmount         = "INVALID_AMOUNT"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeEmptyClient           = "EMPTY_CLIENT"
	CodeDeploymentFailed      = "DEPLOYMENT_FAILED"
	CodeSessionInstallFailed  = "SESSION_INSTALL_FAILED"
	CodeSessionScopeViolation = "SESSION_SCOPE_VIOLATION"
	CodeSessionExpired        = "SESSION_EXPIRED"
	CodeExecutionReverted     = "EXECUTION_REVERTED"
	CodeSponsorshipFailed     = "SPONSORSHIP_FAILED"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeNetworkError          = "NETWORK_ERROR"
	CodeConfirmationTimeout   = "CONFIRMATION_TIMEOUT"
	CodeConfigError           = "CONFIG_ERROR"
)

// Sentinels for errors.Is; matching is by code only.
var (
	ErrInvalidOwnerSet       = &Error{Code: CodeInvalidOwnerSet}
	ErrInvalidRange          = &Error{Code: CodeInvalidRange}
	ErrInvalidAmount         = &Error{Code: CodeInvalidAmount}
	ErrInvalidRequest        = &Error{Code: CodeInvalidRequest}
	ErrEmptyClient           = &Error{Code: CodeEmptyClient}
	ErrDeployment            = &Error{Code: CodeDeploymentFailed}
	ErrSessionInstall        = &Error{Code: CodeSessionInstallFailed}
	ErrSessionScopeViolation = &Error{Code: CodeSessionScopeViolation}
	ErrSessionExpired        = &Error{Code: CodeSessionExpired}
	ErrExecutionReverted     = &Error{Code: CodeExecutionReverted}
	ErrSponsorship           = &Error{Code: CodeSponsorshipFailed}
	ErrInsufficientFunds     = &Error{Code: CodeInsufficientFunds}
	ErrNetwork               = &Error{Code: CodeNetworkError}
	ErrConfirmationTimeout   = &Error{Code: CodeConfirmationTimeout}
	ErrConfig                = &Error{Code: CodeConfigError}
)

// Error is the structured error returned by every payflow component. ChainID
// is zero when the failure is not tied to a chain; Status is only meaningful
// for user-operation failures and holds the last status reached.
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	ChainID int64             `json:"chainId,omitempty"`
	Status  ExecutionStatus   `json:"status,omitempty"`
	History []ExecutionStatus `json:"history,omitempty"`
	Err     error             `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.ChainID != 0 {
		fmt.Fprintf(&b, " (chain %d)", e.ChainID)
	}
	if e.Status != StatusUnknown {
		fmt.Fprintf(&b, " [status %s]", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError builds an Error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error around a cause.
func WrapError(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// OnChain sets the chain id and returns the receiver.
func (e *Error) OnChain(chainID int64) *Error {
	e.ChainID = chainID
	return e
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	return errors.Is(err, &Error{Code: code})
}

// AsError extracts the first *Error from err.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
