package account

import (
	xerrors "Patron-Relay/internal/errors"
)

var (
	// ErrUnauthorized means the caller is neither owner, sponsor, nor the
	// bearer of a validly signed operation.
	ErrUnauthorized = xerrors.New(CodeUnauthorized, "caller is not authorized")
	// ErrInvalidNonce means the operation carries a nonce other than the
	// account's current one.
	ErrInvalidNonce = xerrors.New(CodeInvalidNonce, "operation nonce does not match account nonce")
	// ErrInvalidSignature means signature recovery did not yield the owner.
	ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "recovered signer is not the account owner")
	// ErrTargetCallFailed means the invoked target rejected the call; all
	// state changes from the invocation are rolled back.
	ErrTargetCallFailed = xerrors.New(CodeTargetCallFailed, "target call failed")
	// ErrAlreadyInitialized means initialize was called on an account that
	// already has an owner.
	ErrAlreadyInitialized = xerrors.New(CodeAlreadyInitialized, "account already initialized")
	// ErrAccountNotFound means no account exists for the principal.
	ErrAccountNotFound = xerrors.New(xerrors.CodeNotFound, "account not found")
)

const (
	CodeUnauthorized       xerrors.Code = "UNAUTHORIZED"
	CodeInvalidNonce       xerrors.Code = "INVALID_NONCE"
	CodeInvalidSignature   xerrors.Code = "INVALID_SIGNATURE"
	CodeTargetCallFailed   xerrors.Code = "TARGET_CALL_FAILED"
	CodeAlreadyInitialized xerrors.Code = "ALREADY_INITIALIZED"
)

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:   "caller is not authorized",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidNonce, xerrors.Attributes{
		Message:   "invalid operation nonce",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:   "invalid operation signature",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTargetCallFailed, xerrors.Attributes{
		Message:   "target call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAlreadyInitialized, xerrors.Attributes{
		Message:   "account already initialized",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
