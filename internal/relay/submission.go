package relay

import (
	"github.com/ethereum/go-ethereum/common"

	"Patron-Relay/internal/account"
	xerrors "Patron-Relay/internal/errors"
)

// Status tracks a submission through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsValidStatus reports whether status is a supported enum value.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Receipt records the outcome of one executed operation.
type Receipt struct {
	OperationHash string `json:"operation_hash"`
	Success       bool   `json:"success"`
	GasUsed       uint64 `json:"gas_used"`
	SponsoredCost uint64 `json:"sponsored_cost"`
	ReturnData    string `json:"return_data,omitempty"`
	NewNonce      uint64 `json:"new_nonce"`
}

// Submission is a queued request to execute one operation or an atomic
// batch for a single principal.
type Submission struct {
	ID         string               `json:"id"`
	Principal  common.Address       `json:"principal"`
	Operations []*account.Operation `json:"-"`
	Sponsored  bool                 `json:"sponsored"`
	Status     Status               `json:"status"`
	Attempts   int                  `json:"attempts"`
	MaxRetries int                  `json:"max_retries"`
	LastError  string               `json:"last_error,omitempty"`
	ErrorCode  string               `json:"error_code,omitempty"`
	Receipts   []Receipt            `json:"receipts,omitempty"`
	CreatedAt  int64                `json:"created_at"`
	UpdatedAt  int64                `json:"updated_at"`
}

var (
	// ErrSubmissionNotFound means the requested submission does not exist.
	ErrSubmissionNotFound = xerrors.New(CodeSubmissionNotFound, "submission not found")
	// ErrSubmissionConflict means the submission cannot move to the
	// requested state.
	ErrSubmissionConflict = xerrors.New(CodeSubmissionConflict, "submission conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSubmissionCompleted means the submission already finished.
	ErrSubmissionCompleted = xerrors.New(CodeSubmissionCompleted, "submission already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrSubmissionExhausted means the submission ran out of retries.
	ErrSubmissionExhausted = xerrors.New(CodeSubmissionExhausted, "submission retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrSponsorMismatch rejects operations that do not name this relay as
	// their sponsor. The relay pays for everything it submits, so it only
	// forwards operations whose sponsorship it can put through admission.
	ErrSponsorMismatch = xerrors.New(CodeSponsorMismatch, "operation does not name this relay as sponsor")
)

const (
	CodeSubmissionNotFound  xerrors.Code = "SUBMISSION_NOT_FOUND"
	CodeSubmissionConflict  xerrors.Code = "SUBMISSION_CONFLICT"
	CodeSubmissionCompleted xerrors.Code = "SUBMISSION_COMPLETED"
	CodeSubmissionExhausted xerrors.Code = "SUBMISSION_RETRIES_EXHAUSTED"
	CodeSubmissionPublish   xerrors.Code = "SUBMISSION_PUBLISH_FAILED"
	CodeRelayExecution      xerrors.Code = "RELAY_EXECUTION_FAILED"
	CodeSponsorMismatch     xerrors.Code = "SPONSOR_MISMATCH"
)

func init() {
	xerrors.Register(CodeSubmissionNotFound, xerrors.Attributes{
		Message:   "submission not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSubmissionConflict, xerrors.Attributes{
		Message:   "submission conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSubmissionCompleted, xerrors.Attributes{
		Message:   "submission already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSubmissionExhausted, xerrors.Attributes{
		Message:   "submission retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSubmissionPublish, xerrors.Attributes{
		Message:   "failed to publish submission",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRelayExecution, xerrors.Attributes{
		Message:   "relayed execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSponsorMismatch, xerrors.Attributes{
		Message:   "operation does not name this relay as sponsor",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
