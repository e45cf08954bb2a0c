package sponsor

import (
	"time"

	xerrors "Patron-Relay/internal/errors"
)

// SecondsPerDay defines the day-rollover rule: usage days are derived by
// integer division of unix seconds, i.e. UTC calendar days.
const SecondsPerDay = 86400

// DayIndex returns the usage day a timestamp falls into.
func DayIndex(t time.Time) int64 {
	return t.Unix() / SecondsPerDay
}

// Policy is the sponsorship configuration applied to a principal. Budgets
// are denominated in wei-cost units (gas times gas price).
type Policy struct {
	DailyGasBudget        uint64 `json:"daily_gas_budget" yaml:"daily_gas_budget"`
	PerOperationGasBudget uint64 `json:"per_operation_gas_budget" yaml:"per_operation_gas_budget"`
	DailyOperationCount   uint64 `json:"daily_operation_count" yaml:"daily_operation_count"`
	RequireWhitelist      bool   `json:"require_whitelist" yaml:"require_whitelist"`
	RequireVerification   bool   `json:"require_verification" yaml:"require_verification"`
	MinVerificationLevel  int    `json:"min_verification_level" yaml:"min_verification_level"`
	Active                bool   `json:"active" yaml:"active"`
}

// Validate rejects malformed policies at the administrative boundary.
func (p *Policy) Validate() error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "policy is nil")
	}
	if p.DailyGasBudget == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "daily gas budget must be positive")
	}
	if p.PerOperationGasBudget == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "per-operation gas budget must be positive")
	}
	if p.PerOperationGasBudget > p.DailyGasBudget {
		return xerrors.New(xerrors.CodeInvalidArgument, "per-operation budget exceeds daily budget")
	}
	if p.DailyOperationCount == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "daily operation count must be positive")
	}
	if p.RequireVerification && p.MinVerificationLevel <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "verification requires a positive minimum level")
	}
	return nil
}

func (p *Policy) clone() *Policy {
	if p == nil {
		return nil
	}
	copied := *p
	return &copied
}

// Usage holds one principal's consumption for one day. Counters reset to
// zero whenever the day index advances, before any new consumption.
type Usage struct {
	Day         int64  `json:"day"`
	GasConsumed uint64 `json:"gas_consumed"`
	Operations  uint64 `json:"operations"`
}

var (
	// ErrPolicyNotFound means neither an account override nor a global
	// default exists.
	ErrPolicyNotFound = xerrors.New(xerrors.CodeNotFound, "no sponsorship policy configured")
	// ErrPolicyInactive means the resolved policy refuses sponsorship.
	ErrPolicyInactive = xerrors.New(CodePolicyInactive, "sponsorship policy is inactive")
	// ErrWhitelistRequired rejects principals outside the whitelist.
	ErrWhitelistRequired = xerrors.New(CodeWhitelistRequired, "principal is not whitelisted")
	// ErrVerificationInsufficient rejects under-verified principals.
	ErrVerificationInsufficient = xerrors.New(CodeVerificationInsufficient, "verification level below policy minimum")
	// ErrPerOperationLimit rejects operations whose worst-case cost exceeds
	// the per-operation budget.
	ErrPerOperationLimit = xerrors.New(CodePerOperationLimit, "operation exceeds per-operation budget")
	// ErrDailyGasLimit rejects operations that would overrun the daily gas
	// budget.
	ErrDailyGasLimit = xerrors.New(CodeDailyGasLimit, "daily gas budget exhausted")
	// ErrDailyCountLimit rejects operations beyond the daily count.
	ErrDailyCountLimit = xerrors.New(CodeDailyCountLimit, "daily operation count exhausted")
)

const (
	CodePolicyInactive           xerrors.Code = "POLICY_INACTIVE"
	CodeWhitelistRequired        xerrors.Code = "WHITELIST_REQUIRED"
	CodeVerificationInsufficient xerrors.Code = "VERIFICATION_INSUFFICIENT"
	CodePerOperationLimit        xerrors.Code = "PER_OPERATION_LIMIT_EXCEEDED"
	CodeDailyGasLimit            xerrors.Code = "DAILY_GAS_LIMIT_EXCEEDED"
	CodeDailyCountLimit          xerrors.Code = "DAILY_COUNT_LIMIT_EXCEEDED"
)

func init() {
	xerrors.Register(CodePolicyInactive, xerrors.Attributes{
		Message:   "sponsorship policy is inactive",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeWhitelistRequired, xerrors.Attributes{
		Message:   "principal is not whitelisted",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeVerificationInsufficient, xerrors.Attributes{
		Message:   "verification level below policy minimum",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodePerOperationLimit, xerrors.Attributes{
		Message:   "operation exceeds per-operation budget",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDailyGasLimit, xerrors.Attributes{
		Message:   "daily gas budget exhausted",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeDailyCountLimit, xerrors.Attributes{
		Message:   "daily operation count exhausted",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}
