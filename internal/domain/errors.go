package domain

import "errors"

// Error taxonomy shared by the ledger, the proposal workflow and the API.
// Callers compare with errors.Is; wrapped errors keep their kind.
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrComplianceViolation     = errors.New("compliance violation")
	ErrSupplyCapExceeded       = errors.New("supply cap exceeded")
	ErrApprovalThresholdNotMet = errors.New("approval threshold not met")
	ErrDuplicateExecution      = errors.New("proposal already executed")
	ErrWalletNotFound          = errors.New("wallet not found")

	ErrNotFound               = errors.New("not found")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrInvalidState           = errors.New("invalid state")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrComplianceRecordReused = errors.New("compliance record already processed")
	ErrDailyMintLimitExceeded = errors.New("daily mint limit exceeded")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrComplianceViolation, "ComplianceViolation"},
	{ErrSupplyCapExceeded, "SupplyCapExceeded"},
	{ErrApprovalThresholdNotMet, "ApprovalThresholdNotMet"},
	{ErrDuplicateExecution, "DuplicateExecution"},
	{ErrWalletNotFound, "WalletNotFound"},
	{ErrComplianceRecordReused, "ComplianceRecordReused"},
	{ErrDailyMintLimitExceeded, "DailyMintLimitExceeded"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInvalidRequest, "InvalidRequest"},
	{ErrInvalidState, "InvalidState"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrNotFound, "NotFound"},
}

// ErrorKind returns the taxonomy name of err, or "Internal" when err carries
// none of the known kinds.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}
