package domain

import "errors"

// Scoring run failures. Every one of them is terminal for the run that raised
// it: nothing is appended to the audit ledger.
var (
	// ErrInsufficientData means required history (e.g. the counterparty risk
	// table) was unavailable at extraction time.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrRuleEvaluation means a rule's required input was structurally missing.
	ErrRuleEvaluation = errors.New("rule evaluation error")

	// ErrUnknownModelVersion means the requested model version is not registered.
	ErrUnknownModelVersion = errors.New("unknown model version")

	// ErrScoringTimeout means an external model call exceeded its deadline.
	ErrScoringTimeout = errors.New("scoring timeout")

	// ErrSequenceConflict means an append arrived out of the expected
	// next-sequence order. It signals concurrent misuse of the ledger.
	ErrSequenceConflict = errors.New("sequence conflict")
)

var (
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrInvalidPolicy       = errors.New("invalid policy")
	ErrInvalidCounterparty = errors.New("invalid counterparty risk")
	ErrNotFound            = errors.New("record not found")
)

// IsRetryable reports whether the caller may retry once the triggering
// condition is resolved. Sequence conflicts and malformed input never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrSequenceConflict),
		errors.Is(err, ErrInvalidTransaction),
		errors.Is(err, ErrInvalidPolicy),
		errors.Is(err, ErrInvalidCounterparty):
		return false
	}
	return true
}

// IsFatal reports whether the error must stop the writer process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSequenceConflict)
}

// ErrorKind returns a short stable label for metrics and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrRuleEvaluation):
		return "rule_evaluation"
	case errors.Is(err, ErrUnknownModelVersion):
		return "unknown_model_version"
	case errors.Is(err, ErrScoringTimeout):
		return "scoring_timeout"
	case errors.Is(err, ErrSequenceConflict):
		return "sequence_conflict"
	case errors.Is(err, ErrInvalidTransaction):
		return "invalid_transaction"
	case errors.Is(err, ErrInvalidPolicy):
		return "invalid_policy"
	case errors.Is(err, ErrInvalidCounterparty):
		return "invalid_counterparty"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
