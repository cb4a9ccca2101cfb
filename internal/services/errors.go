package services

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ErrorKind groups rejections by how a caller should react to them.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindPrecondition  ErrorKind = "precondition"
	KindReserve       ErrorKind = "reserve"
	KindAuthorization ErrorKind = "authorization"
	KindHalted        ErrorKind = "halted"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal"
)

// Error is a typed rejection. Two errors match under errors.Is when their
// codes are equal, so callers compare against the sentinels below while the
// returned value carries the offending figures in Fields.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
	Fields  map[string]any
	cause   error
}

func newError(code string, kind ErrorKind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Fields[k])
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Unwrap() error { return e.cause }

// With returns a copy of e carrying the given key/value pairs.
func (e *Error) With(kv ...any) *Error {
	out := *e
	out.Fields = make(map[string]any, len(e.Fields)+len(kv)/2)
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out.Fields[key] = kv[i+1]
	}
	return &out
}

// Wrap returns a copy of e with err as its cause.
func (e *Error) Wrap(err error) *Error {
	out := *e
	out.cause = err
	return &out
}

// ============================================================================
// SENTINELS
// ============================================================================

var (
	// registry
	ErrInvalidFarmer         = newError("INVALID_FARMER", KindValidation, "farmer identity is empty")
	ErrSumInsuredOutOfRange  = newError("SUM_INSURED_OUT_OF_RANGE", KindValidation, "sum insured outside allowed range")
	ErrZeroPremium           = newError("ZERO_PREMIUM", KindValidation, "premium must be positive")
	ErrDurationOutOfRange    = newError("DURATION_OUT_OF_RANGE", KindValidation, "duration outside allowed range")
	ErrInvalidCoverageKind   = newError("INVALID_COVERAGE_KIND", KindValidation, "unknown coverage kind")
	ErrInvalidPlot           = newError("INVALID_PLOT", KindValidation, "plot reference or boundary is invalid")
	ErrTooManyActivePolicies = newError("TOO_MANY_ACTIVE_POLICIES", KindPrecondition, "farmer already holds the maximum number of active policies")
	ErrPolicyNotFound        = newError("POLICY_NOT_FOUND", KindNotFound, "policy not found")
	ErrWrongStatus           = newError("WRONG_STATUS", KindPrecondition, "policy is not in the expected status")
	ErrPolicyExpired         = newError("POLICY_EXPIRED", KindPrecondition, "policy coverage period has ended")
	ErrPolicyNotExpired      = newError("POLICY_NOT_EXPIRED", KindPrecondition, "policy coverage period has not ended")
	ErrClaimLimitExceeded    = newError("CLAIM_LIMIT_EXCEEDED", KindPrecondition, "farmer reached the yearly claim limit")

	// claim pipeline
	ErrUnauthorizedSource = newError("UNAUTHORIZED_SOURCE", KindAuthorization, "report does not come from the trusted feed")
	ErrInvalidProvenance  = newError("INVALID_PROVENANCE", KindAuthorization, "report source or workflow does not match")
	ErrPolicyDoesNotExist = newError("POLICY_DOES_NOT_EXIST", KindNotFound, "report references an unknown policy")
	ErrPolicyNotActive    = newError("POLICY_NOT_ACTIVE", KindPrecondition, "policy is not active")
	ErrAlreadyPaid        = newError("ALREADY_PAID", KindPrecondition, "policy already received a payout")
	ErrBelowThreshold     = newError("BELOW_THRESHOLD", KindValidation, "damage percentage below payout threshold")
	ErrAboveMaximum       = newError("ABOVE_MAXIMUM", KindValidation, "damage percentage above 100%")
	ErrPayoutMismatch     = newError("PAYOUT_MISMATCH", KindValidation, "declared payout does not match recomputed payout")
	ErrWeightMismatch     = newError("WEIGHT_MISMATCH", KindValidation, "declared damage does not match weighted components")
	ErrStaleReport        = newError("STALE_REPORT", KindValidation, "report is older than the maximum age")

	// treasury
	ErrZeroAmount             = newError("ZERO_AMOUNT", KindValidation, "amount must be positive")
	ErrInvalidPayer           = newError("INVALID_PAYER", KindValidation, "payer identity is empty")
	ErrInvalidRecipient       = newError("INVALID_RECIPIENT", KindValidation, "recipient identity is empty")
	ErrPremiumAlreadyReceived = newError("PREMIUM_ALREADY_RECEIVED", KindPrecondition, "premium already received for policy")
	ErrPayoutAlreadyProcessed = newError("PAYOUT_ALREADY_PROCESSED", KindPrecondition, "payout already processed for policy")
	ErrInsufficientReserves   = newError("INSUFFICIENT_RESERVES", KindReserve, "balance would fall below the required reserve")
	ErrFeeRateTooHigh         = newError("FEE_RATE_TOO_HIGH", KindValidation, "fee rate outside allowed range")
	ErrLedgerPaused           = newError("LEDGER_PAUSED", KindHalted, "ledger is paused")
	ErrLedgerNotPaused        = newError("LEDGER_NOT_PAUSED", KindPrecondition, "ledger is not paused")
	ErrPoolCapacityExceeded   = newError("POOL_CAPACITY_EXCEEDED", KindPrecondition, "funding pool cannot underwrite this sum insured")

	// shared
	ErrForbidden      = newError("FORBIDDEN", KindAuthorization, "caller lacks the required capability")
	ErrInvalidRequest = newError("INVALID_REQUEST", KindValidation, "request is malformed")
	ErrTransferFailed = newError("TRANSFER_FAILED", KindInternal, "funding pool transfer failed")
	ErrInternal       = newError("INTERNAL", KindInternal, "internal error")
)

// AsError extracts the typed rejection from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns KindInternal for anything that is not a typed rejection.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the rejection code, or INTERNAL for untyped errors.
func CodeOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ErrInternal.Code
}

// logRejection logs a failed operation at a level matching its kind.
// Authorization failures are tagged so they can be alerted on separately.
func logRejection(operation string, err error, attrs ...any) {
	attrs = append(attrs, "operation", operation, "code", CodeOf(err), "error", err)
	switch KindOf(err) {
	case KindAuthorization:
		slog.Warn("Rejected unauthorized call", append(attrs, "security", true)...)
	case KindInternal:
		slog.Error("Operation failed", attrs...)
	default:
		slog.Info("Operation rejected", attrs...)
	}
}
