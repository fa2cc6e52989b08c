package types

import (
	"errors"
	"fmt"
)

// Code identifies a rejection or failure class. Codes are stable API surface:
// clients branch on them and the metrics layer counts them.
type Code string

const (
	// Validation and acceptance.
	CodeValidation            Code = "VALIDATION"
	CodeQuantitySanity        Code = "QUANTITY_SANITY"
	CodePartialExitNotAllowed Code = "PARTIAL_EXIT_NOT_ALLOWED"
	CodePriceTickValidation   Code = "PRICE_TICK_VALIDATION"
	CodeFatFingerPrice        Code = "FAT_FINGER_PRICE"
	CodeMaxNotionalPerOrder   Code = "MAX_NOTIONAL_PER_ORDER"

	// Portfolio risk.
	CodeLeverageExceeded         Code = "LEVERAGE_EXCEEDED"
	CodePositionLimitExceeded    Code = "POSITION_LIMIT_EXCEEDED"
	CodeDerivativeExposure       Code = "DERIVATIVE_EXPOSURE_TOO_HIGH"
	CodeConcentrationRisk        Code = "CONCENTRATION_RISK"
	CodeInsufficientMarginBuffer Code = "INSUFFICIENT_MARGIN_BUFFER"
	CodeExpiryRiskBlock          Code = "EXPIRY_RISK_BLOCK"
	CodeInsufficientFunds        Code = "INSUFFICIENT_FUNDS"

	// Reference data and pricing.
	CodeInstrumentNotFound      Code = "INSTRUMENT_NOT_FOUND"
	CodeInstrumentStoreNotReady Code = "INSTRUMENT_STORE_NOT_READY"
	CodeNoReferencePrice        Code = "NO_REFERENCE_PRICE"
	CodeNoTick                  Code = "NO_TICK"
	CodeFeedUnhealthy           Code = "FEED_UNHEALTHY"

	// Upstream broker.
	CodeUpstoxTokenMissing Code = "UPSTOX_TOKEN_MISSING"
	CodeUpstreamAuth       Code = "UPSTREAM_AUTH"
	CodeUpstreamTimeout    Code = "UPSTREAM_TIMEOUT"

	// Lifecycle.
	CodeIdempotencyReplay Code = "IDEMPOTENCY_REPLAY" // not an error: prior result returned
	CodeOrderNotFound     Code = "ORDER_NOT_FOUND"
	CodeOrderNotOpen      Code = "ORDER_NOT_OPEN"
	CodeInternal          Code = "INTERNAL"
)

// CodedError is the structured {code, message} failure the core returns to
// collaborators. Err, when set, carries the wrapped cause.
type CodedError struct {
	Code    Code
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Err }

// E builds a CodedError with a formatted message.
func E(code Code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a CodedError around a cause.
func Wrap(code Code, err error, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code from an error chain, defaulting to INTERNAL.
// A nil error has no code and returns "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }
