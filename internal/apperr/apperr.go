// Package apperr carries failures across the core with stable, machine readable codes.
// Callers branch on Code; Message is safe to show to users; Err keeps the raw cause for logs.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation        Code = "VALIDATION_FAILED"
	CodeNoValidItems      Code = "NO_VALID_ITEMS"
	CodeItemNotFound      Code = "ITEM_NOT_FOUND"
	CodeItemInactive      Code = "ITEM_INACTIVE"
	CodeItemInvalidQty    Code = "ITEM_INVALID_QUANTITY"
	CodeInsufficientStock Code = "ITEM_INSUFFICIENT_STOCK"
	CodePendingOrderLimit Code = "PENDING_ORDER_LIMIT"
	CodeRateLimited       Code = "RATE_LIMITED"

	CodeIdempotencyInProgress Code = "IDEMPOTENCY_IN_PROGRESS"
	CodeIdempotencyKeyReused  Code = "IDEMPOTENCY_KEY_REUSED"

	CodeDiscountNotFound      Code = "DISCOUNT_NOT_FOUND"
	CodeDiscountInactive      Code = "DISCOUNT_INACTIVE"
	CodeDiscountExpired       Code = "DISCOUNT_EXPIRED"
	CodeDiscountNotStarted    Code = "DISCOUNT_NOT_STARTED"
	CodeDiscountMinimumNotMet Code = "DISCOUNT_MINIMUM_NOT_MET"
	CodeDiscountNotApplicable Code = "DISCOUNT_NOT_APPLICABLE"

	CodeOrderNotFound     Code = "ORDER_NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_STATUS_TRANSITION"
	CodeCustomerNotFound  Code = "CUSTOMER_NOT_FOUND"
	CodeTenantNotFound    Code = "TENANT_NOT_FOUND"

	CodeTierNotFound    Code = "TIER_NOT_FOUND"
	CodeTierRuleInvalid Code = "TIER_RULE_INVALID"
	CodeTierChangeStale Code = "TIER_CHANGE_STALE"
	CodeTierCooldown    Code = "TIER_COOLDOWN"

	CodeTransient Code = "TRANSIENT"
	CodeInternal  Code = "INTERNAL"
)

type Error struct {
	Code    Code
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by code, so sentinel-style comparisons work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func New(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

func (e *Error) WithDetails(d any) *Error {
	e.Details = d
	return e
}

// CodeOf reports the code of the first *Error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func Has(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func IsTransient(err error) bool {
	return Has(err, CodeTransient)
}

// Public strips raw causes: unknown errors become a generic INTERNAL error.
func Public(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return &Error{Code: e.Code, Message: e.Message, Details: e.Details}
	}
	return New(CodeInternal, "internal error")
}
