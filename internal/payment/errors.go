package payment

import "errors"

// Sentinel errors for the transaction core. Callers branch with errors.Is;
// transports map them through Classify.
var (
	ErrInvalidAccount      = errors.New("invalid account")
	ErrAccountInactive     = errors.New("account is not active")
	ErrInvalidAmount       = errors.New("invalid transaction amount")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidType         = errors.New("invalid transaction type")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrComplianceRejected  = errors.New("compliance check failed")
	ErrDuplicateReference  = errors.New("duplicate reference id")
	ErrDuplicateDelivery   = errors.New("event already delivered")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrCheckNotFound       = errors.New("check not found")
	ErrBatchNotFound       = errors.New("settlement batch not found")
	ErrBatchNotPending     = errors.New("settlement batch is not pending")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAuditUnavailable    = errors.New("audit log unavailable")
)

type ErrorClass string

const (
	// ClassValidation: bad input shape or range, caller's fault, no retry.
	ClassValidation ErrorClass = "validation"
	// ClassPolicy: deterministic business rule, no retry.
	ClassPolicy ErrorClass = "policy"
	// ClassConflict: duplicate key or concurrent contention, caller may retry.
	ClassConflict ErrorClass = "conflict"
	// ClassDependency: internal sub-check or storage fault, retriable.
	ClassDependency ErrorClass = "dependency"
)

func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrUnsupportedCurrency),
		errors.Is(err, ErrInvalidType),
		errors.Is(err, ErrInvalidAccount):
		return ClassValidation
	case errors.Is(err, ErrAccountInactive),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrComplianceRejected),
		errors.Is(err, ErrBatchNotPending),
		errors.Is(err, ErrInvalidTransition):
		return ClassPolicy
	case errors.Is(err, ErrDuplicateReference),
		errors.Is(err, ErrDuplicateDelivery):
		return ClassConflict
	default:
		return ClassDependency
	}
}
