package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet services.
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrBelowMinimum            = errors.New("below minimum withdrawal")
	ErrAccountNotFound         = errors.New("account not found")
	ErrInvalidReferralCode     = errors.New("invalid referral code")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrDuplicateEntry          = errors.New("duplicate entry")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrWithdrawalNotFound      = errors.New("withdrawal not found")
	ErrAccountConflict         = errors.New("account conflict")
	ErrMissingRejectionReason  = errors.New("missing rejection reason")
	ErrMissingExternalTxID     = errors.New("missing external transaction id")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidRelatedEntityID  = errors.New("invalid related entity id")
	ErrInvalidWithdrawalID     = errors.New("invalid withdrawal id")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidEntryAmount      = errors.New("invalid entry amount")
	ErrInvalidEntryKind        = errors.New("invalid entry kind")
	ErrInvalidWithdrawalStatus = errors.New("invalid withdrawal status")
	ErrInvalidPayoutMethod     = errors.New("invalid payout method")
	ErrInvalidDecision         = errors.New("invalid decision")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidCursor           = errors.New("invalid cursor")
	ErrInvalidPolicy           = errors.New("invalid policy")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
)

// OperationError tags a failure with the operation.subject.code path where it happened.
type OperationError struct {
	Operation string
	Subject   string
	Code      string
	Err       error
}

func (operationError *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", operationError.Path(), operationError.Err)
}

func (operationError *OperationError) Unwrap() error {
	return operationError.Err
}

// Path returns the dotted operation.subject.code triple.
func (operationError *OperationError) Path() string {
	return operationError.Operation + "." + operationError.Subject + "." + operationError.Code
}

// WrapError tags err with its origin; nil stays nil.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, Subject: subject, Code: code, Err: err}
}

// Unavailable marks err as a transient store failure while keeping the cause inspectable.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
