package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// WithdrawalInput describes a user's withdrawal request. RequestID is the idempotency key.
type WithdrawalInput struct {
	RequestID     WithdrawalID
	AccountID     AccountID
	Amount        AmountMinor
	Method        PayoutMethod
	PayoutDetails MetadataJSON
}

// Withdrawals drives withdrawal requests through reserve, decision and settlement.
type Withdrawals struct {
	ledger *Ledger
	store  Store
	policy Policy
	logger OperationLogger
}

// NewWithdrawals validates dependencies and policy.
func NewWithdrawals(ledger *Ledger, store Store, policy Policy, opts ...Option) (*Withdrawals, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	resolved := applyOptions(opts)
	return &Withdrawals{
		ledger: ledger,
		store:  store,
		policy: policy,
		logger: resolved.logger,
	}, nil
}

// Request records a withdrawal and reserves its amount in one transaction. The record is
// persisted directly as reserved. Replaying a request id with the same account, amount
// and method returns the stored request.
func (withdrawals *Withdrawals) Request(ctx context.Context, input WithdrawalInput) (WithdrawalRequest, error) {
	request, operationError := withdrawals.request(ctx, input)
	logOperation(ctx, withdrawals.logger, OperationLog{
		Operation:       operationRequestWithdrawal,
		AccountID:       input.AccountID,
		RelatedEntityID: input.RequestID.RelatedEntity(),
		Amount:          input.Amount.Debit(),
		Outcome:         request.Status.String(),
		Error:           operationError,
	})
	return request, operationError
}

func (withdrawals *Withdrawals) request(ctx context.Context, input WithdrawalInput) (WithdrawalRequest, error) {
	if input.RequestID.String() == "" {
		return WithdrawalRequest{}, fmt.Errorf("%w: empty value", ErrInvalidWithdrawalID)
	}
	if input.AccountID.IsZero() {
		return WithdrawalRequest{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParsePayoutMethod(input.Method.String()); err != nil {
		return WithdrawalRequest{}, err
	}
	if input.Amount < withdrawals.policy.MinimumWithdrawal {
		return WithdrawalRequest{}, fmt.Errorf("%w: %d is below %d", ErrBelowMinimum, input.Amount, withdrawals.policy.MinimumWithdrawal)
	}

	var result WithdrawalRequest
	err := withdrawals.ledger.Transact(ctx, input.AccountID, func(ctx context.Context, ledgerTx *LedgerTx) error {
		txStore := ledgerTx.Store()
		existing, err := txStore.GetWithdrawal(ctx, input.RequestID)
		if err == nil {
			if !sameRequest(existing, input) {
				return fmt.Errorf("%w: request %s was submitted with different parameters", ErrDuplicateEntry, input.RequestID.String())
			}
			result = existing
			return nil
		}
		if !errors.Is(err, ErrWithdrawalNotFound) {
			return err
		}

		balance, err := ledgerTx.Balance(ctx)
		if err != nil {
			return err
		}
		if balance < input.Amount {
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, balance, input.Amount)
		}
		created, err := txStore.CreateWithdrawal(ctx, WithdrawalRequest{
			ID:               input.RequestID,
			AccountID:        input.AccountID,
			Amount:           input.Amount,
			Method:           input.Method,
			PayoutDetails:    input.PayoutDetails,
			Status:           WithdrawalReserved,
			RequestedUnixUTC: ledgerTx.Now(),
		})
		if err != nil {
			return err
		}
		metadata, err := MetadataFromMap(map[string]string{metadataKeyMethod: input.Method.String()})
		if err != nil {
			return err
		}
		if _, err := ledgerTx.Append(ctx, EntryInput{
			AccountID:       input.AccountID,
			Kind:            EntryWithdrawalReserve,
			Amount:          input.Amount.Debit(),
			RelatedEntityID: input.RequestID.RelatedEntity(),
			Metadata:        metadata,
		}); err != nil {
			return err
		}
		result = created
		return nil
	})
	if err != nil {
		return WithdrawalRequest{}, err
	}
	return result, nil
}

// Decide applies an admin decision to a reserved request. Rejection needs a reason and
// releases the reserved amount; approval leaves the ledger untouched.
func (withdrawals *Withdrawals) Decide(ctx context.Context, requestID WithdrawalID, decision Decision, reason string) (WithdrawalRequest, error) {
	request, operationError := withdrawals.decide(ctx, requestID, decision, reason)
	logOperation(ctx, withdrawals.logger, OperationLog{
		Operation:       operationDecideWithdrawal,
		AccountID:       request.AccountID,
		RelatedEntityID: requestID.RelatedEntity(),
		Outcome:         string(decision),
		Error:           operationError,
	})
	return request, operationError
}

func (withdrawals *Withdrawals) decide(ctx context.Context, requestID WithdrawalID, decision Decision, reason string) (WithdrawalRequest, error) {
	if _, err := ParseDecision(string(decision)); err != nil {
		return WithdrawalRequest{}, err
	}
	if decision == DecisionReject && strings.TrimSpace(reason) == "" {
		return WithdrawalRequest{}, ErrMissingRejectionReason
	}
	return withdrawals.transition(ctx, requestID, WithdrawalReserved, func(ctx context.Context, ledgerTx *LedgerTx, request WithdrawalRequest) (WithdrawalRequest, error) {
		request.DecidedUnixUTC = ledgerTx.Now()
		if decision == DecisionApprove {
			request.Status = WithdrawalApproved
			return request, nil
		}
		request.Status = WithdrawalRejected
		request.RejectionReason = reason
		metadata, err := MetadataFromMap(map[string]string{metadataKeyReason: reason})
		if err != nil {
			return WithdrawalRequest{}, err
		}
		_, err = ledgerTx.Append(ctx, EntryInput{
			AccountID:       request.AccountID,
			Kind:            EntryWithdrawalRelease,
			Amount:          request.Amount.Credit(),
			RelatedEntityID: requestID.RelatedEntity(),
			Metadata:        metadata,
		})
		return request, err
	})
}

// ConfirmCompletion settles an approved request after the payout happened off-system.
func (withdrawals *Withdrawals) ConfirmCompletion(ctx context.Context, requestID WithdrawalID, externalTransactionID string) (WithdrawalRequest, error) {
	request, operationError := withdrawals.confirmCompletion(ctx, requestID, externalTransactionID)
	logOperation(ctx, withdrawals.logger, OperationLog{
		Operation:       operationConfirmWithdrawal,
		AccountID:       request.AccountID,
		RelatedEntityID: requestID.RelatedEntity(),
		Outcome:         request.Status.String(),
		Error:           operationError,
	})
	return request, operationError
}

func (withdrawals *Withdrawals) confirmCompletion(ctx context.Context, requestID WithdrawalID, externalTransactionID string) (WithdrawalRequest, error) {
	externalTransactionID = strings.TrimSpace(externalTransactionID)
	if externalTransactionID == "" {
		return WithdrawalRequest{}, ErrMissingExternalTxID
	}
	return withdrawals.transition(ctx, requestID, WithdrawalApproved, func(ctx context.Context, ledgerTx *LedgerTx, request WithdrawalRequest) (WithdrawalRequest, error) {
		metadata, err := MetadataFromMap(map[string]string{metadataKeyExternalTxID: externalTransactionID})
		if err != nil {
			return WithdrawalRequest{}, err
		}
		if _, err := ledgerTx.Append(ctx, EntryInput{
			AccountID:       request.AccountID,
			Kind:            EntryWithdrawalSettled,
			Amount:          0,
			RelatedEntityID: requestID.RelatedEntity(),
			Metadata:        metadata,
		}); err != nil {
			return WithdrawalRequest{}, err
		}
		request.Status = WithdrawalCompleted
		request.CompletedUnixUTC = ledgerTx.Now()
		request.ExternalTransactionID = externalTransactionID
		return request, nil
	})
}

// transition loads the request under its account lock, checks it is still in from, applies
// step and persists the result with a compare-and-set on from.
func (withdrawals *Withdrawals) transition(
	ctx context.Context,
	requestID WithdrawalID,
	from WithdrawalStatus,
	step func(ctx context.Context, ledgerTx *LedgerTx, request WithdrawalRequest) (WithdrawalRequest, error),
) (WithdrawalRequest, error) {
	if requestID.String() == "" {
		return WithdrawalRequest{}, fmt.Errorf("%w: empty value", ErrInvalidWithdrawalID)
	}
	located, err := withdrawals.store.GetWithdrawal(ctx, requestID)
	if err != nil {
		return WithdrawalRequest{}, err
	}
	var result WithdrawalRequest
	err = withdrawals.ledger.Transact(ctx, located.AccountID, func(ctx context.Context, ledgerTx *LedgerTx) error {
		current, err := ledgerTx.Store().GetWithdrawal(ctx, requestID)
		if err != nil {
			return err
		}
		if current.Status != from {
			return fmt.Errorf("%w: request %s is %s", ErrInvalidTransition, requestID.String(), current.Status)
		}
		next, err := step(ctx, ledgerTx, current)
		if err != nil {
			return err
		}
		if err := ledgerTx.Store().UpdateWithdrawal(ctx, next, from); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return WithdrawalRequest{}, err
	}
	return result, nil
}

func sameRequest(existing WithdrawalRequest, input WithdrawalInput) bool {
	return existing.AccountID == input.AccountID &&
		existing.Amount == input.Amount &&
		existing.Method == input.Method
}
