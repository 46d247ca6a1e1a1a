package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// CommissionOutcome reports what a commission event did.
type CommissionOutcome string

const (
	CommissionCredited       CommissionOutcome = "credited"
	CommissionDuplicate      CommissionOutcome = "duplicate"
	CommissionNoReferrer     CommissionOutcome = "no_referrer"
	CommissionZeroCommission CommissionOutcome = "zero_commission"
)

func (outcome CommissionOutcome) String() string {
	return string(outcome)
}

// CommissionEngine credits referrers for purchases and signups of the accounts they referred.
type CommissionEngine struct {
	ledger *Ledger
	store  Store
	policy Policy
	logger OperationLogger
}

// NewCommissionEngine validates dependencies and policy.
func NewCommissionEngine(ledger *Ledger, store Store, policy Policy, opts ...Option) (*CommissionEngine, error) {
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
	return &CommissionEngine{
		ledger: ledger,
		store:  store,
		policy: policy,
		logger: resolved.logger,
	}, nil
}

// OnPurchaseCompleted credits the buyer's referrer floor(amount × rate) once per purchase.
// Replays of the same purchase id succeed with CommissionDuplicate and append nothing.
func (engine *CommissionEngine) OnPurchaseCompleted(ctx context.Context, purchaseID RelatedEntityID, buyerID AccountID, purchaseAmount AmountMinor) (CommissionOutcome, error) {
	var amount EntryAmount
	outcome, operationError := engine.onPurchaseCompleted(ctx, purchaseID, buyerID, purchaseAmount, &amount)
	if outcome != CommissionCredited {
		amount = 0
	}
	logOperation(ctx, engine.logger, OperationLog{
		Operation:       operationPurchaseCommission,
		AccountID:       buyerID,
		RelatedEntityID: purchaseID,
		Amount:          amount,
		Outcome:         outcome.String(),
		Error:           operationError,
	})
	return outcome, operationError
}

func (engine *CommissionEngine) onPurchaseCompleted(ctx context.Context, purchaseID RelatedEntityID, buyerID AccountID, purchaseAmount AmountMinor, credited *EntryAmount) (CommissionOutcome, error) {
	if purchaseID.String() == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidRelatedEntityID)
	}
	if purchaseAmount <= 0 {
		return "", fmt.Errorf("%w: purchase amount must be greater than zero", ErrInvalidAmount)
	}
	buyer, err := engine.store.GetAccount(ctx, buyerID)
	if err != nil {
		return "", err
	}
	if !buyer.HasReferrer() {
		return CommissionNoReferrer, nil
	}
	commission := engine.policy.PurchaseCommission(purchaseAmount)
	if commission == 0 {
		return CommissionZeroCommission, nil
	}
	metadata, err := MetadataFromMap(map[string]string{
		metadataKeyBuyer:         buyerID.String(),
		metadataKeyPurchaseTotal: strconv.FormatInt(purchaseAmount.Int64(), 10),
	})
	if err != nil {
		return "", err
	}
	*credited = commission.Credit()
	return engine.credit(ctx, EntryInput{
		AccountID:       *buyer.ReferredBy,
		Kind:            EntryPurchaseCommission,
		Amount:          commission.Credit(),
		RelatedEntityID: purchaseID,
		Metadata:        metadata,
	})
}

// OnReferredSignup pays the flat signup bonus to the referrer of a newly created account,
// at most once per referred account.
func (engine *CommissionEngine) OnReferredSignup(ctx context.Context, referredID AccountID) (CommissionOutcome, error) {
	var amount EntryAmount
	outcome, operationError := engine.onReferredSignup(ctx, referredID, &amount)
	if outcome != CommissionCredited {
		amount = 0
	}
	logOperation(ctx, engine.logger, OperationLog{
		Operation:       operationSignupBonus,
		AccountID:       referredID,
		RelatedEntityID: RelatedEntityID{value: referredID.String()},
		Amount:          amount,
		Outcome:         outcome.String(),
		Error:           operationError,
	})
	return outcome, operationError
}

func (engine *CommissionEngine) onReferredSignup(ctx context.Context, referredID AccountID, credited *EntryAmount) (CommissionOutcome, error) {
	referred, err := engine.store.GetAccount(ctx, referredID)
	if err != nil {
		return "", err
	}
	if !referred.HasReferrer() {
		return CommissionNoReferrer, nil
	}
	bonus := engine.policy.SignupReferralBonus
	if bonus == 0 {
		return CommissionZeroCommission, nil
	}
	metadata, err := MetadataFromMap(map[string]string{metadataKeyReferred: referredID.String()})
	if err != nil {
		return "", err
	}
	*credited = bonus.Credit()
	return engine.credit(ctx, EntryInput{
		AccountID:       *referred.ReferredBy,
		Kind:            EntrySignupBonus,
		Amount:          bonus.Credit(),
		RelatedEntityID: RelatedEntityID{value: referredID.String()},
		Metadata:        metadata,
	})
}

func (engine *CommissionEngine) credit(ctx context.Context, input EntryInput) (CommissionOutcome, error) {
	err := engine.ledger.Transact(ctx, input.AccountID, func(ctx context.Context, ledgerTx *LedgerTx) error {
		_, err := ledgerTx.Append(ctx, input)
		return err
	})
	if errors.Is(err, ErrDuplicateEntry) {
		return CommissionDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	return CommissionCredited, nil
}
