package wallet

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultPurchaseCommissionRate = "0.30"
	defaultSignupReferralBonus    = AmountMinor(1000)
	defaultMinimumWithdrawal      = AmountMinor(10000)
	defaultBalanceCacheTTL        = 5 * time.Minute
)

// Policy carries the business constants injected into the commission engine and the
// withdrawal state machine.
type Policy struct {
	// PurchaseCommissionRate is the share of a referred buyer's purchase paid to the referrer.
	PurchaseCommissionRate decimal.Decimal
	// SignupReferralBonus is the flat credit paid once when a referred account signs up.
	SignupReferralBonus AmountMinor
	MinimumWithdrawal   AmountMinor
	// BalanceCacheTTL bounds how old a cached balance may be before reads recompute it.
	BalanceCacheTTL time.Duration
}

// DefaultPolicy returns the marketplace's observed business values.
func DefaultPolicy() Policy {
	return Policy{
		PurchaseCommissionRate: decimal.RequireFromString(defaultPurchaseCommissionRate),
		SignupReferralBonus:    defaultSignupReferralBonus,
		MinimumWithdrawal:      defaultMinimumWithdrawal,
		BalanceCacheTTL:        defaultBalanceCacheTTL,
	}
}

// Validate rejects rates outside [0,1] and non-positive minimums.
func (policy Policy) Validate() error {
	if policy.PurchaseCommissionRate.IsNegative() || policy.PurchaseCommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: purchase commission rate %s outside [0,1]", ErrInvalidPolicy, policy.PurchaseCommissionRate)
	}
	if policy.SignupReferralBonus < 0 {
		return fmt.Errorf("%w: signup referral bonus must not be negative", ErrInvalidPolicy)
	}
	if policy.MinimumWithdrawal <= 0 {
		return fmt.Errorf("%w: minimum withdrawal must be positive", ErrInvalidPolicy)
	}
	if policy.BalanceCacheTTL <= 0 {
		return fmt.Errorf("%w: balance cache ttl must be positive", ErrInvalidPolicy)
	}
	return nil
}

// PurchaseCommission computes floor(amount * rate).
func (policy Policy) PurchaseCommission(purchaseAmount AmountMinor) AmountMinor {
	commission := decimal.NewFromInt(purchaseAmount.Int64()).Mul(policy.PurchaseCommissionRate).Floor()
	return AmountMinor(commission.IntPart())
}
