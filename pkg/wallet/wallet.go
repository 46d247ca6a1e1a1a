// Package wallet implements a referral wallet: an append-only ledger of balance-affecting
// entries, an account registry with a derived balance cache, a commission engine paying
// referrers, and a withdrawal state machine reconciled against the live balance.
//
// Every mutation of an account runs through Ledger.Transact, which serializes it with
// all other mutations of the same account. Balances never go negative.
package wallet

// Wallet bundles the wallet services wired over one store and balance cache.
type Wallet struct {
	Ledger      *Ledger
	Registry    *Registry
	Commission  *CommissionEngine
	Withdrawals *Withdrawals
	Projection  *Projection
}

// New wires every wallet service. The options apply to all of them.
func New(store Store, cache BalanceCache, policy Policy, now func() int64, opts ...Option) (*Wallet, error) {
	ledger, err := NewLedger(store, now, opts...)
	if err != nil {
		return nil, err
	}
	registry, err := NewRegistry(store, ledger, cache, policy, now, opts...)
	if err != nil {
		return nil, err
	}
	commission, err := NewCommissionEngine(ledger, store, policy, opts...)
	if err != nil {
		return nil, err
	}
	withdrawals, err := NewWithdrawals(ledger, store, policy, opts...)
	if err != nil {
		return nil, err
	}
	projection, err := NewProjection(ledger, registry, store)
	if err != nil {
		return nil, err
	}
	return &Wallet{
		Ledger:      ledger,
		Registry:    registry,
		Commission:  commission,
		Withdrawals: withdrawals,
		Projection:  projection,
	}, nil
}
