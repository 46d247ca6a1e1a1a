package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

const rebuildPageSize = 500

// Registry owns account identity metadata and the derived balance cache.
type Registry struct {
	store    Store
	ledger   *Ledger
	cache    BalanceCache
	cacheTTL time.Duration
	nowFn    func() int64
	newCode  func() string
	logger   OperationLogger
}

// NewRegistry wires a Registry and subscribes its cache refresh to ledger appends.
func NewRegistry(store Store, ledger *Ledger, cache BalanceCache, policy Policy, now func() int64, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if cache == nil {
		return nil, fmt.Errorf("%w: balance cache dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	resolved := applyOptions(opts)
	newCode := resolved.newCode
	if newCode == nil {
		newCode = randomReferralCode
	}
	registry := &Registry{
		store:    store,
		ledger:   ledger,
		cache:    cache,
		cacheTTL: policy.BalanceCacheTTL,
		nowFn:    now,
		newCode:  newCode,
		logger:   resolved.logger,
	}
	ledger.Observe(registry.onAppend)
	return registry, nil
}

// GetOrCreate returns the account for identity, creating it on first access. The
// referral code is only consulted on creation; when it does not resolve, the account
// is still created without a referrer and ErrInvalidReferralCode is returned with it.
func (registry *Registry) GetOrCreate(ctx context.Context, identity AccountID, referralCode string) (Account, bool, error) {
	if identity.IsZero() {
		return Account{}, false, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	existing, err := registry.store.GetAccount(ctx, identity)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, false, err
	}

	referrer, referralErr := registry.resolveReferrer(ctx, referralCode)
	if referralErr != nil && !errors.Is(referralErr, ErrInvalidReferralCode) {
		return Account{}, false, referralErr
	}

	for attempt := 0; attempt < referralCodeMaxAttempts; attempt++ {
		code, err := NewReferralCode(registry.newCode())
		if err != nil {
			return Account{}, false, err
		}
		account := Account{
			ID:             identity,
			ReferralCode:   code,
			ReferredBy:     referrer,
			CreatedUnixUTC: registry.nowFn(),
		}
		createErr := registry.store.CreateAccount(ctx, account)
		if createErr == nil {
			logOperation(ctx, registry.logger, OperationLog{
				Operation: operationCreateAccount,
				AccountID: identity,
				Outcome:   referralOutcome(referrer, referralErr),
			})
			return account, true, referralErr
		}
		if !errors.Is(createErr, ErrAccountConflict) {
			logOperation(ctx, registry.logger, OperationLog{
				Operation: operationCreateAccount,
				AccountID: identity,
				Error:     createErr,
			})
			return Account{}, false, createErr
		}
		// Either a concurrent first access won or the generated code is taken.
		winner, getErr := registry.store.GetAccount(ctx, identity)
		if getErr == nil {
			return winner, false, nil
		}
		if !errors.Is(getErr, ErrAccountNotFound) {
			return Account{}, false, getErr
		}
	}
	return Account{}, false, fmt.Errorf("%w: no free referral code after %d attempts", ErrAccountConflict, referralCodeMaxAttempts)
}

// Get returns an existing account.
func (registry *Registry) Get(ctx context.Context, accountID AccountID) (Account, error) {
	return registry.store.GetAccount(ctx, accountID)
}

// RefreshBalanceCache recomputes the account balance from the ledger and caches it.
func (registry *Registry) RefreshBalanceCache(ctx context.Context, accountID AccountID) (AmountMinor, error) {
	unlock, err := registry.ledger.locker.Lock(ctx, accountID)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return registry.refreshLocked(ctx, accountID)
}

// CachedBalance serves the cached balance, recomputing it when missing or older than the TTL.
func (registry *Registry) CachedBalance(ctx context.Context, accountID AccountID) (AmountMinor, error) {
	cached, found, err := registry.cache.LoadBalance(ctx, accountID)
	if err == nil && found && !registry.stale(cached) {
		return cached.Amount, nil
	}
	balance, refreshErr := registry.RefreshBalanceCache(ctx, accountID)
	if refreshErr == nil {
		return balance, nil
	}
	var cacheErr *cacheWriteError
	if errors.As(refreshErr, &cacheErr) {
		return cacheErr.balance, nil
	}
	return 0, refreshErr
}

// RebuildCaches refreshes the cache of every account and returns how many were refreshed.
func (registry *Registry) RebuildCaches(ctx context.Context) (int, error) {
	refreshed := 0
	after := ""
	for {
		accountIDs, err := registry.store.ListAccountIDs(ctx, after, rebuildPageSize)
		if err != nil {
			return refreshed, err
		}
		for _, accountID := range accountIDs {
			if _, err := registry.RefreshBalanceCache(ctx, accountID); err != nil {
				return refreshed, err
			}
			refreshed++
		}
		if len(accountIDs) < rebuildPageSize {
			return refreshed, nil
		}
		after = accountIDs[len(accountIDs)-1].String()
	}
}

// onAppend runs with the account lock held, which orders cache writes within this
// process only. Writers elsewhere are ordered by the snapshot sequence the cache
// compares on store. A failed refresh drops the entry and the next read recomputes it.
func (registry *Registry) onAppend(ctx context.Context, accountID AccountID) {
	_, err := registry.refreshLocked(ctx, accountID)
	if err == nil {
		return
	}
	dropErr := registry.cache.DropBalance(ctx, accountID)
	logOperation(ctx, registry.logger, OperationLog{
		Operation: operationRefreshCache,
		AccountID: accountID,
		Error:     errors.Join(err, dropErr),
	})
}

func (registry *Registry) refreshLocked(ctx context.Context, accountID AccountID) (AmountMinor, error) {
	balance, sequence, err := registry.ledger.snapshot(ctx, accountID)
	if err != nil {
		return 0, err
	}
	snapshot := CachedBalance{Amount: balance, RefreshedUnixUTC: registry.nowFn(), Sequence: sequence}
	if err := registry.cache.StoreBalance(ctx, accountID, snapshot); err != nil {
		return balance, &cacheWriteError{balance: balance, err: err}
	}
	return balance, nil
}

func (registry *Registry) stale(cached CachedBalance) bool {
	age := time.Duration(registry.nowFn()-cached.RefreshedUnixUTC) * time.Second
	return age > registry.cacheTTL
}

// resolveReferrer maps a supplied code to the referring account. An unusable code
// yields ErrInvalidReferralCode, which callers treat as a soft failure.
func (registry *Registry) resolveReferrer(ctx context.Context, raw string) (*AccountID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	code, err := NewReferralCode(raw)
	if err != nil {
		return nil, err
	}
	referrer, err := registry.store.FindAccountByReferralCode(ctx, code)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s does not resolve", ErrInvalidReferralCode, code.String())
	}
	if err != nil {
		return nil, err
	}
	referrerID := referrer.ID
	return &referrerID, nil
}

// cacheWriteError reports a balance that was computed but could not be cached.
type cacheWriteError struct {
	balance AmountMinor
	err     error
}

func (cacheErr *cacheWriteError) Error() string {
	return "balance cache write failed: " + cacheErr.err.Error()
}

func (cacheErr *cacheWriteError) Unwrap() error {
	return cacheErr.err
}

func referralOutcome(referrer *AccountID, referralErr error) string {
	switch {
	case referrer != nil:
		return "referred"
	case referralErr != nil:
		return "referral_ignored"
	default:
		return "direct"
	}
}

func randomReferralCode() string {
	return lo.RandomString(referralCodeLength, []rune(referralCodeCharset))
}
