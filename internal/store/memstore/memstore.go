// Package memstore keeps the wallet in process memory. It backs local development and
// tests; state is lost on exit and a single process owns it.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/samber/lo"
)

const (
	errorOperationStore    = "store"
	errorSubjectAccount    = "account"
	errorSubjectEntry      = "entry"
	errorSubjectWithdrawal = "withdrawal"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeLock          = "lock"
	errorCodeUpdateStatus  = "update_status"
	errorCodeTransaction   = "transaction"
	entryKeySeparator      = "|"
	defaultListLimit       = 50
)

// Store implements wallet.Store and wallet.BalanceCache over in-memory maps.
// Transactions hold the write lock for their whole duration and roll back through an undo log.
type Store struct {
	data *memory
	tx   *transaction
}

type memory struct {
	mu          sync.RWMutex
	accounts    map[string]wallet.Account
	codes       map[string]string
	entries     []wallet.Entry
	entryKeys   map[string]struct{}
	withdrawals []wallet.WithdrawalRequest
	byRequestID map[string]int

	cacheMu    sync.Mutex
	balances   map[string]wallet.CachedBalance
	watermarks map[string]int64
}

type transaction struct {
	undo []func()
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: &memory{
		accounts:    make(map[string]wallet.Account),
		codes:       make(map[string]string),
		entryKeys:   make(map[string]struct{}),
		byRequestID: make(map[string]int),
		balances:    make(map[string]wallet.CachedBalance),
		watermarks:  make(map[string]int64),
	}}
}

// WithTx runs fn with exclusive access and undoes its writes when it fails.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	if err := ctx.Err(); err != nil {
		return wrapStoreError("tx", errorCodeTransaction, wallet.Unavailable(err))
	}
	store.data.mu.Lock()
	defer store.data.mu.Unlock()
	txStore := &Store{data: store.data, tx: &transaction{}}
	if err := fn(ctx, txStore); err != nil {
		txStore.tx.rollback()
		return err
	}
	return nil
}

func (tx *transaction) rollback() {
	for index := len(tx.undo) - 1; index >= 0; index-- {
		tx.undo[index]()
	}
	tx.undo = nil
}

func (store *Store) LockAccount(ctx context.Context, accountID wallet.AccountID) error {
	return store.read(func(data *memory) error {
		if _, ok := data.accounts[accountID.String()]; !ok {
			return wrapStoreError(errorSubjectAccount, errorCodeLock, wallet.ErrAccountNotFound)
		}
		return nil
	})
}

func (store *Store) CreateAccount(ctx context.Context, account wallet.Account) error {
	return store.write(func(data *memory) error {
		id := account.ID.String()
		code := account.ReferralCode.String()
		if _, exists := data.accounts[id]; exists {
			return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, wallet.ErrAccountConflict)
		}
		if _, taken := data.codes[code]; taken {
			return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, wallet.ErrAccountConflict)
		}
		data.accounts[id] = account
		data.codes[code] = id
		store.onRollback(func() {
			delete(data.accounts, id)
			delete(data.codes, code)
		})
		return nil
	})
}

func (store *Store) GetAccount(ctx context.Context, accountID wallet.AccountID) (wallet.Account, error) {
	var account wallet.Account
	err := store.read(func(data *memory) error {
		stored, ok := data.accounts[accountID.String()]
		if !ok {
			return wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
		}
		account = stored
		return nil
	})
	return account, err
}

func (store *Store) FindAccountByReferralCode(ctx context.Context, code wallet.ReferralCode) (wallet.Account, error) {
	var account wallet.Account
	err := store.read(func(data *memory) error {
		id, ok := data.codes[code.String()]
		if !ok {
			return wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
		}
		account = data.accounts[id]
		return nil
	})
	return account, err
}

func (store *Store) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]wallet.AccountID, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var accountIDs []wallet.AccountID
	err := store.read(func(data *memory) error {
		keys := lo.Filter(lo.Keys(data.accounts), func(id string, _ int) bool {
			return id > afterAccountID
		})
		slices.Sort(keys)
		if len(keys) > limit {
			keys = keys[:limit]
		}
		accountIDs = lo.Map(keys, func(id string, _ int) wallet.AccountID {
			return data.accounts[id].ID
		})
		return nil
	})
	return accountIDs, err
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) (wallet.Entry, error) {
	err := store.write(func(data *memory) error {
		key := entry.Kind.String() + entryKeySeparator + entry.RelatedEntityID.String()
		if _, exists := data.entryKeys[key]; exists {
			return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrDuplicateEntry)
		}
		entry.Sequence = int64(len(data.entries)) + 1
		data.entries = append(data.entries, entry)
		data.entryKeys[key] = struct{}{}
		store.onRollback(func() {
			data.entries = data.entries[:len(data.entries)-1]
			delete(data.entryKeys, key)
		})
		return nil
	})
	if err != nil {
		return wallet.Entry{}, err
	}
	return entry, nil
}

func (store *Store) SumEntries(ctx context.Context, accountID wallet.AccountID) (wallet.EntryAmount, error) {
	var total wallet.EntryAmount
	err := store.read(func(data *memory) error {
		for _, entry := range data.entries {
			if entry.AccountID == accountID {
				total += entry.Amount
			}
		}
		return nil
	})
	return total, err
}

func (store *Store) ListEntries(ctx context.Context, accountID wallet.AccountID, beforeSequence int64, limit int) ([]wallet.Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var entries []wallet.Entry
	err := store.read(func(data *memory) error {
		for index := len(data.entries) - 1; index >= 0 && len(entries) < limit; index-- {
			entry := data.entries[index]
			if entry.AccountID != accountID {
				continue
			}
			if beforeSequence > 0 && entry.Sequence >= beforeSequence {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (store *Store) CreateWithdrawal(ctx context.Context, request wallet.WithdrawalRequest) (wallet.WithdrawalRequest, error) {
	err := store.write(func(data *memory) error {
		id := request.ID.String()
		if _, exists := data.byRequestID[id]; exists {
			return wrapStoreError(errorSubjectWithdrawal, errorCodeDuplicate, wallet.ErrDuplicateEntry)
		}
		request.Sequence = int64(len(data.withdrawals)) + 1
		data.byRequestID[id] = len(data.withdrawals)
		data.withdrawals = append(data.withdrawals, request)
		store.onRollback(func() {
			data.withdrawals = data.withdrawals[:len(data.withdrawals)-1]
			delete(data.byRequestID, id)
		})
		return nil
	})
	if err != nil {
		return wallet.WithdrawalRequest{}, err
	}
	return request, nil
}

func (store *Store) GetWithdrawal(ctx context.Context, requestID wallet.WithdrawalID) (wallet.WithdrawalRequest, error) {
	var request wallet.WithdrawalRequest
	err := store.read(func(data *memory) error {
		index, ok := data.byRequestID[requestID.String()]
		if !ok {
			return wrapStoreError(errorSubjectWithdrawal, errorCodeGet, wallet.ErrWithdrawalNotFound)
		}
		request = data.withdrawals[index]
		return nil
	})
	return request, err
}

func (store *Store) UpdateWithdrawal(ctx context.Context, request wallet.WithdrawalRequest, from wallet.WithdrawalStatus) error {
	return store.write(func(data *memory) error {
		index, ok := data.byRequestID[request.ID.String()]
		if !ok {
			return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, wallet.ErrWithdrawalNotFound)
		}
		previous := data.withdrawals[index]
		if previous.Status != from {
			return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus,
				fmt.Errorf("%w: status is %s", wallet.ErrInvalidTransition, previous.Status))
		}
		request.Sequence = previous.Sequence
		data.withdrawals[index] = request
		store.onRollback(func() {
			data.withdrawals[index] = previous
		})
		return nil
	})
}

func (store *Store) ListWithdrawals(ctx context.Context, filter wallet.WithdrawalFilter) ([]wallet.WithdrawalRequest, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var requests []wallet.WithdrawalRequest
	err := store.read(func(data *memory) error {
		for index := len(data.withdrawals) - 1; index >= 0 && len(requests) < limit; index-- {
			request := data.withdrawals[index]
			if !filter.AccountID.IsZero() && request.AccountID != filter.AccountID {
				continue
			}
			if filter.BeforeSequence > 0 && request.Sequence >= filter.BeforeSequence {
				continue
			}
			if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, request.Status) {
				continue
			}
			requests = append(requests, request)
		}
		return nil
	})
	return requests, err
}

// LoadBalance implements wallet.BalanceCache.
func (store *Store) LoadBalance(ctx context.Context, accountID wallet.AccountID) (wallet.CachedBalance, bool, error) {
	store.data.cacheMu.Lock()
	defer store.data.cacheMu.Unlock()
	balance, ok := store.data.balances[accountID.String()]
	return balance, ok, nil
}

// StoreBalance implements wallet.BalanceCache. A balance older than the recorded
// sequence is ignored.
func (store *Store) StoreBalance(ctx context.Context, accountID wallet.AccountID, balance wallet.CachedBalance) error {
	store.data.cacheMu.Lock()
	defer store.data.cacheMu.Unlock()
	key := accountID.String()
	if watermark, ok := store.data.watermarks[key]; ok && balance.Sequence < watermark {
		return nil
	}
	store.data.balances[key] = balance
	store.data.watermarks[key] = balance.Sequence
	return nil
}

// DropBalance implements wallet.BalanceCache.
func (store *Store) DropBalance(ctx context.Context, accountID wallet.AccountID) error {
	store.data.cacheMu.Lock()
	defer store.data.cacheMu.Unlock()
	delete(store.data.balances, accountID.String())
	return nil
}

// read runs fn under the read lock, or directly inside a transaction that already holds the write lock.
func (store *Store) read(fn func(data *memory) error) error {
	if store.tx != nil {
		return fn(store.data)
	}
	store.data.mu.RLock()
	defer store.data.mu.RUnlock()
	return fn(store.data)
}

func (store *Store) write(fn func(data *memory) error) error {
	if store.tx != nil {
		return fn(store.data)
	}
	store.data.mu.Lock()
	defer store.data.mu.Unlock()
	return fn(store.data)
}

func (store *Store) onRollback(undo func()) {
	if store.tx == nil {
		return
	}
	store.tx.undo = append(store.tx.undo, undo)
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}
