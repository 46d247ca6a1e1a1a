package wallet

import (
	"context"
	"fmt"
	"iter"
	"math"
	"sync"

	"github.com/google/uuid"
)

// AppendObserver is notified, while the account lock is still held, after a
// transaction that appended entries for accountID commits.
type AppendObserver func(ctx context.Context, accountID AccountID)

// Ledger is the append-only log of balance-affecting facts and the only writer of money movement.
type Ledger struct {
	store  Store
	locker *AccountLocker
	nowFn  func() int64
	newID  func() string
	logger OperationLogger

	observersMu sync.RWMutex
	observers   []AppendObserver
}

// LedgerTx is the transactional view handed to Transact callbacks. It is bound to
// the single account whose lock is held.
type LedgerTx struct {
	ledger    *Ledger
	store     Store
	accountID AccountID
	nowUnix   int64
	appended  bool
}

// NewLedger wires a Ledger over store.
func NewLedger(store Store, now func() int64, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	resolved := applyOptions(opts)
	newID := resolved.newID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Ledger{
		store:  store,
		locker: NewAccountLocker(),
		nowFn:  now,
		newID:  newID,
		logger: resolved.logger,
	}, nil
}

// Observe registers an observer for committed appends.
func (ledger *Ledger) Observe(observer AppendObserver) {
	if observer == nil {
		return
	}
	ledger.observersMu.Lock()
	defer ledger.observersMu.Unlock()
	ledger.observers = append(ledger.observers, observer)
}

// Transact serializes fn with every other mutation of accountID: it holds the
// in-process account lock, opens a store transaction and takes the store row lock.
// Observers run after commit, before the lock is released.
func (ledger *Ledger) Transact(ctx context.Context, accountID AccountID, fn func(ctx context.Context, ledgerTx *LedgerTx) error) error {
	unlock, err := ledger.locker.Lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	var ledgerTx *LedgerTx
	err = ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockAccount(ctx, accountID); err != nil {
			return err
		}
		ledgerTx = &LedgerTx{
			ledger:    ledger,
			store:     transactionStore,
			accountID: accountID,
			nowUnix:   ledger.nowFn(),
		}
		return fn(ctx, ledgerTx)
	})
	if err != nil {
		return err
	}
	if ledgerTx != nil && ledgerTx.appended {
		ledger.notify(ctx, accountID)
	}
	return nil
}

// Append writes one entry for its account after checking that the balance stays non-negative.
func (ledger *Ledger) Append(ctx context.Context, input EntryInput) (Entry, error) {
	if err := input.Validate(); err != nil {
		return Entry{}, err
	}
	var appended Entry
	operationError := ledger.Transact(ctx, input.AccountID, func(ctx context.Context, ledgerTx *LedgerTx) error {
		entry, err := ledgerTx.Append(ctx, input)
		if err != nil {
			return err
		}
		appended = entry
		return nil
	})
	logOperation(ctx, ledger.logger, OperationLog{
		Operation:       operationAppend,
		AccountID:       input.AccountID,
		RelatedEntityID: input.RelatedEntityID,
		Amount:          input.Amount,
		Outcome:         input.Kind.String(),
		Error:           operationError,
	})
	return appended, operationError
}

// Adjust appends a manual correction. Negative adjustments never overdraw the account.
func (ledger *Ledger) Adjust(ctx context.Context, adjustmentID RelatedEntityID, accountID AccountID, amount EntryAmount, reason string) (Entry, error) {
	metadata, err := MetadataFromMap(map[string]string{metadataKeyReason: reason})
	if err != nil {
		return Entry{}, err
	}
	var adjusted Entry
	operationError := ledger.Transact(ctx, accountID, func(ctx context.Context, ledgerTx *LedgerTx) error {
		entry, err := ledgerTx.Append(ctx, EntryInput{
			AccountID:       accountID,
			Kind:            EntryManualAdjustment,
			Amount:          amount,
			RelatedEntityID: adjustmentID,
			Metadata:        metadata,
		})
		if err != nil {
			return err
		}
		adjusted = entry
		return nil
	})
	logOperation(ctx, ledger.logger, OperationLog{
		Operation:       operationAdjust,
		AccountID:       accountID,
		RelatedEntityID: adjustmentID,
		Amount:          amount,
		Error:           operationError,
	})
	return adjusted, operationError
}

// BalanceOf returns the sum of all entries for the account, read in one transaction.
func (ledger *Ledger) BalanceOf(ctx context.Context, accountID AccountID) (AmountMinor, error) {
	balance, _, err := ledger.snapshot(ctx, accountID)
	return balance, err
}

// snapshot returns the balance together with the newest entry sequence it covers.
// The head is read before the sum, so a concurrent append can only make the amount
// newer than the sequence claims, never older.
func (ledger *Ledger) snapshot(ctx context.Context, accountID AccountID) (AmountMinor, int64, error) {
	var (
		balance  AmountMinor
		sequence int64
	)
	err := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetAccount(ctx, accountID); err != nil {
			return err
		}
		head, err := transactionStore.ListEntries(ctx, accountID, 0, 1)
		if err != nil {
			return err
		}
		if len(head) > 0 {
			sequence = head[0].Sequence
		}
		sum, err := transactionStore.SumEntries(ctx, accountID)
		if err != nil {
			return err
		}
		balance, err = balanceFromSum(sum)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return balance, sequence, nil
}

// HistoryPage returns up to limit entries, newest first, starting at cursor.
func (ledger *Ledger) HistoryPage(ctx context.Context, accountID AccountID, cursor Cursor, limit int) (EntryPage, error) {
	if _, err := ledger.store.GetAccount(ctx, accountID); err != nil {
		return EntryPage{}, err
	}
	limit = normalizePageSize(limit)
	entries, err := ledger.store.ListEntries(ctx, accountID, cursor.BeforeSequence(), limit+1)
	if err != nil {
		return EntryPage{}, err
	}
	page := EntryPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
		page.Next = Cursor{beforeSequence: page.Entries[limit-1].Sequence}
	}
	return page, nil
}

// History lazily walks the account's entries newest first, fetching one page at a time.
// The walk stops at the first error, which is yielded with a zero Entry.
func (ledger *Ledger) History(ctx context.Context, accountID AccountID, cursor Cursor, pageSize int) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		next := cursor
		for {
			page, err := ledger.HistoryPage(ctx, accountID, next, pageSize)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, entry := range page.Entries {
				if !yield(entry, nil) {
					return
				}
			}
			if !page.HasMore {
				return
			}
			next = page.Next
		}
	}
}

func (ledger *Ledger) notify(ctx context.Context, accountID AccountID) {
	ledger.observersMu.RLock()
	observers := append([]AppendObserver(nil), ledger.observers...)
	ledger.observersMu.RUnlock()
	for _, observer := range observers {
		observer(ctx, accountID)
	}
}

// Store exposes the transaction-scoped store.
func (ledgerTx *LedgerTx) Store() Store {
	return ledgerTx.store
}

// Now returns the transaction's clock reading.
func (ledgerTx *LedgerTx) Now() int64 {
	return ledgerTx.nowUnix
}

// Balance returns the locked account's balance inside the transaction.
func (ledgerTx *LedgerTx) Balance(ctx context.Context) (AmountMinor, error) {
	sum, err := ledgerTx.store.SumEntries(ctx, ledgerTx.accountID)
	if err != nil {
		return 0, err
	}
	return balanceFromSum(sum)
}

// Append validates and inserts an entry for the locked account.
func (ledgerTx *LedgerTx) Append(ctx context.Context, input EntryInput) (Entry, error) {
	if err := input.Validate(); err != nil {
		return Entry{}, err
	}
	if input.AccountID != ledgerTx.accountID {
		return Entry{}, fmt.Errorf("%w: %s is not the locked account", ErrInvalidAccountID, input.AccountID.String())
	}
	balance, err := ledgerTx.Balance(ctx)
	if err != nil {
		return Entry{}, err
	}
	if input.Amount > 0 && balance.Int64() > math.MaxInt64-input.Amount.Int64() {
		return Entry{}, fmt.Errorf("%w: balance %d cannot absorb %d", ErrInvalidAmount, balance.Int64(), input.Amount.Int64())
	}
	if balance.Int64()+input.Amount.Int64() < 0 {
		return Entry{}, ErrInsufficientBalance
	}
	entry, err := ledgerTx.store.InsertEntry(ctx, Entry{
		ID:              ledgerTx.ledger.newID(),
		AccountID:       input.AccountID,
		Kind:            input.Kind,
		Amount:          input.Amount,
		RelatedEntityID: input.RelatedEntityID,
		Metadata:        input.Metadata,
		CreatedUnixUTC:  ledgerTx.nowUnix,
	})
	if err != nil {
		return Entry{}, err
	}
	ledgerTx.appended = true
	return entry, nil
}

func balanceFromSum(sum EntryAmount) (AmountMinor, error) {
	balance, err := NewAmountMinor(sum.Int64())
	if err != nil {
		return 0, WrapError("ledger", "balance", "negative", ErrInvalidBalance)
	}
	return balance, nil
}

func normalizePageSize(limit int) int {
	if limit <= 0 {
		return defaultHistoryPageSize
	}
	if limit > maxHistoryPageSize {
		return maxHistoryPageSize
	}
	return limit
}
