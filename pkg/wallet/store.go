package wallet

import "context"

// Store is the persistence contract shared by the wallet services.
// Every method called on the txStore handed to WithTx runs inside that transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LockAccount takes a row lock on the account for the rest of the transaction.
	LockAccount(ctx context.Context, accountID AccountID) error
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	FindAccountByReferralCode(ctx context.Context, code ReferralCode) (Account, error)
	ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]AccountID, error)
	// InsertEntry appends an entry and returns it with the store-assigned sequence.
	// A second entry with the same kind and related entity id fails with ErrDuplicateEntry.
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	SumEntries(ctx context.Context, accountID AccountID) (EntryAmount, error)
	ListEntries(ctx context.Context, accountID AccountID, beforeSequence int64, limit int) ([]Entry, error)
	CreateWithdrawal(ctx context.Context, request WithdrawalRequest) (WithdrawalRequest, error)
	GetWithdrawal(ctx context.Context, requestID WithdrawalID) (WithdrawalRequest, error)
	// UpdateWithdrawal persists request only if the stored status still equals from,
	// failing with ErrInvalidTransition otherwise.
	UpdateWithdrawal(ctx context.Context, request WithdrawalRequest, from WithdrawalStatus) error
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]WithdrawalRequest, error)
}

// BalanceCache holds the registry's derived balance copies. It is disposable and can
// always be rebuilt from the ledger.
//
// Writers in other processes are not ordered with this one, so StoreBalance must
// ignore a value whose Sequence is lower than the one already recorded and return
// nil. DropBalance clears the value but keeps the recorded sequence.
type BalanceCache interface {
	LoadBalance(ctx context.Context, accountID AccountID) (CachedBalance, bool, error)
	StoreBalance(ctx context.Context, accountID AccountID, balance CachedBalance) error
	DropBalance(ctx context.Context, accountID AccountID) error
}
