package wallet

import (
	"context"
	"fmt"

	"github.com/samber/lo"
)

const recentEntriesLimit = 10

// WithdrawalQuery selects withdrawals for listing. A zero AccountID lists every account.
type WithdrawalQuery struct {
	AccountID AccountID
	Statuses  []WithdrawalStatus
	Cursor    Cursor
	Limit     int
}

// WalletSummary is the user-facing view of one wallet.
type WalletSummary struct {
	Account        Account
	Balance        AmountMinor
	PendingPayout  AmountMinor
	RecentEntries  []Entry
	HasMoreEntries bool
	NextCursor     Cursor
}

// Projection answers read-only queries over the ledger and withdrawal records.
type Projection struct {
	ledger   *Ledger
	registry *Registry
	store    Store
}

// NewProjection wires the read side.
func NewProjection(ledger *Ledger, registry *Registry, store Store) (*Projection, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: registry dependency is nil", ErrInvalidServiceConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	return &Projection{ledger: ledger, registry: registry, store: store}, nil
}

// CurrentBalance serves the cached balance with a ledger recompute fallback.
func (projection *Projection) CurrentBalance(ctx context.Context, accountID AccountID) (AmountMinor, error) {
	return projection.registry.CachedBalance(ctx, accountID)
}

// PendingWithdrawals lists the account's reserved and approved requests, newest first.
func (projection *Projection) PendingWithdrawals(ctx context.Context, accountID AccountID) ([]WithdrawalRequest, error) {
	if _, err := projection.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	var pending []WithdrawalRequest
	filter := WithdrawalFilter{
		AccountID: accountID,
		Statuses:  []WithdrawalStatus{WithdrawalReserved, WithdrawalApproved},
		Limit:     maxHistoryPageSize,
	}
	for {
		batch, err := projection.store.ListWithdrawals(ctx, filter)
		if err != nil {
			return nil, err
		}
		pending = append(pending, batch...)
		if len(batch) < filter.Limit {
			return pending, nil
		}
		filter.BeforeSequence = batch[len(batch)-1].Sequence
	}
}

// TransactionHistory returns one page of entries, newest first.
func (projection *Projection) TransactionHistory(ctx context.Context, accountID AccountID, cursor Cursor, limit int) (EntryPage, error) {
	return projection.ledger.HistoryPage(ctx, accountID, cursor, limit)
}

// ListWithdrawals returns one page of withdrawals matching query, newest first.
func (projection *Projection) ListWithdrawals(ctx context.Context, query WithdrawalQuery) (WithdrawalPage, error) {
	if !query.AccountID.IsZero() {
		if _, err := projection.store.GetAccount(ctx, query.AccountID); err != nil {
			return WithdrawalPage{}, err
		}
	}
	limit := normalizePageSize(query.Limit)
	withdrawals, err := projection.store.ListWithdrawals(ctx, WithdrawalFilter{
		AccountID:      query.AccountID,
		Statuses:       lo.Uniq(query.Statuses),
		BeforeSequence: query.Cursor.BeforeSequence(),
		Limit:          limit + 1,
	})
	if err != nil {
		return WithdrawalPage{}, err
	}
	page := WithdrawalPage{Withdrawals: withdrawals}
	if len(withdrawals) > limit {
		page.Withdrawals = withdrawals[:limit]
		page.HasMore = true
		page.Next = Cursor{beforeSequence: page.Withdrawals[limit-1].Sequence}
	}
	return page, nil
}

// Summary combines balance, pending payouts and the latest entries for one wallet.
func (projection *Projection) Summary(ctx context.Context, accountID AccountID) (WalletSummary, error) {
	account, err := projection.registry.Get(ctx, accountID)
	if err != nil {
		return WalletSummary{}, err
	}
	balance, err := projection.CurrentBalance(ctx, accountID)
	if err != nil {
		return WalletSummary{}, err
	}
	pending, err := projection.PendingWithdrawals(ctx, accountID)
	if err != nil {
		return WalletSummary{}, err
	}
	page, err := projection.TransactionHistory(ctx, accountID, Cursor{}, recentEntriesLimit)
	if err != nil {
		return WalletSummary{}, err
	}
	return WalletSummary{
		Account: account,
		Balance: balance,
		PendingPayout: lo.SumBy(pending, func(request WithdrawalRequest) AmountMinor {
			return request.Amount
		}),
		RecentEntries:  page.Entries,
		HasMoreEntries: page.HasMore,
		NextCursor:     page.Next,
	}, nil
}
