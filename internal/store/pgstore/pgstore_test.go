package pgstore

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNowUnix = int64(1_700_000_000)

var (
	_ wallet.Store        = (*Store)(nil)
	_ wallet.BalanceCache = (*Store)(nil)
)

var withdrawalColumns = []string{
	"request_id", "sequence", "account_id", "amount_minor", "method", "payout_details", "status",
	"requested_at", "decided_at", "completed_at", "rejection_reason", "external_transaction_id",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return New(mock), mock
}

func sqlFragment(fragment string) string {
	return regexp.QuoteMeta(fragment)
}

func accountID(t *testing.T, raw string) wallet.AccountID {
	t.Helper()
	id, err := wallet.NewAccountID(raw)
	require.NoError(t, err)
	return id
}

func TestWithTxLocksAccountAndCommits(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(sqlFragment("for update")).
		WithArgs("seller").
		WillReturnRows(pgxmock.NewRows([]string{"account_id"}).AddRow("seller"))
	mock.ExpectQuery(sqlFragment("select coalesce(sum(amount_minor), 0)::bigint")).
		WithArgs("seller").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(1200)))
	mock.ExpectCommit()

	var balance wallet.EntryAmount
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore wallet.Store) error {
		if err := txStore.LockAccount(ctx, accountID(t, "seller")); err != nil {
			return err
		}
		return txStore.WithTx(ctx, func(ctx context.Context, nested wallet.Store) error {
			sum, err := nested.SumEntries(ctx, accountID(t, "seller"))
			balance = sum
			return err
		})
	})
	require.NoError(t, err)
	assert.Equal(t, wallet.EntryAmount(1200), balance)
}

func TestWithTxRollsBackWhenCallbackFails(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(sqlFragment("for update")).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"account_id"}))
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore wallet.Store) error {
		return txStore.LockAccount(ctx, accountID(t, "ghost"))
	})
	assert.ErrorIs(t, err, wallet.ErrAccountNotFound)
}

func TestCreateAccountConflict(t *testing.T) {
	store, mock := newMockStore(t)
	code, err := wallet.NewReferralCode("AAAA1111")
	require.NoError(t, err)
	referrer := accountID(t, "referrer")

	mock.ExpectExec(sqlFragment("insert into accounts")).
		WithArgs("buyer", "AAAA1111", "referrer", testNowUnix).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: constraintAccountReferralCode})

	err = store.CreateAccount(context.Background(), wallet.Account{
		ID:             accountID(t, "buyer"),
		ReferralCode:   code,
		ReferredBy:     &referrer,
		CreatedUnixUTC: testNowUnix,
	})
	assert.ErrorIs(t, err, wallet.ErrAccountConflict)
}

func TestGetAccountMapsReferrer(t *testing.T) {
	store, mock := newMockStore(t)
	columns := []string{"account_id", "referral_code", "referred_by", "created_at"}
	mock.ExpectQuery(sqlFragment("coalesce(referred_by, '')")).
		WithArgs("buyer").
		WillReturnRows(pgxmock.NewRows(columns).AddRow("buyer", "BBBB2222", "referrer", testNowUnix))
	mock.ExpectQuery(sqlFragment("where referral_code = $1")).
		WithArgs("ZZZZ9999").
		WillReturnRows(pgxmock.NewRows(columns))

	account, err := store.GetAccount(context.Background(), accountID(t, "buyer"))
	require.NoError(t, err)
	require.True(t, account.HasReferrer())
	assert.Equal(t, "referrer", account.ReferredBy.String())
	assert.Equal(t, "BBBB2222", account.ReferralCode.String())
	assert.Equal(t, testNowUnix, account.CreatedUnixUTC)

	code, err := wallet.NewReferralCode("zzzz9999")
	require.NoError(t, err)
	_, err = store.FindAccountByReferralCode(context.Background(), code)
	assert.ErrorIs(t, err, wallet.ErrAccountNotFound)
}

func TestInsertEntry(t *testing.T) {
	store, mock := newMockStore(t)
	related, err := wallet.NewRelatedEntityID("purchase-1")
	require.NoError(t, err)
	entry := wallet.Entry{
		ID:              "entry-1",
		AccountID:       accountID(t, "referrer"),
		Kind:            wallet.EntryPurchaseCommission,
		Amount:          150,
		RelatedEntityID: related,
		CreatedUnixUTC:  testNowUnix,
	}

	mock.ExpectQuery(sqlFragment("insert into ledger_entries")).
		WithArgs("entry-1", "referrer", "purchase_commission", int64(150), "purchase-1", "{}", testNowUnix).
		WillReturnRows(pgxmock.NewRows([]string{"sequence"}).AddRow(int64(7)))
	mock.ExpectQuery(sqlFragment("insert into ledger_entries")).
		WithArgs("entry-1", "referrer", "purchase_commission", int64(150), "purchase-1", "{}", testNowUnix).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: constraintEntryKindRelated})

	inserted, err := store.InsertEntry(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, int64(7), inserted.Sequence)

	_, err = store.InsertEntry(context.Background(), entry)
	assert.ErrorIs(t, err, wallet.ErrDuplicateEntry)
}

func TestListEntriesScansRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(sqlFragment("from ledger_entries")).
		WithArgs("referrer", int64(9), 2).
		WillReturnRows(pgxmock.NewRows([]string{"entry_id", "sequence", "account_id", "kind", "amount_minor", "related_entity_id", "metadata", "created_at"}).
			AddRow("e-2", int64(8), "referrer", "withdrawal_reserve", int64(-100), "wd-1", `{"method":"upi"}`, testNowUnix).
			AddRow("e-1", int64(3), "referrer", "purchase_commission", int64(150), "purchase-1", `{}`, testNowUnix))

	entries, err := store.ListEntries(context.Background(), accountID(t, "referrer"), 9, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, wallet.EntryWithdrawalReserve, entries[0].Kind)
	assert.Equal(t, wallet.EntryAmount(-100), entries[0].Amount)
	assert.Equal(t, `{"method":"upi"}`, entries[0].Metadata.String())
	assert.Equal(t, int64(3), entries[1].Sequence)
}

func TestUpdateWithdrawalReportsCurrentStatus(t *testing.T) {
	store, mock := newMockStore(t)
	requestID, err := wallet.NewWithdrawalID("wd-1")
	require.NoError(t, err)
	request := wallet.WithdrawalRequest{
		ID:              requestID,
		AccountID:       accountID(t, "seller"),
		Amount:          1000,
		Method:          wallet.PayoutUPI,
		Status:          wallet.WithdrawalRejected,
		DecidedUnixUTC:  testNowUnix,
		RejectionReason: "bad UPI id",
	}

	mock.ExpectExec(sqlFragment("update withdrawals")).
		WithArgs("wd-1", "reserved", "rejected", testNowUnix, int64(0), "bad UPI id", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(sqlFragment("where request_id = $1")).
		WithArgs("wd-1").
		WillReturnRows(pgxmock.NewRows(withdrawalColumns).
			AddRow("wd-1", int64(1), "seller", int64(1000), "upi", `{}`, "approved", testNowUnix, testNowUnix, int64(0), "", ""))

	err = store.UpdateWithdrawal(context.Background(), request, wallet.WithdrawalReserved)
	assert.ErrorIs(t, err, wallet.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "approved")
}

func TestUpdateWithdrawalApplies(t *testing.T) {
	store, mock := newMockStore(t)
	requestID, err := wallet.NewWithdrawalID("wd-1")
	require.NoError(t, err)

	mock.ExpectExec(sqlFragment("update withdrawals")).
		WithArgs("wd-1", "approved", "completed", testNowUnix, testNowUnix+60, "", "utr-42").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.UpdateWithdrawal(context.Background(), wallet.WithdrawalRequest{
		ID:                    requestID,
		Status:                wallet.WithdrawalCompleted,
		DecidedUnixUTC:        testNowUnix,
		CompletedUnixUTC:      testNowUnix + 60,
		ExternalTransactionID: "utr-42",
	}, wallet.WithdrawalApproved)
	assert.NoError(t, err)
}

func TestGetWithdrawalNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	requestID, err := wallet.NewWithdrawalID("wd-missing")
	require.NoError(t, err)
	mock.ExpectQuery(sqlFragment("where request_id = $1")).
		WithArgs("wd-missing").
		WillReturnRows(pgxmock.NewRows(withdrawalColumns))

	_, err = store.GetWithdrawal(context.Background(), requestID)
	assert.ErrorIs(t, err, wallet.ErrWithdrawalNotFound)
}

func TestListWithdrawalsPassesFilter(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(sqlFragment("order by sequence desc")).
		WithArgs("seller", []string{"reserved", "approved"}, int64(0), 50).
		WillReturnRows(pgxmock.NewRows(withdrawalColumns).
			AddRow("wd-2", int64(2), "seller", int64(500), "paytm", `{"phone":"99"}`, "approved", testNowUnix, testNowUnix, int64(0), "", "").
			AddRow("wd-1", int64(1), "seller", int64(700), "upi", `{}`, "reserved", testNowUnix, int64(0), int64(0), "", ""))

	requests, err := store.ListWithdrawals(context.Background(), wallet.WithdrawalFilter{
		AccountID: accountID(t, "seller"),
		Statuses:  []wallet.WithdrawalStatus{wallet.WithdrawalReserved, wallet.WithdrawalApproved},
	})
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.Equal(t, wallet.PayoutPaytm, requests[0].Method)
	assert.Equal(t, wallet.WithdrawalReserved, requests[1].Status)
	assert.Zero(t, requests[1].DecidedUnixUTC)
}

func TestTransientFailuresAreUnavailable(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(sqlFragment("select coalesce(sum(amount_minor), 0)::bigint")).
		WithArgs("seller").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectBegin().WillReturnError(errors.New("syntax error"))

	_, err := store.SumEntries(context.Background(), accountID(t, "seller"))
	assert.ErrorIs(t, err, wallet.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = store.WithTx(context.Background(), func(context.Context, wallet.Store) error { return nil })
	require.Error(t, err)
	assert.NotErrorIs(t, err, wallet.ErrStoreUnavailable)
}

func TestBalanceCacheColumns(t *testing.T) {
	store, mock := newMockStore(t)
	columns := []string{"present", "amount", "refreshed", "sequence"}
	mock.ExpectQuery(sqlFragment("cached_balance_minor is not null")).
		WithArgs("seller").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(false, int64(0), int64(0), int64(0)))
	mock.ExpectExec(sqlFragment("update accounts set cached_balance_minor = $2")).
		WithArgs("seller", int64(420), testNowUnix, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(sqlFragment("cached_balance_minor is not null")).
		WithArgs("seller").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(true, int64(420), testNowUnix, int64(3)))
	mock.ExpectExec(sqlFragment("cached_balance_minor = null")).
		WithArgs("seller").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	_, found, err := store.LoadBalance(ctx, accountID(t, "seller"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.StoreBalance(ctx, accountID(t, "seller"), wallet.CachedBalance{Amount: 420, RefreshedUnixUTC: testNowUnix, Sequence: 3}))
	cached, found, err := store.LoadBalance(ctx, accountID(t, "seller"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, wallet.AmountMinor(420), cached.Amount)
	assert.Equal(t, int64(3), cached.Sequence)

	require.NoError(t, store.DropBalance(ctx, accountID(t, "seller")))
}

func TestStoreBalanceGuardsOnSequence(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(sqlFragment("cached_balance_sequence is null or cached_balance_sequence <= $4")).
		WithArgs("seller", int64(100), testNowUnix, int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(sqlFragment("cached_balance_minor = null")).
		WithArgs("seller").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, store.StoreBalance(ctx, accountID(t, "seller"), wallet.CachedBalance{Amount: 100, RefreshedUnixUTC: testNowUnix, Sequence: 1}))
	require.NoError(t, store.DropBalance(ctx, accountID(t, "seller")))
	assert.NotContains(t, sqlDropCachedBalance, "cached_balance_sequence")
}

func TestMigrateAppliesSchema(t *testing.T) {
	_, mock := newMockStore(t)
	mock.ExpectExec(sqlFragment("create table if not exists accounts")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, Migrate(context.Background(), mock))
}
