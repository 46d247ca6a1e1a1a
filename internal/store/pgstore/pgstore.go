// Package pgstore persists the wallet on postgres through a pgx connection pool.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/wallet/internal/store/storeerr"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"
)

const (
	constraintAccountPrimary      = "accounts_pkey"
	constraintAccountReferralCode = "uniq_accounts_referral_code"
	constraintEntryKindRelated    = "uniq_entries_kind_related"
	constraintWithdrawalRequestID = "uniq_withdrawals_request_id"
	defaultListLimit              = 50
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectBalance           = "balance"
	errorSubjectCache             = "cache"
	errorSubjectEntry             = "entry"
	errorSubjectWithdrawal        = "withdrawal"
	errorSubjectTransaction       = "tx"
	errorSubjectSchema            = "schema"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLock                 = "lock"
	errorCodeLookup               = "lookup"
	errorCodeMigrate              = "migrate"
	errorCodeStore                = "store"
	errorCodeSum                  = "sum"
	errorCodeUpdateStatus         = "update_status"

	sqlLockAccount = `
		select account_id from accounts where account_id = $1 for update
	`

	sqlInsertAccount = `
		insert into accounts(account_id, referral_code, referred_by, created_at)
		values ($1, $2, nullif($3, ''), to_timestamp($4))
	`

	sqlSelectAccountColumns = `
		select account_id, referral_code, coalesce(referred_by, ''), extract(epoch from created_at)::bigint
		from accounts
	`

	sqlSelectAccountByID = sqlSelectAccountColumns + ` where account_id = $1`

	sqlSelectAccountByCode = sqlSelectAccountColumns + ` where referral_code = $1`

	sqlListAccountIDs = `
		select account_id from accounts where account_id > $1 order by account_id limit $2
	`

	sqlInsertEntry = `
		insert into ledger_entries(entry_id, account_id, kind, amount_minor, related_entity_id, metadata, created_at)
		values ($1, $2, $3, $4, $5, coalesce(nullif($6, ''), '{}')::jsonb, to_timestamp($7))
		returning sequence
	`

	sqlSumEntries = `
		select coalesce(sum(amount_minor), 0)::bigint from ledger_entries where account_id = $1
	`

	sqlListEntries = `
		select entry_id, sequence, account_id, kind, amount_minor, related_entity_id,
			coalesce(metadata::text, '{}'), extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and ($2::bigint = 0 or sequence < $2::bigint)
		order by sequence desc
		limit $3
	`

	sqlInsertWithdrawal = `
		insert into withdrawals(request_id, account_id, amount_minor, method, payout_details, status, requested_at)
		values ($1, $2, $3, $4, coalesce(nullif($5, ''), '{}')::jsonb, $6, to_timestamp($7))
		returning sequence
	`

	sqlSelectWithdrawalColumns = `
		select request_id, sequence, account_id, amount_minor, method, coalesce(payout_details::text, '{}'), status,
			extract(epoch from requested_at)::bigint,
			coalesce(extract(epoch from decided_at)::bigint, 0),
			coalesce(extract(epoch from completed_at)::bigint, 0),
			coalesce(rejection_reason, ''),
			coalesce(external_transaction_id, '')
		from withdrawals
	`

	sqlSelectWithdrawal = sqlSelectWithdrawalColumns + ` where request_id = $1`

	sqlListWithdrawals = sqlSelectWithdrawalColumns + `
		where ($1 = '' or account_id = $1)
			and (cardinality($2::text[]) = 0 or status = any($2::text[]))
			and ($3::bigint = 0 or sequence < $3::bigint)
		order by sequence desc
		limit $4
	`

	sqlUpdateWithdrawal = `
		update withdrawals
		set status = $3,
			decided_at = to_timestamp(nullif($4::bigint, 0)),
			completed_at = to_timestamp(nullif($5::bigint, 0)),
			rejection_reason = nullif($6, ''),
			external_transaction_id = nullif($7, '')
		where request_id = $1 and status = $2
	`

	sqlLoadCachedBalance = `
		select cached_balance_minor is not null and cached_balance_refreshed_at is not null,
			coalesce(cached_balance_minor, 0),
			coalesce(extract(epoch from cached_balance_refreshed_at)::bigint, 0),
			coalesce(cached_balance_sequence, 0)
		from accounts where account_id = $1
	`

	sqlStoreCachedBalance = `
		update accounts set cached_balance_minor = $2, cached_balance_refreshed_at = to_timestamp($3),
			cached_balance_sequence = $4
		where account_id = $1 and (cached_balance_sequence is null or cached_balance_sequence <= $4)
	`

	sqlDropCachedBalance = `
		update accounts set cached_balance_minor = null, cached_balance_refreshed_at = null
		where account_id = $1
	`
)

//go:embed schema.sql
var schemaSQL string

// Querier is the statement surface shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is a Querier that can open transactions, such as *pgxpool.Pool.
type Pool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements wallet.Store and wallet.BalanceCache with pgx. Outside WithTx each
// statement autocommits on the pool.
type Store struct {
	pool Pool
	db   Querier
	inTx bool
}

// New returns a Store backed by pool.
func New(pool Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate applies the wallet schema. Statements are idempotent.
func Migrate(ctx context.Context, db Querier) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// WithTx runs fn inside one transaction. Nested calls reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{pool: store.pool, db: tx, inTx: true}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) LockAccount(ctx context.Context, accountID wallet.AccountID) error {
	var locked string
	err := store.db.QueryRow(ctx, sqlLockAccount, accountID.String()).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, wallet.ErrAccountNotFound)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account wallet.Account) error {
	referredBy := ""
	if account.HasReferrer() {
		referredBy = account.ReferredBy.String()
	}
	_, err := store.db.Exec(ctx, sqlInsertAccount,
		account.ID.String(),
		account.ReferralCode.String(),
		referredBy,
		account.CreatedUnixUTC,
	)
	if storeerr.IsUniqueViolation(err, constraintAccountPrimary, constraintAccountReferralCode) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, wallet.ErrAccountConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID wallet.AccountID) (wallet.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccountByID, accountID.String())
}

func (store *Store) FindAccountByReferralCode(ctx context.Context, code wallet.ReferralCode) (wallet.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccountByCode, code.String())
}

func (store *Store) selectAccount(ctx context.Context, query string, key string) (wallet.Account, error) {
	var (
		accountValue   string
		codeValue      string
		referrerValue  string
		createdUnixUTC int64
	)
	err := store.db.QueryRow(ctx, query, key).Scan(&accountValue, &codeValue, &referrerValue, &createdUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
	}
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(accountValue, codeValue, referrerValue, createdUnixUTC)
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]wallet.AccountID, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := store.db.Query(ctx, sqlListAccountIDs, afterAccountID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	accountIDs := make([]wallet.AccountID, 0, limit)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
		}
		accountID, err := wallet.NewAccountID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accountIDs, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) (wallet.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	err := store.db.QueryRow(ctx, sqlInsertEntry,
		entry.ID,
		entry.AccountID.String(),
		entry.Kind.String(),
		entry.Amount.Int64(),
		entry.RelatedEntityID.String(),
		entry.Metadata.String(),
		entry.CreatedUnixUTC,
	).Scan(&entry.Sequence)
	if storeerr.IsUniqueViolation(err, constraintEntryKindRelated) {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrDuplicateEntry)
	}
	if err != nil {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return entry, nil
}

func (store *Store) SumEntries(ctx context.Context, accountID wallet.AccountID) (wallet.EntryAmount, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumEntries, accountID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return wallet.EntryAmount(sum), nil
}

func (store *Store) ListEntries(ctx context.Context, accountID wallet.AccountID, beforeSequence int64, limit int) ([]wallet.Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := store.db.Query(ctx, sqlListEntries, accountID.String(), beforeSequence, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) CreateWithdrawal(ctx context.Context, request wallet.WithdrawalRequest) (wallet.WithdrawalRequest, error) {
	err := store.db.QueryRow(ctx, sqlInsertWithdrawal,
		request.ID.String(),
		request.AccountID.String(),
		request.Amount.Int64(),
		request.Method.String(),
		request.PayoutDetails.String(),
		request.Status.String(),
		request.RequestedUnixUTC,
	).Scan(&request.Sequence)
	if storeerr.IsUniqueViolation(err, constraintWithdrawalRequestID) {
		return wallet.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeDuplicate, wallet.ErrDuplicateEntry)
	}
	if err != nil {
		return wallet.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeCreate, err)
	}
	return request, nil
}

func (store *Store) GetWithdrawal(ctx context.Context, requestID wallet.WithdrawalID) (wallet.WithdrawalRequest, error) {
	rows, err := store.db.Query(ctx, sqlSelectWithdrawal, requestID.String())
	if err != nil {
		return wallet.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, err)
	}
	defer rows.Close()
	requests, err := scanWithdrawals(rows)
	if err != nil {
		return wallet.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	if len(requests) == 0 {
		return wallet.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, wallet.ErrWithdrawalNotFound)
	}
	return requests[0], nil
}

func (store *Store) UpdateWithdrawal(ctx context.Context, request wallet.WithdrawalRequest, from wallet.WithdrawalStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWithdrawal,
		request.ID.String(),
		from.String(),
		request.Status.String(),
		request.DecidedUnixUTC,
		request.CompletedUnixUTC,
		request.RejectionReason,
		request.ExternalTransactionID,
	)
	if err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := store.GetWithdrawal(ctx, request.ID)
	if err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, err)
	}
	return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus,
		fmt.Errorf("%w: status is %s", wallet.ErrInvalidTransition, current.Status))
}

func (store *Store) ListWithdrawals(ctx context.Context, filter wallet.WithdrawalFilter) ([]wallet.WithdrawalRequest, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	statuses := lo.Map(filter.Statuses, func(status wallet.WithdrawalStatus, _ int) string {
		return status.String()
	})
	rows, err := store.db.Query(ctx, sqlListWithdrawals, filter.AccountID.String(), statuses, filter.BeforeSequence, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeList, err)
	}
	defer rows.Close()
	requests, err := scanWithdrawals(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	return requests, nil
}

// LoadBalance implements wallet.BalanceCache from the account row.
func (store *Store) LoadBalance(ctx context.Context, accountID wallet.AccountID) (wallet.CachedBalance, bool, error) {
	var (
		present          bool
		amountValue      int64
		refreshedUnixUTC int64
		sequence         int64
	)
	err := store.db.QueryRow(ctx, sqlLoadCachedBalance, accountID.String()).Scan(&present, &amountValue, &refreshedUnixUTC, &sequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.CachedBalance{}, false, nil
	}
	if err != nil {
		return wallet.CachedBalance{}, false, wrapStoreError(errorSubjectCache, errorCodeLookup, err)
	}
	if !present {
		return wallet.CachedBalance{}, false, nil
	}
	amount, err := wallet.NewAmountMinor(amountValue)
	if err != nil {
		return wallet.CachedBalance{}, false, wrapStoreError(errorSubjectCache, errorCodeInvalid, err)
	}
	return wallet.CachedBalance{Amount: amount, RefreshedUnixUTC: refreshedUnixUTC, Sequence: sequence}, true, nil
}

// StoreBalance implements wallet.BalanceCache on the account row. A row already
// holding a newer sequence is left untouched.
func (store *Store) StoreBalance(ctx context.Context, accountID wallet.AccountID, balance wallet.CachedBalance) error {
	if _, err := store.db.Exec(ctx, sqlStoreCachedBalance, accountID.String(), balance.Amount.Int64(), balance.RefreshedUnixUTC, balance.Sequence); err != nil {
		return wrapStoreError(errorSubjectCache, errorCodeStore, err)
	}
	return nil
}

// DropBalance implements wallet.BalanceCache by clearing the cached value. The
// sequence is kept so older writers stay rejected.
func (store *Store) DropBalance(ctx context.Context, accountID wallet.AccountID) error {
	if _, err := store.db.Exec(ctx, sqlDropCachedBalance, accountID.String()); err != nil {
		return wrapStoreError(errorSubjectCache, errorCodeStore, err)
	}
	return nil
}

func scanEntries(rows pgx.Rows) ([]wallet.Entry, error) {
	entries := make([]wallet.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue   string
			sequence       int64
			accountValue   string
			kindValue      string
			amountValue    int64
			relatedValue   string
			metadataValue  string
			createdUnixUTC int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&sequence,
			&accountValue,
			&kindValue,
			&amountValue,
			&relatedValue,
			&metadataValue,
			&createdUnixUTC,
		); err != nil {
			return nil, err
		}
		accountID, err := wallet.NewAccountID(accountValue)
		if err != nil {
			return nil, err
		}
		kind, err := wallet.ParseEntryKind(kindValue)
		if err != nil {
			return nil, err
		}
		relatedID, err := wallet.NewRelatedEntityID(relatedValue)
		if err != nil {
			return nil, err
		}
		metadata, err := wallet.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, wallet.Entry{
			ID:              entryIDValue,
			Sequence:        sequence,
			AccountID:       accountID,
			Kind:            kind,
			Amount:          wallet.EntryAmount(amountValue),
			RelatedEntityID: relatedID,
			Metadata:        metadata,
			CreatedUnixUTC:  createdUnixUTC,
		})
	}
	return entries, rows.Err()
}

func scanWithdrawals(rows pgx.Rows) ([]wallet.WithdrawalRequest, error) {
	requests := make([]wallet.WithdrawalRequest, 0, 8)
	for rows.Next() {
		var (
			requestValue  string
			sequence      int64
			accountValue  string
			amountValue   int64
			methodValue   string
			detailsValue  string
			statusValue   string
			requestedUnix int64
			decidedUnix   int64
			completedUnix int64
			rejection     string
			externalTxID  string
		)
		if err := rows.Scan(
			&requestValue,
			&sequence,
			&accountValue,
			&amountValue,
			&methodValue,
			&detailsValue,
			&statusValue,
			&requestedUnix,
			&decidedUnix,
			&completedUnix,
			&rejection,
			&externalTxID,
		); err != nil {
			return nil, err
		}
		requestID, err := wallet.NewWithdrawalID(requestValue)
		if err != nil {
			return nil, err
		}
		accountID, err := wallet.NewAccountID(accountValue)
		if err != nil {
			return nil, err
		}
		amount, err := wallet.NewPositiveAmount(amountValue)
		if err != nil {
			return nil, err
		}
		method, err := wallet.ParsePayoutMethod(methodValue)
		if err != nil {
			return nil, err
		}
		details, err := wallet.NewMetadataJSON(detailsValue)
		if err != nil {
			return nil, err
		}
		status, err := wallet.ParseWithdrawalStatus(statusValue)
		if err != nil {
			return nil, err
		}
		requests = append(requests, wallet.WithdrawalRequest{
			ID:                    requestID,
			Sequence:              sequence,
			AccountID:             accountID,
			Amount:                amount,
			Method:                method,
			PayoutDetails:         details,
			Status:                status,
			RequestedUnixUTC:      requestedUnix,
			DecidedUnixUTC:        decidedUnix,
			CompletedUnixUTC:      completedUnix,
			RejectionReason:       rejection,
			ExternalTransactionID: externalTxID,
		})
	}
	return requests, rows.Err()
}

func mapAccount(accountValue string, codeValue string, referrerValue string, createdUnixUTC int64) (wallet.Account, error) {
	accountID, err := wallet.NewAccountID(accountValue)
	if err != nil {
		return wallet.Account{}, err
	}
	code, err := wallet.NewReferralCode(codeValue)
	if err != nil {
		return wallet.Account{}, err
	}
	account := wallet.Account{ID: accountID, ReferralCode: code, CreatedUnixUTC: createdUnixUTC}
	if referrerValue != "" {
		referrer, err := wallet.NewAccountID(referrerValue)
		if err != nil {
			return wallet.Account{}, err
		}
		account.ReferredBy = &referrer
	}
	return account, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, storeerr.Classify(err))
}
