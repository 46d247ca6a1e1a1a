// Package gormstore persists the wallet through GORM on postgres or sqlite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/internal/store/storeerr"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAccountPrimary      = "accounts_pkey"
	constraintAccountReferralCode = "uniq_accounts_referral_code"
	constraintEntryKindRelated    = "uniq_entries_kind_related"
	constraintWithdrawalRequestID = "uniq_withdrawals_request_id"
	defaultMetadataJSON           = "{}"
	defaultListLimit              = 50
	sqliteConstraintPrimaryKey    = 1555
	sqliteConstraintUnique        = 2067
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectBalance           = "balance"
	errorSubjectCache             = "cache"
	errorSubjectEntry             = "entry"
	errorSubjectWithdrawal        = "withdrawal"
	errorSubjectTransaction       = "tx"
	errorCodeCreate               = "create"
	errorCodeDrop                 = "drop"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLock                 = "lock"
	errorCodeLookup               = "lookup"
	errorCodeStore                = "store"
	errorCodeSum                  = "sum"
	errorCodeTransaction          = "transaction"
	errorCodeUpdateStatus         = "update_status"
)

// Store implements wallet.Store and wallet.BalanceCache using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the wallet tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&Account{}, &LedgerEntry{}, &Withdrawal{}); err != nil {
		return fmt.Errorf("migrate wallet schema: %w", err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	var callbackErr error
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		callbackErr = fn(ctx, &Store{db: transaction})
		return callbackErr
	})
	if err == nil || (callbackErr != nil && errors.Is(err, callbackErr)) {
		return err
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeTransaction, err)
}

func (store *Store) LockAccount(ctx context.Context, accountID wallet.AccountID) error {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("account_id").
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, wallet.ErrAccountNotFound)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account wallet.Account) error {
	model := Account{
		AccountID:    account.ID.String(),
		ReferralCode: account.ReferralCode.String(),
		CreatedAt:    time.Unix(account.CreatedUnixUTC, 0).UTC(),
	}
	if account.HasReferrer() {
		model.ReferredBy = lo.ToPtr(account.ReferredBy.String())
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isConflict(err, constraintAccountPrimary, constraintAccountReferralCode) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, wallet.ErrAccountConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID wallet.AccountID) (wallet.Account, error) {
	return store.findAccount(ctx, "account_id = ?", accountID.String())
}

func (store *Store) FindAccountByReferralCode(ctx context.Context, code wallet.ReferralCode) (wallet.Account, error) {
	return store.findAccount(ctx, "referral_code = ?", code.String())
}

func (store *Store) findAccount(ctx context.Context, condition string, value string) (wallet.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where(condition, value).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
	}
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]wallet.AccountID, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id > ?", afterAccountID).
		Order("account_id ASC").
		Limit(limit).
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accountIDs := make([]wallet.AccountID, 0, len(ids))
	for _, raw := range ids {
		accountID, err := wallet.NewAccountID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) (wallet.Entry, error) {
	model := LedgerEntry{
		EntryID:         entry.ID,
		AccountID:       entry.AccountID.String(),
		Kind:            entry.Kind.String(),
		AmountMinor:     entry.Amount.Int64(),
		RelatedEntityID: entry.RelatedEntityID.String(),
		Metadata:        datatypesJSON(entry.Metadata.String()),
		CreatedAt:       time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isConflict(err, constraintEntryKindRelated) {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrDuplicateEntry)
	}
	if err != nil {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry.ID = model.EntryID
	entry.Sequence = model.Sequence
	return entry, nil
}

func (store *Store) SumEntries(ctx context.Context, accountID wallet.AccountID) (wallet.EntryAmount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount_minor),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return wallet.EntryAmount(sum.Total), nil
}

func (store *Store) ListEntries(ctx context.Context, accountID wallet.AccountID, beforeSequence int64, limit int) ([]wallet.Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := store.db.WithContext(ctx).Where("account_id = ?", accountID.String())
	if beforeSequence > 0 {
		query = query.Where("sequence < ?", beforeSequence)
	}
	var rows []LedgerEntry
	if err := query.Order("sequence DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]wallet.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CreateWithdrawal(ctx context.Context, request wallet.WithdrawalRequest) (wallet.WithdrawalRequest, error) {
	model := withdrawalModel(request)
	model.Sequence = 0
	err := store.db.WithContext(ctx).Create(&model).Error
	if isConflict(err, constraintWithdrawalRequestID) {
		return wallet.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeDuplicate, wallet.ErrDuplicateEntry)
	}
	if err != nil {
		return wallet.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeCreate, err)
	}
	request.Sequence = model.Sequence
	return request, nil
}

func (store *Store) GetWithdrawal(ctx context.Context, requestID wallet.WithdrawalID) (wallet.WithdrawalRequest, error) {
	var model Withdrawal
	err := store.db.WithContext(ctx).Where("request_id = ?", requestID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, wallet.ErrWithdrawalNotFound)
	}
	if err != nil {
		return wallet.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, err)
	}
	request, err := mapWithdrawal(model)
	if err != nil {
		return wallet.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	return request, nil
}

func (store *Store) UpdateWithdrawal(ctx context.Context, request wallet.WithdrawalRequest, from wallet.WithdrawalStatus) error {
	model := withdrawalModel(request)
	result := store.db.WithContext(ctx).
		Model(&Withdrawal{}).
		Where("request_id = ? AND status = ?", request.ID.String(), from.String()).
		Updates(map[string]any{
			"status":                  model.Status,
			"decided_at":              model.DecidedAt,
			"completed_at":            model.CompletedAt,
			"rejection_reason":        model.RejectionReason,
			"external_transaction_id": model.ExternalTransactionID,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected > 0 {
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
	query := store.db.WithContext(ctx).Model(&Withdrawal{})
	if !filter.AccountID.IsZero() {
		query = query.Where("account_id = ?", filter.AccountID.String())
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", lo.Map(filter.Statuses, func(status wallet.WithdrawalStatus, _ int) string {
			return status.String()
		}))
	}
	if filter.BeforeSequence > 0 {
		query = query.Where("sequence < ?", filter.BeforeSequence)
	}
	var rows []Withdrawal
	if err := query.Order("sequence DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeList, err)
	}
	requests := make([]wallet.WithdrawalRequest, 0, len(rows))
	for _, row := range rows {
		request, err := mapWithdrawal(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
		}
		requests = append(requests, request)
	}
	return requests, nil
}

// LoadBalance implements wallet.BalanceCache from the account row.
func (store *Store) LoadBalance(ctx context.Context, accountID wallet.AccountID) (wallet.CachedBalance, bool, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Select("account_id", "cached_balance_minor", "cached_balance_refreshed_at", "cached_balance_sequence").
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.CachedBalance{}, false, nil
	}
	if err != nil {
		return wallet.CachedBalance{}, false, wrapStoreError(errorSubjectCache, errorCodeLookup, err)
	}
	if model.CachedBalanceMinor == nil || model.CachedBalanceRefreshedAt == nil {
		return wallet.CachedBalance{}, false, nil
	}
	amount, err := wallet.NewAmountMinor(*model.CachedBalanceMinor)
	if err != nil {
		return wallet.CachedBalance{}, false, wrapStoreError(errorSubjectCache, errorCodeInvalid, err)
	}
	return wallet.CachedBalance{
		Amount:           amount,
		RefreshedUnixUTC: model.CachedBalanceRefreshedAt.Unix(),
		Sequence:         lo.FromPtr(model.CachedBalanceSequence),
	}, true, nil
}

// StoreBalance implements wallet.BalanceCache on the account row. The update only
// applies when the row holds no newer sequence.
func (store *Store) StoreBalance(ctx context.Context, accountID wallet.AccountID, balance wallet.CachedBalance) error {
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Where("(cached_balance_sequence IS NULL OR cached_balance_sequence <= ?)", balance.Sequence).
		Updates(map[string]any{
			"cached_balance_minor":        balance.Amount.Int64(),
			"cached_balance_refreshed_at": time.Unix(balance.RefreshedUnixUTC, 0).UTC(),
			"cached_balance_sequence":     balance.Sequence,
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectCache, errorCodeStore, err)
	}
	return nil
}

// DropBalance implements wallet.BalanceCache by clearing the cached value. The
// sequence column is kept so older writers stay rejected.
func (store *Store) DropBalance(ctx context.Context, accountID wallet.AccountID) error {
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{
			"cached_balance_minor":        nil,
			"cached_balance_refreshed_at": nil,
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectCache, errorCodeDrop, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, storeerr.Classify(err))
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) (wallet.Account, error) {
	accountID, err := wallet.NewAccountID(model.AccountID)
	if err != nil {
		return wallet.Account{}, err
	}
	code, err := wallet.NewReferralCode(model.ReferralCode)
	if err != nil {
		return wallet.Account{}, err
	}
	account := wallet.Account{ID: accountID, ReferralCode: code, CreatedUnixUTC: model.CreatedAt.Unix()}
	if model.ReferredBy != nil {
		referrer, err := wallet.NewAccountID(*model.ReferredBy)
		if err != nil {
			return wallet.Account{}, err
		}
		account.ReferredBy = &referrer
	}
	return account, nil
}

func mapLedgerEntry(row LedgerEntry) (wallet.Entry, error) {
	accountID, err := wallet.NewAccountID(row.AccountID)
	if err != nil {
		return wallet.Entry{}, err
	}
	kind, err := wallet.ParseEntryKind(row.Kind)
	if err != nil {
		return wallet.Entry{}, err
	}
	relatedID, err := wallet.NewRelatedEntityID(row.RelatedEntityID)
	if err != nil {
		return wallet.Entry{}, err
	}
	metadata, err := wallet.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return wallet.Entry{}, err
	}
	return wallet.Entry{
		ID:              row.EntryID,
		Sequence:        row.Sequence,
		AccountID:       accountID,
		Kind:            kind,
		Amount:          wallet.EntryAmount(row.AmountMinor),
		RelatedEntityID: relatedID,
		Metadata:        metadata,
		CreatedUnixUTC:  row.CreatedAt.Unix(),
	}, nil
}

func withdrawalModel(request wallet.WithdrawalRequest) Withdrawal {
	return Withdrawal{
		Sequence:              request.Sequence,
		RequestID:             request.ID.String(),
		AccountID:             request.AccountID.String(),
		AmountMinor:           request.Amount.Int64(),
		Method:                request.Method.String(),
		PayoutDetails:         datatypesJSON(request.PayoutDetails.String()),
		Status:                request.Status.String(),
		RequestedAt:           time.Unix(request.RequestedUnixUTC, 0).UTC(),
		DecidedAt:             timeOrNil(request.DecidedUnixUTC),
		CompletedAt:           timeOrNil(request.CompletedUnixUTC),
		RejectionReason:       lo.EmptyableToPtr(request.RejectionReason),
		ExternalTransactionID: lo.EmptyableToPtr(request.ExternalTransactionID),
	}
}

func mapWithdrawal(row Withdrawal) (wallet.WithdrawalRequest, error) {
	requestID, err := wallet.NewWithdrawalID(row.RequestID)
	if err != nil {
		return wallet.WithdrawalRequest{}, err
	}
	accountID, err := wallet.NewAccountID(row.AccountID)
	if err != nil {
		return wallet.WithdrawalRequest{}, err
	}
	amount, err := wallet.NewPositiveAmount(row.AmountMinor)
	if err != nil {
		return wallet.WithdrawalRequest{}, err
	}
	method, err := wallet.ParsePayoutMethod(row.Method)
	if err != nil {
		return wallet.WithdrawalRequest{}, err
	}
	details, err := wallet.NewMetadataJSON(string(row.PayoutDetails))
	if err != nil {
		return wallet.WithdrawalRequest{}, err
	}
	status, err := wallet.ParseWithdrawalStatus(row.Status)
	if err != nil {
		return wallet.WithdrawalRequest{}, err
	}
	return wallet.WithdrawalRequest{
		ID:                    requestID,
		Sequence:              row.Sequence,
		AccountID:             accountID,
		Amount:                amount,
		Method:                method,
		PayoutDetails:         details,
		Status:                status,
		RequestedUnixUTC:      row.RequestedAt.Unix(),
		DecidedUnixUTC:        timeOrZero(row.DecidedAt),
		CompletedUnixUTC:      timeOrZero(row.CompletedAt),
		RejectionReason:       lo.FromPtr(row.RejectionReason),
		ExternalTransactionID: lo.FromPtr(row.ExternalTransactionID),
	}, nil
}

func timeOrNil(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isConflict(err error, constraints ...string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if storeerr.IsUniqueViolation(err, constraints...) {
		return true
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}
