package wallet_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MarkoPoloResearchLab/wallet/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
)

const testMinimumWithdrawal = wallet.AmountMinor(100)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (clock *fakeClock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(seconds int64) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now += seconds
}

type harness struct {
	store       *memstore.Store
	wallet      *wallet.Wallet
	clock       *fakeClock
	adjustments atomic.Int64
}

func testPolicy() wallet.Policy {
	policy := wallet.DefaultPolicy()
	policy.MinimumWithdrawal = testMinimumWithdrawal
	return policy
}

func newHarness(test *testing.T, opts ...wallet.Option) *harness {
	test.Helper()
	return newHarnessWithStore(test, memstore.New(), nil, opts...)
}

// newHarnessWithStore wires the wallet over store, which may wrap the memstore backend.
func newHarnessWithStore(test *testing.T, backend *memstore.Store, store wallet.Store, opts ...wallet.Option) *harness {
	test.Helper()
	if store == nil {
		store = backend
	}
	clock := &fakeClock{now: 1_700_000_000}
	service, err := wallet.New(store, backend, testPolicy(), clock.Now, opts...)
	if err != nil {
		test.Fatalf("wallet init: %v", err)
	}
	return &harness{store: backend, wallet: service, clock: clock}
}

func (h *harness) mustAccount(test *testing.T, rawID string, referralCode string) wallet.Account {
	test.Helper()
	account, _, err := h.wallet.Registry.GetOrCreate(context.Background(), mustAccountID(test, rawID), referralCode)
	if err != nil {
		test.Fatalf("get or create %s: %v", rawID, err)
	}
	return account
}

func (h *harness) fund(test *testing.T, accountID wallet.AccountID, amount int64) {
	test.Helper()
	adjustmentID := mustRelatedID(test, fmt.Sprintf("funding-%d", h.adjustments.Add(1)))
	if _, err := h.wallet.Ledger.Adjust(context.Background(), adjustmentID, accountID, wallet.EntryAmount(amount), "test funding"); err != nil {
		test.Fatalf("fund %s: %v", accountID.String(), err)
	}
}

func (h *harness) balance(test *testing.T, accountID wallet.AccountID) wallet.AmountMinor {
	test.Helper()
	balance, err := h.wallet.Ledger.BalanceOf(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance of %s: %v", accountID.String(), err)
	}
	return balance
}

func (h *harness) entries(test *testing.T, accountID wallet.AccountID) []wallet.Entry {
	test.Helper()
	var entries []wallet.Entry
	for entry, err := range h.wallet.Ledger.History(context.Background(), accountID, wallet.Cursor{}, 0) {
		if err != nil {
			test.Fatalf("history of %s: %v", accountID.String(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func (h *harness) requestWithdrawal(test *testing.T, accountID wallet.AccountID, requestID string, amount int64) (wallet.WithdrawalRequest, error) {
	test.Helper()
	return h.wallet.Withdrawals.Request(context.Background(), wallet.WithdrawalInput{
		RequestID:     mustWithdrawalID(test, requestID),
		AccountID:     accountID,
		Amount:        wallet.AmountMinor(amount),
		Method:        wallet.PayoutUPI,
		PayoutDetails: mustMetadata(test, `{"upi_id":"seller@okbank"}`),
	})
}

// assertLedgerInvariant checks that the balance equals the entry sum and is never negative.
func (h *harness) assertLedgerInvariant(test *testing.T, accountID wallet.AccountID) {
	test.Helper()
	var sum int64
	for _, entry := range h.entries(test, accountID) {
		sum += entry.Amount.Int64()
	}
	balance := h.balance(test, accountID)
	if balance.Int64() != sum {
		test.Fatalf("balance %d differs from entry sum %d", balance, sum)
	}
	if sum < 0 {
		test.Fatalf("negative balance %d", sum)
	}
}

func countKind(entries []wallet.Entry, kind wallet.EntryKind) int {
	count := 0
	for _, entry := range entries {
		if entry.Kind == kind {
			count++
		}
	}
	return count
}

func mustAccountID(test *testing.T, raw string) wallet.AccountID {
	test.Helper()
	accountID, err := wallet.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustRelatedID(test *testing.T, raw string) wallet.RelatedEntityID {
	test.Helper()
	relatedID, err := wallet.NewRelatedEntityID(raw)
	if err != nil {
		test.Fatalf("related id: %v", err)
	}
	return relatedID
}

func mustWithdrawalID(test *testing.T, raw string) wallet.WithdrawalID {
	test.Helper()
	withdrawalID, err := wallet.NewWithdrawalID(raw)
	if err != nil {
		test.Fatalf("withdrawal id: %v", err)
	}
	return withdrawalID
}

func mustMetadata(test *testing.T, raw string) wallet.MetadataJSON {
	test.Helper()
	metadata, err := wallet.NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []wallet.OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry wallet.OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) byOperation(operation string) []wallet.OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	var matched []wallet.OperationLog
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			matched = append(matched, entry)
		}
	}
	return matched
}

// faultStore injects failures into a wrapped store, including inside transactions.
type faultStore struct {
	wallet.Store
	failKind   wallet.EntryKind
	failInsert error
	failTx     error
}

func (store *faultStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	if store.failTx != nil {
		return store.failTx
	}
	return store.Store.WithTx(ctx, func(ctx context.Context, txStore wallet.Store) error {
		return fn(ctx, &faultStore{Store: txStore, failKind: store.failKind, failInsert: store.failInsert})
	})
}

func (store *faultStore) InsertEntry(ctx context.Context, entry wallet.Entry) (wallet.Entry, error) {
	if store.failInsert != nil && entry.Kind == store.failKind {
		return wallet.Entry{}, store.failInsert
	}
	return store.Store.InsertEntry(ctx, entry)
}

var errInjected = errors.New("injected failure")
