package wallet_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
)

func TestConcurrentWithdrawalsNeverOverdraw(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	seller := h.mustAccount(test, "seller", "")
	h.fund(test, seller.ID, 1000)

	const requests = 100
	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for index := 0; index < requests; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			_, err := h.wallet.Withdrawals.Request(context.Background(), wallet.WithdrawalInput{
				RequestID: mustWithdrawalID(test, fmt.Sprintf("wd-%03d", index)),
				AccountID: seller.ID,
				Amount:    testMinimumWithdrawal,
				Method:    wallet.PayoutBankTransfer,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, wallet.ErrInsufficientBalance):
				rejected++
			default:
				test.Errorf("unexpected error: %v", err)
			}
		}(index)
	}
	waitGroup.Wait()

	if succeeded != 10 || rejected != requests-10 {
		test.Fatalf("expected 10 reserved and %d rejected, got %d and %d", requests-10, succeeded, rejected)
	}
	if balance := h.balance(test, seller.ID); balance != 0 {
		test.Fatalf("expected balance 0, got %d", balance)
	}
	h.assertLedgerInvariant(test, seller.ID)
}

func TestConcurrentMixedAmountsFollowSerializationOrder(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	seller := h.mustAccount(test, "seller", "")
	h.fund(test, seller.ID, 5000)

	var waitGroup sync.WaitGroup
	for index := 0; index < 100; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			_, err := h.wallet.Withdrawals.Request(context.Background(), wallet.WithdrawalInput{
				RequestID: mustWithdrawalID(test, fmt.Sprintf("wd-%03d", index)),
				AccountID: seller.ID,
				Amount:    wallet.AmountMinor(100 + index*7),
				Method:    wallet.PayoutPaytm,
			})
			if err != nil && !errors.Is(err, wallet.ErrInsufficientBalance) {
				test.Errorf("unexpected error: %v", err)
			}
		}(index)
	}
	waitGroup.Wait()

	// Replaying the reserves in sequence order must never dip below zero.
	entries := h.entries(test, seller.ID)
	running := int64(0)
	for index := len(entries) - 1; index >= 0; index-- {
		running += entries[index].Amount.Int64()
		if running < 0 {
			test.Fatalf("balance went negative at sequence %d", entries[index].Sequence)
		}
	}
	reserved, err := h.wallet.Projection.PendingWithdrawals(context.Background(), seller.ID)
	if err != nil {
		test.Fatalf("pending: %v", err)
	}
	var total wallet.AmountMinor
	for _, request := range reserved {
		total += request.Amount
	}
	if balance := h.balance(test, seller.ID); balance+total != 5000 {
		test.Fatalf("expected balance %d plus reserved %d to equal 5000", balance, total)
	}
	h.assertLedgerInvariant(test, seller.ID)
}

func TestConcurrentCommissionsAcrossAccounts(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	referrer := h.mustAccount(test, "referrer", "")
	buyers := make([]wallet.Account, 10)
	for index := range buyers {
		buyers[index] = h.mustAccount(test, fmt.Sprintf("buyer-%d", index), referrer.ReferralCode.String())
	}

	var waitGroup sync.WaitGroup
	for index, buyer := range buyers {
		for purchase := 0; purchase < 5; purchase++ {
			waitGroup.Add(1)
			go func(buyer wallet.Account, purchaseID string) {
				defer waitGroup.Done()
				if _, err := h.wallet.Commission.OnPurchaseCompleted(context.Background(), mustRelatedID(test, purchaseID), buyer.ID, 100); err != nil {
					test.Errorf("purchase completed: %v", err)
				}
			}(buyer, fmt.Sprintf("purchase-%d-%d", index, purchase))
		}
	}
	waitGroup.Wait()

	if balance := h.balance(test, referrer.ID); balance != 50*30 {
		test.Fatalf("expected %d, got %d", 50*30, balance)
	}
	cached, err := h.wallet.Registry.CachedBalance(context.Background(), referrer.ID)
	if err != nil || cached != 50*30 {
		test.Fatalf("expected cache to follow the ledger, got %d (%v)", cached, err)
	}
}
