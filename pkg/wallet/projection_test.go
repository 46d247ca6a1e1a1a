package wallet_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
)

func TestProjectionSummary(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	seller := h.mustAccount(test, "seller", "")
	h.fund(test, seller.ID, 2000)
	if _, err := h.requestWithdrawal(test, seller.ID, "wd-1", 300); err != nil {
		test.Fatalf("request: %v", err)
	}
	second, err := h.requestWithdrawal(test, seller.ID, "wd-2", 200)
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	if _, err := h.wallet.Withdrawals.Decide(context.Background(), second.ID, wallet.DecisionApprove, ""); err != nil {
		test.Fatalf("approve: %v", err)
	}

	summary, err := h.wallet.Projection.Summary(context.Background(), seller.ID)
	if err != nil {
		test.Fatalf("summary: %v", err)
	}
	if summary.Balance != 1500 || summary.PendingPayout != 500 {
		test.Fatalf("unexpected summary balance %d pending %d", summary.Balance, summary.PendingPayout)
	}
	if len(summary.RecentEntries) != 3 || summary.HasMoreEntries {
		test.Fatalf("expected 3 recent entries, got %d (more=%v)", len(summary.RecentEntries), summary.HasMoreEntries)
	}
	if summary.Account.ReferralCode != seller.ReferralCode {
		test.Fatalf("expected account in summary")
	}
}

func TestProjectionListWithdrawalsFilters(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	first := h.mustAccount(test, "first", "")
	second := h.mustAccount(test, "second", "")
	h.fund(test, first.ID, 1000)
	h.fund(test, second.ID, 1000)
	for _, requestID := range []string{"a-1", "a-2", "a-3"} {
		if _, err := h.requestWithdrawal(test, first.ID, requestID, 100); err != nil {
			test.Fatalf("request %s: %v", requestID, err)
		}
	}
	if _, err := h.requestWithdrawal(test, second.ID, "b-1", 100); err != nil {
		test.Fatalf("request: %v", err)
	}
	if _, err := h.wallet.Withdrawals.Decide(context.Background(), mustWithdrawalID(test, "a-2"), wallet.DecisionReject, "wrong account"); err != nil {
		test.Fatalf("reject: %v", err)
	}

	all, err := h.wallet.Projection.ListWithdrawals(context.Background(), wallet.WithdrawalQuery{})
	if err != nil {
		test.Fatalf("list all: %v", err)
	}
	if len(all.Withdrawals) != 4 || all.Withdrawals[0].ID.String() != "b-1" {
		test.Fatalf("expected 4 requests newest first, got %+v", all.Withdrawals)
	}

	page, err := h.wallet.Projection.ListWithdrawals(context.Background(), wallet.WithdrawalQuery{AccountID: first.ID, Limit: 2})
	if err != nil {
		test.Fatalf("list first page: %v", err)
	}
	if len(page.Withdrawals) != 2 || !page.HasMore || page.Withdrawals[0].ID.String() != "a-3" {
		test.Fatalf("unexpected first page %+v", page)
	}
	rest, err := h.wallet.Projection.ListWithdrawals(context.Background(), wallet.WithdrawalQuery{AccountID: first.ID, Limit: 2, Cursor: page.Next})
	if err != nil {
		test.Fatalf("list second page: %v", err)
	}
	if len(rest.Withdrawals) != 1 || rest.HasMore || rest.Withdrawals[0].ID.String() != "a-1" {
		test.Fatalf("unexpected second page %+v", rest)
	}

	rejected, err := h.wallet.Projection.ListWithdrawals(context.Background(), wallet.WithdrawalQuery{
		Statuses: []wallet.WithdrawalStatus{wallet.WithdrawalRejected, wallet.WithdrawalRejected},
	})
	if err != nil {
		test.Fatalf("list rejected: %v", err)
	}
	if len(rejected.Withdrawals) != 1 || rejected.Withdrawals[0].RejectionReason != "wrong account" {
		test.Fatalf("unexpected rejected listing %+v", rejected.Withdrawals)
	}

	pending, err := h.wallet.Projection.PendingWithdrawals(context.Background(), first.ID)
	if err != nil {
		test.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		test.Fatalf("expected 2 pending requests, got %d", len(pending))
	}
}

func TestProjectionUnknownAccount(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	ghost := mustAccountID(test, "ghost")
	if _, err := h.wallet.Projection.CurrentBalance(context.Background(), ghost); !errors.Is(err, wallet.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound for balance, got %v", err)
	}
	if _, err := h.wallet.Projection.TransactionHistory(context.Background(), ghost, wallet.Cursor{}, 10); !errors.Is(err, wallet.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound for history, got %v", err)
	}
	if _, err := h.wallet.Projection.ListWithdrawals(context.Background(), wallet.WithdrawalQuery{AccountID: ghost}); !errors.Is(err, wallet.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound for withdrawals, got %v", err)
	}
	if _, err := h.wallet.Projection.Summary(context.Background(), ghost); !errors.Is(err, wallet.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound for summary, got %v", err)
	}
}
