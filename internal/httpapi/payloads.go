package httpapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/samber/lo"
)

type createAccountRequest struct {
	ReferralCode string `json:"referral_code"`
}

type withdrawalRequestBody struct {
	RequestID     string          `json:"request_id" binding:"required"`
	AmountMinor   int64           `json:"amount_minor" binding:"required,gt=0"`
	Method        string          `json:"method" binding:"required"`
	PayoutDetails json.RawMessage `json:"payout_details"`
}

type purchaseCompletedRequest struct {
	PurchaseID     string `json:"purchase_id" binding:"required"`
	BuyerAccountID string `json:"buyer_account_id" binding:"required"`
	AmountMinor    int64  `json:"amount_minor" binding:"required,gt=0"`
}

type withdrawalDecidedRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Decision  string `json:"decision" binding:"required"`
	Reason    string `json:"reason"`
}

type payoutConfirmedRequest struct {
	RequestID             string `json:"request_id" binding:"required"`
	ExternalTransactionID string `json:"external_transaction_id"`
}

type adjustmentRequest struct {
	AdjustmentID string `json:"adjustment_id" binding:"required"`
	AccountID    string `json:"account_id" binding:"required"`
	AmountMinor  int64  `json:"amount_minor" binding:"required"`
	Reason       string `json:"reason" binding:"required"`
}

type accountPayload struct {
	AccountID      string `json:"account_id"`
	ReferralCode   string `json:"referral_code"`
	ReferredBy     string `json:"referred_by,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type entryPayload struct {
	EntryID         string          `json:"entry_id"`
	Sequence        int64           `json:"sequence"`
	Kind            string          `json:"kind"`
	AmountMinor     int64           `json:"amount_minor"`
	RelatedEntityID string          `json:"related_entity_id"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedUnixUTC  int64           `json:"created_unix_utc"`
}

type entryPagePayload struct {
	Entries    []entryPayload `json:"entries"`
	NextCursor string         `json:"next_cursor,omitempty"`
	HasMore    bool           `json:"has_more"`
}

type withdrawalPayload struct {
	RequestID             string          `json:"request_id"`
	AccountID             string          `json:"account_id"`
	AmountMinor           int64           `json:"amount_minor"`
	Method                string          `json:"method"`
	PayoutDetails         json.RawMessage `json:"payout_details"`
	Status                string          `json:"status"`
	RequestedUnixUTC      int64           `json:"requested_unix_utc"`
	DecidedUnixUTC        int64           `json:"decided_unix_utc,omitempty"`
	CompletedUnixUTC      int64           `json:"completed_unix_utc,omitempty"`
	RejectionReason       string          `json:"rejection_reason,omitempty"`
	ExternalTransactionID string          `json:"external_transaction_id,omitempty"`
}

type withdrawalPagePayload struct {
	Withdrawals []withdrawalPayload `json:"withdrawals"`
	NextCursor  string              `json:"next_cursor,omitempty"`
	HasMore     bool                `json:"has_more"`
}

type walletPayload struct {
	Account            accountPayload `json:"account"`
	BalanceMinor       int64          `json:"balance_minor"`
	PendingPayoutMinor int64          `json:"pending_payout_minor"`
	Entries            []entryPayload `json:"entries"`
	HasMoreEntries     bool           `json:"has_more_entries"`
	NextCursor         string         `json:"next_cursor,omitempty"`
}

type balancePayload struct {
	AccountID    string `json:"account_id"`
	BalanceMinor int64  `json:"balance_minor"`
}

func toAccountPayload(account wallet.Account) accountPayload {
	payload := accountPayload{
		AccountID:      account.ID.String(),
		ReferralCode:   account.ReferralCode.String(),
		CreatedUnixUTC: account.CreatedUnixUTC,
	}
	if account.HasReferrer() {
		payload.ReferredBy = account.ReferredBy.String()
	}
	return payload
}

func toEntryPayload(entry wallet.Entry, _ int) entryPayload {
	return entryPayload{
		EntryID:         entry.ID,
		Sequence:        entry.Sequence,
		Kind:            entry.Kind.String(),
		AmountMinor:     entry.Amount.Int64(),
		RelatedEntityID: entry.RelatedEntityID.String(),
		Metadata:        json.RawMessage(entry.Metadata.String()),
		CreatedUnixUTC:  entry.CreatedUnixUTC,
	}
}

func toEntryPagePayload(page wallet.EntryPage) entryPagePayload {
	return entryPagePayload{
		Entries:    lo.Map(page.Entries, toEntryPayload),
		NextCursor: page.Next.String(),
		HasMore:    page.HasMore,
	}
}

func toWithdrawalPayload(request wallet.WithdrawalRequest, _ int) withdrawalPayload {
	return withdrawalPayload{
		RequestID:             request.ID.String(),
		AccountID:             request.AccountID.String(),
		AmountMinor:           request.Amount.Int64(),
		Method:                request.Method.String(),
		PayoutDetails:         json.RawMessage(request.PayoutDetails.String()),
		Status:                request.Status.String(),
		RequestedUnixUTC:      request.RequestedUnixUTC,
		DecidedUnixUTC:        request.DecidedUnixUTC,
		CompletedUnixUTC:      request.CompletedUnixUTC,
		RejectionReason:       request.RejectionReason,
		ExternalTransactionID: request.ExternalTransactionID,
	}
}

func toWithdrawalPagePayload(page wallet.WithdrawalPage) withdrawalPagePayload {
	return withdrawalPagePayload{
		Withdrawals: lo.Map(page.Withdrawals, toWithdrawalPayload),
		NextCursor:  page.Next.String(),
		HasMore:     page.HasMore,
	}
}

func toWalletPayload(summary wallet.WalletSummary) walletPayload {
	return walletPayload{
		Account:            toAccountPayload(summary.Account),
		BalanceMinor:       summary.Balance.Int64(),
		PendingPayoutMinor: summary.PendingPayout.Int64(),
		Entries:            lo.Map(summary.RecentEntries, toEntryPayload),
		HasMoreEntries:     summary.HasMoreEntries,
		NextCursor:         summary.NextCursor.String(),
	}
}
