package wallet

import (
	"errors"
	"testing"
)

const (
	accountIDValue    = "acct-1"
	relatedIDValue    = "purchase-1"
	withdrawalIDValue = "wd-1"
)

func TestReferralCodeNormalization(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "upper case", raw: "ABCD1234", want: "ABCD1234"},
		{name: "lower case and spaces", raw: "  abcd1234 ", want: "ABCD1234"},
		{name: "too short", raw: "ABC", wantErr: ErrInvalidReferralCode},
		{name: "too long", raw: "ABCDE12345", wantErr: ErrInvalidReferralCode},
		{name: "bad charset", raw: "ABCD-123", wantErr: ErrInvalidReferralCode},
		{name: "empty", raw: "", wantErr: ErrInvalidReferralCode},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			code, err := NewReferralCode(testCase.raw)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("referral code: %v", err)
			}
			if code.String() != testCase.want {
				test.Fatalf("expected %q, got %q", testCase.want, code.String())
			}
		})
	}
}

func TestIdentifiersRejectBlankValues(test *testing.T) {
	test.Parallel()
	if _, err := NewAccountID("  "); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
	if _, err := NewRelatedEntityID(""); !errors.Is(err, ErrInvalidRelatedEntityID) {
		test.Fatalf("expected ErrInvalidRelatedEntityID, got %v", err)
	}
	if _, err := NewWithdrawalID("\t"); !errors.Is(err, ErrInvalidWithdrawalID) {
		test.Fatalf("expected ErrInvalidWithdrawalID, got %v", err)
	}
	withdrawalID, err := NewWithdrawalID(" " + withdrawalIDValue + " ")
	if err != nil {
		test.Fatalf("withdrawal id: %v", err)
	}
	if withdrawalID.RelatedEntity().String() != withdrawalIDValue {
		test.Fatalf("expected related entity %q, got %q", withdrawalIDValue, withdrawalID.RelatedEntity().String())
	}
}

func TestMetadataJSON(test *testing.T) {
	test.Parallel()
	empty, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if empty.String() != "{}" {
		test.Fatalf("expected {}, got %q", empty.String())
	}
	if (MetadataJSON{}).String() != "{}" {
		test.Fatalf("expected zero metadata to render {}")
	}
	if _, err := NewMetadataJSON(`["not","an","object"]`); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
	fromMap, err := MetadataFromMap(map[string]string{"reason": "bad UPI id"})
	if err != nil {
		test.Fatalf("metadata from map: %v", err)
	}
	if fromMap.String() != `{"reason":"bad UPI id"}` {
		test.Fatalf("unexpected metadata %s", fromMap.String())
	}
}

func TestEntryInputValidateKindSign(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, accountIDValue)
	relatedID := mustRelatedID(test, relatedIDValue)
	testCases := []struct {
		name    string
		kind    EntryKind
		amount  EntryAmount
		wantErr error
	}{
		{name: "commission credit", kind: EntryPurchaseCommission, amount: 150},
		{name: "commission debit", kind: EntryPurchaseCommission, amount: -150, wantErr: ErrInvalidEntryAmount},
		{name: "signup bonus", kind: EntrySignupBonus, amount: 1000},
		{name: "reserve debit", kind: EntryWithdrawalReserve, amount: -500},
		{name: "reserve credit", kind: EntryWithdrawalReserve, amount: 500, wantErr: ErrInvalidEntryAmount},
		{name: "release credit", kind: EntryWithdrawalRelease, amount: 500},
		{name: "settled marker", kind: EntryWithdrawalSettled, amount: 0},
		{name: "settled non zero", kind: EntryWithdrawalSettled, amount: -1, wantErr: ErrInvalidEntryAmount},
		{name: "adjustment debit", kind: EntryManualAdjustment, amount: -10},
		{name: "adjustment zero", kind: EntryManualAdjustment, amount: 0, wantErr: ErrInvalidEntryAmount},
		{name: "unknown kind", kind: EntryKind("gift"), amount: 10, wantErr: ErrInvalidEntryKind},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			err := EntryInput{
				AccountID:       accountID,
				Kind:            testCase.kind,
				Amount:          testCase.amount,
				RelatedEntityID: relatedID,
			}.Validate()
			if testCase.wantErr == nil && err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestEntryInputValidateRequiresIdentifiers(test *testing.T) {
	test.Parallel()
	err := EntryInput{Kind: EntrySignupBonus, Amount: 10, RelatedEntityID: mustRelatedID(test, relatedIDValue)}.Validate()
	if !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
	err = EntryInput{AccountID: mustAccountID(test, accountIDValue), Kind: EntrySignupBonus, Amount: 10}.Validate()
	if !errors.Is(err, ErrInvalidRelatedEntityID) {
		test.Fatalf("expected ErrInvalidRelatedEntityID, got %v", err)
	}
}

func TestParseEnumerations(test *testing.T) {
	test.Parallel()
	if status, err := ParseWithdrawalStatus(" Reserved "); err != nil || status != WithdrawalReserved {
		test.Fatalf("expected reserved, got %q (%v)", status, err)
	}
	if _, err := ParseWithdrawalStatus("pending"); !errors.Is(err, ErrInvalidWithdrawalStatus) {
		test.Fatalf("expected ErrInvalidWithdrawalStatus, got %v", err)
	}
	if method, err := ParsePayoutMethod("UPI"); err != nil || method != PayoutUPI {
		test.Fatalf("expected upi, got %q (%v)", method, err)
	}
	if _, err := ParsePayoutMethod("cash"); !errors.Is(err, ErrInvalidPayoutMethod) {
		test.Fatalf("expected ErrInvalidPayoutMethod, got %v", err)
	}
	if decision, err := ParseDecision("REJECT"); err != nil || decision != DecisionReject {
		test.Fatalf("expected reject, got %q (%v)", decision, err)
	}
	if _, err := ParseDecision("maybe"); !errors.Is(err, ErrInvalidDecision) {
		test.Fatalf("expected ErrInvalidDecision, got %v", err)
	}
	if !WithdrawalRejected.Terminal() || !WithdrawalCompleted.Terminal() || WithdrawalApproved.Terminal() {
		test.Fatalf("unexpected terminal states")
	}
}

func TestCursorRoundTrip(test *testing.T) {
	test.Parallel()
	head, err := ParseCursor("")
	if err != nil {
		test.Fatalf("parse head cursor: %v", err)
	}
	if head.BeforeSequence() != 0 || head.String() != "" {
		test.Fatalf("expected head cursor, got %+v", head)
	}
	cursor, err := ParseCursor("42")
	if err != nil {
		test.Fatalf("parse cursor: %v", err)
	}
	if cursor.BeforeSequence() != 42 || cursor.String() != "42" {
		test.Fatalf("unexpected cursor %+v", cursor)
	}
	for _, raw := range []string{"abc", "-1", "0"} {
		if _, err := ParseCursor(raw); !errors.Is(err, ErrInvalidCursor) {
			test.Fatalf("expected ErrInvalidCursor for %q, got %v", raw, err)
		}
	}
}

func TestAmounts(test *testing.T) {
	test.Parallel()
	if _, err := NewPositiveAmount(0); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := NewAmountMinor(-1); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	amount, err := NewPositiveAmount(250)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if amount.Credit() != 250 || amount.Debit() != -250 {
		test.Fatalf("unexpected deltas %d / %d", amount.Credit(), amount.Debit())
	}
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustRelatedID(test *testing.T, raw string) RelatedEntityID {
	test.Helper()
	relatedID, err := NewRelatedEntityID(raw)
	if err != nil {
		test.Fatalf("related id: %v", err)
	}
	return relatedID
}
