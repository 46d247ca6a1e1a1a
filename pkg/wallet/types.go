package wallet

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AmountMinor is a non-negative amount in minor currency units (paise).
type AmountMinor int64

// EntryAmount is a signed ledger delta in minor currency units.
type EntryAmount int64

// AccountID is the opaque identity issued by the auth collaborator.
type AccountID struct {
	value string
}

// ReferralCode is the public code a new account can name as its referrer.
type ReferralCode struct {
	value string
}

// RelatedEntityID is the purchase, withdrawal, account or adjustment id that caused an entry.
type RelatedEntityID struct {
	value string
}

// WithdrawalID is the caller-assigned id of a withdrawal request.
type WithdrawalID struct {
	value string
}

// MetadataJSON stores a JSON object attached to entries and payout details.
type MetadataJSON struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewReferralCode validates and normalizes a referral code. Codes are case-insensitive.
func NewReferralCode(raw string) (ReferralCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != referralCodeLength {
		return ReferralCode{}, fmt.Errorf("%w: must be %d characters", ErrInvalidReferralCode, referralCodeLength)
	}
	for _, character := range normalized {
		if !strings.ContainsRune(referralCodeCharset, character) {
			return ReferralCode{}, fmt.Errorf("%w: unexpected character %q", ErrInvalidReferralCode, character)
		}
	}
	return ReferralCode{value: normalized}, nil
}

// String returns the normalized code.
func (code ReferralCode) String() string {
	return code.value
}

// NewRelatedEntityID validates and normalizes a related entity id.
func NewRelatedEntityID(raw string) (RelatedEntityID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RelatedEntityID{}, fmt.Errorf("%w: empty value", ErrInvalidRelatedEntityID)
	}
	return RelatedEntityID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RelatedEntityID) String() string {
	return id.value
}

// NewWithdrawalID validates and normalizes a withdrawal request id.
func NewWithdrawalID(raw string) (WithdrawalID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return WithdrawalID{}, fmt.Errorf("%w: empty value", ErrInvalidWithdrawalID)
	}
	return WithdrawalID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id WithdrawalID) String() string {
	return id.value
}

// RelatedEntity returns the id used to tie ledger entries to the request.
func (id WithdrawalID) RelatedEntity() RelatedEntityID {
	return RelatedEntityID{value: id.value}
}

// NewMetadataJSON validates a JSON object (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	var object map[string]any
	if err := json.Unmarshal([]byte(normalized), &object); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap encodes a string map as metadata.
func MetadataFromMap(fields map[string]string) (MetadataJSON, error) {
	if len(fields) == 0 {
		return MetadataJSON{value: "{}"}, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(raw)}, nil
}

// String returns the JSON blob, "{}" when unset.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewPositiveAmount validates an amount and ensures it is strictly positive.
func NewPositiveAmount(raw int64) (AmountMinor, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return AmountMinor(raw), nil
}

// NewAmountMinor validates a non-negative amount.
func NewAmountMinor(raw int64) (AmountMinor, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return AmountMinor(raw), nil
}

// Int64 exposes the raw value.
func (amount AmountMinor) Int64() int64 {
	return int64(amount)
}

// Credit returns the amount as a positive ledger delta.
func (amount AmountMinor) Credit() EntryAmount {
	return EntryAmount(amount)
}

// Debit returns the amount as a negative ledger delta.
func (amount AmountMinor) Debit() EntryAmount {
	return EntryAmount(-amount)
}

// Int64 exposes the raw value.
func (amount EntryAmount) Int64() int64 {
	return int64(amount)
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryPurchaseCommission EntryKind = "purchase_commission"
	EntrySignupBonus        EntryKind = "signup_bonus"
	EntryWithdrawalReserve  EntryKind = "withdrawal_reserve"
	EntryWithdrawalRelease  EntryKind = "withdrawal_release"
	EntryWithdrawalSettled  EntryKind = "withdrawal_settled"
	EntryManualAdjustment   EntryKind = "manual_adjustment"
)

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(strings.TrimSpace(raw))
	switch kind {
	case EntryPurchaseCommission, EntrySignupBonus, EntryWithdrawalReserve, EntryWithdrawalRelease, EntryWithdrawalSettled, EntryManualAdjustment:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

func (kind EntryKind) String() string {
	return string(kind)
}

// validAmount reports whether the signed amount has the sign the kind requires.
func (kind EntryKind) validAmount(amount EntryAmount) bool {
	switch kind {
	case EntryPurchaseCommission, EntrySignupBonus, EntryWithdrawalRelease:
		return amount > 0
	case EntryWithdrawalReserve:
		return amount < 0
	case EntryWithdrawalSettled:
		return amount == 0
	case EntryManualAdjustment:
		return amount != 0
	default:
		return false
	}
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	ID              string
	Sequence        int64
	AccountID       AccountID
	Kind            EntryKind
	Amount          EntryAmount
	RelatedEntityID RelatedEntityID
	Metadata        MetadataJSON
	CreatedUnixUTC  int64
}

// EntryInput describes an entry to append; the ledger assigns id, sequence and time.
type EntryInput struct {
	AccountID       AccountID
	Kind            EntryKind
	Amount          EntryAmount
	RelatedEntityID RelatedEntityID
	Metadata        MetadataJSON
}

// Validate checks field presence and the kind/sign pairing.
func (input EntryInput) Validate() error {
	if input.AccountID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseEntryKind(input.Kind.String()); err != nil {
		return err
	}
	if input.RelatedEntityID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidRelatedEntityID)
	}
	if !input.Kind.validAmount(input.Amount) {
		return fmt.Errorf("%w: %d not allowed for %s", ErrInvalidEntryAmount, input.Amount, input.Kind)
	}
	return nil
}

// Account is the registry record for one user.
type Account struct {
	ID             AccountID
	ReferralCode   ReferralCode
	ReferredBy     *AccountID
	CreatedUnixUTC int64
}

// HasReferrer reports whether a referring account was captured at creation.
func (account Account) HasReferrer() bool {
	return account.ReferredBy != nil && !account.ReferredBy.IsZero()
}

// CachedBalance is the read-optimized balance copy kept by the registry. Sequence
// is the newest entry sequence the amount includes, zero for an account without entries.
type CachedBalance struct {
	Amount           AmountMinor
	RefreshedUnixUTC int64
	Sequence         int64
}

// WithdrawalStatus defines the withdrawal lifecycle.
type WithdrawalStatus string

const (
	WithdrawalRequested WithdrawalStatus = "requested"
	WithdrawalReserved  WithdrawalStatus = "reserved"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalRejected  WithdrawalStatus = "rejected"
	WithdrawalCompleted WithdrawalStatus = "completed"
)

// ParseWithdrawalStatus validates a withdrawal status.
func ParseWithdrawalStatus(raw string) (WithdrawalStatus, error) {
	status := WithdrawalStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case WithdrawalRequested, WithdrawalReserved, WithdrawalApproved, WithdrawalRejected, WithdrawalCompleted:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidWithdrawalStatus, raw)
	}
}

func (status WithdrawalStatus) String() string {
	return string(status)
}

// Terminal reports whether no further transition is possible.
func (status WithdrawalStatus) Terminal() bool {
	return status == WithdrawalRejected || status == WithdrawalCompleted
}

// PayoutMethod enumerates the off-system payout channels.
type PayoutMethod string

const (
	PayoutUPI          PayoutMethod = "upi"
	PayoutBankTransfer PayoutMethod = "bank_transfer"
	PayoutPaytm        PayoutMethod = "paytm"
)

// ParsePayoutMethod validates a payout method.
func ParsePayoutMethod(raw string) (PayoutMethod, error) {
	method := PayoutMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch method {
	case PayoutUPI, PayoutBankTransfer, PayoutPaytm:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPayoutMethod, raw)
	}
}

func (method PayoutMethod) String() string {
	return string(method)
}

// Decision is the admin verdict on a reserved withdrawal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision validates an admin decision.
func ParseDecision(raw string) (Decision, error) {
	decision := Decision(strings.ToLower(strings.TrimSpace(raw)))
	switch decision {
	case DecisionApprove, DecisionReject:
		return decision, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, raw)
	}
}

// WithdrawalRequest is the persisted withdrawal record.
type WithdrawalRequest struct {
	ID                    WithdrawalID
	Sequence              int64
	AccountID             AccountID
	Amount                AmountMinor
	Method                PayoutMethod
	PayoutDetails         MetadataJSON
	Status                WithdrawalStatus
	RequestedUnixUTC      int64
	DecidedUnixUTC        int64
	CompletedUnixUTC      int64
	RejectionReason       string
	ExternalTransactionID string
}

// WithdrawalFilter narrows ListWithdrawals. A zero AccountID lists every account.
type WithdrawalFilter struct {
	AccountID      AccountID
	Statuses       []WithdrawalStatus
	BeforeSequence int64
	Limit          int
}

// Cursor marks where a reverse-chronological listing resumes.
type Cursor struct {
	beforeSequence int64
}

// ParseCursor decodes a cursor produced by Cursor.String. Empty input starts from the head.
func ParseCursor(raw string) (Cursor, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Cursor{}, nil
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || value <= 0 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
	}
	return Cursor{beforeSequence: value}, nil
}

// String encodes the cursor; the head cursor encodes as "".
func (cursor Cursor) String() string {
	if cursor.beforeSequence == 0 {
		return ""
	}
	return strconv.FormatInt(cursor.beforeSequence, 10)
}

// BeforeSequence returns the exclusive upper sequence bound, 0 meaning the head.
func (cursor Cursor) BeforeSequence() int64 {
	return cursor.beforeSequence
}

// EntryPage is one page of ledger history.
type EntryPage struct {
	Entries []Entry
	Next    Cursor
	HasMore bool
}

// WithdrawalPage is one page of withdrawal requests.
type WithdrawalPage struct {
	Withdrawals []WithdrawalRequest
	Next        Cursor
	HasMore     bool
}
