package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. The cached balance columns are a disposable
// read copy of the ledger sum.
type Account struct {
	AccountID                string     `gorm:"primaryKey"`
	ReferralCode             string     `gorm:"not null;uniqueIndex:uniq_accounts_referral_code"`
	ReferredBy               *string    `gorm:"index:idx_accounts_referred_by"`
	CreatedAt                time.Time  `gorm:"not null"`
	CachedBalanceMinor       *int64     `gorm:""`
	CachedBalanceRefreshedAt *time.Time `gorm:""`
	CachedBalanceSequence    *int64     `gorm:""`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Rows are only ever inserted.
type LedgerEntry struct {
	Sequence        int64          `gorm:"primaryKey;autoIncrement;index:idx_entries_account_sequence,priority:2"`
	EntryID         string         `gorm:"not null;uniqueIndex:uniq_entries_entry_id"`
	AccountID       string         `gorm:"not null;index:idx_entries_account_sequence,priority:1"`
	Kind            string         `gorm:"not null;uniqueIndex:uniq_entries_kind_related,priority:1"`
	AmountMinor     int64          `gorm:"not null"`
	RelatedEntityID string         `gorm:"not null;uniqueIndex:uniq_entries_kind_related,priority:2"`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Withdrawal mirrors the withdrawals table.
type Withdrawal struct {
	Sequence              int64          `gorm:"primaryKey;autoIncrement;index:idx_withdrawals_account_sequence,priority:2"`
	RequestID             string         `gorm:"not null;uniqueIndex:uniq_withdrawals_request_id"`
	AccountID             string         `gorm:"not null;index:idx_withdrawals_account_status,priority:1;index:idx_withdrawals_account_sequence,priority:1"`
	AmountMinor           int64          `gorm:"not null"`
	Method                string         `gorm:"not null"`
	PayoutDetails         datatypes.JSON `gorm:"not null"`
	Status                string         `gorm:"not null;index:idx_withdrawals_account_status,priority:2"`
	RequestedAt           time.Time      `gorm:"not null"`
	DecidedAt             *time.Time     `gorm:""`
	CompletedAt           *time.Time     `gorm:""`
	RejectionReason       *string        `gorm:""`
	ExternalTransactionID *string        `gorm:""`
}

func (Withdrawal) TableName() string { return "withdrawals" }
