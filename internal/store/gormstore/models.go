package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	UserID                   string    `gorm:"primaryKey"`
	Balance                  int64     `gorm:"not null"`
	PaidBalance              int64     `gorm:"not null"`
	DailyFreeTarget          int64     `gorm:"not null"`
	LastGrantBoundaryUnixUTC int64     `gorm:"column:last_grant_boundary_unix_utc;not null"`
	VIPTier                  string    `gorm:"column:vip_tier;not null;default:standard"`
	Version                  int64     `gorm:"not null;default:1"`
	CreatedAt                time.Time `gorm:"not null"`
	UpdatedAt                time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey;index:idx_ledger_entries_user_created_entry,priority:3,sort:desc"`
	UserID         string         `gorm:"not null;index:idx_ledger_entries_user_created_entry,priority:1;index:uniq_ledger_entries_user_idempotency,unique,priority:1"`
	Kind           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;index:uniq_ledger_entries_user_idempotency,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_entries_user_created_entry,priority:2,sort:desc"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}
