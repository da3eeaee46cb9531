package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecipientStatus tracks one rateio leg independently of its siblings.
// PENDING and CONFIRMED precede processing, PROCESSING marks a leg claimed
// by a settling job; PAID, FAILED, DECLINED and CANCELLED are terminal.
type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "PENDING"
	RecipientConfirmed  RecipientStatus = "CONFIRMED"
	RecipientProcessing RecipientStatus = "PROCESSING"
	RecipientDeclined   RecipientStatus = "DECLINED"
	RecipientPaid       RecipientStatus = "PAID"
	RecipientFailed     RecipientStatus = "FAILED"
	RecipientCancelled  RecipientStatus = "CANCELLED"
)

// RateioRecipient is one credit leg of a split payment, owned by the parent
// RATEIO anchor transaction. TransferRef links to the TRANSFER the leg
// produced once processed.
type RateioRecipient struct {
	ID            uint64          `gorm:"primaryKey"`
	TransactionID uint64          `gorm:"index;not null"`
	WalletID      uint64          `gorm:"not null"`
	UserID        uint64          `gorm:"not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Percentage    decimal.Decimal `gorm:"type:numeric(8,4);not null"`
	Status        RecipientStatus `gorm:"size:16;not null;default:'PENDING'"`
	TransferRef   *string         `gorm:"size:40"`
	FailReason    *string         `gorm:"size:255"`
	ConfirmedAt   *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (RateioRecipient) TableName() string { return "rateio_recipient" }
