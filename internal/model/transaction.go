package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxKind is the closed set of transaction kinds the ledger moves money for.
type TxKind string

const (
	KindDeposit       TxKind = "DEPOSIT"
	KindWithdrawal    TxKind = "WITHDRAWAL"
	KindTransfer      TxKind = "TRANSFER"
	KindPayment       TxKind = "PAYMENT"
	KindSmartContract TxKind = "SMART_CONTRACT"
	KindRateio        TxKind = "RATEIO"
)

// TxStatus follows PENDING → PROCESSING → terminal. PROCESSING is the only
// state in which balance mutation is in flight; PARTIAL is reserved for the
// RATEIO aggregate anchor when its legs disagree.
type TxStatus string

const (
	TxPending    TxStatus = "PENDING"
	TxProcessing TxStatus = "PROCESSING"
	TxCompleted  TxStatus = "COMPLETED"
	TxFailed     TxStatus = "FAILED"
	TxCancelled  TxStatus = "CANCELLED"
	TxReversed   TxStatus = "REVERSED"
	TxPartial    TxStatus = "PARTIAL"
)

// Terminal reports whether the status admits no further transition.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxCompleted, TxFailed, TxCancelled, TxReversed:
		return true
	}
	return false
}

// Transaction is the ledger record. Its terminal status is written by the
// same atomic unit that mutated the balances, never by a later step.
type Transaction struct {
	ID          uint64          `gorm:"primaryKey"`
	Reference   string          `gorm:"size:40;uniqueIndex;not null"`
	Kind        TxKind          `gorm:"size:20;not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Currency    Currency        `gorm:"size:8;not null"`
	Description string          `gorm:"size:255;not null"`
	Status      TxStatus        `gorm:"size:16;not null;index"`

	SourceWalletID *uint64 `gorm:"index"`
	SourceUserID   *uint64
	DestWalletID   *uint64 `gorm:"index"`
	DestUserID     *uint64

	IdempotencyKey *string `gorm:"size:64;uniqueIndex"`

	Metadata    string `gorm:"type:jsonb;not null;default:'{}'"`
	ScheduledAt *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "transaction" }
