package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestProcessing RequestStatus = "PROCESSING"
	RequestPaid       RequestStatus = "PAID"
	RequestCancelled  RequestStatus = "CANCELLED"
)

// PaymentRequest asks another user for money. PayerID nil means an open
// request anyone but the requester may settle. PROCESSING marks a claimed
// request while its settling transfer runs; the PAID transition happens only
// as a side effect of a successful ledger transfer.
type PaymentRequest struct {
	ID          uint64          `gorm:"primaryKey"`
	RequesterID uint64          `gorm:"index;not null"`
	PayerID     *uint64         `gorm:"index"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Currency    Currency        `gorm:"size:8;not null"`
	Description string          `gorm:"size:255;not null"`
	Category    string          `gorm:"size:64"`
	Status      RequestStatus   `gorm:"size:16;not null;default:'PENDING'"`
	ExpiresAt   time.Time       `gorm:"not null"`
	PaidAt      *time.Time
	TransferRef *string   `gorm:"size:40"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (PaymentRequest) TableName() string { return "payment_request" }
