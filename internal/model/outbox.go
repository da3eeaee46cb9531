package model

import "time"

// Outbox event types emitted by the ledger and its coordinators.
const (
	EventTxCompleted    = "TransactionCompleted"
	EventTxFailed       = "TransactionFailed"
	EventRateioSettled  = "RateioSettled"
	EventRequestPaid    = "PaymentRequestPaid"
	EventDefaultChanged = "DefaultWalletChanged"
)

// OutboxEvent is written inside the same atomic unit as the state change it
// describes and later published to the broker by the worker.
type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID uint64    `gorm:"not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
