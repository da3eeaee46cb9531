package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type WalletKind string

const (
	WalletPersonal WalletKind = "PERSONAL"
	WalletBusiness WalletKind = "BUSINESS"
	WalletMerchant WalletKind = "MERCHANT"
)

type WalletStatus string

const (
	WalletActive  WalletStatus = "ACTIVE"
	WalletBlocked WalletStatus = "BLOCKED"
)

// Wallet is the identity half of a wallet; balances live in WalletBalance
// rows, one per currency. PINHash stores the bcrypt hash of the owner's
// transaction PIN; a wallet without one cannot authorize outgoing transfers.
type Wallet struct {
	ID        uint64       `gorm:"primaryKey"`
	UserID    uint64       `gorm:"index;not null"`
	Number    string       `gorm:"size:32;uniqueIndex;not null"`
	Kind      WalletKind   `gorm:"size:16;not null;default:'PERSONAL'"`
	Status    WalletStatus `gorm:"size:16;not null;default:'ACTIVE'"`
	PINHash   *string      `gorm:"size:72"`
	IsDefault bool         `gorm:"not null;default:false"`
	CreatedAt time.Time    `gorm:"autoCreateTime"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime"`

	Balances []WalletBalance `gorm:"foreignKey:WalletID"`
}

func (Wallet) TableName() string { return "wallet" }

// Active reports whether the wallet may participate in new transfers.
func (w *Wallet) Active() bool { return w.Status == WalletActive }

// BalanceFor returns the balance row for the given currency, or nil when the
// wallet holds no bucket in it yet.
func (w *Wallet) BalanceFor(c Currency) *WalletBalance {
	for i := range w.Balances {
		if w.Balances[i].Currency == c {
			return &w.Balances[i]
		}
	}
	return nil
}

// WalletBalance is one currency bucket of a wallet. Version backs the
// optimistic check on every balance update.
type WalletBalance struct {
	ID        uint64          `gorm:"primaryKey"`
	WalletID  uint64          `gorm:"uniqueIndex:idx_wallet_currency;not null"`
	Currency  Currency        `gorm:"size:8;uniqueIndex:idx_wallet_currency;not null"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Version   uint64          `gorm:"not null;default:0"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (WalletBalance) TableName() string { return "wallet_balance" }
