package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/kumbupay/ledger-service/internal/ledger"
	"github.com/kumbupay/ledger-service/internal/model"
	"github.com/kumbupay/ledger-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service covers the wallet surfaces around the ledger: cached balance
// reads, history, default-wallet management and the PIN credential.
type Service struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewService returns Service.
func NewService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *Service {
	return &Service{repo: r, log: logger}
}

// GetBalance returns the wallet's balance in one currency, read through the
// cache. Never used inside an atomic unit; those read the locked rows.
func (s *Service) GetBalance(ctx context.Context, walletID uint64, c model.Currency) (decimal.Decimal, error) {
	if !c.Supported() {
		return decimal.Zero, &ledger.ValidationError{Field: "currency", Reason: "unsupported currency code"}
	}
	if bal, err := s.repo.GetCachedBalance(ctx, walletID, c); err == nil {
		return bal, nil
	}
	w, err := s.repo.GetWallet(ctx, s.repo.DB(ctx), walletID)
	if err != nil {
		return decimal.Zero, err
	}
	bal := decimal.Zero
	if b := w.BalanceFor(c); b != nil {
		bal = b.Balance
	}
	if err := s.repo.CacheBalance(ctx, walletID, c, bal); err != nil {
		s.log.Warn(err)
	}
	return bal, nil
}

// Get returns the wallet with all balance rows.
func (s *Service) Get(ctx context.Context, walletID uint64) (*model.Wallet, error) {
	return s.repo.GetWallet(ctx, s.repo.DB(ctx), walletID)
}

// History fetches recent transactions touching the wallet.
func (s *Service) History(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.Transaction, error) {
	return s.repo.ListTransactions(ctx, walletID, limit, since)
}

// SetDefault makes walletID the user's default wallet; the previous default
// is cleared in the same unit.
func (s *Service) SetDefault(ctx context.Context, userID, walletID uint64) error {
	return s.repo.SetDefaultWallet(ctx, userID, walletID)
}

// SetPIN replaces the wallet's transaction PIN after shape validation.
func (s *Service) SetPIN(ctx context.Context, userID, walletID uint64, pin string) error {
	if err := checkPINShape(pin); err != nil {
		return err
	}
	w, err := s.repo.GetWallet(ctx, s.repo.DB(ctx), walletID)
	if err != nil {
		return err
	}
	if w.UserID != userID {
		return fmt.Errorf("%w: wallet %d not owned by user %d", ledger.ErrUnauthorized, walletID, userID)
	}
	hash, err := ledger.HashPIN(pin)
	if err != nil {
		return err
	}
	return s.repo.UpdateWalletPIN(ctx, walletID, hash)
}

func checkPINShape(pin string) error {
	if len(pin) < 4 || len(pin) > 6 {
		return &ledger.ValidationError{Field: "pin", Reason: "must be 4 to 6 digits"}
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return &ledger.ValidationError{Field: "pin", Reason: "must be 4 to 6 digits"}
		}
	}
	return nil
}
