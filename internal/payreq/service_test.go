package payreq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kumbupay/ledger-service/internal/ledger"
	"github.com/kumbupay/ledger-service/internal/logger"
	"github.com/kumbupay/ledger-service/internal/model"
	"github.com/kumbupay/ledger-service/internal/notify"
	"github.com/kumbupay/ledger-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *repo.Repository, context.Context) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(
		&model.User{}, &model.Wallet{}, &model.WalletBalance{},
		&model.Transaction{}, &model.PaymentRequest{}, &model.OutboxEvent{},
	))

	log, _ := logger.NewLogger()
	r := repo.NewRepository(db, nil, &kafka.Writer{}, log)
	eng := ledger.NewEngine(r, notify.Nop{}, log)
	return NewService(r, eng, notify.Nop{}, log), r, context.Background()
}

// user 1 requests from user 2. Both have a default wallet with their own id;
// wallet 2 holds 500 AOA and PIN 1234.
func seedRequestParties(t *testing.T, r *repo.Repository, ctx context.Context) {
	db := r.DB(ctx)
	hash, err := ledger.HashPIN("1234")
	assert.NoError(t, err)

	assert.NoError(t, db.Create(&model.User{ID: 1, Name: "Ana", Phone: "+244900000001"}).Error)
	assert.NoError(t, db.Create(&model.User{ID: 2, Name: "Beto", Phone: "+244900000002"}).Error)
	assert.NoError(t, db.Create(&model.User{ID: 3, Name: "Celia", Phone: "+244900000003"}).Error)
	for i := uint64(1); i <= 3; i++ {
		assert.NoError(t, db.Create(&model.Wallet{ID: i, UserID: i, Number: "KP-000" + string(rune('0'+i)), PINHash: &hash, IsDefault: true, Status: model.WalletActive}).Error)
	}
	assert.NoError(t, db.Create(&model.WalletBalance{WalletID: 2, Currency: model.CurrencyAOA, Balance: decimal.NewFromInt(500)}).Error)
}

func newRequest(t *testing.T, s *Service, ctx context.Context, payer *uint64, amount int64) *model.PaymentRequest {
	t.Helper()
	pr, err := s.Create(ctx, CreateRequest{
		RequesterID: 1,
		PayerID:     payer,
		Amount:      decimal.NewFromInt(amount),
		Currency:    model.CurrencyAOA,
		Description: "shared taxi",
		Category:    "transport",
	})
	assert.NoError(t, err)
	return pr
}

func balanceAOA(t *testing.T, r *repo.Repository, ctx context.Context, walletID uint64) string {
	var b model.WalletBalance
	err := r.DB(ctx).Where("wallet_id = ? AND currency = ?", walletID, model.CurrencyAOA).First(&b).Error
	if err == gorm.ErrRecordNotFound {
		return "0"
	}
	assert.NoError(t, err)
	return b.Balance.StringFixed(0)
}

func ptr(v uint64) *uint64 { return &v }

func TestCreate_Validation(t *testing.T) {
	s, _, ctx := newTestService(t)

	var ve *ledger.ValidationError
	_, err := s.Create(ctx, CreateRequest{RequesterID: 1, Amount: decimal.Zero, Currency: model.CurrencyAOA, Description: "x"})
	assert.ErrorAs(t, err, &ve)

	_, err = s.Create(ctx, CreateRequest{RequesterID: 1, PayerID: ptr(1), Amount: decimal.NewFromInt(10), Currency: model.CurrencyAOA, Description: "x"})
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "payer_id", ve.Field)

	past := time.Now().Add(-time.Hour)
	_, err = s.Create(ctx, CreateRequest{RequesterID: 1, Amount: decimal.NewFromInt(10), Currency: model.CurrencyAOA, Description: "x", ExpiresAt: &past})
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "expires_at", ve.Field)
}

func TestCreate_DefaultExpiry(t *testing.T) {
	s, r, ctx := newTestService(t)
	seedRequestParties(t, r, ctx)

	pr := newRequest(t, s, ctx, ptr(2), 200)
	assert.Equal(t, model.RequestPending, pr.Status)
	assert.True(t, pr.ExpiresAt.After(time.Now().Add(71*time.Hour)))
}

func TestApprove_MovesMoneyAndMarksPaid(t *testing.T) {
	s, r, ctx := newTestService(t)
	seedRequestParties(t, r, ctx)
	pr := newRequest(t, s, ctx, ptr(2), 200)

	rec, err := s.Approve(ctx, pr.ID, 2, "1234")
	assert.NoError(t, err)
	assert.Equal(t, model.TxCompleted, rec.Status)

	assert.Equal(t, "300", balanceAOA(t, r, ctx, 2))
	assert.Equal(t, "200", balanceAOA(t, r, ctx, 1))

	stored, err := s.Get(ctx, pr.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.RequestPaid, stored.Status)
	assert.NotNil(t, stored.PaidAt)
	assert.Equal(t, rec.Reference, *stored.TransferRef)
}

func TestApprove_Expired(t *testing.T) {
	s, r, ctx := newTestService(t)
	seedRequestParties(t, r, ctx)
	pr := newRequest(t, s, ctx, ptr(2), 200)

	assert.NoError(t, r.DB(ctx).Model(&model.PaymentRequest{}).Where("id = ?", pr.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	_, err := s.Approve(ctx, pr.ID, 2, "1234")
	assert.ErrorIs(t, err, ErrExpired)

	// untouched: still pending, no money moved
	stored, _ := s.Get(ctx, pr.ID)
	assert.Equal(t, model.RequestPending, stored.Status)
	assert.Equal(t, "500", balanceAOA(t, r, ctx, 2))
}

func TestApprove_WrongPayer(t *testing.T) {
	s, r, ctx := newTestService(t)
	seedRequestParties(t, r, ctx)
	pr := newRequest(t, s, ctx, ptr(2), 200)

	_, err := s.Approve(ctx, pr.ID, 3, "1234")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	assert.Equal(t, "500", balanceAOA(t, r, ctx, 2))
}

func TestApprove_OpenRequest(t *testing.T) {
	s, r, ctx := newTestService(t)
	seedRequestParties(t, r, ctx)
	pr := newRequest(t, s, ctx, nil, 200)

	// the requester cannot settle their own open request
	_, err := s.Approve(ctx, pr.ID, 1, "1234")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	// anyone else can
	rec, err := s.Approve(ctx, pr.ID, 2, "1234")
	assert.NoError(t, err)
	assert.Equal(t, model.TxCompleted, rec.Status)
	assert.Equal(t, "200", balanceAOA(t, r, ctx, 1))
}

func TestApprove_AlreadyPaid(t *testing.T) {
	s, r, ctx := newTestService(t)
	seedRequestParties(t, r, ctx)
	pr := newRequest(t, s, ctx, ptr(2), 200)

	_, err := s.Approve(ctx, pr.ID, 2, "1234")
	assert.NoError(t, err)

	_, err = s.Approve(ctx, pr.ID, 2, "1234")
	assert.ErrorIs(t, err, ErrNotPending)

	// settled exactly once
	assert.Equal(t, "300", balanceAOA(t, r, ctx, 2))
}

func TestApprove_ConcurrentSettlesOnce(t *testing.T) {
	s, r, ctx := newTestService(t)
	seedRequestParties(t, r, ctx)
	pr := newRequest(t, s, ctx, ptr(2), 200)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Approve(ctx, pr.ID, 2, "1234")
		}()
	}
	wg.Wait()

	// one claim wins, the other sees a non-pending request
	settled := 0
	for _, err := range errs {
		if err == nil {
			settled++
		} else {
			assert.ErrorIs(t, err, ErrNotPending)
		}
	}
	assert.Equal(t, 1, settled)

	assert.Equal(t, "300", balanceAOA(t, r, ctx, 2))
	assert.Equal(t, "200", balanceAOA(t, r, ctx, 1))

	var n int64
	assert.NoError(t, r.DB(ctx).Model(&model.Transaction{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestApprove_InsufficientFundsLeavesPending(t *testing.T) {
	s, r, ctx := newTestService(t)
	seedRequestParties(t, r, ctx)
	pr := newRequest(t, s, ctx, ptr(2), 600)

	_, err := s.Approve(ctx, pr.ID, 2, "1234")
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	stored, _ := s.Get(ctx, pr.ID)
	assert.Equal(t, model.RequestPending, stored.Status)
	assert.Equal(t, "500", balanceAOA(t, r, ctx, 2))
}

func TestRejectAndCancel(t *testing.T) {
	s, r, ctx := newTestService(t)
	seedRequestParties(t, r, ctx)

	pr := newRequest(t, s, ctx, ptr(2), 200)
	assert.ErrorIs(t, s.Reject(ctx, pr.ID, 3), ledger.ErrUnauthorized)
	assert.NoError(t, s.Reject(ctx, pr.ID, 2))
	stored, _ := s.Get(ctx, pr.ID)
	assert.Equal(t, model.RequestCancelled, stored.Status)

	// a settled request admits no further transitions
	assert.ErrorIs(t, s.Cancel(ctx, pr.ID, 1), ErrNotPending)

	pr = newRequest(t, s, ctx, ptr(2), 200)
	assert.ErrorIs(t, s.Cancel(ctx, pr.ID, 2), ledger.ErrUnauthorized)
	assert.NoError(t, s.Cancel(ctx, pr.ID, 1))

	// no ledger rows from any of this
	var n int64
	assert.NoError(t, r.DB(ctx).Model(&model.Transaction{}).Count(&n).Error)
	assert.Zero(t, n)
}
