package repo

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/kumbupay/ledger-service/internal/logger"
	"github.com/kumbupay/ledger-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, redismock.ClientMock, context.Context) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(
		&model.User{}, &model.Wallet{}, &model.WalletBalance{},
		&model.Transaction{}, &model.OutboxEvent{},
	))

	rdb, mock := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	return NewRepository(db, rdb, &kafka.Writer{}, log), mock, context.Background()
}

func seedWallets(t *testing.T, r *Repository, ctx context.Context) {
	db := r.DB(ctx)
	assert.NoError(t, db.Create(&model.User{ID: 1, Name: "Ana", Phone: "+244900000001"}).Error)
	assert.NoError(t, db.Create(&model.User{ID: 2, Name: "Beto", Phone: "+244900000002"}).Error)
	assert.NoError(t, db.Create(&model.Wallet{ID: 1, UserID: 1, Number: "KP-0001", IsDefault: true, Status: model.WalletActive}).Error)
	assert.NoError(t, db.Create(&model.Wallet{ID: 2, UserID: 1, Number: "KP-0002", Status: model.WalletActive}).Error)
	assert.NoError(t, db.Create(&model.Wallet{ID: 3, UserID: 2, Number: "KP-0003", IsDefault: true, Status: model.WalletActive}).Error)
	assert.NoError(t, db.Create(&model.WalletBalance{WalletID: 1, Currency: model.CurrencyAOA, Balance: decimal.NewFromInt(300)}).Error)
}

func TestAdjustBalance_AddCreatesBucket(t *testing.T) {
	r, _, ctx := newTestRepo(t)
	seedWallets(t, r, ctx)

	bal, err := r.AdjustBalance(ctx, r.DB(ctx), 2, model.CurrencyUSD, decimal.NewFromInt(40), DirectionAdd)
	assert.NoError(t, err)
	assert.Equal(t, "40", bal.StringFixed(0))

	var b model.WalletBalance
	assert.NoError(t, r.DB(ctx).Where("wallet_id = ? AND currency = ?", 2, model.CurrencyUSD).First(&b).Error)
	assert.Equal(t, "40", b.Balance.StringFixed(0))
}

func TestAdjustBalance_SubtractFailsClosed(t *testing.T) {
	r, _, ctx := newTestRepo(t)
	seedWallets(t, r, ctx)

	// more than the bucket holds
	_, err := r.AdjustBalance(ctx, r.DB(ctx), 1, model.CurrencyAOA, decimal.NewFromInt(301), DirectionSubtract)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// no bucket at all
	_, err = r.AdjustBalance(ctx, r.DB(ctx), 1, model.CurrencyUSD, decimal.NewFromInt(1), DirectionSubtract)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var b model.WalletBalance
	assert.NoError(t, r.DB(ctx).Where("wallet_id = ? AND currency = ?", 1, model.CurrencyAOA).First(&b).Error)
	assert.Equal(t, "300", b.Balance.StringFixed(0))
}

func TestAdjustBalance_BumpsVersion(t *testing.T) {
	r, _, ctx := newTestRepo(t)
	seedWallets(t, r, ctx)

	_, err := r.AdjustBalance(ctx, r.DB(ctx), 1, model.CurrencyAOA, decimal.NewFromInt(50), DirectionSubtract)
	assert.NoError(t, err)

	var b model.WalletBalance
	assert.NoError(t, r.DB(ctx).Where("wallet_id = ? AND currency = ?", 1, model.CurrencyAOA).First(&b).Error)
	assert.Equal(t, "250", b.Balance.StringFixed(0))
	assert.Equal(t, uint64(1), b.Version)
}

func TestSetDefaultWallet(t *testing.T) {
	r, _, ctx := newTestRepo(t)
	seedWallets(t, r, ctx)

	assert.NoError(t, r.SetDefaultWallet(ctx, 1, 2))

	// exactly one default remains
	var n int64
	assert.NoError(t, r.DB(ctx).Model(&model.Wallet{}).
		Where("user_id = ? AND is_default = ?", 1, true).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	w, err := r.DefaultWallet(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), w.ID)

	// repeat is reported, not silently absorbed
	assert.ErrorIs(t, r.SetDefaultWallet(ctx, 1, 2), ErrAlreadyDefault)

	evts, err := r.PollOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, evts, 1)
	assert.Equal(t, model.EventDefaultChanged, evts[0].EventType)
}

func TestSetDefaultWallet_Guards(t *testing.T) {
	r, _, ctx := newTestRepo(t)
	seedWallets(t, r, ctx)

	// not the caller's wallet
	assert.ErrorIs(t, r.SetDefaultWallet(ctx, 2, 1), ErrWalletNotFound)

	// blocked wallet cannot become default
	assert.NoError(t, r.DB(ctx).Model(&model.Wallet{}).Where("id = ?", 2).
		Update("status", model.WalletBlocked).Error)
	assert.ErrorIs(t, r.SetDefaultWallet(ctx, 1, 2), ErrWalletNotActive)
}

func TestResolveAlias(t *testing.T) {
	r, _, ctx := newTestRepo(t)
	seedWallets(t, r, ctx)

	w, err := r.ResolveAlias(ctx, "+244900000002")
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), w.ID)

	_, err = r.ResolveAlias(ctx, "+244999999999")
	assert.ErrorIs(t, err, ErrUserNotFound)

	assert.NoError(t, r.DB(ctx).Model(&model.User{}).Where("id = ?", 2).
		Update("status", model.UserInactive).Error)
	_, err = r.ResolveAlias(ctx, "+244900000002")
	assert.ErrorIs(t, err, ErrUserInactive)
}

func TestResolveAlias_NoUsableDefault(t *testing.T) {
	r, _, ctx := newTestRepo(t)
	seedWallets(t, r, ctx)

	assert.NoError(t, r.DB(ctx).Model(&model.Wallet{}).Where("id = ?", 3).
		Update("status", model.WalletBlocked).Error)
	_, err := r.ResolveAlias(ctx, "+244900000002")
	assert.ErrorIs(t, err, ErrNoDefaultWallet)
}

func TestUpdateWalletPIN(t *testing.T) {
	r, _, ctx := newTestRepo(t)
	seedWallets(t, r, ctx)

	assert.NoError(t, r.UpdateWalletPIN(ctx, 1, "hash"))
	w, err := r.GetWallet(ctx, r.DB(ctx), 1)
	assert.NoError(t, err)
	assert.NotNil(t, w.PINHash)
	assert.Equal(t, "hash", *w.PINHash)

	assert.ErrorIs(t, r.UpdateWalletPIN(ctx, 99, "hash"), ErrWalletNotFound)
}

func TestOutboxRoundTrip(t *testing.T) {
	r, _, ctx := newTestRepo(t)

	evt := &model.OutboxEvent{Aggregate: "Transaction", AggregateID: 7,
		EventType: model.EventTxCompleted, Payload: `{"reference":"TX1"}`}
	assert.NoError(t, r.CreateOutboxEvent(ctx, r.DB(ctx), evt))

	pending, err := r.PollOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, pending, 1)

	assert.NoError(t, r.MarkOutboxProcessed(ctx, pending[0].ID))
	pending, err = r.PollOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBalanceCache(t *testing.T) {
	r, mock, ctx := newTestRepo(t)

	mock.ExpectSet("balance:1:AOA", "300", 5*time.Minute).SetVal("OK")
	assert.NoError(t, r.CacheBalance(ctx, 1, model.CurrencyAOA, decimal.NewFromInt(300)))

	mock.ExpectGet("balance:1:AOA").SetVal("300")
	bal, err := r.GetCachedBalance(ctx, 1, model.CurrencyAOA)
	assert.NoError(t, err)
	assert.Equal(t, "300", bal.StringFixed(0))

	mock.ExpectDel("balance:1:AOA").SetVal(1)
	assert.NoError(t, r.InvalidateBalance(ctx, 1, model.CurrencyAOA))

	assert.NoError(t, mock.ExpectationsWereMet())
}
