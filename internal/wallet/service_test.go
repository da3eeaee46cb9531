package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/kumbupay/ledger-service/internal/ledger"
	"github.com/kumbupay/ledger-service/internal/logger"
	"github.com/kumbupay/ledger-service/internal/model"
	"github.com/kumbupay/ledger-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *repo.Repository, redismock.ClientMock, context.Context) {
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
	r := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	return NewService(r, log), r, mock, context.Background()
}

func seedWallet(t *testing.T, r *repo.Repository, ctx context.Context) {
	db := r.DB(ctx)
	assert.NoError(t, db.Create(&model.User{ID: 1, Name: "Ana", Phone: "+244900000001"}).Error)
	assert.NoError(t, db.Create(&model.Wallet{ID: 1, UserID: 1, Number: "KP-0001", IsDefault: true, Status: model.WalletActive}).Error)
	assert.NoError(t, db.Create(&model.WalletBalance{WalletID: 1, Currency: model.CurrencyAOA, Balance: decimal.NewFromInt(500)}).Error)
}

func TestGetBalance_CacheMissReadsStore(t *testing.T) {
	s, r, mock, ctx := newTestService(t)
	seedWallet(t, r, ctx)

	mock.ExpectGet("balance:1:AOA").RedisNil()
	mock.ExpectSet("balance:1:AOA", "500", 5*time.Minute).SetVal("OK")

	bal, err := s.GetBalance(ctx, 1, model.CurrencyAOA)
	assert.NoError(t, err)
	assert.Equal(t, "500", bal.StringFixed(0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBalance_CacheHitSkipsStore(t *testing.T) {
	s, _, mock, ctx := newTestService(t)

	// no wallet seeded: a hit must not reach the store at all
	mock.ExpectGet("balance:1:AOA").SetVal("123")

	bal, err := s.GetBalance(ctx, 1, model.CurrencyAOA)
	assert.NoError(t, err)
	assert.Equal(t, "123", bal.StringFixed(0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBalance_MissingBucketIsZero(t *testing.T) {
	s, r, mock, ctx := newTestService(t)
	seedWallet(t, r, ctx)

	mock.ExpectGet("balance:1:USD").RedisNil()
	mock.ExpectSet("balance:1:USD", "0", 5*time.Minute).SetVal("OK")

	bal, err := s.GetBalance(ctx, 1, model.CurrencyUSD)
	assert.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestGetBalance_UnsupportedCurrency(t *testing.T) {
	s, _, _, ctx := newTestService(t)

	var ve *ledger.ValidationError
	_, err := s.GetBalance(ctx, 1, "BTC")
	assert.ErrorAs(t, err, &ve)
}

func TestSetPIN(t *testing.T) {
	s, r, _, ctx := newTestService(t)
	seedWallet(t, r, ctx)

	var ve *ledger.ValidationError
	assert.ErrorAs(t, s.SetPIN(ctx, 1, 1, "12"), &ve)
	assert.ErrorAs(t, s.SetPIN(ctx, 1, 1, "12ab"), &ve)
	assert.ErrorIs(t, s.SetPIN(ctx, 2, 1, "1234"), ledger.ErrUnauthorized)

	assert.NoError(t, s.SetPIN(ctx, 1, 1, "1234"))
	w, err := s.Get(ctx, 1)
	assert.NoError(t, err)
	assert.NoError(t, ledger.VerifyPIN(w, "1234"))
	assert.Error(t, ledger.VerifyPIN(w, "4321"))
}

func TestHistory(t *testing.T) {
	s, r, _, ctx := newTestService(t)
	seedWallet(t, r, ctx)

	wid := uint64(1)
	for i := 0; i < 3; i++ {
		assert.NoError(t, r.DB(ctx).Create(&model.Transaction{
			Reference:    "TXH" + string(rune('A'+i)),
			Kind:         model.KindDeposit,
			Amount:       decimal.NewFromInt(10),
			Currency:     model.CurrencyAOA,
			Description:  "cash in",
			Status:       model.TxCompleted,
			DestWalletID: &wid,
			Metadata:     "{}",
		}).Error)
	}

	txs, err := s.History(ctx, 1, 2, time.Time{})
	assert.NoError(t, err)
	assert.Len(t, txs, 2)

	txs, err = s.History(ctx, 1, 10, time.Now().Add(time.Hour))
	assert.NoError(t, err)
	assert.Empty(t, txs)
}
