package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kumbupay/ledger-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientFunds is returned when a SUBTRACT would drive a balance
// below zero; the adjustment fails closed before any write.
var ErrInsufficientFunds = errors.New("insufficient funds")

var (
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrWalletNotActive = errors.New("wallet not active")
	ErrUserNotFound    = errors.New("user not found")
	ErrUserInactive    = errors.New("user inactive")
	ErrNoDefaultWallet = errors.New("user has no default wallet")
	ErrAlreadyDefault  = errors.New("wallet is already the default")
	ErrOptimisticLock  = errors.New("optimistic lock conflict")
)

// Direction selects the sign of a balance adjustment.
type Direction string

const (
	DirectionAdd      Direction = "ADD"
	DirectionSubtract Direction = "SUBTRACT"
)

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetWallet(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error)
	GetBalanceForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64, c model.Currency) (*model.WalletBalance, error)
	AdjustBalance(ctx context.Context, tx *gorm.DB, walletID uint64, c model.Currency, amount decimal.Decimal, dir Direction) (decimal.Decimal, error)
	ResolveAlias(ctx context.Context, alias string) (*model.Wallet, error)
	DefaultWallet(ctx context.Context, userID uint64) (*model.Wallet, error)
	SetDefaultWallet(ctx context.Context, userID, walletID uint64) error
	UpdateWalletPIN(ctx context.Context, walletID uint64, pinHash string) error

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	UpdateTransactionStatus(ctx context.Context, tx *gorm.DB, id uint64, status model.TxStatus, completedAt *time.Time) error
	GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error)
	GetTransactionByReference(ctx context.Context, ref string) (*model.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.Transaction, error)
	ReferenceExists(ctx context.Context, tx *gorm.DB, ref string) (bool, error)
	ListTransactions(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.Transaction, error)

	CreateRecipients(ctx context.Context, tx *gorm.DB, legs []*model.RateioRecipient) error
	ListRecipients(ctx context.Context, transactionID uint64) ([]model.RateioRecipient, error)
	GetRecipientForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.RateioRecipient, error)
	UpdateRecipient(ctx context.Context, tx *gorm.DB, leg *model.RateioRecipient) error

	CreatePaymentRequest(ctx context.Context, pr *model.PaymentRequest) error
	GetPaymentRequest(ctx context.Context, id uint64) (*model.PaymentRequest, error)
	GetPaymentRequestForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.PaymentRequest, error)
	UpdatePaymentRequest(ctx context.Context, tx *gorm.DB, pr *model.PaymentRequest) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, walletID uint64, c model.Currency, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, walletID uint64, c model.Currency) (decimal.Decimal, error)
	InvalidateBalance(ctx context.Context, walletID uint64, c model.Currency) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetWallet reads a wallet with its balance rows, no lock.
func (r *Repository) GetWallet(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error) {
	var w model.Wallet
	err := tx.WithContext(ctx).Preload("Balances").Where("id = ?", walletID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks the wallet identity row. Balance rows are locked
// separately by GetBalanceForUpdate / AdjustBalance.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error) {
	var w model.Wallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", walletID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetBalanceForUpdate locks and returns one currency bucket; (nil, nil) when
// the wallet holds no bucket in that currency yet.
func (r *Repository) GetBalanceForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64, c model.Currency) (*model.WalletBalance, error) {
	var b model.WalletBalance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_id = ? AND currency = ?", walletID, c).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// AdjustBalance applies one balance leg with an optimistic version check on
// top of the row lock. SUBTRACT fails closed when the bucket is missing or
// would go negative. Returns the new balance.
func (r *Repository) AdjustBalance(ctx context.Context, tx *gorm.DB, walletID uint64, c model.Currency, amount decimal.Decimal, dir Direction) (decimal.Decimal, error) {
	b, err := r.GetBalanceForUpdate(ctx, tx, walletID, c)
	if err != nil {
		return decimal.Zero, err
	}
	if b == nil {
		if dir == DirectionSubtract {
			return decimal.Zero, ErrInsufficientFunds
		}
		b = &model.WalletBalance{WalletID: walletID, Currency: c, Balance: amount}
		if err := tx.WithContext(ctx).Create(b).Error; err != nil {
			return decimal.Zero, err
		}
		return b.Balance, nil
	}

	var newBal decimal.Decimal
	switch dir {
	case DirectionAdd:
		newBal = b.Balance.Add(amount)
	case DirectionSubtract:
		if b.Balance.LessThan(amount) {
			return decimal.Zero, ErrInsufficientFunds
		}
		newBal = b.Balance.Sub(amount)
	default:
		return decimal.Zero, fmt.Errorf("unknown direction %q", dir)
	}

	res := tx.WithContext(ctx).
		Model(&model.WalletBalance{}).
		Where("id = ? AND version = ?", b.ID, b.Version).
		Updates(map[string]interface{}{
			"balance":    newBal,
			"version":    b.Version + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return decimal.Zero, res.Error
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, ErrOptimisticLock
	}
	return newBal, nil
}

// ResolveAlias maps a contact alias (phone) to the owner's default active
// wallet. Inactive users and users without a usable default fail the lookup.
func (r *Repository) ResolveAlias(ctx context.Context, alias string) (*model.Wallet, error) {
	var u model.User
	err := r.db.WithContext(ctx).Where("phone = ?", alias).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if u.Status != model.UserActive {
		return nil, ErrUserInactive
	}
	return r.DefaultWallet(ctx, u.ID)
}

// DefaultWallet returns the user's single default active wallet.
func (r *Repository) DefaultWallet(ctx context.Context, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	err := r.db.WithContext(ctx).Preload("Balances").
		Where("user_id = ? AND is_default = ? AND status = ?", userID, true, model.WalletActive).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoDefaultWallet
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// SetDefaultWallet atomically clears the previous default and marks walletID
// as the user's default; both writes happen in one unit or neither does.
func (r *Repository) SetDefaultWallet(ctx context.Context, userID, walletID uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := r.GetWalletForUpdate(ctx, tx, walletID)
		if err != nil {
			return err
		}
		if w.UserID != userID {
			return ErrWalletNotFound
		}
		if !w.Active() {
			return ErrWalletNotActive
		}
		if w.IsDefault {
			return ErrAlreadyDefault
		}
		if err := tx.Model(&model.Wallet{}).
			Where("user_id = ? AND is_default = ? AND id <> ?", userID, true, walletID).
			Update("is_default", false).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Wallet{}).
			Where("id = ?", walletID).
			Update("is_default", true).Error; err != nil {
			return err
		}
		payload, _ := marshalPayload(map[string]interface{}{"user_id": userID, "wallet_id": walletID})
		return r.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: walletID,
			EventType: model.EventDefaultChanged, Payload: payload,
		})
	})
}

// UpdateWalletPIN stores a new hashed transaction PIN.
func (r *Repository) UpdateWalletPIN(ctx context.Context, walletID uint64, pinHash string) error {
	res := r.db.WithContext(ctx).Model(&model.Wallet{}).
		Where("id = ?", walletID).
		Updates(map[string]interface{}{"pin_hash": pinHash, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// UpdateTransactionStatus finalizes a record's status, stamping completion
// time when given.
func (r *Repository) UpdateTransactionStatus(ctx context.Context, tx *gorm.DB, id uint64, status model.TxStatus, completedAt *time.Time) error {
	fields := map[string]interface{}{"status": status, "updated_at": time.Now()}
	if completedAt != nil {
		fields["completed_at"] = completedAt
	}
	return tx.WithContext(ctx).Model(&model.Transaction{}).Where("id = ?", id).Updates(fields).Error
}

// GetTransaction fetches by internal id.
func (r *Repository) GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransactionByReference fetches by external reference.
func (r *Repository) GetTransactionByReference(ctx context.Context, ref string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("reference = ?", ref).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ReferenceExists checks reference uniqueness inside tx's view.
// GetTransactionByIdempotencyKey returns the transaction previously created
// under key; (nil, nil) when the key was never used.
func (r *Repository) GetTransactionByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.Transaction, error) {
	var t model.Transaction
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) ReferenceExists(ctx context.Context, tx *gorm.DB, ref string) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.Transaction{}).Where("reference = ?", ref).Count(&n).Error
	return n > 0, err
}

// ListTransactions returns recent transactions touching the wallet.
func (r *Repository) ListTransactions(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("(source_wallet_id = ? OR dest_wallet_id = ?) AND created_at >= ?", walletID, walletID, since).
		Order("created_at desc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// CreateRecipients persists rateio legs.
func (r *Repository) CreateRecipients(ctx context.Context, tx *gorm.DB, legs []*model.RateioRecipient) error {
	for _, leg := range legs {
		if err := tx.WithContext(ctx).Create(leg).Error; err != nil {
			return err
		}
	}
	return nil
}

// ListRecipients returns every leg of a split, oldest first.
func (r *Repository) ListRecipients(ctx context.Context, transactionID uint64) ([]model.RateioRecipient, error) {
	var legs []model.RateioRecipient
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("id asc").
		Find(&legs).Error
	return legs, err
}

// GetRecipientForUpdate locks one leg row.
func (r *Repository) GetRecipientForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.RateioRecipient, error) {
	var leg model.RateioRecipient
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&leg).Error
	if err != nil {
		return nil, err
	}
	return &leg, nil
}

// UpdateRecipient saves leg status fields.
func (r *Repository) UpdateRecipient(ctx context.Context, tx *gorm.DB, leg *model.RateioRecipient) error {
	return tx.WithContext(ctx).Model(leg).Updates(map[string]interface{}{
		"status":       leg.Status,
		"transfer_ref": leg.TransferRef,
		"fail_reason":  leg.FailReason,
		"confirmed_at": leg.ConfirmedAt,
		"updated_at":   time.Now(),
	}).Error
}

// CreatePaymentRequest inserts a pending request.
func (r *Repository) CreatePaymentRequest(ctx context.Context, pr *model.PaymentRequest) error {
	return r.db.WithContext(ctx).Create(pr).Error
}

// GetPaymentRequest fetches by id, no lock.
func (r *Repository) GetPaymentRequest(ctx context.Context, id uint64) (*model.PaymentRequest, error) {
	var pr model.PaymentRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&pr).Error; err != nil {
		return nil, err
	}
	return &pr, nil
}

// GetPaymentRequestForUpdate locks the request row.
func (r *Repository) GetPaymentRequestForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.PaymentRequest, error) {
	var pr model.PaymentRequest
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&pr).Error
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// UpdatePaymentRequest saves request status fields.
func (r *Repository) UpdatePaymentRequest(ctx context.Context, tx *gorm.DB, pr *model.PaymentRequest) error {
	return tx.WithContext(ctx).Model(pr).Updates(map[string]interface{}{
		"status":       pr.Status,
		"paid_at":      pr.PaidAt,
		"transfer_ref": pr.TransferRef,
		"updated_at":   time.Now(),
	}).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, walletID uint64, c model.Currency, bal decimal.Decimal) error {
	return r.rdb.Set(ctx, balanceKey(walletID, c), bal.String(), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, walletID uint64, c model.Currency) (decimal.Decimal, error) {
	str, err := r.rdb.Get(ctx, balanceKey(walletID, c)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

// InvalidateBalance drops the cached balance after a mutation committed.
func (r *Repository) InvalidateBalance(ctx context.Context, walletID uint64, c model.Currency) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, balanceKey(walletID, c)).Err()
}

func balanceKey(walletID uint64, c model.Currency) string {
	return fmt.Sprintf("balance:%d:%s", walletID, c)
}

func marshalPayload(v map[string]interface{}) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}
