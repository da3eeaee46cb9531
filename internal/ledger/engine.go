package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kumbupay/ledger-service/internal/model"
	"github.com/kumbupay/ledger-service/internal/notify"
	"github.com/kumbupay/ledger-service/internal/repo"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Engine executes balance-mutating transactions. One call is one atomic
// unit of work: the PROCESSING record, both balance legs and the terminal
// status commit together or roll back together.
type Engine struct {
	repo     repo.RepositoryInterface
	refs     *Generator
	notifier notify.Dispatcher
	log      *zap.SugaredLogger
}

// NewEngine returns Engine.
func NewEngine(r repo.RepositoryInterface, n notify.Dispatcher, logger *zap.SugaredLogger) *Engine {
	return &Engine{repo: r, refs: NewGenerator(r), notifier: n, log: logger}
}

// Execute validates req, resolves the counter-party, runs the atomic unit
// and returns the finalized record. Precondition failures (validation,
// not-found, unauthorized, insufficient funds) return a typed error and
// persist nothing; a mutation failure after the PROCESSING record existed is
// finalized to FAILED and returned as a normal record. A request carrying an
// already-used idempotency key replays that earlier record without moving
// money; the lookup happens inside the unit, before any mutation.
func (e *Engine) Execute(ctx context.Context, req Request) (*Record, error) {
	if req.Kind == model.KindRateio {
		return nil, &ValidationError{Field: "kind", Reason: "split payments are created through the rateio coordinator"}
	}
	if err := Validate(&req); err != nil {
		return nil, err
	}
	if err := e.resolveDestination(ctx, &req); err != nil {
		return nil, err
	}

	contract, _ := ContractFor(req.Kind)
	record := e.newProcessingRecord(&req)

	var replay *model.Transaction
	err := e.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if req.IdempotencyKey != "" {
			prev, err := e.repo.GetTransactionByIdempotencyKey(ctx, tx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prev != nil {
				replay = prev
				return nil
			}
		}

		src, dst, err := e.loadParties(ctx, tx, &req, contract)
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, tx, &req, contract, src); err != nil {
			return err
		}

		ref, err := e.refs.Next(ctx, tx)
		if err != nil {
			return err
		}
		record.Reference = ref
		if err := e.repo.CreateTransaction(ctx, tx, record); err != nil {
			return err
		}

		if err := e.applyLegs(ctx, tx, &req, src, dst); err != nil {
			return err
		}

		now := time.Now()
		if err := e.repo.UpdateTransactionStatus(ctx, tx, record.ID, model.TxCompleted, &now); err != nil {
			return err
		}
		record.Status = model.TxCompleted
		record.CompletedAt = &now

		payload, _ := json.Marshal(map[string]interface{}{
			"reference": record.Reference,
			"kind":      record.Kind,
			"amount":    record.Amount,
			"currency":  record.Currency,
		})
		return e.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "Transaction", AggregateID: record.ID,
			EventType: model.EventTxCompleted, Payload: string(payload),
		})
	})
	if err != nil {
		if Precondition(err) {
			return nil, err
		}
		if record.Reference == "" {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		return e.finalizeFailed(ctx, record, err), nil
	}
	if replay != nil {
		return newRecord(replay), nil
	}

	// post-commit, best-effort
	for _, wid := range []*uint64{record.SourceWalletID, record.DestWalletID} {
		if wid == nil {
			continue
		}
		if err := e.repo.InvalidateBalance(ctx, *wid, record.Currency); err != nil {
			e.log.Warn(err)
		}
	}
	if record.DestUserID != nil {
		e.notifier.Notify(ctx, *record.DestUserID, "transaction.completed", map[string]interface{}{
			"reference": record.Reference,
			"amount":    record.Amount.String(),
			"currency":  record.Currency,
		})
	}
	return newRecord(record), nil
}

// resolveDestination rewrites an alias destination to concrete wallet/user
// ids and backfills the destination user from the wallet when absent.
func (e *Engine) resolveDestination(ctx context.Context, req *Request) error {
	if req.DestAlias != "" {
		w, err := e.repo.ResolveAlias(ctx, req.DestAlias)
		if err != nil {
			return fmt.Errorf("%w: alias %q: %v", ErrNotFound, req.DestAlias, err)
		}
		if req.SourceWalletID != nil && *req.SourceWalletID == w.ID {
			return &ValidationError{Field: "destination_alias", Reason: "alias resolves to the source wallet"}
		}
		req.DestWalletID = &w.ID
		req.DestUserID = &w.UserID
		req.DestAlias = ""
		return nil
	}
	if req.DestWalletID != nil && req.DestUserID == nil {
		w, err := e.repo.GetWallet(ctx, e.repo.DB(ctx), *req.DestWalletID)
		if err != nil {
			return fmt.Errorf("%w: destination wallet %d", ErrNotFound, *req.DestWalletID)
		}
		req.DestUserID = &w.UserID
	}
	return nil
}

// loadParties locks the involved wallet rows in ascending id order and
// enforces ownership and active status.
func (e *Engine) loadParties(ctx context.Context, tx *gorm.DB, req *Request, c Contract) (src, dst *model.Wallet, err error) {
	var ids []uint64
	if c.NeedsSource {
		ids = append(ids, *req.SourceWalletID)
	}
	if c.NeedsDest {
		ids = append(ids, *req.DestWalletID)
	}
	if len(ids) == 2 && ids[1] < ids[0] {
		ids[0], ids[1] = ids[1], ids[0]
	}

	wallets := make(map[uint64]*model.Wallet, len(ids))
	for _, id := range ids {
		w, err := e.repo.GetWalletForUpdate(ctx, tx, id)
		if err != nil {
			if errors.Is(err, repo.ErrWalletNotFound) {
				return nil, nil, fmt.Errorf("%w: wallet %d", ErrNotFound, id)
			}
			return nil, nil, err
		}
		if !w.Active() {
			return nil, nil, fmt.Errorf("%w: wallet %d is blocked", ErrUnauthorized, id)
		}
		wallets[id] = w
	}

	if c.NeedsSource {
		src = wallets[*req.SourceWalletID]
		if src.UserID != *req.SourceUserID {
			return nil, nil, fmt.Errorf("%w: wallet %d not owned by user %d", ErrUnauthorized, src.ID, *req.SourceUserID)
		}
	}
	if c.NeedsDest {
		dst = wallets[*req.DestWalletID]
		if req.DestUserID != nil && dst.UserID != *req.DestUserID {
			return nil, nil, fmt.Errorf("%w: wallet %d not owned by user %d", ErrNotFound, dst.ID, *req.DestUserID)
		}
	}
	return src, dst, nil
}

// authorize re-checks PIN and balance sufficiency inside the unit, closing
// the gap between static validation and mutation. Deposits skip both.
func (e *Engine) authorize(ctx context.Context, tx *gorm.DB, req *Request, c Contract, src *model.Wallet) error {
	if src == nil {
		return nil
	}
	if c.NeedsPIN && !req.Preauthorized {
		if err := VerifyPIN(src, req.PIN); err != nil {
			return err
		}
	}
	bal, err := e.repo.GetBalanceForUpdate(ctx, tx, src.ID, req.Currency)
	if err != nil {
		return err
	}
	if bal == nil || bal.Balance.LessThan(req.Amount) {
		return repo.ErrInsufficientFunds
	}
	return nil
}

// VerifyPIN compares a plaintext PIN against the wallet's stored bcrypt
// credential; a wallet without one cannot authorize anything.
func VerifyPIN(w *model.Wallet, pin string) error {
	if w.PINHash == nil {
		return fmt.Errorf("%w: wallet %d has no transaction PIN", ErrUnauthorized, w.ID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*w.PINHash), []byte(pin)); err != nil {
		return fmt.Errorf("%w: PIN mismatch", ErrUnauthorized)
	}
	return nil
}

// HashPIN produces the stored form of a transaction PIN.
func HashPIN(pin string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	return string(h), err
}

// applyLegs performs the balance mutation(s) for the kind. Two-sided kinds
// debit and credit disjoint, already-locked rows; both legs complete inside
// the unit before the terminal status is written.
func (e *Engine) applyLegs(ctx context.Context, tx *gorm.DB, req *Request, src, dst *model.Wallet) error {
	switch req.Kind {
	case model.KindDeposit:
		_, err := e.repo.AdjustBalance(ctx, tx, dst.ID, req.Currency, req.Amount, repo.DirectionAdd)
		return err
	case model.KindWithdrawal:
		_, err := e.repo.AdjustBalance(ctx, tx, src.ID, req.Currency, req.Amount, repo.DirectionSubtract)
		return err
	default:
		// adjust in ascending wallet-id order, mirroring the lock order
		if src.ID < dst.ID {
			if _, err := e.repo.AdjustBalance(ctx, tx, src.ID, req.Currency, req.Amount, repo.DirectionSubtract); err != nil {
				return err
			}
			_, err := e.repo.AdjustBalance(ctx, tx, dst.ID, req.Currency, req.Amount, repo.DirectionAdd)
			return err
		}
		if _, err := e.repo.AdjustBalance(ctx, tx, dst.ID, req.Currency, req.Amount, repo.DirectionAdd); err != nil {
			return err
		}
		_, err := e.repo.AdjustBalance(ctx, tx, src.ID, req.Currency, req.Amount, repo.DirectionSubtract)
		return err
	}
}

func (e *Engine) newProcessingRecord(req *Request) *model.Transaction {
	meta := "{}"
	if len(req.Metadata) > 0 {
		if b, err := json.Marshal(req.Metadata); err == nil {
			meta = string(b)
		}
	}
	var idemKey *string
	if req.IdempotencyKey != "" {
		idemKey = &req.IdempotencyKey
	}
	return &model.Transaction{
		Kind:           req.Kind,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		Status:         model.TxProcessing,
		SourceWalletID: req.SourceWalletID,
		SourceUserID:   req.SourceUserID,
		DestWalletID:   req.DestWalletID,
		DestUserID:     req.DestUserID,
		IdempotencyKey: idemKey,
		Metadata:       meta,
	}
}

// finalizeFailed persists a FAILED record in a fresh unit after the original
// unit rolled back, so the outcome stays auditable.
func (e *Engine) finalizeFailed(ctx context.Context, record *model.Transaction, cause error) *Record {
	e.log.Errorw("transaction failed during mutation",
		"reference", record.Reference, "kind", record.Kind, "err", cause)

	record.ID = 0
	record.Status = model.TxFailed
	err := e.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.repo.CreateTransaction(ctx, tx, record); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"reference": record.Reference,
			"reason":    cause.Error(),
		})
		return e.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "Transaction", AggregateID: record.ID,
			EventType: model.EventTxFailed, Payload: string(payload),
		})
	})
	if err != nil {
		e.log.Errorw("persisting FAILED record", "reference", record.Reference, "err", err)
	}
	return newRecord(record)
}
