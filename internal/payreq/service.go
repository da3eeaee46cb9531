package payreq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kumbupay/ledger-service/internal/ledger"
	"github.com/kumbupay/ledger-service/internal/model"
	"github.com/kumbupay/ledger-service/internal/notify"
	"github.com/kumbupay/ledger-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrExpired means the request's expiry passed before approval.
	ErrExpired = errors.New("payment request expired")

	// ErrNotPending rejects transitions on already-settled requests.
	ErrNotPending = errors.New("payment request is not pending")

	// ErrTransferFailed reports that the settling transfer finalized FAILED;
	// the request stays PENDING so it can be retried.
	ErrTransferFailed = errors.New("settling transfer failed")
)

const defaultTTL = 72 * time.Hour

// CreateRequest describes a new money request. PayerID nil creates an open
// request anyone but the requester may settle.
type CreateRequest struct {
	RequesterID uint64
	PayerID     *uint64
	Amount      decimal.Decimal
	Currency    model.Currency
	Description string
	Category    string
	ExpiresAt   *time.Time
}

// Service owns the payment-request lifecycle. Only Approve touches the
// ledger; Reject and Cancel are pure status transitions.
type Service struct {
	repo     repo.RepositoryInterface
	engine   *ledger.Engine
	notifier notify.Dispatcher
	log      *zap.SugaredLogger
}

// NewService returns Service.
func NewService(r repo.RepositoryInterface, e *ledger.Engine, n notify.Dispatcher, logger *zap.SugaredLogger) *Service {
	return &Service{repo: r, engine: e, notifier: n, log: logger}
}

// Create persists a PENDING request.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.PaymentRequest, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, &ledger.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !req.Currency.Supported() {
		return nil, &ledger.ValidationError{Field: "currency", Reason: "unsupported currency code"}
	}
	if req.Description == "" {
		return nil, &ledger.ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if req.PayerID != nil && *req.PayerID == req.RequesterID {
		return nil, &ledger.ValidationError{Field: "payer_id", Reason: "cannot request money from yourself"}
	}

	expires := time.Now().Add(defaultTTL)
	if req.ExpiresAt != nil {
		if req.ExpiresAt.Before(time.Now()) {
			return nil, &ledger.ValidationError{Field: "expires_at", Reason: "must be in the future"}
		}
		expires = *req.ExpiresAt
	}

	pr := &model.PaymentRequest{
		RequesterID: req.RequesterID,
		PayerID:     req.PayerID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Category:    req.Category,
		Status:      model.RequestPending,
		ExpiresAt:   expires,
	}
	if err := s.repo.CreatePaymentRequest(ctx, pr); err != nil {
		return nil, err
	}
	if pr.PayerID != nil {
		s.notifier.Notify(ctx, *pr.PayerID, "payment_request.received", map[string]interface{}{
			"request_id": pr.ID,
			"amount":     pr.Amount.String(),
			"currency":   pr.Currency,
		})
	}
	return pr, nil
}

// Approve settles a pending, unexpired request with exactly one ledger
// transfer from the approver's default wallet to the requester's. The request
// is first claimed PENDING→PROCESSING under its row lock, so of two
// concurrent approvals exactly one reaches the engine. On ledger failure the
// claim is released back to PENDING and the failure propagates.
func (s *Service) Approve(ctx context.Context, requestID, approverID uint64, pin string) (*ledger.Record, error) {
	pr, err := s.claim(ctx, requestID, approverID)
	if err != nil {
		return nil, err
	}

	rec, err := s.settle(ctx, pr, approverID, pin)
	if err != nil {
		s.release(ctx, pr.ID)
		return rec, err
	}

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.GetPaymentRequestForUpdate(ctx, tx, pr.ID)
		if err != nil {
			return err
		}
		now := time.Now()
		locked.Status = model.RequestPaid
		locked.PaidAt = &now
		locked.TransferRef = &rec.Reference
		if err := s.repo.UpdatePaymentRequest(ctx, tx, locked); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"request_id": pr.ID,
			"reference":  rec.Reference,
		})
		return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "PaymentRequest", AggregateID: pr.ID,
			EventType: model.EventRequestPaid, Payload: string(payload),
		})
	})
	if err != nil {
		// the money moved; losing the status update must stay visible
		s.log.Errorw("payment request PAID transition", "request_id", pr.ID, "err", err)
		return rec, err
	}

	s.notifier.Notify(ctx, pr.RequesterID, "payment_request.paid", map[string]interface{}{
		"request_id": pr.ID,
		"reference":  rec.Reference,
	})
	return rec, nil
}

// claim locks the request row, re-checks every precondition on the locked
// state and moves it PENDING→PROCESSING in the same unit.
func (s *Service) claim(ctx context.Context, requestID, approverID uint64) (*model.PaymentRequest, error) {
	var pr *model.PaymentRequest
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.GetPaymentRequestForUpdate(ctx, tx, requestID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: request %d", ledger.ErrNotFound, requestID)
			}
			return err
		}
		if locked.Status != model.RequestPending {
			return fmt.Errorf("%w: request %d is %s", ErrNotPending, requestID, locked.Status)
		}
		if time.Now().After(locked.ExpiresAt) {
			return fmt.Errorf("%w: request %d", ErrExpired, requestID)
		}
		if locked.PayerID != nil && *locked.PayerID != approverID {
			return fmt.Errorf("%w: request %d is addressed to another payer", ledger.ErrUnauthorized, requestID)
		}
		if locked.PayerID == nil && approverID == locked.RequesterID {
			return fmt.Errorf("%w: requester cannot settle an open request", ledger.ErrUnauthorized)
		}
		locked.Status = model.RequestProcessing
		if err := s.repo.UpdatePaymentRequest(ctx, tx, locked); err != nil {
			return err
		}
		pr = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pr, nil
}

// release returns a claimed request to PENDING so it can be retried.
func (s *Service) release(ctx context.Context, requestID uint64) {
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.GetPaymentRequestForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if locked.Status != model.RequestProcessing {
			return nil
		}
		locked.Status = model.RequestPending
		return s.repo.UpdatePaymentRequest(ctx, tx, locked)
	})
	if err != nil {
		s.log.Errorw("releasing payment request claim", "request_id", requestID, "err", err)
	}
}

// settle resolves both default wallets and runs the single transfer.
func (s *Service) settle(ctx context.Context, pr *model.PaymentRequest, approverID uint64, pin string) (*ledger.Record, error) {
	srcWallet, err := s.repo.DefaultWallet(ctx, approverID)
	if err != nil {
		return nil, fmt.Errorf("%w: approver default wallet: %v", ledger.ErrNotFound, err)
	}
	dstWallet, err := s.repo.DefaultWallet(ctx, pr.RequesterID)
	if err != nil {
		return nil, fmt.Errorf("%w: requester default wallet: %v", ledger.ErrNotFound, err)
	}

	rec, err := s.engine.Execute(ctx, ledger.Request{
		Kind:           model.KindTransfer,
		Amount:         pr.Amount,
		Currency:       pr.Currency,
		Description:    pr.Description,
		SourceWalletID: &srcWallet.ID,
		SourceUserID:   &approverID,
		DestWalletID:   &dstWallet.ID,
		DestUserID:     &pr.RequesterID,
		PIN:            pin,
		Metadata:       map[string]interface{}{"payment_request_id": pr.ID},
	})
	if err != nil {
		return nil, err
	}
	if rec.Status != model.TxCompleted {
		return rec, fmt.Errorf("%w: reference %s", ErrTransferFailed, rec.Reference)
	}
	return rec, nil
}

// Reject lets the addressed payer refuse a pending request.
func (s *Service) Reject(ctx context.Context, requestID, payerID uint64) error {
	return s.close(ctx, requestID, func(pr *model.PaymentRequest) error {
		if pr.PayerID == nil || *pr.PayerID != payerID {
			return fmt.Errorf("%w: request %d is not addressed to user %d", ledger.ErrUnauthorized, requestID, payerID)
		}
		return nil
	})
}

// Cancel lets the requester withdraw a pending request.
func (s *Service) Cancel(ctx context.Context, requestID, requesterID uint64) error {
	return s.close(ctx, requestID, func(pr *model.PaymentRequest) error {
		if pr.RequesterID != requesterID {
			return fmt.Errorf("%w: request %d does not belong to user %d", ledger.ErrUnauthorized, requestID, requesterID)
		}
		return nil
	})
}

// Get fetches a request by id.
func (s *Service) Get(ctx context.Context, requestID uint64) (*model.PaymentRequest, error) {
	return s.load(ctx, requestID)
}

// close applies a guarded PENDING→CANCELLED transition; the ledger is never
// touched.
func (s *Service) close(ctx context.Context, requestID uint64, guard func(*model.PaymentRequest) error) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		pr, err := s.repo.GetPaymentRequestForUpdate(ctx, tx, requestID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: request %d", ledger.ErrNotFound, requestID)
			}
			return err
		}
		if pr.Status != model.RequestPending {
			return fmt.Errorf("%w: request %d is %s", ErrNotPending, requestID, pr.Status)
		}
		if err := guard(pr); err != nil {
			return err
		}
		pr.Status = model.RequestCancelled
		return s.repo.UpdatePaymentRequest(ctx, tx, pr)
	})
}

func (s *Service) load(ctx context.Context, requestID uint64) (*model.PaymentRequest, error) {
	pr, err := s.repo.GetPaymentRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: request %d", ledger.ErrNotFound, requestID)
		}
		return nil, err
	}
	return pr, nil
}
