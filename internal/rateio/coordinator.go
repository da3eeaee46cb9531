package rateio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kumbupay/ledger-service/internal/jobs"
	"github.com/kumbupay/ledger-service/internal/ledger"
	"github.com/kumbupay/ledger-service/internal/model"
	"github.com/kumbupay/ledger-service/internal/notify"
	"github.com/kumbupay/ledger-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// sumTolerance absorbs rounding drift between the leg amounts and the total.
var sumTolerance = decimal.RequireFromString("0.001")

var (
	// ErrDuplicateRecipient rejects two legs addressed to the same wallet.
	ErrDuplicateRecipient = errors.New("duplicate recipient wallet")

	// ErrSumMismatch rejects a split whose legs do not add up to the total.
	ErrSumMismatch = errors.New("leg amounts do not sum to the total")

	// ErrNotProcessable is returned when confirming or processing a split
	// that is not in a state admitting it.
	ErrNotProcessable = errors.New("split not in a processable state")
)

// Leg is one requested credit share.
type Leg struct {
	WalletID uint64
	UserID   uint64
	Amount   decimal.Decimal
}

// CreateRequest describes a split: one aggregate debit fanned out to
// distinct recipients, optionally deferred and/or confirmation-gated.
type CreateRequest struct {
	SourceWalletID uint64
	SourceUserID   uint64
	TotalAmount    decimal.Decimal
	Currency       model.Currency
	Description    string
	PIN            string
	Legs           []Leg
	ScheduleAt     *time.Time
	RequireConfirm bool
}

// Split is the created aggregate with its legs.
type Split struct {
	Anchor     *model.Transaction      `json:"transaction"`
	Recipients []model.RateioRecipient `json:"recipients"`
}

// Coordinator decomposes one aggregate debit into independently settled
// transfer legs and derives the aggregate status from their outcomes.
type Coordinator struct {
	repo     repo.RepositoryInterface
	engine   *ledger.Engine
	refs     *ledger.Generator
	queue    jobs.Queue
	notifier notify.Dispatcher
	log      *zap.SugaredLogger
}

// NewCoordinator returns Coordinator.
func NewCoordinator(r repo.RepositoryInterface, e *ledger.Engine, q jobs.Queue, n notify.Dispatcher, logger *zap.SugaredLogger) *Coordinator {
	return &Coordinator{repo: r, engine: e, refs: ledger.NewGenerator(r), queue: q, notifier: n, log: logger}
}

// CreateSplit validates the batch, persists the RATEIO anchor and its legs,
// then either processes immediately, defers to the schedule, or waits for
// recipient confirmation. Confirmation gating takes precedence over the
// schedule: a future schedule only defers legs that are already confirmed.
func (c *Coordinator) CreateSplit(ctx context.Context, req CreateRequest) (*Split, error) {
	if err := c.validate(&req); err != nil {
		return nil, err
	}

	src, err := c.repo.GetWallet(ctx, c.repo.DB(ctx), req.SourceWalletID)
	if err != nil {
		return nil, fmt.Errorf("%w: source wallet %d", ledger.ErrNotFound, req.SourceWalletID)
	}
	if src.UserID != req.SourceUserID {
		return nil, fmt.Errorf("%w: wallet %d not owned by user %d", ledger.ErrUnauthorized, src.ID, req.SourceUserID)
	}
	if !src.Active() {
		return nil, fmt.Errorf("%w: wallet %d is blocked", ledger.ErrUnauthorized, src.ID)
	}
	if err := ledger.VerifyPIN(src, req.PIN); err != nil {
		return nil, err
	}

	legStatus := model.RecipientConfirmed
	if req.RequireConfirm {
		legStatus = model.RecipientPending
	}

	split := &Split{}
	err = c.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		ref, err := c.refs.Next(ctx, tx)
		if err != nil {
			return err
		}
		// the anchor is self-referential and moves no money itself
		anchor := &model.Transaction{
			Reference:      ref,
			Kind:           model.KindRateio,
			Amount:         req.TotalAmount,
			Currency:       req.Currency,
			Description:    req.Description,
			Status:         model.TxPending,
			SourceWalletID: &req.SourceWalletID,
			SourceUserID:   &req.SourceUserID,
			DestWalletID:   &req.SourceWalletID,
			DestUserID:     &req.SourceUserID,
			Metadata:       "{}",
			ScheduledAt:    req.ScheduleAt,
		}
		if err := c.repo.CreateTransaction(ctx, tx, anchor); err != nil {
			return err
		}

		now := time.Now()
		legs := make([]*model.RateioRecipient, 0, len(req.Legs))
		for _, l := range req.Legs {
			leg := &model.RateioRecipient{
				TransactionID: anchor.ID,
				WalletID:      l.WalletID,
				UserID:        l.UserID,
				Amount:        l.Amount,
				Percentage:    l.Amount.Div(req.TotalAmount).Mul(decimal.NewFromInt(100)).Round(4),
				Status:        legStatus,
			}
			if legStatus == model.RecipientConfirmed {
				leg.ConfirmedAt = &now
			}
			legs = append(legs, leg)
		}
		if err := c.repo.CreateRecipients(ctx, tx, legs); err != nil {
			return err
		}

		split.Anchor = anchor
		for _, leg := range legs {
			split.Recipients = append(split.Recipients, *leg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if req.RequireConfirm {
		for _, leg := range split.Recipients {
			c.notifier.Notify(ctx, leg.UserID, "rateio.confirmation_requested", map[string]interface{}{
				"recipient_id": leg.ID,
				"amount":       leg.Amount.String(),
				"currency":     req.Currency,
			})
		}
		return split, nil
	}
	if err := c.dispatch(ctx, split.Anchor); err != nil {
		return nil, err
	}
	return c.reload(ctx, split.Anchor.ID)
}

// Confirm records one recipient's consent. When the last pending leg leaves
// PENDING the batch is dispatched (immediately or on its schedule).
func (c *Coordinator) Confirm(ctx context.Context, recipientID, userID uint64) error {
	return c.settleConfirmation(ctx, recipientID, userID, model.RecipientConfirmed)
}

// Decline records one recipient's refusal; the declined leg is never paid.
func (c *Coordinator) Decline(ctx context.Context, recipientID, userID uint64) error {
	return c.settleConfirmation(ctx, recipientID, userID, model.RecipientDeclined)
}

func (c *Coordinator) settleConfirmation(ctx context.Context, recipientID, userID uint64, to model.RecipientStatus) error {
	var parentID uint64
	err := c.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		leg, err := c.repo.GetRecipientForUpdate(ctx, tx, recipientID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: recipient %d", ledger.ErrNotFound, recipientID)
			}
			return err
		}
		if leg.UserID != userID {
			return fmt.Errorf("%w: recipient %d does not belong to user %d", ledger.ErrUnauthorized, recipientID, userID)
		}
		if leg.Status != model.RecipientPending {
			return fmt.Errorf("%w: recipient %d is %s", ErrNotProcessable, recipientID, leg.Status)
		}
		now := time.Now()
		leg.Status = to
		leg.ConfirmedAt = &now
		parentID = leg.TransactionID
		return c.repo.UpdateRecipient(ctx, tx, leg)
	})
	if err != nil {
		return err
	}

	legs, err := c.repo.ListRecipients(ctx, parentID)
	if err != nil {
		return err
	}
	for _, l := range legs {
		if l.Status == model.RecipientPending {
			return nil // still waiting on someone
		}
	}
	anchor, err := c.repo.GetTransaction(ctx, parentID)
	if err != nil {
		return err
	}
	return c.dispatch(ctx, anchor)
}

// dispatch routes a fully gated batch: future schedule → job queue, else
// process now.
func (c *Coordinator) dispatch(ctx context.Context, anchor *model.Transaction) error {
	if anchor.ScheduledAt != nil {
		if delay := time.Until(*anchor.ScheduledAt); delay > 0 {
			return c.queue.Enqueue(ctx, jobs.JobRateioProcess,
				map[string]uint64{"transaction_id": anchor.ID}, delay)
		}
	}
	return c.Process(ctx, anchor.ID)
}

// processPayload is the job-queue envelope for deferred batches.
type processPayload struct {
	TransactionID uint64 `json:"transaction_id"`
}

// HandleJob adapts Process to the job queue.
func (c *Coordinator) HandleJob(ctx context.Context, payload []byte) error {
	var p processPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	return c.Process(ctx, p.TransactionID)
}

// Process settles every confirmed leg with one independent ledger transfer
// each, concurrently; a leg's failure is recorded on the leg, never raised.
// The aggregate status is then derived: COMPLETED iff every leg paid,
// FAILED iff every leg failed, PARTIAL otherwise.
func (c *Coordinator) Process(ctx context.Context, parentID uint64) error {
	anchor, err := c.repo.GetTransaction(ctx, parentID)
	if err != nil {
		return err
	}
	if anchor.Kind != model.KindRateio || anchor.Status.Terminal() {
		return fmt.Errorf("%w: transaction %d", ErrNotProcessable, parentID)
	}
	if err := c.repo.UpdateTransactionStatus(ctx, c.repo.DB(ctx), anchor.ID, model.TxProcessing, nil); err != nil {
		return err
	}

	legs, err := c.repo.ListRecipients(ctx, parentID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range legs {
		leg := &legs[i]
		if leg.Status != model.RecipientConfirmed {
			continue
		}
		g.Go(func() error {
			return c.settleLeg(gctx, anchor, leg)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return c.finalize(ctx, anchor, parentID)
}

// settleLeg claims the leg CONFIRMED→PROCESSING under its row lock, then
// runs one transfer and records the outcome on the leg. A redelivered or
// overlapping job loses the claim and skips the leg, so each leg is paid at
// most once. Only a failure to record the outcome propagates; transfer
// failures are data.
func (c *Coordinator) settleLeg(ctx context.Context, anchor *model.Transaction, leg *model.RateioRecipient) error {
	claimed := false
	err := c.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := c.repo.GetRecipientForUpdate(ctx, tx, leg.ID)
		if err != nil {
			return err
		}
		if locked.Status != model.RecipientConfirmed {
			return nil
		}
		locked.Status = model.RecipientProcessing
		if err := c.repo.UpdateRecipient(ctx, tx, locked); err != nil {
			return err
		}
		*leg = *locked
		claimed = true
		return nil
	})
	if err != nil || !claimed {
		return err
	}

	rec, err := c.engine.Execute(ctx, ledger.Request{
		Kind:           model.KindTransfer,
		Amount:         leg.Amount,
		Currency:       anchor.Currency,
		Description:    anchor.Description,
		SourceWalletID: anchor.SourceWalletID,
		SourceUserID:   anchor.SourceUserID,
		DestWalletID:   &leg.WalletID,
		DestUserID:     &leg.UserID,
		Metadata:       map[string]interface{}{"rateio_id": anchor.ID, "recipient_id": leg.ID},
		IdempotencyKey: fmt.Sprintf("rateio:%d:leg:%d", anchor.ID, leg.ID),
		Preauthorized:  true,
	})
	switch {
	case err != nil:
		reason := err.Error()
		leg.Status = model.RecipientFailed
		leg.FailReason = &reason
		c.log.Warnw("rateio leg rejected", "recipient", leg.ID, "err", err)
	case rec.Status != model.TxCompleted:
		reason := "transfer finalized " + string(rec.Status)
		leg.Status = model.RecipientFailed
		leg.FailReason = &reason
		leg.TransferRef = &rec.Reference
	default:
		leg.Status = model.RecipientPaid
		leg.TransferRef = &rec.Reference
		c.notifier.Notify(ctx, leg.UserID, "rateio.leg_paid", map[string]interface{}{
			"recipient_id": leg.ID,
			"reference":    rec.Reference,
		})
	}
	return c.repo.UpdateRecipient(ctx, c.repo.DB(ctx), leg)
}

// finalize recomputes the aggregate status and writes it together with its
// outbox event in one unit.
func (c *Coordinator) finalize(ctx context.Context, anchor *model.Transaction, parentID uint64) error {
	legs, err := c.repo.ListRecipients(ctx, parentID)
	if err != nil {
		return err
	}
	status := deriveStatus(legs)

	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now()
		completedAt = &now
	}
	payload, _ := json.Marshal(map[string]interface{}{"transaction_id": parentID, "status": status})
	return c.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.repo.UpdateTransactionStatus(ctx, tx, parentID, status, completedAt); err != nil {
			return err
		}
		return c.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "Rateio", AggregateID: parentID,
			EventType: model.EventRateioSettled, Payload: string(payload),
		})
	})
}

// deriveStatus folds the leg statuses into the aggregate one.
func deriveStatus(legs []model.RateioRecipient) model.TxStatus {
	paid, failed, declined := 0, 0, 0
	for _, l := range legs {
		switch l.Status {
		case model.RecipientPaid:
			paid++
		case model.RecipientFailed:
			failed++
		case model.RecipientDeclined, model.RecipientCancelled:
			declined++
		}
	}
	switch {
	case paid == len(legs):
		return model.TxCompleted
	case failed == len(legs):
		return model.TxFailed
	case declined == len(legs):
		return model.TxCancelled
	default:
		return model.TxPartial
	}
}

// Get returns the split with its current leg statuses.
func (c *Coordinator) Get(ctx context.Context, parentID uint64) (*Split, error) {
	return c.reload(ctx, parentID)
}

func (c *Coordinator) reload(ctx context.Context, parentID uint64) (*Split, error) {
	anchor, err := c.repo.GetTransaction(ctx, parentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: transaction %d", ledger.ErrNotFound, parentID)
		}
		return nil, err
	}
	legs, err := c.repo.ListRecipients(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return &Split{Anchor: anchor, Recipients: legs}, nil
}

// validate applies the split preconditions before anything is persisted.
func (c *Coordinator) validate(req *CreateRequest) error {
	if req.TotalAmount.LessThanOrEqual(decimal.Zero) {
		return &ledger.ValidationError{Field: "total_amount", Reason: "must be positive"}
	}
	if !req.Currency.Supported() {
		return &ledger.ValidationError{Field: "currency", Reason: "unsupported currency code"}
	}
	if req.Description == "" {
		return &ledger.ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if len(req.Legs) == 0 {
		return &ledger.ValidationError{Field: "legs", Reason: "at least one recipient required"}
	}

	seen := make(map[uint64]bool, len(req.Legs))
	sum := decimal.Zero
	for _, l := range req.Legs {
		if l.Amount.LessThanOrEqual(decimal.Zero) {
			return &ledger.ValidationError{Field: "legs", Reason: "leg amounts must be positive"}
		}
		if l.WalletID == req.SourceWalletID {
			return &ledger.ValidationError{Field: "legs", Reason: "recipient cannot be the source wallet"}
		}
		if seen[l.WalletID] {
			return fmt.Errorf("%w: wallet %d", ErrDuplicateRecipient, l.WalletID)
		}
		seen[l.WalletID] = true
		sum = sum.Add(l.Amount)
	}
	if sum.Sub(req.TotalAmount).Abs().GreaterThan(sumTolerance) {
		return fmt.Errorf("%w: legs %s vs total %s", ErrSumMismatch, sum, req.TotalAmount)
	}
	return nil
}
