package ledger

import (
	"encoding/json"
	"time"

	"github.com/kumbupay/ledger-service/internal/model"
	"github.com/shopspring/decimal"
)

// Request is a transaction submission. Exactly one of DestWalletID and
// DestAlias may be set when the kind allows alias addressing.
type Request struct {
	Kind        model.TxKind
	Amount      decimal.Decimal
	Currency    model.Currency
	Description string

	SourceWalletID *uint64
	SourceUserID   *uint64
	DestWalletID   *uint64
	DestUserID     *uint64
	DestAlias      string

	PIN      string
	Metadata map[string]interface{}

	// IdempotencyKey replays the transaction previously finalized under the
	// same key instead of moving money again.
	IdempotencyKey string

	// Preauthorized skips the PIN check. Set only by in-process
	// coordinators that already verified the credential; transport
	// adapters must never bind it from client input.
	Preauthorized bool
}

// Record is the finalized view of a transaction returned to callers.
type Record struct {
	ID             uint64                 `json:"id"`
	Reference      string                 `json:"reference"`
	Kind           model.TxKind           `json:"kind"`
	Amount         decimal.Decimal        `json:"amount"`
	Currency       model.Currency         `json:"currency"`
	Description    string                 `json:"description"`
	Status         model.TxStatus         `json:"status"`
	SourceWalletID *uint64                `json:"source_wallet_id,omitempty"`
	DestWalletID   *uint64                `json:"destination_wallet_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// newRecord maps the persisted row onto the response shape.
func newRecord(t *model.Transaction) *Record {
	var meta map[string]interface{}
	if t.Metadata != "" {
		_ = json.Unmarshal([]byte(t.Metadata), &meta)
	}
	return &Record{
		ID:             t.ID,
		Reference:      t.Reference,
		Kind:           t.Kind,
		Amount:         t.Amount,
		Currency:       t.Currency,
		Description:    t.Description,
		Status:         t.Status,
		SourceWalletID: t.SourceWalletID,
		DestWalletID:   t.DestWalletID,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		Metadata:       meta,
	}
}
