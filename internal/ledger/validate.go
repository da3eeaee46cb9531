package ledger

import (
	"github.com/shopspring/decimal"
)

const minPINLength = 4

// Validate runs the static phase-1 checks over req in rule order and stops
// at the first failure. Wallet existence, ownership, PIN match and balance
// sufficiency belong to phase 2, re-checked inside the atomic unit.
func Validate(req *Request) error {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !req.Currency.Supported() {
		return &ValidationError{Field: "currency", Reason: "unsupported currency code"}
	}
	c, ok := ContractFor(req.Kind)
	if !ok {
		return &ValidationError{Field: "kind", Reason: "unsupported type"}
	}

	if c.NeedsSource {
		if req.SourceWalletID == nil {
			return &ValidationError{Field: "source_wallet_id", Reason: "required for " + string(req.Kind)}
		}
		if req.SourceUserID == nil {
			return &ValidationError{Field: "source_user_id", Reason: "required for " + string(req.Kind)}
		}
	} else {
		if req.SourceWalletID != nil || req.SourceUserID != nil {
			return &ValidationError{Field: "source_wallet_id", Reason: "forbidden for " + string(req.Kind)}
		}
		if req.PIN != "" {
			return &ValidationError{Field: "pin", Reason: "forbidden for " + string(req.Kind)}
		}
	}

	if c.NeedsDest {
		hasWallet := req.DestWalletID != nil
		hasAlias := req.DestAlias != ""
		switch {
		case !hasWallet && !hasAlias:
			return &ValidationError{Field: "destination_wallet_id", Reason: "required for " + string(req.Kind)}
		case hasWallet && hasAlias:
			return &ValidationError{Field: "destination_alias", Reason: "wallet id and alias are mutually exclusive"}
		case hasAlias && !c.AllowsAlias:
			return &ValidationError{Field: "destination_alias", Reason: "alias addressing not allowed for " + string(req.Kind)}
		}
	} else {
		if req.DestWalletID != nil || req.DestAlias != "" {
			return &ValidationError{Field: "destination_wallet_id", Reason: "forbidden for " + string(req.Kind)}
		}
	}

	if req.Description == "" {
		return &ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if c.NeedsPIN && !req.Preauthorized && len(req.PIN) < minPINLength {
		return &ValidationError{Field: "pin", Reason: "too short"}
	}

	if !c.SelfAllowed && req.SourceWalletID != nil && req.DestWalletID != nil &&
		*req.SourceWalletID == *req.DestWalletID {
		return &ValidationError{Field: "destination_wallet_id", Reason: "source and destination must differ"}
	}
	return nil
}
