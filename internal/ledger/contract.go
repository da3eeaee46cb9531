package ledger

import "github.com/kumbupay/ledger-service/internal/model"

// Contract states which request fields a transaction kind requires; any
// field outside the contract is forbidden and rejected by validation.
type Contract struct {
	// Summary is a human-readable description of the kind.
	Summary string
	// NeedsSource requires sourceWalletID and sourceUserID.
	NeedsSource bool
	// NeedsDest requires a destination wallet (id or, if AllowsAlias, alias).
	NeedsDest bool
	// NeedsPIN requires the source owner's PIN on non-preauthorized requests.
	NeedsPIN bool
	// AllowsAlias permits addressing the destination by contact alias.
	AllowsAlias bool
	// SelfAllowed permits source and destination to be the same wallet
	// (only the RATEIO aggregation anchor).
	SelfAllowed bool
}

// ContractFor returns the field contract for k. The switch is exhaustive
// over the closed kind set; unknown kinds report ok=false.
func ContractFor(k model.TxKind) (Contract, bool) {
	switch k {
	case model.KindDeposit:
		return Contract{
			Summary:   "credit into a wallet from an external source",
			NeedsDest: true,
		}, true
	case model.KindWithdrawal:
		return Contract{
			Summary:     "debit from a wallet to an external destination",
			NeedsSource: true,
			NeedsPIN:    true,
		}, true
	case model.KindTransfer:
		return Contract{
			Summary:     "wallet to wallet transfer",
			NeedsSource: true,
			NeedsDest:   true,
			NeedsPIN:    true,
			AllowsAlias: true,
		}, true
	case model.KindPayment:
		return Contract{
			Summary:     "service or merchant payment",
			NeedsSource: true,
			NeedsDest:   true,
			NeedsPIN:    true,
		}, true
	case model.KindSmartContract:
		return Contract{
			Summary:     "conditional transfer settled on contract terms",
			NeedsSource: true,
			NeedsDest:   true,
			NeedsPIN:    true,
		}, true
	case model.KindRateio:
		return Contract{
			Summary:     "split payment aggregation anchor",
			NeedsSource: true,
			NeedsDest:   true,
			SelfAllowed: true,
		}, true
	}
	return Contract{}, false
}
