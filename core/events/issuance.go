package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"matrixcore/core/types"
)

const (
	TypeIssueCompleted  = "issuance.issue_completed"
	TypeRedeemCompleted = "issuance.redeem_completed"
)

// IssueCompleted is emitted after an issuance settles in full.
type IssueCompleted struct {
	Token               common.Address
	Caller              common.Address
	To                  common.Address
	HookAddress         common.Address
	Quantity            *big.Int
	FeeQuantity         *big.Int
	ProtocolFeeQuantity *big.Int
}

func (IssueCompleted) EventType() string { return TypeIssueCompleted }

func (e IssueCompleted) Event() *types.Event {
	return types.NewEvent(TypeIssueCompleted, map[string]string{
		"token":       e.Token.Hex(),
		"caller":      e.Caller.Hex(),
		"to":          e.To.Hex(),
		"hook":        e.HookAddress.Hex(),
		"quantity":    formatAmount(e.Quantity),
		"feeQuantity": formatAmount(e.FeeQuantity),
		"protocolFee": formatAmount(e.ProtocolFeeQuantity),
	})
}

// RedeemCompleted is emitted after a redemption settles in full.
type RedeemCompleted struct {
	Token               common.Address
	Caller              common.Address
	To                  common.Address
	Quantity            *big.Int
	FeeQuantity         *big.Int
	ProtocolFeeQuantity *big.Int
}

func (RedeemCompleted) EventType() string { return TypeRedeemCompleted }

func (e RedeemCompleted) Event() *types.Event {
	return types.NewEvent(TypeRedeemCompleted, map[string]string{
		"token":       e.Token.Hex(),
		"caller":      e.Caller.Hex(),
		"to":          e.To.Hex(),
		"quantity":    formatAmount(e.Quantity),
		"feeQuantity": formatAmount(e.FeeQuantity),
		"protocolFee": formatAmount(e.ProtocolFeeQuantity),
	})
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
