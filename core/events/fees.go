package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"matrixcore/core/types"
)

const (
	TypeFeeActualized       = "fees.actualized"
	TypeStreamingFeeUpdated = "fees.streaming_updated"
	TypeFeeRecipientUpdated = "fees.recipient_updated"
)

// FeeActualized is emitted on every fee actualization, including the zero
// amount no-op path that only advances the accrual timestamp.
type FeeActualized struct {
	Token             common.Address
	ManagerRecipient  common.Address
	ManagerFeeAmount  *big.Int
	ProtocolRecipient common.Address
	ProtocolFeeAmount *big.Int
}

func (FeeActualized) EventType() string { return TypeFeeActualized }

func (e FeeActualized) Event() *types.Event {
	return types.NewEvent(TypeFeeActualized, map[string]string{
		"token":             e.Token.Hex(),
		"managerRecipient":  e.ManagerRecipient.Hex(),
		"managerFee":        formatAmount(e.ManagerFeeAmount),
		"protocolRecipient": e.ProtocolRecipient.Hex(),
		"protocolFee":       formatAmount(e.ProtocolFeeAmount),
	})
}

// StreamingFeeUpdated is emitted when the manager changes the active fee.
type StreamingFeeUpdated struct {
	Token  common.Address
	OldFee *big.Int
	NewFee *big.Int
}

func (StreamingFeeUpdated) EventType() string { return TypeStreamingFeeUpdated }

func (e StreamingFeeUpdated) Event() *types.Event {
	return types.NewEvent(TypeStreamingFeeUpdated, map[string]string{
		"token":  e.Token.Hex(),
		"oldFee": formatAmount(e.OldFee),
		"newFee": formatAmount(e.NewFee),
	})
}

// FeeRecipientUpdated is emitted when the manager rotates the fee recipient.
type FeeRecipientUpdated struct {
	Token        common.Address
	OldRecipient common.Address
	NewRecipient common.Address
}

func (FeeRecipientUpdated) EventType() string { return TypeFeeRecipientUpdated }

func (e FeeRecipientUpdated) Event() *types.Event {
	return types.NewEvent(TypeFeeRecipientUpdated, map[string]string{
		"token":        e.Token.Hex(),
		"oldRecipient": e.OldRecipient.Hex(),
		"newRecipient": e.NewRecipient.Hex(),
	})
}
