package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"matrixcore/core/types"
)

const (
	TypeComponentWrapped   = "components.wrapped"
	TypeComponentUnwrapped = "components.unwrapped"
	TypeComponentStaked    = "components.staked"
	TypeComponentUnstaked  = "components.unstaked"
)

// ComponentWrapped is emitted when a default position is converted into its
// wrapped form through an adapter.
type ComponentWrapped struct {
	Token            common.Address
	Underlying       common.Address
	Wrapped          common.Address
	UnderlyingAmount *big.Int
	WrappedAmount    *big.Int
	Adapter          string
}

func (ComponentWrapped) EventType() string { return TypeComponentWrapped }

func (e ComponentWrapped) Event() *types.Event {
	return types.NewEvent(TypeComponentWrapped, map[string]string{
		"token":            e.Token.Hex(),
		"underlying":       e.Underlying.Hex(),
		"wrapped":          e.Wrapped.Hex(),
		"underlyingAmount": formatAmount(e.UnderlyingAmount),
		"wrappedAmount":    formatAmount(e.WrappedAmount),
		"adapter":          e.Adapter,
	})
}

// ComponentUnwrapped is emitted when a wrapped position is converted back to
// its underlying form.
type ComponentUnwrapped struct {
	Token            common.Address
	Underlying       common.Address
	Wrapped          common.Address
	UnderlyingAmount *big.Int
	WrappedAmount    *big.Int
	Adapter          string
}

func (ComponentUnwrapped) EventType() string { return TypeComponentUnwrapped }

func (e ComponentUnwrapped) Event() *types.Event {
	return types.NewEvent(TypeComponentUnwrapped, map[string]string{
		"token":            e.Token.Hex(),
		"underlying":       e.Underlying.Hex(),
		"wrapped":          e.Wrapped.Hex(),
		"underlyingAmount": formatAmount(e.UnderlyingAmount),
		"wrappedAmount":    formatAmount(e.WrappedAmount),
		"adapter":          e.Adapter,
	})
}

// ComponentStaked is emitted when default units move into an adapter-held
// external position.
type ComponentStaked struct {
	Token     common.Address
	Component common.Address
	Amount    *big.Int
	Module    common.Address
	Adapter   string
}

func (ComponentStaked) EventType() string { return TypeComponentStaked }

func (e ComponentStaked) Event() *types.Event {
	return types.NewEvent(TypeComponentStaked, map[string]string{
		"token":     e.Token.Hex(),
		"component": e.Component.Hex(),
		"amount":    formatAmount(e.Amount),
		"module":    e.Module.Hex(),
		"adapter":   e.Adapter,
	})
}

// ComponentUnstaked is emitted when staked units return to the default
// position.
type ComponentUnstaked struct {
	Token     common.Address
	Component common.Address
	Amount    *big.Int
	Module    common.Address
	Adapter   string
}

func (ComponentUnstaked) EventType() string { return TypeComponentUnstaked }

func (e ComponentUnstaked) Event() *types.Event {
	return types.NewEvent(TypeComponentUnstaked, map[string]string{
		"token":     e.Token.Hex(),
		"component": e.Component.Hex(),
		"amount":    formatAmount(e.Amount),
		"module":    e.Module.Hex(),
		"adapter":   e.Adapter,
	})
}
