package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ModuleState tracks the lifecycle of a module registered on a structured
// token. Modules move from None to Pending when the manager adds them and to
// Initialized once the module completes its own setup.
type ModuleState uint8

const (
	ModuleStateNone ModuleState = iota
	ModuleStatePending
	ModuleStateInitialized
)

// ExternalPosition records a component claim or obligation tracked by a
// registered module rather than held in the token's own custody. A negative
// unit represents debt owed by the token.
type ExternalPosition struct {
	// Unit is the signed fixed-point amount of the component attributed per
	// unit of token supply, before multiplier adjustment.
	Unit *big.Int
	// Data is an opaque blob owned by the tracking module.
	Data []byte
}

// Position aggregates the default and external holdings of a single component
// on a structured token.
type Position struct {
	// DefaultUnit is the signed fixed-point amount per unit of supply held
	// directly in the token's custody.
	DefaultUnit *big.Int
	// External maps a module address to the external position it tracks for
	// this component.
	External map[common.Address]*ExternalPosition
	// ExternalModules preserves the order in which modules first touched this
	// component.
	ExternalModules []common.Address
}

// StructuredToken is the tokenized portfolio tracked by the accounting core.
// Position units are expressed per unit of supply; the position multiplier
// applies cumulative streaming-fee dilution at read time.
type StructuredToken struct {
	Address common.Address
	Name    string
	Symbol  string
	Manager common.Address
	// TotalSupply is the outstanding share supply in 18-decimal fixed point.
	TotalSupply *big.Int
	// PositionMultiplier starts at the precise unit and only shrinks as
	// streaming fees accrue.
	PositionMultiplier *big.Int
	// Components lists tracked component addresses in registration order.
	Components []common.Address
	Positions  map[common.Address]*Position
	// Modules records the lifecycle state of every module known to the token.
	Modules map[common.Address]ModuleState
	// Locked guards against re-entrant settlement calls.
	Locked bool
	// Balances holds the per-holder share balances of the token itself.
	Balances map[common.Address]*big.Int
}

// NewStructuredToken returns an empty token with supply zero and the position
// multiplier set to the supplied precise unit.
func NewStructuredToken(addr, manager common.Address, name, symbol string, preciseUnit *big.Int) *StructuredToken {
	return &StructuredToken{
		Address:            addr,
		Name:               name,
		Symbol:             symbol,
		Manager:            manager,
		TotalSupply:        big.NewInt(0),
		PositionMultiplier: new(big.Int).Set(preciseUnit),
		Positions:          make(map[common.Address]*Position),
		Modules:            make(map[common.Address]ModuleState),
		Balances:           make(map[common.Address]*big.Int),
	}
}

// IsComponent reports whether the component is currently tracked.
func (t *StructuredToken) IsComponent(component common.Address) bool {
	if t == nil {
		return false
	}
	for _, c := range t.Components {
		if c == component {
			return true
		}
	}
	return false
}

// PositionOf returns the tracked position for the component, or nil when the
// component has never been referenced.
func (t *StructuredToken) PositionOf(component common.Address) *Position {
	if t == nil || t.Positions == nil {
		return nil
	}
	return t.Positions[component]
}

// Clone returns a deep copy so callers can mutate freely without aliasing the
// stored token.
func (t *StructuredToken) Clone() *StructuredToken {
	if t == nil {
		return nil
	}
	clone := &StructuredToken{
		Address: t.Address,
		Name:    t.Name,
		Symbol:  t.Symbol,
		Manager: t.Manager,
		Locked:  t.Locked,
	}
	if t.TotalSupply != nil {
		clone.TotalSupply = new(big.Int).Set(t.TotalSupply)
	}
	if t.PositionMultiplier != nil {
		clone.PositionMultiplier = new(big.Int).Set(t.PositionMultiplier)
	}
	clone.Components = append([]common.Address(nil), t.Components...)
	clone.Positions = make(map[common.Address]*Position, len(t.Positions))
	for component, position := range t.Positions {
		clone.Positions[component] = position.Clone()
	}
	clone.Modules = make(map[common.Address]ModuleState, len(t.Modules))
	for module, state := range t.Modules {
		clone.Modules[module] = state
	}
	clone.Balances = make(map[common.Address]*big.Int, len(t.Balances))
	for holder, balance := range t.Balances {
		if balance != nil {
			clone.Balances[holder] = new(big.Int).Set(balance)
		}
	}
	return clone
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{
		ExternalModules: append([]common.Address(nil), p.ExternalModules...),
		External:        make(map[common.Address]*ExternalPosition, len(p.External)),
	}
	if p.DefaultUnit != nil {
		clone.DefaultUnit = new(big.Int).Set(p.DefaultUnit)
	}
	for module, external := range p.External {
		clone.External[module] = external.Clone()
	}
	return clone
}

// Clone returns a deep copy of the external position.
func (e *ExternalPosition) Clone() *ExternalPosition {
	if e == nil {
		return nil
	}
	clone := &ExternalPosition{Data: append([]byte(nil), e.Data...)}
	if e.Unit != nil {
		clone.Unit = new(big.Int).Set(e.Unit)
	}
	return clone
}
