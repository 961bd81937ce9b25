// Package positions maintains per-token component accounting: default units
// held in the token's own custody and external units tracked by registered
// modules. Stored units are per unit of supply; real units apply the token's
// position multiplier at read time.
package positions

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"matrixcore/core/types"
	"matrixcore/native/fixedpoint"
)

var (
	errNilState      = errors.New("position ledger: state not configured")
	ErrInvalidModule = errors.New("position ledger: module not authorized for token")
)

// State is the subset of store functionality the ledger needs.
type State interface {
	ModuleState(token, module common.Address) (types.ModuleState, error)
	PositionMultiplier(token common.Address) (*big.Int, error)
	Components(token common.Address) ([]common.Address, error)
	AddComponent(token, component common.Address) error
	RemoveComponent(token, component common.Address) error
	DefaultPositionUnit(token, component common.Address) (*big.Int, error)
	SetDefaultPositionUnit(token, component common.Address, unit *big.Int) error
	ExternalPositionModules(token, component common.Address) ([]common.Address, error)
	ExternalPositionUnit(token, component, module common.Address) (*big.Int, error)
	ExternalPositionData(token, component, module common.Address) ([]byte, error)
	SetExternalPosition(token, component, module common.Address, unit *big.Int, data []byte) error
	RemoveExternalPosition(token, component, module common.Address) error
}

// Ledger applies position edits with component-set bookkeeping and exposes
// multiplier-adjusted reads.
type Ledger struct {
	state State
}

// NewLedger constructs an unwired ledger.
func NewLedger() *Ledger { return &Ledger{} }

// SetState wires the ledger to the backing store.
func (l *Ledger) SetState(state State) { l.state = state }

func (l *Ledger) authorize(token, module common.Address) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	st, err := l.state.ModuleState(token, module)
	if err != nil {
		return err
	}
	if st != types.ModuleStateInitialized {
		return ErrInvalidModule
	}
	return nil
}

// DefaultUnit returns the stored default unit for the component.
func (l *Ledger) DefaultUnit(token, component common.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.DefaultPositionUnit(token, component)
}

// ExternalUnit returns the stored unit tracked by the module.
func (l *Ledger) ExternalUnit(token, component, module common.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.ExternalPositionUnit(token, component, module)
}

// ExternalData returns the opaque blob tracked by the module.
func (l *Ledger) ExternalData(token, component, module common.Address) ([]byte, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.ExternalPositionData(token, component, module)
}

// DefaultRealUnit returns the default unit scaled by the current position
// multiplier.
func (l *Ledger) DefaultRealUnit(token, component common.Address) (*big.Int, error) {
	unit, err := l.DefaultUnit(token, component)
	if err != nil {
		return nil, err
	}
	return l.applyMultiplier(token, unit)
}

// ExternalRealUnit returns the module-tracked unit scaled by the current
// position multiplier.
func (l *Ledger) ExternalRealUnit(token, component, module common.Address) (*big.Int, error) {
	unit, err := l.ExternalUnit(token, component, module)
	if err != nil {
		return nil, err
	}
	return l.applyMultiplier(token, unit)
}

func (l *Ledger) applyMultiplier(token common.Address, unit *big.Int) (*big.Int, error) {
	multiplier, err := l.state.PositionMultiplier(token)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Mul(unit, multiplier)
}

// Components returns the tracked component list in registration order.
func (l *Ledger) Components(token common.Address) ([]common.Address, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.Components(token)
}

// ExternalModules lists the modules tracking external positions for the
// component.
func (l *Ledger) ExternalModules(token, component common.Address) ([]common.Address, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.ExternalPositionModules(token, component)
}

// EditDefaultUnit stores a new default unit for the component. The component
// joins the tracked set when the unit becomes nonzero and leaves it once both
// the default unit and every external unit are zero.
func (l *Ledger) EditDefaultUnit(module, token, component common.Address, newUnit *big.Int) error {
	if err := l.authorize(token, module); err != nil {
		return err
	}
	if newUnit == nil {
		newUnit = big.NewInt(0)
	}
	if err := fixedpoint.CheckBounds(newUnit); err != nil {
		return err
	}
	if err := l.state.SetDefaultPositionUnit(token, component, newUnit); err != nil {
		return err
	}
	if newUnit.Sign() != 0 {
		return l.ensureTracked(token, component)
	}
	return l.pruneIfEmpty(token, component)
}

// EditExternalUnit stores the unit and data tracked by the target module for
// the component. A zero unit removes the module's entry; the component itself
// is pruned once no default or external units remain.
func (l *Ledger) EditExternalUnit(caller, token, component, module common.Address, newUnit *big.Int, data []byte) error {
	if err := l.authorize(token, caller); err != nil {
		return err
	}
	if newUnit == nil {
		newUnit = big.NewInt(0)
	}
	if err := fixedpoint.CheckBounds(newUnit); err != nil {
		return err
	}
	if newUnit.Sign() != 0 {
		if err := l.ensureTracked(token, component); err != nil {
			return err
		}
		return l.state.SetExternalPosition(token, component, module, newUnit, data)
	}
	if err := l.state.RemoveExternalPosition(token, component, module); err != nil {
		return err
	}
	return l.pruneIfEmpty(token, component)
}

func (l *Ledger) ensureTracked(token, component common.Address) error {
	components, err := l.state.Components(token)
	if err != nil {
		return err
	}
	for _, c := range components {
		if c == component {
			return nil
		}
	}
	return l.state.AddComponent(token, component)
}

func (l *Ledger) pruneIfEmpty(token, component common.Address) error {
	defaultUnit, err := l.state.DefaultPositionUnit(token, component)
	if err != nil {
		return err
	}
	if defaultUnit.Sign() != 0 {
		return nil
	}
	modules, err := l.state.ExternalPositionModules(token, component)
	if err != nil {
		return err
	}
	if len(modules) > 0 {
		return nil
	}
	components, err := l.state.Components(token)
	if err != nil {
		return err
	}
	for _, c := range components {
		if c == component {
			return l.state.RemoveComponent(token, component)
		}
	}
	return nil
}
