// Package staking moves default position units into external positions held
// at adapter pools. Staked units stay on the token's ledger as positive
// external positions governed by this module; the custody balance moves to
// the adapter's pool address.
package staking

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"matrixcore/core/events"
	"matrixcore/core/types"
	"matrixcore/native/fixedpoint"
	"matrixcore/native/positions"
)

var (
	errNilState             = errors.New("stake module: state not configured")
	ErrTokenNotEnabled      = errors.New("stake module: token not enabled")
	ErrCallerNotManager     = errors.New("stake module: caller is not the token manager")
	ErrModuleNotPending     = errors.New("stake module: module not pending on token")
	ErrModuleNotInitialized = errors.New("stake module: module not initialized on token")
	ErrUnknownAdapter       = errors.New("stake module: adapter not registered")
	ErrZeroUnits            = errors.New("stake module: units must be positive")
	ErrInsufficientUnits    = errors.New("stake module: position holds fewer units than requested")
)

// Adapter names a staking pool. The pool address holds the staked custody.
type Adapter interface {
	Name() string
	Address() common.Address
}

// Controller is the authorization surface the module needs.
type Controller interface {
	IsTokenEnabled(token common.Address) bool
}

// State is the store subset the module mutates.
type State interface {
	Manager(token common.Address) (common.Address, error)
	ModuleState(token, module common.Address) (types.ModuleState, error)
	SetModuleState(token, module common.Address, st types.ModuleState) error
	TotalSupply(token common.Address) (*big.Int, error)
	PositionMultiplier(token common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *uint256.Int) error
	LockToken(token common.Address) error
	UnlockToken(token common.Address) error
	Snapshot() int
	RevertToSnapshot(id int) error
	DiscardSnapshot(id int) error
}

// Module stakes and unstakes default positions for tokens it is initialized
// on.
type Module struct {
	address    common.Address
	controller Controller
	state      State
	ledger     *positions.Ledger
	emitter    events.Emitter
	adapters   map[string]Adapter
}

// NewModule constructs the stake module with a no-op emitter.
func NewModule(address common.Address, controller Controller) *Module {
	return &Module{
		address:    address,
		controller: controller,
		emitter:    events.NoopEmitter{},
		adapters:   make(map[string]Adapter),
	}
}

// Address returns the module's protocol address.
func (m *Module) Address() common.Address { return m.address }

// SetState wires the module to the backing store.
func (m *Module) SetState(state State) { m.state = state }

// SetLedger wires the position ledger used for unit edits.
func (m *Module) SetLedger(ledger *positions.Ledger) { m.ledger = ledger }

// SetEmitter overrides the event sink. Passing nil resets to a no-op emitter.
func (m *Module) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.emitter = emitter
}

// RegisterAdapter makes the staking pool available under its name.
func (m *Module) RegisterAdapter(adapter Adapter) error {
	if adapter == nil || adapter.Name() == "" {
		return ErrUnknownAdapter
	}
	m.adapters[adapter.Name()] = adapter
	return nil
}

func (m *Module) requireManager(token, caller common.Address) error {
	manager, err := m.state.Manager(token)
	if err != nil {
		return err
	}
	if manager != caller {
		return ErrCallerNotManager
	}
	return nil
}

// Initialize activates the module on a token previously set to pending.
func (m *Module) Initialize(caller, token common.Address) error {
	if m == nil || m.state == nil {
		return errNilState
	}
	if !m.controller.IsTokenEnabled(token) {
		return ErrTokenNotEnabled
	}
	if err := m.requireManager(token, caller); err != nil {
		return err
	}
	st, err := m.state.ModuleState(token, m.address)
	if err != nil {
		return err
	}
	if st != types.ModuleStatePending {
		return ErrModuleNotPending
	}
	return m.state.SetModuleState(token, m.address, types.ModuleStateInitialized)
}

// Remove detaches the module from the token. Every staked position must have
// been unstaked first; lingering external units would strand custody at the
// pools.
func (m *Module) Remove(caller, token common.Address) error {
	if m == nil || m.state == nil {
		return errNilState
	}
	if err := m.requireManager(token, caller); err != nil {
		return err
	}
	st, err := m.state.ModuleState(token, m.address)
	if err != nil {
		return err
	}
	if st != types.ModuleStateInitialized {
		return ErrModuleNotInitialized
	}
	components, err := m.ledger.Components(token)
	if err != nil {
		return err
	}
	for _, component := range components {
		unit, err := m.ledger.ExternalUnit(token, component, m.address)
		if err != nil {
			return err
		}
		if unit.Sign() != 0 {
			return ErrInsufficientUnits
		}
	}
	return m.state.SetModuleState(token, m.address, types.ModuleStateNone)
}

// Stake moves stored default units of the component into this module's
// external position and parks the matching custody at the adapter's pool.
func (m *Module) Stake(caller, token, component common.Address, units *big.Int, adapterName string) error {
	return m.move(caller, token, component, units, adapterName, true)
}

// Unstake returns staked units to the default position and pulls the custody
// back from the pool.
func (m *Module) Unstake(caller, token, component common.Address, units *big.Int, adapterName string) error {
	return m.move(caller, token, component, units, adapterName, false)
}

func (m *Module) move(caller, token, component common.Address, units *big.Int, adapterName string, stake bool) error {
	if m == nil || m.state == nil || m.ledger == nil {
		return errNilState
	}
	if units == nil || units.Sign() <= 0 {
		return ErrZeroUnits
	}
	if !m.controller.IsTokenEnabled(token) {
		return ErrTokenNotEnabled
	}
	if err := m.requireManager(token, caller); err != nil {
		return err
	}
	st, err := m.state.ModuleState(token, m.address)
	if err != nil {
		return err
	}
	if st != types.ModuleStateInitialized {
		return ErrModuleNotInitialized
	}
	adapter, ok := m.adapters[adapterName]
	if !ok {
		return ErrUnknownAdapter
	}

	snapshot := m.state.Snapshot()
	if err := m.execute(token, component, units, adapter, stake); err != nil {
		if revertErr := m.state.RevertToSnapshot(snapshot); revertErr != nil {
			return revertErr
		}
		return err
	}
	return m.state.DiscardSnapshot(snapshot)
}

func (m *Module) execute(token, component common.Address, units *big.Int, adapter Adapter, stake bool) error {
	if err := m.state.LockToken(token); err != nil {
		return err
	}
	defaultUnit, err := m.ledger.DefaultUnit(token, component)
	if err != nil {
		return err
	}
	externalUnit, err := m.ledger.ExternalUnit(token, component, m.address)
	if err != nil {
		return err
	}

	total, err := m.totalAmount(token, units)
	if err != nil {
		return err
	}
	if stake {
		if defaultUnit.Cmp(units) < 0 {
			return ErrInsufficientUnits
		}
		if err := m.state.Transfer(component, token, adapter.Address(), total); err != nil {
			return err
		}
		if err := m.ledger.EditDefaultUnit(m.address, token, component, new(big.Int).Sub(defaultUnit, units)); err != nil {
			return err
		}
		newExternal := new(big.Int).Add(externalUnit, units)
		if err := m.ledger.EditExternalUnit(m.address, token, component, m.address, newExternal, []byte(adapter.Name())); err != nil {
			return err
		}
		m.emitter.Emit(events.ComponentStaked{
			Token:     token,
			Component: component,
			Amount:    total.ToBig(),
			Module:    m.address,
			Adapter:   adapter.Name(),
		})
	} else {
		if externalUnit.Cmp(units) < 0 {
			return ErrInsufficientUnits
		}
		if err := m.state.Transfer(component, adapter.Address(), token, total); err != nil {
			return err
		}
		newExternal := new(big.Int).Sub(externalUnit, units)
		var data []byte
		if newExternal.Sign() != 0 {
			data = []byte(adapter.Name())
		}
		if err := m.ledger.EditExternalUnit(m.address, token, component, m.address, newExternal, data); err != nil {
			return err
		}
		if err := m.ledger.EditDefaultUnit(m.address, token, component, new(big.Int).Add(defaultUnit, units)); err != nil {
			return err
		}
		m.emitter.Emit(events.ComponentUnstaked{
			Token:     token,
			Component: component,
			Amount:    total.ToBig(),
			Module:    m.address,
			Adapter:   adapter.Name(),
		})
	}
	return m.state.UnlockToken(token)
}

// totalAmount scales stored units up to the token's full custody amount.
func (m *Module) totalAmount(token common.Address, units *big.Int) (*uint256.Int, error) {
	multiplier, err := m.state.PositionMultiplier(token)
	if err != nil {
		return nil, err
	}
	real, err := fixedpoint.Mul(units, multiplier)
	if err != nil {
		return nil, err
	}
	supply, err := m.state.TotalSupply(token)
	if err != nil {
		return nil, err
	}
	total, err := fixedpoint.Mul(real, supply)
	if err != nil {
		return nil, err
	}
	return fixedpoint.SafeCastToUint256(total)
}
