// Package wrapping converts default positions between an underlying component
// and its wrapped form through registered adapters. The adapter performs the
// custody-side exchange; the module keeps the position ledger consistent with
// the swapped balances.
package wrapping

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
	errNilState             = errors.New("wrap module: state not configured")
	ErrTokenNotEnabled      = errors.New("wrap module: token not enabled")
	ErrCallerNotManager     = errors.New("wrap module: caller is not the token manager")
	ErrModuleNotPending     = errors.New("wrap module: module not pending on token")
	ErrModuleNotInitialized = errors.New("wrap module: module not initialized on token")
	ErrUnknownAdapter       = errors.New("wrap module: adapter not registered")
	ErrZeroUnits            = errors.New("wrap module: units must be positive")
	ErrInsufficientUnits    = errors.New("wrap module: position holds fewer units than requested")
)

// Adapter performs the custody-side conversion between an underlying asset and
// its wrapped form. The rate is wrapped units per underlying unit in fixed
// point.
type Adapter interface {
	Name() string
	Address() common.Address
	WrappedAsset(underlying common.Address) (common.Address, error)
	ConversionRate(underlying, wrapped common.Address) (*big.Int, error)
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

// Module wraps and unwraps default positions for tokens it is initialized on.
type Module struct {
	address    common.Address
	controller Controller
	state      State
	ledger     *positions.Ledger
	emitter    events.Emitter
	adapters   map[string]Adapter
}

// NewModule constructs the wrap module with a no-op emitter.
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

// RegisterAdapter makes the adapter available under its name.
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

// Remove detaches the module from the token.
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
	return m.state.SetModuleState(token, m.address, types.ModuleStateNone)
}

// Wrap converts units of the underlying default position into the wrapped
// asset. units are stored units per share; the custody exchange covers the
// token's whole holding of those units.
func (m *Module) Wrap(caller, token, underlying common.Address, units *big.Int, adapterName string) error {
	return m.convert(caller, token, underlying, units, adapterName, true)
}

// Unwrap converts stored units of the wrapped default position back to the
// underlying asset.
func (m *Module) Unwrap(caller, token, underlying common.Address, units *big.Int, adapterName string) error {
	return m.convert(caller, token, underlying, units, adapterName, false)
}

func (m *Module) convert(caller, token, underlying common.Address, units *big.Int, adapterName string, wrap bool) error {
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
	if err := m.execute(token, underlying, units, adapter, wrap); err != nil {
		if revertErr := m.state.RevertToSnapshot(snapshot); revertErr != nil {
			return revertErr
		}
		return err
	}
	return m.state.DiscardSnapshot(snapshot)
}

func (m *Module) execute(token, underlying common.Address, units *big.Int, adapter Adapter, wrap bool) error {
	if err := m.state.LockToken(token); err != nil {
		return err
	}
	wrapped, err := adapter.WrappedAsset(underlying)
	if err != nil {
		return err
	}
	rate, err := adapter.ConversionRate(underlying, wrapped)
	if err != nil {
		return err
	}

	// units always names the position being spent: the underlying on wrap, the
	// wrapped asset on unwrap.
	var underlyingUnits, wrappedUnits *big.Int
	if wrap {
		underlyingUnits = units
		wrappedUnits, err = fixedpoint.Mul(units, rate)
	} else {
		wrappedUnits = units
		underlyingUnits, err = fixedpoint.Div(units, rate)
	}
	if err != nil {
		return err
	}

	spent, gained := underlying, wrapped
	spentUnits, gainedUnits := underlyingUnits, wrappedUnits
	if !wrap {
		spent, gained = wrapped, underlying
		spentUnits, gainedUnits = wrappedUnits, underlyingUnits
	}

	current, err := m.ledger.DefaultUnit(token, spent)
	if err != nil {
		return err
	}
	if current.Cmp(spentUnits) < 0 {
		return ErrInsufficientUnits
	}

	spentTotal, err := m.totalAmount(token, spentUnits)
	if err != nil {
		return err
	}
	gainedTotal, err := m.totalAmount(token, gainedUnits)
	if err != nil {
		return err
	}
	if err := m.state.Transfer(spent, token, adapter.Address(), spentTotal); err != nil {
		return err
	}
	if err := m.state.Transfer(gained, adapter.Address(), token, gainedTotal); err != nil {
		return err
	}

	if err := m.ledger.EditDefaultUnit(m.address, token, spent, new(big.Int).Sub(current, spentUnits)); err != nil {
		return err
	}
	gainedCurrent, err := m.ledger.DefaultUnit(token, gained)
	if err != nil {
		return err
	}
	if err := m.ledger.EditDefaultUnit(m.address, token, gained, new(big.Int).Add(gainedCurrent, gainedUnits)); err != nil {
		return err
	}

	underlyingTotal, wrappedTotal := spentTotal, gainedTotal
	if !wrap {
		underlyingTotal, wrappedTotal = gainedTotal, spentTotal
	}
	if wrap {
		m.emitter.Emit(events.ComponentWrapped{
			Token:            token,
			Underlying:       underlying,
			Wrapped:          wrapped,
			UnderlyingAmount: underlyingTotal.ToBig(),
			WrappedAmount:    wrappedTotal.ToBig(),
			Adapter:          adapter.Name(),
		})
	} else {
		m.emitter.Emit(events.ComponentUnwrapped{
			Token:            token,
			Underlying:       underlying,
			Wrapped:          wrapped,
			UnderlyingAmount: underlyingTotal.ToBig(),
			WrappedAmount:    wrappedTotal.ToBig(),
			Adapter:          adapter.Name(),
		})
	}
	return m.state.UnlockToken(token)
}

// totalAmount scales stored units up to the token's full custody amount:
// units times the position multiplier times the outstanding supply.
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
