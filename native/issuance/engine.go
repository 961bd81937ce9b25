// Package issuance implements the settlement engine that mints and burns
// structured token shares against proportional component flows. Every public
// settlement call is atomic: the state snapshot taken on entry is reverted
// when any hook, transfer, or settlement step fails.
package issuance

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"matrixcore/core/events"
	"matrixcore/core/types"
	"matrixcore/native/fixedpoint"
	"matrixcore/observability"
)

// FeeTypeIssuance is the fee type key under which the controller stores the
// protocol's share of manager issuance fees.
const FeeTypeIssuance uint8 = 0

// Controller is the slice of the protocol registry the engine consumes.
type Controller interface {
	IsTokenEnabled(token common.Address) bool
	ProtocolFee(module common.Address, feeType uint8) *big.Int
	ProtocolFeeRecipient() common.Address
}

// State is the backing store interface used by the engine.
type State interface {
	Manager(token common.Address) (common.Address, error)
	ModuleState(token, module common.Address) (types.ModuleState, error)
	SetModuleState(token, module common.Address, st types.ModuleState) error
	PositionMultiplier(token common.Address) (*big.Int, error)
	Components(token common.Address) ([]common.Address, error)
	DefaultPositionUnit(token, component common.Address) (*big.Int, error)
	ExternalPositionModules(token, component common.Address) ([]common.Address, error)
	ExternalPositionUnit(token, component, module common.Address) (*big.Int, error)
	MintSupply(token, to common.Address, quantity *big.Int) error
	BurnSupply(token, from common.Address, quantity *big.Int) error
	LockToken(token common.Address) error
	UnlockToken(token common.Address) error
	BalanceOf(asset, holder common.Address) *uint256.Int
	Transfer(asset, from, to common.Address, amount *uint256.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *uint256.Int) error
	Snapshot() int
	RevertToSnapshot(id int) error
	DiscardSnapshot(id int) error
}

// Settings is the per-token manager configuration fixed at initialization.
type Settings struct {
	MaxManagerFee       *big.Int
	ManagerIssueFee     *big.Int
	ManagerRedeemFee    *big.Int
	FeeRecipient        common.Address
	ManagerIssuanceHook ManagerHook
	HookAddress         common.Address
}

func (s *Settings) clone() *Settings {
	cloned := &Settings{
		MaxManagerFee:       big.NewInt(0),
		ManagerIssueFee:     big.NewInt(0),
		ManagerRedeemFee:    big.NewInt(0),
		FeeRecipient:        s.FeeRecipient,
		ManagerIssuanceHook: s.ManagerIssuanceHook,
		HookAddress:         s.HookAddress,
	}
	if s.MaxManagerFee != nil {
		cloned.MaxManagerFee = new(big.Int).Set(s.MaxManagerFee)
	}
	if s.ManagerIssueFee != nil {
		cloned.ManagerIssueFee = new(big.Int).Set(s.ManagerIssueFee)
	}
	if s.ManagerRedeemFee != nil {
		cloned.ManagerRedeemFee = new(big.Int).Set(s.ManagerRedeemFee)
	}
	return cloned
}

// Engine settles issuances and redemptions for every token it is initialized
// on.
type Engine struct {
	address    common.Address
	controller Controller
	state      State
	dispatcher *Dispatcher
	emitter    events.Emitter
	settings   map[common.Address]*Settings
}

// NewEngine constructs an issuance engine with the given module address.
func NewEngine(address common.Address, controller Controller) *Engine {
	return &Engine{
		address:    address,
		controller: controller,
		emitter:    events.NoopEmitter{},
		settings:   make(map[common.Address]*Settings),
	}
}

// SetState wires the backing store.
func (e *Engine) SetState(state State) { e.state = state }

// SetDispatcher wires the module hook dispatcher.
func (e *Engine) SetDispatcher(dispatcher *Dispatcher) { e.dispatcher = dispatcher }

// SetEmitter wires the event sink. A nil emitter falls back to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// Address returns the engine's module address.
func (e *Engine) Address() common.Address { return e.address }

// Initialize moves the engine from pending to initialized on the token and
// fixes its fee settings. Only the token manager may initialize.
func (e *Engine) Initialize(caller, token common.Address, settings Settings) error {
	if e.state == nil {
		return errNilState
	}
	if e.controller != nil && !e.controller.IsTokenEnabled(token) {
		return ErrTokenNotEnabled
	}
	manager, err := e.state.Manager(token)
	if err != nil {
		return err
	}
	if manager != caller {
		return ErrCallerNotManager
	}
	st, err := e.state.ModuleState(token, e.address)
	if err != nil {
		return err
	}
	if st != types.ModuleStatePending {
		return ErrModuleNotPending
	}

	cloned := settings.clone()
	if cloned.MaxManagerFee.Sign() < 0 || cloned.MaxManagerFee.Cmp(fixedpoint.Unit) > 0 {
		return ErrMaxFeeTooHigh
	}
	if cloned.ManagerIssueFee.Sign() < 0 || cloned.ManagerIssueFee.Cmp(cloned.MaxManagerFee) > 0 {
		return ErrFeeExceedsMaximum
	}
	if cloned.ManagerRedeemFee.Sign() < 0 || cloned.ManagerRedeemFee.Cmp(cloned.MaxManagerFee) > 0 {
		return ErrFeeExceedsMaximum
	}
	if (cloned.ManagerIssueFee.Sign() > 0 || cloned.ManagerRedeemFee.Sign() > 0) && cloned.FeeRecipient == (common.Address{}) {
		return ErrInvalidRecipient
	}

	e.settings[token] = cloned
	return e.state.SetModuleState(token, e.address, types.ModuleStateInitialized)
}

// Remove detaches the engine from the token. Only the token manager may
// remove.
func (e *Engine) Remove(caller, token common.Address) error {
	if e.state == nil {
		return errNilState
	}
	manager, err := e.state.Manager(token)
	if err != nil {
		return err
	}
	if manager != caller {
		return ErrCallerNotManager
	}
	if _, err := e.settingsFor(token); err != nil {
		return err
	}
	delete(e.settings, token)
	return e.state.SetModuleState(token, e.address, types.ModuleStateNone)
}

func (e *Engine) settingsFor(token common.Address) (*Settings, error) {
	settings, ok := e.settings[token]
	if !ok {
		return nil, ErrModuleNotInitialized
	}
	st, err := e.state.ModuleState(token, e.address)
	if err != nil {
		return nil, err
	}
	if st != types.ModuleStateInitialized {
		return nil, ErrModuleNotInitialized
	}
	return settings, nil
}

// feeBreakdown derives the fee-adjusted share quantity and the manager and
// protocol fee splits for one settlement. The fee is rounded up so the flow
// basis matches the minted fee exactly.
func (e *Engine) feeBreakdown(settings *Settings, quantity *big.Int, direction flowDirection) (feeAdjusted, feeQty, protocolQty, managerQty *big.Int, err error) {
	pct := settings.ManagerIssueFee
	if direction == flowRedeem {
		pct = settings.ManagerRedeemFee
	}
	feeQty, err = fixedpoint.MulCeil(quantity, pct)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if direction == flowIssue {
		feeAdjusted = new(big.Int).Add(quantity, feeQty)
	} else {
		feeAdjusted = new(big.Int).Sub(quantity, feeQty)
	}
	protocolPct := big.NewInt(0)
	if e.controller != nil {
		protocolPct = e.controller.ProtocolFee(e.address, FeeTypeIssuance)
	}
	protocolQty, err = fixedpoint.Mul(feeQty, protocolPct)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	managerQty = new(big.Int).Sub(feeQty, protocolQty)
	return feeAdjusted, feeQty, protocolQty, managerQty, nil
}

// ComputeIssuanceUnits previews the per-component equity and debt flows an
// issuance of the quantity would require, including hook adjustments.
func (e *Engine) ComputeIssuanceUnits(token common.Address, quantity *big.Int) ([]common.Address, []*big.Int, []*big.Int, error) {
	return e.computeUnits(token, quantity, flowIssue)
}

// ComputeRedemptionUnits previews the per-component equity and debt flows a
// redemption of the quantity would release, including hook adjustments.
func (e *Engine) ComputeRedemptionUnits(token common.Address, quantity *big.Int) ([]common.Address, []*big.Int, []*big.Int, error) {
	return e.computeUnits(token, quantity, flowRedeem)
}

func (e *Engine) computeUnits(token common.Address, quantity *big.Int, direction flowDirection) ([]common.Address, []*big.Int, []*big.Int, error) {
	if e.state == nil {
		return nil, nil, nil, errNilState
	}
	if quantity == nil || quantity.Sign() <= 0 {
		return nil, nil, nil, ErrZeroQuantity
	}
	settings, err := e.settingsFor(token)
	if err != nil {
		return nil, nil, nil, err
	}
	feeAdjusted, _, _, _, err := e.feeBreakdown(settings, quantity, direction)
	if err != nil {
		return nil, nil, nil, err
	}
	adjustments, err := e.adjustments(token, quantity, direction)
	if err != nil {
		return nil, nil, nil, err
	}
	flows, err := e.computeFlows(token, feeAdjusted, adjustments)
	if err != nil {
		return nil, nil, nil, err
	}
	components := make([]common.Address, len(flows))
	equity := make([]*big.Int, len(flows))
	debt := make([]*big.Int, len(flows))
	for i, flow := range flows {
		components[i] = flow.component
		equity[i] = flow.equity
		debt[i] = flow.debt
	}
	return components, equity, debt, nil
}

func (e *Engine) adjustments(token common.Address, quantity *big.Int, direction flowDirection) ([]Adjustment, error) {
	if e.dispatcher == nil {
		return nil, nil
	}
	if direction == flowIssue {
		return e.dispatcher.IssuanceAdjustments(token, quantity)
	}
	return e.dispatcher.RedemptionAdjustments(token, quantity)
}

type flowGuard func([]componentFlow) error

// Issue mints quantity shares to the recipient after collecting every
// component flow from the caller.
func (e *Engine) Issue(caller, token common.Address, quantity *big.Int, to common.Address) error {
	return e.issue(caller, token, quantity, to, nil)
}

func (e *Engine) issue(caller, token common.Address, quantity *big.Int, to common.Address, guard flowGuard) error {
	if e.state == nil {
		return errNilState
	}
	if quantity == nil || quantity.Sign() <= 0 {
		return ErrZeroQuantity
	}
	if e.controller != nil && !e.controller.IsTokenEnabled(token) {
		return ErrTokenNotEnabled
	}
	settings, err := e.settingsFor(token)
	if err != nil {
		return err
	}

	snapshot := e.state.Snapshot()
	if err := e.executeIssue(caller, token, quantity, to, settings, guard); err != nil {
		if revertErr := e.state.RevertToSnapshot(snapshot); revertErr != nil {
			return revertErr
		}
		return err
	}
	if err := e.state.DiscardSnapshot(snapshot); err != nil {
		return err
	}
	observability.Issuance().RecordIssue(token.Hex())
	return nil
}

func (e *Engine) executeIssue(caller, token common.Address, quantity *big.Int, to common.Address, settings *Settings, guard flowGuard) error {
	if err := e.state.LockToken(token); err != nil {
		return err
	}
	if settings.ManagerIssuanceHook != nil {
		if err := settings.ManagerIssuanceHook.InvokePreIssueHook(token, quantity, caller, to); err != nil {
			return err
		}
	}
	if e.dispatcher != nil {
		if err := e.dispatcher.PreIssueHooks(token, quantity); err != nil {
			return err
		}
	}

	feeAdjusted, feeQty, protocolQty, managerQty, err := e.feeBreakdown(settings, quantity, flowIssue)
	if err != nil {
		return err
	}
	adjustments, err := e.adjustments(token, quantity, flowIssue)
	if err != nil {
		return err
	}
	flows, err := e.computeFlows(token, feeAdjusted, adjustments)
	if err != nil {
		return err
	}
	if guard != nil {
		if err := guard(flows); err != nil {
			return err
		}
	}

	for _, flow := range flows {
		if err := e.collectComponent(caller, token, flow); err != nil {
			return err
		}
	}

	if err := e.state.MintSupply(token, to, quantity); err != nil {
		return err
	}
	if managerQty.Sign() > 0 {
		if err := e.state.MintSupply(token, settings.FeeRecipient, managerQty); err != nil {
			return err
		}
	}
	if protocolQty.Sign() > 0 {
		if err := e.state.MintSupply(token, e.controller.ProtocolFeeRecipient(), protocolQty); err != nil {
			return err
		}
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.PostIssueHooks(token, quantity, to); err != nil {
			return err
		}
	}
	e.emitter.Emit(events.IssueCompleted{
		Token:               token,
		Caller:              caller,
		To:                  to,
		HookAddress:         settings.HookAddress,
		Quantity:            new(big.Int).Set(quantity),
		FeeQuantity:         feeQty,
		ProtocolFeeQuantity: protocolQty,
	})
	return e.state.UnlockToken(token)
}

// collectComponent pulls the component's full flow from the caller into token
// custody, then lets each governing debt module withdraw exactly its share.
func (e *Engine) collectComponent(caller, token common.Address, flow componentFlow) error {
	total := new(big.Int).Add(flow.equity, flow.debt)
	if total.Sign() == 0 {
		return nil
	}
	amount, err := fixedpoint.SafeCastToUint256(total)
	if err != nil {
		return err
	}
	before := e.state.BalanceOf(flow.component, token)
	if err := e.state.TransferFrom(flow.component, e.address, caller, token, amount); err != nil {
		return err
	}
	after := e.state.BalanceOf(flow.component, token)
	received := new(uint256.Int).Sub(after, before)
	if after.Lt(before) || received.Lt(amount) {
		return ErrTransferShortfall
	}

	for _, share := range flow.shares {
		if share.module == (common.Address{}) {
			return ErrDebtWithoutModule
		}
		if e.dispatcher == nil {
			return ErrUnauthorizedModule
		}
		settler, err := e.dispatcher.Settler(share.module)
		if err != nil {
			return err
		}
		shareAmount, err := fixedpoint.SafeCastToUint256(share.amount)
		if err != nil {
			return err
		}
		balance := e.state.BalanceOf(flow.component, token)
		if balance.Lt(shareAmount) {
			return ErrDebtSettlementVariance
		}
		expected := new(uint256.Int).Sub(balance, shareAmount)
		if err := settler.SettleIssuanceDebt(token, flow.component, shareAmount); err != nil {
			return err
		}
		if !e.state.BalanceOf(flow.component, token).Eq(expected) {
			return ErrDebtSettlementVariance
		}
	}
	return nil
}

// Redeem burns quantity shares from the caller and pays every component flow
// out to the recipient.
func (e *Engine) Redeem(caller, token common.Address, quantity *big.Int, to common.Address) error {
	return e.redeem(caller, token, quantity, to, nil)
}

func (e *Engine) redeem(caller, token common.Address, quantity *big.Int, to common.Address, guard flowGuard) error {
	if e.state == nil {
		return errNilState
	}
	if quantity == nil || quantity.Sign() <= 0 {
		return ErrZeroQuantity
	}
	if e.controller != nil && !e.controller.IsTokenEnabled(token) {
		return ErrTokenNotEnabled
	}
	settings, err := e.settingsFor(token)
	if err != nil {
		return err
	}

	snapshot := e.state.Snapshot()
	if err := e.executeRedeem(caller, token, quantity, to, settings, guard); err != nil {
		if revertErr := e.state.RevertToSnapshot(snapshot); revertErr != nil {
			return revertErr
		}
		return err
	}
	if err := e.state.DiscardSnapshot(snapshot); err != nil {
		return err
	}
	observability.Issuance().RecordRedeem(token.Hex())
	return nil
}

func (e *Engine) executeRedeem(caller, token common.Address, quantity *big.Int, to common.Address, settings *Settings, guard flowGuard) error {
	if err := e.state.LockToken(token); err != nil {
		return err
	}
	if e.dispatcher != nil {
		if err := e.dispatcher.PreRedeemHooks(token, quantity); err != nil {
			return err
		}
	}

	feeAdjusted, feeQty, protocolQty, managerQty, err := e.feeBreakdown(settings, quantity, flowRedeem)
	if err != nil {
		return err
	}
	adjustments, err := e.adjustments(token, quantity, flowRedeem)
	if err != nil {
		return err
	}
	flows, err := e.computeFlows(token, feeAdjusted, adjustments)
	if err != nil {
		return err
	}
	if guard != nil {
		if err := guard(flows); err != nil {
			return err
		}
	}

	if err := e.state.BurnSupply(token, caller, quantity); err != nil {
		return err
	}
	for _, flow := range flows {
		if err := e.distributeComponent(token, to, flow); err != nil {
			return err
		}
	}

	if managerQty.Sign() > 0 {
		if err := e.state.MintSupply(token, settings.FeeRecipient, managerQty); err != nil {
			return err
		}
	}
	if protocolQty.Sign() > 0 {
		if err := e.state.MintSupply(token, e.controller.ProtocolFeeRecipient(), protocolQty); err != nil {
			return err
		}
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.PostRedeemHooks(token, quantity, to); err != nil {
			return err
		}
	}
	e.emitter.Emit(events.RedeemCompleted{
		Token:               token,
		Caller:              caller,
		To:                  to,
		Quantity:            new(big.Int).Set(quantity),
		FeeQuantity:         feeQty,
		ProtocolFeeQuantity: protocolQty,
	})
	return e.state.UnlockToken(token)
}

// distributeComponent has each governing debt module return exactly its share
// into token custody, then pays the component's full flow out to the
// recipient.
func (e *Engine) distributeComponent(token, to common.Address, flow componentFlow) error {
	for _, share := range flow.shares {
		if share.module == (common.Address{}) {
			return ErrDebtWithoutModule
		}
		if e.dispatcher == nil {
			return ErrUnauthorizedModule
		}
		settler, err := e.dispatcher.Settler(share.module)
		if err != nil {
			return err
		}
		shareAmount, err := fixedpoint.SafeCastToUint256(share.amount)
		if err != nil {
			return err
		}
		balance := e.state.BalanceOf(flow.component, token)
		expected, overflow := new(uint256.Int).AddOverflow(balance, shareAmount)
		if overflow {
			return ErrDebtSettlementVariance
		}
		if err := settler.SettleRedemptionDebt(token, flow.component, shareAmount); err != nil {
			return err
		}
		if !e.state.BalanceOf(flow.component, token).Eq(expected) {
			return ErrDebtSettlementVariance
		}
	}

	total := new(big.Int).Add(flow.equity, flow.debt)
	if total.Sign() == 0 {
		return nil
	}
	amount, err := fixedpoint.SafeCastToUint256(total)
	if err != nil {
		return err
	}
	return e.state.Transfer(flow.component, token, to, amount)
}
