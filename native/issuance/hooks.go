package issuance

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Adjustment is a position delta reported by a module hook before flow
// computation. Equity is added to the component's equity units; Debt is
// subtracted from the component's debt magnitude. Components not yet tracked
// on the token may appear here and are appended to the component order.
type Adjustment struct {
	Component common.Address
	Equity    *big.Int
	Debt      *big.Int
}

// Hook is implemented by external-position modules that participate in the
// issuance lifecycle. The dispatcher treats every registered module uniformly
// regardless of its concrete behavior.
type Hook interface {
	PreIssueHook(token common.Address, quantity *big.Int) error
	PostIssueHook(token common.Address, quantity *big.Int, to common.Address) error
	PreRedeemHook(token common.Address, quantity *big.Int) error
	PostRedeemHook(token common.Address, quantity *big.Int, to common.Address) error
	IssuanceAdjustments(token common.Address, quantity *big.Int) ([]Adjustment, error)
	RedemptionAdjustments(token common.Address, quantity *big.Int) ([]Adjustment, error)
}

// DebtSettler is implemented by modules governing negative external positions.
// During issuance the settler must move exactly the supplied amount of the
// component out of the token's custody; during redemption it must move
// exactly that amount into the token's custody.
type DebtSettler interface {
	SettleIssuanceDebt(token, component common.Address, amount *uint256.Int) error
	SettleRedemptionDebt(token, component common.Address, amount *uint256.Int) error
}

// ManagerHook is an optional manager-configured callback invoked before
// issuance. Redemption deliberately has no counterpart.
type ManagerHook interface {
	InvokePreIssueHook(token common.Address, quantity *big.Int, caller, to common.Address) error
}

type moduleAuthority interface {
	IsModuleEnabled(module common.Address) bool
}

// Dispatcher maintains, per token, the registration-ordered list of modules
// with issuance hooks and fans lifecycle calls out to them.
type Dispatcher struct {
	authority moduleAuthority
	order     map[common.Address][]common.Address
	hooks     map[common.Address]Hook
}

// NewDispatcher constructs a dispatcher gated by the supplied authority.
func NewDispatcher(authority moduleAuthority) *Dispatcher {
	return &Dispatcher{
		authority: authority,
		order:     make(map[common.Address][]common.Address),
		hooks:     make(map[common.Address]Hook),
	}
}

// RegisterHook adds the module's hook for the token, preserving registration
// order across calls.
func (d *Dispatcher) RegisterHook(token, module common.Address, hook Hook) {
	if d == nil || hook == nil {
		return
	}
	d.hooks[module] = hook
	for _, registered := range d.order[token] {
		if registered == module {
			return
		}
	}
	d.order[token] = append(d.order[token], module)
}

// UnregisterHook removes the module's hook for the token.
func (d *Dispatcher) UnregisterHook(token, module common.Address) {
	if d == nil {
		return
	}
	modules := d.order[token]
	for i, registered := range modules {
		if registered == module {
			d.order[token] = append(modules[:i], modules[i+1:]...)
			break
		}
	}
}

// HookModules returns the registration-ordered hook modules for the token.
func (d *Dispatcher) HookModules(token common.Address) []common.Address {
	if d == nil {
		return nil
	}
	return append([]common.Address(nil), d.order[token]...)
}

func (d *Dispatcher) hookFor(module common.Address) (Hook, error) {
	if d.authority != nil && !d.authority.IsModuleEnabled(module) {
		return nil, ErrUnauthorizedModule
	}
	hook, ok := d.hooks[module]
	if !ok {
		return nil, ErrUnauthorizedModule
	}
	return hook, nil
}

// Settler resolves the debt settlement interface for a module governing a
// negative position.
func (d *Dispatcher) Settler(module common.Address) (DebtSettler, error) {
	if d == nil {
		return nil, ErrUnauthorizedModule
	}
	hook, err := d.hookFor(module)
	if err != nil {
		return nil, err
	}
	settler, ok := hook.(DebtSettler)
	if !ok {
		return nil, ErrUnauthorizedModule
	}
	return settler, nil
}

// PreIssueHooks dispatches the pre-issuance hook in registration order.
func (d *Dispatcher) PreIssueHooks(token common.Address, quantity *big.Int) error {
	return d.each(token, func(hook Hook) error {
		return hook.PreIssueHook(token, quantity)
	})
}

// PostIssueHooks dispatches the post-issuance hook after flows settle.
func (d *Dispatcher) PostIssueHooks(token common.Address, quantity *big.Int, to common.Address) error {
	return d.each(token, func(hook Hook) error {
		return hook.PostIssueHook(token, quantity, to)
	})
}

// PreRedeemHooks dispatches the pre-redemption hook in registration order.
func (d *Dispatcher) PreRedeemHooks(token common.Address, quantity *big.Int) error {
	return d.each(token, func(hook Hook) error {
		return hook.PreRedeemHook(token, quantity)
	})
}

// PostRedeemHooks dispatches the post-redemption hook after flows settle.
func (d *Dispatcher) PostRedeemHooks(token common.Address, quantity *big.Int, to common.Address) error {
	return d.each(token, func(hook Hook) error {
		return hook.PostRedeemHook(token, quantity, to)
	})
}

func (d *Dispatcher) each(token common.Address, fn func(Hook) error) error {
	if d == nil {
		return nil
	}
	for _, module := range d.order[token] {
		hook, err := d.hookFor(module)
		if err != nil {
			return err
		}
		if err := fn(hook); err != nil {
			return err
		}
	}
	return nil
}

// IssuanceAdjustments aggregates every module's reported adjustments,
// preserving first-seen component order.
func (d *Dispatcher) IssuanceAdjustments(token common.Address, quantity *big.Int) ([]Adjustment, error) {
	return d.aggregate(token, func(hook Hook) ([]Adjustment, error) {
		return hook.IssuanceAdjustments(token, quantity)
	})
}

// RedemptionAdjustments aggregates every module's reported adjustments.
func (d *Dispatcher) RedemptionAdjustments(token common.Address, quantity *big.Int) ([]Adjustment, error) {
	return d.aggregate(token, func(hook Hook) ([]Adjustment, error) {
		return hook.RedemptionAdjustments(token, quantity)
	})
}

func (d *Dispatcher) aggregate(token common.Address, fn func(Hook) ([]Adjustment, error)) ([]Adjustment, error) {
	if d == nil {
		return nil, nil
	}
	var ordered []common.Address
	merged := make(map[common.Address]*Adjustment)
	for _, module := range d.order[token] {
		hook, err := d.hookFor(module)
		if err != nil {
			return nil, err
		}
		adjustments, err := fn(hook)
		if err != nil {
			return nil, err
		}
		for _, adj := range adjustments {
			entry, ok := merged[adj.Component]
			if !ok {
				entry = &Adjustment{
					Component: adj.Component,
					Equity:    big.NewInt(0),
					Debt:      big.NewInt(0),
				}
				merged[adj.Component] = entry
				ordered = append(ordered, adj.Component)
			}
			if adj.Equity != nil {
				entry.Equity = new(big.Int).Add(entry.Equity, adj.Equity)
			}
			if adj.Debt != nil {
				entry.Debt = new(big.Int).Add(entry.Debt, adj.Debt)
			}
		}
	}
	out := make([]Adjustment, 0, len(ordered))
	for _, component := range ordered {
		out = append(out, *merged[component])
	}
	return out, nil
}
