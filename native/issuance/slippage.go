package issuance

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// IssueWithSlippage issues after verifying that every checked component's
// total flow stays at or below the caller-declared ceiling. Bounds are checked
// before any transfer executes; a violation leaves state untouched.
func (e *Engine) IssueWithSlippage(caller, token common.Address, quantity *big.Int, checked []common.Address, maxAmountsIn []*big.Int, to common.Address) error {
	guard, err := newSlippageGuard(checked, maxAmountsIn, true)
	if err != nil {
		return err
	}
	return e.issue(caller, token, quantity, to, guard)
}

// RedeemWithSlippage redeems after verifying that every checked component's
// total flow stays at or above the caller-declared floor.
func (e *Engine) RedeemWithSlippage(caller, token common.Address, quantity *big.Int, checked []common.Address, minAmountsOut []*big.Int, to common.Address) error {
	guard, err := newSlippageGuard(checked, minAmountsOut, false)
	if err != nil {
		return err
	}
	return e.redeem(caller, token, quantity, to, guard)
}

func newSlippageGuard(checked []common.Address, bounds []*big.Int, ceiling bool) (flowGuard, error) {
	if len(checked) != len(bounds) {
		return nil, ErrArrayLengthMismatch
	}
	seen := make(map[common.Address]bool, len(checked))
	for _, component := range checked {
		if seen[component] {
			return nil, ErrDuplicateComponent
		}
		seen[component] = true
	}
	return func(flows []componentFlow) error {
		index := make(map[common.Address]componentFlow, len(flows))
		for _, flow := range flows {
			index[flow.component] = flow
		}
		for i, component := range checked {
			flow, ok := index[component]
			if !ok {
				return ErrComponentNotFound
			}
			bound := bounds[i]
			if bound == nil {
				bound = big.NewInt(0)
			}
			total := new(big.Int).Add(flow.equity, flow.debt)
			if ceiling && total.Cmp(bound) > 0 {
				return ErrSlippageExceeded
			}
			if !ceiling && total.Cmp(bound) < 0 {
				return ErrSlippageExceeded
			}
		}
		return nil
	}, nil
}
