package issuance

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"matrixcore/native/fixedpoint"
)

type flowDirection int

const (
	flowIssue flowDirection = iota
	flowRedeem
)

// debtShare is the portion of a component's debt flow owed to one governing
// module.
type debtShare struct {
	module common.Address
	amount *big.Int
}

// componentFlow carries the settled amounts for one component of a single
// issuance or redemption. equity and debt are the summed per-position flows;
// shares break debt down per governing module for settlement.
type componentFlow struct {
	component common.Address
	equity    *big.Int
	debt      *big.Int
	shares    []debtShare
}

// computeFlows resolves real position units, applies hook adjustments, and
// scales everything by the fee-adjusted share quantity. Each position is
// rounded up independently so the token never collects less than a position
// requires; tracked components come first, hook-discovered components are
// appended in report order.
func (e *Engine) computeFlows(token common.Address, feeAdjusted *big.Int, adjustments []Adjustment) ([]componentFlow, error) {
	multiplier, err := e.state.PositionMultiplier(token)
	if err != nil {
		return nil, err
	}
	components, err := e.state.Components(token)
	if err != nil {
		return nil, err
	}

	adjByComponent := make(map[common.Address]Adjustment, len(adjustments))
	for _, adj := range adjustments {
		adjByComponent[adj.Component] = adj
	}
	tracked := make(map[common.Address]bool, len(components))
	ordered := append([]common.Address(nil), components...)
	for _, component := range components {
		tracked[component] = true
	}
	for _, adj := range adjustments {
		if !tracked[adj.Component] {
			ordered = append(ordered, adj.Component)
		}
	}

	flows := make([]componentFlow, 0, len(ordered))
	for _, component := range ordered {
		var (
			equityUnits []*big.Int
			debtUnits   []debtShare
		)
		if tracked[component] {
			defaultUnit, err := e.state.DefaultPositionUnit(token, component)
			if err != nil {
				return nil, err
			}
			real, err := fixedpoint.Mul(defaultUnit, multiplier)
			if err != nil {
				return nil, err
			}
			defaultEquity := big.NewInt(0)
			switch {
			case real.Sign() > 0:
				defaultEquity = real
			case real.Sign() < 0:
				// A negative default unit has no governing module; the share
				// keeps the zero address and settlement fails with
				// ErrDebtWithoutModule unless an adjustment absorbs it first.
				debtUnits = append(debtUnits, debtShare{amount: new(big.Int).Neg(real)})
			}
			if adj, ok := adjByComponent[component]; ok && adj.Equity != nil {
				defaultEquity = new(big.Int).Add(defaultEquity, adj.Equity)
			}
			if defaultEquity.Sign() < 0 {
				return nil, ErrAdjustmentMakesPositionNegative
			}
			equityUnits = append(equityUnits, defaultEquity)

			modules, err := e.state.ExternalPositionModules(token, component)
			if err != nil {
				return nil, err
			}
			for _, module := range modules {
				unit, err := e.state.ExternalPositionUnit(token, component, module)
				if err != nil {
					return nil, err
				}
				realExt, err := fixedpoint.Mul(unit, multiplier)
				if err != nil {
					return nil, err
				}
				switch {
				case realExt.Sign() > 0:
					equityUnits = append(equityUnits, realExt)
				case realExt.Sign() < 0:
					debtUnits = append(debtUnits, debtShare{module: module, amount: new(big.Int).Neg(realExt)})
				}
			}
			if adj, ok := adjByComponent[component]; ok && adj.Debt != nil {
				debtUnits, err = reduceDebt(debtUnits, adj.Debt)
				if err != nil {
					return nil, err
				}
			}
		} else {
			adj := adjByComponent[component]
			equity := big.NewInt(0)
			if adj.Equity != nil {
				equity = new(big.Int).Set(adj.Equity)
			}
			if equity.Sign() < 0 || (adj.Debt != nil && adj.Debt.Sign() > 0) {
				return nil, ErrAdjustmentMakesPositionNegative
			}
			if adj.Debt != nil && adj.Debt.Sign() < 0 {
				debtUnits = append(debtUnits, debtShare{amount: new(big.Int).Neg(adj.Debt)})
			}
			equityUnits = append(equityUnits, equity)
		}

		flow := componentFlow{
			component: component,
			equity:    big.NewInt(0),
			debt:      big.NewInt(0),
		}
		for _, units := range equityUnits {
			if units.Sign() <= 0 {
				continue
			}
			amount, err := fixedpoint.MulCeil(feeAdjusted, units)
			if err != nil {
				return nil, err
			}
			flow.equity = flow.equity.Add(flow.equity, amount)
		}
		for _, share := range debtUnits {
			if share.amount.Sign() <= 0 {
				continue
			}
			amount, err := fixedpoint.MulCeil(feeAdjusted, share.amount)
			if err != nil {
				return nil, err
			}
			if amount.Sign() == 0 {
				continue
			}
			flow.debt = flow.debt.Add(flow.debt, amount)
			flow.shares = append(flow.shares, debtShare{module: share.module, amount: amount})
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

// reduceDebt subtracts the adjustment from the debt magnitudes in position
// order. A negative adjustment grows debt with no governing module, which
// settlement rejects with ErrDebtWithoutModule.
func reduceDebt(debtUnits []debtShare, adjustment *big.Int) ([]debtShare, error) {
	if adjustment.Sign() < 0 {
		return append(debtUnits, debtShare{amount: new(big.Int).Neg(adjustment)}), nil
	}
	remaining := new(big.Int).Set(adjustment)
	for i := range debtUnits {
		if remaining.Sign() == 0 {
			break
		}
		reduce := remaining
		if debtUnits[i].amount.Cmp(remaining) < 0 {
			reduce = debtUnits[i].amount
		}
		debtUnits[i].amount = new(big.Int).Sub(debtUnits[i].amount, reduce)
		remaining = new(big.Int).Sub(remaining, reduce)
	}
	if remaining.Sign() > 0 {
		return nil, ErrAdjustmentMakesPositionNegative
	}
	return debtUnits, nil
}
