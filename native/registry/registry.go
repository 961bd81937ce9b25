// Package registry implements the protocol controller: which modules and
// tokens are enabled, and what protocol fee applies per module and fee type.
package registry

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"matrixcore/config"
	"matrixcore/native/fixedpoint"
)

var (
	ErrFeeTooHigh       = errors.New("registry: protocol fee exceeds 100%")
	ErrInvalidRecipient = errors.New("registry: protocol fee recipient required")
)

// Registry is the in-process controller implementation. Engines consume it
// through their own narrow controller interfaces.
type Registry struct {
	modules      map[common.Address]bool
	tokens       map[common.Address]bool
	fees         map[common.Address]map[uint8]*big.Int
	feeRecipient common.Address
}

// NewRegistry constructs a controller with the given protocol fee recipient.
func NewRegistry(feeRecipient common.Address) *Registry {
	return &Registry{
		modules:      make(map[common.Address]bool),
		tokens:       make(map[common.Address]bool),
		fees:         make(map[common.Address]map[uint8]*big.Int),
		feeRecipient: feeRecipient,
	}
}

// FromConfig builds a controller from a validated protocol configuration.
func FromConfig(cfg *config.Config) (*Registry, error) {
	if cfg == nil || !common.IsHexAddress(cfg.ProtocolFeeRecipient) {
		return nil, ErrInvalidRecipient
	}
	reg := NewRegistry(common.HexToAddress(cfg.ProtocolFeeRecipient))
	for _, module := range cfg.Modules {
		addr := common.HexToAddress(module.Address)
		if module.Enabled {
			reg.EnableModule(addr)
		}
		for _, fee := range module.Fees {
			if err := reg.SetProtocolFee(addr, fee.FeeType, fee.FeePercentage()); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

// EnableModule marks the module usable by tokens.
func (r *Registry) EnableModule(module common.Address) { r.modules[module] = true }

// DisableModule revokes the module.
func (r *Registry) DisableModule(module common.Address) { delete(r.modules, module) }

// IsModuleEnabled reports whether the module is registered and enabled.
func (r *Registry) IsModuleEnabled(module common.Address) bool { return r.modules[module] }

// EnableToken marks the token as a valid protocol token.
func (r *Registry) EnableToken(token common.Address) { r.tokens[token] = true }

// DisableToken revokes the token.
func (r *Registry) DisableToken(token common.Address) { delete(r.tokens, token) }

// IsTokenEnabled reports whether the token is registered and enabled.
func (r *Registry) IsTokenEnabled(token common.Address) bool { return r.tokens[token] }

// SetProtocolFee stores the fixed-point protocol fee for a module and fee
// type.
func (r *Registry) SetProtocolFee(module common.Address, feeType uint8, percentage *big.Int) error {
	if percentage == nil {
		percentage = big.NewInt(0)
	}
	if percentage.Cmp(fixedpoint.Unit) > 0 {
		return ErrFeeTooHigh
	}
	table, ok := r.fees[module]
	if !ok {
		table = make(map[uint8]*big.Int)
		r.fees[module] = table
	}
	table[feeType] = new(big.Int).Set(percentage)
	return nil
}

// ProtocolFee returns the configured fee, or zero when unset.
func (r *Registry) ProtocolFee(module common.Address, feeType uint8) *big.Int {
	table, ok := r.fees[module]
	if !ok {
		return big.NewInt(0)
	}
	fee, ok := table[feeType]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(fee)
}

// ProtocolFeeRecipient returns the address receiving protocol fee splits.
func (r *Registry) ProtocolFeeRecipient() common.Address { return r.feeRecipient }

// SetProtocolFeeRecipient rotates the protocol fee recipient.
func (r *Registry) SetProtocolFeeRecipient(recipient common.Address) { r.feeRecipient = recipient }
