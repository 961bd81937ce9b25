// Package config loads protocol-level parameters for hosts embedding the
// accounting core: the protocol fee recipient, and the per-module fee table.
package config

import (
	"fmt"
	"math/big"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// FeeConfig declares one protocol fee entry for a module.
type FeeConfig struct {
	// FeeType distinguishes fee classes within a module; issuance modules use
	// fee type 0 for issue/redeem splits.
	FeeType uint8 `toml:"FeeType"`
	// Percentage is an 18-decimal fixed-point fraction encoded as a decimal
	// integer string, e.g. "100000000000000000" for 10%.
	Percentage string `toml:"Percentage"`
}

// ModuleConfig declares a module known to the protocol controller.
type ModuleConfig struct {
	Address string      `toml:"Address"`
	Enabled bool        `toml:"Enabled"`
	Fees    []FeeConfig `toml:"Fees"`
}

// Config is the TOML-decoded protocol configuration.
type Config struct {
	ProtocolFeeRecipient string         `toml:"ProtocolFeeRecipient"`
	Modules              []ModuleConfig `toml:"Modules"`
}

var maxPercentage = big.NewInt(1_000_000_000_000_000_000)

// Load reads and validates the configuration at the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks addresses and fee fractions without mutating the config.
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.ProtocolFeeRecipient) {
		return fmt.Errorf("config: invalid protocol fee recipient %q", c.ProtocolFeeRecipient)
	}
	for _, module := range c.Modules {
		if !common.IsHexAddress(module.Address) {
			return fmt.Errorf("config: invalid module address %q", module.Address)
		}
		for _, fee := range module.Fees {
			pct, ok := new(big.Int).SetString(fee.Percentage, 10)
			if !ok || pct.Sign() < 0 {
				return fmt.Errorf("config: invalid fee percentage %q for module %s", fee.Percentage, module.Address)
			}
			if pct.Cmp(maxPercentage) > 0 {
				return fmt.Errorf("config: fee percentage %q for module %s exceeds 100%%", fee.Percentage, module.Address)
			}
		}
	}
	return nil
}

// FeePercentage parses the validated percentage string.
func (f FeeConfig) FeePercentage() *big.Int {
	pct, ok := new(big.Int).SetString(f.Percentage, 10)
	if !ok {
		return big.NewInt(0)
	}
	return pct
}
