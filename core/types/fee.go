package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// FeeState captures the streaming fee configuration and accrual checkpoint for
// a single structured token.
type FeeState struct {
	FeeRecipient common.Address
	// MaxStreamingFeePercentage is an immutable ceiling fixed at
	// initialization, expressed as an 18-decimal fraction.
	MaxStreamingFeePercentage *big.Int
	// StreamingFeePercentage is the currently active fee, bounded by the
	// maximum.
	StreamingFeePercentage *big.Int
	// LastAccrualTimestamp is the unix time of the most recent actualization.
	LastAccrualTimestamp int64
}

// Clone returns a deep copy of the fee state.
func (f *FeeState) Clone() *FeeState {
	if f == nil {
		return nil
	}
	clone := &FeeState{
		FeeRecipient:         f.FeeRecipient,
		LastAccrualTimestamp: f.LastAccrualTimestamp,
	}
	if f.MaxStreamingFeePercentage != nil {
		clone.MaxStreamingFeePercentage = new(big.Int).Set(f.MaxStreamingFeePercentage)
	}
	if f.StreamingFeePercentage != nil {
		clone.StreamingFeePercentage = new(big.Int).Set(f.StreamingFeePercentage)
	}
	return clone
}
