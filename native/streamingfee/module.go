// Package streamingfee accrues time-proportional fees by inflating token
// supply toward the fee recipients and shrinking the position multiplier so
// every component's real unit dilutes by the same factor.
package streamingfee

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"matrixcore/core/events"
	"matrixcore/core/types"
	"matrixcore/native/fixedpoint"
	"matrixcore/observability"
)

var (
	errNilState             = errors.New("streaming fee: state not configured")
	ErrTokenNotEnabled      = errors.New("streaming fee: token not enabled")
	ErrCallerNotManager     = errors.New("streaming fee: caller is not the token manager")
	ErrModuleNotPending     = errors.New("streaming fee: module not pending on token")
	ErrModuleNotInitialized = errors.New("streaming fee: module not initialized on token")
	ErrMaxFeeTooHigh        = errors.New("streaming fee: max fee exceeds 100%")
	ErrFeeExceedsMaximum    = errors.New("streaming fee: fee exceeds configured maximum")
	ErrInvalidRecipient     = errors.New("streaming fee: fee recipient required")
	ErrFeeInflationTooLarge = errors.New("streaming fee: accrued inflation reached 100% of supply")
	ErrNegativeElapsed      = errors.New("streaming fee: clock moved before last accrual")
)

// FeeTypeStreaming is the controller fee-table slot for the protocol's share
// of streaming fees.
const FeeTypeStreaming uint8 = 0

const secondsPerYear = 31_536_000

// Controller is the authorization surface the module needs.
type Controller interface {
	IsTokenEnabled(token common.Address) bool
	ProtocolFee(module common.Address, feeType uint8) *big.Int
	ProtocolFeeRecipient() common.Address
}

// State is the store subset the module mutates.
type State interface {
	Manager(token common.Address) (common.Address, error)
	ModuleState(token, module common.Address) (types.ModuleState, error)
	SetModuleState(token, module common.Address, st types.ModuleState) error
	FeeState(token common.Address) (*types.FeeState, error)
	PutFeeState(token common.Address, fs *types.FeeState) error
	DeleteFeeState(token common.Address) error
	TotalSupply(token common.Address) (*big.Int, error)
	PositionMultiplier(token common.Address) (*big.Int, error)
	SetPositionMultiplier(token common.Address, multiplier *big.Int) error
	MintSupply(token, to common.Address, quantity *big.Int) error
	Snapshot() int
	RevertToSnapshot(id int) error
	DiscardSnapshot(id int) error
}

// FeeSettings is the manager-supplied initialization payload.
type FeeSettings struct {
	FeeRecipient              common.Address
	MaxStreamingFeePercentage *big.Int
	StreamingFeePercentage    *big.Int
}

// Module is the streaming fee engine for one module address.
type Module struct {
	address    common.Address
	controller Controller
	state      State
	emitter    events.Emitter
	nowFn      func() int64
}

// NewModule constructs the streaming fee module with a no-op emitter.
func NewModule(address common.Address, controller Controller) *Module {
	return &Module{
		address:    address,
		controller: controller,
		emitter:    events.NoopEmitter{},
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// Address returns the module's protocol address.
func (m *Module) Address() common.Address { return m.address }

// SetState wires the module to the backing store.
func (m *Module) SetState(state State) { m.state = state }

// SetEmitter overrides the event sink. Passing nil resets to a no-op emitter.
func (m *Module) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetNowFunc overrides the time source for deterministic tests.
func (m *Module) SetNowFunc(now func() int64) {
	if now == nil {
		m.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	m.nowFn = now
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

// Initialize activates the module on a token. The token's manager must have
// set the module to pending first.
func (m *Module) Initialize(caller, token common.Address, settings FeeSettings) error {
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
	if settings.MaxStreamingFeePercentage == nil || settings.MaxStreamingFeePercentage.Cmp(fixedpoint.Unit) > 0 {
		return ErrMaxFeeTooHigh
	}
	fee := settings.StreamingFeePercentage
	if fee == nil {
		fee = big.NewInt(0)
	}
	if fee.Cmp(settings.MaxStreamingFeePercentage) > 0 {
		return ErrFeeExceedsMaximum
	}
	if settings.FeeRecipient == (common.Address{}) {
		return ErrInvalidRecipient
	}
	fs := &types.FeeState{
		FeeRecipient:              settings.FeeRecipient,
		MaxStreamingFeePercentage: new(big.Int).Set(settings.MaxStreamingFeePercentage),
		StreamingFeePercentage:    new(big.Int).Set(fee),
		LastAccrualTimestamp:      m.nowFn(),
	}
	if err := m.state.PutFeeState(token, fs); err != nil {
		return err
	}
	return m.state.SetModuleState(token, m.address, types.ModuleStateInitialized)
}

// ActualizeFee mints the accrued streaming fee to the manager and protocol
// recipients and shrinks the position multiplier. A zero accrual still
// advances the timestamp and emits the event with zero amounts.
func (m *Module) ActualizeFee(token common.Address) error {
	if m == nil || m.state == nil {
		return errNilState
	}
	if m.controller != nil && !m.controller.IsTokenEnabled(token) {
		return ErrTokenNotEnabled
	}
	snapshot := m.state.Snapshot()
	if err := m.actualize(token); err != nil {
		if revertErr := m.state.RevertToSnapshot(snapshot); revertErr != nil {
			return revertErr
		}
		return err
	}
	return m.state.DiscardSnapshot(snapshot)
}

func (m *Module) actualize(token common.Address) error {
	st, err := m.state.ModuleState(token, m.address)
	if err != nil {
		return err
	}
	if st != types.ModuleStateInitialized {
		return ErrModuleNotInitialized
	}
	fs, err := m.state.FeeState(token)
	if err != nil {
		return err
	}
	if fs == nil {
		return ErrModuleNotInitialized
	}
	now := m.nowFn()
	inflation, err := m.feeInflation(fs, now)
	if err != nil {
		return err
	}
	protocolRecipient := m.controller.ProtocolFeeRecipient()

	if inflation.Sign() == 0 {
		fs.LastAccrualTimestamp = now
		if err := m.state.PutFeeState(token, fs); err != nil {
			return err
		}
		m.emit(events.FeeActualized{
			Token:             token,
			ManagerRecipient:  fs.FeeRecipient,
			ManagerFeeAmount:  big.NewInt(0),
			ProtocolRecipient: protocolRecipient,
			ProtocolFeeAmount: big.NewInt(0),
		})
		return nil
	}

	// netSupplyInflation = supply * f / (UNIT - f): minting this amount makes
	// the recipients' share equal exactly f of the new total supply.
	remainder := new(big.Int).Sub(fixedpoint.Unit, inflation)
	if remainder.Sign() <= 0 {
		return ErrFeeInflationTooLarge
	}
	supply, err := m.state.TotalSupply(token)
	if err != nil {
		return err
	}
	netInflation := new(big.Int).Mul(supply, inflation)
	netInflation.Quo(netInflation, remainder)

	protocolPct := m.controller.ProtocolFee(m.address, FeeTypeStreaming)
	protocolShare, err := fixedpoint.Mul(netInflation, protocolPct)
	if err != nil {
		return err
	}
	managerShare := new(big.Int).Sub(netInflation, protocolShare)

	if managerShare.Sign() > 0 {
		if err := m.state.MintSupply(token, fs.FeeRecipient, managerShare); err != nil {
			return err
		}
	}
	if protocolShare.Sign() > 0 {
		if err := m.state.MintSupply(token, protocolRecipient, protocolShare); err != nil {
			return err
		}
	}

	multiplier, err := m.state.PositionMultiplier(token)
	if err != nil {
		return err
	}
	newMultiplier, err := fixedpoint.Mul(multiplier, remainder)
	if err != nil {
		return err
	}
	if err := m.state.SetPositionMultiplier(token, newMultiplier); err != nil {
		return err
	}

	fs.LastAccrualTimestamp = now
	if err := m.state.PutFeeState(token, fs); err != nil {
		return err
	}

	observability.Issuance().RecordFeeActualization(token.Hex())
	m.emit(events.FeeActualized{
		Token:             token,
		ManagerRecipient:  fs.FeeRecipient,
		ManagerFeeAmount:  managerShare,
		ProtocolRecipient: protocolRecipient,
		ProtocolFeeAmount: protocolShare,
	})
	return nil
}

// feeInflation returns the accrued fee fraction since the last actualization.
// The fraction is deliberately not clamped below the unit; the caller's
// divide against (UNIT - fraction) surfaces an excessive elapsed time.
func (m *Module) feeInflation(fs *types.FeeState, now int64) (*big.Int, error) {
	if now < fs.LastAccrualTimestamp {
		return nil, ErrNegativeElapsed
	}
	elapsed := big.NewInt(now - fs.LastAccrualTimestamp)
	fraction := new(big.Int).Mul(fs.StreamingFeePercentage, elapsed)
	fraction.Quo(fraction, big.NewInt(secondsPerYear))
	return fraction, nil
}

// UpdateStreamingFee actualizes at the old rate and then applies the new fee.
func (m *Module) UpdateStreamingFee(caller, token common.Address, newFee *big.Int) error {
	if m == nil || m.state == nil {
		return errNilState
	}
	if err := m.requireManager(token, caller); err != nil {
		return err
	}
	if err := m.ActualizeFee(token); err != nil {
		return err
	}
	fs, err := m.state.FeeState(token)
	if err != nil {
		return err
	}
	if fs == nil {
		return ErrModuleNotInitialized
	}
	if newFee == nil {
		newFee = big.NewInt(0)
	}
	if newFee.Cmp(fs.MaxStreamingFeePercentage) > 0 {
		return ErrFeeExceedsMaximum
	}
	oldFee := new(big.Int).Set(fs.StreamingFeePercentage)
	fs.StreamingFeePercentage = new(big.Int).Set(newFee)
	if err := m.state.PutFeeState(token, fs); err != nil {
		return err
	}
	m.emit(events.StreamingFeeUpdated{Token: token, OldFee: oldFee, NewFee: newFee})
	return nil
}

// UpdateFeeRecipient rotates the manager fee recipient.
func (m *Module) UpdateFeeRecipient(caller, token, newRecipient common.Address) error {
	if m == nil || m.state == nil {
		return errNilState
	}
	if err := m.requireManager(token, caller); err != nil {
		return err
	}
	if newRecipient == (common.Address{}) {
		return ErrInvalidRecipient
	}
	fs, err := m.state.FeeState(token)
	if err != nil {
		return err
	}
	if fs == nil {
		return ErrModuleNotInitialized
	}
	oldRecipient := fs.FeeRecipient
	fs.FeeRecipient = newRecipient
	if err := m.state.PutFeeState(token, fs); err != nil {
		return err
	}
	m.emit(events.FeeRecipientUpdated{Token: token, OldRecipient: oldRecipient, NewRecipient: newRecipient})
	return nil
}

// Remove settles outstanding fees and clears the module from the token.
func (m *Module) Remove(caller, token common.Address) error {
	if m == nil || m.state == nil {
		return errNilState
	}
	if err := m.requireManager(token, caller); err != nil {
		return err
	}
	if err := m.ActualizeFee(token); err != nil {
		return err
	}
	if err := m.state.DeleteFeeState(token); err != nil {
		return err
	}
	return m.state.SetModuleState(token, m.address, types.ModuleStateNone)
}

func (m *Module) emit(evt events.TypedEvent) {
	if m == nil || m.emitter == nil {
		return
	}
	m.emitter.Emit(evt)
}
