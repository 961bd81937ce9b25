package issuance

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"matrixcore/core/events"
	"matrixcore/core/state"
	"matrixcore/core/types"
	"matrixcore/native/fixedpoint"
)

var (
	engineAddr      = common.BytesToAddress([]byte{0x10, 0x01})
	tokenAddr       = common.BytesToAddress([]byte{0x10, 0x02})
	managerAddr     = common.BytesToAddress([]byte{0x10, 0x03})
	callerAddr      = common.BytesToAddress([]byte{0x10, 0x04})
	recipientAddr   = common.BytesToAddress([]byte{0x10, 0x05})
	managerFeeAddr  = common.BytesToAddress([]byte{0x10, 0x06})
	protocolFeeAddr = common.BytesToAddress([]byte{0x10, 0x07})
	wethAddr        = common.BytesToAddress([]byte{0x10, 0x08})
	daiAddr         = common.BytesToAddress([]byte{0x10, 0x09})
	debtModuleAddr  = common.BytesToAddress([]byte{0x10, 0x0a})
	hookModuleAddr  = common.BytesToAddress([]byte{0x10, 0x0b})
	extraAssetAddr  = common.BytesToAddress([]byte{0x10, 0x0c})
)

func amount(t *testing.T, raw string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		t.Fatalf("bad amount literal %q", raw)
	}
	return v
}

type stubController struct {
	tokens    map[common.Address]bool
	modules   map[common.Address]bool
	fee       *big.Int
	recipient common.Address
}

func (c *stubController) IsTokenEnabled(token common.Address) bool   { return c.tokens[token] }
func (c *stubController) IsModuleEnabled(module common.Address) bool { return c.modules[module] }

func (c *stubController) ProtocolFee(common.Address, uint8) *big.Int {
	if c.fee == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(c.fee)
}

func (c *stubController) ProtocolFeeRecipient() common.Address { return c.recipient }

type fixture struct {
	engine     *Engine
	db         *state.StateDB
	controller *stubController
	dispatcher *Dispatcher
	emitter    *events.MemoryEmitter
}

func newFixture(t *testing.T, issueFee, redeemFee *big.Int) *fixture {
	t.Helper()
	db := state.NewStateDB()
	tok := types.NewStructuredToken(tokenAddr, managerAddr, "Matrix Basket", "MBX", fixedpoint.Unit)
	if err := db.CreateToken(tok); err != nil {
		t.Fatalf("create token: %v", err)
	}
	if err := db.AddComponent(tokenAddr, wethAddr); err != nil {
		t.Fatalf("add weth: %v", err)
	}
	if err := db.SetDefaultPositionUnit(tokenAddr, wethAddr, new(big.Int).Set(fixedpoint.Unit)); err != nil {
		t.Fatalf("set weth unit: %v", err)
	}
	if err := db.AddComponent(tokenAddr, daiAddr); err != nil {
		t.Fatalf("add dai: %v", err)
	}
	if err := db.SetDefaultPositionUnit(tokenAddr, daiAddr, amount(t, "100000000000000000000")); err != nil {
		t.Fatalf("set dai unit: %v", err)
	}
	if err := db.SetModuleState(tokenAddr, engineAddr, types.ModuleStatePending); err != nil {
		t.Fatalf("set pending: %v", err)
	}

	controller := &stubController{
		tokens:    map[common.Address]bool{tokenAddr: true},
		modules:   make(map[common.Address]bool),
		fee:       amount(t, "100000000000000000"),
		recipient: protocolFeeAddr,
	}
	emitter := &events.MemoryEmitter{}
	dispatcher := NewDispatcher(controller)
	engine := NewEngine(engineAddr, controller)
	engine.SetState(db)
	engine.SetDispatcher(dispatcher)
	engine.SetEmitter(emitter)

	settings := Settings{
		MaxManagerFee:    amount(t, "20000000000000000"),
		ManagerIssueFee:  issueFee,
		ManagerRedeemFee: redeemFee,
		FeeRecipient:     managerFeeAddr,
	}
	if err := engine.Initialize(managerAddr, tokenAddr, settings); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return &fixture{engine: engine, db: db, controller: controller, dispatcher: dispatcher, emitter: emitter}
}

func (f *fixture) fund(t *testing.T, asset, holder common.Address, value *big.Int) {
	t.Helper()
	balance, overflow := uint256.FromBig(value)
	if overflow {
		t.Fatalf("funding amount overflows")
	}
	f.db.SetBalance(asset, holder, balance)
	f.db.Approve(asset, holder, engineAddr, new(uint256.Int).Not(uint256.NewInt(0)))
}

func (f *fixture) custody(asset common.Address) *uint256.Int {
	return f.db.BalanceOf(asset, tokenAddr)
}

func requireBalance(t *testing.T, got *uint256.Int, want *big.Int) {
	t.Helper()
	expected, _ := uint256.FromBig(want)
	if !got.Eq(expected) {
		t.Fatalf("balance = %s, want %s", got.Dec(), want.String())
	}
}

func requireShares(t *testing.T, db *state.StateDB, holder common.Address, want *big.Int) {
	t.Helper()
	got, err := db.ShareBalance(tokenAddr, holder)
	if err != nil {
		t.Fatalf("share balance: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("shares = %s, want %s", got, want)
	}
}

func TestIssueCollectsComponentFlows(t *testing.T) {
	fee := big.NewInt(5_000_000_000_000_000)
	f := newFixture(t, fee, fee)
	f.fund(t, wethAddr, callerAddr, amount(t, "2000000000000000000"))
	f.fund(t, daiAddr, callerAddr, amount(t, "200000000000000000000"))

	if err := f.engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), recipientAddr); err != nil {
		t.Fatalf("issue: %v", err)
	}

	requireBalance(t, f.custody(wethAddr), amount(t, "1005000000000000000"))
	requireBalance(t, f.custody(daiAddr), amount(t, "100500000000000000000"))
	requireBalance(t, f.db.BalanceOf(wethAddr, callerAddr), amount(t, "995000000000000000"))
	requireBalance(t, f.db.BalanceOf(daiAddr, callerAddr), amount(t, "99500000000000000000"))

	requireShares(t, f.db, recipientAddr, new(big.Int).Set(fixedpoint.Unit))
	requireShares(t, f.db, managerFeeAddr, amount(t, "4500000000000000"))
	requireShares(t, f.db, protocolFeeAddr, amount(t, "500000000000000"))

	supply, err := f.db.TotalSupply(tokenAddr)
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply.Cmp(amount(t, "1005000000000000000")) != 0 {
		t.Fatalf("total supply = %s", supply)
	}

	completed := f.emitter.ByType(events.TypeIssueCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected 1 issue event, got %d", len(completed))
	}
	evt := completed[0].(events.IssueCompleted)
	if evt.FeeQuantity.Cmp(amount(t, "5000000000000000")) != 0 {
		t.Fatalf("fee quantity = %s", evt.FeeQuantity)
	}
	if evt.ProtocolFeeQuantity.Cmp(amount(t, "500000000000000")) != 0 {
		t.Fatalf("protocol fee = %s", evt.ProtocolFeeQuantity)
	}
}

func TestIssueScalesByPositionMultiplier(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	if err := f.db.SetPositionMultiplier(tokenAddr, amount(t, "980000000000000000")); err != nil {
		t.Fatalf("set multiplier: %v", err)
	}
	f.fund(t, wethAddr, callerAddr, amount(t, "1000000000000000000"))
	f.fund(t, daiAddr, callerAddr, amount(t, "100000000000000000000"))

	if err := f.engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr); err != nil {
		t.Fatalf("issue: %v", err)
	}
	requireBalance(t, f.custody(wethAddr), amount(t, "980000000000000000"))
	requireBalance(t, f.custody(daiAddr), amount(t, "98000000000000000000"))
}

func TestIssueMinimalQuantityRoundsFlowsUp(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	f.fund(t, wethAddr, callerAddr, big.NewInt(10))
	f.fund(t, daiAddr, callerAddr, big.NewInt(1000))

	if err := f.engine.Issue(callerAddr, tokenAddr, big.NewInt(1), callerAddr); err != nil {
		t.Fatalf("issue: %v", err)
	}
	requireBalance(t, f.custody(wethAddr), big.NewInt(1))
	requireBalance(t, f.custody(daiAddr), big.NewInt(100))
	requireShares(t, f.db, callerAddr, big.NewInt(1))

	// With a fractional multiplier the sub-wei WETH flow still rounds up to a
	// nonzero pull.
	if err := f.db.SetPositionMultiplier(tokenAddr, amount(t, "980000000000000000")); err != nil {
		t.Fatalf("set multiplier: %v", err)
	}
	if err := f.engine.Issue(callerAddr, tokenAddr, big.NewInt(1), callerAddr); err != nil {
		t.Fatalf("issue: %v", err)
	}
	requireBalance(t, f.custody(wethAddr), big.NewInt(2))
	requireBalance(t, f.custody(daiAddr), big.NewInt(198))
}

func TestIssueRejectsZeroQuantity(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	if err := f.engine.Issue(callerAddr, tokenAddr, big.NewInt(0), callerAddr); !errors.Is(err, ErrZeroQuantity) {
		t.Fatalf("expected ErrZeroQuantity, got %v", err)
	}
	if err := f.engine.Issue(callerAddr, tokenAddr, big.NewInt(-1), callerAddr); !errors.Is(err, ErrZeroQuantity) {
		t.Fatalf("expected ErrZeroQuantity for negative, got %v", err)
	}
}

func TestIssueRequiresInitializedModule(t *testing.T) {
	db := state.NewStateDB()
	tok := types.NewStructuredToken(tokenAddr, managerAddr, "Matrix Basket", "MBX", fixedpoint.Unit)
	if err := db.CreateToken(tok); err != nil {
		t.Fatalf("create token: %v", err)
	}
	controller := &stubController{tokens: map[common.Address]bool{tokenAddr: true}, recipient: protocolFeeAddr}
	engine := NewEngine(engineAddr, controller)
	engine.SetState(db)
	if err := engine.Issue(callerAddr, tokenAddr, big.NewInt(1), callerAddr); !errors.Is(err, ErrModuleNotInitialized) {
		t.Fatalf("expected ErrModuleNotInitialized, got %v", err)
	}
}

func TestIssueRequiresEnabledToken(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	f.controller.tokens[tokenAddr] = false
	if err := f.engine.Issue(callerAddr, tokenAddr, big.NewInt(1), callerAddr); !errors.Is(err, ErrTokenNotEnabled) {
		t.Fatalf("expected ErrTokenNotEnabled, got %v", err)
	}
}

func TestIssueWhileLockedFails(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	if err := f.db.LockToken(tokenAddr); err != nil {
		t.Fatalf("lock: %v", err)
	}
	err := f.engine.Issue(callerAddr, tokenAddr, big.NewInt(1), callerAddr)
	if !errors.Is(err, state.ErrTokenLocked) {
		t.Fatalf("expected ErrTokenLocked, got %v", err)
	}
}

func TestIssueRevertsWholeSettlementOnFailure(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	// Enough WETH, and a DAI allowance backed by no DAI balance: the second
	// pull fails after the first succeeded, and the revert must undo the WETH
	// pull too.
	f.fund(t, wethAddr, callerAddr, amount(t, "1000000000000000000"))
	f.db.Approve(daiAddr, callerAddr, engineAddr, new(uint256.Int).Not(uint256.NewInt(0)))

	err := f.engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr)
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	requireBalance(t, f.custody(wethAddr), big.NewInt(0))
	requireBalance(t, f.db.BalanceOf(wethAddr, callerAddr), amount(t, "1000000000000000000"))
	supply, err := f.db.TotalSupply(tokenAddr)
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply.Sign() != 0 {
		t.Fatalf("supply should stay zero, got %s", supply)
	}
	// The revert also restores the unlocked flag.
	if err := f.db.LockToken(tokenAddr); err != nil {
		t.Fatalf("token should be unlocked after revert: %v", err)
	}
	if len(f.emitter.Events) != 0 {
		t.Fatalf("no events expected on failed issue")
	}
}

func TestRedeemRoundTrip(t *testing.T) {
	fee := big.NewInt(5_000_000_000_000_000)
	f := newFixture(t, fee, fee)
	f.fund(t, wethAddr, callerAddr, amount(t, "2000000000000000000"))
	f.fund(t, daiAddr, callerAddr, amount(t, "200000000000000000000"))
	if err := f.engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr); err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := f.engine.Redeem(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), recipientAddr); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	// Redeem pays out on quantity minus the manager fee.
	requireBalance(t, f.db.BalanceOf(wethAddr, recipientAddr), amount(t, "995000000000000000"))
	requireBalance(t, f.db.BalanceOf(daiAddr, recipientAddr), amount(t, "99500000000000000000"))
	requireBalance(t, f.custody(wethAddr), amount(t, "10000000000000000"))
	requireBalance(t, f.custody(daiAddr), amount(t, "1000000000000000000"))

	requireShares(t, f.db, callerAddr, big.NewInt(0))
	// Manager and protocol collected a fee on both legs.
	requireShares(t, f.db, managerFeeAddr, amount(t, "9000000000000000"))
	requireShares(t, f.db, protocolFeeAddr, amount(t, "1000000000000000"))

	completed := f.emitter.ByType(events.TypeRedeemCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected 1 redeem event, got %d", len(completed))
	}
}

func TestRedeemRejectsInsufficientShares(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	err := f.engine.Redeem(callerAddr, tokenAddr, big.NewInt(1), callerAddr)
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestInitializeValidation(t *testing.T) {
	newEngineOnPendingToken := func(t *testing.T) *Engine {
		t.Helper()
		db := state.NewStateDB()
		tok := types.NewStructuredToken(tokenAddr, managerAddr, "Matrix Basket", "MBX", fixedpoint.Unit)
		if err := db.CreateToken(tok); err != nil {
			t.Fatalf("create token: %v", err)
		}
		if err := db.SetModuleState(tokenAddr, engineAddr, types.ModuleStatePending); err != nil {
			t.Fatalf("set pending: %v", err)
		}
		controller := &stubController{tokens: map[common.Address]bool{tokenAddr: true}, recipient: protocolFeeAddr}
		engine := NewEngine(engineAddr, controller)
		engine.SetState(db)
		return engine
	}

	t.Run("caller must be manager", func(t *testing.T) {
		engine := newEngineOnPendingToken(t)
		err := engine.Initialize(callerAddr, tokenAddr, Settings{FeeRecipient: managerFeeAddr})
		if !errors.Is(err, ErrCallerNotManager) {
			t.Fatalf("expected ErrCallerNotManager, got %v", err)
		}
	})
	t.Run("max fee above unit", func(t *testing.T) {
		engine := newEngineOnPendingToken(t)
		err := engine.Initialize(managerAddr, tokenAddr, Settings{
			MaxManagerFee: new(big.Int).Add(fixedpoint.Unit, big.NewInt(1)),
			FeeRecipient:  managerFeeAddr,
		})
		if !errors.Is(err, ErrMaxFeeTooHigh) {
			t.Fatalf("expected ErrMaxFeeTooHigh, got %v", err)
		}
	})
	t.Run("fee above max", func(t *testing.T) {
		engine := newEngineOnPendingToken(t)
		err := engine.Initialize(managerAddr, tokenAddr, Settings{
			MaxManagerFee:   big.NewInt(10),
			ManagerIssueFee: big.NewInt(11),
			FeeRecipient:    managerFeeAddr,
		})
		if !errors.Is(err, ErrFeeExceedsMaximum) {
			t.Fatalf("expected ErrFeeExceedsMaximum, got %v", err)
		}
	})
	t.Run("fee without recipient", func(t *testing.T) {
		engine := newEngineOnPendingToken(t)
		err := engine.Initialize(managerAddr, tokenAddr, Settings{
			MaxManagerFee:   big.NewInt(10),
			ManagerIssueFee: big.NewInt(5),
		})
		if !errors.Is(err, ErrInvalidRecipient) {
			t.Fatalf("expected ErrInvalidRecipient, got %v", err)
		}
	})
	t.Run("double initialize", func(t *testing.T) {
		engine := newEngineOnPendingToken(t)
		if err := engine.Initialize(managerAddr, tokenAddr, Settings{FeeRecipient: managerFeeAddr}); err != nil {
			t.Fatalf("initialize: %v", err)
		}
		err := engine.Initialize(managerAddr, tokenAddr, Settings{FeeRecipient: managerFeeAddr})
		if !errors.Is(err, ErrModuleNotPending) {
			t.Fatalf("expected ErrModuleNotPending, got %v", err)
		}
	})
}

func TestRemoveDetachesModule(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	if err := f.engine.Remove(callerAddr, tokenAddr); !errors.Is(err, ErrCallerNotManager) {
		t.Fatalf("expected ErrCallerNotManager, got %v", err)
	}
	if err := f.engine.Remove(managerAddr, tokenAddr); err != nil {
		t.Fatalf("remove: %v", err)
	}
	st, err := f.db.ModuleState(tokenAddr, engineAddr)
	if err != nil {
		t.Fatalf("module state: %v", err)
	}
	if st != types.ModuleStateNone {
		t.Fatalf("module state = %d, want none", st)
	}
	if err := f.engine.Issue(callerAddr, tokenAddr, big.NewInt(1), callerAddr); !errors.Is(err, ErrModuleNotInitialized) {
		t.Fatalf("expected ErrModuleNotInitialized after remove, got %v", err)
	}
}

func TestComputeIssuanceUnitsPreview(t *testing.T) {
	fee := big.NewInt(5_000_000_000_000_000)
	f := newFixture(t, fee, fee)
	components, equity, debt, err := f.engine.ComputeIssuanceUnits(tokenAddr, new(big.Int).Set(fixedpoint.Unit))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(components) != 2 || components[0] != wethAddr || components[1] != daiAddr {
		t.Fatalf("unexpected component order: %v", components)
	}
	if equity[0].Cmp(amount(t, "1005000000000000000")) != 0 {
		t.Fatalf("weth equity = %s", equity[0])
	}
	if equity[1].Cmp(amount(t, "100500000000000000000")) != 0 {
		t.Fatalf("dai equity = %s", equity[1])
	}
	if debt[0].Sign() != 0 || debt[1].Sign() != 0 {
		t.Fatalf("expected zero debt flows")
	}
}

func TestComputeRedemptionUnitsPreview(t *testing.T) {
	fee := big.NewInt(5_000_000_000_000_000)
	f := newFixture(t, fee, fee)
	_, equity, _, err := f.engine.ComputeRedemptionUnits(tokenAddr, new(big.Int).Set(fixedpoint.Unit))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if equity[0].Cmp(amount(t, "995000000000000000")) != 0 {
		t.Fatalf("weth payout = %s", equity[0])
	}
	if equity[1].Cmp(amount(t, "99500000000000000000")) != 0 {
		t.Fatalf("dai payout = %s", equity[1])
	}
}

// debtModule is a test double governing a negative external position. It
// implements both the hook and the debt settlement interfaces against the
// shared state store.
type debtModule struct {
	address    common.Address
	db         *state.StateDB
	shortIssue bool
	preIssue   error
	issueAdj   []Adjustment
	redeemAdj  []Adjustment
}

func (m *debtModule) PreIssueHook(common.Address, *big.Int) error { return m.preIssue }

func (m *debtModule) PostIssueHook(common.Address, *big.Int, common.Address) error { return nil }

func (m *debtModule) PreRedeemHook(common.Address, *big.Int) error { return nil }

func (m *debtModule) PostRedeemHook(common.Address, *big.Int, common.Address) error { return nil }

func (m *debtModule) IssuanceAdjustments(common.Address, *big.Int) ([]Adjustment, error) {
	return m.issueAdj, nil
}

func (m *debtModule) RedemptionAdjustments(common.Address, *big.Int) ([]Adjustment, error) {
	return m.redeemAdj, nil
}

func (m *debtModule) SettleIssuanceDebt(token, component common.Address, value *uint256.Int) error {
	if m.shortIssue {
		value = new(uint256.Int).Sub(value, uint256.NewInt(1))
	}
	return m.db.Transfer(component, token, m.address, value)
}

func (m *debtModule) SettleRedemptionDebt(token, component common.Address, value *uint256.Int) error {
	return m.db.Transfer(component, m.address, token, value)
}

func (f *fixture) addDebtPosition(t *testing.T, unit *big.Int) *debtModule {
	t.Helper()
	module := &debtModule{address: debtModuleAddr, db: f.db}
	f.controller.modules[debtModuleAddr] = true
	f.dispatcher.RegisterHook(tokenAddr, debtModuleAddr, module)
	if err := f.db.SetExternalPosition(tokenAddr, daiAddr, debtModuleAddr, unit, nil); err != nil {
		t.Fatalf("set external position: %v", err)
	}
	// The DAI leg is pure debt in these scenarios.
	if err := f.db.SetDefaultPositionUnit(tokenAddr, daiAddr, big.NewInt(0)); err != nil {
		t.Fatalf("zero dai default: %v", err)
	}
	return module
}

func TestIssueSettlesDebtThroughModule(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	f.addDebtPosition(t, amount(t, "-50000000000000000000"))
	f.fund(t, wethAddr, callerAddr, amount(t, "1000000000000000000"))
	f.fund(t, daiAddr, callerAddr, amount(t, "50000000000000000000"))

	if err := f.engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr); err != nil {
		t.Fatalf("issue: %v", err)
	}

	requireBalance(t, f.custody(wethAddr), amount(t, "1000000000000000000"))
	requireBalance(t, f.custody(daiAddr), big.NewInt(0))
	requireBalance(t, f.db.BalanceOf(daiAddr, debtModuleAddr), amount(t, "50000000000000000000"))
	requireBalance(t, f.db.BalanceOf(daiAddr, callerAddr), big.NewInt(0))
}

func TestRedeemReturnsDebtThroughModule(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	f.addDebtPosition(t, amount(t, "-50000000000000000000"))
	f.fund(t, wethAddr, callerAddr, amount(t, "1000000000000000000"))
	f.fund(t, daiAddr, callerAddr, amount(t, "50000000000000000000"))
	if err := f.engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr); err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := f.engine.Redeem(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	requireBalance(t, f.db.BalanceOf(wethAddr, callerAddr), amount(t, "1000000000000000000"))
	requireBalance(t, f.db.BalanceOf(daiAddr, callerAddr), amount(t, "50000000000000000000"))
	requireBalance(t, f.db.BalanceOf(daiAddr, debtModuleAddr), big.NewInt(0))
	requireBalance(t, f.custody(wethAddr), big.NewInt(0))
	requireBalance(t, f.custody(daiAddr), big.NewInt(0))
}

func TestIssueDetectsDebtSettlementVariance(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	module := f.addDebtPosition(t, amount(t, "-50000000000000000000"))
	module.shortIssue = true
	f.fund(t, wethAddr, callerAddr, amount(t, "1000000000000000000"))
	f.fund(t, daiAddr, callerAddr, amount(t, "50000000000000000000"))

	err := f.engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr)
	if !errors.Is(err, ErrDebtSettlementVariance) {
		t.Fatalf("expected ErrDebtSettlementVariance, got %v", err)
	}
	requireBalance(t, f.custody(wethAddr), big.NewInt(0))
	requireBalance(t, f.db.BalanceOf(daiAddr, callerAddr), amount(t, "50000000000000000000"))
	requireBalance(t, f.db.BalanceOf(daiAddr, debtModuleAddr), big.NewInt(0))
}

func TestIssueRejectsDefaultDebtPosition(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	if err := f.db.SetDefaultPositionUnit(tokenAddr, daiAddr, amount(t, "-50000000000000000000")); err != nil {
		t.Fatalf("set dai unit: %v", err)
	}
	f.fund(t, wethAddr, callerAddr, amount(t, "1000000000000000000"))
	f.fund(t, daiAddr, callerAddr, amount(t, "50000000000000000000"))

	err := f.engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr)
	if !errors.Is(err, ErrDebtWithoutModule) {
		t.Fatalf("expected ErrDebtWithoutModule, got %v", err)
	}
	requireBalance(t, f.custody(wethAddr), big.NewInt(0))
}

func TestIssueRejectsDisabledDebtModule(t *testing.T) {
	f := newFixture(t, big.NewInt(0), big.NewInt(0))
	f.addDebtPosition(t, amount(t, "-50000000000000000000"))
	f.controller.modules[debtModuleAddr] = false
	f.fund(t, wethAddr, callerAddr, amount(t, "1000000000000000000"))
	f.fund(t, daiAddr, callerAddr, amount(t, "50000000000000000000"))

	err := f.engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr)
	if !errors.Is(err, ErrUnauthorizedModule) {
		t.Fatalf("expected ErrUnauthorizedModule, got %v", err)
	}
}

// recordingManagerHook captures manager pre-issue invocations.
type recordingManagerHook struct {
	called   bool
	token    common.Address
	quantity *big.Int
	err      error
}

func (h *recordingManagerHook) InvokePreIssueHook(token common.Address, quantity *big.Int, caller, to common.Address) error {
	h.called = true
	h.token = token
	h.quantity = new(big.Int).Set(quantity)
	return h.err
}

func TestManagerIssuanceHookRunsBeforeFlows(t *testing.T) {
	db := state.NewStateDB()
	tok := types.NewStructuredToken(tokenAddr, managerAddr, "Matrix Basket", "MBX", fixedpoint.Unit)
	if err := db.CreateToken(tok); err != nil {
		t.Fatalf("create token: %v", err)
	}
	if err := db.AddComponent(tokenAddr, wethAddr); err != nil {
		t.Fatalf("add weth: %v", err)
	}
	if err := db.SetDefaultPositionUnit(tokenAddr, wethAddr, new(big.Int).Set(fixedpoint.Unit)); err != nil {
		t.Fatalf("set unit: %v", err)
	}
	if err := db.SetModuleState(tokenAddr, engineAddr, types.ModuleStatePending); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	controller := &stubController{tokens: map[common.Address]bool{tokenAddr: true}, recipient: protocolFeeAddr}
	engine := NewEngine(engineAddr, controller)
	engine.SetState(db)

	hook := &recordingManagerHook{err: errors.New("issuance gated")}
	if err := engine.Initialize(managerAddr, tokenAddr, Settings{
		FeeRecipient:        managerFeeAddr,
		ManagerIssuanceHook: hook,
		HookAddress:         hookModuleAddr,
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	balance, _ := uint256.FromBig(fixedpoint.Unit)
	db.SetBalance(wethAddr, callerAddr, balance)
	db.Approve(wethAddr, callerAddr, engineAddr, balance)

	err := engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr)
	if err == nil || err.Error() != "issuance gated" {
		t.Fatalf("expected hook error, got %v", err)
	}
	if !hook.called {
		t.Fatalf("manager hook was not invoked")
	}
	if !db.BalanceOf(wethAddr, callerAddr).Eq(balance) {
		t.Fatalf("hook failure must leave balances untouched")
	}

	hook.err = nil
	if err := engine.Issue(callerAddr, tokenAddr, new(big.Int).Set(fixedpoint.Unit), callerAddr); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if hook.quantity.Cmp(fixedpoint.Unit) != 0 {
		t.Fatalf("hook saw quantity %s", hook.quantity)
	}
}
