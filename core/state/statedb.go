// Package state provides the in-memory, journaled backing store shared by the
// native modules. Every mutation flows through the StateDB so a settlement
// call can be rolled back as a whole when any step fails.
package state

import (
	"errors"

	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"matrixcore/core/types"
)

var (
	ErrTokenNotFound         = errors.New("state: token not found")
	ErrTokenExists           = errors.New("state: token already exists")
	ErrTokenLocked           = errors.New("state: token locked")
	ErrTokenNotLocked        = errors.New("state: token not locked")
	ErrInsufficientBalance   = errors.New("state: insufficient balance")
	ErrInsufficientAllowance = errors.New("state: insufficient allowance")
	ErrBalanceOverflow       = errors.New("state: balance overflow")
	ErrInvalidSnapshot       = errors.New("state: invalid snapshot id")
	ErrComponentNotFound     = errors.New("state: component not tracked")
)

// StateDB holds every structured token, the custody balances of component
// assets, and the streaming fee checkpoints. It is not safe for concurrent
// use; callers execute within a single serialized transaction context.
type StateDB struct {
	tokens     map[common.Address]*types.StructuredToken
	balances   map[common.Address]map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]map[common.Address]*uint256.Int
	feeStates  map[common.Address]*types.FeeState
	snapshots  []*snapshotRecord
	nextID     int
}

type snapshotRecord struct {
	id         int
	tokens     map[common.Address]*types.StructuredToken
	balances   map[common.Address]map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]map[common.Address]*uint256.Int
	feeStates  map[common.Address]*types.FeeState
}

// NewStateDB returns an empty store.
func NewStateDB() *StateDB {
	return &StateDB{
		tokens:     make(map[common.Address]*types.StructuredToken),
		balances:   make(map[common.Address]map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]map[common.Address]*uint256.Int),
		feeStates:  make(map[common.Address]*types.FeeState),
	}
}

func (s *StateDB) token(addr common.Address) (*types.StructuredToken, error) {
	tok, ok := s.tokens[addr]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return tok, nil
}

func (s *StateDB) position(tok *types.StructuredToken, component common.Address) *types.Position {
	if tok.Positions == nil {
		tok.Positions = make(map[common.Address]*types.Position)
	}
	pos, ok := tok.Positions[component]
	if !ok {
		pos = &types.Position{
			DefaultUnit: big.NewInt(0),
			External:    make(map[common.Address]*types.ExternalPosition),
		}
		tok.Positions[component] = pos
	}
	return pos
}

// CreateToken registers a new structured token. The supplied token is cloned.
func (s *StateDB) CreateToken(tok *types.StructuredToken) error {
	if tok == nil {
		return ErrTokenNotFound
	}
	if _, ok := s.tokens[tok.Address]; ok {
		return ErrTokenExists
	}
	s.tokens[tok.Address] = tok.Clone()
	return nil
}

// Token returns a deep copy of the stored token.
func (s *StateDB) Token(addr common.Address) (*types.StructuredToken, error) {
	tok, err := s.token(addr)
	if err != nil {
		return nil, err
	}
	return tok.Clone(), nil
}

// HasToken reports whether the token is registered.
func (s *StateDB) HasToken(addr common.Address) bool {
	_, ok := s.tokens[addr]
	return ok
}

// Manager returns the token's manager address.
func (s *StateDB) Manager(addr common.Address) (common.Address, error) {
	tok, err := s.token(addr)
	if err != nil {
		return common.Address{}, err
	}
	return tok.Manager, nil
}

// TotalSupply returns the outstanding share supply.
func (s *StateDB) TotalSupply(addr common.Address) (*big.Int, error) {
	tok, err := s.token(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(tok.TotalSupply), nil
}

// PositionMultiplier returns the token's current dilution multiplier.
func (s *StateDB) PositionMultiplier(addr common.Address) (*big.Int, error) {
	tok, err := s.token(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(tok.PositionMultiplier), nil
}

// SetPositionMultiplier replaces the dilution multiplier.
func (s *StateDB) SetPositionMultiplier(addr common.Address, multiplier *big.Int) error {
	tok, err := s.token(addr)
	if err != nil {
		return err
	}
	tok.PositionMultiplier = new(big.Int).Set(multiplier)
	return nil
}

// Components returns the tracked component list in registration order.
func (s *StateDB) Components(addr common.Address) ([]common.Address, error) {
	tok, err := s.token(addr)
	if err != nil {
		return nil, err
	}
	return append([]common.Address(nil), tok.Components...), nil
}

// AddComponent appends the component to the registration-ordered list if it is
// not already tracked.
func (s *StateDB) AddComponent(addr, component common.Address) error {
	tok, err := s.token(addr)
	if err != nil {
		return err
	}
	if tok.IsComponent(component) {
		return nil
	}
	tok.Components = append(tok.Components, component)
	s.position(tok, component)
	return nil
}

// RemoveComponent drops the component from tracking and deletes its position
// entry. Callers must have zeroed every unit first.
func (s *StateDB) RemoveComponent(addr, component common.Address) error {
	tok, err := s.token(addr)
	if err != nil {
		return err
	}
	for i, c := range tok.Components {
		if c == component {
			tok.Components = append(tok.Components[:i], tok.Components[i+1:]...)
			delete(tok.Positions, component)
			return nil
		}
	}
	return ErrComponentNotFound
}

// DefaultPositionUnit returns the stored default unit for the component.
func (s *StateDB) DefaultPositionUnit(addr, component common.Address) (*big.Int, error) {
	tok, err := s.token(addr)
	if err != nil {
		return nil, err
	}
	pos := tok.PositionOf(component)
	if pos == nil || pos.DefaultUnit == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(pos.DefaultUnit), nil
}

// SetDefaultPositionUnit stores the default unit without any component-set
// bookkeeping; the position ledger layers that on top.
func (s *StateDB) SetDefaultPositionUnit(addr, component common.Address, unit *big.Int) error {
	tok, err := s.token(addr)
	if err != nil {
		return err
	}
	pos := s.position(tok, component)
	pos.DefaultUnit = new(big.Int).Set(unit)
	return nil
}

// ExternalPositionModules lists the modules tracking external positions for
// the component, in first-touch order.
func (s *StateDB) ExternalPositionModules(addr, component common.Address) ([]common.Address, error) {
	tok, err := s.token(addr)
	if err != nil {
		return nil, err
	}
	pos := tok.PositionOf(component)
	if pos == nil {
		return nil, nil
	}
	return append([]common.Address(nil), pos.ExternalModules...), nil
}

// ExternalPositionUnit returns the stored unit tracked by the module.
func (s *StateDB) ExternalPositionUnit(addr, component, module common.Address) (*big.Int, error) {
	tok, err := s.token(addr)
	if err != nil {
		return nil, err
	}
	pos := tok.PositionOf(component)
	if pos == nil {
		return big.NewInt(0), nil
	}
	ext, ok := pos.External[module]
	if !ok || ext.Unit == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(ext.Unit), nil
}

// ExternalPositionData returns the opaque data blob tracked by the module.
func (s *StateDB) ExternalPositionData(addr, component, module common.Address) ([]byte, error) {
	tok, err := s.token(addr)
	if err != nil {
		return nil, err
	}
	pos := tok.PositionOf(component)
	if pos == nil {
		return nil, nil
	}
	ext, ok := pos.External[module]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), ext.Data...), nil
}

// SetExternalPosition stores the unit and data tracked by the module, adding
// the module to the component's ordered module list on first touch.
func (s *StateDB) SetExternalPosition(addr, component, module common.Address, unit *big.Int, data []byte) error {
	tok, err := s.token(addr)
	if err != nil {
		return err
	}
	pos := s.position(tok, component)
	ext, ok := pos.External[module]
	if !ok {
		ext = &types.ExternalPosition{}
		pos.External[module] = ext
		pos.ExternalModules = append(pos.ExternalModules, module)
	}
	ext.Unit = new(big.Int).Set(unit)
	ext.Data = append([]byte(nil), data...)
	return nil
}

// RemoveExternalPosition deletes the module's entry for the component.
func (s *StateDB) RemoveExternalPosition(addr, component, module common.Address) error {
	tok, err := s.token(addr)
	if err != nil {
		return err
	}
	pos := tok.PositionOf(component)
	if pos == nil {
		return nil
	}
	delete(pos.External, module)
	for i, m := range pos.ExternalModules {
		if m == module {
			pos.ExternalModules = append(pos.ExternalModules[:i], pos.ExternalModules[i+1:]...)
			break
		}
	}
	return nil
}

// ModuleState returns the lifecycle state of the module on the token.
func (s *StateDB) ModuleState(addr, module common.Address) (types.ModuleState, error) {
	tok, err := s.token(addr)
	if err != nil {
		return types.ModuleStateNone, err
	}
	return tok.Modules[module], nil
}

// SetModuleState updates the lifecycle state of the module on the token.
func (s *StateDB) SetModuleState(addr, module common.Address, st types.ModuleState) error {
	tok, err := s.token(addr)
	if err != nil {
		return err
	}
	if st == types.ModuleStateNone {
		delete(tok.Modules, module)
		return nil
	}
	tok.Modules[module] = st
	return nil
}

// LockToken enters the re-entrancy lock. A second entry fails with
// ErrTokenLocked.
func (s *StateDB) LockToken(addr common.Address) error {
	tok, err := s.token(addr)
	if err != nil {
		return err
	}
	if tok.Locked {
		return ErrTokenLocked
	}
	tok.Locked = true
	return nil
}

// UnlockToken releases the re-entrancy lock.
func (s *StateDB) UnlockToken(addr common.Address) error {
	tok, err := s.token(addr)
	if err != nil {
		return err
	}
	if !tok.Locked {
		return ErrTokenNotLocked
	}
	tok.Locked = false
	return nil
}

// MintSupply credits newly minted shares to the holder.
func (s *StateDB) MintSupply(addr, to common.Address, quantity *big.Int) error {
	tok, err := s.token(addr)
	if err != nil {
		return err
	}
	if quantity == nil || quantity.Sign() == 0 {
		return nil
	}
	tok.TotalSupply = new(big.Int).Add(tok.TotalSupply, quantity)
	balance := tok.Balances[to]
	if balance == nil {
		balance = big.NewInt(0)
	}
	tok.Balances[to] = new(big.Int).Add(balance, quantity)
	return nil
}

// BurnSupply removes shares from the holder and the total supply.
func (s *StateDB) BurnSupply(addr, from common.Address, quantity *big.Int) error {
	tok, err := s.token(addr)
	if err != nil {
		return err
	}
	if quantity == nil || quantity.Sign() == 0 {
		return nil
	}
	balance := tok.Balances[from]
	if balance == nil || balance.Cmp(quantity) < 0 {
		return ErrInsufficientBalance
	}
	tok.Balances[from] = new(big.Int).Sub(balance, quantity)
	tok.TotalSupply = new(big.Int).Sub(tok.TotalSupply, quantity)
	return nil
}

// ShareBalance returns the holder's balance of the structured token itself.
func (s *StateDB) ShareBalance(addr, holder common.Address) (*big.Int, error) {
	tok, err := s.token(addr)
	if err != nil {
		return nil, err
	}
	balance := tok.Balances[holder]
	if balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

// SetBalance overwrites the custody balance of an asset for a holder.
func (s *StateDB) SetBalance(asset, holder common.Address, amount *uint256.Int) {
	holders, ok := s.balances[asset]
	if !ok {
		holders = make(map[common.Address]*uint256.Int)
		s.balances[asset] = holders
	}
	holders[holder] = new(uint256.Int).Set(amount)
}

// BalanceOf returns the custody balance of an asset for a holder.
func (s *StateDB) BalanceOf(asset, holder common.Address) *uint256.Int {
	holders, ok := s.balances[asset]
	if !ok {
		return uint256.NewInt(0)
	}
	balance, ok := holders[holder]
	if !ok {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(balance)
}

// Transfer moves an asset amount between holders.
func (s *StateDB) Transfer(asset, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	fromBal := s.BalanceOf(asset, from)
	if fromBal.Lt(amount) {
		return ErrInsufficientBalance
	}
	toBal := s.BalanceOf(asset, to)
	sum, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	s.SetBalance(asset, from, new(uint256.Int).Sub(fromBal, amount))
	s.SetBalance(asset, to, sum)
	return nil
}

// Approve grants the spender an allowance over the owner's asset balance.
func (s *StateDB) Approve(asset, owner, spender common.Address, amount *uint256.Int) {
	owners, ok := s.allowances[asset]
	if !ok {
		owners = make(map[common.Address]map[common.Address]*uint256.Int)
		s.allowances[asset] = owners
	}
	spenders, ok := owners[owner]
	if !ok {
		spenders = make(map[common.Address]*uint256.Int)
		owners[owner] = spenders
	}
	spenders[spender] = new(uint256.Int).Set(amount)
}

// Allowance returns the spender's remaining allowance.
func (s *StateDB) Allowance(asset, owner, spender common.Address) *uint256.Int {
	owners, ok := s.allowances[asset]
	if !ok {
		return uint256.NewInt(0)
	}
	spenders, ok := owners[owner]
	if !ok {
		return uint256.NewInt(0)
	}
	allowance, ok := spenders[spender]
	if !ok {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(allowance)
}

// TransferFrom moves an asset amount on behalf of the spender, consuming
// allowance.
func (s *StateDB) TransferFrom(asset, spender, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	allowance := s.Allowance(asset, from, spender)
	if allowance.Lt(amount) {
		return ErrInsufficientAllowance
	}
	if err := s.Transfer(asset, from, to, amount); err != nil {
		return err
	}
	s.Approve(asset, from, spender, new(uint256.Int).Sub(allowance, amount))
	return nil
}

// FeeState returns a copy of the token's streaming fee state, or nil when the
// fee module is not initialized.
func (s *StateDB) FeeState(addr common.Address) (*types.FeeState, error) {
	if _, err := s.token(addr); err != nil {
		return nil, err
	}
	return s.feeStates[addr].Clone(), nil
}

// PutFeeState stores the token's streaming fee state.
func (s *StateDB) PutFeeState(addr common.Address, fs *types.FeeState) error {
	if _, err := s.token(addr); err != nil {
		return err
	}
	s.feeStates[addr] = fs.Clone()
	return nil
}

// DeleteFeeState clears the token's streaming fee state.
func (s *StateDB) DeleteFeeState(addr common.Address) error {
	if _, err := s.token(addr); err != nil {
		return err
	}
	delete(s.feeStates, addr)
	return nil
}

// Snapshot captures the full store and returns an identifier that can be
// reverted to. Mirrors the snapshot discipline of an EVM state database:
// revert on failure, discard on success.
func (s *StateDB) Snapshot() int {
	record := &snapshotRecord{
		id:         s.nextID,
		tokens:     copyTokens(s.tokens),
		balances:   copyBalances(s.balances),
		allowances: copyAllowances(s.allowances),
		feeStates:  copyFeeStates(s.feeStates),
	}
	s.nextID++
	s.snapshots = append(s.snapshots, record)
	return record.id
}

// RevertToSnapshot restores the store to the captured state and invalidates
// the snapshot along with any taken after it.
func (s *StateDB) RevertToSnapshot(id int) error {
	idx := s.findSnapshot(id)
	if idx < 0 {
		return ErrInvalidSnapshot
	}
	record := s.snapshots[idx]
	s.tokens = record.tokens
	s.balances = record.balances
	s.allowances = record.allowances
	s.feeStates = record.feeStates
	s.snapshots = s.snapshots[:idx]
	return nil
}

// DiscardSnapshot drops the snapshot and any taken after it, committing the
// mutations made since.
func (s *StateDB) DiscardSnapshot(id int) error {
	idx := s.findSnapshot(id)
	if idx < 0 {
		return ErrInvalidSnapshot
	}
	s.snapshots = s.snapshots[:idx]
	return nil
}

func (s *StateDB) findSnapshot(id int) int {
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].id == id {
			return i
		}
	}
	return -1
}

func copyTokens(src map[common.Address]*types.StructuredToken) map[common.Address]*types.StructuredToken {
	dst := make(map[common.Address]*types.StructuredToken, len(src))
	for addr, tok := range src {
		dst[addr] = tok.Clone()
	}
	return dst
}

func copyBalances(src map[common.Address]map[common.Address]*uint256.Int) map[common.Address]map[common.Address]*uint256.Int {
	dst := make(map[common.Address]map[common.Address]*uint256.Int, len(src))
	for asset, holders := range src {
		copied := make(map[common.Address]*uint256.Int, len(holders))
		for holder, balance := range holders {
			copied[holder] = new(uint256.Int).Set(balance)
		}
		dst[asset] = copied
	}
	return dst
}

func copyAllowances(src map[common.Address]map[common.Address]map[common.Address]*uint256.Int) map[common.Address]map[common.Address]map[common.Address]*uint256.Int {
	dst := make(map[common.Address]map[common.Address]map[common.Address]*uint256.Int, len(src))
	for asset, owners := range src {
		copiedOwners := make(map[common.Address]map[common.Address]*uint256.Int, len(owners))
		for owner, spenders := range owners {
			copiedSpenders := make(map[common.Address]*uint256.Int, len(spenders))
			for spender, allowance := range spenders {
				copiedSpenders[spender] = new(uint256.Int).Set(allowance)
			}
			copiedOwners[owner] = copiedSpenders
		}
		dst[asset] = copiedOwners
	}
	return dst
}

func copyFeeStates(src map[common.Address]*types.FeeState) map[common.Address]*types.FeeState {
	dst := make(map[common.Address]*types.FeeState, len(src))
	for addr, fs := range src {
		dst[addr] = fs.Clone()
	}
	return dst
}
