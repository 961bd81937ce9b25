// Package storage persists structured tokens and streaming fee checkpoints in
// a bbolt database. Records are RLP encoded; signed position units are stored
// sign-and-magnitude because RLP cannot represent negative integers.
package storage

import (
	"bytes"
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	bolt "go.etcd.io/bbolt"

	"matrixcore/core/types"
)

var (
	ErrNotFound = errors.New("storage: record not found")

	bucketTokens = []byte("tokens")
	bucketFees   = []byte("fees")
)

// Store is a durable token and fee-state repository.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database at path and ensures the buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTokens); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketFees)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

type storedSigned struct {
	Neg bool
	Abs *big.Int
}

func newStoredSigned(v *big.Int) storedSigned {
	if v == nil {
		return storedSigned{Abs: big.NewInt(0)}
	}
	return storedSigned{Neg: v.Sign() < 0, Abs: new(big.Int).Abs(v)}
}

func (v storedSigned) value() *big.Int {
	if v.Abs == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Set(v.Abs)
	if v.Neg {
		out.Neg(out)
	}
	return out
}

type storedExternal struct {
	Module common.Address
	Unit   storedSigned
	Data   []byte
}

type storedPosition struct {
	Component   common.Address
	DefaultUnit storedSigned
	External    []storedExternal
}

type storedModule struct {
	Module common.Address
	State  uint8
}

type storedBalance struct {
	Holder common.Address
	Amount *big.Int
}

type storedToken struct {
	Address            common.Address
	Name               string
	Symbol             string
	Manager            common.Address
	TotalSupply        *big.Int
	PositionMultiplier *big.Int
	Components         []common.Address
	Positions          []storedPosition
	Modules            []storedModule
	Balances           []storedBalance
	Locked             bool
}

type storedFeeState struct {
	FeeRecipient              common.Address
	MaxStreamingFeePercentage *big.Int
	StreamingFeePercentage    *big.Int
	LastAccrualTimestamp      uint64
}

func sortedAddresses(keys []common.Address) []common.Address {
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	return keys
}

func encodeToken(tok *types.StructuredToken) (*storedToken, error) {
	record := &storedToken{
		Address:            tok.Address,
		Name:               tok.Name,
		Symbol:             tok.Symbol,
		Manager:            tok.Manager,
		TotalSupply:        new(big.Int).Set(tok.TotalSupply),
		PositionMultiplier: new(big.Int).Set(tok.PositionMultiplier),
		Components:         append([]common.Address(nil), tok.Components...),
		Locked:             tok.Locked,
	}

	positionKeys := make([]common.Address, 0, len(tok.Positions))
	for component := range tok.Positions {
		positionKeys = append(positionKeys, component)
	}
	for _, component := range sortedAddresses(positionKeys) {
		pos := tok.Positions[component]
		stored := storedPosition{
			Component:   component,
			DefaultUnit: newStoredSigned(pos.DefaultUnit),
		}
		for _, module := range pos.ExternalModules {
			ext := pos.External[module]
			if ext == nil {
				continue
			}
			stored.External = append(stored.External, storedExternal{
				Module: module,
				Unit:   newStoredSigned(ext.Unit),
				Data:   append([]byte(nil), ext.Data...),
			})
		}
		record.Positions = append(record.Positions, stored)
	}

	moduleKeys := make([]common.Address, 0, len(tok.Modules))
	for module := range tok.Modules {
		moduleKeys = append(moduleKeys, module)
	}
	for _, module := range sortedAddresses(moduleKeys) {
		record.Modules = append(record.Modules, storedModule{Module: module, State: uint8(tok.Modules[module])})
	}

	balanceKeys := make([]common.Address, 0, len(tok.Balances))
	for holder := range tok.Balances {
		balanceKeys = append(balanceKeys, holder)
	}
	for _, holder := range sortedAddresses(balanceKeys) {
		balance := tok.Balances[holder]
		if balance == nil || balance.Sign() == 0 {
			continue
		}
		record.Balances = append(record.Balances, storedBalance{Holder: holder, Amount: new(big.Int).Set(balance)})
	}
	return record, nil
}

func decodeToken(record *storedToken) *types.StructuredToken {
	tok := &types.StructuredToken{
		Address:            record.Address,
		Name:               record.Name,
		Symbol:             record.Symbol,
		Manager:            record.Manager,
		TotalSupply:        new(big.Int).Set(record.TotalSupply),
		PositionMultiplier: new(big.Int).Set(record.PositionMultiplier),
		Components:         append([]common.Address(nil), record.Components...),
		Positions:          make(map[common.Address]*types.Position, len(record.Positions)),
		Modules:            make(map[common.Address]types.ModuleState, len(record.Modules)),
		Balances:           make(map[common.Address]*big.Int, len(record.Balances)),
		Locked:             record.Locked,
	}
	for _, stored := range record.Positions {
		pos := &types.Position{
			DefaultUnit: stored.DefaultUnit.value(),
			External:    make(map[common.Address]*types.ExternalPosition, len(stored.External)),
		}
		for _, ext := range stored.External {
			pos.External[ext.Module] = &types.ExternalPosition{
				Unit: ext.Unit.value(),
				Data: append([]byte(nil), ext.Data...),
			}
			pos.ExternalModules = append(pos.ExternalModules, ext.Module)
		}
		tok.Positions[stored.Component] = pos
	}
	for _, stored := range record.Modules {
		tok.Modules[stored.Module] = types.ModuleState(stored.State)
	}
	for _, stored := range record.Balances {
		tok.Balances[stored.Holder] = new(big.Int).Set(stored.Amount)
	}
	return tok
}

// SaveToken writes the token record, replacing any previous version.
func (s *Store) SaveToken(tok *types.StructuredToken) error {
	if tok == nil {
		return ErrNotFound
	}
	record, err := encodeToken(tok)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Put(tok.Address.Bytes(), encoded)
	})
}

// LoadToken reads the token record for the address.
func (s *Store) LoadToken(addr common.Address) (*types.StructuredToken, error) {
	var record storedToken
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTokens).Get(addr.Bytes())
		if raw == nil {
			return ErrNotFound
		}
		return rlp.DecodeBytes(raw, &record)
	})
	if err != nil {
		return nil, err
	}
	return decodeToken(&record), nil
}

// DeleteToken removes the token record.
func (s *Store) DeleteToken(addr common.Address) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete(addr.Bytes())
	})
}

// ListTokens returns every stored token address in key order.
func (s *Store) ListTokens() ([]common.Address, error) {
	var addrs []common.Address
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(key, _ []byte) error {
			addrs = append(addrs, common.BytesToAddress(key))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// SaveFeeState writes the streaming fee checkpoint for the token.
func (s *Store) SaveFeeState(token common.Address, fs *types.FeeState) error {
	if fs == nil {
		return ErrNotFound
	}
	record := &storedFeeState{
		FeeRecipient:              fs.FeeRecipient,
		MaxStreamingFeePercentage: new(big.Int).Set(fs.MaxStreamingFeePercentage),
		StreamingFeePercentage:    new(big.Int).Set(fs.StreamingFeePercentage),
		LastAccrualTimestamp:      uint64(fs.LastAccrualTimestamp),
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFees).Put(token.Bytes(), encoded)
	})
}

// LoadFeeState reads the streaming fee checkpoint for the token.
func (s *Store) LoadFeeState(token common.Address) (*types.FeeState, error) {
	var record storedFeeState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFees).Get(token.Bytes())
		if raw == nil {
			return ErrNotFound
		}
		return rlp.DecodeBytes(raw, &record)
	})
	if err != nil {
		return nil, err
	}
	return &types.FeeState{
		FeeRecipient:              record.FeeRecipient,
		MaxStreamingFeePercentage: record.MaxStreamingFeePercentage,
		StreamingFeePercentage:    record.StreamingFeePercentage,
		LastAccrualTimestamp:      int64(record.LastAccrualTimestamp),
	}, nil
}

// DeleteFeeState removes the streaming fee checkpoint.
func (s *Store) DeleteFeeState(token common.Address) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFees).Delete(token.Bytes())
	})
}
