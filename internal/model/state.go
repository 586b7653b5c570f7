package model

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AccountSnapshot is a point-in-time view of one address. CodeHash is nil
// when the account has no deployed code.
type AccountSnapshot struct {
	Address  common.Address
	Balance  *big.Int
	Nonce    uint64
	CodeHash *common.Hash
}

// IsContract reports whether code was deployed at the snapshot height.
func (s AccountSnapshot) IsContract() bool {
	return s.CodeHash != nil
}

type snapshotJSON struct {
	Address    string  `json:"address"`
	Balance    string  `json:"balance"`
	Nonce      uint64  `json:"nonce"`
	CodeHash   *string `json:"code_hash"`
	IsContract bool    `json:"is_contract"`
}

func (s AccountSnapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Address:    s.Address.Hex(),
		Balance:    BigString(s.Balance),
		Nonce:      s.Nonce,
		IsContract: s.IsContract(),
	}
	if s.CodeHash != nil {
		h := s.CodeHash.Hex()
		out.CodeHash = &h
	}
	return json.Marshal(out)
}

// AccountDiff is the delta between two snapshots of the same address.
type AccountDiff struct {
	Before        AccountSnapshot
	After         AccountSnapshot
	BalanceChange *big.Int
	NonceChange   int64
	CodeChanged   bool
}

// NewAccountDiff computes the signed deltas between before and after.
func NewAccountDiff(before, after AccountSnapshot) AccountDiff {
	beforeBal := before.Balance
	if beforeBal == nil {
		beforeBal = new(big.Int)
	}
	afterBal := after.Balance
	if afterBal == nil {
		afterBal = new(big.Int)
	}

	return AccountDiff{
		Before:        before,
		After:         after,
		BalanceChange: new(big.Int).Sub(afterBal, beforeBal),
		NonceChange:   int64(after.Nonce) - int64(before.Nonce),
		CodeChanged:   !sameCodeHash(before.CodeHash, after.CodeHash),
	}
}

type diffJSON struct {
	Before        AccountSnapshot `json:"before"`
	After         AccountSnapshot `json:"after"`
	BalanceChange string          `json:"balance_change"`
	NonceChange   int64           `json:"nonce_change"`
	CodeChanged   bool            `json:"code_changed"`
}

func (d AccountDiff) MarshalJSON() ([]byte, error) {
	return json.Marshal(diffJSON{
		Before:        d.Before,
		After:         d.After,
		BalanceChange: BigString(d.BalanceChange),
		NonceChange:   d.NonceChange,
		CodeChanged:   d.CodeChanged,
	})
}

func sameCodeHash(a, b *common.Hash) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
