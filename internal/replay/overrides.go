package replay

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidOverride = errors.New("invalid override")
	ErrEncoding        = errors.New("encoding error")
)

// callFields are the mutable parameters of a replayed transaction.
type callFields struct {
	To       *common.Address
	Value    *big.Int
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
	FeeCap   *big.Int
	TipCap   *big.Int
	TxType   uint8

	AccessList types.AccessList
}

func fieldsFromTransaction(tx *types.Transaction) callFields {
	f := callFields{
		To:       tx.To(),
		Value:    new(big.Int).Set(tx.Value()),
		Data:     append([]byte(nil), tx.Data()...),
		Gas:      tx.Gas(),
		GasPrice: new(big.Int).Set(tx.GasPrice()),
		TxType:   tx.Type(),

		AccessList: tx.AccessList(),
	}
	switch tx.Type() {
	case types.DynamicFeeTxType, types.BlobTxType:
		// Blob payloads cannot be replayed from a plain account; keep the fee
		// market fields and submit as a dynamic-fee transaction.
		f.TxType = types.DynamicFeeTxType
		f.FeeCap = new(big.Int).Set(tx.GasFeeCap())
		f.TipCap = new(big.Int).Set(tx.GasTipCap())
	}
	return f
}

// overrideKeys maps accepted spellings onto canonical field names.
var overrideKeys = map[string]string{
	"to":                   "to",
	"value":                "value",
	"data":                 "data",
	"input":                "data",
	"gas":                  "gas",
	"gaslimit":             "gas",
	"gasprice":             "gasPrice",
	"maxfeepergas":         "maxFeePerGas",
	"maxpriorityfeepergas": "maxPriorityFeePerGas",
}

// ignoredKeys are always controlled by the executing account.
var ignoredKeys = map[string]bool{
	"from":  true,
	"nonce": true,
}

// checkOverrides rejects unknown keys and returns the ignored ones.
func checkOverrides(overrides map[string]string) ([]string, error) {
	var ignored []string
	for key := range overrides {
		norm := strings.ToLower(strings.TrimSpace(key))
		if ignoredKeys[norm] {
			ignored = append(ignored, key)
			continue
		}
		if _, ok := overrideKeys[norm]; !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidOverride, key)
		}
	}
	sort.Strings(ignored)
	return ignored, nil
}

// apply merges overrides on top of f. Values are parsed here, at submission
// time; a malformed value is an encoding error and never coerces to zero.
func (f callFields) apply(overrides map[string]string) (callFields, error) {
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		norm := strings.ToLower(strings.TrimSpace(key))
		if ignoredKeys[norm] {
			continue
		}
		field, ok := overrideKeys[norm]
		if !ok {
			return f, fmt.Errorf("%w: unknown field %q", ErrInvalidOverride, key)
		}
		raw := strings.TrimSpace(overrides[key])

		switch field {
		case "to":
			if raw == "" {
				f.To = nil
				continue
			}
			if !common.IsHexAddress(raw) {
				return f, fmt.Errorf("%w: to: invalid address %q", ErrEncoding, raw)
			}
			addr := common.HexToAddress(raw)
			f.To = &addr
		case "value":
			v, err := parseQuantity(raw)
			if err != nil {
				return f, fmt.Errorf("%w: value: %v", ErrEncoding, err)
			}
			f.Value = v
		case "data":
			if raw == "" || raw == "0x" {
				f.Data = nil
				continue
			}
			data, err := hexutil.Decode(raw)
			if err != nil {
				return f, fmt.Errorf("%w: data: %v", ErrEncoding, err)
			}
			f.Data = data
		case "gas":
			v, err := parseQuantity(raw)
			if err != nil {
				return f, fmt.Errorf("%w: gas: %v", ErrEncoding, err)
			}
			if !v.IsUint64() {
				return f, fmt.Errorf("%w: gas: %s exceeds 64 bits", ErrEncoding, raw)
			}
			f.Gas = v.Uint64()
		case "gasPrice":
			v, err := parseQuantity(raw)
			if err != nil {
				return f, fmt.Errorf("%w: gasPrice: %v", ErrEncoding, err)
			}
			f.GasPrice = v
			if f.TxType == types.DynamicFeeTxType {
				f.FeeCap = new(big.Int).Set(v)
				f.TipCap = new(big.Int).Set(v)
			}
		case "maxFeePerGas":
			v, err := parseQuantity(raw)
			if err != nil {
				return f, fmt.Errorf("%w: maxFeePerGas: %v", ErrEncoding, err)
			}
			f.toDynamic()
			f.FeeCap = v
		case "maxPriorityFeePerGas":
			v, err := parseQuantity(raw)
			if err != nil {
				return f, fmt.Errorf("%w: maxPriorityFeePerGas: %v", ErrEncoding, err)
			}
			f.toDynamic()
			f.TipCap = v
		}
	}

	if f.TxType == types.DynamicFeeTxType && f.TipCap.Cmp(f.FeeCap) > 0 {
		f.TipCap = new(big.Int).Set(f.FeeCap)
	}
	return f, nil
}

func (f *callFields) toDynamic() {
	if f.TxType == types.DynamicFeeTxType {
		return
	}
	f.TxType = types.DynamicFeeTxType
	f.FeeCap = new(big.Int).Set(f.GasPrice)
	f.TipCap = new(big.Int).Set(f.GasPrice)
}

// maxGasPrice is the most the transaction can pay per gas unit.
func (f callFields) maxGasPrice() *big.Int {
	if f.TxType == types.DynamicFeeTxType {
		return f.FeeCap
	}
	return f.GasPrice
}

// parseQuantity accepts a decimal or 0x-prefixed hex non-negative integer.
func parseQuantity(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty number")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, ok := new(big.Int).SetString(s[2:], 16)
		if !ok || s[2] == '-' || s[2] == '+' {
			return nil, fmt.Errorf("invalid hex number %q", s)
		}
		return v, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative number %q", s)
	}
	return v, nil
}
