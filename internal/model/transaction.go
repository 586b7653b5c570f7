package model

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TransactionRecord is the canonical description of a historical transaction.
// To is nil for contract creation.
type TransactionRecord struct {
	Hash                 common.Hash
	From                 common.Address
	To                   *common.Address
	Nonce                uint64
	Type                 uint8
	Value                *big.Int
	Input                []byte
	Gas                  uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	BlockNumber          uint64
}

// IsContractCreation reports whether the transaction deploys a contract.
func (t TransactionRecord) IsContractCreation() bool {
	return t.To == nil
}

type transactionJSON struct {
	Hash                 string  `json:"hash"`
	From                 string  `json:"from"`
	To                   *string `json:"to"`
	Nonce                uint64  `json:"nonce"`
	Type                 uint8   `json:"type"`
	Value                string  `json:"value"`
	Input                string  `json:"input"`
	Gas                  uint64  `json:"gas"`
	GasPrice             string  `json:"gas_price"`
	MaxFeePerGas         *string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *string `json:"max_priority_fee_per_gas,omitempty"`
	BlockNumber          uint64  `json:"block_number"`
}

// MarshalJSON encodes wei amounts as decimal strings.
func (t TransactionRecord) MarshalJSON() ([]byte, error) {
	out := transactionJSON{
		Hash:                 t.Hash.Hex(),
		From:                 t.From.Hex(),
		Nonce:                t.Nonce,
		Type:                 t.Type,
		Value:                BigString(t.Value),
		Input:                hexutil.Encode(t.Input),
		Gas:                  t.Gas,
		GasPrice:             BigString(t.GasPrice),
		MaxFeePerGas:         optionalBigString(t.MaxFeePerGas),
		MaxPriorityFeePerGas: optionalBigString(t.MaxPriorityFeePerGas),
		BlockNumber:          t.BlockNumber,
	}
	if t.To != nil {
		to := t.To.Hex()
		out.To = &to
	}
	return json.Marshal(out)
}

// ReceiptSummary keeps the fields of the original receipt used for comparison.
type ReceiptSummary struct {
	Status            uint64          `json:"status"`
	GasUsed           uint64          `json:"gas_used"`
	ContractAddress   *common.Address `json:"contract_address,omitempty"`
	EffectiveGasPrice string          `json:"effective_gas_price,omitempty"`
}

// BlockSummary keeps the fields of the inclusion block.
type BlockSummary struct {
	Number    uint64 `json:"number"`
	Hash      string `json:"hash"`
	Timestamp uint64 `json:"timestamp"`
	BaseFee   string `json:"base_fee,omitempty"`
}

// TransactionBundle groups a transaction with its original receipt and block.
type TransactionBundle struct {
	Transaction TransactionRecord `json:"transaction"`
	Receipt     ReceiptSummary    `json:"receipt"`
	Block       BlockSummary      `json:"block"`
}

// ForkBlock is the height the fork is pinned to: the block before inclusion.
func (b TransactionBundle) ForkBlock() uint64 {
	if b.Transaction.BlockNumber == 0 {
		return 0
	}
	return b.Transaction.BlockNumber - 1
}

// BigString renders a nil-safe decimal string.
func BigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func optionalBigString(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
