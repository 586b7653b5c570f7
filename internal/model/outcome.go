package model

import "encoding/json"

// ReplayStatus is the normalized result of a replay.
type ReplayStatus string

const (
	StatusSuccess ReplayStatus = "success"
	StatusFailed  ReplayStatus = "failed"
)

// DefaultRevertReason is used when a failed replay carries no decodable reason.
const DefaultRevertReason = "Transaction reverted"

// LogEntry is an event log emitted by the replayed transaction.
type LogEntry struct {
	Address   string            `json:"address"`
	Topics    []string          `json:"topics"`
	Data      string            `json:"data"`
	LogIndex  uint64            `json:"log_index"`
	EventName string            `json:"event_name,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
}

// SubmittedTransaction records the fields actually sent to the fork after
// overrides were merged.
type SubmittedTransaction struct {
	From                 string  `json:"from"`
	To                   *string `json:"to"`
	Nonce                uint64  `json:"nonce"`
	Value                string  `json:"value"`
	Data                 string  `json:"data"`
	Gas                  uint64  `json:"gas"`
	GasPrice             *string `json:"gas_price,omitempty"`
	MaxFeePerGas         *string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *string `json:"max_priority_fee_per_gas,omitempty"`
}

// ReplayOutcome is the immutable result of one replay attempt.
type ReplayOutcome struct {
	OriginalHash string               `json:"original_hash"`
	TxHash       string               `json:"tx_hash"`
	Status       ReplayStatus         `json:"status"`
	GasUsed      uint64               `json:"gas_used"`
	BlockNumber  uint64               `json:"block_number"`
	Logs         []LogEntry           `json:"logs"`
	RevertReason *string              `json:"revert_reason"`
	Submitted    SubmittedTransaction `json:"submitted"`
}

// Succeeded reports whether the replay was included with a success status.
func (o ReplayOutcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// MarshalJSON keeps an empty log list as [] rather than null.
func (o ReplayOutcome) MarshalJSON() ([]byte, error) {
	type Alias ReplayOutcome
	a := Alias(o)
	if a.Logs == nil {
		a.Logs = []LogEntry{}
	}
	return json.Marshal(a)
}
