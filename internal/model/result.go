package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Analysis is the outcome of the optional natural-language analysis. It is
// either available with text, or unavailable with a reason.
type Analysis struct {
	Available bool   `json:"available"`
	Model     string `json:"model,omitempty"`
	Text      string `json:"text,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AnalysisAvailable builds an available analysis.
func AnalysisAvailable(model, text string) Analysis {
	return Analysis{Available: true, Model: model, Text: text}
}

// AnalysisUnavailable builds the fallback marker.
func AnalysisUnavailable(reason string) Analysis {
	return Analysis{Available: false, Reason: reason}
}

// ResultBundle is everything a run produced, handed to the export sinks.
type ResultBundle struct {
	TxHash      string                         `json:"tx_hash"`
	ForkBlock   uint64                         `json:"fork_block"`
	Original    *TransactionBundle             `json:"original,omitempty"`
	Outcome     ReplayOutcome                  `json:"outcome"`
	StateDiff   map[common.Address]AccountDiff `json:"state_diff"`
	Analysis    *Analysis                      `json:"analysis,omitempty"`
	StateFile   string                         `json:"state_file,omitempty"`
	GeneratedAt time.Time                      `json:"generated_at"`
}
