package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"txreplay/internal/model"
)

// Markdown writes a human-readable report per transaction.
type Markdown struct {
	dir string
}

func NewMarkdown(dir string) *Markdown {
	return &Markdown{dir: dir}
}

func (m *Markdown) Put(_ context.Context, result model.ResultBundle) (string, error) {
	return writeAtomic(m.dir, reportName(result, ".md"), RenderMarkdown(result))
}

// RenderMarkdown builds the report body.
func RenderMarkdown(result model.ResultBundle) []byte {
	var b bytes.Buffer
	o := result.Outcome

	fmt.Fprintf(&b, "# Replay of %s\n\n", result.TxHash)
	generated := result.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}
	fmt.Fprintf(&b, "Generated %s. Fork block %d.\n\n", generated.UTC().Format(time.RFC3339), result.ForkBlock)

	if orig := result.Original; orig != nil {
		tx := orig.Transaction
		b.WriteString("## Original transaction\n\n")
		b.WriteString("| field | value |\n|---|---|\n")
		fmt.Fprintf(&b, "| block | %d |\n", tx.BlockNumber)
		fmt.Fprintf(&b, "| from | `%s` |\n", tx.From.Hex())
		if tx.To != nil {
			fmt.Fprintf(&b, "| to | `%s` |\n", tx.To.Hex())
		} else {
			b.WriteString("| to | contract creation |\n")
		}
		fmt.Fprintf(&b, "| value | %s ETH |\n", formatEther(tx.Value))
		fmt.Fprintf(&b, "| gas limit | %d |\n", tx.Gas)
		fmt.Fprintf(&b, "| status | %s |\n", receiptStatus(orig.Receipt.Status))
		fmt.Fprintf(&b, "| gas used | %d |\n\n", orig.Receipt.GasUsed)
	}

	b.WriteString("## Replay\n\n")
	b.WriteString("| field | value |\n|---|---|\n")
	fmt.Fprintf(&b, "| status | **%s** |\n", o.Status)
	fmt.Fprintf(&b, "| replay tx | `%s` |\n", o.TxHash)
	fmt.Fprintf(&b, "| block | %d |\n", o.BlockNumber)
	fmt.Fprintf(&b, "| gas used | %d |\n", o.GasUsed)
	if o.RevertReason != nil {
		fmt.Fprintf(&b, "| revert reason | %s |\n", escapeCell(*o.RevertReason))
	}
	fmt.Fprintf(&b, "| sender | `%s` |\n", o.Submitted.From)
	fmt.Fprintf(&b, "| nonce | %d |\n", o.Submitted.Nonce)
	b.WriteString("\n")

	if len(o.Logs) > 0 {
		b.WriteString("### Events\n\n")
		b.WriteString("| # | contract | event | args |\n|---|---|---|---|\n")
		for _, log := range o.Logs {
			name := log.EventName
			if name == "" && len(log.Topics) > 0 {
				name = "`" + shortHex(log.Topics[0]) + "`"
			}
			fmt.Fprintf(&b, "| %d | `%s` | %s | %s |\n", log.LogIndex, log.Address, name, escapeCell(formatArgs(log.Args)))
		}
		b.WriteString("\n")
	}

	if len(result.StateDiff) > 0 {
		b.WriteString("## State changes\n\n")
		b.WriteString("| address | balance before | balance after | change | nonce | code changed |\n|---|---|---|---|---|---|\n")
		addrs := make([]common.Address, 0, len(result.StateDiff))
		for addr := range result.StateDiff {
			addrs = append(addrs, addr)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })
		for _, addr := range addrs {
			d := result.StateDiff[addr]
			fmt.Fprintf(&b, "| `%s` | %s ETH | %s ETH | %s ETH | %+d | %t |\n",
				addr.Hex(),
				formatEther(d.Before.Balance),
				formatEther(d.After.Balance),
				formatSignedEther(d.BalanceChange),
				d.NonceChange,
				d.CodeChanged,
			)
		}
		b.WriteString("\n")
	}

	if a := result.Analysis; a != nil {
		b.WriteString("## Analysis\n\n")
		if a.Available {
			fmt.Fprintf(&b, "_Model: %s_\n\n%s\n\n", a.Model, a.Text)
		} else {
			fmt.Fprintf(&b, "Analysis unavailable: %s\n\n", a.Reason)
		}
	}

	if result.StateFile != "" {
		fmt.Fprintf(&b, "Fork state saved to `%s`.\n", result.StateFile)
	}
	return b.Bytes()
}

func receiptStatus(status uint64) string {
	if status == 1 {
		return "success"
	}
	return "failed"
}

func formatArgs(args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+args[k])
	}
	return strings.Join(parts, ", ")
}

func shortHex(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:10] + "..."
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
