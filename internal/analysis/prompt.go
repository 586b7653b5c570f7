package analysis

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/ethereum/go-ethereum/common"

	"txreplay/internal/model"
)

var promptTemplate = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"deref":  func(s *string) string { return *s },
	"topic0": topic0,
	"args":   formatArgs,
}).Parse(`You are an Ethereum transaction debugger. Explain in plain language what happened when this transaction was replayed on a fork, and why it succeeded or failed.
{{with .Bundle}}
Original transaction {{.Transaction.Hash.Hex}} in block {{.Transaction.BlockNumber}}:
- from: {{.Transaction.From.Hex}}
- to: {{if .Transaction.To}}{{.Transaction.To.Hex}}{{else}}(contract creation){{end}}
- value (wei): {{.Transaction.Value}}
- gas limit: {{.Transaction.Gas}}
- original gas used: {{.Receipt.GasUsed}}
{{- end}}
{{- if .OriginalStatus}}
- original status: {{.OriginalStatus}}
{{- end}}

Replay:
- status: {{.Outcome.Status}}
- gas used: {{.Outcome.GasUsed}}
- block: {{.Outcome.BlockNumber}}
{{- if .Outcome.RevertReason}}
- revert reason: {{deref .Outcome.RevertReason}}
{{- end}}
- submitted value (wei): {{.Outcome.Submitted.Value}}
- calldata: {{.Outcome.Submitted.Data}}
{{- if .Outcome.Logs}}

Events:
{{- range .Outcome.Logs}}
- {{if .EventName}}{{.EventName}}({{args .Args}}){{else}}log {{topic0 .Topics}}{{end}} at {{.Address}}
{{- end}}
{{- end}}
{{- if .Diffs}}

State changes:
{{- range .Diffs}}
- {{.Address}}: balance {{.Change}} wei, nonce {{.Nonce}}{{if .CodeChanged}}, code changed{{end}}
{{- end}}
{{- end}}

Answer in at most three short paragraphs.
`))

type promptDiff struct {
	Address     string
	Change      string
	Nonce       int64
	CodeChanged bool
}

type promptData struct {
	Bundle         *model.TransactionBundle
	OriginalStatus string
	Outcome        *model.ReplayOutcome
	Diffs          []promptDiff
}

// BuildPrompt renders the analysis prompt. Diffs are listed in address order.
func BuildPrompt(in Input) (string, error) {
	if in.Outcome == nil {
		return "", fmt.Errorf("missing replay outcome")
	}

	addrs := make([]common.Address, 0, len(in.Diff))
	for addr := range in.Diff {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })

	data := promptData{Bundle: in.Bundle, Outcome: in.Outcome}
	if in.Bundle != nil {
		data.OriginalStatus = "failed"
		if in.Bundle.Receipt.Status == 1 {
			data.OriginalStatus = "success"
		}
	}
	for _, addr := range addrs {
		d := in.Diff[addr]
		data.Diffs = append(data.Diffs, promptDiff{
			Address:     addr.Hex(),
			Change:      model.BigString(d.BalanceChange),
			Nonce:       d.NonceChange,
			CodeChanged: d.CodeChanged,
		})
	}

	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func topic0(topics []string) string {
	if len(topics) == 0 {
		return "(anonymous)"
	}
	return topics[0]
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
