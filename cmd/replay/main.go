package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"txreplay/internal/metrics"
)

func main() {
	root := &cobra.Command{
		Use:          "replay",
		Short:        "Replay historical transactions on a local fork",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("metrics-file", "", "write prometheus metrics to this file on exit")

	runCmd := &cobra.Command{
		Use:   "run <tx-hash>",
		Short: "Fork the chain before a transaction, replay it and diff state",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}

	addIndexerFlags(runCmd)
	runCmd.Flags().String("fork-url", "", "archive RPC URL the fork reads from")
	runCmd.Flags().String("anvil-bin", "anvil", "fork node binary")
	runCmd.Flags().String("host", "127.0.0.1", "fork listen host")
	runCmd.Flags().Int("port", 8545, "fork listen port")
	runCmd.Flags().Duration("start-timeout", 30*time.Second, "how long to wait for the fork to answer RPC")
	runCmd.Flags().Duration("probe-interval", 500*time.Millisecond, "readiness probe interval")
	runCmd.Flags().Duration("kill-grace", 5*time.Second, "grace period before the fork is force killed")
	runCmd.Flags().String("fork-log", "", "append fork output to this file")
	runCmd.Flags().Duration("rpc-timeout", 30*time.Second, "deadline for each fork RPC call")
	runCmd.Flags().Duration("receipt-timeout", 60*time.Second, "how long to wait for the replay receipt")
	runCmd.Flags().Duration("receipt-poll", 250*time.Millisecond, "receipt poll interval")
	runCmd.Flags().String("test-key", "", "hex private key of the replaying account (default: anvil account #0)")
	runCmd.Flags().StringToString("override", nil, "transaction field overrides (key=value, comma-separated)")
	runCmd.Flags().Bool("ai", false, "request a natural-language analysis")
	runCmd.Flags().String("ai-endpoint", "http://localhost:11434", "Ollama endpoint")
	runCmd.Flags().String("ai-model", "llama3", "Ollama model")
	runCmd.Flags().Duration("ai-timeout", 60*time.Second, "analysis request timeout")
	runCmd.Flags().Int("ai-retries", 2, "analysis request retries")
	runCmd.Flags().StringSlice("export", nil, "export formats: json, jsonl, markdown, postgres")
	runCmd.Flags().String("output-dir", "./reports", "directory for file exports")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN for the postgres export")
	runCmd.Flags().String("save-state", "", "save the fork state under this name after replay")
	runCmd.Flags().String("load-state", "", "load a saved fork state before replay")
	runCmd.Flags().String("state-dir", "./states", "directory for saved fork states")

	root.AddCommand(runCmd)

	fetchCmd := &cobra.Command{
		Use:   "fetch <tx-hash>",
		Short: "Fetch a transaction with its receipt and block from the indexing API",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch,
	}

	addIndexerFlags(fetchCmd)

	root.AddCommand(fetchCmd)

	diffCmd := &cobra.Command{
		Use:   "diff",
		Short: "Diff account state between two blocks",
		RunE:  runDiff,
	}

	diffCmd.Flags().String("rpc", "", "RPC URL to read state from")
	diffCmd.Flags().Uint64("from", 0, "block before")
	diffCmd.Flags().Uint64("to", 0, "block after")
	diffCmd.Flags().StringSlice("address", nil, "account addresses (comma-separated)")
	diffCmd.Flags().Duration("rpc-timeout", 30*time.Second, "deadline for each RPC call")

	root.AddCommand(diffCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addIndexerFlags(cmd *cobra.Command) {
	cmd.Flags().String("etherscan-api-key", "", "indexing API key")
	cmd.Flags().String("etherscan-url", "https://api.etherscan.io/api", "indexing API base URL")
	cmd.Flags().Uint64("chain-id", 0, "chain id for multichain endpoints (0 omits it)")
	cmd.Flags().Int("max-retries", 3, "maximum attempts per indexing query")
	cmd.Flags().Duration("retry-backoff", time.Second, "initial retry backoff")
	cmd.Flags().Duration("request-timeout", 10*time.Second, "per-request timeout")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// flushMetrics writes the registry when a metrics file is configured.
func flushMetrics(logger *zap.Logger, rec *metrics.Recorder, path string) {
	if path == "" {
		return
	}
	if err := rec.WriteTextfile(path); err != nil {
		logger.Warn("write metrics failed", zap.String("path", path), zap.Error(err))
	}
}
