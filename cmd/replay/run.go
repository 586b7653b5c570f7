package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"txreplay/internal/analysis"
	"txreplay/internal/apperr"
	"txreplay/internal/config"
	"txreplay/internal/etherscan"
	"txreplay/internal/fork"
	"txreplay/internal/metrics"
	"txreplay/internal/orchestrator"
	"txreplay/internal/replay"
	"txreplay/internal/snapshot"
	"txreplay/internal/storage"
)

func runReplay(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.ValidateRun(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.NewRecorder()
	defer flushMetrics(logger, rec, cfg.MetricsFile)

	indexer := newIndexerClient(cfg, logger, rec)

	forkManager := fork.NewManager(fork.Config{
		Binary:        cfg.AnvilBin,
		Host:          cfg.Host,
		Port:          cfg.Port,
		ForkURL:       cfg.ForkURL,
		StartTimeout:  cfg.StartTimeout,
		ProbeInterval: cfg.ProbeInterval,
		KillGrace:     cfg.KillGrace,
		LogFile:       cfg.ForkLog,
	}, logger.Named("fork"), fork.WithMetrics(rec))

	dial := orchestrator.ChainDialer(replay.Config{
		TestKey:        cfg.TestKey,
		ReceiptTimeout: cfg.ReceiptTimeout,
		ReceiptPoll:    cfg.ReceiptPoll,
	}, cfg.RPCTimeout, logger.Named("replay"), rec)

	opts := []orchestrator.Option{
		orchestrator.WithStateStore(snapshot.NewStore(cfg.StateDir, logger.Named("snapshot"))),
		orchestrator.WithExporter(storage.NewExporter(storage.ExportConfig{
			OutputDir: cfg.OutputDir,
			PgDSN:     cfg.PGDSN,
		}, logger.Named("export"), rec)),
	}
	if cfg.AI {
		ollama := analysis.NewOllama(analysis.Config{
			Endpoint:   cfg.AIEndpoint,
			Model:      cfg.AIModel,
			Timeout:    cfg.AITimeout,
			MaxRetries: cfg.AIRetries,
		}, logger.Named("analysis"))
		opts = append(opts, orchestrator.WithAnalyzer(analysis.NewGuard(ollama, logger)))
	}

	runner := orchestrator.NewRunner(indexer, forkManager, dial, logger, opts...)

	logger.Info("replay start",
		zap.String("tx", args[0]),
		zap.String("indexer", cfg.EtherscanURL),
		zap.Int("port", cfg.Port),
		zap.Int("overrides", len(cfg.Overrides)),
		zap.Bool("ai", cfg.AI),
		zap.Strings("export", cfg.Export),
	)

	res, err := runner.Run(ctx, orchestrator.Request{
		TxHash:    args[0],
		Overrides: cfg.Overrides,
		Analyze:   cfg.AI,
		SaveState: cfg.SaveState,
		LoadState: cfg.LoadState,
		Formats:   cfg.Export,
	})
	if err != nil {
		logger.Error("replay failed", zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))
		return err
	}

	return printJSON(cmd, res.Report)
}

func newIndexerClient(cfg config.Config, logger *zap.Logger, rec *metrics.Recorder) *etherscan.Client {
	return etherscan.NewClient(etherscan.Config{
		BaseURL:        cfg.EtherscanURL,
		APIKey:         cfg.EtherscanAPIKey,
		ChainID:        cfg.ChainID,
		MaxAttempts:    cfg.MaxRetries,
		BaseDelay:      cfg.RetryBackoff,
		RequestTimeout: cfg.RequestTimeout,
	}, logger.Named("etherscan"), etherscan.WithMetrics(rec))
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
