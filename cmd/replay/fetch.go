package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"txreplay/internal/config"
	"txreplay/internal/metrics"
)

func runFetch(cmd *cobra.Command, args []string) error {
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

	hash, err := config.ParseTxHash(args[0])
	if err != nil {
		return err
	}
	if err := config.ValidateAPIKey(cfg.EtherscanAPIKey); err != nil {
		return err
	}
	if err := config.ValidateRPCURL(cfg.EtherscanURL); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.NewRecorder()
	defer flushMetrics(logger, rec, cfg.MetricsFile)

	bundle, err := newIndexerClient(cfg, logger, rec).FetchTransactionBundle(ctx, hash)
	if err != nil {
		return err
	}

	logger.Info("bundle fetched",
		zap.String("tx", hash.Hex()),
		zap.Uint64("block", bundle.Transaction.BlockNumber),
		zap.Uint64("fork_block", bundle.ForkBlock()),
	)
	return printJSON(cmd, bundle)
}
