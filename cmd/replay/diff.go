package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"txreplay/internal/apperr"
	"txreplay/internal/chain"
	"txreplay/internal/config"
	"txreplay/internal/statediff"
)

func runDiff(cmd *cobra.Command, _ []string) error {
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

	rpcURL, _ := cmd.Flags().GetString("rpc")
	from, _ := cmd.Flags().GetUint64("from")
	to, _ := cmd.Flags().GetUint64("to")
	rawAddrs, _ := cmd.Flags().GetStringSlice("address")

	if err := config.ValidateRPCURL(rpcURL); err != nil {
		return err
	}
	if to < from {
		return apperr.New(apperr.KindValidation, "diff", "--to %d is before --from %d", to, from)
	}
	addrs, err := config.ParseAddresses(rawAddrs)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return apperr.New(apperr.KindValidation, "diff", "at least one --address is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chain.NewClient(ctx, rpcURL, chain.WithCallTimeout(cfg.RPCTimeout))
	if err != nil {
		return apperr.Wrap(apperr.KindNetwork, "diff", fmt.Errorf("connect rpc: %w", err))
	}
	defer client.Close()

	engine := statediff.NewEngine(client, logger)
	diff, err := engine.Diff(ctx, new(big.Int).SetUint64(from), new(big.Int).SetUint64(to), addrs)
	if err != nil {
		return err
	}

	logger.Info("diff computed",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("accounts", len(diff)),
	)
	return printJSON(cmd, diff)
}
