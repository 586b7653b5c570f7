package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"txreplay/internal/chain"
	"txreplay/internal/metrics"
	"txreplay/internal/replay"
	"txreplay/internal/statediff"
)

// ChainDialer connects to a fork over JSON-RPC and builds the executor and
// diff engine on the same client. Every fork call is bounded by rpcTimeout.
func ChainDialer(cfg replay.Config, rpcTimeout time.Duration, logger *zap.Logger, rec *metrics.Recorder) Dialer {
	return func(ctx context.Context, url string) (*Session, error) {
		client, err := chain.NewClient(ctx, url, chain.WithCallTimeout(rpcTimeout))
		if err != nil {
			return nil, err
		}
		executor, err := replay.NewExecutor(client, cfg, logger, rec)
		if err != nil {
			client.Close()
			return nil, err
		}
		return &Session{
			Replayer: executor,
			Differ:   statediff.NewEngine(client, logger),
			State:    client,
			Close:    client.Close,
		}, nil
	}
}
