package analysis

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"txreplay/internal/model"
)

// Input is what an analyzer is asked to explain.
type Input struct {
	Bundle  *model.TransactionBundle
	Outcome *model.ReplayOutcome
	Diff    map[common.Address]model.AccountDiff
}

// Analyzer produces a natural-language explanation of a replay.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (model.Analysis, error)
}

// Guard wraps an Analyzer so that every failure becomes an unavailable
// analysis instead of an error.
type Guard struct {
	inner  Analyzer
	logger *zap.Logger
}

func NewGuard(inner Analyzer, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{inner: inner, logger: logger}
}

// Analyze never fails; a panic in the wrapped analyzer is also contained.
func (g *Guard) Analyze(ctx context.Context, in Input) (result model.Analysis) {
	if g == nil || g.inner == nil {
		return model.AnalysisUnavailable("analysis disabled")
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("analyzer panicked", zap.Any("panic", r))
			result = model.AnalysisUnavailable(fmt.Sprintf("analyzer panicked: %v", r))
		}
	}()

	analysis, err := g.inner.Analyze(ctx, in)
	if err != nil {
		g.logger.Warn("analysis unavailable", zap.Error(err))
		return model.AnalysisUnavailable(err.Error())
	}
	return analysis
}
