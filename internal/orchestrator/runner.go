package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"txreplay/internal/analysis"
	"txreplay/internal/apperr"
	"txreplay/internal/config"
	"txreplay/internal/fork"
	"txreplay/internal/model"
	"txreplay/internal/snapshot"
	"txreplay/internal/storage"
)

const op = "orchestrate"

// BundleFetcher loads authoritative transaction data.
type BundleFetcher interface {
	FetchTransactionBundle(ctx context.Context, hash common.Hash) (*model.TransactionBundle, error)
}

// ForkController owns the fork process.
type ForkController interface {
	Start(ctx context.Context, forkBlock uint64) (fork.Handle, error)
	Kill(force bool) error
}

// Replayer re-executes a transaction on a connected fork.
type Replayer interface {
	Connect(ctx context.Context) error
	Replay(ctx context.Context, hash common.Hash, overrides map[string]string) (*model.ReplayOutcome, error)
}

// Differ computes account deltas between two heights.
type Differ interface {
	Diff(ctx context.Context, from, to *big.Int, addrs []common.Address) (map[common.Address]model.AccountDiff, error)
}

// StateBackend exposes the fork's snapshot RPC methods.
type StateBackend interface {
	snapshot.StateDumper
	snapshot.StateLoader
}

// Session is one connection to a running fork.
type Session struct {
	Replayer Replayer
	Differ   Differ
	State    StateBackend
	Close    func()
}

// Dialer opens a Session against the fork at url.
type Dialer func(ctx context.Context, url string) (*Session, error)

// Analyzer never fails; unavailability is reported in the result.
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) model.Analysis
}

// StateStore persists and restores fork state.
type StateStore interface {
	Save(ctx context.Context, dumper snapshot.StateDumper, name, txHash string, forkBlock uint64) (string, error)
	Load(ctx context.Context, loader snapshot.StateLoader, name string) (snapshot.File, error)
}

// Exporter writes the assembled result.
type Exporter interface {
	Export(ctx context.Context, result model.ResultBundle, formats []string) (map[string]string, error)
}

// Request describes one replay run.
type Request struct {
	TxHash    string
	Overrides map[string]string
	Analyze   bool
	SaveState string
	LoadState string
	Formats   []string
}

// Result is everything a run produced.
type Result struct {
	Bundle   *model.TransactionBundle
	Outcome  *model.ReplayOutcome
	Diff     map[common.Address]model.AccountDiff
	Analysis *model.Analysis
	Exports  map[string]string
	Report   model.ResultBundle
}

// Runner sequences fetch, fork, replay, diff and the optional collaborators.
type Runner struct {
	fetcher  BundleFetcher
	fork     ForkController
	dial     Dialer
	logger   *zap.Logger
	analyzer Analyzer
	states   StateStore
	exporter Exporter
	now      func() time.Time
}

// Option wires an optional collaborator.
type Option func(*Runner)

func WithAnalyzer(a Analyzer) Option {
	return func(r *Runner) { r.analyzer = a }
}

func WithStateStore(s StateStore) Option {
	return func(r *Runner) { r.states = s }
}

func WithExporter(e Exporter) Option {
	return func(r *Runner) { r.exporter = e }
}

func NewRunner(fetcher BundleFetcher, forkCtl ForkController, dial Dialer, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		fetcher: fetcher,
		fork:    forkCtl,
		dial:    dial,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one replay. Once the fork has been asked to start, it is
// killed exactly once before Run returns, whatever the outcome.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	hash, err := config.ParseTxHash(req.TxHash)
	if err != nil {
		return nil, err
	}
	if err := storage.CheckFormats(req.Formats); err != nil {
		return nil, err
	}
	if len(req.Formats) > 0 && r.exporter == nil {
		return nil, apperr.New(apperr.KindValidation, op, "export requested but no exporter configured")
	}
	if (req.SaveState != "" || req.LoadState != "") && r.states == nil {
		return nil, apperr.New(apperr.KindValidation, op, "state persistence requested but no state store configured")
	}

	bundle, err := r.fetcher.FetchTransactionBundle(ctx, hash)
	if err != nil {
		return nil, err
	}
	if bundle.Transaction.BlockNumber == 0 {
		return nil, apperr.New(apperr.KindValidation, op, "transaction %s is in the genesis block; nothing to fork from", hash.Hex())
	}
	forkBlock := bundle.ForkBlock()

	var killOnce sync.Once
	defer killOnce.Do(func() {
		if kerr := r.fork.Kill(false); kerr != nil {
			r.logger.Error("fork cleanup failed", zap.Error(kerr))
		}
	})

	r.logger.Info("starting fork", zap.String("tx", hash.Hex()), zap.Uint64("fork_block", forkBlock))
	handle, err := r.fork.Start(ctx, forkBlock)
	if err != nil {
		return nil, err
	}

	session, err := r.dial(ctx, handle.URL())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, op, fmt.Errorf("dial fork: %w", err))
	}
	if session.Close != nil {
		defer session.Close()
	}

	if err := session.Replayer.Connect(ctx); err != nil {
		return nil, err
	}

	if req.LoadState != "" {
		if _, err := r.states.Load(ctx, session.State, req.LoadState); err != nil {
			return nil, err
		}
	}

	outcome, err := session.Replayer.Replay(ctx, hash, req.Overrides)
	if err != nil {
		return nil, err
	}

	addrs := diffAddresses(bundle.Transaction, outcome.Submitted)
	from := new(big.Int).SetUint64(forkBlock)
	to := new(big.Int).SetUint64(forkBlock + 1)
	diff, err := session.Differ.Diff(ctx, from, to, addrs)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Bundle:  bundle,
		Outcome: outcome,
		Diff:    diff,
	}

	if req.Analyze && r.analyzer != nil {
		a := r.analyzer.Analyze(ctx, analysis.Input{Bundle: bundle, Outcome: outcome, Diff: diff})
		res.Analysis = &a
	}

	report := model.ResultBundle{
		TxHash:      hash.Hex(),
		ForkBlock:   forkBlock,
		Original:    bundle,
		Outcome:     *outcome,
		StateDiff:   diff,
		Analysis:    res.Analysis,
		GeneratedAt: r.now().UTC(),
	}

	if req.SaveState != "" {
		path, err := r.states.Save(ctx, session.State, req.SaveState, hash.Hex(), forkBlock)
		if err != nil {
			return nil, err
		}
		report.StateFile = path
	}

	if len(req.Formats) > 0 {
		exports, err := r.exporter.Export(ctx, report, req.Formats)
		if err != nil {
			return nil, err
		}
		res.Exports = exports
	}
	res.Report = report

	r.logger.Info("replay finished",
		zap.String("tx", hash.Hex()),
		zap.String("status", string(outcome.Status)),
		zap.Int("diff_accounts", len(diff)),
		zap.Int("exports", len(res.Exports)),
	)
	return res, nil
}

// diffAddresses returns the sender and the original recipient, plus the
// recipient actually replayed when an override redirected the call.
// Duplicates and contract creation are skipped.
func diffAddresses(tx model.TransactionRecord, submitted model.SubmittedTransaction) []common.Address {
	addrs := []common.Address{tx.From}
	seen := map[common.Address]bool{tx.From: true}
	add := func(addr common.Address) {
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	if tx.To != nil {
		add(*tx.To)
	}
	if submitted.To != nil && common.IsHexAddress(*submitted.To) {
		add(common.HexToAddress(*submitted.To))
	}
	return addrs
}
