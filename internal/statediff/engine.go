package statediff

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"txreplay/internal/apperr"
	"txreplay/internal/model"
)

const op = "statediff"

// StateReader answers historical account queries.
type StateReader interface {
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error)
}

// Engine snapshots accounts and diffs them across two heights. The address
// set is fixed by the caller; touched addresses are not discovered.
type Engine struct {
	reader StateReader
	logger *zap.Logger
}

func NewEngine(reader StateReader, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{reader: reader, logger: logger}
}

// CaptureState reads balance, nonce and code for every address at block,
// all concurrently. A nil block means latest.
func (e *Engine) CaptureState(ctx context.Context, block *big.Int, addrs []common.Address) (map[common.Address]model.AccountSnapshot, error) {
	addrs = dedupe(addrs)
	out := make(map[common.Address]model.AccountSnapshot, len(addrs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			snap, err := e.snapshot(gctx, block, addr)
			if err != nil {
				return err
			}
			mu.Lock()
			out[addr] = snap
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, op, err)
	}
	return out, nil
}

func (e *Engine) snapshot(ctx context.Context, block *big.Int, addr common.Address) (model.AccountSnapshot, error) {
	var (
		balance *big.Int
		nonce   uint64
		code    []byte
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balance, err = e.reader.BalanceAt(gctx, addr, block)
		if err != nil {
			return fmt.Errorf("balance of %s at %s: %w", addr.Hex(), blockLabel(block), err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		nonce, err = e.reader.NonceAt(gctx, addr, block)
		if err != nil {
			return fmt.Errorf("nonce of %s at %s: %w", addr.Hex(), blockLabel(block), err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		code, err = e.reader.CodeAt(gctx, addr, block)
		if err != nil {
			return fmt.Errorf("code of %s at %s: %w", addr.Hex(), blockLabel(block), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.AccountSnapshot{}, err
	}

	snap := model.AccountSnapshot{
		Address: addr,
		Balance: balance,
		Nonce:   nonce,
	}
	if snap.Balance == nil {
		snap.Balance = new(big.Int)
	}
	if len(code) > 0 {
		h := crypto.Keccak256Hash(code)
		snap.CodeHash = &h
	}
	return snap, nil
}

// Diff captures both heights and pairs the snapshots per address.
func (e *Engine) Diff(ctx context.Context, from, to *big.Int, addrs []common.Address) (map[common.Address]model.AccountDiff, error) {
	var before, after map[common.Address]model.AccountSnapshot

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		before, err = e.CaptureState(gctx, from, addrs)
		return err
	})
	g.Go(func() error {
		var err error
		after, err = e.CaptureState(gctx, to, addrs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	diffs := make(map[common.Address]model.AccountDiff, len(before))
	for addr, b := range before {
		diffs[addr] = model.NewAccountDiff(b, after[addr])
	}

	e.logger.Debug("state diff computed",
		zap.String("from", blockLabel(from)),
		zap.String("to", blockLabel(to)),
		zap.Int("accounts", len(diffs)),
	)
	return diffs, nil
}

func dedupe(addrs []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(addrs))
	out := make([]common.Address, 0, len(addrs))
	for _, addr := range addrs {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func blockLabel(block *big.Int) string {
	if block == nil {
		return "latest"
	}
	return block.String()
}
