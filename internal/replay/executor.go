package replay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"txreplay/internal/apperr"
	"txreplay/internal/events"
	"txreplay/internal/metrics"
	"txreplay/internal/model"
)

const op = "replay"

var ErrNotConnected = errors.New("executor not connected")

// fundingBuffer is added on top of the exact shortfall when topping up the
// test account.
var fundingBuffer = new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil)

// Backend is the subset of the fork's JSON-RPC surface the executor uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	SetBalance(ctx context.Context, account common.Address, wei *big.Int) error
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
}

// Config controls how a replay is submitted and awaited.
type Config struct {
	TestKey        string
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
}

// Executor re-submits historical transactions against a fork from a funded
// test account.
type Executor struct {
	backend Backend
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Recorder
	decoder *events.Decoder

	key     *ecdsa.PrivateKey
	account common.Address
	chainID *big.Int
}

func NewExecutor(backend Backend, cfg Config, logger *zap.Logger, rec *metrics.Recorder) (*Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 60 * time.Second
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 250 * time.Millisecond
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.TestKey, "0x"))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("parse test key: %w", err))
	}
	decoder, err := events.NewDecoder()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSystem, op, fmt.Errorf("event decoder: %w", err))
	}

	return &Executor{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		metrics: rec,
		decoder: decoder,
		key:     key,
		account: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Account is the address replays are sent from.
func (e *Executor) Account() common.Address {
	return e.account
}

// Connect verifies the fork answers basic queries and caches its chain ID.
func (e *Executor) Connect(ctx context.Context) error {
	chainID, err := e.backend.ChainID(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindNetwork, op, fmt.Errorf("%w: chain id: %v", ErrNotConnected, err))
	}
	head, err := e.backend.BlockNumber(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindNetwork, op, fmt.Errorf("%w: block number: %v", ErrNotConnected, err))
	}
	e.chainID = chainID
	e.logger.Info("connected to fork",
		zap.String("chain_id", chainID.String()),
		zap.Uint64("head", head),
		zap.String("account", e.account.Hex()),
	)
	return nil
}

// Replay re-executes the transaction identified by hash with overrides
// merged over its original fields. An on-chain revert is returned as a
// failed outcome, not as an error.
func (e *Executor) Replay(ctx context.Context, hash common.Hash, overrides map[string]string) (*model.ReplayOutcome, error) {
	if e.chainID == nil {
		return nil, apperr.Wrap(apperr.KindReplay, op, ErrNotConnected)
	}

	ignored, err := checkOverrides(overrides)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}
	for _, key := range ignored {
		e.logger.Warn("override ignored; sender and nonce belong to the test account", zap.String("field", key))
	}

	original, pending, err := e.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, apperr.New(apperr.KindReplay, op, "transaction %s not visible on fork", hash.Hex())
		}
		return nil, apperr.Wrap(apperr.KindNetwork, op, fmt.Errorf("load original transaction: %w", err))
	}
	if pending {
		e.logger.Debug("original transaction reported as pending by fork", zap.String("tx", hash.Hex()))
	}

	fields, err := fieldsFromTransaction(original).apply(overrides)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindReplay, op, err)
	}

	nonce, err := e.backend.PendingNonceAt(ctx, e.account)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, op, fmt.Errorf("test account nonce: %w", err))
	}
	if err := e.ensureFunded(ctx, fields); err != nil {
		return nil, err
	}

	signed, err := types.SignTx(types.NewTx(fields.txData(nonce)), types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindReplay, op, fmt.Errorf("sign: %w", err))
	}

	e.logger.Info("submitting replay",
		zap.String("original", hash.Hex()),
		zap.String("replay", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", fields.Gas),
		zap.Int("overrides", len(overrides)),
	)

	receipt, err := e.submit(ctx, signed)
	if err != nil {
		return nil, err
	}

	outcome := &model.ReplayOutcome{
		OriginalHash: hash.Hex(),
		TxHash:       signed.Hash().Hex(),
		GasUsed:      receipt.GasUsed,
		Logs:         buildLogEntries(receipt.Logs, e.decoder),
		Submitted:    fields.submitted(e.account, nonce),
	}
	if receipt.BlockNumber != nil {
		outcome.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		outcome.Status = model.StatusSuccess
	} else {
		outcome.Status = model.StatusFailed
		reason := e.revertReason(ctx, e.account, fields, receipt.BlockNumber)
		outcome.RevertReason = &reason
	}

	e.metrics.ReplayOutcome(string(outcome.Status))
	e.logger.Info("replay included",
		zap.String("status", string(outcome.Status)),
		zap.Uint64("block", outcome.BlockNumber),
		zap.Uint64("gas_used", outcome.GasUsed),
		zap.Int("logs", len(outcome.Logs)),
	)
	return outcome, nil
}

// submit sends the transaction and waits for its receipt. A rejected send
// that still produced a receipt is treated as included.
func (e *Executor) submit(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if sendErr := e.backend.SendTransaction(ctx, tx); sendErr != nil {
		receipt, err := e.backend.TransactionReceipt(ctx, tx.Hash())
		if err == nil && receipt != nil {
			e.logger.Warn("send reported an error but the transaction was included", zap.Error(sendErr))
			return receipt, nil
		}
		return nil, apperr.Wrap(apperr.KindReplay, op, fmt.Errorf("send transaction: %w", sendErr))
	}
	return e.waitReceipt(ctx, tx.Hash())
}

// waitReceipt polls until the receipt appears. Each poll shares the
// receipt deadline, so a hung call cannot outlive it.
func (e *Executor) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(e.cfg.ReceiptPoll)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := e.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			lastErr = err
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.KindReplay, op, ctx.Err())
			}
			if lastErr != nil {
				return nil, apperr.Wrap(apperr.KindNetwork, op, fmt.Errorf("await receipt %s: %w", hash.Hex(), lastErr))
			}
			return nil, apperr.New(apperr.KindReplay, op, "receipt for %s not available after %s", hash.Hex(), e.cfg.ReceiptTimeout)
		}
	}
}

// ensureFunded tops up the test account when it cannot cover the worst-case
// cost of the transaction.
func (e *Executor) ensureFunded(ctx context.Context, f callFields) error {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(f.Gas), f.maxGasPrice())
	cost.Add(cost, f.Value)

	balance, err := e.backend.BalanceAt(ctx, e.account, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindNetwork, op, fmt.Errorf("test account balance: %w", err))
	}
	if balance.Cmp(cost) >= 0 {
		return nil
	}

	target := new(big.Int).Add(cost, fundingBuffer)
	if err := e.backend.SetBalance(ctx, e.account, target); err != nil {
		return apperr.Wrap(apperr.KindReplay, op, fmt.Errorf("fund test account: %w", err))
	}
	e.logger.Info("funded test account", zap.String("account", e.account.Hex()), zap.String("balance", target.String()))
	return nil
}

func (f callFields) txData(nonce uint64) types.TxData {
	switch f.TxType {
	case types.DynamicFeeTxType:
		return &types.DynamicFeeTx{
			Nonce:      nonce,
			GasTipCap:  f.TipCap,
			GasFeeCap:  f.FeeCap,
			Gas:        f.Gas,
			To:         f.To,
			Value:      f.Value,
			Data:       f.Data,
			AccessList: f.AccessList,
		}
	case types.AccessListTxType:
		return &types.AccessListTx{
			Nonce:      nonce,
			GasPrice:   f.GasPrice,
			Gas:        f.Gas,
			To:         f.To,
			Value:      f.Value,
			Data:       f.Data,
			AccessList: f.AccessList,
		}
	default:
		return &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: f.GasPrice,
			Gas:      f.Gas,
			To:       f.To,
			Value:    f.Value,
			Data:     f.Data,
		}
	}
}

func (f callFields) submitted(from common.Address, nonce uint64) model.SubmittedTransaction {
	s := model.SubmittedTransaction{
		From:  from.Hex(),
		Nonce: nonce,
		Value: f.Value.String(),
		Data:  hexutil.Encode(f.Data),
		Gas:   f.Gas,
	}
	if f.To != nil {
		to := f.To.Hex()
		s.To = &to
	}
	if f.TxType == types.DynamicFeeTxType {
		feeCap, tipCap := f.FeeCap.String(), f.TipCap.String()
		s.MaxFeePerGas = &feeCap
		s.MaxPriorityFeePerGas = &tipCap
	} else {
		price := f.GasPrice.String()
		s.GasPrice = &price
	}
	return s
}
