package etherscan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"txreplay/internal/apperr"
	"txreplay/internal/model"
)

type rpcTransaction struct {
	Hash                 common.Hash     `json:"hash"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Type                 *hexutil.Uint64 `json:"type"`
	Value                *hexutil.Big    `json:"value"`
	Input                hexutil.Bytes   `json:"input"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	BlockNumber          *hexutil.Uint64 `json:"blockNumber"`
}

type rpcReceipt struct {
	Status            *hexutil.Uint64 `json:"status"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	ContractAddress   *common.Address `json:"contractAddress"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
}

type rpcBlock struct {
	Number        hexutil.Uint64 `json:"number"`
	Hash          common.Hash    `json:"hash"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
}

// FetchTransactionBundle loads the transaction, its receipt and its block.
// The transaction and receipt queries run concurrently; the block query
// starts once the transaction has revealed its block number.
func (c *Client) FetchTransactionBundle(ctx context.Context, hash common.Hash) (*model.TransactionBundle, error) {
	var (
		tx      *model.TransactionRecord
		receipt *model.ReceiptSummary
		block   *model.BlockSummary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tx, err = c.GetTransaction(gctx, hash)
		if err != nil {
			return err
		}
		block, err = c.GetBlock(gctx, tx.BlockNumber)
		return err
	})
	g.Go(func() error {
		var err error
		receipt, err = c.GetReceipt(gctx, hash)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.logger.Debug("transaction bundle fetched",
		zap.String("tx", hash.Hex()),
		zap.Uint64("block", tx.BlockNumber),
		zap.Uint64("original_status", receipt.Status),
	)

	return &model.TransactionBundle{
		Transaction: *tx,
		Receipt:     *receipt,
		Block:       *block,
	}, nil
}

// GetTransaction fetches one transaction by hash.
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*model.TransactionRecord, error) {
	var raw rpcTransaction
	err := c.withRetry(ctx, actionTransaction, func(ctx context.Context) error {
		return c.query(ctx, actionTransaction, url.Values{"txhash": {hash.Hex()}}, &raw)
	})
	if err != nil {
		return nil, notFound(err, actionTransaction, ErrTransactionNotFound, hash.Hex())
	}
	if raw.BlockNumber == nil {
		return nil, apperr.New(apperr.KindIndexing, actionTransaction, "transaction %s is still pending", hash.Hex())
	}

	record := &model.TransactionRecord{
		Hash:                 raw.Hash,
		From:                 raw.From,
		To:                   raw.To,
		Nonce:                uint64(raw.Nonce),
		Value:                bigOrZero(raw.Value),
		Input:                []byte(raw.Input),
		Gas:                  uint64(raw.Gas),
		GasPrice:             bigOrZero(raw.GasPrice),
		MaxFeePerGas:         bigOrNil(raw.MaxFeePerGas),
		MaxPriorityFeePerGas: bigOrNil(raw.MaxPriorityFeePerGas),
		BlockNumber:          uint64(*raw.BlockNumber),
	}
	if raw.Type != nil {
		record.Type = uint8(*raw.Type)
	}
	return record, nil
}

// GetReceipt fetches the original receipt of a transaction.
func (c *Client) GetReceipt(ctx context.Context, hash common.Hash) (*model.ReceiptSummary, error) {
	var raw rpcReceipt
	err := c.withRetry(ctx, actionReceipt, func(ctx context.Context) error {
		return c.query(ctx, actionReceipt, url.Values{"txhash": {hash.Hex()}}, &raw)
	})
	if err != nil {
		return nil, notFound(err, actionReceipt, ErrReceiptNotFound, hash.Hex())
	}

	// Pre-Byzantium receipts carry a state root instead of a status flag.
	status := uint64(1)
	if raw.Status != nil {
		status = uint64(*raw.Status)
	}
	summary := &model.ReceiptSummary{
		Status:          status,
		GasUsed:         uint64(raw.GasUsed),
		ContractAddress: raw.ContractAddress,
	}
	if raw.EffectiveGasPrice != nil {
		summary.EffectiveGasPrice = raw.EffectiveGasPrice.ToInt().String()
	}
	return summary, nil
}

// GetBlock fetches a block header by number.
func (c *Client) GetBlock(ctx context.Context, number uint64) (*model.BlockSummary, error) {
	var raw rpcBlock
	params := url.Values{
		"tag":     {hexutil.EncodeUint64(number)},
		"boolean": {"false"},
	}
	err := c.withRetry(ctx, actionBlock, func(ctx context.Context) error {
		return c.query(ctx, actionBlock, params, &raw)
	})
	if err != nil {
		return nil, notFound(err, actionBlock, ErrBlockNotFound, fmt.Sprintf("%d", number))
	}

	summary := &model.BlockSummary{
		Number:    uint64(raw.Number),
		Hash:      raw.Hash.Hex(),
		Timestamp: uint64(raw.Timestamp),
	}
	if raw.BaseFeePerGas != nil {
		summary.BaseFee = raw.BaseFeePerGas.ToInt().String()
	}
	return summary, nil
}

// notFound converts an exhausted "not yet indexed" condition into the
// resource-specific sentinel. Any other error is returned as observed.
func notFound(err error, action string, sentinel error, id string) error {
	if errors.Is(err, errNullResult) {
		return apperr.Wrap(apperr.KindIndexing, action, fmt.Errorf("%w: %s", sentinel, id))
	}
	return err
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}

func bigOrNil(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v.ToInt())
}
