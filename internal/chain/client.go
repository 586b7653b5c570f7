package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client wraps go-ethereum RPC for a local fork node and adds the
// anvil-specific cheat methods the replay needs.
type Client struct {
	rpcClient   *rpc.Client
	ethClient   *ethclient.Client
	callTimeout time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithCallTimeout bounds every RPC call. Zero leaves calls bounded only by
// the caller's context.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string, opts ...Option) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ethClient.ChainID(ctx)
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ethClient.BlockNumber(ctx)
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ethClient.TransactionByHash(ctx, hash)
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ethClient.TransactionReceipt(ctx, hash)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ethClient.SendTransaction(ctx, tx)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ethClient.PendingNonceAt(ctx, account)
}

// NonceAt returns the account nonce at the given block. A nil block means latest.
func (c *Client) NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ethClient.NonceAt(ctx, account, block)
}

// BalanceAt returns the wei balance at the given block. A nil block means latest.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ethClient.BalanceAt(ctx, account, block)
}

// CodeAt returns the deployed bytecode at the given block.
func (c *Client) CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ethClient.CodeAt(ctx, account, block)
}

// CallContract performs an eth_call against the given block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

// SetBalance overwrites an account balance on the fork.
func (c *Client) SetBalance(ctx context.Context, account common.Address, wei *big.Int) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.rpcClient.CallContext(ctx, nil, "anvil_setBalance", account, (*hexutil.Big)(wei))
}

// DumpState returns the fork's full state as an opaque blob accepted by LoadState.
func (c *Client) DumpState(ctx context.Context) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var blob hexutil.Bytes
	if err := c.rpcClient.CallContext(ctx, &blob, "anvil_dumpState"); err != nil {
		return nil, err
	}
	return blob, nil
}

// LoadState merges a blob produced by DumpState into the fork.
func (c *Client) LoadState(ctx context.Context, blob []byte) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var ok bool
	return c.rpcClient.CallContext(ctx, &ok, "anvil_loadState", hexutil.Bytes(blob))
}

