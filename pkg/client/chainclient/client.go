// Package chainclient is the keeper's single point of contact with an
// Ethereum JSON-RPC node.
package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
	"github.com/trigg3rX/power-agent-node/pkg/retry"
)

// ChainClient is the capability surface the keeper consumes
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)

	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)

	Close()
}

// Client implements ChainClient over go-ethereum's ethclient
type Client struct {
	http   *ethclient.Client
	ws     *ethclient.Client
	config *Config
	retry  *retry.RetryConfig
	logger logging.Logger
}

var _ ChainClient = (*Client)(nil)

func NewClient(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chain client config: %w", err)
	}

	rpcClient, err := rpc.DialContext(ctx, config.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", kerrors.ErrChainClient, config.RPCURL, err)
	}

	c := &Client{
		http:   ethclient.NewClient(rpcClient),
		config: config,
		retry:  retry.FixedRetryConfig(config.MaxAttempts, config.RetryDelay),
		logger: config.Logger,
	}
	c.retry.ShouldRetry = shouldRetry

	if config.WSURL != "" {
		wsClient, err := ethclient.DialContext(ctx, config.WSURL)
		if err != nil {
			// polling still works, only latency suffers
			c.logger.Warn("WebSocket dial failed, falling back to polling", "url", config.WSURL, "error", err)
		} else {
			c.ws = wsClient
		}
	}

	return c, nil
}

// shouldRetry retries transport failures only. A JSON-RPC error is the
// node's answer and asking again yields the same answer.
func shouldRetry(err error, _ int) bool {
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

func call[T any](ctx context.Context, c *Client, method string, op func(ctx context.Context) (T, error)) (T, error) {
	result, err := retry.Retry(ctx, func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
		return op(callCtx)
	}, c.retry, c.logger)
	if err != nil {
		var zero T
		if errors.Is(err, ethereum.NotFound) {
			return zero, err
		}
		return zero, fmt.Errorf("%w: %s: %w", kerrors.ErrChainClient, method, err)
	}
	return result, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, "eth_chainId", c.http.ChainID)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, c, "eth_blockNumber", c.http.BlockNumber)
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return call(ctx, c, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
		return c.http.HeaderByNumber(ctx, number)
	})
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, "eth_maxPriorityFeePerGas", c.http.SuggestGasTipCap)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return call(ctx, c, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.http.CallContract(ctx, msg, block)
	})
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return call(ctx, c, "eth_estimateGas", func(ctx context.Context) (uint64, error) {
		return c.http.EstimateGas(ctx, msg)
	})
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return call(ctx, c, "eth_getTransactionCount", func(ctx context.Context) (uint64, error) {
		return c.http.PendingNonceAt(ctx, account)
	})
}

func (c *Client) NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error) {
	return call(ctx, c, "eth_getTransactionCount", func(ctx context.Context) (uint64, error) {
		return c.http.NonceAt(ctx, account, block)
	})
}

// SendTransaction is attempted once. "already known" after a transport
// retry would be indistinguishable from a real duplicate.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	if err := c.http.SendTransaction(callCtx, tx); err != nil {
		return fmt.Errorf("%w: eth_sendRawTransaction: %w", kerrors.ErrChainClient, err)
	}
	return nil
}

// TransactionReceipt returns ethereum.NotFound unwrapped while pending
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return call(ctx, c, "eth_getTransactionReceipt", func(ctx context.Context) (*types.Receipt, error) {
		return c.http.TransactionReceipt(ctx, txHash)
	})
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return call(ctx, c, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
		return c.http.FilterLogs(ctx, q)
	})
}

func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if c.ws != nil {
		sub, err := c.ws.SubscribeNewHead(ctx, ch)
		if err == nil {
			return sub, nil
		}
		c.logger.Warn("newHeads subscription failed, polling instead", "error", err)
	}
	return pollHeads(ctx, c, ch), nil
}

func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if c.ws != nil {
		sub, err := c.ws.SubscribeFilterLogs(ctx, q, ch)
		if err == nil {
			return sub, nil
		}
		c.logger.Warn("logs subscription failed, polling instead", "error", err)
	}
	from, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	return pollLogs(ctx, c, q, from+1, ch), nil
}

func (c *Client) Close() {
	c.http.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}

// IsNonceError matches node answers that mean the nonce is already spent
// or the replacement did not outbid the pending transaction.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "already known")
}
