package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	dialMaxAttempts = 5
	dialMaxInterval = 10 * time.Second
	callTimeout     = 10 * time.Second
)

// Backend is the slice of the JSON-RPC surface the trading caller
// needs. *ethclient.Client satisfies it.
type Backend interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client wraps an Ethereum JSON-RPC endpoint. HTTP transports connect
// lazily, so Dial probes the head once (with backoff) before handing
// the client out.
type Client struct {
	eth    *ethclient.Client
	rpcURL string
}

func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = dialMaxInterval

	for attempt := 1; ; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, callTimeout)
		_, err = ec.BlockNumber(probeCtx)
		cancel()
		if err == nil {
			return &Client{eth: ec, rpcURL: rpcURL}, nil
		}
		if attempt >= dialMaxAttempts {
			break
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = dialMaxInterval
		}
		log.Printf("[chain] rpc %s not ready (attempt %d/%d): %v", rpcURL, attempt, dialMaxAttempts, err)
		select {
		case <-ctx.Done():
			ec.Close()
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}

	ec.Close()
	return nil, fmt.Errorf("rpc %s unreachable: %w", rpcURL, err)
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.eth.FilterLogs(ctx, q)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.eth.CallContract(ctx, msg, blockNumber)
}

func (c *Client) Close() {
	c.eth.Close()
}
