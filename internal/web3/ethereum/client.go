package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"Clawracle-Agent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	WSURL  string
	Notes  string
}

// Client implements the web3.Client interface for EVM compatible chains.
// Transactions and calls go over the HTTP endpoint; the event stream comes
// from the websocket endpoint when one is configured (some chains do not
// support eth_newFilter over HTTP, so the websocket path is preferred).
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	eth         *ethclient.Client
	eventClient logSubscriber

	mu      sync.Mutex
	chainID *big.Int
	wsRPC   *gethrpc.Client
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	client := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		eth:         eth,
		eventClient: eth,
	}

	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL)
		if wsErr != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接事件流节点失败: %w", wsErr)
		}
		client.wsRPC = wsRPC
		client.eventClient = ethclient.NewClient(wsRPC)
	}

	return client, nil
}

// Name 返回链的可读名称。
func (c *Client) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Backend exposes the bind.ContractBackend used by contract bindings.
func (c *Client) Backend() bind.ContractBackend {
	if c == nil {
		return nil
	}
	return c.eth
}

// ChainID returns the chain identifier, cached after the first query.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// SubscribeLogs attaches a log subscription to the chain.
func (c *Client) SubscribeLogs(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	if c == nil || c.eventClient == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := c.eventClient.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return web3.NewEventSubscription(logs, sub), nil
}

// WaitMined blocks until the transaction is mined or the context expires.
func (c *Client) WaitMined(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return nil, fmt.Errorf("等待交易确认失败: %w", err)
	}
	return receipt, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsRPC != nil {
		c.wsRPC.Close()
		c.wsRPC = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.eth = nil
	c.eventClient = nil
}

var _ web3.Client = (*Client)(nil)
