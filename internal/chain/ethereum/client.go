package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"OpenSettle-Chain/internal/chain"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client implements chain.Invoker for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Invoke performs an eth_call against the target with the supplied value and
// call data. A revert surfaces as an error.
func (c *Client) Invoke(ctx context.Context, target common.Address, value *big.Int, payload []byte) error {
	if c == nil || c.eth == nil {
		return errors.New("未初始化的以太坊客户端")
	}
	msg := gethcore.CallMsg{
		To:    &target,
		Value: value,
		Data:  payload,
	}
	if _, err := c.eth.CallContract(ctx, msg, nil); err != nil {
		return fmt.Errorf("调用目标 %s 失败: %w", target.Hex(), err)
	}
	return nil
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (chain.Snapshot, error) {
	if c == nil || c.eth == nil {
		return chain.Snapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return chain.Snapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return chain.Snapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return chain.Snapshot{
		ChainID:     "0x" + chainID.Text(16),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// BalanceAt returns the native balance of an address.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	balance, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}
