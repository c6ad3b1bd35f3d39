package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to reach an EVM compatible node.
type Config struct {
	Name   string
	RPCURL string
	// ChainID 非零时，连接后校验节点返回的链 ID。
	ChainID uint64
}

// Client wraps an ethclient connection for one network.
type Client struct {
	*ethclient.Client
	name    string
	chainID *big.Int
}

// Dial connects to the configured RPC endpoint and checks the chain id.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	if cfg.ChainID != 0 {
		remote, err := eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		if remote.Cmp(chainID) != 0 {
			eth.Close()
			return nil, fmt.Errorf("网络 %s 的链 ID 为 %s，与配置的 %d 不一致", cfg.Name, remote, cfg.ChainID)
		}
	}
	return &Client{Client: eth, name: cfg.Name, chainID: chainID}, nil
}

// Name returns the configured network name.
func (c *Client) Name() string { return c.name }

// ChainIDValue returns the configured chain id, nil when unset.
func (c *Client) ChainIDValue() *big.Int {
	if c == nil || c.chainID == nil || c.chainID.Sign() == 0 {
		return nil
	}
	return new(big.Int).Set(c.chainID)
}
