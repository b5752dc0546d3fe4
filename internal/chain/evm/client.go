package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the subset of ethclient.Client the adapter uses.
type Client interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

var _ Client = (*ethclient.Client)(nil)

// Dial connects to an EVM JSON-RPC endpoint (http, https, ws or wss).
func Dial(ctx context.Context, url string) (Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redactURL(url), err)
	}
	return c, nil
}

const erc20ABI = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var (
	parsedERC20     abi.ABI
	parsedERC20Once sync.Once
	parsedERC20Err  error

	// transferTopic is keccak256("Transfer(address,address,uint256)").
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func erc20() (abi.ABI, error) {
	parsedERC20Once.Do(func() {
		parsedERC20, parsedERC20Err = abi.JSON(strings.NewReader(erc20ABI))
	})
	return parsedERC20, parsedERC20Err
}

// tokenBalance calls balanceOf(owner) on token.
func tokenBalance(ctx context.Context, c Client, token, owner common.Address) (*big.Int, error) {
	parsed, err := erc20()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	data, err := parsed.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf %s: %w", token.Hex(), err)
	}
	if len(out) == 0 {
		return new(big.Int), nil
	}
	vals, err := parsed.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf %s: %w", token.Hex(), err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("unpack balanceOf %s: empty result", token.Hex())
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack balanceOf %s: unexpected type %T", token.Hex(), vals[0])
	}
	return bal, nil
}

func redactURL(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		rest := url[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			return url[:i+3] + rest[:j]
		}
	}
	return url
}

func isWebsocket(url string) bool {
	lower := strings.ToLower(url)
	return strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://")
}
