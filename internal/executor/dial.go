package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is the slice of the JSON-RPC API the executor drives.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer connects to a fork endpoint.
type Dialer func(ctx context.Context, endpoint string) (Client, error)

// DialRPC connects over JSON-RPC. The returned client also implements Tracer.
func DialRPC(ctx context.Context, endpoint string) (Client, error) {
	rc, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return &rpcClient{Client: ethclient.NewClient(rc), rpc: rc}, nil
}

type rpcClient struct {
	*ethclient.Client
	rpc *rpc.Client
}

// TraceTransaction returns the call tree of a mined transaction.
func (c *rpcClient) TraceTransaction(ctx context.Context, hash common.Hash) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.rpc.CallContext(ctx, &out, "debug_traceTransaction", hash, map[string]any{"tracer": "callTracer"})
	if err != nil {
		return nil, fmt.Errorf("executor: trace %s: %w", hash.Hex(), err)
	}
	return out, nil
}
