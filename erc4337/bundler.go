package erc4337

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// UserOperationByHash is the eth_getUserOperationByHash result for a pending op.
type UserOperationByHash struct {
	UserOperation *UserOperation `json:"userOperation"`
	EntryPoint    common.Address `json:"entryPoint"`
	UserOpHash    common.Hash    `json:"userOpHash"`
}

type Bundler interface {
	ChainId(ctx context.Context) (*big.Int, error)
	SupportedEntryPoints(ctx context.Context) ([]common.Address, error)
	SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error)
	GetUserOperationByHash(ctx context.Context, userOpHash common.Hash) (*UserOperationByHash, error)
}

type BundlerClient struct {
	client *rpc.Client
}

func DialContext(ctx context.Context, rawurl string) (Bundler, error) {
	c, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return NewBundlerClient(c), nil
}

func NewBundlerClient(c *rpc.Client) Bundler {
	return &BundlerClient{c}
}

func (b *BundlerClient) ChainId(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	err := b.client.CallContext(ctx, &result, "eth_chainId", []interface{}{}...)
	if err != nil {
		return nil, err
	}
	return (*big.Int)(&result), nil
}

func (b *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var result []common.Address
	err := b.client.CallContext(ctx, &result, "eth_supportedEntryPoints")
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *BundlerClient) SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error) {
	var result common.Hash
	err := b.client.CallContext(ctx, &result, "eth_sendUserOperation", op, entryPoint)
	return result, err
}

// GetUserOperationByHash returns nil without error when the op is unknown.
func (b *BundlerClient) GetUserOperationByHash(ctx context.Context, userOpHash common.Hash) (*UserOperationByHash, error) {
	var result *UserOperationByHash
	err := b.client.CallContext(ctx, &result, "eth_getUserOperationByHash", userOpHash)
	if err != nil {
		return nil, err
	}
	return result, nil
}
