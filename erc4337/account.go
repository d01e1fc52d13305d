package erc4337

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SmartAccount is the capability set a wallet variant must provide to build
// user operations. Variants are independent structs.
type SmartAccount interface {
	Sender(ctx context.Context) (common.Address, error)
	Nonce(ctx context.Context) (*big.Int, error)
	InitCode(ctx context.Context) (factory *common.Address, factoryData []byte, err error)
	EncodeExecute(target common.Address, value *big.Int, data []byte) ([]byte, error)
}

// ContractCaller is the subset of ethclient used by account variants.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

var simpleAccountABI = mustParseABI(`[
	{"type":"function","name":"execute","stateMutability":"nonpayable",
	 "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"createAccount","stateMutability":"nonpayable",
	 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"ret","type":"address"}]},
	{"type":"function","name":"getAddress","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"getNonce","stateMutability":"view",
	 "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`)

// SimpleAccount is the reference SimpleAccount/SimpleAccountFactory variant.
type SimpleAccount struct {
	client     ContractCaller
	entryPoint common.Address
	factory    common.Address
	owner      common.Address
	salt       *big.Int

	sender *common.Address
}

func NewSimpleAccount(client ContractCaller, entryPoint, factory, owner common.Address, salt *big.Int) *SimpleAccount {
	if salt == nil {
		salt = new(big.Int)
	}
	return &SimpleAccount{
		client:     client,
		entryPoint: entryPoint,
		factory:    factory,
		owner:      owner,
		salt:       salt,
	}
}

func (a *SimpleAccount) call(ctx context.Context, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := simpleAccountABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	return simpleAccountABI.Unpack(method, out)
}

// Sender returns the counterfactual account address from the factory.
func (a *SimpleAccount) Sender(ctx context.Context) (common.Address, error) {
	if a.sender != nil {
		return *a.sender, nil
	}
	out, err := a.call(ctx, a.factory, "getAddress", a.owner, a.salt)
	if err != nil {
		return common.Address{}, err
	}
	sender := out[0].(common.Address)
	a.sender = &sender
	return sender, nil
}

// Nonce returns the entry point nonce for key 0.
func (a *SimpleAccount) Nonce(ctx context.Context) (*big.Int, error) {
	sender, err := a.Sender(ctx)
	if err != nil {
		return nil, err
	}
	out, err := a.call(ctx, a.entryPoint, "getNonce", sender, new(big.Int))
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// InitCode returns the factory call when the account is not yet deployed.
func (a *SimpleAccount) InitCode(ctx context.Context) (*common.Address, []byte, error) {
	sender, err := a.Sender(ctx)
	if err != nil {
		return nil, nil, err
	}
	code, err := a.client.CodeAt(ctx, sender, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(code) > 0 {
		return nil, nil, nil
	}
	data, err := simpleAccountABI.Pack("createAccount", a.owner, a.salt)
	if err != nil {
		return nil, nil, err
	}
	factory := a.factory
	return &factory, data, nil
}

func (a *SimpleAccount) EncodeExecute(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	return simpleAccountABI.Pack("execute", target, value, data)
}

// BuildUserOperation fills sender, nonce, initCode and callData from the
// account. Gas and fee fields are left for the caller.
func BuildUserOperation(ctx context.Context, account SmartAccount, target common.Address, value *big.Int, data []byte) (*UserOperation, error) {
	sender, err := account.Sender(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := account.Nonce(ctx)
	if err != nil {
		return nil, err
	}
	factory, factoryData, err := account.InitCode(ctx)
	if err != nil {
		return nil, err
	}
	callData, err := account.EncodeExecute(target, value, data)
	if err != nil {
		return nil, err
	}
	return &UserOperation{
		Sender:      sender,
		Nonce:       (*hexutil.Big)(nonce),
		Factory:     factory,
		FactoryData: factoryData,
		CallData:    callData,
		Signature:   hexutil.Bytes{},
	}, nil
}
