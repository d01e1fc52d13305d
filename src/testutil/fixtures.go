package testutil

import (
	"math/big"
	"testing"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/tracer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var TestSender = common.HexToAddress("0x1234567890123456789012345678901234567890")

func quantity(v int64) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(v))
}

// UserOperation returns a valid unsponsored operation for TestSender.
func UserOperation(nonce int64) *erc4337.UserOperation {
	return &erc4337.UserOperation{
		Sender:               TestSender,
		Nonce:                quantity(nonce),
		CallData:             hexutil.Bytes{0xab, 0xcd, 0xef},
		CallGasLimit:         quantity(100000),
		VerificationGasLimit: quantity(50000),
		PreVerificationGas:   quantity(21000),
		MaxPriorityFeePerGas: quantity(1000000000),
		MaxFeePerGas:         quantity(2000000000),
		Signature:            hexutil.Bytes{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0x0f},
	}
}

// MempoolEntry builds an entry for op with its v0.7 hash on chain 1.
func MempoolEntry(t *testing.T, op *erc4337.UserOperation) *domain.MempoolEntry {
	t.Helper()
	hash, err := op.GetUserOpHash(erc4337.EntryPointV07, big.NewInt(1))
	if err != nil {
		t.Fatalf("failed to hash user operation: %v", err)
	}
	entry, err := domain.NewMempoolEntry(domain.MempoolEntryParams{
		UserOp:     op,
		UserOpHash: hash,
		EntryPoint: erc4337.EntryPointV07,
		Verdict:    &tracer.Verdict{},
	})
	if err != nil {
		t.Fatalf("failed to build mempool entry: %v", err)
	}
	return entry
}
