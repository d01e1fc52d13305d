package domain

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordContext() RecordContext {
	return RecordContext{
		ChainID:    11155111,
		MempoolID:  "default",
		EntryPoint: entryPoint,
		UserOpHash: common.HexToHash("0x01"),
	}
}

func TestNewEntryRecord_Accepted(t *testing.T) {
	entry := testEntry(t, withPaymaster(testUserOp()))
	aggregator := common.HexToAddress("0x0a")
	entry.Aggregator = &aggregator

	record, err := NewEntryRecord(recordContext(), entry, decimal.NewFromInt(1))
	require.NoError(t, err)

	assert.Equal(t, "mempool_entries", record.TableName())
	assert.Equal(t, EntryStatusAccepted, record.Status)
	assert.Nil(t, record.ErrMsg)
	assert.Equal(t, sender.Hex(), record.Sender)
	assert.Equal(t, "0x1", record.Nonce)
	assert.Equal(t, entryPoint.Hex(), record.EntryPoint)
	assert.Equal(t, int64(11155111), record.ChainID)
	assert.True(t, record.MaxGas.Equal(decimal.NewFromInt(70)))
	assert.True(t, record.Prefund.Equal(decimal.NewFromInt(140)))
	assert.True(t, record.ExpectedCost.Equal(decimal.NewFromInt(140)))
	require.NotNil(t, record.Aggregator)
	assert.Equal(t, aggregator.Hex(), *record.Aggregator)
	assert.JSONEq(t, `{"opcodes":null,"slots":null,"reads":null,"writes":null,"keccak":null,"calls":null,"frames":null}`, string(record.Verdict))

	op, err := record.GetUserOperation()
	require.NoError(t, err)
	assert.Equal(t, sender, op.Sender)
	assert.Equal(t, paymaster, *op.Paymaster)
}

func TestNewEntryRecord_Rejected(t *testing.T) {
	entry := testEntry(t, testUserOp(),
		RuleViolation{Rule: "banned-opcodes", Fatal: true, Role: "account", Opcode: "GASPRICE", Message: "account uses GASPRICE"},
		RuleViolation{Rule: "faults", Message: "out of gas"},
	)

	record, err := NewEntryRecord(recordContext(), entry, decimal.NewFromInt(1))
	require.NoError(t, err)

	assert.Equal(t, EntryStatusRejected, record.Status)
	require.NotNil(t, record.ErrMsg)
	assert.Equal(t, "account uses GASPRICE", *record.ErrMsg)
	assert.Equal(t, []string{"banned-opcodes/account/GASPRICE", "faults"}, []string(record.Violations))
}

func TestNewFailedRecord(t *testing.T) {
	record, err := NewFailedRecord(recordContext(), testUserOp(), errors.New("AA23 reverted"))
	require.NoError(t, err)

	assert.Equal(t, EntryStatusFailed, record.Status)
	require.NotNil(t, record.ErrMsg)
	assert.Equal(t, "AA23 reverted", *record.ErrMsg)
	assert.Nil(t, record.Verdict)
	assert.True(t, record.MaxGas.Equal(decimal.NewFromInt(60)))
	assert.Empty(t, record.Violations)
}
