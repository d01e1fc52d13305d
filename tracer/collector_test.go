package tracer

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mappingSlot returns keccak(pad32(key) . pad32(base)) as a slot key.
func mappingSlot(key, base string) string {
	preimage := hexutil.MustDecode("0x" + memWord(key) + memWord(base))
	return new(uint256.Int).SetBytes(crypto.Keccak256(preimage)).Hex()
}

// storageTrace writes two mapping slots, reads one, then faults on a third write.
func storageTrace(keyA, keyB string) *TraceResult {
	slotA := mappingSlot(keyA, "0")
	slotB := mappingSlot(keyB, "0")
	return &TraceResult{StructLogs: []RawTraceStep{
		{Op: "KECCAK256", Depth: 1, Stack: []string{"0x40", "0x0"}, Memory: []string{memWord(keyA), memWord("0")}},
		{Op: "SSTORE", Depth: 1, Stack: []string{"0x1", slotA}},
		{Op: "SHA3", Depth: 1, Stack: []string{"0x40", "0x0"}, Memory: []string{memWord(keyB), memWord("0")}},
		{Op: "SSTORE", Depth: 1, Stack: []string{"0x2", slotB}},
		{Op: "SLOAD", Depth: 1, Stack: []string{slotA}},
		{Op: "KECCAK256", Depth: 1, Stack: []string{"0x20", "0x0"}, Memory: []string{memWord("1")}},
		{Op: "SSTORE", Depth: 1, Stack: []string{"0x3", "0x9"}, Error: "out of gas"},
	}}
}

func TestCollector_StorageAndKeccak(t *testing.T) {
	ctx := CallContext{From: bundler, To: account}
	keyA := strings.TrimPrefix(strings.ToLower(paymaster.Hex()), "0x")
	keyB := "beef"

	verdict, err := Replay[*Verdict](storageTrace(keyA, keyB), ctx, NewCollector())
	require.NoError(t, err)
	require.NotNil(t, verdict)

	addr := strings.ToLower(account.Hex())
	assert.Equal(t, 2, verdict.Writes[addr])
	assert.Equal(t, 1, verdict.Reads[addr])
	require.Len(t, verdict.Keccak, 2, "only 64 byte preimages are captured")

	for _, pair := range verdict.Keccak {
		assert.Len(t, pair[0], 66)
		assert.Len(t, pair[1], 66)
		preimage := append(hexutil.MustDecode(pair[0]), hexutil.MustDecode(pair[1])...)
		slot := new(uint256.Int).SetBytes(crypto.Keccak256(preimage)).Hex()
		assert.Contains(t, verdict.Slots, slot)
	}

	assert.Equal(t, 2, verdict.Slots[mappingSlot(keyA, "0")])
	assert.Equal(t, 1, verdict.Slots[mappingSlot(keyB, "0")])
	assert.NotContains(t, verdict.Slots, "0x9", "faulted step must not count")

	assert.Equal(t, 2, verdict.Opcodes["SSTORE"])
	assert.Equal(t, 1, verdict.Opcodes["SLOAD"])
	assert.Equal(t, 2, verdict.Opcodes["KECCAK256"])
	assert.Equal(t, 1, verdict.Opcodes["SHA3"])

	require.Len(t, verdict.Faults, 1)
	assert.Equal(t, Fault{Index: 6, Frame: 0, Error: "out of gas"}, verdict.Faults[0])

	require.Len(t, verdict.Frames, 1)
	root := verdict.Frames[0]
	assert.Equal(t, -1, root.Parent)
	assert.True(t, root.Faulted)
	assert.Len(t, root.Storage, 3)
	assert.Equal(t, StorageAccess{Address: addr, Slot: mappingSlot(keyA, "0"), Write: true}, root.Storage[0])
}

func TestCollector_CallsAndFrames(t *testing.T) {
	impl := common.HexToAddress("0x2222222222222222222222222222222222222222")
	trace := &TraceResult{StructLogs: []RawTraceStep{
		{
			Op: "CALL", Depth: 1,
			Stack:  []string{"0x0", "0x0", "0x4", "0x0", "0x0", addrWord(account), "0xffff"},
			Memory: []string{rightWord("19822f7c")},
		},
		{
			Op: "DELEGATECALL", Depth: 2,
			Stack: []string{"0x0", "0x0", "0x0", "0x0", addrWord(impl), "0xffff"},
		},
		{Op: "SLOAD", Depth: 3, Stack: []string{"0x5"}},
		{Op: "TIMESTAMP", Depth: 3},
		{Op: "RETURN", Depth: 3, Stack: []string{"0x0", "0x0"}},
		{Op: "REVERT", Depth: 2, Stack: []string{"0x0", "0x0"}},
		{Op: "STOP", Depth: 1},
	}}

	verdict, err := Replay[*Verdict](trace, callContext(), NewCollector())
	require.NoError(t, err)

	require.Len(t, verdict.Calls, 2)
	assert.Equal(t, CallRecord{
		Type:  "CALL",
		From:  strings.ToLower(entryPoint.Hex()),
		To:    strings.ToLower(account.Hex()),
		Value: "0x0",
	}, verdict.Calls[0])
	assert.Equal(t, "DELEGATECALL", verdict.Calls[1].Type)
	assert.Equal(t, strings.ToLower(account.Hex()), verdict.Calls[1].From)

	// storage inside the delegate call belongs to the account
	assert.Equal(t, 1, verdict.Reads[strings.ToLower(account.Hex())])

	require.Len(t, verdict.Frames, 3)
	accountFrame := verdict.Frames[1]
	assert.Equal(t, 0, accountFrame.Parent)
	assert.Equal(t, "0x19822f7c", accountFrame.Selector)
	assert.True(t, accountFrame.Reverted)

	delegate := verdict.Frames[2]
	assert.Equal(t, 1, delegate.Parent)
	assert.Equal(t, strings.ToLower(account.Hex()), delegate.Address)
	assert.Equal(t, strings.ToLower(impl.Hex()), delegate.Code)
	assert.Equal(t, 1, delegate.Opcodes["TIMESTAMP"])
	assert.False(t, delegate.Reverted)

	assert.Equal(t, []int{1}, verdict.ChildrenOf(0))
	assert.Equal(t, []int{2, 1, 0}, verdict.Ancestors(2))
}

func TestCollector_IgnoredOpcodes(t *testing.T) {
	trace := &TraceResult{StructLogs: []RawTraceStep{
		{Op: "PUSH1", Depth: 1},
		{Op: "PUSH1", Depth: 1},
		{Op: "GAS", Depth: 1},
	}}
	c := NewCollector()
	verdict, err := Replay[*Verdict](trace, callContext(), c, WithConfig(json.RawMessage(`{"ignoredOpcodes":["PUSH1"]}`)))
	require.NoError(t, err)

	assert.Equal(t, 2, verdict.Opcodes["PUSH1"])
	assert.NotContains(t, verdict.Frames[0].Opcodes, "PUSH1")
	assert.Equal(t, 1, verdict.Frames[0].Opcodes["GAS"])

	_, err = Replay[*Verdict](trace, callContext(), NewCollector(), WithConfig(json.RawMessage(`{`)))
	assert.Error(t, err)
}

func TestCollector_VerdictJSON(t *testing.T) {
	verdict, err := Replay[*Verdict](storageTrace("aa", "bb"), CallContext{To: account}, NewCollector())
	require.NoError(t, err)

	data, err := json.Marshal(verdict)
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	for _, key := range []string{"opcodes", "slots", "reads", "writes", "keccak", "calls"} {
		assert.Contains(t, out, key)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{CollectorName}, r.Names())

	tr, err := r.New(CollectorName)
	require.NoError(t, err)
	assert.IsType(t, &Collector{}, tr)

	other, err := r.New(CollectorName)
	require.NoError(t, err)
	assert.NotSame(t, tr, other, "each attempt gets a fresh tracer")

	_, err = r.New("jsTracer")
	assert.Error(t, err)
}

func TestCollector_FaultedCallKeepsDeeperStepsOutOfRoot(t *testing.T) {
	ctx := CallContext{From: bundler, To: account}
	verdict, err := Replay[*Verdict](faultedCallTrace(), ctx, NewCollector())
	require.NoError(t, err)

	require.Len(t, verdict.Frames, 2)
	root, child := verdict.Frames[0], verdict.Frames[1]
	assert.Zero(t, root.Opcodes["SSTORE"])
	assert.Zero(t, verdict.Writes[strings.ToLower(account.Hex())])

	assert.Equal(t, UnknownFrameType, child.Type)
	assert.Equal(t, 0, child.Parent)
	assert.Equal(t, 2, child.Depth)
	assert.Equal(t, 1, child.Opcodes["SSTORE"])
}
