package tracer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
)

// CallFrame is a call synthesized from a depth increase in the trace.
type CallFrame struct {
	Type  string         `json:"type"`
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`

	// Context is the storage context of the frame. It differs from To for
	// DELEGATECALL and CALLCODE.
	Context   common.Address `json:"-"`
	Depth     int            `json:"-"`
	Selector  hexutil.Bytes  `json:"-"`
	InputSize uint64         `json:"-"`
}

// FrameExit reports a frame closing because depth returned to its caller.
type FrameExit struct {
	Frame    CallFrame
	Reverted bool
	LastOp   string
}

func isCall(op vm.OpCode) bool {
	return op == vm.CALL || op == vm.CALLCODE || op == vm.DELEGATECALL || op == vm.STATICCALL
}

func isCreate(op vm.OpCode) bool {
	return op == vm.CREATE || op == vm.CREATE2
}

func selectorOf(input []byte) hexutil.Bytes {
	n := min(len(input), 4)
	return common.CopyBytes(input[:n])
}

// rootFrame builds the outermost frame from the call context.
func rootFrame(call CallContext, depth int) CallFrame {
	typ := "CALL"
	if call.To == (common.Address{}) {
		typ = "CREATE"
	}
	return CallFrame{
		Type:      typ,
		From:      call.From,
		To:        call.To,
		Value:     call.value(),
		Context:   call.To,
		Depth:     depth,
		Selector:  selectorOf(call.Input),
		InputSize: uint64(len(call.Input)),
	}
}

// UnknownFrameType marks a frame entered from a faulted step.
const UnknownFrameType = "UNKNOWN"

// unknownFrame opens a frame whose callee cannot be read from the caller.
func unknownFrame(parent CallFrame, depth int) CallFrame {
	return CallFrame{
		Type:  UnknownFrameType,
		From:  parent.Context,
		Value: new(big.Int),
		Depth: depth,
	}
}

// childFrame derives the callee frame from the step that opened it.
// parent is the frame the calling step executed in.
func childFrame(caller *Step, parent CallFrame, depth int) CallFrame {
	op := caller.Op().Value()
	frame := CallFrame{
		Type:  caller.Op().String(),
		From:  parent.Context,
		Value: new(big.Int),
		Depth: depth,
	}
	stack := caller.Stack()
	mem := caller.Memory()

	switch {
	case isCall(op):
		frame.To = common.BytesToAddress(stack.Peek(1).Bytes())
		argsAt := 2
		if op == vm.CALL || op == vm.CALLCODE {
			frame.Value = stack.Peek(2).ToBig()
			argsAt = 3
		}
		offset := stack.PeekUint64(argsAt)
		size := stack.PeekUint64(argsAt + 1)
		frame.InputSize = size
		frame.Selector = mem.Slice(int64(offset), int64(offset+min(size, 4)))

		frame.Context = frame.To
		if op == vm.DELEGATECALL || op == vm.CALLCODE {
			frame.Context = parent.Context
		}
	case isCreate(op):
		frame.Value = stack.Peek(0).ToBig()
		offset := stack.PeekUint64(1)
		size := stack.PeekUint64(2)
		frame.InputSize = size
		if op == vm.CREATE2 {
			initCode := mem.Slice(int64(offset), int64(offset+size))
			salt := stack.Peek(3).Bytes32()
			frame.To = crypto.CreateAddress2(parent.Context, salt, crypto.Keccak256(initCode))
		}
		// CREATE depends on the creator nonce, which the trace does not carry.
		frame.Context = frame.To
	default:
		frame.To = parent.Context
		frame.Context = parent.Context
	}
	return frame
}
